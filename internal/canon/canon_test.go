package canon

import "testing"

func TestJSON_KeyOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"a": 1, "b": 2}
	b := map[string]interface{}{"b": 2, "a": 1}

	sa, err := JSON(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	sb, err := JSON(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if sa != sb {
		t.Fatalf("expected equal canonical forms, got %q vs %q", sa, sb)
	}
	if sa != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical form: %q", sa)
	}
}

func TestJSON_NestedKeyOrder(t *testing.T) {
	v := map[string]interface{}{
		"outer": map[string]interface{}{"z": 1, "a": 2},
		"arr":   []interface{}{map[string]interface{}{"y": 1, "x": 2}},
	}
	s, err := JSON(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"arr":[{"x":2,"y":1}],"outer":{"a":2,"z":1}}`
	if s != want {
		t.Fatalf("got %q want %q", s, want)
	}
}

func TestJSON_ArrayOrderPreserved(t *testing.T) {
	v := []interface{}{3, 1, 2}
	s, err := JSON(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if s != "[3,1,2]" {
		t.Fatalf("array order was not preserved: %q", s)
	}
}

func TestJSON_NilIsEmpty(t *testing.T) {
	s, err := JSON(nil)
	if err != nil {
		t.Fatalf("canonicalize nil: %v", err)
	}
	if s != "" {
		t.Fatalf("expected empty string for nil params, got %q", s)
	}
}
