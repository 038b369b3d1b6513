// Package canon produces a deterministic JSON representation of arbitrary
// request params, used as the stable portion of cache and consensus memo keys.
package canon

import (
	"bytes"
	"encoding/json"
	"sort"
)

// JSON returns the canonical JSON encoding of v: object keys are sorted
// recursively, arrays preserve order, and numbers keep their source
// representation via json.Number instead of being reformatted as float64.
//
// A nil or json.Null-equivalent v canonicalizes to the empty string, matching
// the "null / absent params produce an empty trailing segment" rule.
func JSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return "", err
	}
	if decoded == nil {
		return "", nil
	}

	normalized := normalize(decoded)
	out, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// MustJSON is JSON without an error return, for call sites that already
// guarantee v round-trips through encoding/json (e.g. values freshly decoded
// from a request body).
func MustJSON(v interface{}) string {
	s, err := JSON(v)
	if err != nil {
		return ""
	}
	return s
}

// normalize walks a decoded JSON value (as produced by a json.Decoder with
// UseNumber) and returns an equivalent value whose map keys will marshal in
// lexicographic order.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return sortedObject(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		// string, json.Number, bool, nil pass through unchanged; their
		// source representation (e.g. number formatting) is preserved
		// because json.Number marshals back to its original text.
		return t
	}
}

// sortedObject re-encodes a map as an ordered sequence of key/value pairs
// using json.RawMessage so that encoding/json's natural (sorted) map
// marshaling isn't relied upon for nested structure -- we build the object
// ourselves to guarantee recursive, not just top-level, key ordering.
func sortedObject(m map[string]interface{}) json.RawMessage {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(normalize(m[k]))
		if err != nil {
			vb = []byte("null")
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return json.RawMessage(buf.Bytes())
}
