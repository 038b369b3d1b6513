package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PayRpc/rpc-sprint/internal/pool"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{Strategy: pool.RoundRobin}, nil)
	p.Add(pool.EndpointConfig{URL: "http://a", Name: "a", MaxConns: 10})
	return p
}

func dialTestServer(t *testing.T, m *Multiplex) (*websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, err := m.Accept(socket); err != nil {
			socket.Close()
		}
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn, srv.Close
}

func TestAccept_RejectsBeyondCapacity(t *testing.T) {
	m := New(newTestPool(t), 1, nil)

	conn1, closeSrv := dialTestServer(t, m)
	defer closeSrv()
	defer conn1.Close()

	time.Sleep(50 * time.Millisecond)
	if got := m.Stats().ActiveConnections; got != 1 {
		t.Fatalf("expected 1 active connection, got %d", got)
	}

	if _, err := m.Accept(nil); err != ErrConnectionLimitExceeded {
		t.Fatalf("expected connection limit exceeded error, got %v", err)
	}
	if got := m.Stats().RejectedConnections; got != 1 {
		t.Errorf("expected 1 rejected connection counted, got %d", got)
	}
}

func TestSubscribeUnsubscribe_TracksTopicLifecycle(t *testing.T) {
	m := New(newTestPool(t), MaxConnections, nil)
	m.mu.Lock()
	c := &Conn{ID: "conn-1", subs: make(map[uint64]string), send: make(chan []byte, 4)}
	m.conns[c.ID] = c
	m.mu.Unlock()

	upstreamCalls := 0
	subscribeFn := func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage) (uint64, error) {
		upstreamCalls++
		return 999, nil
	}

	subID, err := m.Subscribe(context.Background(), c.ID, "slotSubscribe", nil, subscribeFn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Stats().ActiveTopics != 1 {
		t.Fatal("expected one active topic after first subscribe")
	}

	// a second client subscribing to the same topic should not re-open upstream
	m.mu.Lock()
	c2 := &Conn{ID: "conn-2", subs: make(map[uint64]string), send: make(chan []byte, 4)}
	m.conns[c2.ID] = c2
	m.mu.Unlock()
	if _, err := m.Subscribe(context.Background(), c2.ID, "slotSubscribe", nil, subscribeFn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if upstreamCalls != 1 {
		t.Errorf("expected upstream subscribe called once for a shared topic, got %d", upstreamCalls)
	}

	if !m.Unsubscribe(c.ID, subID) {
		t.Fatal("expected unsubscribe to report success")
	}
	if m.Stats().ActiveTopics != 1 {
		t.Fatal("expected topic to remain while conn-2 is still subscribed")
	}
}

func TestDispatch_FansOutToAllSubscribers(t *testing.T) {
	m := New(newTestPool(t), MaxConnections, nil)
	m.mu.Lock()
	c := &Conn{ID: "conn-1", subs: make(map[uint64]string), send: make(chan []byte, 4)}
	m.conns[c.ID] = c
	m.mu.Unlock()

	subscribeFn := func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage) (uint64, error) {
		return 1, nil
	}
	if _, err := m.Subscribe(context.Background(), c.ID, "slotSubscribe", nil, subscribeFn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.Dispatch("slotSubscribe", nil, json.RawMessage(`{"slot":5}`))

	select {
	case payload := <-c.send:
		if len(payload) == 0 {
			t.Fatal("expected non-empty notification payload")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a notification to be queued for the subscriber")
	}
}

func TestRemove_ClearsAllTopicMemberships(t *testing.T) {
	m := New(newTestPool(t), MaxConnections, nil)
	m.mu.Lock()
	c := &Conn{ID: "conn-1", subs: make(map[uint64]string), send: make(chan []byte, 4)}
	m.conns[c.ID] = c
	m.mu.Unlock()

	subscribeFn := func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage) (uint64, error) {
		return 1, nil
	}
	if _, err := m.Subscribe(context.Background(), c.ID, "slotSubscribe", nil, subscribeFn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.Remove(c.ID)

	if m.Stats().ActiveTopics != 0 {
		t.Fatal("expected topic to be cleaned up after its only subscriber was removed")
	}
	if m.Stats().ActiveConnections != 0 {
		t.Fatal("expected connection to be deregistered")
	}
}
