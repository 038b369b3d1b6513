// Package ws implements the supporting WebSocket Multiplex (spec §4.9): up
// to MaxUpstreamConnections physical upstream WebSocket connections per
// topic (one per healthy endpoint) are shared across many client
// subscriptions, each client connection getting its own id, subscription
// table, and fan-in broadcast of upstream notifications deduplicated across
// the redundant upstreams. Grounded directly on the teacher's
// internal/relay/solana.go (wsConn, subscriptions map[string]chan
// *SolanaNotification, pendingReqs) — the closest existing analog to this
// subscription-multiplexing shape.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PayRpc/rpc-sprint/internal/pool"
	"github.com/PayRpc/rpc-sprint/internal/rpc"
)

// MaxConnections is the default cap on concurrently multiplexed client
// connections before new upgrades are rejected with −32000.
const MaxConnections = 1000

// MaxUpstreamConnections bounds how many distinct healthy WS-capable
// endpoints the multiplexer keeps an upstream connection open to.
const MaxUpstreamConnections = 3

// PingInterval is how often the multiplexer pings each client connection.
const PingInterval = 30 * time.Second

// ErrConnectionLimitExceeded is surfaced to a rejected upgrade attempt.
var ErrConnectionLimitExceeded = fmt.Errorf("ws: connection limit exceeded")

// notification is a subscription push in the "subscription" method shape
// fanned out to every client subscribed to it.
type notification struct {
	Subscription uint64          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Conn is one client's multiplexed WebSocket connection: its own
// subscribe/unsubscribe bucket and a send queue feeding the physical socket.
type Conn struct {
	ID     string
	socket *websocket.Conn
	send   chan []byte

	mu   sync.Mutex
	subs map[uint64]string // subscription id -> upstream topic key

	closed atomic.Bool
}

// upstreamHandle is one open upstream subscription backing a topic.
type upstreamHandle struct {
	endpointID string
	subID      uint64
}

// duplicateWindow bounds how long a topic remembers a notification payload
// it has already fanned out, so the same event reported by two or three
// redundant upstreams for the same topic is only delivered to clients once.
const duplicateWindow = 2 * time.Second

// topic is one method+params subscription key, backed by up to
// MaxUpstreamConnections upstream subscriptions (spec §4.9) and fanned out
// to however many client subscriptions reference it.
type topic struct {
	key         string
	upstreams   []upstreamHandle
	subscribers map[string]map[uint64]struct{} // connID -> client-facing subscription ids

	dedupMu       sync.Mutex
	recentResults map[string]time.Time
}

// seen reports whether result was already dispatched for this topic within
// duplicateWindow, recording it as seen if not.
func (t *topic) seen(result json.RawMessage) bool {
	t.dedupMu.Lock()
	defer t.dedupMu.Unlock()

	now := time.Now()
	for k, at := range t.recentResults {
		if now.Sub(at) > duplicateWindow {
			delete(t.recentResults, k)
		}
	}

	key := string(result)
	if _, ok := t.recentResults[key]; ok {
		return true
	}
	t.recentResults[key] = now
	return false
}

// Multiplex manages client connections and the upstream subscriptions they
// share.
type Multiplex struct {
	pool   *pool.Pool
	logger *zap.Logger

	maxConnections int

	mu          sync.RWMutex
	conns       map[string]*Conn
	topics      map[string]*topic
	nextSubID   uint64

	rejectedConnections uint64
}

// New constructs a Multiplex bound to p for upstream endpoint selection.
func New(p *pool.Pool, maxConnections int, logger *zap.Logger) *Multiplex {
	if maxConnections <= 0 {
		maxConnections = MaxConnections
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multiplex{
		pool:           p,
		logger:         logger,
		maxConnections: maxConnections,
		conns:          make(map[string]*Conn),
		topics:         make(map[string]*topic),
	}
}

// Accept registers a new client WebSocket connection, rejecting it if the
// multiplexer is already at capacity.
func (m *Multiplex) Accept(socket *websocket.Conn) (*Conn, error) {
	m.mu.Lock()
	if len(m.conns) >= m.maxConnections {
		m.rejectedConnections++
		m.mu.Unlock()
		return nil, ErrConnectionLimitExceeded
	}
	c := &Conn{
		ID:     uuid.NewString(),
		socket: socket,
		send:   make(chan []byte, 256),
		subs:   make(map[uint64]string),
	}
	m.conns[c.ID] = c
	m.mu.Unlock()

	socket.SetReadDeadline(time.Now().Add(2 * PingInterval))
	socket.SetPongHandler(func(string) error {
		socket.SetReadDeadline(time.Now().Add(2 * PingInterval))
		return nil
	})

	go m.writePump(c)
	return c, nil
}

// Remove closes and deregisters a client connection, unsubscribing it from
// every topic it held.
func (m *Multiplex) Remove(connID string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connID)
	m.mu.Unlock()

	if c.closed.CompareAndSwap(false, true) {
		close(c.send)
	}

	m.mu.Lock()
	for _, t := range m.topics {
		delete(t.subscribers, connID)
		if len(t.subscribers) == 0 {
			delete(m.topics, t.key)
		}
	}
	m.mu.Unlock()
}

// Subscribe opens (or tops up) the upstream subscriptions backing
// method+params on behalf of conn, dialing up to MaxUpstreamConnections
// distinct healthy endpoints for redundancy (spec §4.9), and returns the
// client-facing subscription id allocated for it.
func (m *Multiplex) Subscribe(ctx context.Context, connID, method string, params json.RawMessage, upstreamSubscribe func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage) (uint64, error)) (uint64, error) {
	key := method + ":" + string(params)

	m.mu.Lock()
	t, exists := m.topics[key]
	if !exists {
		t = &topic{key: key, subscribers: make(map[string]map[uint64]struct{}), recentResults: make(map[string]time.Time)}
		m.topics[key] = t
	}
	exclude := make(map[string]bool, len(t.upstreams))
	for _, u := range t.upstreams {
		exclude[u.endpointID] = true
	}
	needed := MaxUpstreamConnections - len(t.upstreams)
	m.mu.Unlock()

	if needed > 0 {
		for _, ep := range m.selectUpstreamCandidates(exclude, needed) {
			upstreamSub, err := upstreamSubscribe(ctx, ep, method, params)
			if err != nil {
				m.logger.Warn("ws: upstream subscribe failed", zap.String("endpoint", ep.Name), zap.Error(err))
				continue
			}
			m.mu.Lock()
			t.upstreams = append(t.upstreams, upstreamHandle{endpointID: ep.ID, subID: upstreamSub})
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	if len(t.upstreams) == 0 {
		if len(t.subscribers) == 0 {
			delete(m.topics, key)
		}
		m.mu.Unlock()
		return 0, fmt.Errorf("ws: no upstream endpoint available for %s", method)
	}

	m.nextSubID++
	subID := m.nextSubID
	if t.subscribers[connID] == nil {
		t.subscribers[connID] = make(map[uint64]struct{})
	}
	t.subscribers[connID][subID] = struct{}{}
	m.mu.Unlock()

	m.mu.RLock()
	c, ok := m.conns[connID]
	m.mu.RUnlock()
	if ok {
		c.mu.Lock()
		c.subs[subID] = key
		c.mu.Unlock()
	}

	return subID, nil
}

// selectUpstreamCandidates picks up to n distinct healthy endpoints not
// already in exclude, using the pool's own availability rule (SelectFrom)
// repeatedly over a shrinking candidate list so each pick is independent of
// the ones before it.
func (m *Multiplex) selectUpstreamCandidates(exclude map[string]bool, n int) []*pool.Endpoint {
	remaining := make([]*pool.Endpoint, 0, len(m.pool.All()))
	for _, ep := range m.pool.All() {
		if !exclude[ep.ID] {
			remaining = append(remaining, ep)
		}
	}

	picked := make([]*pool.Endpoint, 0, n)
	for len(picked) < n && len(remaining) > 0 {
		ep, err := m.pool.SelectFrom(remaining)
		if err != nil {
			break
		}
		picked = append(picked, ep)
		next := remaining[:0:0]
		for _, e := range remaining {
			if e.ID != ep.ID {
				next = append(next, e)
			}
		}
		remaining = next
	}
	return picked
}

// Unsubscribe removes one client-facing subscription id from conn. The
// underlying upstream subscription is left open as long as at least one
// client still references the topic.
func (m *Multiplex) Unsubscribe(connID string, subID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connID]
	if ok {
		c.mu.Lock()
		key, has := c.subs[subID]
		delete(c.subs, subID)
		c.mu.Unlock()
		if !has {
			return false
		}
		if t, exists := m.topics[key]; exists {
			if subs, ok := t.subscribers[connID]; ok {
				delete(subs, subID)
				if len(subs) == 0 {
					delete(t.subscribers, connID)
				}
			}
			if len(t.subscribers) == 0 {
				delete(m.topics, key)
			}
		}
		return true
	}
	return false
}

// Dispatch fans an upstream notification for method+params out to every
// client subscription currently bound to that topic.
func (m *Multiplex) Dispatch(method string, params json.RawMessage, result json.RawMessage) {
	key := method + ":" + string(params)

	m.mu.RLock()
	t, ok := m.topics[key]
	if !ok {
		m.mu.RUnlock()
		return
	}
	if t.seen(result) {
		m.mu.RUnlock()
		return
	}
	recipients := make(map[string][]uint64, len(t.subscribers))
	for connID, subs := range t.subscribers {
		for subID := range subs {
			recipients[connID] = append(recipients[connID], subID)
		}
	}
	m.mu.RUnlock()

	for connID, subIDs := range recipients {
		m.mu.RLock()
		c, ok := m.conns[connID]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		for _, subID := range subIDs {
			payload, err := json.Marshal(struct {
				JSONRPC string       `json:"jsonrpc"`
				Method  string       `json:"method"`
				Params  notification `json:"params"`
			}{
				JSONRPC: "2.0",
				Method:  "subscription",
				Params:  notification{Subscription: subID, Result: result},
			})
			if err != nil {
				continue
			}
			c.trySend(payload)
		}
	}
}

func (c *Conn) trySend(payload []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// Send queues a raw payload (an encoded JSON-RPC response, typically a
// subscribe/unsubscribe ack) for delivery to this client connection.
func (c *Conn) Send(payload []byte) { c.trySend(payload) }

// DialAndSubscribe opens a fresh upstream WebSocket connection to ep,
// issues a subscribe request for method+params, and starts a background
// pump forwarding every notification it receives into Dispatch. Its
// signature matches the upstreamSubscribe parameter Subscribe expects.
func (m *Multiplex) DialAndSubscribe(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage) (uint64, error) {
	wsURL, err := upstreamWSURL(ep.URL)
	if err != nil {
		return 0, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return 0, fmt.Errorf("ws: dial upstream %s: %w", ep.ID, err)
	}

	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      int             `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return 0, fmt.Errorf("ws: subscribe request to %s: %w", ep.ID, err)
	}

	var ack struct {
		Result uint64 `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return 0, fmt.Errorf("ws: subscribe ack from %s: %w", ep.ID, err)
	}
	if ack.Error != nil {
		conn.Close()
		return 0, fmt.Errorf("ws: upstream %s rejected subscribe: %s", ep.ID, ack.Error.Message)
	}

	go m.pumpUpstream(conn, method, params)
	return ack.Result, nil
}

// pumpUpstream reads notifications off an upstream subscription connection
// until it errors or closes, fanning each one out through Dispatch.
func (m *Multiplex) pumpUpstream(conn *websocket.Conn, method string, params json.RawMessage) {
	defer conn.Close()
	for {
		var note struct {
			Params struct {
				Result       json.RawMessage `json:"result"`
				Subscription uint64          `json:"subscription"`
			} `json:"params"`
		}
		if err := conn.ReadJSON(&note); err != nil {
			m.logger.Debug("upstream notification stream ended",
				zap.String("method", method), zap.Error(err))
			return
		}
		m.Dispatch(method, params, note.Params.Result)
	}
}

// upstreamWSURL rewrites an http(s) endpoint URL to its ws(s) equivalent.
func upstreamWSURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", fmt.Errorf("ws: parse endpoint url: %w", err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// writePump drains conn.send to the physical socket and pings it on
// PingInterval, matching the teacher's ping-loop shape for long-lived
// upstream WebSocket connections.
func (m *Multiplex) writePump(c *Conn) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	defer c.socket.Close()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ErrorNotification builds a −32000 connection-limit-exceeded error in the
// JSON-RPC error envelope shape, for the HTTP front door to write before
// closing a rejected upgrade.
func ErrorNotification() *rpc.Response {
	return rpc.NewError(nil, rpc.CodeConnectionLimitExceeded, ErrConnectionLimitExceeded.Error(), nil)
}

// Stats is a snapshot of multiplexer-level counters for the admin surface.
type Stats struct {
	ActiveConnections    int
	ActiveTopics         int
	RejectedConnections  uint64
}

// Stats returns a point-in-time snapshot.
func (m *Multiplex) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		ActiveConnections:   len(m.conns),
		ActiveTopics:        len(m.topics),
		RejectedConnections: m.rejectedConnections,
	}
}
