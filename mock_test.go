package mcpx_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	mcpx "github.com/rjcorwin/MCPx-protocol"
)

type mockTransport struct {
	mu      sync.Mutex
	opens   int
	openErr error
	// onOpen runs before the connection is returned, e.g. to queue a welcome.
	onOpen func(n int, conn *mockConn)

	conns chan *mockConn
}

type mockConn struct {
	in     chan []byte
	sent   chan []byte
	closed chan struct{}

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

type eventRecorder struct {
	events chan string
	errs   chan error
}

func newMockTransport() *mockTransport {
	return &mockTransport{conns: make(chan *mockConn, 16)}
}

func (m *mockTransport) Open(_ context.Context, _ mcpx.Endpoint) (mcpx.Conn, error) {
	m.mu.Lock()
	m.opens++
	n := m.opens
	err := m.openErr
	onOpen := m.onOpen
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	c := &mockConn{
		in:     make(chan []byte, 64),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	if onOpen != nil {
		onOpen(n, c)
	}
	m.conns <- c
	return c, nil
}

func (m *mockTransport) setOpenErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

func (m *mockTransport) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

func (m *mockTransport) nextConn(t *testing.T) *mockConn {
	t.Helper()
	select {
	case c := <-m.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for the transport to be opened")
		return nil
	}
}

func (c *mockConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("mock connection closed")
	default:
	}
	select {
	case c.sent <- append([]byte(nil), frame...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *mockConn) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case <-c.closed:
				return
			case f := <-c.in:
				if !yield(f) {
					return
				}
			}
		}
	}
}

func (c *mockConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// drop ends the connection from the gateway side.
func (c *mockConn) drop(reason error) {
	c.mu.Lock()
	c.err = reason
	c.mu.Unlock()
	c.Close()
}

func (c *mockConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *mockConn) push(t *testing.T, env mcpx.Envelope) {
	t.Helper()
	c.pushRaw(mustMarshalEnvelope(t, env))
}

func (c *mockConn) pushRaw(frame []byte) {
	c.in <- frame
}

// expectNoSend fails if the client writes anything within a short window.
func (c *mockConn) expectNoSend(t *testing.T) {
	t.Helper()
	select {
	case frame := <-c.sent:
		t.Fatalf("unexpected envelope sent: %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

// nextSent returns the next envelope written by the client.
func (c *mockConn) nextSent(t *testing.T) mcpx.Envelope {
	t.Helper()
	select {
	case frame := <-c.sent:
		env, err := mcpx.DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("client sent an invalid envelope: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for the client to send")
		return mcpx.Envelope{}
	}
}

func mustMarshalEnvelope(t *testing.T, env mcpx.Envelope) []byte {
	t.Helper()
	if env.Protocol == "" {
		env.Protocol = mcpx.ProtocolVersion
	}
	if env.TS == "" {
		env.TS = "2025-06-18T12:00:00.000Z"
	}
	bs, err := mcpx.MarshalEnvelope(env)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return bs
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	bs, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	return bs
}

func welcomeEnvelope(t *testing.T, you string, others ...string) mcpx.Envelope {
	t.Helper()
	participants := make([]mcpx.Peer, 0, len(others))
	for _, id := range others {
		participants = append(participants, mcpx.Peer{ID: id, Capabilities: []string{"chat", "mcp/*"}})
	}
	return mcpx.Envelope{
		ID:   "welcome-" + you,
		From: "system:gateway",
		Kind: mcpx.KindWelcomeName,
		Payload: mustJSON(t, mcpx.WelcomePayload{
			You:          mcpx.Peer{ID: you, Capabilities: []string{"chat", "mcp/*"}},
			Participants: participants,
		}),
	}
}

func presenceEnvelope(t *testing.T, event, id string) mcpx.Envelope {
	t.Helper()
	return mcpx.Envelope{
		ID:      fmt.Sprintf("presence-%s-%s", event, id),
		From:    "system:gateway",
		Kind:    mcpx.KindPresenceName,
		Payload: mustJSON(t, mcpx.PresencePayload{Event: event, Participant: mcpx.Peer{ID: id}}),
	}
}

func chatEnvelope(t *testing.T, from, text string) mcpx.Envelope {
	t.Helper()
	return mcpx.Envelope{
		ID:      "chat-" + text,
		From:    from,
		Kind:    mcpx.KindChatName,
		Payload: mustJSON(t, mcpx.ChatPayload{Text: text}),
	}
}

func responseEnvelope(t *testing.T, req mcpx.Envelope, result any) mcpx.Envelope {
	t.Helper()
	var rpc mcpx.JSONRPCMessage
	if err := req.DecodePayload(&rpc); err != nil {
		t.Fatalf("failed to decode request: %v", err)
	}
	return mcpx.Envelope{
		ID:            "resp-" + req.ID,
		From:          req.To[0],
		To:            []string{req.From},
		Kind:          mcpx.ResponseKind(rpc.Method),
		CorrelationID: req.ID,
		Payload: mustJSON(t, mcpx.JSONRPCMessage{
			JSONRPC: mcpx.JSONRPCVersion,
			ID:      rpc.ID,
			Result:  mustJSON(t, result),
		}),
	}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		events: make(chan string, 256),
		errs:   make(chan error, 64),
	}
}

func (r *eventRecorder) OnConnected()                { r.events <- "connected" }
func (r *eventRecorder) OnDisconnected(reason error) { r.events <- "disconnected" }
func (r *eventRecorder) OnReconnected()              { r.events <- "reconnected" }

func (r *eventRecorder) OnWelcome(w mcpx.WelcomePayload) { r.events <- "welcome:" + w.You.ID }

func (r *eventRecorder) OnPeerJoined(p mcpx.Peer) { r.events <- "joined:" + p.ID }
func (r *eventRecorder) OnPeerLeft(p mcpx.Peer)   { r.events <- "left:" + p.ID }

func (r *eventRecorder) OnChat(msg mcpx.ChatPayload, from string) {
	r.events <- "chat:" + from + ":" + msg.Text
}

func (r *eventRecorder) OnMessage(env mcpx.Envelope) { r.events <- "message:" + env.Kind }

func (r *eventRecorder) OnError(err error) {
	r.events <- "error"
	r.errs <- err
}

func (r *eventRecorder) options() []mcpx.ClientOption {
	return []mcpx.ClientOption{
		mcpx.WithConnectionWatcher(r),
		mcpx.WithWelcomeWatcher(r),
		mcpx.WithPresenceWatcher(r),
		mcpx.WithChatReceiver(r),
		mcpx.WithMessageReceiver(r),
		mcpx.WithErrorReceiver(r),
	}
}

// expect asserts the next recorded events, in order.
func (r *eventRecorder) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-r.events:
			if got != w {
				t.Fatalf("expected event %q, got %q", w, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for event %q", w)
		}
	}
}

// expectNone asserts that no event is recorded for a short while.
func (r *eventRecorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-r.events:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func (r *eventRecorder) nextErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error")
		return nil
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
