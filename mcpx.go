package mcpx

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strings"
)

// Endpoint identifies the gateway and topic a client joins.
type Endpoint struct {
	// Gateway is the base URL of the gateway, e.g. "wss://gw.example.com".
	Gateway string
	// Topic is the name of the topic to join.
	Topic string
	// Token is the bearer token presented on join. Acquiring it is the caller's business.
	Token string
}

// joinURL returns the gateway URL for path with the topic query parameter. The
// scheme is switched between its HTTP and WebSocket forms as needed.
func (e Endpoint) joinURL(path string, websocket bool) (string, error) {
	u, err := url.Parse(strings.TrimSpace(e.Gateway))
	if err != nil {
		return "", fmt.Errorf("invalid gateway URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid gateway URL %q: missing host", e.Gateway)
	}
	switch {
	case websocket && u.Scheme == "http":
		u.Scheme = "ws"
	case websocket && u.Scheme == "https":
		u.Scheme = "wss"
	case !websocket && u.Scheme == "ws":
		u.Scheme = "http"
	case !websocket && u.Scheme == "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("topic", e.Topic)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Transport opens duplex connections to a gateway.
type Transport interface {
	// Open connects to the gateway and performs the implicit join for endpoint.Topic.
	// It returns once frames can be sent. The context bounds only the opening; the
	// returned Conn lives until it is closed or the peer goes away.
	Open(ctx context.Context, endpoint Endpoint) (Conn, error)
}

// Conn is one open duplex connection. Each frame carries exactly one envelope.
type Conn interface {
	// Send writes one frame. Implementations must allow concurrent calls.
	Send(ctx context.Context, frame []byte) error

	// Frames returns an iterator over received frames, in arrival order. The
	// iteration ends when the connection is closed by either side. It must be
	// iterated at most once.
	Frames() iter.Seq[[]byte]

	// Err returns the reason the connection ended once Frames has finished, nil after
	// a local Close.
	Err() error

	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// ConnectionWatcher receives connection lifecycle events.
type ConnectionWatcher interface {
	// OnConnected is called once the first welcome of this client is received.
	OnConnected()
	// OnDisconnected is called when an established connection is lost or closed.
	OnDisconnected(reason error)
	// OnReconnected is called when a welcome is received on a recovered connection.
	OnReconnected()
}

// WelcomeWatcher receives every system/welcome, including those of reconnects.
type WelcomeWatcher interface {
	OnWelcome(welcome WelcomePayload)
}

// PresenceWatcher receives membership changes of the topic.
type PresenceWatcher interface {
	OnPeerJoined(peer Peer)
	OnPeerLeft(peer Peer)
}

// ChatReceiver receives chat messages.
type ChatReceiver interface {
	OnChat(msg ChatPayload, from string)
}

// MessageReceiver receives every envelope that is not handled as welcome, error,
// presence, chat or as a response to one of this client's requests.
type MessageReceiver interface {
	OnMessage(env Envelope)
}

// ErrorReceiver receives gateway errors and connection level failures.
type ErrorReceiver interface {
	OnError(err error)
}

// RequestHandler answers mcp/request envelopes addressed to this client, that is
// with an empty To or one listing its participant id. The returned result is
// marshalled into the JSON-RPC result. A *JSONRPCError is sent as the JSON-RPC
// error, ErrMethodNotFound and ErrInvalidParams map to their JSON-RPC codes and any
// other error is sent as an internal error.
type RequestHandler interface {
	HandleRequest(ctx context.Context, from string, req JSONRPCMessage) (json.RawMessage, error)
}

// The func adapters below let plain functions be registered as handlers.

// MessageReceiverFunc adapts a function to MessageReceiver.
type MessageReceiverFunc func(env Envelope)

// ChatReceiverFunc adapts a function to ChatReceiver.
type ChatReceiverFunc func(msg ChatPayload, from string)

// ErrorReceiverFunc adapts a function to ErrorReceiver.
type ErrorReceiverFunc func(err error)

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, from string, req JSONRPCMessage) (json.RawMessage, error)

// OnMessage calls f.
func (f MessageReceiverFunc) OnMessage(env Envelope) { f(env) }

// OnChat calls f.
func (f ChatReceiverFunc) OnChat(msg ChatPayload, from string) { f(msg, from) }

// OnError calls f.
func (f ErrorReceiverFunc) OnError(err error) { f(err) }

// HandleRequest calls f.
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, from string, req JSONRPCMessage) (json.RawMessage, error) {
	return f(ctx, from, req)
}
