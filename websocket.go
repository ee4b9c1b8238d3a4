package mcpx

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// WebSocketTransport connects to a gateway's WebSocket endpoint. The join happens
// on the upgrade request: the topic is sent as a query parameter and the token as
// a bearer Authorization header. Every text message carries one envelope.
type WebSocketTransport struct {
	httpClient *http.Client
	readLimit  int64
	logger     *slog.Logger
}

// WebSocketOption represents the options for the WebSocketTransport.
type WebSocketOption func(*WebSocketTransport)

type webSocketConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	// ctx bounds reads and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error
}

const webSocketPath = "/v0/ws"

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(options ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// WithWebSocketHTTPClient sets the HTTP client used for the upgrade request.
func WithWebSocketHTTPClient(client *http.Client) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.httpClient = client
	}
}

// WithWebSocketReadLimit sets the maximum size of a received message. Larger
// messages close the connection.
func WithWebSocketReadLimit(limit int64) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.readLimit = limit
	}
}

// WithWebSocketLogger sets the logger of the transport.
func WithWebSocketLogger(logger *slog.Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.logger = logger
	}
}

// Open implements Transport.
func (t *WebSocketTransport) Open(ctx context.Context, endpoint Endpoint) (Conn, error) {
	u, err := endpoint.joinURL(webSocketPath, true)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if endpoint.Token != "" {
		header.Set("Authorization", "Bearer "+endpoint.Token)
	}

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status: %s): %w", u, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", u, err)
	}
	if t.readLimit > 0 {
		conn.SetReadLimit(t.readLimit)
	}

	wsCtx, cancel := context.WithCancel(context.Background())
	return &webSocketConn{
		conn:   conn,
		logger: t.logger,
		ctx:    wsCtx,
		cancel: cancel,
	}, nil
}

func (w *webSocketConn) Send(ctx context.Context, frame []byte) error {
	if err := w.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (w *webSocketConn) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			typ, data, err := w.conn.Read(w.ctx)
			if err != nil {
				w.setErr(err)
				return
			}
			if typ != websocket.MessageText {
				w.logger.Warn("ignoring binary message", "size", len(data))
				continue
			}
			if !yield(data) {
				return
			}
		}
	}
}

func (w *webSocketConn) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *webSocketConn) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		err := w.conn.Close(websocket.StatusNormalClosure, "")
		w.cancel()
		if err != nil && !errors.Is(err, net.ErrClosed) && websocket.CloseStatus(err) == -1 {
			w.closeErr = fmt.Errorf("failed to close websocket: %w", err)
		}
	})
	return w.closeErr
}

func (w *webSocketConn) setErr(err error) {
	if w.closed.Load() {
		// Closed locally.
		return
	}

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		err = fmt.Errorf("gateway closed the connection: %w", err)
	} else {
		w.logger.Warn("websocket read failed", "err", err, "status", status)
	}

	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}
