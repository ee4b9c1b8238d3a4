package mcpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// SSETransport implements a Server-Sent Events (SSE) transport. The gateway streams
// envelopes as "message" events over a GET request and receives envelopes through
// HTTP POST requests to the URL announced in the stream's "endpoint" event.
// Instances should be created using NewSSETransport.
type SSETransport struct {
	httpClient *http.Client
	logger     *slog.Logger

	maxPayloadSize int
}

// SSETransportOption represents the options for the SSETransport.
type SSETransportOption func(*SSETransport)

type sseConn struct {
	httpClient *http.Client
	streamURL  *url.URL
	token      string
	logger     *slog.Logger

	maxPayloadSize int

	messages chan []byte
	cancel   context.CancelFunc
	done     chan struct{}

	closeOnce sync.Once

	mu         sync.Mutex
	messageURL string
	err        error
	closed     bool
}

const ssePath = "/v0/sse"

// NewSSETransport creates an SSE transport. The optional httpClient parameter allows
// custom HTTP client configuration - if nil, the default HTTP client is used. The
// client must not set a timeout that would cut the event stream.
func NewSSETransport(httpClient *http.Client, options ...SSETransportOption) *SSETransport {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSETransport{
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s
}

// WithSSEMaxPayloadSize sets the maximum size of the payload that can be received
// from the gateway. If the payload size exceeds this limit, the error will be logged
// and the connection will be closed.
func WithSSEMaxPayloadSize(size int) SSETransportOption {
	return func(s *SSETransport) {
		s.maxPayloadSize = size
	}
}

// WithSSELogger sets the logger of the transport.
func WithSSELogger(logger *slog.Logger) SSETransportOption {
	return func(s *SSETransport) {
		s.logger = logger
	}
}

// Open implements Transport. It returns once the gateway announced the endpoint for
// upstream messages.
func (s *SSETransport) Open(ctx context.Context, endpoint Endpoint) (Conn, error) {
	rawURL, err := endpoint.joinURL(ssePath, false)
	if err != nil {
		return nil, err
	}
	streamURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stream URL: %w", err)
	}

	// The stream outlives ctx, which only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if endpoint.Token != "" {
		req.Header.Set("Authorization", "Bearer "+endpoint.Token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to connect to SSE gateway: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to connect to SSE gateway: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c := &sseConn{
		httpClient:     s.httpClient,
		streamURL:      streamURL,
		token:          endpoint.Token,
		logger:         s.logger,
		maxPayloadSize: s.maxPayloadSize,
		messages:       make(chan []byte),
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	ready := make(chan error, 1)
	go c.listenSSEMessages(resp.Body, ready)

	if err := <-ready; err != nil {
		c.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to receive endpoint: %w", ctx.Err())
		}
		return nil, err
	}
	return c, nil
}

// Send transmits one frame to the gateway through an HTTP POST request.
func (c *sseConn) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	messageURL := c.messageURL
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("connection is closed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (c *sseConn) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for msg := range c.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

func (c *sseConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.cancel()
	})
	return nil
}

func (c *sseConn) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	announced := false
	defer func() {
		body.Close()
		close(c.messages)
		if !announced {
			ready <- c.endErr(errors.New("event stream ended before endpoint event"))
		}
	}()

	var config *sse.ReadConfig
	if c.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read SSE message", "err", err)
			}
			c.setErr(err)
			return
		}

		switch ev.Type {
		case "endpoint":
			// Relative endpoints resolve against the stream URL.
			u, err := url.Parse(ev.Data)
			if err != nil {
				c.setErr(fmt.Errorf("parse endpoint URL: %w", err))
				return
			}
			if u.String() == "" {
				c.setErr(errors.New("empty endpoint URL"))
				return
			}
			c.mu.Lock()
			c.messageURL = c.streamURL.ResolveReference(u).String()
			c.mu.Unlock()
			if !announced {
				announced = true
				ready <- nil
			}
		case "message", "":
			if !announced {
				c.logger.Error("received message before endpoint URL")
				continue
			}

			select {
			case c.messages <- []byte(ev.Data):
			case <-c.done:
				return
			}
		default:
			c.logger.Warn("unhandled event type", "type", ev.Type)
		}
	}

	c.setErr(errors.New("event stream ended"))
}

func (c *sseConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.err != nil {
		return
	}
	c.err = err
}

func (c *sseConn) endErr(fallback error) error {
	if err := c.Err(); err != nil {
		return err
	}
	return fallback
}
