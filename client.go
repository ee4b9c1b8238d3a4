package mcpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// ConnectionState is the lifecycle state of a Client.
type ConnectionState int

// Connection states.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// Client is an MCPx participant. It owns one duplex connection to a gateway at a
// time, correlates its requests with their responses, tracks the peers of the
// topic and reconnects with backoff when an established connection is lost.
//
// A Client must be created using NewClient() and joined with Connect(). Events
// are delivered to the watchers and receivers registered through ClientOption
// values, synchronously and in the order their envelopes arrived. Handlers must
// not block for long: they run on the connection's read goroutine.
//
// Disconnect() is terminal. A closed Client cannot be reconnected.
type Client struct {
	endpoint  Endpoint
	transport Transport
	clock     Clock
	logger    *slog.Logger
	metrics   *Metrics
	newID     func() string

	reconnect            bool
	backoff              BackoffConfig
	requestTimeout       time.Duration
	writeTimeout         time.Duration
	handshakeTimeout     time.Duration
	heartbeatInterval    time.Duration
	pingTimeoutThreshold int
	preWelcomeBuffer     int

	connectionWatchers []ConnectionWatcher
	welcomeWatchers    []WelcomeWatcher
	presenceWatchers   []PresenceWatcher
	chatReceivers      []ChatReceiver
	messageReceivers   []MessageReceiver
	errorReceivers     []ErrorReceiver
	requestHandler     RequestHandler

	pending     *correlationTable
	presence    *presenceRegistry
	reconnector *reconnector

	// handlerCtx is passed to RequestHandler calls and cancelled by Disconnect.
	handlerCtx    context.Context
	handlerCancel context.CancelFunc
	done          chan struct{}

	mu            sync.Mutex
	state         ConnectionState
	conn          Conn
	generation    uint64
	from          string
	everConnected bool
	lastFrame     time.Time
	idleTimer     Timer
	idleFired     uint64
}

var (
	defaultClientRequestTimeout   = 30 * time.Second
	defaultClientWriteTimeout     = 30 * time.Second
	defaultClientHandshakeTimeout = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3

	errIdleTimeout = errors.New("no frames received within the heartbeat window")
)

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientRequestTimeout sets the default timeout of Request calls.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientHandshakeTimeout bounds the time between opening the transport and
// receiving the welcome.
func WithClientHandshakeTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.handshakeTimeout = timeout
	}
}

// WithClientHeartbeatInterval enables the idle watchdog: a connection that delivers
// no frame for interval times the ping timeout threshold is treated as lost.
func WithClientHeartbeatInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets how many heartbeat intervals may pass without
// inbound frames before the connection is dropped.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithReconnect enables or disables automatic reconnection. It is enabled by default.
func WithReconnect(enabled bool) ClientOption {
	return func(c *Client) {
		c.reconnect = enabled
	}
}

// WithBackoff sets the reconnect backoff.
func WithBackoff(cfg BackoffConfig) ClientOption {
	return func(c *Client) {
		c.backoff = cfg
	}
}

// WithParticipantID sets the sender id used before the gateway assigns one in the welcome.
func WithParticipantID(id string) ClientOption {
	return func(c *Client) {
		c.from = id
	}
}

// WithPreWelcomeBuffer keeps up to size envelopes that arrive before the welcome and
// delivers them right after it. With the default of zero they are dropped.
func WithPreWelcomeBuffer(size int) ClientOption {
	return func(c *Client) {
		c.preWelcomeBuffer = size
	}
}

// WithClock replaces the system clock, mostly for tests.
func WithClock(clock Clock) ClientOption {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithIDGenerator replaces uuid.NewString as the source of envelope ids.
func WithIDGenerator(newID func() string) ClientOption {
	return func(c *Client) {
		c.newID = newID
	}
}

// WithMetrics makes the client report to m.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithConnectionWatcher adds a watcher for connected, disconnected and reconnected events.
func WithConnectionWatcher(watcher ConnectionWatcher) ClientOption {
	return func(c *Client) {
		c.connectionWatchers = append(c.connectionWatchers, watcher)
	}
}

// WithWelcomeWatcher adds a watcher for welcome events.
func WithWelcomeWatcher(watcher WelcomeWatcher) ClientOption {
	return func(c *Client) {
		c.welcomeWatchers = append(c.welcomeWatchers, watcher)
	}
}

// WithPresenceWatcher adds a watcher for peer-joined and peer-left events.
func WithPresenceWatcher(watcher PresenceWatcher) ClientOption {
	return func(c *Client) {
		c.presenceWatchers = append(c.presenceWatchers, watcher)
	}
}

// WithChatReceiver adds a receiver for chat events.
func WithChatReceiver(receiver ChatReceiver) ClientOption {
	return func(c *Client) {
		c.chatReceivers = append(c.chatReceivers, receiver)
	}
}

// WithMessageReceiver adds a receiver for generic message events.
func WithMessageReceiver(receiver MessageReceiver) ClientOption {
	return func(c *Client) {
		c.messageReceivers = append(c.messageReceivers, receiver)
	}
}

// WithErrorReceiver adds a receiver for error events.
func WithErrorReceiver(receiver ErrorReceiver) ClientOption {
	return func(c *Client) {
		c.errorReceivers = append(c.errorReceivers, receiver)
	}
}

// WithRequestHandler sets the handler answering mcp/request envelopes sent to this client.
func WithRequestHandler(handler RequestHandler) ClientOption {
	return func(c *Client) {
		c.requestHandler = handler
	}
}

// NewClient creates a client for endpoint that connects through transport. The
// client does nothing until Connect is called.
func NewClient(endpoint Endpoint, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		endpoint:  endpoint,
		transport: transport,
		clock:     SystemClock{},
		logger:    slog.Default(),
		newID:     uuid.NewString,
		reconnect: true,
		backoff:   DefaultBackoffConfig(),
		done:      make(chan struct{}),
		state:     StateDisconnected,
	}
	for _, opt := range options {
		opt(c)
	}

	if c.requestTimeout == 0 {
		c.requestTimeout = defaultClientRequestTimeout
	}
	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.handshakeTimeout == 0 {
		c.handshakeTimeout = defaultClientHandshakeTimeout
	}
	if c.pingTimeoutThreshold <= 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	c.handlerCtx, c.handlerCancel = context.WithCancel(context.Background())

	c.pending = newCorrelationTable(c.clock)
	c.pending.onComplete = func(method, outcome string, elapsed time.Duration) {
		c.metrics.requestDone(method, outcome, elapsed)
		c.metrics.setPending(c.pending.len())
	}
	c.presence = newPresenceRegistry()
	c.reconnector = newReconnector(c.backoff, c.clock, c.logger, c.reconnectAttempt)
	c.reconnector.onSchedule = func(int, time.Duration) { c.metrics.reconnectScheduled() }
	c.reconnector.onGiveUp = c.reconnectExhausted

	return c
}

// Connect opens the transport, joins the topic and blocks until the gateway's
// welcome arrives, the handshake timeout passes, or ctx is done. A failed initial
// connect is returned to the caller and is not retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateConnected, StateReconnecting:
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("client is %s", st)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Send stamps p and writes it to the gateway without waiting for any answer.
func (c *Client) Send(ctx context.Context, p PartialEnvelope) error {
	conn, enc, err := c.liveConn()
	if err != nil {
		return err
	}

	bs, env, err := enc.Encode(p)
	if err != nil {
		return err
	}

	return c.write(ctx, conn, env, bs)
}

// SendChat sends a chat message, to everyone in the topic when to is empty.
func (c *Client) SendChat(ctx context.Context, text string, format ChatFormat, to ...string) error {
	return c.Send(ctx, PartialEnvelope{
		To:      to,
		Kind:    KindChatName,
		Payload: ChatPayload{Text: text, Format: format},
	})
}

// Notify sends a JSON-RPC notification as an mcp/notification envelope.
func (c *Client) Notify(ctx context.Context, to []string, method string, params any) error {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.Send(ctx, PartialEnvelope{
		To:   to,
		Kind: NotificationKind(method),
		Payload: JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  method,
			Params:  paramsBs,
		},
	})
}

// Request sends an mcp/request envelope carrying a JSON-RPC request and waits for the
// correlated response. It returns the JSON-RPC result, a *JSONRPCError when the peer
// answered with an error, a *ProtocolError when the gateway rejected the request, a
// *TimeoutError, or a *ConnectionLostError when the connection went away first.
//
// The request is registered before it is written, so a response can never overtake
// its own registration.
func (c *Client) Request(ctx context.Context, params RequestParams) (json.RawMessage, error) {
	if params.Method == "" {
		return nil, errors.New("missing method")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = c.requestTimeout
	}

	paramsBs, err := marshalParams(params.Params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		err := c.notConnectedLocked()
		c.mu.Unlock()
		return nil, err
	}
	conn := c.conn
	enc := c.encoderLocked()

	env, err := enc.Stamp(PartialEnvelope{To: params.To, Kind: RequestKind(params.Method)})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	env.Payload, err = json.Marshal(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(env.ID),
		Method:  params.Method,
		Params:  paramsBs,
	})
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Registered under c.mu so that a concurrent connection loss either refuses the
	// request above or drains it.
	pending, err := c.pending.register(env, params.Method, timeout)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.metrics.setPending(c.pending.len())

	bs, err := MarshalEnvelope(env)
	if err != nil {
		c.pending.cancel(env.ID, err)
		return nil, err
	}
	if err := c.write(ctx, conn, env, bs); err != nil {
		c.pending.cancel(env.ID, err)
		return nil, err
	}

	res, err := c.pending.wait(ctx, pending)
	if err != nil {
		return nil, err
	}

	if ClassifyKind(res.Kind).Class != KindResponse {
		return res.Payload, nil
	}
	var msg JSONRPCMessage
	if err := json.Unmarshal(res.Payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return msg.Result, nil
}

// Respond answers the mcp/request envelope req with either result or rpcErr.
func (c *Client) Respond(ctx context.Context, req Envelope, result any, rpcErr *JSONRPCError) error {
	kind := ClassifyKind(req.Kind)
	if kind.Class != KindRequest {
		return fmt.Errorf("cannot respond to kind %s", req.Kind)
	}

	var rpcReq struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(req.Payload, &rpcReq); err != nil {
		return fmt.Errorf("failed to unmarshal request: %w", err)
	}

	return c.respond(ctx, req, kind, rpcReq.ID, result, rpcErr)
}

func (c *Client) respond(ctx context.Context, req Envelope, kind Kind, id json.RawMessage, result any, rpcErr *JSONRPCError) error {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	msg := jsonRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
	}
	if rpcErr != nil {
		msg.Error = rpcErr
	} else {
		resBs, err := marshalParams(result)
		if err != nil {
			return err
		}
		if resBs == nil {
			resBs = json.RawMessage("{}")
		}
		msg.Result = resBs
	}

	return c.Send(ctx, PartialEnvelope{
		To:            []string{req.From},
		Kind:          ResponseKind(kind.Method),
		CorrelationID: req.ID,
		Payload:       msg,
	})
}

// Disconnect closes the connection for good. Pending requests fail with a
// ConnectionLostError wrapping ErrClosed, any scheduled or running reconnect is
// abandoned, and later calls fail fast.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.state == StateConnected
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.generation++
	c.stopIdleLocked()
	close(c.done)
	c.mu.Unlock()

	c.reconnector.disarm()
	c.handlerCancel()

	var err error
	if conn != nil {
		if cErr := conn.Close(); cErr != nil {
			err = fmt.Errorf("failed to close connection: %w", cErr)
		}
	}

	if n := c.pending.drainAll(ErrClosed); n > 0 {
		c.logger.Info("failed pending requests on disconnect", "count", n)
	}
	c.metrics.setConnected(false)

	if wasConnected {
		c.emitDisconnected(ErrClosed)
	}
	return err
}

// Peers returns a snapshot of the other participants of the topic.
func (c *Client) Peers() []Peer {
	return c.presence.list()
}

// Self returns this client's participant as described by the last welcome.
func (c *Client) Self() (Peer, bool) {
	return c.presence.self()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingRequests returns the number of requests waiting for a response.
func (c *Client) PendingRequests() int {
	return c.pending.len()
}

func (c *Client) reconnectAttempt(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	return c.connect(ctx)
}

func (c *Client) reconnectExhausted(err error) {
	c.mu.Lock()
	if c.state == StateReconnecting {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.emitError(err)
}

// connect runs one open-and-welcome sequence. It is shared by Connect and the
// reconnect attempts.
func (c *Client) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, err := c.transport.Open(ctx, c.endpoint)
	if err != nil {
		return &ConnectError{Gateway: c.endpoint.Gateway, Err: err}
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.generation++
	gen := c.generation
	c.conn = conn
	c.mu.Unlock()

	welcomed := make(chan error, 1)
	go c.listen(gen, conn, welcomed)

	var hsErr error
	select {
	case hsErr = <-welcomed:
		if hsErr == nil {
			return nil
		}
	case <-ctx.Done():
		hsErr = ctx.Err()
	case <-c.done:
		hsErr = ErrClosed
	}

	// Abandon the connection. A welcome processed concurrently with the abort still
	// wins if it already marked this generation connected.
	c.mu.Lock()
	if c.generation == gen && c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.generation == gen {
		c.generation++
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()

	if errors.Is(hsErr, ErrClosed) {
		return ErrClosed
	}
	var perr *ProtocolError
	if errors.As(hsErr, &perr) {
		return perr
	}
	return &ConnectError{Gateway: c.endpoint.Gateway, Err: hsErr}
}

// listen is the single dispatch path of one connection.
func (c *Client) listen(gen uint64, conn Conn, welcomed chan<- error) {
	signal := func(err error) {
		select {
		case welcomed <- err:
		default:
		}
	}

	welcomeSeen := false
	var buffered []Envelope

	for frame := range conn.Frames() {
		env, err := DecodeEnvelope(frame)
		if err != nil {
			c.metrics.decodeError()
			c.logger.Warn("dropping invalid frame", "err", err)
			continue
		}
		kind := ClassifyKind(env.Kind)
		c.metrics.received(kind.Class)
		c.touch(gen)

		if welcomeSeen {
			c.dispatch(gen, env, kind)
			continue
		}

		switch kind.Class {
		case KindWelcome:
			if err := c.handleWelcome(gen, env); err != nil {
				signal(err)
				continue
			}
			welcomeSeen = true
			signal(nil)
			for _, b := range buffered {
				c.dispatch(gen, b, ClassifyKind(b.Kind))
			}
			buffered = nil
		case KindSystemError:
			var p SystemErrorPayload
			if err := env.DecodePayload(&p); err != nil {
				c.logger.Warn("dropping system error", "err", err)
				continue
			}
			perr := newProtocolError(env, p)
			c.emitError(perr)
			signal(perr)
		default:
			if len(buffered) < c.preWelcomeBuffer {
				buffered = append(buffered, env)
				continue
			}
			c.logger.Debug("dropping envelope received before welcome", "kind", env.Kind, "id", env.ID)
		}
	}

	reason := conn.Err()
	if !welcomeSeen {
		if reason == nil {
			reason = errors.New("connection closed before welcome")
		}
		signal(reason)
		return
	}
	c.connectionEnded(gen, reason)
}

func (c *Client) handleWelcome(gen uint64, env Envelope) error {
	var w WelcomePayload
	if err := env.DecodePayload(&w); err != nil {
		return err
	}

	c.mu.Lock()
	if c.generation != gen || c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	transition := c.state != StateConnected
	first := !c.everConnected
	c.state = StateConnected
	c.everConnected = true
	if w.You.ID != "" {
		c.from = w.You.ID
	}
	c.armIdleLocked(gen)
	c.mu.Unlock()

	c.presence.applyWelcome(w.You, w.Participants)
	c.reconnector.reset()
	c.metrics.setConnected(true)
	c.metrics.setPeers(len(c.presence.list()))

	for _, watcher := range c.welcomeWatchers {
		watcher.OnWelcome(w)
	}
	if !transition {
		return nil
	}
	if first {
		c.logger.Info("connected", "participant", w.You.ID, "peers", len(w.Participants))
		for _, watcher := range c.connectionWatchers {
			watcher.OnConnected()
		}
		return nil
	}
	c.logger.Info("reconnected", "participant", w.You.ID, "peers", len(w.Participants))
	for _, watcher := range c.connectionWatchers {
		watcher.OnReconnected()
	}
	return nil
}

// dispatch routes one envelope of a welcomed connection. Correlation always takes
// priority over the kind.
func (c *Client) dispatch(gen uint64, env Envelope, kind Kind) {
	if !c.isCurrent(gen) {
		return
	}

	if env.CorrelationID != "" {
		if c.routeResponse(env, kind) {
			if kind.Class == KindSystemError {
				c.emitSystemError(env)
			}
			return
		}
		if kind.Class == KindResponse {
			c.logger.Debug("discarding response for unknown request", "correlation_id", env.CorrelationID)
			return
		}
	}

	switch kind.Class {
	case KindWelcome:
		if err := c.handleWelcome(gen, env); err != nil {
			c.logger.Warn("dropping welcome", "err", err)
		}
	case KindSystemError:
		c.emitSystemError(env)
	case KindPresence:
		c.handlePresence(env)
	case KindChat:
		var chat ChatPayload
		if err := env.DecodePayload(&chat); err != nil {
			c.logger.Warn("dropping chat", "err", err)
			return
		}
		for _, receiver := range c.chatReceivers {
			receiver.OnChat(chat, env.From)
		}
	case KindRequest:
		c.emitMessage(env)
		if (c.requestHandler != nil || kind.Method == methodPing) && c.addressedToSelf(env) {
			go c.serveRequest(env, kind)
		}
	default:
		c.emitMessage(env)
	}
}

// routeResponse hands env to the correlation table. It reports false when no
// pending request has env's correlation id.
func (c *Client) routeResponse(env Envelope, kind Kind) bool {
	id := env.CorrelationID
	if !c.pending.has(id) {
		return false
	}

	switch kind.Class {
	case KindSystemError:
		var p SystemErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			return c.pending.reject(id, &DecodeError{Reason: "invalid system/error payload", Err: err})
		}
		return c.pending.reject(id, newProtocolError(env, p))
	case KindResponse:
		var msg JSONRPCMessage
		if err := env.DecodePayload(&msg); err != nil {
			return c.pending.reject(id, &DecodeError{Reason: "invalid response payload", Err: err})
		}
		if msg.Error != nil {
			return c.pending.reject(id, msg.Error)
		}
		return c.pending.resolve(env)
	default:
		return c.pending.resolve(env)
	}
}

func (c *Client) handlePresence(env Envelope) {
	var p PresencePayload
	if err := env.DecodePayload(&p); err != nil {
		c.logger.Warn("dropping presence", "err", err)
		return
	}

	switch p.Event {
	case PresenceJoin:
		if !c.presence.applyJoin(p.Participant) {
			return
		}
		c.metrics.setPeers(len(c.presence.list()))
		for _, watcher := range c.presenceWatchers {
			watcher.OnPeerJoined(p.Participant)
		}
	case PresenceLeave:
		peer, ok := c.presence.applyLeave(p.Participant.ID)
		if !ok {
			return
		}
		c.metrics.setPeers(len(c.presence.list()))
		for _, watcher := range c.presenceWatchers {
			watcher.OnPeerLeft(peer)
		}
	case PresenceHeartbeat:
		// Liveness only; the frame already reset the idle watchdog.
	default:
		c.logger.Debug("unknown presence event", "event", p.Event)
	}
}

// addressedToSelf reports whether env is broadcast or lists this client in To.
func (c *Client) addressedToSelf(env Envelope) bool {
	if len(env.To) == 0 {
		return true
	}
	c.mu.Lock()
	self := c.from
	c.mu.Unlock()
	return slices.Contains(env.To, self)
}

func (c *Client) serveRequest(env Envelope, kind Kind) {
	ctx := c.handlerCtx
	answer := func(id json.RawMessage, result json.RawMessage, rpcErr *JSONRPCError) {
		if err := c.respond(ctx, env, kind, id, result, rpcErr); err != nil {
			c.logger.Error("failed to send response", "method", kind.Method, "err", err)
		}
	}

	var raw struct {
		ID json.RawMessage `json:"id"`
	}
	// The payload is valid JSON once the envelope decoded, so a failure here means
	// it is not a request object.
	if err := json.Unmarshal(env.Payload, &raw); err != nil {
		c.logger.Warn("invalid request", "from", env.From, "err", err)
		answer(nil, nil, &JSONRPCError{Code: jsonRPCInvalidRequestCode, Message: err.Error()})
		return
	}

	var req JSONRPCMessage
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.logger.Warn("invalid request", "from", env.From, "err", err)
		answer(nil, nil, &JSONRPCError{Code: jsonRPCInvalidRequestCode, Message: err.Error()})
		return
	}
	var invalid string
	switch {
	case req.JSONRPC != JSONRPCVersion:
		invalid = fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC)
	case req.Method != kind.Method:
		invalid = fmt.Sprintf("method %q does not match kind %s", req.Method, env.Kind)
	}
	if invalid != "" {
		c.logger.Warn("invalid request", "from", env.From, "reason", invalid)
		answer(raw.ID, nil, &JSONRPCError{Code: jsonRPCInvalidRequestCode, Message: invalid})
		return
	}

	var (
		result json.RawMessage
		err    error
	)
	if c.requestHandler != nil {
		result, err = c.requestHandler.HandleRequest(ctx, env.From, req)
	}
	answer(raw.ID, result, rpcErrorFor(err))
}

func rpcErrorFor(err error) *JSONRPCError {
	if err == nil {
		return nil
	}
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	code := jsonRPCInternalErrorCode
	switch {
	case errors.Is(err, ErrMethodNotFound):
		code = jsonRPCMethodNotFoundCode
	case errors.Is(err, ErrInvalidParams):
		code = jsonRPCInvalidParamsCode
	}
	return &JSONRPCError{Code: code, Message: err.Error()}
}

// connectionEnded handles the loss of a welcomed connection.
func (c *Client) connectionEnded(gen uint64, reason error) {
	c.mu.Lock()
	if c.generation != gen || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.idleFired == gen {
		reason = errIdleTimeout
	}
	c.conn = nil
	c.stopIdleLocked()
	if c.reconnect {
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if reason == nil {
		reason = errors.New("connection closed by gateway")
	}
	c.metrics.setConnected(false)

	n := c.pending.drainAll(reason)
	c.logger.Warn("connection lost", "err", reason, "failed_requests", n)

	if c.reconnect {
		c.reconnector.connectionLost()
	}

	c.emitDisconnected(reason)
}

func (c *Client) liveConn() (Conn, Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.conn == nil {
		return nil, Encoder{}, c.notConnectedLocked()
	}
	return c.conn, c.encoderLocked(), nil
}

func (c *Client) notConnectedLocked() error {
	if c.state == StateClosed {
		return fmt.Errorf("%w: %w", ErrNotConnected, ErrClosed)
	}
	return ErrNotConnected
}

func (c *Client) encoderLocked() Encoder {
	return Encoder{
		From:  c.from,
		NewID: c.newID,
		Now:   c.clock.Now,
	}
}

func (c *Client) write(ctx context.Context, conn Conn, env Envelope, frame []byte) error {
	wCtx, wCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer wCancel()

	if err := conn.Send(wCtx, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Kind, err)
	}
	c.metrics.sent(ClassifyKind(env.Kind).Class)
	return nil
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen && c.state != StateClosed
}

func (c *Client) touch(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == gen {
		c.lastFrame = c.clock.Now()
	}
}

func (c *Client) idleWindow() time.Duration {
	return c.heartbeatInterval * time.Duration(c.pingTimeoutThreshold)
}

func (c *Client) armIdleLocked(gen uint64) {
	if c.heartbeatInterval <= 0 {
		return
	}
	c.stopIdleLocked()
	c.lastFrame = c.clock.Now()
	c.idleTimer = c.clock.AfterFunc(c.idleWindow(), func() { c.checkIdle(gen) })
}

func (c *Client) stopIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Client) checkIdle(gen uint64) {
	c.mu.Lock()
	if c.generation != gen || c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return
	}
	window := c.idleWindow()
	idle := c.clock.Now().Sub(c.lastFrame)
	if idle < window {
		c.idleTimer = c.clock.AfterFunc(window-idle, func() { c.checkIdle(gen) })
		c.mu.Unlock()
		return
	}
	c.idleFired = gen
	c.idleTimer = nil
	conn := c.conn
	c.mu.Unlock()

	c.logger.Warn("closing idle connection", "idle", idle)
	if err := conn.Close(); err != nil {
		c.logger.Error("failed to close idle connection", "err", err)
	}
}

func (c *Client) emitSystemError(env Envelope) {
	var p SystemErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		c.logger.Warn("dropping system error", "err", err)
		return
	}
	c.emitError(newProtocolError(env, p))
}

func (c *Client) emitError(err error) {
	if len(c.errorReceivers) == 0 {
		c.logger.Error("unhandled client error", "err", err)
		return
	}
	for _, receiver := range c.errorReceivers {
		receiver.OnError(err)
	}
}

func (c *Client) emitMessage(env Envelope) {
	for _, receiver := range c.messageReceivers {
		receiver.OnMessage(env)
	}
}

func (c *Client) emitDisconnected(reason error) {
	for _, watcher := range c.connectionWatchers {
		watcher.OnDisconnected(reason)
	}
}

func marshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return bs, nil
}

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}
