package mcpx

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by Send and Request when the client has no live,
	// welcomed connection.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned once Disconnect was called. It is also the reason carried by
	// the ConnectionLostError delivered to requests drained by Disconnect.
	ErrClosed = errors.New("client closed")

	// ErrRequestTimeout matches every TimeoutError.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrConnectionLost matches every ConnectionLostError.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnectExhausted is reported to error receivers when the configured reconnect
	// attempt ceiling is reached.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrMethodNotFound and ErrInvalidParams may be returned, possibly wrapped, by a
	// RequestHandler to answer with the matching JSON-RPC error code.
	ErrMethodNotFound = errors.New("method not found")
	ErrInvalidParams  = errors.New("invalid params")
)

// DecodeError reports wire data that is not a valid envelope. Decode errors are
// logged and the frame is dropped; the connection stays up.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode envelope: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ConnectError reports a failure to open the transport or to complete the join
// handshake.
type ConnectError struct {
	Gateway string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Gateway, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError is delivered to a single requester whose request got no answer in time.
type TimeoutError struct {
	RequestID string
	Method    string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s (%s) timed out after %s", e.RequestID, e.Method, e.After)
}

// Is lets errors.Is(err, ErrRequestTimeout) match.
func (e *TimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

// ConnectionLostError is delivered to every pending requester when the connection
// goes away. Reason is the transport close reason, or ErrClosed after Disconnect.
type ConnectionLostError struct {
	Reason error
}

func (e *ConnectionLostError) Error() string {
	if e.Reason == nil {
		return ErrConnectionLost.Error()
	}
	return fmt.Sprintf("%s: %v", ErrConnectionLost, e.Reason)
}

// Is lets errors.Is(err, ErrConnectionLost) match.
func (e *ConnectionLostError) Is(target error) bool { return target == ErrConnectionLost }

func (e *ConnectionLostError) Unwrap() error { return e.Reason }

// ProtocolError is a gateway-reported system/error.
type ProtocolError struct {
	// Code is the machine readable error field, e.g. "capability_violation".
	Code             string
	Message          string
	AttemptedKind    string
	YourCapabilities []string
	// CorrelationID is the id of the envelope the gateway rejected, if any.
	CorrelationID string
}

func newProtocolError(env Envelope, p SystemErrorPayload) *ProtocolError {
	return &ProtocolError{
		Code:             p.Error,
		Message:          p.Message,
		AttemptedKind:    p.AttemptedKind,
		YourCapabilities: p.YourCapabilities,
		CorrelationID:    env.CorrelationID,
	}
}

func (e *ProtocolError) Error() string {
	if e.AttemptedKind != "" {
		return fmt.Sprintf("gateway error %s on %s: %s", e.Code, e.AttemptedKind, e.Message)
	}
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}
