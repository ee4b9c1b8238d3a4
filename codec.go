package mcpx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the ISO-8601 layout used for Envelope.TS.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// KindClass is the coarse category of an envelope kind.
type KindClass int

// Kind classes.
const (
	KindUnknown KindClass = iota
	KindWelcome
	KindSystemError
	KindSystemOther
	KindPresence
	KindChat
	KindRequest
	KindResponse
	KindNotification
)

// Kind is the parsed form of a hierarchical kind string. Method is set for the
// mcp/request, mcp/response and mcp/notification classes.
type Kind struct {
	Class  KindClass
	Method string
}

// Encoder stamps partial envelopes with the fields owned by the sending client.
// The zero value is usable: ids come from uuid.NewString and time from time.Now.
type Encoder struct {
	From  string
	NewID func() string
	Now   func() time.Time
}

// Stamp fills protocol, a fresh id, the current timestamp and the sender, and marshals
// the payload. To, Kind and CorrelationID are copied untouched.
func (e Encoder) Stamp(p PartialEnvelope) (Envelope, error) {
	if p.Kind == "" {
		return Envelope{}, fmt.Errorf("missing kind")
	}

	payload, err := marshalPayload(p.Payload)
	if err != nil {
		return Envelope{}, err
	}

	newID := e.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	now := e.Now
	if now == nil {
		now = time.Now
	}

	return Envelope{
		Protocol:      ProtocolVersion,
		ID:            newID(),
		TS:            now().UTC().Format(TimestampLayout),
		From:          e.From,
		To:            p.To,
		Kind:          p.Kind,
		CorrelationID: p.CorrelationID,
		Payload:       payload,
	}, nil
}

// Encode stamps p and returns its wire bytes together with the stamped envelope.
func (e Encoder) Encode(p PartialEnvelope) ([]byte, Envelope, error) {
	env, err := e.Stamp(p)
	if err != nil {
		return nil, Envelope{}, err
	}
	bs, err := MarshalEnvelope(env)
	if err != nil {
		return nil, Envelope{}, err
	}
	return bs, env, nil
}

// MarshalEnvelope returns the wire form of an already stamped envelope.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	bs, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return bs, nil
}

// DecodeEnvelope parses wire bytes into an Envelope. It returns a *DecodeError when
// the bytes are not a JSON object, the protocol tag is absent or different from
// ProtocolVersion, or kind is missing. Unknown kinds are not an error.
func DecodeEnvelope(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, &DecodeError{Reason: "not a JSON object"}
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed JSON", Err: err}
	}

	switch {
	case env.Protocol == "":
		return Envelope{}, &DecodeError{Reason: "missing protocol"}
	case env.Protocol != ProtocolVersion:
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unsupported protocol %q", env.Protocol)}
	case env.Kind == "":
		return Envelope{}, &DecodeError{Reason: "missing kind"}
	}

	return env, nil
}

// ClassifyKind maps a kind string onto its class. It never fails; unrecognised
// kinds are KindUnknown and left to the caller.
func ClassifyKind(kind string) Kind {
	switch kind {
	case KindWelcomeName:
		return Kind{Class: KindWelcome}
	case KindSystemErrorName:
		return Kind{Class: KindSystemError}
	case KindPresenceName:
		return Kind{Class: KindPresence}
	case KindChatName:
		return Kind{Class: KindChat}
	}

	if method, ok := strings.CutPrefix(kind, kindRequestPrefix); ok {
		return Kind{Class: KindRequest, Method: method}
	}
	if method, ok := strings.CutPrefix(kind, kindResponsePrefix); ok {
		return Kind{Class: KindResponse, Method: method}
	}
	if method, ok := strings.CutPrefix(kind, kindNotificationPrefix); ok {
		return Kind{Class: KindNotification, Method: method}
	}
	if strings.HasPrefix(kind, kindSystemPrefix) {
		return Kind{Class: KindSystemOther}
	}
	return Kind{Class: KindUnknown}
}

// RequestKind returns the kind of a request envelope for method.
func RequestKind(method string) string { return kindRequestPrefix + method }

// ResponseKind returns the kind of a response envelope for method.
func ResponseKind(method string) string { return kindResponsePrefix + method }

// NotificationKind returns the kind of a notification envelope for method.
func NotificationKind(method string) string { return kindNotificationPrefix + method }

func (k KindClass) String() string {
	switch k {
	case KindWelcome:
		return "welcome"
	case KindSystemError:
		return "system_error"
	case KindSystemOther:
		return "system"
	case KindPresence:
		return "presence"
	case KindChat:
		return "chat"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return bs, nil
}
