package mcpx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ProtocolVersion is the envelope protocol tag every MCPx message carries.
const ProtocolVersion = "mcpx/v0.1"

// MCPVersion is the Model Context Protocol revision spoken inside mcp/* envelopes.
const MCPVersion = "2025-06-18"

// JSONRPCVersion is the version tag of the JSON-RPC objects nested in mcp/* envelopes.
const JSONRPCVersion = "2.0"

const (
	// KindWelcomeName is sent by the gateway as the first envelope of every connection.
	KindWelcomeName = "system/welcome"
	// KindSystemErrorName reports a gateway-side rejection of something the client sent.
	KindSystemErrorName = "system/error"
	// KindPresenceName announces joins, leaves and heartbeats of topic participants.
	KindPresenceName = "presence"
	// KindChatName carries a human readable chat line.
	KindChatName = "chat"

	kindRequestPrefix      = "mcp/request:"
	kindResponsePrefix     = "mcp/response:"
	kindNotificationPrefix = "mcp/notification:"
	kindSystemPrefix       = "system/"
)

// Presence events.
const (
	PresenceJoin      = "join"
	PresenceLeave     = "leave"
	PresenceHeartbeat = "heartbeat"
)

// ChatFormat selects how a chat text should be rendered.
type ChatFormat string

// Chat formats.
const (
	ChatFormatPlain    ChatFormat = "plain"
	ChatFormatMarkdown ChatFormat = "markdown"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol specification, such as JSON-RPC request IDs. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// Envelope is the outer wrapper of every MCPx message. Field order matches the wire
// format: protocol, id, ts, from, to, kind, correlation_id, payload.
type Envelope struct {
	// Protocol is always ProtocolVersion.
	Protocol string `json:"protocol"`
	// ID is unique per envelope created by a participant.
	ID string `json:"id"`
	// TS is the ISO-8601 creation timestamp.
	TS string `json:"ts"`
	// From is the participant id of the sender.
	From string `json:"from"`
	// To optionally restricts delivery to the listed participants.
	To []string `json:"to,omitempty"`
	// Kind is the hierarchical discriminator selecting how Payload is interpreted.
	Kind string `json:"kind"`
	// CorrelationID is set on responses and equals the ID of the answered request.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Payload is kept raw; its shape depends on Kind.
	Payload json.RawMessage `json:"payload"`
}

// PartialEnvelope is what callers hand to Client.Send. The protocol tag, id,
// timestamp and sender are filled in by the Encoder.
type PartialEnvelope struct {
	To            []string
	Kind          string
	CorrelationID string
	Payload       any
}

// Peer is a participant of a topic together with the capabilities the gateway granted it.
type Peer struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

// WelcomePayload is the payload of system/welcome.
type WelcomePayload struct {
	// You describes this client as the gateway sees it.
	You Peer `json:"you"`
	// Participants lists the other participants already in the topic.
	Participants []Peer `json:"participants"`
}

// SystemErrorPayload is the payload of system/error.
type SystemErrorPayload struct {
	Error            string   `json:"error"`
	Message          string   `json:"message"`
	AttemptedKind    string   `json:"attempted_kind,omitempty"`
	YourCapabilities []string `json:"your_capabilities,omitempty"`
}

// PresencePayload is the payload of presence envelopes.
type PresencePayload struct {
	Event       string `json:"event"`
	Participant Peer   `json:"participant"`
}

// ChatPayload is the payload of chat envelopes.
type ChatPayload struct {
	Text   string     `json:"text"`
	Format ChatFormat `json:"format,omitempty"`
}

// JSONRPCMessage represents a JSON-RPC 2.0 message carried inside mcp/* envelopes.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// jsonRPCResponse is the payload of an outgoing mcp/response. The id is kept raw so
// that a numeric request id is echoed as a number.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// RequestParams describes an outgoing mcp/request.
type RequestParams struct {
	// To addresses the request; usually exactly one participant.
	To []string
	// Method is the JSON-RPC method, e.g. "tools/call".
	Method string
	// Params is marshalled into the JSON-RPC params field. Nil omits it.
	Params any
	// Timeout overrides the client's default request timeout when positive.
	Timeout time.Duration
}

const (
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603

	methodPing = "ping"
)

// Time parses TS.
func (e Envelope) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.TS)
}

// DecodePayload unmarshals the raw payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty payload for kind %s", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Kind, err)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case json.Number:
		// Integral floats such as 42.0 keep their integer form.
		if f, err := v.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			*m = MustString(strconv.FormatInt(int64(f), 10))
			return nil
		}
		*m = MustString(v.String())
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j *JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %+v", j.Code, j.Message, j.Data)
}
