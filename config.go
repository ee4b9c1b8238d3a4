package mcpx

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Transport names accepted in configuration files.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// Config is the file configuration of a client. Keys left out of the file keep the
// values of DefaultConfig.
type Config struct {
	Endpoint          Endpoint
	Transport         string
	ParticipantID     string
	Reconnect         bool
	Backoff           BackoffConfig
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	WriteTimeout      time.Duration
	HandshakeTimeout  time.Duration
	PreWelcomeBuffer  int
}

type fileConfig struct {
	Gateway              string  `toml:"gateway"`
	Topic                string  `toml:"topic"`
	Token                string  `toml:"token"`
	Transport            string  `toml:"transport"`
	ParticipantID        string  `toml:"participant_id"`
	Reconnect            bool    `toml:"reconnect"`
	ReconnectDelay       string  `toml:"reconnect_delay"`
	MaxReconnectDelay    string  `toml:"max_reconnect_delay"`
	BackoffMultiplier    float64 `toml:"backoff_multiplier"`
	BackoffJitter        bool    `toml:"backoff_jitter"`
	MaxReconnectAttempts int     `toml:"max_reconnect_attempts"`
	HeartbeatInterval    string  `toml:"heartbeat_interval"`
	RequestTimeout       string  `toml:"request_timeout"`
	WriteTimeout         string  `toml:"write_timeout"`
	HandshakeTimeout     string  `toml:"handshake_timeout"`
	PreWelcomeBuffer     int     `toml:"pre_welcome_buffer"`
}

// DefaultConfig returns the configuration used for keys a file leaves out.
func DefaultConfig() Config {
	return Config{
		Transport:        TransportWebSocket,
		Reconnect:        true,
		Backoff:          DefaultBackoffConfig(),
		RequestTimeout:   defaultClientRequestTimeout,
		WriteTimeout:     defaultClientWriteTimeout,
		HandshakeTimeout: defaultClientHandshakeTimeout,
	}
}

// LoadConfig reads a TOML configuration file. Durations are Go duration strings
// such as "1s" or "250ms".
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load mcpx config: %w", err)
	}

	if meta.IsDefined("gateway") {
		cfg.Endpoint.Gateway = strings.TrimRight(strings.TrimSpace(raw.Gateway), "/")
	}
	if meta.IsDefined("topic") {
		cfg.Endpoint.Topic = strings.TrimSpace(raw.Topic)
	}
	if meta.IsDefined("token") {
		cfg.Endpoint.Token = strings.TrimSpace(raw.Token)
	}

	if meta.IsDefined("transport") {
		name := strings.ToLower(strings.TrimSpace(raw.Transport))
		switch name {
		case TransportWebSocket, TransportSSE:
			cfg.Transport = name
		default:
			return Config{}, fmt.Errorf("unknown transport %q", raw.Transport)
		}
	}

	if meta.IsDefined("participant_id") {
		cfg.ParticipantID = strings.TrimSpace(raw.ParticipantID)
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"reconnect_delay", raw.ReconnectDelay, &cfg.Backoff.InitialDelay},
		{"max_reconnect_delay", raw.MaxReconnectDelay, &cfg.Backoff.MaxDelay},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		if v < 0 {
			return Config{}, fmt.Errorf("parse %s: negative duration %s", d.key, v)
		}
		*d.dst = v
	}

	if meta.IsDefined("backoff_multiplier") {
		cfg.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}
	if meta.IsDefined("max_reconnect_attempts") {
		cfg.Backoff.MaxAttempts = raw.MaxReconnectAttempts
	}
	if meta.IsDefined("pre_welcome_buffer") {
		cfg.PreWelcomeBuffer = raw.PreWelcomeBuffer
	}

	return cfg, nil
}

// ClientOptions converts the configuration into client options.
func (c Config) ClientOptions() []ClientOption {
	opts := []ClientOption{
		WithReconnect(c.Reconnect),
		WithBackoff(c.Backoff),
		WithClientRequestTimeout(c.RequestTimeout),
		WithClientWriteTimeout(c.WriteTimeout),
		WithClientHandshakeTimeout(c.HandshakeTimeout),
		WithClientHeartbeatInterval(c.HeartbeatInterval),
		WithPreWelcomeBuffer(c.PreWelcomeBuffer),
	}
	if c.ParticipantID != "" {
		opts = append(opts, WithParticipantID(c.ParticipantID))
	}
	return opts
}

// NewTransport creates the transport named by the configuration. A nil httpClient
// means http.DefaultClient.
func (c Config) NewTransport(httpClient *http.Client, logger *slog.Logger) (Transport, error) {
	switch c.Transport {
	case "", TransportWebSocket:
		return NewWebSocketTransport(
			WithWebSocketHTTPClient(httpClient),
			WithWebSocketLogger(logger),
		), nil
	case TransportSSE:
		return NewSSETransport(httpClient, WithSSELogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", c.Transport)
	}
}
