package mcpx_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	mcpx "github.com/rjcorwin/MCPx-protocol"
)

func TestMustString_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mcpx.MustString
		wantErr bool
	}{
		{
			name:    "string input",
			input:   `"test123"`,
			want:    mcpx.MustString("test123"),
			wantErr: false,
		},
		{
			name:    "integer input",
			input:   `42`,
			want:    mcpx.MustString("42"),
			wantErr: false,
		},
		{
			name:    "float input",
			input:   `42.0`,
			want:    mcpx.MustString("42"),
			wantErr: false,
		},
		{
			name:    "fractional input",
			input:   `1.5`,
			want:    mcpx.MustString("1.5"),
			wantErr: false,
		},
		{
			name:    "large integer input",
			input:   `12345678901234567890`,
			want:    mcpx.MustString("12345678901234567890"),
			wantErr: false,
		},
		{
			name:    "invalid type",
			input:   `{"key": "value"}`,
			want:    mcpx.MustString(""),
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			input:   `invalid`,
			want:    mcpx.MustString(""),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcpx.MustString
			err := json.Unmarshal([]byte(tt.input), &got)

			if (err != nil) != tt.wantErr {
				t.Errorf("MustString.UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && got != tt.want {
				t.Errorf("MustString.UnmarshalJSON() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMustString_MarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   mcpx.MustString
		want    string
		wantErr bool
	}{
		{
			name:    "string value",
			input:   mcpx.MustString("test123"),
			want:    `"test123"`,
			wantErr: false,
		},
		{
			name:    "numeric string",
			input:   mcpx.MustString("42"),
			want:    `"42"`,
			wantErr: false,
		},
		{
			name:    "empty string",
			input:   mcpx.MustString(""),
			want:    `""`,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("MustString.MarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("MustString.MarshalJSON() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestEnvelope_DecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    mcpx.ChatPayload
		wantErr bool
	}{
		{
			name:    "chat payload",
			payload: `{"text":"hi","format":"markdown"}`,
			want:    mcpx.ChatPayload{Text: "hi", Format: mcpx.ChatFormatMarkdown},
		},
		{
			name:    "empty payload",
			payload: ``,
			wantErr: true,
		},
		{
			name:    "wrong shape",
			payload: `[1,2]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := mcpx.Envelope{Kind: mcpx.KindChatName, Payload: json.RawMessage(tt.payload)}

			var got mcpx.ChatPayload
			err := env.DecodePayload(&got)
			if (err != nil) != tt.wantErr {
				t.Errorf("Envelope.DecodePayload() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Envelope.DecodePayload() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEnvelope_Time(t *testing.T) {
	env := mcpx.Envelope{TS: "2025-01-02T03:04:05.678Z"}

	got, err := env.Time()
	if err != nil {
		t.Fatalf("Envelope.Time() error = %v", err)
	}
	want := time.Date(2025, 1, 2, 3, 4, 5, 678*int(time.Millisecond), time.UTC)
	if !got.Equal(want) {
		t.Errorf("Envelope.Time() = %v, want %v", got, want)
	}
}

func TestJSONRPCError_Error(t *testing.T) {
	err := &mcpx.JSONRPCError{Code: -32601, Message: "method not found"}

	var target *mcpx.JSONRPCError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &target) {
		t.Fatal("expected errors.As to find *JSONRPCError")
	}
	if target.Code != -32601 {
		t.Errorf("expected code -32601, got %d", target.Code)
	}
	if !strings.Contains(err.Error(), "method not found") {
		t.Errorf("expected message in error string, got %q", err.Error())
	}
}
