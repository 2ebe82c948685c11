package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/xferd/xferd/pkg/proto"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	return entry
}

func TestLogAuth(t *testing.T) {
	tests := []struct {
		name      string
		result    string
		reason    string
		wantLevel string
	}{
		{name: "allowed", result: Allowed, wantLevel: "debug"},
		{name: "denied", result: Denied, reason: "invalid token", wantLevel: "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLogger(zerolog.New(&buf))

			l.LogAuth("/api/v1/transfer/begin", tt.result, tt.reason, "10.0.0.7")

			entry := decodeEntry(t, &buf)
			if got := entry["level"]; got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
			if got := entry["event_type"]; got != "auth" {
				t.Errorf("event_type = %v, want auth", got)
			}
			if got := entry["component"]; got != "audit" {
				t.Errorf("component = %v, want audit", got)
			}
			if got := entry["source_ip"]; got != "10.0.0.7" {
				t.Errorf("source_ip = %v, want 10.0.0.7", got)
			}
			_, hasReason := entry["reason"]
			if hasReason != (tt.reason != "") {
				t.Errorf("reason present = %v, want %v", hasReason, tt.reason != "")
			}
		})
	}
}

func TestLogTransferRequest(t *testing.T) {
	tests := []struct {
		name       string
		code       proto.Code
		wantLevel  string
		wantResult string
	}{
		{name: "accepted", code: proto.OK, wantLevel: "info", wantResult: Allowed},
		{name: "busy", code: proto.TryAgain, wantLevel: "warn", wantResult: Denied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLogger(zerolog.New(&buf))

			l.LogTransferRequest("receiver", "/srv/a.bin", "/tmp/a.bin", "http://peer:8750", tt.code, "10.0.0.8")

			entry := decodeEntry(t, &buf)
			if got := entry["level"]; got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
			if got := entry["result"]; got != tt.wantResult {
				t.Errorf("result = %v, want %v", got, tt.wantResult)
			}
			if got := entry["code"]; got != tt.code.String() {
				t.Errorf("code = %v, want %v", got, tt.code.String())
			}
			if got := entry["role"]; got != "receiver" {
				t.Errorf("role = %v, want receiver", got)
			}
		})
	}
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	// must not panic
	l.LogAuth("/health", Denied, "", "")
	l.LogTransferRequest("sender", "a", "b", "", proto.Inval, "")
}
