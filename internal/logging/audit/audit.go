// Package audit records security-relevant daemon events: control channel
// authentication and transfers started on behalf of remote parties.
package audit

import (
	"github.com/rs/zerolog"
	"github.com/xferd/xferd/pkg/proto"
)

// Results recorded on audit events.
const (
	Allowed = "allowed"
	Denied  = "denied"
)

// Logger writes audit events as structured log entries. A nil *Logger
// discards everything.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger on top of logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// LogAuth records a control channel authentication attempt.
func (l *Logger) LogAuth(path, result, reason, sourceIP string) {
	if l == nil {
		return
	}
	level := zerolog.DebugLevel
	if result == Denied {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("path", path).
		Str("result", result).
		Str("source_ip", sourceIP)
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("Authentication event")
}

// LogTransferRequest records a transfer a remote party asked this daemon
// to run. code is the status the request was answered with.
func (l *Logger) LogTransferRequest(role, src, dest, remoteURL string, code proto.Code, sourceIP string) {
	if l == nil {
		return
	}
	result := Allowed
	level := zerolog.InfoLevel
	if code != proto.OK {
		result = Denied
		level = zerolog.WarnLevel
	}

	l.logger.WithLevel(level).
		Str("event_type", "transfer_request").
		Str("role", role).
		Str("src", src).
		Str("dest", dest).
		Str("remote_url", remoteURL).
		Str("code", code.String()).
		Str("result", result).
		Str("source_ip", sourceIP).
		Msg("Transfer request")
}
