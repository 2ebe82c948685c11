package protocol

import (
	"errors"
	"fmt"

	"github.com/xferd/xferd/pkg/proto"
)

// MessageKind identifies a control message.
type MessageKind int

const (
	// MsgNone means "keep going"; a Step returning it just loops.
	MsgNone MessageKind = iota
	MsgInit
	MsgStart
	MsgTerminate
	MsgEnd
	MsgError
	MsgErrorFatal
	MsgSetState
)

func (k MessageKind) String() string {
	switch k {
	case MsgNone:
		return "none"
	case MsgInit:
		return "init"
	case MsgStart:
		return "start"
	case MsgTerminate:
		return "terminate"
	case MsgEnd:
		return "end"
	case MsgError:
		return "error"
	case MsgErrorFatal:
		return "error_fatal"
	case MsgSetState:
		return "set_state"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Message is a control message with an optional payload. End, Error and
// ErrorFatal carry an error (nil End means success); SetState carries a State.
type Message struct {
	Kind    MessageKind
	Payload any
}

// Continue is the zero message returned by a Step that wants another turn.
var Continue = Message{}

// End returns an End message carrying the outcome.
func End(err error) Message {
	return Message{Kind: MsgEnd, Payload: err}
}

// Fatal returns an ErrorFatal message.
func Fatal(err error) Message {
	return Message{Kind: MsgErrorFatal, Payload: err}
}

// payloadError converts a message payload to an error.
func payloadError(p any) error {
	switch v := p.(type) {
	case nil:
		return nil
	case error:
		return v
	case string:
		return errors.New(v)
	default:
		return fmt.Errorf("%w: %v", proto.Unhandled, v)
	}
}
