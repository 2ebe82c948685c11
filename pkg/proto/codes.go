package proto

import (
	"errors"
	"fmt"
)

// Code is a small negative integer describing why an operation failed.
// Codes travel across the RPC boundary as plain integers and implement
// error so they can be returned and wrapped like any other error.
type Code int

const (
	OK             Code = 0
	NoValue        Code = -1
	EOF            Code = -2
	NoConnect      Code = -3
	NoData         Code = -4
	Duplicate      Code = -6
	FileNotFound   Code = -101
	Inval          Code = -102
	IOError        Code = -103
	AlreadyOpen    Code = -104
	Overflow       Code = -105
	Underflow      Code = -106
	BadMode        Code = -107
	BadState       Code = -110
	Complete       Code = -112
	Terminated     Code = -200
	Unhandled      Code = -300
	Failure        Code = -400
	Corrupt        Code = -500
	TryAgain       Code = -1000
	Timeout        Code = -1001
	NotImplemented Code = -10000
)

var codeNames = map[Code]string{
	OK:             "ok",
	NoValue:        "no value",
	EOF:            "end of file",
	NoConnect:      "no connection",
	NoData:         "no data",
	Duplicate:      "duplicate",
	FileNotFound:   "file not found",
	Inval:          "invalid argument",
	IOError:        "i/o error",
	AlreadyOpen:    "already open",
	Overflow:       "overflow",
	Underflow:      "underflow",
	BadMode:        "bad mode",
	BadState:       "bad state",
	Complete:       "already complete",
	Terminated:     "terminated",
	Unhandled:      "unhandled",
	Failure:        "failure",
	Corrupt:        "corrupt",
	TryAgain:       "try again",
	Timeout:        "timeout",
	NotImplemented: "not implemented",
}

// String returns a human readable name for the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

func (c Code) Error() string {
	return fmt.Sprintf("%s (%d)", c.String(), int(c))
}

// CodeOf maps an error to the code it carries. A nil error is OK and an
// error without a code anywhere in its chain is Unhandled.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Unhandled
}

// ErrOf is the inverse of CodeOf for values received over the wire.
func ErrOf(c Code) error {
	if c == OK {
		return nil
	}
	return c
}

// TransmitState is the externally visible state of a transfer or of a
// single protocol instance working on one.
type TransmitState int

const (
	StateDead     TransmitState = 0
	StateInChunks TransmitState = 9
	StateSuccess  TransmitState = 10
	StateFailure  TransmitState = 11
)

func (s TransmitState) String() string {
	switch s {
	case StateDead:
		return "dead"
	case StateInChunks:
		return "in_chunks"
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsFinal returns true for Success and Failure.
func (s TransmitState) IsFinal() bool {
	return s == StateSuccess || s == StateFailure
}
