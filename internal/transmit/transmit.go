// Package transmit implements the sender and receiver roles that sit
// between the orchestrator and a pluggable wire-protocol adapter.
package transmit

import (
	"context"
	"fmt"
	"time"

	"github.com/xferd/xferd/pkg/proto"
)

// ChunkingMode says how an adapter addresses data.
type ChunkingMode int

const (
	// ChunkingNone adapters move whole files or file paths.
	ChunkingNone ChunkingMode = iota
	// ChunkingDeterministic adapters fetch the chunk ids they are asked for.
	ChunkingDeterministic
	// ChunkingNondeterministic adapters deliver whatever chunks arrive.
	ChunkingNondeterministic
)

func (m ChunkingMode) String() string {
	switch m {
	case ChunkingNone:
		return "none"
	case ChunkingDeterministic:
		return "deterministic"
	case ChunkingNondeterministic:
		return "nondeterministic"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Capabilities describes how the orchestrator may schedule an adapter.
type Capabilities struct {
	// Active adapters push data; passive ones only make it available.
	Active   bool
	Chunking ChunkingMode
	// Requires lists connection attributes that must be present.
	Requires []string
}

// Missing returns the required attributes absent from attrs.
func (c Capabilities) Missing(attrs map[string]string) []string {
	var missing []string
	for _, key := range c.Requires {
		if attrs[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// Chunk is one unit handed to a sender. Whole marks the synthetic
// whole-file unit used when no chunk queue was supplied.
type Chunk struct {
	ID         int
	Data       []byte
	LocalPath  string
	RemotePath string
	Whole      bool
}

// SenderAdapter moves chunks from this host to the receiver.
type SenderAdapter interface {
	Name() string
	Capabilities() Capabilities
	SendJob(ctx context.Context, job *proto.Job) error
	AwaitReceiver(ctx context.Context, attrs map[string]string) error
	OpenConnection(ctx context.Context, job *proto.Job) error
	// SendChunk sends one chunk. last reports that nothing more needs to
	// be sent; an error fails this chunk only.
	SendChunk(ctx context.Context, c Chunk) (last bool, err error)
	Close() error
}

// ReceiverAdapter obtains chunks from the sender. Implementations also
// implement ChunkReceiver, FileReceiver or both.
type ReceiverAdapter interface {
	Name() string
	Capabilities() Capabilities
	RecvJob(ctx context.Context, job *proto.Job) error
	AwaitSender(ctx context.Context, attrs map[string]string) error
	OpenConnection(ctx context.Context, job *proto.Job) error
	Close() error
}

// ChunkReceiver adapters deliver chunk payloads through the sink. want
// lists the chunk ids reserved for this call; nondeterministic adapters may
// deliver others.
type ChunkReceiver interface {
	RecvChunks(ctx context.Context, sink Sink, want []int) error
}

// FileReceiver adapters deliver files written under dir through the sink.
// An empty want asks for the whole file.
type FileReceiver interface {
	RecvFiles(ctx context.Context, sink Sink, want []int, dir string) error
}

// Sink is how adapters hand received data to the receiver role.
type Sink interface {
	AddChunk(id int, data []byte) error
	AddFile(id int, path string) error
	WholeFile(path string) error
	// Finish ends the instance explicitly; nil means success.
	Finish(err error)
}

// StatsRecorder is told about every chunk outcome.
type StatsRecorder interface {
	RecordChunk(job *proto.Job, protocol string, success bool, start, end time.Time, size int)
}

// NopStats discards chunk outcomes.
type NopStats struct{}

// RecordChunk implements StatsRecorder.
func (NopStats) RecordChunk(*proto.Job, string, bool, time.Time, time.Time, int) {}

// MultiStats fans chunk outcomes out to several recorders. Nil entries are
// skipped.
func MultiStats(recorders ...StatsRecorder) StatsRecorder {
	var out multiStats
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multiStats []StatsRecorder

func (m multiStats) RecordChunk(job *proto.Job, protocol string, success bool, start, end time.Time, size int) {
	for _, r := range m {
		r.RecordChunk(job, protocol, success, start, end, size)
	}
}
