// Package transmittest provides scriptable protocol adapters for tests.
package transmittest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/pkg/proto"
)

// Sender is a SenderAdapter whose behaviour is set by its fields.
type Sender struct {
	NameValue string
	Caps      transmit.Capabilities
	// AwaitErr is returned from AwaitReceiver.
	AwaitErr error
	// SendFunc decides the outcome of each chunk; nil means success.
	SendFunc func(ctx context.Context, c transmit.Chunk) (bool, error)

	mu     sync.Mutex
	sent   []int
	calls  int
	closed bool
}

// NewSender returns an active deterministic sender that always succeeds.
func NewSender(name string) *Sender {
	return &Sender{
		NameValue: name,
		Caps:      transmit.Capabilities{Active: true, Chunking: transmit.ChunkingDeterministic},
	}
}

// Failing returns an active sender whose every chunk fails.
func Failing(name string) *Sender {
	s := NewSender(name)
	s.SendFunc = func(context.Context, transmit.Chunk) (bool, error) {
		return false, proto.NoConnect
	}
	return s
}

func (s *Sender) Name() string                        { return s.NameValue }
func (s *Sender) Capabilities() transmit.Capabilities { return s.Caps }

func (s *Sender) SendJob(context.Context, *proto.Job) error { return nil }

func (s *Sender) AwaitReceiver(context.Context, map[string]string) error { return s.AwaitErr }

func (s *Sender) OpenConnection(context.Context, *proto.Job) error { return nil }

func (s *Sender) SendChunk(ctx context.Context, c transmit.Chunk) (bool, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	last := false
	var err error
	if s.SendFunc != nil {
		last, err = s.SendFunc(ctx, c)
	}
	if err == nil {
		s.mu.Lock()
		s.sent = append(s.sent, c.ID)
		s.mu.Unlock()
	}
	return last, err
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Sent returns the ids of the chunks sent successfully, in order.
func (s *Sender) Sent() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.sent...)
}

// Calls returns the number of SendChunk calls.
func (s *Sender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Closed reports whether Close was called.
func (s *Sender) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Receiver is a ReceiverAdapter that delivers chunks from Source.
// Deterministic receivers deliver exactly the ids asked for; others
// deliver the lowest id they have not delivered yet.
type Receiver struct {
	NameValue string
	Caps      transmit.Capabilities
	// AwaitErr is returned from AwaitSender.
	AwaitErr error
	// Source holds the chunks this receiver can deliver.
	Source map[int][]byte
	// WholePath, when set, is handed back as the whole file.
	WholePath string
	// MissingErr is returned when a wanted chunk is not in Source.
	MissingErr error
	// Delay is applied before every delivery.
	Delay time.Duration

	mu        sync.Mutex
	delivered map[int]bool
	closed    bool
}

// NewReceiver returns a receiver for the given chunks.
func NewReceiver(name string, active bool, mode transmit.ChunkingMode, source map[int][]byte) *Receiver {
	return &Receiver{
		NameValue:  name,
		Caps:       transmit.Capabilities{Active: active, Chunking: mode},
		Source:     source,
		MissingErr: proto.TryAgain,
		delivered:  make(map[int]bool),
	}
}

func (r *Receiver) Name() string                        { return r.NameValue }
func (r *Receiver) Capabilities() transmit.Capabilities { return r.Caps }

func (r *Receiver) RecvJob(context.Context, *proto.Job) error { return nil }

func (r *Receiver) AwaitSender(context.Context, map[string]string) error { return r.AwaitErr }

func (r *Receiver) OpenConnection(context.Context, *proto.Job) error { return nil }

func (r *Receiver) RecvChunks(ctx context.Context, sink transmit.Sink, want []int) error {
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if r.WholePath != "" {
		return sink.WholeFile(r.WholePath)
	}

	if r.Caps.Chunking == transmit.ChunkingNondeterministic {
		id, ok := r.nextUndelivered()
		if !ok {
			return proto.TryAgain
		}
		return r.deliver(sink, id)
	}

	var errs []error
	for _, id := range want {
		if _, ok := r.Source[id]; !ok {
			errs = append(errs, r.MissingErr)
			continue
		}
		if err := r.deliver(sink, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Receiver) nextUndelivered() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.Source))
	for id := range r.Source {
		if !r.delivered[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, false
	}
	sort.Ints(ids)
	return ids[0], true
}

func (r *Receiver) deliver(sink transmit.Sink, id int) error {
	r.mu.Lock()
	if r.delivered == nil {
		r.delivered = make(map[int]bool)
	}
	r.delivered[id] = true
	r.mu.Unlock()
	return sink.AddChunk(id, r.Source[id])
}

func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Delivered returns the ids handed to the sink, ascending.
func (r *Receiver) Delivered() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.delivered))
	for id := range r.delivered {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Closed reports whether Close was called.
func (r *Receiver) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
