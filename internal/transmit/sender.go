package transmit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/protocol"
	"github.com/xferd/xferd/pkg/proto"
)

// Sender drives a SenderAdapter. Active pushes call SendOne directly for
// each chunk so the orchestrator can fail over between protocols. Passive
// protocols publish the whole queue through the run loop with Publish, and
// Start runs an adapter standalone.
type Sender struct {
	adapter SenderAdapter
	stats   StatsRecorder
	runner  *protocol.Runner

	job   *proto.Job
	state atomic.Int32
	sent  atomic.Int64

	mu        sync.Mutex
	queue     <-chan Chunk
	publish   bool
	wholeSent bool
	closed    bool
}

// NewSender wraps an adapter.
func NewSender(adapter SenderAdapter, stats StatsRecorder, observers ...protocol.Observer) *Sender {
	if stats == nil {
		stats = NopStats{}
	}
	s := &Sender{
		adapter: adapter,
		stats:   stats,
	}
	s.runner = protocol.NewRunner(adapter.Name(), s, observers...)
	return s
}

// Name returns the protocol name.
func (s *Sender) Name() string { return s.adapter.Name() }

// Capabilities returns the adapter capabilities.
func (s *Sender) Capabilities() Capabilities { return s.adapter.Capabilities() }

// Runner returns the instance's run loop.
func (s *Sender) Runner() *protocol.Runner { return s.runner }

// State returns the transmit state.
func (s *Sender) State() proto.TransmitState {
	return proto.TransmitState(s.state.Load())
}

// BytesSent returns the payload bytes sent successfully.
func (s *Sender) BytesSent() int64 {
	return s.sent.Load()
}

// SetQueue supplies the chunk source used by the run loop. Without one the
// run loop sends a single whole-file unit.
func (s *Sender) SetQueue(ch <-chan Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = ch
}

// Setup hands the job to the adapter, waits for the receiver and opens the
// connection. Waiting is bounded by the job's connect timeout.
func (s *Sender) Setup(ctx context.Context, job *proto.Job, attrs map[string]string) error {
	s.job = job

	if missing := s.adapter.Capabilities().Missing(attrs); len(missing) > 0 {
		s.state.Store(int32(proto.StateFailure))
		return fmt.Errorf("%s: %w: missing attributes %v", s.Name(), proto.NoConnect, missing)
	}

	if err := s.adapter.SendJob(ctx, job); err != nil {
		s.state.Store(int32(proto.StateFailure))
		return fmt.Errorf("%s: send job: %w", s.Name(), err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, job.ConnectTimeout)
	defer cancel()
	if err := s.adapter.AwaitReceiver(awaitCtx, attrs); err != nil {
		s.state.Store(int32(proto.StateFailure))
		return fmt.Errorf("%s: await receiver: %w", s.Name(), err)
	}

	if err := s.adapter.OpenConnection(ctx, job); err != nil {
		s.state.Store(int32(proto.StateFailure))
		return fmt.Errorf("%s: open connection: %w", s.Name(), err)
	}

	s.state.Store(int32(proto.StateInChunks))
	return nil
}

// SendOne sends a single chunk and records its outcome. A panicking
// adapter fails the chunk instead of the daemon.
func (s *Sender) SendOne(ctx context.Context, c Chunk) (last bool, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("protocol", s.Name()).
				Interface("panic", p).
				Msg("send chunk panicked")
			last = false
			err = fmt.Errorf("%w: panic: %v", proto.Unhandled, p)
		}
		s.stats.RecordChunk(s.job, s.Name(), err == nil, start, time.Now(), len(c.Data))
		if err == nil {
			s.sent.Add(int64(len(c.Data)))
		}
	}()

	return s.adapter.SendChunk(ctx, c)
}

// Start launches the run loop in its own goroutine.
func (s *Sender) Start(ctx context.Context) {
	s.runner.Post(protocol.MsgStart, nil)
	go func() {
		_ = s.runner.Run(ctx)
	}()
}

// Publish runs the loop over queue until it is drained and returns the
// loop's error. The first failed chunk ends the pass. A clean pass leaves
// the adapter open and the sender in chunks, since the receiver fetches
// published chunks until the transfer ends.
func (s *Sender) Publish(ctx context.Context, queue <-chan Chunk) error {
	s.mu.Lock()
	s.queue = queue
	s.publish = true
	s.mu.Unlock()

	s.runner.Post(protocol.MsgStart, nil)
	return s.runner.Run(ctx)
}

// Step implements protocol.Handler: it sends the next queued chunk, or the
// whole-file unit when there is no queue.
func (s *Sender) Step(ctx context.Context) protocol.Message {
	s.mu.Lock()
	queue, publish := s.queue, s.publish
	s.mu.Unlock()

	if queue == nil {
		s.mu.Lock()
		already := s.wholeSent
		s.wholeSent = true
		s.mu.Unlock()
		if already {
			return protocol.End(nil)
		}
		_, err := s.SendOne(ctx, Chunk{ID: -1, LocalPath: s.job.SrcName, RemotePath: s.job.DestName, Whole: true})
		return protocol.End(err)
	}

	var c Chunk
	var ok bool
	select {
	case c, ok = <-queue:
	case <-ctx.Done():
		return protocol.Message{Kind: protocol.MsgTerminate, Payload: "context done"}
	}
	if !ok {
		return protocol.End(nil)
	}

	last, err := s.SendOne(ctx, c)
	if err != nil {
		err = fmt.Errorf("chunk %d: %w", c.ID, err)
		if publish {
			return protocol.Fatal(err)
		}
		return protocol.Message{Kind: protocol.MsgError, Payload: err}
	}
	if last {
		return protocol.End(nil)
	}
	return protocol.Continue
}

// OnEnd implements protocol.Handler.
func (s *Sender) OnEnd(_ context.Context, err error) {
	s.mu.Lock()
	publish := s.publish
	s.mu.Unlock()
	if publish && err == nil {
		return
	}

	if err == nil {
		s.state.Store(int32(proto.StateSuccess))
	} else {
		s.state.Store(int32(proto.StateFailure))
	}
	s.Close()
}

// OnTerminate implements protocol.Handler.
func (s *Sender) OnTerminate(context.Context) {
	s.state.Store(int32(proto.StateFailure))
	s.Close()
}

// Close closes the adapter once.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.adapter.Close(); err != nil {
		log.Debug().Err(err).Str("protocol", s.Name()).Msg("close sender adapter")
	}
}

// Finish marks the sender's final state without running the loop.
func (s *Sender) Finish(state proto.TransmitState) {
	s.state.Store(int32(state))
	s.Close()
}
