package transmit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/protocol"
	"github.com/xferd/xferd/pkg/proto"
)

const (
	// lockTTL bounds how long a receiver holds a chunk while writing it.
	lockTTL = time.Second

	// idleWait is how long a receiver sleeps when every chunk it could
	// ask for is reserved elsewhere.
	idleWait = 50 * time.Millisecond

	// chunksPerStep is the number of chunk ids reserved per Step.
	chunksPerStep = 1
)

// Receiver drives a ReceiverAdapter and writes what it delivers into the
// shared chunk store.
type Receiver struct {
	adapter ReceiverAdapter
	stats   StatsRecorder
	owner   string
	runner  *protocol.Runner

	job   *proto.Job
	store *chunkstore.Store
	mode  ChunkingMode

	state    atomic.Int32
	received atomic.Int64

	mu        sync.Mutex
	finished  bool
	finishErr error
	stepStart time.Time
	stepData  int
}

// NewReceiver wraps an adapter. Each receiver has its own owner id for
// chunk store reservations and locks.
func NewReceiver(adapter ReceiverAdapter, stats StatsRecorder, observers ...protocol.Observer) *Receiver {
	if stats == nil {
		stats = NopStats{}
	}
	r := &Receiver{
		adapter: adapter,
		stats:   stats,
		owner:   adapter.Name() + "-" + uuid.NewString(),
	}
	r.runner = protocol.NewRunner(adapter.Name(), r, observers...)
	return r
}

// Name returns the protocol name.
func (r *Receiver) Name() string { return r.adapter.Name() }

// Owner returns the chunk store owner id.
func (r *Receiver) Owner() string { return r.owner }

// Capabilities returns the adapter capabilities.
func (r *Receiver) Capabilities() Capabilities { return r.adapter.Capabilities() }

// Runner returns the instance's run loop.
func (r *Receiver) Runner() *protocol.Runner { return r.runner }

// State returns the transmit state.
func (r *Receiver) State() proto.TransmitState {
	return proto.TransmitState(r.state.Load())
}

// BytesReceived returns the payload bytes accepted so far.
func (r *Receiver) BytesReceived() int64 {
	return r.received.Load()
}

// Active reports whether the instance can still make progress.
func (r *Receiver) Active() bool {
	return !r.runner.State().IsTerminal() && !r.State().IsFinal()
}

// Done is closed once the run loop has stopped.
func (r *Receiver) Done() <-chan struct{} {
	return r.runner.Done()
}

// Post forwards a control message to the run loop.
func (r *Receiver) Post(kind protocol.MessageKind, payload any) {
	r.runner.Post(kind, payload)
}

// Setup hands the job to the adapter, waits for the sender and opens the
// connection. Waiting is bounded by the job's connect timeout.
func (r *Receiver) Setup(ctx context.Context, job *proto.Job, store *chunkstore.Store, attrs map[string]string) error {
	r.job = job
	r.store = store

	if missing := r.adapter.Capabilities().Missing(attrs); len(missing) > 0 {
		r.state.Store(int32(proto.StateFailure))
		return fmt.Errorf("%s: %w: missing attributes %v", r.Name(), proto.NoConnect, missing)
	}

	if err := r.adapter.RecvJob(ctx, job); err != nil {
		r.state.Store(int32(proto.StateFailure))
		return fmt.Errorf("%s: recv job: %w", r.Name(), err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, job.ConnectTimeout)
	defer cancel()
	if err := r.adapter.AwaitSender(awaitCtx, attrs); err != nil {
		r.state.Store(int32(proto.StateFailure))
		return fmt.Errorf("%s: await sender: %w", r.Name(), err)
	}

	if err := r.adapter.OpenConnection(ctx, job); err != nil {
		r.state.Store(int32(proto.StateFailure))
		return fmt.Errorf("%s: open connection: %w", r.Name(), err)
	}

	// The chunking mode is fixed from here on.
	r.mode = r.adapter.Capabilities().Chunking
	return nil
}

// Start launches the run loop in its own goroutine.
func (r *Receiver) Start(ctx context.Context) {
	r.state.Store(int32(proto.StateInChunks))
	r.runner.Post(protocol.MsgStart, nil)
	go func() {
		_ = r.runner.Run(ctx)
	}()
}

// NextChunks returns the chunk ids to ask for next. Deterministic adapters
// get ids reserved for this owner; done reports that the store completed.
func (r *Receiver) NextChunks() (ids []int, done bool) {
	unwritten := r.store.UnwrittenChunks()
	if len(unwritten) > chunksPerStep {
		unwritten = unwritten[:chunksPerStep]
	}
	if r.mode == ChunkingNondeterministic {
		return unwritten, false
	}

	ids = make([]int, 0, len(unwritten))
	for _, id := range unwritten {
		err := r.store.Reserve(r.owner, id, r.job.ChunkTimeout)
		switch {
		case err == nil:
			ids = append(ids, id)
		case errors.Is(err, proto.Complete):
			return nil, true
		default:
			log.Debug().
				Err(err).
				Str("protocol", r.Name()).
				Int("chunk", id).
				Msg("could not reserve chunk")
		}
	}
	return ids, false
}

// Step implements protocol.Handler.
func (r *Receiver) Step(ctx context.Context) protocol.Message {
	if msg, ok := r.finishMessage(); ok {
		return msg
	}
	if r.store.IsComplete() {
		return protocol.End(nil)
	}

	r.mu.Lock()
	r.stepStart = time.Now()
	r.stepData = 0
	r.mu.Unlock()

	var err error
	if fr, ok := r.adapter.(FileReceiver); ok && r.mode == ChunkingNone {
		var want []int
		if r.job.RemoteDaemon {
			ids, done := r.NextChunks()
			if done {
				return protocol.End(nil)
			}
			if len(ids) == 0 {
				return r.idle(ctx)
			}
			want = ids
		}
		err = fr.RecvFiles(ctx, r, want, r.job.ChunkDir)
	} else {
		cr, ok := r.adapter.(ChunkReceiver)
		if !ok {
			return protocol.Fatal(fmt.Errorf("%s: %w: adapter cannot receive chunks", r.Name(), proto.NotImplemented))
		}
		ids, done := r.NextChunks()
		if done {
			return protocol.End(nil)
		}
		if len(ids) == 0 {
			return r.idle(ctx)
		}
		err = cr.RecvChunks(ctx, r, ids)
	}

	if msg, ok := r.finishMessage(); ok {
		return msg
	}
	if r.store.IsComplete() {
		return protocol.End(nil)
	}

	switch {
	case err == nil:
		return protocol.Continue
	case errors.Is(err, proto.EOF):
		return protocol.End(nil)
	case errors.Is(err, proto.TryAgain):
		return r.idle(ctx)
	case ctx.Err() != nil:
		return protocol.Message{Kind: protocol.MsgTerminate, Payload: "context done"}
	}

	r.mu.Lock()
	gotData := r.stepData > 0
	r.mu.Unlock()
	if gotData {
		log.Warn().Err(err).Str("protocol", r.Name()).Msg("receive returned an error after delivering data")
		return protocol.Message{Kind: protocol.MsgError, Payload: err}
	}
	return protocol.Fatal(err)
}

func (r *Receiver) idle(ctx context.Context) protocol.Message {
	select {
	case <-time.After(idleWait):
	case <-ctx.Done():
	}
	return protocol.Continue
}

func (r *Receiver) finishMessage() (protocol.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finished {
		return protocol.Message{}, false
	}
	return protocol.End(r.finishErr), true
}

// OnEnd implements protocol.Handler.
func (r *Receiver) OnEnd(_ context.Context, err error) {
	if err == nil {
		r.state.Store(int32(proto.StateSuccess))
	} else {
		r.state.Store(int32(proto.StateFailure))
	}
	r.cleanup()
	log.Debug().
		Err(err).
		Str("protocol", r.Name()).
		Str("state", r.State().String()).
		Msg("receiver ended")
}

// OnTerminate implements protocol.Handler.
func (r *Receiver) OnTerminate(context.Context) {
	if r.store != nil && r.store.IsComplete() {
		r.state.Store(int32(proto.StateSuccess))
	} else {
		r.state.Store(int32(proto.StateFailure))
	}
	r.cleanup()
}

func (r *Receiver) cleanup() {
	if r.store != nil {
		r.store.UnreserveAll(r.owner)
	}
	if err := r.adapter.Close(); err != nil {
		log.Debug().Err(err).Str("protocol", r.Name()).Msg("close receiver adapter")
	}
}

// AddChunk implements Sink: it verifies the chunk against the manifest
// and writes it. A corrupt chunk is dropped so another instance can fetch
// it again.
func (r *Receiver) AddChunk(id int, data []byte) error {
	r.mu.Lock()
	start := r.stepStart
	r.stepData += len(data)
	r.mu.Unlock()
	if start.IsZero() {
		start = time.Now()
	}

	if want := r.job.ChunkHash(id); want != "" {
		if got := chunkstore.HashBytes(data); got != want {
			log.Warn().
				Str("protocol", r.Name()).
				Int("chunk", id).
				Str("want", want).
				Str("got", got).
				Msg("chunk hash mismatch")
			r.stats.RecordChunk(r.job, r.Name(), false, start, time.Now(), len(data))
			r.store.UnreserveAll(r.owner)
			return fmt.Errorf("chunk %d: %w", id, proto.Corrupt)
		}
	}

	err := r.storeChunk(id, data)
	r.stats.RecordChunk(r.job, r.Name(), err == nil || errors.Is(err, proto.Duplicate), start, time.Now(), len(data))
	if err != nil && !errors.Is(err, proto.Duplicate) {
		r.Finish(err)
		return err
	}
	return nil
}

// storeChunk locks the chunk with override, writes it and unlocks it.
func (r *Receiver) storeChunk(id int, data []byte) error {
	if err := r.store.Lock(r.owner, id, true, lockTTL); err != nil {
		if errors.Is(err, proto.Duplicate) {
			log.Debug().Str("protocol", r.Name()).Int("chunk", id).Msg("chunk already written")
			return err
		}
		return fmt.Errorf("lock chunk %d: %w", id, err)
	}

	werr := r.store.WriteChunk(data, id, r.job.Truncate, r.job.Strict)
	uerr := r.store.Unlock(r.owner, id)
	if werr != nil {
		if errors.Is(werr, proto.Complete) {
			return fmt.Errorf("write chunk %d: %w", id, proto.Duplicate)
		}
		return fmt.Errorf("write chunk %d: %w", id, werr)
	}
	if uerr != nil {
		return fmt.Errorf("unlock chunk %d: %w", id, uerr)
	}

	r.received.Add(int64(len(data)))
	log.Trace().Str("protocol", r.Name()).Int("chunk", id).Int("bytes", len(data)).Msg("chunk stored")
	return nil
}

// AddFile implements Sink. Without a cooperating daemon, a no-chunking
// adapter's file is the whole destination; otherwise the file is one chunk
// and is removed once stored.
func (r *Receiver) AddFile(id int, path string) error {
	if id < 0 || (!r.job.RemoteDaemon && r.mode == ChunkingNone) {
		return r.WholeFile(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read chunk file %s: %w: %v", path, proto.IOError, err)
	}
	if err := r.AddChunk(id, data); err != nil {
		return err
	}
	_ = os.Remove(path)
	return nil
}

// WholeFile implements Sink: the file is moved into place and the
// instance ends with success.
func (r *Receiver) WholeFile(path string) error {
	if err := r.store.ReplaceWith(path); err != nil {
		r.Finish(err)
		return err
	}
	if fi, err := os.Stat(r.store.Path()); err == nil {
		r.received.Add(fi.Size())
		r.mu.Lock()
		r.stepData += int(fi.Size())
		r.mu.Unlock()
	}
	log.Info().Str("protocol", r.Name()).Str("path", r.store.Path()).Msg("received whole file")
	r.Finish(nil)
	return nil
}

// Finish implements Sink. The first call wins.
func (r *Receiver) Finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	r.finishErr = err
}
