// Package protocol provides the message-driven run loop shared by every
// sender and receiver instance, whatever wire protocol it speaks.
package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/pkg/proto"
)

// Handler is the protocol-specific part of an instance.
type Handler interface {
	// Step performs one unit of work. It is only invoked while the runner is
	// Running and returns Continue or a control message to act on.
	Step(ctx context.Context) Message

	// OnEnd runs once when the instance ends gracefully; err is the outcome.
	OnEnd(ctx context.Context, err error)

	// OnTerminate runs once when the instance is stopped hard.
	OnTerminate(ctx context.Context)
}

// Initializer is implemented by handlers that want to act on Init.
type Initializer interface {
	OnInit(ctx context.Context) error
}

// Runner drives a Handler. Control messages are posted to a FIFO queue
// that is drained completely between two Steps, so End and Terminate are
// always seen before the next unit of work.
type Runner struct {
	name    string
	handler Handler

	mu        sync.Mutex
	state     State
	queue     []Message
	observers []Observer
	err       error

	notify  chan struct{}
	done    chan struct{}
	started atomic.Bool
}

// NewRunner creates a runner in the Dead state.
func NewRunner(name string, h Handler, observers ...Observer) *Runner {
	return &Runner{
		name:      name,
		handler:   h,
		state:     StateDead,
		observers: observers,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Name returns the instance name used in logs and transitions.
func (r *Runner) Name() string {
	return r.name
}

// State returns the current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the outcome once the runner has stopped: nil for a
// successful End, the End error otherwise, or Terminated.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed when Run returns.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// AddObserver adds an observer to receive state change notifications.
func (r *Runner) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Post enqueues a control message. It never blocks; messages posted after
// the runner stopped are dropped.
func (r *Runner) Post(kind MessageKind, payload any) {
	r.mu.Lock()
	if r.state.IsTerminal() {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, Message{Kind: kind, Payload: payload})
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until the runner stops or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the loop until the instance ends or is terminated. A
// cancelled context is treated as Terminate. The OnEnd or OnTerminate hook
// has always run by the time Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w: already running", r.name, proto.BadState)
	}
	defer close(r.done)

	for {
		if ctx.Err() != nil {
			r.handle(ctx, Message{Kind: MsgTerminate, Payload: "context done"})
			return r.Err()
		}

		if r.State() == StateRunning {
			if r.handle(ctx, r.step(ctx)) {
				return r.Err()
			}
		}

		for _, msg := range r.drain() {
			if r.handle(ctx, msg) {
				return r.Err()
			}
		}

		if r.State() == StateRunning {
			continue
		}

		select {
		case <-r.notify:
		case <-ctx.Done():
		}
	}
}

func (r *Runner) drain() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.queue
	r.queue = nil
	return msgs
}

// step invokes the handler, converting a panic into ErrorFatal so a
// misbehaving adapter only takes down its own instance.
func (r *Runner) step(ctx context.Context) (msg Message) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("protocol", r.name).
				Interface("panic", p).
				Msg("protocol step panicked")
			msg = Fatal(fmt.Errorf("%w: panic: %v", proto.Unhandled, p))
		}
	}()
	return r.handler.Step(ctx)
}

// handle acts on one message and reports whether the loop must stop.
func (r *Runner) handle(ctx context.Context, msg Message) bool {
	switch msg.Kind {
	case MsgNone:
		return false

	case MsgInit:
		initializer, ok := r.handler.(Initializer)
		if !ok {
			return false
		}
		if err := r.safeInit(ctx, initializer); err != nil {
			return r.handle(ctx, End(err))
		}
		return false

	case MsgStart:
		if r.State() == StateRunning {
			return false
		}
		if err := r.transitionTo(StateRunning, "start", nil); err != nil {
			log.Debug().Err(err).Str("protocol", r.name).Msg("ignoring start")
		}
		return false

	case MsgError:
		log.Warn().
			Err(payloadError(msg.Payload)).
			Str("protocol", r.name).
			Msg("protocol error")
		return false

	case MsgErrorFatal:
		err := payloadError(msg.Payload)
		if err == nil {
			err = proto.Unhandled
		}
		return r.handle(ctx, End(err))

	case MsgEnd:
		err := payloadError(msg.Payload)
		r.finish(StateEnded, "end", err)
		r.safeHook(func() { r.handler.OnEnd(ctx, err) })
		return true

	case MsgTerminate:
		reason := "terminate"
		if s, ok := msg.Payload.(string); ok && s != "" {
			reason = s
		}
		r.finish(StateTerminated, reason, proto.Terminated)
		r.safeHook(func() { r.handler.OnTerminate(ctx) })
		return true

	case MsgSetState:
		target, ok := msg.Payload.(State)
		if !ok {
			log.Warn().Str("protocol", r.name).Msg("set_state without a state payload")
			return false
		}
		switch target {
		case StateEnded:
			return r.handle(ctx, End(nil))
		case StateTerminated:
			return r.handle(ctx, Message{Kind: MsgTerminate, Payload: "set_state"})
		default:
			r.force(target)
			return false
		}

	default:
		log.Warn().
			Str("protocol", r.name).
			Str("message", msg.Kind.String()).
			Msg("unknown control message")
		return false
	}
}

func (r *Runner) safeInit(ctx context.Context, initializer Initializer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic in init: %v", proto.Unhandled, p)
		}
	}()
	return initializer.OnInit(ctx)
}

func (r *Runner) safeHook(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("protocol", r.name).
				Interface("panic", p).
				Msg("protocol hook panicked")
		}
	}()
	fn()
}

// transitionTo performs a validated transition and notifies observers.
func (r *Runner) transitionTo(target State, reason string, err error) error {
	r.mu.Lock()
	from := r.state
	if !from.CanTransitionTo(target) {
		r.mu.Unlock()
		return NewTransitionError(from, target, r.name, "invalid transition")
	}
	r.state = target
	t, observers := r.transitionLocked(from, target, reason, err)
	r.mu.Unlock()

	r.publish(t, observers)
	return nil
}

// finish moves to a terminal state and records the outcome.
func (r *Runner) finish(target State, reason string, err error) {
	r.mu.Lock()
	from := r.state
	r.state = target
	r.err = err
	r.queue = nil
	t, observers := r.transitionLocked(from, target, reason, err)
	r.mu.Unlock()

	r.publish(t, observers)
}

// force sets a non-terminal state without validation.
func (r *Runner) force(target State) {
	r.mu.Lock()
	from := r.state
	r.state = target
	t, observers := r.transitionLocked(from, target, "set_state", nil)
	r.mu.Unlock()

	r.publish(t, observers)
}

func (r *Runner) transitionLocked(from, to State, reason string, err error) (Transition, []Observer) {
	t := Transition{
		Instance:  r.name,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
		Error:     err,
	}
	// Copy observers slice to avoid holding lock during callbacks
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	return t, observers
}

func (r *Runner) publish(t Transition, observers []Observer) {
	logEvent := log.Debug().
		Str("protocol", r.name).
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Str("reason", t.Reason)
	if t.Error != nil {
		logEvent = logEvent.Err(t.Error)
	}
	logEvent.Msg("protocol state transition")

	for _, o := range observers {
		o.OnTransition(t)
	}
}
