package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/pkg/proto"
)

// ackSlot holds one receiver verdict. done is closed once state is set, so
// a verdict that arrives before the sender waits is kept and can be
// checked without consuming it.
type ackSlot struct {
	done  chan struct{}
	state proto.TransmitState
}

// ackBuffer holds the receivers' verdicts until the sending side collects
// them.
type ackBuffer struct {
	mu      sync.Mutex
	pending map[string]*ackSlot
}

func newAckBuffer() *ackBuffer {
	return &ackBuffer{pending: make(map[string]*ackSlot)}
}

func (b *ackBuffer) slot(id string) (*ackSlot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.pending[id]
	return s, ok
}

// ExpectAck registers interest in the verdict for id. It must be called
// before the receiver can possibly answer.
func (o *Orchestrator) ExpectAck(id string) {
	o.acks.mu.Lock()
	defer o.acks.mu.Unlock()
	if _, ok := o.acks.pending[id]; !ok {
		o.acks.pending[id] = &ackSlot{done: make(chan struct{})}
	}
}

// DeliverAck records the receiver's verdict. Verdicts nobody expects are
// rejected with NoValue; a second verdict for the same id is Duplicate.
func (o *Orchestrator) DeliverAck(id string, state proto.TransmitState) error {
	o.acks.mu.Lock()
	defer o.acks.mu.Unlock()

	s, ok := o.acks.pending[id]
	if !ok {
		return fmt.Errorf("ack for xmit %s: %w", id, proto.NoValue)
	}
	select {
	case <-s.done:
		return fmt.Errorf("ack for xmit %s: %w", id, proto.Duplicate)
	default:
	}
	s.state = state
	close(s.done)
	log.Debug().Str("xmit", id).Str("state", state.String()).Msg("ack delivered")
	return nil
}

// Acked returns the verdict for id if the receiver already answered. The
// verdict stays available to AwaitAck.
func (o *Orchestrator) Acked(id string) (proto.TransmitState, bool) {
	s, ok := o.acks.slot(id)
	if !ok {
		return proto.StateDead, false
	}
	select {
	case <-s.done:
		return s.state, true
	default:
		return proto.StateDead, false
	}
}

// AwaitAck waits up to timeout for the verdict on id and forgets the
// expectation afterwards. A verdict already delivered wins over a done
// context.
func (o *Orchestrator) AwaitAck(ctx context.Context, id string, timeout time.Duration) (proto.TransmitState, error) {
	s, ok := o.acks.slot(id)
	if !ok {
		return proto.StateDead, fmt.Errorf("ack for xmit %s: %w", id, proto.NoValue)
	}
	defer o.forgetAck(id)

	select {
	case <-s.done:
		return s.state, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return s.state, nil
	case <-timer.C:
		return proto.StateFailure, fmt.Errorf("ack for xmit %s: %w", id, proto.Timeout)
	case <-ctx.Done():
		return proto.StateFailure, fmt.Errorf("ack for xmit %s: %w", id, proto.Terminated)
	}
}

func (o *Orchestrator) forgetAck(id string) {
	o.acks.mu.Lock()
	defer o.acks.mu.Unlock()
	delete(o.acks.pending, id)
}
