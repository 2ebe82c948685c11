// Package transfer runs the protocol instances of each transmission: it
// keeps the transmission table, drives active and passive senders with
// failover, polls receivers until the file is complete and carries the
// receiver's final acknowledgment back to the sender.
package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/metrics"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/pkg/proto"
)

const (
	// DefaultPollInterval is the receive loop's idle sleep.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultAckTimeout bounds the final acknowledgment RPC.
	DefaultAckTimeout = 30 * time.Second

	// stopGrace bounds how long RunRecv waits for instances to stop
	// after posting End.
	stopGrace = 2 * time.Second
)

// Classifier learns from finished transfers.
type Classifier interface {
	EndTransfer(job *proto.Job, success bool)
}

// Acker delivers the receiver's verdict to the sending daemon.
type Acker interface {
	AckSender(ctx context.Context, xmitID string, state proto.TransmitState) error
}

// Config holds orchestrator settings.
type Config struct {
	// FS holds the sender's chunk directories.
	FS           billy.Filesystem
	PollInterval time.Duration
	AckTimeout   time.Duration
	Classifier   Classifier
	Metrics      *metrics.Collector
}

// Orchestrator owns the transmission table and the acknowledgment buffer.
type Orchestrator struct {
	fs           billy.Filesystem
	pollInterval time.Duration
	ackTimeout   time.Duration
	classifier   Classifier
	metrics      *metrics.Collector

	mu      sync.Mutex
	records map[tableKey]*Record

	acks *ackBuffer
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.FS == nil {
		cfg.FS = osfs.New("/")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	return &Orchestrator{
		fs:           cfg.FS,
		pollInterval: cfg.PollInterval,
		ackTimeout:   cfg.AckTimeout,
		classifier:   cfg.Classifier,
		metrics:      cfg.Metrics,
		records:      make(map[tableKey]*Record),
		acks:         newAckBuffer(),
	}
}

// BeginSend creates the sending record for id, or merges the senders into
// the existing one.
func (o *Orchestrator) BeginSend(id string, job *proto.Job, senders ...*transmit.Sender) *Record {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := tableKey{RoleSender, id}
	rec, ok := o.records[key]
	if !ok {
		rec = &Record{
			XmitID:       id,
			Role:         RoleSender,
			Job:          job,
			Started:      time.Now(),
			RemoteDaemon: job.RemoteDaemon,
		}
		o.records[key] = rec
		log.Debug().Str("xmit", id).Msg("send transmission created")
	}
	rec.Senders = append(rec.Senders, senders...)
	return rec.snapshot()
}

// BeginRecv creates the receiving record for id, or merges the receivers
// into the existing one. The first caller's job and store win.
func (o *Orchestrator) BeginRecv(id string, job *proto.Job, store *chunkstore.Store, receivers ...*transmit.Receiver) *Record {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := tableKey{RoleReceiver, id}
	rec, ok := o.records[key]
	if !ok {
		rec = &Record{
			XmitID:       id,
			Role:         RoleReceiver,
			Job:          job,
			Store:        store,
			Started:      time.Now(),
			RemoteDaemon: job.RemoteDaemon,
		}
		o.records[key] = rec
		log.Debug().Str("xmit", id).Msg("receive transmission created")
	}
	rec.Receivers = append(rec.Receivers, receivers...)
	return rec.snapshot()
}

// AttachReceivers adds receivers to a running receive.
func (o *Orchestrator) AttachReceivers(id string, receivers ...*transmit.Receiver) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[tableKey{RoleReceiver, id}]
	if !ok {
		return fmt.Errorf("xmit %s: %w", id, proto.NoValue)
	}
	rec.Receivers = append(rec.Receivers, receivers...)
	return nil
}

// AttachSenders adds senders to a running send.
func (o *Orchestrator) AttachSenders(id string, senders ...*transmit.Sender) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[tableKey{RoleSender, id}]
	if !ok {
		return fmt.Errorf("xmit %s: %w", id, proto.NoValue)
	}
	rec.Senders = append(rec.Senders, senders...)
	return nil
}

// FinishNegotiation marks the receive's instance set as final. Until then
// an empty set of active instances does not fail the transfer.
func (o *Orchestrator) FinishNegotiation(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[tableKey{RoleReceiver, id}]
	if !ok {
		return fmt.Errorf("xmit %s: %w", id, proto.NoValue)
	}
	rec.Negotiated = true
	return nil
}

// Lookup returns a snapshot of the record.
func (o *Orchestrator) Lookup(role Role, id string) (*Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[tableKey{role, id}]
	if !ok {
		return nil, false
	}
	return rec.snapshot(), true
}

// Drop removes a record.
func (o *Orchestrator) Drop(role Role, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.records, tableKey{role, id})
}

// Counts returns the number of sending and receiving transmissions.
func (o *Orchestrator) Counts() (sending, receiving int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key := range o.records {
		if key.role == RoleSender {
			sending++
		} else {
			receiving++
		}
	}
	return sending, receiving
}

func (o *Orchestrator) trackTransfer(role Role, success bool) {
	if o.metrics != nil {
		o.metrics.TrackTransfer(role.String(), success)
	}
}
