package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/protocol"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/pkg/bytesize"
	"github.com/xferd/xferd/pkg/proto"
)

// AttrMinBandwidth is the per-protocol job attribute overriding the job's
// min_bandwidth, as "<protocol>.min_bandwidth". Values use rate syntax
// such as "1mbps".
const AttrMinBandwidth = "min_bandwidth"

// RunRecv polls the receive record until the transfer resolves, then
// stops every instance, verifies the file and acknowledges the sender.
// The record is dropped on return; the store and chunk directory belong to
// the caller.
func (o *Orchestrator) RunRecv(ctx context.Context, id string, acker Acker) (proto.TransmitState, error) {
	rec, ok := o.Lookup(RoleReceiver, id)
	if !ok {
		return proto.StateFailure, fmt.Errorf("xmit %s: %w", id, proto.NoValue)
	}
	job := rec.Job
	deadline := rec.Started.Add(job.TransferTimeout)

	bw := newBandwidthCheck(job)
	err := o.pollRecv(ctx, id, deadline, bw)

	rec, ok = o.Lookup(RoleReceiver, id)
	if !ok {
		return proto.StateFailure, fmt.Errorf("xmit %s: %w: record dropped", id, proto.NoValue)
	}
	o.stopReceivers(rec.Receivers)

	if err == nil {
		err = verify(rec)
	}

	state := proto.StateSuccess
	if err != nil {
		state = proto.StateFailure
	}

	if rec.RemoteDaemon && acker != nil {
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.ackTimeout)
		if aerr := acker.AckSender(ackCtx, id, state); aerr != nil {
			log.Warn().Err(aerr).Str("xmit", id).Msg("could not acknowledge sender")
		}
		cancel()
	}

	if o.classifier != nil {
		o.classifier.EndTransfer(job, state == proto.StateSuccess)
	}
	o.trackTransfer(RoleReceiver, state == proto.StateSuccess)
	o.Drop(RoleReceiver, id)

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Str("xmit", id).
		Str("state", state.String()).
		Dur("elapsed", time.Since(rec.Started)).
		Msg("receive finished")
	return state, err
}

// pollRecv returns nil once the transfer succeeded and an error for every
// other way out of the loop.
func (o *Orchestrator) pollRecv(ctx context.Context, id string, deadline time.Time, bw *bandwidthCheck) error {
	for {
		rec, ok := o.Lookup(RoleReceiver, id)
		if !ok {
			return fmt.Errorf("xmit %s: %w", id, proto.NoValue)
		}

		active := 0
		var total int64
		for _, r := range rec.Receivers {
			if r.State() == proto.StateSuccess {
				log.Debug().Str("xmit", id).Str("protocol", r.Name()).Msg("instance reported success")
				return nil
			}
			if r.Active() {
				active++
			}
			total += r.BytesReceived()
		}

		bw.check(rec.Receivers)

		if limit := rec.Job.MaxSize; limit > 0 && total > limit {
			return fmt.Errorf("received %d bytes, limit %d: %w", total, limit, proto.Overflow)
		}
		if rec.Store != nil && rec.Store.IsComplete() {
			return nil
		}
		if active == 0 && rec.Negotiated {
			return fmt.Errorf("no protocol instance left: %w", proto.NoConnect)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("transfer timeout %s: %w", rec.Job.TransferTimeout, proto.Timeout)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", proto.Terminated, ctx.Err())
		case <-time.After(o.pollInterval):
		}
	}
}

// stopReceivers posts End to every instance and waits a bounded time for
// them to stop. Stopping is best effort.
func (o *Orchestrator) stopReceivers(receivers []*transmit.Receiver) {
	for _, r := range receivers {
		r.Post(protocol.MsgEnd, nil)
	}

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	for _, r := range receivers {
		if r.Runner().State() == protocol.StateDead {
			continue
		}
		select {
		case <-r.Done():
		case <-timer.C:
			log.Warn().Str("protocol", r.Name()).Msg("receiver did not stop in time")
			return
		}
	}
}

// verify checks the reassembled file against the declared size and hash.
func verify(rec *Record) error {
	store := rec.Store
	if store == nil {
		return nil
	}
	if store.KnownSize() && !store.IsComplete() {
		return fmt.Errorf("store incomplete: %w", proto.NoData)
	}
	if rec.Job.FileHash == "" {
		return nil
	}
	got, err := store.Hash()
	if err != nil {
		return err
	}
	if got != rec.Job.FileHash {
		return fmt.Errorf("file hash %s, want %s: %w", got, rec.Job.FileHash, proto.Corrupt)
	}
	return nil
}

// bandwidthCheck ends instances that move data slower than their minimum.
// The check runs once per connect timeout and measures bytes since the
// previous check; time spent before an instance delivers anything counts
// against it.
type bandwidthCheck struct {
	job      *proto.Job
	interval time.Duration
	last     time.Time
	bytes    map[*transmit.Receiver]int64
}

func newBandwidthCheck(job *proto.Job) *bandwidthCheck {
	return &bandwidthCheck{
		job:      job,
		interval: job.ConnectTimeout,
		last:     time.Now(),
		bytes:    make(map[*transmit.Receiver]int64),
	}
}

func (b *bandwidthCheck) minFor(name string) int64 {
	if v := b.job.Attr(name+"."+AttrMinBandwidth, ""); v != "" {
		rate, err := bytesize.ParseRate(v)
		if err == nil {
			return rate
		}
		log.Warn().Err(err).Str("protocol", name).Str("value", v).Msg("ignoring invalid min bandwidth")
	}
	return b.job.MinBandwidth
}

func (b *bandwidthCheck) check(receivers []*transmit.Receiver) {
	elapsed := time.Since(b.last)
	if b.interval <= 0 || elapsed < b.interval {
		return
	}
	b.last = time.Now()

	for _, r := range receivers {
		total := r.BytesReceived()
		delta := total - b.bytes[r]
		b.bytes[r] = total

		floor := b.minFor(r.Name())
		if floor <= 0 || !r.Active() {
			continue
		}
		rate := int64(float64(delta) / elapsed.Seconds())
		if rate < floor {
			log.Warn().
				Str("protocol", r.Name()).
				Str("rate", bytesize.FormatRate(rate)).
				Str("min", bytesize.FormatRate(floor)).
				Msg("instance below minimum bandwidth, ending it")
			r.Post(protocol.MsgEnd, fmt.Errorf("%w: rate %d B/s below %d B/s", proto.Timeout, rate, floor))
		}
	}
}
