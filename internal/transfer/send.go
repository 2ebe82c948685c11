package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/pkg/proto"
)

// RunSendPassive offers every chunk once to each passive sender of the
// record. Passive senders only publish data, so they get the chunk file
// path without the payload. A sender that fails is finished and dropped;
// it never fails the transfer.
func (o *Orchestrator) RunSendPassive(ctx context.Context, id string) error {
	rec, ok := o.Lookup(RoleSender, id)
	if !ok {
		return fmt.Errorf("xmit %s: %w", id, proto.NoValue)
	}

	var kept []*transmit.Sender
	for _, s := range rec.Senders {
		if s.Capabilities().Active {
			kept = append(kept, s)
			continue
		}
		if err := o.offerAll(ctx, rec, s); err != nil {
			log.Warn().
				Err(err).
				Str("xmit", id).
				Str("protocol", s.Name()).
				Msg("passive sender failed, dropping it")
			s.Finish(proto.StateFailure)
			continue
		}
		kept = append(kept, s)
	}

	o.mu.Lock()
	if live, ok := o.records[tableKey{RoleSender, id}]; ok {
		live.Senders = mergeSenders(kept, live.Senders, rec.Senders)
	}
	o.mu.Unlock()
	return nil
}

// offerAll publishes every chunk through the sender's run loop.
func (o *Orchestrator) offerAll(ctx context.Context, rec *Record, s *transmit.Sender) error {
	ids := rec.ChunkIDs()
	queue := make(chan transmit.Chunk, len(ids))
	for _, cid := range ids {
		queue <- o.chunkRef(rec.Job, cid)
	}
	close(queue)
	return s.Publish(ctx, queue)
}

// mergeSenders keeps the survivors of a pass plus any sender attached to
// the live record while the pass ran.
func mergeSenders(kept, live, seen []*transmit.Sender) []*transmit.Sender {
	known := make(map[*transmit.Sender]bool, len(seen))
	for _, s := range seen {
		known[s] = true
	}
	out := append([]*transmit.Sender(nil), kept...)
	for _, s := range live {
		if !known[s] {
			out = append(out, s)
		}
	}
	return out
}

// RunSendActive pushes every chunk through the given active senders and
// then waits up to timeout for the receiver's verdict.
//
// With a best protocol, senders[0] is the best one and is used until it
// fails; a failed chunk moves on to the next candidate, and pushing stops
// once the candidates have been cycled through MaxAttempts times.
// Without one, chunks are spread round-robin and pushing stops once
// failures exceed MaxAttempts times the chunk count. A retried chunk goes
// to whichever sender is next; every active sender can carry any chunk.
//
// Pushing also stops as soon as the receiver has answered. The verdict is
// awaited in every case: the receiver may have assembled the file from
// passive protocols while the pushes failed, and its Success wins over
// dispatch failures.
func (o *Orchestrator) RunSendActive(ctx context.Context, id string, senders []*transmit.Sender, timeout time.Duration, hasBest bool) (proto.TransmitState, error) {
	rec, ok := o.Lookup(RoleSender, id)
	if !ok {
		return proto.StateFailure, fmt.Errorf("xmit %s: %w", id, proto.NoValue)
	}
	if err := o.AttachSenders(id, senders...); err != nil {
		return proto.StateFailure, err
	}

	var sendErr error
	if len(senders) > 0 {
		if hasBest {
			sendErr = o.sendBestFirst(ctx, rec, senders)
		} else {
			sendErr = o.sendRoundRobin(ctx, rec, senders)
		}
		if sendErr != nil {
			log.Warn().Err(sendErr).Str("xmit", id).Msg("active send failed, waiting for receiver verdict")
		}
	} else {
		log.Debug().Str("xmit", id).Msg("no active senders, waiting for receiver")
	}

	state, err := o.AwaitAck(ctx, id, timeout)
	if err != nil {
		if sendErr != nil {
			return proto.StateFailure, errors.Join(sendErr, err)
		}
		return proto.StateFailure, err
	}
	if state != proto.StateSuccess {
		return state, fmt.Errorf("receiver reported %s: %w", state, proto.Failure)
	}
	if sendErr != nil {
		log.Info().Str("xmit", id).Msg("receiver completed the transfer despite failed pushes")
	}
	return state, nil
}

// answered reports whether the receiver already sent its verdict, which
// makes further pushes pointless.
func (o *Orchestrator) answered(rec *Record, cid int) bool {
	if _, ok := o.Acked(rec.XmitID); !ok {
		return false
	}
	log.Debug().Str("xmit", rec.XmitID).Int("chunk", cid).Msg("receiver already answered, stop pushing")
	return true
}

func (o *Orchestrator) sendBestFirst(ctx context.Context, rec *Record, senders []*transmit.Sender) error {
	maxCycles := rec.Job.MaxAttempts
	idx, cycles := 0, 0

	for _, cid := range rec.ChunkIDs() {
		c, err := o.loadChunk(rec.Job, cid)
		if err != nil {
			return err
		}
		for {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", proto.Terminated, ctx.Err())
			}
			if o.answered(rec, cid) {
				return nil
			}
			s := senders[idx]
			last, err := s.SendOne(ctx, c)
			if err == nil {
				if last {
					return nil
				}
				break
			}
			log.Debug().
				Err(err).
				Str("xmit", rec.XmitID).
				Str("protocol", s.Name()).
				Int("chunk", cid).
				Msg("chunk failed, trying next protocol")

			idx++
			if idx == len(senders) {
				idx = 0
				cycles++
				if cycles >= maxCycles {
					return fmt.Errorf("chunk %d: every protocol failed %d times: %w", cid, cycles, err)
				}
			}
		}
	}
	return nil
}

func (o *Orchestrator) sendRoundRobin(ctx context.Context, rec *Record, senders []*transmit.Sender) error {
	ids := rec.ChunkIDs()
	budget := rec.Job.MaxAttempts * len(ids)
	idx, failures := -1, 0

	for _, cid := range ids {
		c, err := o.loadChunk(rec.Job, cid)
		if err != nil {
			return err
		}
		for {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", proto.Terminated, ctx.Err())
			}
			if o.answered(rec, cid) {
				return nil
			}
			idx = (idx + 1) % len(senders)
			s := senders[idx]
			last, err := s.SendOne(ctx, c)
			if err == nil {
				if last {
					return nil
				}
				break
			}
			failures++
			log.Debug().
				Err(err).
				Str("xmit", rec.XmitID).
				Str("protocol", s.Name()).
				Int("chunk", cid).
				Int("failures", failures).
				Msg("chunk failed")
			if failures > budget {
				return fmt.Errorf("%d failures for %d chunks: %w", failures, len(ids), err)
			}
		}
	}
	return nil
}

// chunkRef describes a chunk by location only.
func (o *Orchestrator) chunkRef(job *proto.Job, id int) transmit.Chunk {
	c := transmit.Chunk{
		ID:        id,
		LocalPath: chunkstore.ChunkFileName(job.ChunkDir, id),
	}
	if job.RemoteChunkDir != "" {
		c.RemotePath = chunkstore.ChunkFileName(job.RemoteChunkDir, id)
	}
	return c
}

// loadChunk reads a chunk's payload from the chunk directory.
func (o *Orchestrator) loadChunk(job *proto.Job, id int) (transmit.Chunk, error) {
	c := o.chunkRef(job, id)
	data, err := chunkstore.ReadChunkFile(o.fs, job.ChunkDir, id)
	if err != nil {
		return c, err
	}
	c.Data = data
	return c, nil
}

// EndSend finishes every sender of the transmission with the final state
// and drops its record.
func (o *Orchestrator) EndSend(id string, state proto.TransmitState) {
	rec, ok := o.Lookup(RoleSender, id)
	if !ok {
		return
	}
	for _, s := range rec.Senders {
		s.Finish(state)
	}
	o.Drop(RoleSender, id)
	o.forgetAck(id)
	o.trackTransfer(RoleSender, state == proto.StateSuccess)

	log.Info().
		Str("xmit", id).
		Str("state", state.String()).
		Dur("elapsed", time.Since(rec.Started)).
		Msg("send finished")
}
