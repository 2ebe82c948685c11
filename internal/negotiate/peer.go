package negotiate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/pkg/proto"
)

// peerAcker acknowledges a sender over RPC.
type peerAcker struct {
	peer Peer
	url  string
}

func (a *peerAcker) AckSender(ctx context.Context, xmitID string, state proto.TransmitState) error {
	return a.peer.AckSender(ctx, a.url, &proto.AckSenderRequest{XmitID: xmitID, State: state})
}

// AckSender delivers a receiver's verdict to the send waiting for it.
func (n *Negotiator) AckSender(_ context.Context, req *proto.AckSenderRequest) error {
	if err := n.orch.DeliverAck(req.XmitID, req.State); err != nil {
		return fmt.Errorf("ack for xmit %s: %w", req.XmitID, err)
	}
	log.Debug().Str("xmit", req.XmitID).Str("state", req.State.String()).Msg("receiver ack delivered")
	return nil
}

// BeginTransfer starts a send or receive on this daemon on behalf of a
// remote party. The transfer runs in the matching pool; a full pool
// answers TryAgain.
func (n *Negotiator) BeginTransfer(_ context.Context, req *proto.BeginTransferRequest) proto.Code {
	if req.Job == nil || req.IsSender == req.IsReceiver {
		return proto.Inval
	}
	if err := req.Job.Validate(); err != nil {
		return proto.CodeOf(err)
	}

	job := req.Job.Clone()
	pool := n.cfg.Receivers
	if req.IsSender {
		pool = n.cfg.Senders
	}

	err := pool.TryGo(func() {
		ctx := n.ctx
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Millisecond)
			defer cancel()
		}

		var state proto.TransmitState
		var err error
		if req.IsSender {
			state, err = n.send(ctx, job, req.RemoteURL, req.Connect)
		} else {
			state, err = n.receive(ctx, job, req.RemoteURL, req.Connect)
		}
		event := log.Info()
		if err != nil {
			event = log.Warn().Err(err)
		}
		event.
			Str("path", job.SrcName).
			Str("peer", req.RemoteURL).
			Bool("sender", req.IsSender).
			Str("state", state.String()).
			Msg("requested transfer finished")
	})
	if err != nil {
		return proto.TryAgain
	}
	return proto.OK
}
