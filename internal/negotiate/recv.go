package negotiate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/protocol"
	"github.com/xferd/xferd/internal/transfer"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/pkg/proto"
)

// recvPrep is a receive whose store is open and whose receivers run.
type recvPrep struct {
	id        string
	job       *proto.Job
	connected []string
}

// Receive fetches job.SrcName from the daemon at peerURL into job.DestName.
// If no daemon answers there, every local protocol is tried against the
// source directly and the manifest is not verified. An empty peerURL skips
// the handshake altogether.
func (n *Negotiator) Receive(ctx context.Context, job *proto.Job, peerURL string) (proto.TransmitState, error) {
	return n.receive(ctx, job, peerURL, nil)
}

func (n *Negotiator) receive(ctx context.Context, job *proto.Job, peerURL string, extra proto.ConnectAttrs) (proto.TransmitState, error) {
	job = job.WithDefaults()
	local := n.registry.PreferredOrder(job.Protocols)

	var resp *proto.NegotiateSenderResponse
	var err error
	if peerURL != "" {
		resp, err = n.cfg.Peer.NegotiateSender(ctx, peerURL, &proto.NegotiateSenderRequest{
			Job:         job,
			Protocols:   local,
			ReceiverURL: n.cfg.AdvertiseURL,
		})
	} else {
		err = syscall.ECONNREFUSED
	}

	var id string
	var names []string
	attrs := extra
	switch {
	case err == nil:
		id = resp.XmitID
		names = intersect(local, resp.Protocols)
		adopt(job, resp)
		if verr := job.Validate(); verr != nil {
			n.abort(ctx, peerURL, id)
			return proto.StateFailure, verr
		}
		attrs = mergeAttrs(resp.Connect, extra)

	case errors.Is(err, syscall.ECONNREFUSED):
		log.Info().
			Str("peer", peerURL).
			Str("path", job.SrcName).
			Msg("no daemon at peer, fetching source directly")
		job.RemoteDaemon = false
		job.ChunkHashes = nil
		id = job.XmitID()
		names = local
		peerURL = ""

	default:
		return proto.StateFailure, fmt.Errorf("negotiate with sender %s: %w", peerURL, err)
	}

	best := n.bestProtocol(job, names)
	prep, err := n.prepareRecv(ctx, id, job, names, withShared(attrs, id, peerURL))
	if err != nil {
		if job.RemoteDaemon {
			n.abort(ctx, peerURL, id)
		}
		return proto.StateFailure, err
	}
	defer n.endRecv(prep)

	if job.RemoteDaemon {
		n.choose(ctx, peerURL, prep, best)
	}
	if err := n.orch.FinishNegotiation(id); err != nil {
		return proto.StateFailure, err
	}

	var acker transfer.Acker
	if job.RemoteDaemon {
		acker = &peerAcker{peer: n.cfg.Peer, url: peerURL}
	}
	return n.orch.RunRecv(ctx, id, acker)
}

// adopt fills the job with what the sender reported.
func adopt(job *proto.Job, resp *proto.NegotiateSenderResponse) {
	job.RemoteDaemon = true
	job.FileSize = resp.FileSize
	job.SizeKnown = true
	job.FileHash = resp.FileHash
	if resp.FileType != "" {
		job.FileType = resp.FileType
	}
	if resp.ChunkSize > 0 {
		job.ChunkSize = resp.ChunkSize
	}
	job.ChunkHashes = resp.ChunkHashes
	job.RemoteChunkDir = resp.ChunkDir
	if job.MaxSize <= 0 {
		job.MaxSize = job.FileSize
	}
}

// choose tells the sender which protocols connected. A sender that does
// not know the transfer any more only leaves the passive protocols.
func (n *Negotiator) choose(ctx context.Context, peerURL string, prep *recvPrep, best string) {
	attrs, err := n.registry.ConnectAttrs(prep.id, prep.connected, transport.RoleReceiver)
	if err != nil {
		log.Warn().Err(err).Str("xmit", prep.id).Msg("failed to collect receiver attributes")
	}
	if !slices.Contains(prep.connected, best) {
		best = ""
	}
	resp, err := n.cfg.Peer.ChooseProtocol(ctx, peerURL, &proto.ChooseProtocolRequest{
		XmitID:       prep.id,
		ChunkDir:     prep.job.ChunkDir,
		BestProtocol: best,
		Protocols:    prep.connected,
		Connect:      attrs,
	})
	switch {
	case err != nil:
		log.Warn().Err(err).Str("xmit", prep.id).Msg("failed to send protocol choice")
	case resp.XmitID == "":
		log.Warn().Str("xmit", prep.id).Msg("sender is not waiting for this transfer")
	}
}

// abort releases a sender that prepared a transfer this side will not run.
func (n *Negotiator) abort(ctx context.Context, peerURL, id string) {
	if _, err := n.cfg.Peer.ChooseProtocol(ctx, peerURL, &proto.ChooseProtocolRequest{XmitID: id}); err != nil {
		log.Debug().Err(err).Str("xmit", id).Msg("abort: protocol choice failed")
	}
	ack := &proto.AckSenderRequest{XmitID: id, State: proto.StateFailure}
	if err := n.cfg.Peer.AckSender(ctx, peerURL, ack); err != nil {
		log.Debug().Err(err).Str("xmit", id).Msg("abort: ack failed")
	}
}

// NegotiateAsReceiver serves a sender-initiated transfer: it opens the
// destination, starts the receivers both sides support and runs the
// receive in the background.
func (n *Negotiator) NegotiateAsReceiver(ctx context.Context, req *proto.NegotiateReceiverRequest) (*proto.NegotiateReceiverResponse, error) {
	if req.Job == nil {
		return nil, fmt.Errorf("%w: job is required", proto.Inval)
	}
	if err := n.cfg.Receivers.TryAcquire(); err != nil {
		return nil, err
	}

	job := req.Job.WithDefaults()
	job.RemoteDaemon = true
	job.RemoteChunkDir = req.ChunkDir
	if err := job.Validate(); err != nil {
		n.cfg.Receivers.Release()
		return nil, err
	}
	id := req.XmitID
	if id == "" {
		id = job.XmitID()
	}

	names := intersect(n.registry.PreferredOrder(job.Protocols), req.Protocols)
	best := n.bestProtocol(job, names)

	prep, err := n.prepareRecv(ctx, id, job, names, withShared(req.Connect, id, req.SenderURL))
	if err != nil {
		n.cfg.Receivers.Release()
		return nil, err
	}
	attrs, err := n.registry.ConnectAttrs(id, prep.connected, transport.RoleReceiver)
	if err != nil {
		log.Warn().Err(err).Str("xmit", id).Msg("failed to collect receiver attributes")
	}
	if !slices.Contains(prep.connected, best) {
		best = ""
	}

	acker := &peerAcker{peer: n.cfg.Peer, url: req.SenderURL}
	n.cfg.Receivers.Go(func() {
		defer n.endRecv(prep)
		if err := n.orch.FinishNegotiation(id); err != nil {
			log.Error().Err(err).Str("xmit", id).Msg("receive record vanished")
			return
		}
		ctx, cancel := context.WithTimeout(n.ctx, job.TransferTimeout)
		defer cancel()
		_, _ = n.orch.RunRecv(ctx, id, acker)
	})

	return &proto.NegotiateReceiverResponse{
		XmitID:       id,
		ChunkDir:     job.ChunkDir,
		BestProtocol: best,
		Connected:    prep.connected,
		Connect:      attrs,
	}, nil
}

// prepareRecv creates the receive chunk directory, opens the destination
// through the file registry and starts a receiver for each protocol that
// connects.
func (n *Negotiator) prepareRecv(ctx context.Context, id string, job *proto.Job, names []string, attrs proto.ConnectAttrs) (*recvPrep, error) {
	dirKey := job.FileHash
	if dirKey == "" {
		dirKey = id
	}
	job.ChunkDir = filepath.Join(n.recvRoot, chunkstore.ChunkDirName(job.DestName, dirKey))
	if err := n.fs.MkdirAll(job.ChunkDir, 0755); err != nil {
		return nil, fmt.Errorf("create chunk dir %s: %w: %v", job.ChunkDir, proto.IOError, err)
	}

	if job.KnownSize() {
		if err := chunkstore.EnsureSpace(filepath.Dir(job.DestName), job.FileSize); err != nil {
			n.removeChunkDir(job.ChunkDir)
			return nil, err
		}
	}

	store, err := n.cfg.Files.Acquire(id, job.DestName, chunkstore.Options{
		ChunkSize: job.ChunkSize,
		FileSize:  job.FileSize,
		MaxSize:   job.MaxSize,
		SizeKnown: job.KnownSize(),
	})
	if err != nil {
		n.removeChunkDir(job.ChunkDir)
		return nil, fmt.Errorf("open %s: %w", job.DestName, err)
	}

	receivers, results := n.cfg.Connector.SetupReceivers(ctx, job, store, names, attrs, n.cfg.ReceiverOptions)
	logSetup(id, transport.RoleReceiver, results)

	n.orch.BeginRecv(id, job, store, receivers...)
	for _, r := range receivers {
		r.Start(n.ctx)
	}

	connected := transport.Connected(results)
	log.Info().
		Str("xmit", id).
		Str("path", job.DestName).
		Int64("size", job.FileSize).
		Strs("protocols", connected).
		Bool("remote_daemon", job.RemoteDaemon).
		Msg("receive prepared")

	return &recvPrep{id: id, job: job, connected: connected}, nil
}

func (n *Negotiator) endRecv(prep *recvPrep) {
	// RunRecv drops the record; this covers exits before it ran
	if rec, ok := n.orch.Lookup(transfer.RoleReceiver, prep.id); ok {
		for _, r := range rec.Receivers {
			r.Post(protocol.MsgEnd, proto.Terminated)
		}
		n.orch.Drop(transfer.RoleReceiver, prep.id)
	}
	if err := n.cfg.Files.Release(prep.id, prep.job.DestName); err != nil {
		log.Warn().Err(err).Str("xmit", prep.id).Msg("failed to release destination")
	}
	n.removeChunkDir(prep.job.ChunkDir)
}
