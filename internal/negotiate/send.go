package negotiate

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/pkg/proto"
)

// sendPrep is a send whose chunks are on disk and whose passive senders
// are published.
type sendPrep struct {
	id    string
	job   *proto.Job
	names []string
	attrs proto.ConnectAttrs
}

// pendingSend is a receiver-initiated send waiting for ChooseProtocol.
type pendingSend struct {
	prep        *sendPrep
	receiverURL string
	choice      chan *proto.ChooseProtocolRequest
}

// Send transfers job.SrcName to the daemon at peerURL.
func (n *Negotiator) Send(ctx context.Context, job *proto.Job, peerURL string) (proto.TransmitState, error) {
	return n.send(ctx, job, peerURL, nil)
}

func (n *Negotiator) send(ctx context.Context, job *proto.Job, peerURL string, extra proto.ConnectAttrs) (proto.TransmitState, error) {
	prep, err := n.prepareSend(ctx, job.WithDefaults(), nil)
	if err != nil {
		return proto.StateFailure, err
	}
	state := proto.StateFailure
	defer func() { n.endSend(prep, state) }()

	resp, err := n.cfg.Peer.NegotiateReceiver(ctx, peerURL, &proto.NegotiateReceiverRequest{
		XmitID:    prep.id,
		Job:       prep.job,
		Protocols: prep.names,
		Connect:   prep.attrs,
		ChunkDir:  prep.job.ChunkDir,
		SenderURL: n.cfg.AdvertiseURL,
	})
	if err != nil {
		return state, fmt.Errorf("negotiate with receiver %s: %w", peerURL, err)
	}
	if resp.XmitID != "" && resp.XmitID != prep.id {
		return state, fmt.Errorf("%w: receiver answered for xmit %s", proto.Inval, resp.XmitID)
	}

	attrs := mergeAttrs(resp.Connect, extra)
	state, err = n.runActive(ctx, prep, peerURL, resp.BestProtocol, resp.Connected, attrs, resp.ChunkDir)
	return state, err
}

// NegotiateAsSender serves a receiver-initiated transfer: it prepares the
// chunks, publishes the passive senders and waits in the background for
// the receiver's ChooseProtocol before pushing over active protocols.
func (n *Negotiator) NegotiateAsSender(ctx context.Context, req *proto.NegotiateSenderRequest) (*proto.NegotiateSenderResponse, error) {
	if req.Job == nil {
		return nil, fmt.Errorf("%w: job is required", proto.Inval)
	}
	if err := n.cfg.Senders.TryAcquire(); err != nil {
		return nil, err
	}

	job := req.Job.WithDefaults()
	job.RemoteDaemon = true
	prep, err := n.prepareSend(ctx, job, req.Protocols)
	if err != nil {
		n.cfg.Senders.Release()
		return nil, err
	}

	p := &pendingSend{
		prep:        prep,
		receiverURL: req.ReceiverURL,
		choice:      make(chan *proto.ChooseProtocolRequest, 1),
	}
	n.mu.Lock()
	n.pending[prep.id] = p
	n.mu.Unlock()

	n.cfg.Senders.Go(func() { n.awaitChoice(p) })

	return &proto.NegotiateSenderResponse{
		XmitID:      prep.id,
		ChunkDir:    prep.job.ChunkDir,
		FileSize:    prep.job.FileSize,
		FileHash:    prep.job.FileHash,
		FileType:    prep.job.FileType,
		Protocols:   prep.names,
		Active:      n.registry.ActiveFlags(prep.names, transport.RoleSender),
		ChunkHashes: prep.job.ChunkHashes,
		ChunkSize:   prep.job.ChunkSize,
		Connect:     prep.attrs,
	}, nil
}

// ChooseProtocol hands the receiver's choice to a pending send. It returns
// an empty xmit id if no send is waiting for it.
func (n *Negotiator) ChooseProtocol(_ context.Context, req *proto.ChooseProtocolRequest) (*proto.ChooseProtocolResponse, error) {
	n.mu.Lock()
	p, ok := n.pending[req.XmitID]
	n.mu.Unlock()
	if !ok {
		log.Warn().Str("xmit", req.XmitID).Msg("protocol choice for unknown transfer")
		return &proto.ChooseProtocolResponse{}, nil
	}

	select {
	case p.choice <- req:
	default:
		log.Debug().Str("xmit", req.XmitID).Msg("duplicate protocol choice ignored")
	}
	return &proto.ChooseProtocolResponse{XmitID: req.XmitID}, nil
}

func (n *Negotiator) awaitChoice(p *pendingSend) {
	prep := p.prep
	state := proto.StateFailure
	defer func() {
		n.mu.Lock()
		delete(n.pending, prep.id)
		n.mu.Unlock()
		n.endSend(prep, state)
	}()

	ctx, cancel := context.WithTimeout(n.ctx, prep.job.TransferTimeout)
	defer cancel()

	timer := time.NewTimer(prep.job.ConnectTimeout)
	defer timer.Stop()

	var choice *proto.ChooseProtocolRequest
	select {
	case choice = <-p.choice:
	case <-timer.C:
		log.Warn().Str("xmit", prep.id).Msg("receiver never chose a protocol")
		return
	case <-ctx.Done():
		return
	}

	var err error
	state, err = n.runActive(ctx, prep, p.receiverURL, choice.BestProtocol, choice.Protocols, choice.Connect, choice.ChunkDir)
	if err != nil {
		log.Debug().Err(err).Str("xmit", prep.id).Msg("receiver-initiated send failed")
	}
}

// prepareSend splits the source into its chunk directory, computes the
// xmit id and starts the passive senders. remote, when not nil, limits the
// protocols to those the peer offered.
func (n *Negotiator) prepareSend(ctx context.Context, job *proto.Job, remote []string) (*sendPrep, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	m, err := chunkstore.MakeChunks(ctx, n.fs, n.sendRoot, job.SrcName, job.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", job.SrcName, err)
	}
	job.FileSize = m.FileSize
	job.SizeKnown = true
	job.FileHash = m.FileHash
	job.ChunkHashes = m.ChunkHashes
	job.ChunkSize = m.ChunkSize
	job.ChunkDir = m.Dir
	if job.FileType == "" {
		job.FileType = mime.TypeByExtension(filepath.Ext(job.SrcName))
	}
	if job.MaxSize <= 0 {
		job.MaxSize = job.FileSize
	}
	if err := job.Validate(); err != nil {
		n.removeChunkDir(m.Dir)
		return nil, err
	}

	id := job.XmitID()
	names := n.registry.PreferredOrder(job.Protocols)
	if remote != nil {
		names = intersect(names, remote)
	}

	attrs, err := n.registry.ConnectAttrs(id, names, transport.RoleSender)
	if err != nil {
		n.removeChunkDir(m.Dir)
		return nil, err
	}

	var passive []string
	for i, active := range n.registry.ActiveFlags(names, transport.RoleSender) {
		if !active {
			passive = append(passive, names[i])
		}
	}
	senders, results := n.cfg.Connector.SetupSenders(ctx, job, passive, withShared(nil, id, ""), n.cfg.SenderOptions)
	logSetup(id, transport.RoleSender, results)

	n.orch.BeginSend(id, job, senders...)
	if err := n.orch.RunSendPassive(ctx, id); err != nil {
		n.orch.EndSend(id, proto.StateFailure)
		n.removeChunkDir(m.Dir)
		return nil, err
	}
	n.orch.ExpectAck(id)

	log.Info().
		Str("xmit", id).
		Str("path", job.SrcName).
		Int64("size", job.FileSize).
		Int("chunks", job.NumChunks()).
		Strs("protocols", names).
		Msg("send prepared")

	return &sendPrep{id: id, job: job, names: names, attrs: attrs}, nil
}

// runActive sets up the active senders the receiver connected, best first,
// and pushes the chunks.
func (n *Negotiator) runActive(ctx context.Context, prep *sendPrep, peerURL, best string, connected []string, attrs proto.ConnectAttrs, remoteChunkDir string) (proto.TransmitState, error) {
	job := prep.job.Clone()
	job.RemoteChunkDir = remoteChunkDir

	var names []string
	for i, active := range n.registry.ActiveFlags(prep.names, transport.RoleSender) {
		if active && slices.Contains(connected, prep.names[i]) {
			names = append(names, prep.names[i])
		}
	}
	hasBest := best != "" && slices.Contains(names, best)
	if hasBest {
		names = bestFirst(names, best)
	}

	senders, results := n.cfg.Connector.SetupSenders(ctx, job, names, withShared(attrs, prep.id, peerURL), n.cfg.SenderOptions)
	logSetup(prep.id, transport.RoleSender, results)
	if len(names) > 0 && len(senders) == 0 {
		log.Warn().Str("xmit", prep.id).Msg("no active sender connected, relying on passive protocols")
	}
	if hasBest && (len(senders) == 0 || senders[0].Name() != best) {
		hasBest = false
	}

	return n.orch.RunSendActive(ctx, prep.id, senders, job.TransferTimeout, hasBest)
}

func (n *Negotiator) endSend(prep *sendPrep, state proto.TransmitState) {
	n.orch.EndSend(prep.id, state)
	if n.cfg.Advisor != nil {
		n.cfg.Advisor.EndTransfer(prep.job, state == proto.StateSuccess)
	}
	n.removeChunkDir(prep.job.ChunkDir)
}

func logSetup(id string, role transport.Role, results []transport.SetupResult) {
	for _, r := range results {
		if r.Error != nil {
			log.Debug().
				Err(r.Error).
				Str("xmit", id).
				Str("protocol", r.Protocol).
				Str("role", role.String()).
				Msg("protocol did not connect")
		}
	}
}
