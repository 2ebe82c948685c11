// Package negotiate implements the handshake between a sending and a
// receiving daemon. Either side may start a transfer: the sender splits and
// hashes the file and asks the receiver which protocols it can serve, or
// the receiver asks the sender for the file's manifest and tells it which
// protocols to push over. Both paths end in the transfer orchestrator.
package negotiate

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/classifier"
	"github.com/xferd/xferd/internal/transfer"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/internal/workpool"
	"github.com/xferd/xferd/pkg/proto"
)

// Peer is the RPC surface of a remote daemon.
type Peer interface {
	NegotiateReceiver(ctx context.Context, url string, req *proto.NegotiateReceiverRequest) (*proto.NegotiateReceiverResponse, error)
	NegotiateSender(ctx context.Context, url string, req *proto.NegotiateSenderRequest) (*proto.NegotiateSenderResponse, error)
	ChooseProtocol(ctx context.Context, url string, req *proto.ChooseProtocolRequest) (*proto.ChooseProtocolResponse, error)
	AckSender(ctx context.Context, url string, req *proto.AckSenderRequest) error
}

// Advisor ranks protocols for a job. A nil Advisor never has an opinion.
type Advisor interface {
	ExtractFeatures(job *proto.Job, now time.Time) classifier.Features
	BestProtocol(f classifier.Features) (string, bool)
	EndTransfer(job *proto.Job, success bool)
}

// Config holds negotiator dependencies.
type Config struct {
	Registry     *transport.Registry
	Connector    *transport.Connector
	Orchestrator *transfer.Orchestrator
	Files        *chunkstore.Registry
	Peer         Peer
	Advisor      Advisor

	// FS holds chunk directories. Paths are host paths.
	FS billy.Filesystem
	// DataDir is the root of the send and receive chunk directories.
	DataDir string
	// AdvertiseURL is this daemon's RPC URL as seen by peers.
	AdvertiseURL string

	SenderOptions   transport.SetupOptions
	ReceiverOptions transport.SetupOptions

	// Senders and Receivers bound work started by remote daemons.
	Senders   *workpool.Pool
	Receivers *workpool.Pool
}

// Negotiator runs both sides of the handshake for this daemon.
type Negotiator struct {
	cfg      Config
	registry *transport.Registry
	orch     *transfer.Orchestrator
	fs       billy.Filesystem
	sendRoot string
	recvRoot string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingSend
}

// New creates a negotiator.
func New(cfg Config) (*Negotiator, error) {
	if cfg.Registry == nil || cfg.Orchestrator == nil || cfg.Files == nil {
		return nil, fmt.Errorf("registry, orchestrator and file registry are required")
	}
	if cfg.Peer == nil {
		return nil, fmt.Errorf("peer client is required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if cfg.FS == nil {
		cfg.FS = osfs.New("/")
	}
	if cfg.Connector == nil {
		cfg.Connector = transport.NewConnector(cfg.Registry, transport.DefaultConnectorConfig())
	}
	if cfg.Senders == nil {
		cfg.Senders = workpool.New("sender", workpool.DefaultSize)
	}
	if cfg.Receivers == nil {
		cfg.Receivers = workpool.New("receiver", workpool.DefaultSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Negotiator{
		cfg:      cfg,
		registry: cfg.Registry,
		orch:     cfg.Orchestrator,
		fs:       cfg.FS,
		sendRoot: filepath.Join(cfg.DataDir, "send"),
		recvRoot: filepath.Join(cfg.DataDir, "recv"),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*pendingSend),
	}, nil
}

// Close cancels background transfers and waits for them to unwind.
func (n *Negotiator) Close() {
	n.cancel()
	n.cfg.Senders.Wait()
	n.cfg.Receivers.Wait()
}

// Pools returns the sender and receiver pools.
func (n *Negotiator) Pools() (senders, receivers *workpool.Pool) {
	return n.cfg.Senders, n.cfg.Receivers
}

// bestProtocol asks the advisor for a protocol among candidates.
func (n *Negotiator) bestProtocol(job *proto.Job, candidates []string) string {
	if n.cfg.Advisor == nil {
		return ""
	}
	best, ok := n.cfg.Advisor.BestProtocol(n.cfg.Advisor.ExtractFeatures(job, time.Now()))
	if !ok || !slices.Contains(candidates, best) {
		return ""
	}
	return best
}

// withShared copies attrs and sets the attributes every protocol sees.
func withShared(attrs proto.ConnectAttrs, xmitID, peerURL string) proto.ConnectAttrs {
	out := make(proto.ConnectAttrs, len(attrs)+1)
	for name, a := range attrs {
		out[name] = maps.Clone(a)
	}
	shared := out[""]
	if shared == nil {
		shared = make(map[string]string)
	}
	shared[proto.AttrXmitID] = xmitID
	if peerURL != "" {
		shared[proto.AttrPeerURL] = peerURL
	}
	out[""] = shared
	return out
}

// mergeAttrs overlays extra on the peer's attributes, per protocol.
func mergeAttrs(peer, extra proto.ConnectAttrs) proto.ConnectAttrs {
	out := make(proto.ConnectAttrs, len(peer)+len(extra))
	for name, a := range peer {
		out[name] = maps.Clone(a)
	}
	for name, a := range extra {
		if out[name] == nil {
			out[name] = make(map[string]string, len(a))
		}
		maps.Copy(out[name], a)
	}
	return out
}

// intersect keeps the names that also appear in remote, in local order.
func intersect(local, remote []string) []string {
	return slices.DeleteFunc(slices.Clone(local), func(name string) bool {
		return !slices.Contains(remote, name)
	})
}

// bestFirst moves best to the front of names.
func bestFirst(names []string, best string) []string {
	i := slices.Index(names, best)
	if i <= 0 {
		return names
	}
	out := append([]string{best}, names[:i]...)
	return append(out, names[i+1:]...)
}

func (n *Negotiator) removeChunkDir(dir string) {
	if dir == "" {
		return
	}
	if err := chunkstore.RemoveChunkDir(n.fs, dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("failed to remove chunk dir")
	}
}
