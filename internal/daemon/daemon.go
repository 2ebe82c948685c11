// Package daemon assembles an xferd daemon from its configuration: the
// transport registry, the transmission table, the file registry, the
// negotiator and the RPC server that fronts them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/classifier"
	"github.com/xferd/xferd/internal/config"
	"github.com/xferd/xferd/internal/discovery"
	"github.com/xferd/xferd/internal/logging/audit"
	"github.com/xferd/xferd/internal/metrics"
	"github.com/xferd/xferd/internal/negotiate"
	"github.com/xferd/xferd/internal/protocol"
	"github.com/xferd/xferd/internal/rpc"
	"github.com/xferd/xferd/internal/tracing"
	"github.com/xferd/xferd/internal/transfer"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/internal/transport"
	transporthttp "github.com/xferd/xferd/internal/transport/http"
	"github.com/xferd/xferd/internal/transport/local"
	sshtransport "github.com/xferd/xferd/internal/transport/ssh"
	"github.com/xferd/xferd/internal/transport/websocket"
	"github.com/xferd/xferd/internal/workpool"
	"github.com/xferd/xferd/pkg/proto"
	gossh "golang.org/x/crypto/ssh"
)

const (
	// collectInterval is how often sampled gauges are refreshed.
	collectInterval = 15 * time.Second

	// shutdownTimeout bounds graceful shutdown of the RPC server.
	shutdownTimeout = 10 * time.Second
)

// Options holds daemon dependencies.
type Options struct {
	Config  *config.Config
	Version string
	// Metrics enables instrumentation. Metrics register globally, so the
	// caller creates them once per process.
	Metrics *metrics.TransferMetrics
	// FS is the filesystem chunk directories live on. Defaults to the host.
	FS billy.Filesystem
}

// Daemon is one running xferd instance.
type Daemon struct {
	cfg          *config.Config
	fs           billy.Filesystem
	advertiseURL string

	listener   net.Listener
	registry   *transport.Registry
	files      *chunkstore.Registry
	orch       *transfer.Orchestrator
	classifier *classifier.Classifier
	collector  *metrics.Collector
	negotiator *negotiate.Negotiator
	resolver   *discovery.Resolver
	client     *rpc.Client
	server     *rpc.Server
	recorder   *tracing.Recorder

	closeOnce sync.Once
}

// New builds a daemon and binds its listeners. Call Serve to start
// answering peers and Close to release everything.
func New(opts Options) (_ *Daemon, err error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	fs := opts.FS
	if fs == nil {
		fs = osfs.New("/")
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	d := &Daemon{
		cfg:   cfg,
		fs:    fs,
		files: chunkstore.NewRegistry(),
		resolver: discovery.New(discovery.Config{
			Enabled:     cfg.Discovery.Enabled,
			Server:      cfg.Discovery.Server,
			DefaultPort: cfg.Discovery.DefaultPort,
		}),
		client: rpc.NewClient(cfg.AuthToken, rpc.DefaultTimeout),
	}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	// Bind first so the advertised URL carries the real port.
	d.listener, err = net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	d.advertiseURL = advertiseURL(cfg.AdvertiseURL, d.listener.Addr())

	tickets, err := transport.NewTickets([]byte(cfg.TicketSecret), transport.DefaultTicketTTL)
	if err != nil {
		return nil, err
	}
	chunks := transporthttp.NewChunkServer(fs, tickets)
	hub := websocket.NewHub(tickets, cfg.Transfer.AckTimeoutDuration())

	d.registry = transport.NewRegistry(transport.RegistryConfig{DefaultOrder: cfg.EnabledProtocols()})
	if err := d.registerTransports(chunks, hub, tickets); err != nil {
		return nil, err
	}

	d.classifier, err = classifier.New(classifier.Config{
		StatsFile:  cfg.Classifier.StatsFile,
		MinSamples: cfg.Classifier.MinSamples,
	})
	if err != nil {
		return nil, err
	}

	senders := workpool.New("sender", cfg.Pools.Sender)
	receivers := workpool.New("receiver", cfg.Pools.Receiver)
	if opts.Metrics != nil {
		d.collector = metrics.NewCollector(opts.Metrics, metrics.CollectorConfig{
			Transfers: d,
			Pools:     []metrics.PoolStats{senders, receivers},
		})
		senders.OnReject = d.collector.TrackRejection
		receivers.OnReject = d.collector.TrackRejection
	}

	d.orch = transfer.New(transfer.Config{
		FS:         fs,
		AckTimeout: cfg.Transfer.AckTimeoutDuration(),
		Classifier: d.classifier,
		Metrics:    d.collector,
	})

	d.negotiator, err = negotiate.New(negotiate.Config{
		Registry:        d.registry,
		Connector:       transport.NewConnector(d.registry, transport.DefaultConnectorConfig()),
		Orchestrator:    d.orch,
		Files:           d.files,
		Peer:            d.client,
		Advisor:         d.classifier,
		FS:              fs,
		DataDir:         cfg.DataDir,
		AdvertiseURL:    d.advertiseURL,
		SenderOptions:   d.setupOptions(metrics.DirectionSend),
		ReceiverOptions: d.setupOptions(metrics.DirectionRecv),
		Senders:         senders,
		Receivers:       receivers,
	})
	if err != nil {
		return nil, err
	}

	serverCfg := rpc.ServerConfig{
		Listen:     cfg.Listen,
		AuthToken:  cfg.AuthToken,
		Version:    opts.Version,
		Handler:    d.negotiator,
		Chunks:     chunks,
		ChunksPath: transporthttp.ChunkPath,
		Stream:     hub,
		StreamPath: websocket.StreamPath,
		Status:     d.status,
		Audit:      audit.NewLogger(log.Logger),
	}
	if opts.Metrics != nil {
		serverCfg.Metrics = metrics.Handler()
	}
	if cfg.Debug.Trace {
		d.recorder, err = tracing.Start(int(cfg.Debug.TraceBufferSize.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("start trace recorder: %w", err)
		}
		serverCfg.Trace = d.recorder
	}
	d.server = rpc.NewServer(serverCfg)

	log.Info().
		Str("listen", d.listener.Addr().String()).
		Str("advertise", d.advertiseURL).
		Strs("protocols", d.registry.Names()).
		Msg("daemon ready")

	return d, nil
}

// registerTransports builds the enabled transports.
func (d *Daemon) registerTransports(chunks *transporthttp.ChunkServer, hub *websocket.Hub, tickets *transport.Tickets) error {
	for _, name := range d.cfg.EnabledProtocols() {
		var t transport.Transport
		var err error
		switch name {
		case transport.ProtocolHTTP:
			t, err = transporthttp.New(transporthttp.Config{Server: chunks, Tickets: tickets})
		case transport.ProtocolWebSocket:
			t, err = websocket.New(websocket.Config{
				Hub:      hub,
				Tickets:  tickets,
				Compress: d.cfg.Protocols.WebSocket.Compress,
			})
		case transport.ProtocolSSH:
			t, err = d.newSSHTransport()
		case transport.ProtocolLocal:
			t = local.New(d.fs)
		}
		if err != nil {
			return fmt.Errorf("%s transport: %w", name, err)
		}
		if err := d.registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) newSSHTransport() (transport.Transport, error) {
	sc := d.cfg.Protocols.SSH

	hostKey, created, err := sshtransport.LoadOrCreateKey(sc.HostKey)
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}
	if created {
		log.Info().Str("path", sc.HostKey).Msg("generated ssh host key")
	}
	clientKey, _, err := sshtransport.LoadOrCreateKey(sc.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("client key: %w", err)
	}
	var authorized []gossh.PublicKey
	if sc.AuthorizedKeys != "" {
		authorized, err = sshtransport.ReadAuthorizedKeys(sc.AuthorizedKeys)
		if err != nil {
			return nil, err
		}
	}

	server := sshtransport.NewServer(hostKey, authorized, d.fs)
	if err := server.Listen(sc.Listen); err != nil {
		return nil, err
	}
	t, err := sshtransport.New(sshtransport.Config{
		Server:       server,
		ClientSigner: clientKey,
		User:         sc.User,
		FS:           d.fs,
	})
	if err != nil {
		_ = server.Close()
		return nil, err
	}

	log.Debug().
		Str("host_key", sshtransport.Fingerprint(hostKey.PublicKey())).
		Str("client_key", sshtransport.Fingerprint(clientKey.PublicKey())).
		Msg("ssh keys loaded")
	return t, nil
}

// setupOptions returns the stats and observers every protocol instance in
// the given direction reports to.
func (d *Daemon) setupOptions(direction string) transport.SetupOptions {
	opts := transport.SetupOptions{}
	if d.collector == nil {
		opts.Stats = d.classifier
		return opts
	}
	opts.Stats = transmit.MultiStats(d.classifier, d.collector.ChunkRecorder(direction))
	opts.Observers = []protocol.Observer{d.collector.StateObserver()}
	return opts
}

// AdvertiseURL returns the URL peers reach this daemon at.
func (d *Daemon) AdvertiseURL() string { return d.advertiseURL }

// Counts reports the transfers in the transmission table.
func (d *Daemon) Counts() (sending, receiving int) {
	return d.orch.Counts()
}

func (d *Daemon) status() (int, []string) {
	sending, receiving := d.orch.Counts()
	return sending + receiving, d.registry.Names()
}

// Serve answers peers until ctx is cancelled, then shuts down.
func (d *Daemon) Serve(ctx context.Context) error {
	if d.collector != nil {
		go d.collector.Run(ctx, collectInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Serve(d.listener)
	}()

	select {
	case err := <-errCh:
		d.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("rpc server shutdown")
	}
	d.Close()
	return <-errCh
}

// Send pushes src on this host to dest on peer.
func (d *Daemon) Send(ctx context.Context, job *proto.Job, peer string) (proto.TransmitState, error) {
	peerURL, err := d.resolver.Resolve(ctx, peer)
	if err != nil {
		return proto.StateFailure, err
	}
	job = job.Clone()
	d.cfg.Transfer.ApplyTo(job)
	return d.negotiator.Send(ctx, job, peerURL)
}

// Receive pulls src on peer to dest on this host. An empty peer fetches
// job.SrcName directly, without a daemon on the other side.
func (d *Daemon) Receive(ctx context.Context, job *proto.Job, peer string) (proto.TransmitState, error) {
	var peerURL string
	if peer != "" {
		var err error
		if peerURL, err = d.resolver.Resolve(ctx, peer); err != nil {
			return proto.StateFailure, err
		}
	}
	job = job.Clone()
	d.cfg.Transfer.ApplyTo(job)
	return d.negotiator.Receive(ctx, job, peerURL)
}

// BeginRemote asks the daemon at peer to start a transfer of its own.
func (d *Daemon) BeginRemote(ctx context.Context, peer string, req *proto.BeginTransferRequest) error {
	peerURL, err := d.resolver.Resolve(ctx, peer)
	if err != nil {
		return err
	}
	code, err := d.client.BeginTransfer(ctx, peerURL, req)
	if err != nil {
		return err
	}
	if code != proto.OK {
		return code
	}
	return nil
}

// Close stops background transfers and releases listeners. It is safe to
// call more than once.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		if d.negotiator != nil {
			d.negotiator.Close()
		}
		if d.registry != nil {
			if err := d.registry.Close(); err != nil {
				log.Debug().Err(err).Msg("close transports")
			}
		}
		if d.listener != nil {
			if err := d.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("close listener")
			}
		}
		if d.recorder != nil {
			d.recorder.Stop()
		}
		if d.classifier != nil {
			if err := d.classifier.Save(); err != nil {
				log.Warn().Err(err).Msg("save classifier stats")
			}
		}
	})
}

// advertiseURL replaces a zero port in the configured URL with the bound one.
func advertiseURL(configured string, addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return configured
	}
	u, err := url.Parse(configured)
	if err != nil || u.Port() != "0" {
		return configured
	}
	u.Host = net.JoinHostPort(u.Hostname(), fmt.Sprint(tcp.Port))
	return u.String()
}
