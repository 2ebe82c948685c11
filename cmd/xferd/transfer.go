package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/xferd/xferd/internal/config"
	"github.com/xferd/xferd/internal/daemon"
	"github.com/xferd/xferd/internal/discovery"
	"github.com/xferd/xferd/internal/rpc"
	"github.com/xferd/xferd/pkg/bytesize"
	"github.com/xferd/xferd/pkg/proto"
)

// transferFlags are shared by send and recv.
type transferFlags struct {
	chunkSize string
	timeout   time.Duration
	listen    string
	advertise string
	useDaemon bool
}

func (f *transferFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.chunkSize, "chunk-size", "", "chunk size (e.g. 64KB, 1MB)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "overall transfer timeout")
	cmd.Flags().StringVar(&f.listen, "listen", "", "listen address for this transfer (default: config host, random port)")
	cmd.Flags().StringVar(&f.advertise, "advertise", "", "URL the peer reaches this transfer at")
	cmd.Flags().BoolVar(&f.useDaemon, "daemon", false, "hand the transfer to the local xferd daemon")
}

// job builds the transfer job with the command line overrides.
func (f *transferFlags) job(src, dest string) (*proto.Job, error) {
	job := proto.NewJob(src, dest)
	if f.chunkSize != "" {
		size, err := bytesize.Parse(f.chunkSize)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk size: %w", err)
		}
		if size <= 0 {
			return nil, fmt.Errorf("chunk size must be positive")
		}
		job.ChunkSize = size
	}
	if f.timeout > 0 {
		job.TransferTimeout = f.timeout
	}
	return job, nil
}

func newSendCmd() *cobra.Command {
	var flags transferFlags
	cmd := &cobra.Command{
		Use:   "send <file> <peer> <dest-path>",
		Short: "Send a local file to a peer",
		Long: `Send a local file to the xferd daemon at <peer>.

The peer is a URL, a host:port, or a bare host name that is looked up
through DNS SRV records when discovery is enabled.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(src); err != nil {
				return err
			}
			job, err := flags.job(src, args[2])
			if err != nil {
				return err
			}
			return runTransfer(cmd, &flags, job, args[1], true)
		},
	}
	flags.register(cmd)
	return cmd
}

func newRecvCmd() *cobra.Command {
	var flags transferFlags
	var direct bool
	cmd := &cobra.Command{
		Use:   "recv <peer> <src-path> <dest-path>",
		Short: "Receive a file from a peer",
		Long: `Receive <src-path> from the xferd daemon at <peer> into <dest-path>.

With --direct the arguments are <url> <dest-path> and the file is fetched
from a plain HTTP server with range requests.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if direct {
				return cobra.ExactArgs(2)(cmd, args)
			}
			return cobra.ExactArgs(3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, src, dest := "", args[0], args[1]
			if !direct {
				peer, src, dest = args[0], args[1], args[2]
			}
			dest, err := filepath.Abs(dest)
			if err != nil {
				return err
			}
			job, err := flags.job(src, dest)
			if err != nil {
				return err
			}
			if direct && flags.useDaemon {
				return fmt.Errorf("--direct and --daemon cannot be combined")
			}
			return runTransfer(cmd, &flags, job, peer, false)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&direct, "direct", false, "fetch from a plain HTTP URL without a peer daemon")
	return cmd
}

func runTransfer(cmd *cobra.Command, flags *transferFlags, job *proto.Job, peer string, sending bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closer := setupLogging(cfg)
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.useDaemon {
		return delegate(ctx, cmd, cfg, job, peer, sending)
	}

	transientConfig(cfg, flags)
	start := time.Now()
	state, err := runTransient(ctx, cfg, job, peer, sending)
	if err != nil {
		return err
	}
	if state != proto.StateSuccess {
		return fmt.Errorf("transfer %s", state)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s: done in %s\n",
		job.SrcName, job.DestName, time.Since(start).Round(time.Millisecond))
	return nil
}

// transientConfig adapts the daemon config for a one-shot transfer that may
// run next to a long-lived daemon on the same host.
func transientConfig(cfg *config.Config, flags *transferFlags) {
	if flags.listen != "" {
		cfg.Listen = flags.listen
	} else {
		cfg.Listen = withPort(cfg.Listen, "0")
	}
	cfg.Protocols.SSH.Listen = withPort(cfg.Protocols.SSH.Listen, "0")

	if flags.advertise != "" {
		cfg.AdvertiseURL = flags.advertise
		return
	}
	if u, err := url.Parse(cfg.AdvertiseURL); err == nil && u.Host != "" {
		_, port, _ := net.SplitHostPort(cfg.Listen)
		u.Host = net.JoinHostPort(u.Hostname(), port)
		cfg.AdvertiseURL = u.String()
	}
}

func withPort(addr, port string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, port)
}

// runTransient runs an in-process daemon for the duration of one transfer.
func runTransient(ctx context.Context, cfg *config.Config, job *proto.Job, peer string, sending bool) (proto.TransmitState, error) {
	d, err := daemon.New(daemon.Options{Config: cfg, Version: Version})
	if err != nil {
		return proto.StateFailure, err
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(serveCtx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			log.Warn().Err(err).Msg("transfer daemon stopped with error")
		}
	}()

	if sending {
		return d.Send(ctx, job, peer)
	}
	return d.Receive(ctx, job, peer)
}

// delegate hands the transfer to the daemon running on this host.
func delegate(ctx context.Context, cmd *cobra.Command, cfg *config.Config, job *proto.Job, peer string, sending bool) error {
	resolver := discovery.New(discovery.Config{
		Enabled:     cfg.Discovery.Enabled,
		Server:      cfg.Discovery.Server,
		DefaultPort: cfg.Discovery.DefaultPort,
	})
	peerURL, err := resolver.Resolve(ctx, peer)
	if err != nil {
		return err
	}

	cfg.Transfer.ApplyTo(job)
	req := &proto.BeginTransferRequest{
		Job:        job,
		IsSender:   sending,
		IsReceiver: !sending,
		RemoteURL:  peerURL,
	}
	if job.TransferTimeout > 0 {
		req.Timeout = job.TransferTimeout.Milliseconds()
	}

	client := rpc.NewClient(cfg.AuthToken, rpc.DefaultTimeout)
	code, err := client.BeginTransfer(ctx, cfg.AdvertiseURL, req)
	if err != nil {
		return fmt.Errorf("contact local daemon at %s: %w", cfg.AdvertiseURL, err)
	}
	if code == proto.TryAgain {
		return errors.New("local daemon is busy, try again later")
	}
	if code != proto.OK {
		return code
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "transfer of %s queued on %s\n", job.SrcName, cfg.AdvertiseURL)
	return nil
}
