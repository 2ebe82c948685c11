// Package ssh implements the ssh protocol: the sender runs one exec session
// per chunk against the receiving daemon's embedded SSH server, which drops
// the chunk into the transfer's receive directory for the receiver to pick up.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog/log"
	gossh "golang.org/x/crypto/ssh"

	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/pkg/proto"
)

// Connect attributes used by the ssh protocol.
const (
	AttrPort      = "ssh_port"
	AttrHost      = "ssh_host"
	AttrHostKey   = "ssh_host_key"
	AttrClientKey = "ssh_client_key"
)

// pollWait bounds how long a receiver waits for a chunk file per call.
const pollWait = 100 * time.Millisecond

// DefaultUser is the login name used by senders.
const DefaultUser = "xferd"

// Config holds SSH transport configuration.
type Config struct {
	Server       *Server
	ClientSigner gossh.Signer
	User         string
	// FS is the filesystem receive directories live on.
	FS billy.Filesystem
}

// Transport implements the ssh protocol.
type Transport struct {
	server *Server
	signer gossh.Signer
	user   string
	fs     billy.Filesystem
}

// New creates a new SSH transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Server == nil {
		return nil, fmt.Errorf("ssh server is required")
	}
	if cfg.ClientSigner == nil {
		return nil, fmt.Errorf("client signer is required")
	}
	if cfg.FS == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	user := cfg.User
	if user == "" {
		user = DefaultUser
	}
	return &Transport{
		server: cfg.Server,
		signer: cfg.ClientSigner,
		user:   user,
		fs:     cfg.FS,
	}, nil
}

func (t *Transport) Name() string { return transport.ProtocolSSH }

func (t *Transport) SenderCapabilities() transmit.Capabilities {
	return transmit.Capabilities{
		Active:   true,
		Chunking: transmit.ChunkingDeterministic,
		Requires: []string{proto.AttrPeerURL, AttrPort, AttrHostKey},
	}
}

func (t *Transport) ReceiverCapabilities() transmit.Capabilities {
	return transmit.Capabilities{Active: false, Chunking: transmit.ChunkingNondeterministic}
}

func (t *Transport) NewSender() transmit.SenderAdapter {
	return &sender{t: t}
}

func (t *Transport) NewReceiver() transmit.ReceiverAdapter {
	return &receiver{t: t}
}

// ConnectAttrs advertises the server port and host key to senders, and
// the client key to receivers so they can authorize it.
func (t *Transport) ConnectAttrs(_ string, role transport.Role) (map[string]string, error) {
	if role == transport.RoleSender {
		return map[string]string{
			AttrClientKey: string(gossh.MarshalAuthorizedKey(t.signer.PublicKey())),
		}, nil
	}
	if t.server.Port() == 0 {
		return nil, nil
	}
	return map[string]string{
		AttrPort:    strconv.Itoa(t.server.Port()),
		AttrHostKey: string(gossh.MarshalAuthorizedKey(t.server.HostKey())),
	}, nil
}

func (t *Transport) Close() error {
	return t.server.Close()
}

func xmitIDOf(job *proto.Job, attrs map[string]string) string {
	if id := attrs[proto.AttrXmitID]; id != "" {
		return id
	}
	return job.XmitID()
}

// sender runs one put session per chunk.
type sender struct {
	t      *Transport
	job    *proto.Job
	xmitID string
	addr   string
	config *gossh.ClientConfig

	mu     sync.Mutex
	client *gossh.Client
}

func (s *sender) Name() string { return transport.ProtocolSSH }

func (s *sender) Capabilities() transmit.Capabilities {
	return s.t.SenderCapabilities()
}

func (s *sender) SendJob(_ context.Context, job *proto.Job) error {
	s.job = job
	return nil
}

func (s *sender) AwaitReceiver(_ context.Context, attrs map[string]string) error {
	s.xmitID = xmitIDOf(s.job, attrs)

	host := attrs[AttrHost]
	if host == "" {
		u, err := url.Parse(attrs[proto.AttrPeerURL])
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("%w: bad peer url %q", proto.NoConnect, attrs[proto.AttrPeerURL])
		}
		host = u.Hostname()
	}
	s.addr = net.JoinHostPort(host, attrs[AttrPort])

	hostKey, _, _, _, err := gossh.ParseAuthorizedKey([]byte(attrs[AttrHostKey]))
	if err != nil {
		return fmt.Errorf("%w: bad host key: %v", proto.NoConnect, err)
	}

	s.config = &gossh.ClientConfig{
		User: s.t.user,
		Auth: []gossh.AuthMethod{
			gossh.PublicKeys(s.t.signer),
		},
		HostKeyCallback: gossh.FixedHostKey(hostKey),
		Timeout:         s.job.ConnectTimeout,
	}
	return nil
}

// OpenConnection dials the receiver's SSH server.
func (s *sender) OpenConnection(ctx context.Context, _ *proto.Job) error {
	// SSH dial doesn't support context directly, so we use a goroutine
	type result struct {
		client *gossh.Client
		err    error
	}
	ch := make(chan result, 1)

	go func() {
		client, err := gossh.Dial("tcp", s.addr, s.config)
		ch <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return fmt.Errorf("%w: dial %s: %v", proto.Timeout, s.addr, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%w: dial %s: %v", proto.NoConnect, s.addr, r.err)
		}
		s.mu.Lock()
		s.client = r.client
		s.mu.Unlock()
		log.Debug().Str("addr", s.addr).Msg("SSH connection established")
		return nil
	}
}

func (s *sender) SendChunk(ctx context.Context, c transmit.Chunk) (bool, error) {
	if c.Whole {
		return false, fmt.Errorf("%w: ssh sends chunks only", proto.NotImplemented)
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return false, proto.NoConnect
	}

	session, err := client.NewSession()
	if err != nil {
		return false, fmt.Errorf("%w: new session: %v", proto.NoConnect, err)
	}
	defer func() { _ = session.Close() }()

	session.Stdin = bytes.NewReader(c.Data)
	done := make(chan error, 1)
	go func() {
		done <- session.Run(fmt.Sprintf("%s %s %d", PutCommand, s.xmitID, c.ID))
	}()

	timer := time.NewTimer(s.job.ChunkTimeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		return false, fmt.Errorf("chunk %d: %w", c.ID, proto.Timeout)
	case <-ctx.Done():
		return false, ctx.Err()
	}

	var exitErr *gossh.ExitError
	if errors.As(err, &exitErr) {
		return false, fmt.Errorf("chunk %d: %w", c.ID, exitCode(exitErr.ExitStatus()))
	}
	if err != nil {
		return false, fmt.Errorf("chunk %d: %w: %v", c.ID, proto.NoConnect, err)
	}
	return false, nil
}

func exitCode(status int) proto.Code {
	switch status {
	case exitNoXmit:
		return proto.NoConnect
	case exitIOError:
		return proto.IOError
	case exitTooLarge:
		return proto.Overflow
	case exitUsage:
		return proto.Inval
	default:
		return proto.Failure
	}
}

func (s *sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// receiver picks up the chunk files the server drops into its directory.
type receiver struct {
	t       *Transport
	job     *proto.Job
	xmitID  string
	dir     string
	watcher *fsnotify.Watcher
}

func (r *receiver) Name() string { return transport.ProtocolSSH }

func (r *receiver) Capabilities() transmit.Capabilities {
	return transmit.Capabilities{Active: false, Chunking: transmit.ChunkingNondeterministic}
}

func (r *receiver) RecvJob(_ context.Context, job *proto.Job) error {
	r.job = job
	return nil
}

// AwaitSender authorizes the sender's client key when it sent one.
func (r *receiver) AwaitSender(_ context.Context, attrs map[string]string) error {
	r.xmitID = xmitIDOf(r.job, attrs)
	if raw := attrs[AttrClientKey]; raw != "" {
		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(raw))
		if err != nil {
			return fmt.Errorf("%w: bad client key: %v", proto.Inval, err)
		}
		r.t.server.AddAuthorizedKey(key)
	}
	return nil
}

// OpenConnection registers the receive directory and starts watching it.
func (r *receiver) OpenConnection(context.Context, *proto.Job) error {
	if r.job.ChunkDir == "" {
		return fmt.Errorf("%w: no receive dir", proto.Inval)
	}
	r.dir = r.job.ChunkDir
	if err := r.t.fs.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("create receive dir: %w: %v", proto.IOError, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug().Err(err).Msg("fsnotify unavailable, scanning instead")
	} else if err := watcher.Add(r.t.fs.Join(r.t.fs.Root(), r.dir)); err != nil {
		log.Debug().Err(err).Str("dir", r.dir).Msg("cannot watch receive dir, scanning instead")
		_ = watcher.Close()
	} else {
		r.watcher = watcher
	}

	r.t.server.Register(r.xmitID, r.dir)
	return nil
}

// RecvChunks waits for a change in the receive directory, then hands over
// every complete chunk file found in it.
func (r *receiver) RecvChunks(ctx context.Context, sink transmit.Sink, _ []int) error {
	ids, err := chunkstore.ListChunkFiles(r.t.fs, r.dir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		if err := r.wait(ctx); err != nil {
			return err
		}
		ids, err = chunkstore.ListChunkFiles(r.t.fs, r.dir)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return proto.TryAgain
		}
	}

	var errs []error
	for _, id := range ids {
		path := r.t.fs.Join(r.t.fs.Root(), chunkstore.ChunkFileName(r.dir, id))
		if err := sink.AddFile(id, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *receiver) wait(ctx context.Context) error {
	timer := time.NewTimer(pollWait)
	defer timer.Stop()

	var events chan fsnotify.Event
	if r.watcher != nil {
		events = r.watcher.Events
	}
	select {
	case <-events:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (r *receiver) Close() error {
	if r.dir != "" {
		r.t.server.Unregister(r.xmitID)
	}
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
