package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog/log"
	gossh "golang.org/x/crypto/ssh"

	"github.com/xferd/xferd/internal/chunkstore"
)

// PutCommand is the exec command that stores one chunk:
// "xferd-put <xmit> <id>" with the chunk payload on stdin.
const PutCommand = "xferd-put"

// maxChunkBytes caps the payload accepted per put.
const maxChunkBytes = 64 << 20

// Exit statuses reported for a put.
const (
	exitOK       = 0
	exitUsage    = 1
	exitNoXmit   = 2
	exitIOError  = 3
	exitTooLarge = 4
)

// Server is the embedded SSH server that receives chunk files.
type Server struct {
	config         *gossh.ServerConfig
	hostKey        gossh.Signer
	authorizedKeys []gossh.PublicKey
	keysMu         sync.RWMutex

	fs   billy.Filesystem
	mu   sync.RWMutex
	dirs map[string]string

	listener net.Listener
	conns    map[*gossh.ServerConn]struct{}
	connsMu  sync.Mutex
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewServer creates a new SSH chunk server writing into fs.
func NewServer(hostKey gossh.Signer, authorizedKeys []gossh.PublicKey, fs billy.Filesystem) *Server {
	s := &Server{
		hostKey:        hostKey,
		authorizedKeys: authorizedKeys,
		fs:             fs,
		dirs:           make(map[string]string),
		conns:          make(map[*gossh.ServerConn]struct{}),
	}

	config := &gossh.ServerConfig{
		PublicKeyCallback: func(_ gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			s.keysMu.RLock()
			defer s.keysMu.RUnlock()

			keyBytes := key.Marshal()
			for _, authorized := range s.authorizedKeys {
				if string(keyBytes) == string(authorized.Marshal()) {
					return &gossh.Permissions{
						Extensions: map[string]string{
							"pubkey-fp": gossh.FingerprintSHA256(key),
						},
					}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostKey)
	s.config = config

	return s
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() gossh.PublicKey {
	return s.hostKey.PublicKey()
}

// AddAuthorizedKey adds a public key to the authorized keys.
func (s *Server) AddAuthorizedKey(key gossh.PublicKey) {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	// Check if key already exists
	keyBytes := key.Marshal()
	for _, existing := range s.authorizedKeys {
		if string(existing.Marshal()) == string(keyBytes) {
			return // Already authorized
		}
	}

	s.authorizedKeys = append(s.authorizedKeys, key)
	log.Debug().
		Str("fingerprint", gossh.FingerprintSHA256(key)).
		Msg("authorized key added")
}

// Register routes puts for a transfer into dir.
func (s *Server) Register(xmitID, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[xmitID] = dir
}

// Unregister stops accepting puts for a transfer.
func (s *Server) Unregister(xmitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirs, xmitID)
}

func (s *Server) dir(xmitID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dir, ok := s.dirs[xmitID]
	return dir, ok
}

// Listen starts accepting connections on addr.
func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	log.Info().Str("addr", listener.Addr().String()).Msg("ssh chunk server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the listening port, or 0 before Listen.
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.closed.Load() {
				log.Warn().Err(err).Msg("ssh accept failed")
			}
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sshConn, chans, reqs, err := gossh.NewServerConn(conn, s.config)
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("SSH handshake failed")
		_ = conn.Close()
		return
	}

	s.connsMu.Lock()
	s.conns[sshConn] = struct{}{}
	s.connsMu.Unlock()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, sshConn)
		s.connsMu.Unlock()
		_ = sshConn.Close()
	}()

	go gossh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(gossh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Debug().Err(err).Msg("failed to accept channel")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleSession(channel, requests)
		}()
	}
}

func (s *Server) handleSession(channel gossh.Channel, requests <-chan *gossh.Request) {
	defer func() { _ = channel.Close() }()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := gossh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)

		status := s.put(payload.Command, channel)
		exit := gossh.Marshal(struct{ Status uint32 }{uint32(status)})
		_, _ = channel.SendRequest("exit-status", false, exit)
		return
	}
}

// put runs one put command and returns its exit status.
func (s *Server) put(command string, stdin io.Reader) int {
	fields := strings.Fields(command)
	if len(fields) != 3 || fields[0] != PutCommand {
		return exitUsage
	}
	xmitID := fields[1]
	id, err := strconv.Atoi(fields[2])
	if err != nil || id < 0 {
		return exitUsage
	}

	dir, ok := s.dir(xmitID)
	if !ok {
		return exitNoXmit
	}

	data, err := io.ReadAll(io.LimitReader(stdin, maxChunkBytes+1))
	if err != nil {
		return exitIOError
	}
	if len(data) > maxChunkBytes {
		return exitTooLarge
	}

	if err := chunkstore.WriteChunkFile(s.fs, dir, id, data); err != nil {
		log.Warn().Err(err).Str("xmit", xmitID).Int("chunk", id).Msg("failed to store chunk")
		return exitIOError
	}
	log.Trace().Str("xmit", xmitID).Int("chunk", id).Int("bytes", len(data)).Msg("chunk put")
	return exitOK
}

// Close stops the server and waits for open sessions.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
