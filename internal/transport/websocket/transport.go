// Package websocket implements the websocket protocol: the sender pushes
// chunk frames over a stream to the receiving daemon's hub, which routes
// them to the receiver instance for the transfer.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/pkg/proto"
)

// pollWait bounds how long a receiver waits for a frame per call.
const pollWait = 100 * time.Millisecond

// Config holds websocket transport configuration.
type Config struct {
	Hub      *Hub
	Tickets  *transport.Tickets
	Compress bool
	Dialer   *websocket.Dialer
}

// Transport implements the websocket protocol.
type Transport struct {
	hub      *Hub
	tickets  *transport.Tickets
	compress bool
	dialer   *websocket.Dialer
	codec    *codec
}

// New creates a new websocket transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if cfg.Tickets == nil {
		return nil, fmt.Errorf("tickets are required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			WriteBufferSize:  65536,
		}
	}
	return &Transport{
		hub:      cfg.Hub,
		tickets:  cfg.Tickets,
		compress: cfg.Compress,
		dialer:   dialer,
		codec:    newCodec(),
	}, nil
}

func (t *Transport) Name() string { return transport.ProtocolWebSocket }

func (t *Transport) SenderCapabilities() transmit.Capabilities {
	return transmit.Capabilities{
		Active:   true,
		Chunking: transmit.ChunkingDeterministic,
		Requires: []string{proto.AttrPeerURL, transport.AttrTicket},
	}
}

func (t *Transport) ReceiverCapabilities() transmit.Capabilities {
	return transmit.Capabilities{Active: false, Chunking: transmit.ChunkingNondeterministic}
}

func (t *Transport) NewSender() transmit.SenderAdapter {
	return &sender{t: t}
}

func (t *Transport) NewReceiver() transmit.ReceiverAdapter {
	return &receiver{hub: t.hub}
}

// ConnectAttrs hands the sender a ticket for this daemon's hub.
func (t *Transport) ConnectAttrs(xmitID string, role transport.Role) (map[string]string, error) {
	if role != transport.RoleReceiver {
		return nil, nil
	}
	ticket, err := t.tickets.Issue(xmitID)
	if err != nil {
		return nil, err
	}
	return map[string]string{transport.AttrTicket: ticket}, nil
}

func (t *Transport) Close() error {
	return t.hub.Close()
}

func xmitIDOf(job *proto.Job, attrs map[string]string) string {
	if id := attrs[proto.AttrXmitID]; id != "" {
		return id
	}
	return job.XmitID()
}

// streamURL turns a daemon base URL into the stream URL for a transfer.
func streamURL(base, xmitID string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += StreamPath + url.PathEscape(xmitID)
	return u.String(), nil
}

// sender pushes chunks over one stream and waits for an ack per chunk.
type sender struct {
	t   *Transport
	job *proto.Job

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *sender) Name() string { return transport.ProtocolWebSocket }

func (s *sender) Capabilities() transmit.Capabilities {
	return s.t.SenderCapabilities()
}

func (s *sender) SendJob(_ context.Context, job *proto.Job) error {
	s.job = job
	return nil
}

// AwaitReceiver dials the receiving daemon's hub.
func (s *sender) AwaitReceiver(ctx context.Context, attrs map[string]string) error {
	target, err := streamURL(attrs[proto.AttrPeerURL], xmitIDOf(s.job, attrs))
	if err != nil {
		return fmt.Errorf("%w: %v", proto.NoConnect, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+attrs[transport.AttrTicket])
	conn, resp, err := s.t.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return mapNetError(err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	log.Debug().Str("url", target).Msg("chunk stream connected")
	return nil
}

func (s *sender) OpenConnection(context.Context, *proto.Job) error {
	return nil
}

func (s *sender) SendChunk(ctx context.Context, c transmit.Chunk) (bool, error) {
	if c.Whole {
		return false, fmt.Errorf("%w: websocket sends chunks only", proto.NotImplemented)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return false, proto.NoConnect
	}

	deadline := time.Now().Add(s.job.ChunkTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buf := s.t.codec.encode(c.ID, c.Data, s.t.compress)
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return false, mapNetError(err)
	}

	// Acks arrive in order; a stale ack from a timed out chunk is skipped.
	_ = s.conn.SetReadDeadline(deadline)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return false, mapNetError(err)
		}
		var a ack
		if err := json.Unmarshal(data, &a); err != nil {
			return false, fmt.Errorf("%w: bad ack: %v", proto.Failure, err)
		}
		if a.ID != c.ID {
			continue
		}
		return false, proto.ErrOf(a.Code)
	}
}

func (s *sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}

// receiver drains the hub inbox registered for its transfer.
type receiver struct {
	hub    *Hub
	job    *proto.Job
	xmitID string
	inbox  <-chan frame
}

func (r *receiver) Name() string { return transport.ProtocolWebSocket }

func (r *receiver) Capabilities() transmit.Capabilities {
	return transmit.Capabilities{Active: false, Chunking: transmit.ChunkingNondeterministic}
}

func (r *receiver) RecvJob(_ context.Context, job *proto.Job) error {
	r.job = job
	return nil
}

func (r *receiver) AwaitSender(_ context.Context, attrs map[string]string) error {
	r.xmitID = xmitIDOf(r.job, attrs)
	return nil
}

func (r *receiver) OpenConnection(context.Context, *proto.Job) error {
	r.inbox = r.hub.Register(r.xmitID)
	return nil
}

// RecvChunks stores whatever frames have arrived; want is ignored.
func (r *receiver) RecvChunks(ctx context.Context, sink transmit.Sink, _ []int) error {
	timer := time.NewTimer(pollWait)
	defer timer.Stop()

	var f frame
	select {
	case f = <-r.inbox:
	case <-timer.C:
		return proto.TryAgain
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for {
		err := sink.AddChunk(f.id, f.data)
		f.result <- err
		if err != nil {
			errs = append(errs, err)
		}

		select {
		case f = <-r.inbox:
		default:
			return errors.Join(errs...)
		}
	}
}

func (r *receiver) Close() error {
	if r.inbox != nil {
		r.hub.Unregister(r.xmitID)
	}
	return nil
}

func mapNetError(err error) error {
	switch {
	case errors.Is(err, websocket.ErrBadHandshake):
		return fmt.Errorf("%w: %v", proto.NoConnect, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", proto.Timeout, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", proto.NoConnect, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", proto.Timeout, err)
	}
	return fmt.Errorf("%w: %v", proto.NoConnect, err)
}
