// Package http implements the http protocol: the sender publishes its
// chunk directory on the daemon's chunk server and the receiver fetches
// chunks from it, or issues Range requests against a plain web server
// when there is no daemon on the other side.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/pkg/proto"
)

// Config holds http transport configuration.
type Config struct {
	Server  *ChunkServer
	Tickets *transport.Tickets
	Client  *nethttp.Client
}

// Transport implements the http protocol.
type Transport struct {
	server  *ChunkServer
	tickets *transport.Tickets
	client  *nethttp.Client
}

// New creates a new http transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Server == nil {
		return nil, fmt.Errorf("chunk server is required")
	}
	if cfg.Tickets == nil {
		return nil, fmt.Errorf("tickets are required")
	}
	client := cfg.Client
	if client == nil {
		client = &nethttp.Client{Timeout: 60 * time.Second}
	}
	return &Transport{
		server:  cfg.Server,
		tickets: cfg.Tickets,
		client:  client,
	}, nil
}

func (t *Transport) Name() string { return transport.ProtocolHTTP }

func (t *Transport) SenderCapabilities() transmit.Capabilities {
	return transmit.Capabilities{Active: false, Chunking: transmit.ChunkingDeterministic}
}

func (t *Transport) ReceiverCapabilities() transmit.Capabilities {
	return transmit.Capabilities{Active: true, Chunking: transmit.ChunkingDeterministic}
}

func (t *Transport) NewSender() transmit.SenderAdapter {
	return &sender{server: t.server}
}

func (t *Transport) NewReceiver() transmit.ReceiverAdapter {
	return &receiver{client: t.client}
}

// ConnectAttrs hands the receiver a ticket for this daemon's chunk server.
func (t *Transport) ConnectAttrs(xmitID string, role transport.Role) (map[string]string, error) {
	if role != transport.RoleSender {
		return nil, nil
	}
	ticket, err := t.tickets.Issue(xmitID)
	if err != nil {
		return nil, err
	}
	return map[string]string{transport.AttrTicket: ticket}, nil
}

func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func xmitIDOf(job *proto.Job, attrs map[string]string) string {
	if id := attrs[proto.AttrXmitID]; id != "" {
		return id
	}
	return job.XmitID()
}

// sender is passive: chunks are served from the published chunk directory.
type sender struct {
	server *ChunkServer
	job    *proto.Job
	xmitID string
}

func (s *sender) Name() string { return transport.ProtocolHTTP }

func (s *sender) Capabilities() transmit.Capabilities {
	return transmit.Capabilities{Active: false, Chunking: transmit.ChunkingDeterministic}
}

func (s *sender) SendJob(_ context.Context, job *proto.Job) error {
	s.job = job
	return nil
}

func (s *sender) AwaitReceiver(_ context.Context, attrs map[string]string) error {
	s.xmitID = xmitIDOf(s.job, attrs)
	return nil
}

func (s *sender) OpenConnection(context.Context, *proto.Job) error {
	if s.job.ChunkDir == "" {
		return fmt.Errorf("%w: no chunk dir to publish", proto.Inval)
	}
	s.server.Publish(s.xmitID, s.job.ChunkDir)
	return nil
}

// SendChunk has nothing to do: the receiver fetches published chunks.
func (s *sender) SendChunk(context.Context, transmit.Chunk) (bool, error) {
	return false, nil
}

func (s *sender) Close() error {
	if s.xmitID != "" {
		s.server.Unpublish(s.xmitID)
	}
	return nil
}

// receiver fetches chunks, either from the peer daemon's chunk server or
// with Range requests against the source URL.
type receiver struct {
	client *nethttp.Client
	job    *proto.Job

	baseURL string
	xmitID  string
	ticket  string

	// Direct downloads without a daemon on the other side.
	sourceURL string
	ranges    bool
}

func (r *receiver) Name() string { return transport.ProtocolHTTP }

func (r *receiver) Capabilities() transmit.Capabilities {
	return transmit.Capabilities{Active: true, Chunking: transmit.ChunkingDeterministic}
}

func (r *receiver) RecvJob(_ context.Context, job *proto.Job) error {
	r.job = job
	return nil
}

func (r *receiver) AwaitSender(ctx context.Context, attrs map[string]string) error {
	if r.job.RemoteDaemon {
		r.baseURL = strings.TrimSuffix(attrs[proto.AttrPeerURL], "/")
		r.ticket = attrs[transport.AttrTicket]
		r.xmitID = xmitIDOf(r.job, attrs)
		if r.baseURL == "" || r.ticket == "" {
			return fmt.Errorf("%w: peer url and ticket are required", proto.NoConnect)
		}
		return r.ping(ctx, nethttp.MethodGet, r.baseURL+"/health")
	}

	u, err := url.Parse(r.job.SrcName)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: source %q is not an http url", proto.NoConnect, r.job.SrcName)
	}
	r.sourceURL = u.String()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodHead, r.sourceURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", proto.NoConnect, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return mapNetError(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode == nethttp.StatusNotFound {
		return fmt.Errorf("%s: %w", r.sourceURL, proto.FileNotFound)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: HEAD %s: status %d", proto.NoConnect, r.sourceURL, resp.StatusCode)
	}
	r.ranges = resp.Header.Get("Accept-Ranges") == "bytes"
	return nil
}

func (r *receiver) ping(ctx context.Context, method, target string) error {
	req, err := nethttp.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", proto.NoConnect, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return mapNetError(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != nethttp.StatusOK {
		return fmt.Errorf("%w: %s %s: status %d", proto.NoConnect, method, target, resp.StatusCode)
	}
	return nil
}

func (r *receiver) OpenConnection(context.Context, *proto.Job) error {
	return nil
}

func (r *receiver) RecvChunks(ctx context.Context, sink transmit.Sink, want []int) error {
	if !r.job.RemoteDaemon && (!r.job.KnownSize() || !r.ranges) {
		return r.download(ctx, sink)
	}

	var errs []error
	for _, id := range want {
		var err error
		if r.job.RemoteDaemon {
			err = r.fetchChunk(ctx, sink, id)
		} else {
			err = r.fetchRange(ctx, sink, id)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *receiver) fetchChunk(ctx context.Context, sink transmit.Sink, id int) error {
	target := fmt.Sprintf("%s%s%s/%d", r.baseURL, ChunkPath, url.PathEscape(r.xmitID), id)
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", proto.Inval, err)
	}
	req.Header.Set("Authorization", "Bearer "+r.ticket)

	resp, err := r.client.Do(req)
	if err != nil {
		return mapNetError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != nethttp.StatusOK {
		return statusError(resp, id)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read chunk %d: %w: %v", id, proto.IOError, err)
	}
	return sink.AddChunk(id, data)
}

func (r *receiver) fetchRange(ctx context.Context, sink transmit.Sink, id int) error {
	start := int64(id) * r.job.ChunkSize
	if start >= r.job.FileSize {
		return proto.EOF
	}
	end := min(start+r.job.ChunkSize, r.job.FileSize) - 1

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, r.sourceURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", proto.Inval, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := r.client.Do(req)
	if err != nil {
		return mapNetError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read chunk %d: %w: %v", id, proto.IOError, err)
		}
		return sink.AddChunk(id, data)
	case nethttp.StatusOK:
		// The server ignored the Range header and is sending everything.
		r.ranges = false
		return r.saveWhole(resp.Body, sink)
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return proto.EOF
	default:
		return statusError(resp, id)
	}
}

// download fetches the whole source file and hands it over in one piece.
func (r *receiver) download(ctx context.Context, sink transmit.Sink) error {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, r.sourceURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", proto.Inval, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return mapNetError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != nethttp.StatusOK {
		return statusError(resp, -1)
	}
	return r.saveWhole(resp.Body, sink)
}

func (r *receiver) saveWhole(body io.Reader, sink transmit.Sink) error {
	dir := r.job.ChunkDir
	if dir == "" {
		dir = filepath.Dir(r.job.DestName)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create download dir: %w: %v", proto.IOError, err)
	}
	f, err := os.CreateTemp(dir, ".xferd-download-*")
	if err != nil {
		return fmt.Errorf("create download file: %w: %v", proto.IOError, err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("download %s: %w: %v", r.sourceURL, proto.IOError, err)
	}

	log.Debug().
		Str("url", r.sourceURL).
		Int64("bytes", n).
		Msg("downloaded whole file")
	if err := sink.WholeFile(f.Name()); err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	return nil
}

func (r *receiver) Close() error {
	return nil
}

// statusError maps an HTTP error response onto a code.
func statusError(resp *nethttp.Response, id int) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var code proto.Code
	switch resp.StatusCode {
	case nethttp.StatusNotFound:
		code = proto.NoData
	case nethttp.StatusUnauthorized, nethttp.StatusForbidden:
		code = proto.NoConnect
	case nethttp.StatusServiceUnavailable, nethttp.StatusTooManyRequests:
		code = proto.TryAgain
	default:
		code = proto.Failure
	}
	return fmt.Errorf("chunk %s: %w: status %d: %s", chunkLabel(id), code, resp.StatusCode, strings.TrimSpace(string(body)))
}

func chunkLabel(id int) string {
	if id < 0 {
		return "whole"
	}
	return strconv.Itoa(id)
}

// mapNetError maps a client error onto a code.
func mapNetError(err error) error {
	switch {
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
