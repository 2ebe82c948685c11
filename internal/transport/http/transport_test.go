package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/pkg/proto"
	"github.com/xferd/xferd/testutil"
)

// recordingSink collects what a receiver adapter delivers.
type recordingSink struct {
	mu     sync.Mutex
	chunks map[int][]byte
	whole  string
	data   []byte
}

func newRecordingSink() *recordingSink {
	return &recordingSink{chunks: make(map[int][]byte)}
}

func (s *recordingSink) AddChunk(id int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[id] = data
	return nil
}

func (s *recordingSink) AddFile(id int, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return s.AddChunk(id, data)
}

func (s *recordingSink) WholeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whole = path
	s.data = data
	return nil
}

func (s *recordingSink) Finish(error) {}

type peer struct {
	server  *httptest.Server
	chunks  *ChunkServer
	tickets *transport.Tickets
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	tickets, err := transport.NewTickets([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	fs := memfs.New()
	cs := NewChunkServer(fs, tickets)
	require.NoError(t, chunkstore.WriteChunkFile(fs, "/chunks/file.abc", 0, []byte("first")))
	require.NoError(t, chunkstore.WriteChunkFile(fs, "/chunks/file.abc", 1, []byte("second")))

	mux := nethttp.NewServeMux()
	mux.Handle(ChunkPath, cs)
	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &peer{server: srv, chunks: cs, tickets: tickets}
}

func TestChunkServer_RequiresTicket(t *testing.T) {
	p := newPeer(t)
	p.chunks.Publish("x1", "/chunks/file.abc")

	resp, err := nethttp.Get(p.server.URL + ChunkPath + "x1/0")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)

	other, err := p.tickets.Issue("x2")
	require.NoError(t, err)
	req, _ := nethttp.NewRequest(nethttp.MethodGet, p.server.URL+ChunkPath+"x1/0", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	resp, err = nethttp.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
}

func TestChunkServer_BadPaths(t *testing.T) {
	p := newPeer(t)
	for _, path := range []string{"x1", "x1/abc", "x1/-1", "x1/0/extra"} {
		resp, err := nethttp.Get(p.server.URL + ChunkPath + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode, path)
	}
}

func newTransport(t *testing.T, p *peer) *Transport {
	t.Helper()
	tr, err := New(Config{Server: p.chunks, Tickets: p.tickets})
	require.NoError(t, err)
	return tr
}

func TestSenderReceiver_RemoteDaemon(t *testing.T) {
	p := newPeer(t)
	tr := newTransport(t, p)

	job := proto.NewJob("/src/file", "/dst/file")
	job.FileSize = 11
	job.ChunkSize = 5
	job.ChunkDir = "/chunks/file.abc"
	job = job.WithDefaults()
	ctx := context.Background()

	// Sender side publishes the chunk dir
	s := tr.NewSender()
	require.NoError(t, s.SendJob(ctx, job))
	require.NoError(t, s.AwaitReceiver(ctx, map[string]string{proto.AttrXmitID: "x1"}))
	require.NoError(t, s.OpenConnection(ctx, job))
	assert.True(t, p.chunks.Published("x1"))

	attrs, err := tr.ConnectAttrs("x1", transport.RoleSender)
	require.NoError(t, err)
	attrs[proto.AttrPeerURL] = p.server.URL
	attrs[proto.AttrXmitID] = "x1"

	r := tr.NewReceiver().(*receiver)
	require.NoError(t, r.RecvJob(ctx, job))
	require.NoError(t, r.AwaitSender(ctx, attrs))
	require.NoError(t, r.OpenConnection(ctx, job))

	sink := newRecordingSink()
	require.NoError(t, r.RecvChunks(ctx, sink, []int{0, 1}))
	assert.Equal(t, []byte("first"), sink.chunks[0])
	assert.Equal(t, []byte("second"), sink.chunks[1])

	// Chunk 2 was never written
	err = r.RecvChunks(ctx, sink, []int{2})
	assert.ErrorIs(t, err, proto.NoData)

	require.NoError(t, s.Close())
	assert.False(t, p.chunks.Published("x1"))
	err = r.RecvChunks(ctx, sink, []int{0})
	assert.ErrorIs(t, err, proto.NoData)
}

func TestReceiver_MissingTicket(t *testing.T) {
	p := newPeer(t)
	tr := newTransport(t, p)

	job := proto.NewJob("/src/file", "/dst/file").WithDefaults()
	r := tr.NewReceiver()
	require.NoError(t, r.RecvJob(context.Background(), job))
	err := r.AwaitSender(context.Background(), map[string]string{proto.AttrPeerURL: p.server.URL})
	assert.ErrorIs(t, err, proto.NoConnect)
}

func TestReceiver_ConnectionRefused(t *testing.T) {
	p := newPeer(t)
	tr := newTransport(t, p)

	dead := httptest.NewServer(nethttp.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	job := proto.NewJob("/src/file", "/dst/file").WithDefaults()
	r := tr.NewReceiver()
	require.NoError(t, r.RecvJob(context.Background(), job))
	err := r.AwaitSender(context.Background(), map[string]string{
		proto.AttrPeerURL:    deadURL,
		transport.AttrTicket: "t",
	})
	assert.ErrorIs(t, err, proto.NoConnect)
}

func rangeServer(t *testing.T, content []byte, honorRange bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if !honorRange {
			w.Header().Set("Content-Length", fmt.Sprint(len(content)))
			if r.Method == nethttp.MethodGet {
				_, _ = w.Write(content)
			}
			return
		}
		nethttp.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func directJob(t *testing.T, src string, size int) *proto.Job {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	job := proto.NewJob(src, filepath.Join(dir, "out.bin"))
	job.RemoteDaemon = false
	job.FileSize = int64(size)
	job.ChunkSize = 4
	job.ChunkDir = dir
	return job.WithDefaults()
}

func TestReceiver_RangeRequests(t *testing.T) {
	content := []byte("0123456789")
	srv := rangeServer(t, content, true)
	p := newPeer(t)
	tr := newTransport(t, p)
	job := directJob(t, srv.URL+"/file.bin", len(content))
	ctx := context.Background()

	r := tr.NewReceiver().(*receiver)
	require.NoError(t, r.RecvJob(ctx, job))
	require.NoError(t, r.AwaitSender(ctx, nil))
	assert.True(t, r.ranges)

	sink := newRecordingSink()
	require.NoError(t, r.RecvChunks(ctx, sink, []int{0, 1, 2}))
	assert.Equal(t, []byte("0123"), sink.chunks[0])
	assert.Equal(t, []byte("4567"), sink.chunks[1])
	assert.Equal(t, []byte("89"), sink.chunks[2])

	err := r.RecvChunks(ctx, sink, []int{3})
	assert.True(t, errors.Is(err, proto.EOF))
}

func TestReceiver_RangeIgnoredFallsBackToWholeFile(t *testing.T) {
	content := []byte("0123456789")
	srv := rangeServer(t, content, false)
	p := newPeer(t)
	tr := newTransport(t, p)
	job := directJob(t, srv.URL+"/file.bin", len(content))
	ctx := context.Background()

	r := tr.NewReceiver().(*receiver)
	require.NoError(t, r.RecvJob(ctx, job))
	require.NoError(t, r.AwaitSender(ctx, nil))
	assert.False(t, r.ranges)

	sink := newRecordingSink()
	require.NoError(t, r.RecvChunks(ctx, sink, []int{0}))
	assert.Equal(t, content, sink.data)
	assert.Empty(t, sink.chunks)
}

func TestReceiver_UnknownSizeDownloadsWholeFile(t *testing.T) {
	content := []byte("hello world")
	srv := rangeServer(t, content, true)
	p := newPeer(t)
	tr := newTransport(t, p)
	job := directJob(t, srv.URL+"/file.bin", 0)
	ctx := context.Background()

	r := tr.NewReceiver()
	require.NoError(t, r.RecvJob(ctx, job))
	require.NoError(t, r.AwaitSender(ctx, nil))

	sink := newRecordingSink()
	require.NoError(t, r.(*receiver).RecvChunks(ctx, sink, []int{0}))
	assert.Equal(t, content, sink.data)
}

func TestReceiver_DirectRejectsNonHTTPSource(t *testing.T) {
	p := newPeer(t)
	tr := newTransport(t, p)
	job := directJob(t, "/local/path", 10)

	r := tr.NewReceiver()
	require.NoError(t, r.RecvJob(context.Background(), job))
	assert.ErrorIs(t, r.AwaitSender(context.Background(), nil), proto.NoConnect)
}

func TestReceiver_DirectMissingSource(t *testing.T) {
	srv := httptest.NewServer(nethttp.NotFoundHandler())
	t.Cleanup(srv.Close)
	p := newPeer(t)
	tr := newTransport(t, p)
	job := directJob(t, srv.URL+"/missing", 10)

	r := tr.NewReceiver()
	require.NoError(t, r.RecvJob(context.Background(), job))
	assert.ErrorIs(t, r.AwaitSender(context.Background(), nil), proto.FileNotFound)
}

func TestTransport_Capabilities(t *testing.T) {
	p := newPeer(t)
	tr := newTransport(t, p)

	assert.False(t, tr.SenderCapabilities().Active)
	assert.True(t, tr.ReceiverCapabilities().Active)

	attrs, err := tr.ConnectAttrs("x1", transport.RoleReceiver)
	require.NoError(t, err)
	assert.Empty(t, attrs)

	attrs, err = tr.ConnectAttrs("x1", transport.RoleSender)
	require.NoError(t, err)
	assert.NoError(t, p.tickets.Verify(attrs[transport.AttrTicket], "x1"))
}
