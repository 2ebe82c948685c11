package websocket

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/pkg/proto"
)

type chunkSink struct {
	mu     sync.Mutex
	chunks map[int][]byte
	err    error
}

func (s *chunkSink) AddChunk(id int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunks == nil {
		s.chunks = make(map[int][]byte)
	}
	s.chunks[id] = append([]byte(nil), data...)
	return s.err
}

func (s *chunkSink) AddFile(int, string) error { return proto.NotImplemented }
func (s *chunkSink) WholeFile(string) error    { return proto.NotImplemented }
func (s *chunkSink) Finish(error)              {}

func (s *chunkSink) get(id int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks[id]
}

type fixture struct {
	tr     *Transport
	server *httptest.Server
	job    *proto.Job
}

func newFixture(t *testing.T, compress bool) *fixture {
	t.Helper()
	tickets, err := transport.NewTickets(nil, time.Hour)
	require.NoError(t, err)

	hub := NewHub(tickets, 2*time.Second)
	mux := http.NewServeMux()
	mux.Handle(StreamPath, hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})

	tr, err := New(Config{Hub: hub, Tickets: tickets, Compress: compress})
	require.NoError(t, err)

	job := proto.NewJob("/src/file", "/dst/file")
	job.ChunkTimeout = 2 * time.Second
	return &fixture{tr: tr, server: srv, job: job.WithDefaults()}
}

func (f *fixture) attrs(t *testing.T, xmitID string) map[string]string {
	t.Helper()
	attrs, err := f.tr.ConnectAttrs(xmitID, transport.RoleReceiver)
	require.NoError(t, err)
	attrs[proto.AttrPeerURL] = f.server.URL
	attrs[proto.AttrXmitID] = xmitID
	return attrs
}

// pump runs RecvChunks until ctx is done.
func pump(ctx context.Context, r transmit.ReceiverAdapter, sink transmit.Sink) {
	cr := r.(transmit.ChunkReceiver)
	for ctx.Err() == nil {
		_ = cr.RecvChunks(ctx, sink, nil)
	}
}

func TestStream_SendAndReceive(t *testing.T) {
	for _, compress := range []bool{false, true} {
		f := newFixture(t, compress)
		ctx, cancel := context.WithCancel(context.Background())
		attrs := f.attrs(t, "x1")

		r := f.tr.NewReceiver()
		require.NoError(t, r.RecvJob(ctx, f.job))
		require.NoError(t, r.AwaitSender(ctx, attrs))
		require.NoError(t, r.OpenConnection(ctx, f.job))

		sink := &chunkSink{}
		done := make(chan struct{})
		go func() {
			defer close(done)
			pump(ctx, r, sink)
		}()

		s := f.tr.NewSender()
		require.NoError(t, s.SendJob(ctx, f.job))
		require.NoError(t, s.AwaitReceiver(ctx, attrs))
		require.NoError(t, s.OpenConnection(ctx, f.job))

		compressible := bytes.Repeat([]byte("xferd "), 1000)
		last, err := s.SendChunk(ctx, transmit.Chunk{ID: 0, Data: compressible})
		require.NoError(t, err)
		assert.False(t, last)
		_, err = s.SendChunk(ctx, transmit.Chunk{ID: 7, Data: []byte("short")})
		require.NoError(t, err)

		assert.Equal(t, compressible, sink.get(0))
		assert.Equal(t, []byte("short"), sink.get(7))

		require.NoError(t, s.Close())
		cancel()
		<-done
		require.NoError(t, r.Close())
	}
}

func TestStream_ReceiverErrorIsAcked(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	attrs := f.attrs(t, "x1")

	r := f.tr.NewReceiver()
	require.NoError(t, r.RecvJob(ctx, f.job))
	require.NoError(t, r.AwaitSender(ctx, attrs))
	require.NoError(t, r.OpenConnection(ctx, f.job))
	defer func() { _ = r.Close() }()

	sink := &chunkSink{err: proto.Corrupt}
	go pump(ctx, r, sink)

	s := f.tr.NewSender()
	require.NoError(t, s.SendJob(ctx, f.job))
	require.NoError(t, s.AwaitReceiver(ctx, attrs))
	defer func() { _ = s.Close() }()

	_, err := s.SendChunk(ctx, transmit.Chunk{ID: 1, Data: []byte("bad")})
	assert.ErrorIs(t, err, proto.Corrupt)
}

func TestStream_NoReceiverRegistered(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	attrs := f.attrs(t, "x1")

	s := f.tr.NewSender()
	require.NoError(t, s.SendJob(ctx, f.job))
	require.NoError(t, s.AwaitReceiver(ctx, attrs))
	defer func() { _ = s.Close() }()

	_, err := s.SendChunk(ctx, transmit.Chunk{ID: 0, Data: []byte("data")})
	assert.ErrorIs(t, err, proto.NoConnect)
}

func TestStream_BadTicketRefused(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	attrs := f.attrs(t, "x1")
	attrs[proto.AttrXmitID] = "x2"

	s := f.tr.NewSender()
	require.NoError(t, s.SendJob(ctx, f.job))
	assert.ErrorIs(t, s.AwaitReceiver(ctx, attrs), proto.NoConnect)

	_, err := s.SendChunk(ctx, transmit.Chunk{ID: 0})
	assert.ErrorIs(t, err, proto.NoConnect)
}

func TestReceiver_NothingQueued(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	r := f.tr.NewReceiver()
	require.NoError(t, r.RecvJob(ctx, f.job))
	require.NoError(t, r.AwaitSender(ctx, map[string]string{proto.AttrXmitID: "x1"}))
	require.NoError(t, r.OpenConnection(ctx, f.job))
	defer func() { _ = r.Close() }()

	err := r.(transmit.ChunkReceiver).RecvChunks(ctx, &chunkSink{}, nil)
	assert.ErrorIs(t, err, proto.TryAgain)
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newCodec()

	data := bytes.Repeat([]byte{0xab}, 4096)
	buf := c.encode(42, data, true)
	assert.Less(t, len(buf), len(data))
	id, got, err := c.decode(buf)
	require.NoError(t, err)
	assert.Equal(t, 42, id)
	assert.Equal(t, data, got)

	// Incompressible payloads are sent as is
	buf = c.encode(1, []byte{1, 2, 3}, true)
	assert.Equal(t, byte(0), buf[4])

	_, _, err = c.decode([]byte{1, 2})
	assert.ErrorIs(t, err, proto.Inval)

	_, _, err = c.decode([]byte{0, 0, 0, 1, flagCompressed, 9, 9, 9})
	assert.ErrorIs(t, err, proto.Corrupt)
}

func TestStreamURL(t *testing.T) {
	u, err := streamURL("http://host:8080/", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ws://host:8080/api/v1/stream/abc", u)

	u, err = streamURL("https://host", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://host/api/v1/stream/abc", u)

	_, err = streamURL("ftp://host", "abc")
	assert.Error(t, err)
}
