package negotiate

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/transfer"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/internal/transport/local"
	"github.com/xferd/xferd/internal/transport/transporttest"
	"github.com/xferd/xferd/internal/workpool"
	"github.com/xferd/xferd/pkg/proto"
	"github.com/xferd/xferd/testutil"
)

const (
	senderURL   = "http://sender.test:7070"
	receiverURL = "http://receiver.test:7070"
)

// wire copies a message through JSON, as the RPC layer would.
func wire[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

func refused() error {
	return fmt.Errorf("post: %w", &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
	})
}

// loopback routes peer calls to in-process negotiators by URL. Unknown
// URLs refuse the connection.
type loopback struct {
	mu    sync.Mutex
	peers map[string]*Negotiator
}

func (l *loopback) lookup(url string) (*Negotiator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.peers[url]
	if !ok {
		return nil, refused()
	}
	return n, nil
}

func (l *loopback) NegotiateReceiver(ctx context.Context, url string, req *proto.NegotiateReceiverRequest) (*proto.NegotiateReceiverResponse, error) {
	n, err := l.lookup(url)
	if err != nil {
		return nil, err
	}
	resp, err := n.NegotiateAsReceiver(ctx, wire(req))
	if err != nil {
		return nil, err
	}
	return wire(resp), nil
}

func (l *loopback) NegotiateSender(ctx context.Context, url string, req *proto.NegotiateSenderRequest) (*proto.NegotiateSenderResponse, error) {
	n, err := l.lookup(url)
	if err != nil {
		return nil, err
	}
	resp, err := n.NegotiateAsSender(ctx, wire(req))
	if err != nil {
		return nil, err
	}
	return wire(resp), nil
}

func (l *loopback) ChooseProtocol(ctx context.Context, url string, req *proto.ChooseProtocolRequest) (*proto.ChooseProtocolResponse, error) {
	n, err := l.lookup(url)
	if err != nil {
		return nil, err
	}
	resp, err := n.ChooseProtocol(ctx, wire(req))
	if err != nil {
		return nil, err
	}
	return wire(resp), nil
}

func (l *loopback) AckSender(ctx context.Context, url string, req *proto.AckSenderRequest) error {
	n, err := l.lookup(url)
	if err != nil {
		return err
	}
	return n.AckSender(ctx, wire(req))
}

type side struct {
	neg     *Negotiator
	files   *chunkstore.Registry
	orch    *transfer.Orchestrator
	dataDir string
}

func newSide(t *testing.T, peers *loopback, url string, extra ...transport.Transport) *side {
	t.Helper()
	dataDir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	fs := osfs.New("/")
	registry := transport.NewRegistry(transport.RegistryConfig{})
	require.NoError(t, registry.Register(local.New(fs)))
	for _, tr := range extra {
		require.NoError(t, registry.Register(tr))
	}

	orch := transfer.New(transfer.Config{FS: fs, PollInterval: 10 * time.Millisecond, AckTimeout: time.Second})
	files := chunkstore.NewRegistry()
	neg, err := New(Config{
		Registry:     registry,
		Orchestrator: orch,
		Files:        files,
		Peer:         peers,
		FS:           fs,
		DataDir:      dataDir,
		AdvertiseURL: url,
	})
	require.NoError(t, err)
	t.Cleanup(neg.Close)

	if url != "" {
		peers.mu.Lock()
		peers.peers[url] = neg
		peers.mu.Unlock()
	}
	return &side{neg: neg, files: files, orch: orch, dataDir: dataDir}
}

func newLoopback() *loopback {
	return &loopback{peers: make(map[string]*Negotiator)}
}

func testJob(t *testing.T, size int) (*proto.Job, string) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	src, _, hash := testutil.RandomFile(t, dir, "data.bin", size)
	job := proto.NewJob(src, filepath.Join(dir, "out.bin"))
	job.ChunkSize = 4096
	job.ConnectTimeout = 2 * time.Second
	job.TransferTimeout = 10 * time.Second
	return job, hash
}

// chunkDirs lists what is left under a side's send or recv root.
func chunkDirs(t *testing.T, s *side, kind string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(s.dataDir, kind))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func assertCleanedUp(t *testing.T, sender, receiver *side) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return receiver.files.Len() == 0 &&
			len(chunkDirs(t, receiver, "recv")) == 0 &&
			len(chunkDirs(t, sender, "send")) == 0
	}, 5*time.Second, 10*time.Millisecond)

	sending, _ := sender.orch.Counts()
	_, receiving := receiver.orch.Counts()
	assert.Zero(t, sending)
	assert.Zero(t, receiving)
}

func TestSend_LocalRoundTrip(t *testing.T) {
	peers := newLoopback()
	push := transporttest.New("websocket", false, transmit.ChunkingNondeterministic)
	sender := newSide(t, peers, senderURL, push)
	receiver := newSide(t, peers, receiverURL, transporttest.New("websocket", false, transmit.ChunkingNondeterministic))

	job, hash := testJob(t, 10000)
	state, err := sender.neg.Send(context.Background(), job, receiverURL)
	require.NoError(t, err)
	assert.Equal(t, proto.StateSuccess, state)

	assertCleanedUp(t, sender, receiver)
	got, err := chunkstore.HashFile(job.DestName)
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	// The receiver connected the push protocol, so the sender used it
	senders, _ := push.Built()
	assert.Equal(t, 1, senders)
}

func TestReceive_LocalRoundTrip(t *testing.T) {
	peers := newLoopback()
	sender := newSide(t, peers, senderURL)
	receiver := newSide(t, peers, receiverURL)

	job, hash := testJob(t, 10000)
	state, err := receiver.neg.Receive(context.Background(), job, senderURL)
	require.NoError(t, err)
	assert.Equal(t, proto.StateSuccess, state)

	assertCleanedUp(t, sender, receiver)
	got, err := chunkstore.HashFile(job.DestName)
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	assert.Eventually(t, func() bool {
		sender.neg.mu.Lock()
		defer sender.neg.mu.Unlock()
		return len(sender.neg.pending) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSend_ZeroByteFile(t *testing.T) {
	peers := newLoopback()
	sender := newSide(t, peers, senderURL)
	receiver := newSide(t, peers, receiverURL)

	job, hash := testJob(t, 0)
	state, err := sender.neg.Send(context.Background(), job, receiverURL)
	require.NoError(t, err)
	assert.Equal(t, proto.StateSuccess, state)

	assertCleanedUp(t, sender, receiver)
	fi, err := os.Stat(job.DestName)
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
	got, err := chunkstore.HashFile(job.DestName)
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestReceive_ZeroByteFile(t *testing.T) {
	peers := newLoopback()
	sender := newSide(t, peers, senderURL)
	receiver := newSide(t, peers, receiverURL)

	job, hash := testJob(t, 0)
	state, err := receiver.neg.Receive(context.Background(), job, senderURL)
	require.NoError(t, err)
	assert.Equal(t, proto.StateSuccess, state)

	assertCleanedUp(t, sender, receiver)
	fi, err := os.Stat(job.DestName)
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
	got, err := chunkstore.HashFile(job.DestName)
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestReceive_ConnectionRefusedFallsBack(t *testing.T) {
	peers := newLoopback()
	watcher := transporttest.New("ssh", false, transmit.ChunkingNondeterministic)
	receiver := newSide(t, peers, receiverURL, watcher)

	job, hash := testJob(t, 10000)
	job.ChunkHashes = []string{"bogus", "bogus", "bogus"}

	state, err := receiver.neg.Receive(context.Background(), job, "http://nobody.test:7070")
	require.NoError(t, err)
	assert.Equal(t, proto.StateSuccess, state)

	got, err := chunkstore.HashFile(job.DestName)
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	// Every local protocol was started, not just an intersection
	_, receivers := watcher.Built()
	assert.Equal(t, 1, receivers)
	assert.Eventually(t, func() bool { return receiver.files.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestReceive_SizeAboveMaxFailsBothSides(t *testing.T) {
	peers := newLoopback()
	sender := newSide(t, peers, senderURL)
	receiver := newSide(t, peers, receiverURL)

	job, _ := testJob(t, 10000)
	job.MaxSize = 5000

	state, err := receiver.neg.Receive(context.Background(), job, senderURL)
	assert.ErrorIs(t, err, proto.Overflow)
	assert.Equal(t, proto.StateFailure, state)
	assert.NoFileExists(t, job.DestName)
	assertCleanedUp(t, sender, receiver)
}

func TestReceive_OtherErrorsFail(t *testing.T) {
	peers := newLoopback()
	sender := newSide(t, peers, senderURL)
	receiver := newSide(t, peers, receiverURL)

	job, _ := testJob(t, 100)
	job.SrcName = filepath.Join(filepath.Dir(job.SrcName), "missing.bin")

	state, err := receiver.neg.Receive(context.Background(), job, senderURL)
	assert.Error(t, err)
	assert.Equal(t, proto.StateFailure, state)
	assertCleanedUp(t, sender, receiver)
}

func TestSend_ReceiverRefusesWhenPoolFull(t *testing.T) {
	peers := newLoopback()
	sender := newSide(t, peers, senderURL)
	receiver := newSide(t, peers, receiverURL)

	_, receivers := receiver.neg.Pools()
	for i := 0; i < receivers.Size(); i++ {
		require.NoError(t, receivers.TryAcquire())
	}
	defer func() {
		for i := 0; i < receivers.Size(); i++ {
			receivers.Release()
		}
	}()

	job, _ := testJob(t, 100)
	state, err := sender.neg.Send(context.Background(), job, receiverURL)
	assert.ErrorIs(t, err, proto.TryAgain)
	assert.Equal(t, proto.StateFailure, state)
	assertCleanedUp(t, sender, receiver)
}

func TestChooseProtocol_UnknownTransfer(t *testing.T) {
	s := newSide(t, newLoopback(), senderURL)
	resp, err := s.neg.ChooseProtocol(context.Background(), &proto.ChooseProtocolRequest{XmitID: "nope"})
	require.NoError(t, err)
	assert.Empty(t, resp.XmitID)
}

func TestAckSender_UnexpectedAck(t *testing.T) {
	s := newSide(t, newLoopback(), senderURL)
	err := s.neg.AckSender(context.Background(), &proto.AckSenderRequest{XmitID: "nope", State: proto.StateSuccess})
	assert.ErrorIs(t, err, proto.NoValue)
}

func TestBeginTransfer(t *testing.T) {
	peers := newLoopback()
	sender := newSide(t, peers, senderURL)
	receiver := newSide(t, peers, receiverURL)

	job, hash := testJob(t, 10000)

	assert.Equal(t, proto.Inval, sender.neg.BeginTransfer(context.Background(), &proto.BeginTransferRequest{
		Job: job, IsSender: true, IsReceiver: true, RemoteURL: receiverURL,
	}))
	assert.Equal(t, proto.Inval, sender.neg.BeginTransfer(context.Background(), &proto.BeginTransferRequest{IsSender: true}))

	code := sender.neg.BeginTransfer(context.Background(), &proto.BeginTransferRequest{
		Job: job, IsSender: true, RemoteURL: receiverURL, Timeout: 10000,
	})
	require.Equal(t, proto.OK, code)

	assert.Eventually(t, func() bool {
		got, err := chunkstore.HashFile(job.DestName)
		return err == nil && got == hash
	}, 10*time.Second, 20*time.Millisecond)
	assertCleanedUp(t, sender, receiver)
}

func TestBeginTransfer_PoolFull(t *testing.T) {
	peers := newLoopback()
	s := newSide(t, peers, senderURL)
	senders, _ := s.neg.Pools()
	for i := 0; i < senders.Size(); i++ {
		require.NoError(t, senders.TryAcquire())
	}
	defer func() {
		for i := 0; i < senders.Size(); i++ {
			senders.Release()
		}
	}()

	job, _ := testJob(t, 100)
	code := s.neg.BeginTransfer(context.Background(), &proto.BeginTransferRequest{
		Job: job, IsSender: true, RemoteURL: receiverURL,
	})
	assert.Equal(t, proto.TryAgain, code)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, []string{"ssh", "http", "local"}, bestFirst([]string{"http", "ssh", "local"}, "ssh"))
	assert.Equal(t, []string{"http", "ssh"}, bestFirst([]string{"http", "ssh"}, "websocket"))
	assert.Equal(t, []string{"http", "local"}, intersect([]string{"http", "ssh", "local"}, []string{"local", "http"}))

	attrs := withShared(proto.ConnectAttrs{"ssh": {"ssh_port": "22"}}, "x1", receiverURL)
	assert.Equal(t, map[string]string{
		proto.AttrXmitID:  "x1",
		proto.AttrPeerURL: receiverURL,
		"ssh_port":        "22",
	}, attrs.For("ssh"))

	merged := mergeAttrs(proto.ConnectAttrs{"ssh": {"a": "1"}}, proto.ConnectAttrs{"ssh": {"b": "2"}, "": {"c": "3"}})
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, merged.For("ssh"))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	registry := transport.NewRegistry(transport.RegistryConfig{})
	_, err = New(Config{
		Registry:     registry,
		Orchestrator: transfer.New(transfer.Config{}),
		Files:        chunkstore.NewRegistry(),
		Peer:         newLoopback(),
	})
	assert.Error(t, err, "data dir is required")

	n, err := New(Config{
		Registry:     registry,
		Orchestrator: transfer.New(transfer.Config{}),
		Files:        chunkstore.NewRegistry(),
		Peer:         newLoopback(),
		DataDir:      t.TempDir(),
		Senders:      workpool.New("sender", 2),
	})
	require.NoError(t, err)
	senders, receivers := n.Pools()
	assert.Equal(t, 2, senders.Size())
	assert.Equal(t, workpool.DefaultSize, receivers.Size())
	n.Close()
}
