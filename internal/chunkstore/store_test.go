package chunkstore

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xferd/xferd/pkg/proto"
	"github.com/xferd/xferd/testutil"
)

// fakeClock lets tests move reservation expiry forward without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newWriteStore(t *testing.T, opts Options) (*Store, *fakeClock) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	s := New(filepath.Join(dir, "out.bin"), opts)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s.now = clock.Now
	require.NoError(t, s.Open(ModeWrite))
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestStore_OpenModes(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, FileSize: 8})
	assert.Equal(t, ModeWrite, s.Mode())
	assert.ErrorIs(t, s.Open(ModeRead), proto.AlreadyOpen)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, ModeClosed, s.Mode())

	missing := New("/nonexistent/dir/file.bin", Options{})
	assert.ErrorIs(t, missing.Open(ModeRead), proto.FileNotFound)
}

func TestStore_ReserveExclusive(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, FileSize: 12})

	require.NoError(t, s.Reserve("a", 1, time.Second))
	assert.ErrorIs(t, s.Reserve("b", 1, time.Second), proto.TryAgain)
	// The holder may refresh its own reservation
	assert.NoError(t, s.Reserve("a", 1, time.Second))
	// Other chunks are unaffected
	assert.NoError(t, s.Reserve("b", 2, time.Second))
}

func TestStore_ReservationExpiry(t *testing.T) {
	s, clock := newWriteStore(t, Options{ChunkSize: 4, FileSize: 12})

	require.NoError(t, s.Reserve("a", 0, 2*time.Second))
	assert.ErrorIs(t, s.Reserve("b", 0, time.Second), proto.TryAgain)

	clock.Advance(time.Second)
	assert.ErrorIs(t, s.Reserve("b", 0, time.Second), proto.TryAgain)

	clock.Advance(time.Second)
	assert.NoError(t, s.Reserve("b", 0, time.Second))
	assert.ErrorIs(t, s.Reserve("a", 0, time.Second), proto.TryAgain)
}

func TestStore_ReserveErrors(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, FileSize: 8})

	assert.ErrorIs(t, s.Reserve("a", 2, time.Second), proto.Inval)
	assert.ErrorIs(t, s.Reserve("a", -1, time.Second), proto.Inval)

	require.NoError(t, s.WriteChunk([]byte("aaaa"), 0, true, false))
	assert.ErrorIs(t, s.Reserve("a", 0, time.Second), proto.Duplicate)

	require.NoError(t, s.Lock("b", 1, false, time.Second))
	assert.ErrorIs(t, s.Reserve("a", 1, time.Second), proto.TryAgain)

	require.NoError(t, s.WriteChunk([]byte("bbbb"), 1, true, false))
	assert.ErrorIs(t, s.Reserve("a", 1, time.Second), proto.Complete)

	ro := New(s.Path(), Options{ChunkSize: 4})
	assert.ErrorIs(t, ro.Reserve("a", 0, time.Second), proto.BadMode)
}

func TestStore_LockOverride(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, FileSize: 12})

	require.NoError(t, s.Reserve("a", 0, time.Minute))
	assert.ErrorIs(t, s.Lock("b", 0, false, time.Second), proto.TryAgain)

	// Data already arrived for b: it seizes the chunk
	require.NoError(t, s.Lock("b", 0, true, time.Second))
	assert.ErrorIs(t, s.Lock("a", 0, true, time.Second), proto.TryAgain)
	assert.ErrorIs(t, s.Unlock("a", 0), proto.Inval)
	require.NoError(t, s.Unlock("b", 0))

	require.NoError(t, s.Lock("a", 0, true, time.Second))
	require.NoError(t, s.WriteChunk([]byte("data"), 0, true, false))
	require.NoError(t, s.Unlock("a", 0))
	assert.ErrorIs(t, s.Lock("b", 0, true, time.Second), proto.Duplicate)

	closed := New(s.Path(), Options{ChunkSize: 4})
	assert.ErrorIs(t, closed.Lock("a", 0, false, time.Second), proto.BadState)
}

func TestStore_ConcurrentLockNeverShared(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, FileSize: 64})

	for id := 0; id < 16; id++ {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for _, owner := range []string{"a", "b", "c", "d"} {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				if s.Reserve(owner, id, time.Minute) == nil {
					wins.Add(1)
				}
			}(owner)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load(), "chunk %d", id)
	}
}

func TestStore_WriteChunkOnce(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, FileSize: 10})

	require.NoError(t, s.WriteChunk([]byte("0123"), 0, true, false))
	assert.ErrorIs(t, s.WriteChunk([]byte("0123"), 0, true, false), proto.BadState)
	assert.ErrorIs(t, s.WriteChunk([]byte("0123"), 3, true, false), proto.Inval)
}

func TestStore_StrictUnderflow(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, FileSize: 10})

	assert.ErrorIs(t, s.WriteChunk([]byte("ab"), 0, true, true), proto.Underflow)
	assert.Contains(t, s.UnwrittenChunks(), 0)

	// Final chunk may be short
	require.NoError(t, s.WriteChunk([]byte("89"), 2, true, true))
	// Non-strict accepts short chunks anywhere
	require.NoError(t, s.WriteChunk([]byte("ab"), 0, true, false))
}

func TestStore_TruncateAndOverflow(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, FileSize: 8})

	require.NoError(t, s.WriteChunk([]byte("abcdEXTRA"), 0, true, false))
	assert.Equal(t, int64(4), s.BytesWritten())

	assert.ErrorIs(t, s.WriteChunk([]byte("efghIJ"), 1, false, false), proto.Overflow)
	assert.Equal(t, int64(4), s.BytesWritten())
	assert.Equal(t, []int{1}, s.UnwrittenChunks())
}

func TestStore_Completeness(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, FileSize: 10})

	order := []int{2, 0, 1}
	payload := map[int][]byte{0: []byte("0123"), 1: []byte("4567"), 2: []byte("89")}
	for i, id := range order {
		assert.False(t, s.IsComplete())
		require.NoError(t, s.WriteChunk(payload[id], id, true, true))
		assert.Len(t, s.UnwrittenChunks(), len(order)-i-1)
	}
	assert.True(t, s.IsComplete())
	assert.ErrorIs(t, s.WriteChunk([]byte("x"), 0, true, false), proto.Complete)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestStore_MarkComplete(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, FileSize: 10})
	assert.False(t, s.IsComplete())
	s.MarkComplete()
	assert.True(t, s.IsComplete())
}

func TestStore_UnwrittenSkipsLiveReservations(t *testing.T) {
	s, clock := newWriteStore(t, Options{ChunkSize: 4, FileSize: 16})

	require.NoError(t, s.Reserve("a", 1, time.Second))
	require.NoError(t, s.Reserve("a", 3, 5*time.Second))
	assert.Equal(t, []int{0, 2}, s.UnwrittenChunks())

	clock.Advance(2 * time.Second)
	assert.Equal(t, []int{0, 1, 2}, s.UnwrittenChunks())

	s.UnreserveAll("a")
	assert.Equal(t, []int{0, 1, 2, 3}, s.UnwrittenChunks())
}

func TestStore_UnknownSizeGrows(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4})

	assert.False(t, s.KnownSize())
	assert.Equal(t, []int{0}, s.UnwrittenChunks())

	require.NoError(t, s.WriteChunk([]byte("0123"), 0, true, true))
	assert.Equal(t, []int{1}, s.UnwrittenChunks())

	// Writing ahead grows the chunk range
	require.NoError(t, s.WriteChunk([]byte("89"), 2, true, true))
	assert.Equal(t, []int{1}, s.UnwrittenChunks())
	assert.Equal(t, 3, s.NumChunks())
	assert.Equal(t, int64(10), s.Size())

	require.NoError(t, s.WriteChunk([]byte("4567"), 1, true, true))
	assert.Equal(t, []int{3}, s.UnwrittenChunks())
	assert.False(t, s.IsComplete())

	s.MarkComplete()
	assert.True(t, s.IsComplete())
}

func TestStore_EmptyFileOfKnownSize(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, SizeKnown: true})

	assert.True(t, s.KnownSize())
	assert.True(t, s.IsComplete())
	assert.Zero(t, s.NumChunks())
	assert.Empty(t, s.UnwrittenChunks())
	assert.Zero(t, s.Size())
	assert.ErrorIs(t, s.Reserve("a", 0, time.Second), proto.Complete)
	assert.ErrorIs(t, s.WriteChunk([]byte("x"), 0, true, false), proto.Complete)

	got, err := s.Hash()
	require.NoError(t, err)
	assert.Equal(t, HashBytes(nil), got)

	// Without the flag a zero size still means unknown
	unknown, _ := newWriteStore(t, Options{ChunkSize: 4})
	assert.False(t, unknown.IsComplete())
	assert.Equal(t, []int{0}, unknown.UnwrittenChunks())
}

func TestStore_OpenReadDiscoversEmptyFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	path := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	s := New(path, Options{ChunkSize: 4})
	require.NoError(t, s.Open(ModeRead))
	t.Cleanup(func() { _ = s.Close() })
	assert.True(t, s.KnownSize())
	assert.True(t, s.IsComplete())
}

func TestStore_ReadChunk(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "in.bin", "0123456789")

	s := New(path, Options{ChunkSize: 4})
	require.NoError(t, s.Open(ModeRead))
	defer func() { _ = s.Close() }()

	assert.Equal(t, 3, s.NumChunks())

	data, err := s.ReadChunk(2)
	require.NoError(t, err)
	assert.Equal(t, "89", string(data))

	_, err = s.ReadChunk(3)
	assert.ErrorIs(t, err, proto.Inval)
}

func TestStore_ReplaceWith(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, FileSize: 10})
	src := testutil.TempFile(t, filepath.Dir(s.Path()), "download.tmp", "0123456789")

	require.NoError(t, s.ReplaceWith(src))
	assert.True(t, s.IsComplete())

	h, err := s.Hash()
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("0123456789")), h)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Purge(t *testing.T) {
	s, _ := newWriteStore(t, Options{ChunkSize: 4, FileSize: 8})
	require.NoError(t, s.WriteChunk([]byte("0123"), 0, true, false))

	require.NoError(t, s.Purge())
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, ModeClosed, s.Mode())

	require.NoError(t, s.Open(ModeWrite))
	assert.Equal(t, []int{0, 1}, s.UnwrittenChunks())
}

func TestStore_ConcurrentWritersReassemble(t *testing.T) {
	const chunkSize = 64
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	_, data, hash := testutil.RandomFile(t, dir, "src.bin", 50*chunkSize+17)

	s := New(filepath.Join(dir, "dst.bin"), Options{ChunkSize: chunkSize, FileSize: int64(len(data))})
	require.NoError(t, s.Open(ModeWrite))
	defer func() { _ = s.Close() }()

	n := s.NumChunks()
	ids := rand.Perm(n)

	var wg sync.WaitGroup
	for _, owner := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for _, id := range ids {
				if err := s.Lock(owner, id, true, time.Second); err != nil {
					continue
				}
				end := min((id+1)*chunkSize, len(data))
				_ = s.WriteChunk(data[id*chunkSize:end], id, true, true)
				_ = s.Unlock(owner, id)
			}
		}(owner)
	}
	wg.Wait()

	require.True(t, s.IsComplete())
	got, err := s.Hash()
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}
