// Package chunkstore implements chunk-addressable files with per-chunk
// locking and soft reservations, plus the registry that lets concurrently
// running protocol instances share one store per destination path.
package chunkstore

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/pkg/proto"
)

// Mode is the open mode of a store. A store is either read-exclusive or
// write-exclusive, never both.
type Mode int

const (
	ModeClosed Mode = iota
	ModeRead
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeClosed:
		return "closed"
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Options describes the file behind a store.
type Options struct {
	ChunkSize int64
	FileSize  int64 // 0 when unknown, unless SizeKnown
	MaxSize   int64 // byte cap, defaults to FileSize
	SizeKnown bool  // FileSize is authoritative even when 0
}

func (o Options) knownSize() bool {
	return o.SizeKnown || o.FileSize > 0
}

// slot is the lock and status record for one chunk.
type slot struct {
	written    bool
	writing    bool
	size       int
	lockOwner  string
	resvOwner  string
	resvExpiry time.Time
}

func (sl *slot) reservedBy(owner string, now time.Time) bool {
	return sl.resvOwner != "" && sl.resvOwner != owner && now.Before(sl.resvExpiry)
}

// Store is a file addressed by fixed-size chunk index.
//
// Structural state (the slot map, counters and file handle) is guarded by a
// single mutex. Chunk payloads are written with WriteAt outside the mutex;
// the per-chunk writing flag keeps two writers off the same chunk.
type Store struct {
	path string
	opts Options
	now  func() time.Time

	mu           sync.Mutex
	mode         Mode
	file         *os.File
	slots        map[int]*slot
	numChunks    int // declared count, or one past the highest index seen
	written      int
	bytesWritten int64
	highWater    int64
	complete     bool
}

// New creates a closed store for path.
func New(path string, opts Options) *Store {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = proto.DefaultChunkSize
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = opts.FileSize
	}
	s := &Store{
		path: path,
		opts: opts,
		now:  time.Now,
	}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.slots = make(map[int]*slot)
	s.numChunks = 0
	if s.opts.knownSize() {
		s.numChunks = int((s.opts.FileSize + s.opts.ChunkSize - 1) / s.opts.ChunkSize)
	}
	s.written = 0
	s.bytesWritten = 0
	s.highWater = 0
	s.complete = false
}

// Path returns the file path.
func (s *Store) Path() string { return s.path }

// ChunkSize returns the chunk size in bytes.
func (s *Store) ChunkSize() int64 { return s.opts.ChunkSize }

// KnownSize reports whether the file size was declared. An empty file of
// known size has no chunks and is complete from the start.
func (s *Store) KnownSize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.knownSize()
}

// Mode returns the current open mode.
func (s *Store) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// NumChunks returns the declared chunk count, or the number of chunks seen
// so far for unknown-size stores.
func (s *Store) NumChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numChunks
}

// Size returns the declared size, or the highest byte written so far.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.knownSize() {
		return s.opts.FileSize
	}
	return s.highWater
}

// BytesWritten returns the number of payload bytes accepted so far.
func (s *Store) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}

// Open opens the underlying file. Read mode requires the file to exist;
// write mode creates it and discards any previous content.
func (s *Store) Open(mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != ModeClosed {
		return fmt.Errorf("open %s: %w", s.path, proto.AlreadyOpen)
	}

	switch mode {
	case ModeRead:
		f, err := os.Open(s.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("open %s: %w", s.path, proto.FileNotFound)
			}
			return fmt.Errorf("open %s: %w: %v", s.path, proto.IOError, err)
		}
		if !s.opts.knownSize() {
			if fi, err := f.Stat(); err == nil {
				s.opts.FileSize = fi.Size()
				s.opts.MaxSize = fi.Size()
				s.opts.SizeKnown = true
				s.reset()
			}
		}
		s.file = f
	case ModeWrite:
		if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
			return fmt.Errorf("create parent of %s: %w: %v", s.path, proto.IOError, err)
		}
		f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("open %s: %w: %v", s.path, proto.IOError, err)
		}
		s.file = f
	default:
		return fmt.Errorf("open %s: %w", s.path, proto.BadMode)
	}

	s.mode = mode
	log.Debug().Str("path", s.path).Str("mode", mode.String()).Msg("chunk store opened")
	return nil
}

// Close closes the underlying file. Closing a closed store is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Store) closeLocked() error {
	if s.mode == ModeClosed {
		return nil
	}
	s.mode = ModeClosed
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w: %v", s.path, proto.IOError, err)
	}
	return nil
}

// Purge closes the store, deletes the file and forgets all chunk state.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.closeLocked(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("purge %s: %w: %v", s.path, proto.IOError, err)
	}
	s.reset()
	return nil
}

// slotLocked returns the slot for id, creating it on demand. Unknown-size
// stores grow to include id; known-size stores reject ids out of range.
func (s *Store) slotLocked(id int) (*slot, error) {
	if id < 0 {
		return nil, proto.Inval
	}
	if s.opts.knownSize() && id >= s.numChunks {
		return nil, proto.Inval
	}
	if id >= s.numChunks {
		s.numChunks = id + 1
	}
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{}
		s.slots[id] = sl
	}
	return sl, nil
}

func (s *Store) isCompleteLocked() bool {
	if s.complete {
		return true
	}
	if !s.opts.knownSize() {
		return false
	}
	return s.written == s.numChunks
}

// Reserve places a soft, time-limited claim on a chunk so other owners
// skip it while the caller fetches it. It fails with TryAgain if another
// owner's reservation is still live or another owner holds the lock.
func (s *Store) Reserve(owner string, id int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isCompleteLocked() {
		return proto.Complete
	}
	if s.mode != ModeWrite {
		return proto.BadMode
	}
	sl, err := s.slotLocked(id)
	if err != nil {
		return err
	}
	if sl.written {
		return proto.Duplicate
	}

	now := s.now()
	if sl.lockOwner != "" && sl.lockOwner != owner {
		return proto.TryAgain
	}
	if sl.reservedBy(owner, now) {
		return proto.TryAgain
	}

	sl.resvOwner = owner
	sl.resvExpiry = now.Add(ttl)
	return nil
}

// Lock takes the hard claim required before writing a chunk. With override
// the caller seizes the reservation as well, which is used when data has
// already arrived and must be written regardless of reservation bookkeeping.
func (s *Store) Lock(owner string, id int, override bool, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != ModeWrite {
		return proto.BadState
	}
	sl, err := s.slotLocked(id)
	if err != nil {
		return err
	}
	if sl.written {
		return proto.Duplicate
	}
	if sl.lockOwner != "" && sl.lockOwner != owner {
		return proto.TryAgain
	}

	now := s.now()
	if sl.reservedBy(owner, now) {
		if !override {
			return proto.TryAgain
		}
	}
	sl.resvOwner = owner
	sl.resvExpiry = now.Add(ttl)
	sl.lockOwner = owner
	return nil
}

// Unlock releases a lock held by owner.
func (s *Store) Unlock(owner string, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[id]
	if !ok || sl.lockOwner != owner {
		return proto.Inval
	}
	sl.lockOwner = ""
	return nil
}

// UnreserveAll drops every reservation held by owner.
func (s *Store) UnreserveAll(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sl := range s.slots {
		if sl.resvOwner == owner {
			sl.resvOwner = ""
			sl.resvExpiry = time.Time{}
		}
	}
}

// WriteChunk writes data at offset ChunkSize*id and marks the chunk written.
// With truncate an oversized payload is silently shortened to the chunk
// size; with strict a short payload is rejected unless it is the final
// chunk of a known-size file. Payloads that would push the store past its
// byte cap are rejected without writing.
func (s *Store) WriteChunk(data []byte, id int, truncate, strict bool) error {
	s.mu.Lock()

	if s.isCompleteLocked() {
		s.mu.Unlock()
		return proto.Complete
	}
	if s.mode != ModeWrite {
		s.mu.Unlock()
		return proto.BadMode
	}
	sl, err := s.slotLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if sl.written || sl.writing {
		s.mu.Unlock()
		return proto.BadState
	}

	chunkSize := s.opts.ChunkSize
	if truncate && int64(len(data)) > chunkSize {
		data = data[:chunkSize]
	}
	if s.opts.MaxSize > 0 && s.bytesWritten+int64(len(data)) > s.opts.MaxSize {
		s.mu.Unlock()
		return proto.Overflow
	}
	last := s.opts.knownSize() && id == s.numChunks-1
	if strict && s.opts.knownSize() && int64(len(data)) < chunkSize && !last {
		s.mu.Unlock()
		return proto.Underflow
	}

	sl.writing = true
	s.bytesWritten += int64(len(data))
	f := s.file
	s.mu.Unlock()

	offset := int64(id) * chunkSize
	_, werr := f.WriteAt(data, offset)

	s.mu.Lock()
	defer s.mu.Unlock()
	sl.writing = false
	if werr != nil {
		s.bytesWritten -= int64(len(data))
		return fmt.Errorf("write chunk %d: %w: %v", id, proto.IOError, werr)
	}
	if sl.written {
		return proto.BadState
	}
	sl.written = true
	sl.size = len(data)
	s.written++
	if end := offset + int64(len(data)); end > s.highWater {
		s.highWater = end
	}
	return nil
}

// ReadChunk reads one chunk. The final chunk may be short.
func (s *Store) ReadChunk(id int) ([]byte, error) {
	s.mu.Lock()
	f := s.file
	mode := s.mode
	chunkSize := s.opts.ChunkSize
	outOfRange := id < 0 || (s.opts.knownSize() && id >= s.numChunks)
	s.mu.Unlock()

	if mode == ModeClosed || f == nil {
		return nil, proto.BadMode
	}
	if outOfRange {
		return nil, proto.Inval
	}

	buf := make([]byte, chunkSize)
	n, err := f.ReadAt(buf, int64(id)*chunkSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk %d: %w: %v", id, proto.IOError, err)
	}
	if n == 0 {
		return nil, proto.EOF
	}
	return buf[:n], nil
}

// UnwrittenChunks lists chunks that still need data, skipping chunks with a
// live reservation. Unknown-size stores always offer the next index past
// the ones seen so far once everything known is written, so receivers keep
// probing forward.
func (s *Store) UnwrittenChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ids []int
	for i := 0; i < s.numChunks; i++ {
		sl, ok := s.slots[i]
		if !ok {
			ids = append(ids, i)
			continue
		}
		if sl.written || sl.writing {
			continue
		}
		if sl.resvOwner != "" && now.Before(sl.resvExpiry) {
			continue
		}
		ids = append(ids, i)
	}

	if !s.opts.knownSize() && len(ids) == 0 {
		ids = append(ids, s.numChunks)
	}
	return ids
}

// IsComplete reports whether every chunk has been written or the store was
// marked complete. Unknown-size stores are only complete once marked.
func (s *Store) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCompleteLocked()
}

// MarkComplete flags the store complete after out-of-band delivery.
func (s *Store) MarkComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = true
}

// ReplaceWith moves a fully received file into place and marks the store
// complete. It falls back to copying when a rename is not possible.
func (s *Store) ReplaceWith(src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != ModeWrite {
		return proto.BadMode
	}
	if err := s.closeLocked(); err != nil {
		return err
	}

	if err := os.Rename(src, s.path); err != nil {
		if cerr := copyFile(src, s.path); cerr != nil {
			return fmt.Errorf("replace %s: %w: %v", s.path, proto.IOError, cerr)
		}
		_ = os.Remove(src)
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("reopen %s: %w: %v", s.path, proto.IOError, err)
	}
	s.file = f
	s.mode = ModeWrite
	if fi, err := f.Stat(); err == nil {
		s.highWater = fi.Size()
		s.bytesWritten = fi.Size()
	}
	s.complete = true
	return nil
}

// Hash returns the SHA-1 of the file content as lowercase hex.
func (s *Store) Hash() (string, error) {
	return HashFile(s.path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// HashFile returns the SHA-1 of a file as lowercase hex.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("hash %s: %w", path, proto.FileNotFound)
		}
		return "", fmt.Errorf("hash %s: %w: %v", path, proto.IOError, err)
	}
	defer func() { _ = f.Close() }()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w: %v", path, proto.IOError, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the SHA-1 of data as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
