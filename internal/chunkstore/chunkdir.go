package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/pkg/proto"
	"golang.org/x/sync/errgroup"
)

// partSuffix marks a chunk file that is still being written.
const partSuffix = ".part"

// splitWorkers bounds parallel chunk-file writes in MakeChunks.
const splitWorkers = 4

// Manifest describes a file split into a chunk directory.
type Manifest struct {
	Dir         string
	FileSize    int64
	ChunkSize   int64
	FileHash    string
	ChunkHashes []string
}

// NumChunks returns the number of chunks in the manifest.
func (m *Manifest) NumChunks() int {
	return len(m.ChunkHashes)
}

// ChunkDirName returns the chunk directory name for a file: the base name
// followed by the file hash.
func ChunkDirName(name, fileHash string) string {
	return filepath.Base(name) + "." + fileHash
}

// ChunkFileName returns the path of one chunk file inside dir.
func ChunkFileName(dir string, id int) string {
	return filepath.Join(dir, strconv.Itoa(id))
}

// MakeChunks hashes src, creates its chunk directory under root on fs and
// writes one file per chunk, named by the decimal chunk id. It returns the
// per-chunk SHA-1 manifest.
func MakeChunks(ctx context.Context, fs billy.Filesystem, root, src string, chunkSize int64) (*Manifest, error) {
	if chunkSize <= 0 {
		chunkSize = proto.DefaultChunkSize
	}

	fileHash, err := HashFile(src)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %v", src, proto.IOError, err)
	}
	defer func() { _ = f.Close() }()

	dir := filepath.Join(root, ChunkDirName(src, fileHash))
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chunk dir %s: %w: %v", dir, proto.IOError, err)
	}

	m := &Manifest{
		Dir:       dir,
		ChunkSize: chunkSize,
		FileHash:  fileHash,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(splitWorkers)

	for id := 0; ; id++ {
		if gctx.Err() != nil {
			break
		}
		buf := make([]byte, chunkSize)
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			data := buf[:n]
			m.ChunkHashes = append(m.ChunkHashes, HashBytes(data))
			m.FileSize += int64(n)
			chunkID := id
			g.Go(func() error {
				return WriteChunkFile(fs, dir, chunkID, data)
			})
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			_ = g.Wait()
			return nil, fmt.Errorf("read %s: %w: %v", src, proto.IOError, rerr)
		}
	}

	if err := g.Wait(); err != nil {
		_ = RemoveChunkDir(fs, dir)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = RemoveChunkDir(fs, dir)
		return nil, err
	}

	log.Debug().
		Str("path", src).
		Str("dir", dir).
		Int("chunks", m.NumChunks()).
		Msg("file split into chunks")
	return m, nil
}

// WriteChunkFile writes a chunk file atomically: the data lands in a
// .part file that is renamed into place once complete.
func WriteChunkFile(fs billy.Filesystem, dir string, id int, data []byte) error {
	name := ChunkFileName(dir, id)
	tmp := name + partSuffix
	if err := util.WriteFile(fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("write chunk file %s: %w: %v", tmp, proto.IOError, err)
	}
	if err := fs.Rename(tmp, name); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("rename chunk file %s: %w: %v", name, proto.IOError, err)
	}
	return nil
}

// ReadChunkFile reads one chunk file. A missing file is NoData.
func ReadChunkFile(fs billy.Filesystem, dir string, id int) ([]byte, error) {
	name := ChunkFileName(dir, id)
	f, err := fs.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("chunk %d: %w", id, proto.NoData)
		}
		return nil, fmt.Errorf("open chunk file %s: %w: %v", name, proto.IOError, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read chunk file %s: %w: %v", name, proto.IOError, err)
	}
	return data, nil
}

// ListChunkFiles returns the ids of the complete chunk files in dir, in
// ascending order. In-progress .part files are skipped.
func ListChunkFiles(fs billy.Filesystem, dir string) ([]int, error) {
	infos, err := fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list chunk dir %s: %w: %v", dir, proto.IOError, err)
	}

	ids := make([]int, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() || strings.HasSuffix(fi.Name(), partSuffix) {
			continue
		}
		id, err := strconv.Atoi(fi.Name())
		if err != nil || id < 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// ParseChunkFileName returns the chunk id for a chunk file path.
func ParseChunkFileName(name string) (int, bool) {
	base := filepath.Base(name)
	if strings.HasSuffix(base, partSuffix) {
		return 0, false
	}
	id, err := strconv.Atoi(base)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// RemoveChunkDir deletes a chunk directory and everything in it.
func RemoveChunkDir(fs billy.Filesystem, dir string) error {
	if dir == "" {
		return nil
	}
	if err := util.RemoveAll(fs, dir); err != nil {
		return fmt.Errorf("remove chunk dir %s: %w: %v", dir, proto.IOError, err)
	}
	return nil
}
