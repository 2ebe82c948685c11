// Package local implements the local protocol for peers sharing a
// filesystem: the receiver reads the sender's chunk files directly, or
// copies the source file when there is no daemon on the other side.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/pkg/proto"
)

// Transport implements the local protocol.
type Transport struct {
	fs billy.Filesystem
}

// New creates a local transport over fs.
func New(fs billy.Filesystem) *Transport {
	return &Transport{fs: fs}
}

func (t *Transport) Name() string { return transport.ProtocolLocal }

func (t *Transport) SenderCapabilities() transmit.Capabilities {
	return transmit.Capabilities{Active: false, Chunking: transmit.ChunkingDeterministic}
}

func (t *Transport) ReceiverCapabilities() transmit.Capabilities {
	return transmit.Capabilities{Active: true, Chunking: transmit.ChunkingDeterministic}
}

func (t *Transport) NewSender() transmit.SenderAdapter {
	return &sender{}
}

func (t *Transport) NewReceiver() transmit.ReceiverAdapter {
	return &receiver{fs: t.fs}
}

func (t *Transport) ConnectAttrs(string, transport.Role) (map[string]string, error) {
	return nil, nil
}

func (t *Transport) Close() error { return nil }

// sender has nothing to do: the chunk files are already on disk.
type sender struct{}

func (sender) Name() string { return transport.ProtocolLocal }

func (sender) Capabilities() transmit.Capabilities {
	return transmit.Capabilities{Active: false, Chunking: transmit.ChunkingDeterministic}
}

func (sender) SendJob(context.Context, *proto.Job) error               { return nil }
func (sender) AwaitReceiver(context.Context, map[string]string) error  { return nil }
func (sender) OpenConnection(context.Context, *proto.Job) error        { return nil }
func (sender) SendChunk(context.Context, transmit.Chunk) (bool, error) { return false, nil }
func (sender) Close() error                                            { return nil }

// receiver reads chunks straight from the sender's chunk directory.
type receiver struct {
	fs  billy.Filesystem
	job *proto.Job
}

func (r *receiver) Name() string { return transport.ProtocolLocal }

func (r *receiver) Capabilities() transmit.Capabilities {
	return transmit.Capabilities{Active: true, Chunking: transmit.ChunkingDeterministic}
}

func (r *receiver) RecvJob(_ context.Context, job *proto.Job) error {
	r.job = job
	return nil
}

// AwaitSender checks that the sender's files are visible from this host.
func (r *receiver) AwaitSender(context.Context, map[string]string) error {
	if r.job.RemoteDaemon {
		if r.job.RemoteChunkDir == "" {
			return fmt.Errorf("%w: no remote chunk dir", proto.NoConnect)
		}
		fi, err := r.fs.Stat(r.job.RemoteChunkDir)
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("%w: chunk dir %s not visible", proto.NoConnect, r.job.RemoteChunkDir)
		}
		return nil
	}

	fi, err := r.fs.Stat(r.job.SrcName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", r.job.SrcName, proto.FileNotFound)
		}
		return fmt.Errorf("%w: stat %s: %v", proto.NoConnect, r.job.SrcName, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", proto.Inval, r.job.SrcName)
	}
	return nil
}

func (r *receiver) OpenConnection(context.Context, *proto.Job) error {
	return nil
}

func (r *receiver) RecvChunks(ctx context.Context, sink transmit.Sink, want []int) error {
	if !r.job.RemoteDaemon {
		return r.copyWhole(sink)
	}

	var errs []error
	for _, id := range want {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := chunkstore.ReadChunkFile(r.fs, r.job.RemoteChunkDir, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := sink.AddChunk(id, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// copyWhole copies the source file next to the destination and hands it
// over in one piece.
func (r *receiver) copyWhole(sink transmit.Sink) error {
	dir := r.job.ChunkDir
	if dir == "" {
		dir = filepath.Dir(r.job.DestName)
	}
	if err := r.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create copy dir: %w: %v", proto.IOError, err)
	}

	src, err := r.fs.Open(r.job.SrcName)
	if err != nil {
		return fmt.Errorf("open %s: %w: %v", r.job.SrcName, proto.IOError, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := r.fs.TempFile(dir, ".xferd-copy-")
	if err != nil {
		return fmt.Errorf("create copy file: %w: %v", proto.IOError, err)
	}
	tmp := r.fs.Join(r.fs.Root(), dst.Name())

	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = r.fs.Remove(dst.Name())
		return fmt.Errorf("copy %s: %w: %v", r.job.SrcName, proto.IOError, err)
	}

	log.Debug().Str("path", r.job.SrcName).Int64("bytes", n).Msg("copied whole file")
	if err := sink.WholeFile(tmp); err != nil {
		_ = r.fs.Remove(dst.Name())
		return err
	}
	return nil
}

func (r *receiver) Close() error { return nil }
