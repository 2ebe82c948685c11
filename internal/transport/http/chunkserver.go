package http

import (
	"encoding/json"
	"errors"
	nethttp "net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/pkg/proto"
)

// ChunkPath is the route prefix the chunk server is mounted on.
const ChunkPath = "/api/v1/chunks/"

// ChunkServer publishes sender chunk directories. A chunk is fetched with
// GET /api/v1/chunks/{xmit}/{id} and a ticket for the transfer.
type ChunkServer struct {
	fs      billy.Filesystem
	tickets *transport.Tickets

	mu   sync.RWMutex
	dirs map[string]string
}

// NewChunkServer creates a chunk server reading chunk files from fs.
func NewChunkServer(fs billy.Filesystem, tickets *transport.Tickets) *ChunkServer {
	return &ChunkServer{
		fs:      fs,
		tickets: tickets,
		dirs:    make(map[string]string),
	}
}

// Publish makes a transfer's chunk directory available.
func (s *ChunkServer) Publish(xmitID, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[xmitID] = dir
	log.Debug().Str("xmit", xmitID).Str("dir", dir).Msg("chunk dir published")
}

// Unpublish withdraws a transfer's chunk directory.
func (s *ChunkServer) Unpublish(xmitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirs, xmitID)
}

// Published reports whether a transfer is being served.
func (s *ChunkServer) Published(xmitID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dirs[xmitID]
	return ok
}

func (s *ChunkServer) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.Method != nethttp.MethodGet {
		jsonError(w, "method not allowed", nethttp.StatusMethodNotAllowed, proto.Inval)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, ChunkPath), "/")
	if len(parts) != 2 || parts[0] == "" {
		jsonError(w, "expected /{xmit}/{id}", nethttp.StatusBadRequest, proto.Inval)
		return
	}
	xmitID := parts[0]
	id, err := strconv.Atoi(parts[1])
	if err != nil || id < 0 {
		jsonError(w, "invalid chunk id", nethttp.StatusBadRequest, proto.Inval)
		return
	}

	ticket, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := s.tickets.Verify(ticket, xmitID); err != nil {
		jsonError(w, err.Error(), nethttp.StatusUnauthorized, proto.CodeOf(err))
		return
	}

	s.mu.RLock()
	dir, ok := s.dirs[xmitID]
	s.mu.RUnlock()
	if !ok {
		jsonError(w, "transfer not published", nethttp.StatusNotFound, proto.NoData)
		return
	}

	data, err := chunkstore.ReadChunkFile(s.fs, dir, id)
	if err != nil {
		if errors.Is(err, proto.NoData) {
			jsonError(w, err.Error(), nethttp.StatusNotFound, proto.NoData)
			return
		}
		log.Warn().Err(err).Str("xmit", xmitID).Int("chunk", id).Msg("failed to read chunk file")
		jsonError(w, "read chunk failed", nethttp.StatusInternalServerError, proto.IOError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func jsonError(w nethttp.ResponseWriter, message string, code int, status proto.Code) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   nethttp.StatusText(code),
		Code:    code,
		Message: message,
		Status:  status,
	})
}
