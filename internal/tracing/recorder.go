// Package tracing keeps a rolling runtime trace of the daemon in memory so a
// stalled or slow transfer can be inspected after the fact with
// `go tool trace`.
package tracing

import (
	"errors"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// DefaultMinAge is how much history the ring buffer tries to keep.
const DefaultMinAge = 30 * time.Second

// ErrNotRunning is returned by Snapshot after Stop.
var ErrNotRunning = errors.New("trace recorder not running")

// Recorder wraps a runtime flight recorder. Only one can run per process.
type Recorder struct {
	mu  sync.Mutex
	fr  *trace.FlightRecorder
	max uint64
}

// Start starts a recorder keeping up to bufferSize bytes of trace.
func Start(bufferSize int) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   DefaultMinAge,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, err
	}
	return &Recorder{fr: fr, max: uint64(bufferSize)}, nil
}

// Snapshot writes the buffered trace to w.
func (r *Recorder) Snapshot(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr == nil {
		return ErrNotRunning
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop stops the recorder. It is safe to call Stop multiple times.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}

// ServeHTTP streams a snapshot as a download.
func (r *Recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="xferd.trace"`)
	if err := r.Snapshot(w); err != nil {
		// Headers may already be out; the client sees a short download.
		log.Warn().Err(err).Msg("trace snapshot failed")
		if errors.Is(err, ErrNotRunning) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
	}
}
