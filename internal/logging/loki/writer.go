// Package loki ships daemon log lines to a Grafana Loki push endpoint. The
// Writer plugs into zerolog as an extra output next to the console.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// PushPath is Loki's push API.
const PushPath = "/loki/api/v1/push"

// Defaults for Config.
const (
	DefaultBatchSize     = 100
	DefaultMaxBuffered   = 10000
	DefaultFlushInterval = 5 * time.Second
	DefaultTimeout       = 10 * time.Second
)

// maxReportedErrors bounds the errors echoed to stderr.
const maxReportedErrors = 3

// Config holds Writer settings.
type Config struct {
	URL    string            // Loki base URL, e.g. "http://loki:3100"
	Labels map[string]string // Static stream labels; "job" defaults to xferd

	BatchSize     int // entries that trigger an early flush
	MaxBuffered   int // entries kept while Loki is unreachable; oldest are dropped
	FlushInterval time.Duration
	Timeout       time.Duration
	// Compress gzips push bodies.
	Compress bool
}

// Writer implements io.Writer. Lines are buffered and pushed in batches
// from a background goroutine, so Write never blocks on the network.
type Writer struct {
	cfg    Config
	url    string
	client *http.Client

	mu     sync.Mutex
	labels map[string]string
	buffer []entry

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	flushMu sync.Mutex // serializes pushes
	errors  atomic.Uint64
	dropped atomic.Uint64
}

type entry struct {
	ts   time.Time
	line string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter creates a writer and starts its flush loop. Close flushes and
// stops it.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		cfg.MaxBuffered = max(DefaultMaxBuffered, cfg.BatchSize)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	labels := map[string]string{"job": "xferd"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		cfg:     cfg,
		url:     cfg.URL + PushPath,
		client:  &http.Client{Timeout: cfg.Timeout},
		labels:  labels,
		buffer:  make([]entry, 0, cfg.BatchSize),
		trigger: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

// Write buffers one log line. It never fails so that an unreachable Loki
// cannot disturb logging.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	if len(w.buffer) >= w.cfg.MaxBuffered {
		w.buffer = w.buffer[1:]
		w.dropped.Add(1)
	}
	w.buffer = append(w.buffer, entry{ts: time.Now(), line: line})
	full := len(w.buffer) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Flush()
		case <-w.trigger:
			w.Flush()
		}
	}
}

// Close stops the flush loop and pushes what is left.
func (w *Writer) Close() error {
	w.cancel()
	<-w.done
	w.Flush()
	return nil
}

// Flush pushes buffered lines now. Lines are requeued when the push fails.
func (w *Writer) Flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.cfg.BatchSize)
	labels := make(map[string]string, len(w.labels))
	for k, v := range w.labels {
		labels[k] = v
	}
	w.mu.Unlock()

	if err := w.push(labels, entries); err != nil {
		if n := w.errors.Add(1); n <= maxReportedErrors {
			// stderr, not the logger: logging here would feed back into w
			fmt.Fprintf(os.Stderr, "loki: %v\n", err)
		}
		w.requeue(entries)
	}
}

// requeue puts failed entries back in front of newer ones, keeping at
// most MaxBuffered.
func (w *Writer) requeue(entries []entry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	merged := append(entries, w.buffer...)
	if over := len(merged) - w.cfg.MaxBuffered; over > 0 {
		merged = merged[over:]
		w.dropped.Add(uint64(over))
	}
	w.buffer = merged
}

func (w *Writer) push(labels map[string]string, entries []entry) error {
	values := make([][2]string, len(entries))
	for i, e := range entries {
		values[i] = [2]string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
	}
	data, err := json.Marshal(pushRequest{Streams: []stream{{Stream: labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var body bytes.Buffer
	if w.cfg.Compress {
		zw := gzip.NewWriter(&body)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress payload: %w", err)
		}
	} else {
		body.Write(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// Errors returns the number of failed pushes.
func (w *Writer) Errors() uint64 { return w.errors.Load() }

// Dropped returns the number of lines discarded because the buffer was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// SetLabels adds labels to future pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}
