// Package classifier ranks protocols by the throughput they achieved on
// earlier transfers with similar features. It is advisory: without enough
// history it has no opinion.
package classifier

import (
	"fmt"
	"math/bits"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/pkg/proto"
	"gopkg.in/yaml.v3"
)

// DefaultMinSamples is the number of finished transfers a protocol needs
// under a feature set before it is ranked.
const DefaultMinSamples = 3

const unknownType = "application/octet-stream"

// Features is the feature vector derived from a job.
type Features struct {
	SizeBucket int    // bit length of the file size, 0 when unknown
	FileType   string // MIME type without parameters
	HourOctant int    // hour of day / 3
}

func (f Features) key() string {
	return fmt.Sprintf("%d|%s|%d", f.SizeBucket, f.FileType, f.HourOctant)
}

// Performance holds one protocol's chunk counters for a live transfer.
type Performance struct {
	Chunks   int
	Failures int
	Bytes    int64
	Elapsed  time.Duration
}

// Throughput returns bytes per second over successful chunks.
func (p Performance) Throughput() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.Bytes) / p.Elapsed.Seconds()
}

// sample is the learned history of one protocol under one feature set.
type sample struct {
	Transfers int     `yaml:"transfers"`
	Successes int     `yaml:"successes"`
	Bytes     int64   `yaml:"bytes"`
	Seconds   float64 `yaml:"seconds"`
}

func (s *sample) score() float64 {
	if s.Transfers == 0 || s.Seconds <= 0 {
		return 0
	}
	rate := float64(s.Successes) / float64(s.Transfers)
	return rate * float64(s.Bytes) / s.Seconds
}

// persistedModel is the YAML structure saved to disk.
type persistedModel struct {
	Version int                           `yaml:"version"`
	Entries map[string]map[string]*sample `yaml:"entries"`
}

// Config holds classifier settings.
type Config struct {
	// StatsFile persists the model between runs. Empty keeps it in memory.
	StatsFile  string
	MinSamples int
	Now        func() time.Time
}

// Classifier learns per-protocol throughput from finished transfers.
type Classifier struct {
	cfg Config

	mu    sync.Mutex
	model map[string]map[string]*sample
	live  map[string]map[string]*Performance // xmit id -> protocol
}

// New creates a classifier and loads the stats file if one exists.
func New(cfg Config) (*Classifier, error) {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Classifier{
		cfg:   cfg,
		model: make(map[string]map[string]*sample),
		live:  make(map[string]map[string]*Performance),
	}
	if cfg.StatsFile != "" {
		if err := c.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load classifier stats: %w", err)
		}
	}
	return c, nil
}

// ExtractFeatures derives the feature vector for job at time now.
func (c *Classifier) ExtractFeatures(job *proto.Job, now time.Time) Features {
	f := Features{
		FileType:   fileType(job),
		HourOctant: now.Hour() / 3,
	}
	if job.KnownSize() {
		f.SizeBucket = bits.Len64(uint64(job.FileSize))
	}
	return f
}

func fileType(job *proto.Job) string {
	t := job.FileType
	if t == "" {
		t = mime.TypeByExtension(filepath.Ext(job.DestName))
	}
	if t == "" {
		t = mime.TypeByExtension(filepath.Ext(job.SrcName))
	}
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	t = strings.TrimSpace(t)
	if t == "" {
		return unknownType
	}
	return t
}

// BestProtocol returns the protocol with the highest success-weighted
// throughput among those with enough history for f.
func (c *Classifier) BestProtocol(f Features) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.model[f.key()]
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestScore := "", 0.0
	for _, name := range names {
		s := entries[name]
		if s.Transfers < c.cfg.MinSamples {
			continue
		}
		if score := s.score(); score > bestScore {
			best, bestScore = name, score
		}
	}
	return best, best != ""
}

// RecordChunk implements transmit.StatsRecorder.
func (c *Classifier) RecordChunk(job *proto.Job, protocol string, success bool, start, end time.Time, size int) {
	id := job.XmitID()

	c.mu.Lock()
	defer c.mu.Unlock()

	perf := c.live[id]
	if perf == nil {
		perf = make(map[string]*Performance)
		c.live[id] = perf
	}
	p := perf[protocol]
	if p == nil {
		p = &Performance{}
		perf[protocol] = p
	}
	p.Chunks++
	if !success {
		p.Failures++
		return
	}
	p.Bytes += int64(size)
	p.Elapsed += end.Sub(start)
}

// ProtoPerformance returns the counters of a protocol on a live transfer.
func (c *Classifier) ProtoPerformance(job *proto.Job, protocol string) Performance {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p := c.live[job.XmitID()][protocol]; p != nil {
		return *p
	}
	return Performance{}
}

// EndTransfer folds the transfer's counters into the model and forgets
// them. Every protocol that carried data counts as a sample.
func (c *Classifier) EndTransfer(job *proto.Job, success bool) {
	id := job.XmitID()
	key := c.ExtractFeatures(job, c.cfg.Now()).key()

	c.mu.Lock()
	perf := c.live[id]
	delete(c.live, id)
	if len(perf) == 0 {
		c.mu.Unlock()
		return
	}

	entries := c.model[key]
	if entries == nil {
		entries = make(map[string]*sample)
		c.model[key] = entries
	}
	for name, p := range perf {
		s := entries[name]
		if s == nil {
			s = &sample{}
			entries[name] = s
		}
		s.Transfers++
		if success && p.Bytes > 0 {
			s.Successes++
			s.Bytes += p.Bytes
			s.Seconds += p.Elapsed.Seconds()
		}
	}
	c.mu.Unlock()

	log.Debug().
		Str("xmit", id).
		Bool("success", success).
		Int("protocols", len(perf)).
		Msg("classifier updated")

	if c.cfg.StatsFile != "" {
		if err := c.Save(); err != nil {
			log.Warn().Err(err).Str("path", c.cfg.StatsFile).Msg("failed to save classifier stats")
		}
	}
}

// load reads the persisted model from disk.
func (c *Classifier) load() error {
	data, err := os.ReadFile(c.cfg.StatsFile)
	if err != nil {
		return err
	}

	var persisted persistedModel
	if err := yaml.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if persisted.Entries != nil {
		c.model = persisted.Entries
	}
	return nil
}

// Save writes the model to the stats file.
func (c *Classifier) Save() error {
	if c.cfg.StatsFile == "" {
		return nil
	}
	c.mu.Lock()
	data, err := yaml.Marshal(persistedModel{Version: 1, Entries: c.model})
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.cfg.StatsFile), 0700); err != nil {
		return fmt.Errorf("create stats directory: %w", err)
	}

	// Write atomically by writing to temp file then renaming
	tempFile := c.cfg.StatsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tempFile, c.cfg.StatsFile); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
