package classifier

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xferd/xferd/pkg/proto"
	"github.com/xferd/xferd/testutil"
)

var noon = time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)

func newTestClassifier(t *testing.T, statsFile string) *Classifier {
	t.Helper()
	c, err := New(Config{StatsFile: statsFile, MinSamples: 2, Now: func() time.Time { return noon }})
	require.NoError(t, err)
	return c
}

func jobFor(name string, size int64) *proto.Job {
	job := proto.NewJob("/src/"+name, "/dst/"+name)
	job.FileSize = size
	return job.WithDefaults()
}

// transfer records one chunk per protocol, taking elapsed[name] each.
func transfer(c *Classifier, job *proto.Job, elapsed map[string]time.Duration, success bool) {
	for name, d := range elapsed {
		c.RecordChunk(job, name, true, noon, noon.Add(d), 1<<20)
	}
	c.EndTransfer(job, success)
}

func TestExtractFeatures(t *testing.T) {
	c := newTestClassifier(t, "")

	f := c.ExtractFeatures(jobFor("report.txt", 1000), noon)
	assert.Equal(t, 10, f.SizeBucket)
	assert.Equal(t, "text/plain", f.FileType)
	assert.Equal(t, 4, f.HourOctant)

	f = c.ExtractFeatures(jobFor("blob", 0), noon.Add(-12*time.Hour))
	assert.Equal(t, 0, f.SizeBucket)
	assert.Equal(t, unknownType, f.FileType)
	assert.Equal(t, 0, f.HourOctant)

	job := jobFor("x", 10)
	job.FileType = "image/png"
	assert.Equal(t, "image/png", c.ExtractFeatures(job, noon).FileType)
}

func TestBestProtocol_UntrainedHasNoOpinion(t *testing.T) {
	c := newTestClassifier(t, "")
	best, ok := c.BestProtocol(c.ExtractFeatures(jobFor("a.bin", 4096), noon))
	assert.False(t, ok)
	assert.Empty(t, best)
}

func TestBestProtocol_NeedsMinSamples(t *testing.T) {
	c := newTestClassifier(t, "")
	job := jobFor("a.bin", 4096)
	f := c.ExtractFeatures(job, noon)

	transfer(c, job, map[string]time.Duration{"http": time.Second}, true)
	_, ok := c.BestProtocol(f)
	assert.False(t, ok)

	transfer(c, job, map[string]time.Duration{"http": time.Second}, true)
	best, ok := c.BestProtocol(f)
	assert.True(t, ok)
	assert.Equal(t, "http", best)
}

func TestBestProtocol_PrefersFasterProtocol(t *testing.T) {
	c := newTestClassifier(t, "")
	job := jobFor("a.bin", 4096)
	for i := 0; i < 3; i++ {
		transfer(c, job, map[string]time.Duration{
			"http": 4 * time.Second,
			"ssh":  time.Second,
		}, true)
	}
	best, ok := c.BestProtocol(c.ExtractFeatures(job, noon))
	assert.True(t, ok)
	assert.Equal(t, "ssh", best)

	// Other feature sets stay untrained
	_, ok = c.BestProtocol(c.ExtractFeatures(jobFor("a.bin", 1<<30), noon))
	assert.False(t, ok)
}

func TestBestProtocol_FailedTransfersCount(t *testing.T) {
	c := newTestClassifier(t, "")
	job := jobFor("a.bin", 4096)
	transfer(c, job, map[string]time.Duration{"ssh": time.Second}, false)
	transfer(c, job, map[string]time.Duration{"ssh": time.Second}, false)

	// Samples exist but no successful throughput
	_, ok := c.BestProtocol(c.ExtractFeatures(job, noon))
	assert.False(t, ok)
}

func TestProtoPerformance(t *testing.T) {
	c := newTestClassifier(t, "")
	job := jobFor("a.bin", 4096)

	c.RecordChunk(job, "http", true, noon, noon.Add(500*time.Millisecond), 1000)
	c.RecordChunk(job, "http", false, noon, noon.Add(time.Second), 1000)
	c.RecordChunk(job, "http", true, noon, noon.Add(500*time.Millisecond), 1000)

	p := c.ProtoPerformance(job, "http")
	assert.Equal(t, 3, p.Chunks)
	assert.Equal(t, 1, p.Failures)
	assert.Equal(t, int64(2000), p.Bytes)
	assert.InDelta(t, 2000.0, p.Throughput(), 0.001)

	assert.Equal(t, Performance{}, c.ProtoPerformance(job, "ssh"))

	c.EndTransfer(job, true)
	assert.Equal(t, Performance{}, c.ProtoPerformance(job, "http"))
}

func TestStatsFilePersists(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "stats", "classifier.yaml")

	c := newTestClassifier(t, path)
	job := jobFor("a.bin", 4096)
	transfer(c, job, map[string]time.Duration{"websocket": time.Second}, true)
	transfer(c, job, map[string]time.Duration{"websocket": time.Second}, true)
	assert.FileExists(t, path)

	reloaded := newTestClassifier(t, path)
	best, ok := reloaded.BestProtocol(reloaded.ExtractFeatures(job, noon))
	assert.True(t, ok)
	assert.Equal(t, "websocket", best)
}

func TestNew_BadStatsFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "stats.yaml", "entries: [not, a, map]")

	_, err := New(Config{StatsFile: path})
	assert.Error(t, err)
}
