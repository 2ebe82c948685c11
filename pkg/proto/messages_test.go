package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, OK},
		{"bare code", TryAgain, TryAgain},
		{"wrapped code", fmt.Errorf("reserve chunk 3: %w", Duplicate), Duplicate},
		{"plain error", errors.New("boom"), Unhandled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestCode_ErrorsIs(t *testing.T) {
	err := fmt.Errorf("write chunk: %w", Underflow)
	assert.ErrorIs(t, err, Underflow)
	assert.NotErrorIs(t, err, Overflow)
	assert.Contains(t, err.Error(), "underflow (-106)")
}

func TestErrOf(t *testing.T) {
	assert.NoError(t, ErrOf(OK))
	assert.ErrorIs(t, ErrOf(Timeout), Timeout)
}

func TestTransmitState_String(t *testing.T) {
	assert.Equal(t, "success", StateSuccess.String())
	assert.Equal(t, "in_chunks", StateInChunks.String())
	assert.Equal(t, "unknown(42)", TransmitState(42).String())
	assert.True(t, StateFailure.IsFinal())
	assert.False(t, StateInChunks.IsFinal())
}

func TestJob_WithDefaults(t *testing.T) {
	job := NewJob("/src/data.bin", "/dst/data.bin")
	job.FileSize = 10000

	d := job.WithDefaults()
	assert.Equal(t, DefaultChunkSize, d.ChunkSize)
	assert.Equal(t, int64(10000), d.MaxSize)
	assert.Equal(t, time.Hour, d.TransferTimeout)
	assert.Equal(t, time.Second, d.ChunkTimeout)
	assert.Equal(t, 3, d.MaxAttempts)
	assert.True(t, d.Truncate)
	assert.False(t, d.Strict)
	assert.True(t, d.RemoteDaemon)

	// Original is untouched
	assert.Zero(t, job.ChunkSize)
}

func TestJob_NumChunks(t *testing.T) {
	job := &Job{FileSize: 10000, ChunkSize: 4096}
	assert.Equal(t, 3, job.NumChunks())

	job.FileSize = 8192
	assert.Equal(t, 2, job.NumChunks())

	job.FileSize = 0
	assert.Equal(t, 0, job.NumChunks())
	assert.False(t, job.KnownSize())
}

func TestJob_EmptyFileOfKnownSize(t *testing.T) {
	job := &Job{SrcName: "a", DestName: "b", ChunkSize: 4096, SizeKnown: true}
	assert.True(t, job.KnownSize())
	assert.Equal(t, 0, job.NumChunks())
	assert.NoError(t, job.Validate())

	data, err := json.Marshal(job)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"size_known":true`)

	var got Job
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, got.KnownSize())
	assert.Equal(t, job.XmitID(), got.XmitID())
}

func TestJob_XmitIDStable(t *testing.T) {
	job := &Job{SrcName: "a", DestName: "b", FileSize: 10, ChunkSize: 4, FileHash: "abc"}
	id := job.XmitID()
	assert.Len(t, id, 40)

	// Negotiated fields do not change the id
	job.RemoteChunkDir = "b.abc"
	job.ChunkHashes = []string{"x", "y", "z"}
	assert.Equal(t, id, job.XmitID())

	job.DestName = "c"
	assert.NotEqual(t, id, job.XmitID())
}

func TestJob_Validate(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want Code
	}{
		{"ok", Job{SrcName: "a", DestName: "b", FileSize: 10}, OK},
		{"missing src", Job{DestName: "b"}, Inval},
		{"too small", Job{SrcName: "a", DestName: "b", FileSize: 10, MinSize: 20}, Underflow},
		{"too big", Job{SrcName: "a", DestName: "b", FileSize: 30, MaxSize: 20}, Overflow},
		{"bad manifest", Job{SrcName: "a", DestName: "b", FileSize: 10, ChunkSize: 4, ChunkHashes: []string{"x"}}, Inval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.job.Validate()))
		})
	}
}

func TestJob_JSONOmitsLocalChunkDir(t *testing.T) {
	job := &Job{SrcName: "a", DestName: "b", ChunkDir: "local.dir", RemoteChunkDir: "remote.dir"}
	data, err := json.Marshal(job)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "local.dir")
	assert.Contains(t, string(data), "remote.dir")
}

func TestConnectAttrs_For(t *testing.T) {
	attrs := ConnectAttrs{
		"":     {AttrPeerURL: "http://peer:7070", AttrXmitID: "x"},
		"http": {AttrXmitID: "override", "ticket": "t"},
	}

	got := attrs.For("http")
	assert.Equal(t, "http://peer:7070", got[AttrPeerURL])
	assert.Equal(t, "override", got[AttrXmitID])
	assert.Equal(t, "t", got["ticket"])

	assert.Equal(t, "x", attrs.For("ssh")[AttrXmitID])
}
