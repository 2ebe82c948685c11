package proto

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Job defaults applied by WithDefaults.
const (
	DefaultChunkSize       int64 = 65536
	DefaultTransferTimeout       = time.Hour
	DefaultConnectTimeout        = time.Minute
	DefaultChunkTimeout          = time.Second
	DefaultMaxAttempts           = 3
)

// Job describes one transfer: what moves, between whom and under which
// constraints. A Job is shared by reference with every protocol instance
// working on the transfer and is treated as immutable once the transfer
// has started; negotiation fills in the remaining fields beforehand.
type Job struct {
	SrcName  string `json:"src_name"`
	SrcHost  string `json:"src_host,omitempty"`
	DestName string `json:"dest_name"`
	DestHost string `json:"dest_host,omitempty"`

	FileSize  int64  `json:"file_size,omitempty"` // 0 when unknown, unless SizeKnown
	MinSize   int64  `json:"min_size,omitempty"`
	MaxSize   int64  `json:"max_size,omitempty"`
	ChunkSize int64  `json:"chunk_size,omitempty"`
	FileHash  string `json:"file_hash,omitempty"` // SHA-1 hex
	FileType  string `json:"file_type,omitempty"`

	// SizeKnown marks FileSize as authoritative, which tells an empty file
	// apart from one of unknown size.
	SizeKnown bool `json:"size_known,omitempty"`

	// ChunkHashes is the per-chunk SHA-1 manifest, indexed by chunk id.
	ChunkHashes []string `json:"chunk_hashes,omitempty"`

	Protocols    []string `json:"protocols,omitempty"`
	RemoteDaemon bool     `json:"remote_daemon"`

	TransferTimeout time.Duration `json:"transfer_timeout,omitempty"`
	ConnectTimeout  time.Duration `json:"connect_timeout,omitempty"`
	ChunkTimeout    time.Duration `json:"chunk_timeout,omitempty"`

	MinBandwidth int64 `json:"min_bandwidth,omitempty"` // bytes per second
	MaxAttempts  int   `json:"max_attempts,omitempty"`
	Strict       bool  `json:"strict"`
	Truncate     bool  `json:"truncate"`

	// Attrs carries protocol specific options such as a login name.
	Attrs map[string]string `json:"attrs,omitempty"`

	// ChunkDir is this host's chunk directory for the transfer. It is
	// never sent over the wire; each side reports its own explicitly.
	ChunkDir string `json:"-"`

	// RemoteChunkDir is the peer's chunk directory, learned during negotiation.
	RemoteChunkDir string `json:"remote_chunk_dir,omitempty"`
}

// WithDefaults returns a copy of the job with unset fields filled in.
func (j *Job) WithDefaults() *Job {
	c := j.Clone()
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxSize <= 0 && c.FileSize > 0 {
		c.MaxSize = c.FileSize
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = DefaultTransferTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = DefaultChunkTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// NewJob returns a job with the historical flag defaults: truncation on,
// strict sizing off and a cooperating daemon assumed on the other side.
func NewJob(srcName, destName string) *Job {
	return &Job{
		SrcName:      srcName,
		DestName:     destName,
		Truncate:     true,
		RemoteDaemon: true,
	}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.ChunkHashes = append([]string(nil), j.ChunkHashes...)
	c.Protocols = append([]string(nil), j.Protocols...)
	if j.Attrs != nil {
		c.Attrs = maps.Clone(j.Attrs)
	}
	return &c
}

// KnownSize reports whether the file size was declared or discovered.
func (j *Job) KnownSize() bool {
	return j.SizeKnown || j.FileSize > 0
}

// NumChunks returns the number of chunks for a known-size job, or 0.
func (j *Job) NumChunks() int {
	if !j.KnownSize() || j.ChunkSize <= 0 {
		return 0
	}
	return int((j.FileSize + j.ChunkSize - 1) / j.ChunkSize)
}

// ChunkHash returns the manifest hash for a chunk, or "" if there is none.
func (j *Job) ChunkHash(id int) string {
	if id < 0 || id >= len(j.ChunkHashes) {
		return ""
	}
	return j.ChunkHashes[id]
}

// Attr returns a protocol option or the fallback if unset.
func (j *Job) Attr(key, fallback string) string {
	if v, ok := j.Attrs[key]; ok && v != "" {
		return v
	}
	return fallback
}

// XmitID returns the transmission id: a SHA-1 over the attributes that
// identify the transfer. Fields filled in during negotiation are excluded
// so both hosts agree on the id.
func (j *Job) XmitID() string {
	var b strings.Builder
	fmt.Fprintf(&b, "src=%s@%s;", j.SrcName, j.SrcHost)
	fmt.Fprintf(&b, "dest=%s@%s;", j.DestName, j.DestHost)
	fmt.Fprintf(&b, "size=%d;chunk=%d;", j.FileSize, j.ChunkSize)
	fmt.Fprintf(&b, "hash=%s;", j.FileHash)
	fmt.Fprintf(&b, "protocols=%s", strings.Join(j.Protocols, ","))
	sum := sha1.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Validate checks the job for internally inconsistent attributes.
func (j *Job) Validate() error {
	if j.SrcName == "" {
		return fmt.Errorf("%w: src_name is required", Inval)
	}
	if j.DestName == "" {
		return fmt.Errorf("%w: dest_name is required", Inval)
	}
	if j.ChunkSize < 0 || j.FileSize < 0 {
		return fmt.Errorf("%w: negative size", Inval)
	}
	if j.MinSize > 0 && j.MaxSize > 0 && j.MinSize > j.MaxSize {
		return fmt.Errorf("%w: min_size %d exceeds max_size %d", Inval, j.MinSize, j.MaxSize)
	}
	if j.KnownSize() {
		if j.MinSize > 0 && j.FileSize < j.MinSize {
			return fmt.Errorf("%w: file size %d below min_size %d", Underflow, j.FileSize, j.MinSize)
		}
		if j.MaxSize > 0 && j.FileSize > j.MaxSize {
			return fmt.Errorf("%w: file size %d exceeds max_size %d", Overflow, j.FileSize, j.MaxSize)
		}
		if len(j.ChunkHashes) > 0 && j.ChunkSize > 0 && len(j.ChunkHashes) != j.NumChunks() {
			return fmt.Errorf("%w: manifest has %d entries, expected %d", Inval, len(j.ChunkHashes), j.NumChunks())
		}
	}
	return nil
}
