package transfer

import (
	"time"

	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/pkg/proto"
)

// Role says which side of a transfer a record describes.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// Record is one entry of the transmission table. Lookups return a copy;
// callers re-fetch it on every pass instead of holding on to one, since
// other goroutines attach instances while a transfer runs.
type Record struct {
	XmitID string
	Role   Role
	Job    *proto.Job

	// Store is the reassembly target on the receiving side.
	Store *chunkstore.Store

	Senders   []*transmit.Sender
	Receivers []*transmit.Receiver

	Started      time.Time
	RemoteDaemon bool
	Negotiated   bool
}

func (r *Record) snapshot() *Record {
	c := *r
	c.Senders = append([]*transmit.Sender(nil), r.Senders...)
	c.Receivers = append([]*transmit.Receiver(nil), r.Receivers...)
	return &c
}

// ChunkIDs returns the ids of every chunk of the job.
func (r *Record) ChunkIDs() []int {
	n := r.Job.NumChunks()
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

type tableKey struct {
	role Role
	id   string
}
