// Package workpool bounds server-initiated work. A full pool rejects new
// work instead of queueing it.
package workpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/pkg/proto"
	"golang.org/x/sync/semaphore"
)

// DefaultSize is the default number of concurrent jobs per pool.
const DefaultSize = 10

// Pool runs at most Size jobs at a time.
type Pool struct {
	name  string
	size  int
	sem   *semaphore.Weighted
	inUse atomic.Int64
	wg    sync.WaitGroup

	// OnReject is called with the pool name whenever work is rejected.
	OnReject func(pool string)
}

// New creates a pool. A non-positive size means DefaultSize.
func New(name string, size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{
		name: name,
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Size returns the pool capacity.
func (p *Pool) Size() int { return p.size }

// InUse returns the number of slots held.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// TryAcquire takes a slot without waiting. It returns TryAgain when the
// pool is full.
func (p *Pool) TryAcquire() error {
	if !p.sem.TryAcquire(1) {
		log.Warn().Str("pool", p.name).Int("size", p.size).Msg("worker pool full, rejecting work")
		if p.OnReject != nil {
			p.OnReject(p.name)
		}
		return fmt.Errorf("%s pool: %w", p.name, proto.TryAgain)
	}
	p.inUse.Add(1)
	return nil
}

// Release returns a slot taken with TryAcquire.
func (p *Pool) Release() {
	p.inUse.Add(-1)
	p.sem.Release(1)
}

// Go runs fn in its own goroutine on a slot already taken with TryAcquire
// and releases the slot when fn returns.
func (p *Pool) Go(fn func()) {
	p.wg.Go(func() {
		defer p.Release()
		fn()
	})
}

// TryGo takes a slot and runs fn on it, or returns TryAgain.
func (p *Pool) TryGo(fn func()) error {
	if err := p.TryAcquire(); err != nil {
		return err
	}
	p.Go(fn)
	return nil
}

// Wait blocks until every job started with Go has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
