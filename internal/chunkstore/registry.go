package chunkstore

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/pkg/proto"
)

type entry struct {
	store  *Store
	owners map[string]struct{}
}

// Registry maps a destination path to the one store shared by every
// protocol instance writing that file.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Acquire returns the store for path, opening it for writing on first use,
// and adds owner to its owner set.
func (r *Registry) Acquire(owner, path string, opts Options) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[path]; ok {
		e.owners[owner] = struct{}{}
		return e.store, nil
	}

	s := New(path, opts)
	if err := s.Open(ModeWrite); err != nil {
		return nil, err
	}
	r.entries[path] = &entry{
		store:  s,
		owners: map[string]struct{}{owner: {}},
	}

	log.Debug().Str("path", path).Str("owner", owner).Msg("chunk store acquired")
	return s, nil
}

// Release removes owner from the store's owner set and closes the store
// once no owners remain.
func (r *Registry) Release(owner, path string) error {
	r.mu.Lock()
	e, ok := r.entries[path]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("release %s: %w: not registered", path, proto.Inval)
	}
	if _, ok := e.owners[owner]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("release %s: %w: %s is not an owner", path, proto.Inval, owner)
	}
	delete(e.owners, owner)
	if len(e.owners) > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, path)
	r.mu.Unlock()

	log.Debug().Str("path", path).Msg("chunk store released")
	return e.store.Close()
}

// Lookup returns the open store for path, if any.
func (r *Registry) Lookup(path string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[path]
	if !ok {
		return nil, false
	}
	return e.store, true
}

// Owners returns the number of owners registered for path.
func (r *Registry) Owners(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[path]; ok {
		return len(e.owners)
	}
	return 0
}

// Len returns the number of open stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
