package transport

import (
	"fmt"
	"slices"
	"sync"

	"github.com/xferd/xferd/pkg/proto"
)

// RegistryConfig holds configuration for the transport registry.
type RegistryConfig struct {
	DefaultOrder []string
}

// Registry maps protocol names to transports. It is populated once at
// startup and read concurrently afterwards.
type Registry struct {
	transports   map[string]Transport
	defaultOrder []string
	mu           sync.RWMutex
}

// NewRegistry creates a new transport registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	defaultOrder := cfg.DefaultOrder
	if len(defaultOrder) == 0 {
		defaultOrder = DefaultOrder
	}

	return &Registry{
		transports:   make(map[string]Transport),
		defaultOrder: slices.Clone(defaultOrder),
	}
}

// Register adds a transport implementation.
func (r *Registry) Register(t Transport) error {
	if t == nil {
		return fmt.Errorf("transport cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.transports[name]; exists {
		return fmt.Errorf("transport %s already registered", name)
	}

	r.transports[name] = t
	return nil
}

// Get returns a transport by name.
func (r *Registry) Get(name string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transports[name]
	return t, ok
}

// GetAll returns all registered transports.
func (r *Registry) GetAll() map[string]Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Transport, len(r.transports))
	for k, v := range r.transports {
		result[k] = v
	}
	return result
}

// Names returns the registered protocol names in preference order.
// Registered protocols missing from the order come last, by name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.transports))
	for _, name := range r.defaultOrder {
		if _, ok := r.transports[name]; ok {
			names = append(names, name)
		}
	}
	var rest []string
	for name := range r.transports {
		if !slices.Contains(names, name) {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	return append(names, rest...)
}

// PreferredOrder returns the registered protocols allowed by a job's
// protocol list, in preference order. An empty allow-list allows all.
func (r *Registry) PreferredOrder(allowed []string) []string {
	names := r.Names()
	if len(allowed) == 0 {
		return names
	}
	return slices.DeleteFunc(names, func(name string) bool {
		return !slices.Contains(allowed, name)
	})
}

// Intersect returns the registered protocols that also appear in remote,
// in local preference order.
func (r *Registry) Intersect(remote []string) []string {
	return slices.DeleteFunc(r.Names(), func(name string) bool {
		return !slices.Contains(remote, name)
	})
}

// ActiveFlags reports, for each name, whether its adapter for role pushes
// data. Unknown names are reported as passive.
func (r *Registry) ActiveFlags(names []string, role Role) []bool {
	flags := make([]bool, len(names))
	for i, name := range names {
		if t, ok := r.Get(name); ok {
			flags[i] = Capabilities(t, role).Active
		}
	}
	return flags
}

// ConnectAttrs collects the attributes every named transport advertises
// for role, keyed by protocol name.
func (r *Registry) ConnectAttrs(xmitID string, names []string, role Role) (proto.ConnectAttrs, error) {
	attrs := make(proto.ConnectAttrs, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			continue
		}
		a, err := t.ConnectAttrs(xmitID, role)
		if err != nil {
			return nil, fmt.Errorf("%s connect attributes: %w", name, err)
		}
		if len(a) > 0 {
			attrs[name] = a
		}
	}
	return attrs, nil
}

// SetDefaultOrder sets the default protocol order.
func (r *Registry) SetDefaultOrder(order []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaultOrder = slices.Clone(order)
}

// Close closes all registered transports.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for _, t := range r.transports {
		if err := t.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
