package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/chunkstore"
	"github.com/xferd/xferd/internal/protocol"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/pkg/proto"
)

// ConnectorConfig holds connector settings.
type ConnectorConfig struct {
	ParallelSetups int
	MaxRetries     int
	RetryDelay     time.Duration
}

// DefaultConnectorConfig returns sensible defaults.
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		ParallelSetups: 4,
		MaxRetries:     1,
		RetryDelay:     500 * time.Millisecond,
	}
}

// SetupOptions are passed to every instance the connector builds.
type SetupOptions struct {
	Stats     transmit.StatsRecorder
	Observers []protocol.Observer
}

// SetupResult contains the outcome of setting up one protocol.
type SetupResult struct {
	Protocol string
	Latency  time.Duration
	Error    error
}

// Connector builds protocol instances for a transfer and sets them up in
// parallel. Only the instances that connected are returned.
type Connector struct {
	registry *Registry
	config   ConnectorConfig
}

// NewConnector creates a new connector.
func NewConnector(registry *Registry, config ConnectorConfig) *Connector {
	if config.ParallelSetups <= 0 {
		config.ParallelSetups = 1
	}
	return &Connector{
		registry: registry,
		config:   config,
	}
}

// Registry returns the registry instances are built from.
func (c *Connector) Registry() *Registry {
	return c.registry
}

// SetupReceivers builds and sets up a receiver for every named protocol.
// The connected receivers are returned in the order of names.
func (c *Connector) SetupReceivers(ctx context.Context, job *proto.Job, store *chunkstore.Store, names []string, attrs proto.ConnectAttrs, opts SetupOptions) ([]*transmit.Receiver, []SetupResult) {
	return setupAll(ctx, c, names, RoleReceiver, attrs, func(ctx context.Context, t Transport, a map[string]string) (*transmit.Receiver, error) {
		adapter := t.NewReceiver()
		r := transmit.NewReceiver(adapter, opts.Stats, opts.Observers...)
		if err := r.Setup(ctx, job, store, a); err != nil {
			_ = adapter.Close()
			return nil, err
		}
		return r, nil
	})
}

// SetupSenders builds and sets up a sender for every named protocol.
// The connected senders are returned in the order of names.
func (c *Connector) SetupSenders(ctx context.Context, job *proto.Job, names []string, attrs proto.ConnectAttrs, opts SetupOptions) ([]*transmit.Sender, []SetupResult) {
	return setupAll(ctx, c, names, RoleSender, attrs, func(ctx context.Context, t Transport, a map[string]string) (*transmit.Sender, error) {
		adapter := t.NewSender()
		s := transmit.NewSender(adapter, opts.Stats, opts.Observers...)
		if err := s.Setup(ctx, job, a); err != nil {
			_ = adapter.Close()
			return nil, err
		}
		return s, nil
	})
}

type setupFunc[T any] func(ctx context.Context, t Transport, attrs map[string]string) (T, error)

func setupAll[T any](ctx context.Context, c *Connector, names []string, role Role, attrs proto.ConnectAttrs, setup setupFunc[T]) ([]T, []SetupResult) {
	results := make([]SetupResult, len(names))
	instances := make([]T, len(names))
	ok := make([]bool, len(names))

	var wg sync.WaitGroup
	// Create a semaphore to limit parallelism
	sem := make(chan struct{}, c.config.ParallelSetups)

	for i, name := range names {
		t, found := c.registry.Get(name)
		if !found {
			results[i] = SetupResult{
				Protocol: name,
				Error:    fmt.Errorf("%w: protocol %s not registered", proto.NotImplemented, name),
			}
			continue
		}

		a := attrs.For(name)
		if missing := Capabilities(t, role).Missing(a); len(missing) > 0 {
			results[i] = SetupResult{
				Protocol: name,
				Error:    fmt.Errorf("%s: %w: missing attributes %v", name, proto.NoConnect, missing),
			}
			continue
		}

		idx := i
		wg.Go(func() {
			// Acquire semaphore
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[idx] = SetupResult{Protocol: name, Error: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			start := time.Now()
			inst, err := setupWithRetry(ctx, c.config, name, role, func() (T, error) {
				return setup(ctx, t, a)
			})
			results[idx] = SetupResult{Protocol: name, Latency: time.Since(start), Error: err}
			if err == nil {
				instances[idx] = inst
				ok[idx] = true
			}
		})
	}

	wg.Wait()

	connected := make([]T, 0, len(names))
	for i := range names {
		if ok[i] {
			connected = append(connected, instances[i])
		}
	}
	return connected, results
}

func setupWithRetry[T any](ctx context.Context, config ConnectorConfig, name string, role Role, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(config.RetryDelay):
			}
		}

		inst, err := fn()
		if err == nil {
			log.Debug().
				Str("protocol", name).
				Str("role", role.String()).
				Int("attempt", attempt+1).
				Msg("protocol instance connected")
			return inst, nil
		}

		lastErr = err
		log.Debug().
			Err(err).
			Str("protocol", name).
			Str("role", role.String()).
			Int("attempt", attempt+1).
			Msg("protocol setup failed")
	}
	return zero, lastErr
}

// Connected returns the protocols whose setup succeeded.
func Connected(results []SetupResult) []string {
	var names []string
	for _, r := range results {
		if r.Error == nil {
			names = append(names, r.Protocol)
		}
	}
	return names
}
