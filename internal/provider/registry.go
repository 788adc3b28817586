package provider

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"
)

// Factory builds a provider instance from its configuration.
type Factory func(cfg Config, logger *slog.Logger) (Provider, error)

// Registry maps provider id to live instance. Reads take a snapshot of a
// copy-on-write map; Apply swaps in a new map after diffing against the
// previous configuration, so a hot reload never blocks senders.
type Registry struct {
	logger    *slog.Logger
	factories map[string]Factory

	mu        sync.RWMutex
	providers map[string]Provider
	configs   map[string]Config
}

// NewRegistry creates a registry with the built-in provider factories.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		factories: map[string]Factory{
			"sms_bridge": NewBridge,
			"cloud_sms":  NewCloudSMS,
			"mock":       NewMock,
		},
		providers: make(map[string]Provider),
		configs:   make(map[string]Config),
	}
}

// RegisterFactory adds a provider type. Must be called before Apply.
func (r *Registry) RegisterFactory(providerType string, factory Factory) {
	r.factories[providerType] = factory
}

// Apply reconciles the registry with a new configuration set. Newly
// enabled providers are created and initialised; disabled or removed ones
// are disconnected; changed ones are recreated. A single failing provider
// is logged and skipped, never blocking the rest.
func (r *Registry) Apply(ctx context.Context, configs []Config) {
	desired := make(map[string]Config, len(configs))
	for _, cfg := range configs {
		if cfg.Enabled {
			desired[cfg.ID] = cfg
		}
	}

	r.mu.Lock()
	previous := r.providers
	previousConfigs := r.configs
	r.mu.Unlock()

	next := make(map[string]Provider, len(desired))
	nextConfigs := make(map[string]Config, len(desired))

	for id, cfg := range desired {
		existing, exists := previous[id]
		if exists && reflect.DeepEqual(previousConfigs[id], cfg) {
			next[id] = existing
			nextConfigs[id] = cfg
			continue
		}
		if exists {
			r.disconnect(ctx, existing)
		}

		instance, err := r.build(ctx, cfg)
		if err != nil {
			r.logger.Error("provider failed to start", "provider", id, "error", err)
			continue
		}
		next[id] = instance
		nextConfigs[id] = cfg
		r.logger.Info("provider started", "provider", id, "type", cfg.Type)
	}

	for id, instance := range previous {
		if _, kept := next[id]; !kept {
			r.disconnect(ctx, instance)
			r.logger.Info("provider stopped", "provider", id)
		}
	}

	r.mu.Lock()
	r.providers = next
	r.configs = nextConfigs
	r.mu.Unlock()
}

func (r *Registry) build(ctx context.Context, cfg Config) (Provider, error) {
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	instance, err := factory(cfg, r.logger)
	if err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := instance.Initialize(initCtx); err != nil {
		// Keep the instance: the router's health model tracks it as
		// unhealthy and the health-check worker retries it.
		r.logger.Warn("provider initialize failed, starting unhealthy",
			"provider", cfg.ID, "error", err)
	}
	return instance, nil
}

func (r *Registry) disconnect(ctx context.Context, instance Provider) {
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := instance.Disconnect(stopCtx); err != nil {
		r.logger.Warn("provider disconnect failed", "provider", instance.ID(), "error", err)
	}
}

// Get returns a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// List returns all live providers ordered by id.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Category returns the configured category of a provider id.
func (r *Registry) Category(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.configs[id].Category
}

// Close disconnects every provider.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	providers := r.providers
	r.providers = make(map[string]Provider)
	r.configs = make(map[string]Config)
	r.mu.Unlock()

	for _, instance := range providers {
		r.disconnect(ctx, instance)
	}
}
