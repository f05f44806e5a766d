// Package provider maps adapter type names to adapters. Adapters are built
// on first use from a Factory and the shared Deps, then reused for the life
// of the registry.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/logging"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
	"github.com/picklr-io/reconcilr/internal/secrets"
	"github.com/picklr-io/reconcilr/internal/transport"
	"github.com/picklr-io/reconcilr/providers/docker"
)

// Deps are the collaborators adapters are built from. Cloud clients are
// loaded lazily so that a process using only REST adapters never needs AWS
// credentials or a Docker daemon.
type Deps struct {
	AWSConfig func(ctx context.Context) (awssdk.Config, error)
	Docker    func() (docker.API, error)

	Secrets secrets.Store
	Tokens  *secrets.TokenCache

	// HTTP configures clients of REST adapters.
	HTTP []transport.Option

	// DigitalOceanURL overrides the DigitalOcean API endpoint.
	DigitalOceanURL string
}

// Factory builds one adapter.
type Factory func(ctx context.Context, deps Deps) (reconcile.Adapter, error)

// Registry manages the lifecycle of adapters.
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories map[string]Factory
	adapters  map[string]reconcile.Adapter
	policies  map[string]readiness.Policy
	opts      []reconcile.Option
}

// NewRegistry returns an empty registry. opts apply to every Controller it
// hands out.
func NewRegistry(deps Deps, opts ...reconcile.Option) *Registry {
	if deps.AWSConfig != nil {
		deps.AWSConfig = memoize(deps.AWSConfig)
	}
	if deps.Docker != nil {
		deps.Docker = sync.OnceValues(deps.Docker)
	}
	if deps.Tokens == nil && deps.Secrets != nil {
		deps.Tokens = secrets.NewTokenCache(deps.Secrets)
	}
	return &Registry{
		deps:      deps,
		factories: make(map[string]Factory),
		adapters:  make(map[string]reconcile.Adapter),
		policies:  make(map[string]readiness.Policy),
		opts:      opts,
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.adapters, name)
}

// SetPolicy overrides the readiness policy of one adapter type. Zero fields
// keep the adapter's own values.
func (r *Registry) SetPolicy(name string, p readiness.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = p
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Adapter returns the adapter for name, building it on first use.
func (r *Registry) Adapter(ctx context.Context, name string) (reconcile.Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fault.Configurationf("unknown adapter type %q", name)
	}

	logging.Debug("loading adapter", "adapter", name)
	a, err := f(ctx, r.deps)
	if err != nil {
		return nil, fmt.Errorf("failed to load adapter %s: %w", name, err)
	}
	r.adapters[name] = a
	return a, nil
}

// Controller returns a controller for the adapter registered under name.
func (r *Registry) Controller(ctx context.Context, name string, opts ...reconcile.Option) (*reconcile.Controller, error) {
	a, err := r.Adapter(ctx, name)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	all := append([]reconcile.Option(nil), r.opts...)
	if p, ok := r.policies[name]; ok {
		all = append(all, reconcile.WithPolicy(p))
	}
	r.mu.RUnlock()

	return reconcile.NewController(a, append(all, opts...)...), nil
}

// memoize caches the first successful result of load.
func memoize(load func(ctx context.Context) (awssdk.Config, error)) func(ctx context.Context) (awssdk.Config, error) {
	var (
		mu     sync.Mutex
		cfg    awssdk.Config
		loaded bool
	)
	return func(ctx context.Context) (awssdk.Config, error) {
		mu.Lock()
		defer mu.Unlock()
		if loaded {
			return cfg, nil
		}
		c, err := load(ctx)
		if err != nil {
			return awssdk.Config{}, err
		}
		cfg, loaded = c, true
		return cfg, nil
	}
}
