// Package registry implements the Provider Registry & Dispatcher (spec
// §4.7): the set of enabled providers, a default, and a fallback chain,
// with health-gated dispatch across them.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/sandboxrun/pkg/apperror"
	"github.com/cuemby/sandboxrun/pkg/log"
	"github.com/cuemby/sandboxrun/pkg/metrics"
	"github.com/cuemby/sandboxrun/pkg/provider"
	"github.com/cuemby/sandboxrun/pkg/types"
	"github.com/rs/zerolog"
)

// Registry holds the registered providers, the designated default, and
// the ordered fallback chain. Every operation takes the registry as an
// explicit receiver rather than relying on package-level state, so tests
// can construct as many independent registries as they need (spec §9
// design note: "implementers are encouraged to make it an explicit
// value").
type Registry struct {
	mu            sync.RWMutex
	providers     map[types.ProviderTag]provider.Provider
	defaultTag    types.ProviderTag
	fallbackChain []types.ProviderTag
	logger        zerolog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		providers: make(map[types.ProviderTag]provider.Provider),
		logger:    log.WithComponent("registry"),
	}
}

// Register adds p under its own Tag, replacing any existing registration.
func (r *Registry) Register(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Tag()] = p
}

// Unregister removes the provider registered under tag, if present.
func (r *Registry) Unregister(tag types.ProviderTag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, tag)
}

// Get returns the provider registered under tag, or false if none is.
func (r *Registry) Get(tag types.ProviderTag) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[tag]
	return p, ok
}

// SetDefault designates tag as the default provider for requests with no
// preferred-provider hint.
func (r *Registry) SetDefault(tag types.ProviderTag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultTag = tag
}

// SetFallbackChain replaces the ordered fallback chain tried after the
// preferred/default provider.
func (r *Registry) SetFallbackChain(chain []types.ProviderTag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbackChain = append([]types.ProviderTag(nil), chain...)
}

// InitializeAll is a no-op placeholder for providers that need an
// explicit startup step; every current provider initializes fully at
// construction, so this only exists to satisfy the §4.7 operation list.
func (r *Registry) InitializeAll(ctx context.Context) error {
	return nil
}

// CleanupAll calls Cleanup on every registered provider, collecting (but
// not short-circuiting on) errors.
func (r *Registry) CleanupAll(ctx context.Context) error {
	r.mu.RLock()
	providers := make([]provider.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, p := range providers {
		if err := p.Cleanup(ctx); err != nil {
			r.logger.Error().Err(err).Str("provider", string(p.Tag())).Msg("provider cleanup failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Reset clears every registered provider, the default, and the fallback
// chain, without calling Cleanup on them — callers needing a clean
// shutdown should call CleanupAll first.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[types.ProviderTag]provider.Provider)
	r.defaultTag = ""
	r.fallbackChain = nil
}

// Status reports the named provider's current health, the Go-API
// equivalent of GET /providers/{p}/health.
func (r *Registry) Status(provider string) (*types.HealthStatus, error) {
	p, ok := r.Get(types.ProviderTag(provider))
	if !ok {
		return nil, apperror.ProviderUnavailable(fmt.Sprintf("provider %q not registered", provider), nil)
	}
	status := p.HealthCheck(context.Background())
	return &status, nil
}

// Metrics reports the named provider's current metrics snapshot, the
// Go-API equivalent of GET /providers/{p}/metrics.
func (r *Registry) Metrics(provider string) (*types.Metrics, error) {
	p, ok := r.Get(types.ProviderTag(provider))
	if !ok {
		return nil, apperror.ProviderUnavailable(fmt.Sprintf("provider %q not registered", provider), nil)
	}
	m := p.Metrics()
	return &m, nil
}

// candidates builds the ordered, deduplicated candidate list: preferred
// (if any), default, then the fallback chain, filtered to currently
// registered providers.
func (r *Registry) candidates(preferred types.ProviderTag) []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[types.ProviderTag]bool)
	var ordered []types.ProviderTag
	if preferred != "" {
		ordered = append(ordered, preferred)
	}
	if r.defaultTag != "" {
		ordered = append(ordered, r.defaultTag)
	}
	ordered = append(ordered, r.fallbackChain...)

	var out []provider.Provider
	for _, tag := range ordered {
		if seen[tag] {
			continue
		}
		seen[tag] = true
		if p, ok := r.providers[tag]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Dispatch builds the candidate list from req.PreferredProvider, the
// registry default, and the fallback chain, then tries each in order:
// skip candidates whose health check is unhealthy, attempt execute on
// the rest, and continue past any execution error. Returns a
// provider-unavailable error if every candidate is unhealthy or errors.
func (r *Registry) Dispatch(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	candidates := r.candidates(req.PreferredProvider)
	if len(candidates) == 0 {
		return nil, apperror.ProviderUnavailable("no provider registered", nil)
	}

	var lastErr error
	for _, p := range candidates {
		health := p.HealthCheck(ctx)
		if !health.Healthy {
			metrics.DispatchFallbacksTotal.WithLabelValues(string(p.Tag()), "unhealthy_skip").Inc()
			r.logger.Warn().Str("provider", string(p.Tag())).Str("reason", health.Message).Msg("skipping unhealthy provider")
			continue
		}

		result, err := p.Execute(ctx, req)
		if err != nil {
			metrics.DispatchFallbacksTotal.WithLabelValues(string(p.Tag()), "error").Inc()
			r.logger.Warn().Err(err).Str("provider", string(p.Tag())).Msg("provider execute failed, trying next candidate")
			lastErr = err
			continue
		}

		metrics.DispatchFallbacksTotal.WithLabelValues(string(p.Tag()), "success").Inc()
		return result, nil
	}

	return nil, apperror.ProviderUnavailable(fmt.Sprintf("no healthy provider served execution %s", req.ID), lastErr)
}
