// Package registry resolves strategy names to loaded modules and caches them for the lifetime of
// the Registry value. Commands share one Registry per process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/coachpo/strategy-runtime/errs"
	"github.com/coachpo/strategy-runtime/internal/observability"
	"github.com/coachpo/strategy-runtime/internal/strategy"
	"github.com/coachpo/strategy-runtime/internal/telemetry"
)

// DefaultPrefix maps the strategy name "mcq" to the module identifier "strategy-mcq".
const DefaultPrefix = "strategy-"

// Naming derives module identifiers from strategy names.
type Naming struct {
	Prefix string
}

// DefaultNaming returns the documented prefix transform.
func DefaultNaming() Naming {
	return Naming{Prefix: DefaultPrefix}
}

// ModuleID returns the module identifier for name.
func (n Naming) ModuleID(name string) string {
	return n.Prefix + strategy.NormalizeName(name)
}

// Name returns the strategy name for moduleID and whether moduleID follows the naming.
func (n Naming) Name(moduleID string) (string, bool) {
	if !strings.HasPrefix(moduleID, n.Prefix) {
		return "", false
	}
	name := strategy.NormalizeName(strings.TrimPrefix(moduleID, n.Prefix))
	return name, name != ""
}

// Source locates modules by identifier. Lookup returns strategy.ErrModuleNotFound when the
// source has no such module.
type Source interface {
	Lookup(ctx context.Context, moduleID string) (strategy.Module, error)
}

// Lister is implemented by sources that can enumerate their module identifiers.
type Lister interface {
	Available() []string
}

// Options configure a Registry.
type Options struct {
	Naming  Naming
	Sources []Source
	Logger  observability.Logger
	Metrics *telemetry.RuntimeMetrics
}

// Registry caches modules by normalised strategy name. Entries are never evicted. It is safe for
// concurrent use.
type Registry struct {
	naming  Naming
	sources []Source
	logger  observability.Logger
	metrics *telemetry.RuntimeMetrics

	mu    sync.RWMutex
	cache map[string]strategy.Module
	group singleflight.Group
}

// New constructs a registry querying sources in order.
func New(opts Options) *Registry {
	return &Registry{
		naming:  opts.Naming,
		sources: append([]Source(nil), opts.Sources...),
		logger:  observability.OrDefault(opts.Logger),
		metrics: opts.Metrics,
		cache:   make(map[string]strategy.Module),
	}
}

// Naming returns the identifier transform.
func (r *Registry) Naming() Naming { return r.naming }

// Load returns the module for name. Cached modules are returned without touching the sources;
// concurrent misses for one name share a single resolution.
func (r *Registry) Load(ctx context.Context, name string) (strategy.Module, error) {
	key := strategy.NormalizeName(name)
	if key == "" {
		r.metrics.RecordStrategyLoad(key, telemetry.ResultFailure)
		return nil, errs.StrategyLoad(name, errors.New("strategy name required"))
	}
	if module, ok := r.cached(key); ok {
		r.metrics.RecordStrategyLoad(key, telemetry.ResultCached)
		return module, nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), key)
	})
	select {
	case <-ctx.Done():
		return nil, errs.StrategyLoad(key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		module, _ := res.Val.(strategy.Module)
		return module, nil
	}
}

func (r *Registry) cached(key string) (strategy.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	module, ok := r.cache[key]
	return module, ok
}

func (r *Registry) resolve(ctx context.Context, key string) (strategy.Module, error) {
	if module, ok := r.cached(key); ok {
		return module, nil
	}
	moduleID := r.naming.ModuleID(key)
	for _, source := range r.sources {
		module, err := source.Lookup(ctx, moduleID)
		if errors.Is(err, strategy.ErrModuleNotFound) {
			continue
		}
		if err != nil {
			r.metrics.RecordStrategyLoad(key, telemetry.ResultFailure)
			return nil, errs.StrategyLoad(key, err).With(errs.WithField("module", moduleID))
		}
		if module == nil {
			continue
		}
		r.mu.Lock()
		r.cache[key] = module
		r.mu.Unlock()
		r.metrics.RecordStrategyLoad(key, telemetry.ResultSuccess)
		r.logger.Info("strategy loaded",
			observability.F("strategy", key),
			observability.F("module", moduleID),
			observability.F("source", fmt.Sprintf("%T", source)))
		return module, nil
	}
	r.metrics.RecordStrategyLoad(key, telemetry.ResultFailure)
	return nil, errs.StrategyLoad(key, strategy.ErrModuleNotFound).With(
		errs.WithField("module", moduleID),
		errs.WithRemediation(fmt.Sprintf("register a builtin or add %s.js to the strategies directory", moduleID)))
}

// Preload warms the cache for names concurrently and returns the first failure.
func (r *Registry) Preload(ctx context.Context, names ...string) error {
	p := pool.New().WithContext(ctx).WithCancelOnError()
	for _, name := range names {
		p.Go(func(ctx context.Context) error {
			_, err := r.Load(ctx, name)
			return err
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("preload strategies: %w", err)
	}
	return nil
}

// Cached returns the sorted names currently cached.
func (r *Registry) Cached() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.cache))
	for name := range r.cache {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Available returns the sorted strategy names the sources can provide.
func (r *Registry) Available() []string {
	seen := make(map[string]struct{})
	for _, source := range r.sources {
		lister, ok := source.(Lister)
		if !ok {
			continue
		}
		for _, id := range lister.Available() {
			name, ok := r.naming.Name(id)
			if !ok {
				continue
			}
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
