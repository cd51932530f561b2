package generation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"

	"github.com/nstogner/celeste/pkg/domain"
)

// Router dispatches requests to a provider by name. Requests for providers
// that are not registered go to the fallback, if any.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider
}

var _ Provider = (*Router)(nil)
var _ Catalog = (*Router)(nil)

func NewRouter() *Router {
	return &Router{providers: map[string]Provider{}}
}

// Register adds a provider under its Name.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// SetFallback sets the provider that serves unregistered provider names.
func (r *Router) SetFallback(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
}

func (r *Router) Name() string { return "router" }

// Providers returns the names of registered providers, sorted.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.providers)
}

func (r *Router) lookup(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

func (r *Router) StreamText(ctx context.Context, req Request) iter.Seq2[string, error] {
	p, err := r.lookup(req.Provider)
	if err != nil {
		return func(yield func(string, error) bool) { yield("", err) }
	}
	return p.StreamText(ctx, req)
}

func (r *Router) GenerateImages(ctx context.Context, req Request) ([]Image, error) {
	p, err := r.lookup(req.Provider)
	if err != nil {
		return nil, err
	}
	return p.GenerateImages(ctx, req)
}

func (r *Router) EditImage(ctx context.Context, req Request) (*Image, error) {
	p, err := r.lookup(req.Provider)
	if err != nil {
		return nil, err
	}
	return p.EditImage(ctx, req)
}

func (r *Router) GenerateVideo(ctx context.Context, req Request) ([]Video, error) {
	p, err := r.lookup(req.Provider)
	if err != nil {
		return nil, err
	}
	return p.GenerateVideo(ctx, req)
}

func (r *Router) GenerateAudio(ctx context.Context, req Request) (*Audio, error) {
	p, err := r.lookup(req.Provider)
	if err != nil {
		return nil, err
	}
	return p.GenerateAudio(ctx, req)
}

// ListModels merges the catalogs of every registered provider and the
// fallback. A failing catalog is logged and skipped unless all of them fail.
func (r *Router) ListModels(ctx context.Context, filter domain.ModelFilter) ([]domain.Model, error) {
	r.mu.RLock()
	var catalogs []Catalog
	// Keyed by name: provider values need not be comparable.
	seen := map[string]bool{}
	for _, name := range sortedKeys(r.providers) {
		if c, ok := r.providers[name].(Catalog); ok {
			catalogs = append(catalogs, c)
			seen[name] = true
		}
	}
	if c, ok := r.fallback.(Catalog); ok && !seen[r.fallback.Name()] {
		catalogs = append(catalogs, c)
	}
	r.mu.RUnlock()

	var (
		models []domain.Model
		errs   []error
	)
	for _, c := range catalogs {
		ms, err := c.ListModels(ctx, filter)
		if err != nil {
			slog.Warn("Failed to list models", "error", err)
			errs = append(errs, err)
			continue
		}
		models = append(models, ms...)
	}
	if len(catalogs) > 0 && len(errs) == len(catalogs) {
		return nil, errors.Join(errs...)
	}
	return models, nil
}

func sortedKeys(m map[string]Provider) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
