package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/model"
)

// Registry holds one Engine per family.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Add registers e under its family name.
func (r *Registry) Add(e *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[e.Family()]; ok {
		return fmt.Errorf("backfill %q already registered", e.Family())
	}
	r.engines[e.Family()] = e
	return nil
}

// Get returns the engine for family or errs.ErrUnknownSource.
func (r *Registry) Get(family string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[family]
	if !ok {
		return nil, fmt.Errorf("%w: backfill %s", errs.ErrUnknownSource, family)
	}
	return e, nil
}

// Progress returns snapshots of every family sorted by name.
func (r *Registry) Progress() []model.BackfillState {
	r.mu.RLock()
	out := make([]model.BackfillState, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e.Progress())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Family < out[j].Family })
	return out
}

// CancelAll requests cancellation of every active run.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.engines {
		e.Cancel()
	}
}

// WaitAll blocks until no engine has an active run or ctx is done. Runs are not
// cancelled here; call CancelAll first to stop them at the next batch boundary.
func (r *Registry) WaitAll(ctx context.Context) error {
	r.mu.RLock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.RUnlock()

	var errsOut []error
	for _, e := range engines {
		if err := e.Wait(ctx); err != nil {
			errsOut = append(errsOut, fmt.Errorf("backfill %s: %w", e.Family(), err))
		}
	}
	return errors.Join(errsOut...)
}
