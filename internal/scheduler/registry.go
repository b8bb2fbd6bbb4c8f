package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/model"
)

// Registry holds one Service per source name.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Add registers s. Registering a second service under the same name fails.
func (r *Registry) Add(s *Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[s.Name()]; ok {
		return fmt.Errorf("service %q already registered", s.Name())
	}
	r.services[s.Name()] = s
	return nil
}

// Get returns the service for name or errs.ErrUnknownSource.
func (r *Registry) Get(name string) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownSource, name)
	}
	return s, nil
}

// StartAll starts every service concurrently; sources do not wait on each other.
func (r *Registry) StartAll(ctx context.Context) error {
	var g errgroup.Group
	for _, s := range r.list() {
		g.Go(func() error { return s.Start(ctx) })
	}
	return g.Wait()
}

// StopAll stops every service and joins teardown errors.
func (r *Registry) StopAll() error {
	var errList []error
	for _, s := range r.list() {
		if err := s.Stop(); err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errList...)
}

// Statuses returns snapshots sorted by name.
func (r *Registry) Statuses() []model.ServiceStatus {
	list := r.list()
	out := make([]model.ServiceStatus, 0, len(list))
	for _, s := range list {
		out = append(out, s.Status())
	}
	return out
}

func (r *Registry) list() []*Service {
	r.mu.RLock()
	out := make([]*Service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
