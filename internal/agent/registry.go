package agent

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/agentrt/agentrt/internal/common/config"
	"github.com/agentrt/agentrt/internal/common/logger"
)

// Registry is the process-wide home for every live Agent instance. Its
// single-flight group is what collapses a burst of concurrent first
// addresses to the same (class, name) into one onStart: without it, two
// connections racing to open the same instance would each construct their
// own Agent and only one would win the map insert, leaving the loser's
// onStart side effects (e.g. a double-fired durable task) already applied.
type Registry struct {
	classes *classTable
	cfg     *config.Config
	log     *logger.Logger
	deps    Dependencies

	mu        sync.RWMutex
	instances map[string]*Agent

	group singleflight.Group
}

// NewRegistry constructs a Registry with the given dependencies and an empty
// class table; classes are added with RegisterClass.
func NewRegistry(cfg *config.Config, log *logger.Logger, deps Dependencies) *Registry {
	return &Registry{
		classes:   newClassTable(),
		cfg:       cfg,
		log:       log,
		deps:      deps,
		instances: make(map[string]*Agent),
	}
}

// RegisterClass adds a class definition (with its code-supplied Handlers
// attached) to the registry.
func (r *Registry) RegisterClass(c *Class) error {
	return r.classes.register(c)
}

// Class returns a registered class definition by id.
func (r *Registry) Class(id string) (*Class, bool) {
	return r.classes.get(id)
}

// ListClasses returns every registered class definition.
func (r *Registry) ListClasses() []*Class {
	return r.classes.list()
}

func instanceKey(class, name string) string {
	return class + "/" + name
}

// GetOrCreate returns the live Agent for (class, name), constructing and
// starting it on first address. Concurrent callers racing for the same
// instance all block on the same singleflight call and observe the same
// *Agent, so onStart runs exactly once per instance lifecycle even under
// a thundering-herd of simultaneous admissions.
func (r *Registry) GetOrCreate(ctx context.Context, class, name string) (*Agent, error) {
	r.mu.RLock()
	if a, ok := r.instances[instanceKey(class, name)]; ok {
		r.mu.RUnlock()
		if err := a.EnsureStarted(ctx); err != nil {
			return nil, err
		}
		return a, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(instanceKey(class, name), func() (interface{}, error) {
		r.mu.RLock()
		if a, ok := r.instances[instanceKey(class, name)]; ok {
			r.mu.RUnlock()
			return a, nil
		}
		r.mu.RUnlock()

		cls, ok := r.classes.get(class)
		if !ok {
			return nil, fmt.Errorf("agent class %q is not registered", class)
		}
		a, err := New(cls, name, r.cfg, r.log, r.deps)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.instances[instanceKey(class, name)] = a
		r.mu.Unlock()

		return a, nil
	})
	if err != nil {
		return nil, err
	}

	a := v.(*Agent)
	if err := a.EnsureStarted(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Lookup returns the live Agent for (class, name) without creating it.
func (r *Registry) Lookup(class, name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.instances[instanceKey(class, name)]
	return a, ok
}

// Hibernate stops and removes one instance from memory without running
// Destroy; a later GetOrCreate for the same (class, name) rehydrates it
// from its embedded store.
func (r *Registry) Hibernate(ctx context.Context, class, name string) error {
	r.mu.Lock()
	a, ok := r.instances[instanceKey(class, name)]
	if ok {
		delete(r.instances, instanceKey(class, name))
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Hibernate(ctx)
}
