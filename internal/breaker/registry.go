package breaker

import (
	"sort"
	"sync"

	"lokvaani/internal/clock"
	"lokvaani/internal/observe"
)

// Registry is the process-wide table of breakers keyed by dependency
// name. Entries are created on first use and live as long as the
// Registry.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	clock     clock.Clock
	sink      observe.Sink

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty table. overrides replaces defaults for the
// named dependencies.
func NewRegistry(defaults Config, overrides map[string]Config, c clock.Clock, sink observe.Sink) *Registry {
	o := make(map[string]Config, len(overrides))
	for k, v := range overrides {
		o[k] = v
	}
	return &Registry{
		defaults:  defaults,
		overrides: o,
		clock:     c,
		sink:      sink,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for dependency, creating it if needed.
func (r *Registry) Get(dependency string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	cfg, ok := r.overrides[dependency]
	if !ok {
		cfg = r.defaults
	}
	b := New(dependency, cfg, r.clock, r.sink)
	r.breakers[dependency] = b
	return b
}

// Snapshot returns the health of every known dependency sorted by name.
func (r *Registry) Snapshot() []Health {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Health, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}
