package breaker

import "sync"

// Registry owns one Breaker per downstream tier target (spec §4.14 — "one
// instance per downstream tier server").
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry constructs an empty Registry using cfg for every tier lazily
// created via Get.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the Breaker for tier, creating it on first use.
func (r *Registry) Get(tier string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[tier]
	if !ok {
		b = New(r.cfg)
		r.breakers[tier] = b
	}
	return b
}

// Tiers returns the names of every tier with a constructed Breaker.
func (r *Registry) Tiers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.breakers))
	for t := range r.breakers {
		out = append(out, t)
	}
	return out
}
