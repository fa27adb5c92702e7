package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyclawhq/tinyclaw/internal/providers"
)

// fallDown is the order tried when a tier has no mapping: a missing tier
// borrows the strongest remaining provider at or below its level.
var fallDown = []providers.Tier{
	providers.TierReasoning,
	providers.TierComplex,
	providers.TierModerate,
	providers.TierSimple,
}

// Registry maps tiers to providers. The fallback provider is mandatory;
// construction fails without one so the process can refuse to start.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]providers.Provider
	tierMap  map[providers.Tier]string
	fallback providers.Provider
}

// NewRegistry creates a Registry around the mandatory fallback provider.
func NewRegistry(fallback providers.Provider) (*Registry, error) {
	if fallback == nil {
		return nil, fmt.Errorf("router: fallback provider is required")
	}
	r := &Registry{
		byID:     make(map[string]providers.Provider),
		tierMap:  make(map[providers.Tier]string),
		fallback: fallback,
	}
	r.byID[fallback.Name()] = fallback
	return r, nil
}

// Register adds a provider under its name. Last write wins.
func (r *Registry) Register(p providers.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.Name()] = p
}

// MapTier routes tier to the provider registered under id.
func (r *Registry) MapTier(tier providers.Tier, id string) error {
	if !providers.ValidTier(string(tier)) {
		return fmt.Errorf("router: unknown tier %q", tier)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return fmt.Errorf("router: no provider registered under %q", id)
	}
	r.tierMap[tier] = id
	return nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (providers.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// GetForTier resolves tier to a provider: exact mapping first, then the
// fall-down order from the requested tier, then the fallback.
func (r *Registry) GetForTier(tier providers.Tier) providers.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p := r.mapped(tier); p != nil {
		return p
	}

	start := 0
	for i, t := range fallDown {
		if t == tier {
			start = i
			break
		}
	}
	for _, t := range fallDown[start:] {
		if p := r.mapped(t); p != nil {
			slog.Debug("router: tier fell down", "requested", tier, "served_by", t)
			return p
		}
	}
	return r.fallback
}

// Fallback returns the mandatory fallback provider.
func (r *Registry) Fallback() providers.Provider {
	return r.fallback
}

func (r *Registry) mapped(tier providers.Tier) providers.Provider {
	id, ok := r.tierMap[tier]
	if !ok {
		return nil
	}
	return r.byID[id]
}
