// Package strategy registers the amount providers and assembles them into
// the ordered chain used to price reservations.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
)

// ErrProviderExists is returned when a provider name is registered twice
var ErrProviderExists = shared.NewDomainError("ALREADY_EXISTS", "Amount provider already registered")

// ProviderRegistry manages amount provider registrations
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]ledger.AmountProvider
}

// NewProviderRegistry creates an empty registry
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[string]ledger.AmountProvider),
	}
}

// Register adds a provider under its Name
func (r *ProviderRegistry) Register(p ledger.AmountProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%w: provider '%s'", ErrProviderExists, name)
	}
	r.providers[name] = p
	return nil
}

// Get returns a provider by name
func (r *ProviderRegistry) Get(name string) (ledger.AmountProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: amount provider '%s' not found", shared.ErrNotFound, name)
	}
	return p, nil
}

// List returns all registered provider names
func (r *ProviderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a provider
func (r *ProviderRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; !exists {
		return fmt.Errorf("%w: amount provider '%s' not found", shared.ErrNotFound, name)
	}
	delete(r.providers, name)
	return nil
}

// Chain returns the registered providers in the given order. Names that are
// not registered are skipped, so an unconfigured provider drops out.
func (r *ProviderRegistry) Chain(order ...string) []ledger.AmountProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := make([]ledger.AmountProvider, 0, len(order))
	for _, name := range order {
		if p, ok := r.providers[name]; ok {
			chain = append(chain, p)
		}
	}
	return chain
}
