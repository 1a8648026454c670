package sandbox

import (
	"fmt"
	"sort"
)

// Registry resolves providers by the name stored on a sandbox row
type Registry struct {
	providers map[ProviderName]Provider
	fallback  ProviderName
}

// NewRegistry creates a registry. The first provider is the default unless
// SetDefault is called.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[ProviderName]Provider)}
	for _, p := range providers {
		if p == nil {
			continue
		}
		if r.fallback == "" {
			r.fallback = p.Name()
		}
		r.providers[p.Name()] = p
	}
	return r
}

// SetDefault selects the provider used when a request names none
func (r *Registry) SetDefault(name ProviderName) error {
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	r.fallback = name
	return nil
}

// Default returns the provider used when a request names none
func (r *Registry) Default() (Provider, error) {
	return r.Get(r.fallback)
}

// Get returns the provider registered under name. An empty name selects the default.
func (r *Registry) Get(name ProviderName) (Provider, error) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists the registered providers
func (r *Registry) Names() []ProviderName {
	names := make([]ProviderName, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
