package gateway

import (
	"strings"
)

type Registry struct {
	factories map[string]Factory
}

func NewRegistry(factories ...Factory) *Registry {
	registry := &Registry{factories: map[string]Factory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

func (r *Registry) NewClient(provider string, cfg Config) (Client, error) {
	if r == nil {
		return nil, ErrProviderNotFound
	}
	factory, ok := r.factories[normalize(provider)]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return factory.NewClient(cfg)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
