package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"llm-relay/internal/models"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrUnknownProvider indicates a provider name or kind is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// ErrUnsupportedOperation indicates the provider cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

type modelEntry struct {
	model    models.ModelConfig
	provider Provider
}

// Registry maintains a mapping of model IDs to providers.
type Registry struct {
	mu     sync.RWMutex
	models map[string]modelEntry
	byName map[string]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]modelEntry),
		byName: make(map[string]Provider),
	}
}

// RegisterProvider adds the provider and its models to the registry, wiring optional aliases.
// Every model is also reachable as "<provider>:<model>".
func (r *Registry) RegisterProvider(p Provider, aliases map[string]string) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}

	// Entries are staged so a rejected provider leaves the registry untouched.
	staged := make(map[string]modelEntry)
	lookup := func(id string) (modelEntry, bool) {
		if entry, ok := staged[id]; ok {
			return entry, true
		}
		entry, ok := r.models[id]
		return entry, ok
	}

	for _, model := range p.Models() {
		if _, exists := lookup(model.ID); exists {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, model.ID)
		}

		entry := modelEntry{
			model:    model,
			provider: p,
		}
		staged[model.ID] = entry
		staged[p.Name()+":"+model.ID] = entry
	}

	for alias, target := range aliases {
		if _, exists := lookup(alias); exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}

		targetEntry, ok := lookup(target)
		if !ok {
			return fmt.Errorf("alias %q references unknown model %q", alias, target)
		}

		staged[alias] = targetEntry
	}

	r.byName[p.Name()] = p
	for id, entry := range staged {
		r.models[id] = entry
	}
	return nil
}

// LookupModel returns the provider and metadata for a given model ID or alias.
func (r *Registry) LookupModel(modelID string) (models.ModelConfig, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.models[modelID]
	if !ok {
		return models.ModelConfig{}, nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return entry.model, entry.provider, nil
}

// Provider returns a registered provider by name.
func (r *Registry) Provider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Models lists every registered model once, ordered by provider then ID.
func (r *Registry) Models() []models.ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.ModelConfig
	for _, p := range r.byName {
		out = append(out, p.Models()...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}
