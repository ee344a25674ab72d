package router

import (
	"context"
	"fmt"

	"llm-relay/internal/models"
	"llm-relay/internal/provider"
)

// Router dispatches canonical requests to the provider that serves the model.
type Router struct {
	registry *provider.Registry
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry) *Router {
	return &Router{
		registry: registry,
	}
}

// Registry exposes the backing registry.
func (r *Router) Registry() *provider.Registry {
	return r.registry
}

// Resolve looks up a model ID or alias.
func (r *Router) Resolve(model string) (models.ModelConfig, provider.Provider, error) {
	return r.registry.LookupModel(model)
}

// Chat routes a chat completion request to the configured provider.
func (r *Router) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, models.ModelConfig, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(req.Model)
	if err != nil {
		return nil, models.ModelConfig{}, err
	}

	resp, err := providerImpl.Chat(ctx, sanitise(req, modelInfo))
	if err != nil {
		return nil, models.ModelConfig{}, fmt.Errorf("provider %s chat request: %w", providerImpl.Name(), err)
	}
	return resp, modelInfo, nil
}

// Stream routes a streamed chat request to the configured provider. The
// caller must close the returned stream.
func (r *Router) Stream(ctx context.Context, req models.ChatRequest) (*provider.Stream, models.ModelConfig, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(req.Model)
	if err != nil {
		return nil, models.ModelConfig{}, err
	}

	stream, err := providerImpl.Stream(ctx, sanitise(req, modelInfo))
	if err != nil {
		return nil, models.ModelConfig{}, fmt.Errorf("provider %s stream request: %w", providerImpl.Name(), err)
	}
	return stream, modelInfo, nil
}

// sanitise rewrites aliases to the upstream model ID and copies the slices
// adapters may append to.
func sanitise(req models.ChatRequest, modelInfo models.ModelConfig) models.ChatRequest {
	out := req
	out.Model = modelInfo.ID
	out.Messages = append([]models.ChatMessage(nil), req.Messages...)
	out.Stop = append([]string(nil), req.Stop...)
	return out
}
