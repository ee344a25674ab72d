package factory

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"llm-relay/internal/catalog"
	"llm-relay/internal/config"
	"llm-relay/internal/models"
	"llm-relay/internal/provider"
	anthropicProvider "llm-relay/internal/provider/anthropic"
	googleProvider "llm-relay/internal/provider/google"
	ollamaProvider "llm-relay/internal/provider/ollama"
	openaiProvider "llm-relay/internal/provider/openai"
	"llm-relay/internal/transport"
)

type constructor func(name string, kind provider.Kind, cfg config.ProviderConfig, modelList []models.ModelConfig, opts transport.Options) (provider.Provider, error)

func openAICompatible(name string, kind provider.Kind, cfg config.ProviderConfig, modelList []models.ModelConfig, opts transport.Options) (provider.Provider, error) {
	return openaiProvider.New(name, kind, cfg, modelList, opts)
}

var constructors = map[provider.Kind]constructor{
	provider.KindOpenAI:     openAICompatible,
	provider.KindAzure:      openAICompatible,
	provider.KindGroq:       openAICompatible,
	provider.KindMistral:    openAICompatible,
	provider.KindOpenRouter: openAICompatible,
	provider.KindAnthropic: func(name string, _ provider.Kind, cfg config.ProviderConfig, modelList []models.ModelConfig, opts transport.Options) (provider.Provider, error) {
		return anthropicProvider.New(name, cfg, modelList, opts)
	},
	provider.KindGoogle: func(name string, _ provider.Kind, cfg config.ProviderConfig, modelList []models.ModelConfig, opts transport.Options) (provider.Provider, error) {
		return googleProvider.New(name, cfg, modelList, opts)
	},
	provider.KindOllama: func(name string, _ provider.Kind, cfg config.ProviderConfig, modelList []models.ModelConfig, opts transport.Options) (provider.Provider, error) {
		return ollamaProvider.New(name, cfg, modelList, opts)
	},
}

// catalogFamily names the catalog section consulted for a kind's models.
// Azure serves OpenAI models; OpenRouter IDs are resolved across families.
func catalogFamily(kind provider.Kind) string {
	switch kind {
	case provider.KindAzure:
		return string(provider.KindOpenAI)
	default:
		return string(kind)
	}
}

// RegisterConfiguredProviders constructs providers from configuration and stores them in the registry.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry, cat *catalog.Catalog, logger *zap.Logger) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}
	if cat == nil {
		var err error
		if cat, err = catalog.Default(); err != nil {
			return err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, pc := range cfg.Providers {
		p, err := Build(pc, cat, logger)
		if err != nil {
			return err
		}
		if err := registry.RegisterProvider(p, pc.Aliases); err != nil {
			return fmt.Errorf("register %s provider: %w", pc.Name, err)
		}
		logger.Info("provider registered",
			zap.String("provider", pc.Name),
			zap.String("kind", string(p.Kind())),
			zap.Int("models", len(p.Models())),
		)
	}
	return nil
}

// Build constructs a single provider from its configuration.
func Build(pc config.ProviderConfig, cat *catalog.Catalog, logger *zap.Logger) (provider.Provider, error) {
	kind, err := pc.ResolvedKind()
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
	}
	build, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w: %s", pc.Name, provider.ErrUnknownProvider, kind)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := transport.Options{
		HTTPClient:        transport.NewHTTPClient(),
		Timeout:           pc.Timeout,
		MaxRetries:        pc.Retries(),
		BaseDelay:         pc.RetryBaseDelay,
		RequestsPerMinute: pc.RequestsPerMinute,
		TokensPerMinute:   pc.TokensPerMinute,
		Logger:            logger.With(zap.String("provider", pc.Name)),
	}

	p, err := build(pc.Name, kind, pc, ModelList(pc, kind, cat), opts)
	if err != nil {
		return nil, fmt.Errorf("initialise %s provider: %w", pc.Name, err)
	}
	return p, nil
}

// ModelList merges configured models with catalog metadata. Configured
// limits and prices win over the catalog.
func ModelList(pc config.ProviderConfig, kind provider.Kind, cat *catalog.Catalog) []models.ModelConfig {
	family := catalogFamily(kind)
	out := make([]models.ModelConfig, 0, len(pc.Models))
	for _, mc := range pc.Models {
		m := cat.Lookup(family, mc.ID)
		m.ID = mc.ID
		m.Provider = pc.Name
		if mc.ContextWindow > 0 {
			m.ContextWindow = mc.ContextWindow
		}
		if mc.MaxOutputTokens > 0 {
			m.MaxOutputTokens = mc.MaxOutputTokens
		}
		if mc.InputPrice > 0 {
			m.Pricing.InputPerMillion = mc.InputPrice
		}
		if mc.OutputPrice > 0 {
			m.Pricing.OutputPerMillion = mc.OutputPrice
		}
		out = append(out, m)
	}
	return out
}
