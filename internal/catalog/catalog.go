// Package catalog holds built-in model metadata: context windows, output
// limits, capability flags and pricing.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"llm-relay/internal/models"
)

//go:embed models.yaml
var builtin []byte

const (
	DefaultContextWindow   = 8192
	DefaultMaxOutputTokens = 4096
)

// Catalog indexes model metadata by catalog family and model ID.
type Catalog struct {
	families map[string][]models.ModelConfig
}

// Default parses the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(builtin)
}

// Parse decodes a catalog document: a map of family name to model list.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string][]models.ModelConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	c := &Catalog{families: make(map[string][]models.ModelConfig, len(raw))}
	for family, list := range raw {
		for _, m := range list {
			if strings.TrimSpace(m.ID) == "" {
				return nil, fmt.Errorf("model catalog family %s: model id must not be empty", family)
			}
		}
		// Longest IDs first so prefix matching prefers the most specific entry.
		sort.SliceStable(list, func(i, j int) bool { return len(list[i].ID) > len(list[j].ID) })
		c.families[family] = list
	}
	return c, nil
}

// Lookup resolves model metadata. Dated or suffixed IDs such as
// "claude-3-5-sonnet-20241022" fall back to the longest matching prefix, and
// OpenRouter-style "vendor/model" IDs are matched on the part after the slash
// across every family. Unknown models get conservative defaults.
func (c *Catalog) Lookup(family, modelID string) models.ModelConfig {
	if m, ok := c.match(c.families[family], modelID); ok {
		return m
	}
	if i := strings.LastIndex(modelID, "/"); i >= 0 {
		bare := modelID[i+1:]
		for _, list := range c.families {
			if m, ok := c.match(list, bare); ok {
				m.ID = modelID
				return m
			}
		}
	}
	return models.ModelConfig{
		ID:              modelID,
		ContextWindow:   DefaultContextWindow,
		MaxOutputTokens: DefaultMaxOutputTokens,
		Capabilities:    models.ModelCapabilities{Streaming: true, SystemPrompt: true},
	}
}

func (c *Catalog) match(list []models.ModelConfig, modelID string) (models.ModelConfig, bool) {
	for _, m := range list {
		if m.ID == modelID {
			return m, true
		}
	}
	for _, m := range list {
		if strings.HasPrefix(modelID, m.ID+"-") || strings.HasPrefix(modelID, m.ID+":") {
			m.ID = modelID
			return m, true
		}
	}
	return models.ModelConfig{}, false
}
