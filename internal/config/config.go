package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"llm-relay/internal/provider"
)

const (
	EnvPrefix          = "RELAY"
	DefaultPort        = 8080
	DefaultMaxRetries  = 3
	DefaultMinMessages = 2
	DefaultTimeout     = 120 * time.Second

	StrategySummarize = "summarize"
	StrategyDiscard   = "discard"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Chat      ChatConfig       `mapstructure:"chat"`
	Store     StoreConfig      `mapstructure:"store"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig selects the logger flavour.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ProviderConfig captures authentication, routing and transport policy for
// one upstream.
type ProviderConfig struct {
	Name              string            `mapstructure:"name"`
	Kind              string            `mapstructure:"kind"`
	APIKey            string            `mapstructure:"api_key"`
	APIKeyEnv         string            `mapstructure:"api_key_env"`
	BaseURL           string            `mapstructure:"base_url"`
	Models            []ModelConfig     `mapstructure:"models"`
	Headers           Headers           `mapstructure:"headers"`
	Aliases           map[string]string `mapstructure:"aliases"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	MaxRetries        *int              `mapstructure:"max_retries"`
	RetryBaseDelay    time.Duration     `mapstructure:"retry_base_delay"`
	RequestsPerMinute int               `mapstructure:"requests_per_minute"`
	TokensPerMinute   int               `mapstructure:"tokens_per_minute"`

	// Azure only.
	APIVersion  string            `mapstructure:"api_version"`
	Deployments map[string]string `mapstructure:"deployments"`

	// OpenRouter only.
	Referer string `mapstructure:"referer"`
	Title   string `mapstructure:"title"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ModelConfig describes a model exposed by a provider. Zero limits fall back
// to the built-in catalog.
type ModelConfig struct {
	ID              string  `mapstructure:"id"`
	ContextWindow   int     `mapstructure:"context_window"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
	InputPrice      float64 `mapstructure:"input_per_million"`
	OutputPrice     float64 `mapstructure:"output_per_million"`
}

// ChatConfig tunes the orchestrator.
type ChatConfig struct {
	Strategy     string `mapstructure:"strategy"`
	MinMessages  int    `mapstructure:"min_messages"`
	SummaryModel string `mapstructure:"summary_model"`
	TitleModel   string `mapstructure:"title_model"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// ResolvedKind returns the configured kind, inferring it from the base URL
// when unset.
func (p ProviderConfig) ResolvedKind() (provider.Kind, error) {
	if strings.TrimSpace(p.Kind) == "" {
		if strings.TrimSpace(p.BaseURL) == "" {
			return "", errors.New("kind or base_url must be provided")
		}
		return provider.InferKind(p.BaseURL), nil
	}
	return provider.ParseKind(p.Kind)
}

// Retries returns the configured retry budget.
func (p ProviderConfig) Retries() int {
	if p.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *p.MaxRetries
}

// Load resolves configuration from defaults, the config file, env and flags.
// Recognised flags on cmd: --config, --port, --log-level.
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("chat.strategy", StrategySummarize)
	v.SetDefault("chat.min_messages", DefaultMinMessages)
	v.SetDefault("chat.summary_model", "")
	v.SetDefault("chat.title_model", "")
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.dsn", "")

	path := ""
	if cmd != nil {
		if f := cmd.Flags().Lookup("config"); f != nil {
			path = f.Value.String()
		}
		if f := cmd.Flags().Lookup("port"); f != nil {
			_ = v.BindPFlag("server.port", f)
		}
		if f := cmd.Flags().Lookup("log-level"); f != nil {
			_ = v.BindPFlag("log.level", f)
		}
	}
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path == "" {
		return Config{}, errors.New("a configuration file is required (--config or RELAY_CONFIG)")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}
	v.SetConfigFile(absPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := decode(v.AllSettings())
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(settings map[string]any) (Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(settings); err != nil {
		return Config{}, err
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
		if p.Timeout <= 0 {
			p.Timeout = DefaultTimeout
		}
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return errors.New("provider name must not be empty")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("provider %s: duplicate provider name", name)
		}
		seen[name] = struct{}{}
		if err := validateProvider(name, p); err != nil {
			return err
		}
	}

	switch c.Chat.Strategy {
	case StrategySummarize, StrategyDiscard:
	default:
		return fmt.Errorf("chat.strategy %q must be one of %q or %q", c.Chat.Strategy, StrategySummarize, StrategyDiscard)
	}
	if c.Chat.MinMessages < 0 {
		return fmt.Errorf("chat.min_messages must not be negative, got %d", c.Chat.MinMessages)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.New("store.dsn must be provided for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver %q must be one of %q or %q", c.Store.Driver, StoreMemory, StoreSQLite)
	}

	return nil
}

func validateProvider(name string, p ProviderConfig) error {
	kind, err := p.ResolvedKind()
	if err != nil {
		return fmt.Errorf("provider %s: %w", name, err)
	}

	if kind != provider.KindOllama && strings.TrimSpace(p.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided", name)
	}
	if kind == provider.KindAzure {
		if strings.TrimSpace(p.BaseURL) == "" {
			return fmt.Errorf("provider %s: base_url must be provided for azure", name)
		}
		if strings.TrimSpace(p.APIVersion) == "" {
			return fmt.Errorf("provider %s: api_version must be provided for azure", name)
		}
	}
	if len(p.Models) == 0 {
		return fmt.Errorf("provider %s: at least one model must be configured", name)
	}

	for _, model := range p.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
		if model.ContextWindow < 0 || model.MaxOutputTokens < 0 {
			return fmt.Errorf("provider %s: model %s limits must not be negative", name, model.ID)
		}
	}

	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return fmt.Errorf("provider %s: max_retries must not be negative", name)
	}
	if p.RequestsPerMinute < 0 || p.TokensPerMinute < 0 {
		return fmt.Errorf("provider %s: rate limits must not be negative", name)
	}

	for headerKey := range p.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range p.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias %q target must not be empty", name, alias)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
