// Package config handles apiloop configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/apiloop/config.yaml, /etc/apiloop/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "apiloop", "config.yaml"))
	}

	paths = append(paths, "/etc/apiloop/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all apiloop configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	API       APIConfig       `yaml:"api"`
	Models    ModelsConfig    `yaml:"models"`
	Providers ProvidersConfig `yaml:"providers"`
	Loop      LoopConfig      `yaml:"loop"`
	Extractor ExtractorConfig `yaml:"extractor"`
	State     StateConfig     `yaml:"state"`
	Usage     UsageConfig     `yaml:"usage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Tracing   TracingConfig   `yaml:"tracing"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// APIConfig describes the resource API the agent calls on the user's
// behalf.
type APIConfig struct {
	BaseURL          string `yaml:"base_url"`
	Token            string `yaml:"token"`
	TimeoutSec       int    `yaml:"timeout_sec"`
	MaxResponseBytes int64  `yaml:"max_response_bytes"`
	// SummaryFile is an optional endpoint listing shown to the model.
	// Full listings are condensed before use.
	SummaryFile string `yaml:"summary_file"`
}

// Timeout returns the per-call timeout for resource API requests.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default     string        `yaml:"default"`
	Temperature float64       `yaml:"temperature"`
	TimeoutSec  int           `yaml:"timeout_sec"`
	Available   []ModelConfig `yaml:"available"`
}

// Timeout returns the per-call timeout for model completions.
func (c ModelsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, anthropic, ollama, gemini
}

// ProvidersConfig holds credentials and endpoints for each model provider.
// A provider is only constructed when it has the settings it needs.
type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Gemini    GeminiConfig    `yaml:"gemini"`
}

// OpenAIConfig covers any OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig defines the Ollama server location.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// GeminiConfig defines Google Gemini settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// LoopConfig bounds the orchestration loop.
type LoopConfig struct {
	MaxTurns             int `yaml:"max_turns"`
	MaxValidationRetries int `yaml:"max_validation_retries"`
}

// ExtractorConfig tunes call plan extraction from model replies.
type ExtractorConfig struct {
	// RawFallback enables the unfenced "VERB /path" scan when no fenced
	// block matches. Nil means enabled.
	RawFallback *bool `yaml:"raw_fallback"`
	// IntentThreshold is the keyword score at which a reply without a
	// plan is treated as a missed call (default 2). A negative value
	// disables intent detection.
	IntentThreshold int `yaml:"intent_threshold"`
}

// RawFallbackEnabled reports whether the unfenced scan is on.
func (c ExtractorConfig) RawFallbackEnabled() bool {
	return c.RawFallback == nil || *c.RawFallback
}

// StateConfig selects the persistence backend for pattern memory.
type StateConfig struct {
	Backend   string `yaml:"backend"` // sqlite (default), redis, memory
	Path      string `yaml:"path"`
	Driver    string `yaml:"driver"` // sqlite3 (cgo, default) or sqlite (pure Go)
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// UsageConfig controls token usage recording.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Pricing maps model names to per-million-token prices. Models not
	// listed are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price of one million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// MQTTConfig defines the optional MQTT event forwarder.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
	ClientID  string `yaml:"client_id"`
	// PublishIntervalSec sets how often the stats topic is refreshed.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
	// AcceptLearnings subscribes to <base_topic>/learnings/add so
	// operators can record global learnings over MQTT.
	AcceptLearnings bool `yaml:"accept_learnings"`
}

// TracingConfig controls OpenTelemetry spans, which are written to the
// log at debug level.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// SampleRatio is the fraction of requests traced (default 1).
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads configuration from a YAML file. Environment variables are
// expanded before parsing and defaults are filled in afterward.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://blacklabsconsole.com/api/v2"
	}
	if c.API.TimeoutSec == 0 {
		c.API.TimeoutSec = 30
	}
	if c.API.MaxResponseBytes == 0 {
		c.API.MaxResponseBytes = 4 << 20
	}
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4o-mini"
	}
	if c.Models.TimeoutSec == 0 {
		c.Models.TimeoutSec = 120
	}
	if c.Providers.OpenAI.BaseURL == "" {
		c.Providers.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Loop.MaxTurns == 0 {
		c.Loop.MaxTurns = 8
	}
	if c.Loop.MaxValidationRetries == 0 {
		c.Loop.MaxValidationRetries = 3
	}
	if c.Extractor.IntentThreshold == 0 {
		c.Extractor.IntentThreshold = 2
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.State.Backend == "" {
		c.State.Backend = "sqlite"
	}
	if c.State.Driver == "" {
		c.State.Driver = "sqlite3"
	}
	if c.State.Path == "" {
		c.State.Path = filepath.Join(c.DataDir, "state.db")
	}
	if c.Usage.Path == "" {
		c.Usage.Path = filepath.Join(c.DataDir, "usage.db")
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "apiloop"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "apiloop"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error

	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("api.base_url %q must be an http(s) URL", c.API.BaseURL))
	}
	if c.Loop.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("loop.max_turns must be positive, got %d", c.Loop.MaxTurns))
	}
	if c.Loop.MaxValidationRetries < 0 {
		errs = append(errs, fmt.Errorf("loop.max_validation_retries must not be negative, got %d", c.Loop.MaxValidationRetries))
	}

	switch c.State.Backend {
	case "sqlite", "memory":
	case "redis":
		if c.State.RedisURL == "" {
			errs = append(errs, errors.New("state.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.backend %q is not one of sqlite, redis, memory", c.State.Backend))
	}

	switch c.State.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("state.driver %q is not one of sqlite3, sqlite", c.State.Driver))
	}

	for _, m := range c.Models.Available {
		switch m.Provider {
		case "openai", "anthropic", "ollama", "gemini":
		default:
			errs = append(errs, fmt.Errorf("model %q has unknown provider %q", m.Name, m.Provider))
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	if c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be at most 1, got %g", c.Tracing.SampleRatio))
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not one of text, json", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ProviderFor returns the configured provider for a model name, or ""
// when the model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return ""
}
