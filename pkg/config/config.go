package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds the config file read from disk.
const maxConfigSize = 1 << 20

// Config represents the engine configuration
type Config struct {
	API           APIConfig           `yaml:"api"`
	Model         ModelConfig         `yaml:"model"`
	Local         LocalConfig         `yaml:"local"`
	Generation    GenerationConfig    `yaml:"generation"`
	Persistence   PersistenceConfig   `yaml:"persistence"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// APIConfig locates the console API
type APIConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// ModelConfig selects the default model and provider for new sessions
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // remote, local
}

// LocalConfig configures the OpenAI-compatible local provider
type LocalConfig struct {
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float32 `yaml:"temperature"`
}

// GenerationConfig tunes streaming
type GenerationConfig struct {
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	WarmUp           time.Duration `yaml:"warm_up"`
	HistoryTurns     int           `yaml:"history_turns"`
	ChunkSize        int           `yaml:"chunk_size"`
}

// PersistenceConfig configures saving and the local cache
type PersistenceConfig struct {
	// Offline keeps sessions in process memory instead of the console API.
	Offline     bool          `yaml:"offline"`
	Debounce    time.Duration `yaml:"debounce"`
	SaveTimeout time.Duration `yaml:"save_timeout"`
	// Autosave is a cron schedule, e.g. "@every 5m". Empty disables it.
	Autosave string      `yaml:"autosave"`
	Cache    CacheConfig `yaml:"cache"`
}

// CacheConfig selects the local durable cache
type CacheConfig struct {
	Store string      `yaml:"store"` // file, redis, none
	Path  string      `yaml:"path"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis cache settings
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	TTL      time.Duration `yaml:"ttl"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// ObservabilityConfig configures metrics and tracing
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics and /health when set, e.g. ":9090".
	MetricsAddr   string `yaml:"metrics_addr"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		API: APIConfig{
			Timeout: 30 * time.Second,
		},
		Model: ModelConfig{
			Provider: "remote",
		},
		Local: LocalConfig{
			MaxTokens:   1000,
			Temperature: 0.7,
		},
		Generation: GenerationConfig{
			ThrottleInterval: 100 * time.Millisecond,
			WarmUp:           500 * time.Millisecond,
			HistoryTurns:     10,
			ChunkSize:        4096,
		},
		Persistence: PersistenceConfig{
			Debounce:    time.Second,
			SaveTimeout: 30 * time.Second,
			Cache: CacheConfig{
				Store: "file",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Observability: ObservabilityConfig{
			TraceExporter: "none",
		},
	}
}

// LoadConfig loads configuration from a YAML file over the defaults, then
// applies environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > maxConfigSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
		}
		data, err := os.ReadFile(path) // #nosec G304 - path is supplied by the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv fills secrets and endpoints from the environment if not in config
func (c *Config) applyEnv() {
	if v := os.Getenv("CONVO_API_URL"); v != "" {
		c.API.URL = v
	}
	if c.API.Token == "" {
		c.API.Token = os.Getenv("CONVO_API_TOKEN")
	}
	if c.Local.APIKey == "" {
		c.Local.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := os.Getenv("CONVO_REDIS_ADDR"); v != "" {
		c.Persistence.Cache.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Persistence.Offline && c.API.URL == "" {
		return fmt.Errorf("api.url is required unless persistence.offline is set")
	}

	switch c.Model.Provider {
	case "remote":
	case "local":
		if c.Local.Model == "" {
			return fmt.Errorf("local.model is required for the local provider")
		}
	default:
		return fmt.Errorf("model.provider must be remote or local, got %q", c.Model.Provider)
	}

	if c.Local.BaseURL != "" && c.Local.Model == "" {
		return fmt.Errorf("local.model is required when local.base_url is set")
	}

	if c.Generation.HistoryTurns < 0 {
		return fmt.Errorf("generation.history_turns must not be negative")
	}

	switch c.Persistence.Cache.Store {
	case "", "none", "file":
	case "redis":
		if c.Persistence.Cache.Redis.Addr == "" {
			return fmt.Errorf("persistence.cache.redis.addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("persistence.cache.store must be file, redis or none, got %q", c.Persistence.Cache.Store)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	switch c.Observability.TraceExporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("observability.trace_exporter must be none, stdout or otlp, got %q", c.Observability.TraceExporter)
	}

	return nil
}
