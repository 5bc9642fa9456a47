// Package config loads langford-server settings: built-in defaults, then an
// optional YAML file named by LANGFORD_CONFIG, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel     string             `yaml:"log_level"`
	HTTP         HTTPConfig         `yaml:"http"`
	GRPC         GRPCConfig         `yaml:"grpc"`
	Auth         AuthConfig         `yaml:"auth"`
	PostgresDSN  string             `yaml:"postgres_dsn"`
	Audit        AuditConfig        `yaml:"audit"`
	Policy       PolicyConfig       `yaml:"policy"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Store        StoreConfig        `yaml:"store"`
	Model        ModelConfig        `yaml:"model"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	Tools        ToolsConfig        `yaml:"tools"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

type HTTPConfig struct {
	Port string `yaml:"port"`
}

type GRPCConfig struct {
	Port string `yaml:"port"`
}

type AuthConfig struct {
	// Keys is "name:lfk_key,..." for the static authenticator. Ignored when
	// PostgresDSN is set.
	Keys     string        `yaml:"keys"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type AuditConfig struct {
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	File          string `yaml:"file"`
	MaxSizeMB     int    `yaml:"max_size_mb"`
	MaxBackups    int    `yaml:"max_backups"`
	MaxAgeDays    int    `yaml:"max_age_days"`
}

type PolicyConfig struct {
	// Source is "file", "postgres" or "" for the built-in defaults.
	Source  string `yaml:"source"`
	File    string `yaml:"file"`
	Cascade bool   `yaml:"cascade_denials"`
}

type RateLimitConfig struct {
	RedisAddress  string `yaml:"redis_address"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type StoreConfig struct {
	// Dialect is "memory", "sqlite", "postgres" or "mysql".
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`
}

type ModelConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

type AMQPConfig struct {
	URL           string `yaml:"url"`
	InboundQueue  string `yaml:"inbound_queue"`
	OutboundQueue string `yaml:"outbound_queue"`
	Workers       int    `yaml:"workers"`
	Prefetch      int    `yaml:"prefetch"`
}

type ToolsConfig struct {
	CallTimeout      time.Duration `yaml:"call_timeout"`
	TimeoutThreshold int           `yaml:"timeout_threshold"`
	UnavailableFor   time.Duration `yaml:"unavailable_for"`
	FetchLimit       int           `yaml:"fetch_limit"`
}

type OrchestratorConfig struct {
	Timezone            string        `yaml:"timezone"`
	SystemPrompt        string        `yaml:"system_prompt"`
	BriefPrompt         string        `yaml:"brief_prompt"`
	MaxIterations       int           `yaml:"max_iterations"`
	BriefIterations     int           `yaml:"brief_iterations"`
	TurnTimeout         time.Duration `yaml:"turn_timeout"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	Agents              []AgentConfig `yaml:"agents"`
}

// AgentConfig declares a managed agent the main loop can delegate to.
type AgentConfig struct {
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description"`
	Instructions string        `yaml:"instructions"`
	Tools        []string      `yaml:"tools"`
	MaxSteps     int           `yaml:"max_steps"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP:     HTTPConfig{Port: "8080"},
		GRPC:     GRPCConfig{Port: "50061"},
		Auth:     AuthConfig{CacheTTL: 30 * time.Second},
		Audit:    AuditConfig{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Store:    StoreConfig{Dialect: "memory"},
		Model:    ModelConfig{MaxTokens: 2048, Timeout: 60 * time.Second, MaxRetries: 2},
		AMQP:     AMQPConfig{Workers: 4, Prefetch: 16},
		Tools: ToolsConfig{
			CallTimeout:      15 * time.Second,
			TimeoutThreshold: 3,
			UnavailableFor:   time.Minute,
			FetchLimit:       8000,
		},
		Orchestrator: OrchestratorConfig{
			Timezone:            "Europe/Vienna",
			MaxIterations:       6,
			BriefIterations:     10,
			TurnTimeout:         2 * time.Minute,
			ConfirmationTimeout: 5 * time.Minute,
			SweepInterval:       5 * time.Second,
		},
	}
}

// Load builds the effective configuration.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("LANGFORD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config.Load: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config.Load %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.LogLevel = envOrDefault("LANGFORD_LOG_LEVEL", c.LogLevel)
	c.HTTP.Port = envOrDefault("LANGFORD_HTTP_PORT", c.HTTP.Port)
	c.GRPC.Port = envOrDefault("LANGFORD_GRPC_PORT", c.GRPC.Port)
	c.Auth.Keys = envOrDefault("LANGFORD_API_KEYS", c.Auth.Keys)
	c.Auth.CacheTTL = envOrDefaultDuration("LANGFORD_AUTH_CACHE_TTL", c.Auth.CacheTTL)
	c.PostgresDSN = envOrDefault("POSTGRES_DSN", c.PostgresDSN)

	c.Audit.ClickHouseDSN = envOrDefault("CLICKHOUSE_DSN", c.Audit.ClickHouseDSN)
	c.Audit.File = envOrDefault("LANGFORD_AUDIT_FILE", c.Audit.File)

	c.Policy.Source = envOrDefault("LANGFORD_POLICY_SOURCE", c.Policy.Source)
	c.Policy.File = envOrDefault("LANGFORD_POLICY_FILE", c.Policy.File)
	c.Policy.Cascade = envOrDefaultBool("LANGFORD_CASCADE_DENIALS", c.Policy.Cascade)

	c.RateLimit.RedisAddress = envOrDefault("REDIS_ADDR", c.RateLimit.RedisAddress)
	c.RateLimit.RedisPassword = envOrDefault("REDIS_PASSWORD", c.RateLimit.RedisPassword)
	c.RateLimit.RedisDB = envOrDefaultInt("REDIS_DB", c.RateLimit.RedisDB)

	c.Store.Dialect = envOrDefault("LANGFORD_STORE_DIALECT", c.Store.Dialect)
	c.Store.DSN = envOrDefault("LANGFORD_STORE_DSN", c.Store.DSN)

	c.Model.APIKey = envOrDefault("LANGFORD_MODEL_API_KEY", c.Model.APIKey)
	c.Model.BaseURL = envOrDefault("LANGFORD_MODEL_BASE_URL", c.Model.BaseURL)
	c.Model.Model = envOrDefault("LANGFORD_MODEL", c.Model.Model)
	c.Model.Temperature = envOrDefaultFloat("LANGFORD_MODEL_TEMPERATURE", c.Model.Temperature)
	c.Model.MaxTokens = envOrDefaultInt("LANGFORD_MODEL_MAX_TOKENS", c.Model.MaxTokens)
	c.Model.Timeout = envOrDefaultDuration("LANGFORD_MODEL_TIMEOUT", c.Model.Timeout)
	c.Model.MaxRetries = envOrDefaultInt("LANGFORD_MODEL_MAX_RETRIES", c.Model.MaxRetries)

	c.AMQP.URL = envOrDefault("AMQP_URL", c.AMQP.URL)
	c.AMQP.InboundQueue = envOrDefault("LANGFORD_AMQP_INBOUND", c.AMQP.InboundQueue)
	c.AMQP.OutboundQueue = envOrDefault("LANGFORD_AMQP_OUTBOUND", c.AMQP.OutboundQueue)
	c.AMQP.Workers = envOrDefaultInt("LANGFORD_AMQP_WORKERS", c.AMQP.Workers)

	c.Tools.CallTimeout = envOrDefaultDuration("LANGFORD_TOOL_TIMEOUT", c.Tools.CallTimeout)
	c.Tools.TimeoutThreshold = envOrDefaultInt("LANGFORD_TOOL_TIMEOUT_THRESHOLD", c.Tools.TimeoutThreshold)
	c.Tools.UnavailableFor = envOrDefaultDuration("LANGFORD_TOOL_COOLDOWN", c.Tools.UnavailableFor)

	c.Orchestrator.Timezone = envOrDefault("LANGFORD_TIMEZONE", c.Orchestrator.Timezone)
	c.Orchestrator.MaxIterations = envOrDefaultInt("LANGFORD_MAX_ITERATIONS", c.Orchestrator.MaxIterations)
	c.Orchestrator.BriefIterations = envOrDefaultInt("LANGFORD_BRIEF_ITERATIONS", c.Orchestrator.BriefIterations)
	c.Orchestrator.TurnTimeout = envOrDefaultDuration("LANGFORD_TURN_TIMEOUT", c.Orchestrator.TurnTimeout)
	c.Orchestrator.ConfirmationTimeout = envOrDefaultDuration("LANGFORD_CONFIRMATION_TIMEOUT", c.Orchestrator.ConfirmationTimeout)
	c.Orchestrator.SweepInterval = envOrDefaultDuration("LANGFORD_SWEEP_INTERVAL", c.Orchestrator.SweepInterval)
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Dialect {
	case "memory":
	case "sqlite", "postgres", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store dialect %q needs a DSN", c.Store.Dialect)
		}
	default:
		return fmt.Errorf("unknown store dialect %q", c.Store.Dialect)
	}
	switch c.Policy.Source {
	case "":
	case "file":
		if c.Policy.File == "" {
			return fmt.Errorf("policy source file needs a path")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("policy source postgres needs POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown policy source %q", c.Policy.Source)
	}
	seen := make(map[string]bool, len(c.Orchestrator.Agents))
	for _, a := range c.Orchestrator.Agents {
		if a.Name == "" || len(a.Tools) == 0 {
			return fmt.Errorf("agent %q needs a name and tools", a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("agent %q declared twice", a.Name)
		}
		seen[a.Name] = true
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("LANGFORD_MODEL_API_KEY is required")
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
