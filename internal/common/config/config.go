// Package config provides configuration management for Devmesh.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Devmesh.
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Subgraphs SubgraphsConfig `mapstructure:"subgraphs"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Agent     AgentConfig     `mapstructure:"agent"`
	PreWarm   PreWarmConfig   `mapstructure:"prewarm"`
	Quality   QualityConfig   `mapstructure:"quality"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// GatewayConfig holds the gateway HTTP server and operation limits.
type GatewayConfig struct {
	Host                string   `mapstructure:"host"`
	Port                int      `mapstructure:"port"`
	ReadTimeout         int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout        int      `mapstructure:"writeTimeout"` // in seconds
	RequestTimeout      int      `mapstructure:"requestTimeout"`
	MaxQueryDepth       int      `mapstructure:"maxQueryDepth"`
	MaxAliases          int      `mapstructure:"maxAliases"`
	MaxBodyBytes        int64    `mapstructure:"maxBodyBytes"`
	RateLimitPerMinute  int      `mapstructure:"rateLimitPerMinute"`
	RecomposeInterval   int      `mapstructure:"recomposeInterval"` // in seconds
	CacheDefaultTTL     int      `mapstructure:"cacheDefaultTTL"`   // in seconds
	SubscriptionBuffer  int      `mapstructure:"subscriptionBuffer"`
	SubscriptionIdle    int      `mapstructure:"subscriptionIdle"` // in seconds
	CORSOrigins         []string `mapstructure:"corsOrigins"`
	EnableIntrospection bool     `mapstructure:"enableIntrospection"`
}

// SubgraphsConfig holds the upstream subgraph endpoints.
type SubgraphsConfig struct {
	GitURL     string `mapstructure:"gitUrl"`
	AgentURL   string `mapstructure:"agentUrl"`
	QualityURL string `mapstructure:"qualityUrl"`
	GitPort    int    `mapstructure:"gitPort"`
	AgentPort  int    `mapstructure:"agentPort"`
	QualityPort int   `mapstructure:"qualityPort"`
	Timeout    int    `mapstructure:"timeout"` // per-call timeout in seconds
}

// WorkspaceConfig holds the workspace root for all Git operations.
type WorkspaceConfig struct {
	Root         string `mapstructure:"root"`
	MaxScanDepth int    `mapstructure:"maxScanDepth"`
	MaxDiffBytes int    `mapstructure:"maxDiffBytes"`
	HistoryDepth int    `mapstructure:"historyDepth"`
}

// AgentConfig holds agent session manager configuration.
type AgentConfig struct {
	CLIPath          string  `mapstructure:"cliPath"`
	CLIArgs          []string `mapstructure:"cliArgs"`
	MaxConcurrent    int     `mapstructure:"maxConcurrent"`
	RatePerSecond    int     `mapstructure:"ratePerSecond"`
	KillGraceSeconds int     `mapstructure:"killGraceSeconds"`
	ArchiveDir       string  `mapstructure:"archiveDir"`
	BatchCacheTTL    int     `mapstructure:"batchCacheTTL"` // in seconds
	RunRetentionDays int     `mapstructure:"runRetentionDays"`
}

// PreWarmConfig holds pre-warm pool configuration.
type PreWarmConfig struct {
	PoolSize        int `mapstructure:"poolSize"`
	MaxSessionAge   int `mapstructure:"maxSessionAge"`   // in seconds
	CleanupInterval int `mapstructure:"cleanupInterval"` // in seconds
	WarmupTimeout   int `mapstructure:"warmupTimeout"`   // in seconds
}

// QualityConfig holds the quality subgraph store configuration.
type QualityConfig struct {
	DBPath string `mapstructure:"dbPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RequestTimeoutDuration returns the per-request deadline as a time.Duration.
func (g *GatewayConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(g.RequestTimeout) * time.Second
}

// RecomposeIntervalDuration returns the recomposition interval as a time.Duration.
func (g *GatewayConfig) RecomposeIntervalDuration() time.Duration {
	return time.Duration(g.RecomposeInterval) * time.Second
}

// SubscriptionIdleDuration returns the subscription idle timeout as a time.Duration.
func (g *GatewayConfig) SubscriptionIdleDuration() time.Duration {
	return time.Duration(g.SubscriptionIdle) * time.Second
}

// TimeoutDuration returns the per-subgraph-call timeout as a time.Duration.
func (s *SubgraphsConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// MaxSessionAgeDuration returns the max slot age as a time.Duration.
func (p *PreWarmConfig) MaxSessionAgeDuration() time.Duration {
	return time.Duration(p.MaxSessionAge) * time.Second
}

// CleanupIntervalDuration returns the maintenance interval as a time.Duration.
func (p *PreWarmConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(p.CleanupInterval) * time.Second
}

// WarmupTimeoutDuration returns the warm-up timeout as a time.Duration.
func (p *PreWarmConfig) WarmupTimeoutDuration() time.Duration {
	return time.Duration(p.WarmupTimeout) * time.Second
}

// KillGraceDuration returns the graceful kill window as a time.Duration.
func (a *AgentConfig) KillGraceDuration() time.Duration {
	return time.Duration(a.KillGraceSeconds) * time.Second
}

// BatchCacheTTLDuration returns the batch result cache TTL as a time.Duration.
func (a *AgentConfig) BatchCacheTTLDuration() time.Duration {
	return time.Duration(a.BatchCacheTTL) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Gateway defaults
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 4000)
	v.SetDefault("gateway.readTimeout", 30)
	v.SetDefault("gateway.writeTimeout", 30)
	v.SetDefault("gateway.requestTimeout", 30)
	v.SetDefault("gateway.maxQueryDepth", 15)
	v.SetDefault("gateway.maxAliases", 30)
	v.SetDefault("gateway.maxBodyBytes", 1<<20)
	v.SetDefault("gateway.rateLimitPerMinute", 100)
	v.SetDefault("gateway.recomposeInterval", 30)
	v.SetDefault("gateway.cacheDefaultTTL", 60)
	v.SetDefault("gateway.subscriptionBuffer", 256)
	v.SetDefault("gateway.subscriptionIdle", 600)
	v.SetDefault("gateway.corsOrigins", []string{"*"})
	v.SetDefault("gateway.enableIntrospection", true)

	// Subgraph defaults - empty URLs mean in-process subgraphs on local ports
	v.SetDefault("subgraphs.gitUrl", "")
	v.SetDefault("subgraphs.agentUrl", "")
	v.SetDefault("subgraphs.qualityUrl", "")
	v.SetDefault("subgraphs.gitPort", 4001)
	v.SetDefault("subgraphs.agentPort", 4002)
	v.SetDefault("subgraphs.qualityPort", 4003)
	v.SetDefault("subgraphs.timeout", 30)

	// Workspace defaults
	v.SetDefault("workspace.root", "")
	v.SetDefault("workspace.maxScanDepth", 5)
	v.SetDefault("workspace.maxDiffBytes", 1<<20)
	v.SetDefault("workspace.historyDepth", 10)

	// Agent defaults
	v.SetDefault("agent.cliPath", "claude")
	v.SetDefault("agent.cliArgs", []string{"--output-format", "stream-json"})
	v.SetDefault("agent.maxConcurrent", 5)
	v.SetDefault("agent.ratePerSecond", 3)
	v.SetDefault("agent.killGraceSeconds", 5)
	v.SetDefault("agent.archiveDir", "archives/sessions")
	v.SetDefault("agent.batchCacheTTL", 300)
	v.SetDefault("agent.runRetentionDays", 30)

	// Pre-warm defaults
	v.SetDefault("prewarm.poolSize", 2)
	v.SetDefault("prewarm.maxSessionAge", 900)
	v.SetDefault("prewarm.cleanupInterval", 60)
	v.SetDefault("prewarm.warmupTimeout", 60)

	// Quality defaults
	v.SetDefault("quality.dbPath", "./devmesh-quality.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "devmesh")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVMESH_ with snake_case naming; the
// well-known variables from the deployment contract (GATEWAY_PORT, GIT_URL,
// WORKSPACE_ROOT, LOG_LEVEL, CORS_ORIGIN, ...) are bound explicitly.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DEVMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the deployment contract env vars whose names do
	// not follow the DEVMESH_ prefix convention.
	_ = v.BindEnv("gateway.port", "GATEWAY_PORT", "DEVMESH_GATEWAY_PORT")
	_ = v.BindEnv("gateway.host", "GATEWAY_HOST", "DEVMESH_GATEWAY_HOST")
	_ = v.BindEnv("gateway.corsOrigins", "CORS_ORIGIN")
	_ = v.BindEnv("subgraphs.gitUrl", "GIT_URL")
	_ = v.BindEnv("subgraphs.agentUrl", "AGENT_URL")
	_ = v.BindEnv("subgraphs.qualityUrl", "QUALITY_URL")
	_ = v.BindEnv("workspace.root", "WORKSPACE_ROOT")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "DEVMESH_LOG_LEVEL")
	_ = v.BindEnv("nats.url", "NATS_URL", "DEVMESH_NATS_URL")
	_ = v.BindEnv("prewarm.poolSize", "PREWARM_POOL_SIZE")
	_ = v.BindEnv("prewarm.maxSessionAge", "PREWARM_MAX_SESSION_AGE")
	_ = v.BindEnv("prewarm.cleanupInterval", "PREWARM_CLEANUP_INTERVAL")
	_ = v.BindEnv("prewarm.warmupTimeout", "PREWARM_WARMUP_TIMEOUT")
	_ = v.BindEnv("quality.dbPath", "QUALITY_DB_PATH")

	v.SetConfigName("devmesh")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devmesh/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks the configuration for invalid or inconsistent values.
func validate(cfg *Config) error {
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.MaxQueryDepth <= 0 {
		return fmt.Errorf("maxQueryDepth must be positive")
	}
	if cfg.PreWarm.PoolSize < 0 {
		return fmt.Errorf("prewarm pool size cannot be negative")
	}
	if cfg.Workspace.Root != "" {
		abs, err := filepath.Abs(cfg.Workspace.Root)
		if err != nil {
			return fmt.Errorf("invalid workspace root: %w", err)
		}
		cfg.Workspace.Root = filepath.Clean(abs)
	}
	return nil
}

// GitEndpoint returns the effective git subgraph URL.
func (c *Config) GitEndpoint() string {
	if c.Subgraphs.GitURL != "" {
		return c.Subgraphs.GitURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.Subgraphs.GitPort)
}

// AgentEndpoint returns the effective agent subgraph URL.
func (c *Config) AgentEndpoint() string {
	if c.Subgraphs.AgentURL != "" {
		return c.Subgraphs.AgentURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.Subgraphs.AgentPort)
}

// QualityEndpoint returns the effective quality subgraph URL.
func (c *Config) QualityEndpoint() string {
	if c.Subgraphs.QualityURL != "" {
		return c.Subgraphs.QualityURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.Subgraphs.QualityPort)
}
