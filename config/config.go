// Package config defines the single immutable configuration object of
// shopmesh. It is loaded once at startup (YAML file plus SHOPMESH_* env
// overrides via viper), validated and then passed by reference to the
// components; nothing reads configuration from globals afterwards.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides,
// e.g. SHOPMESH_DEADLINES_ROUTE=300ms.
const EnvPrefix = "SHOPMESH"

// Config is the root configuration.
type Config struct {
	Deadlines       DeadlinesConfig       `mapstructure:"deadlines" yaml:"deadlines"`
	Router          RouterConfig          `mapstructure:"router" yaml:"router"`
	Personalization PersonalizationConfig `mapstructure:"personalization" yaml:"personalization"`
	Memory          MemoryConfig          `mapstructure:"memory" yaml:"memory"`
	Synchronizer    SynchronizerConfig    `mapstructure:"synchronizer" yaml:"synchronizer"`
	Engine          EngineConfig          `mapstructure:"engine" yaml:"engine"`
	Session         SessionConfig         `mapstructure:"session" yaml:"session"`
	Warehouse       WarehouseConfig       `mapstructure:"warehouse" yaml:"warehouse"`
	Journal         JournalConfig         `mapstructure:"journal" yaml:"journal"`
	Search          SearchConfig          `mapstructure:"search" yaml:"search"`
	Reasoning       ReasoningConfig       `mapstructure:"reasoning" yaml:"reasoning"`
	Server          ServerConfig          `mapstructure:"server" yaml:"server"`
	Logging         LoggingConfig         `mapstructure:"logging" yaml:"logging"`
}

// DeadlinesConfig holds the explicit deadline of every external call.
type DeadlinesConfig struct {
	Fetch       time.Duration `mapstructure:"fetch" yaml:"fetch"`
	Route       time.Duration `mapstructure:"route" yaml:"route"`
	Search      time.Duration `mapstructure:"search" yaml:"search"`
	Chat        time.Duration `mapstructure:"chat" yaml:"chat"`
	MemoryWrite time.Duration `mapstructure:"memory_write" yaml:"memory_write"`
	JoinGrace   time.Duration `mapstructure:"join_grace" yaml:"join_grace"`
}

// RouterConfig tunes intent routing and parameter derivation.
type RouterConfig struct {
	Midpoint       float64 `mapstructure:"midpoint" yaml:"midpoint"`
	PaceWeight     float64 `mapstructure:"pace_weight" yaml:"pace_weight"`
	UrgencyWeight  float64 `mapstructure:"urgency_weight" yaml:"urgency_weight"`
	EmphasisWeight float64 `mapstructure:"emphasis_weight" yaml:"emphasis_weight"`
	DefaultLimit   int     `mapstructure:"default_limit" yaml:"default_limit"`
	MaxResultLimit int     `mapstructure:"max_result_limit" yaml:"max_result_limit"`
	MemoryLines    int     `mapstructure:"memory_lines" yaml:"memory_lines"`
}

// PersonalizationConfig tunes re-ranking and filtering.
type PersonalizationConfig struct {
	AvoidThreshold float64 `mapstructure:"avoid_threshold" yaml:"avoid_threshold"`
	PreferWeight   float64 `mapstructure:"prefer_weight" yaml:"prefer_weight"`
	AvoidPenalty   float64 `mapstructure:"avoid_penalty" yaml:"avoid_penalty"`
	MinResults     int     `mapstructure:"min_results" yaml:"min_results"`
	MaxResults     int     `mapstructure:"max_results" yaml:"max_results"`
}

// MemoryConfig configures the relationship graph client.
type MemoryConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"` // memory | neo4j
	Cap             float64       `mapstructure:"cap" yaml:"cap"`
	DecayWindow     time.Duration `mapstructure:"decay_window" yaml:"decay_window"`
	HalfLife        time.Duration `mapstructure:"half_life" yaml:"half_life"`
	MinConfidence   float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
	MaxEdges        int           `mapstructure:"max_edges" yaml:"max_edges"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	CacheMaxEntries int64         `mapstructure:"cache_max_entries" yaml:"cache_max_entries"`
	RealtimeWrites  bool          `mapstructure:"realtime_writes" yaml:"realtime_writes"`
	RealtimeDelta   float64       `mapstructure:"realtime_delta" yaml:"realtime_delta"`
	Neo4jURI        string        `mapstructure:"neo4j_uri" yaml:"neo4j_uri"`
	Neo4jUser       string        `mapstructure:"neo4j_user" yaml:"neo4j_user"`
	Neo4jPassword   string        `mapstructure:"neo4j_password" yaml:"neo4j_password"`
}

// SynchronizerConfig configures the batch pattern synchronizer.
type SynchronizerConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	MinObservation   time.Duration `mapstructure:"min_observation" yaml:"min_observation"`
	Lookback         time.Duration `mapstructure:"lookback" yaml:"lookback"`
	QualityThreshold float64       `mapstructure:"quality_threshold" yaml:"quality_threshold"`
	StrengthWeight   float64       `mapstructure:"strength_weight" yaml:"strength_weight"`
	StabilityWeight  float64       `mapstructure:"stability_weight" yaml:"stability_weight"`
	RecencyWeight    float64       `mapstructure:"recency_weight" yaml:"recency_weight"`
	StrengthScale    float64       `mapstructure:"strength_scale" yaml:"strength_scale"`
	RecencyHalfLife  time.Duration `mapstructure:"recency_half_life" yaml:"recency_half_life"`
	BatchSize        int           `mapstructure:"batch_size" yaml:"batch_size"`
	Parallelism      int           `mapstructure:"parallelism" yaml:"parallelism"`
}

// EngineConfig configures the turn engine.
type EngineConfig struct {
	MaxConcurrentTurns int           `mapstructure:"max_concurrent_turns" yaml:"max_concurrent_turns"`
	EmitterPoolSize    int           `mapstructure:"emitter_pool_size" yaml:"emitter_pool_size"`
	HistorySize        int           `mapstructure:"history_size" yaml:"history_size"`
	SessionIdleTTL     time.Duration `mapstructure:"session_idle_ttl" yaml:"session_idle_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	MaxQuantity        int           `mapstructure:"max_quantity" yaml:"max_quantity"`
}

// SessionConfig selects the session store backend.
type SessionConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"` // memory | redis
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db" yaml:"redis_db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// WarehouseConfig selects the analytics warehouse backend.
type WarehouseConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"` // memory | duckdb
	Path      string `mapstructure:"path" yaml:"path"`
	QueueSize int    `mapstructure:"queue_size" yaml:"queue_size"`
}

// JournalConfig selects the episode journal backend.
type JournalConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // memory | sqlite
	Path    string `mapstructure:"path" yaml:"path"`
}

// SearchConfig configures the embedded product catalog. An empty
// CatalogPath loads the built-in sample catalog.
type SearchConfig struct {
	CatalogPath string  `mapstructure:"catalog_path" yaml:"catalog_path"`
	MinScore    float64 `mapstructure:"min_score" yaml:"min_score"`
	Dimensions  int     `mapstructure:"dimensions" yaml:"dimensions"`
}

// ReasoningConfig selects the reasoning provider.
type ReasoningConfig struct {
	Provider  string  `mapstructure:"provider" yaml:"provider"` // mock | openai | anthropic
	Model     string  `mapstructure:"model" yaml:"model"`
	APIKey    string  `mapstructure:"api_key" yaml:"api_key"`
	BaseURL   string  `mapstructure:"base_url" yaml:"base_url"` // OpenAI-compatible gateway or API proxy
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int     `mapstructure:"burst" yaml:"burst"`
	MaxTokens int     `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// LoggingConfig configures logging output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Deadlines: DeadlinesConfig{
			Fetch:       150 * time.Millisecond,
			Route:       800 * time.Millisecond,
			Search:      600 * time.Millisecond,
			Chat:        2 * time.Second,
			MemoryWrite: 500 * time.Millisecond,
			JoinGrace:   20 * time.Millisecond,
		},
		Router: RouterConfig{
			Midpoint:       0.5,
			PaceWeight:     0.3,
			UrgencyWeight:  0.3,
			EmphasisWeight: 0.4,
			DefaultLimit:   10,
			MaxResultLimit: 50,
			MemoryLines:    8,
		},
		Personalization: PersonalizationConfig{
			AvoidThreshold: 0.7,
			PreferWeight:   0.5,
			AvoidPenalty:   0.5,
			MinResults:     3,
			MaxResults:     20,
		},
		Memory: MemoryConfig{
			Backend:         "memory",
			Cap:             0.95,
			DecayWindow:     30 * 24 * time.Hour,
			HalfLife:        60 * 24 * time.Hour,
			MinConfidence:   0.05,
			MaxEdges:        50,
			CacheTTL:        30 * time.Second,
			CacheMaxEntries: 10000,
			RealtimeWrites:  false,
			RealtimeDelta:   0.1,
		},
		Synchronizer: SynchronizerConfig{
			Enabled:          true,
			Interval:         time.Hour,
			MinObservation:   24 * time.Hour,
			Lookback:         90 * 24 * time.Hour,
			QualityThreshold: 0.6,
			StrengthWeight:   0.5,
			StabilityWeight:  0.3,
			RecencyWeight:    0.2,
			StrengthScale:    3,
			RecencyHalfLife:  30 * 24 * time.Hour,
			BatchSize:        100,
			Parallelism:      4,
		},
		Engine: EngineConfig{
			MaxConcurrentTurns: 64,
			EmitterPoolSize:    16,
			HistorySize:        20,
			SessionIdleTTL:     2 * time.Hour,
			SweepInterval:      5 * time.Minute,
			MaxQuantity:        99,
		},
		Session:   SessionConfig{Backend: "memory", RedisAddr: "localhost:6379", KeyPrefix: "shopmesh:session:"},
		Warehouse: WarehouseConfig{Backend: "memory", Path: "shopmesh.duckdb", QueueSize: 1024},
		Journal:   JournalConfig{Backend: "memory", Path: "episodes.db"},
		Search:    SearchConfig{MinScore: 0.05, Dimensions: 256},
		Reasoning: ReasoningConfig{Provider: "mock", RateLimit: 0, Burst: 1, MaxTokens: 512},
		Server:    ServerConfig{Addr: ":8080", WriteTimeout: 10 * time.Second},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from path (optional) merged over the defaults
// and overridden by SHOPMESH_* environment variables.
func Load(path string) (*Config, error) {
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Example: SHOPMESH_MEMORY_REALTIME_WRITES=true
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	d := c.Deadlines
	if d.Fetch <= 0 || d.Route <= 0 || d.Search <= 0 || d.Chat <= 0 || d.MemoryWrite <= 0 {
		return fmt.Errorf("deadlines must be positive")
	}

	if c.Router.Midpoint < 0 || c.Router.Midpoint > 1 {
		return fmt.Errorf("router.midpoint must be within [0,1]")
	}

	if c.Router.DefaultLimit < 1 || c.Router.MaxResultLimit < c.Router.DefaultLimit {
		return fmt.Errorf("router limits must satisfy 1 <= default_limit <= max_result_limit")
	}

	p := c.Personalization
	if p.AvoidThreshold <= 0 || p.AvoidThreshold > 1 {
		return fmt.Errorf("personalization.avoid_threshold must be within (0,1]")
	}

	if p.MinResults < 0 || p.MaxResults < p.MinResults {
		return fmt.Errorf("personalization.max_results must be >= min_results")
	}

	m := c.Memory
	if m.Cap <= 0 || m.Cap > 1 {
		return fmt.Errorf("memory.cap must be within (0,1]")
	}

	if m.DecayWindow <= 0 || m.HalfLife <= 0 {
		return fmt.Errorf("memory.decay_window and memory.half_life must be positive")
	}

	if !oneOf(m.Backend, "memory", "neo4j") {
		return fmt.Errorf("invalid memory.backend '%s', must be one of: memory, neo4j", m.Backend)
	}

	s := c.Synchronizer
	if s.QualityThreshold < 0 || s.QualityThreshold > 1 {
		return fmt.Errorf("synchronizer.quality_threshold must be within [0,1]")
	}

	if s.BatchSize < 1 || s.Parallelism < 1 {
		return fmt.Errorf("synchronizer batch_size and parallelism must be >= 1")
	}

	if s.Interval <= 0 {
		return fmt.Errorf("synchronizer.interval must be positive")
	}

	if c.Engine.MaxQuantity < 1 {
		return fmt.Errorf("engine.max_quantity must be >= 1")
	}

	if !oneOf(c.Session.Backend, "memory", "redis") {
		return fmt.Errorf("invalid session.backend '%s', must be one of: memory, redis", c.Session.Backend)
	}

	if !oneOf(c.Warehouse.Backend, "memory", "duckdb") {
		return fmt.Errorf("invalid warehouse.backend '%s', must be one of: memory, duckdb", c.Warehouse.Backend)
	}

	if !oneOf(c.Journal.Backend, "memory", "sqlite") {
		return fmt.Errorf("invalid journal.backend '%s', must be one of: memory, sqlite", c.Journal.Backend)
	}

	if c.Search.MinScore < 0 || c.Search.MinScore >= 1 {
		return fmt.Errorf("search.min_score must be within [0,1)")
	}

	if c.Search.Dimensions < 16 {
		return fmt.Errorf("search.dimensions must be >= 16")
	}

	if !oneOf(c.Reasoning.Provider, "mock", "openai", "anthropic") {
		return fmt.Errorf("invalid reasoning.provider '%s', must be one of: mock, openai, anthropic", c.Reasoning.Provider)
	}

	if !oneOf(c.Logging.Level, "debug", "info", "warn", "error") {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// Write renders cfg as YAML to path, creating parent directories.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
