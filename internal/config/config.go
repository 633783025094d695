package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface of the orchestrator. Every
// empirically tuned threshold (loop completion, search quality cutoffs,
// circuit breaker density) lives here rather than in code so deployments can
// adjust them without a rebuild.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Loop       LoopConfig       `mapstructure:"loop"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Search     SearchConfig     `mapstructure:"search"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Store      StoreConfig      `mapstructure:"store"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProvidersConfig holds credentials and endpoints for external collaborators.
type ProvidersConfig struct {
	OpenAI        OpenAIConfig        `mapstructure:"openai"`
	Knowledge     KnowledgeConfig     `mapstructure:"knowledge"`
	InstantAnswer InstantAnswerConfig `mapstructure:"instant_answer"`
	Premium       PremiumConfig       `mapstructure:"premium"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

type KnowledgeConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Collection string        `mapstructure:"collection"`
	APIKey     string        `mapstructure:"api_key"`
	TopK       int           `mapstructure:"top_k"`
	Threshold  float64       `mapstructure:"threshold"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type InstantAnswerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PremiumConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoopConfig bounds a single learning loop and its compaction behavior.
type LoopConfig struct {
	MaxTurns           int           `mapstructure:"max_turns"`
	MaxDuration        time.Duration `mapstructure:"max_duration"`
	CompletionKeywords []string      `mapstructure:"completion_keywords"`
	RequiredAgents     []string      `mapstructure:"required_agents"`
	RepetitionOverlap  float64       `mapstructure:"repetition_overlap"`
	MaxSummaries       int           `mapstructure:"max_summaries"`
	CompressThreshold  int           `mapstructure:"compress_threshold"`
	CompressKeepRecent int           `mapstructure:"compress_keep_recent"`
}

type WorkflowConfig struct {
	MaxSteps int `mapstructure:"max_steps"`
}

// ResilienceConfig controls error history, circuit breaking and retries.
type ResilienceConfig struct {
	HistorySize      int                    `mapstructure:"history_size"`
	CircuitWindow    time.Duration          `mapstructure:"circuit_window"`
	CircuitThreshold int                    `mapstructure:"circuit_threshold"`
	DegradedErrors   int                    `mapstructure:"degraded_errors"`
	RetryAfter       time.Duration          `mapstructure:"retry_after"`
	Retry            map[string]RetryPolicy `mapstructure:"retry"`
}

// RetryPolicy is a per-service retry budget with exponential backoff.
type RetryPolicy struct {
	MaxRetries    int     `mapstructure:"max_retries"`
	BackoffFactor float64 `mapstructure:"backoff_factor"`
}

type RateLimitConfig struct {
	DefaultPerMinute int            `mapstructure:"default_per_minute"`
	PerService       map[string]int `mapstructure:"per_service"`
}

type MonitorConfig struct {
	HistorySize     int           `mapstructure:"history_size"`
	StatusWindow    time.Duration `mapstructure:"status_window"`
	DegradedErrRate float64       `mapstructure:"degraded_error_rate"`
	DownErrRate     float64       `mapstructure:"down_error_rate"`
	DegradedLatency time.Duration `mapstructure:"degraded_latency"`
	DownLatency     time.Duration `mapstructure:"down_latency"`
	RateLimitedPct  float64       `mapstructure:"rate_limited_pct"`
}

// SearchConfig carries the adaptive-search quality cutoffs and the fusion
// ranking weights. The 0.8/0.4 cutoffs are tuned values, not derived ones.
type SearchConfig struct {
	HighQuality    float64        `mapstructure:"high_quality"`
	AcceptQuality  float64        `mapstructure:"accept_quality"`
	MaxResults     int            `mapstructure:"max_results"`
	RankingWeights RankingWeights `mapstructure:"ranking_weights"`
}

type RankingWeights struct {
	Similarity   float64 `mapstructure:"similarity"`
	Reliability  float64 `mapstructure:"reliability"`
	Context      float64 `mapstructure:"context"`
	Completeness float64 `mapstructure:"completeness"`
	Recency      float64 `mapstructure:"recency"`
	LevelMatch   float64 `mapstructure:"level_match"`
}

type AlertingConfig struct {
	HistorySize int         `mapstructure:"history_size"`
	WebhookURL  string      `mapstructure:"webhook_url"`
	Rules       []AlertRule `mapstructure:"rules"`
}

// AlertRule is the declarative form of a rule loaded from the config file.
// Conditions are matched against event fields; code-defined rules can still
// be registered directly on the dispatcher.
type AlertRule struct {
	Name            string   `mapstructure:"name"`
	Service         string   `mapstructure:"service"`
	EventType       string   `mapstructure:"event_type"`
	MinSeverity     string   `mapstructure:"min_severity"`
	Message         string   `mapstructure:"message"`
	Channels        []string `mapstructure:"channels"`
	CooldownMinutes int      `mapstructure:"cooldown_minutes"`
}

type StoreConfig struct {
	Driver     string        `mapstructure:"driver"`
	DSN        string        `mapstructure:"dsn"`
	RedisAddr  string        `mapstructure:"redis_addr"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// Load reads the config file from CONFIG_PATH (default ./config/orchestrator.yaml),
// applies environment overrides, and fills unset fields with defaults.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/orchestrator.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads a specific config file. A missing file is not an error; the
// defaults are returned so the orchestrator can start with a bare environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ORCH")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = key
	}
	if key := os.Getenv("PREMIUM_SEARCH_API_KEY"); key != "" && cfg.Providers.Premium.APIKey == "" {
		cfg.Providers.Premium.APIKey = key
	}

	return &cfg, nil
}

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("providers.openai.model", "gpt-4o-mini")
	v.SetDefault("providers.openai.temperature", 0.7)
	v.SetDefault("providers.openai.max_tokens", 1024)
	v.SetDefault("providers.openai.timeout", "30s")
	v.SetDefault("providers.openai.cache_ttl", "10m")
	v.SetDefault("providers.knowledge.base_url", "http://localhost:6333")
	v.SetDefault("providers.knowledge.collection", "chapters")
	v.SetDefault("providers.knowledge.top_k", 5)
	v.SetDefault("providers.knowledge.threshold", 0.3)
	v.SetDefault("providers.knowledge.timeout", "10s")
	v.SetDefault("providers.instant_answer.base_url", "https://api.duckduckgo.com")
	v.SetDefault("providers.instant_answer.timeout", "8s")
	v.SetDefault("providers.premium.base_url", "https://api.tavily.com")
	v.SetDefault("providers.premium.timeout", "15s")

	v.SetDefault("loop.max_turns", 50)
	v.SetDefault("loop.max_duration", "60m")
	v.SetDefault("loop.completion_keywords", []string{"done", "next", "enough", "finished", "complete", "move on"})
	v.SetDefault("loop.required_agents", []string{"educator", "quiz", "evaluator"})
	v.SetDefault("loop.repetition_overlap", 0.6)
	v.SetDefault("loop.max_summaries", 5)
	v.SetDefault("loop.compress_threshold", 50)
	v.SetDefault("loop.compress_keep_recent", 30)

	v.SetDefault("workflow.max_steps", 50)

	v.SetDefault("resilience.history_size", 1000)
	v.SetDefault("resilience.circuit_window", "5m")
	v.SetDefault("resilience.circuit_threshold", 5)
	v.SetDefault("resilience.degraded_errors", 3)
	v.SetDefault("resilience.retry_after", "300s")
	v.SetDefault("resilience.retry.generation.max_retries", 3)
	v.SetDefault("resilience.retry.generation.backoff_factor", 2.0)
	v.SetDefault("resilience.retry.knowledge.max_retries", 2)
	v.SetDefault("resilience.retry.knowledge.backoff_factor", 1.5)
	v.SetDefault("resilience.retry.websearch.max_retries", 2)
	v.SetDefault("resilience.retry.websearch.backoff_factor", 1.5)

	v.SetDefault("rate_limit.default_per_minute", 60)

	v.SetDefault("monitor.history_size", 1000)
	v.SetDefault("monitor.status_window", "10m")
	v.SetDefault("monitor.degraded_error_rate", 0.1)
	v.SetDefault("monitor.down_error_rate", 0.3)
	v.SetDefault("monitor.degraded_latency", "5s")
	v.SetDefault("monitor.down_latency", "10s")
	v.SetDefault("monitor.rate_limited_pct", 0.5)

	v.SetDefault("search.high_quality", 0.8)
	v.SetDefault("search.accept_quality", 0.4)
	v.SetDefault("search.max_results", 8)
	v.SetDefault("search.ranking_weights.similarity", 0.4)
	v.SetDefault("search.ranking_weights.reliability", 0.2)
	v.SetDefault("search.ranking_weights.context", 0.15)
	v.SetDefault("search.ranking_weights.completeness", 0.1)
	v.SetDefault("search.ranking_weights.recency", 0.1)
	v.SetDefault("search.ranking_weights.level_match", 0.05)

	v.SetDefault("alerting.history_size", 100)

	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.session_ttl", "24h")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
}
