package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
	Anthropic     AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI        OpenAIConfig        `yaml:"openai" mapstructure:"openai"`
	Grok          OpenAIConfig        `yaml:"grok" mapstructure:"grok"`
	Gemini        GeminiConfig        `yaml:"gemini" mapstructure:"gemini"`
	Perplexity    PerplexityConfig    `yaml:"perplexity" mapstructure:"perplexity"`
	Router        RouterConfig        `yaml:"router" mapstructure:"router"`
	Queue         QueueConfig         `yaml:"queue" mapstructure:"queue"`
	Ledger        LedgerConfig        `yaml:"ledger" mapstructure:"ledger"`
	Ensemble      EnsembleConfig      `yaml:"ensemble" mapstructure:"ensemble"`
	Trial         TrialConfig         `yaml:"trial" mapstructure:"trial"`
	Completion    CompletionConfig    `yaml:"completion" mapstructure:"completion"`
	Hallucination HallucinationConfig `yaml:"hallucination" mapstructure:"hallucination"`
	Browser       BrowserConfig       `yaml:"browser" mapstructure:"browser"`
	Worker        WorkerConfig        `yaml:"worker" mapstructure:"worker"`
	Credits       CreditsConfig       `yaml:"credits" mapstructure:"credits"`
	Monitoring    MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Temporal      TemporalConfig      `yaml:"temporal" mapstructure:"temporal"`
	Pricing       PricingConfig       `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig selects and configures the persistent store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `yaml:"addr" mapstructure:"addr"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	APIKey      string   `yaml:"api_key" mapstructure:"api_key"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AnthropicConfig holds completion-service settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OpenAIConfig holds settings for an OpenAI-compatible chat API.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// RouterConfig configures lane selection.
type RouterConfig struct {
	PremiumProvider string        `yaml:"premium_provider" mapstructure:"premium_provider"`
	WorkerLiveness  time.Duration `yaml:"worker_liveness" mapstructure:"worker_liveness"`
}

// QueueConfig configures the acquisition job queue.
type QueueConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBase    time.Duration `yaml:"retry_base" mapstructure:"retry_base"`
	ClaimLease   time.Duration `yaml:"claim_lease" mapstructure:"claim_lease"`
	DefaultLimit int           `yaml:"default_limit" mapstructure:"default_limit"`
}

// LedgerConfig configures per-provider request spacing.
type LedgerConfig struct {
	Cooldowns map[string]time.Duration `yaml:"cooldowns" mapstructure:"cooldowns"`
}

// EnsembleConfig configures multi-trial aggregation.
type EnsembleConfig struct {
	Runs           int           `yaml:"runs" mapstructure:"runs"`
	PoolSize       int           `yaml:"pool_size" mapstructure:"pool_size"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxOtherBrands int           `yaml:"max_other_brands" mapstructure:"max_other_brands"`
	Sentiment      bool          `yaml:"sentiment" mapstructure:"sentiment"`
}

// TrialConfig configures acquisition timeouts.
type TrialConfig struct {
	ScriptedTimeout time.Duration `yaml:"scripted_timeout" mapstructure:"scripted_timeout"`
	BrowserTimeout  time.Duration `yaml:"browser_timeout" mapstructure:"browser_timeout"`
	MaxSources      int           `yaml:"max_sources" mapstructure:"max_sources"`
	ScriptedRPS     float64       `yaml:"scripted_rps" mapstructure:"scripted_rps"`
}

// CompletionConfig holds per-use completion-service timeouts.
type CompletionConfig struct {
	GroundTruthTimeout   time.Duration `yaml:"groundtruth_timeout" mapstructure:"groundtruth_timeout"`
	SentimentTimeout     time.Duration `yaml:"sentiment_timeout" mapstructure:"sentiment_timeout"`
	HallucinationTimeout time.Duration `yaml:"hallucination_timeout" mapstructure:"hallucination_timeout"`
	BrandTimeout         time.Duration `yaml:"brand_timeout" mapstructure:"brand_timeout"`
}

// HallucinationConfig configures ground-truth comparison.
type HallucinationConfig struct {
	Enabled             bool          `yaml:"enabled" mapstructure:"enabled"`
	MinGroundTruthChars int           `yaml:"min_ground_truth_chars" mapstructure:"min_ground_truth_chars"`
	StaleAfter          time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

// BrowserConfig configures the browser automation layer.
type BrowserConfig struct {
	ControlURL string        `yaml:"control_url" mapstructure:"control_url"`
	Headless   bool          `yaml:"headless" mapstructure:"headless"`
	SessionTTL time.Duration `yaml:"session_ttl" mapstructure:"session_ttl"`
	UserID     string        `yaml:"user_id" mapstructure:"user_id"`
}

// WorkerConfig configures the pull-based browser worker.
type WorkerConfig struct {
	APIURL            string        `yaml:"api_url" mapstructure:"api_url"`
	ID                string        `yaml:"id" mapstructure:"id"`
	Providers         []string      `yaml:"providers" mapstructure:"providers"`
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	MinDelay          time.Duration `yaml:"min_delay" mapstructure:"min_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
}

// CreditsConfig configures the external credit ledger.
type CreditsConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Secret     string `yaml:"secret" mapstructure:"secret"`
}

// MonitoringConfig configures queue health alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	QueueDepthThreshold  int     `yaml:"queue_depth_threshold" mapstructure:"queue_depth_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// TemporalConfig configures the optional workflow worker.
type TemporalConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Scripted  map[string]ModelPricing `yaml:"scripted" mapstructure:"scripted"`
	PerQuery  map[string]float64      `yaml:"per_query" mapstructure:"per_query"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VISIBILITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "visibility.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("grok.base_url", "https://api.x.ai/v1")
	v.SetDefault("grok.model", "grok-3-mini")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("router.premium_provider", "chatgpt")
	v.SetDefault("router.worker_liveness", 90*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.retry_base", 60*time.Second)
	v.SetDefault("queue.claim_lease", 15*time.Minute)
	v.SetDefault("queue.default_limit", 5)
	v.SetDefault("ledger.cooldowns", map[string]time.Duration{
		"chatgpt":    30 * time.Second,
		"perplexity": 20 * time.Second,
		"gemini":     15 * time.Second,
		"grok":       15 * time.Second,
	})
	v.SetDefault("ensemble.runs", 5)
	v.SetDefault("ensemble.pool_size", 3)
	v.SetDefault("ensemble.timeout", 10*time.Minute)
	v.SetDefault("ensemble.max_other_brands", 20)
	v.SetDefault("ensemble.sentiment", true)
	v.SetDefault("trial.scripted_timeout", 60*time.Second)
	v.SetDefault("trial.browser_timeout", 180*time.Second)
	v.SetDefault("trial.max_sources", 200)
	v.SetDefault("trial.scripted_rps", 2.0)
	v.SetDefault("completion.groundtruth_timeout", 90*time.Second)
	v.SetDefault("completion.sentiment_timeout", 20*time.Second)
	v.SetDefault("completion.hallucination_timeout", 60*time.Second)
	v.SetDefault("completion.brand_timeout", 30*time.Second)
	v.SetDefault("hallucination.enabled", true)
	v.SetDefault("hallucination.min_ground_truth_chars", 500)
	v.SetDefault("hallucination.stale_after", 30*24*time.Hour)
	v.SetDefault("browser.session_ttl", 7*24*time.Hour)
	v.SetDefault("worker.api_url", "http://localhost:8080")
	v.SetDefault("worker.providers", []string{"chatgpt"})
	v.SetDefault("worker.poll_interval", 10*time.Second)
	v.SetDefault("worker.min_delay", 5*time.Second)
	v.SetDefault("worker.max_delay", 10*time.Second)
	v.SetDefault("worker.heartbeat_interval", 30*time.Second)
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.queue_depth_threshold", 500)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "visibility")
}

// Validate checks that the fields required by mode are present.
// Modes: serve, worker, dispatch, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	needStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required")
			}
		case "sqlite":
			if c.Store.SQLitePath == "" {
				errs = append(errs, "store.sqlite_path is required")
			}
		default:
			errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
		}
	}

	switch mode {
	case "serve", "dispatch":
		needStore()
		if c.Server.Addr == "" && mode == "serve" {
			errs = append(errs, "server.addr is required")
		}
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Ensemble.Runs < 1 || c.Ensemble.Runs > 25 {
			errs = append(errs, "ensemble.runs must be between 1 and 25")
		}
		if c.Ensemble.PoolSize < 1 || c.Ensemble.PoolSize > 10 {
			errs = append(errs, "ensemble.pool_size must be between 1 and 10")
		}
		if c.Hallucination.MinGroundTruthChars < 0 {
			errs = append(errs, "hallucination.min_ground_truth_chars must be >= 0")
		}
	case "worker":
		if c.Worker.APIURL == "" {
			errs = append(errs, "worker.api_url is required")
		}
		if c.Worker.MinDelay > c.Worker.MaxDelay {
			errs = append(errs, "worker.min_delay must be <= worker.max_delay")
		}
	case "migrate":
		needStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.max_attempts must be >= 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
