package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint" mapstructure:"checkpoint"`
	Workers     WorkerConfig      `yaml:"workers" mapstructure:"workers"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig     `yaml:"circuit" mapstructure:"circuit"`
	RateLimits  RateLimitConfig   `yaml:"rate_limits" mapstructure:"rate_limits"`
	Router      RouterConfig      `yaml:"router" mapstructure:"router"`
	Streams     []StreamConfig    `yaml:"streams" mapstructure:"streams"`
	Consolidate ConsolidateConfig `yaml:"consolidate" mapstructure:"consolidate"`
	Extractor   ExtractorConfig   `yaml:"extractor" mapstructure:"extractor"`
	OCR         OCRConfig         `yaml:"ocr" mapstructure:"ocr"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Events      EventsConfig      `yaml:"events" mapstructure:"events"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the record database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CheckpointConfig configures durable queue snapshots.
type CheckpointConfig struct {
	// Driver is "file" or "sqlite".
	Driver       string `yaml:"driver" mapstructure:"driver"`
	Path         string `yaml:"path" mapstructure:"path"`
	EveryN       int    `yaml:"every_n" mapstructure:"every_n"`
	IntervalSecs int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	// Keep is how many snapshots the sqlite driver retains.
	Keep int `yaml:"keep" mapstructure:"keep"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Count             int `yaml:"count" mapstructure:"count"`
	CallTimeoutSecs   int `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	ShutdownGraceSecs int `yaml:"shutdown_grace_secs" mapstructure:"shutdown_grace_secs"`
}

// RetryConfig configures retry with exponential backoff.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-stream circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	// HalfOpenProbes is how many trial calls a cooled-down circuit admits.
	HalfOpenProbes int `yaml:"half_open_probes" mapstructure:"half_open_probes"`
}

// BucketConfig sizes one provider's token bucket.
type BucketConfig struct {
	Rate  float64 `yaml:"rate" mapstructure:"rate"`
	Burst int     `yaml:"burst" mapstructure:"burst"`
}

// RateLimitConfig holds per-provider buckets plus the fallback.
type RateLimitConfig struct {
	Default   BucketConfig            `yaml:"default" mapstructure:"default"`
	Providers map[string]BucketConfig `yaml:"providers" mapstructure:"providers"`
}

// RouterConfig configures document routing.
type RouterConfig struct {
	HighConfidence float64           `yaml:"high_confidence" mapstructure:"high_confidence"`
	MaxFanout      int               `yaml:"max_fanout" mapstructure:"max_fanout"`
	DefaultStreams []string          `yaml:"default_streams" mapstructure:"default_streams"`
	TypePriorities map[string]string `yaml:"type_priorities" mapstructure:"type_priorities"`
}

// Stream kinds.
const (
	KindHTTP      = "http"
	KindPdfToText = "pdftotext"
	KindMistral   = "mistral"
	KindLLM       = "llm"
)

// StreamConfig describes one extraction stream.
type StreamConfig struct {
	ID string `yaml:"id" mapstructure:"id"`
	// Kind selects the implementation: http (the default) calls the
	// extractor service, pdftotext and mistral run OCR locally, llm sends
	// pdftotext output to a Claude model.
	Kind     string   `yaml:"kind" mapstructure:"kind"`
	Provider string   `yaml:"provider" mapstructure:"provider"`
	Remote   string   `yaml:"remote" mapstructure:"remote"`
	Priority int      `yaml:"priority" mapstructure:"priority"`
	Weight   float64  `yaml:"weight" mapstructure:"weight"`
	Cost     int      `yaml:"cost" mapstructure:"cost"`
	DocTypes []string `yaml:"doc_types" mapstructure:"doc_types"`
	// Pricing for spend accounting.
	PricePerPage float64 `yaml:"price_per_page" mapstructure:"price_per_page"`
	PricePerMTok float64 `yaml:"price_per_mtok" mapstructure:"price_per_mtok"`
	// Model overrides anthropic.model for an llm stream.
	Model string `yaml:"model" mapstructure:"model"`
}

// ConsolidateConfig configures cross-verification.
type ConsolidateConfig struct {
	DefaultWeight     float64 `yaml:"default_weight" mapstructure:"default_weight"`
	VerifyBoost       float64 `yaml:"verify_boost" mapstructure:"verify_boost"`
	RelativeFloor     float64 `yaml:"relative_floor" mapstructure:"relative_floor"`
	RelativeTolerance float64 `yaml:"relative_tolerance" mapstructure:"relative_tolerance"`
	AbsoluteTolerance float64 `yaml:"absolute_tolerance" mapstructure:"absolute_tolerance"`
}

// ExtractorConfig holds the extraction service endpoint and credentials.
type ExtractorConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Key         string `yaml:"key" mapstructure:"key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// OCRConfig configures the local OCR streams and how they fetch documents.
type OCRConfig struct {
	PdfToTextPath string  `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string  `yaml:"mistral_key" mapstructure:"mistral_key"`
	MistralModel  string  `yaml:"mistral_model" mapstructure:"mistral_model"`
	MistralURL    string  `yaml:"mistral_url" mapstructure:"mistral_url"`
	Confidence    float64 `yaml:"confidence" mapstructure:"confidence"`
	TempDir       string  `yaml:"temp_dir" mapstructure:"temp_dir"`
	// FetchTimeoutSecs bounds one document download.
	FetchTimeoutSecs int         `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	UserAgent        string      `yaml:"user_agent" mapstructure:"user_agent"`
	HostLimits       []HostLimit `yaml:"host_limits" mapstructure:"host_limits"`
}

// AnthropicConfig configures llm streams.
type AnthropicConfig struct {
	Key        string  `yaml:"key" mapstructure:"key"`
	Model      string  `yaml:"model" mapstructure:"model"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	MaxTokens  int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Prompt     string  `yaml:"prompt" mapstructure:"prompt"`
	Confidence float64 `yaml:"confidence" mapstructure:"confidence"`
	MaxChars   int     `yaml:"max_chars" mapstructure:"max_chars"`
}

// HostLimit caps downloads from one document host. It is a list entry
// rather than a map key because viper splits keys on dots.
type HostLimit struct {
	Host string  `yaml:"host" mapstructure:"host"`
	Rate float64 `yaml:"rate" mapstructure:"rate"`
}

// EventsConfig sizes the event fan-out buffers.
type EventsConfig struct {
	Buffer int `yaml:"buffer" mapstructure:"buffer"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures health alerts while serving.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	// MinFinished is how many items must finish between checks before the
	// failure rate is judged.
	MinFinished      int `yaml:"min_finished" mapstructure:"min_finished"`
	BacklogThreshold int `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	// CostThresholdUSD alerts when spend between checks exceeds it; 0
	// disables the check.
	CostThresholdUSD float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	// RepeatAfterSecs is how long a still-firing alert stays quiet after
	// it was sent.
	RepeatAfterSecs int `yaml:"repeat_after_secs" mapstructure:"repeat_after_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load reading an explicit file instead of ./config.yaml. The
// file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("DOCFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "docflow.db")
	v.SetDefault("checkpoint.driver", "file")
	v.SetDefault("checkpoint.path", "docflow.checkpoint.json")
	v.SetDefault("checkpoint.every_n", 10)
	v.SetDefault("checkpoint.interval_secs", 30)
	v.SetDefault("checkpoint.keep", 20)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.call_timeout_secs", 120)
	v.SetDefault("workers.shutdown_grace_secs", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("circuit.half_open_probes", 1)
	v.SetDefault("rate_limits.default.rate", 5.0)
	v.SetDefault("rate_limits.default.burst", 5)
	v.SetDefault("router.high_confidence", 0.85)
	v.SetDefault("router.max_fanout", 3)
	v.SetDefault("consolidate.default_weight", 1.0)
	v.SetDefault("consolidate.verify_boost", 0.1)
	v.SetDefault("consolidate.relative_floor", 100.0)
	v.SetDefault("consolidate.relative_tolerance", 0.05)
	v.SetDefault("consolidate.absolute_tolerance", 2.0)
	v.SetDefault("extractor.base_url", "http://localhost:8081")
	v.SetDefault("extractor.timeout_secs", 300)
	// Secrets have empty defaults so DOCFLOW_EXTRACTOR_KEY,
	// DOCFLOW_OCR_MISTRAL_KEY and DOCFLOW_ANTHROPIC_KEY are picked up from
	// the environment.
	v.SetDefault("extractor.key", "")
	v.SetDefault("ocr.mistral_key", "")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.confidence", 0.75)
	v.SetDefault("anthropic.max_chars", 100000)
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.confidence", 0.6)
	v.SetDefault("ocr.fetch_timeout_secs", 60)
	v.SetDefault("ocr.user_agent", "docflow/1.0")
	v.SetDefault("events.buffer", 1024)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_finished", 5)
	v.SetDefault("monitoring.backlog_threshold", 1000)
	v.SetDefault("monitoring.repeat_after_secs", 3600)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the given command mode depends on. Mode is
// "run" or "serve"; serve additionally needs a listen port.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	switch c.Checkpoint.Driver {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("checkpoint.driver %q must be file or sqlite", c.Checkpoint.Driver))
	}
	if c.Checkpoint.Path == "" {
		errs = append(errs, "checkpoint.path is required")
	}
	if c.Workers.Count < 1 || c.Workers.Count > 256 {
		errs = append(errs, "workers.count must be between 1 and 256")
	}
	if c.Router.HighConfidence < 0 || c.Router.HighConfidence > 1 {
		errs = append(errs, "router.high_confidence must be between 0 and 1")
	}
	if c.Consolidate.RelativeTolerance < 0 || c.Consolidate.AbsoluteTolerance < 0 || c.Consolidate.VerifyBoost < 0 {
		errs = append(errs, "consolidate tolerances and verify_boost must be >= 0")
	}

	if len(c.Streams) == 0 {
		errs = append(errs, "at least one stream is required")
	}
	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Sprintf("streams[%d].id is required", i))
		case seen[s.ID]:
			errs = append(errs, fmt.Sprintf("duplicate stream %q", s.ID))
		}
		seen[s.ID] = true

		switch s.Kind {
		case "", KindHTTP, KindPdfToText:
		case KindMistral:
			if c.OCR.MistralKey == "" {
				errs = append(errs, fmt.Sprintf("stream %q: ocr.mistral_key is required", s.ID))
			}
		case KindLLM:
			if c.Anthropic.Key == "" {
				errs = append(errs, fmt.Sprintf("stream %q: anthropic.key is required", s.ID))
			}
		default:
			errs = append(errs, fmt.Sprintf("stream %q: unknown kind %q", s.ID, s.Kind))
		}
		if s.PricePerPage < 0 || s.PricePerMTok < 0 {
			errs = append(errs, fmt.Sprintf("stream %q: prices must be >= 0", s.ID))
		}
	}
	if c.OCR.Confidence < 0 || c.OCR.Confidence > 1 {
		errs = append(errs, "ocr.confidence must be between 0 and 1")
	}
	if c.Anthropic.Confidence < 0 || c.Anthropic.Confidence > 1 {
		errs = append(errs, "anthropic.confidence must be between 0 and 1")
	}
	if len(c.Router.DefaultStreams) == 0 {
		errs = append(errs, "router.default_streams is required")
	}
	for _, id := range c.Router.DefaultStreams {
		if !seen[id] {
			errs = append(errs, fmt.Sprintf("default stream %q is not configured", id))
		}
	}

	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
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
