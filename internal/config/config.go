// Package config loads and validates marksman configuration: a YAML file
// with environment-variable overrides for every operational knob, plus a
// debounced file watcher that re-applies dynamic limits at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all marksman configuration.
type Config struct {
	// DataDir is the root for the sqlite store, the key-value store, and
	// category log files.
	DataDir string `yaml:"data_dir"`

	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Runs    RunsConfig    `yaml:"runs"`
	Cache   CacheConfig   `yaml:"cache"`
	Limits  LimitsConfig  `yaml:"rate_limits"`
	Retry   RetryConfig   `yaml:"retry"`
	Review  ReviewConfig  `yaml:"review"`
	Intake  IntakeConfig  `yaml:"intake"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LLMConfig configures the model gateway.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, genai, fake
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
	Stream   bool   `yaml:"stream"`

	// Cost rates for soft budget tracking, USD per 1000 tokens.
	USDPer1KPromptTokens     float64 `yaml:"usd_per_1k_prompt_tokens"`
	USDPer1KCompletionTokens float64 `yaml:"usd_per_1k_completion_tokens"`

	// PaceRequestsPerSecond smooths outbound request departure on top of
	// the windowed quota. 0 disables the pacer.
	PaceRequestsPerSecond float64 `yaml:"pace_requests_per_second"`
}

// RunsConfig bounds run admission and grading fan-out.
type RunsConfig struct {
	MaxConcurrency        int     `yaml:"max_concurrency"`          // RUN_MAX_CONCURRENCY
	TeacherMaxActive      int     `yaml:"teacher_max_active"`       // TEACHER_MAX_ACTIVE_RUNS
	MaxParallelLLMCalls   int64   `yaml:"max_parallel_llm_calls"`   // RUN_MAX_PARALLEL_LLM_CALLS
	BatchChunkSize        int     `yaml:"batch_chunk_size"`         // RUN_BATCH_CHUNK_SIZE
	SoftBudgetUSD         float64 `yaml:"soft_budget_usd"`          // SOFT_BUDGET_USD_PER_RUN
	UploadQueueWatermark  int     `yaml:"upload_queue_watermark"`   // RUN_UPLOAD_QUEUE_WATERMARK
	UploadActiveWatermark int     `yaml:"upload_active_watermark"`  // RUN_UPLOAD_ACTIVE_WATERMARK
	Deadline              string  `yaml:"deadline"`                 // 0 disables
	EventGracePeriod      string  `yaml:"event_grace_period"`       // prune window after terminal
	UnscoredFailFraction  float64 `yaml:"unscored_fail_fraction"`   // per-student exclusion threshold
}

// CacheConfig configures the semantic result cache and the in-memory
// batch-image cache. The two share configuration proximity and nothing else.
type CacheConfig struct {
	TTLDays              int     `yaml:"ttl_days"`                // CACHE_TTL_DAYS
	MinConfidence        float64 `yaml:"min_confidence"`          // CACHE_MIN_CONFIDENCE
	ImageCacheMaxBatches int     `yaml:"image_cache_max_batches"` // BATCH_IMAGE_CACHE_MAX_BATCHES
}

// WindowLimit is one sliding-window rate limit.
type WindowLimit struct {
	Max    int    `yaml:"max"`
	Window string `yaml:"window"`
}

// LimitsConfig holds the per-key window limits the gateway acquires.
type LimitsConfig struct {
	ModelAPI WindowLimit `yaml:"model_api"`
	Global   WindowLimit `yaml:"global"`
	PerUser  WindowLimit `yaml:"per_user"`
}

// RetryConfig is the default retry envelope for gateway calls.
type RetryConfig struct {
	InitialInterval    string  `yaml:"initial_interval"`
	BackoffCoefficient float64 `yaml:"backoff_coefficient"`
	MaximumInterval    string  `yaml:"maximum_interval"`
	MaximumAttempts    int     `yaml:"maximum_attempts"`
	TimeoutPerAttempt  string  `yaml:"timeout_per_attempt"`
}

// ReviewConfig configures the human gates.
type ReviewConfig struct {
	// RubricMinConfidence forces paused_rubric_review when the parsed
	// rubric's confidence falls below it.
	RubricMinConfidence float64 `yaml:"rubric_min_confidence"`
}

// IntakeConfig bounds uploads.
type IntakeConfig struct {
	MaxFileMB    int    `yaml:"max_file_mb"`
	MaxPDFPages  int    `yaml:"max_pdf_pages"`
	PdftoppmPath string `yaml:"pdftoppm_path"`
	RenderDPI    int    `yaml:"render_dpi"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Dir       string `yaml:"dir"` // defaults to <data_dir>/logs
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),

		Server: ServerConfig{
			ListenAddr:      ":8723",
			ReadTimeout:     "60s",
			WriteTimeout:    "60s",
			ShutdownTimeout: "15s",
		},

		LLM: LLMConfig{
			Provider:                 "gemini",
			Model:                    "gemini-2.5-flash",
			BaseURL:                  "https://generativelanguage.googleapis.com/v1beta",
			Timeout:                  "120s",
			Stream:                   true,
			USDPer1KPromptTokens:     0.00030,
			USDPer1KCompletionTokens: 0.00250,
			PaceRequestsPerSecond:    4,
		},

		Runs: RunsConfig{
			MaxConcurrency:        4,
			TeacherMaxActive:      2,
			MaxParallelLLMCalls:   8,
			BatchChunkSize:        50,
			SoftBudgetUSD:         0,
			UploadQueueWatermark:  0,
			UploadActiveWatermark: 0,
			Deadline:              "0s",
			EventGracePeriod:      "24h",
			UnscoredFailFraction:  0.2,
		},

		Cache: CacheConfig{
			TTLDays:              30,
			MinConfidence:        0.9,
			ImageCacheMaxBatches: 16,
		},

		Limits: LimitsConfig{
			ModelAPI: WindowLimit{Max: 60, Window: "60s"},
			Global:   WindowLimit{Max: 600, Window: "60s"},
			PerUser:  WindowLimit{Max: 30, Window: "60s"},
		},

		Retry: RetryConfig{
			InitialInterval:    "500ms",
			BackoffCoefficient: 2.0,
			MaximumInterval:    "30s",
			MaximumAttempts:    4,
			TimeoutPerAttempt:  "120s",
		},

		Review: ReviewConfig{
			RubricMinConfidence: 0.7,
		},

		Intake: IntakeConfig{
			MaxFileMB:    50,
			MaxPDFPages:  80,
			PdftoppmPath: "pdftoppm",
			RenderDPI:    150,
		},

		Logging: LoggingConfig{
			DebugMode: false,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".marksman"
	}
	return filepath.Join(home, ".marksman")
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. The recognised
// variables are the documented operational surface; YAML values lose to them.
func (c *Config) applyEnvOverrides() {
	// API key in priority order.
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
	if p := os.Getenv("MARKSMAN_PROVIDER"); p != "" {
		c.LLM.Provider = p
	}
	if m := os.Getenv("MARKSMAN_MODEL"); m != "" {
		c.LLM.Model = m
	}
	if u := os.Getenv("MARKSMAN_BASE_URL"); u != "" {
		c.LLM.BaseURL = u
	}

	if d := os.Getenv("MARKSMAN_DATA_DIR"); d != "" {
		c.DataDir = d
	}
	if a := os.Getenv("MARKSMAN_LISTEN_ADDR"); a != "" {
		c.Server.ListenAddr = a
	}

	envInt("RUN_MAX_CONCURRENCY", &c.Runs.MaxConcurrency)
	envInt("TEACHER_MAX_ACTIVE_RUNS", &c.Runs.TeacherMaxActive)
	envInt64("RUN_MAX_PARALLEL_LLM_CALLS", &c.Runs.MaxParallelLLMCalls)
	envInt("RUN_BATCH_CHUNK_SIZE", &c.Runs.BatchChunkSize)
	envFloat("SOFT_BUDGET_USD_PER_RUN", &c.Runs.SoftBudgetUSD)
	envInt("RUN_UPLOAD_QUEUE_WATERMARK", &c.Runs.UploadQueueWatermark)
	envInt("RUN_UPLOAD_ACTIVE_WATERMARK", &c.Runs.UploadActiveWatermark)

	envInt("CACHE_TTL_DAYS", &c.Cache.TTLDays)
	envFloat("CACHE_MIN_CONFIDENCE", &c.Cache.MinConfidence)
	envInt("BATCH_IMAGE_CACHE_MAX_BATCHES", &c.Cache.ImageCacheMaxBatches)

	envFloat("RUBRIC_REVIEW_MIN_CONFIDENCE", &c.Review.RubricMinConfidence)
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// duration parses a duration string with a fallback.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the per-attempt model call timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	return duration(c.LLM.Timeout, 120*time.Second)
}

// GetRunDeadline returns the run-level deadline; 0 means none.
func (c *Config) GetRunDeadline() time.Duration {
	return duration(c.Runs.Deadline, 0)
}

// GetEventGracePeriod returns how long terminal runs keep their event log
// before pruning is allowed.
func (c *Config) GetEventGracePeriod() time.Duration {
	return duration(c.Runs.EventGracePeriod, 24*time.Hour)
}

// GetReadTimeout returns the HTTP server read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return duration(c.Server.ReadTimeout, 60*time.Second)
}

// GetWriteTimeout returns the HTTP server write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	return duration(c.Server.WriteTimeout, 60*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown window.
func (c *Config) GetShutdownTimeout() time.Duration {
	return duration(c.Server.ShutdownTimeout, 15*time.Second)
}

// GetRetryInitialInterval returns the first backoff interval.
func (c *Config) GetRetryInitialInterval() time.Duration {
	return duration(c.Retry.InitialInterval, 500*time.Millisecond)
}

// GetRetryMaximumInterval returns the backoff ceiling.
func (c *Config) GetRetryMaximumInterval() time.Duration {
	return duration(c.Retry.MaximumInterval, 30*time.Second)
}

// GetRetryTimeoutPerAttempt returns the per-attempt timeout.
func (c *Config) GetRetryTimeoutPerAttempt() time.Duration {
	return duration(c.Retry.TimeoutPerAttempt, 120*time.Second)
}

// GetWindow parses a WindowLimit's window with a 60s fallback.
func (w WindowLimit) GetWindow() time.Duration {
	return duration(w.Window, 60*time.Second)
}

// CacheTTL returns the semantic cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLDays) * 24 * time.Hour
}

// ValidProviders lists the supported gateway providers. The fake provider is
// a deterministic in-process stand-in for tests and dry runs.
var ValidProviders = []string{"gemini", "genai", "fake"}

// Validate checks the configuration for operability.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid llm provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.LLM.Provider != "fake" && c.LLM.APIKey == "" {
		return fmt.Errorf("model API key not configured (set GEMINI_API_KEY or GOOGLE_API_KEY)")
	}
	if c.Runs.MaxConcurrency < 1 {
		return fmt.Errorf("runs.max_concurrency must be >= 1")
	}
	if c.Runs.TeacherMaxActive < 1 {
		return fmt.Errorf("runs.teacher_max_active must be >= 1")
	}
	if c.Runs.MaxParallelLLMCalls < 1 {
		return fmt.Errorf("runs.max_parallel_llm_calls must be >= 1")
	}
	if c.Runs.BatchChunkSize < 1 {
		return fmt.Errorf("runs.batch_chunk_size must be >= 1")
	}
	if c.Cache.MinConfidence < 0 || c.Cache.MinConfidence > 1 {
		return fmt.Errorf("cache.min_confidence must be in [0,1]")
	}
	if c.Review.RubricMinConfidence < 0 || c.Review.RubricMinConfidence > 1 {
		return fmt.Errorf("review.rubric_min_confidence must be in [0,1]")
	}
	if c.Runs.UnscoredFailFraction <= 0 || c.Runs.UnscoredFailFraction > 1 {
		return fmt.Errorf("runs.unscored_fail_fraction must be in (0,1]")
	}
	return nil
}
