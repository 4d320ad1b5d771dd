package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every override the loader recognises so that values leaking
// in from the host environment cannot skew assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"GEMINI_API_KEY", "GOOGLE_API_KEY",
		"MARKSMAN_PROVIDER", "MARKSMAN_MODEL", "MARKSMAN_BASE_URL",
		"MARKSMAN_DATA_DIR", "MARKSMAN_LISTEN_ADDR",
		"RUN_MAX_CONCURRENCY", "TEACHER_MAX_ACTIVE_RUNS",
		"RUN_MAX_PARALLEL_LLM_CALLS", "RUN_BATCH_CHUNK_SIZE",
		"SOFT_BUDGET_USD_PER_RUN",
		"RUN_UPLOAD_QUEUE_WATERMARK", "RUN_UPLOAD_ACTIVE_WATERMARK",
		"CACHE_TTL_DAYS", "CACHE_MIN_CONFIDENCE", "BATCH_IMAGE_CACHE_MAX_BATCHES",
		"RUBRIC_REVIEW_MIN_CONFIDENCE",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8723", cfg.Server.ListenAddr)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, 4, cfg.Runs.MaxConcurrency)
	assert.Equal(t, 50, cfg.Runs.BatchChunkSize)
	assert.InDelta(t, 0.2, cfg.Runs.UnscoredFailFraction, 1e-9)
	assert.Equal(t, 30, cfg.Cache.TTLDays)
	assert.InDelta(t, 0.9, cfg.Cache.MinConfidence, 1e-9)
	assert.Equal(t, 60, cfg.Limits.ModelAPI.Max)
	assert.InDelta(t, 0.7, cfg.Review.RubricMinConfidence, 1e-9)
	assert.Equal(t, 50, cfg.Intake.MaxFileMB)
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runs: [not a mapping"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  provider: genai
  api_key: from-file
  model: file-model
runs:
  max_concurrency: 7
  batch_chunk_size: 25
cache:
  ttl_days: 3
`), 0o644))

	// Environment overrides beat the file.
	t.Setenv("RUN_MAX_CONCURRENCY", "9")
	t.Setenv("CACHE_MIN_CONFIDENCE", "0.85")
	t.Setenv("MARKSMAN_MODEL", "env-model")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Runs.MaxConcurrency, "env wins over file")
	assert.Equal(t, 25, cfg.Runs.BatchChunkSize, "file wins over default")
	assert.Equal(t, 3, cfg.Cache.TTLDays)
	assert.InDelta(t, 0.85, cfg.Cache.MinConfidence, 1e-9)
	assert.Equal(t, "env-model", cfg.LLM.Model)
	assert.Equal(t, "genai", cfg.LLM.Provider)
	assert.Equal(t, "from-file", cfg.LLM.APIKey)
}

func TestAPIKeyEnvPriority(t *testing.T) {
	clearEnv(t)

	t.Setenv("GOOGLE_API_KEY", "google-key")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "google-key", cfg.LLM.APIKey, "GOOGLE_API_KEY fills an empty key")

	t.Setenv("GEMINI_API_KEY", "gemini-key")
	cfg, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gemini-key", cfg.LLM.APIKey, "GEMINI_API_KEY takes priority")
}

func TestMalformedEnvValuesAreIgnored(t *testing.T) {
	clearEnv(t)

	t.Setenv("RUN_MAX_CONCURRENCY", "lots")
	t.Setenv("CACHE_MIN_CONFIDENCE", "very")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Runs.MaxConcurrency)
	assert.InDelta(t, 0.9, cfg.Cache.MinConfidence, 1e-9)
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)

	cfg := DefaultConfig()
	cfg.Runs.MaxConcurrency = 3
	cfg.LLM.Provider = "fake"
	cfg.Review.RubricMinConfidence = 0.55

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Runs.MaxConcurrency)
	assert.Equal(t, "fake", loaded.LLM.Provider)
	assert.InDelta(t, 0.55, loaded.Review.RubricMinConfidence, 1e-9)
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	valid := func() *Config {
		c := DefaultConfig()
		c.LLM.Provider = "fake"
		return c
	}

	t.Run("fake provider needs no key", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("real provider requires a key", func(t *testing.T) {
		c := valid()
		c.LLM.Provider = "gemini"
		c.LLM.APIKey = ""
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model API key not configured")

		c.LLM.APIKey = "k"
		require.NoError(t, c.Validate())
	})

	t.Run("unknown provider", func(t *testing.T) {
		c := valid()
		c.LLM.Provider = "oracle"
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid llm provider")
	})

	t.Run("bounds", func(t *testing.T) {
		cases := []struct {
			name   string
			mutate func(*Config)
		}{
			{"max_concurrency", func(c *Config) { c.Runs.MaxConcurrency = 0 }},
			{"teacher_max_active", func(c *Config) { c.Runs.TeacherMaxActive = 0 }},
			{"max_parallel_llm_calls", func(c *Config) { c.Runs.MaxParallelLLMCalls = 0 }},
			{"batch_chunk_size", func(c *Config) { c.Runs.BatchChunkSize = -1 }},
			{"cache_min_confidence", func(c *Config) { c.Cache.MinConfidence = 1.2 }},
			{"rubric_min_confidence", func(c *Config) { c.Review.RubricMinConfidence = -0.1 }},
			{"unscored_fail_fraction zero", func(c *Config) { c.Runs.UnscoredFailFraction = 0 }},
			{"unscored_fail_fraction high", func(c *Config) { c.Runs.UnscoredFailFraction = 1.5 }},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				c := valid()
				tc.mutate(c)
				assert.Error(t, c.Validate())
			})
		}
	})
}

func TestDurationGettersFallBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Runs.Deadline = "not-a-duration"
	cfg.Runs.EventGracePeriod = ""
	cfg.Retry.InitialInterval = "soon"
	cfg.Server.ShutdownTimeout = "5s"

	assert.Equal(t, time.Duration(0), cfg.GetRunDeadline())
	assert.Equal(t, 24*time.Hour, cfg.GetEventGracePeriod())
	assert.Equal(t, 500*time.Millisecond, cfg.GetRetryInitialInterval())
	assert.Equal(t, 5*time.Second, cfg.GetShutdownTimeout())
	assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())
}

func TestWindowLimitAndCacheTTL(t *testing.T) {
	w := WindowLimit{Max: 10, Window: "30s"}
	assert.Equal(t, 30*time.Second, w.GetWindow())
	assert.Equal(t, 60*time.Second, WindowLimit{Window: "bogus"}.GetWindow())

	cfg := DefaultConfig()
	cfg.Cache.TTLDays = 7
	assert.Equal(t, 7*24*time.Hour, cfg.CacheTTL())
}

func TestWatcherReloadsOnRewrite(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runs:\n  max_concurrency: 2\n"), 0o644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	w.debounceDur = 0
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("runs:\n  max_concurrency: 6\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 6, cfg.Runs.MaxConcurrency)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never delivered the rewritten config")
	}
	assert.GreaterOrEqual(t, w.Stats().Reloads, 1)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runs:\n  max_concurrency: 2\n"), 0o644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	w.debounceDur = 0
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("reload fired for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}
