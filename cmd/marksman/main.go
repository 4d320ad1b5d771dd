package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"marksman/internal/budget"
	"marksman/internal/cache"
	"marksman/internal/config"
	"marksman/internal/confession"
	"marksman/internal/events"
	"marksman/internal/gateway"
	"marksman/internal/imaging"
	"marksman/internal/kv"
	"marksman/internal/logging"
	"marksman/internal/orchestrator"
	"marksman/internal/ratelimit"
	"marksman/internal/retry"
	"marksman/internal/server"
	"marksman/internal/store"
)

const version = "0.9.0"

var (
	// Global flags
	verbose    bool
	configPath string
	serverAddr string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "marksman",
	Short: "marksman - vision-native automated grading engine",
	Long: `marksman grades scanned answer sheets against a rubric document using a
multimodal reasoning model.

The serve command runs the batch coordinator: it admits grading runs,
walks them through the pipeline (intake, preprocess, rubric parse, student
boundary detection, batched grading, merge, aggregate, logic review,
confession, export), and streams sequenced progress events to subscribers.

The remaining commands are thin clients against a running coordinator.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real deployments use the environment directly.
		_ = godotenv.Load()

		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the coordinator daemon.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the grading coordinator and its HTTP API",
	Long: `Starts the single-coordinator batch service: the run scheduler, the
pipeline, the model gateway, the event fan-out, and the HTTP boundary.

Interrupted runs are recovered from their last checkpoint at startup.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the marksman version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("marksman %s\n", version)
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = filepath.Join(cfg.DataDir, "logs")
	}
	if err := logging.Initialize(logDir, cfg.Logging.DebugMode || verbose); err != nil {
		return fmt.Errorf("failed to initialize category logging: %w", err)
	}
	defer logging.CloseAll()
	logging.Boot("marksman %s starting (data dir %s)", version, cfg.DataDir)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	kvStore, err := kv.OpenLevelDB(filepath.Join(cfg.DataDir, "kv"))
	if err != nil {
		return err
	}
	defer kvStore.Close()

	bus := events.NewBus()
	eventLog := events.NewLog(st, bus)
	limiter := ratelimit.New(kvStore)
	semantic := cache.NewSemantic(kvStore, cfg.CacheTTL(), cfg.Cache.MinConfidence)

	tracker, err := budget.NewTracker(cfg.DataDir, budget.Rates{
		USDPer1KPromptTokens:     cfg.LLM.USDPer1KPromptTokens,
		USDPer1KCompletionTokens: cfg.LLM.USDPer1KCompletionTokens,
	})
	if err != nil {
		return err
	}
	defer tracker.Save()

	provider, err := buildProvider(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	gw, err := gateway.New(provider, gateway.Options{
		Cache:   semantic,
		Limiter: limiter,
		Log:     eventLog,
		Budget:  tracker,
		ModelAPILimit: gateway.WindowLimit{
			Max: cfg.Limits.ModelAPI.Max, Window: cfg.Limits.ModelAPI.GetWindow(),
		},
		GlobalLimit: gateway.WindowLimit{
			Max: cfg.Limits.Global.Max, Window: cfg.Limits.Global.GetWindow(),
		},
		PaceRequestsPerSecond: cfg.LLM.PaceRequestsPerSecond,
		Stream:                cfg.LLM.Stream,
		DefaultRetry:          retryPolicy(cfg),
	})
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Options{
		Cfg:      cfg,
		Store:    st,
		KV:       kvStore,
		Log:      eventLog,
		Gateway:  gw,
		Cache:    semantic,
		Budget:   tracker,
		Images:   cache.NewImageLRU(cfg.Cache.ImageCacheMaxBatches),
		Renderer: imaging.NewPopplerRenderer(cfg.Intake.PdftoppmPath, cfg.Intake.RenderDPI),
		Reporter: confession.NewBuilder(gw),
	})
	orch.Start()
	defer orch.Stop()

	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		// Only the soft knobs reload live; structural changes need a restart.
		cfg.Runs.SoftBudgetUSD = next.Runs.SoftBudgetUSD
		cfg.Limits = next.Limits
		logger.Info("configuration reloaded", zap.String("path", configPath))
	})
	if err == nil {
		if err := watcher.Start(); err == nil {
			defer watcher.Stop()
		}
	}

	srv := server.New(cfg, orch, eventLog, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	return srv.Shutdown()
}

// buildProvider selects the model provider from configuration.
func buildProvider(ctx context.Context, cfg *config.Config) (gateway.Provider, error) {
	switch cfg.LLM.Provider {
	case "gemini":
		return gateway.NewGeminiProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL, cfg.GetLLMTimeout()), nil
	case "genai":
		return gateway.NewGenaiProvider(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
	case "fake":
		return gateway.NewFake(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.LLM.Provider)
	}
}

// retryPolicy maps the retry configuration onto the envelope defaults.
func retryPolicy(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialInterval = cfg.GetRetryInitialInterval()
	p.MaximumInterval = cfg.GetRetryMaximumInterval()
	p.TimeoutPerAttempt = cfg.GetRetryTimeoutPerAttempt()
	if cfg.Retry.BackoffCoefficient > 0 {
		p.BackoffCoefficient = cfg.Retry.BackoffCoefficient
	}
	if cfg.Retry.MaximumAttempts > 0 {
		p.MaximumAttempts = cfg.Retry.MaximumAttempts
	}
	return p
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "marksman.yaml"
	}
	return filepath.Join(home, ".marksman", "config.yaml")
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:8723", "Coordinator base URL for client commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	addClientCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
