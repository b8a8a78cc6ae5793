// Package main provides the replaylens worker entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/replaylens/replaylens/internal/config"
	"github.com/replaylens/replaylens/internal/db"
	"github.com/replaylens/replaylens/internal/llm"
	"github.com/replaylens/replaylens/internal/obs"
	"github.com/replaylens/replaylens/internal/patterns"
	"github.com/replaylens/replaylens/internal/source"
	"github.com/replaylens/replaylens/internal/statecache"
	"github.com/replaylens/replaylens/internal/tokens"
	"github.com/replaylens/replaylens/internal/watcher"
	"github.com/replaylens/replaylens/internal/worker"
	"github.com/replaylens/replaylens/internal/workflow"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	// Parse flags
	configPath := flag.String("config", "replaylens.yaml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup logging
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}
	if *debug || cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.APIKey == "" {
		log.Fatal().Msg("LLM API key is required (api_key or ANTHROPIC_API_KEY)")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("Database URL is required (database_url or DATABASE_URL)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down worker")
		cancel()
	}()

	// The worker exits on config change and relies on the supervisor to
	// restart it with the new settings.
	w, err := watcher.New(*configPath, func() {
		log.Info().Str("path", *configPath).Msg("Config file changed, shutting down for restart")
		cancel()
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		if err := w.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer w.Stop()
	}

	// Initialize Postgres store (migrations run automatically)
	store, err := db.Open(cfg.DatabaseURL, db.Config{LogLevel: logger.Silent})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer store.Close()
	summaries := db.NewSummaryStore(store)

	// Initialize Redis-backed stage cache
	pool := statecache.NewPool(cfg.RedisAddr)
	defer pool.Close()
	cache := statecache.New(pool, "replaylens")

	counter, err := tokens.NewCounter()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize token counter")
	}

	metrics, err := obs.NewMetrics()
	if err != nil {
		log.Warn().Err(err).Msg("Metrics unavailable")
	}

	opts := []llm.ClientOption{llm.WithMaxTokens(cfg.MaxOutput)}
	if cfg.LLMURL != "" {
		opts = append(opts, llm.WithBaseURL(cfg.LLMURL))
	}
	transport := llm.NewClient(cfg.APIKey, cfg.Model, opts...)

	src := source.NewHTTPSource(cfg.SourceURL, cfg.SourceAPIKey)

	sessions := workflow.NewSessionWorkflow(src, cache, summaries, transport, metrics, log.Logger, workflow.SessionConfig{
		TeamID:        cfg.TeamID,
		ContextKey:    cfg.ContextKey,
		Model:         cfg.Model,
		PageSize:      cfg.EventsPageSize,
		CacheTTL:      cfg.CacheTTL.Std(),
		StepTimeout:   cfg.StepTimeout.Std(),
		RetryAttempts: cfg.StreamRetryAttempts,
		RetryDelay:    cfg.StreamRetryDelay.Std(),
	})

	pipeline := patterns.NewPipeline(transport, cache, counter, metrics, log.Logger, patterns.Config{
		TeamID:                 cfg.TeamID,
		MaxTokens:              cfg.MaxTokens,
		SingleSessionMaxTokens: cfg.SingleSessionMaxTokens,
		AssignmentChunkSize:    cfg.AssignmentChunkSize,
		AssignmentMinRatio:     cfg.AssignmentMinRatio,
		CacheTTL:               cfg.CacheTTL.Std(),
	})

	group := workflow.NewGroupWorkflow(sessions, pipeline, log.Logger, cfg.GroupConcurrency)

	svc := worker.NewService(cfg, log.Logger, group)
	log.Info().Str("addr", cfg.ListenAddr).Str("version", Version).Msg("Starting worker")
	if err := svc.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Worker exited with error")
	}
}
