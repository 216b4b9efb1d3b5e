package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/legisdraft/internal/api/openai"
	"github.com/tjfontaine/legisdraft/internal/auth"
	"github.com/tjfontaine/legisdraft/internal/chat"
	"github.com/tjfontaine/legisdraft/internal/config"
	"github.com/tjfontaine/legisdraft/internal/edge"
	"github.com/tjfontaine/legisdraft/internal/generation"
	"github.com/tjfontaine/legisdraft/internal/mediakit"
	"github.com/tjfontaine/legisdraft/internal/notify"
	"github.com/tjfontaine/legisdraft/internal/server"
	"github.com/tjfontaine/legisdraft/internal/storage"
	"github.com/tjfontaine/legisdraft/internal/storage/memory"
	"github.com/tjfontaine/legisdraft/internal/storage/sqlite"
	"github.com/tjfontaine/legisdraft/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry, os.Stdout, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	authenticator := auth.NewAuthenticator(cfg.Auth.APIKeys)
	if !authenticator.Enabled() {
		logger.Warn("no API keys configured, all requests are anonymous")
	}

	upstream := openai.NewClient(cfg.Upstream.APIKey, openai.WithBaseURL(cfg.Upstream.BaseURL))
	edgeHandler := edge.NewHandler(upstream,
		edge.WithModel(cfg.Upstream.Model),
		edge.WithMaxTokens(cfg.Upstream.MaxTokens),
		edge.WithTemperature(cfg.Upstream.Temperature),
		edge.WithAllowedOrigin(cfg.Server.AllowedOrigin),
		edge.WithLogger(logger),
	)

	endpoint := cfg.Generation.URL
	if endpoint == "" {
		endpoint = fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Server.Port, edge.Path)
		if authenticator.Enabled() && cfg.Generation.APIKey == "" {
			logger.Warn("generation.api_key is empty; calls to the local generation endpoint will be rejected")
		}
	}
	invoker := generation.NewClient(endpoint,
		generation.WithAPIKey(cfg.Generation.APIKey),
		generation.WithUserAgent(cfg.Generation.UserAgent),
	)

	queue := notify.NewQueue(64, logger)
	defer queue.Close()

	consumerOpts := []generation.ConsumerOption{
		generation.WithStreamTimeout(cfg.Generation.StreamTimeout),
		generation.WithFallbackTimeout(cfg.Generation.FallbackTimeout),
		generation.WithPublisher(queue),
		generation.WithLogger(logger),
	}
	if cfg.Generation.NotifySuccess {
		consumerOpts = append(consumerOpts, generation.WithSuccessNotifications())
	}

	srv := server.New(cfg.Server.Port, cfg.Server.RequestTimeout, logger, authenticator, server.Services{
		Edge: edgeHandler,
		Chat: chat.NewService(store, invoker,
			chat.WithModel(cfg.Generation.Model),
			chat.WithConsumerOptions(consumerOpts...),
			chat.WithLogger(logger),
		),
		MediaKits: mediakit.NewGenerator(invoker, store,
			mediakit.WithModel(cfg.Generation.Model),
			mediakit.WithConsumerOptions(consumerOpts...),
			mediakit.WithLogger(logger),
		),
		Notifications: queue,
		Generations:   store,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdownTracer(context.WithoutCancel(gctx))
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
