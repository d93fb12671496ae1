// Command server boots the voice agent orchestrator core: the
// dispatcher, usage store, OTel/Prometheus metrics, and the thin
// external HTTP/WS surface described in §6.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/voxrelay/orchestrator/internal/config"
	"github.com/voxrelay/orchestrator/internal/httpapi"
	"github.com/voxrelay/orchestrator/internal/metrics"
	"github.com/voxrelay/orchestrator/pkg/dispatcher"
	"github.com/voxrelay/orchestrator/pkg/pipeline"
	"github.com/voxrelay/orchestrator/pkg/providers/llm"
	"github.com/voxrelay/orchestrator/pkg/usage"
)

const sessionSweepInterval = 1 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration load failed", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, metricsHandler, shutdownMetrics, err := metrics.New(ctx, "voxrelay-orchestrator")
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("usage store init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	disp := dispatcher.New(
		dispatcher.WithQueueCapacity(cfg.DispatcherQueueDepth),
		dispatcher.WithDropHook(reg.DropHook()),
	)

	supervisor := pipeline.NewSessionSupervisor(disp, store, cfg.Usage, cfg.SampleRate, cfg.Channels, logger)

	chatProvider, err := buildChatLLM(cfg)
	if err != nil {
		logger.Error("chat provider init failed", "error", err)
		os.Exit(1)
	}
	chat := httpapi.NewChatService(chatProvider)

	go runSessionSweep(ctx, store, logger)

	handler := httpapi.New(cfg, supervisor, store, chat, reg, metricsHandler, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}

func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	}))
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (usage.Store, func(), error) {
	if cfg.MongoURI == "" {
		logger.Info("MONGO_URI not set, using in-memory usage store")
		return usage.NewMemStore(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, nil, err
	}

	db := client.Database("voxrelay")
	store := usage.NewMongoStore(db)
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, nil, err
	}

	return store, func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			logger.Warn("mongo disconnect failed", "error", err)
		}
	}, nil
}

// buildChatLLM wires the same LLM_PROVIDER selection the voice pipeline
// uses, for the separate thin HTTP chat surface.
func buildChatLLM(cfg *config.Config) (pipeline.LLMProvider, error) {
	switch cfg.LLMProvider {
	case "openai":
		return llm.NewOpenAILLM(cfg.LLMAPIKey, cfg.LLMModel), nil
	case "anthropic":
		return llm.NewAnthropicLLM(cfg.LLMAPIKey, cfg.LLMModel), nil
	case "google":
		return llm.NewGoogleLLM(cfg.LLMAPIKey, cfg.LLMModel), nil
	case "groq":
		return llm.NewGroqLLM(cfg.LLMAPIKey, cfg.LLMModel), nil
	default:
		return llm.NewOpenAILLM(cfg.LLMAPIKey, cfg.LLMModel), nil
	}
}

// runSessionSweep periodically clears ended sessions older than 24h, per
// §3's lifecycle note; it is a best-effort background task, not
// invoked from any request path.
func runSessionSweep(ctx context.Context, store usage.Store, logger *slog.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.CleanupOldSessions(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				logger.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("session sweep removed stale sessions", "count", n)
			}
		}
	}
}
