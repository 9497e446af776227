package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/disputehook/internal/api"
	"github.com/gyaneshwarpardhi/disputehook/internal/bus"
	"github.com/gyaneshwarpardhi/disputehook/internal/config"
	"github.com/gyaneshwarpardhi/disputehook/internal/delivery"
	"github.com/gyaneshwarpardhi/disputehook/internal/event"
	"github.com/gyaneshwarpardhi/disputehook/internal/ledger"
	"github.com/gyaneshwarpardhi/disputehook/internal/poller"
	"github.com/gyaneshwarpardhi/disputehook/internal/snapshot"
	"github.com/gyaneshwarpardhi/disputehook/internal/storage"
	"github.com/gyaneshwarpardhi/disputehook/internal/subscription"
	"github.com/gyaneshwarpardhi/disputehook/internal/synth"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	cfgPath := flag.String("config", "configs/disputehook.yaml", "Path to YAML config")
	flag.Parse()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// ── Storage ───────────────────────────────────────────────────────────────
	var (
		snapshots snapshot.Store
		subRepo   subscription.Repository
	)
	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			slog.Error("failed to open storage", "path", cfg.Storage.Path, "err", err)
			os.Exit(1)
		}
		defer db.Close()
		snapshots, subRepo = db.Snapshots(), db.Subscriptions()
	default:
		snapshots, subRepo = snapshot.NewMemoryStore(), subscription.NewMemoryRepository()
	}
	slog.Info("storage ready", "driver", cfg.Storage.Driver)

	// ── Subscriptions ─────────────────────────────────────────────────────────
	registry := subscription.NewRegistry(subRepo)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	syncConfigured(ctx, registry, cfg)

	// ── Delivery ──────────────────────────────────────────────────────────────
	engine := delivery.New(registry, delivery.NewHistory(cfg.Delivery.HistorySize), delivery.Config{
		MaxRetries:     cfg.Delivery.MaxRetries,
		RetryDelay:     cfg.Delivery.RetryDelay(),
		MaxBackoff:     cfg.Delivery.MaxBackoff(),
		AttemptTimeout: cfg.Delivery.AttemptTimeout(),
		Workers:        cfg.Delivery.Workers,
		QueueDepth:     cfg.Delivery.QueueDepth,
		RateLimit:      cfg.Delivery.RateLimitRPS,
		RateBurst:      cfg.Delivery.RateLimitBurst,
	}, delivery.WithLogger(logger.With("component", "delivery")))

	// ── Poller ────────────────────────────────────────────────────────────────
	events := bus.New(logger)
	events.On(event.Wildcard, func(ev event.WebhookEvent) {
		slog.Debug("event", "type", ev.Type, "entity_id", ev.EntityID(), "event_id", ev.EventID)
	})

	reader := ledger.NewHTTPReader(cfg.Ledger.BaseURL, &http.Client{Timeout: cfg.Ledger.Timeout()})
	synthesizer := synth.New(snapshots, cfg.ChainID)
	scheduler := poller.New(reader, synthesizer, events, engine, poller.Config{
		Interval:     cfg.Poller.Interval(),
		FetchTimeout: cfg.Poller.FetchTimeout(),
		Concurrency:  cfg.Poller.Concurrency,
	}, logger.With("component", "poller"))
	scheduler.AddTracked(cfg.Poller.Tracked...)

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	prevCfg := cfg
	loader.OnChange(func(newCfg *config.Config) {
		if changed := config.RestartRequired(prevCfg, newCfg); len(changed) > 0 {
			slog.Warn("hot-reload: settings changed that only apply after a restart", "settings", changed)
		}
		prevCfg = newCfg
		if err := scheduler.SetTracked(ctx, newCfg.Poller.Tracked); err != nil {
			slog.Warn("hot-reload: tracked set not updated", "err", err)
		}
		syncConfigured(ctx, registry, newCfg)
		slog.Info("config hot-reloaded", "tracked", len(newCfg.Poller.Tracked), "subscriptions", len(newCfg.Subscriptions))
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	scheduler.Start()

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         *addr,
		Handler:      api.New(registry, scheduler, engine),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	scheduler.Stop()
	scheduler.Wait()
	engine.Close()
	slog.Info("goodbye")
}

// syncConfigured makes the config-declared subscriptions match cfg, removing
// ones the file no longer declares.
func syncConfigured(ctx context.Context, reg *subscription.Registry, cfg *config.Config) {
	specs := make([]subscription.Spec, 0, len(cfg.Subscriptions))
	for _, sc := range cfg.Subscriptions {
		specs = append(specs, subscription.Spec{
			ID:         sc.ID,
			URL:        sc.URL,
			EventTypes: sc.EventTypes,
			Addresses:  sc.Addresses,
			EntityIDs:  sc.EntityIDs,
			Secret:     sc.Secret,
		})
	}
	removed, err := reg.Sync(ctx, specs)
	if err != nil {
		slog.Warn("configured subscriptions not fully applied", "err", err)
	}
	if len(removed) > 0 {
		slog.Info("configured subscriptions removed", "ids", removed)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
