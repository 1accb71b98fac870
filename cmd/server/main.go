package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/p-n-ai/pai-learn/internal/access"
	"github.com/p-n-ai/pai-learn/internal/catalog"
	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/enrollment"
	"github.com/p-n-ai/pai-learn/internal/events"
	"github.com/p-n-ai/pai-learn/internal/httpapi"
	"github.com/p-n-ai/pai-learn/internal/platform/cache"
	"github.com/p-n-ai/pai-learn/internal/platform/config"
	"github.com/p-n-ai/pai-learn/internal/platform/database"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/quiz"
	"github.com/p-n-ai/pai-learn/internal/store"
	"github.com/p-n-ai/pai-learn/internal/timetrack"
)

// importer is the actor catalog files are imported as.
var importer = domain.Actor{UserID: "catalog-import", Role: domain.RoleAdmin}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.Log))

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	handler, cleanup, err := newHandler(ctx, cfg)
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", srv.Addr, "store", cfg.Store.Driver, "cache", cfg.Cache.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
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
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// newHandler connects the configured backends, wires the engine and returns
// its HTTP handler. cleanup releases the backends.
func newHandler(ctx context.Context, cfg *config.Config) (http.Handler, func(), error) {
	var (
		closers []func()
		st      store.Store
		logger  events.Logger
		checks  = map[string]httpapi.Check{}
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (http.Handler, func(), error) {
		cleanup()
		return nil, nil, err
	}

	if cfg.UsesPostgres() {
		db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return fail(fmt.Errorf("connecting to database: %w", err))
		}
		closers = append(closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return fail(fmt.Errorf("migrating database: %w", err))
		}
		pg, err := store.NewPostgresStore(db.Pool)
		if err != nil {
			return fail(err)
		}
		st = pg
		logger = events.NewPostgresLogger(db.Pool)
		checks["database"] = db.HealthCheck
	} else {
		st = store.NewMemoryStore()
		logger = events.NewMemoryLogger()
	}

	var tracker timetrack.Tracker = timetrack.NewMemoryTracker()
	if cfg.Cache.Enabled {
		c, err := cache.New(ctx, cfg.Cache.URL, cfg.Cache.Prefix)
		if err != nil {
			return fail(fmt.Errorf("connecting to cache: %w", err))
		}
		closers = append(closers, func() {
			if err := c.Close(); err != nil {
				slog.Warn("closing cache", "error", err)
			}
		})
		tracker = timetrack.NewRedisTracker(c, time.Duration(cfg.Cache.TimeTTLDays)*24*time.Hour)
		checks["cache"] = c.HealthCheck
	}

	resolver := access.NewResolver(st, tracker)
	agg := progress.NewAggregator(st, logger)
	svc := catalog.NewService(catalog.ServiceConfig{Store: st})

	if cfg.CatalogPath != "" {
		loader, err := catalog.NewLoader(cfg.CatalogPath)
		if err != nil {
			return fail(fmt.Errorf("loading catalog: %w", err))
		}
		res := loader.Import(ctx, svc, importer, cfg.Quiz.DefaultTimeMinutes)
		for id, err := range res.Failed {
			slog.Warn("course import failed", "course_id", id, "error", err)
		}
		slog.Info("catalog imported", "path", cfg.CatalogPath, "courses", len(res.Imported), "failed", len(res.Failed))
	}

	server := httpapi.New(httpapi.Config{
		Access:         resolver,
		Progress:       agg,
		Quiz:           quiz.NewEngine(quiz.EngineConfig{Store: st, Access: resolver, Progress: agg, Events: logger}),
		Enrollment:     enrollment.NewManager(st, logger),
		Catalog:        svc,
		Time:           tracker,
		Auth:           httpapi.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer),
		ServiceKeyHash: cfg.Auth.ServiceKeyHash,
		Checks:         checks,
	})
	return server.Handler(), cleanup, nil
}
