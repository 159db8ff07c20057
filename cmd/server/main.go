package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"tallypos/backend/internal/cache"
	"tallypos/backend/internal/config"
	"tallypos/backend/internal/httpapi"
	"tallypos/backend/internal/metrics"
	"tallypos/backend/internal/service"
	"tallypos/backend/internal/store"
	"tallypos/backend/internal/store/memory"
	pgstore "tallypos/backend/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("invalid configuration")
	}
	zerolog.TimeFieldFormat = time.RFC3339
	zlog.Logger = newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			zlog.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.Migrate(ctx); err != nil {
			zlog.Fatal().Err(err).Msg("failed to migrate database")
		}
		repo = pg
		closers = append(closers, pg.Close)
		zlog.Info().Str("repository", "postgres").Msg("store ready")
	} else {
		repo = memory.NewSeeded()
		zlog.Info().Str("repository", "memory").Msg("store ready")
	}

	dashboardCache := cache.DashboardCache(cache.NoopDashboardCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisDashboardCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			zlog.Warn().Err(err).Msg("redis unavailable, using noop cache")
			_ = redisCache.Close()
		} else {
			dashboardCache = redisCache
			closers = append(closers, redisCache.Close)
			zlog.Info().Str("cache", "redis").Msg("cache ready")
		}
	} else {
		zlog.Info().Str("cache", "noop").Msg("cache ready")
	}

	var recorder *metrics.Recorder
	if cfg.MetricsEnabled {
		recorder = metrics.New()
	}

	svc := service.New(repo, dashboardCache, recorder, service.Options{
		StoreTimeout:    cfg.StoreTimeout,
		ConflictRetries: cfg.ConflictRetries(),
		CacheTTL:        cfg.DashboardCacheTTL,
		Location:        cfg.Location,
		Logger:          zlog.Logger,
	})
	api := httpapi.New(svc, recorder, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.StoreTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zlog.Info().Str("addr", cfg.Address()).Msg("POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			zlog.Error().Err(err).Msg("close error")
		}
	}

	zlog.Info().Msg("server stopped")
}

// newLogger builds the process logger. An unknown level falls back to info;
// any format other than json gets the console writer.
func newLogger(out io.Writer, level string, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	w := out
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen, NoColor: out != os.Stdout}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
