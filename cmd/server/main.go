package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/authcore/internal/api"
	"github.com/org/authcore/internal/config"
	"github.com/org/authcore/internal/guard"
	"github.com/org/authcore/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := config.Path()
	cfg, found, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfgFile).Msg("failed to load config")
	}
	if !found {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to open storage")
	}
	defer backend.Close()

	g, err := guard.New(cfg, backend, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build security core")
	}
	if err := g.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start security core")
	}
	if st, err := g.SealStatus(ctx); err == nil {
		switch {
		case !st.Initialized:
			log.Info().Msg("not yet initialized - POST /v1/sys/init to initialize")
		case st.Sealed:
			log.Info().Int("threshold", st.Threshold).Msg("sealed - POST /v1/sys/unseal with key shares to unseal")
		}
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := config.Watch(watchCtx, cfgFile, g, log.Logger); err != nil {
			log.Warn().Err(err).Msg("config watcher stopped; reload disabled")
		}
	}()

	srv := api.NewServer(g, log.Logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	stopWatch()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
	if err := g.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("security core shutdown error")
	}
	log.Info().Msg("server stopped")
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// openBackend opens the configured storage driver. Postgres schemas are
// migrated before use.
func openBackend(ctx context.Context, sc config.StorageConfig) (storage.Backend, error) {
	switch sc.Driver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory storage; all state is lost on exit")
		return storage.NewMemoryBackend(), nil
	case config.DriverFile:
		return storage.NewFileBackend(sc.Path)
	case config.DriverSQLite:
		return storage.NewSQLiteBackend(sc.Path)
	case config.DriverPostgres:
		if err := storage.RunMigrations(sc.DBUrl, sc.MigrationsDir); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info().Msg("migrations applied")
		return storage.NewPostgresBackend(ctx, sc.DBUrl)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}
