package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Beacon/internal/adapters/http"
	"github.com/dkeye/Beacon/internal/adapters/ws"
	"github.com/dkeye/Beacon/internal/app"
	"github.com/dkeye/Beacon/internal/auth"
	"github.com/dkeye/Beacon/internal/config"
	"github.com/dkeye/Beacon/internal/metrics"
	"github.com/dkeye/Beacon/internal/plugins/postgres"
	"github.com/dkeye/Beacon/internal/plugins/redis"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect")
	}
	defer db.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect")
	}
	defer rdb.Close()

	directory := postgres.NewDirectory(db)
	presenceStore := redis.NewPresenceStore(rdb, cfg.Redis.PresenceTTL)
	verifier := auth.NewVerifier(auth.NewTokenService(cfg.Secret), directory)

	var policy app.Policy = app.DropPolicy{}
	if cfg.SlowConsumerPolicy == "disconnect" {
		policy = app.DisconnectPolicy{}
	}

	var limiter *ws.ConnRateLimiter
	if cfg.ConnectLimit > 0 {
		limiter = ws.NewConnRateLimiter(cfg.ConnectLimit, cfg.ConnectWindow)
	}

	m := metrics.New()
	reg := app.NewRegistry()
	relay := app.NewRelay(reg, m, policy)
	presence := app.NewPresence(reg, directory, m, policy)

	ctl := &ws.Controller{
		Registry: reg,
		Relay:    relay,
		Presence: presence,
		Verifier: verifier,
		Store:    presenceStore,
		Metrics:  m,
		Limiter:  limiter,

		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	}

	r := router.SetupRouter(ctx, cfg, ctl, m)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Beacon server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
