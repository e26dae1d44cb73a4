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

	router "github.com/dkeye/StudyRoom/internal/adapters/http"
	wssignal "github.com/dkeye/StudyRoom/internal/adapters/signal"
	"github.com/dkeye/StudyRoom/internal/app"
	"github.com/dkeye/StudyRoom/internal/app/orch"
	"github.com/dkeye/StudyRoom/internal/app/sfu"
	"github.com/dkeye/StudyRoom/internal/config"
	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	m := metrics.New()
	engine := sfu.NewEngine(sfu.Config{
		ICEServers:    cfg.ICEServers(),
		GatherTimeout: cfg.RTC.GatherTimeout,
	})
	rooms := core.NewRoomManager(engine, core.RoomConfig{
		Codecs:     cfg.Codecs(),
		MaxMembers: cfg.Room.MaxMembers,
	}, m)

	o := &orch.Orchestrator{
		Rooms:                rooms,
		Registry:             app.NewRegistry(),
		Policy:               app.SimplePolicy{},
		Metrics:              m,
		MaxPendingCandidates: cfg.Signal.MaxPendingCandidates,
	}
	if cfg.Signal.JoinRateLimit > 0 {
		o.JoinLimiter = wssignal.NewJoinRateLimiter(cfg.Signal.JoinRateLimit, cfg.Signal.JoinRateInterval)
	}

	r := router.SetupRouter(ctx, cfg, o, m)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("StudyRoom server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	fatal := waitForStop(ctx, engine.Fatal())

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	o.Shutdown()
	rooms.Close()
	if err := engine.Close(); err != nil {
		log.Error().Err(err).Msg("engine close failed")
	}
	if fatal != nil {
		log.Fatal().Err(fatal).Msg("media engine died, exiting")
	}
	log.Info().Msg("Server exited gracefully")
}

// waitForStop blocks until ctx ends or the engine dies and returns the
// engine's error in the latter case.
func waitForStop(ctx context.Context, engineFatal <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-engineFatal:
		if err == nil {
			err = errors.New("media engine stopped")
		}
		log.Error().Err(err).Msg("media engine died")
		return err
	}
}
