package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/adapters/auth"
	router "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/adapters/memory"
	"github.com/dkeye/huddle/internal/adapters/postgres"
	redisstore "github.com/dkeye/huddle/internal/adapters/redis"
	"github.com/dkeye/huddle/internal/adapters/ws"
	"github.com/dkeye/huddle/internal/app/broker"
	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/app/room"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
)

// backends groups the storage side chosen by storage.driver.
type backends struct {
	storage  core.StorageProvider
	alarms   core.AlarmStore
	rooms    room.Index
	presence presence.Store
}

// messages is the chat store: Postgres when database.url is set.
type messages interface {
	broker.MessageStore
	router.MessageHistory
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	clock := clockwork.NewRealClock()
	checks := map[string]router.HealthCheck{}

	var be backends
	switch cfg.Storage.Driver {
	case "redis":
		rdb, err := redisstore.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer func() { _ = rdb.Close() }()
		store := redisstore.NewStore(rdb)
		be = backends{
			storage:  store,
			alarms:   store,
			rooms:    redisstore.NewRoomIndex(rdb),
			presence: redisstore.NewPresenceStore(rdb),
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info().Str("module", "main").Str("redis", rdb.Options().Addr).Msg("actor state in redis, sockets held in process")
	default:
		store := memory.NewStore()
		be = backends{
			storage:  store,
			alarms:   store,
			rooms:    memory.NewRoomIndex(),
			presence: memory.NewPresenceStore(),
		}
	}

	var msgs messages = memory.NewMessageStore(clock)
	if cfg.Database.URL != "" {
		db, err := postgres.Open(cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open postgres")
		}
		sqlDB, err := db.DB()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to access postgres pool")
		}
		defer func() { _ = sqlDB.Close() }()
		msgs = postgres.NewMessageStore(db, clock)
		checks["postgres"] = sqlDB.PingContext
	}

	sched := core.NewScheduler(clock, be.alarms)
	rooms := room.NewService(cfg.RoomService(), clock, be.storage, sched, be.rooms)
	users := presence.NewService(clock, be.presence, sched, cfg.Presence.InactivityThreshold)
	brk := broker.NewService(cfg.BrokerService(), clock, auth.NewJWTVerifier(cfg.Auth.JWTSecret), msgs)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil {
			log.Error().Err(err).Str("module", "core.scheduler").Msg("scheduler stopped")
		}
	}()

	sweepEvery := cfg.Actors.IdleTimeout / 2
	go rooms.Actors().RunSweeper(ctx, sweepEvery, cfg.Actors.IdleTimeout)
	go users.Actors().RunSweeper(ctx, sweepEvery, cfg.Actors.IdleTimeout)

	opts := ws.DefaultOptions()
	opts.PingPeriod = cfg.PingPeriod
	sockets := &ws.Controller{Rooms: rooms, Broker: brk, Options: opts, ReadLimit: cfg.ReadLimit}

	r := router.SetupRouter(ctx, router.Deps{
		Mode:     cfg.Mode,
		Rooms:    rooms,
		Presence: users,
		Broker:   brk,
		History:  msgs,
		Sockets:  sockets,
		Checks:   checks,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("storage", cfg.Storage.Driver).Msg("huddle server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	<-schedDone
	brk.Shutdown()
	rooms.Close()
	users.Close()
	log.Info().Msg("Server exited gracefully")
}

