package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicebridge/internal/archive"
	"voicebridge/internal/auth"
	"voicebridge/internal/bridge"
	"voicebridge/internal/config"
	"voicebridge/internal/realtime"
	"voicebridge/internal/relay"
	"voicebridge/internal/sessions"
	"voicebridge/pkg/logger"
	"voicebridge/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

const fleetCapKey = "voicebridge:active_calls"

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var authManager *auth.Manager
	if cfg.AuthEnabled() {
		authManager, err = auth.NewManager(cfg.Auth)
		if err != nil {
			log.Error("auth init failed", "err", err)
			os.Exit(1)
		}
	}

	var (
		sink archive.Sink
		db   *sql.DB
	)
	if cfg.ArchiveEnabled() {
		db, err = utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		pg := archive.PostgresSink{DB: db}
		if err := pg.EnsureSchema(rootCtx); err != nil {
			log.Error("archive schema failed", "err", err)
			os.Exit(1)
		}
		sink = pg
	} else {
		log.Info("archive disabled, DB_HOST not set")
	}

	var fleet relay.FleetCap
	if cfg.FleetCapEnabled() {
		var rdb *redis.Client
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()

		// The key expires if every holder dies without releasing.
		fleet, err = utils.NewConcurrencyCap(rdb, fleetCapKey, cfg.Voice.MaxConcurrentCalls, time.Hour)
		if err != nil {
			log.Error("fleet cap init failed", "err", err)
			os.Exit(1)
		}
	}

	store := sessions.NewStore()
	go sessions.RunJanitor(rootCtx, store, cfg.Voice.SweepInterval, cfg.Voice.SessionRetention)

	rt := realtime.NewClient(realtime.Options{
		URL:         cfg.OpenAI.RealtimeURL,
		Model:       cfg.OpenAI.Model,
		APIKey:      cfg.OpenAI.APIKey,
		DialTimeout: cfg.Voice.DialTimeout,
		Logger:      log,
	})

	tracker := relay.NewTracker()
	relaySrv := &relay.Server{
		Store: store,
		Bridges: &bridge.Factory{
			Dialer: rt,
			Store:  store,
			Config: bridge.Config{
				Window:       cfg.Voice.BatchWindow,
				QueueWindows: cfg.Voice.QueueWindows,
				DialTimeout:  cfg.Voice.DialTimeout,
				Voice:        cfg.OpenAI.Voice,
				GreetFirst:   true,
			},
		},
		Limiter:         relay.NewCallLimiter(int64(cfg.Voice.MaxConcurrentCalls), fleet, log),
		Tracker:         tracker,
		Archive:         sink,
		ShutdownTimeout: cfg.Voice.ShutdownTimeout,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	var authMW gin.HandlerFunc
	if authManager != nil {
		authMW = auth.RequireAccessToken(authManager)
	}
	registerRoutes(r, routeDeps{
		Config:   cfg,
		Sessions: store,
		DB:       db,
		Relay:    relaySrv,
		AuthMW:   authMW,
	})

	// No WriteTimeout: media stream connections live for the whole call.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked websocket connections.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if n := tracker.CancelAll(); n > 0 {
		log.Info("ending in-flight calls", "count", n)
	}
	if !tracker.Wait(shutdownCtx) {
		log.Warn("in-flight calls did not finish before shutdown deadline", "remaining", tracker.Count())
	}
}
