package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PetoAdam/lumina-relay/internal/auth"
	"github.com/PetoAdam/lumina-relay/internal/config"
	"github.com/PetoAdam/lumina-relay/internal/directory"
	"github.com/PetoAdam/lumina-relay/internal/dispatch"
	"github.com/PetoAdam/lumina-relay/internal/httpapi"
	"github.com/PetoAdam/lumina-relay/internal/ingest"
	"github.com/PetoAdam/lumina-relay/internal/mqtt"
	"github.com/PetoAdam/lumina-relay/internal/observability"
	"github.com/PetoAdam/lumina-relay/internal/ratelimit"
	"github.com/PetoAdam/lumina-relay/internal/realtime"
	"github.com/PetoAdam/lumina-relay/internal/schedule"
	"github.com/PetoAdam/lumina-relay/internal/store"
	"github.com/PetoAdam/lumina-relay/internal/voice"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	tel, err := observability.Setup(context.Background(), "relay-cloud")
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	var db *gorm.DB
	if cfg.DBDriver == "sqlite" {
		db, err = store.OpenSqlite(cfg.SQLitePath)
	} else {
		db, err = store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	}
	if err != nil {
		slog.Error("db connect failed", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pubKey, err = auth.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			slog.Error("failed to load jwt public key", "path", cfg.JWTPublicKeyPath, "error", err)
			os.Exit(1)
		}
	}
	verifier, err := auth.NewVerifier(pubKey, []byte(cfg.JWTSecret))
	if err != nil {
		slog.Error("jwt verifier setup failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The cache stays a nil interface without redis; ingest and the
	// directory then work from the database alone.
	var (
		stateReader directory.StateReader
		stateWriter ingest.Cache
		limiter     ratelimit.Allower
	)
	limits := ratelimit.LimiterConfig{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}
	if cfg.RedisAddr != "" {
		rdb := store.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis ping failed", "addr", cfg.RedisAddr, "error", err)
		}
		cache := store.NewStateCache(rdb)
		stateReader, stateWriter = cache, cache
		limiter = ratelimit.NewRedis(rdb, "relay:ratelimit", limits)
	} else {
		slog.Info("redis not configured, using in-process rate limiting")
		limiter = ratelimit.NewLocal(limits)
	}

	dir := directory.New(verifier, repo, stateReader)
	hub := realtime.NewHub()
	ing := &ingest.Ingestor{Repo: repo, Cache: stateWriter, Hub: hub, TopicPrefix: cfg.TopicPrefix}

	// Subscriptions do not survive a clean-session reconnect, so they are
	// (re)established from the connect hook.
	var mq *mqtt.Client
	mq, err = mqtt.New(mqtt.Options{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		CAFile:         cfg.MQTT.CAFile,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		QoS:            cfg.MQTT.QoS,
		AutoReconnect:  true,
		OnConnect: func() {
			go func() {
				if err := ing.Subscribe(ctx, mq); err != nil {
					slog.Error("status subscribe failed", "error", err)
				}
			}()
		},
	})
	if err != nil {
		slog.Error("mqtt setup failed", "error", err)
		os.Exit(1)
	}
	if err := mq.Connect(ctx); err != nil {
		slog.Warn("mqtt not connected yet, retrying in background", "error", err)
	}
	defer mq.Disconnect()

	disp := dispatch.New(repo, mq, cfg.TopicPrefix, cfg.DefaultControllerID)

	sched := schedule.New(repo, dir, disp, cfg.ScheduleReload)
	if err := sched.Start(ctx); err != nil {
		slog.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	voiceHandler := voice.NewHandler(dir, disp, voice.Options{StaleAfter: cfg.StaleAfter})

	srv := httpapi.New(httpapi.Deps{
		Repo:       repo,
		Profiles:   dir,
		Dispatcher: disp,
		Schedules:  sched,
		Hub:        hub,
		Verifier:   verifier,
		Limiter:    limiter,
		Voice:      voiceHandler,
		Metrics:    tel.Metrics,
		Ready:      mq.IsConnected,
		StaleAfter: cfg.StaleAfter,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           tel.Wrap(srv.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("relay-cloud listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
	slog.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}
