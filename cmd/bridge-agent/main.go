package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PetoAdam/lumina-relay/internal/bridge"
	"github.com/PetoAdam/lumina-relay/internal/config"
	"github.com/PetoAdam/lumina-relay/internal/device"
	"github.com/PetoAdam/lumina-relay/internal/mqtt"
	"github.com/PetoAdam/lumina-relay/internal/observability"
)

func main() {
	cfg, err := config.LoadBridge()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	tel, err := observability.Setup(context.Background(), "bridge-agent")
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	session, err := mqtt.New(mqtt.Options{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		CAFile:         cfg.MQTT.CAFile,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		QoS:            cfg.MQTT.QoS,
		AutoReconnect:  false,
	})
	if err != nil {
		slog.Error("mqtt setup failed", "error", err)
		os.Exit(1)
	}
	gateway := device.New(cfg.DeviceGatewayURL, cfg.DeviceTimeout)

	agent := bridge.New(bridge.Config{
		DeviceID:          cfg.DeviceID,
		BridgeName:        cfg.BridgeName,
		ControllerIDs:     cfg.ControllerIDs,
		TopicPrefix:       cfg.TopicPrefix,
		StatusInterval:    cfg.StatusInterval,
		ReconnectInterval: cfg.ReconnectInterval,
		LoopInterval:      cfg.LoopInterval,
		DeviceTimeout:     cfg.DeviceTimeout,
	}, session, gateway, bridge.InterfaceProbe{Name: cfg.NetworkInterface})

	mux := http.NewServeMux()
	mux.Handle("/healthz", agent.HealthHandler())
	mux.Handle("/metrics", tel.Metrics)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           tel.Wrap(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("bridge-agent listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	_ = agent.Run(ctx)
	slog.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
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
