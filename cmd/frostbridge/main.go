package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/frostbridge/frostbridge/internal/auth"
	"github.com/frostbridge/frostbridge/internal/cache"
	"github.com/frostbridge/frostbridge/internal/config"
	"github.com/frostbridge/frostbridge/internal/coordinator"
	"github.com/frostbridge/frostbridge/internal/hass"
	"github.com/frostbridge/frostbridge/internal/liebherr"
	"github.com/frostbridge/frostbridge/internal/rate"
	"github.com/frostbridge/frostbridge/internal/server"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("frostbridge exited", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	password, err := cfg.Liebherr.AccountPassword()
	if err != nil {
		return err
	}

	var blob auth.BlobStore
	if cfg.Blob != nil {
		store, err := auth.NewS3Store(*cfg.Blob)
		if err != nil {
			return err
		}
		blob = store
	}

	tokens, err := auth.NewManager(auth.Config{
		TokenURL:     cfg.Liebherr.TokenURL,
		ClientID:     cfg.Liebherr.ClientID,
		ClientSecret: cfg.Liebherr.ClientSecret,
		Username:     cfg.Liebherr.Username,
		Password:     password,
		StatePath:    cfg.Liebherr.StatePath,
	}, blob)
	if err != nil {
		return err
	}

	httpClient := rate.WrapHTTP(rate.Config{RequestsPerMinute: cfg.Liebherr.RequestsPerMinute}, nil)
	client, err := liebherr.NewClient(cfg.Liebherr.BaseURL, tokens, httpClient)
	if err != nil {
		return err
	}
	store := cache.NewStore()

	coord := coordinator.New(client, store, log, coordinator.Config{
		Interval:       time.Duration(cfg.Refresh.IntervalSeconds) * time.Second,
		MaxInterval:    time.Duration(cfg.Refresh.MaxIntervalSeconds) * time.Second,
		RequestTimeout: time.Duration(cfg.Refresh.RequestTimeoutSeconds) * time.Second,
	})
	defer coord.Close()

	bridgeCfg := hass.Config{
		Broker:               cfg.MQTT.Broker,
		TopicPrefix:          cfg.MQTT.TopicPrefix,
		DiscoveryPrefix:      cfg.MQTT.DiscoveryPrefix,
		CommandTimeout:       time.Duration(cfg.MQTT.CommandTimeoutSeconds) * time.Second,
		NotificationInterval: time.Duration(cfg.MQTT.NotificationIntervalSeconds) * time.Second,
	}
	broker, err := hass.Connect(bridgeCfg)
	if err != nil {
		return err
	}
	defer broker.Close()

	registry := newRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge := hass.NewBridge(broker, store, coord, client, log, bridgeCfg)
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	defer bridge.Close()

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, registry, store, coord)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http serve", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Server.Shutdown(shutdownCtx)
	}()

	log.Info("frostbridge started", "http_addr", cfg.HTTPAddr, "broker", cfg.MQTT.Broker.Host)

	err = coord.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("shutting down")
		return nil
	}
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registry.MustRegister(auth.MetricsCollectors()...)
	registry.MustRegister(rate.MetricsCollectors()...)
	registry.MustRegister(coordinator.MetricsCollectors()...)
	registry.MustRegister(hass.MetricsCollectors()...)
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "frostbridge_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))
	return registry
}
