package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/LitBomb/meshcore-ha/pkg/broker"
	"github.com/LitBomb/meshcore-ha/pkg/config"
	"github.com/LitBomb/meshcore-ha/pkg/device"
	"github.com/LitBomb/meshcore-ha/pkg/flows"
	"github.com/LitBomb/meshcore-ha/pkg/hass"
	"github.com/LitBomb/meshcore-ha/pkg/observability"
	"github.com/LitBomb/meshcore-ha/pkg/routes"
	"github.com/LitBomb/meshcore-ha/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "Path to the config file (default: config.yaml in . or /etc/meshcore-ha)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	config.InitLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := store.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	mgr, err := device.New(device.Options{
		Connection: cfg.Connection,
		Device:     cfg.Device,
		Stores:     stores,
		Metrics:    metrics,
		Logger:     slog.Default(),
	})
	if err != nil {
		slog.Error("device manager", "error", err)
		os.Exit(1)
	}

	notifier := routes.NewEventNotifier()
	mgr.AddConsumer(notifier.HandleEvent)

	var brokerSrv *broker.Broker
	if cfg.Broker.Enabled {
		brokerSrv, err = broker.New(cfg.Broker, slog.Default())
		if err != nil {
			slog.Error("embedded broker", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := brokerSrv.Serve(); err != nil {
				slog.Error("embedded broker stopped", "error", err)
			}
		}()
		defer brokerSrv.Close()
	}

	if cfg.MQTT.Enabled {
		publisher := hass.New(cfg.MQTT, stores, slog.Default())
		if err := publisher.Start(ctx); err != nil {
			slog.Error("mqtt publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Stop()
		mgr.AddConsumer(publisher.HandleEvent)
	}

	flowMgr := flows.NewManager(flows.Deps{
		Prober: &flows.SessionProber{
			AppName: cfg.Device.AppName,
			Timeout: cfg.Device.ConnectTimeout(),
			Logger:  slog.Default(),
		},
		Discoverer:    &flows.ScanDiscoverer{},
		Contacts:      mgr,
		Login:         mgr,
		Subscriptions: stores.Subscriptions,
		Logger:        slog.Default(),
	})

	api := &routes.APIRouter{
		Config:   *cfg,
		Storage:  stores,
		Device:   mgr,
		Flows:    flowMgr,
		Notifier: notifier,
		Gatherer: registry,
	}
	go func() {
		if err := api.ListenAndServe(); err != nil {
			slog.Error("http api stopped", "error", err)
			stop()
		}
	}()

	if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("device manager stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutting down")
}
