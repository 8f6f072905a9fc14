package main

import (
	"context"
	_ "embed"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinywideclouds/go-push-dispatch/internal/api"
	"github.com/tinywideclouds/go-push-dispatch/internal/broker"
	"github.com/tinywideclouds/go-push-dispatch/internal/pipeline"
	"github.com/tinywideclouds/go-push-dispatch/internal/storage/postgres"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pushdispatch"
)

//go:embed local.yaml
var configFile []byte

func main() {
	logger := pushdispatch.NewLogger("pns-preprocessor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	cfg, err := pushdispatch.LoadConfig(configFile, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	stores, err := pushdispatch.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("Storage initialization failed", "err", err)
		os.Exit(1)
	}
	defer stores.Close()

	client, err := broker.Dial(broker.Config{
		URI:       cfg.Broker.URI(),
		Heartbeat: cfg.Broker.Heartbeat(),
	}, logger)
	if err != nil {
		logger.Error("Broker connection failed", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	// --- Stage ---
	pre := pipeline.NewPreProcessor(stores.Devices, client, cfg.APNS.Enabled, cfg.GCM.Enabled, logger)
	consumer := broker.NewConsumer(client, broker.QueueFor(broker.RoutePreProcessing), pre.Handler(), logger)

	svc := pushdispatch.New("preprocessor", cfg.ListenAddr, consumer.Start, logger)

	// --- Alert Ingress API ---
	var alerts dispatch.AlertStore
	if cfg.Application.SaveAlerts {
		alerts = postgres.NewAlertStore(stores.Pool, logger)
	}
	alertAPI := api.NewAlertAPI(broker.NewIngress(client, alerts, logger), logger)
	alertAPI.RegisterRoutes(svc.Mux())

	pushdispatch.Run(ctx, svc, logger)
}
