package main

import (
	"context"
	_ "embed"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinywideclouds/go-push-dispatch/internal/broker"
	"github.com/tinywideclouds/go-push-dispatch/internal/platform/apns"
	"github.com/tinywideclouds/go-push-dispatch/pushdispatch"
)

//go:embed local.yaml
var configFile []byte

func main() {
	logger := pushdispatch.NewLogger("pns-apns-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	cfg, err := pushdispatch.LoadConfig(configFile, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}
	if !cfg.APNS.Enabled {
		logger.Error("APNS is disabled in configuration; nothing to run")
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
	debug := cfg.Application.Debug
	provider := apns.NewCertProvider(cfg.APNS.CertFile(debug), debug)
	worker := apns.NewWorker(provider, stores.Devices, cfg.APNS.Topic, logger)
	consumer := broker.NewConsumer(client, broker.QueueFor(broker.RouteAPNS), worker.Handler(), logger)

	svc := pushdispatch.New("apnsworker", cfg.ListenAddr, consumer.Start, logger)
	pushdispatch.Run(ctx, svc, logger)
}
