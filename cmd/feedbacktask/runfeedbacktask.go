package main

import (
	"context"
	_ "embed"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinywideclouds/go-push-dispatch/internal/platform/apns"
	"github.com/tinywideclouds/go-push-dispatch/pushdispatch"
)

//go:embed local.yaml
var configFile []byte

func main() {
	logger := pushdispatch.NewLogger("pns-feedback-task")

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

	// --- Stage ---
	debug := cfg.Application.Debug
	host := apns.FeedbackHostProduction
	if debug {
		host = apns.FeedbackHostSandbox
	}
	source := apns.NewTLSFeedbackSource(host, cfg.APNS.CertFile(debug))
	// The keep-vs-evict decision compares updated_at against Apple's failure
	// timestamp; it must see the row the control plane last wrote, not a
	// cached copy.
	task := apns.NewFeedbackTask(source, stores.Relational, cfg.APNS.FeedbackInterval(), logger)

	svc := pushdispatch.New("feedbacktask", cfg.ListenAddr, task.Run, logger)
	pushdispatch.Run(ctx, svc, logger)
}
