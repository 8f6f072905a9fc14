package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

// Ingress is the broker-backed AlertIngress: it validates an envelope,
// optionally records it in the alert history, and publishes it onto
// `pns_pre_processing` for the PreProcessor.
type Ingress struct {
	publisher dispatch.Publisher
	// alerts is nil unless the deployment enables save_alerts.
	alerts dispatch.AlertStore
	logger *slog.Logger
}

var _ dispatch.AlertIngress = (*Ingress)(nil)

// NewIngress builds an ingress. Pass a nil alerts store to skip history.
func NewIngress(publisher dispatch.Publisher, alerts dispatch.AlertStore, logger *slog.Logger) *Ingress {
	return &Ingress{
		publisher: publisher,
		alerts:    alerts,
		logger:    logger.With("component", "AlertIngress"),
	}
}

// Publish hands one envelope to the pipeline. History is written before the
// publish so an accepted alert is observable even if delivery later fails.
func (i *Ingress) Publish(ctx context.Context, env *pns.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if i.alerts != nil {
		id, err := i.alerts.SaveAlert(ctx, env)
		if err != nil {
			return fmt.Errorf("save alert history: %w", err)
		}
		i.logger.Debug("Alert recorded", "alert_id", id)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := i.publisher.Publish(ctx, RoutePreProcessing, body); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	i.logger.Info("Alert accepted",
		"recipients", len(env.PNSIDs),
		"channel_id", env.ChannelID,
	)
	return nil
}
