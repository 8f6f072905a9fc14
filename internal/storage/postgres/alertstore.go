package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

// AlertStore records accepted envelopes when `application.save_alerts` is on.
// History is write-only from the pipeline's point of view; the control plane
// reads it.
type AlertStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ dispatch.AlertStore = (*AlertStore)(nil)

func NewAlertStore(pool *pgxpool.Pool, logger *slog.Logger) *AlertStore {
	return &AlertStore{
		pool:   pool,
		logger: logger.With("component", "AlertStore"),
	}
}

// SaveAlert inserts the envelope as jsonb and returns the new row id.
func (s *AlertStore) SaveAlert(ctx context.Context, env *pns.Envelope) (int64, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode alert payload: %w", err)
	}
	var channelID *int64
	if env.ChannelID > 0 {
		channelID = &env.ChannelID
	}
	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO alerts (channel_id, payload) VALUES ($1, $2) RETURNING id`,
		channelID, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	return id, nil
}
