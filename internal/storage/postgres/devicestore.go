// Package postgres implements the pipeline's store contracts over PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

// batchSize is the server-side page size for audience cursors. One batch is
// the most device rows a stage ever holds in memory.
const batchSize = pns.ChunkSize

// Store implements dispatch.DeviceStore over a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ dispatch.DeviceStore = (*Store)(nil)

// NewStore wraps an open pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With("component", "DeviceStore"),
	}
}

// --- Audience cursors ---

// tokenCursor pages a token query by device id keyset. Each NextBatch is an
// independent query, so no server-side state outlives a call and a crashed
// worker leaves nothing open.
type tokenCursor struct {
	pool *pgxpool.Pool
	// query must end with: AND d.id > $N-1 ORDER BY d.id LIMIT $N
	query  string
	args   []any
	lastID int64
	done   bool
}

func (c *tokenCursor) NextBatch(ctx context.Context) ([]string, bool, error) {
	if c.done {
		return nil, false, nil
	}
	args := append(append([]any{}, c.args...), c.lastID, batchSize)
	rows, err := c.pool.Query(ctx, c.query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("audience query: %w", err)
	}
	defer rows.Close()

	tokens := make([]string, 0, batchSize)
	for rows.Next() {
		var id int64
		var token string
		if err := rows.Scan(&id, &token); err != nil {
			return nil, false, fmt.Errorf("scan device row: %w", err)
		}
		c.lastID = id
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate device rows: %w", err)
	}
	if len(tokens) < batchSize {
		c.done = true
	}
	return tokens, !c.done, nil
}

// appFilterClause narrows a selector to one app at a minimum version. The
// placeholder numbers continue from the fixed selector arguments.
func appFilterClause(f dispatch.AudienceFilter, nextArg int) (string, []any) {
	if f.AppID == "" || f.MinAppVer <= 0 {
		return "", nil
	}
	clause := fmt.Sprintf(" AND d.mobile_app_id = $%d AND d.mobile_app_ver >= $%d", nextArg, nextArg+1)
	return clause, []any{f.AppID, f.MinAppVer}
}

func (s *Store) DevicesByPNSIDs(platform pns.Platform, ids []string, f dispatch.AudienceFilter) dispatch.DeviceCursor {
	args := []any{string(platform), ids}
	filter, filterArgs := appFilterClause(f, 3)
	args = append(args, filterArgs...)
	query := fmt.Sprintf(`
		SELECT d.id, d.platform_id
		FROM devices d
		JOIN users u ON u.id = d.user_id
		WHERE d.platform = $1
		  AND d.mute = FALSE
		  AND u.pns_id = ANY($2)%s
		  AND d.id > $%d
		ORDER BY d.id
		LIMIT $%d`, filter, len(args)+1, len(args)+2)
	return &tokenCursor{pool: s.pool, query: query, args: args}
}

func (s *Store) DevicesByChannel(platform pns.Platform, channelID int64, f dispatch.AudienceFilter) dispatch.DeviceCursor {
	args := []any{string(platform), channelID}
	filter, filterArgs := appFilterClause(f, 3)
	args = append(args, filterArgs...)
	query := fmt.Sprintf(`
		SELECT d.id, d.platform_id
		FROM devices d
		JOIN subscriptions s ON s.user_id = d.user_id
		WHERE d.platform = $1
		  AND d.mute = FALSE
		  AND s.channel_id = $2%s
		  AND d.id > $%d
		ORDER BY d.id
		LIMIT $%d`, filter, len(args)+1, len(args)+2)
	return &tokenCursor{pool: s.pool, query: query, args: args}
}

func (s *Store) DevicesByApp(platform pns.Platform, appID string, minAppVer int) dispatch.DeviceCursor {
	query := `
		SELECT d.id, d.platform_id
		FROM devices d
		WHERE d.platform = $1
		  AND d.mute = FALSE
		  AND d.mobile_app_id = $2
		  AND d.mobile_app_ver >= $3
		  AND d.id > $4
		ORDER BY d.id
		LIMIT $5`
	return &tokenCursor{pool: s.pool, query: query, args: []any{string(platform), appID, minAppVer}}
}

// --- Reconciliation writes ---

// DeleteByTokens evicts every device holding one of the tokens. A single
// statement keeps the per-job reconciliation atomic; absent tokens simply
// match nothing, which makes redelivered jobs idempotent.
func (s *Store) DeleteByTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM devices WHERE platform_id = ANY($1)`, tokens)
	if err != nil {
		return fmt.Errorf("delete devices by token: %w", err)
	}
	s.logger.Info("Devices evicted", "requested", len(tokens), "deleted", tag.RowsAffected())
	return nil
}

// UpdateToken rewrites old to new in place. If new is already registered by
// the time the update runs, the unique constraint on platform_id fires and the
// stale row is deleted instead, matching what the caller would have done had
// it seen the collision first.
func (s *Store) UpdateToken(ctx context.Context, old, new string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE devices SET platform_id = $2, updated_at = now() WHERE platform_id = $1`,
		old, new)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			s.logger.Info("Token collision, evicting stale row", "token", old)
			return s.DeleteByTokens(ctx, []string{old})
		}
		return fmt.Errorf("update device token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("Token update matched no device", "token", old)
	}
	return nil
}

func (s *Store) TokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM devices WHERE platform_id = $1)`, token).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("token exists: %w", err)
	}
	return exists, nil
}

func (s *Store) FindByToken(ctx context.Context, token string) (*pns.Device, error) {
	d := &pns.Device{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, platform, platform_id, mute,
		       COALESCE(mobile_app_id, ''), COALESCE(mobile_app_ver, 0),
		       created_at, updated_at
		FROM devices
		WHERE platform_id = $1`, token).
		Scan(&d.ID, &d.UserID, &d.Platform, &d.Token, &d.Muted,
			&d.MobileAppID, &d.MobileAppVer, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pns.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("find device by token: %w", err)
	}
	return d, nil
}
