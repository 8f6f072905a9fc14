// Package dispatch defines the contracts between the delivery pipeline and its
// collaborators: the device store it resolves audiences from and reconciles
// token state against, and the broker surface it publishes through.
package dispatch

import (
	"context"

	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

// DeviceCursor streams one audience query in server-side batches so the
// PreProcessor's memory stays bounded regardless of audience size.
type DeviceCursor interface {
	// NextBatch returns the next batch of tokens in stable device order and
	// whether more batches remain. It must be called until hasMore is false
	// or an error is returned.
	NextBatch(ctx context.Context) (tokens []string, hasMore bool, err error)
}

// AudienceFilter optionally narrows a recipient or channel selector to devices
// of one mobile app at or above a minimum version. The zero value matches all.
type AudienceFilter struct {
	AppID     string
	MinAppVer int
}

// DeviceStore is the query surface the pipeline needs from the relational
// store. The three cursor queries are platform-filtered and always exclude
// muted devices; the token mutations are idempotent so at-least-once job
// delivery cannot corrupt state.
type DeviceStore interface {
	// DevicesByPNSIDs streams tokens of devices whose owning user's pns_id is
	// in ids.
	DevicesByPNSIDs(platform pns.Platform, ids []string, f AudienceFilter) DeviceCursor

	// DevicesByChannel streams tokens of devices belonging to subscribers of
	// the channel.
	DevicesByChannel(platform pns.Platform, channelID int64, f AudienceFilter) DeviceCursor

	// DevicesByApp streams tokens of all devices with the given mobile app id
	// and a version of at least minAppVer.
	DevicesByApp(platform pns.Platform, appID string, minAppVer int) DeviceCursor

	// DeleteByTokens removes every device holding one of the tokens in a
	// single transaction. Missing tokens are no-ops.
	DeleteByTokens(ctx context.Context, tokens []string) error

	// UpdateToken rewrites the token of the device currently holding old.
	// A missing old token is a no-op.
	UpdateToken(ctx context.Context, old, new string) error

	// TokenExists reports whether any device holds the token.
	TokenExists(ctx context.Context, token string) (bool, error)

	// FindByToken returns the device holding the token, or
	// pns.ErrDeviceNotFound.
	FindByToken(ctx context.Context, token string) (*pns.Device, error)
}

// Publisher publishes a persistent message onto the pipeline exchange with
// at-least-once semantics.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// AlertIngress is the pipeline-facing half of the control plane: it accepts a
// validated envelope and hands it to the PreProcessor stage.
type AlertIngress interface {
	Publish(ctx context.Context, env *pns.Envelope) error
}

// AlertStore persists envelope history when the deployment asks for it.
type AlertStore interface {
	SaveAlert(ctx context.Context, env *pns.Envelope) (int64, error)
}
