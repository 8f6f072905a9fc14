// Package gcm contains the GCM delivery worker.
package gcm

import (
	"context"
	"encoding/json"
	"log/slog"

	gcmlib "github.com/google/go-gcm"

	"github.com/tinywideclouds/go-push-dispatch/internal/broker"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

const (
	// defaultTTL is 5 days, applied when the envelope carries no ttl or one
	// outside the gateway's bounds.
	defaultTTL = 432000
	// maxTTL is the gateway's upper bound of 28 days.
	maxTTL = 2419200
)

// Error codes that mean the registration id is garbage and must be removed.
const (
	errNotRegistered       = "NotRegistered"
	errInvalidRegistration = "InvalidRegistration"
)

// Sender defines the subset of the GCM HTTP API we use.
// This allows mocking for unit tests.
type Sender interface {
	Send(msg gcmlib.HttpMessage) (*gcmlib.HttpResponse, error)
}

// HTTPSender sends through the GCM JSON connection server.
type HTTPSender struct {
	apiKey string
}

func NewHTTPSender(apiKey string) *HTTPSender {
	return &HTTPSender{apiKey: apiKey}
}

func (s *HTTPSender) Send(msg gcmlib.HttpMessage) (*gcmlib.HttpResponse, error) {
	return gcmlib.SendHttp(s.apiKey, msg)
}

// Worker consumes `pns_gcm` delivery jobs, sends each batch in one multicast
// request, and reconciles the per-token results with the store: dead
// registrations are evicted and canonical replacements adopted.
type Worker struct {
	sender Sender
	store  dispatch.DeviceStore
	logger *slog.Logger
}

func NewWorker(sender Sender, store dispatch.DeviceStore, logger *slog.Logger) *Worker {
	return &Worker{
		sender: sender,
		store:  store,
		logger: logger.With("component", "GCMWorker"),
	}
}

// Handler adapts the worker to the broker consumer contract. Same ack policy
// as the APNS worker: gateway trouble acks and drops rather than risking a
// double delivery on requeue.
func (w *Worker) Handler() broker.Handler {
	return func(ctx context.Context, body []byte) broker.Outcome {
		var job pns.DeliveryJob
		if err := json.Unmarshal(body, &job); err != nil {
			w.logger.Error("Poison delivery job", "err", err)
			return broker.Drop
		}
		w.deliver(ctx, &job)
		return broker.Ack
	}
}

func (w *Worker) deliver(ctx context.Context, job *pns.DeliveryJob) {
	msg := w.buildMessage(job)
	res, err := w.sender.Send(msg)
	if err != nil {
		w.logger.Error("GCM request failed, dropping job", "err", err)
		return
	}
	w.logger.Debug("GCM response",
		"success", res.Success, "failure", res.Failure, "canonical_ids", res.CanonicalIds)
	w.reconcile(ctx, job.Devices, res)
}

func (w *Worker) buildMessage(job *pns.DeliveryJob) gcmlib.HttpMessage {
	env := &job.Payload

	// The alert string rides inside the data dict; clients read data.alert.
	data := make(map[string]interface{}, len(env.Data)+1)
	for k, v := range env.Data {
		data[k] = v
	}
	data["alert"] = env.Alert

	ttl := uint(defaultTTL)
	if env.TTL > 0 {
		if env.TTL < maxTTL {
			ttl = uint(env.TTL)
		} else {
			w.logger.Warn("`time_to_live` is out of boundary", "ttl", env.TTL)
		}
	}

	msg := gcmlib.HttpMessage{
		RegistrationIds: job.Devices,
		Data:            data,
		TimeToLive:      &ttl,
	}
	if env.GCM != nil {
		msg.CollapseKey = env.GCM.CollapseKey
		if env.GCM.DelayWhileIdle != nil {
			msg.DelayWhileIdle = *env.GCM.DelayWhileIdle
		}
	}
	return msg
}

// reconcile applies the gateway's verdicts. Results are index-aligned with the
// registration ids of the request.
func (w *Worker) reconcile(ctx context.Context, devices []string, res *gcmlib.HttpResponse) {
	var dead []string
	for i, result := range res.Results {
		if i >= len(devices) {
			w.logger.Error("GCM returned more results than tokens sent",
				"results", len(res.Results), "tokens", len(devices))
			break
		}
		token := devices[i]

		if result.Error != "" {
			switch result.Error {
			case errNotRegistered, errInvalidRegistration:
				w.logger.Info("Delivery failure", "token", token, "reason", result.Error)
				dead = append(dead, token)
			default:
				// Transient or message-level; no store mutation.
				w.logger.Error("GCM delivery error", "token", token, "reason", result.Error)
			}
			continue
		}

		if canonical := result.RegistrationId; canonical != "" && canonical != token {
			w.adoptCanonical(ctx, token, canonical)
		}
	}

	// Commit once per job; a write failure is logged and the job acked
	// anyway, the next response for these tokens recomputes the eviction.
	if len(dead) > 0 {
		if err := w.store.DeleteByTokens(ctx, dead); err != nil {
			w.logger.Error("Token eviction failed", "count", len(dead), "err", err)
		}
	}
}

// adoptCanonical replaces a stale registration id with the canonical one the
// gateway instructed us to use. If the canonical id is already registered by
// the client, the stale row is deleted instead so the client is not delivered
// twice.
func (w *Worker) adoptCanonical(ctx context.Context, old, canonical string) {
	exists, err := w.store.TokenExists(ctx, canonical)
	if err != nil {
		w.logger.Error("Canonical lookup failed", "token", old, "err", err)
		return
	}
	if exists {
		if err := w.store.DeleteByTokens(ctx, []string{old}); err != nil {
			w.logger.Error("Stale token eviction failed", "token", old, "err", err)
		}
		return
	}
	if err := w.store.UpdateToken(ctx, old, canonical); err != nil {
		w.logger.Error("Canonical replacement failed", "token", old, "err", err)
	}
}
