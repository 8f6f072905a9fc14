package apns

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"

	"github.com/tinywideclouds/go-push-dispatch/internal/broker"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

// defaultExpiry is applied when the envelope carries no ttl.
const defaultExpiry = 5 * 24 * time.Hour

// Worker consumes `pns_apns` delivery jobs, pushes each token to the gateway,
// and evicts tokens the gateway reports as dead before acknowledging the job.
type Worker struct {
	clients ClientProvider
	store   dispatch.DeviceStore
	topic   string
	logger  *slog.Logger
}

// NewWorker wires the delivery worker. topic is the app bundle id; empty is
// valid for single-app certificates.
func NewWorker(clients ClientProvider, store dispatch.DeviceStore, topic string, logger *slog.Logger) *Worker {
	return &Worker{
		clients: clients,
		store:   store,
		topic:   topic,
		logger:  logger.With("component", "APNSWorker"),
	}
}

// Handler adapts the worker to the broker consumer contract. Gateway trouble
// acks and drops the job rather than requeueing: a redelivered job would
// double-send to every token that already succeeded.
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
	client, err := w.clients.Client()
	if err != nil {
		w.logger.Error("Gateway client unavailable, dropping job", "err", err)
		return
	}

	notification := w.buildNotification(&job.Payload)

	dead, retryable := w.send(client, notification, job.Devices)
	if len(retryable) > 0 {
		// One inline retry; tokens still failing wait for a future alert.
		moreDead, stillFailing := w.send(client, notification, retryable)
		dead = append(dead, moreDead...)
		if len(stillFailing) > 0 {
			w.logger.Error("Tokens undeliverable after retry", "count", len(stillFailing))
		}
	}

	// Commit once per job. A write failure is logged and the job acked
	// anyway: the next gateway response for these tokens recomputes the
	// same eviction.
	if len(dead) > 0 {
		if err := w.store.DeleteByTokens(ctx, dead); err != nil {
			w.logger.Error("Token eviction failed", "count", len(dead), "err", err)
		}
	}
}

// send pushes the notification to each token in order and partitions failures
// into dead tokens (reported garbage by the gateway contract) and retryable
// ones (throttling, server errors, transport faults).
func (w *Worker) send(client Client, n *apns2.Notification, tokens []string) (dead, retryable []string) {
	for _, token := range tokens {
		n.DeviceToken = token
		res, err := client.Push(n)
		if err != nil {
			w.logger.Warn("APNS transport failed", "token", token, "err", err)
			retryable = append(retryable, token)
			continue
		}
		if res.Sent() {
			continue
		}
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			// The token reported here is garbage; stop using and remove it.
			w.logger.Info("Delivery failure", "token", token, "reason", res.Reason)
			dead = append(dead, token)
		case apns2.ReasonTooManyRequests, apns2.ReasonInternalServerError,
			apns2.ReasonServiceUnavailable, apns2.ReasonShutdown:
			retryable = append(retryable, token)
		default:
			// Gateway-level failure, not the token's fault.
			w.logger.Error("APNS rejected notification",
				"reason", res.Reason, "status", res.StatusCode)
		}
	}
	return dead, retryable
}

func (w *Worker) buildNotification(env *pns.Envelope) *apns2.Notification {
	pl := payload.NewPayload().Alert(env.Alert)
	if env.APNS != nil {
		if env.APNS.Badge != nil {
			pl.Badge(*env.APNS.Badge)
		}
		if env.APNS.Sound != "" {
			pl.Sound(env.APNS.Sound)
		}
		if env.APNS.ContentAvailable != nil && *env.APNS.ContentAvailable == 1 {
			pl.ContentAvailable()
		}
	}
	for k, v := range env.Data {
		pl.Custom(k, v)
	}

	expiry := defaultExpiry
	if env.TTL > 0 {
		expiry = time.Duration(env.TTL) * time.Second
	}

	return &apns2.Notification{
		Topic:      w.topic,
		Expiration: time.Now().Add(expiry),
		Priority:   apns2.PriorityHigh,
		Payload:    pl,
	}
}
