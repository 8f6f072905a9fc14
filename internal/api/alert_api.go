// Package api exposes the control-plane HTTP surface: submitting alerts into
// the dispatch pipeline.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"log/slog"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

type AlertAPI struct {
	Ingress dispatch.AlertIngress
	Logger  *slog.Logger
}

func NewAlertAPI(ingress dispatch.AlertIngress, logger *slog.Logger) *AlertAPI {
	return &AlertAPI{
		Ingress: ingress,
		Logger:  logger,
	}
}

// RegisterRoutes mounts the alert endpoints on the service mux.
func (api *AlertAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /alert", api.EnqueueAlert)
}

// EnqueueAlert accepts one alert envelope and queues it for fan-out. The
// response is 202: accepted means queued, not delivered.
func (api *AlertAPI) EnqueueAlert(w http.ResponseWriter, r *http.Request) {
	var env pns.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := api.Ingress.Publish(r.Context(), &env); err != nil {
		if errors.Is(err, pns.ErrInvalidEnvelope) {
			api.Logger.Warn("EnqueueAlert: Validation failed", "err", err)
			response.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		api.Logger.Error("failed to enqueue alert", "err", err)
		response.WriteJSONError(w, http.StatusServiceUnavailable, "enqueue failed")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
