// Package pns contains the public domain models for the push-notification
// dispatch pipeline: the alert envelope accepted at ingress, the chunked
// delivery job handed to the platform workers, and the device record the
// workers reconcile against the store.
package pns

import (
	"errors"
	"fmt"
)

// ErrInvalidEnvelope marks an envelope that fails schema validation.
// Callers branch on it to reject at ingress or drop as poison.
var ErrInvalidEnvelope = errors.New("invalid alert envelope")

// GCMOptions carries the GCM-specific knobs of an envelope.
type GCMOptions struct {
	CollapseKey    string `json:"collapse_key,omitempty"`
	DelayWhileIdle *bool  `json:"delay_while_idle,omitempty"`
}

// APNSOptions carries the APNS-specific knobs of an envelope.
type APNSOptions struct {
	Badge            *int   `json:"badge,omitempty"`
	Sound            string `json:"sound,omitempty"`
	ContentAvailable *int   `json:"content_available,omitempty"`
}

// Envelope is one logical alert addressed to recipients, a channel, or an
// app-version broadcast. It is produced by the AlertIngress, consumed exactly
// once by the PreProcessor, and travels unchanged inside every DeliveryJob
// fanned out from it.
type Envelope struct {
	Alert     string         `json:"alert"`
	ChannelID int64          `json:"channel_id,omitempty"`
	PNSIDs    []string       `json:"pns_id,omitempty"`
	AppID     string         `json:"appid,omitempty"`
	AppVer    int            `json:"appver,omitempty"`
	TTL       int            `json:"ttl,omitempty"`
	GCM       *GCMOptions    `json:"gcm,omitempty"`
	APNS      *APNSOptions   `json:"apns,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Validate checks the envelope against the ingress schema. The zero values of
// optional fields mean "absent"; a present field must satisfy its constraint.
func (e *Envelope) Validate() error {
	if e.Alert == "" {
		return fmt.Errorf("%w: alert is required", ErrInvalidEnvelope)
	}
	if e.ChannelID < 0 {
		return fmt.Errorf("%w: channel_id must be positive", ErrInvalidEnvelope)
	}
	for i, id := range e.PNSIDs {
		if id == "" {
			return fmt.Errorf("%w: pns_id[%d] is empty", ErrInvalidEnvelope, i)
		}
	}
	if e.AppVer < 0 {
		return fmt.Errorf("%w: appver must be positive", ErrInvalidEnvelope)
	}
	if e.TTL < 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidEnvelope)
	}
	if e.APNS != nil {
		if e.APNS.Badge != nil && *e.APNS.Badge < 0 {
			return fmt.Errorf("%w: apns.badge must not be negative", ErrInvalidEnvelope)
		}
		if ca := e.APNS.ContentAvailable; ca != nil && *ca != 0 && *ca != 1 {
			return fmt.Errorf("%w: apns.content_available must be 0 or 1", ErrInvalidEnvelope)
		}
	}
	return nil
}

// HasRecipients reports whether the direct-recipient selector applies.
func (e *Envelope) HasRecipients() bool { return len(e.PNSIDs) > 0 }

// HasChannel reports whether the channel-subscriber selector applies.
func (e *Envelope) HasChannel() bool { return e.ChannelID > 0 }

// HasAppFilter reports whether both appid and appver are set. Together with
// a recipient or channel selector it narrows that selector; on its own it
// switches the PreProcessor into broadcast mode.
func (e *Envelope) HasAppFilter() bool { return e.AppID != "" && e.AppVer > 0 }
