package pns_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

func intPtr(v int) *int { return &v }

func TestEnvelopeValidate(t *testing.T) {
	t.Run("Minimal valid envelope", func(t *testing.T) {
		env := pns.Envelope{Alert: "hello"}
		require.NoError(t, env.Validate())
	})

	t.Run("Missing alert", func(t *testing.T) {
		env := pns.Envelope{}
		err := env.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, pns.ErrInvalidEnvelope)
	})

	t.Run("Negative channel id", func(t *testing.T) {
		env := pns.Envelope{Alert: "hello", ChannelID: -1}
		assert.ErrorIs(t, env.Validate(), pns.ErrInvalidEnvelope)
	})

	t.Run("Empty recipient id", func(t *testing.T) {
		env := pns.Envelope{Alert: "hello", PNSIDs: []string{"user-1", ""}}
		assert.ErrorIs(t, env.Validate(), pns.ErrInvalidEnvelope)
	})

	t.Run("Negative ttl", func(t *testing.T) {
		env := pns.Envelope{Alert: "hello", TTL: -5}
		assert.ErrorIs(t, env.Validate(), pns.ErrInvalidEnvelope)
	})

	t.Run("Invalid content_available", func(t *testing.T) {
		env := pns.Envelope{
			Alert: "hello",
			APNS:  &pns.APNSOptions{ContentAvailable: intPtr(2)},
		}
		assert.ErrorIs(t, env.Validate(), pns.ErrInvalidEnvelope)
	})

	t.Run("Negative badge", func(t *testing.T) {
		env := pns.Envelope{
			Alert: "hello",
			APNS:  &pns.APNSOptions{Badge: intPtr(-1)},
		}
		assert.ErrorIs(t, env.Validate(), pns.ErrInvalidEnvelope)
	})

	t.Run("Full envelope", func(t *testing.T) {
		env := pns.Envelope{
			Alert:     "hello",
			ChannelID: 7,
			PNSIDs:    []string{"user-1"},
			AppID:     "com.example.app",
			AppVer:    42,
			TTL:       3600,
			GCM:       &pns.GCMOptions{CollapseKey: "score"},
			APNS:      &pns.APNSOptions{Badge: intPtr(1), Sound: "default"},
			Data:      map[string]any{"k": "v"},
		}
		require.NoError(t, env.Validate())
	})
}

func TestEnvelopeSelectors(t *testing.T) {
	t.Run("Recipients", func(t *testing.T) {
		env := pns.Envelope{Alert: "a", PNSIDs: []string{"user-1"}}
		assert.True(t, env.HasRecipients())
		assert.False(t, env.HasChannel())
		assert.False(t, env.HasAppFilter())
	})

	t.Run("Channel", func(t *testing.T) {
		env := pns.Envelope{Alert: "a", ChannelID: 3}
		assert.True(t, env.HasChannel())
	})

	t.Run("App filter requires both fields", func(t *testing.T) {
		assert.False(t, (&pns.Envelope{Alert: "a", AppID: "com.example.app"}).HasAppFilter())
		assert.False(t, (&pns.Envelope{Alert: "a", AppVer: 3}).HasAppFilter())
		assert.True(t, (&pns.Envelope{Alert: "a", AppID: "com.example.app", AppVer: 3}).HasAppFilter())
	})
}

func TestEnvelopeWireFormat(t *testing.T) {
	// The ingress schema uses the legacy field names; they must survive a
	// round trip untouched.
	raw := `{"alert":"hi","pns_id":["u1","u2"],"appid":"com.example.app","appver":2,"ttl":60}`

	var env pns.Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, "hi", env.Alert)
	assert.Equal(t, []string{"u1", "u2"}, env.PNSIDs)
	assert.Equal(t, "com.example.app", env.AppID)
	assert.Equal(t, 2, env.AppVer)
	assert.Equal(t, 60, env.TTL)

	out, err := json.Marshal(&env)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"pns_id"`)
	assert.Contains(t, string(out), `"appid"`)
	assert.NotContains(t, string(out), `"channel_id"`)
}
