package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-dispatch/internal/pipeline"
	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

func TestDecodeEnvelope(t *testing.T) {
	t.Run("Valid envelope", func(t *testing.T) {
		env, err := pipeline.DecodeEnvelope([]byte(`{"alert":"hi","channel_id":3}`))
		require.NoError(t, err)
		assert.Equal(t, "hi", env.Alert)
		assert.Equal(t, int64(3), env.ChannelID)
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		_, err := pipeline.DecodeEnvelope([]byte(`{"alert":`))
		require.Error(t, err)
		assert.ErrorIs(t, err, pns.ErrInvalidEnvelope)
	})

	t.Run("Schema violation", func(t *testing.T) {
		_, err := pipeline.DecodeEnvelope([]byte(`{"ttl":60}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, pns.ErrInvalidEnvelope)
	})
}
