// Package pipeline contains the fan-out stage: it turns one alert envelope
// into platform-partitioned delivery jobs of bounded size.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

// DecodeEnvelope safely unmarshals and validates a raw broker payload into a
// structured envelope. A failure here means the message is poison: the caller
// drops it without requeue so it cannot loop.
func DecodeEnvelope(body []byte) (*pns.Envelope, error) {
	var env pns.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", pns.ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
