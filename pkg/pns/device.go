package pns

import (
	"errors"
	"time"
)

// ErrDeviceNotFound is returned by token lookups when no device row matches.
var ErrDeviceNotFound = errors.New("device not found")

// Platform identifies the push gateway a device token belongs to.
type Platform string

const (
	PlatformAPNS Platform = "apns"
	PlatformGCM  Platform = "gcm"
)

// Device is one registered handset. The token is unique across all devices of
// a platform; the workers rewrite or remove it based on gateway responses and
// the APNS feedback stream.
type Device struct {
	ID           int64
	UserID       int64
	Platform     Platform
	Token        string
	Muted        bool
	MobileAppID  string
	MobileAppVer int
	CreatedAt    time.Time
	// UpdatedAt is nil for rows that have never been touched since creation.
	// The feedback task compares it against Apple's failure timestamp to
	// decide whether a client re-registered after the reported failure.
	UpdatedAt *time.Time
}
