package apns

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/sideshow/apns2/certificate"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

// Feedback service endpoints. Apple streams (timestamp, token) pairs for
// tokens it knows to be dead, then closes the connection.
const (
	FeedbackHostProduction = "feedback.push.apple.com:2196"
	FeedbackHostSandbox    = "feedback.sandbox.push.apple.com:2196"
)

// FeedbackSource drains one feedback session, invoking fn per reported token.
// An error from fn aborts the drain.
type FeedbackSource interface {
	Drain(ctx context.Context, fn func(token string, failedAt time.Time) error) error
}

// TLSFeedbackSource reads the binary feedback protocol over a certificate-
// authenticated TLS connection. Each frame is a big-endian u32 timestamp, a
// u16 token length, and the token bytes.
type TLSFeedbackSource struct {
	host     string
	certFile string
}

func NewTLSFeedbackSource(host, certFile string) *TLSFeedbackSource {
	return &TLSFeedbackSource{host: host, certFile: certFile}
}

func (s *TLSFeedbackSource) Drain(ctx context.Context, fn func(token string, failedAt time.Time) error) error {
	cert, err := certificate.FromPemFile(s.certFile, "")
	if err != nil {
		return fmt.Errorf("load APNS certificate %s: %w", s.certFile, err)
	}
	host, _, err := net.SplitHostPort(s.host)
	if err != nil {
		return fmt.Errorf("feedback host %s: %w", s.host, err)
	}
	dialer := &tls.Dialer{Config: &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   host,
	}}
	conn, err := dialer.DialContext(ctx, "tcp", s.host)
	if err != nil {
		return fmt.Errorf("dial feedback service: %w", err)
	}
	defer conn.Close()

	for {
		token, failedAt, err := readFeedbackFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// Mid-stream IO failure: the tokens already seen were handled,
			// the rest are picked up by the next session.
			return fmt.Errorf("read feedback frame: %w", err)
		}
		if err := fn(token, failedAt); err != nil {
			return err
		}
	}
}

func readFeedbackFrame(r io.Reader) (string, time.Time, error) {
	var header struct {
		Timestamp uint32
		TokenLen  uint16
	}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return "", time.Time{}, err
	}
	token := make([]byte, header.TokenLen)
	if _, err := io.ReadFull(r, token); err != nil {
		return "", time.Time{}, err
	}
	return hex.EncodeToString(token), time.Unix(int64(header.Timestamp), 0).UTC(), nil
}

// FeedbackTask periodically drains the feedback stream and evicts devices
// whose token Apple reported dead, unless the client re-registered after the
// reported failure.
type FeedbackTask struct {
	source   FeedbackSource
	store    dispatch.DeviceStore
	interval time.Duration
	logger   *slog.Logger
}

func NewFeedbackTask(source FeedbackSource, store dispatch.DeviceStore, interval time.Duration, logger *slog.Logger) *FeedbackTask {
	return &FeedbackTask{
		source:   source,
		store:    store,
		interval: interval,
		logger:   logger.With("component", "FeedbackTask"),
	}
}

// Run drains immediately, then on every tick until ctx is cancelled. A failed
// run is logged and retried at the next tick; the stream re-yields anything
// missed.
func (t *FeedbackTask) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		if err := t.RunOnce(ctx); err != nil {
			t.logger.Error("Feedback drain failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce drains one feedback session. Evictions are collected during the
// stream and committed once at end-of-stream, so a mid-stream failure writes
// nothing and the next run re-drains.
func (t *FeedbackTask) RunOnce(ctx context.Context) error {
	var evict []string
	err := t.source.Drain(ctx, func(token string, failedAt time.Time) error {
		device, err := t.store.FindByToken(ctx, token)
		if err != nil {
			if errors.Is(err, pns.ErrDeviceNotFound) {
				return nil
			}
			return err
		}
		if device.UpdatedAt != nil && device.UpdatedAt.After(failedAt) {
			// Re-registered since the failure: the token is live again.
			t.logger.Debug("Keeping re-registered device", "token", token)
			return nil
		}
		evict = append(evict, token)
		return nil
	})
	if err != nil {
		return err
	}
	if len(evict) == 0 {
		t.logger.Info("Feedback drain complete", "evicted", 0)
		return nil
	}
	if err := t.store.DeleteByTokens(ctx, evict); err != nil {
		return fmt.Errorf("evict feedback tokens: %w", err)
	}
	t.logger.Info("Feedback drain complete", "evicted", len(evict))
	return nil
}
