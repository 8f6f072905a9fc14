package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-push-dispatch/internal/broker"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

// PreProcessor resolves an envelope's audience into delivery jobs. Three
// selector modes run independently, each streamed through a batched cursor and
// chunked into jobs of at most pns.ChunkSize tokens, so memory stays
// O(chunk size) no matter how large the audience is.
type PreProcessor struct {
	store     dispatch.DeviceStore
	publisher dispatch.Publisher
	platforms []pns.Platform
	logger    *slog.Logger
}

// NewPreProcessor builds the fan-out stage. Disabled platforms are skipped
// entirely: their devices are neither queried nor published.
func NewPreProcessor(
	store dispatch.DeviceStore,
	publisher dispatch.Publisher,
	apnsEnabled, gcmEnabled bool,
	logger *slog.Logger,
) *PreProcessor {
	var platforms []pns.Platform
	if apnsEnabled {
		platforms = append(platforms, pns.PlatformAPNS)
	}
	if gcmEnabled {
		platforms = append(platforms, pns.PlatformGCM)
	}
	return &PreProcessor{
		store:     store,
		publisher: publisher,
		platforms: platforms,
		logger:    logger.With("component", "PreProcessor"),
	}
}

// Handler adapts the stage to the broker consumer contract: the inbound
// envelope is acked exactly once after every outbound publish returned, and
// any store or publish failure drops it without requeue.
func (p *PreProcessor) Handler() broker.Handler {
	return func(ctx context.Context, body []byte) broker.Outcome {
		env, err := DecodeEnvelope(body)
		if err != nil {
			p.logger.Error("Poison envelope", "err", err)
			return broker.Drop
		}
		if err := p.Process(ctx, env); err != nil {
			p.logger.Error("Fan-out failed, dropping envelope", "err", err)
			return broker.Drop
		}
		return broker.Ack
	}
}

// Process fans one envelope out to delivery jobs. Selector modes, in order:
// direct recipients, channel subscribers, then broadcast-by-app-version when
// neither of the first two applies. An app filter set alongside mode 1 or 2
// narrows those queries instead of broadcasting.
func (p *PreProcessor) Process(ctx context.Context, env *pns.Envelope) error {
	filter := dispatch.AudienceFilter{}
	if env.HasAppFilter() {
		filter = dispatch.AudienceFilter{AppID: env.AppID, MinAppVer: env.AppVer}
	}

	jobs := 0
	for _, platform := range p.platforms {
		if env.HasRecipients() {
			n, err := p.fanOut(ctx, env, platform,
				p.store.DevicesByPNSIDs(platform, env.PNSIDs, filter))
			if err != nil {
				return fmt.Errorf("recipient selector (%s): %w", platform, err)
			}
			jobs += n
		}
		if env.HasChannel() {
			n, err := p.fanOut(ctx, env, platform,
				p.store.DevicesByChannel(platform, env.ChannelID, filter))
			if err != nil {
				return fmt.Errorf("channel selector (%s): %w", platform, err)
			}
			jobs += n
		}
		if !env.HasRecipients() && !env.HasChannel() && env.HasAppFilter() {
			n, err := p.fanOut(ctx, env, platform,
				p.store.DevicesByApp(platform, env.AppID, env.AppVer))
			if err != nil {
				return fmt.Errorf("broadcast selector (%s): %w", platform, err)
			}
			jobs += n
		}
	}

	p.logger.Info("Envelope processed", "jobs", jobs, "channel_id", env.ChannelID,
		"recipients", len(env.PNSIDs))
	return nil
}

// fanOut drains one cursor into ≤ChunkSize jobs, publishing each full chunk as
// soon as it is complete and the final partial chunk at end of stream.
func (p *PreProcessor) fanOut(ctx context.Context, env *pns.Envelope, platform pns.Platform, cursor dispatch.DeviceCursor) (int, error) {
	jobs := 0
	chunk := make([]string, 0, pns.ChunkSize)
	for {
		tokens, hasMore, err := cursor.NextBatch(ctx)
		if err != nil {
			return jobs, err
		}
		for _, token := range tokens {
			chunk = append(chunk, token)
			if len(chunk) == pns.ChunkSize {
				if err := p.publishJob(ctx, env, platform, chunk); err != nil {
					return jobs, err
				}
				jobs++
				chunk = chunk[:0]
			}
		}
		if !hasMore {
			break
		}
	}
	if len(chunk) > 0 {
		if err := p.publishJob(ctx, env, platform, chunk); err != nil {
			return jobs, err
		}
		jobs++
	}
	return jobs, nil
}

func (p *PreProcessor) publishJob(ctx context.Context, env *pns.Envelope, platform pns.Platform, devices []string) error {
	job := pns.DeliveryJob{
		Devices: devices,
		Payload: *env,
	}
	body, err := json.Marshal(&job)
	if err != nil {
		return fmt.Errorf("encode delivery job: %w", err)
	}
	route := broker.RouteAPNS
	if platform == pns.PlatformGCM {
		route = broker.RouteGCM
	}
	if err := p.publisher.Publish(ctx, route, body); err != nil {
		return fmt.Errorf("publish delivery job: %w", err)
	}
	p.logger.Debug("Job published", "platform", platform, "devices", len(devices))
	return nil
}
