package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or a specific error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the keys.
	Del(ctx context.Context, keys ...string) error
}

// CachedDeviceStore is a decorator that adds read-aside caching to FindByToken
// on any DeviceStore. Audience cursors pass straight through: they are
// one-shot streams over arbitrarily large result sets and caching them would
// break the bounded-memory property. The control plane writes to the store
// without passing through this decorator, so a cached row can be stale for up
// to the TTL: reads whose outcome is destructive (TokenExists feeding the
// canonical-collision branch, the feedback task's timestamp comparison) must
// not be served from here.
type CachedDeviceStore struct {
	realStore dispatch.DeviceStore
	cache     CacheClient
	ttl       time.Duration
}

var _ dispatch.DeviceStore = (*CachedDeviceStore)(nil)

// NewCachedDeviceStore creates the decorator.
func NewCachedDeviceStore(realStore dispatch.DeviceStore, cache CacheClient, ttl time.Duration) *CachedDeviceStore {
	return &CachedDeviceStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedDeviceStore) FindByToken(ctx context.Context, token string) (*pns.Device, error) {
	key := s.cacheKey(token)
	var cached pns.Device

	// 1. Try Cache
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	// 2. Fallback to Real Store
	fresh, err := s.realStore.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	// 3. Populate Cache (Fire and Forget)
	// A cache write failure is not the caller's problem; the store answered.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)

	return fresh, nil
}

// TokenExists always consults the store. The caller picks between rewriting a
// stale token and deleting its row; a cached answer outliving an out-of-band
// delete would flip that choice and evict a live device.
func (s *CachedDeviceStore) TokenExists(ctx context.Context, token string) (bool, error) {
	return s.realStore.TokenExists(ctx, token)
}

// --- WRITE PATHS (Invalidate-on-Write) ---

// DeleteByTokens must clear the cache even when the DB delete matched nothing,
// otherwise an evicted token could keep answering lookups until TTL expiry.
func (s *CachedDeviceStore) DeleteByTokens(ctx context.Context, tokens []string) error {
	if err := s.realStore.DeleteByTokens(ctx, tokens); err != nil {
		return err
	}
	return s.invalidate(ctx, tokens...)
}

func (s *CachedDeviceStore) UpdateToken(ctx context.Context, old, new string) error {
	if err := s.realStore.UpdateToken(ctx, old, new); err != nil {
		return err
	}
	// Both sides: the old key is stale, and a pre-existing entry under the
	// new token would now shadow the rewritten row.
	return s.invalidate(ctx, old, new)
}

// --- Cursors (pass-through) ---

func (s *CachedDeviceStore) DevicesByPNSIDs(platform pns.Platform, ids []string, f dispatch.AudienceFilter) dispatch.DeviceCursor {
	return s.realStore.DevicesByPNSIDs(platform, ids, f)
}

func (s *CachedDeviceStore) DevicesByChannel(platform pns.Platform, channelID int64, f dispatch.AudienceFilter) dispatch.DeviceCursor {
	return s.realStore.DevicesByChannel(platform, channelID, f)
}

func (s *CachedDeviceStore) DevicesByApp(platform pns.Platform, appID string, minAppVer int) dispatch.DeviceCursor {
	return s.realStore.DevicesByApp(platform, appID, minAppVer)
}

// --- Helpers ---

func (s *CachedDeviceStore) invalidate(ctx context.Context, tokens ...string) error {
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = s.cacheKey(t)
	}
	return s.cache.Del(ctx, keys...)
}

func (s *CachedDeviceStore) cacheKey(token string) string {
	return fmt.Sprintf("pns:device:%s", token)
}
