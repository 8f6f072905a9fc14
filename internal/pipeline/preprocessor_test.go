package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-dispatch/internal/broker"
	"github.com/tinywideclouds/go-push-dispatch/internal/pipeline"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/pns"
)

// --- Mocks ---

// fakeCursor replays pre-baked batches the way the store's keyset cursor would.
type fakeCursor struct {
	batches [][]string
	i       int
}

func (c *fakeCursor) NextBatch(_ context.Context) ([]string, bool, error) {
	if c.i >= len(c.batches) {
		return nil, false, nil
	}
	b := c.batches[c.i]
	c.i++
	return b, c.i < len(c.batches), nil
}

type failingCursor struct{}

func (c *failingCursor) NextBatch(_ context.Context) ([]string, bool, error) {
	return nil, false, assert.AnError
}

type MockDeviceStore struct {
	mock.Mock
}

func (m *MockDeviceStore) DevicesByPNSIDs(platform pns.Platform, ids []string, f dispatch.AudienceFilter) dispatch.DeviceCursor {
	return m.Called(platform, ids, f).Get(0).(dispatch.DeviceCursor)
}
func (m *MockDeviceStore) DevicesByChannel(platform pns.Platform, channelID int64, f dispatch.AudienceFilter) dispatch.DeviceCursor {
	return m.Called(platform, channelID, f).Get(0).(dispatch.DeviceCursor)
}
func (m *MockDeviceStore) DevicesByApp(platform pns.Platform, appID string, minAppVer int) dispatch.DeviceCursor {
	return m.Called(platform, appID, minAppVer).Get(0).(dispatch.DeviceCursor)
}
func (m *MockDeviceStore) DeleteByTokens(ctx context.Context, tokens []string) error {
	return m.Called(ctx, tokens).Error(0)
}
func (m *MockDeviceStore) UpdateToken(ctx context.Context, old, new string) error {
	return m.Called(ctx, old, new).Error(0)
}
func (m *MockDeviceStore) TokenExists(ctx context.Context, token string) (bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}
func (m *MockDeviceStore) FindByToken(ctx context.Context, token string) (*pns.Device, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pns.Device), args.Error(1)
}

// publishedJob records one outbound delivery job for assertions.
type publishedJob struct {
	route string
	job   pns.DeliveryJob
}

type recordingPublisher struct {
	jobs     []publishedJob
	failures int
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, body []byte) error {
	if p.failures > 0 {
		p.failures--
		return broker.ErrBrokerUnavailable
	}
	var job pns.DeliveryJob
	if err := json.Unmarshal(body, &job); err != nil {
		return err
	}
	p.jobs = append(p.jobs, publishedJob{route: routingKey, job: job})
	return nil
}

// --- Setup ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tokens(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

// --- Tests ---

func TestProcess_RecipientSelector(t *testing.T) {
	ctx := context.Background()
	mockStore := new(MockDeviceStore)
	pub := &recordingPublisher{}
	pre := pipeline.NewPreProcessor(mockStore, pub, true, true, testLogger())

	env := &pns.Envelope{Alert: "hi", PNSIDs: []string{"user-1", "user-2"}}

	// Both platforms are queried; each resolves to its own small audience.
	mockStore.On("DevicesByPNSIDs", pns.PlatformAPNS, env.PNSIDs, dispatch.AudienceFilter{}).
		Return(&fakeCursor{batches: [][]string{{"apns-a", "apns-b"}}})
	mockStore.On("DevicesByPNSIDs", pns.PlatformGCM, env.PNSIDs, dispatch.AudienceFilter{}).
		Return(&fakeCursor{batches: [][]string{{"gcm-a"}}})

	require.NoError(t, pre.Process(ctx, env))

	require.Len(t, pub.jobs, 2)
	assert.Equal(t, broker.RouteAPNS, pub.jobs[0].route)
	assert.Equal(t, []string{"apns-a", "apns-b"}, pub.jobs[0].job.Devices)
	assert.Equal(t, broker.RouteGCM, pub.jobs[1].route)
	assert.Equal(t, []string{"gcm-a"}, pub.jobs[1].job.Devices)

	// The envelope rides unchanged inside every job.
	assert.Equal(t, "hi", pub.jobs[0].job.Payload.Alert)
	mockStore.AssertExpectations(t)
}

func TestProcess_ChunksLargeAudience(t *testing.T) {
	ctx := context.Background()
	mockStore := new(MockDeviceStore)
	pub := &recordingPublisher{}
	pre := pipeline.NewPreProcessor(mockStore, pub, false, true, testLogger())

	env := &pns.Envelope{Alert: "hi", ChannelID: 9}

	// 2500 subscribers stream in store-sized batches.
	mockStore.On("DevicesByChannel", pns.PlatformGCM, int64(9), dispatch.AudienceFilter{}).
		Return(&fakeCursor{batches: [][]string{
			tokens("a", 1000),
			tokens("b", 1000),
			tokens("c", 500),
		}})

	require.NoError(t, pre.Process(ctx, env))

	require.Len(t, pub.jobs, 3)
	assert.Len(t, pub.jobs[0].job.Devices, 1000)
	assert.Len(t, pub.jobs[1].job.Devices, 1000)
	assert.Len(t, pub.jobs[2].job.Devices, 500)
	for _, j := range pub.jobs {
		assert.Equal(t, broker.RouteGCM, j.route)
	}
}

func TestProcess_BroadcastMode(t *testing.T) {
	ctx := context.Background()
	mockStore := new(MockDeviceStore)
	pub := &recordingPublisher{}
	pre := pipeline.NewPreProcessor(mockStore, pub, true, false, testLogger())

	// No recipients, no channel: the app filter alone selects the audience.
	env := &pns.Envelope{Alert: "upgrade!", AppID: "com.example.app", AppVer: 3}

	mockStore.On("DevicesByApp", pns.PlatformAPNS, "com.example.app", 3).
		Return(&fakeCursor{batches: [][]string{{"t1", "t2"}}})

	require.NoError(t, pre.Process(ctx, env))

	require.Len(t, pub.jobs, 1)
	assert.Equal(t, []string{"t1", "t2"}, pub.jobs[0].job.Devices)
	mockStore.AssertExpectations(t)
}

func TestProcess_AppFilterNarrowsSelectors(t *testing.T) {
	ctx := context.Background()
	mockStore := new(MockDeviceStore)
	pub := &recordingPublisher{}
	pre := pipeline.NewPreProcessor(mockStore, pub, true, false, testLogger())

	// With a channel present the app filter narrows it instead of broadcasting.
	env := &pns.Envelope{Alert: "hi", ChannelID: 4, AppID: "com.example.app", AppVer: 2}
	wantFilter := dispatch.AudienceFilter{AppID: "com.example.app", MinAppVer: 2}

	mockStore.On("DevicesByChannel", pns.PlatformAPNS, int64(4), wantFilter).
		Return(&fakeCursor{batches: [][]string{{"t1"}}})

	require.NoError(t, pre.Process(ctx, env))

	mockStore.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "DevicesByApp", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_NoSelector(t *testing.T) {
	ctx := context.Background()
	mockStore := new(MockDeviceStore)
	pub := &recordingPublisher{}
	pre := pipeline.NewPreProcessor(mockStore, pub, true, true, testLogger())

	// An alert with no audience is valid; it just produces no jobs.
	env := &pns.Envelope{Alert: "to nobody"}

	require.NoError(t, pre.Process(ctx, env))
	assert.Empty(t, pub.jobs)
	mockStore.AssertNotCalled(t, "DevicesByApp", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_EmptyAudience(t *testing.T) {
	ctx := context.Background()
	mockStore := new(MockDeviceStore)
	pub := &recordingPublisher{}
	pre := pipeline.NewPreProcessor(mockStore, pub, true, false, testLogger())

	env := &pns.Envelope{Alert: "hi", ChannelID: 4}

	mockStore.On("DevicesByChannel", pns.PlatformAPNS, int64(4), dispatch.AudienceFilter{}).
		Return(&fakeCursor{})

	require.NoError(t, pre.Process(ctx, env))
	assert.Empty(t, pub.jobs)
}

func TestProcess_StoreFailure(t *testing.T) {
	ctx := context.Background()
	mockStore := new(MockDeviceStore)
	pub := &recordingPublisher{}
	pre := pipeline.NewPreProcessor(mockStore, pub, true, false, testLogger())

	env := &pns.Envelope{Alert: "hi", ChannelID: 4}

	mockStore.On("DevicesByChannel", pns.PlatformAPNS, int64(4), dispatch.AudienceFilter{}).
		Return(&failingCursor{})

	err := pre.Process(ctx, env)
	require.Error(t, err)
}

func TestHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("Poison envelope is dropped", func(t *testing.T) {
		mockStore := new(MockDeviceStore)
		pre := pipeline.NewPreProcessor(mockStore, &recordingPublisher{}, true, true, testLogger())

		outcome := pre.Handler()(ctx, []byte(`{not json`))
		assert.Equal(t, broker.Drop, outcome)
	})

	t.Run("Invalid envelope is dropped", func(t *testing.T) {
		mockStore := new(MockDeviceStore)
		pre := pipeline.NewPreProcessor(mockStore, &recordingPublisher{}, true, true, testLogger())

		// Well-formed JSON, missing the required alert.
		outcome := pre.Handler()(ctx, []byte(`{"channel_id": 4}`))
		assert.Equal(t, broker.Drop, outcome)
	})

	t.Run("Publish failure drops without requeue", func(t *testing.T) {
		mockStore := new(MockDeviceStore)
		pub := &recordingPublisher{failures: 1}
		pre := pipeline.NewPreProcessor(mockStore, pub, true, false, testLogger())

		mockStore.On("DevicesByPNSIDs", pns.PlatformAPNS, []string{"u1"}, dispatch.AudienceFilter{}).
			Return(&fakeCursor{batches: [][]string{{"t1"}}})

		outcome := pre.Handler()(ctx, []byte(`{"alert":"hi","pns_id":["u1"]}`))
		assert.Equal(t, broker.Drop, outcome)
	})

	t.Run("Successful fan-out acks", func(t *testing.T) {
		mockStore := new(MockDeviceStore)
		pub := &recordingPublisher{}
		pre := pipeline.NewPreProcessor(mockStore, pub, true, false, testLogger())

		mockStore.On("DevicesByPNSIDs", pns.PlatformAPNS, []string{"u1"}, dispatch.AudienceFilter{}).
			Return(&fakeCursor{batches: [][]string{{"t1"}}})

		outcome := pre.Handler()(ctx, []byte(`{"alert":"hi","pns_id":["u1"]}`))
		assert.Equal(t, broker.Ack, outcome)
		assert.Len(t, pub.jobs, 1)
	})
}
