package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/engine"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/provision"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/registry"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/streamkey"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/pubsub"
)

type fakeProvisioner struct {
	mu       sync.Mutex
	prepared []string
	released []string
	err      error
}

func (p *fakeProvisioner) Reserve(string) uint64 { return 1 }

func (p *fakeProvisioner) Prepare(key string, _ uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepared = append(p.prepared, key)
	return p.err
}

func (p *fakeProvisioner) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, key)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*pubsub.Event
	chans  []string
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, ev *pubsub.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	p.chans = append(p.chans, channel)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type panickingStore struct {
	*registry.Registry
}

func (panickingStore) IncrementViewerCount(string) { panic("boom") }
func (panickingStore) AddStream(string)            { panic("boom") }

type fixture struct {
	bridge  *Bridge
	reg     *registry.Registry
	issuer  *streamkey.Issuer
	prov    *fakeProvisioner
	pub     *recordingPublisher
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		reg:     registry.New(),
		issuer:  streamkey.NewIssuer(streamkey.Config{}),
		prov:    &fakeProvisioner{},
		pub:     &recordingPublisher{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.bridge = New(cfg, f.reg, f.issuer, f.prov, f.pub, f.metrics, zerolog.Nop())
	return f
}

func freshKey() string {
	return fmt.Sprintf("nf_%d_abcdefgh1234", time.Now().Unix())
}

func TestPublishLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	key := freshKey()
	path := "/live/" + key

	res := f.bridge.OnPrePublish(ctx, path, key)
	require.True(t, res.Allow)
	require.True(t, res.OK())
	assert.Equal(t, domain.SessionAuthorizing, f.bridge.State(key))
	assert.Equal(t, 1, f.reg.GetStreamCount())

	res = f.bridge.OnPostPublish(ctx, path)
	assert.True(t, res.Allow)
	assert.Equal(t, domain.SessionLive, f.bridge.State(key))

	res = f.bridge.OnDonePublish(ctx, path)
	assert.True(t, res.Allow)
	assert.Equal(t, domain.SessionUnpublished, f.bridge.State(key))
	assert.Equal(t, 0, f.reg.GetStreamCount())

	f.bridge.Wait()
	assert.Equal(t, []string{key}, f.prov.prepared)
	assert.Equal(t, []string{key}, f.prov.released)
	assert.ElementsMatch(t, []string{domain.EventStreamStarted, domain.EventStreamEnded}, f.pub.types())
	assert.Contains(t, f.pub.chans, pubsub.StreamLifecycleChannel(key))
}

func TestPrePublishShortSuffixDeniedButRegistered(t *testing.T) {
	f := newFixture(t, Config{})
	key := "nf_1710000000_abcdef1"

	res := f.bridge.OnPrePublish(context.Background(), "/live/"+key, key)

	assert.False(t, res.Allow)
	assert.ErrorIs(t, res.Err, domain.ErrInvalidKeyFormat)
	_, present := f.reg.GetStream(key)
	assert.True(t, present, "session registered before validation lingers")
	assert.Equal(t, domain.SessionUnpublished, f.bridge.State(key))

	f.bridge.Wait()
	assert.Equal(t, []string{domain.EventPublishDenied}, f.pub.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HookDecisions.WithLabelValues("pre_publish", "deny")))
}

func TestPrePublishEvictDenied(t *testing.T) {
	f := newFixture(t, Config{EvictDenied: true})
	key := "nf_1710000000_abcdef1"

	res := f.bridge.OnPrePublish(context.Background(), "/live/"+key, key)
	assert.False(t, res.Allow)
	assert.Equal(t, 0, f.reg.GetStreamCount())
}

func TestPrePublishMalformedPath(t *testing.T) {
	f := newFixture(t, Config{})
	key := freshKey()

	for _, path := range []string{"", "/", "/" + key, "/app/" + key, "live/" + key, "/live/"} {
		res := f.bridge.OnPrePublish(context.Background(), path, key)
		assert.False(t, res.Allow, path)
		assert.ErrorIs(t, res.Err, domain.ErrMalformedPublishPath, path)
	}
	assert.Equal(t, 0, f.reg.GetStreamCount(), "malformed paths never register")
}

func TestPrePublishRejectExpired(t *testing.T) {
	f := newFixture(t, Config{RejectExpired: true, MaxAge: 24 * time.Hour})
	old := fmt.Sprintf("nf_%d_abcdefgh", time.Now().Add(-25*time.Hour).Unix())

	res := f.bridge.OnPrePublish(context.Background(), "/live/"+old, old)
	assert.False(t, res.Allow)
	assert.ErrorIs(t, res.Err, domain.ErrExpiredKey)

	f2 := newFixture(t, Config{})
	res = f2.bridge.OnPrePublish(context.Background(), "/live/"+old, old)
	assert.True(t, res.Allow, "expiry is only enforced when enabled")
}

func TestPlayAccounting(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	key := freshKey()
	path := "/live/" + key

	f.bridge.OnPrePublish(ctx, path, key)
	f.bridge.OnPostPublish(ctx, path)

	assert.True(t, f.bridge.OnPrePlay(ctx, path).Allow)
	f.bridge.OnPostPlay(ctx, path)
	f.bridge.OnPostPlay(ctx, path)
	s, _ := f.reg.GetStream(key)
	assert.Equal(t, 2, s.ViewerCount)

	f.bridge.OnDonePlay(ctx, path)
	f.bridge.OnDonePlay(ctx, path)
	f.bridge.OnDonePlay(ctx, path)
	s, _ = f.reg.GetStream(key)
	assert.Equal(t, 0, s.ViewerCount)

	// Play events for unknown streams are accepted and ignored.
	assert.True(t, f.bridge.OnPrePlay(ctx, "/live/nf_1_unknownkey").Allow)
	assert.True(t, f.bridge.OnPostPlay(ctx, "/live/nf_1_unknownkey").Allow)
	assert.Equal(t, 1, f.reg.GetStreamCount())
}

func TestGatePlayback(t *testing.T) {
	f := newFixture(t, Config{GatePlayback: true})
	ctx := context.Background()
	key := freshKey()

	assert.False(t, f.bridge.OnPrePlay(ctx, "/live/"+key).Allow)

	f.bridge.OnPrePublish(ctx, "/live/"+key, key)
	assert.True(t, f.bridge.OnPrePlay(ctx, "/live/"+key).Allow)
}

func TestStats(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	key := freshKey()

	f.bridge.OnPrePublish(ctx, "/live/"+key, key)
	res := f.bridge.OnStats(ctx, "/live/"+key, domain.StreamStats{BitrateKbps: 4500, Resolution: "1920x1080"})
	assert.True(t, res.OK())

	snap := f.reg.Snapshot(key)
	assert.Equal(t, 4500, snap.Bitrate)
	assert.Equal(t, "1920x1080", snap.Resolution)
}

func TestPanicsBecomeResults(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	b := New(Config{}, panickingStore{registry.New()}, streamkey.NewIssuer(streamkey.Config{}), nil, nil, m, zerolog.Nop())
	ctx := context.Background()
	key := freshKey()

	var res engine.Result
	require.NotPanics(t, func() {
		res = b.OnPrePublish(ctx, "/live/"+key, key)
	})
	assert.False(t, res.Allow, "gating callbacks deny on failure")
	assert.Error(t, res.Err)

	require.NotPanics(t, func() {
		res = b.OnPostPlay(ctx, "/live/"+key)
	})
	assert.True(t, res.Allow, "bookkeeping callbacks never disconnect viewers")
	assert.Error(t, res.Err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookFailures.WithLabelValues("pre_publish")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookFailures.WithLabelValues("post_play")))
}

func TestProvisioningFailureDoesNotFailCallback(t *testing.T) {
	f := newFixture(t, Config{})
	f.prov.err = fmt.Errorf("disk full")
	key := freshKey()

	res := f.bridge.OnPostPublish(context.Background(), "/live/"+key)
	f.bridge.Wait()
	assert.True(t, res.Allow)
	assert.NoError(t, res.Err)
}

func TestDispatchThroughEngine(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	key := freshKey()

	res, ok := engine.Dispatch(ctx, f.bridge, engine.EventPrePublish, &engine.CallbackRequest{App: "live", Name: key})
	require.True(t, ok)
	assert.True(t, res.Allow)
	assert.Equal(t, key, res.StreamKey)

	res, ok = engine.Dispatch(ctx, f.bridge, engine.EventStats, &engine.CallbackRequest{Path: "/live/" + key, BitrateKbps: 800})
	require.True(t, ok)
	assert.True(t, res.OK())
	assert.Equal(t, 800, f.reg.Snapshot(key).Bitrate)
}

func TestDonePublishRightAfterPostPublishLeavesNoWatcher(t *testing.T) {
	reg := registry.New()
	prov := provision.New(provision.Config{Enabled: true, OutputDir: t.TempDir(), Watch: true}, reg.Touch, zerolog.Nop())
	defer prov.StopAll()
	b := New(Config{}, reg, streamkey.NewIssuer(streamkey.Config{}), prov, pubsub.NoopPublisher{}, metrics.New(prometheus.NewRegistry()), zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("nf_%d_cycle%04d", time.Now().Unix(), i)
		path := "/live/" + key
		require.True(t, b.OnPrePublish(ctx, path, key).Allow)
		b.OnPostPublish(ctx, path)
		b.OnDonePublish(ctx, path)
	}
	b.Wait()

	assert.Equal(t, 0, prov.Watching())
	assert.Equal(t, 0, reg.GetStreamCount())
}

func TestEveryCallbackSeriesExportedAtStart(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Equal(t, len(engine.Events), testutil.CollectAndCount(f.metrics.HookEvents))
	assert.Equal(t, len(engine.Events), testutil.CollectAndCount(f.metrics.HookFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.HookEvents.WithLabelValues(string(engine.EventStats))))
}
