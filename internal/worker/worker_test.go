package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwmon/fwmon/internal/buffer"
	"github.com/fwmon/fwmon/internal/config"
	"github.com/fwmon/fwmon/internal/errors"
	"github.com/fwmon/fwmon/internal/logger"
	"github.com/fwmon/fwmon/internal/panos"
	"github.com/fwmon/fwmon/internal/store"
)

type fakeClient struct {
	mu           sync.Mutex
	authErr      error
	authCalls    int
	invalidates  int
	session      panos.SessionReading
	sessionErr   error
	resources    panos.MgmtCPU
	resourcesErr error
	rm           panos.ResourceReadings
	rmErr        error
	identity     panos.Identity
	identityErr  error
}

func (f *fakeClient) Authenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return f.authErr
}

func (f *fakeClient) InvalidateKey() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidates++
}

func (f *fakeClient) SessionInfo(ctx context.Context) (panos.SessionReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.sessionErr
}

func (f *fakeClient) SystemResources(ctx context.Context) (panos.MgmtCPU, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources, f.resourcesErr
}

func (f *fakeClient) ResourceMonitor(ctx context.Context) (panos.ResourceReadings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rm, f.rmErr
}

func (f *fakeClient) SystemInfo(ctx context.Context) (panos.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity, f.identityErr
}

func (f *fakeClient) set(fn func(*fakeClient)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type captureStore struct {
	mu         sync.Mutex
	records    []store.Record
	identities []store.TargetIdentity
	failWrites int
}

func (c *captureStore) Write(ctx context.Context, rec store.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites > 0 {
		c.failWrites--
		return errors.New(errors.ErrStore, "injected write failure", "")
	}
	c.records = append(c.records, rec)
	return nil
}

func (c *captureStore) WriteIdentity(ctx context.Context, id store.TargetIdentity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identities = append(c.identities, id)
	return nil
}

func (c *captureStore) recordCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *captureStore) allRecords() []store.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]store.Record(nil), c.records...)
}

func (c *captureStore) identityCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.identities)
}

func healthyClient() *fakeClient {
	return &fakeClient{
		session:   panos.SessionReading{ThroughputMbps: 845.12, ThroughputOK: true, PacketsPerSec: 125000, PPSOK: true},
		resources: panos.MgmtCPU{User: 10, System: 5, Idle: 85},
		rm:        panos.ResourceReadings{CoreLoads: []float64{10, 20, 30, 40}, CoreLoadsOK: true, PacketBufferPct: 6, PacketBufferOK: true},
		identity:  panos.Identity{Hostname: "edge-fw1", Model: "PA-850", Serial: "0123", SWVersion: "10.2.3"},
	}
}

func testWorker(client Sampler, rec Recorder) *Worker {
	return New(Options{
		Name:   "edge-fw1",
		Host:   "10.0.0.1",
		Client: client,
		Store:  rec,
		Log:    logger.Noop(),
		Sampling: config.SamplingConfig{
			FastInterval:     5 * time.Millisecond,
			FastTimeout:      50 * time.Millisecond,
			SlowTimeout:      50 * time.Millisecond,
			AuthFailureLimit: 3,
			BufferMaxSamples: 1000,
			BufferMaxAge:     time.Minute,
		},
		PollInterval: 25 * time.Millisecond,
	})
}

func TestCollectProducesAggregatedRecord(t *testing.T) {
	client := healthyClient()
	capture := &captureStore{}
	w := testWorker(client, capture)

	base := time.Now().Add(-time.Second)
	for i, v := range []float64{800, 820, 790, 900} {
		w.buf.Append(buffer.RawSample{Stream: buffer.StreamThroughput, Timestamp: base.Add(time.Duration(i) * time.Millisecond), Value: v, Success: true})
		w.buf.Append(buffer.RawSample{Stream: buffer.StreamPPS, Timestamp: base.Add(time.Duration(i) * time.Millisecond), Value: 100000 + v, Success: true})
	}

	w.collect(context.Background())

	recs := capture.allRecords()
	require.Len(t, recs, 1)
	rec := recs[0]

	assert.Equal(t, "edge-fw1", rec.Target)
	require.NotNil(t, rec.ThroughputMbps)
	assert.InDelta(t, 827.5, *rec.ThroughputMbps, 1e-9)
	require.NotNil(t, rec.ThroughputMax)
	assert.Equal(t, 900.0, *rec.ThroughputMax)
	require.NotNil(t, rec.ThroughputMin)
	assert.Equal(t, 790.0, *rec.ThroughputMin)
	require.NotNil(t, rec.ThroughputP95)
	assert.Equal(t, 900.0, *rec.ThroughputP95)

	require.NotNil(t, rec.MgmtCPU)
	assert.InDelta(t, 15.0, *rec.MgmtCPU, 1e-9)
	require.NotNil(t, rec.DataPlaneCPUMean)
	assert.InDelta(t, 25.0, *rec.DataPlaneCPUMean, 1e-9)
	require.NotNil(t, rec.DataPlaneCPUMax)
	assert.Equal(t, 40.0, *rec.DataPlaneCPUMax)
	require.NotNil(t, rec.PacketBufferPct)
	assert.InDelta(t, 6.0, *rec.PacketBufferPct, 1e-9)

	// Four ticks, each carrying both streams.
	assert.Equal(t, 4, rec.SampleCount)
	assert.InDelta(t, 1.0, rec.SuccessRate, 1e-9)
}

func TestCollectCountsTicksNotStreamSamples(t *testing.T) {
	client := healthyClient()
	capture := &captureStore{}
	w := testWorker(client, capture)

	// 30 fast ticks against a 1s cadence, two of them timing out.
	for i := 0; i < 30; i++ {
		if i == 7 || i == 19 {
			client.set(func(f *fakeClient) { f.sessionErr = errors.New(errors.ErrTimeout, "slow box", "") })
		} else {
			client.set(func(f *fakeClient) { f.sessionErr = nil })
		}
		w.sampleOnce(context.Background())
	}

	w.collect(context.Background())

	recs := capture.allRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, 30, recs[0].SampleCount)
	assert.InDelta(t, 28.0/30.0, recs[0].SuccessRate, 1e-9)
}

func TestCollectEmptyWindowWritesNulls(t *testing.T) {
	client := healthyClient()
	capture := &captureStore{}
	w := testWorker(client, capture)

	w.collect(context.Background())

	recs := capture.allRecords()
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].ThroughputMbps)
	assert.Nil(t, recs[0].PPS)
	assert.Equal(t, 0, recs[0].SampleCount)
	assert.Equal(t, 0.0, recs[0].SuccessRate)
	// Structural readings still land even with an empty session window.
	require.NotNil(t, recs[0].MgmtCPU)
}

func TestCollectFailedWriteRetainsWindow(t *testing.T) {
	client := healthyClient()
	capture := &captureStore{failWrites: 1}
	w := testWorker(client, capture)

	base := time.Now().Add(-time.Second)
	for i := 0; i < 4; i++ {
		w.buf.Append(buffer.RawSample{Stream: buffer.StreamThroughput, Timestamp: base.Add(time.Duration(i) * time.Millisecond), Value: 800, Success: true})
	}

	w.collect(context.Background())
	require.Equal(t, 0, capture.recordCount())

	// The boundary did not advance, so the retry window still covers the
	// original samples.
	w.collect(context.Background())
	recs := capture.allRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, 4, recs[0].SampleCount)
}

func TestSampleOnceAppendsFailureSamples(t *testing.T) {
	client := healthyClient()
	client.set(func(f *fakeClient) { f.sessionErr = errors.New(errors.ErrTimeout, "slow box", "") })
	w := testWorker(client, &captureStore{})

	w.sampleOnce(context.Background())

	assert.Equal(t, 1, w.buf.StreamLen(buffer.StreamThroughput))
	assert.Equal(t, 1, w.buf.StreamLen(buffer.StreamPPS))

	// Timeouts do not count toward the auth failure streak.
	assert.Equal(t, 0, w.Status().FailureStreak)
	assert.False(t, w.Status().Unreachable)
}

func TestTransportFailuresDoNotCountTowardStreak(t *testing.T) {
	client := healthyClient()
	client.set(func(f *fakeClient) {
		f.sessionErr = errors.New(errors.ErrUnreachable, "connection refused", "")
	})
	w := testWorker(client, &captureStore{})

	// A network blip longer than the failure limit must not stop the
	// worker; only credential rejections may.
	for i := 0; i < 5; i++ {
		w.sampleOnce(context.Background())
	}

	assert.Equal(t, 0, w.Status().FailureStreak)
	assert.False(t, w.Status().Unreachable)
	assert.Equal(t, 5, w.buf.StreamLen(buffer.StreamThroughput))
}

func TestAuthFailureStreakMarksUnreachable(t *testing.T) {
	client := healthyClient()
	client.set(func(f *fakeClient) { f.sessionErr = errors.New(errors.ErrAuth, "key rejected", "") })
	w := testWorker(client, &captureStore{})

	for i := 0; i < 3; i++ {
		w.sampleOnce(context.Background())
	}

	assert.True(t, w.Status().Unreachable)
}

func TestRefreshIdentityUpsertsOnChangeOnly(t *testing.T) {
	client := healthyClient()
	capture := &captureStore{}
	w := testWorker(client, capture)
	ctx := context.Background()

	w.refreshIdentity(ctx)
	w.refreshIdentity(ctx)
	assert.Equal(t, 1, capture.identityCount())

	// RMA swap: same name, new serial.
	client.set(func(f *fakeClient) { f.identity.Serial = "9999" })
	w.refreshIdentity(ctx)
	assert.Equal(t, 2, capture.identityCount())
}

func TestWorkerLifecycle(t *testing.T) {
	client := healthyClient()
	capture := &captureStore{}
	w := testWorker(client, capture)

	require.NoError(t, w.Start(context.Background()))
	require.Error(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return capture.recordCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	w.Stop()
	assert.Equal(t, StateStopped, w.State())

	// Timestamps strictly increase across records.
	recs := capture.allRecords()
	for i := 1; i < len(recs); i++ {
		assert.True(t, recs[i].Timestamp.After(recs[i-1].Timestamp))
	}

	// Stop is idempotent.
	w.Stop()

	// No records after stop.
	n := capture.recordCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, capture.recordCount())
}

func TestStopReleasesAPIKey(t *testing.T) {
	client := healthyClient()
	capture := &captureStore{}
	w := testWorker(client, capture)

	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return capture.recordCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	client.mu.Lock()
	invalidates := client.invalidates
	client.mu.Unlock()
	assert.Equal(t, 1, invalidates)
}

func TestWorkerUnreachableAtStartup(t *testing.T) {
	client := healthyClient()
	client.set(func(f *fakeClient) { f.authErr = errors.New(errors.ErrAuth, "invalid credentials", "") })
	capture := &captureStore{}
	w := testWorker(client, capture)

	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return w.State() == StateStopped }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, w.Status().Unreachable)
	assert.Equal(t, 0, capture.recordCount())

	client.mu.Lock()
	calls := client.authCalls
	client.mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestWorkerAuthExpiryMidRun(t *testing.T) {
	client := healthyClient()
	capture := &captureStore{}
	w := testWorker(client, capture)

	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return capture.recordCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

	// Key revoked on the appliance and re-auth keeps failing.
	client.set(func(f *fakeClient) { f.sessionErr = errors.New(errors.ErrAuth, "key revoked", "") })

	require.Eventually(t, func() bool { return w.State() == StateStopped }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, w.Status().Unreachable)

	n := capture.recordCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, capture.recordCount())
}
