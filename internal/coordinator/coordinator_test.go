package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigfox2mqtt/sigfox2mqtt/internal/sigfox"
)

func ptr[T any](v T) *T {
	return &v
}

func listedDevice(id, name string) sigfox.Device {
	return sigfox.Device{
		ID:         id,
		Name:       name,
		DeviceType: sigfox.DeviceTypeRef{ID: "dt1"},
		State:      ptr(0),
		ComState:   ptr(1),
		LQI:        ptr(2),
		LastCom:    ptr(int64(1715700000000)),
	}
}

func message(seq int64) sigfox.Message {
	return sigfox.Message{Data: "1a2b3c", SeqNumber: ptr(seq), Time: ptr(int64(1715700000000))}
}

type fakeClient struct {
	mu    sync.Mutex
	list  func(ctx context.Context) ([]sigfox.Device, error)
	msgs  func(ctx context.Context, deviceID string, limit int) ([]sigfox.Message, error)
	listN int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		list: func(context.Context) ([]sigfox.Device, error) { return nil, nil },
		msgs: func(context.Context, string, int) ([]sigfox.Message, error) { return nil, nil },
	}
}

func (f *fakeClient) ListDevices(ctx context.Context) ([]sigfox.Device, error) {
	f.mu.Lock()
	f.listN++
	fn := f.list
	f.mu.Unlock()
	return fn(ctx)
}

func (f *fakeClient) DeviceMessages(ctx context.Context, deviceID string, limit int) ([]sigfox.Message, error) {
	f.mu.Lock()
	fn := f.msgs
	f.mu.Unlock()
	return fn(ctx, deviceID, limit)
}

func (f *fakeClient) setList(fn func(ctx context.Context) ([]sigfox.Device, error)) {
	f.mu.Lock()
	f.list = fn
	f.mu.Unlock()
}

func (f *fakeClient) setMsgs(fn func(ctx context.Context, deviceID string, limit int) ([]sigfox.Message, error)) {
	f.mu.Lock()
	f.msgs = fn
	f.mu.Unlock()
}

func (f *fakeClient) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listN
}

// fakeTicker buffers one pending tick, exactly like time.Ticker.
type fakeTicker struct {
	c chan time.Time
}

func (f *fakeTicker) Chan() <-chan time.Time { return f.c }
func (f *fakeTicker) Stop()                  {}

type fakeClock struct {
	mu       sync.Mutex
	now      time.Time
	interval time.Duration
	ticker   *fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:    time.Date(2026, 5, 14, 12, 0, 0, 0, time.UTC),
		ticker: &fakeTicker{c: make(chan time.Time, 1)},
	}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	f.interval = d
	f.mu.Unlock()
	return f.ticker
}

func (f *fakeClock) tick() {
	f.ticker.c <- time.Now()
}

func (f *fakeClock) tickerInterval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interval
}

type recordingSink struct {
	updates chan Update
}

func newSink() *recordingSink {
	return &recordingSink{updates: make(chan Update, 16)}
}

func (r *recordingSink) OnUpdate(u Update) {
	r.updates <- u
}

func (r *recordingSink) next(t *testing.T) Update {
	t.Helper()
	select {
	case u := <-r.updates:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a coordinator update")
		return Update{}
	}
}

func (r *recordingSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case u := <-r.updates:
		t.Fatalf("unexpected update: %+v", u)
	default:
	}
}

func startCoordinator(t *testing.T, client Client, clock *fakeClock, subs ...Subscriber) *Coordinator {
	t.Helper()
	c := New(Config{
		Client:      client,
		Clock:       clock,
		Subscribers: subs,
		Logger:      zerolog.Nop(),
		Interval:    time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{Client: newFakeClient()})

	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Healthy())
	assert.Zero(t, c.LastSuccess())
	assert.NoError(t, c.LastError())

	set := c.Snapshot()
	require.NotNil(t, set)
	assert.Zero(t, set.Taken())
	assert.Equal(t, 0, set.Len())

	assert.Equal(t, DefaultInterval, c.interval)
	assert.Equal(t, DefaultMessageLimit, c.msgLimit)
	assert.Equal(t, DefaultFetchConcurrency, c.fetchLimit)
}

func TestFirstCyclePublishesSnapshot(t *testing.T) {
	client := newFakeClient()
	client.setList(func(context.Context) ([]sigfox.Device, error) {
		return []sigfox.Device{listedDevice("B", "Sensor B"), listedDevice("A", "Sensor A")}, nil
	})
	client.setMsgs(func(_ context.Context, deviceID string, _ int) ([]sigfox.Message, error) {
		if deviceID == "A" {
			return []sigfox.Message{message(41)}, nil
		}
		return []sigfox.Message{message(42)}, nil
	})

	clock := newFakeClock()
	sink := newSink()
	coord := startCoordinator(t, client, clock, sink)

	update := sink.next(t)
	require.True(t, update.Healthy)
	assert.False(t, update.ReauthRequired)
	assert.Equal(t, []string{"A", "B"}, update.Set.IDs())
	assert.Equal(t, []string{"A", "B"}, update.Added)
	assert.Empty(t, update.Removed)
	assert.Equal(t, clock.Now(), update.Set.Taken())

	devA, ok := update.Set.Get("A")
	require.True(t, ok)
	assert.Equal(t, "Sensor A", devA.Name)
	assert.Equal(t, "OK", devA.State)
	require.NotNil(t, devA.LastMessage)
	assert.Equal(t, int64(41), *devA.LastMessage.SeqNumber)

	assert.Same(t, update.Set, coord.Snapshot())
	assert.True(t, coord.Healthy())
	assert.Equal(t, StateIdle, coord.State())
	assert.Equal(t, clock.Now(), coord.LastSuccess())
	assert.Equal(t, time.Minute, clock.tickerInterval())
}

// Covers the listing-failure scenario end to end: a transient failure
// keeps the previous set byte for byte, and the following success
// reports the device that disappeared in between.
func TestTransientListingFailureKeepsPreviousSet(t *testing.T) {
	client := newFakeClient()
	client.setList(func(context.Context) ([]sigfox.Device, error) {
		return []sigfox.Device{listedDevice("A", "Sensor A"), listedDevice("B", "Sensor B")}, nil
	})
	client.setMsgs(func(context.Context, string, int) ([]sigfox.Message, error) {
		return []sigfox.Message{message(1)}, nil
	})

	clock := newFakeClock()
	sink := newSink()
	coord := startCoordinator(t, client, clock, sink)

	first := sink.next(t)
	require.True(t, first.Healthy)
	require.Equal(t, []string{"A", "B"}, first.Set.IDs())

	client.setList(func(context.Context) ([]sigfox.Device, error) {
		return nil, &sigfox.APIError{Kind: sigfox.KindTransient, Err: errors.New("connection reset")}
	})
	clock.tick()

	second := sink.next(t)
	assert.False(t, second.Healthy)
	assert.False(t, second.ReauthRequired)
	assert.Same(t, first.Set, second.Set)
	assert.Same(t, first.Set, coord.Snapshot())
	assert.False(t, coord.Healthy())
	assert.Equal(t, StateIdleWithError, coord.State())
	assert.Error(t, coord.LastError())

	client.setList(func(context.Context) ([]sigfox.Device, error) {
		return []sigfox.Device{listedDevice("A", "Sensor A")}, nil
	})
	clock.tick()

	third := sink.next(t)
	assert.True(t, third.Healthy)
	assert.Equal(t, []string{"A"}, third.Set.IDs())
	assert.Empty(t, third.Added)
	assert.Equal(t, []string{"B"}, third.Removed)
	assert.True(t, coord.Healthy())
	assert.Equal(t, StateIdle, coord.State())
	assert.NoError(t, coord.LastError())
}

func TestAuthFailureHaltsPollingUntilReset(t *testing.T) {
	client := newFakeClient()
	client.setList(func(context.Context) ([]sigfox.Device, error) {
		return nil, &sigfox.APIError{Kind: sigfox.KindAuth, Status: 401}
	})

	clock := newFakeClock()
	sink := newSink()
	coord := startCoordinator(t, client, clock, sink)

	update := sink.next(t)
	assert.False(t, update.Healthy)
	assert.True(t, update.ReauthRequired)
	assert.Equal(t, 0, update.Set.Len())
	assert.Equal(t, StateReauthRequired, coord.State())
	require.Equal(t, 1, client.listCalls())

	// Ticks while halted are skipped without touching the API.
	before := testutil.ToFloat64(ticksSkipped.WithLabelValues("reauth_required"))
	clock.tick()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(ticksSkipped.WithLabelValues("reauth_required")) >= before+1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, client.listCalls())
	sink.expectNone(t)

	// Once credentials are refreshed externally, polling resumes.
	client.setList(func(context.Context) ([]sigfox.Device, error) {
		return []sigfox.Device{listedDevice("A", "Sensor A")}, nil
	})
	coord.ResetAuth()
	assert.Equal(t, StateIdle, coord.State())

	clock.tick()
	resumed := sink.next(t)
	assert.True(t, resumed.Healthy)
	assert.Equal(t, []string{"A"}, resumed.Set.IDs())
	assert.Equal(t, 2, client.listCalls())
}

func TestDeviceFetchFailureDegradesOnlyThatDevice(t *testing.T) {
	client := newFakeClient()
	client.setList(func(context.Context) ([]sigfox.Device, error) {
		return []sigfox.Device{listedDevice("A", "Sensor A"), listedDevice("B", "Sensor B")}, nil
	})
	client.setMsgs(func(_ context.Context, deviceID string, _ int) ([]sigfox.Message, error) {
		if deviceID == "B" {
			return []sigfox.Message{message(20)}, nil
		}
		return []sigfox.Message{message(10)}, nil
	})

	clock := newFakeClock()
	sink := newSink()
	startCoordinator(t, client, clock, sink)

	first := sink.next(t)
	require.True(t, first.Healthy)

	// Next cycle: B's fetch fails, a new device C appears and also
	// fails. A must be completely unaffected.
	client.setList(func(context.Context) ([]sigfox.Device, error) {
		return []sigfox.Device{
			listedDevice("A", "Sensor A"),
			listedDevice("B", "Sensor B"),
			listedDevice("C", "Sensor C"),
		}, nil
	})
	client.setMsgs(func(_ context.Context, deviceID string, _ int) ([]sigfox.Message, error) {
		if deviceID == "A" {
			return []sigfox.Message{message(11)}, nil
		}
		return nil, &sigfox.APIError{Kind: sigfox.KindTransient, Err: errors.New("timeout")}
	})
	clock.tick()

	second := sink.next(t)
	require.True(t, second.Healthy, "a per-device failure must not fail the cycle")
	assert.Equal(t, []string{"A", "B", "C"}, second.Set.IDs())
	assert.Equal(t, []string{"C"}, second.Added)

	devA, _ := second.Set.Get("A")
	assert.False(t, devA.Degraded)
	require.NotNil(t, devA.LastMessage)
	assert.Equal(t, int64(11), *devA.LastMessage.SeqNumber)

	devB, _ := second.Set.Get("B")
	assert.True(t, devB.Degraded)
	require.NotNil(t, devB.LastMessage, "previous message carries over")
	assert.Equal(t, int64(20), *devB.LastMessage.SeqNumber)
	assert.Equal(t, "OK", devB.State, "listing fields stay fresh")

	devC, _ := second.Set.Get("C")
	assert.True(t, devC.Degraded)
	assert.Nil(t, devC.LastMessage, "no previous value to fall back to")
}

func TestTickDuringPollIsDropped(t *testing.T) {
	started := make(chan struct{}, 4)
	gate := make(chan struct{})

	client := newFakeClient()
	client.setList(func(context.Context) ([]sigfox.Device, error) {
		started <- struct{}{}
		<-gate
		return []sigfox.Device{listedDevice("A", "Sensor A")}, nil
	})

	clock := newFakeClock()
	sink := newSink()
	startCoordinator(t, client, clock, sink)

	<-started // initial poll is in flight
	before := testutil.ToFloat64(ticksSkipped.WithLabelValues("overlap"))
	clock.tick() // fires mid-poll, must be dropped
	gate <- struct{}{}

	first := sink.next(t)
	require.True(t, first.Healthy)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(ticksSkipped.WithLabelValues("overlap")) >= before+1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, client.listCalls(), "the dropped tick must not start a poll")
	sink.expectNone(t)

	// A tick arriving after the poll finished runs normally.
	clock.tick()
	<-started
	gate <- struct{}{}
	second := sink.next(t)
	require.True(t, second.Healthy)
	assert.Equal(t, 2, client.listCalls())
}

func TestTeardownPublishesNothing(t *testing.T) {
	started := make(chan struct{}, 1)
	gate := make(chan struct{})

	client := newFakeClient()
	client.setList(func(context.Context) ([]sigfox.Device, error) {
		started <- struct{}{}
		<-gate
		return []sigfox.Device{listedDevice("A", "Sensor A")}, nil
	})

	clock := newFakeClock()
	sink := newSink()
	coord := New(Config{
		Client:      client,
		Clock:       clock,
		Subscribers: []Subscriber{sink},
		Logger:      zerolog.Nop(),
		Interval:    time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()

	<-started
	cancel() // teardown begins while the listing call is in flight
	gate <- struct{}{}
	<-done

	sink.expectNone(t)
	assert.Equal(t, 0, coord.Snapshot().Len())
	assert.Zero(t, coord.Snapshot().Taken())
	assert.False(t, coord.Healthy())
}

func TestMessageFetchesRespectConcurrencyBound(t *testing.T) {
	const limit = 2

	devices := []sigfox.Device{
		listedDevice("A", "a"), listedDevice("B", "b"), listedDevice("C", "c"),
		listedDevice("D", "d"), listedDevice("E", "e"), listedDevice("F", "f"),
	}

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)

	client := newFakeClient()
	client.setList(func(context.Context) ([]sigfox.Device, error) {
		return devices, nil
	})
	client.setMsgs(func(context.Context, string, int) ([]sigfox.Message, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return []sigfox.Message{message(1)}, nil
	})

	clock := newFakeClock()
	sink := newSink()
	c := New(Config{
		Client:           client,
		Clock:            clock,
		Subscribers:      []Subscriber{sink},
		Logger:           zerolog.Nop(),
		Interval:         time.Minute,
		FetchConcurrency: limit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	update := sink.next(t)
	require.Equal(t, len(devices), update.Set.Len())

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, limit)
	assert.Greater(t, peak, 0)
}

func TestMessageLimitIsForwarded(t *testing.T) {
	var (
		mu        sync.Mutex
		gotLimits []int
	)

	client := newFakeClient()
	client.setList(func(context.Context) ([]sigfox.Device, error) {
		return []sigfox.Device{listedDevice("A", "Sensor A")}, nil
	})
	client.setMsgs(func(_ context.Context, _ string, limit int) ([]sigfox.Message, error) {
		mu.Lock()
		gotLimits = append(gotLimits, limit)
		mu.Unlock()
		return nil, nil
	})

	clock := newFakeClock()
	sink := newSink()
	c := New(Config{
		Client:       client,
		Clock:        clock,
		Subscribers:  []Subscriber{sink},
		Logger:       zerolog.Nop(),
		Interval:     time.Minute,
		MessageLimit: 5,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	sink.next(t)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, gotLimits, 1)
	assert.Equal(t, 5, gotLimits[0])
}

func TestResetAuthWithoutHaltIsNoOp(t *testing.T) {
	c := New(Config{Client: newFakeClient()})
	c.ResetAuth()
	assert.Equal(t, StateIdle, c.State())
}
