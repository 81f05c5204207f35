// Package coordinator owns the poll cycle: it asks the Sigfox API for
// the device fleet, folds per-device message fetches into one immutable
// snapshot set, and fans the result out to subscribers. One Coordinator
// serves one account.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sigfox2mqtt/sigfox2mqtt/internal/sigfox"
	"github.com/sigfox2mqtt/sigfox2mqtt/internal/snapshot"
)

const (
	DefaultInterval         = 2 * time.Minute
	DefaultMessageLimit     = 1
	DefaultFetchConcurrency = 4
)

// Client is the slice of the Sigfox API the coordinator depends on.
type Client interface {
	ListDevices(ctx context.Context) ([]sigfox.Device, error)
	DeviceMessages(ctx context.Context, deviceID string, limit int) ([]sigfox.Message, error)
}

// State describes what the poll loop is currently doing.
type State string

const (
	StateIdle           State = "idle"
	StatePolling        State = "polling"
	StateIdleWithError  State = "idle-with-error"
	StateReauthRequired State = "reauth-required"
)

// Update is delivered to subscribers after a poll cycle finishes or the
// account's availability changes. Set is never nil and never partial.
type Update struct {
	// Set is the published snapshot set: fresh after a successful
	// cycle, the retained previous set after a failed one.
	Set *snapshot.Set
	// Healthy mirrors the account-wide availability flag.
	Healthy bool
	// ReauthRequired is set once the API has rejected the credentials;
	// polling stays halted until ResetAuth is called.
	ReauthRequired bool
	// Added and Removed list device IDs that appeared in or dropped out
	// of the listing since the previous cycle. Removed devices are to
	// be marked unavailable by sinks, never silently deleted.
	Added   []string
	Removed []string
}

// Subscriber consumes updates. OnUpdate runs synchronously on the
// polling goroutine and must not block.
type Subscriber interface {
	OnUpdate(Update)
}

// Config wires a Coordinator. Client is required; everything else has
// a usable default.
type Config struct {
	Client      Client
	Clock       Clock
	Subscribers []Subscriber
	Logger      zerolog.Logger
	// Interval is the fixed poll cadence. It doubles as the only retry
	// schedule: a failed cycle waits for the next tick, nothing retries
	// sooner.
	Interval time.Duration
	// MessageLimit is how many recent messages to request per device.
	MessageLimit int
	// FetchConcurrency bounds parallel per-device message fetches
	// within one cycle.
	FetchConcurrency int
}

// Coordinator runs the fixed-interval refresh loop and publishes one
// immutable snapshot set per successful cycle.
type Coordinator struct {
	client     Client
	clock      Clock
	subs       []Subscriber
	log        zerolog.Logger
	interval   time.Duration
	msgLimit   int
	fetchLimit int

	current atomic.Pointer[snapshot.Set]
	healthy atomic.Bool

	mu          sync.Mutex
	state       State
	reauth      bool
	lastSuccess time.Time
	lastErr     error
}

// New builds a Coordinator around cfg. The published set starts empty
// with a zero timestamp until the first successful cycle replaces it.
func New(cfg Config) *Coordinator {
	clock := cfg.Clock
	if clock == nil {
		clock = NewClock()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	msgLimit := cfg.MessageLimit
	if msgLimit <= 0 {
		msgLimit = DefaultMessageLimit
	}
	fetchLimit := cfg.FetchConcurrency
	if fetchLimit <= 0 {
		fetchLimit = DefaultFetchConcurrency
	}

	c := &Coordinator{
		client:     cfg.Client,
		clock:      clock,
		subs:       cfg.Subscribers,
		log:        cfg.Logger,
		interval:   interval,
		msgLimit:   msgLimit,
		fetchLimit: fetchLimit,
		state:      StateIdle,
	}
	c.current.Store(snapshot.NewSet(time.Time{}, nil))
	return c
}

// Run polls once immediately, then on every tick until ctx is
// cancelled. Ticks that fire while a poll is still in flight are
// dropped, so cycles never overlap or queue up.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info().
		Dur("interval", c.interval).
		Int("fetch_concurrency", c.fetchLimit).
		Msg("poll loop started")

	c.poll(ctx)
	c.drainTicks(ticker)

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("poll loop stopped")
			return
		case <-ticker.Chan():
			c.poll(ctx)
			c.drainTicks(ticker)
		}
	}
}

// drainTicks discards ticks that accumulated while a poll was running.
func (c *Coordinator) drainTicks(ticker Ticker) {
	for {
		select {
		case <-ticker.Chan():
			ticksSkipped.WithLabelValues("overlap").Inc()
		default:
			return
		}
	}
}

// Snapshot returns the currently published set. Never nil.
func (c *Coordinator) Snapshot() *snapshot.Set {
	return c.current.Load()
}

// Healthy reports the account-wide availability flag: whether the most
// recent cycle's device listing succeeded.
func (c *Coordinator) Healthy() bool {
	return c.healthy.Load()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSuccess reports when the last successful cycle completed. Zero
// until the first success.
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// LastError reports the failure recorded by the most recent cycle, or
// nil after a success.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ResetAuth lifts the reauthentication halt so the next tick polls
// again. Call it after the account's credentials have been fixed
// externally; a no-op when the coordinator is not halted.
func (c *Coordinator) ResetAuth() {
	c.mu.Lock()
	if !c.reauth {
		c.mu.Unlock()
		return
	}
	c.reauth = false
	c.state = StateIdle
	c.mu.Unlock()
	c.log.Info().Msg("reauthentication acknowledged, polling resumes on next tick")
}

func (c *Coordinator) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	if c.reauth {
		c.mu.Unlock()
		ticksSkipped.WithLabelValues("reauth_required").Inc()
		return
	}
	c.state = StatePolling
	c.mu.Unlock()

	start := c.clock.Now()
	cyclesTotal.Inc()

	devices, err := c.client.ListDevices(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Teardown cancelled the request mid-flight; nothing is
			// recorded or published past this point.
			return
		}
		c.finishFailed(err)
		return
	}

	prev := c.current.Load()
	snaps := c.fetchAll(ctx, devices, prev)
	if ctx.Err() != nil {
		return
	}

	set := snapshot.NewSet(c.clock.Now(), snaps)
	added, removed := diffIDs(prev, set)

	c.current.Store(set)
	c.healthy.Store(true)
	c.mu.Lock()
	c.state = StateIdle
	c.lastSuccess = c.clock.Now()
	c.lastErr = nil
	c.mu.Unlock()

	cycleDuration.Set(c.clock.Now().Sub(start).Seconds())

	c.log.Info().
		Int("devices", set.Len()).
		Int("added", len(added)).
		Int("removed", len(removed)).
		Msg("poll cycle completed")
	if len(removed) > 0 {
		c.log.Info().Strs("device_ids", removed).Msg("devices left the listing, marking them unavailable")
	}

	c.notify(Update{Set: set, Healthy: true, Added: added, Removed: removed})
}

// finishFailed records a cycle-level listing failure. The previously
// published set stays in place untouched.
func (c *Coordinator) finishFailed(err error) {
	kind := failureKind(err)
	cycleFailures.WithLabelValues(kind).Inc()
	c.healthy.Store(false)

	if sigfox.IsAuth(err) {
		c.mu.Lock()
		c.state = StateReauthRequired
		c.reauth = true
		c.lastErr = err
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("credentials rejected, polling halted until reauthentication")
		c.notify(Update{Set: c.current.Load(), Healthy: false, ReauthRequired: true})
		return
	}

	c.mu.Lock()
	c.state = StateIdleWithError
	c.lastErr = err
	c.mu.Unlock()
	c.log.Warn().Err(err).Str("kind", kind).Msg("device listing failed, keeping previous snapshot until next tick")
	c.notify(Update{Set: c.current.Load(), Healthy: false})
}

// fetchAll resolves the latest message for every listed device, at most
// fetchLimit fetches in flight at a time. A failed fetch degrades only
// that device: its snapshot keeps the listing fields and carries the
// previous cycle's message over.
func (c *Coordinator) fetchAll(ctx context.Context, devices []sigfox.Device, prev *snapshot.Set) []snapshot.Device {
	snaps := make([]snapshot.Device, len(devices))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fetchLimit)
	for i, dev := range devices {
		i, dev := i, dev
		g.Go(func() error {
			msgs, err := c.client.DeviceMessages(ctx, dev.ID, c.msgLimit)
			if err != nil {
				deviceFetchFailures.Inc()
				if ctx.Err() == nil {
					c.log.Warn().Err(err).Str("device_id", dev.ID).Msg("message fetch failed, snapshot degraded for this device")
				}
				snaps[i] = degradedSnapshot(dev, prev)
				return nil
			}
			snaps[i] = snapshot.Build(dev, msgs)
			return nil
		})
	}
	// Goroutines never return errors; Wait is just the join point
	// before the set is published.
	_ = g.Wait()
	return snaps
}

func degradedSnapshot(dev sigfox.Device, prev *snapshot.Set) snapshot.Device {
	snap := snapshot.Build(dev, nil)
	if prev != nil {
		if old, ok := prev.Get(dev.ID); ok {
			snap.LastMessage = old.LastMessage
		}
	}
	snap.Degraded = true
	return snap
}

func (c *Coordinator) notify(update Update) {
	for _, sub := range c.subs {
		sub.OnUpdate(update)
	}
}

func diffIDs(prev, next *snapshot.Set) (added, removed []string) {
	for _, id := range next.IDs() {
		if _, ok := prev.Get(id); !ok {
			added = append(added, id)
		}
	}
	for _, id := range prev.IDs() {
		if _, ok := next.Get(id); !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}

func failureKind(err error) string {
	switch {
	case sigfox.IsAuth(err):
		return "auth"
	case sigfox.IsRateLimited(err):
		return "ratelimit"
	case sigfox.IsProtocol(err):
		return "protocol"
	default:
		return "transient"
	}
}
