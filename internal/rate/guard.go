package rate

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// defaultCooldown applies when the API rate-limits us without saying
// for how long.
const defaultCooldown = 60 * time.Second

// LimitError is returned when an outbound call is blocked by an active
// cooldown, without the request ever leaving the process.
type LimitError struct {
	Provider string
	RetryAt  time.Time
}

func (e LimitError) Error() string {
	return fmt.Sprintf("%s rate limited (retry at %s)", e.Provider, e.RetryAt.UTC().Format(time.RFC3339))
}

// Guard tracks the cooldown imposed by the most recent 429 response.
// While the cooldown is active every outbound call fails fast instead
// of burning more of the remote quota.
type Guard struct {
	provider string

	mu         sync.Mutex
	cooldownTo time.Time
	lastStatus int
}

// WrapHTTP wraps an http.Client so every request passes through a
// rate-limit guard for the named provider. The base client is not
// modified.
func WrapHTTP(provider string, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{
		base:  transport,
		guard: &Guard{provider: provider},
	}
	return &client
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if retryAt, blocked := rt.guard.blocked(time.Now()); blocked {
		blockedCounter.WithLabelValues(rt.guard.provider).Inc()
		return nil, LimitError{Provider: rt.guard.provider, RetryAt: retryAt}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	rt.guard.record(time.Now(), resp.StatusCode, resp.Header)
	return resp, nil
}

func (g *Guard) blocked(now time.Time) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.cooldownTo.IsZero() && now.Before(g.cooldownTo) {
		return g.cooldownTo, true
	}
	return time.Time{}, false
}

func (g *Guard) record(now time.Time, status int, headers http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastStatus = status
	lastStatusGauge.WithLabelValues(g.provider).Set(float64(status))

	if status != http.StatusTooManyRequests {
		return
	}

	cooldown := defaultCooldown
	if secs := headerInt(headers, "Retry-After"); secs > 0 {
		cooldown = time.Duration(secs) * time.Second
	}
	g.cooldownTo = now.Add(cooldown)
	retryAfterGauge.WithLabelValues(g.provider).Set(cooldown.Seconds())
}

func headerInt(h http.Header, key string) int {
	val := h.Get(key)
	if val == "" {
		return -1
	}
	var out int
	if _, err := fmt.Sscanf(val, "%d", &out); err != nil {
		return -1
	}
	return out
}
