// Package rate throttles outbound vendor API calls on the client side. The
// SmartDevice API rate limits whole accounts, so one misconfigured poll loop
// can lock the account out for every consumer; the guard refuses to send
// what the vendor would reject anyway.
package rate

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config declares the outbound budget.
type Config struct {
	// RequestsPerMinute caps sustained call volume. Zero disables the
	// bucket; Retry-After cooldowns are still honored.
	RequestsPerMinute int
}

// Guard tracks a token bucket and the cooldown imposed by the last 429.
type Guard struct {
	mu       sync.Mutex
	capacity int
	tokens   float64
	last     time.Time
	cooldown time.Time
}

func NewGuard(cfg Config) *Guard {
	return &Guard{
		capacity: cfg.RequestsPerMinute,
		tokens:   float64(cfg.RequestsPerMinute),
		last:     time.Now(),
	}
}

// WrapHTTP returns a client whose transport consults the guard before each
// request. Blocked requests short-circuit with a synthetic 429 carrying a
// Retry-After header, so callers see the same shape a vendor 429 has.
func WrapHTTP(cfg Config, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{Timeout: 15 * time.Second}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{base: transport, guard: NewGuard(cfg)}
	return &client
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if retryAt, ok := rt.guard.allow(time.Now()); !ok {
		blockedTotal.Inc()
		return syntheticTooManyRequests(req, retryAt), nil
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	rt.guard.observe(resp.StatusCode, resp.Header, time.Now())
	return resp, nil
}

// allow consumes a token unless the bucket is dry or a vendor cooldown is in
// force. The returned time says when to try again.
func (g *Guard) allow(now time.Time) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Before(g.cooldown) {
		return g.cooldown, false
	}
	if g.capacity <= 0 {
		return time.Time{}, true
	}

	elapsed := now.Sub(g.last).Seconds()
	refill := float64(g.capacity) / 60.0
	g.tokens = min(float64(g.capacity), g.tokens+elapsed*refill)
	g.last = now

	if g.tokens < 1 {
		wait := time.Duration((1 - g.tokens) / refill * float64(time.Second))
		return now.Add(wait), false
	}
	g.tokens--
	return time.Time{}, true
}

// observe records a vendor-imposed cooldown from a 429 response.
func (g *Guard) observe(status int, headers http.Header, now time.Time) {
	if status != http.StatusTooManyRequests {
		return
	}
	after := retryAfterSeconds(headers)
	if after <= 0 {
		after = 60
	}

	g.mu.Lock()
	g.cooldown = now.Add(time.Duration(after) * time.Second)
	g.mu.Unlock()
	cooldownSeconds.Set(float64(after))
}

func retryAfterSeconds(h http.Header) int {
	val := strings.TrimSpace(h.Get("Retry-After"))
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return secs
	}
	if at, err := http.ParseTime(val); err == nil {
		return int(time.Until(at).Seconds())
	}
	return 0
}

func syntheticTooManyRequests(req *http.Request, retryAt time.Time) *http.Response {
	header := http.Header{}
	wait := time.Until(retryAt)
	if wait < time.Second {
		wait = time.Second
	}
	header.Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second).Seconds())))

	return &http.Response{
		Status:     fmt.Sprintf("%d %s", http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests)),
		StatusCode: http.StatusTooManyRequests,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("client-side rate limit")),
		Request:    req,
	}
}
