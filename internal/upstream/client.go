package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"setarb/internal/errs"
	"setarb/internal/ratelimit"
)

const (
	maxAttempts = 3
	userAgent   = "setarb/1.0 (+https://github.com)"
)

// retryBaseBackoff is the starting wait before the first retry (doubling
// thereafter). It is a var, not a const, so tests can shrink it.
var retryBaseBackoff = 1 * time.Second

const healthCacheTTL = 10 * time.Second

// Client is a rate-limited HTTP client for the upstream marketplace API.
type Client struct {
	http    *http.Client
	limiter *ratelimit.Limiter
	baseURL string

	healthMu      sync.RWMutex
	healthOK      bool
	healthChecked time.Time
	healthLastOK  time.Time
}

// New builds a Client against baseURL, gating every request through limiter
// and bounding each request by timeout.
func New(baseURL string, limiter *ratelimit.Limiter, timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		baseURL: baseURL,
	}
}

// ListSets returns the catalog index (slug + name only; parts are fetched
// separately via SetParts so the index call stays cheap).
func (c *Client) ListSets(ctx context.Context) ([]Set, error) {
	var sets []Set
	if err := c.getJSON(ctx, "/items", &sets); err != nil {
		return nil, err
	}
	return sets, nil
}

// SetParts fetches the parts decomposition for one set.
func (c *Client) SetParts(ctx context.Context, slug string) (Set, error) {
	var s Set
	if err := c.getJSON(ctx, "/item/"+slug, &s); err != nil {
		return Set{}, err
	}
	return s, nil
}

// TopOrders fetches the best online orders for one item (a set or a part).
func (c *Client) TopOrders(ctx context.Context, slug string) (OrderBook, error) {
	var ob OrderBook
	if err := c.getJSON(ctx, "/orders/item/"+slug+"/top", &ob); err != nil {
		return OrderBook{}, err
	}
	return ob, nil
}

// Statistics48h fetches the statistics series for one item.
func (c *Client) Statistics48h(ctx context.Context, slug string) (Statistics, error) {
	var stats Statistics
	if err := c.getJSON(ctx, "/items/"+slug+"/statistics", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// HealthCheck pings the upstream catalog index to verify reachability.
// Results are cached for healthCacheTTL so /api/stats/health never itself
// becomes a source of rate-limit pressure.
func (c *Client) HealthCheck() bool {
	c.healthMu.RLock()
	if time.Since(c.healthChecked) < healthCacheTTL {
		ok := c.healthOK
		c.healthMu.RUnlock()
		return ok
	}
	c.healthMu.RUnlock()

	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	if time.Since(c.healthChecked) < healthCacheTTL {
		return c.healthOK
	}

	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/items", nil)
	c.healthChecked = time.Now()
	if err != nil {
		c.healthOK = false
		return false
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.healthOK = false
		return false
	}
	resp.Body.Close()

	c.healthOK = resp.StatusCode < 500
	if c.healthOK {
		c.healthLastOK = time.Now()
	}
	return c.healthOK
}

// HealthStatus returns the cached health flag and the last time it was true.
func (c *Client) HealthStatus() (ok bool, lastOK time.Time) {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.healthOK, c.healthLastOK
}

// getJSON performs a rate-limited, retrying GET against path and decodes
// the JSON response body into dst. Unknown fields in the response are
// silently ignored by encoding/json, and a body that fails to decode is a
// Parse error. Neither this function nor its callers check for required
// fields: an absent field decodes to its zero value.
func (c *Client) getJSON(ctx context.Context, path string, dst interface{}) error {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errs.New(errs.Cancelled, "request cancelled during backoff", ctx.Err())
			case <-timer.C:
			}
		}

		if err := c.limiter.Acquire(ctx); err != nil {
			return errs.New(errs.Cancelled, "rate limiter wait cancelled", err)
		}

		status, body, err := c.doGet(ctx, path)
		if err != nil {
			lastErr = classifyTransportErr(err)
			if !retryable(lastErr) {
				return lastErr
			}
			continue
		}

		switch {
		case status == 200:
			if err := json.Unmarshal(body, dst); err != nil {
				return errs.New(errs.Parse, "decoding response body for "+path, err)
			}
			return nil
		case status == 404:
			return errs.New(errs.NotFound, path+" not found", nil)
		case status == 429:
			lastErr = errs.New(errs.RateLimited, "upstream rate limited "+path, nil)
		case status >= 500:
			lastErr = errs.New(errs.UpstreamUnavailable, fmt.Sprintf("upstream %d for %s", status, path), nil)
		default:
			return errs.New(errs.UpstreamUnavailable, fmt.Sprintf("upstream %d for %s", status, path), nil)
		}
	}

	return lastErr
}

func (c *Client) doGet(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// classifyTransportErr turns a raw transport-level error (connection
// failure, context deadline) into a typed error.
func classifyTransportErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.New(errs.Timeout, "upstream request timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(errs.Timeout, "upstream request timed out", err)
	}
	return errs.New(errs.UpstreamUnavailable, "upstream request failed", err)
}

// retryable reports whether a typed error represents a transient condition
// worth retrying: connection failure, 5xx, or 429. Non-transient 4xx
// failures (NotFound, Parse) fail immediately.
func retryable(err error) bool {
	kind, ok := errs.KindOf(err)
	if !ok {
		return true
	}
	switch kind {
	case errs.RateLimited, errs.UpstreamUnavailable, errs.Timeout:
		return true
	default:
		return false
	}
}

// backoff computes the exponential, jittered wait before retry attempt n
// (1-indexed retry count), starting at retryBaseBackoff and doubling.
func backoff(attempt int) time.Duration {
	mult := 1 << (attempt - 1)
	d := retryBaseBackoff * time.Duration(mult)
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}
