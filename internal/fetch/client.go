// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package fetch wraps net/http with the request discipline remote libraries
// expect: browser-style headers, per-host pacing, jittered delays and a shared
// backoff instant honored by every worker of a download.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/codexvault/codexvault/pkg/metrics"
)

const (
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	acceptHeader   = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	acceptLanguage = "en-US,en;q=0.9,it;q=0.8,fr;q=0.7"
)

// Response is the flattened result of a GET.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client is one HTTP session. The download engine creates one Client per
// document; searches and resolvers create short-lived ones.
type Client struct {
	hc *http.Client

	// vatican session state: warm-up viewer URL used as Referer.
	referer string

	mu           sync.Mutex
	backoffUntil time.Time

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New builds a Client with a pooled transport, mirroring the defaults the
// stdlib would otherwise spread across call sites.
func New() *Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		hc:       &http.Client{Transport: tr},
		limiters: make(map[string]*rate.Limiter),
	}
}

// WarmUp performs the Vatican viewer warm-up GET and pins that URL as the
// Referer for every subsequent request on this session.
func (c *Client) WarmUp(ctx context.Context, viewerURL string) {
	resp, err := c.Get(ctx, viewerURL, 20*time.Second)
	if err != nil {
		logrus.WithError(err).WithField("url", viewerURL).Debug("viewer warm-up failed")
		return
	}
	_ = resp
	c.mu.Lock()
	c.referer = viewerURL
	c.mu.Unlock()
}

// SetBackoff records a rate-limit hit: no request on this session may start
// before now + 2^attempt * 15s.
func (c *Client) SetBackoff(attempt int) {
	until := time.Now().Add((1 << attempt) * 15 * time.Second)
	c.mu.Lock()
	if until.After(c.backoffUntil) {
		c.backoffUntil = until
	}
	c.mu.Unlock()
}

// backoffRemaining returns how long the session must still hold off.
func (c *Client) backoffRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Until(c.backoffUntil)
}

// limiter returns the per-host ceiling, lazily created. The Vatican host gets
// a slower lane than everyone else.
func (c *Client) limiter(host string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	if lim, ok := c.limiters[host]; ok {
		return lim
	}
	every := 400 * time.Millisecond
	if strings.Contains(host, "vatlib.it") {
		every = 1500 * time.Millisecond
	}
	lim := rate.NewLimiter(rate.Every(every), 1)
	c.limiters[host] = lim
	return lim
}

// Throttle applies, in order: the shared backoff wait plus jitter in
// [0.1, 0.5]s, then the per-request delay ([1.5, 4.0]s for vatlib.it hosts,
// [0.4, 1.2]s otherwise), then the per-host rate ceiling.
func (c *Client) Throttle(ctx context.Context, host string) error {
	if rem := c.backoffRemaining(); rem > 0 {
		wait := rem + jitterBetween(100*time.Millisecond, 500*time.Millisecond)
		logrus.WithField("wait", wait.Round(time.Millisecond)).Debug("honoring backoff instant")
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
	}
	var delay time.Duration
	if strings.Contains(host, "vatlib.it") {
		delay = jitterBetween(1500*time.Millisecond, 4000*time.Millisecond)
	} else {
		delay = jitterBetween(400*time.Millisecond, 1200*time.Millisecond)
	}
	if !sleepCtx(ctx, delay) {
		return ctx.Err()
	}
	return c.limiter(host).Wait(ctx)
}

// Get issues a GET with the session headers and the given timeout. Non-2xx
// statuses are returned in the Response, not as errors; the caller decides
// what counts as a failure.
func (c *Client) Get(ctx context.Context, rawURL string, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Language", acceptLanguage)
	c.mu.Lock()
	if c.referer != "" {
		req.Header.Set("Referer", c.referer)
	}
	c.mu.Unlock()

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.RateLimitHits.WithLabelValues(hostOf(rawURL)).Inc()
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// GetJSON fetches a URL and decodes the body as JSON.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	resp, err := c.Get(ctx, rawURL, 20*time.Second)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("fetch: GET %s: status %d", rawURL, resp.Status)
	}
	return json.Unmarshal(resp.Body, v)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// HostOf exposes the host of a URL for throttle keying.
func HostOf(rawURL string) string { return hostOf(rawURL) }

// sleepCtx waits for d or returns false if ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
