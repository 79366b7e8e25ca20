// Package gateway is the polite outbound HTTP client every source adapter
// goes through. It enforces per-host token-bucket rate limits, coalesces
// identical in-flight requests, retries transient failures with jittered
// exponential backoff, caps response sizes, revalidates repeat GETs with
// conditional requests, and identifies the process with a stable User-Agent.
package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/scholium/scholium/scherr"
)

const (
	defaultMaxBodySize = 8 << 20
	defaultMaxAttempts = 5
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 8 * time.Second
	condCacheSize      = 256
)

type (
	// Options configures a Client. Zero values select the defaults.
	Options struct {
		// Email identifies the operator in the User-Agent.
		Email string
		// UserAgent overrides the computed User-Agent entirely.
		UserAgent string
		// Version is the build version reported in the User-Agent.
		Version string
		// Proxy is an optional outbound proxy URL.
		Proxy string
		// MaxBodySize caps response bodies (default 8 MiB).
		MaxBodySize int64
		// MaxAttempts bounds retries, counting the first try (default 5).
		MaxAttempts int
		// BaseBackoff is the first retry delay (default 500 ms).
		BaseBackoff time.Duration
		// MaxBackoff caps the retry delay (default 8 s).
		MaxBackoff time.Duration
		// Transport overrides the HTTP transport (tests, custom TLS).
		Transport http.RoundTripper
	}

	// HostPolicy declares how to speak to one upstream host.
	HostPolicy struct {
		// Host is the canonical hostname the policy keys on.
		Host string
		// RPS is the sustained request rate; zero or negative means
		// unlimited.
		RPS float64
		// Burst is the token-bucket burst size (minimum 1).
		Burst int
		// Header holds extra headers sent on every request to the host,
		// typically API keys.
		Header map[string]string
	}

	// Request is one outbound call.
	Request struct {
		// Method defaults to GET.
		Method string
		// URL is the absolute target.
		URL string
		// Header holds request headers merged under the policy headers.
		Header http.Header
		// Body is the request payload, if any.
		Body []byte
		// Host overrides the policy key; derived from URL when empty.
		Host string
		// MaxBody overrides the client's response size cap.
		MaxBody int64
	}

	// Response is a completed call.
	Response struct {
		Status int
		Header http.Header
		Body   []byte
	}

	// Client is safe for concurrent use. Construct with New.
	Client struct {
		http      *http.Client
		opts      Options
		userAgent string

		mu    sync.RWMutex
		hosts map[string]*hostPolicy

		flight  singleflight.Group
		cache   *condCache
		metrics *metrics
	}

	hostPolicy struct {
		limiter *rate.Limiter
		header  map[string]string
	}
)

// New constructs a Client. Host policies are registered separately with
// RegisterHost.
func New(opts Options) *Client {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Proxy != "" {
			if u, err := url.Parse(opts.Proxy); err == nil {
				t.Proxy = http.ProxyURL(u)
			}
		}
		transport = t
	}
	return &Client{
		http:      &http.Client{Transport: transport},
		opts:      opts,
		userAgent: userAgent(opts),
		hosts:     make(map[string]*hostPolicy),
		cache:     newCondCache(condCacheSize),
		metrics:   newMetrics(),
	}
}

func userAgent(opts Options) string {
	if opts.UserAgent != "" {
		return opts.UserAgent
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	contact := "+https://github.com/scholium/scholium"
	if opts.Email != "" {
		contact += "; mailto:" + opts.Email
	}
	return fmt.Sprintf("scholium/%s (%s)", version, contact)
}

// RegisterHost installs or replaces the policy for a host.
func (c *Client) RegisterHost(p HostPolicy) {
	hp := &hostPolicy{}
	if p.RPS > 0 {
		burst := p.Burst
		if burst < 1 {
			burst = 1
		}
		hp.limiter = rate.NewLimiter(rate.Limit(p.RPS), burst)
	}
	if len(p.Header) > 0 {
		hp.header = make(map[string]string, len(p.Header))
		for k, v := range p.Header {
			hp.header[k] = v
		}
	}
	c.mu.Lock()
	c.hosts[p.Host] = hp
	c.mu.Unlock()
}

// SetHostRate replaces just the rate limit for a registered host, keeping
// its headers. Used when an API key raises the allowed rate.
func (c *Client) SetHostRate(host string, rps float64, burst int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hp, ok := c.hosts[host]
	if !ok {
		hp = &hostPolicy{}
		c.hosts[host] = hp
	}
	if rps <= 0 {
		hp.limiter = nil
		return
	}
	if burst < 1 {
		burst = 1
	}
	hp.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// Do performs one request with rate limiting, coalescing, and retries. The
// error is always classified: errors.As against *gateway.Error recovers the
// transport detail, scherr.KindOf the taxonomy kind.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	host := req.Host
	if host == "" {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, scherr.Wrapf(scherr.InvalidInput, err, "parse url %q", req.URL)
		}
		host = u.Hostname()
	}

	if err := c.waitHost(ctx, req, host, start); err != nil {
		return nil, err
	}

	ch := c.flight.DoChan(coalesceKey(req), func() (any, error) {
		return c.roundTrip(ctx, req, host, start)
	})
	select {
	case <-ctx.Done():
		return nil, scherr.Wrapf(scherr.Cancelled, ctx.Err(), "%s %s", req.Method, req.URL)
	case res := <-ch:
		if res.Err != nil {
			// A follower must not inherit the leader's cancellation.
			if res.Shared && ctx.Err() == nil && scherr.KindOf(res.Err) == scherr.Cancelled {
				return c.roundTrip(ctx, req, host, start)
			}
			return nil, res.Err
		}
		resp := res.Val.(*Response)
		if res.Shared {
			resp = resp.clone()
		}
		return resp, nil
	}
}

func (c *Client) waitHost(ctx context.Context, req Request, host string, start time.Time) error {
	c.mu.RLock()
	hp := c.hosts[host]
	c.mu.RUnlock()
	if hp == nil || hp.limiter == nil {
		return nil
	}
	waitStart := time.Now()
	err := hp.limiter.Wait(ctx)
	c.metrics.rateWaited(ctx, host, time.Since(waitStart))
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return scherr.Wrapf(scherr.Cancelled, err, "%s %s", req.Method, req.URL)
	}
	gwErr := &Error{Kind: KindRateLimitTimeout, Host: host, Elapsed: time.Since(start), Err: err}
	c.metrics.request(ctx, host, string(KindRateLimitTimeout), gwErr.Elapsed)
	return gwErr.wrap(req.Method, req.URL)
}

// roundTrip runs the retry loop for one logical request.
func (c *Client) roundTrip(ctx context.Context, req Request, host string, start time.Time) (*Response, error) {
	maxBody := req.MaxBody
	if maxBody <= 0 {
		maxBody = c.opts.MaxBodySize
	}
	var last *Error
	for attempt := 1; ; attempt++ {
		resp, gwErr := c.attempt(ctx, req, host, maxBody)
		if gwErr == nil {
			elapsed := time.Since(start)
			c.metrics.request(ctx, host, "ok", elapsed)
			log.Debugf(ctx, "%s %s: %d in %s", req.Method, req.URL, resp.Status, elapsed.Round(time.Millisecond))
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, scherr.Wrapf(scherr.Cancelled, ctx.Err(), "%s %s", req.Method, req.URL)
		}
		gwErr.Host = host
		gwErr.Elapsed = time.Since(start)
		last = gwErr
		if !gwErr.retryable() || attempt >= c.opts.MaxAttempts {
			break
		}
		delay := c.backoffDelay(attempt, gwErr.retryAfter)
		c.metrics.retry(ctx, host)
		log.Printf(ctx, "retrying %s %s in %s (attempt %d/%d): %s",
			req.Method, host, delay.Round(time.Millisecond), attempt, c.opts.MaxAttempts, gwErr.Kind)
		select {
		case <-ctx.Done():
			return nil, scherr.Wrapf(scherr.Cancelled, ctx.Err(), "%s %s", req.Method, req.URL)
		case <-time.After(delay):
		}
	}
	c.metrics.request(ctx, host, string(last.Kind), last.Elapsed)
	log.Debugf(ctx, "%s %s failed: %s", req.Method, req.URL, last)
	return nil, last.wrap(req.Method, req.URL)
}

// attempt performs a single HTTP exchange.
func (c *Client) attempt(ctx context.Context, req Request, host string, maxBody int64) (*Response, *Error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, &Error{Kind: KindClient, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	c.mu.RLock()
	if hp := c.hosts[host]; hp != nil {
		for k, v := range hp.header {
			httpReq.Header.Set(k, v)
		}
	}
	c.mu.RUnlock()

	canRevalidate := req.Method == http.MethodGet && len(req.Body) == 0
	var cached *condEntry
	if canRevalidate {
		if ent, ok := c.cache.get(req.URL); ok {
			cached = ent
			if ent.etag != "" {
				httpReq.Header.Set("If-None-Match", ent.etag)
			}
			if ent.lastModified != "" {
				httpReq.Header.Set("If-Modified-Since", ent.lastModified)
			}
		}
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: netKind(err), Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotModified && cached != nil {
		return &Response{
			Status: http.StatusOK,
			Header: cached.header.Clone(),
			Body:   append([]byte(nil), cached.body...),
		}, nil
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBody+1))
	if err != nil {
		return nil, &Error{Kind: netKind(err), Status: httpResp.StatusCode, Err: err}
	}
	if int64(len(body)) > maxBody {
		return nil, &Error{Kind: KindOversize, Status: httpResp.StatusCode,
			Err: fmt.Errorf("body exceeds %d byte cap", maxBody)}
	}

	retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
	switch {
	case httpResp.StatusCode >= 500:
		return nil, &Error{Kind: KindServer, Status: httpResp.StatusCode, retryAfter: retryAfter,
			Err: fmt.Errorf("%s", httpResp.Status)}
	case httpResp.StatusCode >= 400:
		return nil, &Error{Kind: KindClient, Status: httpResp.StatusCode, retryAfter: retryAfter,
			Err: fmt.Errorf("%s", httpResp.Status)}
	}

	resp := &Response{Status: httpResp.StatusCode, Header: httpResp.Header.Clone(), Body: body}
	if canRevalidate {
		etag := httpResp.Header.Get("ETag")
		lastMod := httpResp.Header.Get("Last-Modified")
		if etag != "" || lastMod != "" {
			c.cache.put(&condEntry{
				url:          req.URL,
				header:       resp.Header.Clone(),
				body:         append([]byte(nil), body...),
				etag:         etag,
				lastModified: lastMod,
			})
		}
	}
	return resp, nil
}

func netKind(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// backoffDelay doubles from the base up to the cap with ±20% jitter. A
// server-provided Retry-After overrides the computed delay.
func (c *Client) backoffDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	delay := float64(c.opts.BaseBackoff) * float64(int64(1)<<uint(attempt-1))
	if delay > float64(c.opts.MaxBackoff) {
		delay = float64(c.opts.MaxBackoff)
	}
	delay += delay * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(delay)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func coalesceKey(req Request) string {
	bodyHash := "-"
	if len(req.Body) > 0 {
		sum := sha256.Sum256(req.Body)
		bodyHash = hex.EncodeToString(sum[:])
	}
	return req.Method + "\x00" + req.URL + "\x00" + bodyHash
}

func (r *Response) clone() *Response {
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
}

// GetJSON fetches req and decodes the body as JSON. Decode failures are
// parse-upstream errors.
func (c *Client) GetJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		gwErr := &Error{Kind: KindParseUpstream, Host: req.Host, Status: resp.Status, Err: err}
		return gwErr.wrap(req.Method, req.URL)
	}
	return nil
}

// GetXML fetches req and decodes the body as XML. Unknown tags are
// tolerated by encoding/xml; only malformed documents fail.
func (c *Client) GetXML(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(resp.Body, out); err != nil {
		gwErr := &Error{Kind: KindParseUpstream, Host: req.Host, Status: resp.Status, Err: err}
		return gwErr.wrap(req.Method, req.URL)
	}
	return nil
}
