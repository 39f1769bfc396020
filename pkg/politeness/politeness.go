// Package politeness caches per-host robots.txt policy and enforces
// crawl-delay between requests to the same host.
package politeness

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/amosWeiskopf/fileharvest/pkg/utils"
)

const robotsAgent = "*"

// maxRobotsBytes caps how much of a robots.txt body is read.
const maxRobotsBytes = 512 * 1024

// Fetcher performs a GET; the identity rotator satisfies it.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*http.Response, error)
}

// HostPolicy is the cached robots record for one scheme+host.
type HostPolicy struct {
	Robots      *robotstxt.RobotsData
	CrawlDelay  time.Duration
	DisallowAll bool
	FetchedAt   time.Time
}

// CanFetch reports whether the "*" group permits rawURL.
func (p *HostPolicy) CanFetch(u *url.URL) bool {
	if p == nil || p.Robots == nil {
		return true
	}
	return p.Robots.TestAgent(u.RequestURI(), robotsAgent)
}

// Cache holds HostPolicy entries for the lifetime of a crawl run.
// At most one robots.txt fetch per origin is in flight at any time.
type Cache struct {
	fetcher Fetcher
	respect bool
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	policies map[string]*HostPolicy
	inflight map[string]*fetchCall
	limiters map[string]*rate.Limiter
}

type fetchCall struct {
	done   chan struct{}
	policy *HostPolicy
	err    error
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for policy decisions.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithTimeout bounds each robots.txt fetch.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

// WithRespect toggles robots.txt handling; when false everything is allowed.
func WithRespect(respect bool) Option {
	return func(c *Cache) { c.respect = respect }
}

// New creates an empty cache that fetches robots.txt through f.
func New(f Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:  f,
		respect:  true,
		timeout:  5 * time.Second,
		logger:   zap.NewNop(),
		policies: make(map[string]*HostPolicy),
		inflight: make(map[string]*fetchCall),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetPolicy returns the policy for origin (scheme://host[:port]), fetching
// robots.txt once if it is not cached. Concurrent callers for the same
// origin wait on the single in-flight fetch. Failed fetches are not cached.
func (c *Cache) GetPolicy(ctx context.Context, origin string) (*HostPolicy, error) {
	c.mu.Lock()
	if p, ok := c.policies[origin]; ok {
		c.mu.Unlock()
		return p, nil
	}
	if call, ok := c.inflight[origin]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.policy, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &fetchCall{done: make(chan struct{})}
	c.inflight[origin] = call
	c.mu.Unlock()

	call.policy, call.err = c.fetch(ctx, origin)

	c.mu.Lock()
	delete(c.inflight, origin)
	if call.err == nil {
		c.policies[origin] = call.policy
	}
	c.mu.Unlock()
	close(call.done)

	return call.policy, call.err
}

// Cached returns the policy for origin without fetching.
func (c *Cache) Cached(origin string) (*HostPolicy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.policies[origin]
	return p, ok
}

// IsAllowed is fail-open: it returns true when robots handling is off, when
// robots.txt cannot be fetched or parsed, and when another worker's fetch
// for the same host is still in progress.
func (c *Cache) IsAllowed(ctx context.Context, rawURL string) bool {
	if !c.respect {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}
	origin := utils.Origin(u)

	c.mu.Lock()
	p, cached := c.policies[origin]
	_, busy := c.inflight[origin]
	c.mu.Unlock()

	if !cached {
		if busy {
			return true
		}
		p, err = c.GetPolicy(ctx, origin)
		if err != nil {
			c.logger.Debug("robots.txt unavailable, allowing", zap.String("origin", origin), zap.Error(err))
			return true
		}
	}
	return p.CanFetch(u)
}

// DisallowsAll reports whether origin's robots.txt blocks the whole site
// for "*". Unknown origins are not blocked.
func (c *Cache) DisallowsAll(origin string) bool {
	if !c.respect {
		return false
	}
	p, ok := c.Cached(origin)
	return ok && p.DisallowAll
}

// CrawlDelay returns the cached Crawl-delay for origin, or zero.
func (c *Cache) CrawlDelay(origin string) time.Duration {
	if !c.respect {
		return 0
	}
	p, ok := c.Cached(origin)
	if !ok {
		return 0
	}
	return p.CrawlDelay
}

// Wait blocks until rawURL's host may be requested again under its
// Crawl-delay. Hosts without a delay return immediately.
func (c *Cache) Wait(ctx context.Context, rawURL string) error {
	origin, ok := utils.OriginOf(rawURL)
	if !ok {
		return nil
	}
	delay := c.CrawlDelay(origin)
	if delay <= 0 {
		return nil
	}

	c.mu.Lock()
	limiter, ok := c.limiters[origin]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
		c.limiters[origin] = limiter
	}
	c.mu.Unlock()

	return limiter.Wait(ctx)
}

// Reset drops every cached policy and limiter.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.policies = make(map[string]*HostPolicy)
	c.limiters = make(map[string]*rate.Limiter)
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, origin string) (*HostPolicy, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.fetcher.Get(ctx, origin+"/robots.txt")
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	// 5xx means the site is in trouble, not that it forbids crawling;
	// leave the origin uncached so a later call can retry.
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("robots.txt returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}

	policy := &HostPolicy{FetchedAt: time.Now()}
	if resp.StatusCode != http.StatusOK {
		// 4xx: no robots.txt, everything allowed.
		policy.Robots, err = robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
		if err != nil {
			return nil, fmt.Errorf("parse robots.txt: %w", err)
		}
		c.logger.Debug("no robots.txt", zap.String("origin", origin), zap.Int("status", resp.StatusCode))
		return policy, nil
	}

	policy.Robots, err = robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	policy.CrawlDelay, policy.DisallowAll = ParseDirectives(body)

	c.logger.Debug("robots.txt cached",
		zap.String("origin", origin),
		zap.Duration("crawl_delay", policy.CrawlDelay),
		zap.Bool("disallow_all", policy.DisallowAll),
	)
	return policy, nil
}

// ParseDirectives scans robots.txt for the coarse site-level rules that
// apply to "*" (or to lines before any User-agent): a Crawl-delay value
// and whether "Disallow: /" blocks the entire host.
func ParseDirectives(body []byte) (delay time.Duration, disallowAll bool) {
	var agent string
	seenAgent := false

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)

		if key == "user-agent" {
			agent = val
			seenAgent = true
			continue
		}
		if seenAgent && agent != robotsAgent {
			continue
		}
		switch key {
		case "crawl-delay":
			if secs, err := strconv.ParseFloat(val, 64); err == nil && secs >= 0 {
				delay = time.Duration(secs * float64(time.Second))
			}
		case "disallow":
			if val == "/" {
				disallowAll = true
			}
		}
	}
	return delay, disallowAll
}
