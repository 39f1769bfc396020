// Package identity hands out HTTP sessions with a randomly chosen
// user agent and, optionally, a randomly chosen proxy.
package identity

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Options configures a Rotator.
type Options struct {
	UserAgents []string
	Proxies    []string // host:port or full URLs
	UseProxy   bool
	Timeout    time.Duration
	// Transport, when set, is used as the base for sessions without a
	// proxy. Tests point it at an httptest server's transport.
	Transport *http.Transport
}

// Rotator maintains the user-agent and proxy pools. Every session gets a
// fresh random pick; nothing records which identity served which request.
type Rotator struct {
	mu         sync.Mutex
	rng        *rand.Rand
	userAgents []string
	proxies    []*url.URL
	configured Options
	enabled    bool

	// one pooled transport per proxy, "" for direct connections
	transports map[string]*http.Transport
}

// Session is one worker's HTTP identity: its own client, cookie jar,
// user agent and proxy.
type Session struct {
	Client    *http.Client
	UserAgent string
	Proxy     *url.URL
}

// New builds a Rotator. Proxy entries that fail to parse are dropped.
func New(opts Options) *Rotator {
	r := &Rotator{
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		configured: opts,
		enabled:    opts.UseProxy,
		transports: make(map[string]*http.Transport),
	}
	r.load()
	return r
}

func (r *Rotator) load() {
	r.userAgents = append([]string(nil), r.configured.UserAgents...)
	r.proxies = r.proxies[:0]
	for _, p := range r.configured.Proxies {
		if u, ok := parseProxy(p); ok {
			r.proxies = append(r.proxies, u)
		}
	}
	r.rng.Shuffle(len(r.proxies), func(i, j int) {
		r.proxies[i], r.proxies[j] = r.proxies[j], r.proxies[i]
	})
}

func parseProxy(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}
	return u, true
}

// Toggle turns proxy usage on or off for subsequent sessions.
func (r *Rotator) Toggle(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

// Enabled reports whether new sessions route through a proxy.
func (r *Rotator) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled && len(r.proxies) > 0
}

// Refresh re-samples the pools from configuration.
func (r *Rotator) Refresh() {
	r.mu.Lock()
	r.load()
	r.mu.Unlock()
}

// Proxies returns the current proxy pool.
func (r *Rotator) Proxies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.proxies))
	for _, p := range r.proxies {
		out = append(out, p.String())
	}
	return out
}

// NewSession returns a fully configured client for one worker.
func (r *Rotator) NewSession() *Session {
	r.mu.Lock()
	var ua string
	if len(r.userAgents) > 0 {
		ua = r.userAgents[r.rng.Intn(len(r.userAgents))]
	}
	var proxy *url.URL
	if r.enabled && len(r.proxies) > 0 {
		proxy = r.proxies[r.rng.Intn(len(r.proxies))]
	}
	transport := r.transportLocked(proxy)
	r.mu.Unlock()

	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	timeout := r.configured.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Session{
		Client:    &http.Client{Transport: transport, Timeout: timeout, Jar: jar},
		UserAgent: ua,
		Proxy:     proxy,
	}
}

// transportLocked returns the shared transport for proxy, creating it on
// first use. Sessions differ in jar and user agent, not in connection pool.
func (r *Rotator) transportLocked(proxy *url.URL) *http.Transport {
	key := ""
	if proxy != nil {
		key = proxy.String()
	}
	if t, ok := r.transports[key]; ok {
		return t
	}

	var t *http.Transport
	if r.configured.Transport != nil {
		t = r.configured.Transport.Clone()
	} else {
		t = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		}
	}
	if proxy != nil {
		// http.ProxyURL applies to both http and https requests.
		t.Proxy = http.ProxyURL(proxy)
	}
	r.transports[key] = t
	return t
}

// CloseIdleConnections releases pooled keep-alive connections of every
// transport handed out so far.
func (r *Rotator) CloseIdleConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transports {
		t.CloseIdleConnections()
	}
}

// Get issues a GET through a fresh session. It lets the rotator serve as
// the fetcher for robots.txt lookups.
func (r *Rotator) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	return r.NewSession().Get(ctx, rawURL)
}

// Get sends a GET with the session's identity headers.
func (s *Session) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	return s.Client.Do(req)
}
