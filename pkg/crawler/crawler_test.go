package crawler

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/amosWeiskopf/fileharvest/internal/config"
	"github.com/amosWeiskopf/fileharvest/internal/models"
)

// fakeWeb serves several virtual hosts from one httptest server. Crawlers
// reach it through a transport that dials the server for every host.
type fakeWeb struct {
	srv    *httptest.Server
	mu     sync.Mutex
	hits   map[string]int
	routes map[string]http.HandlerFunc
}

func newFakeWeb(t *testing.T) *fakeWeb {
	t.Helper()
	f := &fakeWeb{hits: map[string]int{}, routes: map[string]http.HandlerFunc{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeWeb) serve(w http.ResponseWriter, r *http.Request) {
	key := r.Host + r.URL.Path
	f.mu.Lock()
	f.hits[key]++
	h := f.routes[key]
	f.mu.Unlock()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeWeb) handle(hostPath string, h http.HandlerFunc) {
	f.mu.Lock()
	f.routes[hostPath] = h
	f.mu.Unlock()
}

func (f *fakeWeb) html(hostPath, body string) {
	f.file(hostPath, "text/html; charset=utf-8", body)
}

func (f *fakeWeb) file(hostPath, contentType, body string) {
	f.handle(hostPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		io.WriteString(w, body)
	})
}

func (f *fakeWeb) Hits(hostPath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[hostPath]
}

func (f *fakeWeb) transport() *http.Transport {
	addr := f.srv.Listener.Addr().String()
	return &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

func testConfig(t *testing.T, seeds ...string) *config.Config {
	t.Helper()
	cfg := config.Default()
	root := t.TempDir()
	cfg.Crawler.SourceList = seeds
	cfg.Crawler.FileTypes = []string{".pdf"}
	cfg.Crawler.Keywords = []string{"paper"}
	cfg.Crawler.BatchDelayMin = 0
	cfg.Crawler.BatchDelayMax = 0
	cfg.Crawler.RequestTimeout = 5
	cfg.Crawler.DownloadTimeout = 5
	cfg.Crawler.TaskTimeout = 10
	cfg.Storage.ResourceRoot = filepath.Join(root, "Resource")
	cfg.Storage.LogDir = filepath.Join(root, "Crawling Log")
	return cfg
}

func newTestCrawler(t *testing.T, cfg *config.Config, web *fakeWeb) (*Crawler, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	c, err := New(cfg, WithLogger(zap.New(core)), WithTransport(web.transport()))
	require.NoError(t, err)
	return c, logs
}

const scenarioIndex = `<html><body>
<h1>Index</h1>
<a href="/docs/report.pdf">Research Paper</a>
<a href="/about">About</a>
<a href="http://other.com/x.pdf">paper</a>
<a href="http://other.com/news">News</a>
</body></html>`

func scenarioWeb(t *testing.T) *fakeWeb {
	web := newFakeWeb(t)
	web.html("example.com/index", scenarioIndex)
	web.html("example.com/about", `<p>About us</p><a href="/docs/report.pdf">the paper again</a>`)
	web.file("example.com/docs/report.pdf", "application/pdf", "%PDF-1.4 report")
	web.file("other.com/x.pdf", "application/pdf", "%PDF-1.4 x")
	web.html("other.com/news", "<p>news</p>")
	return web
}

func TestStartHarvestsScenario(t *testing.T) {
	web := scenarioWeb(t)
	cfg := testConfig(t, "http://example.com/index")
	c, logs := newTestCrawler(t, cfg, web)

	ok, err := c.StartCrawl(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, c.State())

	root := cfg.Storage.ResourceRoot
	assert.FileExists(t, filepath.Join(root, "PDF", "report.pdf"))
	assert.FileExists(t, filepath.Join(root, "PDF", "x.pdf"))
	assert.Equal(t, 2, c.DownloadCount())

	assert.Equal(t, 1, web.Hits("example.com/about"), "/about is crawled as a page link")
	assert.Equal(t, 1, web.Hits("example.com/docs/report.pdf"), "report.pdf is downloaded once")
	assert.Equal(t, 1, web.Hits("other.com/x.pdf"), "cross-host files are still harvested")
	assert.Zero(t, web.Hits("other.com/news"), "cross-host pages are never crawled")

	assert.Equal(t, 1, logs.FilterMessageSnippet(`FileName:"report.pdf"`).Len())

	entries, err := os.ReadDir(cfg.Storage.LogDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(cfg.Storage.LogDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), `FileName:"report.pdf" Url:"http://example.com/docs/report.pdf"`))

	assert.Equal(t, "http://example.com/index", c.GetCurrentWebsite())
	assert.Contains(t, []string{"Research Paper", "paper"}, c.GetCurrentArticle())
	assert.InDelta(t, 20.0, c.GetProgress(), 0.001)

	s := c.Summary()
	assert.NotEmpty(t, s.RunID)
	assert.Equal(t, 2, s.PagesVisited)
	assert.Equal(t, 2, s.FilesDownloaded)
	assert.Len(t, s.Downloads, 2)
	assert.Equal(t, s.RunID, s.Downloads[0].RunID)
	assert.False(t, s.FinishedAt.IsZero())

	m := c.Metrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FilesTotal.WithLabelValues("saved", ".pdf")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PagesTotal.WithLabelValues("ok")))
}

func TestLargeCrawlDoesNotLeakConnections(t *testing.T) {
	web := newFakeWeb(t)
	var links strings.Builder
	for i := 0; i < 80; i++ {
		p := "/p" + strconv.Itoa(i)
		links.WriteString(`<a href="` + p + `">page</a>`)
		web.html("example.com"+p, "<p>leaf</p>")
	}
	web.html("example.com/", links.String())

	cfg := testConfig(t, "http://example.com/")
	c, _ := newTestCrawler(t, cfg, web)

	before := runtime.NumGoroutine()
	ok, err := c.StartCrawl(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 81, c.Summary().PagesVisited)

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+5
	}, 5*time.Second, 20*time.Millisecond, "keep-alive connections outlived the run")
}

func TestRestartAfterCancelDropsLeftoverURLs(t *testing.T) {
	web := newFakeWeb(t)
	web.html("old.com/", `<a href="/a">a</a><a href="/b">b</a>`)
	web.html("new.com/", "<p>fresh</p>")

	c, _ := newTestCrawler(t, testConfig(t), web)
	c.batchSize = 1

	ctx, cancel := context.WithCancel(context.Background())
	web.handle("old.com/a", func(w http.ResponseWriter, r *http.Request) {
		cancel()
		io.WriteString(w, "<p>a</p>")
	})
	_, err := c.Start(ctx, []string{"http://old.com/"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, models.StateError, c.State())

	ok, err := c.Start(context.Background(), []string{"http://new.com/"})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, web.Hits("new.com/"))
	assert.Zero(t, web.Hits("old.com/b"), "URLs from the cancelled run are not crawled")
	assert.Equal(t, 1, c.Summary().PagesVisited)
}

func TestBlockedURLsAreNeverFetched(t *testing.T) {
	web := newFakeWeb(t)
	web.html("example.com/index", `<p>paper list</p>
<a href="/out?to=tracker.example.com">redirect</a>
<a href="http://tracker.example.com/paper.pdf">tracked paper</a>
<a href="/ok">ok</a>`)
	web.html("example.com/ok", "<p>fine</p>")
	web.file("tracker.example.com/paper.pdf", "application/pdf", "%PDF")

	cfg := testConfig(t, "http://example.com/index")
	cfg.Crawler.BlockedSites = []string{"tracker.example.com"}
	c, _ := newTestCrawler(t, cfg, web)

	ok, err := c.StartCrawl(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Zero(t, web.Hits("example.com/out"))
	assert.Zero(t, web.Hits("tracker.example.com/paper.pdf"))
	assert.Zero(t, web.Hits("tracker.example.com/robots.txt"))
	assert.Equal(t, 1, web.Hits("example.com/ok"))
	assert.Equal(t, []string{"tracker.example.com"}, c.GetBlockList())
	assert.Zero(t, c.DownloadCount())
}

func TestDisallowAllSeedIsSkipped(t *testing.T) {
	web := scenarioWeb(t)
	web.file("example.com/robots.txt", "text/plain", "User-agent: *\nDisallow: /\n")
	web.html("second.org/", `<a href="/paper.pdf">paper</a>`)
	web.file("second.org/paper.pdf", "application/pdf", "%PDF")

	cfg := testConfig(t, "http://example.com/index", "http://second.org/")
	c, _ := newTestCrawler(t, cfg, web)

	ok, err := c.StartCrawl(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Zero(t, web.Hits("example.com/index"))
	assert.Equal(t, 1, web.Hits("second.org/paper.pdf"), "the next seed still runs")
	assert.Equal(t, []string{"http://example.com/index"}, c.Summary().SkippedSeeds)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().PolicyDenials.WithLabelValues("robots")))
}

func TestRobotsPathRulesApplyToPages(t *testing.T) {
	web := newFakeWeb(t)
	web.file("example.com/robots.txt", "text/plain", "User-agent: *\nDisallow: /private/\n")
	web.html("example.com/", `<a href="/private/secret">s</a><a href="/public">p</a>`)
	web.html("example.com/public", "ok")
	web.html("example.com/private/secret", "no")

	c, _ := newTestCrawler(t, testConfig(t, "http://example.com/"), web)
	_, err := c.StartCrawl(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, web.Hits("example.com/public"))
	assert.Zero(t, web.Hits("example.com/private/secret"))
}

func TestMIMEMismatchIsSkipped(t *testing.T) {
	web := newFakeWeb(t)
	web.html("example.com/", `<a href="/fake.pdf">paper</a>`)
	web.html("example.com/fake.pdf", "<html>login wall</html>")

	cfg := testConfig(t, "http://example.com/")
	c, _ := newTestCrawler(t, cfg, web)

	ok, err := c.StartCrawl(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, web.Hits("example.com/fake.pdf"))
	assert.Zero(t, c.DownloadCount())
	assert.Equal(t, 1, c.Summary().FilesSkipped)
	assert.NoFileExists(t, filepath.Join(cfg.Storage.ResourceRoot, "PDF", "fake.pdf"))
}

func TestExistingFileIsNotOverwritten(t *testing.T) {
	web := scenarioWeb(t)
	cfg := testConfig(t, "http://example.com/index")
	c, _ := newTestCrawler(t, cfg, web)

	ok, err := c.StartCrawl(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.Reset())

	web.file("example.com/docs/report.pdf", "application/pdf", "changed")
	ok, err = c.StartCrawl(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Zero(t, c.DownloadCount())
	assert.Equal(t, 2, c.Summary().FilesSkipped)
	data, err := os.ReadFile(filepath.Join(cfg.Storage.ResourceRoot, "PDF", "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 report", string(data))
}

func TestNonHTMLPageIsNotParsed(t *testing.T) {
	web := newFakeWeb(t)
	web.file("example.com/", "application/pdf", `<a href="/a.pdf">paper</a>`)

	c, _ := newTestCrawler(t, testConfig(t, "http://example.com/"), web)
	_, err := c.StartCrawl(context.Background())
	require.NoError(t, err)

	assert.Zero(t, web.Hits("example.com/a.pdf"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().PagesTotal.WithLabelValues("non_html")))
}

func TestFailedTaskDoesNotPoisonBatch(t *testing.T) {
	web := newFakeWeb(t)
	web.html("example.com/", `<a href="/slow">slow</a><a href="/broken">broken</a><a href="/about">about</a>`)
	web.handle("example.com/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	web.handle("example.com/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	web.html("example.com/about", "ok")

	cfg := testConfig(t, "http://example.com/")
	cfg.Crawler.TaskTimeout = 1
	c, logs := newTestCrawler(t, cfg, web)

	ok, err := c.StartCrawl(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, web.Hits("example.com/about"))
	assert.Equal(t, 1, web.Hits("example.com/broken"), "no retry by default")
	assert.Equal(t, 2, c.Summary().PageFailures)
	assert.Equal(t, 2, logs.FilterMessage("task failed").Len())
	assert.Equal(t, models.StateCompleted, c.State())
}

func TestRetryAttempts(t *testing.T) {
	web := newFakeWeb(t)
	var calls atomic.Int32
	web.handle("example.com/", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<a href="/next">next</a>`)
	})
	web.html("example.com/next", "ok")

	cfg := testConfig(t, "http://example.com/")
	cfg.Crawler.RetryAttempts = 1
	c, _ := newTestCrawler(t, cfg, web)

	_, err := c.StartCrawl(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, web.Hits("example.com/next"))
	assert.Zero(t, c.Summary().PageFailures)
}

// blockingSeed makes the seed page hang until release is closed.
func blockingSeed(t *testing.T, web *fakeWeb) (entered <-chan struct{}, release func()) {
	in := make(chan struct{}, 1)
	gate := make(chan struct{})
	var once sync.Once
	web.handle("example.com/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case in <- struct{}{}:
		default:
		}
		<-gate
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<a href="/about">about</a>`)
	})
	web.html("example.com/about", "ok")
	rel := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(rel)
	return in, rel
}

type startResult struct {
	ok  bool
	err error
}

func startAsync(c *Crawler) <-chan startResult {
	done := make(chan startResult, 1)
	go func() {
		ok, err := c.StartCrawl(context.Background())
		done <- startResult{ok, err}
	}()
	return done
}

func waitResult(t *testing.T, done <-chan startResult) startResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("crawl did not finish")
		return startResult{}
	}
}

func TestSecondStartIsRejected(t *testing.T) {
	web := newFakeWeb(t)
	entered, release := blockingSeed(t, web)
	c, _ := newTestCrawler(t, testConfig(t, "http://example.com/"), web)

	done := startAsync(c)
	<-entered

	ok, err := c.StartCrawl(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, c.Reset(), ErrAlreadyRunning)

	release()
	res := waitResult(t, done)
	assert.True(t, res.ok)
	assert.NoError(t, res.err)
}

func TestPauseAndResume(t *testing.T) {
	web := newFakeWeb(t)
	entered, release := blockingSeed(t, web)
	c, _ := newTestCrawler(t, testConfig(t, "http://example.com/"), web)

	assert.False(t, c.Pause(), "nothing to pause while idle")

	done := startAsync(c)
	<-entered
	require.True(t, c.Pause())
	assert.Equal(t, models.StatePaused, c.State())

	release()
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, web.Hits("example.com/about"), "no new batch while paused")
	assert.Equal(t, models.StatePaused, c.State())

	require.True(t, c.Resume())
	res := waitResult(t, done)
	assert.True(t, res.ok)
	assert.Equal(t, 1, web.Hits("example.com/about"))
	assert.Equal(t, models.StateCompleted, c.State())
	assert.False(t, c.Resume())
}

func TestStopEndsRunAndResets(t *testing.T) {
	web := newFakeWeb(t)
	entered, release := blockingSeed(t, web)
	c, _ := newTestCrawler(t, testConfig(t, "http://example.com/"), web)

	done := startAsync(c)
	<-entered
	c.Stop()
	assert.True(t, c.State().Active(), "the running batch is not interrupted")

	release()
	res := waitResult(t, done)
	assert.False(t, res.ok)
	assert.ErrorIs(t, res.err, ErrStopped)

	assert.Equal(t, models.StateIdle, c.State())
	assert.Zero(t, web.Hits("example.com/about"))
	assert.Empty(t, c.Summary().RunID)
	assert.Zero(t, c.GetProgress())
	assert.Empty(t, c.GetCurrentWebsite())
}

func TestStopWhenIdleResets(t *testing.T) {
	web := scenarioWeb(t)
	c, _ := newTestCrawler(t, testConfig(t, "http://example.com/index"), web)

	_, err := c.StartCrawl(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, c.DownloadCount())

	c.Stop()
	assert.Equal(t, models.StateIdle, c.State())
	assert.Zero(t, c.DownloadCount())
	assert.Empty(t, c.Records())
	assert.Empty(t, c.GetCurrentArticle())
}

func TestSetupFailureSetsError(t *testing.T) {
	web := scenarioWeb(t)
	cfg := testConfig(t, "http://example.com/index")
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cfg.Storage.ResourceRoot = filepath.Join(blocker, "Resource")
	c, logs := newTestCrawler(t, cfg, web)

	ok, err := c.StartCrawl(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Equal(t, models.StateError, c.State())
	assert.Zero(t, web.Hits("example.com/index"))
	assert.Equal(t, 1, logs.FilterMessage("crawl setup failed").Len())

	require.NoError(t, c.Reset())
	assert.Equal(t, models.StateIdle, c.State())
}

func TestCancelledContextEndsRun(t *testing.T) {
	web := scenarioWeb(t)
	c, _ := newTestCrawler(t, testConfig(t, "http://example.com/index"), web)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := c.StartCrawl(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StateError, c.State())
}

func TestNewRejectsBadKeyword(t *testing.T) {
	cfg := config.Default()
	cfg.Crawler.Keywords = []string{"(unclosed"}
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestProgressIsClamped(t *testing.T) {
	web := newFakeWeb(t)
	var links strings.Builder
	for i := 0; i < 15; i++ {
		links.WriteString(`<a href="/p` + string(rune('a'+i)) + `">x</a>`)
	}
	web.html("example.com/", links.String())

	cfg := testConfig(t, "http://example.com/")
	cfg.Crawler.ProgressFactor = 1
	c, _ := newTestCrawler(t, cfg, web)

	_, err := c.StartCrawl(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, c.Summary().PagesVisited)
	assert.Equal(t, 100.0, c.GetProgress())
}
