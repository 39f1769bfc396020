// Package crawler runs the harvest: it seeds the frontier, dispatches
// bounded batches to a worker pool and merges discovered links back in.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amosWeiskopf/fileharvest/internal/config"
	"github.com/amosWeiskopf/fileharvest/internal/metrics"
	"github.com/amosWeiskopf/fileharvest/internal/models"
	"github.com/amosWeiskopf/fileharvest/pkg/archiver"
	"github.com/amosWeiskopf/fileharvest/pkg/extractor"
	"github.com/amosWeiskopf/fileharvest/pkg/frontier"
	"github.com/amosWeiskopf/fileharvest/pkg/identity"
	"github.com/amosWeiskopf/fileharvest/pkg/politeness"
	"github.com/amosWeiskopf/fileharvest/pkg/utils"
)

var (
	// ErrAlreadyRunning is returned when a run is started or reset while
	// another is active.
	ErrAlreadyRunning = errors.New("crawl already in progress")

	// ErrStopped is returned by Start when Stop ended the run early.
	ErrStopped = errors.New("crawl stopped")
)

// Crawler owns one crawl engine. Create it with New and share the pointer
// with whatever starts and observes it.
type Crawler struct {
	cfg       config.CrawlerConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
	transport *http.Transport
	history   *archiver.History

	rotator   *identity.Rotator
	policy    *politeness.Cache
	blocklist frontier.Blocklist
	frontier  *frontier.Frontier
	extractor *extractor.Extractor
	archiver  *archiver.Archiver

	workers   int
	batchSize int

	mu             sync.Mutex
	state          models.CrawlState
	currentWebsite string
	currentArticle string
	summary        models.RunSummary
	stopCh         chan struct{}
	stopping       bool
	resumeCh       chan struct{}

	pagesVisited atomic.Int64
	pageFailures atomic.Int64
	filesSkipped atomic.Int64
}

// New wires a crawler from cfg. cfg is read once; later changes to it
// have no effect.
func New(cfg *config.Config, opts ...Option) (*Crawler, error) {
	c := &Crawler{
		cfg:       cfg.Crawler,
		logger:    zap.NewNop(),
		workers:   cfg.Crawler.Workers(),
		batchSize: cfg.Crawler.BatchSize(),
		state:     models.StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}

	ex, err := extractor.New(extractor.Options{
		FileTypes:    cfg.Crawler.FileTypes,
		Keywords:     cfg.Crawler.Keywords,
		KeywordScope: cfg.Crawler.KeywordScope,
	})
	if err != nil {
		return nil, fmt.Errorf("extractor: %w", err)
	}
	c.extractor = ex

	userAgents := cfg.Identity.UserAgents
	if len(userAgents) == 0 {
		userAgents = config.DefaultUserAgents
	}
	c.rotator = identity.New(identity.Options{
		UserAgents: userAgents,
		Proxies:    cfg.Identity.Proxies,
		UseProxy:   cfg.Identity.UseProxy,
		Timeout:    seconds(cfg.Crawler.RequestTimeout),
		Transport:  c.transport,
	})
	c.policy = politeness.New(c.rotator,
		politeness.WithLogger(c.logger),
		politeness.WithTimeout(seconds(cfg.Crawler.RequestTimeout)),
		politeness.WithRespect(cfg.Crawler.RespectRobotsTxt),
	)
	c.blocklist = frontier.NewBlocklist(cfg.Crawler.BlockedSites)
	c.frontier = frontier.New(c.blocklist)

	archOpts := []archiver.Option{
		archiver.WithLogger(c.logger),
		archiver.WithPolicy(c.policy),
	}
	if cfg.Crawler.MaxBodyBytes > 0 {
		archOpts = append(archOpts, archiver.WithMaxBytes(cfg.Crawler.MaxBodyBytes))
	}
	if cfg.Storage.LogDir != "" {
		archOpts = append(archOpts, archiver.WithDailyLog(archiver.NewDailyLog(cfg.Storage.LogDir)))
	}
	if c.history != nil {
		archOpts = append(archOpts, archiver.WithHistory(c.history))
	}
	c.archiver = archiver.New(cfg.Storage.ResourceRoot, archOpts...)

	return c, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Rotator exposes the identity pool for proxy toggling.
func (c *Crawler) Rotator() *identity.Rotator { return c.rotator }

// Metrics returns the collectors the crawler reports into.
func (c *Crawler) Metrics() *metrics.Metrics { return c.metrics }

// StartCrawl crawls the configured source list.
func (c *Crawler) StartCrawl(ctx context.Context) (bool, error) {
	return c.Start(ctx, c.cfg.SourceList)
}

// Start crawls seeds one after another. Concurrency is within a seed's
// crawl, never across seeds. It returns true once every seed has been
// crawled or skipped; setup failures return false and leave the crawler
// in ERROR.
func (c *Crawler) Start(ctx context.Context, seeds []string) (bool, error) {
	runID := uuid.NewString()

	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return false, ErrAlreadyRunning
	}
	c.state = models.StateCrawling
	c.stopCh = make(chan struct{})
	c.stopping = false
	c.resumeCh = nil
	c.mu.Unlock()

	// A finished or failed run may have left URLs in the frontier.
	c.clearRun()

	c.mu.Lock()
	c.summary = models.RunSummary{
		RunID:     runID,
		Seeds:     append([]string(nil), seeds...),
		StartedAt: time.Now(),
	}
	c.mu.Unlock()

	log := c.logger.With(zap.String("run_id", runID))
	c.archiver.SetRunID(runID)
	log.Info("crawl started", zap.Int("seeds", len(seeds)), zap.Int("workers", c.workers), zap.Int("batch_size", c.batchSize))

	if err := c.archiver.Prepare(); err != nil {
		log.Error("crawl setup failed", zap.Error(err))
		c.finish(models.StateError)
		return false, err
	}

	for _, seed := range seeds {
		if c.stopRequested() || ctx.Err() != nil {
			break
		}
		c.setCurrentWebsite(seed)
		c.crawlSeed(ctx, log, seed)
	}

	switch {
	case c.stopRequested():
		log.Info("crawl stopped")
		c.finish(models.StateIdle)
		c.reset()
		return false, ErrStopped
	case ctx.Err() != nil:
		log.Warn("crawl cancelled", zap.Error(ctx.Err()))
		c.finish(models.StateError)
		return false, ctx.Err()
	}

	c.finish(models.StateCompleted)
	s := c.Summary()
	log.Info("crawl completed",
		zap.Int("pages", s.PagesVisited),
		zap.Int("page_failures", s.PageFailures),
		zap.Int("files", s.FilesDownloaded),
		zap.Int("files_skipped", s.FilesSkipped),
		zap.Duration("elapsed", s.Duration()),
	)
	return true, nil
}

func (c *Crawler) finish(state models.CrawlState) {
	c.mu.Lock()
	c.state = state
	c.summary.FinishedAt = time.Now()
	c.resumeCh = nil
	c.mu.Unlock()
	c.rotator.CloseIdleConnections()
}

// crawlSeed runs the batch loop for one seed until its frontier drains.
func (c *Crawler) crawlSeed(ctx context.Context, log *zap.Logger, seed string) {
	log = log.With(zap.String("seed", seed))

	u, err := url.Parse(strings.TrimSpace(seed))
	if err != nil || !utils.IsHTTP(u) {
		log.Warn("invalid seed, skipping", zap.Error(err))
		c.skipSeed(seed)
		return
	}
	if c.blocklist.Blocks(seed) {
		log.Debug("seed is blocklisted, skipping")
		c.metrics.IncDenial("blocklist")
		c.skipSeed(seed)
		return
	}

	origin := utils.Origin(u)
	if c.cfg.RespectRobotsTxt {
		if _, err := c.policy.GetPolicy(ctx, origin); err != nil {
			log.Debug("robots.txt unavailable, allowing", zap.Error(err))
		}
		if c.policy.DisallowsAll(origin) {
			log.Info("seed host disallows all crawling, skipping")
			c.metrics.IncDenial("robots")
			c.skipSeed(seed)
			return
		}
	}

	seedHost := strings.ToLower(u.Host)
	c.frontier.Push(u.String())
	c.metrics.FrontierPending.Set(float64(c.frontier.Len()))

	for {
		if c.stopRequested() || ctx.Err() != nil {
			return
		}
		if !c.waitIfPaused(ctx) {
			return
		}
		batch := c.frontier.PopBatch(c.batchSize)
		if len(batch) == 0 {
			return
		}

		started := time.Now()
		discovered := c.runBatch(ctx, log, batch, seedHost)
		added := c.frontier.PushBatch(discovered)
		c.metrics.BatchDuration.Observe(time.Since(started).Seconds())
		c.metrics.FrontierPending.Set(float64(c.frontier.Len()))
		log.Debug("batch done",
			zap.Int("dispatched", len(batch)),
			zap.Int("discovered", len(discovered)),
			zap.Int("enqueued", added),
			zap.Int("pending", c.frontier.Len()),
		)

		if c.frontier.Len() > 0 {
			c.pause(ctx, c.batchDelay())
		}
	}
}

// runBatch fetches every URL of batch on the worker pool and returns the
// links they discovered. Task failures and timeouts are logged and yield
// nothing; they never fail the batch.
func (c *Crawler) runBatch(ctx context.Context, log *zap.Logger, batch []string, seedHost string) []string {
	var (
		g     errgroup.Group
		mu    sync.Mutex
		found []string
	)
	g.SetLimit(c.workers)

	for _, pageURL := range batch {
		pageURL := pageURL
		g.Go(func() error {
			taskCtx, cancel := context.WithTimeout(ctx, seconds(c.cfg.TaskTimeout))
			defer cancel()

			links, err := c.processURL(taskCtx, log, pageURL, seedHost)
			if err == nil && taskCtx.Err() != nil {
				err = taskCtx.Err()
			}
			if err != nil {
				log.Warn("task failed", zap.String("url", pageURL), zap.Error(err))
				return nil
			}
			mu.Lock()
			found = append(found, links...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return found
}

// processURL is one unit of work: fetch a page, download the files it
// references and return its same-host links.
func (c *Crawler) processURL(ctx context.Context, log *zap.Logger, pageURL, seedHost string) ([]string, error) {
	if c.blocklist.Blocks(pageURL) {
		c.metrics.IncDenial("blocklist")
		log.Debug("blocked", zap.String("url", pageURL))
		return nil, nil
	}
	if !c.frontier.MarkVisited(pageURL) {
		return nil, nil
	}
	c.pagesVisited.Add(1)

	if !c.policy.IsAllowed(ctx, pageURL) {
		c.metrics.IncDenial("robots")
		log.Debug("disallowed by robots.txt", zap.String("url", pageURL))
		return nil, nil
	}
	if err := c.policy.Wait(ctx, pageURL); err != nil {
		return nil, err
	}

	session := c.rotator.NewSession()
	getter := retryGetter{session: session, attempts: c.cfg.RetryAttempts, logger: log}

	reqCtx, cancel := context.WithTimeout(ctx, seconds(c.cfg.RequestTimeout))
	defer cancel()
	resp, err := getter.Get(reqCtx, pageURL)
	if err != nil {
		c.pageFailed()
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.pageFailed()
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !extractor.IsWebpageMIME(ct) {
		c.metrics.IncPage("non_html")
		log.Debug("not a web page, not parsed", zap.String("url", pageURL), zap.String("content_type", ct))
		return nil, nil
	}

	limit := c.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 50 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		c.pageFailed()
		return nil, fmt.Errorf("read body: %w", err)
	}

	page, err := c.extractor.Parse(body, pageURL)
	if err != nil {
		c.pageFailed()
		return nil, err
	}
	c.metrics.IncPage("ok")

	for _, cand := range c.extractor.ExtractFileLinks(page) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.harvest(ctx, log, session, cand)
	}
	return c.extractor.ExtractPageLinks(page, seedHost), nil
}

func (c *Crawler) pageFailed() {
	c.pageFailures.Add(1)
	c.metrics.IncPage("failed")
}

// harvest downloads and saves one file candidate.
func (c *Crawler) harvest(ctx context.Context, log *zap.Logger, session *identity.Session, cand models.FileCandidate) {
	if c.blocklist.Blocks(cand.URL) {
		c.metrics.IncDenial("blocklist")
		log.Debug("blocked", zap.String("url", cand.URL))
		return
	}
	if !c.frontier.MarkVisited(cand.URL) {
		return
	}

	article := cand.AnchorText
	if article == "" {
		article = utils.BaseName(cand.URL)
	}
	c.setCurrentArticle(article)

	if err := c.policy.Wait(ctx, cand.URL); err != nil {
		return
	}

	dlCtx, cancel := context.WithTimeout(ctx, seconds(c.cfg.DownloadTimeout))
	defer cancel()

	getter := retryGetter{session: session, attempts: c.cfg.RetryAttempts, logger: log}
	body, err := c.archiver.Download(dlCtx, getter, cand.URL, cand.FileType)
	if err == nil {
		_, err = c.archiver.Save(body, cand.URL, cand.FileType)
	}
	switch {
	case err == nil:
		c.metrics.IncFile("saved", cand.FileType)
	case errors.Is(err, archiver.ErrSkipped):
		c.filesSkipped.Add(1)
		c.metrics.IncFile("skipped", cand.FileType)
		log.Debug("file skipped", zap.String("url", cand.URL), zap.Error(err))
	default:
		c.metrics.IncFile("failed", cand.FileType)
		log.Warn("file download failed", zap.String("url", cand.URL), zap.Error(err))
	}
}

func (c *Crawler) batchDelay() time.Duration {
	lo, hi := c.cfg.BatchDelayMin, c.cfg.BatchDelayMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// pause sleeps for d unless the run is cancelled or stopped first.
func (c *Crawler) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	stop := c.stopCh
	c.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-stop:
	}
}

// waitIfPaused blocks while the crawler is PAUSED. It returns false when
// the run should end instead of continuing.
func (c *Crawler) waitIfPaused(ctx context.Context) bool {
	c.mu.Lock()
	resume, stop := c.resumeCh, c.stopCh
	c.mu.Unlock()
	if resume == nil {
		return true
	}
	select {
	case <-resume:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}

// Pause moves CRAWLING to PAUSED. The running batch finishes first.
func (c *Crawler) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != models.StateCrawling {
		return false
	}
	c.state = models.StatePaused
	c.resumeCh = make(chan struct{})
	return true
}

// Resume moves PAUSED back to CRAWLING.
func (c *Crawler) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != models.StatePaused {
		return false
	}
	c.state = models.StateCrawling
	close(c.resumeCh)
	c.resumeCh = nil
	return true
}

// Stop asks an active run to end after its current batch; the crawler
// resets to IDLE when it does. With no active run it resets immediately.
func (c *Crawler) Stop() {
	c.mu.Lock()
	if !c.state.Active() {
		c.mu.Unlock()
		c.reset()
		return
	}
	if !c.stopping {
		c.stopping = true
		close(c.stopCh)
	}
	c.mu.Unlock()
}

func (c *Crawler) stopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// Reset clears the frontier, visited set, download log, counters and
// robots cache and returns to IDLE.
func (c *Crawler) Reset() error {
	c.mu.Lock()
	active := c.state.Active()
	c.mu.Unlock()
	if active {
		return ErrAlreadyRunning
	}
	c.reset()
	return nil
}

func (c *Crawler) reset() {
	c.clearRun()

	c.mu.Lock()
	c.state = models.StateIdle
	c.stopping = false
	c.mu.Unlock()
}

// clearRun drops everything a run accumulates but leaves the state alone.
func (c *Crawler) clearRun() {
	c.frontier.Reset()
	c.policy.Reset()
	c.archiver.Reset()
	c.pagesVisited.Store(0)
	c.pageFailures.Store(0)
	c.filesSkipped.Store(0)
	c.metrics.FrontierPending.Set(0)

	c.mu.Lock()
	c.currentWebsite = ""
	c.currentArticle = ""
	c.summary = models.RunSummary{}
	c.mu.Unlock()
}

func (c *Crawler) skipSeed(seed string) {
	c.mu.Lock()
	c.summary.SkippedSeeds = append(c.summary.SkippedSeeds, seed)
	c.mu.Unlock()
}

func (c *Crawler) setCurrentWebsite(s string) {
	c.mu.Lock()
	c.currentWebsite = s
	c.mu.Unlock()
}

func (c *Crawler) setCurrentArticle(s string) {
	c.mu.Lock()
	c.currentArticle = s
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Crawler) State() models.CrawlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetCurrentWebsite returns the seed being crawled.
func (c *Crawler) GetCurrentWebsite() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentWebsite
}

// GetCurrentArticle returns the anchor text (or file name) of the most
// recent download attempt.
func (c *Crawler) GetCurrentArticle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentArticle
}

// GetProgress is a rough estimate in [0,100]: pages visited against
// seeds times the configured factor. It is not a completion percentage.
func (c *Crawler) GetProgress() float64 {
	c.mu.Lock()
	seeds := len(c.summary.Seeds)
	c.mu.Unlock()

	factor := c.cfg.ProgressFactor
	if factor <= 0 {
		factor = 10
	}
	if seeds == 0 {
		return 0
	}
	p := float64(c.pagesVisited.Load()) / float64(seeds*factor) * 100
	if p > 100 {
		return 100
	}
	return p
}

// GetBlockList returns the configured blocklist tokens.
func (c *Crawler) GetBlockList() []string {
	return c.blocklist.List()
}

// DownloadCount returns the number of files saved this run.
func (c *Crawler) DownloadCount() int {
	return c.archiver.Count()
}

// Records returns the download log of this run.
func (c *Crawler) Records() []models.DownloadRecord {
	return c.archiver.Records()
}

// Summary returns the account of the current or most recent run.
func (c *Crawler) Summary() models.RunSummary {
	c.mu.Lock()
	s := c.summary
	s.State = c.state
	s.Seeds = append([]string(nil), c.summary.Seeds...)
	s.SkippedSeeds = append([]string(nil), c.summary.SkippedSeeds...)
	c.mu.Unlock()

	s.PagesVisited = int(c.pagesVisited.Load())
	s.PageFailures = int(c.pageFailures.Load())
	s.FilesSkipped = int(c.filesSkipped.Load())
	s.FilesDownloaded = c.archiver.Count()
	s.Downloads = c.archiver.Records()
	s.Progress = c.GetProgress()
	return s
}
