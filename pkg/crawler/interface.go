package crawler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/amosWeiskopf/fileharvest/internal/metrics"
	"github.com/amosWeiskopf/fileharvest/internal/models"
	"github.com/amosWeiskopf/fileharvest/pkg/archiver"
)

// Controller is what an outer layer (CLI, scheduler, HTTP API) drives.
type Controller interface {
	// StartCrawl runs the configured source list to completion.
	StartCrawl(ctx context.Context) (bool, error)

	// Stop prevents further batches and resets once the run unwinds.
	Stop()

	// Reset clears all run state; it fails while a run is active.
	Reset() error

	// Pause and Resume take effect between batches.
	Pause() bool
	Resume() bool

	State() models.CrawlState
	GetCurrentWebsite() string
	GetCurrentArticle() string
	GetProgress() float64
	GetBlockList() []string
	Summary() models.RunSummary
}

var _ Controller = (*Crawler)(nil)

// Option configures a Crawler.
type Option func(*Crawler)

// WithLogger sets the base logger; every run adds a run_id field.
func WithLogger(l *zap.Logger) Option {
	return func(c *Crawler) { c.logger = l }
}

// WithMetrics reports into m instead of a private registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Crawler) { c.metrics = m }
}

// WithTransport sets the base transport cloned into every session.
func WithTransport(t *http.Transport) Option {
	return func(c *Crawler) { c.transport = t }
}

// WithHistory records every download in the SQLite ledger. The caller
// keeps ownership and closes it.
func WithHistory(h *archiver.History) Option {
	return func(c *Crawler) { c.history = h }
}
