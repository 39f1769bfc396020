// Package archiver downloads file candidates, checks them against the
// expected MIME type and stores them under a per-type directory.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amosWeiskopf/fileharvest/internal/models"
	"github.com/amosWeiskopf/fileharvest/pkg/utils"
)

// ErrSkipped marks a normal non-download: robots denial, MIME mismatch,
// oversized body or a file that already exists.
var ErrSkipped = errors.New("skipped")

// expectedMIME maps a file-type token to the Content-Type it must carry.
// Types not listed are accepted with any Content-Type.
var expectedMIME = map[string]string{
	".pdf": "application/pdf",
	".txt": "text/plain",
	".jpg": "image/jpeg",
	".png": "image/png",
}

// Getter performs a GET; identity sessions satisfy it.
type Getter interface {
	Get(ctx context.Context, rawURL string) (*http.Response, error)
}

// Policy answers robots.txt questions; the politeness cache satisfies it.
type Policy interface {
	IsAllowed(ctx context.Context, rawURL string) bool
}

// Archiver owns the resource store, the download counter and the
// in-memory download log of one crawler.
type Archiver struct {
	root     string
	policy   Policy
	maxBytes int64
	logger   *zap.Logger
	daily    *DailyLog
	history  *History
	now      func() time.Time

	countMu sync.Mutex
	count   int
	seq     int // fallback file names

	recMu   sync.Mutex
	records []models.DownloadRecord
	runID   string
}

// Option configures an Archiver.
type Option func(*Archiver)

func WithLogger(l *zap.Logger) Option { return func(a *Archiver) { a.logger = l } }

// WithPolicy re-checks robots.txt before every download.
func WithPolicy(p Policy) Option { return func(a *Archiver) { a.policy = p } }

// WithMaxBytes caps the size of a downloaded body.
func WithMaxBytes(n int64) Option { return func(a *Archiver) { a.maxBytes = n } }

// WithDailyLog appends every download line to a per-day file.
func WithDailyLog(d *DailyLog) Option { return func(a *Archiver) { a.daily = d } }

// WithHistory inserts every record into the SQLite ledger.
func WithHistory(h *History) Option { return func(a *Archiver) { a.history = h } }

func withClock(now func() time.Time) Option { return func(a *Archiver) { a.now = now } }

// New creates an Archiver rooted at root.
func New(root string, opts ...Option) *Archiver {
	a := &Archiver{
		root:     root,
		maxBytes: 50 << 20,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Root returns the resource store directory.
func (a *Archiver) Root() string { return a.root }

// Prepare creates the resource root. A failure here is fatal for a run.
func (a *Archiver) Prepare() error {
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return fmt.Errorf("create resource root: %w", err)
	}
	if a.daily != nil {
		if err := a.daily.Prepare(); err != nil {
			return err
		}
	}
	return nil
}

// SetRunID tags subsequent records with id.
func (a *Archiver) SetRunID(id string) {
	a.recMu.Lock()
	a.runID = id
	a.recMu.Unlock()
}

// Download fetches rawURL through g and returns the body only when the
// response is 200 and its Content-Type matches fileType. Robots denial and
// type mismatch return an error wrapping ErrSkipped.
func (a *Archiver) Download(ctx context.Context, g Getter, rawURL, fileType string) ([]byte, error) {
	if a.policy != nil && !a.policy.IsAllowed(ctx, rawURL) {
		return nil, fmt.Errorf("%w: disallowed by robots.txt", ErrSkipped)
	}

	resp, err := g.Get(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !MIMEMatches(contentType, fileType) {
		return nil, fmt.Errorf("%w: content type %q does not match %s", ErrSkipped, contentType, fileType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(body)) > a.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrSkipped, a.maxBytes)
	}
	return body, nil
}

// MIMEMatches applies the expected-MIME table with substring semantics.
func MIMEMatches(contentType, fileType string) bool {
	want, ok := expectedMIME[strings.ToLower(fileType)]
	if !ok {
		return true
	}
	return strings.Contains(strings.ToLower(contentType), want)
}

// Save writes content to <root>/<TYPE>/<filename>. An existing file is
// never overwritten; the call returns ErrSkipped instead.
func (a *Archiver) Save(content []byte, rawURL, fileType string) (*models.DownloadRecord, error) {
	dir := filepath.Join(a.root, TypeDir(fileType))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	name := utils.SanitizeFilename(utils.BaseName(rawURL))
	if name == "" {
		name = fmt.Sprintf("file_%d%s", a.nextSeq(), strings.ToLower(fileType))
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		a.logger.Debug("file already downloaded, skipped", zap.String("path", path), zap.String("url", rawURL))
		return nil, fmt.Errorf("%w: %s already exists", ErrSkipped, path)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close %s: %w", path, err)
	}

	a.countMu.Lock()
	a.count++
	a.countMu.Unlock()

	a.recMu.Lock()
	rec := models.DownloadRecord{
		RunID:     a.runID,
		Timestamp: a.now(),
		FileName:  name,
		FileType:  strings.ToLower(fileType),
		SourceURL: rawURL,
		LocalPath: path,
		Size:      int64(len(content)),
	}
	a.records = append(a.records, rec)
	a.recMu.Unlock()

	line := rec.LogLine()
	a.logger.Info(line, zap.String("path", path), zap.Int64("bytes", rec.Size))
	if a.daily != nil {
		if err := a.daily.Append(rec.Timestamp, line); err != nil {
			a.logger.Warn("append download log", zap.Error(err))
		}
	}
	if a.history != nil {
		if err := a.history.Record(context.Background(), rec); err != nil {
			a.logger.Warn("record download history", zap.Error(err))
		}
	}
	return &rec, nil
}

func (a *Archiver) nextSeq() int {
	a.countMu.Lock()
	defer a.countMu.Unlock()
	a.seq++
	return a.seq
}

// Count returns the number of files saved since the last Reset.
func (a *Archiver) Count() int {
	a.countMu.Lock()
	defer a.countMu.Unlock()
	return a.count
}

// Records returns a copy of the download log.
func (a *Archiver) Records() []models.DownloadRecord {
	a.recMu.Lock()
	defer a.recMu.Unlock()
	return append([]models.DownloadRecord(nil), a.records...)
}

// Reset clears the counter and the download log. Files on disk stay.
func (a *Archiver) Reset() {
	a.countMu.Lock()
	a.count, a.seq = 0, 0
	a.countMu.Unlock()

	a.recMu.Lock()
	a.records = nil
	a.runID = ""
	a.recMu.Unlock()
}

// TypeDir is the directory name for a file-type token: ".pdf" -> "PDF".
func TypeDir(fileType string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(fileType), "."))
}
