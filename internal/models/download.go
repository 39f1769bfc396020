package models

import (
	"fmt"
	"time"
)

// LogTimeLayout is the timestamp format of crawl log lines.
const LogTimeLayout = "2006-01-02 15:04:05"

// FileCandidate is an anchor identified as a downloadable resource.
type FileCandidate struct {
	URL        string `json:"url"`
	FileType   string `json:"file_type"` // the configured token that matched, e.g. ".pdf"
	AnchorText string `json:"anchor_text"`
}

// DownloadRecord describes one file saved to the resource store.
// Records are never mutated after creation.
type DownloadRecord struct {
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	FileName  string    `json:"file_name"`
	FileType  string    `json:"file_type"`
	SourceURL string    `json:"source_url"`
	LocalPath string    `json:"local_path"`
	Size      int64     `json:"size"`
}

// LogLine renders the record as a crawl log line:
// [<timestamp>] FileName:"<name>" Url:"<url>"
func (r DownloadRecord) LogLine() string {
	return fmt.Sprintf("[%s] FileName:%q Url:%q", r.Timestamp.Format(LogTimeLayout), r.FileName, r.SourceURL)
}

// RunSummary is the end-of-run account of a crawl.
type RunSummary struct {
	RunID           string           `json:"run_id"`
	State           CrawlState       `json:"state"`
	Seeds           []string         `json:"seeds"`
	SkippedSeeds    []string         `json:"skipped_seeds"`
	PagesVisited    int              `json:"pages_visited"`
	PageFailures    int              `json:"page_failures"`
	FilesDownloaded int              `json:"files_downloaded"`
	FilesSkipped    int              `json:"files_skipped"`
	Progress        float64          `json:"progress"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	Downloads       []DownloadRecord `json:"downloads"`
}

// Duration returns the wall time of the run.
func (s RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
