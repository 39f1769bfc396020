package reporter

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amosWeiskopf/fileharvest/internal/models"
)

func sampleSummary() models.RunSummary {
	start := time.Date(2025, 9, 30, 8, 0, 0, 0, time.UTC)
	return models.RunSummary{
		RunID:           "run-1",
		State:           models.StateCompleted,
		Seeds:           []string{"https://example.com/", "https://tracker.example.com/"},
		SkippedSeeds:    []string{"https://tracker.example.com/"},
		PagesVisited:    2,
		PageFailures:    1,
		FilesDownloaded: 1,
		FilesSkipped:    3,
		Progress:        20,
		StartedAt:       start,
		FinishedAt:      start.Add(90 * time.Second),
		Downloads: []models.DownloadRecord{{
			RunID:     "run-1",
			Timestamp: start.Add(10 * time.Second),
			FileName:  "report.pdf",
			FileType:  ".pdf",
			SourceURL: "https://example.com/docs/report.pdf",
			LocalPath: "/tmp/PDF/report.pdf",
			Size:      1234,
		}},
	}
}

func TestGenerateJSON(t *testing.T) {
	out, err := New().Generate(sampleSummary(), "json")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "COMPLETED", decoded["state"])
	assert.EqualValues(t, 1, decoded["files_downloaded"])
	assert.Len(t, decoded["downloads"], 1)
}

func TestGenerateText(t *testing.T) {
	out, err := New().Generate(sampleSummary(), "text")
	require.NoError(t, err)

	assert.Contains(t, out, "Crawl run-1: COMPLETED")
	assert.Contains(t, out, "2 visited, 1 failed")
	assert.Contains(t, out, "1 downloaded, 3 skipped")
	assert.Contains(t, out, "skipped seed: https://tracker.example.com/")
	assert.Contains(t, out, `FileName:"report.pdf" Url:"https://example.com/docs/report.pdf"`)
	assert.Contains(t, out, "1m30s")
}

func TestGenerateMarkdown(t *testing.T) {
	out, err := New().Generate(sampleSummary(), "markdown")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "# Crawl Report"))
	assert.Contains(t, out, "## Counts")
	assert.Contains(t, out, "## Downloads")
	assert.Contains(t, out, "report.pdf")
	assert.Contains(t, out, "1 seed(s) were skipped")
	assert.Contains(t, out, "- https://example.com/")
}

func TestGenerateMarkdownNoDownloads(t *testing.T) {
	s := sampleSummary()
	s.SkippedSeeds = nil
	s.Downloads = nil
	s.FilesDownloaded = 0

	out, err := New().Generate(s, "md")
	require.NoError(t, err)
	assert.NotContains(t, out, "## Downloads")
	assert.Contains(t, out, "No files matched")
}

func TestGenerateHTML(t *testing.T) {
	out, err := New().Generate(sampleSummary(), "HTML")
	require.NoError(t, err)

	assert.Contains(t, out, "<title>Crawl Report - run-1</title>")
	assert.Contains(t, out, `<a href="https://example.com/docs/report.pdf">`)
	assert.Contains(t, out, "<td>20%</td>")
}

func TestGenerateUnsupportedFormat(t *testing.T) {
	_, err := New().Generate(sampleSummary(), "pdf")
	assert.EqualError(t, err, "unsupported format: pdf")
}

func TestSupported(t *testing.T) {
	for _, f := range Formats {
		assert.True(t, Supported(f), f)
	}
	assert.True(t, Supported("MD"))
	assert.False(t, Supported("xml"))
}

func TestStampZeroTime(t *testing.T) {
	s := sampleSummary()
	s.FinishedAt = time.Time{}
	out, err := New().Generate(s, "text")
	require.NoError(t, err)
	assert.Contains(t, out, "finished  -")
}
