// Package reporter renders the end-of-run summary of a crawl.
package reporter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"

	"github.com/amosWeiskopf/fileharvest/internal/models"
)

// Formats lists the supported output formats.
var Formats = []string{"text", "json", "markdown", "html"}

// Supported reports whether format can be rendered.
func Supported(format string) bool {
	switch strings.ToLower(format) {
	case "", "text", "json", "markdown", "md", "html":
		return true
	}
	return false
}

// Reporter handles report generation in various formats
type Reporter struct {
	timeLayout string
}

// New creates a new Reporter instance
func New() *Reporter {
	return &Reporter{timeLayout: models.LogTimeLayout}
}

// Generate renders s in format and returns it as a string.
func (r *Reporter) Generate(s models.RunSummary, format string) (string, error) {
	var buf bytes.Buffer
	if err := r.Render(&buf, s, format); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Render writes s to w in format.
func (r *Reporter) Render(w io.Writer, s models.RunSummary, format string) error {
	switch strings.ToLower(format) {
	case "", "text":
		return r.renderText(w, s)
	case "json":
		return r.renderJSON(w, s)
	case "markdown", "md":
		return r.renderMarkdown(w, s)
	case "html":
		return r.renderHTML(w, s)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func (r *Reporter) renderJSON(w io.Writer, s models.RunSummary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func (r *Reporter) renderText(w io.Writer, s models.RunSummary) error {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "Crawl %s: %s\n", s.RunID, s.State)
	fmt.Fprintf(&buf, "  started   %s\n", r.stamp(s.StartedAt))
	fmt.Fprintf(&buf, "  finished  %s (%s)\n", r.stamp(s.FinishedAt), s.Duration().Round(time.Millisecond))
	fmt.Fprintf(&buf, "  seeds     %d (%d skipped)\n", len(s.Seeds), len(s.SkippedSeeds))
	fmt.Fprintf(&buf, "  pages     %d visited, %d failed\n", s.PagesVisited, s.PageFailures)
	fmt.Fprintf(&buf, "  files     %d downloaded, %d skipped\n", s.FilesDownloaded, s.FilesSkipped)
	fmt.Fprintf(&buf, "  progress  %.0f%%\n", s.Progress)

	for _, seed := range s.SkippedSeeds {
		fmt.Fprintf(&buf, "  skipped seed: %s\n", seed)
	}
	if len(s.Downloads) > 0 {
		fmt.Fprintf(&buf, "\n")
		for _, d := range s.Downloads {
			fmt.Fprintln(&buf, d.LogLine())
		}
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func (r *Reporter) renderMarkdown(w io.Writer, s models.RunSummary) error {
	md := markdown.NewMarkdown(w)

	md.H1("Crawl Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run ID", "`" + s.RunID + "`"},
			{"State", s.State.String()},
			{"Started", r.stamp(s.StartedAt)},
			{"Finished", r.stamp(s.FinishedAt)},
			{"Duration", s.Duration().Round(time.Millisecond).String()},
			{"Progress", strconv.FormatFloat(s.Progress, 'f', 0, 64) + "%"},
		},
	})
	md.PlainText("")

	md.H2("Counts")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Metric", "Count"},
		Rows: [][]string{
			{"Seeds", strconv.Itoa(len(s.Seeds))},
			{"Skipped seeds", strconv.Itoa(len(s.SkippedSeeds))},
			{"Pages visited", strconv.Itoa(s.PagesVisited)},
			{"Page failures", strconv.Itoa(s.PageFailures)},
			{"Files downloaded", strconv.Itoa(s.FilesDownloaded)},
			{"Files skipped", strconv.Itoa(s.FilesSkipped)},
		},
	})
	md.PlainText("")

	switch {
	case s.State == models.StateError:
		md.Cautionf("The crawl ended in %s.", s.State)
	case len(s.SkippedSeeds) > 0:
		md.Warningf("%d seed(s) were skipped by blocklist or robots.txt.", len(s.SkippedSeeds))
	case s.FilesDownloaded == 0:
		md.Note("No files matched the configured types and keywords.")
	default:
		md.Tip("All seeds were crawled.")
	}
	md.PlainText("")

	if len(s.Seeds) > 0 {
		md.H2("Seeds")
		md.PlainText("")
		md.BulletList(s.Seeds...)
		md.PlainText("")
	}

	if len(s.Downloads) > 0 {
		md.H2("Downloads")
		md.PlainText("")
		rows := make([][]string, 0, len(s.Downloads))
		for _, d := range s.Downloads {
			rows = append(rows, []string{
				r.stamp(d.Timestamp),
				d.FileName,
				d.SourceURL,
				strconv.FormatInt(d.Size, 10),
			})
		}
		md.Table(markdown.TableSet{
			Header: []string{"Time", "File", "URL", "Bytes"},
			Rows:   rows,
		})
	}

	return md.Build()
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Crawl Report - {{.RunID}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; max-width: 1000px; margin: 0 auto; padding: 20px; color: #333; }
        table { border-collapse: collapse; width: 100%; margin-bottom: 1.5rem; }
        th, td { border: 1px solid #ddd; padding: 0.4rem 0.6rem; text-align: left; }
        th { background: #f5f5f5; }
        .state { font-weight: bold; }
    </style>
</head>
<body>
    <h1>Crawl Report</h1>
    <p>Run <code>{{.RunID}}</code> <span class="state">{{.State}}</span></p>
    <table>
        <tr><th>Pages visited</th><td>{{.PagesVisited}}</td></tr>
        <tr><th>Page failures</th><td>{{.PageFailures}}</td></tr>
        <tr><th>Files downloaded</th><td>{{.FilesDownloaded}}</td></tr>
        <tr><th>Files skipped</th><td>{{.FilesSkipped}}</td></tr>
        <tr><th>Progress</th><td>{{printf "%.0f" .Progress}}%</td></tr>
    </table>
    {{if .Downloads}}
    <h2>Downloads</h2>
    <table>
        <tr><th>File</th><th>URL</th><th>Bytes</th></tr>
        {{range .Downloads}}
        <tr><td>{{.FileName}}</td><td><a href="{{.SourceURL}}">{{.SourceURL}}</a></td><td>{{.Size}}</td></tr>
        {{end}}
    </table>
    {{end}}
</body>
</html>
`

var reportTemplate = template.Must(template.New("report").Parse(htmlTemplate))

func (r *Reporter) renderHTML(w io.Writer, s models.RunSummary) error {
	if err := reportTemplate.Execute(w, s); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

func (r *Reporter) stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(r.timeLayout)
}
