package archiver

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/amosWeiskopf/fileharvest/internal/models"
)

// History is a SQLite ledger of every file saved. It is only written
// during a crawl; nothing reads it back to skip downloads.
type History struct {
	db *sql.DB
}

// OpenHistory opens or creates the ledger at path.
func OpenHistory(path string) (*History, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	h := &History{db: db}
	if err := h.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history tables: %w", err)
	}
	return h, nil
}

func (h *History) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_type TEXT NOT NULL,
		source_url TEXT NOT NULL,
		local_path TEXT NOT NULL,
		size INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_run ON downloads(run_id);
	CREATE INDEX IF NOT EXISTS idx_downloads_timestamp ON downloads(timestamp);
	`
	_, err := h.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// Record inserts rec.
func (h *History) Record(ctx context.Context, rec models.DownloadRecord) error {
	_, err := h.db.ExecContext(ctx, `
	INSERT INTO downloads (run_id, timestamp, file_name, file_type, source_url, local_path, size)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.FileName, rec.FileType,
		rec.SourceURL, rec.LocalPath, rec.Size,
	)
	if err != nil {
		return fmt.Errorf("insert download: %w", err)
	}
	return nil
}

// Records returns the most recent downloads first. limit <= 0 means all;
// a non-empty runID restricts the result to one run.
func (h *History) Records(ctx context.Context, runID string, limit int) ([]models.DownloadRecord, error) {
	query := `SELECT run_id, timestamp, file_name, file_type, source_url, local_path, size FROM downloads`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()

	var out []models.DownloadRecord
	for rows.Next() {
		var (
			rec models.DownloadRecord
			ts  string
		)
		if err := rows.Scan(&rec.RunID, &ts, &rec.FileName, &rec.FileType, &rec.SourceURL, &rec.LocalPath, &rec.Size); err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
