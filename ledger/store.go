// Package ledger keeps a SQLite record of every file an export writes: run,
// parcellation, version, size and sha256. It lives outside the output tree.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/julichbrain/atlas-export/interfaces"
	"github.com/julichbrain/atlas-export/ledger/migrations"
)

// Store is the export ledger.
type Store struct {
	db *sql.DB
}

var (
	_ interfaces.ExportRecorder = (*Store)(nil)
	_ interfaces.ExportHistory  = (*Store)(nil)
)

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Open opens (creating if needed) the ledger at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordExport inserts one export record.
func (s *Store) RecordExport(ctx context.Context, rec interfaces.ExportRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.RunID == "" || rec.Version == "" || rec.File == "" {
		return fmt.Errorf("export record needs run id, version and file: %+v", rec)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exports (run_id, parcellation, version, file, bytes, sha256, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Parcellation, rec.Version, rec.File, rec.Bytes, rec.SHA256, toMillis(created),
	)
	if err != nil {
		return fmt.Errorf("insert export record: %w", err)
	}
	return nil
}

// ListExports returns the records of version in insertion order; an empty
// version lists everything.
func (s *Store) ListExports(ctx context.Context, version string) ([]interfaces.ExportRecord, error) {
	query := `SELECT run_id, parcellation, version, file, bytes, sha256, created_at FROM exports`
	var args []any
	if version != "" {
		query += ` WHERE version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []interfaces.ExportRecord
	for rows.Next() {
		var rec interfaces.ExportRecord
		var created int64
		if err := rows.Scan(&rec.RunID, &rec.Parcellation, &rec.Version, &rec.File, &rec.Bytes, &rec.SHA256, &created); err != nil {
			return nil, fmt.Errorf("scan export record: %w", err)
		}
		rec.CreatedAt = fromMillis(created)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export records: %w", err)
	}
	return out, nil
}
