package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/CZERTAINLY/garakd/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps records in a single table, one JSON document per job.
type SQLiteStore struct {
	mx sync.Mutex // one writer at a time
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{"busy_timeout(5000)", "journal_mode(WAL)"},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			record TEXT NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating scans table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, job model.ScanJob) error {
	next, err := encode(job)
	if err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, job.ID)

	var stored string
	err = tx.QueryRowContext(ctx,
		`SELECT record FROM scans WHERE id=?`, job.ID,
	).Scan(&stored)
	switch {
	case err == nil:
		same, err := checkUpdate([]byte(stored), next)
		if err != nil || same {
			return err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scans (id, created_at, status, record) VALUES (?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			record = excluded.record;`,
		job.ID, job.CreatedAt.UnixNano(), string(job.Status), string(next),
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	slog.DebugContext(ctx, "job record saved", "scan_id", job.ID, "status", job.Status)
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.ScanJob, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM scans WHERE id=?`, id,
	).Scan(&record)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.ScanJob{}, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	case err != nil:
		return model.ScanJob{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return decode([]byte(record))
}

func (s *SQLiteStore) List(ctx context.Context) ([]model.ScanJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record FROM scans ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var jobs []model.ScanJob
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		job, err := decode([]byte(record))
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable job record", "scan_id", id, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func rollback(ctx context.Context, tx *sql.Tx, id string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("scan_id", id))
	}
}
