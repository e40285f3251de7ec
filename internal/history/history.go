// Package history persists scan job records.
//
// A record is saved when the job is created, when it starts running and when
// it finishes. Saving is idempotent by job id. Once a record is terminal it
// can't change anymore.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/CZERTAINLY/garakd/internal/model"
)

type Store interface {
	// Save inserts or replaces the record with the same id. Saving an
	// identical record is a no-op, changing a terminal record returns
	// model.ErrAlreadyFinished.
	Save(ctx context.Context, job model.ScanJob) error
	// Get returns model.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (model.ScanJob, error)
	// List returns all records ordered by creation time, then id.
	List(ctx context.Context) ([]model.ScanJob, error)
	Close() error
}

// Open opens the data directory and the store configured by cfg.
// The caller closes both.
func Open(ctx context.Context, cfg *model.History) (Store, *Dir, error) {
	dir, err := OpenDir(cfg.DataDir())
	if err != nil {
		return nil, nil, err
	}
	var store Store
	switch backend := cfg.BackendName(); backend {
	case model.HistoryFile:
		store = NewFileStore(dir)
	case model.HistorySQLite:
		store, err = NewSQLiteStore(ctx, filepath.Join(dir.Path(), "history.db"))
	default:
		err = fmt.Errorf("unsupported history backend %q", backend)
	}
	if err != nil {
		_ = dir.Close()
		return nil, nil, err
	}
	return store, dir, nil
}

func encode(job model.ScanJob) ([]byte, error) {
	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	return b, nil
}

func decode(b []byte) (model.ScanJob, error) {
	var job model.ScanJob
	if err := json.Unmarshal(b, &job); err != nil {
		return model.ScanJob{}, fmt.Errorf("decoding job record: %w", err)
	}
	return job, nil
}

// checkUpdate returns (true, nil) when the stored record is identical and
// there is nothing to write.
func checkUpdate(stored, next []byte) (bool, error) {
	if bytes.Equal(stored, next) {
		return true, nil
	}
	old, err := decode(stored)
	if err != nil {
		// a broken record is replaced
		return false, nil
	}
	if old.IsTerminal() {
		return false, fmt.Errorf("job %s: %w", old.ID, model.ErrAlreadyFinished)
	}
	return false, nil
}

func sortJobs(jobs []model.ScanJob) {
	slices.SortFunc(jobs, func(a, b model.ScanJob) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
