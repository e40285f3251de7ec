package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/CZERTAINLY/garakd/internal/model"
	"github.com/CZERTAINLY/garakd/internal/parallel"
)

const listWorkers = 8

// FileStore keeps every record in <data>/<id>/job.json.
type FileStore struct {
	mx  sync.Mutex // one writer at a time
	dir *Dir
}

func NewFileStore(dir *Dir) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Save(ctx context.Context, job model.ScanJob) error {
	if !validID(job.ID) {
		return fmt.Errorf("%w: job id %q", ErrInvalidName, job.ID)
	}
	next, err := encode(job)
	if err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	stored, err := s.dir.readFile(job.ID, jobFile)
	switch {
	case err == nil:
		same, err := checkUpdate(stored, next)
		if err != nil || same {
			return err
		}
	case !errors.Is(err, model.ErrNotFound):
		return fmt.Errorf("reading job %s: %w", job.ID, err)
	}

	if err := s.dir.writeAtomic(job.ID, jobFile, next); err != nil {
		return err
	}
	slog.DebugContext(ctx, "job record saved", "scan_id", job.ID, "status", job.Status)
	return nil
}

func (s *FileStore) Get(_ context.Context, id string) (model.ScanJob, error) {
	if !validID(id) {
		return model.ScanJob{}, fmt.Errorf("job %q: %w", id, model.ErrNotFound)
	}
	b, err := s.dir.readFile(id, jobFile)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.ScanJob{}, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
		}
		return model.ScanJob{}, err
	}
	return decode(b)
}

// List skips directories without a readable record.
func (s *FileStore) List(ctx context.Context) ([]model.ScanJob, error) {
	ids, err := s.dir.jobIDs()
	if err != nil {
		return nil, err
	}
	load := func(ctx context.Context, id string) (model.ScanJob, error) {
		job, err := s.Get(ctx, id)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return job, fmt.Errorf("job %s: %w", id, err)
		}
		return job, err
	}

	jobs := make([]model.ScanJob, 0, len(ids))
	for job, err := range parallel.NewMap(ctx, listWorkers, load).Iter(parallel.Slice(ids)) {
		switch {
		case errors.Is(err, model.ErrNotFound):
			continue
		case err != nil:
			slog.WarnContext(ctx, "skipping unreadable job record", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *FileStore) Close() error {
	return nil
}
