package service

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/garakd/internal/garak"
	"github.com/CZERTAINLY/garakd/internal/history"
	"github.com/CZERTAINLY/garakd/internal/model"
)

func TestNewScheduler(t *testing.T) {
	t.Parallel()
	scan := model.ScanRequest{ModelName: "llama3", Probes: []string{"dan"}}
	noop := func(context.Context, model.Schedule) {}

	var testCases = []struct {
		scenario string
		given    []model.Schedule
		then     string
	}{
		{"empty", nil, "no schedules"},
		{"bad cron", []model.Schedule{{Name: "nightly", Cron: "61 * * * *", Scan: scan}}, "parsing schedules[0].cron"},
		{"six fields", []model.Schedule{{Name: "nightly", Cron: "0 0 1 * * *", Scan: scan}}, "parsing schedules[0].cron"},
		{"bad scan", []model.Schedule{{Name: "nightly", Cron: "@daily"}}, "schedules[0].scan"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := newScheduler(t.Context(), tc.given, noop)
			require.ErrorContains(t, err, tc.then)
		})
	}

	t.Run("ok", func(t *testing.T) {
		s, err := newScheduler(t.Context(), []model.Schedule{
			{Name: "nightly", Cron: "0 2 * * *", Scan: scan},
			{Name: "hourly", Cron: "@hourly", Scan: scan},
		}, noop)
		require.NoError(t, err)
		require.Len(t, s.Jobs(), 2)
		require.NoError(t, s.Shutdown())
	})
}

// endless prints one progress line and runs until killed.
type endless struct {
	once   sync.Once
	killed chan struct{}
}

func (p *endless) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !yield("10% running dan") {
			return
		}
		<-p.killed
	}
}

func (p *endless) StderrTail() string { return "" }

func (p *endless) Wait() garak.ExitStatus {
	<-p.killed
	return garak.ExitStatus{Code: -1, Killed: true}
}

func (p *endless) Kill() {
	p.once.Do(func() { close(p.killed) })
}

type launchFunc func(context.Context, garak.Args) (Process, error)

func (f launchFunc) Start(ctx context.Context, args garak.Args) (Process, error) {
	return f(ctx, args)
}

func TestSupervisor_CloseScheduled(t *testing.T) {
	t.Parallel()
	dir, err := history.OpenDir(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, dir.Close())
	})
	store := history.NewFileStore(dir)

	started := make(chan garak.Args, 1)
	launch := launchFunc(func(_ context.Context, args garak.Args) (Process, error) {
		started <- args
		return &endless{killed: make(chan struct{})}, nil
	})
	cfg := model.Config{
		Schedules: []model.Schedule{{
			Name: "nightly",
			Cron: "0 2 * * *",
			Scan: model.ScanRequest{ModelName: "llama3", Probes: []string{"dan"}},
		}},
	}
	s, err := NewSupervisor(t.Context(), cfg, Deps{Launcher: launch, Store: store, Dir: dir})
	require.NoError(t, err)
	s.Start(t.Context())

	jobs := s.scheduler.Jobs()
	require.Len(t, jobs, 1)
	require.NoError(t, jobs[0].RunNow())
	select {
	case args := <-started:
		require.Equal(t, "llama3", args.ModelName)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "scheduled scan was not started")
	}

	start := time.Now()
	require.NoError(t, s.Close())
	require.Less(t, time.Since(start), 5*time.Second)

	records, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, model.StatusFailed, records[0].Status)
	require.Equal(t, model.ErrShutdown.Error(), records[0].ErrorMessage)
}
