package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/garakd/internal/model"
	"github.com/stretchr/testify/require"
)

func newJob(t *testing.T) model.ScanJob {
	t.Helper()
	req := model.ScanRequest{ModelName: "m1", Probes: []string{"p1"}}
	return model.NewScanJob("id-1", req, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestScanJob_Lifecycle(t *testing.T) {
	t.Parallel()
	job := newJob(t)
	require.Equal(t, model.StatusPending, job.Status)

	err := job.Advance(10)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	err = job.Complete(model.Now(), model.Result{})
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	require.NoError(t, job.Start(model.Now()))
	require.Equal(t, model.StatusRunning, job.Status)
	require.NotNil(t, job.StartedAt)
	require.ErrorIs(t, job.Start(model.Now()), model.ErrInvalidTransition)

	require.NoError(t, job.Advance(40))
	require.NoError(t, job.Advance(20))
	require.Equal(t, 40, job.Progress)
	require.NoError(t, job.Advance(250))
	require.Equal(t, 100, job.Progress)

	require.NoError(t, job.Complete(model.Now(), model.Result{ReportPath: "report.report.jsonl"}))
	require.Equal(t, model.StatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.NotNil(t, job.Result)
	require.Empty(t, job.ErrorMessage)

	require.ErrorIs(t, job.Fail(model.Now(), "late"), model.ErrAlreadyFinished)
	require.ErrorIs(t, job.Advance(5), model.ErrAlreadyFinished)
	require.Equal(t, model.StatusCompleted, job.Status)
}

func TestScanJob_Fail(t *testing.T) {
	t.Parallel()
	t.Run("pending", func(t *testing.T) {
		job := newJob(t)
		require.NoError(t, job.Fail(model.Now(), "aborted"))
		require.Equal(t, model.StatusFailed, job.Status)
		require.Nil(t, job.Result)
		require.Equal(t, "aborted", job.ErrorMessage)
		require.Nil(t, job.StartedAt)
		require.ErrorIs(t, job.Start(model.Now()), model.ErrAlreadyFinished)
	})
	t.Run("pending can't complete", func(t *testing.T) {
		job := newJob(t)
		require.ErrorIs(t, job.Complete(model.Now(), model.Result{ReportPath: "report.report.jsonl"}), model.ErrInvalidTransition)
		require.Equal(t, model.StatusPending, job.Status)
	})
	t.Run("running keeps progress", func(t *testing.T) {
		job := newJob(t)
		require.NoError(t, job.Start(model.Now()))
		require.NoError(t, job.Advance(30))
		require.NoError(t, job.Fail(model.Now(), ""))
		require.Equal(t, 30, job.Progress)
		require.NotEmpty(t, job.ErrorMessage)
		require.ErrorIs(t, job.Start(model.Now()), model.ErrAlreadyFinished)
	})
}

func TestScanJob_Clone(t *testing.T) {
	t.Parallel()
	job := newJob(t)
	require.NoError(t, job.Start(model.Now()))
	require.NoError(t, job.Complete(model.Now(), model.Result{
		ReportPath: "r.jsonl",
		Scores:     []model.Score{{Probe: "p1", Detector: "d1", Passed: 1, Total: 2}},
	}))

	clone := job.Clone()
	require.Equal(t, job, clone)
	clone.Probes[0] = "changed"
	clone.Result.Scores[0].Passed = 2
	require.Equal(t, "p1", job.Probes[0])
	require.Equal(t, 1, job.Result.Scores[0].Passed)
}

func TestScore_FailureRate(t *testing.T) {
	t.Parallel()
	require.Zero(t, model.Score{}.FailureRate())
	require.InDelta(t, 70.0, model.Score{Passed: 3, Total: 10}.FailureRate(), 0.001)
}

func TestTerminalEvent(t *testing.T) {
	t.Parallel()
	job := newJob(t)
	require.NoError(t, job.Start(model.Now()))
	require.NoError(t, job.Advance(42))
	require.NoError(t, job.Fail(model.Now(), "boom"))
	ev := model.TerminalEvent(job)
	require.Equal(t, model.EventError, ev.Type)
	require.Equal(t, "boom", ev.Message)
	require.True(t, ev.Terminal())

	job = newJob(t)
	require.NoError(t, job.Start(model.Now()))
	require.NoError(t, job.Complete(model.Now(), model.Result{ReportPath: "report.report.jsonl"}))
	ev = model.TerminalEvent(job)
	require.Equal(t, model.EventComplete, ev.Type)
	require.Equal(t, 100, ev.Progress)
	require.Equal(t, "report.report.jsonl", ev.ReportPath)
}

func TestScanRequest_Validate(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    model.ScanRequest
		then     []string
	}{
		{"valid", model.ScanRequest{ModelName: "m1", Probes: []string{"p1"}}, nil},
		{"missing model", model.ScanRequest{Probes: []string{"p1"}}, []string{"model_name"}},
		{"blank probes", model.ScanRequest{ModelName: "m1", Probes: []string{" ", ""}}, []string{"probes"}},
		{"nothing", model.ScanRequest{}, []string{"model_name", "probes"}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			err := tc.given.Validate()
			if tc.then == nil {
				require.NoError(t, err)
				return
			}
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			fields := make([]string, 0, len(verr.Fields))
			for _, f := range verr.Fields {
				fields = append(fields, f.Field)
			}
			require.Equal(t, tc.then, fields)
		})
	}
}

func TestScanRequest_Normalize(t *testing.T) {
	t.Parallel()
	req := model.ScanRequest{
		ModelName: " m1 ",
		Probes:    []string{"dan", " dan", "", "encoding"},
		Detectors: []string{" "},
	}.Normalize()
	require.Equal(t, "m1", req.ModelName)
	require.Equal(t, []string{"dan", "encoding"}, req.Probes)
	require.Nil(t, req.Detectors)
}
