package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/garakd/internal/garak"
	"github.com/CZERTAINLY/garakd/internal/history"
	"github.com/CZERTAINLY/garakd/internal/log"
	"github.com/CZERTAINLY/garakd/internal/metrics"
	"github.com/CZERTAINLY/garakd/internal/model"
	"github.com/CZERTAINLY/garakd/internal/progress"
)

const (
	msgRestart    = "interrupted by server restart"
	msgDisconnect = "scan aborted: client disconnected"
)

// Deps are the collaborators of a Supervisor. Validator and Metrics are optional.
type Deps struct {
	Launcher  Launcher
	Store     history.Store
	Dir       Artifacts
	Validator Validator
	Metrics   *metrics.Metrics
}

type Supervisor struct {
	deps              Deps
	modelType         string
	extraArgs         []string
	timeout           time.Duration
	maxConcurrent     int
	maxQueue          int
	abortOnDisconnect bool
	scheduler         gocron.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mx      sync.Mutex // guards admission and the registry
	jobs    map[string]*job
	queue   []*job
	running int
	closed  bool
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor. Job goroutines inherit ctx values, but
// not its cancellation, they are stopped by Close.
func NewSupervisor(ctx context.Context, cfg model.Config, deps Deps) (*Supervisor, error) {
	if deps.Launcher == nil || deps.Store == nil || deps.Dir == nil {
		return nil, errors.New("launcher, store and dir are mandatory")
	}
	timeout, err := cfg.Scanner.TimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("parsing scanner.timeout: %w", err)
	}

	s := &Supervisor{
		deps:              deps,
		modelType:         cfg.Scanner.GeneratorType(),
		timeout:           timeout,
		maxConcurrent:     cfg.Jobs.Concurrency(),
		maxQueue:          cfg.Jobs.QueueLimit(),
		abortOnDisconnect: cfg.Jobs.AbortsOnDisconnect(),
		jobs:              make(map[string]*job),
	}
	if cfg.Scanner != nil {
		s.extraArgs = slices.Clone(cfg.Scanner.ExtraArgs)
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if len(cfg.Schedules) > 0 {
		s.scheduler, err = newScheduler(ctx, cfg.Schedules, s.submitScheduled)
		if err != nil {
			return nil, fmt.Errorf("initializing schedules: %w", err)
		}
	}
	return s, nil
}

// Start starts the scheduler, if schedules are configured.
func (s *Supervisor) Start(ctx context.Context) {
	if s.scheduler != nil {
		slog.DebugContext(ctx, "starting scheduler", "jobs", len(s.scheduler.Jobs()))
		s.scheduler.Start()
	}
}

// Submit validates the request, records a pending job and queues it.
// Invalid requests return *model.ValidationError, a full queue returns
// *model.BusyError. Neither touches the history store. The returned handle
// is subscribed before the job is dispatched, its first event is accepted.
func (s *Supervisor) Submit(ctx context.Context, req model.ScanRequest) (*Handle, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		s.deps.Metrics.Submitted("invalid")
		return nil, err
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.Check(ctx, req); err != nil {
			s.deps.Metrics.Submitted("invalid")
			return nil, err
		}
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return nil, model.ErrShutdown
	}
	if s.maxQueue > 0 && s.running >= s.maxConcurrent && len(s.queue) >= s.maxQueue {
		s.deps.Metrics.Submitted("busy")
		return nil, &model.BusyError{Queued: len(s.queue), Limit: s.maxQueue}
	}

	state := model.NewScanJob(uuid.NewString(), req, model.Now())
	if err := s.deps.Store.Save(ctx, state); err != nil {
		s.deps.Metrics.Submitted("error")
		return nil, fmt.Errorf("saving job %s: %w", state.ID, err)
	}
	j := newJob(state)
	h := s.newHandle(j)
	j.subscribe(h, model.Event{
		Type:     model.EventAccepted,
		ScanID:   state.ID,
		Status:   state.Status,
		Progress: state.Progress,
		Message:  fmt.Sprintf("Scan queued for model: %s", state.ModelName),
	})
	s.jobs[state.ID] = j
	s.queue = append(s.queue, j)
	s.deps.Metrics.Submitted("accepted")
	slog.InfoContext(ctx, "scan accepted", "scan_id", state.ID, "model_name", state.ModelName, "probes", state.Probes, "queued", len(s.queue))
	s.dispatch()
	return h, nil
}

// Attach subscribes to a job. A running job sends its current status first,
// a finished one just its terminal event.
func (s *Supervisor) Attach(ctx context.Context, id string) (*Handle, error) {
	s.mx.Lock()
	j, ok := s.jobs[id]
	s.mx.Unlock()
	if ok {
		h := s.newHandle(j)
		snap := j.snapshot()
		j.subscribe(h, model.Event{
			Type:     model.EventStatus,
			ScanID:   snap.ID,
			Status:   snap.Status,
			Progress: snap.Progress,
			Message:  fmt.Sprintf("Scan %s", snap.Status),
		})
		return h, nil
	}

	state, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !state.IsTerminal() {
		// a record of a job this process doesn't run
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return finishedHandle(state), nil
}

// Abort stops a job on operator request. A queued job is failed right away,
// a running job is killed and failed by its goroutine.
func (s *Supervisor) Abort(ctx context.Context, id string) error {
	return s.abort(ctx, id, model.ErrAborted)
}

func (s *Supervisor) abort(ctx context.Context, id string, reason error) error {
	s.mx.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mx.Unlock()
		state, err := s.deps.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		if state.IsTerminal() {
			return fmt.Errorf("job %s: %w", id, model.ErrAlreadyFinished)
		}
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	idx := slices.Index(s.queue, j)
	if idx >= 0 {
		s.queue = slices.Delete(s.queue, idx, idx+1)
		delete(s.jobs, id)
		s.deps.Metrics.Admission(s.running, len(s.queue))
	}
	s.mx.Unlock()

	if idx >= 0 {
		slog.InfoContext(ctx, "queued scan aborted", "scan_id", id, "reason", reason)
		s.fail(ctx, j, reason.Error())
		return nil
	}
	if !j.abort(reason) {
		return fmt.Errorf("job %s: %w", id, model.ErrAlreadyFinished)
	}
	slog.InfoContext(ctx, "running scan aborted", "scan_id", id, "reason", reason)
	return nil
}

// Get returns the live state of an in-flight job.
func (s *Supervisor) Get(id string) (model.ScanJob, bool) {
	s.mx.Lock()
	j, ok := s.jobs[id]
	s.mx.Unlock()
	if !ok {
		return model.ScanJob{}, false
	}
	return j.snapshot(), true
}

// Jobs returns live states of in-flight jobs ordered by creation.
func (s *Supervisor) Jobs() []model.ScanJob {
	s.mx.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mx.Unlock()

	ret := make([]model.ScanJob, 0, len(jobs))
	for _, j := range jobs {
		ret = append(ret, j.snapshot())
	}
	slices.SortFunc(ret, func(a, b model.ScanJob) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return ret
}

// Recover fails stored records left pending or running by a previous
// process. Call it before the first Submit.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	jobs, err := s.deps.Store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing history: %w", err)
	}
	var n int
	var errs []error
	for _, state := range jobs {
		if state.IsTerminal() {
			continue
		}
		if _, live := s.Get(state.ID); live {
			continue
		}
		if err := state.Fail(model.Now(), msgRestart); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.deps.Store.Save(ctx, state); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.WarnContext(ctx, "orphaned scan marked failed", "scan_id", state.ID)
		n++
	}
	return n, errors.Join(errs...)
}

// Close fails queued jobs, kills running ones, waits until they are recorded
// and stops the scheduler.
func (s *Supervisor) Close() error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil
	}
	s.closed = true
	queued := s.queue
	s.queue = nil
	for _, j := range queued {
		delete(s.jobs, j.state.ID)
	}
	running := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		running = append(running, j)
	}
	s.mx.Unlock()

	for _, j := range queued {
		s.fail(s.ctx, j, model.ErrShutdown.Error())
	}
	for _, j := range running {
		j.abort(model.ErrShutdown)
	}
	s.wg.Wait()

	// scheduled tasks follow their scans, they return once the jobs are recorded
	var err error
	if s.scheduler != nil {
		err = s.scheduler.Shutdown()
		if err != nil {
			slog.ErrorContext(s.ctx, "shutting down gocron has failed", "error", err)
		}
	}
	s.cancel()
	return err
}

func (s *Supervisor) newHandle(j *job) *Handle {
	return newHandle(j.state.ID, func(h *Handle) {
		left := j.unsubscribe(h)
		if left > 0 || !s.abortOnDisconnect {
			return
		}
		if err := s.abort(s.ctx, h.ID, errors.New(msgDisconnect)); err != nil {
			slog.DebugContext(s.ctx, "abort on disconnect", "scan_id", h.ID, "error", err)
		}
	})
}

// dispatch starts queued jobs while there is capacity. Called with s.mx held.
func (s *Supervisor) dispatch() {
	for s.running < s.maxConcurrent && len(s.queue) > 0 && !s.closed {
		j := s.queue[0]
		s.queue = s.queue[1:]
		s.running++
		s.wg.Go(func() {
			s.run(j)
		})
	}
	s.deps.Metrics.Admission(s.running, len(s.queue))
}

// release frees the slot of a finished job and starts the next one.
func (s *Supervisor) release(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.jobs, id)
	s.running--
	s.dispatch()
}

func (s *Supervisor) run(j *job) {
	id := j.state.ID
	ctx := log.ContextAttrs(s.ctx, slog.String("scan_id", id))
	defer s.release(id)

	state, err := j.update(func(sj *model.ScanJob) error {
		return sj.Start(model.Now())
	})
	if err != nil {
		slog.ErrorContext(ctx, "job can't be started", "error", err)
		s.fail(ctx, j, err.Error())
		return
	}
	s.save(ctx, state)
	slog.InfoContext(ctx, "scan started", "model_name", state.ModelName)
	j.publish(model.Event{
		Type:     model.EventStatus,
		ScanID:   id,
		Status:   state.Status,
		Progress: state.Progress,
		Message:  fmt.Sprintf("Starting scan on model: %s", state.ModelName),
	})

	msg, result := s.scan(ctx, j, state)
	if msg != "" {
		s.fail(ctx, j, msg)
		return
	}
	s.complete(ctx, j, result)
}

// scan runs garak and returns either a failure message or the result.
func (s *Supervisor) scan(ctx context.Context, j *job, state model.ScanJob) (string, model.Result) {
	if reason := j.abortReason(); reason != nil {
		return reason.Error(), model.Result{}
	}
	jobDir, err := s.deps.Dir.JobDir(state.ID)
	if err != nil {
		return err.Error(), model.Result{}
	}
	proc, err := s.deps.Launcher.Start(ctx, garak.Args{
		ModelType:    s.modelType,
		ModelName:    state.ModelName,
		Probes:       state.Probes,
		Detectors:    state.Detectors,
		ReportPrefix: filepath.Join(jobDir, reportStem),
		Extra:        s.extraArgs,
	})
	if err != nil {
		slog.ErrorContext(ctx, "garak can't be started", "error", err)
		return err.Error(), model.Result{}
	}
	if reason := j.attach(proc); reason != nil {
		proc.Kill()
	}

	prev := 0
	var scores []model.Score
	for line := range proc.Lines() {
		s.deps.Metrics.Line()
		percent, ev, ok := progress.Parse(prev, line)
		if !ok {
			continue
		}
		prev = percent
		if ev.Score != nil {
			scores = append(scores, *ev.Score)
		}
		if ev.Kind == progress.KindRaw {
			slog.DebugContext(ctx, "garak", "line", ev.Message)
		}
		current, err := j.update(func(sj *model.ScanJob) error {
			return sj.Advance(percent)
		})
		if err != nil {
			slog.WarnContext(ctx, "progress not recorded", "error", err)
		}
		j.publish(model.Event{
			Type:     model.EventStatus,
			ScanID:   state.ID,
			Status:   current.Status,
			Progress: current.Progress,
			Message:  ev.Message,
		})
	}

	status := proc.Wait()
	slog.DebugContext(ctx, "garak exited", "code", status.Code, "took", status.Stopped.Sub(status.Started).String())
	switch reason := j.abortReason(); {
	case reason != nil:
		return reason.Error(), model.Result{}
	case status.TimedOut:
		return fmt.Sprintf("%s after %s", model.ErrTimeout, s.timeout), model.Result{}
	case status.Err != nil:
		return fmt.Sprintf("waiting for garak: %v", status.Err), model.Result{}
	case !status.Success():
		failure := &model.ProcessFailure{ExitCode: status.Code, Stderr: proc.StderrTail()}
		return failure.Error(), model.Result{}
	}

	result, err := collect(s.deps.Dir, state.ID, scores)
	if err != nil {
		return err.Error(), model.Result{}
	}
	return "", result
}

func (s *Supervisor) complete(ctx context.Context, j *job, result model.Result) {
	state, err := j.update(func(sj *model.ScanJob) error {
		return sj.Complete(model.Now(), result)
	})
	if err != nil {
		s.fail(ctx, j, err.Error())
		return
	}
	slog.InfoContext(ctx, "scan completed", "report", result.ReportPath, "scores", len(result.Scores))
	s.terminate(ctx, j, state)
}

func (s *Supervisor) fail(ctx context.Context, j *job, msg string) {
	state, err := j.update(func(sj *model.ScanJob) error {
		return sj.Fail(model.Now(), msg)
	})
	if err != nil {
		slog.ErrorContext(ctx, "job can't be failed", "scan_id", state.ID, "error", err)
		return
	}
	slog.WarnContext(ctx, "scan failed", "scan_id", state.ID, "reason", msg)
	s.terminate(ctx, j, state)
}

// terminate persists the terminal record, then delivers the terminal event.
func (s *Supervisor) terminate(ctx context.Context, j *job, state model.ScanJob) {
	s.save(context.WithoutCancel(ctx), state)
	var took time.Duration
	if state.StartedAt != nil && state.CompletedAt != nil {
		took = state.CompletedAt.Sub(*state.StartedAt)
	}
	s.deps.Metrics.Finished(string(state.Status), took)
	j.finish()
}

func (s *Supervisor) save(ctx context.Context, state model.ScanJob) {
	if err := s.deps.Store.Save(ctx, state); err != nil {
		slog.ErrorContext(ctx, "saving job record has failed", "scan_id", state.ID, "status", state.Status, "error", err)
	}
}
