package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/garakd/internal/log"
	"github.com/CZERTAINLY/garakd/internal/model"
)

func newScheduler(ctx context.Context, schedules []model.Schedule, submit func(context.Context, model.Schedule)) (gocron.Scheduler, error) {
	if len(schedules) == 0 {
		return nil, errors.New("no schedules")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	for i, sched := range schedules {
		every, err := model.ParseCron(sched.Cron)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("parsing schedules[%d].cron: %w", i, err)
		}
		if err := sched.Scan.Normalize().Validate(); err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("schedules[%d].scan: %w", i, err)
		}
		slog.DebugContext(ctx, "successfully parsed", "schedule", sched.Name, "cron", sched.Cron, "every", every.String())

		_, err = s.NewJob(
			gocron.CronJob(sched.Cron, false),
			gocron.NewTask(submit, ctx, sched),
			gocron.WithName(sched.Name),
			// a tick is skipped while the previous scan of the schedule runs
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("initializing gocron job %q: %w", sched.Name, err)
		}
	}
	return s, nil
}

// submitScheduled runs the scan of a schedule and follows it to the end.
// The subscription is kept, so abort on disconnect never applies to it.
func (s *Supervisor) submitScheduled(ctx context.Context, sched model.Schedule) {
	ctx = log.ContextAttrs(ctx, slog.String("schedule", sched.Name))
	h, err := s.Submit(ctx, sched.Scan)
	if err != nil {
		slog.ErrorContext(ctx, "scheduled scan rejected", "error", err)
		return
	}
	defer h.Detach()

	var last model.Event
	for ev := range h.Events() {
		last = ev
	}
	slog.InfoContext(ctx, "scheduled scan finished", "scan_id", h.ID, "type", last.Type, "message", last.Message)
}
