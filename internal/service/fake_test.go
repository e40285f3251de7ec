package service_test

import (
	"context"
	"iter"
	"os"
	"sync"
	"time"

	"github.com/CZERTAINLY/garakd/internal/garak"
	"github.com/CZERTAINLY/garakd/internal/service"
)

// fakeProcess replays lines, then optionally waits until released or killed.
type fakeProcess struct {
	lines   []string
	hold    chan struct{}
	status  garak.ExitStatus
	tail    string
	killed  chan struct{}
	once    sync.Once
	stopped chan struct{}
}

func newFakeProcess(lines ...string) *fakeProcess {
	return &fakeProcess{
		lines:   lines,
		killed:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (p *fakeProcess) holding() *fakeProcess {
	p.hold = make(chan struct{})
	return p
}

func (p *fakeProcess) exit(code int, tail string) *fakeProcess {
	p.status.Code = code
	p.tail = tail
	return p
}

func (p *fakeProcess) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		defer close(p.stopped)
		for _, l := range p.lines {
			if !yield(l) {
				return
			}
		}
		if p.hold == nil {
			return
		}
		select {
		case <-p.hold:
		case <-p.killed:
		}
	}
}

func (p *fakeProcess) StderrTail() string {
	return p.tail
}

func (p *fakeProcess) Wait() garak.ExitStatus {
	<-p.stopped
	select {
	case <-p.killed:
		return garak.ExitStatus{Code: -1, Killed: true}
	default:
		return p.status
	}
}

func (p *fakeProcess) Kill() {
	p.once.Do(func() { close(p.killed) })
}

// launcher hands out prepared processes in order and writes reports
// into the job directory when asked to.
type launcher struct {
	mx      sync.Mutex
	procs   []*fakeProcess
	started []garak.Args
	report  string
	err     error
	ready   chan garak.Args
}

func newLauncher(procs ...*fakeProcess) *launcher {
	return &launcher{procs: procs, ready: make(chan garak.Args, 16)}
}

func (l *launcher) withReport(content string) *launcher {
	l.report = content
	return l
}

func (l *launcher) failing(err error) *launcher {
	l.err = err
	return l
}

func (l *launcher) Start(_ context.Context, args garak.Args) (service.Process, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.report != "" {
		if err := os.WriteFile(args.ReportPrefix+".report.jsonl", []byte(l.report), 0o644); err != nil {
			return nil, err
		}
	}
	p := newFakeProcess()
	if len(l.procs) > 0 {
		p, l.procs = l.procs[0], l.procs[1:]
	}
	l.started = append(l.started, args)
	l.ready <- args
	return p, nil
}

func (l *launcher) waitStarted(d time.Duration) (garak.Args, bool) {
	select {
	case a := <-l.ready:
		return a, true
	case <-time.After(d):
		return garak.Args{}, false
	}
}
