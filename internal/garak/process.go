package garak

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ExitStatus is the outcome of a finished process.
type ExitStatus struct {
	Code     int // -1 if the process was terminated by a signal
	Err      error
	TimedOut bool
	Killed   bool
	Started  time.Time
	Stopped  time.Time
}

// Success reports a zero exit code without a timeout or kill.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Err == nil && !s.TimedOut && !s.Killed
}

// Process is a running garak instance.
type Process struct {
	cmd     *exec.Cmd
	grace   time.Duration
	started time.Time

	lines    chan string
	consumed atomic.Bool

	abandonOnce sync.Once
	abandon     chan struct{}

	killOnce sync.Once
	timedOut atomic.Bool
	killed   atomic.Bool

	tail   *tail
	done   chan struct{}
	status ExitStatus
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Lines returns the standard output as a sequence of lines. Both '\n' and '\r'
// end a line and empty lines are skipped. The sequence can be consumed only
// once, later iterations yield nothing. Stopping the iteration early discards
// the rest of the output.
func (p *Process) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !p.consumed.CompareAndSwap(false, true) {
			return
		}
		for line := range p.lines {
			if !yield(line) {
				p.stopReading()
				return
			}
		}
	}
}

// StderrTail returns last lines of standard error.
func (p *Process) StderrTail() string {
	return p.tail.String()
}

// Wait blocks until the process exits, all output has been read and the
// process has been reaped. Unconsumed output is discarded. It is safe to call
// Wait multiple times and from multiple goroutines.
func (p *Process) Wait() ExitStatus {
	p.stopReading()
	<-p.done
	return p.status
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Kill terminates the process group with SIGTERM, followed by SIGKILL if
// it is still alive after the grace period. Use Wait to reap it.
func (p *Process) Kill() {
	select {
	case <-p.done:
		return
	default:
	}
	p.killed.Store(true)
	_ = p.terminate()
}

func (p *Process) terminate() error {
	var err error
	p.killOnce.Do(func() {
		err = terminate(p.cmd.Process)
		time.AfterFunc(p.grace, func() {
			select {
			case <-p.done:
			default:
				if err := forceKill(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
					slog.Warn("killing garak process group", "pid", p.cmd.Process.Pid, "error", err)
				}
			}
		})
	})
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *Process) stopReading() {
	p.abandonOnce.Do(func() { close(p.abandon) })
}

func (p *Process) supervise(cancel context.CancelFunc, outR *io.PipeReader, outW *io.PipeWriter, errR *io.PipeReader, errW *io.PipeWriter, merge bool) {
	defer cancel()
	var wg sync.WaitGroup
	wg.Go(func() {
		p.read(outR, nil)
	})
	wg.Go(func() {
		p.read(errR, func(line string) {
			p.tail.add(line)
			if merge {
				p.send(line)
			}
		})
	})

	err := p.cmd.Wait()
	_ = outW.Close()
	_ = errW.Close()
	wg.Wait()
	close(p.lines)

	status := ExitStatus{
		Code:     -1,
		TimedOut: p.timedOut.Load(),
		Killed:   p.killed.Load(),
		Started:  p.started,
		Stopped:  time.Now().UTC(),
	}
	if state := p.cmd.ProcessState; state != nil {
		status.Code = state.ExitCode()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr):
	case status.TimedOut || status.Killed:
		// context errors reported by Wait after a kill
	default:
		status.Err = err
	}
	p.status = status
	close(p.done)
}

// read scans r until EOF. Lines are passed to stderr when set, otherwise they
// are sent to the lines channel. After stopReading the lines are dropped, but
// r is still drained so the process never blocks on a full pipe.
func (p *Process) read(r io.Reader, stderr func(string)) {
	split := lineSplitter{limit: maxLineBytes}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(split.split)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if stderr != nil {
			stderr(line)
			continue
		}
		p.send(line)
	}
	if split.truncated > 0 {
		slog.Warn("garak output lines truncated", "lines", split.truncated, "limit", maxLineBytes)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("reading garak output", "error", err)
	}
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) send(line string) {
	select {
	case <-p.abandon:
	case p.lines <- line:
	}
}

// lineSplitter is bufio.ScanLines treating a lone carriage return as a line
// end. Progress bars redraw themselves with '\r'. A line longer than limit is
// cut and the rest of it is dropped.
type lineSplitter struct {
	limit     int
	skipping  bool
	truncated int
}

func (s *lineSplitter) split(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	i := bytes.IndexAny(data, "\r\n")
	if s.skipping {
		if i < 0 {
			return len(data), nil, nil
		}
		s.skipping = false
		return i + 1, nil, nil
	}
	switch {
	case i >= 0:
		return i + 1, data[:min(i, s.limit)], nil
	case len(data) >= s.limit:
		s.skipping = true
		s.truncated++
		return len(data), data[:s.limit], nil
	case atEOF:
		return len(data), data, nil
	}
	return 0, nil, nil
}
