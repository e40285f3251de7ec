package garak

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/garakd/internal/model"
)

const (
	linesBuffer  = 64
	maxLineBytes = 1 << 20
)

// Command describes how garak is executed. Args are prepended to the
// per-scan arguments, so python3 with Args "-m garak" works as well as a
// garak entry point script.
type Command struct {
	Path        string
	Args        []string
	Env         []string
	MergeStderr bool
	TailLines   int
	Timeout     time.Duration
	KillGrace   time.Duration
}

// CommandFromConfig converts the scanner configuration.
func CommandFromConfig(cfg *model.Scanner) (Command, error) {
	path, args := cfg.Executable()
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return Command{}, fmt.Errorf("parsing scanner.timeout: %w", err)
	}
	grace, err := cfg.KillGraceDuration()
	if err != nil {
		return Command{}, fmt.Errorf("parsing scanner.kill_grace: %w", err)
	}
	var env []string
	if cfg != nil {
		for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
			v := cfg.Env[k]
			if strings.HasPrefix(v, "$") {
				v = os.ExpandEnv(v)
			}
			env = append(env, k+"="+v)
		}
	}
	return Command{
		Path:        path,
		Args:        slices.Clone(args),
		Env:         env,
		MergeStderr: cfg.MergesStderr(),
		TailLines:   cfg.TailLines(),
		Timeout:     timeout,
		KillGrace:   grace,
	}, nil
}

// Adapter starts garak processes. It holds no per-process state and is safe
// for concurrent use.
type Adapter struct {
	cmd Command
}

func NewAdapter(cmd Command) *Adapter {
	if cmd.TailLines <= 0 {
		cmd.TailLines = model.DefaultStderrTail
	}
	if cmd.KillGrace <= 0 {
		cmd.KillGrace = model.DefaultKillGrace
	}
	return &Adapter{cmd: cmd}
}

func (a *Adapter) Command() Command {
	return a.cmd
}

// Start launches garak with args and returns once the process is running.
// The caller must call Wait on the returned process. Lookup and spawn
// failures are returned as *model.LaunchError.
func (a *Adapter) Start(ctx context.Context, args Args) (*Process, error) {
	return a.start(ctx, args.CLI())
}

func (a *Adapter) start(ctx context.Context, cliArgs []string) (*Process, error) {
	path, err := exec.LookPath(a.cmd.Path)
	if err != nil {
		return nil, &model.LaunchError{Path: a.cmd.Path, Err: err}
	}

	var cancel context.CancelFunc
	if a.cmd.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "path", path)
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, a.cmd.Timeout)
	}

	p := &Process{
		grace:   a.cmd.KillGrace,
		lines:   make(chan string, linesBuffer),
		abandon: make(chan struct{}),
		done:    make(chan struct{}),
		tail:    newTail(a.cmd.TailLines),
	}

	argv := append(slices.Clone(a.cmd.Args), cliArgs...)
	cmd := exec.CommandContext(ctx, path, argv...)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.Env = append(cmd.Env, a.cmd.Env...)
	setpgid(cmd)
	cmd.Cancel = func() error {
		if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
			p.timedOut.Store(true)
		} else {
			p.killed.Store(true)
		}
		return p.terminate()
	}
	// bounds the time spent on output held open by orphaned children
	cmd.WaitDelay = a.cmd.KillGrace + time.Second

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	p.cmd = cmd
	p.started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		_ = outW.Close()
		_ = errW.Close()
		return nil, &model.LaunchError{Path: path, Err: err}
	}
	slog.DebugContext(ctx, "garak started", "path", path, "args", argv, "pid", cmd.Process.Pid)

	go p.supervise(cancel, outR, outW, errR, errW, a.cmd.MergeStderr)
	return p, nil
}
