package service

import (
	"context"
	"iter"
	"os"

	"github.com/CZERTAINLY/garakd/internal/garak"
	"github.com/CZERTAINLY/garakd/internal/model"
)

// Process is a started scanner, see garak.Process.
type Process interface {
	Lines() iter.Seq[string]
	StderrTail() string
	Wait() garak.ExitStatus
	Kill()
}

// Launcher starts scanner processes.
type Launcher interface {
	Start(ctx context.Context, args garak.Args) (Process, error)
}

// Validator checks identifiers of a request, see catalog.Catalog.
type Validator interface {
	Check(ctx context.Context, req model.ScanRequest) error
}

// Artifacts gives access to job directories, see history.Dir.
type Artifacts interface {
	JobDir(id string) (string, error)
	Find(id, pattern string) ([]string, error)
	Open(id, name string) (*os.File, error)
}

type adapterLauncher struct {
	adapter *garak.Adapter
}

// NewLauncher wraps the garak adapter.
func NewLauncher(adapter *garak.Adapter) Launcher {
	return adapterLauncher{adapter: adapter}
}

func (l adapterLauncher) Start(ctx context.Context, args garak.Args) (Process, error) {
	proc, err := l.adapter.Start(ctx, args)
	if err != nil {
		return nil, err
	}
	return proc, nil
}
