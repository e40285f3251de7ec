package history

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/CZERTAINLY/garakd/internal/model"
	"github.com/google/uuid"
)

const jobFile = "job.json"

var ErrInvalidName = errors.New("invalid name")

// Dir is the data directory. Every job owns the <data>/<id> subdirectory,
// which holds its record and the garak artifacts. All access goes through
// os.Root, so names can't escape the data directory.
type Dir struct {
	path string
	root *os.Root
}

// OpenDir creates path if needed and opens it.
func OpenDir(path string) (*Dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir %s: %w", path, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", abs, err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("opening data dir %s: %w", abs, err)
	}
	return &Dir{path: abs, root: root}, nil
}

// Path is the absolute path of the data directory.
func (d *Dir) Path() string {
	return d.path
}

// JobDir creates the directory of a job and returns its absolute path.
func (d *Dir) JobDir(id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("%w: job id %q", ErrInvalidName, id)
	}
	if err := d.root.MkdirAll(id, 0o755); err != nil {
		return "", fmt.Errorf("creating job dir %s: %w", id, err)
	}
	return filepath.Join(d.path, id), nil
}

// Find returns names of files in the job directory matching the pattern, sorted.
func (d *Dir) Find(id, pattern string) ([]string, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: job id %q", ErrInvalidName, id)
	}
	f, err := d.root.Open(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, fmt.Errorf("reading job dir %s: %w", id, err)
	}
	var ret []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ok, _ := path.Match(pattern, e.Name()); ok {
			ret = append(ret, e.Name())
		}
	}
	slices.Sort(ret)
	return ret, nil
}

// Open opens an artifact of a job. Name is relative to the job directory.
// Missing files and directories are reported as model.ErrNotFound.
func (d *Dir) Open(id, name string) (*os.File, error) {
	if !validID(id) || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("%w: %s/%s", model.ErrNotFound, id, name)
	}
	f, err := d.root.Open(path.Join(id, filepath.ToSlash(name)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", model.ErrNotFound, id, name)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s/%s", model.ErrNotFound, id, name)
	}
	return f, nil
}

func (d *Dir) Close() error {
	return d.root.Close()
}

func (d *Dir) readFile(id, name string) ([]byte, error) {
	b, err := d.root.ReadFile(path.Join(id, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, model.ErrNotFound
	}
	return b, err
}

// writeAtomic replaces id/name with b. The content is written to a temporary
// file in the same directory, synced and renamed, so readers see either the
// old or the new content.
func (d *Dir) writeAtomic(id, name string, b []byte) error {
	if _, err := d.JobDir(id); err != nil {
		return err
	}
	tmp := path.Join(id, "."+name+"."+uuid.NewString()+".tmp")
	f, err := d.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = d.root.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := d.root.Rename(tmp, path.Join(id, name)); err != nil {
		_ = d.root.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	// persist the rename, not supported everywhere
	if dir, err := d.root.Open(id); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

func (d *Dir) jobIDs() ([]string, error) {
	f, err := d.root.Open(".")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, fmt.Errorf("reading data dir: %w", err)
	}
	var ret []string
	for _, e := range entries {
		if e.IsDir() && validID(e.Name()) {
			ret = append(ret, e.Name())
		}
	}
	return ret, nil
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." &&
		!strings.HasPrefix(id, ".") &&
		!strings.ContainsAny(id, `/\`)
}
