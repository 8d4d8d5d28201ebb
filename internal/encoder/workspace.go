package encoder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFileName   = "encode.lock"
	lockRetryDelay = 250 * time.Millisecond
)

// Workspace is a private directory holding the staged inputs and the output
// of one run. Close removes it.
type Workspace struct {
	dir string
}

// NewWorkspace creates a fresh run directory below base.
func NewWorkspace(base, runID string) (*Workspace, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}
	dir, err := os.MkdirTemp(base, "run-"+safeName(runID)+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

func (w *Workspace) Dir() string { return w.dir }

// Path returns the location of a named file inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, safeName(name))
}

// Stage copies r into the workspace as name and returns its path.
func (w *Workspace) Stage(name string, r io.Reader) (string, int64, error) {
	path := w.Path(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("stage %s: %w", name, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", n, fmt.Errorf("stage %s: %w", name, err)
	}
	return path, n, nil
}

// ReadFile reads a named workspace file back into memory.
func (w *Workspace) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(w.Path(name))
}

func (w *Workspace) Close() error {
	if w.dir == "" {
		return nil
	}
	return os.RemoveAll(w.dir)
}

// EncodeLock serialises encodes across sessions and agent processes sharing
// one workspace base.
type EncodeLock struct {
	lock *flock.Flock
}

func NewEncodeLock(base string) *EncodeLock {
	return &EncodeLock{lock: flock.New(filepath.Join(base, lockFileName))}
}

// Acquire blocks until the lock is held or ctx ends.
func (l *EncodeLock) Acquire(ctx context.Context) error {
	ok, err := l.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire encode lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("acquire encode lock: %w", context.Canceled)
	}
	return nil
}

func (l *EncodeLock) Release() error {
	return l.lock.Unlock()
}

func (l *EncodeLock) Path() string {
	return l.lock.Path()
}

// safeName keeps only the final path element and drops separators.
func safeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	if name == "" || name == "." {
		return "file"
	}
	return name
}
