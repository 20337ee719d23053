// Package scratch provides per-batch temporary storage that is released as
// a unit when the batch ends.
package scratch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Arena is a private directory owned by one batch. Files created inside it
// get unique names so concurrent items never collide, and Release removes
// the whole directory regardless of what individual items left behind.
type Arena struct {
	fs  afero.Fs
	dir string

	mu       sync.Mutex
	released bool
}

// New creates an arena below baseDir on fs. An empty baseDir uses the
// system temp directory.
func New(fs afero.Fs, baseDir string) (*Arena, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if err := fs.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch base: %w", err)
	}
	dir, err := afero.TempDir(fs, baseDir, "batch-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Arena{fs: fs, dir: dir}, nil
}

// Dir returns the arena root.
func (a *Arena) Dir() string {
	return a.dir
}

// Path returns a fresh, unique path for a file whose name ends with name's
// base component.
func (a *Arena) Path(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "item"
	}
	return filepath.Join(a.dir, uuid.NewString()+"-"+base)
}

// WriteFile stores data under a unique name derived from name and returns
// the path.
func (a *Arena) WriteFile(name string, data []byte) (string, error) {
	if err := a.check(); err != nil {
		return "", err
	}
	path := a.Path(name)
	if err := afero.WriteFile(a.fs, path, data, 0o600); err != nil {
		return "", fmt.Errorf("write scratch file: %w", err)
	}
	return path, nil
}

// Create opens a new unique file for writing.
func (a *Arena) Create(name string) (afero.File, string, error) {
	if err := a.check(); err != nil {
		return nil, "", err
	}
	path := a.Path(name)
	f, err := a.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, "", fmt.Errorf("create scratch file: %w", err)
	}
	return f, path, nil
}

// ReadFile reads a file previously written to the arena.
func (a *Arena) ReadFile(path string) ([]byte, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return afero.ReadFile(a.fs, path)
}

// Open opens a file previously written to the arena.
func (a *Arena) Open(path string) (io.ReadCloser, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return a.fs.Open(path)
}

// Remove deletes a single file. Missing files are not an error.
func (a *Arena) Remove(path string) error {
	if err := a.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Release removes the arena and everything in it. It is safe to call more
// than once.
func (a *Arena) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	a.released = true
	return a.fs.RemoveAll(a.dir)
}

func (a *Arena) check() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return fmt.Errorf("scratch arena %s already released", a.dir)
	}
	return nil
}
