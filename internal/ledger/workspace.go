package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Workspace abstracts file content access for rollback and conflict
// resolution. Paths are workspace-relative.
type Workspace interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
}

// OSWorkspace reads and writes files under a root directory.
type OSWorkspace struct {
	root string
}

func NewOSWorkspace(root string) *OSWorkspace {
	return &OSWorkspace{root: root}
}

func (w *OSWorkspace) resolve(path string) (string, error) {
	cleaned := filepath.Clean("/" + path)
	full := filepath.Join(w.root, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(w.root)+string(os.PathSeparator)) && full != filepath.Clean(w.root) {
		return "", fmt.Errorf("path %q escapes workspace", path)
	}
	return full, nil
}

func (w *OSWorkspace) ReadFile(path string) ([]byte, error) {
	full, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (w *OSWorkspace) WriteFile(path string, data []byte) error {
	full, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

var ErrFileNotFound = errors.New("file not found")

// MemWorkspace is an in-process workspace for tests and local development.
type MemWorkspace struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemWorkspace() *MemWorkspace {
	return &MemWorkspace{files: make(map[string][]byte)}
}

func (w *MemWorkspace) ReadFile(path string) ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	data, ok := w.files[path]
	if !ok {
		return nil, ErrFileNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (w *MemWorkspace) WriteFile(path string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	w.files[path] = cp
	return nil
}
