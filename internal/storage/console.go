package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ConsoleDir manages the local console files runs append to while they
// execute. Consoles stay local and append-only until the run is terminal;
// Finalize copies them to the artifact store and removes the local file.
type ConsoleDir struct {
	root string
}

func NewConsoleDir(root string) *ConsoleDir {
	return &ConsoleDir{root: root}
}

func (c *ConsoleDir) path(project string, build int, run string) string {
	return filepath.Join(c.root, project, fmt.Sprintf("%d", build), run, ConsoleFile)
}

// Append writes data to the end of the run's console, creating it on first
// write.
func (c *ConsoleDir) Append(project string, build int, run string, data []byte) error {
	path := c.path(project, build, run)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create console dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open console: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append console: %w", err)
	}
	return nil
}

// Read returns console content from offset onward plus the offset to resume
// from. A missing console reads as empty.
func (c *ConsoleDir) Read(project string, build int, run string, offset int64) ([]byte, int64, error) {
	f, err := os.Open(c.path(project, build, run))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, offset, nil
		}
		return nil, 0, fmt.Errorf("open console: %w", err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, 0, fmt.Errorf("seek console: %w", err)
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, 0, fmt.Errorf("read console: %w", err)
	}
	return data, offset + int64(len(data)), nil
}

// Exists reports whether the run still has a local (non-finalized) console.
func (c *ConsoleDir) Exists(project string, build int, run string) bool {
	_, err := os.Stat(c.path(project, build, run))
	return err == nil
}

// Finalize copies the local console to the artifact store and removes the
// local file. A run without a local console finalizes as a no-op.
func (c *ConsoleDir) Finalize(ctx context.Context, store Store, project string, build int, run string) error {
	path := c.path(project, build, run)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	dest := RunPath(project, build, run, ConsoleFile)
	if err := store.PutFile(ctx, dest, path, "text/plain"); err != nil {
		return fmt.Errorf("finalize console: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove local console: %w", err)
	}
	return nil
}
