package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// pingLogMaxSize triggers rotation of a worker's ping log.
const pingLogMaxSize = 1 << 20 // 1 MiB

// Pings manages the per-worker ping logs the API appends to on every worker
// check-in and the monitor inspects for liveness.
type Pings struct {
	dir string
}

func NewPings(dir string) *Pings {
	return &Pings{dir: dir}
}

func (p *Pings) path(worker string) string {
	return filepath.Join(p.dir, worker, "pings.log")
}

// Append records a check-in line for the worker.
func (p *Pings) Append(worker, line string) error {
	path := p.path(worker)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ping dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ping log: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("append ping log: %w", err)
	}
	return nil
}

// LastSeen returns the ping log's mtime, or false when the worker has never
// pinged.
func (p *Pings) LastSeen(worker string) (time.Time, bool) {
	info, err := os.Stat(p.path(worker))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Rotate renames an oversized ping log with an mtime suffix and creates a
// fresh empty file carrying the old mtime forward, so the next liveness pass
// does not spuriously mark the worker offline.
func (p *Pings) Rotate(worker string) error {
	path := p.path(worker)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat ping log: %w", err)
	}
	if info.Size() <= pingLogMaxSize {
		return nil
	}

	mtime := info.ModTime()
	rotated := fmt.Sprintf("%s.%d", path, mtime.Unix())
	if err := os.Rename(path, rotated); err != nil {
		return fmt.Errorf("rotate ping log: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("recreate ping log: %w", err)
	}
	f.Close()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		return fmt.Errorf("preserve ping log mtime: %w", err)
	}
	return nil
}
