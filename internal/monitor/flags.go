// Package monitor implements the surge monitor: worker liveness from ping
// logs, queue-vs-capacity accounting per host tag, and the surge flag files
// the dispatcher consults for reserve workers.
package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Flags manages per-tag surge flag files. A flag's presence means the tag is
// surging; its content is the notification id of the active surge event.
type Flags struct {
	dir string
}

func NewFlags(dir string) *Flags {
	return &Flags{dir: dir}
}

func (f *Flags) path(tag string) string {
	return filepath.Join(f.dir, "surge-"+strings.ReplaceAll(tag, "/", "_"))
}

// Active reports whether the tag has a surge flag; it implements the
// dispatcher's SurgeFlags.
func (f *Flags) Active(tag string) bool {
	_, err := os.Stat(f.path(tag))
	return err == nil
}

// Age returns how long ago the tag's flag was created, or false when no flag
// exists.
func (f *Flags) Age(tag string) (time.Duration, bool) {
	info, err := os.Stat(f.path(tag))
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}

// Create writes the flag file with the surge notification id as content.
func (f *Flags) Create(tag, notificationID string) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create flag dir: %w", err)
	}
	if err := os.WriteFile(f.path(tag), []byte(notificationID), 0o644); err != nil {
		return fmt.Errorf("create surge flag %s: %w", tag, err)
	}
	return nil
}

// NotificationID reads the flag content.
func (f *Flags) NotificationID(tag string) (string, error) {
	data, err := os.ReadFile(f.path(tag))
	if err != nil {
		return "", fmt.Errorf("read surge flag %s: %w", tag, err)
	}
	return string(data), nil
}

// Remove deletes the flag.
func (f *Flags) Remove(tag string) error {
	if err := os.Remove(f.path(tag)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove surge flag %s: %w", tag, err)
	}
	return nil
}

// List returns the tags that currently have flags.
func (f *Flags) List() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list surge flags: %w", err)
	}
	var tags []string
	for _, e := range entries {
		if name, ok := strings.CutPrefix(e.Name(), "surge-"); ok {
			tags = append(tags, name)
		}
	}
	return tags, nil
}
