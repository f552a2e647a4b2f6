// Package storage implements the artifact store: build and run files in
// S3-compatible object storage, plus the local console files runs append to
// while they execute.
package storage

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"time"
)

// Store is the object capability the rest of jobservd consumes.
type Store interface {
	PutString(ctx context.Context, path string, data []byte, contentType string) error
	GetString(ctx context.Context, path string) ([]byte, error)
	PutFile(ctx context.Context, path, localPath, contentType string) error

	// List returns paths under prefix, relative to it, excluding the
	// internal run-definition document.
	List(ctx context.Context, prefix string) ([]string, error)

	// PutURL returns a signed upload URL for the worker.
	PutURL(ctx context.Context, path string, expires time.Duration, contentType string) (string, error)

	// GetURL returns a signed download URL, or "" when the backend serves
	// streams directly.
	GetURL(ctx context.Context, path string, expires time.Duration) (string, error)

	Exists(ctx context.Context, path string) (bool, error)
}

// RunDefFile is the per-run definition document; it is excluded from
// artifact listings and secret-scrubbed when read without authentication.
const RunDefFile = ".rundef.json"

// ProjectDefFile is the immutable per-build copy of the project definition.
const ProjectDefFile = "project.yml"

// ConsoleFile is the run's console log name.
const ConsoleFile = "console.log"

// BuildPrefix is <project>/<build>/.
func BuildPrefix(project string, build int) string {
	return fmt.Sprintf("%s/%d/", project, build)
}

// RunPrefix is <project>/<build>/<run>/.
func RunPrefix(project string, build int, run string) string {
	return fmt.Sprintf("%s/%d/%s/", project, build, run)
}

// RunPath is <project>/<build>/<run>/<rel>.
func RunPath(project string, build int, run, rel string) string {
	return RunPrefix(project, build, run) + rel
}

// ProjectDefPath is <project>/<build>/project.yml.
func ProjectDefPath(project string, build int) string {
	return BuildPrefix(project, build) + ProjectDefFile
}

// RunDefPath is <project>/<build>/<run>/.rundef.json.
func RunDefPath(project string, build int, run string) string {
	return RunPrefix(project, build, run) + RunDefFile
}

// ContentType derives a content type from a path's extension, defaulting to
// octet-stream.
func ContentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
