package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ProgressLog is a plain-text resource scoped to a run's loop worker. The
// engine reads it for template injection and archives it when the run
// completes, but never interprets its contents.
type ProgressLog interface {
	Read(ctx context.Context, runID string) (string, error)
	Archive(ctx context.Context, runID string) error
}

// FileProgressLog stores one progress file per run under a directory,
// moving completed logs into an archive subdirectory.
type FileProgressLog struct {
	dir string
}

// NewFileProgressLog creates a FileProgressLog rooted at dir.
func NewFileProgressLog(dir string) *FileProgressLog {
	return &FileProgressLog{dir: dir}
}

func (p *FileProgressLog) path(runID string) string {
	return filepath.Join(p.dir, runID+".md")
}

// Read returns the run's progress text, or "" when no log exists yet.
func (p *FileProgressLog) Read(_ context.Context, runID string) (string, error) {
	data, err := os.ReadFile(p.path(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read progress log: %w", err)
	}
	return string(data), nil
}

// Archive moves the run's progress log into the archive subdirectory.
// A missing log is not an error.
func (p *FileProgressLog) Archive(_ context.Context, runID string) error {
	src := p.path(runID)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	archiveDir := filepath.Join(p.dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.Rename(src, filepath.Join(archiveDir, runID+".md")); err != nil {
		return fmt.Errorf("archive progress log: %w", err)
	}
	return nil
}
