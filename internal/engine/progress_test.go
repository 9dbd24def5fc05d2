package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileProgressLog_ReadMissing(t *testing.T) {
	p := NewFileProgressLog(t.TempDir())
	text, err := p.Read(context.Background(), "no-such-run")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestFileProgressLog_ReadAndArchive(t *testing.T) {
	dir := t.TempDir()
	p := NewFileProgressLog(dir)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "run-1.md"), []byte("# Progress\ndone S1\n"), 0o644))

	text, err := p.Read(ctx, "run-1")
	require.NoError(t, err)
	assert.Contains(t, text, "done S1")

	require.NoError(t, p.Archive(ctx, "run-1"))

	// Original gone, archived copy present.
	_, err = os.Stat(filepath.Join(dir, "run-1.md"))
	assert.True(t, os.IsNotExist(err))
	archived, err := os.ReadFile(filepath.Join(dir, "archive", "run-1.md"))
	require.NoError(t, err)
	assert.Contains(t, string(archived), "done S1")
}

func TestFileProgressLog_ArchiveMissingIsNoop(t *testing.T) {
	p := NewFileProgressLog(t.TempDir())
	require.NoError(t, p.Archive(context.Background(), "absent"))
}
