package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"patcher/internal/patchcreate"
	"patcher/internal/scan"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCreateExitCodeIoError covers the regression where a write failure in
// writeManifestAtomically (permission denied, disk full, bad output path)
// fell through createExitCode's default case and reported exit code 1
// instead of 2, same as any other I/O failure.
func TestCreateExitCodeIoError(t *testing.T) {
	wrapped := errors.New("boom")
	assert.Equal(t, 2, createExitCode(errors.Join(patchcreate.ErrIoError, wrapped)))
	assert.Equal(t, 2, createExitCode(scan.ErrIoError))
	assert.Equal(t, 2, createExitCode(os.ErrNotExist))
	assert.Equal(t, 1, createExitCode(errors.New("bad arguments")))
}

// TestCreateCmdUnwritableOutputExitsIoError exercises the real create
// command end to end against an output path whose parent can never be
// created (a regular file sits where a directory is needed), asserting the
// failure surfaces as exit code 2 rather than the usage-error default.
func TestCreateCmdUnwritableOutputExitsIoError(t *testing.T) {
	dir := t.TempDir()

	oldRoot := filepath.Join(dir, "old")
	newRoot := filepath.Join(dir, "new")
	require.NoError(t, os.Mkdir(oldRoot, 0o755))
	require.NoError(t, os.Mkdir(newRoot, 0o755))

	// blocker is a regular file, so MkdirAll on any path beneath it fails.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))
	output := filepath.Join(blocker, "sub", "patch.bin")

	cmd := newCreateCmd()
	cmd.SetArgs([]string{
		"--old", oldRoot,
		"--new", newRoot,
		"--output", output,
		"--quiet",
	})

	err := cmd.Execute()
	require.Error(t, err)

	var exitErr *exitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.code)
}
