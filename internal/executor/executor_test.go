package executor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"patcher/internal/executor"
	"patcher/internal/manifest"
	"patcher/internal/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func newConfig(root string) executor.Config {
	return executor.Config{TargetRoot: root, Workers: 2, Stats: stats.NewCollector()}
}

func TestApplyCreateDirIdempotent(t *testing.T) {
	root := t.TempDir()
	m := &manifest.Manifest{Operations: []manifest.Op{
		{Tag: manifest.OpCreateDir, Path: "a/b"},
	}}

	require.NoError(t, executor.Apply(context.Background(), m, newConfig(root)))
	require.NoError(t, executor.Apply(context.Background(), m, newConfig(root)))

	info, err := os.Stat(filepath.Join(root, "a", "b"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestApplyAddFile(t *testing.T) {
	root := t.TempDir()
	data := []byte("hello world")
	m := &manifest.Manifest{Operations: []manifest.Op{
		{Tag: manifest.OpCreateDir, Path: "dir"},
		{Tag: manifest.OpAddFile, Path: "dir/file.txt", Bytes: data, NewHash: blake3.Sum256(data)},
	}}

	require.NoError(t, executor.Apply(context.Background(), m, newConfig(root)))

	got, err := os.ReadFile(filepath.Join(root, "dir", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestApplyAddFileHashMismatchRejected(t *testing.T) {
	root := t.TempDir()
	data := []byte("hello world")
	var wrongHash [32]byte
	m := &manifest.Manifest{Operations: []manifest.Op{
		{Tag: manifest.OpAddFile, Path: "file.txt", Bytes: data, NewHash: wrongHash},
	}}

	err := executor.Apply(context.Background(), m, newConfig(root))
	require.ErrorIs(t, err, executor.ErrHashMismatch)

	_, statErr := os.Stat(filepath.Join(root, "file.txt"))
	assert.True(t, os.IsNotExist(statErr), "file must not exist after a failed verified write")
}

func TestApplyModifyFile(t *testing.T) {
	root := t.TempDir()
	oldData := []byte("the quick brown fox")
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.bin"), oldData, 0o644))

	newData := []byte("the quick brown dog")
	m := &manifest.Manifest{Operations: []manifest.Op{
		{
			Tag:             manifest.OpModifyFile,
			Path:            "file.bin",
			ExpectedOldHash: blake3.Sum256(oldData),
			NewHash:         blake3.Sum256(newData),
			Instructions: []manifest.Instruction{
				{Kind: manifest.InstrCopy, SrcOffset: 0, Length: 16},
				{Kind: manifest.InstrInsert, Length: 3, Bytes: []byte("dog")},
			},
		},
	}}

	require.NoError(t, executor.Apply(context.Background(), m, newConfig(root)))

	got, err := os.ReadFile(filepath.Join(root, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, newData, got)
}

func TestApplyModifyFileStaleTargetRejected(t *testing.T) {
	root := t.TempDir()
	actualOld := []byte("actual current content")
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.bin"), actualOld, 0o644))

	var staleHash [32]byte // does not match actualOld
	m := &manifest.Manifest{Operations: []manifest.Op{
		{
			Tag:             manifest.OpModifyFile,
			Path:            "file.bin",
			ExpectedOldHash: staleHash,
			NewHash:         blake3.Sum256([]byte("whatever")),
			Instructions:    []manifest.Instruction{{Kind: manifest.InstrInsert, Length: 8, Bytes: []byte("whatever")}},
		},
	}}

	err := executor.Apply(context.Background(), m, newConfig(root))
	require.ErrorIs(t, err, executor.ErrStaleTarget)

	got, readErr := os.ReadFile(filepath.Join(root, "file.bin"))
	require.NoError(t, readErr)
	assert.Equal(t, actualOld, got, "target must be untouched when stale")
}

func TestApplyDeleteFileMissingIsOk(t *testing.T) {
	root := t.TempDir()
	m := &manifest.Manifest{Operations: []manifest.Op{
		{Tag: manifest.OpDeleteFile, Path: "does-not-exist.txt"},
	}}
	assert.NoError(t, executor.Apply(context.Background(), m, newConfig(root)))
}

func TestApplyDeleteDirNonEmptyFails(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "d", "keep.txt"), []byte("x"), 0o644))

	m := &manifest.Manifest{Operations: []manifest.Op{
		{Tag: manifest.OpDeleteDir, Path: "d"},
	}}

	err := executor.Apply(context.Background(), m, newConfig(root))
	require.ErrorIs(t, err, executor.ErrDirNotEmpty)

	info, statErr := os.Stat(filepath.Join(root, "d"))
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
}

func TestApplyDeleteDirDeepestFirst(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b", "c"), 0o755))

	m := &manifest.Manifest{Operations: []manifest.Op{
		{Tag: manifest.OpDeleteDir, Path: "a/b/c"},
		{Tag: manifest.OpDeleteDir, Path: "a/b"},
		{Tag: manifest.OpDeleteDir, Path: "a"},
	}}

	require.NoError(t, executor.Apply(context.Background(), m, newConfig(root)))

	_, err := os.Stat(filepath.Join(root, "a"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyDeleteDirMissingIsOk(t *testing.T) {
	root := t.TempDir()
	m := &manifest.Manifest{Operations: []manifest.Op{
		{Tag: manifest.OpDeleteDir, Path: "gone"},
	}}
	assert.NoError(t, executor.Apply(context.Background(), m, newConfig(root)))
}

func TestApplyTypeChangeDirToFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "x"), 0o755))

	data := []byte("data")
	m := &manifest.Manifest{Operations: []manifest.Op{
		{Tag: manifest.OpDeleteDir, Path: "x"},
		{Tag: manifest.OpAddFile, Path: "x", Bytes: data, NewHash: blake3.Sum256(data)},
	}}

	require.NoError(t, executor.Apply(context.Background(), m, newConfig(root)))

	info, err := os.Stat(filepath.Join(root, "x"))
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	got, err := os.ReadFile(filepath.Join(root, "x"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestApplyTypeChangeFileToDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "x"), []byte("old"), 0o644))

	m := &manifest.Manifest{Operations: []manifest.Op{
		{Tag: manifest.OpDeleteFile, Path: "x"},
		{Tag: manifest.OpCreateDir, Path: "x"},
	}}

	require.NoError(t, executor.Apply(context.Background(), m, newConfig(root)))

	info, err := os.Stat(filepath.Join(root, "x"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestApplyFullScenario(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "old"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "old", "name.txt"), []byte("x"), 0o644))

	data := []byte("x")
	m := &manifest.Manifest{Operations: []manifest.Op{
		{Tag: manifest.OpCreateDir, Path: "new"},
		{Tag: manifest.OpAddFile, Path: "new/name.txt", Bytes: data, NewHash: blake3.Sum256(data)},
		{Tag: manifest.OpDeleteFile, Path: "old/name.txt"},
		{Tag: manifest.OpDeleteDir, Path: "old"},
	}}

	require.NoError(t, executor.Apply(context.Background(), m, newConfig(root)))

	got, err := os.ReadFile(filepath.Join(root, "new", "name.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = os.Stat(filepath.Join(root, "old"))
	assert.True(t, os.IsNotExist(err))
}
