// Package executor applies a patch manifest to a target directory tree:
// creating and removing directories, writing new and modified files through
// a temp-file-then-rename sequence, and verifying every write against the
// manifest's content hashes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"patcher/internal/delta"
	"patcher/internal/event"
	"patcher/internal/manifest"
	"patcher/internal/stats"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

// Sentinel errors for the apply exit-code mapping.
var (
	ErrHashMismatch = errors.New("executor: hash mismatch")
	ErrStaleTarget  = errors.New("executor: stale target")
	ErrDirNotEmpty  = errors.New("executor: directory not empty")
	ErrIoError      = errors.New("executor: io error")
)

// pendingTmpFiles tracks the temp paths writeVerifiedFile has open mid-write
// across the worker pool, so a cancelled Apply still removes whatever partial
// renames never completed instead of leaving .patcher-tmp files behind.
var pendingTmpFiles = struct {
	mu    sync.Mutex
	paths map[string]struct{}
}{}

func trackTmpFile(path string) {
	pendingTmpFiles.mu.Lock()
	defer pendingTmpFiles.mu.Unlock()
	if pendingTmpFiles.paths == nil {
		pendingTmpFiles.paths = make(map[string]struct{})
	}
	pendingTmpFiles.paths[path] = struct{}{}
}

func untrackTmpFile(path string) {
	pendingTmpFiles.mu.Lock()
	defer pendingTmpFiles.mu.Unlock()
	delete(pendingTmpFiles.paths, path)
}

// sweepTmpFiles removes every temp file still tracked at the end of an
// Apply run, covering writes that were interrupted mid-flight.
func sweepTmpFiles() {
	pendingTmpFiles.mu.Lock()
	paths := make([]string, 0, len(pendingTmpFiles.paths))
	for p := range pendingTmpFiles.paths {
		paths = append(paths, p)
	}
	pendingTmpFiles.paths = nil
	pendingTmpFiles.mu.Unlock()

	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// mmapThreshold mirrors scan.MmapThreshold: files at or above this size are
// memory-mapped rather than read into a heap buffer during reconstruction.
const mmapThreshold = 4 * 1024 * 1024

// Config controls apply behavior.
type Config struct {
	TargetRoot string
	Workers    int
	Events     chan<- event.Event
	Stats      *stats.Collector
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return c
}

// Apply executes every operation in m against cfg.TargetRoot. A path whose
// kind flips between the old and new tree (a type change) is applied as
// its own delete-then-create pair before anything else, since a rename
// onto the path or a MkdirAll of it can't succeed while the other kind
// still occupies it. The remaining operations are grouped by tag
// (CreateDir, then AddFile/ModifyFile, then DeleteFile, then DeleteDir)
// and run sequentially between groups; within a group, independent
// operations run on a bounded worker pool. CreateDir and DeleteDir groups
// are further split into depth-ordered waves so that a parent directory is
// never created after its children, nor removed before them, even under
// concurrent execution.
func Apply(ctx context.Context, m *manifest.Manifest, cfg Config) error {
	cfg = cfg.withDefaults()
	defer sweepTmpFiles()

	typeChanges, createDirs, addModify, deleteFiles, deleteDirs := splitGroups(m.Operations)

	if err := runTypeChangeGroup(ctx, typeChanges, cfg); err != nil {
		return err
	}
	for _, wave := range waveByDepth(createDirs) {
		if err := runGroup(ctx, wave, cfg, applyOp); err != nil {
			return err
		}
	}
	if err := runGroup(ctx, addModify, cfg, applyOp); err != nil {
		return err
	}
	if err := runGroup(ctx, deleteFiles, cfg, applyOp); err != nil {
		return err
	}
	for _, wave := range waveByDepth(deleteDirs) {
		if err := runGroup(ctx, wave, cfg, applyOp); err != nil {
			return err
		}
	}
	return nil
}

// typeChangePair is a path whose delete (old kind) must complete before
// its create/add (new kind) runs.
type typeChangePair struct {
	del    manifest.Op
	create manifest.Op
}

func isCreateOrAdd(tag manifest.OpTag) bool {
	return tag == manifest.OpCreateDir || tag == manifest.OpAddFile
}

func isDelete(tag manifest.OpTag) bool {
	return tag == manifest.OpDeleteDir || tag == manifest.OpDeleteFile
}

// splitGroups buckets m.Operations by tag, except a path carrying both a
// delete and a create/add op (a type change) is pulled out into its own
// ordered pair rather than scattered across the general groups, which are
// each dispatched as a single tag-wide phase with no path-level ordering.
func splitGroups(ops []manifest.Op) (typeChanges []typeChangePair, createDirs, addModify, deleteFiles, deleteDirs []manifest.Op) {
	byPath := make(map[string][]manifest.Op, len(ops))
	var order []string
	for _, op := range ops {
		if _, seen := byPath[op.Path]; !seen {
			order = append(order, op.Path)
		}
		byPath[op.Path] = append(byPath[op.Path], op)
	}

	for _, path := range order {
		opsForPath := byPath[path]
		if len(opsForPath) == 2 {
			a, b := opsForPath[0], opsForPath[1]
			switch {
			case isDelete(a.Tag) && isCreateOrAdd(b.Tag):
				typeChanges = append(typeChanges, typeChangePair{del: a, create: b})
				continue
			case isDelete(b.Tag) && isCreateOrAdd(a.Tag):
				typeChanges = append(typeChanges, typeChangePair{del: b, create: a})
				continue
			}
		}
		for _, op := range opsForPath {
			switch op.Tag {
			case manifest.OpCreateDir:
				createDirs = append(createDirs, op)
			case manifest.OpAddFile, manifest.OpModifyFile:
				addModify = append(addModify, op)
			case manifest.OpDeleteFile:
				deleteFiles = append(deleteFiles, op)
			case manifest.OpDeleteDir:
				deleteDirs = append(deleteDirs, op)
			}
		}
	}
	return
}

// runTypeChangeGroup applies each pair's delete then create sequentially,
// with independent pairs dispatched across a bounded worker pool the same
// way runGroup dispatches independent single ops.
func runTypeChangeGroup(ctx context.Context, pairs []typeChangePair, cfg Config) error {
	if len(pairs) == 0 {
		return nil
	}

	jobs := make(chan typeChangePair, cfg.Workers)
	var mu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				select {
				case <-ctx.Done():
					recordErr(ctx.Err())
					continue
				default:
				}
				if err := applyOp(ctx, p.del, cfg); err != nil {
					recordErr(err)
					continue
				}
				if err := applyOp(ctx, p.create, cfg); err != nil {
					recordErr(err)
				}
			}
		}()
	}

	for _, p := range pairs {
		jobs <- p
	}
	close(jobs)
	wg.Wait()

	return firstErr
}

// waveByDepth partitions a depth-sorted operation slice into consecutive
// runs of equal path depth, preserving the slice's overall depth order.
func waveByDepth(ops []manifest.Op) [][]manifest.Op {
	if len(ops) == 0 {
		return nil
	}
	var waves [][]manifest.Op
	start := 0
	for i := 1; i <= len(ops); i++ {
		if i == len(ops) || depth(ops[i].Path) != depth(ops[start].Path) {
			waves = append(waves, ops[start:i])
			start = i
		}
	}
	return waves
}

func depth(path string) int {
	return strings.Count(path, "/")
}

func runGroup(ctx context.Context, ops []manifest.Op, cfg Config, fn func(context.Context, manifest.Op, Config) error) error {
	if len(ops) == 0 {
		return nil
	}

	jobs := make(chan manifest.Op, cfg.Workers)
	var mu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range jobs {
				select {
				case <-ctx.Done():
					recordErr(ctx.Err())
					continue
				default:
				}
				if err := fn(ctx, op, cfg); err != nil {
					recordErr(err)
				}
			}
		}()
	}

	for _, op := range ops {
		jobs <- op
	}
	close(jobs)
	wg.Wait()

	return firstErr
}

func applyOp(ctx context.Context, op manifest.Op, cfg Config) error {
	switch op.Tag {
	case manifest.OpCreateDir:
		return applyCreateDir(op, cfg)
	case manifest.OpAddFile:
		return applyAddFile(op, cfg)
	case manifest.OpModifyFile:
		return applyModifyFile(op, cfg)
	case manifest.OpDeleteFile:
		return applyDeleteFile(op, cfg)
	case manifest.OpDeleteDir:
		return applyDeleteDir(op, cfg)
	default:
		return fmt.Errorf("%w: unknown op tag %d for %s", ErrIoError, op.Tag, op.Path)
	}
}

func applyCreateDir(op manifest.Op, cfg Config) error {
	target := filepath.Join(cfg.TargetRoot, op.Path)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %s", ErrIoError, target, err)
	}
	cfg.Stats.AddDirsCreated(1)
	emitEvent(cfg.Events, event.Event{Type: event.DirCreated, Path: op.Path})
	return nil
}

func applyAddFile(op manifest.Op, cfg Config) error {
	target := filepath.Join(cfg.TargetRoot, op.Path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: create parent dir for %s: %s", ErrIoError, target, err)
	}

	if err := writeVerifiedFile(target, op.Bytes, op.NewHash); err != nil {
		return err
	}

	cfg.Stats.AddFilesAdded(1)
	cfg.Stats.AddBytesWritten(int64(len(op.Bytes)))
	emitEvent(cfg.Events, event.Event{Type: event.FileAdded, Path: op.Path, Size: int64(len(op.Bytes))})
	return nil
}

func applyModifyFile(op manifest.Op, cfg Config) error {
	target := filepath.Join(cfg.TargetRoot, op.Path)

	oldData, cleanup, err := readOldFile(target)
	if err != nil {
		return err
	}
	defer cleanup()

	if blake3.Sum256(oldData) != op.ExpectedOldHash {
		return fmt.Errorf("%w: %s", ErrStaleTarget, op.Path)
	}

	newData := delta.Apply(oldData, op.Instructions)

	if err := writeVerifiedFile(target, newData, op.NewHash); err != nil {
		return err
	}

	cfg.Stats.AddFilesModified(1)
	cfg.Stats.AddBytesWritten(int64(len(newData)))
	emitEvent(cfg.Events, event.Event{Type: event.FileModified, Path: op.Path, Size: int64(len(newData))})
	return nil
}

func applyDeleteFile(op manifest.Op, cfg Config) error {
	target := filepath.Join(cfg.TargetRoot, op.Path)
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %s", ErrIoError, target, err)
	}
	cfg.Stats.AddFilesDeleted(1)
	emitEvent(cfg.Events, event.Event{Type: event.FileDeleted, Path: op.Path})
	return nil
}

func applyDeleteDir(op manifest.Op, cfg Config) error {
	target := filepath.Join(cfg.TargetRoot, op.Path)
	err := os.Remove(target)

	var errno syscall.Errno
	switch {
	case err == nil:
		cfg.Stats.AddDirsDeleted(1)
		emitEvent(cfg.Events, event.Event{Type: event.DirDeleted, Path: op.Path})
		return nil
	case os.IsNotExist(err):
		return nil
	case errors.As(err, &errno) && errno == syscall.ENOTEMPTY:
		return fmt.Errorf("%w: %s", ErrDirNotEmpty, op.Path)
	default:
		return fmt.Errorf("%w: rmdir %s: %s", ErrIoError, target, err)
	}
}

// writeVerifiedFile writes data to target via temp-file-then-rename and
// confirms the written content hashes to wantHash before returning.
func writeVerifiedFile(target string, data []byte, wantHash [32]byte) error {
	if got := blake3.Sum256(data); got != wantHash {
		return fmt.Errorf("%w: %s", ErrHashMismatch, target)
	}

	dir := filepath.Dir(target)
	base := filepath.Base(target)
	tmpName := fmt.Sprintf(".%s.%s.patcher-tmp", base, uuid.New().String()[:8])
	tmpPath := filepath.Join(dir, tmpName)

	trackTmpFile(tmpPath)
	defer func() {
		untrackTmpFile(tmpPath)
		_ = os.Remove(tmpPath) // no-op if rename succeeded
	}()

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create tmp %s: %s", ErrIoError, tmpPath, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %s", ErrIoError, tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: fsync %s: %s", ErrIoError, tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %s", ErrIoError, tmpPath, err)
	}

	// Re-read and re-hash the data actually on disk before it replaces the
	// target, rather than trusting the in-memory buffer we just wrote.
	onDisk, err := os.ReadFile(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: reread tmp %s: %s", ErrIoError, tmpPath, err)
	}
	if got := blake3.Sum256(onDisk); got != wantHash {
		return fmt.Errorf("%w: %s", ErrHashMismatch, target)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("%w: rename %s -> %s: %s", ErrIoError, tmpPath, target, err)
	}
	return nil
}

// readOldFile returns the current bytes of target, memory-mapping large
// files. cleanup must be called once the caller is done with the data.
func readOldFile(target string) (data []byte, cleanup func(), err error) {
	f, err := os.Open(target)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open %s: %s", ErrIoError, target, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: stat %s: %s", ErrIoError, target, err)
	}

	if info.Size() == 0 {
		f.Close()
		return nil, func() {}, nil
	}

	if info.Size() >= mmapThreshold {
		mapped, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%w: mmap %s: %s", ErrIoError, target, err)
		}
		return mapped, func() {
			unix.Munmap(mapped)
			f.Close()
		}, nil
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %s", ErrIoError, target, err)
	}
	return buf, func() {}, nil
}

func emitEvent(ch chan<- event.Event, e event.Event) {
	if ch == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case ch <- e:
	default:
	}
}
