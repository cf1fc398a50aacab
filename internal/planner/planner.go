// Package planner compares two tree scans and produces the ordered
// patch manifest that transforms the old tree into the new one.
package planner

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"patcher/internal/delta"
	"patcher/internal/manifest"
)

// Options controls per-file work dispatched while planning.
type Options struct {
	Workers   int
	BlockSize int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BlockSize <= 0 {
		o.BlockSize = delta.DefaultBlockSize
	}
	return o
}

// Plan compares oldEntries (rooted at oldRoot) against newEntries (rooted
// at newRoot) and returns the ordered manifest that turns old into new.
// Identical inputs always produce a byte-identical manifest: entries are
// grouped and sorted deterministically regardless of the order worker
// goroutines finish their per-file work in.
func Plan(ctx context.Context, oldRoot, newRoot string, oldEntries, newEntries []manifest.Entry, opts Options) (*manifest.Manifest, error) {
	opts = opts.withDefaults()

	oldByPath := make(map[string]manifest.Entry, len(oldEntries))
	for _, e := range oldEntries {
		oldByPath[e.RelPath] = e
	}
	newByPath := make(map[string]manifest.Entry, len(newEntries))
	for _, e := range newEntries {
		newByPath[e.RelPath] = e
	}

	var dirsToCreate, dirsToDelete []string
	var filesToAdd, filesToDelete []string
	var filesToModify []string

	// typeChange records a path whose kind flips between the old and new
	// tree (dir becomes file, or file becomes dir). These can't be folded
	// into the general create/delete groups: a rename onto the path (or a
	// MkdirAll of it) would race the old entry still occupying it, so each
	// pair is emitted delete-old-kind immediately followed by
	// create-new-kind, ahead of every other operation.
	type typeChange struct {
		path    string
		oldKind manifest.Kind
		newKind manifest.Kind
	}
	var typeChanges []typeChange

	for path, oldEntry := range oldByPath {
		newEntry, present := newByPath[path]
		if !present {
			if oldEntry.Kind == manifest.KindDir {
				dirsToDelete = append(dirsToDelete, path)
			} else {
				filesToDelete = append(filesToDelete, path)
			}
			continue
		}
		if oldEntry.Kind != newEntry.Kind {
			typeChanges = append(typeChanges, typeChange{path: path, oldKind: oldEntry.Kind, newKind: newEntry.Kind})
			continue
		}
		if oldEntry.Kind == manifest.KindFile && oldEntry.Hash != newEntry.Hash {
			filesToModify = append(filesToModify, path)
		}
	}
	for path, newEntry := range newByPath {
		if _, present := oldByPath[path]; present {
			continue
		}
		if newEntry.Kind == manifest.KindDir {
			dirsToCreate = append(dirsToCreate, path)
		} else {
			filesToAdd = append(filesToAdd, path)
		}
	}

	sort.Slice(typeChanges, func(i, j int) bool { return typeChanges[i].path < typeChanges[j].path })

	var typeChangeFiles []string
	for _, tc := range typeChanges {
		if tc.newKind == manifest.KindFile {
			typeChangeFiles = append(typeChangeFiles, tc.path)
		}
	}

	addOps, err := buildAddOps(ctx, newRoot, newByPath, filesToAdd, opts)
	if err != nil {
		return nil, err
	}
	modifyOps, err := buildModifyOps(ctx, oldRoot, newRoot, oldByPath, newByPath, filesToModify, opts)
	if err != nil {
		return nil, err
	}
	typeChangeAddOps, err := buildAddOps(ctx, newRoot, newByPath, typeChangeFiles, opts)
	if err != nil {
		return nil, err
	}
	typeChangeAddByPath := make(map[string]manifest.Op, len(typeChangeAddOps))
	for _, op := range typeChangeAddOps {
		typeChangeAddByPath[op.Path] = op
	}

	var ops []manifest.Op

	for _, tc := range typeChanges {
		if tc.oldKind == manifest.KindDir {
			ops = append(ops, manifest.Op{Tag: manifest.OpDeleteDir, Path: tc.path})
		} else {
			ops = append(ops, manifest.Op{Tag: manifest.OpDeleteFile, Path: tc.path})
		}
		if tc.newKind == manifest.KindDir {
			ops = append(ops, manifest.Op{Tag: manifest.OpCreateDir, Path: tc.path})
		} else {
			ops = append(ops, typeChangeAddByPath[tc.path])
		}
	}

	sortParentFirst(dirsToCreate)
	for _, p := range dirsToCreate {
		ops = append(ops, manifest.Op{Tag: manifest.OpCreateDir, Path: p})
	}

	changed := append(addOps, modifyOps...)
	sort.Slice(changed, func(i, j int) bool { return changed[i].Path < changed[j].Path })
	ops = append(ops, changed...)

	sort.Strings(filesToDelete)
	for _, p := range filesToDelete {
		ops = append(ops, manifest.Op{Tag: manifest.OpDeleteFile, Path: p})
	}

	sortDeepestFirst(dirsToDelete)
	for _, p := range dirsToDelete {
		ops = append(ops, manifest.Op{Tag: manifest.OpDeleteDir, Path: p})
	}

	return &manifest.Manifest{FormatVersion: manifest.FormatVersion, Operations: ops}, nil
}

// sortParentFirst orders paths ascending by (depth, path), so a directory
// always precedes its descendants and every directory of one depth sits in
// a single contiguous run.
func sortParentFirst(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		di, dj := strings.Count(paths[i], "/"), strings.Count(paths[j], "/")
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})
}

// sortDeepestFirst is the reverse of sortParentFirst: descending by
// (depth, path), so a directory's descendants always precede it.
func sortDeepestFirst(paths []string) {
	sortParentFirst(paths)
	for i, j := 0, len(paths)-1; i < j; i, j = i+1, j-1 {
		paths[i], paths[j] = paths[j], paths[i]
	}
}

func buildAddOps(ctx context.Context, newRoot string, newByPath map[string]manifest.Entry, paths []string, opts Options) ([]manifest.Op, error) {
	return dispatch(ctx, paths, opts.Workers, func(path string) (manifest.Op, error) {
		entry := newByPath[path]
		data, err := os.ReadFile(joinPath(newRoot, path))
		if err != nil {
			return manifest.Op{}, fmt.Errorf("read %s: %w", path, err)
		}
		return manifest.Op{
			Tag:     manifest.OpAddFile,
			Path:    path,
			Bytes:   data,
			NewHash: entry.Hash,
		}, nil
	})
}

func buildModifyOps(ctx context.Context, oldRoot, newRoot string, oldByPath, newByPath map[string]manifest.Entry, paths []string, opts Options) ([]manifest.Op, error) {
	return dispatch(ctx, paths, opts.Workers, func(path string) (manifest.Op, error) {
		oldEntry := oldByPath[path]
		newEntry := newByPath[path]

		oldData, err := os.ReadFile(joinPath(oldRoot, path))
		if err != nil {
			return manifest.Op{}, fmt.Errorf("read %s: %w", path, err)
		}
		newData, err := os.ReadFile(joinPath(newRoot, path))
		if err != nil {
			return manifest.Op{}, fmt.Errorf("read %s: %w", path, err)
		}

		instrs := delta.Diff(oldData, newData, opts.BlockSize)
		return manifest.Op{
			Tag:             manifest.OpModifyFile,
			Path:            path,
			ExpectedOldHash: oldEntry.Hash,
			NewHash:         newEntry.Hash,
			Instructions:    instrs,
		}, nil
	})
}

func joinPath(root, relPath string) string {
	return root + string(os.PathSeparator) + strings.ReplaceAll(relPath, "/", string(os.PathSeparator))
}

// dispatch runs fn over paths across a bounded pool of goroutines and
// returns results indexed back to the input order, so callers observe a
// deterministic result regardless of completion order.
func dispatch(ctx context.Context, paths []string, workers int, fn func(string) (manifest.Op, error)) ([]manifest.Op, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	results := make([]manifest.Op, len(paths))
	type job struct {
		idx  int
		path string
	}
	jobs := make(chan job, workers*2)

	var mu sync.Mutex
	var firstErr error

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				select {
				case <-ctx.Done():
					mu.Lock()
					if firstErr == nil {
						firstErr = ctx.Err()
					}
					mu.Unlock()
					continue
				default:
				}
				op, err := fn(j.path)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					continue
				}
				results[j.idx] = op
			}
		}()
	}

	for idx, p := range paths {
		jobs <- job{idx: idx, path: p}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
