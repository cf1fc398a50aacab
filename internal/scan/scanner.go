// Package scan walks a directory tree and produces the canonical,
// deterministically ordered entry list the diff planner consumes.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"patcher/internal/filter"
	"patcher/internal/manifest"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

// ErrIoError wraps any filesystem failure encountered while scanning.
var ErrIoError = errors.New("scan: io error")

// MmapThreshold is the file size at or above which contents are memory-mapped
// for hashing rather than read into a heap buffer.
const MmapThreshold = 4 * 1024 * 1024

// Warning records a path the scanner chose to skip rather than fail on.
type Warning struct {
	RelPath string
	Reason  string
}

// Config controls scanner behavior.
type Config struct {
	Root    string
	Workers int
	Filter  *filter.Chain
}

// Scanner walks Root and produces a sorted, content-hashed entry list.
type Scanner struct {
	cfg Config
}

// NewScanner creates a scanner with the given config.
func NewScanner(cfg Config) *Scanner {
	if cfg.Workers <= 0 {
		cfg.Workers = min(runtime.NumCPU(), 8)
	}
	return &Scanner{cfg: cfg}
}

type rawEntry struct {
	relPath string
	kind    manifest.Kind
	size    int64
	absPath string
}

// Scan walks the tree rooted at cfg.Root and returns a lexicographically
// sorted entry list plus any symlink warnings. Any filesystem error aborts
// the whole scan: a patch built over a partial view of the tree would be
// silently wrong.
func (s *Scanner) Scan(ctx context.Context) ([]manifest.Entry, []Warning, error) {
	info, err := os.Stat(s.cfg.Root)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: stat %s: %s", ErrIoError, s.cfg.Root, err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s is not a directory", ErrIoError, s.cfg.Root)
	}

	raw, warnings, err := s.walk(ctx)
	if err != nil {
		return nil, nil, err
	}

	entries, err := s.hashAll(ctx, raw)
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, warnings, nil
}

func (s *Scanner) walk(ctx context.Context) ([]rawEntry, []Warning, error) {
	workQueue := make(chan string, s.cfg.Workers*2)
	var outstanding sync.WaitGroup

	var mu sync.Mutex
	var raw []rawEntry
	var warnings []Warning
	var firstErr error

	recordErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	var workerWg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for dirPath := range workQueue {
				entries, warns, err := s.scanDir(ctx, dirPath, workQueue, &outstanding)
				if err != nil {
					recordErr(err)
				}
				mu.Lock()
				raw = append(raw, entries...)
				warnings = append(warnings, warns...)
				mu.Unlock()
				outstanding.Done()
			}
		}()
	}

	outstanding.Add(1)
	workQueue <- s.cfg.Root

	outstanding.Wait()
	close(workQueue)
	workerWg.Wait()

	if firstErr != nil {
		return nil, nil, firstErr
	}
	return raw, warnings, nil
}

func (s *Scanner) scanDir(ctx context.Context, dirPath string, workQueue chan<- string, outstanding *sync.WaitGroup) ([]rawEntry, []Warning, error) {
	var entries []rawEntry
	var warnings []Warning

	if dirPath != s.cfg.Root {
		relPath, err := filepath.Rel(s.cfg.Root, dirPath)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: rel path for %s: %s", ErrIoError, dirPath, err)
		}
		relPath = filepath.ToSlash(relPath)
		if s.cfg.Filter == nil || s.cfg.Filter.Matches(manifest.Entry{RelPath: relPath, Kind: manifest.KindDir}) {
			entries = append(entries, rawEntry{relPath: relPath, kind: manifest.KindDir, absPath: dirPath})
		}
	}

	dirEntries, err := os.ReadDir(dirPath)
	if err != nil {
		return entries, warnings, fmt.Errorf("%w: readdir %s: %s", ErrIoError, dirPath, err)
	}

	for _, de := range dirEntries {
		select {
		case <-ctx.Done():
			return entries, warnings, ctx.Err()
		default:
		}

		childPath := filepath.Join(dirPath, de.Name())
		childEntries, warn, err := s.processEntry(ctx, childPath, workQueue, outstanding)
		if err != nil {
			return entries, warnings, err
		}
		entries = append(entries, childEntries...)
		if warn != nil {
			warnings = append(warnings, *warn)
		}
	}

	return entries, warnings, nil
}

func (s *Scanner) processEntry(ctx context.Context, path string, workQueue chan<- string, outstanding *sync.WaitGroup) ([]rawEntry, *Warning, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: lstat %s: %s", ErrIoError, path, err)
	}

	mode := info.Mode()
	relPath, err := filepath.Rel(s.cfg.Root, path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: rel path for %s: %s", ErrIoError, path, err)
	}
	relPath = filepath.ToSlash(relPath)

	switch {
	case mode.IsDir():
		outstanding.Add(1)
		select {
		case workQueue <- path:
		case <-ctx.Done():
			outstanding.Done()
			return nil, nil, ctx.Err()
		}
		return nil, nil, nil

	case mode&os.ModeSymlink != 0:
		return nil, &Warning{RelPath: relPath, Reason: "symlink skipped"}, nil

	case mode.IsRegular():
		if s.cfg.Filter != nil && !s.cfg.Filter.Matches(manifest.Entry{RelPath: relPath, Kind: manifest.KindFile, Size: info.Size()}) {
			return nil, nil, nil
		}
		return []rawEntry{{relPath: relPath, kind: manifest.KindFile, size: info.Size(), absPath: path}}, nil, nil

	default:
		return nil, &Warning{RelPath: relPath, Reason: "unsupported file type skipped"}, nil
	}
}

func (s *Scanner) hashAll(ctx context.Context, raw []rawEntry) ([]manifest.Entry, error) {
	entries := make([]manifest.Entry, len(raw))

	type job struct {
		idx int
		re  rawEntry
	}
	jobs := make(chan job, s.cfg.Workers*4)

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
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				select {
				case <-ctx.Done():
					recordErr(ctx.Err())
					continue
				default:
				}
				switch j.re.kind {
				case manifest.KindDir:
					entries[j.idx] = manifest.Entry{RelPath: j.re.relPath, Kind: manifest.KindDir}
				case manifest.KindFile:
					hash, err := hashFile(j.re.absPath, j.re.size)
					if err != nil {
						recordErr(err)
						continue
					}
					entries[j.idx] = manifest.Entry{RelPath: j.re.relPath, Kind: manifest.KindFile, Size: j.re.size, Hash: hash}
				}
			}
		}()
	}

	for idx, re := range raw {
		jobs <- job{idx: idx, re: re}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return entries, nil
}

// hashFile computes the BLAKE3 digest of the file at path. Files at or
// above MmapThreshold are memory-mapped; smaller files are streamed
// through a heap buffer.
func hashFile(path string, size int64) ([32]byte, error) {
	if size >= MmapThreshold {
		return hashFileMmap(path, size)
	}
	return hashFileBuffered(path)
}

func hashFileBuffered(path string) ([32]byte, error) {
	var zero [32]byte
	f, err := os.Open(path)
	if err != nil {
		return zero, fmt.Errorf("%w: open %s: %s", ErrIoError, path, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, 256*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return zero, fmt.Errorf("%w: hash %s: %s", ErrIoError, path, err)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

func hashFileMmap(path string, size int64) ([32]byte, error) {
	var zero [32]byte
	f, err := os.Open(path)
	if err != nil {
		return zero, fmt.Errorf("%w: open %s: %s", ErrIoError, path, err)
	}
	defer f.Close()

	if size == 0 {
		return blake3.Sum256(nil), nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return zero, fmt.Errorf("%w: mmap %s: %s", ErrIoError, path, err)
	}
	defer unix.Munmap(data)

	return blake3.Sum256(data), nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
