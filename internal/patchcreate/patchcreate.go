// Package patchcreate orchestrates the create side of the tool: scanning
// old and new trees, planning a patch manifest, and encoding it to a
// container file.
package patchcreate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"patcher/internal/codec"
	"patcher/internal/event"
	"patcher/internal/filter"
	"patcher/internal/manifest"
	"patcher/internal/planner"
	"patcher/internal/scan"
	"patcher/internal/stats"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// ErrIoError wraps OS-call failures (mkdir, open, fsync, rename) that occur
// while writing the output patch file, distinct from a scan or encode
// failure upstream of the write itself.
var ErrIoError = errors.New("patchcreate: io error")

// ErrCancelled wraps context.Canceled when a create run is interrupted
// (SIGINT/SIGTERM) mid-scan or mid-plan, so the CLI can report
// cancellation distinctly from a genuine I/O or format failure.
var ErrCancelled = errors.New("patchcreate: cancelled")

// checkCancel rewraps err under ErrCancelled when it stems from context
// cancellation, leaving any other error untouched.
func checkCancel(err error) error {
	if err == nil || !errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// Config describes a create operation.
type Config struct {
	OldRoot   string
	NewRoot   string
	Output    string
	Workers   int
	BlockSize int
	Filter    *filter.Chain
	Events    chan<- event.Event
	// Stats receives progress counters during the run. If nil, Run
	// allocates its own collector (whose snapshot is still returned
	// in Result).
	Stats *stats.Collector
	// CompressionLevel controls the zstd level used to write Output. The
	// zero value falls back to codec.CompressionLevel.
	CompressionLevel zstd.EncoderLevel
}

// Result is the outcome of a create operation.
type Result struct {
	Stats stats.Snapshot
	Err   error
}

// Run scans OldRoot and NewRoot, plans a manifest, and writes it to Output.
// The output file is written via temp-file-then-rename: a failure at any
// stage leaves no partial file at Output.
func Run(ctx context.Context, cfg Config) Result {
	collector := cfg.Stats
	if collector == nil {
		collector = stats.NewCollector()
	}

	emitEvent(cfg.Events, event.Event{Type: event.ScanStarted})
	oldEntries, _, err := scan.NewScanner(scan.Config{Root: cfg.OldRoot, Workers: cfg.Workers, Filter: cfg.Filter}).Scan(ctx)
	if err != nil {
		return Result{Stats: collector.Snapshot(), Err: checkCancel(fmt.Errorf("scan old tree: %w", err))}
	}

	newEntries, _, err := scan.NewScanner(scan.Config{Root: cfg.NewRoot, Workers: cfg.Workers, Filter: cfg.Filter}).Scan(ctx)
	if err != nil {
		return Result{Stats: collector.Snapshot(), Err: checkCancel(fmt.Errorf("scan new tree: %w", err))}
	}
	emitEvent(cfg.Events, event.Event{Type: event.ScanComplete, Total: int64(len(newEntries))})

	emitEvent(cfg.Events, event.Event{Type: event.DiffStarted})
	m, err := planner.Plan(ctx, cfg.OldRoot, cfg.NewRoot, oldEntries, newEntries, planner.Options{
		Workers:   cfg.Workers,
		BlockSize: cfg.BlockSize,
	})
	if err != nil {
		return Result{Stats: collector.Snapshot(), Err: checkCancel(fmt.Errorf("plan patch: %w", err))}
	}

	trackPlan(collector, m)
	emitEvent(cfg.Events, event.Event{Type: event.DiffComplete, Total: int64(len(m.Operations)), TotalSize: collector.Snapshot().BytesTotal})

	if err := writeManifestAtomically(cfg.Output, m, cfg.CompressionLevel); err != nil {
		return Result{Stats: collector.Snapshot(), Err: checkCancel(err)}
	}

	return Result{Stats: collector.Snapshot(), Err: nil}
}

// trackPlan records planned operation counts on the collector so a
// subsequent apply-side presenter (or a dry-run summary) has totals to
// report against.
func trackPlan(c *stats.Collector, m *manifest.Manifest) {
	var totalBytes int64
	for _, op := range m.Operations {
		switch op.Tag {
		case manifest.OpAddFile:
			totalBytes += int64(len(op.Bytes))
		case manifest.OpModifyFile:
			for _, instr := range op.Instructions {
				totalBytes += int64(instr.Length)
			}
		}
	}
	c.SetTotals(int64(len(m.Operations)), totalBytes)
}

func writeManifestAtomically(output string, m *manifest.Manifest, level zstd.EncoderLevel) error {
	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create output dir %s: %s", ErrIoError, dir, err)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.patcher-tmp", filepath.Base(output), uuid.New().String()[:8]))
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create tmp %s: %s", ErrIoError, tmpPath, err)
	}
	defer os.Remove(tmpPath) // no-op once renamed

	if err := codec.EncodeWithLevel(f, m, level); err != nil {
		f.Close()
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: fsync %s: %s", ErrIoError, tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %s", ErrIoError, tmpPath, err)
	}
	if err := os.Rename(tmpPath, output); err != nil {
		return fmt.Errorf("%w: rename %s -> %s: %s", ErrIoError, tmpPath, output, err)
	}
	return nil
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
