// Package patchapply orchestrates the apply side of the tool: decoding a
// patch container and applying it to a target directory tree.
package patchapply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"patcher/internal/codec"
	"patcher/internal/event"
	"patcher/internal/executor"
	"patcher/internal/manifest"
	"patcher/internal/stats"
)

// ErrCancelled wraps context.Canceled when an apply run is interrupted
// (SIGINT/SIGTERM) mid-decode or mid-execute, so the CLI can report
// cancellation distinctly from a genuine I/O or verification failure.
var ErrCancelled = errors.New("patchapply: cancelled")

// checkCancel rewraps err under ErrCancelled when it stems from context
// cancellation, leaving any other error untouched.
func checkCancel(err error) error {
	if err == nil || !errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// Config describes an apply operation.
type Config struct {
	TargetRoot string
	PatchPath  string
	Workers    int
	Events     chan<- event.Event
	// Stats receives progress counters during the run. If nil, Run
	// allocates its own collector (whose snapshot is still returned
	// in Result).
	Stats *stats.Collector
}

// Result is the outcome of an apply operation.
type Result struct {
	Stats stats.Snapshot
	Err   error
}

// Run decodes the patch at cfg.PatchPath and applies it to cfg.TargetRoot.
func Run(ctx context.Context, cfg Config) Result {
	collector := cfg.Stats
	if collector == nil {
		collector = stats.NewCollector()
	}

	f, err := os.Open(cfg.PatchPath)
	if err != nil {
		return Result{Stats: collector.Snapshot(), Err: fmt.Errorf("open patch %s: %w", cfg.PatchPath, err)}
	}
	defer f.Close()

	m, err := decode(f)
	if err != nil {
		return Result{Stats: collector.Snapshot(), Err: fmt.Errorf("decode patch: %w", err)}
	}

	trackPlan(collector, m)

	execCfg := executor.Config{
		TargetRoot: cfg.TargetRoot,
		Workers:    cfg.Workers,
		Events:     cfg.Events,
		Stats:      collector,
	}

	if err := executor.Apply(ctx, m, execCfg); err != nil {
		return Result{Stats: collector.Snapshot(), Err: checkCancel(fmt.Errorf("apply patch: %w", err))}
	}

	return Result{Stats: collector.Snapshot(), Err: nil}
}

func decode(r io.Reader) (*manifest.Manifest, error) {
	return codec.Decode(r)
}

// trackPlan records planned operation and byte totals on the collector
// before applying, so progress events have totals to report against.
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
