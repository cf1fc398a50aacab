package ui

import (
	"fmt"
	"io"
	"time"

	"patcher/internal/event"
	"patcher/internal/stats"
)

// plainPresenter outputs one line per completed operation to stdout,
// and a progress line to stderr every 5 seconds.
type plainPresenter struct {
	w       io.Writer
	errW    io.Writer
	stats   *stats.Collector
	dstRoot string
}

func (p *plainPresenter) Run(events <-chan Event) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	sampler := time.NewTicker(time.Second)
	defer sampler.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-sampler.C:
			p.stats.Tick()
		case <-ticker.C:
			p.printProgress()
		}
	}
}

func (p *plainPresenter) handleEvent(ev Event) {
	path := StripRoot(p.dstRoot, ev.Path)
	switch ev.Type {
	case event.ScanComplete, event.DiffComplete:
		p.stats.SetTotals(ev.Total, ev.TotalSize)
	case event.DirCreated:
		fmt.Fprintf(p.w, "create dir: %s\n", path)
	case event.FileAdded:
		speed := p.stats.RollingSpeed(5)
		fmt.Fprintf(p.w, "%s  %s  %s\n", path, FormatBytes(ev.Size), FormatRate(speed))
	case event.FileModified:
		speed := p.stats.RollingSpeed(5)
		fmt.Fprintf(p.w, "%s  %s  %s\n", path, FormatBytes(ev.Size), FormatRate(speed))
	case event.FileDeleted:
		fmt.Fprintf(p.w, "delete: %s\n", path)
	case event.DirDeleted:
		fmt.Fprintf(p.w, "rmdir: %s\n", path)
	case event.FileSkipped:
		fmt.Fprintf(p.w, "%s  skipped\n", path)
	case event.VerifyOK:
		// silent in plain mode
	case event.VerifyFailed:
		fmt.Fprintf(p.w, "MISMATCH: %s\n", path)
	case event.ScanStarted, event.DiffStarted:
		// no output until completion
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	if snap.BytesTotal > 0 {
		pct := float64(snap.BytesWritten) / float64(snap.BytesTotal) * 100
		speed := p.stats.RollingSpeed(10)
		eta := p.stats.ETA()
		fmt.Fprintf(p.errW, "progress: %.0f%% %s/%s %s eta %s\n",
			pct,
			FormatBytes(snap.BytesWritten), FormatBytes(snap.BytesTotal),
			FormatRate(speed),
			FormatETA(eta),
		)
	} else {
		fmt.Fprintf(p.errW, "progress: %s written\n", FormatBytes(snap.BytesWritten))
	}
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}
