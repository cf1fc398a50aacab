// Package stats tracks patch creation/apply progress using lock-free
// atomic counters, plus a rolling window for live throughput display.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks patch operation statistics using lock-free atomic counters.
type Collector struct {
	dirsCreated       atomic.Int64
	dirsDeleted       atomic.Int64
	filesAdded        atomic.Int64
	filesModified     atomic.Int64
	filesDeleted      atomic.Int64
	filesSkipped      atomic.Int64
	filesFailed       atomic.Int64
	bytesWritten      atomic.Int64
	bytesTotal        atomic.Int64
	filesTotal        atomic.Int64
	filesVerified     atomic.Int64
	filesVerifyFailed atomic.Int64
	startTime         time.Time

	// Ring buffer — written only by the presenter's Tick(), not workers.
	mu          sync.Mutex
	throughput  [ringSize]int64 // bytes delta per second
	filesPerSec [ringSize]int64 // files delta per second
	ringIdx     int
	ringCount   int // how many samples have been written (capped at ringSize)
	lastBytes   int64
	lastFiles   int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotals records the planned operation and byte totals (called once
// when the manifest is ready, before applying).
func (c *Collector) SetTotals(files, bytes int64) {
	c.filesTotal.Store(files)
	c.bytesTotal.Store(bytes)
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	DirsCreated       int64
	DirsDeleted       int64
	FilesAdded        int64
	FilesModified     int64
	FilesDeleted      int64
	FilesSkipped      int64
	FilesFailed       int64
	BytesWritten      int64
	BytesTotal        int64
	FilesTotal        int64
	FilesVerified     int64
	FilesVerifyFailed int64
	Elapsed           time.Duration
}

func (c *Collector) AddDirsCreated(n int64)       { c.dirsCreated.Add(n) }
func (c *Collector) AddDirsDeleted(n int64)       { c.dirsDeleted.Add(n) }
func (c *Collector) AddFilesAdded(n int64)        { c.filesAdded.Add(n) }
func (c *Collector) AddFilesModified(n int64)     { c.filesModified.Add(n) }
func (c *Collector) AddFilesDeleted(n int64)      { c.filesDeleted.Add(n) }
func (c *Collector) AddFilesSkipped(n int64)      { c.filesSkipped.Add(n) }
func (c *Collector) AddFilesFailed(n int64)       { c.filesFailed.Add(n) }
func (c *Collector) AddBytesWritten(n int64)      { c.bytesWritten.Add(n) }
func (c *Collector) AddFilesVerified(n int64)     { c.filesVerified.Add(n) }
func (c *Collector) AddFilesVerifyFailed(n int64) { c.filesVerifyFailed.Add(n) }

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		DirsCreated:       c.dirsCreated.Load(),
		DirsDeleted:       c.dirsDeleted.Load(),
		FilesAdded:        c.filesAdded.Load(),
		FilesModified:     c.filesModified.Load(),
		FilesDeleted:      c.filesDeleted.Load(),
		FilesSkipped:      c.filesSkipped.Load(),
		FilesFailed:       c.filesFailed.Load(),
		BytesWritten:      c.bytesWritten.Load(),
		BytesTotal:        c.bytesTotal.Load(),
		FilesTotal:        c.filesTotal.Load(),
		FilesVerified:     c.filesVerified.Load(),
		FilesVerifyFailed: c.filesVerifyFailed.Load(),
		Elapsed:           c.Elapsed(),
	}
}

// Tick snapshots byte/file deltas into the ring buffer. Called 1/sec by the presenter.
func (c *Collector) Tick() {
	currentBytes := c.bytesWritten.Load()
	currentFiles := c.filesAdded.Load() + c.filesModified.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	bytesDelta := currentBytes - c.lastBytes
	filesDelta := currentFiles - c.lastFiles
	c.lastBytes = currentBytes
	c.lastFiles = currentFiles

	c.throughput[c.ringIdx] = bytesDelta
	c.filesPerSec[c.ringIdx] = filesDelta
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.throughput[:], seconds)
}

// RollingFilesPerSec returns average files/sec over the last n seconds.
func (c *Collector) RollingFilesPerSec(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.filesPerSec[:], seconds)
}

func (c *Collector) rollingAvg(buf []int64, n int) float64 {
	count := n
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < count; i++ {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += buf[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining time based on rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesWritten.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"dirs_created=%d dirs_deleted=%d added=%d modified=%d deleted=%d skipped=%d failed=%d bytes=%d",
		s.DirsCreated, s.DirsDeleted, s.FilesAdded, s.FilesModified, s.FilesDeleted,
		s.FilesSkipped, s.FilesFailed, s.BytesWritten,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
