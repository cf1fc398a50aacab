package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	const goroutines = 100
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				c.AddFilesAdded(1)
				c.AddFilesModified(1)
				c.AddFilesDeleted(1)
				c.AddFilesFailed(1)
				c.AddFilesSkipped(1)
				c.AddBytesWritten(256)
				c.AddDirsCreated(1)
				c.AddDirsDeleted(1)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	expected := int64(goroutines * opsPerGoroutine)
	assert.Equal(t, expected, s.FilesAdded)
	assert.Equal(t, expected, s.FilesModified)
	assert.Equal(t, expected, s.FilesDeleted)
	assert.Equal(t, expected, s.FilesFailed)
	assert.Equal(t, expected, s.FilesSkipped)
	assert.Equal(t, expected*256, s.BytesWritten)
	assert.Equal(t, expected, s.DirsCreated)
	assert.Equal(t, expected, s.DirsDeleted)
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{
		DirsCreated:   3,
		DirsDeleted:   1,
		FilesAdded:    8,
		FilesModified: 2,
		FilesDeleted:  1,
		FilesSkipped:  1,
		FilesFailed:   0,
		BytesWritten:  4096,
	}
	expected := "dirs_created=3 dirs_deleted=1 added=8 modified=2 deleted=1 skipped=1 failed=0 bytes=4096"
	assert.Equal(t, expected, s.String())
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1.0 MiB"},
		{1073741824, "1.0 GiB"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			require.Equal(t, tt.expected, FormatBytes(tt.input))
		})
	}
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	assert.False(t, c.startTime.IsZero())
	assert.InDelta(t, 0, c.Elapsed().Seconds(), 1)
}

func TestSetTotals(t *testing.T) {
	c := NewCollector()
	c.SetTotals(100, 1024*1024)
	s := c.Snapshot()
	assert.Equal(t, int64(100), s.FilesTotal)
	assert.Equal(t, int64(1024*1024), s.BytesTotal)
}

func TestTickAndRollingSpeed(t *testing.T) {
	c := NewCollector()

	for i := 0; i < 5; i++ {
		c.AddBytesWritten(1000)
		c.AddFilesAdded(10)
		c.Tick()
	}

	speed := c.RollingSpeed(5)
	assert.InDelta(t, 1000.0, speed, 0.01)

	fps := c.RollingFilesPerSec(5)
	assert.InDelta(t, 10.0, fps, 0.01)
}

func TestRollingSpeedPartialWindow(t *testing.T) {
	c := NewCollector()

	c.AddBytesWritten(500)
	c.Tick()
	c.AddBytesWritten(500)
	c.Tick()

	speed := c.RollingSpeed(10)
	assert.InDelta(t, 500.0, speed, 0.01)
}

func TestRollingSpeedNoSamples(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, 0.0, c.RollingSpeed(5))
}

func TestRingWraparound(t *testing.T) {
	c := NewCollector()

	for i := 0; i < ringSize+10; i++ {
		c.AddBytesWritten(int64(i + 1))
		c.Tick()
	}

	speed := c.RollingSpeed(ringSize)
	assert.Greater(t, speed, 0.0)
}

func TestETA(t *testing.T) {
	c := NewCollector()
	c.SetTotals(100, 10000)

	for i := 0; i < 5; i++ {
		c.AddBytesWritten(1000)
		c.Tick()
	}

	eta := c.ETA()
	assert.InDelta(t, 5.0, eta.Seconds(), 1.0)
}

func TestETANoSpeed(t *testing.T) {
	c := NewCollector()
	c.SetTotals(100, 10000)
	assert.Equal(t, time.Duration(0), c.ETA())
}

func TestETAComplete(t *testing.T) {
	c := NewCollector()
	c.SetTotals(1, 1000)
	c.AddBytesWritten(1000)
	c.Tick()
	assert.Equal(t, time.Duration(0), c.ETA())
}

func TestSnapshotIncludesElapsed(t *testing.T) {
	c := NewCollector()
	time.Sleep(10 * time.Millisecond)
	s := c.Snapshot()
	assert.Greater(t, s.Elapsed, time.Duration(0))
}
