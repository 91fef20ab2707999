package blockupload

import (
	"sync"
	"time"
)

// ProgressFunc receives the cumulative number of uploaded bytes after each confirmed block.
// Calls are serialized and uploaded never decreases. It should return quickly, block workers wait for it.
type ProgressFunc func(uploaded, total int64)

// NoProgress ignores progress updates.
func NoProgress(uploaded, total int64) {}

// progressCounter accumulates confirmed bytes for the whole object, and the time spent on the blocks of this run.
// Totals are reported under the lock, so the callback sees them in increasing order.
type progressCounter struct {
	mu       sync.Mutex
	uploaded int64
	total    int64
	report   ProgressFunc

	blocks int
	busy   time.Duration
}

func newProgressCounter(alreadyUploaded, total int64, report ProgressFunc) *progressCounter {
	if report == nil {
		report = NoProgress
	}
	return &progressCounter{
		uploaded: alreadyUploaded,
		total:    total,
		report:   report,
	}
}

// add records a confirmed block of n bytes that took took to upload, and reports the new total.
func (p *progressCounter) add(n int64, took time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploaded += n
	p.blocks++
	p.busy += took
	p.report(p.uploaded, p.total)
}

func (p *progressCounter) value() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploaded
}

// blockTimes returns the number of blocks confirmed in this run and their average upload time.
func (p *progressCounter) blockTimes() (int, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blocks == 0 {
		return 0, 0
	}
	return p.blocks, p.busy / time.Duration(p.blocks)
}
