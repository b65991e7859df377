package progress

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tanq16/hlsdl/internal/utils"
)

type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseMerging     Phase = "merging"
)

const DefaultInterval = 500 * time.Millisecond

// Counters are shared by every in-flight fetch of a task. They only ever grow.
type Counters struct {
	bytes    atomic.Int64
	segments atomic.Int64
}

func (c *Counters) AddBytes(n int64) int64 { return c.bytes.Add(n) }
func (c *Counters) SegmentDone() int64     { return c.segments.Add(1) }
func (c *Counters) Bytes() int64           { return c.bytes.Load() }
func (c *Counters) Segments() int64        { return c.segments.Load() }

type Snapshot struct {
	Phase   Phase  `json:"phase"`
	Percent int    `json:"percent"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Speed   string `json:"speed"`
}

// Tracker turns counters into throttled snapshots. Speed is computed over the
// window since the previous sample only.
type Tracker struct {
	counters *Counters
	total    int
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastSample time.Time
	lastBytes  int64
}

func NewTracker(counters *Counters, totalSegments int, interval time.Duration) *Tracker {
	return newTrackerWithClock(counters, totalSegments, interval, time.Now)
}

func newTrackerWithClock(counters *Counters, totalSegments int, interval time.Duration, now func() time.Time) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		counters:   counters,
		total:      totalSegments,
		interval:   interval,
		now:        now,
		lastSample: now(),
	}
}

// Sample returns a downloading snapshot if at least the tracker interval has
// elapsed since the previous sample.
func (t *Tracker) Sample() (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	elapsed := now.Sub(t.lastSample)
	if elapsed < t.interval {
		return Snapshot{}, false
	}
	return t.sampleLocked(now, elapsed), true
}

// Final returns the closing downloading snapshot regardless of the interval.
func (t *Tracker) Final() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	snap := t.sampleLocked(now, now.Sub(t.lastSample))
	snap.Percent = 100
	return snap
}

func (t *Tracker) sampleLocked(now time.Time, elapsed time.Duration) Snapshot {
	bytes := t.counters.Bytes()
	speed := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		speed = float64(bytes-t.lastBytes) / secs
	}
	t.lastBytes = bytes
	t.lastSample = now
	done := int(t.counters.Segments())
	return Snapshot{
		Phase:   PhaseDownloading,
		Percent: Percent(done, t.total),
		Current: done,
		Total:   t.total,
		Speed:   utils.FormatSpeed(speed),
	}
}

// Percent is round(done/total*100), 0 for an empty total.
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}

// Merging wraps a percent reported by the concatenation tool.
func Merging(percent, current, total int) Snapshot {
	return Snapshot{
		Phase:   PhaseMerging,
		Percent: max(0, min(percent, 100)),
		Current: current,
		Total:   total,
	}
}
