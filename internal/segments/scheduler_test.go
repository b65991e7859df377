package segments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingFetcher tracks concurrency and fetch counts per index.
type recordingFetcher struct {
	mu       sync.Mutex
	fetched  map[int]int
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	failOn   map[int]error
}

func newRecordingFetcher() *recordingFetcher {
	return &recordingFetcher{fetched: make(map[int]int), failOn: make(map[int]error)}
}

func (f *recordingFetcher) Fetch(ctx context.Context, seg Segment) (int64, error) {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)
	f.inFlight.Add(-1)
	f.mu.Lock()
	f.fetched[seg.Index]++
	f.mu.Unlock()
	if err, ok := f.failOn[seg.Index]; ok {
		return 0, err
	}
	return 1, nil
}

func (f *recordingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type chanGate struct {
	mu sync.Mutex
	ch chan struct{}
}

func (g *chanGate) pause() {
	g.mu.Lock()
	g.ch = make(chan struct{})
	g.mu.Unlock()
}

func (g *chanGate) resume() {
	g.mu.Lock()
	close(g.ch)
	g.ch = nil
	g.mu.Unlock()
}

func (g *chanGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func makeSegments(n int) []Segment {
	segs := make([]Segment, n)
	for i := range segs {
		segs[i] = Segment{Index: i, URL: fmt.Sprintf("http://example.com/%d.ts", i)}
	}
	return segs
}

func TestBatches(t *testing.T) {
	tests := []struct {
		n, size int
		want    [][2]int
	}{
		{23, 10, [][2]int{{0, 10}, {10, 20}, {20, 23}}},
		{20, 10, [][2]int{{0, 10}, {10, 20}}},
		{3, 10, [][2]int{{0, 3}}},
		{0, 10, nil},
		{5, 0, [][2]int{{0, 5}}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Batches(tt.n, tt.size), "n=%d size=%d", tt.n, tt.size)
	}
}

func TestRunAllBatchSizes(t *testing.T) {
	fetcher := newRecordingFetcher()
	fetcher.delay = 5 * time.Millisecond
	sched := NewScheduler(fetcher, 10, nil, nil)
	var sizes []int
	sched.OnBatch(func(batch, start, size int) {
		sizes = append(sizes, size)
		assert.Equal(t, batch*10, start)
	})

	require.NoError(t, sched.RunAll(context.Background(), makeSegments(23)))
	assert.Equal(t, []int{10, 10, 3}, sizes)
	assert.Equal(t, 23, fetcher.count())
	assert.LessOrEqual(t, fetcher.peak.Load(), int32(10))
	for i := range 23 {
		assert.Equal(t, 1, fetcher.fetched[i], "segment %d", i)
	}
}

func TestRunAllCancelledBeforeBatch(t *testing.T) {
	fetcher := newRecordingFetcher()
	var cancelled atomic.Bool
	sched := NewScheduler(fetcher, 10, nil, cancelled.Load)
	sched.OnBatch(func(batch, start, size int) {
		if batch == 1 {
			cancelled.Store(true)
		}
	})

	err := sched.RunAll(context.Background(), makeSegments(30))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 20, fetcher.count())
}

func TestRunAllFailureDrainsBatch(t *testing.T) {
	fetcher := newRecordingFetcher()
	fetcher.delay = 2 * time.Millisecond
	boom := &FetchError{Index: 3, Attempts: 3, Err: errors.New("boom")}
	fetcher.failOn[3] = boom
	sched := NewScheduler(fetcher, 10, nil, nil)

	err := sched.RunAll(context.Background(), makeSegments(25))
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 3, fetchErr.Index)
	// the failing batch drains, later batches never start
	assert.Equal(t, 10, fetcher.count())
}

func TestRunAllPauseBlocksNextBatch(t *testing.T) {
	fetcher := newRecordingFetcher()
	gate := &chanGate{}
	sched := NewScheduler(fetcher, 10, gate, nil)
	sched.OnBatch(func(batch, start, size int) {
		if batch == 0 {
			gate.pause()
		}
	})

	done := make(chan error, 1)
	go func() { done <- sched.RunAll(context.Background(), makeSegments(20)) }()

	require.Eventually(t, func() bool { return fetcher.count() == 10 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 10, fetcher.count(), "batch 1 must not start while paused")

	gate.resume()
	require.NoError(t, <-done)
	assert.Equal(t, 20, fetcher.count())
	for i := range 20 {
		assert.Equal(t, 1, fetcher.fetched[i], "segment %d fetched more than once", i)
	}
}

func TestRunAllGateHonoursContext(t *testing.T) {
	gate := &chanGate{}
	gate.pause()
	sched := NewScheduler(newRecordingFetcher(), 10, gate, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sched.RunAll(ctx, makeSegments(5))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
