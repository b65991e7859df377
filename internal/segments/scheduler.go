package segments

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultBatchSize = 10

var ErrCancelled = errors.New("download cancelled")

// SegmentFetcher is the unit the scheduler fans out.
type SegmentFetcher interface {
	Fetch(ctx context.Context, seg Segment) (int64, error)
}

// Gate blocks the scheduler between batches while a task is paused.
type Gate interface {
	Wait(ctx context.Context) error
}

// Scheduler runs segments in fixed-size, strictly sequential batches. Pause and
// cancellation are only observed at batch boundaries.
type Scheduler struct {
	fetcher   SegmentFetcher
	batchSize int
	gate      Gate
	cancelled func() bool
	onBatch   func(batch, start, size int)
}

func NewScheduler(fetcher SegmentFetcher, batchSize int, gate Gate, cancelled func() bool) *Scheduler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	return &Scheduler{
		fetcher:   fetcher,
		batchSize: batchSize,
		gate:      gate,
		cancelled: cancelled,
	}
}

// OnBatch registers a callback invoked right before a batch is dispatched.
func (s *Scheduler) OnBatch(fn func(batch, start, size int)) {
	s.onBatch = fn
}

// Batches partitions n indices into ceil(n/size) ranges of min(size, remaining).
func Batches(n, size int) [][2]int {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}

// RunAll returns nil when every segment is on disk, ErrCancelled when the
// cancellation flag was observed before a batch, or the first FetchError of
// the failing batch.
func (s *Scheduler) RunAll(ctx context.Context, segs []Segment) error {
	for batch, bounds := range Batches(len(segs), s.batchSize) {
		if s.gate != nil {
			if err := s.gate.Wait(ctx); err != nil {
				return fmt.Errorf("waiting for resume: %w", err)
			}
		}
		if s.cancelled() {
			log.Debug().Str("op", "segments/scheduler").Msgf("Cancellation observed before batch %d", batch)
			return ErrCancelled
		}
		start, end := bounds[0], bounds[1]
		if s.onBatch != nil {
			s.onBatch(batch, start, end-start)
		}
		log.Debug().Str("op", "segments/scheduler").Msgf("Dispatching batch %d (segments %d-%d)", batch, start, end-1)

		// No derived context: a failing segment does not abort its siblings,
		// the batch always drains before the error is reported.
		var g errgroup.Group
		for _, seg := range segs[start:end] {
			g.Go(func() error {
				_, err := s.fetcher.Fetch(ctx, seg)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
