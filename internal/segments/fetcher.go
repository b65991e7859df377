package segments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/hlsdl/internal/progress"
	"github.com/tanq16/hlsdl/internal/utils"
	"golang.org/x/time/rate"
)

const (
	SegmentExt = ".ts"
	bufferSize = 32 * 1024
)

// Status is the download state of one segment within its task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
)

// Segment is one unit of work: a resolved URL bound to a local path by index.
type Segment struct {
	Index int
	URI   string
	URL   string
	Path  string
}

// LocalPath is the file a segment of the given index is written to.
func LocalPath(tempDir string, index int) string {
	return filepath.Join(tempDir, fmt.Sprintf("%d%s", index, SegmentExt))
}

// FetchError is returned once a segment exhausted its retry policy.
type FetchError struct {
	Index    int
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("segment %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Hooks let the owning task observe fetch activity. Any field may be nil.
type Hooks struct {
	OnRetry       func(seg Segment, attempt, attempts int, err error)
	OnFailed      func(seg Segment, err error)
	OnSegmentDone func(seg Segment, written int64)
	OnBytes       func(n int64)
}

// Fetcher downloads one segment at a time; it is safe for concurrent use.
type Fetcher struct {
	client   utils.HTTPDoer
	policy   utils.RetryPolicy
	counters *progress.Counters
	limiter  *rate.Limiter
	hooks    Hooks
}

func NewFetcher(client utils.HTTPDoer, policy utils.RetryPolicy, counters *progress.Counters, limiter *rate.Limiter, hooks Hooks) *Fetcher {
	return &Fetcher{
		client:   client,
		policy:   policy,
		counters: counters,
		limiter:  limiter,
		hooks:    hooks,
	}
}

// Fetch writes the segment to seg.Path, retrying from offset zero on failure.
// The completed-segment counter is incremented exactly once on success.
func (f *Fetcher) Fetch(ctx context.Context, seg Segment) (int64, error) {
	attempts := max(f.policy.Attempts, 1)
	var written int64
	err := f.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		n, err := f.attempt(ctx, seg)
		written = n
		return err
	}, func(attempt int, err error) {
		log.Warn().Str("op", "segments/fetcher").Err(err).Msgf("Segment %d attempt %d/%d failed, retrying", seg.Index, attempt, attempts)
		if f.hooks.OnRetry != nil {
			f.hooks.OnRetry(seg, attempt, attempts, err)
		}
	})
	if err != nil {
		fetchErr := &FetchError{Index: seg.Index, URL: seg.URL, Attempts: attempts, Err: err}
		log.Error().Str("op", "segments/fetcher").Err(err).Msgf("Segment %d failed after %d attempts", seg.Index, attempts)
		if f.hooks.OnFailed != nil {
			f.hooks.OnFailed(seg, fetchErr)
		}
		return 0, fetchErr
	}
	f.counters.SegmentDone()
	if f.hooks.OnSegmentDone != nil {
		f.hooks.OnSegmentDone(seg, written)
	}
	return written, nil
}

func (f *Fetcher) attempt(ctx context.Context, seg Segment) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("error creating request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error downloading segment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("server returned status code %d", resp.StatusCode)
	}
	outFile, err := os.Create(seg.Path)
	if err != nil {
		return 0, fmt.Errorf("error creating output file: %w", err)
	}
	written, copyErr := f.copy(ctx, outFile, resp.Body)
	closeErr := outFile.Close()
	if copyErr != nil {
		return written, fmt.Errorf("error writing segment: %w", copyErr)
	}
	if closeErr != nil {
		return written, fmt.Errorf("error closing segment file: %w", closeErr)
	}
	return written, nil
}

// copy streams body to w chunk by chunk, accounting every chunk in the shared
// byte counter as soon as it is received.
func (f *Fetcher) copy(ctx context.Context, w io.Writer, body io.Reader) (int64, error) {
	buf := make([]byte, bufferSize)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if f.limiter != nil {
				if err := f.waitN(ctx, n); err != nil {
					return written, err
				}
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			f.counters.AddBytes(int64(n))
			if f.hooks.OnBytes != nil {
				f.hooks.OnBytes(int64(n))
			}
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// NewBandwidthLimiter caps aggregate segment throughput; nil means unlimited.
func NewBandwidthLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(max(bytesPerSec, bufferSize)))
}

func (f *Fetcher) waitN(ctx context.Context, n int) error {
	burst := f.limiter.Burst()
	if burst <= 0 {
		return nil
	}
	for n > 0 {
		chunk := min(n, burst)
		if err := f.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
