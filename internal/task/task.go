package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/hlsdl/internal/events"
	"github.com/tanq16/hlsdl/internal/history"
	"github.com/tanq16/hlsdl/internal/hls"
	"github.com/tanq16/hlsdl/internal/merge"
	"github.com/tanq16/hlsdl/internal/progress"
	"github.com/tanq16/hlsdl/internal/segments"
	"github.com/tanq16/hlsdl/internal/utils"
	"golang.org/x/time/rate"
)

var ErrAlreadyStarted = errors.New("task already started")

type Request struct {
	URL            string `json:"url" yaml:"url"`
	DisplayName    string `json:"displayName" yaml:"name"`
	DestinationDir string `json:"destinationDirectory" yaml:"output"`
}

type Merger interface {
	Merge(ctx context.Context, req merge.Request) (string, error)
}

// Observer receives lifecycle counters, typically for metrics.
type Observer interface {
	TaskStarted()
	SegmentFetched(bytes int64)
	SegmentRetried()
	TaskFinished(state State, elapsed time.Duration)
}

type Options struct {
	BatchSize        int
	Retry            utils.RetryPolicy
	ProgressInterval time.Duration
	TempRoot         string
	// KeepTempOnError retains downloaded segments of a failed task.
	// Cancelled tasks always remove theirs.
	KeepTempOnError bool
	Limiter         *rate.Limiter
}

func DefaultOptions() Options {
	return Options{
		BatchSize:        segments.DefaultBatchSize,
		Retry:            utils.DefaultRetryPolicy(),
		ProgressInterval: progress.DefaultInterval,
		TempRoot:         filepath.Join(os.TempDir(), utils.TempDirName),
		KeepTempOnError:  true,
	}
}

type Deps struct {
	Client   utils.HTTPDoer
	Merger   Merger
	Events   events.Publisher
	Observer Observer
	// OnComplete receives the history record of every completed task before
	// its complete event is published.
	OnComplete func(ctx context.Context, rec history.Record)
}

// Info is a point-in-time view of a task.
type Info struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	DisplayName    string `json:"displayName"`
	DestinationDir string `json:"destinationDirectory"`
	State          State  `json:"state"`
	Paused         bool   `json:"paused"`
	Current        int    `json:"current"`
	Total          int    `json:"total"`
	Bytes          int64  `json:"bytes"`
	Batch          int    `json:"batch"`
	FinalPath      string `json:"finalPath,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Task owns one download from manifest resolution to the merged file.
type Task struct {
	ID             string
	SourceURL      string
	DestinationDir string

	deps      Deps
	opts      Options
	gate      Gate
	cancelled atomic.Bool
	batch     atomic.Int32
	counters  progress.Counters
	done      chan struct{}

	mu          sync.Mutex
	state       State
	displayName string
	resolvedURL string
	segments    []segments.Segment
	statuses    []segments.Status
	tempDir     string
	finalPath   string
	err         error
	startedAt   time.Time
}

func New(id string, req Request, deps Deps, opts Options) *Task {
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Client == nil {
		deps.Client = utils.NewHLSHTTPClient(utils.HTTPClientConfig{})
	}
	if deps.Merger == nil {
		deps.Merger = merge.NewMerger(merge.NewFFmpeg(""))
	}
	if opts.TempRoot == "" {
		opts.TempRoot = DefaultOptions().TempRoot
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = utils.NameFromURL(req.URL)
	}
	return &Task{
		ID:             id,
		SourceURL:      req.URL,
		DestinationDir: req.DestinationDir,
		deps:           deps,
		opts:           opts,
		done:           make(chan struct{}),
		state:          StateCreated,
		displayName:    name,
	}
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) DisplayName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.displayName
}

// Done is closed once the task reached a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err is the failure of a task in the error state.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) FinalPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalPath
}

func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		ID:             t.ID,
		URL:            t.SourceURL,
		DisplayName:    t.displayName,
		DestinationDir: t.DestinationDir,
		State:          t.state,
		Paused:         t.gate.Paused(),
		Current:        int(t.counters.Segments()),
		Total:          len(t.segments),
		Bytes:          t.counters.Bytes(),
		Batch:          int(t.batch.Load()),
		FinalPath:      t.finalPath,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

// Pause installs the gate; only honoured while downloading.
func (t *Task) Pause() bool {
	t.mu.Lock()
	ok := t.state == StateDownloading && !t.cancelled.Load() && t.gate.Pause()
	t.mu.Unlock()
	if ok {
		t.log(events.SeverityInfo, "Paused, the current batch will finish first")
	}
	return ok
}

// Resume clears the gate; only honoured while downloading.
func (t *Task) Resume() bool {
	t.mu.Lock()
	ok := t.state == StateDownloading && t.gate.Resume()
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.log(events.SeverityInfo, "Resumed")
	return true
}

// Cancel sets the one-way cancelled flag and clears any pause gate so the
// scheduler observes it at the next batch boundary. Ignored once merging.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	ok := t.state.cancellable() && t.cancelled.CompareAndSwap(false, true)
	if ok {
		t.gate.Resume()
	}
	t.mu.Unlock()
	if ok {
		t.log(events.SeverityWarning, "Cancellation requested")
	}
	return ok
}

func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Rename changes the label used for logs and the output file name. A merge
// already in progress keeps the name it started with.
func (t *Task) Rename(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.displayName = name
	t.mu.Unlock()
	t.log(events.SeverityInfo, fmt.Sprintf("Renamed to %s", name))
	return true
}

// Run drives the task through every state. It returns nil on completion,
// segments.ErrCancelled when cancelled, or the terminal failure.
func (t *Task) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateCreated {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.state = StateResolving
	t.startedAt = time.Now()
	t.mu.Unlock()
	if t.deps.Observer != nil {
		t.deps.Observer.TaskStarted()
	}

	if t.cancelled.Load() {
		return t.finishCancelled()
	}
	t.log(events.SeverityInfo, fmt.Sprintf("Resolving manifest %s", t.SourceURL))
	resolver := hls.NewResolver(t.deps.Client, t.opts.Retry)
	manifest, err := resolver.Resolve(ctx, t.SourceURL, func(attempt int, err error) {
		t.publishLog(events.SeverityWarning, fmt.Sprintf("Manifest fetch attempt %d/%d failed: %v, retrying", attempt, max(t.opts.Retry.Attempts, 1), err))
	})
	if t.cancelled.Load() {
		return t.finishCancelled()
	}
	if err != nil {
		return t.fail(err)
	}
	if v := manifest.Variant; v != nil {
		t.log(events.SeverityInfo, fmt.Sprintf("Master playlist detected, selected first variant %s (bandwidth %d, resolution %s)", v.URL, v.Bandwidth, orDash(v.Resolution)))
	}

	tempDir := filepath.Join(t.opts.TempRoot, t.ID)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return t.fail(fmt.Errorf("error creating temp directory: %w", err))
	}
	segs := make([]segments.Segment, len(manifest.Segments))
	for i, s := range manifest.Segments {
		segs[i] = segments.Segment{Index: i, URI: s.URI, URL: s.URL, Path: segments.LocalPath(tempDir, i)}
	}

	t.mu.Lock()
	t.tempDir = tempDir
	t.resolvedURL = manifest.ResolvedURL
	t.segments = segs
	t.statuses = make([]segments.Status, len(segs))
	for i := range t.statuses {
		t.statuses[i] = segments.StatusPending
	}
	if t.cancelled.Load() {
		t.mu.Unlock()
		return t.finishCancelled()
	}
	t.state = StateDownloading
	name := t.displayName
	t.mu.Unlock()

	t.deps.Events.Publish(events.Started(t.ID, t.SourceURL, name))
	t.log(events.SeverityInfo, fmt.Sprintf("Found %d segments (%.0fs of media)", len(segs), manifest.TotalDuration()))

	err = t.download(ctx, segs)
	// a cancel accepted mid-batch wins over a failure from that same batch
	if t.cancelled.Load() || errors.Is(err, segments.ErrCancelled) {
		return t.finishCancelled()
	}
	if err != nil {
		return t.fail(err)
	}
	if !t.enterMerging() {
		return t.finishCancelled()
	}
	return t.merge(ctx, segs, manifest)
}

func (t *Task) download(ctx context.Context, segs []segments.Segment) error {
	tracker := progress.NewTracker(&t.counters, len(segs), t.opts.ProgressInterval)
	fetcher := segments.NewFetcher(t.deps.Client, t.opts.Retry, &t.counters, t.opts.Limiter, segments.Hooks{
		OnRetry: func(seg segments.Segment, attempt, attempts int, err error) {
			if t.deps.Observer != nil {
				t.deps.Observer.SegmentRetried()
			}
			t.publishLog(events.SeverityWarning, fmt.Sprintf("Segment %d attempt %d/%d failed: %v, retrying", seg.Index, attempt, attempts, err))
		},
		OnFailed: func(seg segments.Segment, err error) {
			t.setStatus(seg.Index, 1, segments.StatusFailed)
		},
		OnSegmentDone: func(seg segments.Segment, written int64) {
			t.setStatus(seg.Index, 1, segments.StatusDone)
			if t.deps.Observer != nil {
				t.deps.Observer.SegmentFetched(written)
			}
			if snap, ok := tracker.Sample(); ok {
				t.deps.Events.Publish(events.Progress(t.ID, snap))
			}
		},
	})
	scheduler := segments.NewScheduler(fetcher, t.opts.BatchSize, &t.gate, t.cancelled.Load)
	scheduler.OnBatch(func(batch, start, size int) {
		t.batch.Store(int32(batch))
		t.setStatus(start, size, segments.StatusDownloading)
	})
	if err := scheduler.RunAll(ctx, segs); err != nil {
		return err
	}
	if t.cancelled.Load() {
		return segments.ErrCancelled
	}
	t.deps.Events.Publish(events.Progress(t.ID, tracker.Final()))
	return nil
}

func (t *Task) setStatus(start, n int, status segments.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := start; i < start+n && i < len(t.statuses); i++ {
		t.statuses[i] = status
	}
}

// SegmentStatuses returns the per-segment state in index order; empty until
// the manifest is resolved.
func (t *Task) SegmentStatuses() []segments.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.statuses)
}

func (t *Task) enterMerging() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled.Load() {
		return false
	}
	// a pause requested during the last batch has nothing left to hold back
	if t.gate.Resume() {
		log.Debug().Str("op", "task/task").Msgf("Task %s was paused after its last batch, clearing", t.ID)
	}
	t.state = StateMerging
	return true
}

func (t *Task) merge(ctx context.Context, segs []segments.Segment, manifest *hls.Manifest) error {
	total := len(segs)
	t.log(events.SeverityInfo, "All segments downloaded, merging")
	t.deps.Events.Publish(events.Progress(t.ID, progress.Merging(0, total, total)))

	paths := make([]string, total)
	for i, seg := range segs {
		paths[i] = seg.Path
	}
	t.mu.Lock()
	req := merge.Request{
		SegmentPaths:   paths,
		TempDir:        t.tempDir,
		DestinationDir: t.DestinationDir,
		DisplayName:    t.displayName,
		Duration:       time.Duration(manifest.TotalDuration() * float64(time.Second)),
		OnProgress: func(percent int) {
			t.deps.Events.Publish(events.Progress(t.ID, progress.Merging(percent, total, total)))
		},
	}
	t.mu.Unlock()

	finalPath, err := t.deps.Merger.Merge(ctx, req)
	if err != nil {
		return t.fail(err)
	}
	t.mu.Lock()
	t.state = StateComplete
	t.finalPath = finalPath
	rec := history.Record{
		ID:             t.ID,
		DisplayName:    t.displayName,
		SourceURL:      t.SourceURL,
		FinalPath:      finalPath,
		DestinationDir: t.DestinationDir,
		CompletedAt:    time.Now().UTC(),
	}
	t.mu.Unlock()

	t.log(events.SeveritySuccess, fmt.Sprintf("Merge complete, saved to %s", finalPath))
	if t.deps.OnComplete != nil {
		t.deps.OnComplete(ctx, rec)
	}
	t.deps.Events.Publish(events.Complete(t.ID, finalPath))
	t.finish(StateComplete)
	return nil
}

func (t *Task) fail(err error) error {
	t.mu.Lock()
	t.state = StateError
	t.err = err
	tempDir := t.tempDir
	t.mu.Unlock()

	log.Error().Str("op", "task/task").Err(err).Msgf("Task %s failed", t.ID)
	if tempDir != "" {
		if t.opts.KeepTempOnError {
			log.Debug().Str("op", "task/task").Msgf("Keeping segments of %s in %s", t.ID, tempDir)
		} else {
			t.removeTemp(tempDir)
		}
	}
	t.deps.Events.Publish(events.Error(t.ID, err.Error()))
	t.finish(StateError)
	return err
}

func (t *Task) finishCancelled() error {
	t.mu.Lock()
	t.state = StateCancelled
	tempDir := t.tempDir
	t.mu.Unlock()

	if tempDir != "" {
		t.removeTemp(tempDir)
	}
	t.log(events.SeverityWarning, "Download cancelled")
	t.finish(StateCancelled)
	return segments.ErrCancelled
}

func (t *Task) finish(state State) {
	if t.deps.Observer != nil {
		t.mu.Lock()
		elapsed := time.Since(t.startedAt)
		t.mu.Unlock()
		t.deps.Observer.TaskFinished(state, elapsed)
	}
	close(t.done)
}

func (t *Task) removeTemp(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Str("op", "task/task").Err(err).Msgf("Failed to remove %s", dir)
	}
}

// log mirrors a task log event into the process log.
func (t *Task) log(severity events.Severity, text string) {
	switch severity {
	case events.SeverityWarning:
		log.Warn().Str("op", "task/task").Str("task", t.ID).Msg(text)
	case events.SeverityError:
		log.Error().Str("op", "task/task").Str("task", t.ID).Msg(text)
	default:
		log.Info().Str("op", "task/task").Str("task", t.ID).Msg(text)
	}
	t.deps.Events.Publish(events.Log(t.ID, text, severity))
}

// publishLog emits a log event only; used where the caller already logged.
func (t *Task) publishLog(severity events.Severity, text string) {
	t.deps.Events.Publish(events.Log(t.ID, text, severity))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
