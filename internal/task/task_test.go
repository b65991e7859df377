package task

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/hlsdl/internal/events"
	"github.com/tanq16/hlsdl/internal/hls"
	"github.com/tanq16/hlsdl/internal/merge"
	"github.com/tanq16/hlsdl/internal/progress"
	"github.com/tanq16/hlsdl/internal/segments"
)

func TestRunCompletes(t *testing.T) {
	srv := newStreamServer(t, 23)
	merger := &concatMerger{}
	opts := testOptions(t)
	tk, rec := newTestTask(t, srv.URL+"/media.m3u8", merger, opts)

	require.NoError(t, tk.Run(context.Background()))
	assert.Equal(t, StateComplete, tk.State())
	assert.Equal(t, 23, srv.totalHits())
	info := tk.Info()
	assert.Equal(t, 23, info.Current)
	assert.Equal(t, 2, info.Batch, "third batch was the last one dispatched")
	statuses := tk.SegmentStatuses()
	require.Len(t, statuses, 23)
	for _, st := range statuses {
		assert.Equal(t, segments.StatusDone, st)
	}

	// descriptor order follows index order regardless of completion order
	require.Len(t, merger.last.SegmentPaths, 23)
	for i, p := range merger.last.SegmentPaths {
		assert.Equal(t, segments.LocalPath(filepath.Join(opts.TempRoot, "task-1"), i), p)
	}
	assert.Equal(t, 46*time.Second, merger.last.Duration)

	data, err := os.ReadFile(tk.FinalPath())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "segment-000;segment-001;"))
	assert.True(t, strings.HasSuffix(string(data), "segment-022;"))

	started := rec.ofType(events.TypeStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "clip", started[0].DisplayName)

	var downloading, merging []events.Event
	for _, ev := range rec.ofType(events.TypeProgress) {
		if ev.Phase == string(progress.PhaseDownloading) {
			downloading = append(downloading, ev)
		} else {
			merging = append(merging, ev)
		}
	}
	assert.GreaterOrEqual(t, len(downloading), 3)
	last := downloading[len(downloading)-1]
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, 23, last.Current)
	assert.Equal(t, 23, last.Total)
	require.NotEmpty(t, merging)
	assert.Equal(t, 0, merging[0].Percent)

	complete := rec.ofType(events.TypeComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, tk.FinalPath(), complete[0].FinalPath)
	assert.Empty(t, rec.ofType(events.TypeError))

	all := rec.all()
	assert.Equal(t, events.TypeComplete, all[len(all)-1].Type)
	select {
	case <-tk.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestRunSelectsFirstVariant(t *testing.T) {
	srv := newStreamServer(t, 3)
	tk, rec := newTestTask(t, srv.URL+"/master.m3u8", &concatMerger{}, testOptions(t))

	require.NoError(t, tk.Run(context.Background()))
	assert.Equal(t, 1, rec.logsContaining(events.SeverityInfo, "selected first variant "+srv.URL+"/media.m3u8"))
	assert.Equal(t, 3, srv.totalHits())
}

func TestRunEmptyVariantIsUnusable(t *testing.T) {
	srv := newStreamServer(t, 3)
	tk, rec := newTestTask(t, srv.URL+"/empty-master.m3u8", &concatMerger{}, testOptions(t))

	err := tk.Run(context.Background())
	assert.ErrorIs(t, err, hls.ErrManifestUnusable)
	assert.Equal(t, StateError, tk.State())
	require.Len(t, rec.ofType(events.TypeError), 1)
	assert.Empty(t, rec.ofType(events.TypeStarted))
	assert.Zero(t, srv.totalHits())
}

func TestRunRejectsEncryptedStream(t *testing.T) {
	srv := newStreamServer(t, 5)
	merger := &concatMerger{}
	tk, rec := newTestTask(t, srv.URL+"/encrypted.m3u8", merger, testOptions(t))

	err := tk.Run(context.Background())
	assert.ErrorIs(t, err, hls.ErrEncryptionUnsupported)
	assert.Zero(t, srv.totalHits(), "no segment may be fetched")
	assert.Zero(t, merger.calls)
	errs := rec.ofType(events.TypeError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "encrypted")
}

func TestRunRetriesSegment(t *testing.T) {
	srv := newStreamServer(t, 4)
	srv.segment = func(w http.ResponseWriter, index, hit int) bool {
		if index == 2 && hit <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return true
		}
		return false
	}
	tk, rec := newTestTask(t, srv.URL+"/media.m3u8", &concatMerger{}, testOptions(t))

	require.NoError(t, tk.Run(context.Background()))
	assert.Equal(t, 3, srv.hitsFor(2))
	assert.Equal(t, 2, rec.logsContaining(events.SeverityWarning, "Segment 2 attempt"))
	assert.Equal(t, 4, tk.Info().Current)
}

func TestRunSegmentFailureIsTerminal(t *testing.T) {
	srv := newStreamServer(t, 15)
	srv.segment = func(w http.ResponseWriter, index, hit int) bool {
		if index == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return true
		}
		return false
	}
	merger := &concatMerger{}
	opts := testOptions(t)
	tk, rec := newTestTask(t, srv.URL+"/media.m3u8", merger, opts)

	err := tk.Run(context.Background())
	var fetchErr *segments.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 1, fetchErr.Index)
	assert.Equal(t, 10, srv.distinct(), "second batch never starts")
	statuses := tk.SegmentStatuses()
	assert.Equal(t, segments.StatusFailed, statuses[1])
	assert.Equal(t, segments.StatusDone, statuses[0])
	assert.Equal(t, segments.StatusPending, statuses[10])
	assert.Zero(t, merger.calls)
	require.Len(t, rec.ofType(events.TypeError), 1)
	assert.Empty(t, rec.ofType(events.TypeComplete))
	assert.DirExists(t, filepath.Join(opts.TempRoot, "task-1"), "segments kept for diagnosis")
}

func TestRunFailureRemovesTempWhenConfigured(t *testing.T) {
	srv := newStreamServer(t, 3)
	opts := testOptions(t)
	opts.KeepTempOnError = false
	tk, _ := newTestTask(t, srv.URL+"/media.m3u8", &concatMerger{err: errors.New("exit status 1")}, opts)

	err := tk.Run(context.Background())
	var mergeErr *merge.Error
	require.ErrorAs(t, err, &mergeErr)
	assert.NoDirExists(t, filepath.Join(opts.TempRoot, "task-1"))
}

func TestPauseBlocksNextBatch(t *testing.T) {
	srv := newStreamServer(t, 20)
	release := make(chan struct{})
	var inFirst atomic.Int32
	srv.segment = func(w http.ResponseWriter, index, hit int) bool {
		if index < 10 {
			inFirst.Add(1)
			<-release
		}
		return false
	}
	tk, rec := newTestTask(t, srv.URL+"/media.m3u8", &concatMerger{}, testOptions(t))
	done := runAsync(tk)

	require.Eventually(t, func() bool { return inFirst.Load() >= 4 }, 5*time.Second, time.Millisecond)
	require.True(t, tk.Pause())
	assert.False(t, tk.Pause(), "already paused")
	close(release)

	require.Eventually(t, func() bool { return tk.Info().Current == 10 }, 5*time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 10, srv.distinct(), "batch 1 must wait for resume")
	assert.True(t, tk.Info().Paused)

	require.True(t, tk.Resume())
	assert.False(t, tk.Resume())
	require.NoError(t, waitErr(t, done))

	for i := range 20 {
		assert.Equal(t, 1, srv.hitsFor(i), "segment %d", i)
	}
	assert.Equal(t, 1, rec.logsContaining(events.SeverityInfo, "Paused"))
	assert.Equal(t, 1, rec.logsContaining(events.SeverityInfo, "Resumed"))
}

func TestCancelBeforeNextBatch(t *testing.T) {
	srv := newStreamServer(t, 30)
	release := make(chan struct{})
	var inFirst atomic.Int32
	srv.segment = func(w http.ResponseWriter, index, hit int) bool {
		if index < 10 {
			inFirst.Add(1)
			<-release
		}
		return false
	}
	merger := &concatMerger{}
	opts := testOptions(t)
	tk, rec := newTestTask(t, srv.URL+"/media.m3u8", merger, opts)
	done := runAsync(tk)

	require.Eventually(t, func() bool { return inFirst.Load() == 10 }, 5*time.Second, time.Millisecond)
	require.True(t, tk.Cancel())
	assert.False(t, tk.Cancel())
	close(release)

	assert.ErrorIs(t, waitErr(t, done), segments.ErrCancelled)
	assert.Equal(t, StateCancelled, tk.State())
	assert.Equal(t, 10, srv.distinct())
	assert.Zero(t, merger.calls)
	assert.Empty(t, rec.ofType(events.TypeError))
	assert.Empty(t, rec.ofType(events.TypeComplete))
	all := rec.all()
	last := all[len(all)-1]
	assert.Equal(t, events.TypeLog, last.Type)
	assert.Equal(t, "Download cancelled", last.Text)
	assert.NoDirExists(t, filepath.Join(opts.TempRoot, "task-1"))
	assert.False(t, tk.Pause())
	assert.False(t, tk.Rename("late"))
}

func TestCancelWhilePausedUnblocks(t *testing.T) {
	srv := newStreamServer(t, 20)
	release := make(chan struct{})
	srv.segment = func(w http.ResponseWriter, index, hit int) bool {
		if index == 0 {
			<-release
		}
		return false
	}
	tk, _ := newTestTask(t, srv.URL+"/media.m3u8", &concatMerger{}, testOptions(t))
	done := runAsync(tk)

	require.Eventually(t, func() bool { return srv.hitsFor(0) == 1 }, 5*time.Second, time.Millisecond)
	require.True(t, tk.Pause())
	close(release)
	require.Eventually(t, func() bool { return tk.Info().Current == 10 }, 5*time.Second, time.Millisecond)

	require.True(t, tk.Cancel())
	assert.False(t, tk.Info().Paused)
	assert.ErrorIs(t, waitErr(t, done), segments.ErrCancelled)
	assert.Equal(t, 10, srv.distinct())
}

func TestCancelDuringMergeIsIgnored(t *testing.T) {
	srv := newStreamServer(t, 3)
	merger := &concatMerger{started: make(chan struct{}), release: make(chan struct{})}
	tk, rec := newTestTask(t, srv.URL+"/media.m3u8", merger, testOptions(t))
	done := runAsync(tk)

	<-merger.started
	assert.Equal(t, StateMerging, tk.State())
	assert.False(t, tk.Cancel())
	assert.False(t, tk.Pause())
	close(merger.release)

	require.NoError(t, waitErr(t, done))
	assert.Equal(t, StateComplete, tk.State())
	assert.Len(t, rec.ofType(events.TypeComplete), 1)
}

func TestCancelBeforeRun(t *testing.T) {
	srv := newStreamServer(t, 3)
	tk, rec := newTestTask(t, srv.URL+"/media.m3u8", &concatMerger{}, testOptions(t))
	require.True(t, tk.Cancel())

	assert.ErrorIs(t, tk.Run(context.Background()), segments.ErrCancelled)
	assert.Zero(t, srv.totalHits())
	assert.Empty(t, rec.ofType(events.TypeStarted))
	assert.ErrorIs(t, tk.Run(context.Background()), ErrAlreadyStarted)
}

func TestRenameChangesOutputName(t *testing.T) {
	srv := newStreamServer(t, 2)
	merger := &concatMerger{}
	tk, rec := newTestTask(t, srv.URL+"/media.m3u8", merger, testOptions(t))

	assert.False(t, tk.Rename("   "))
	require.True(t, tk.Rename("  Holiday Trip  "))
	assert.Equal(t, "Holiday Trip", tk.DisplayName())
	require.NoError(t, tk.Run(context.Background()))
	assert.Equal(t, "Holiday Trip", merger.last.DisplayName)
	assert.Equal(t, "Holiday_Trip.mp4", filepath.Base(tk.FinalPath()))
	assert.Equal(t, 1, rec.logsContaining(events.SeverityInfo, "Renamed to Holiday Trip"))
}

func TestOutputCollisionWithMerger(t *testing.T) {
	srv := newStreamServer(t, 2)
	rec := &recorder{}
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "clip.mp4"), nil, 0644))
	tk := New("task-2", Request{URL: srv.URL + "/media.m3u8", DisplayName: "clip", DestinationDir: dest}, Deps{
		Client: http.DefaultClient,
		Merger: merge.NewMerger(concatRunner{}),
		Events: rec,
	}, testOptions(t))

	require.NoError(t, tk.Run(context.Background()))
	assert.Equal(t, filepath.Join(dest, "clip_1.mp4"), tk.FinalPath())
}

func TestDisplayNameDefaultsToManifestName(t *testing.T) {
	tk := New("x", Request{URL: "https://cdn.example.com/shows/episode-01.m3u8?token=1"}, Deps{}, Options{})
	assert.Equal(t, "episode-01", tk.DisplayName())
	assert.Equal(t, StateCreated, tk.State())
}

func TestGate(t *testing.T) {
	var g Gate
	assert.NoError(t, g.Wait(context.Background()))
	assert.False(t, g.Resume())
	require.True(t, g.Pause())

	waited := make(chan error, 1)
	go func() { waited <- g.Wait(context.Background()) }()
	select {
	case <-waited:
		t.Fatal("wait returned while paused")
	case <-time.After(20 * time.Millisecond):
	}
	require.True(t, g.Resume())
	assert.NoError(t, <-waited)

	g.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.Canceled)
}

func TestCancelOutranksFailureInSameBatch(t *testing.T) {
	srv := newStreamServer(t, 20)
	release := make(chan struct{})
	srv.segment = func(w http.ResponseWriter, index, hit int) bool {
		if index != 3 {
			return false
		}
		if hit == 1 {
			<-release
		}
		w.WriteHeader(http.StatusBadGateway)
		return true
	}
	opts := testOptions(t)
	tk, rec := newTestTask(t, srv.URL+"/media.m3u8", &concatMerger{}, opts)
	done := runAsync(tk)

	require.Eventually(t, func() bool { return srv.hitsFor(3) == 1 }, 5*time.Second, time.Millisecond)
	require.True(t, tk.Cancel())
	close(release)

	assert.ErrorIs(t, waitErr(t, done), segments.ErrCancelled)
	assert.Equal(t, StateCancelled, tk.State())
	assert.NoError(t, tk.Err())
	assert.Empty(t, rec.ofType(events.TypeError))
	assert.NoDirExists(t, filepath.Join(opts.TempRoot, "task-1"))
}

func TestPauseDuringLastBatchClearsAtMerge(t *testing.T) {
	srv := newStreamServer(t, 10)
	release := make(chan struct{})
	var inFlight atomic.Int32
	srv.segment = func(w http.ResponseWriter, index, hit int) bool {
		inFlight.Add(1)
		<-release
		return false
	}
	merger := &concatMerger{started: make(chan struct{}), release: make(chan struct{})}
	tk, rec := newTestTask(t, srv.URL+"/media.m3u8", merger, testOptions(t))
	done := runAsync(tk)

	require.Eventually(t, func() bool { return inFlight.Load() >= 4 }, 5*time.Second, time.Millisecond)
	require.True(t, tk.Pause())
	close(release)

	select {
	case <-merger.started:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "merge never started")
	}
	assert.Equal(t, StateMerging, tk.State())
	assert.False(t, tk.Info().Paused)
	assert.False(t, tk.Resume(), "nothing to resume while merging")
	assert.False(t, tk.Pause())
	close(merger.release)

	require.NoError(t, waitErr(t, done))
	assert.Equal(t, StateComplete, tk.State())
	assert.False(t, tk.Info().Paused)
	assert.Equal(t, 1, rec.logsContaining(events.SeverityInfo, "Paused"))
	assert.Zero(t, rec.logsContaining(events.SeverityInfo, "Resumed"))
}
