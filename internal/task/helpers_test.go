package task

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tanq16/hlsdl/internal/events"
	"github.com/tanq16/hlsdl/internal/merge"
	"github.com/tanq16/hlsdl/internal/utils"
)

// streamServer serves a media playlist of n segments plus master and
// encrypted variants, and counts every segment request.
type streamServer struct {
	*httptest.Server
	n int

	mu   sync.Mutex
	hits map[int]int
	// segment, when set, may take over a segment response; returning true
	// means it wrote the response.
	segment func(w http.ResponseWriter, index, hit int) bool
}

func newStreamServer(t *testing.T, n int) *streamServer {
	t.Helper()
	s := &streamServer{n: n, hits: make(map[int]int)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /media.m3u8", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, mediaPlaylist(n, ""))
	})
	mux.HandleFunc("GET /encrypted.m3u8", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, mediaPlaylist(n, `#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`))
	})
	mux.HandleFunc("GET /master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=1280x720\nmedia.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=640000\nlow.m3u8\n")
	})
	mux.HandleFunc("GET /empty-master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000\nempty.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=640000\nmedia.m3u8\n")
	})
	mux.HandleFunc("GET /empty.m3u8", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-ENDLIST\n")
	})
	mux.HandleFunc("GET /seg/{name}", func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(strings.TrimSuffix(r.PathValue("name"), ".ts"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		s.mu.Lock()
		s.hits[index]++
		hit := s.hits[index]
		handler := s.segment
		s.mu.Unlock()
		if handler != nil && handler(w, index, hit) {
			return
		}
		fmt.Fprintf(w, "segment-%03d;", index)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func mediaPlaylist(n int, key string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n")
	if key != "" {
		b.WriteString(key + "\n")
	}
	for i := range n {
		fmt.Fprintf(&b, "#EXTINF:2.000,\nseg/%d.ts\n", i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

func (s *streamServer) totalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

func (s *streamServer) hitsFor(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[index]
}

func (s *streamServer) distinct() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hits)
}

// recorder collects every published event.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recorder) ofType(typ events.Type) []events.Event {
	var out []events.Event
	for _, ev := range r.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) logsContaining(severity events.Severity, substr string) int {
	count := 0
	for _, ev := range r.ofType(events.TypeLog) {
		if ev.Severity == severity && strings.Contains(ev.Text, substr) {
			count++
		}
	}
	return count
}

// concatMerger joins segment files itself so tests do not need ffmpeg.
type concatMerger struct {
	mu      sync.Mutex
	calls   int
	last    merge.Request
	err     error
	started chan struct{}
	release chan struct{}
}

func (m *concatMerger) Merge(ctx context.Context, req merge.Request) (string, error) {
	m.mu.Lock()
	m.calls++
	m.last = req
	started, release, mergeErr := m.started, m.release, m.err
	m.mu.Unlock()
	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	if mergeErr != nil {
		return "", &merge.Error{Err: mergeErr}
	}
	if err := os.MkdirAll(req.DestinationDir, 0755); err != nil {
		return "", err
	}
	out := filepath.Join(req.DestinationDir, utils.SanitizeName(req.DisplayName)+merge.OutputExt)
	var joined []byte
	for _, p := range req.SegmentPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", err
		}
		joined = append(joined, data...)
	}
	if err := os.WriteFile(out, joined, 0644); err != nil {
		return "", err
	}
	os.RemoveAll(req.TempDir)
	return out, nil
}

// concatRunner is a merge.Runner that writes a marker file.
type concatRunner struct{}

func (concatRunner) Concat(ctx context.Context, descriptor, output string, onPosition func(time.Duration)) error {
	return os.WriteFile(output, []byte("merged"), 0644)
}

func testOptions(t *testing.T) Options {
	return Options{
		BatchSize:        10,
		Retry:            utils.RetryPolicy{Attempts: 3, Delay: time.Millisecond, Timeout: 5 * time.Second},
		ProgressInterval: time.Nanosecond,
		TempRoot:         t.TempDir(),
		KeepTempOnError:  true,
	}
}

func newTestTask(t *testing.T, manifestURL string, merger Merger, opts Options) (*Task, *recorder) {
	t.Helper()
	rec := &recorder{}
	tk := New("task-1", Request{URL: manifestURL, DisplayName: "clip", DestinationDir: t.TempDir()}, Deps{
		Client: http.DefaultClient,
		Merger: merger,
		Events: rec,
	}, opts)
	return tk, rec
}

func runAsync(tk *Task) <-chan error {
	done := make(chan error, 1)
	go func() { done <- tk.Run(context.Background()) }()
	return done
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		require.FailNow(t, "task did not finish")
		return nil
	}
}
