package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tanq16/hlsdl/internal/task"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsdl",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hlsdl",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hlsdl",
		Name:      "active_tasks",
		Help:      "Number of download tasks that have not reached a terminal state.",
	})

	TasksStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsdl",
		Name:      "tasks_started_total",
		Help:      "Total number of download tasks started.",
	})

	TasksFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsdl",
		Name:      "tasks_finished_total",
		Help:      "Total number of download tasks by terminal state.",
	}, []string{"state"})

	TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hlsdl",
		Name:      "task_duration_seconds",
		Help:      "Duration of download tasks from start to terminal state.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	SegmentsFetchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsdl",
		Name:      "segments_fetched_total",
		Help:      "Total number of media segments written to disk.",
	})

	SegmentRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsdl",
		Name:      "segment_retries_total",
		Help:      "Total number of retried segment fetch attempts.",
	})

	DownloadedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsdl",
		Name:      "downloaded_bytes_total",
		Help:      "Total bytes of media segments downloaded.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveTasks,
		TasksStartedTotal,
		TasksFinishedTotal,
		TaskDuration,
		SegmentsFetchedTotal,
		SegmentRetriesTotal,
		DownloadedBytesTotal,
	)
}

// Recorder feeds task lifecycle counters into the collectors above.
type Recorder struct{}

var _ task.Observer = Recorder{}

func (Recorder) TaskStarted() {
	TasksStartedTotal.Inc()
	ActiveTasks.Inc()
}

func (Recorder) SegmentFetched(bytes int64) {
	SegmentsFetchedTotal.Inc()
	DownloadedBytesTotal.Add(float64(bytes))
}

func (Recorder) SegmentRetried() {
	SegmentRetriesTotal.Inc()
}

func (Recorder) TaskFinished(state task.State, elapsed time.Duration) {
	ActiveTasks.Dec()
	TasksFinishedTotal.WithLabelValues(string(state)).Inc()
	TaskDuration.Observe(elapsed.Seconds())
}
