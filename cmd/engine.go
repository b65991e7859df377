package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/hlsdl/internal/events"
	"github.com/tanq16/hlsdl/internal/history"
	"github.com/tanq16/hlsdl/internal/merge"
	"github.com/tanq16/hlsdl/internal/metrics"
	"github.com/tanq16/hlsdl/internal/output"
	"github.com/tanq16/hlsdl/internal/publish"
	"github.com/tanq16/hlsdl/internal/task"
	"github.com/tanq16/hlsdl/internal/utils"
)

type engine struct {
	manager *task.Manager
	bus     *events.Bus
	store   history.Store
}

func newEngine(ctx context.Context) (*engine, error) {
	ffmpeg := merge.NewFFmpeg(cfg.FFmpeg)
	if err := ffmpeg.Available(); err != nil {
		return nil, err
	}
	bus := events.NewBus()
	store := cfg.HistoryStore(ctx)
	deps := task.Deps{
		Client:   utils.NewHLSHTTPClient(cfg.HTTP),
		Merger:   merge.NewMerger(ffmpeg),
		Events:   bus,
		Observer: metrics.Recorder{},
	}
	m := task.NewManager(ctx, deps, cfg.TaskOptions(), store, cfg.Output)
	if cfg.S3.Target != "" {
		publisher, err := publish.NewS3Publisher(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("error configuring s3 publishing: %w", err)
		}
		m.OnComplete(publisher.Hook())
	}
	return &engine{manager: m, bus: bus, store: store}, nil
}

func (e *engine) close() {
	e.bus.Close()
	if closer, ok := e.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Debug().Str("op", "cmd/engine").Err(err).Msg("closing history store")
		}
	}
}

// runDownloads drives reqs to completion behind the terminal display and
// returns the number of tasks that did not complete.
func runDownloads(reqs []task.Request) int {
	logFile, err := os.OpenFile(utils.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		defer logFile.Close()
		utils.SetLogOutput(logFile)
	}

	e, err := newEngine(context.Background())
	if err != nil {
		output.PrintError(err.Error())
		return len(reqs)
	}
	defer e.close()

	renderer := output.NewRenderer(os.Stdout)
	// task bursts (batch logs, retries) outpace the redraw tick
	ch, unsubscribe := e.bus.Subscribe(4 * events.DefaultBuffer)
	renderer.Follow(ch)

	var started []*task.Task
	failed := 0
	for _, req := range reqs {
		t, err := e.manager.Start(req)
		if err != nil {
			output.PrintError(err.Error())
			failed++
			continue
		}
		started = append(started, t)
	}
	if len(started) == 0 {
		unsubscribe()
		return failed
	}
	renderer.StartDisplay()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Warn().Str("op", "cmd/engine").Msg("Interrupt received, cancelling downloads")
		e.manager.CancelAll()
	}()

	e.manager.Wait()
	for _, t := range started {
		if t.State() == task.StateCancelled {
			renderer.MarkCancelled(t.ID)
		}
	}
	unsubscribe()
	renderer.StopDisplay()
	for _, t := range started {
		if t.State() != task.StateComplete {
			failed++
		}
	}
	return failed
}
