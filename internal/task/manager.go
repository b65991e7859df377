package task

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/hlsdl/internal/history"
)

var (
	ErrNotFound       = errors.New("task not found")
	ErrInvalidRequest = errors.New("invalid download request")
)

type entry struct {
	task *Task
	seq  int
}

// Manager is the registry of active tasks. It is shared by every command
// source (CLI, HTTP, WebSocket) and removes a task once it reaches a terminal
// state.
type Manager struct {
	ctx     context.Context
	deps    Deps
	opts    Options
	store   history.Store
	destDir string

	mu    sync.RWMutex
	tasks map[string]entry
	seq   int
	hooks []func(context.Context, history.Record)
	wg    sync.WaitGroup
}

// NewManager builds a registry whose tasks run under ctx. store may be nil,
// in which case completed downloads are not recorded.
func NewManager(ctx context.Context, deps Deps, opts Options, store history.Store, defaultDestination string) *Manager {
	m := &Manager{
		ctx:     ctx,
		deps:    deps,
		opts:    opts,
		store:   store,
		destDir: defaultDestination,
		tasks:   make(map[string]entry),
	}
	m.deps.OnComplete = m.completed
	return m
}

// OnComplete registers a hook run in the background after the history record
// was appended. Wait also waits for hooks.
func (m *Manager) OnComplete(fn func(ctx context.Context, rec history.Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Start registers a new task and runs it in the background.
func (m *Manager) Start(req Request) (*Task, error) {
	req.URL = strings.TrimSpace(req.URL)
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an http(s) URL", ErrInvalidRequest, req.URL)
	}
	if strings.TrimSpace(req.DestinationDir) == "" {
		req.DestinationDir = m.destDir
	}
	if req.DestinationDir == "" {
		req.DestinationDir = "."
	}

	m.mu.Lock()
	id := uuid.NewString()
	for _, exists := m.tasks[id]; exists; _, exists = m.tasks[id] {
		id = uuid.NewString()
	}
	t := New(id, req, m.deps, m.opts)
	m.seq++
	m.tasks[id] = entry{task: t, seq: m.seq}
	m.wg.Add(1)
	m.mu.Unlock()

	log.Debug().Str("op", "task/manager").Msgf("Registered task %s for %s", id, req.URL)
	go func() {
		defer m.wg.Done()
		defer m.remove(id)
		t.Run(m.ctx)
	}()
	return t, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
}

func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tasks[id]
	return e.task, ok
}

func (m *Manager) lookup(id string) (*Task, error) {
	t, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

func (m *Manager) Pause(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	t.Pause()
	return nil
}

func (m *Manager) Resume(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	t.Resume()
	return nil
}

func (m *Manager) Cancel(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	t.Cancel()
	return nil
}

func (m *Manager) Rename(id, name string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !t.Rename(name) {
		return fmt.Errorf("%w: empty name", ErrInvalidRequest)
	}
	return nil
}

// CancelAll requests cancellation of every active task.
func (m *Manager) CancelAll() {
	m.mu.RLock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, e := range m.tasks {
		tasks = append(tasks, e.task)
	}
	m.mu.RUnlock()
	for _, t := range tasks {
		t.Cancel()
	}
}

// List returns active tasks in start order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	entries := make([]entry, 0, len(m.tasks))
	for _, e := range m.tasks {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	slices.SortFunc(entries, func(a, b entry) int { return a.seq - b.seq })
	infos := make([]Info, len(entries))
	for i, e := range entries {
		infos[i] = e.task.Info()
	}
	return infos
}

// ActiveIDs is used to spare running tasks when cleaning temp directories.
func (m *Manager) ActiveIDs() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make(map[string]bool, len(m.tasks))
	for id := range m.tasks {
		ids[id] = true
	}
	return ids
}

// Wait blocks until every started task reached a terminal state.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) History(ctx context.Context) ([]history.Record, error) {
	if m.store == nil {
		return []history.Record{}, nil
	}
	return m.store.List(ctx)
}

func (m *Manager) ClearHistory(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Clear(ctx)
}

func (m *Manager) completed(ctx context.Context, rec history.Record) {
	if m.store != nil {
		if err := m.store.Append(ctx, rec); err != nil {
			log.Error().Str("op", "task/manager").Err(err).Msgf("Failed to record history for %s", rec.ID)
		}
	}
	m.mu.RLock()
	hooks := slices.Clone(m.hooks)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}
	// the task goroutine still holds the wait group here
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, hook := range hooks {
			hook(ctx, rec)
		}
	}()
}
