package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/hlsdl/internal/events"
)

const (
	statusPending   = "pending"
	statusActive    = "active"
	statusSuccess   = "success"
	statusError     = "error"
	statusCancelled = "cancelled"
)

type taskOutput struct {
	ID          string
	URL         string
	Name        string
	Status      string
	Message     string
	Progress    string
	Logs        []string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Index       int
}

type ErrorReport struct {
	Name  string
	Error string
	Time  time.Time
}

// Renderer draws one block per task from the event stream, redrawing in place
// on every tick.
type Renderer struct {
	out         io.Writer
	outputs     map[string]*taskOutput
	mutex       sync.RWMutex
	numLines    int
	maxLogs     int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	count       int
	displayWg   sync.WaitGroup
	followWg    sync.WaitGroup
}

func NewRenderer(out io.Writer) *Renderer {
	if out == nil {
		out = os.Stdout
	}
	return &Renderer{
		out:         out,
		outputs:     make(map[string]*taskOutput),
		maxLogs:     4,
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

// entry returns the block for id, registering it on first sight. Callers hold
// the write lock.
func (r *Renderer) entry(id string) *taskOutput {
	if info, ok := r.outputs[id]; ok {
		return info
	}
	r.count++
	info := &taskOutput{
		ID:          id,
		Status:      statusPending,
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Index:       r.count,
	}
	r.outputs[id] = info
	return info
}

// Apply folds one event into the display state.
func (r *Renderer) Apply(ev events.Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	info := r.entry(ev.ID)
	if info.Complete {
		return
	}
	info.LastUpdated = time.Now()
	switch ev.Type {
	case events.TypeStarted:
		info.URL = ev.URL
		info.Name = ev.DisplayName
		info.Status = statusActive
		info.Message = fmt.Sprintf("Downloading %s", ev.DisplayName)
	case events.TypeLog:
		line := ev.Text
		if ev.Severity == events.SeverityWarning {
			line = StyleSymbols["warning"] + " " + line
		}
		info.Logs = append(info.Logs, wrapText(line, 2+4)...)
		if len(info.Logs) > r.maxLogs {
			info.Logs = info.Logs[len(info.Logs)-r.maxLogs:]
		}
	case events.TypeProgress:
		info.Status = statusActive
		if ev.Phase == "merging" {
			info.Progress = fmt.Sprintf("%s%s", progressBar(ev.Percent, 30), debugStyle.Render("merging"))
		} else {
			info.Progress = fmt.Sprintf("%s%s %s %s", progressBar(ev.Percent, 30),
				debugStyle.Render(fmt.Sprintf("%d/%d segments", ev.Current, ev.Total)),
				StyleSymbols["bullet"], debugStyle.Render(ev.Speed))
		}
	case events.TypeComplete:
		info.Complete = true
		info.Status = statusSuccess
		info.Message = fmt.Sprintf("Saved %s", ev.FinalPath)
		info.Logs = nil
		info.Progress = ""
	case events.TypeError:
		info.Complete = true
		info.Status = statusError
		info.Message = fmt.Sprintf("Failed %s", orURL(info))
		r.errors = append(r.errors, ErrorReport{Name: orURL(info), Error: ev.Message, Time: time.Now()})
	}
}

// MarkCancelled closes a block whose task ended without complete or error.
func (r *Renderer) MarkCancelled(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	info := r.entry(id)
	if info.Complete {
		return
	}
	info.Complete = true
	info.Status = statusCancelled
	info.Message = fmt.Sprintf("Cancelled %s", orURL(info))
	info.Progress = ""
	info.LastUpdated = time.Now()
}

func orURL(info *taskOutput) string {
	if info.Name != "" {
		return info.Name
	}
	if info.URL != "" {
		return info.URL
	}
	return info.ID
}

// Follow applies events from ch until it is closed.
func (r *Renderer) Follow(ch <-chan events.Event) {
	r.followWg.Add(1)
	go func() {
		defer r.followWg.Done()
		for ev := range ch {
			r.Apply(ev)
		}
	}()
}

func statusIndicator(status string) string {
	switch status {
	case statusSuccess:
		return successStyle.Render(StyleSymbols["pass"])
	case statusError:
		return errorStyle.Render(StyleSymbols["fail"])
	case statusCancelled:
		return warningStyle.Render(StyleSymbols["warning"])
	case statusPending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styleMessage(status, message string) string {
	switch status {
	case statusSuccess:
		return successStyle.Render(message)
	case statusError:
		return errorStyle.Render(message)
	case statusCancelled:
		return warningStyle.Render(message)
	default:
		return pendingStyle.Render(message)
	}
}

func (r *Renderer) sorted() (active, completed []*taskOutput) {
	all := make([]*taskOutput, 0, len(r.outputs))
	for _, info := range r.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	for _, info := range all {
		if info.Complete {
			completed = append(completed, info)
		} else {
			active = append(active, info)
		}
	}
	return active, completed
}

func (r *Renderer) render() {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, termHeight := terminalSize()
	available := termHeight - 3

	if r.numLines > 0 {
		fmt.Fprintf(r.out, "\033[%dA\033[J", r.numLines)
	}
	lineCount := 0
	active, completed := r.sorted()

	needed := len(completed)
	for _, info := range active {
		needed += 2 + len(info.Logs)
	}
	if needed > available {
		keep := max(available-(needed-len(completed)), 0)
		if len(completed) > keep {
			completed = completed[len(completed)-keep:]
		}
	}

	indent := strings.Repeat(" ", 2+4)
	for _, info := range active {
		if lineCount >= available {
			break
		}
		message := info.Message
		if message == "" {
			message = "Resolving manifest..."
		}
		elapsed := time.Since(info.StartTime).Round(time.Second)
		fmt.Fprintf(r.out, "  %s %s %s\n", statusIndicator(info.Status), debugStyle.Render(elapsed.String()), styleMessage(info.Status, message))
		lineCount++
		if info.Progress != "" && lineCount < available {
			fmt.Fprintf(r.out, "%s%s\n", indent, info.Progress)
			lineCount++
		}
		for _, line := range info.Logs {
			if lineCount >= available {
				break
			}
			fmt.Fprintf(r.out, "%s%s\n", indent, streamStyle.Render(line))
			lineCount++
		}
	}
	for _, info := range completed {
		if lineCount >= available {
			break
		}
		total := info.LastUpdated.Sub(info.StartTime).Round(time.Second)
		fmt.Fprintf(r.out, "  %s %s %s\n", statusIndicator(info.Status), debugStyle.Render(total.String()), styleMessage(info.Status, info.Message))
		lineCount++
	}
	r.numLines = lineCount
}

func (r *Renderer) StartDisplay() {
	r.displayWg.Add(1)
	go func() {
		defer r.displayWg.Done()
		ticker := time.NewTicker(r.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.render()
			case <-r.doneCh:
				r.render()
				r.ShowSummary()
				return
			}
		}
	}()
}

// StopDisplay draws the final frame and summary. The event channel passed to
// Follow must be closed before calling it.
func (r *Renderer) StopDisplay() {
	r.followWg.Wait()
	close(r.doneCh)
	r.displayWg.Wait()
}

// Counts reports finished blocks by outcome.
func (r *Renderer) Counts() (success, failed, cancelled int) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for _, info := range r.outputs {
		switch info.Status {
		case statusSuccess:
			success++
		case statusError:
			failed++
		case statusCancelled:
			cancelled++
		}
	}
	return success, failed, cancelled
}

func (r *Renderer) ShowSummary() {
	success, failed, cancelled := r.Counts()
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	total := len(r.outputs)
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "  "+success2Style.Render(fmt.Sprintf("Completed %d of %d", success, total)))
	if cancelled > 0 {
		fmt.Fprintln(r.out, "  "+warningStyle.Render(fmt.Sprintf("Cancelled %d of %d", cancelled, total)))
	}
	if failed > 0 {
		fmt.Fprintln(r.out, "  "+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, total)))
	}
	if len(r.errors) > 0 {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, "  "+errorStyle.Bold(true).Render("Errors:"))
		for i, e := range r.errors {
			fmt.Fprintf(r.out, "    %s %s %s\n",
				errorStyle.Render(fmt.Sprintf("%d.", i+1)),
				debugStyle.Render(fmt.Sprintf("[%s]", e.Time.Format("15:04:05"))),
				errorStyle.Render(e.Name))
			fmt.Fprintf(r.out, "      %s\n", errorStyle.Render(e.Error))
		}
	}
	fmt.Fprintln(r.out)
}
