package events

import "github.com/tanq16/hlsdl/internal/progress"

type Type string

const (
	TypeStarted  Type = "started"
	TypeLog      Type = "log"
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

// Event is one notification about a task. Only the fields relevant to Type
// are populated; the JSON form is what transports put on the wire.
type Event struct {
	Type        Type     `json:"type"`
	ID          string   `json:"id"`
	URL         string   `json:"url,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Text        string   `json:"text,omitempty"`
	Severity    Severity `json:"severity,omitempty"`
	Phase       string   `json:"phase,omitempty"`
	Percent     int      `json:"percent"`
	Current     int      `json:"current"`
	Total       int      `json:"total"`
	Speed       string   `json:"speed,omitempty"`
	FinalPath   string   `json:"finalPath,omitempty"`
	Message     string   `json:"message,omitempty"`
}

func Started(id, url, displayName string) Event {
	return Event{Type: TypeStarted, ID: id, URL: url, DisplayName: displayName}
}

func Log(id, text string, severity Severity) Event {
	return Event{Type: TypeLog, ID: id, Text: text, Severity: severity}
}

func Progress(id string, snap progress.Snapshot) Event {
	return Event{
		Type:    TypeProgress,
		ID:      id,
		Phase:   string(snap.Phase),
		Percent: snap.Percent,
		Current: snap.Current,
		Total:   snap.Total,
		Speed:   snap.Speed,
	}
}

func Complete(id, finalPath string) Event {
	return Event{Type: TypeComplete, ID: id, FinalPath: finalPath}
}

func Error(id, message string) Event {
	return Event{Type: TypeError, ID: id, Message: message}
}

// Terminal reports whether no further events follow for the task.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}
