package history

import (
	"context"
	"time"
)

const DefaultLimit = 50

// Record describes one completed download.
type Record struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"displayName"`
	SourceURL      string    `json:"url"`
	FinalPath      string    `json:"finalPath"`
	DestinationDir string    `json:"destinationDirectory"`
	CompletedAt    time.Time `json:"completedAt"`
}

// Store keeps the newest records first and never more than its limit.
type Store interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context) ([]Record, error)
	Clear(ctx context.Context) error
}

// prepend returns rec followed by records, capped at limit.
func prepend(records []Record, rec Record, limit int) []Record {
	if limit <= 0 {
		limit = DefaultLimit
	}
	out := make([]Record, 0, min(len(records)+1, limit))
	out = append(out, rec)
	for _, r := range records {
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out
}
