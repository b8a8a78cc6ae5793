// Package source defines the session data source the pipeline reads raw
// replay events from. The concrete analytics store lives outside this
// repository; the worker is handed an implementation at bootstrap.
package source

import (
	"context"
	"errors"
	"time"
)

// ErrNoData is returned when a session has no metadata or no events.
// There is nothing to summarize, so callers must not retry.
var ErrNoData = errors.New("source: no session data")

// Metadata is the per-session aggregate the analytics store keeps.
type Metadata struct {
	StartTime          time.Time
	EndTime            time.Time
	ActiveSeconds      float64
	InactiveSeconds    float64
	ClickCount         int
	KeypressCount      int
	MouseActivityCount int
	ConsoleErrorCount  int
	EventCount         int
}

// EventsPage is one page of raw events as (columns, rows).
type EventsPage struct {
	Columns []string
	Rows    [][]any
}

// EventsQuery narrows a GetEvents call.
type EventsQuery struct {
	Page        int
	Limit       int
	IgnoreTypes []string
	ExtraFields []string
}

// DataSource supplies paginated raw events plus metadata per session.
type DataSource interface {
	// GetMetadata returns the session's aggregate metadata, or nil when the
	// session is unknown.
	GetMetadata(ctx context.Context, teamID int64, sessionID string) (*Metadata, error)
	// GetEvents returns one page of events, or nil when the session has none.
	GetEvents(ctx context.Context, teamID int64, sessionID string, q EventsQuery) (*EventsPage, error)
}

// FetchAllEvents pages through GetEvents until a page comes back shorter
// than the requested limit, concatenating rows. Returns ErrNoData when the
// first page is absent or empty.
func FetchAllEvents(ctx context.Context, ds DataSource, teamID int64, sessionID string, pageSize int, ignoreTypes, extraFields []string) (*EventsPage, error) {
	var all *EventsPage
	for page := 0; ; page++ {
		result, err := ds.GetEvents(ctx, teamID, sessionID, EventsQuery{
			Page:        page,
			Limit:       pageSize,
			IgnoreTypes: ignoreTypes,
			ExtraFields: extraFields,
		})
		if err != nil {
			return nil, err
		}
		if result == nil || len(result.Rows) == 0 {
			if all == nil {
				return nil, ErrNoData
			}
			return all, nil
		}

		if all == nil {
			all = &EventsPage{Columns: result.Columns}
		}
		all.Rows = append(all.Rows, result.Rows...)

		if len(result.Rows) < pageSize {
			return all, nil
		}
	}
}
