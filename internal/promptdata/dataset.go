// Package promptdata compacts raw session events into a token-efficient
// prompt dataset for replaylens.
package promptdata

import (
	"fmt"
	"time"

	"github.com/replaylens/replaylens/internal/source"
	"github.com/replaylens/replaylens/pkg/models"
)

// Well-known raw event columns.
const (
	ColEventID   = "event_id"
	ColEvent     = "event"
	ColTimestamp = "timestamp"
	ColURL       = "$current_url"
	ColWindowID  = "$window_id"
)

// collapseThreshold is the minimum run length of identical events before the
// run is collapsed to its first and last rows.
const collapseThreshold = 3

// Build compacts one session's raw events into an immutable PromptDataset:
// urls and window ids are replaced with short reversible placeholders,
// timestamps become millisecond offsets from session start, and long runs of
// identical events are collapsed.
func Build(sessionID string, meta *source.Metadata, page *source.EventsPage) (*models.PromptDataset, error) {
	cols := indexColumns(page.Columns)
	if cols.eventID < 0 {
		return nil, fmt.Errorf("promptdata: missing %s column", ColEventID)
	}

	ds := &models.PromptDataset{
		SessionID:     sessionID,
		Columns:       append(append([]string{}, page.Columns...), "repetition_count"),
		URLMapping:    models.NewMapping("url"),
		WindowMapping: models.NewMapping("window"),
		Metadata: models.SessionMetadata{
			StartTime:          meta.StartTime,
			EndTime:            meta.EndTime,
			DurationSeconds:    meta.EndTime.Sub(meta.StartTime).Seconds(),
			ActiveSeconds:      meta.ActiveSeconds,
			InactiveSeconds:    meta.InactiveSeconds,
			ClickCount:         meta.ClickCount,
			KeypressCount:      meta.KeypressCount,
			MouseActivityCount: meta.MouseActivityCount,
			ConsoleErrorCount:  meta.ConsoleErrorCount,
			EventCount:         len(page.Rows),
		},
	}

	simplified := make([][]any, 0, len(page.Rows))
	for _, row := range page.Rows {
		out := make([]any, len(row)+1)
		copy(out, row)
		out[len(row)] = nil // repetition_count, filled by collapseRuns

		if cols.url >= 0 {
			if url, ok := out[cols.url].(string); ok && url != "" {
				out[cols.url] = ds.URLMapping.Add(url)
			}
		}
		if cols.windowID >= 0 {
			if window, ok := out[cols.windowID].(string); ok && window != "" {
				out[cols.windowID] = ds.WindowMapping.Add(window)
			}
		}
		if cols.timestamp >= 0 {
			if ts, ok := asTime(out[cols.timestamp]); ok {
				out[cols.timestamp] = ts.Sub(meta.StartTime).Milliseconds()
			}
		}
		if id, ok := out[cols.eventID].(string); ok {
			ds.EventIDs = append(ds.EventIDs, id)
		}
		simplified = append(simplified, out)
	}

	ds.Rows = collapseRuns(simplified, cols)
	return ds, nil
}

type columnIndex struct {
	eventID   int
	event     int
	timestamp int
	url       int
	windowID  int
}

func indexColumns(columns []string) columnIndex {
	cols := columnIndex{eventID: -1, event: -1, timestamp: -1, url: -1, windowID: -1}
	for i, name := range columns {
		switch name {
		case ColEventID:
			cols.eventID = i
		case ColEvent:
			cols.event = i
		case ColTimestamp:
			cols.timestamp = i
		case ColURL:
			cols.url = i
		case ColWindowID:
			cols.windowID = i
		}
	}
	return cols
}

// collapseRuns replaces runs of >= collapseThreshold rows identical in every
// column except event id and timestamp with the run's first and last rows,
// the last carrying the repetition count.
func collapseRuns(rows [][]any, cols columnIndex) [][]any {
	if len(rows) == 0 {
		return rows
	}
	repCol := len(rows[0]) - 1

	out := make([][]any, 0, len(rows))
	runStart := 0
	for i := 1; i <= len(rows); i++ {
		if i < len(rows) && sameShape(rows[i], rows[runStart], cols) {
			continue
		}
		runLen := i - runStart
		if runLen >= collapseThreshold {
			first := rows[runStart]
			last := rows[i-1]
			last[repCol] = runLen
			out = append(out, first, last)
		} else {
			out = append(out, rows[runStart:i]...)
		}
		runStart = i
	}
	return out
}

// sameShape compares two rows ignoring the per-event columns (id, timestamp,
// repetition count).
func sameShape(a, b []any, cols columnIndex) bool {
	for i := range a[:len(a)-1] {
		if i == cols.eventID || i == cols.timestamp {
			continue
		}
		if fmt.Sprint(a[i]) != fmt.Sprint(b[i]) {
			return false
		}
	}
	return true
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
