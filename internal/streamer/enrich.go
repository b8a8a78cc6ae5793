package streamer

import (
	"github.com/replaylens/replaylens/pkg/models"
)

// EnrichedAction is a key action with placeholders resolved back to their
// original values and its millisecond offset from session start attached.
type EnrichedAction struct {
	models.KeyAction `yaml:",inline"`
	Event            string `json:"event,omitempty"`
	URL              string `json:"current_url,omitempty"`
	WindowID         string `json:"window_id,omitempty"`
	MsSinceStart     int64  `json:"milliseconds_since_start"`
}

// EnrichedSegmentActions groups enriched actions per segment.
type EnrichedSegmentActions struct {
	SegmentIndex int              `json:"segment_index"`
	Events       []EnrichedAction `json:"events"`
}

// EnrichedSummary is the consumer-facing view of a summary: same structure,
// but with original urls/windows and event timing restored.
type EnrichedSummary struct {
	SessionID       string                   `json:"session_id"`
	Segments        []models.Segment         `json:"segments"`
	KeyActions      []EnrichedSegmentActions `json:"key_actions"`
	SegmentOutcomes []models.SegmentOutcome  `json:"segment_outcomes"`
	SessionOutcome  models.SessionOutcome    `json:"session_outcome"`
}

// eventDetail is the per-event context the dataset retained.
type eventDetail struct {
	event        string
	url          string
	windowID     string
	msSinceStart int64
}

// datasetIndex indexes a prompt dataset's rows by event id for enrichment.
func datasetIndex(ds *models.PromptDataset) map[string]eventDetail {
	cols := map[string]int{}
	for i, name := range ds.Columns {
		cols[name] = i
	}
	idCol, ok := cols["event_id"]
	if !ok {
		return nil
	}

	index := make(map[string]eventDetail, len(ds.Rows))
	for _, row := range ds.Rows {
		id, ok := row[idCol].(string)
		if !ok {
			continue
		}
		var detail eventDetail
		if i, ok := cols["event"]; ok {
			detail.event, _ = row[i].(string)
		}
		if i, ok := cols["$current_url"]; ok {
			if placeholder, ok := row[i].(string); ok {
				if original, found := ds.URLMapping.Original(placeholder); found {
					detail.url = original
				} else {
					detail.url = placeholder
				}
			}
		}
		if i, ok := cols["$window_id"]; ok {
			if placeholder, ok := row[i].(string); ok {
				if original, found := ds.WindowMapping.Original(placeholder); found {
					detail.windowID = original
				} else {
					detail.windowID = placeholder
				}
			}
		}
		if i, ok := cols["timestamp"]; ok {
			if ms, ok := row[i].(int64); ok {
				detail.msSinceStart = ms
			}
		}
		index[id] = detail
	}
	return index
}

// Enrich builds the emitted view of a validated summary. Events that were
// collapsed out of the dataset keep zero-value context; mid-stream that is an
// acceptable gap, not an error.
func Enrich(summary *models.SessionSummary, ds *models.PromptDataset, index map[string]eventDetail) *EnrichedSummary {
	enriched := &EnrichedSummary{
		SessionID:       ds.SessionID,
		Segments:        summary.Segments,
		SegmentOutcomes: summary.SegmentOutcomes,
		SessionOutcome:  summary.SessionOutcome,
	}

	for _, group := range summary.KeyActions {
		out := EnrichedSegmentActions{SegmentIndex: group.SegmentIndex}
		for _, action := range group.Events {
			detail := index[action.EventID]
			out.Events = append(out.Events, EnrichedAction{
				KeyAction:    action,
				Event:        detail.event,
				URL:          detail.url,
				WindowID:     detail.windowID,
				MsSinceStart: detail.msSinceStart,
			})
		}
		enriched.KeyActions = append(enriched.KeyActions, out)
	}
	return enriched
}
