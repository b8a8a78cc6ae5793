package promptdata

import (
	"fmt"
	"strings"

	"github.com/replaylens/replaylens/pkg/models"
)

// SummarySystemPrompt frames the summarization call.
const SummarySystemPrompt = `You are an expert UX analyst reviewing a recorded user session. ` +
	`You receive a compacted event table and must produce a structured YAML summary of what the user did, ` +
	`split into contiguous segments with outcomes. Only ever reference event ids that appear in the table. ` +
	`Respond with YAML only, no prose before or after.`

// BuildSummaryPrompt renders the dataset into the summarization user prompt.
func BuildSummaryPrompt(ds *models.PromptDataset) string {
	var sb strings.Builder

	sb.WriteString("SESSION OVERVIEW\n")
	sb.WriteString("================\n")
	meta := ds.Metadata
	fmt.Fprintf(&sb, "session_id: %s\n", ds.SessionID)
	fmt.Fprintf(&sb, "duration_seconds: %.0f (active %.0f, inactive %.0f)\n",
		meta.DurationSeconds, meta.ActiveSeconds, meta.InactiveSeconds)
	fmt.Fprintf(&sb, "events: %d, clicks: %d, keypresses: %d, mouse_activity: %d, console_errors: %d\n\n",
		meta.EventCount, meta.ClickCount, meta.KeypressCount, meta.MouseActivityCount, meta.ConsoleErrorCount)

	if ds.URLMapping.Len() > 0 {
		sb.WriteString("URLS (placeholder -> not shown, reason about placeholders only)\n")
		for _, pair := range ds.URLMapping.Pairs() {
			fmt.Fprintf(&sb, "  %s\n", pair[1])
		}
		sb.WriteString("\n")
	}

	sb.WriteString("EVENTS\n")
	sb.WriteString("======\n")
	sb.WriteString(strings.Join(ds.Columns, "\t"))
	sb.WriteString("\n")
	for _, row := range ds.Rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if cell == nil {
				cells[i] = ""
				continue
			}
			cells[i] = fmt.Sprint(cell)
		}
		sb.WriteString(strings.Join(cells, "\t"))
		sb.WriteString("\n")
	}

	sb.WriteString(`
Respond in this YAML structure:
segments:
  - index: 0
    name: "<short segment name>"
    start_event_id: "<first event id of the segment>"
    end_event_id: "<last event id of the segment>"
key_actions:
  - segment_index: 0
    events:
      - event_id: "<event id from the table>"
        description: "<what happened>"
        abandonment: false
        confusion: false
        exception: false
segment_outcomes:
  - segment_index: 0
    success: true
    summary: "<one sentence>"
session_outcome:
  success: true
  description: "<one sentence>"

Rules: segments must be ordered and non-overlapping; every segment_index you mention must exist in segments; every event_id must come from the table above.`)

	return sb.String()
}
