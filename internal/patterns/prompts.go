package patterns

import (
	"fmt"
	"strings"

	"github.com/replaylens/replaylens/pkg/models"
)

// System prompts for the three pattern LLM calls.
const (
	ExtractionSystemPrompt = `You are an expert UX researcher looking for recurring behavioral patterns ` +
		`across recorded user sessions. You receive structured session summaries and respond with YAML only.`

	CombinationSystemPrompt = `You are an expert UX researcher merging pattern lists extracted from ` +
		`separate batches of sessions. Deduplicate patterns describing the same behavior, renumber ids ` +
		`starting at 1, and respond with YAML only.`

	AssignmentSystemPrompt = `You are an expert UX researcher. For each given pattern, list the event ids ` +
		`from the session summaries that exhibit it. Only use event ids exactly as they appear. ` +
		`Respond with YAML only.`
)

// patternSchema is the YAML shape all three calls respond in.
const patternSchema = `patterns:
  - pattern_id: 1
    pattern_name: "<short name>"
    pattern_description: "<one paragraph>"
    severity: critical | high | medium | low
    indicators:
      - "<observable indicator>"
`

// QualifyEventID builds the globally unique event id used in pattern
// prompts, so the combined id map can resolve assignments back to
// (session, event).
func QualifyEventID(sessionID, eventID string) string {
	return sessionID + "/" + eventID
}

// SplitQualifiedID reverses QualifyEventID.
func SplitQualifiedID(qualified string) (sessionID, eventID string, ok bool) {
	i := strings.LastIndex(qualified, "/")
	if i <= 0 || i == len(qualified)-1 {
		return "", "", false
	}
	return qualified[:i], qualified[i+1:], true
}

// RenderSummary renders one session summary into the compact block embedded
// in pattern prompts. Event ids are qualified with the session id.
func RenderSummary(sessionID string, summary *models.SessionSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "session: %s\n", sessionID)
	fmt.Fprintf(&sb, "outcome: success=%t %s\n", summary.SessionOutcome.Success, summary.SessionOutcome.Description)
	for _, segment := range summary.Segments {
		fmt.Fprintf(&sb, "segment %d: %s\n", segment.Index, segment.Name)
		if outcome := summary.OutcomeForSegment(segment.Index); outcome != nil {
			fmt.Fprintf(&sb, "  outcome: success=%t %s\n", outcome.Success, outcome.Summary)
		}
		for _, group := range summary.KeyActions {
			if group.SegmentIndex != segment.Index {
				continue
			}
			for _, action := range group.Events {
				flags := actionFlags(action)
				fmt.Fprintf(&sb, "  - %s: %s%s\n", QualifyEventID(sessionID, action.EventID), action.Description, flags)
			}
		}
	}
	return sb.String()
}

func actionFlags(action models.KeyAction) string {
	var flags []string
	if action.Abandonment {
		flags = append(flags, "abandonment")
	}
	if action.Confusion {
		flags = append(flags, "confusion")
	}
	if action.Exception {
		flags = append(flags, "exception")
	}
	if len(flags) == 0 {
		return ""
	}
	return " [" + strings.Join(flags, ",") + "]"
}

// BuildExtractionPrompt renders the per-chunk extraction prompt.
func BuildExtractionPrompt(rendered []string) string {
	var sb strings.Builder
	sb.WriteString("SESSION SUMMARIES\n=================\n")
	for _, block := range rendered {
		sb.WriteString(block)
		sb.WriteString("\n")
	}
	sb.WriteString("Identify recurring behavioral patterns across these sessions (friction, confusion, abandonment, errors).\n")
	sb.WriteString("Respond in this YAML structure:\n")
	sb.WriteString(patternSchema)
	return sb.String()
}

// ExtractionTemplate returns the prompt text whose token cost is the fixed
// component of each chunk's budget.
func ExtractionTemplate() string {
	return BuildExtractionPrompt(nil)
}

// BuildCombinationPrompt renders the cross-chunk merge prompt.
func BuildCombinationPrompt(chunkLists [][]models.Pattern) string {
	var sb strings.Builder
	sb.WriteString("PATTERN LISTS FROM SEPARATE BATCHES\n===================================\n")
	for i, list := range chunkLists {
		fmt.Fprintf(&sb, "batch %d:\n", i+1)
		for _, p := range list {
			fmt.Fprintf(&sb, "  - [%s] %s: %s (indicators: %s)\n",
				p.Severity, p.Name, p.Description, strings.Join(p.Indicators, "; "))
		}
	}
	sb.WriteString("\nMerge these into one deduplicated list. Respond in this YAML structure:\n")
	sb.WriteString(patternSchema)
	return sb.String()
}

// BuildAssignmentPrompt renders the per-chunk event assignment prompt.
func BuildAssignmentPrompt(patterns []models.Pattern, rendered []string) string {
	var sb strings.Builder
	sb.WriteString("PATTERNS\n========\n")
	for _, p := range patterns {
		fmt.Fprintf(&sb, "pattern %d [%s] %s: %s\n", p.ID, p.Severity, p.Name, p.Description)
	}
	sb.WriteString("\nSESSION SUMMARIES\n=================\n")
	for _, block := range rendered {
		sb.WriteString(block)
		sb.WriteString("\n")
	}
	sb.WriteString(`Assign event ids to the patterns they exhibit. A pattern may have no events in this batch.
Respond in this YAML structure:
assignments:
  - pattern_id: 1
    event_ids:
      - "<qualified event id>"
`)
	return sb.String()
}
