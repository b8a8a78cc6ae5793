package streamer

import (
	"fmt"

	"github.com/replaylens/replaylens/pkg/models"
)

// SchemaError reports a summary that parsed but violates the schema's
// structural rules.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return "summary schema invalid: " + e.Reason
}

// HallucinationError reports a reference to an event id or segment index the
// model was never given.
type HallucinationError struct {
	Kind string // "event_id" or "segment_index"
	Ref  string
}

func (e *HallucinationError) Error() string {
	return fmt.Sprintf("summary references unknown %s %q", e.Kind, e.Ref)
}

// Validate runs semantic validation over a structurally parsed summary:
// every referenced event id must be in the allow-list supplied with the
// prompt, and every referenced segment index must exist among the declared
// segments.
func Validate(summary *models.SessionSummary, allowedEvents map[string]struct{}) error {
	declared := make(map[int]struct{}, len(summary.Segments))
	seen := make(map[int]struct{}, len(summary.Segments))
	for _, segment := range summary.Segments {
		if _, dup := seen[segment.Index]; dup {
			return &SchemaError{Reason: fmt.Sprintf("duplicate segment index %d", segment.Index)}
		}
		seen[segment.Index] = struct{}{}
		declared[segment.Index] = struct{}{}
	}

	for _, group := range summary.KeyActions {
		if _, ok := declared[group.SegmentIndex]; !ok {
			return &HallucinationError{Kind: "segment_index", Ref: fmt.Sprint(group.SegmentIndex)}
		}
		for _, action := range group.Events {
			if action.EventID == "" {
				return &SchemaError{Reason: "key action with empty event_id"}
			}
			if _, ok := allowedEvents[action.EventID]; !ok {
				return &HallucinationError{Kind: "event_id", Ref: action.EventID}
			}
		}
	}

	for _, outcome := range summary.SegmentOutcomes {
		if _, ok := declared[outcome.SegmentIndex]; !ok {
			return &HallucinationError{Kind: "segment_index", Ref: fmt.Sprint(outcome.SegmentIndex)}
		}
	}
	return nil
}
