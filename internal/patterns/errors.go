package patterns

import "fmt"

// ThresholdError reports that too few assignment chunks succeeded for the
// aggregate to be trustworthy. It is not retryable: the same inputs would
// fail the same way, and a partial aggregate would silently under-count.
type ThresholdError struct {
	Succeeded int
	Required  int
	Total     int
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("assignment succeeded for %d/%d chunks, need at least %d", e.Succeeded, e.Total, e.Required)
}

// LookupError reports an assigned event id that no session summary contains.
// Enrichment treats this as systemic inconsistency, not a tolerable gap.
type LookupError struct {
	EventID string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("assigned event %q not found in any session summary", e.EventID)
}

// ValidationError reports an LLM pattern response that violates the
// extraction schema.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "pattern response invalid: " + e.Reason
}
