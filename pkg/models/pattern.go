package models

// Severity classifies how damaging a pattern is for the affected users.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// severityRank orders severities for sorting: critical < high < medium < low < unknown.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Rank returns the sort rank of the severity. Unknown severities sort last.
func (s Severity) Rank() int {
	if rank, ok := severityRank[s]; ok {
		return rank
	}
	return len(severityRank)
}

// Valid reports whether the severity is one of the closed enum values.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Pattern is a cross-session recurring behavior extracted by the LLM.
// IDs are unique within one extraction run and start at 1.
type Pattern struct {
	ID          int      `yaml:"pattern_id" json:"pattern_id"`
	Name        string   `yaml:"pattern_name" json:"pattern_name"`
	Description string   `yaml:"pattern_description" json:"pattern_description"`
	Severity    Severity `yaml:"severity" json:"severity"`
	Indicators  []string `yaml:"indicators" json:"indicators"`
}

// PatternAssignment binds a pattern to the concrete events exhibiting it.
// The event list may be empty when no event matched.
type PatternAssignment struct {
	PatternID int      `yaml:"pattern_id" json:"pattern_id"`
	EventIDs  []string `yaml:"event_ids" json:"event_ids"`
}

// TimelineEvent is one surrounding event in an enriched event context.
type TimelineEvent struct {
	EventID     string `json:"event_id"`
	Description string `json:"description"`
}

// EventContext places an assigned event inside its session timeline:
// the target event plus up to three preceding and three following events
// from the same segment, and the segment's verdict.
type EventContext struct {
	SessionID      string          `json:"session_id"`
	EventID        string          `json:"event_id"`
	Description    string          `json:"description"`
	Abandonment    bool            `json:"abandonment"`
	Confusion      bool            `json:"confusion"`
	Exception      bool            `json:"exception"`
	PreviousEvents []TimelineEvent `json:"previous_events_in_segment"`
	NextEvents     []TimelineEvent `json:"next_events_in_segment"`
	SegmentName    string          `json:"segment_name"`
	SegmentOutcome string          `json:"segment_outcome"`
	SegmentSuccess bool            `json:"segment_success"`
}

// PatternStats aggregates how widely a pattern occurs across the group.
type PatternStats struct {
	Occurences            int     `json:"occurences"`
	SessionsAffected      int     `json:"sessions_affected"`
	SessionsAffectedRatio float64 `json:"sessions_affected_ratio"`
	SegmentsSuccessRatio  float64 `json:"segments_success_ratio"`
}

// EnrichedPattern is a pattern with its concrete event contexts and stats.
// Built transiently per group run; not persisted.
type EnrichedPattern struct {
	Pattern
	Events []EventContext `json:"events"`
	Stats  PatternStats   `json:"stats"`
}
