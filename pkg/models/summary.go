// Package models contains domain models for replaylens.
package models

// Segment is a contiguous, non-overlapping slice of a session's timeline
// with its own narrative name and outcome.
type Segment struct {
	Index        int    `yaml:"index" json:"index"`
	Name         string `yaml:"name" json:"name"`
	StartEventID string `yaml:"start_event_id" json:"start_event_id"`
	EndEventID   string `yaml:"end_event_id" json:"end_event_id"`
}

// KeyAction is an event inside a segment annotated with behavioral flags.
type KeyAction struct {
	EventID     string `yaml:"event_id" json:"event_id"`
	Description string `yaml:"description" json:"description"`
	Abandonment bool   `yaml:"abandonment" json:"abandonment"`
	Confusion   bool   `yaml:"confusion" json:"confusion"`
	Exception   bool   `yaml:"exception" json:"exception"`
}

// SegmentKeyActions groups the key actions belonging to one segment.
type SegmentKeyActions struct {
	SegmentIndex int         `yaml:"segment_index" json:"segment_index"`
	Events       []KeyAction `yaml:"events" json:"events"`
}

// SegmentOutcome holds the per-segment success verdict.
type SegmentOutcome struct {
	SegmentIndex int    `yaml:"segment_index" json:"segment_index"`
	Success      bool   `yaml:"success" json:"success"`
	Summary      string `yaml:"summary" json:"summary"`
}

// SessionOutcome is the single whole-session verdict.
type SessionOutcome struct {
	Success     bool   `yaml:"success" json:"success"`
	Description string `yaml:"description" json:"description"`
}

// SessionSummary is the structured summary of one replay session as produced
// by the LLM. It is created once per (team, session, context) and is immutable
// after it has been persisted; re-summarization with a different context
// produces a new row, never an overwrite.
type SessionSummary struct {
	Segments        []Segment           `yaml:"segments" json:"segments"`
	KeyActions      []SegmentKeyActions `yaml:"key_actions" json:"key_actions"`
	SegmentOutcomes []SegmentOutcome    `yaml:"segment_outcomes" json:"segment_outcomes"`
	SessionOutcome  SessionOutcome      `yaml:"session_outcome" json:"session_outcome"`
}

// EventIDs returns every event id referenced by the summary's key actions.
func (s *SessionSummary) EventIDs() []string {
	var ids []string
	for _, group := range s.KeyActions {
		for _, action := range group.Events {
			ids = append(ids, action.EventID)
		}
	}
	return ids
}

// SegmentByIndex returns the segment with the given index, or nil.
func (s *SessionSummary) SegmentByIndex(index int) *Segment {
	for i := range s.Segments {
		if s.Segments[i].Index == index {
			return &s.Segments[i]
		}
	}
	return nil
}

// OutcomeForSegment returns the outcome recorded for the given segment index, or nil.
func (s *SessionSummary) OutcomeForSegment(index int) *SegmentOutcome {
	for i := range s.SegmentOutcomes {
		if s.SegmentOutcomes[i].SegmentIndex == index {
			return &s.SegmentOutcomes[i]
		}
	}
	return nil
}
