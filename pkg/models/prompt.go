package models

import (
	"fmt"
	"time"
)

// Mapping is an insertion-ordered, reversible mapping from full values to
// short placeholders (url_1, window_1, ...). Each full value maps to exactly
// one placeholder and vice versa.
type Mapping struct {
	order   []string
	forward map[string]string
	reverse map[string]string
	prefix  string
}

// NewMapping creates an empty mapping whose placeholders use the given prefix.
func NewMapping(prefix string) *Mapping {
	return &Mapping{
		forward: make(map[string]string),
		reverse: make(map[string]string),
		prefix:  prefix,
	}
}

// Add returns the placeholder for the given full value, allocating the next
// placeholder in insertion order on first sight.
func (m *Mapping) Add(full string) string {
	if placeholder, ok := m.forward[full]; ok {
		return placeholder
	}
	placeholder := fmt.Sprintf("%s_%d", m.prefix, len(m.order)+1)
	m.order = append(m.order, full)
	m.forward[full] = placeholder
	m.reverse[placeholder] = full
	return placeholder
}

// Original resolves a placeholder back to its full value.
func (m *Mapping) Original(placeholder string) (string, bool) {
	full, ok := m.reverse[placeholder]
	return full, ok
}

// Placeholder looks up the placeholder for a full value without allocating.
func (m *Mapping) Placeholder(full string) (string, bool) {
	placeholder, ok := m.forward[full]
	return placeholder, ok
}

// Len returns the number of mapped values.
func (m *Mapping) Len() int {
	return len(m.order)
}

// Pairs returns (full value, placeholder) pairs in insertion order.
func (m *Mapping) Pairs() [][2]string {
	pairs := make([][2]string, 0, len(m.order))
	for _, full := range m.order {
		pairs = append(pairs, [2]string{full, m.forward[full]})
	}
	return pairs
}

// SessionMetadata aggregates activity counters for one session.
type SessionMetadata struct {
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	DurationSeconds    float64   `json:"duration_seconds"`
	ActiveSeconds      float64   `json:"active_seconds"`
	InactiveSeconds    float64   `json:"inactive_seconds"`
	EventCount         int       `json:"event_count"`
	ClickCount         int       `json:"click_count"`
	KeypressCount      int       `json:"keypress_count"`
	MouseActivityCount int       `json:"mouse_activity_count"`
	ConsoleErrorCount  int       `json:"console_error_count"`
}

// PromptDataset is the token-efficient view of one session's raw events that
// is rendered into the summarization prompt. Built once per session and
// treated as immutable afterwards.
type PromptDataset struct {
	SessionID     string
	Columns       []string
	Rows          [][]any
	URLMapping    *Mapping
	WindowMapping *Mapping
	Metadata      SessionMetadata
	// EventIDs is the allow-list of event ids handed to the LLM. Any id the
	// model references outside this set is a hallucination.
	EventIDs []string
}

// AllowedEvents returns the allow-list as a set for validation lookups.
func (d *PromptDataset) AllowedEvents() map[string]struct{} {
	set := make(map[string]struct{}, len(d.EventIDs))
	for _, id := range d.EventIDs {
		set[id] = struct{}{}
	}
	return set
}
