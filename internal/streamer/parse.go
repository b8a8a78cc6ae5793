// Package streamer consumes incremental LLM output and turns it into
// validated session summaries for replaylens.
package streamer

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/replaylens/replaylens/pkg/models"
)

// ParseOutcome classifies one tolerant parse attempt over a partial buffer.
type ParseOutcome int

const (
	// ParseIncomplete means the buffer does not parse yet but later
	// fragments may still complete it.
	ParseIncomplete ParseOutcome = iota
	// ParseMalformed means the buffer parses as YAML but will never fit the
	// summary schema, no matter what is appended.
	ParseMalformed
	// ParseComplete means the buffer parsed into a schema-shaped summary.
	ParseComplete
)

// TryParse attempts a tolerant parse of a possibly-truncated LLM output
// buffer. It is a pure function: no exceptions-as-control-flow, the caller
// branches on the outcome. Truncation ("not enough data yet") and schema
// rejection ("will never validate") are distinct outcomes.
func TryParse(buffer string) (*models.SessionSummary, ParseOutcome) {
	body := stripFences(buffer)
	if strings.TrimSpace(body) == "" {
		return nil, ParseIncomplete
	}

	// First pass: is it YAML at all? A truncated buffer typically is not.
	var generic map[string]any
	if err := yaml.Unmarshal([]byte(body), &generic); err != nil {
		return nil, ParseIncomplete
	}
	if generic == nil {
		return nil, ParseIncomplete
	}

	// Second pass: does the YAML fit the summary shape? A type mismatch here
	// (e.g. segments being a scalar) cannot be fixed by appending more text.
	var summary models.SessionSummary
	if err := yaml.Unmarshal([]byte(body), &summary); err != nil {
		return nil, ParseMalformed
	}
	if len(summary.Segments) == 0 && len(summary.KeyActions) == 0 {
		// YAML parsed but nothing recognizable yet (e.g. only half a key).
		return nil, ParseIncomplete
	}
	return &summary, ParseComplete
}

// stripFences removes a leading ```yaml (or ```) fence and, when present,
// the closing fence. A missing closing fence is normal mid-stream.
func stripFences(buffer string) string {
	s := strings.TrimSpace(buffer)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if newline := strings.IndexByte(s, '\n'); newline >= 0 {
		// Drop the language tag line ("yaml").
		s = s[newline+1:]
	} else {
		return ""
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return s
}
