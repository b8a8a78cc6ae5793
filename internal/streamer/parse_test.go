// Package streamer consumes incremental LLM output and turns it into
// validated session summaries for replaylens.
package streamer

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/replaylens/replaylens/pkg/models"
)

// ParseSuite is a test suite for the tolerant parser.
type ParseSuite struct {
	suite.Suite
}

func TestParseSuite(t *testing.T) {
	suite.Run(t, new(ParseSuite))
}

const validDoc = `segments:
  - index: 0
    name: "Browse"
    start_event_id: "e1"
    end_event_id: "e3"
key_actions:
  - segment_index: 0
    events:
      - event_id: "e2"
        description: "clicked add to cart"
        abandonment: false
        confusion: true
        exception: false
segment_outcomes:
  - segment_index: 0
    success: true
    summary: "ok"
session_outcome:
  success: true
  description: "done"
`

// TestComplete tests a fully valid document.
func (s *ParseSuite) TestComplete() {
	summary, outcome := TryParse(validDoc)
	s.Equal(ParseComplete, outcome)
	s.Require().NotNil(summary)
	s.Len(summary.Segments, 1)
	s.Equal("e2", summary.KeyActions[0].Events[0].EventID)
	s.True(summary.KeyActions[0].Events[0].Confusion)
}

// TestFencedComplete tests fenced output, with and without a closing fence.
func (s *ParseSuite) TestFencedComplete() {
	for _, doc := range []string{
		"```yaml\n" + validDoc + "\n```",
		"```yaml\n" + validDoc, // closing fence not arrived yet
	} {
		summary, outcome := TryParse(doc)
		s.Equal(ParseComplete, outcome)
		s.NotNil(summary)
	}
}

// TestIncomplete tests truncated buffers that may still become valid.
func (s *ParseSuite) TestIncomplete() {
	for _, buffer := range []string{
		"",
		"```yaml\nsegm",
		"segm",
		`segments:
  - index: 0
    name: "Brow`, // unterminated quoted scalar
	} {
		summary, outcome := TryParse(buffer)
		s.Equal(ParseIncomplete, outcome, "buffer %q", buffer)
		s.Nil(summary)
	}
}

// TestMalformed tests shapes no further fragment can repair.
func (s *ParseSuite) TestMalformed() {
	for _, buffer := range []string{
		"segments: 42\n",
		"segments:\n  - 7\n",
		"key_actions: notalist\n",
	} {
		summary, outcome := TryParse(buffer)
		s.Equal(ParseMalformed, outcome, "buffer %q", buffer)
		s.Nil(summary)
	}
}

// TestPartialGrowth tests that a prefix of the valid document keeps parsing
// as soon as it is structurally well-formed.
func (s *ParseSuite) TestPartialGrowth() {
	prefix := `segments:
  - index: 0
    name: "Browse"
    start_event_id: "e1"
    end_event_id: "e3"
`
	summary, outcome := TryParse(prefix)
	s.Equal(ParseComplete, outcome)
	s.Require().NotNil(summary)
	s.Len(summary.Segments, 1)
	s.Empty(summary.KeyActions)
}

// ValidateSuite is a test suite for semantic validation.
type ValidateSuite struct {
	suite.Suite
	allowed map[string]struct{}
}

func (s *ValidateSuite) SetupTest() {
	s.allowed = map[string]struct{}{"e1": {}, "e2": {}, "e3": {}}
}

func TestValidateSuite(t *testing.T) {
	suite.Run(t, new(ValidateSuite))
}

func (s *ValidateSuite) summary() *models.SessionSummary {
	summary, outcome := TryParse(validDoc)
	s.Require().Equal(ParseComplete, outcome)
	return summary
}

// TestValid tests a summary that references only known ids.
func (s *ValidateSuite) TestValid() {
	s.NoError(Validate(s.summary(), s.allowed))
}

// TestUnknownEventID tests the hallucination guard on event ids.
func (s *ValidateSuite) TestUnknownEventID() {
	summary := s.summary()
	summary.KeyActions[0].Events[0].EventID = "zzz"

	err := Validate(summary, s.allowed)
	var hallErr *HallucinationError
	s.Require().ErrorAs(err, &hallErr)
	s.Equal("event_id", hallErr.Kind)
	s.Equal("zzz", hallErr.Ref)
}

// TestUnknownSegmentIndex tests the hallucination guard on segment indices.
func (s *ValidateSuite) TestUnknownSegmentIndex() {
	summary := s.summary()
	summary.SegmentOutcomes[0].SegmentIndex = 9

	err := Validate(summary, s.allowed)
	var hallErr *HallucinationError
	s.Require().ErrorAs(err, &hallErr)
	s.Equal("segment_index", hallErr.Kind)
}

// TestDuplicateSegmentIndex tests the structural duplicate guard.
func (s *ValidateSuite) TestDuplicateSegmentIndex() {
	summary := s.summary()
	summary.Segments = append(summary.Segments, models.Segment{Index: 0, Name: "dup"})

	var schemaErr *SchemaError
	s.ErrorAs(Validate(summary, s.allowed), &schemaErr)
}
