package patterns

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/replaylens/replaylens/internal/tokens"
	"github.com/replaylens/replaylens/pkg/models"
)

// testSession builds a one-segment session whose rendered size scales with
// the number of key actions.
func testSession(id string, actions int, success bool) SessionInput {
	summary := &models.SessionSummary{
		Segments: []models.Segment{{Index: 0, Name: "segment " + id}},
		KeyActions: []models.SegmentKeyActions{{
			SegmentIndex: 0,
		}},
		SegmentOutcomes: []models.SegmentOutcome{{SegmentIndex: 0, Success: success, Summary: "outcome " + id}},
		SessionOutcome:  models.SessionOutcome{Success: success, Description: "session " + id},
	}
	for i := 0; i < actions; i++ {
		summary.KeyActions[0].Events = append(summary.KeyActions[0].Events, models.KeyAction{
			EventID:     fmt.Sprintf("%s-ev%d", id, i),
			Description: strings.Repeat("clicked the payment button again ", 4),
		})
	}
	return SessionInput{SessionID: id, Summary: summary}
}

type ChunkerSuite struct {
	suite.Suite
	counter  *tokens.Counter
	template int
}

func TestChunkerSuite(t *testing.T) {
	suite.Run(t, new(ChunkerSuite))
}

func (s *ChunkerSuite) SetupSuite() {
	counter, err := tokens.NewCounter()
	s.Require().NoError(err)
	s.counter = counter
	s.template = counter.Count(ExtractionTemplate())
}

func (s *ChunkerSuite) cost(in SessionInput) int {
	return s.counter.Count(RenderSummary(in.SessionID, in.Summary))
}

func (s *ChunkerSuite) ids(chunks []Chunk) [][]string {
	out := make([][]string, len(chunks))
	for i := range chunks {
		out[i] = chunks[i].SessionIDs()
	}
	return out
}

func (s *ChunkerSuite) TestPackRespectsBudget() {
	a := testSession("a", 4, true)
	b := testSession("b", 4, true)
	c := testSession("c", 4, true)
	d := testSession("d", 4, true)

	// Room for exactly two sessions per chunk.
	maxTokens := s.template + s.cost(a) + s.cost(b) + 1
	chunker := NewChunker(s.counter, nil, zerolog.Nop(), maxTokens, maxTokens*10)

	chunks := chunker.Pack(context.Background(), []SessionInput{a, b, c, d})
	s.Equal([][]string{{"a", "b"}, {"c", "d"}}, s.ids(chunks))
	for _, chunk := range chunks {
		s.LessOrEqual(s.template+chunk.cost, maxTokens)
	}
}

func (s *ChunkerSuite) TestOversizeSessionGetsOwnChunk() {
	small1 := testSession("small1", 2, true)
	big := testSession("big", 40, true)
	small2 := testSession("small2", 2, true)

	maxTokens := s.template + s.cost(small1) + s.cost(small2) + 1
	s.Require().Greater(s.template+s.cost(big), maxTokens)
	singleMax := s.template + s.cost(big) + 1

	chunker := NewChunker(s.counter, nil, zerolog.Nop(), maxTokens, singleMax)
	chunks := chunker.Pack(context.Background(), []SessionInput{small1, big, small2})
	s.Equal([][]string{{"small1"}, {"big"}, {"small2"}}, s.ids(chunks))
}

func (s *ChunkerSuite) TestOversizeSessionDropped() {
	small := testSession("small", 2, true)
	big := testSession("big", 40, true)

	maxTokens := s.template + s.cost(small) + 1
	singleMax := s.template + s.cost(big) - 1

	chunker := NewChunker(s.counter, nil, zerolog.Nop(), maxTokens, singleMax)
	chunks := chunker.Pack(context.Background(), []SessionInput{small, big})
	s.Equal([][]string{{"small"}}, s.ids(chunks))
}

func (s *ChunkerSuite) TestEmptyInput() {
	chunker := NewChunker(s.counter, nil, zerolog.Nop(), 1000, 2000)
	s.Empty(chunker.Pack(context.Background(), nil))
}
