package patterns

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/replaylens/replaylens/internal/obs"
	"github.com/replaylens/replaylens/internal/tokens"
	"github.com/replaylens/replaylens/pkg/models"
)

// SessionInput is one summarized session entering the pattern pipeline.
type SessionInput struct {
	SessionID string
	Summary   *models.SessionSummary
}

// entry is a session with its rendered prompt block and token cost.
type entry struct {
	input    SessionInput
	rendered string
	cost     int
}

// Chunk is a token-bounded batch of sessions for one extraction call.
type Chunk struct {
	entries []entry
	cost    int // Σ entry costs, template excluded
}

// SessionIDs returns the ids of the sessions packed into the chunk.
func (c *Chunk) SessionIDs() []string {
	ids := make([]string, len(c.entries))
	for i, e := range c.entries {
		ids[i] = e.input.SessionID
	}
	return ids
}

// renderedBlocks returns the prompt blocks in pack order.
func (c *Chunk) renderedBlocks() []string {
	blocks := make([]string, len(c.entries))
	for i, e := range c.entries {
		blocks[i] = e.rendered
	}
	return blocks
}

// Chunker greedily packs sessions into token-budgeted chunks.
type Chunker struct {
	counter   *tokens.Counter
	metrics   *obs.Metrics
	log       zerolog.Logger
	maxTokens int
	singleMax int
}

// NewChunker creates a Chunker. singleMax is the looser budget granted to a
// session that gets a chunk of its own.
func NewChunker(counter *tokens.Counter, metrics *obs.Metrics, log zerolog.Logger, maxTokens, singleMax int) *Chunker {
	return &Chunker{counter: counter, metrics: metrics, log: log, maxTokens: maxTokens, singleMax: singleMax}
}

// Pack splits sessions into chunks such that templateCost + Σ(member costs)
// never exceeds the budget. A session too large for a shared chunk but under
// the single-session budget gets its own chunk; a session exceeding even
// that is dropped and excluded from all downstream counts.
func (c *Chunker) Pack(ctx context.Context, sessions []SessionInput) []Chunk {
	templateCost := c.counter.Count(ExtractionTemplate())
	budget := c.maxTokens - templateCost
	singleBudget := c.singleMax - templateCost

	var chunks []Chunk
	var current Chunk
	flush := func() {
		if len(current.entries) > 0 {
			chunks = append(chunks, current)
			current = Chunk{}
		}
	}

	for _, session := range sessions {
		rendered := RenderSummary(session.SessionID, session.Summary)
		cost := c.counter.Count(rendered)
		e := entry{input: session, rendered: rendered, cost: cost}

		switch {
		case cost > singleBudget:
			c.metrics.RecordSessionDropped(ctx)
			c.log.Error().
				Str("session_id", session.SessionID).
				Int("cost", cost+templateCost).
				Int("limit", c.singleMax).
				Msg("session exceeds single-session token budget, dropped from pattern extraction")
		case cost > budget:
			flush()
			chunks = append(chunks, Chunk{entries: []entry{e}, cost: cost})
			c.log.Warn().
				Str("session_id", session.SessionID).
				Int("cost", cost+templateCost).
				Int("limit", c.maxTokens).
				Msg("session exceeds shared chunk budget, packed alone")
		case current.cost+cost > budget:
			flush()
			fallthrough
		default:
			current.entries = append(current.entries, e)
			current.cost += cost
		}
	}
	flush()
	return chunks
}
