// Package patterns turns a group of session summaries into cross-session
// behavioral patterns: token-budget chunking, per-chunk extraction,
// cross-chunk combination, concurrent event assignment, enrichment and
// aggregation.
package patterns

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/replaylens/replaylens/internal/llm"
	"github.com/replaylens/replaylens/internal/obs"
	"github.com/replaylens/replaylens/internal/statecache"
	"github.com/replaylens/replaylens/internal/tokens"
	"github.com/replaylens/replaylens/pkg/models"
)

// Stage labels reported through Hooks.StageChanged, in run order.
const (
	StageChunking    = "chunking"
	StageExtraction  = "extraction"
	StageCombination = "combination"
	StageAssignment  = "assignment"
	StageEnrichment  = "enrichment"
	StageAggregation = "aggregation"
)

// Config tunes one pattern extraction run.
type Config struct {
	TeamID                 int64
	MaxTokens              int
	SingleSessionMaxTokens int
	AssignmentChunkSize    int
	AssignmentMinRatio     float64
	CacheTTL               time.Duration
}

// Hooks receive progress signals during a run. Nil fields are skipped.
type Hooks struct {
	StageChanged       func(stage string)
	AssignmentProgress func(done, total int)
}

// Pipeline runs the extraction steps for one group of summarized sessions.
type Pipeline struct {
	transport llm.Transport
	cache     *statecache.Cache
	chunker   *Chunker
	metrics   *obs.Metrics
	log       zerolog.Logger
	cfg       Config
}

// NewPipeline creates a Pipeline.
func NewPipeline(transport llm.Transport, cache *statecache.Cache, counter *tokens.Counter, metrics *obs.Metrics, log zerolog.Logger, cfg Config) *Pipeline {
	return &Pipeline{
		transport: transport,
		cache:     cache,
		chunker:   NewChunker(counter, metrics, log, cfg.MaxTokens, cfg.SingleSessionMaxTokens),
		metrics:   metrics,
		log:       log,
		cfg:       cfg,
	}
}

// Run executes the full pipeline over the given sessions and returns the
// final pattern list, sorted by severity. Sessions dropped during chunking
// are excluded from every downstream count, including stats denominators.
func (p *Pipeline) Run(ctx context.Context, sessions []SessionInput, hooks Hooks) ([]models.EnrichedPattern, error) {
	stage := func(name string) {
		p.log.Debug().Str("stage", name).Msg("pattern pipeline stage")
		if hooks.StageChanged != nil {
			hooks.StageChanged(name)
		}
	}

	stage(StageChunking)
	chunks := p.chunker.Pack(ctx, sessions)
	if len(chunks) == 0 {
		return nil, &ValidationError{Reason: "no sessions fit the token budget"}
	}

	var entries []entry
	var sessionIDs []string
	for _, chunk := range chunks {
		entries = append(entries, chunk.entries...)
		sessionIDs = append(sessionIDs, chunk.SessionIDs()...)
	}

	stage(StageExtraction)
	chunkLists := make([][]models.Pattern, len(chunks))
	for i, chunk := range chunks {
		patterns, err := p.extractChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		chunkLists[i] = patterns
	}

	stage(StageCombination)
	patterns, err := p.combine(ctx, chunkLists, sessionIDs)
	if err != nil {
		return nil, err
	}

	stage(StageAssignment)
	assigned, err := p.assign(ctx, patterns, entries, hooks.AssignmentProgress)
	if err != nil {
		return nil, err
	}

	stage(StageEnrichment)
	index := buildEventIndex(entries)
	contexts := make(map[int][]models.EventContext, len(patterns))
	refs := make(map[int][]segmentRef, len(patterns))
	for _, pattern := range patterns {
		for _, qualified := range assigned[pattern.ID] {
			ec, ref, err := buildContext(qualified, index)
			if err != nil {
				return nil, err
			}
			contexts[pattern.ID] = append(contexts[pattern.ID], ec)
			refs[pattern.ID] = append(refs[pattern.ID], ref)
		}
	}

	stage(StageAggregation)
	return aggregate(patterns, contexts, refs, len(sessionIDs)), nil
}
