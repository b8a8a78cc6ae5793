package patterns

import (
	"context"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/replaylens/replaylens/pkg/models"
)

// assignmentList is the YAML response shape of assignment calls.
type assignmentList struct {
	Assignments []models.PatternAssignment `yaml:"assignments"`
}

// parseAssignments parses one assignment response and drops references to
// unknown pattern ids.
func parseAssignments(text string, known map[int]struct{}) ([]models.PatternAssignment, error) {
	var list assignmentList
	if err := yaml.Unmarshal([]byte(stripFence(text)), &list); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("assignment not parseable: %v", err)}
	}
	out := make([]models.PatternAssignment, 0, len(list.Assignments))
	for _, a := range list.Assignments {
		if _, ok := known[a.PatternID]; !ok {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// chunkResult is one assignment chunk's outcome.
type chunkResult struct {
	assignments []models.PatternAssignment
	err         error
}

// assign fans out one LLM call per fixed-size batch of sessions, running
// them concurrently. One chunk's failure never cancels its siblings; only
// successful chunks are aggregated. If fewer than ceil(total × minRatio)
// chunks succeed, the whole step fails with a ThresholdError.
//
// Cancellation stops issuing new chunk calls, but chunks already in flight
// run to completion so their spend is not wasted.
func (p *Pipeline) assign(ctx context.Context, patterns []models.Pattern, entries []entry, progress func(done, total int)) (map[int][]string, error) {
	known := make(map[int]struct{}, len(patterns))
	for _, pat := range patterns {
		known[pat.ID] = struct{}{}
	}

	batches := batchEntries(entries, p.cfg.AssignmentChunkSize)
	total := len(batches)
	results := make([]chunkResult, total)

	// Detached context: in-flight calls outlive a cancellation.
	callCtx := context.WithoutCancel(ctx)

	var group errgroup.Group
	group.SetLimit(total)
	var mu sync.Mutex
	done := 0
	for i, batch := range batches {
		if ctx.Err() != nil {
			// Stop issuing new calls; unlaunched chunks count as failed.
			for j := i; j < total; j++ {
				results[j] = chunkResult{err: ctx.Err()}
			}
			break
		}

		i, batch := i, batch
		group.Go(func() error {
			assignments, err := p.assignChunk(callCtx, patterns, batch, known)
			results[i] = chunkResult{assignments: assignments, err: err}

			mu.Lock()
			done++
			if progress != nil {
				progress(done, total)
			}
			mu.Unlock()
			// Errors are captured per chunk, never returned: returning one
			// would make the barrier report failure for healthy siblings.
			return nil
		})
	}
	_ = group.Wait()

	merged := make(map[int][]string)
	for _, pat := range patterns {
		merged[pat.ID] = nil
	}
	succeeded := 0
	for _, result := range results {
		p.metrics.RecordChunkOutcome(ctx, result.err == nil)
		if result.err != nil {
			p.log.Warn().Err(result.err).Msg("assignment chunk failed")
			continue
		}
		succeeded++
		for _, a := range result.assignments {
			merged[a.PatternID] = append(merged[a.PatternID], a.EventIDs...)
		}
	}

	required := int(math.Ceil(float64(total) * p.cfg.AssignmentMinRatio))
	if succeeded < required {
		return nil, &ThresholdError{Succeeded: succeeded, Required: required, Total: total}
	}
	return merged, nil
}

// assignChunk runs one assignment call for a batch of sessions.
func (p *Pipeline) assignChunk(ctx context.Context, patterns []models.Pattern, batch []entry, known map[int]struct{}) ([]models.PatternAssignment, error) {
	blocks := make([]string, len(batch))
	for i, e := range batch {
		blocks[i] = e.rendered
	}

	text, usage, err := p.transport.Complete(ctx, BuildAssignmentPrompt(patterns, blocks), AssignmentSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("assignment call: %w", err)
	}
	p.metrics.RecordTokens(ctx, "pattern-assignment", usage.InputTokens, usage.OutputTokens)
	return parseAssignments(text, known)
}

// batchEntries splits entries into fixed-size (by count) batches.
func batchEntries(entries []entry, size int) [][]entry {
	if size <= 0 {
		size = 1
	}
	var batches [][]entry
	for start := 0; start < len(entries); start += size {
		end := start + size
		if end > len(entries) {
			end = len(entries)
		}
		batches = append(batches, entries[start:end])
	}
	return batches
}
