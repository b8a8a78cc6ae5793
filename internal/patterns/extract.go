package patterns

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/replaylens/replaylens/internal/statecache"
	"github.com/replaylens/replaylens/pkg/models"
)

// patternList is the YAML response shape of extraction and combination calls.
type patternList struct {
	Patterns []models.Pattern `yaml:"patterns"`
}

// parsePatterns parses and validates an extraction/combination response.
func parsePatterns(text string) ([]models.Pattern, error) {
	var list patternList
	if err := yaml.Unmarshal([]byte(stripFence(text)), &list); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("not parseable: %v", err)}
	}
	if len(list.Patterns) == 0 {
		return nil, &ValidationError{Reason: "empty pattern list"}
	}

	seen := make(map[int]struct{}, len(list.Patterns))
	for _, p := range list.Patterns {
		if p.ID < 1 {
			return nil, &ValidationError{Reason: fmt.Sprintf("pattern id %d below 1", p.ID)}
		}
		if _, dup := seen[p.ID]; dup {
			return nil, &ValidationError{Reason: fmt.Sprintf("duplicate pattern id %d", p.ID)}
		}
		seen[p.ID] = struct{}{}
		if p.Name == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("pattern %d has no name", p.ID)}
		}
		if !p.Severity.Valid() {
			return nil, &ValidationError{Reason: fmt.Sprintf("pattern %d has unknown severity %q", p.ID, p.Severity)}
		}
		if len(p.Indicators) == 0 {
			return nil, &ValidationError{Reason: fmt.Sprintf("pattern %d has no indicators", p.ID)}
		}
	}
	return list.Patterns, nil
}

// stripFence removes a surrounding ```yaml code fence, if any.
func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if newline := strings.IndexByte(s, '\n'); newline >= 0 {
		s = s[newline+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return s
}

// extractChunk runs one extraction call for a chunk.
func (p *Pipeline) extractChunk(ctx context.Context, chunk Chunk) ([]models.Pattern, error) {
	text, usage, err := p.transport.Complete(ctx, BuildExtractionPrompt(chunk.renderedBlocks()), ExtractionSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}
	p.metrics.RecordTokens(ctx, "pattern-extraction", usage.InputTokens, usage.OutputTokens)
	return parsePatterns(text)
}

// combine merges per-chunk pattern lists into the final list. With a single
// chunk the merge call is skipped entirely and the lone list passes through
// unchanged. Multi-chunk results are cached keyed by the full session-id
// set, so a retried group workflow re-enters without repeating the call.
func (p *Pipeline) combine(ctx context.Context, chunkLists [][]models.Pattern, sessionIDs []string) ([]models.Pattern, error) {
	if len(chunkLists) == 1 {
		return chunkLists[0], nil
	}

	key := statecache.GroupKey(statecache.StageCombinedPatterns, p.cfg.TeamID, sessionIDs)
	if cached, err := p.cache.Get(ctx, key); err == nil {
		var patterns []models.Pattern
		if err := json.Unmarshal(cached, &patterns); err == nil {
			return patterns, nil
		}
		// Undecodable cache entries are treated as misses.
	}

	text, usage, err := p.transport.Complete(ctx, BuildCombinationPrompt(chunkLists), CombinationSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("combination call: %w", err)
	}
	p.metrics.RecordTokens(ctx, "pattern-combination", usage.InputTokens, usage.OutputTokens)

	patterns, err := parsePatterns(text)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(patterns); err == nil {
		if err := p.cache.Store(ctx, key, payload, p.cfg.CacheTTL); err != nil {
			p.log.Warn().Err(err).Msg("failed to cache combined patterns")
		}
	}
	return patterns, nil
}
