package patterns

import (
	"math"
	"sort"

	"github.com/replaylens/replaylens/pkg/models"
)

// aggregate computes per-pattern stats and produces the final list sorted by
// severity (ties broken by pattern id). Patterns with no assigned events keep
// all-zero stats.
func aggregate(patterns []models.Pattern, contexts map[int][]models.EventContext, refs map[int][]segmentRef, totalSessions int) []models.EnrichedPattern {
	out := make([]models.EnrichedPattern, 0, len(patterns))
	for _, pattern := range patterns {
		events := contexts[pattern.ID]

		sessions := make(map[string]struct{})
		for _, ec := range events {
			sessions[ec.SessionID] = struct{}{}
		}

		// Each (session, segment) pair counts once regardless of how many
		// events touched it.
		type pair struct {
			session string
			segment int
		}
		segments := make(map[pair]bool)
		for _, ref := range refs[pattern.ID] {
			segments[pair{ref.sessionID, ref.segment}] = ref.success
		}
		successful := 0
		for _, ok := range segments {
			if ok {
				successful++
			}
		}

		stats := models.PatternStats{
			Occurences:       len(events),
			SessionsAffected: len(sessions),
		}
		if totalSessions > 0 {
			stats.SessionsAffectedRatio = round2(float64(len(sessions)) / float64(totalSessions))
		}
		if len(segments) > 0 {
			stats.SegmentsSuccessRatio = round2(float64(successful) / float64(len(segments)))
		}

		out = append(out, models.EnrichedPattern{Pattern: pattern, Events: events, Stats: stats})
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
