package patterns

import (
	"github.com/replaylens/replaylens/pkg/models"
)

// contextWindow caps the surrounding events attached on each side of an
// enriched event.
const contextWindow = 3

// eventLocation pins one key action inside its session summary.
type eventLocation struct {
	sessionID string
	summary   *models.SessionSummary
	group     *models.SegmentKeyActions
	pos       int
}

// segmentRef identifies the (session, segment) pair an enriched event
// belongs to, carrying the segment's verdict for aggregation.
type segmentRef struct {
	sessionID string
	segment   int
	success   bool
}

// buildEventIndex builds the combined id map over every session in the run:
// qualified event id → location of the key action inside its summary.
func buildEventIndex(entries []entry) map[string]eventLocation {
	index := make(map[string]eventLocation)
	for _, e := range entries {
		summary := e.input.Summary
		for gi := range summary.KeyActions {
			group := &summary.KeyActions[gi]
			for pos := range group.Events {
				qualified := QualifyEventID(e.input.SessionID, group.Events[pos].EventID)
				index[qualified] = eventLocation{
					sessionID: e.input.SessionID,
					summary:   summary,
					group:     group,
					pos:       pos,
				}
			}
		}
	}
	return index
}

// buildContext resolves one assigned qualified event id into its full
// EventContext. A miss means the assignment references an event no summary
// declared, which is a systemic inconsistency, so it fails the whole step.
func buildContext(qualified string, index map[string]eventLocation) (models.EventContext, segmentRef, error) {
	loc, ok := index[qualified]
	if !ok {
		return models.EventContext{}, segmentRef{}, &LookupError{EventID: qualified}
	}

	action := loc.group.Events[loc.pos]
	ec := models.EventContext{
		SessionID:   loc.sessionID,
		EventID:     action.EventID,
		Description: action.Description,
		Abandonment: action.Abandonment,
		Confusion:   action.Confusion,
		Exception:   action.Exception,
	}

	start := loc.pos - contextWindow
	if start < 0 {
		start = 0
	}
	for i := start; i < loc.pos; i++ {
		sibling := loc.group.Events[i]
		ec.PreviousEvents = append(ec.PreviousEvents, models.TimelineEvent{EventID: sibling.EventID, Description: sibling.Description})
	}
	for i := loc.pos + 1; i <= loc.pos+contextWindow && i < len(loc.group.Events); i++ {
		sibling := loc.group.Events[i]
		ec.NextEvents = append(ec.NextEvents, models.TimelineEvent{EventID: sibling.EventID, Description: sibling.Description})
	}

	segIndex := loc.group.SegmentIndex
	if segment := loc.summary.SegmentByIndex(segIndex); segment != nil {
		ec.SegmentName = segment.Name
	}
	ref := segmentRef{sessionID: loc.sessionID, segment: segIndex}
	if outcome := loc.summary.OutcomeForSegment(segIndex); outcome != nil {
		ec.SegmentOutcome = outcome.Summary
		ec.SegmentSuccess = outcome.Success
		ref.success = outcome.Success
	}
	return ec, ref, nil
}
