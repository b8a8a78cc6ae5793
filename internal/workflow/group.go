package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/replaylens/replaylens/internal/patterns"
	"github.com/replaylens/replaylens/internal/streamer"
	"github.com/replaylens/replaylens/pkg/models"
)

// Group-level SSE event labels, alongside the per-session labels the
// streaming consumer emits.
const (
	EventGroupStatus   = "group-status"
	EventGroupPatterns = "group-patterns"
)

// Group run stages outside the pattern pipeline's own stage labels.
const (
	StagePending     = "pending"
	StageSummarizing = "summarizing"
	StageDone        = "done"
	StageFailed      = "failed"
)

// Status is a point-in-time snapshot of one group run.
type Status struct {
	RunID           string     `json:"run_id"`
	Stage           string     `json:"stage"`
	SessionsTotal   int        `json:"sessions_total"`
	SessionsFailed  []string   `json:"sessions_failed,omitempty"`
	AssignmentDone  int        `json:"assignment_done"`
	AssignmentTotal int        `json:"assignment_total"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// GroupWorkflow fans out one session workflow per session id, then runs the
// pattern extraction pipeline over whatever summaries succeeded. A failed
// session is excluded from extraction, not fatal to the group.
type GroupWorkflow struct {
	sessions    *SessionWorkflow
	pipeline    *patterns.Pipeline
	log         zerolog.Logger
	concurrency int

	mu   sync.Mutex
	runs map[string]Status
}

// NewGroupWorkflow creates a GroupWorkflow. concurrency bounds how many
// session workflows run at once.
func NewGroupWorkflow(sessions *SessionWorkflow, pipeline *patterns.Pipeline, log zerolog.Logger, concurrency int) *GroupWorkflow {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &GroupWorkflow{
		sessions:    sessions,
		pipeline:    pipeline,
		log:         log,
		concurrency: concurrency,
		runs:        make(map[string]Status),
	}
}

// Status returns the current snapshot for a run id.
func (g *GroupWorkflow) Status(runID string) (Status, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.runs[runID]
	return st, ok
}

// Run executes the whole group: per-session summarization fan-out, then
// pattern extraction over the successful summaries. Progress is published
// both through the returned run id's queryable status and as labeled frames
// on emit. Cancellation stops new work but lets in-flight LLM calls finish.
func (g *GroupWorkflow) Run(ctx context.Context, sessionIDs []string, emit streamer.EmitFunc) (string, []models.EnrichedPattern, error) {
	runID := uuid.NewString()
	enriched, err := g.run(ctx, runID, sessionIDs, emit)
	return runID, enriched, err
}

// Start launches the group run in the background and returns its run id
// immediately. emitter, when non-nil, is handed the run id and returns the
// emit function the run publishes its frames through.
func (g *GroupWorkflow) Start(ctx context.Context, sessionIDs []string, emitter func(runID string) streamer.EmitFunc) string {
	runID := uuid.NewString()
	var emit streamer.EmitFunc
	if emitter != nil {
		emit = emitter(runID)
	}
	// Registered before the goroutine starts so the run id is queryable
	// the moment the caller has it.
	g.update(runID, emit, func(st *Status) {
		st.RunID = runID
		st.Stage = StagePending
		st.SessionsTotal = len(sessionIDs)
		st.StartedAt = time.Now()
	})
	go func() {
		if _, err := g.run(ctx, runID, sessionIDs, emit); err != nil {
			g.log.Error().Err(err).Str("run_id", runID).Msg("group run failed")
		}
	}()
	return runID
}

func (g *GroupWorkflow) run(ctx context.Context, runID string, sessionIDs []string, emit streamer.EmitFunc) ([]models.EnrichedPattern, error) {
	if emit == nil {
		emit = func(string, any) {}
	}
	g.update(runID, emit, func(st *Status) {
		st.RunID = runID
		st.Stage = StageSummarizing
		st.SessionsTotal = len(sessionIDs)
		st.StartedAt = time.Now()
	})

	type outcome struct {
		summary *models.SessionSummary
		err     error
	}
	results := make([]outcome, len(sessionIDs))

	var eg errgroup.Group
	eg.SetLimit(g.concurrency)
	for i, id := range sessionIDs {
		i, id := i, id
		eg.Go(func() error {
			summary, err := g.sessions.Run(ctx, id, emit)
			results[i] = outcome{summary: summary, err: err}
			return nil
		})
	}
	_ = eg.Wait()

	var inputs []patterns.SessionInput
	var failed []string
	for i, r := range results {
		if r.err != nil {
			failed = append(failed, sessionIDs[i])
			g.log.Warn().Err(r.err).Str("session_id", sessionIDs[i]).Msg("session excluded from pattern extraction")
			continue
		}
		inputs = append(inputs, patterns.SessionInput{SessionID: sessionIDs[i], Summary: r.summary})
	}
	g.update(runID, emit, func(st *Status) { st.SessionsFailed = failed })

	if len(inputs) == 0 {
		err := fmt.Errorf("all %d sessions failed", len(sessionIDs))
		g.finish(runID, emit, err)
		return nil, err
	}

	enriched, err := g.pipeline.Run(ctx, inputs, patterns.Hooks{
		StageChanged: func(stage string) {
			g.update(runID, emit, func(st *Status) { st.Stage = stage })
		},
		AssignmentProgress: func(done, total int) {
			g.update(runID, emit, func(st *Status) {
				st.AssignmentDone = done
				st.AssignmentTotal = total
			})
		},
	})
	if err != nil {
		g.finish(runID, emit, err)
		return nil, err
	}

	g.finish(runID, emit, nil)
	emit(EventGroupPatterns, enriched)
	return enriched, nil
}

func (g *GroupWorkflow) update(runID string, emit streamer.EmitFunc, apply func(*Status)) {
	g.mu.Lock()
	st := g.runs[runID]
	apply(&st)
	g.runs[runID] = st
	g.mu.Unlock()
	if emit != nil {
		emit(EventGroupStatus, st)
	}
}

func (g *GroupWorkflow) finish(runID string, emit streamer.EmitFunc, err error) {
	now := time.Now()
	g.update(runID, emit, func(st *Status) {
		st.FinishedAt = &now
		if err != nil {
			st.Stage = StageFailed
			st.Error = err.Error()
		} else {
			st.Stage = StageDone
		}
	})
}
