package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/replaylens/replaylens/internal/db"
	"github.com/replaylens/replaylens/internal/llm"
	"github.com/replaylens/replaylens/internal/obs"
	"github.com/replaylens/replaylens/internal/promptdata"
	"github.com/replaylens/replaylens/internal/source"
	"github.com/replaylens/replaylens/internal/statecache"
	"github.com/replaylens/replaylens/internal/streamer"
	"github.com/replaylens/replaylens/pkg/models"
)

// SessionConfig tunes the single-session workflow.
type SessionConfig struct {
	TeamID     int64
	ContextKey string
	Model      string

	PageSize    int
	IgnoreTypes []string
	ExtraFields []string

	CacheTTL      time.Duration
	StepTimeout   time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// rawSession is the cached product of the fetch step: everything needed to
// rebuild the prompt dataset without touching the data source again.
type rawSession struct {
	Meta *source.Metadata   `json:"meta"`
	Page *source.EventsPage `json:"page"`
}

// SessionWorkflow turns one session's raw events into a persisted,
// validated summary. Every step is idempotent: a re-run after any partial
// failure resumes from durable state and the cache rather than repeating
// completed work.
type SessionWorkflow struct {
	src       source.DataSource
	cache     *statecache.Cache
	store     *db.SummaryStore
	transport llm.Transport
	metrics   *obs.Metrics
	log       zerolog.Logger
	cfg       SessionConfig

	sf       singleflight.Group
	lastBeat atomic.Int64
}

// NewSessionWorkflow creates a SessionWorkflow. metrics may be nil.
func NewSessionWorkflow(src source.DataSource, cache *statecache.Cache, store *db.SummaryStore, transport llm.Transport, metrics *obs.Metrics, log zerolog.Logger, cfg SessionConfig) *SessionWorkflow {
	return &SessionWorkflow{
		src:       src,
		cache:     cache,
		store:     store,
		transport: transport,
		metrics:   metrics,
		log:       log.With().Int64("team_id", cfg.TeamID).Logger(),
		cfg:       cfg,
	}
}

// Run executes the workflow for one session: fetch-and-cache, generate or
// retrieve the summary, then the secondary validation pass. It either
// returns one complete, schema-valid summary or an error; there is no
// partial success. Concurrent runs for the same session collapse into one.
func (w *SessionWorkflow) Run(ctx context.Context, sessionID string, emit streamer.EmitFunc) (*models.SessionSummary, error) {
	if emit == nil {
		emit = func(string, any) {}
	}
	key := fmt.Sprintf("%d:%s:%s", w.cfg.TeamID, sessionID, w.cfg.ContextKey)
	v, err, _ := w.sf.Do(key, func() (any, error) {
		return w.run(ctx, sessionID, emit)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.SessionSummary), nil
}

func (w *SessionWorkflow) run(ctx context.Context, sessionID string, emit streamer.EmitFunc) (*models.SessionSummary, error) {
	rec, err := w.store.GetSummary(ctx, w.cfg.TeamID, sessionID, w.cfg.ContextKey)
	if err != nil {
		return nil, fmt.Errorf("check durable summary: %w", err)
	}

	if rec == nil {
		// Fetch is skipped entirely when a durable summary already exists.
		raw, err := w.fetchAndCache(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		rec, err = w.summarize(ctx, sessionID, raw, emit)
		if err != nil {
			return nil, err
		}
	}

	return w.finalize(ctx, sessionID, rec)
}

// fetchAndCache loads the session's metadata and full event pages, caching
// the result so a retried workflow skips the data source. "No events" is
// not retryable: there is nothing to summarize.
func (w *SessionWorkflow) fetchAndCache(ctx context.Context, sessionID string) (*rawSession, error) {
	key := statecache.SessionKey(statecache.StageRawEvents, w.cfg.TeamID, sessionID)
	if payload, err := w.cache.Get(ctx, key); err == nil {
		var raw rawSession
		if err := json.Unmarshal(payload, &raw); err == nil && raw.Page != nil && raw.Meta != nil {
			return &raw, nil
		}
	}

	var raw rawSession
	step := Activity{
		Name:        "fetch-session-events",
		Timeout:     w.cfg.StepTimeout,
		MaxAttempts: w.cfg.RetryAttempts,
		RetryDelay:  w.cfg.RetryDelay,
		Retryable:   func(err error) bool { return !errors.Is(err, source.ErrNoData) },
	}
	err := step.Run(ctx, w.log, func(ctx context.Context) error {
		meta, err := w.src.GetMetadata(ctx, w.cfg.TeamID, sessionID)
		if err != nil {
			return err
		}
		if meta == nil {
			return source.ErrNoData
		}
		page, err := source.FetchAllEvents(ctx, w.src, w.cfg.TeamID, sessionID, w.cfg.PageSize, w.cfg.IgnoreTypes, w.cfg.ExtraFields)
		if err != nil {
			return err
		}
		raw = rawSession{Meta: meta, Page: page}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(&raw); err == nil {
		if err := w.cache.Store(ctx, key, payload, w.cfg.CacheTTL); err != nil {
			w.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to cache raw events")
		}
	}
	return &raw, nil
}

// summarize produces the durable summary row: from the hand-off cache when a
// previous attempt finished streaming but failed to persist, otherwise by
// invoking the streaming consumer.
func (w *SessionWorkflow) summarize(ctx context.Context, sessionID string, raw *rawSession, emit streamer.EmitFunc) (*db.SummaryRecord, error) {
	key := statecache.SessionKey(statecache.StageSessionSummary, w.cfg.TeamID, sessionID)
	if payload, err := w.cache.Get(ctx, key); err == nil {
		var summary models.SessionSummary
		if err := json.Unmarshal(payload, &summary); err == nil && len(summary.Segments) > 0 {
			return w.persist(ctx, sessionID, &summary, db.SummaryMetadata{Model: w.cfg.Model})
		}
	}

	ds, err := promptdata.Build(sessionID, raw.Meta, raw.Page)
	if err != nil {
		return nil, err
	}

	consumer := streamer.NewConsumer(w.transport, w.metrics, w.log, streamer.Options{
		MaxAttempts: w.cfg.RetryAttempts,
		RetryDelay:  w.cfg.RetryDelay,
		Heartbeat:   w.beat,
	})

	var result *streamer.Result
	step := Activity{Name: "summarize-session", Timeout: w.cfg.StepTimeout}
	err = step.Run(ctx, w.log, func(ctx context.Context) error {
		var err error
		result, err = consumer.Run(ctx, ds, emit)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Hand-off: if the persist below fails, the next run skips the LLM.
	if payload, err := json.Marshal(result.Summary); err == nil {
		if err := w.cache.Store(ctx, key, payload, w.cfg.CacheTTL); err != nil {
			w.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to cache summary")
		}
	}

	return w.persist(ctx, sessionID, result.Summary, db.SummaryMetadata{
		Model:        w.cfg.Model,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		Attempts:     result.Attempts,
	})
}

func (w *SessionWorkflow) persist(ctx context.Context, sessionID string, summary *models.SessionSummary, meta db.SummaryMetadata) (*db.SummaryRecord, error) {
	rec, err := w.store.AddSummary(ctx, w.cfg.TeamID, sessionID, w.cfg.ContextKey, summary, meta)
	if err != nil {
		return nil, fmt.Errorf("persist summary: %w", err)
	}
	return rec, nil
}

// finalize is the secondary validation pass. Already-validated rows are
// returned as-is; otherwise the stored payload is structurally re-checked
// and the row flagged.
func (w *SessionWorkflow) finalize(ctx context.Context, sessionID string, rec *db.SummaryRecord) (*models.SessionSummary, error) {
	summary, err := rec.DecodeSummary()
	if err != nil {
		return nil, fmt.Errorf("decode stored summary: %w", err)
	}
	if rec.Validated {
		return summary, nil
	}

	if err := checkStored(summary); err != nil {
		return nil, fmt.Errorf("stored summary for %s invalid: %w", sessionID, err)
	}
	if err := w.store.MarkValidated(ctx, w.cfg.TeamID, sessionID, w.cfg.ContextKey); err != nil {
		return nil, fmt.Errorf("mark validated: %w", err)
	}
	return summary, nil
}

// checkStored re-checks the structural invariants of a persisted summary:
// at least one segment, and every key-action and outcome group referencing
// a declared segment.
func checkStored(summary *models.SessionSummary) error {
	if len(summary.Segments) == 0 {
		return errors.New("no segments")
	}
	for _, group := range summary.KeyActions {
		if summary.SegmentByIndex(group.SegmentIndex) == nil {
			return fmt.Errorf("key actions reference undeclared segment %d", group.SegmentIndex)
		}
	}
	for _, outcome := range summary.SegmentOutcomes {
		if summary.SegmentByIndex(outcome.SegmentIndex) == nil {
			return fmt.Errorf("outcome references undeclared segment %d", outcome.SegmentIndex)
		}
	}
	return nil
}

func (w *SessionWorkflow) beat() {
	w.lastBeat.Store(time.Now().UnixNano())
}

// LastHeartbeat reports when the streaming step last received a fragment.
// Zero when no stream has started.
func (w *SessionWorkflow) LastHeartbeat() time.Time {
	n := w.lastBeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
