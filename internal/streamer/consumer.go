package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/replaylens/replaylens/internal/llm"
	"github.com/replaylens/replaylens/internal/obs"
	"github.com/replaylens/replaylens/internal/promptdata"
	"github.com/replaylens/replaylens/pkg/models"
)

// SSE event labels on the consumer-facing wire.
const (
	EventSummaryStream = "session-summary-stream"
	EventSummaryError  = "session-summary-error"
)

// EmitFunc receives labeled emissions as the stream progresses. The terminal
// emission always supersedes all partials.
type EmitFunc func(label string, payload any)

// Options tunes a Consumer.
type Options struct {
	// MaxAttempts bounds whole-call retries (default 3).
	MaxAttempts int
	// RetryDelay is the fixed component of the backoff (default 2s); a
	// uniform jitter of up to the same amount is added.
	RetryDelay time.Duration
	// Heartbeat, when set, is invoked once per received fragment so the
	// hosting activity can signal liveness well under its timeout.
	Heartbeat func()
}

// Result is the outcome of one successful consumer run.
type Result struct {
	Summary  *models.SessionSummary
	Enriched *EnrichedSummary
	Usage    llm.Usage
	Attempts int
}

// Consumer drives one streaming summarization call: it accumulates
// fragments, tolerantly parses the partial buffer, validates, and emits
// monotonically growing enriched views.
//
// Mid-stream schema and hallucination failures are absorbed on the
// assumption that later fragments self-correct them. That assumption is
// unverified; a persistently hallucinating model only surfaces at final
// validation, which is why absorbed failures are still debug-logged.
type Consumer struct {
	transport llm.Transport
	metrics   *obs.Metrics
	log       zerolog.Logger
	opts      Options
}

// NewConsumer creates a Consumer. metrics may be nil.
func NewConsumer(transport llm.Transport, metrics *obs.Metrics, log zerolog.Logger, opts Options) *Consumer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	return &Consumer{transport: transport, metrics: metrics, log: log, opts: opts}
}

// Run executes the whole call with retries. Transient provider errors and
// end-of-stream validation failures both retry the entire call; exhaustion
// returns a fatal error.
func (c *Consumer) Run(ctx context.Context, ds *models.PromptDataset, emit EmitFunc) (*Result, error) {
	prompt := promptdata.BuildSummaryPrompt(ds)
	index := datasetIndex(ds)
	allowed := ds.AllowedEvents()

	var lastErr error
	var idle time.Duration
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		result, lastFragment, err := c.runOnce(ctx, ds, prompt, index, allowed, emit)
		if err == nil {
			result.Attempts = attempt
			return result, nil
		}
		lastErr = err
		idle = time.Since(lastFragment)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.metrics.RecordStreamRetry(ctx)
		c.log.Warn().
			Str("session_id", ds.SessionID).
			Int("attempt", attempt).
			Err(err).
			Msg("summary stream failed, retrying whole call")

		if attempt < c.opts.MaxAttempts {
			select {
			case <-time.After(c.retryDelay()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	err := fmt.Errorf("summary stream exhausted after %d attempts (idle %s): %w",
		c.opts.MaxAttempts, idle.Round(time.Millisecond), lastErr)
	c.log.Error().
		Str("session_id", ds.SessionID).
		Int("attempts", c.opts.MaxAttempts).
		Dur("idle", idle).
		Err(lastErr).
		Msg("summary stream failed fatally")
	emit(EventSummaryError, map[string]any{"session_id": ds.SessionID, "error": err.Error()})
	return nil, err
}

// retryDelay is the fixed delay plus uniform random jitter.
func (c *Consumer) retryDelay() time.Duration {
	return c.opts.RetryDelay + time.Duration(rand.Int63n(int64(c.opts.RetryDelay)))
}

// runOnce performs a single streaming call end to end. It returns the time
// of the last received fragment so the caller can report idle time.
func (c *Consumer) runOnce(ctx context.Context, ds *models.PromptDataset, prompt string, index map[string]eventDetail, allowed map[string]struct{}, emit EmitFunc) (*Result, time.Time, error) {
	lastFragment := time.Now()

	stream, err := c.transport.Stream(ctx, prompt, promptdata.SummarySystemPrompt)
	if err != nil {
		return nil, lastFragment, err
	}
	defer stream.Close()

	var buffer string
	var usage llm.Usage
	var lastEmitted []byte

	// Fragments are processed strictly in order: fragment N+1 never starts
	// before fragment N's state transition completed.
	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, lastFragment, err
		}
		lastFragment = time.Now()
		usage.Add(frag.Usage)
		if c.opts.Heartbeat != nil {
			c.opts.Heartbeat()
		}
		if frag.Text == "" {
			continue
		}
		buffer += frag.Text

		summary, outcome := TryParse(buffer)
		if outcome != ParseComplete {
			continue
		}
		if err := Validate(summary, allowed); err != nil {
			// Absorbed: later fragments may correct a truncated reference.
			c.log.Debug().
				Str("session_id", ds.SessionID).
				Err(err).
				Msg("mid-stream validation failure absorbed")
			continue
		}

		enriched := Enrich(summary, ds, index)
		payload, err := json.Marshal(enriched)
		if err != nil {
			return nil, lastFragment, fmt.Errorf("marshal emission: %w", err)
		}
		// Monotonic: identical consecutive parses make no emission.
		if string(payload) == string(lastEmitted) {
			continue
		}
		lastEmitted = payload
		c.metrics.RecordEmission(ctx, false)
		emit(EventSummaryStream, enriched)
	}

	c.metrics.RecordTokens(ctx, "session-summary", usage.InputTokens, usage.OutputTokens)

	// Stream closed: the full buffer must parse and validate. Failures here
	// are terminal for this attempt, not absorbed.
	summary, outcome := TryParse(buffer)
	switch outcome {
	case ParseComplete:
	case ParseMalformed:
		return nil, lastFragment, &SchemaError{Reason: "final buffer does not fit the summary schema"}
	default:
		return nil, lastFragment, &SchemaError{Reason: "final buffer is not parseable"}
	}
	if len(summary.Segments) == 0 {
		return nil, lastFragment, &SchemaError{Reason: "final summary has no segments"}
	}
	if err := Validate(summary, allowed); err != nil {
		return nil, lastFragment, err
	}

	enriched := Enrich(summary, ds, index)
	payload, err := json.Marshal(enriched)
	if err != nil {
		return nil, lastFragment, fmt.Errorf("marshal emission: %w", err)
	}
	// The terminal result supersedes all partials, but an emission identical
	// to the last partial would be a duplicate.
	if string(payload) != string(lastEmitted) {
		c.metrics.RecordEmission(ctx, true)
		emit(EventSummaryStream, enriched)
	}

	return &Result{Summary: summary, Enriched: enriched, Usage: usage}, lastFragment, nil
}

// Retryable reports whether a terminal consumer error may be retried by a
// hosting workflow step (transient transport, schema, or hallucination
// errors) as opposed to being escalated immediately.
func Retryable(err error) bool {
	var schemaErr *SchemaError
	var hallErr *HallucinationError
	if errors.As(err, &schemaErr) || errors.As(err, &hallErr) {
		return true
	}
	return llm.IsTransient(err)
}
