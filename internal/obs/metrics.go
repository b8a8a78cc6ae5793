// Package obs provides OpenTelemetry metrics for replaylens.
//
// Everything recorded here is observability only; no pipeline decision ever
// reads these counters back.
package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the pipeline's instruments.
type Metrics struct {
	inputTokens     metric.Int64Counter
	outputTokens    metric.Int64Counter
	emissions       metric.Int64Counter
	chunkOutcomes   metric.Int64Counter
	streamRetries   metric.Int64Counter
	sessionsDropped metric.Int64Counter
}

// NewMetrics registers the pipeline instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("replaylens")

	m := &Metrics{}
	var err error
	if m.inputTokens, err = meter.Int64Counter("replaylens.llm.input_tokens"); err != nil {
		return nil, err
	}
	if m.outputTokens, err = meter.Int64Counter("replaylens.llm.output_tokens"); err != nil {
		return nil, err
	}
	if m.emissions, err = meter.Int64Counter("replaylens.stream.emissions"); err != nil {
		return nil, err
	}
	if m.chunkOutcomes, err = meter.Int64Counter("replaylens.assignment.chunks"); err != nil {
		return nil, err
	}
	if m.streamRetries, err = meter.Int64Counter("replaylens.stream.retries"); err != nil {
		return nil, err
	}
	if m.sessionsDropped, err = meter.Int64Counter("replaylens.chunking.sessions_dropped"); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTokens accumulates provider-reported token usage for one call.
func (m *Metrics) RecordTokens(ctx context.Context, stage string, input, output int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.inputTokens.Add(ctx, int64(input), attrs)
	m.outputTokens.Add(ctx, int64(output), attrs)
}

// RecordEmission counts one streamed partial or final emission.
func (m *Metrics) RecordEmission(ctx context.Context, final bool) {
	if m == nil {
		return
	}
	m.emissions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", final)))
}

// RecordChunkOutcome counts one assignment chunk completion.
func (m *Metrics) RecordChunkOutcome(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	m.chunkOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", ok)))
}

// RecordStreamRetry counts one whole-call stream retry.
func (m *Metrics) RecordStreamRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.streamRetries.Add(ctx, 1)
}

// RecordSessionDropped counts a session excluded for exceeding every budget.
func (m *Metrics) RecordSessionDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsDropped.Add(ctx, 1)
}
