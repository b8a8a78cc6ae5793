package streamer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/replaylens/replaylens/internal/llm"
	"github.com/replaylens/replaylens/pkg/models"
)

// fakeStream replays a scripted fragment sequence.
type fakeStream struct {
	frags []llm.Fragment
	err   error
	pos   int
}

func (f *fakeStream) Recv() (llm.Fragment, error) {
	if f.pos < len(f.frags) {
		frag := f.frags[f.pos]
		f.pos++
		return frag, nil
	}
	if f.err != nil {
		err := f.err
		f.err = nil
		return llm.Fragment{}, err
	}
	return llm.Fragment{}, io.EOF
}

func (f *fakeStream) Close() error { return nil }

// fakeTransport hands out one scripted stream per call.
type fakeTransport struct {
	streams []*fakeStream
	calls   int
}

func (t *fakeTransport) Complete(ctx context.Context, prompt, system string) (string, llm.Usage, error) {
	return "", llm.Usage{}, nil
}

func (t *fakeTransport) Stream(ctx context.Context, prompt, system string) (llm.FragmentStream, error) {
	stream := t.streams[t.calls]
	t.calls++
	return stream, nil
}

// emission records one labeled emit call.
type emission struct {
	label   string
	payload any
}

// ConsumerSuite is a test suite for the streaming consumer.
type ConsumerSuite struct {
	suite.Suite
	ds        *models.PromptDataset
	emissions []emission
}

func (s *ConsumerSuite) SetupTest() {
	s.emissions = nil

	urls := models.NewMapping("url")
	urls.Add("https://shop.test/cart")
	windows := models.NewMapping("window")
	windows.Add("w-1")

	s.ds = &models.PromptDataset{
		SessionID: "sess-1",
		Columns:   []string{"event_id", "event", "timestamp", "$current_url", "$window_id", "repetition_count"},
		Rows: [][]any{
			{"e1", "$pageview", int64(0), "url_1", "window_1", nil},
			{"e2", "click", int64(4200), "url_1", "window_1", nil},
			{"e3", "$pageleave", int64(9000), "url_1", "window_1", nil},
		},
		URLMapping:    urls,
		WindowMapping: windows,
		EventIDs:      []string{"e1", "e2", "e3"},
	}
}

func TestConsumerSuite(t *testing.T) {
	suite.Run(t, new(ConsumerSuite))
}

func (s *ConsumerSuite) emit(label string, payload any) {
	s.emissions = append(s.emissions, emission{label: label, payload: payload})
}

func (s *ConsumerSuite) consumer(transport llm.Transport) *Consumer {
	return NewConsumer(transport, nil, zerolog.Nop(), Options{RetryDelay: time.Millisecond})
}

func frags(texts ...string) []llm.Fragment {
	out := make([]llm.Fragment, len(texts))
	for i, text := range texts {
		out[i] = llm.Fragment{Text: text, Usage: llm.Usage{OutputTokens: 1}}
	}
	return out
}

// TestSingleEmissionWhenOnlyFinalFragmentValidates covers the case where
// fragments form a valid document only once the last one arrives, so exactly
// one emission occurs.
func (s *ConsumerSuite) TestSingleEmissionWhenOnlyFinalFragmentValidates() {
	transport := &fakeTransport{streams: []*fakeStream{
		{frags: frags(
			"```yaml\nsegm",
			"ents:\n  - ind",
			validDoc[len("segments:\n  - ind"):],
		)},
	}}

	result, err := s.consumer(transport).Run(context.Background(), s.ds, s.emit)
	s.Require().NoError(err)
	s.Equal(1, result.Attempts)

	s.Require().Len(s.emissions, 1)
	s.Equal(EventSummaryStream, s.emissions[0].label)
	enriched := s.emissions[0].payload.(*EnrichedSummary)
	s.Equal("sess-1", enriched.SessionID)
}

// TestMonotonicEmissions tests that each emission strictly grows and the
// last one equals parsing the fully concatenated buffer.
func (s *ConsumerSuite) TestMonotonicEmissions() {
	part1 := `segments:
  - index: 0
    name: "Browse"
    start_event_id: "e1"
    end_event_id: "e3"
`
	part2 := `key_actions:
  - segment_index: 0
    events:
      - event_id: "e2"
        description: "clicked add to cart"
session_outcome:
  success: true
  description: "done"
`
	transport := &fakeTransport{streams: []*fakeStream{
		{frags: frags(part1, part2)},
	}}

	result, err := s.consumer(transport).Run(context.Background(), s.ds, s.emit)
	s.Require().NoError(err)

	s.Require().Len(s.emissions, 2)
	first := s.emissions[0].payload.(*EnrichedSummary)
	last := s.emissions[1].payload.(*EnrichedSummary)
	s.Empty(first.KeyActions)
	s.Len(last.KeyActions, 1)

	// Terminal emission equals the full-buffer parse.
	full, outcome := TryParse(part1 + part2)
	s.Require().Equal(ParseComplete, outcome)
	s.Equal(full.SessionOutcome, last.SessionOutcome)
	s.Equal(result.Enriched, last)
}

// TestEnrichment tests placeholder resolution and ms offsets on emissions.
func (s *ConsumerSuite) TestEnrichment() {
	transport := &fakeTransport{streams: []*fakeStream{{frags: frags(validDoc)}}}

	result, err := s.consumer(transport).Run(context.Background(), s.ds, s.emit)
	s.Require().NoError(err)

	action := result.Enriched.KeyActions[0].Events[0]
	s.Equal("e2", action.EventID)
	s.Equal("https://shop.test/cart", action.URL)
	s.Equal("w-1", action.WindowID)
	s.Equal(int64(4200), action.MsSinceStart)
	s.Equal("click", action.Event)
}

// TestHallucinationAbsorbedMidStreamTerminalAtEnd tests the dual behavior:
// an unknown event id is absorbed while streaming but fails the whole call
// at stream end, and the call is retried to exhaustion.
func (s *ConsumerSuite) TestHallucinationAbsorbedMidStreamTerminalAtEnd() {
	badDoc := `segments:
  - index: 0
    name: "Browse"
    start_event_id: "e1"
    end_event_id: "e3"
key_actions:
  - segment_index: 0
    events:
      - event_id: "hallucinated"
        description: "never happened"
`
	transport := &fakeTransport{streams: []*fakeStream{
		{frags: frags(badDoc)},
		{frags: frags(badDoc)},
		{frags: frags(badDoc)},
	}}

	_, err := s.consumer(transport).Run(context.Background(), s.ds, s.emit)
	s.Require().Error(err)

	var hallErr *HallucinationError
	s.ErrorAs(err, &hallErr)
	s.Contains(err.Error(), "3 attempts")
	s.Equal(3, transport.calls)

	// No summary emission ever carried the hallucinated id; only the
	// terminal error frame went out.
	s.Require().Len(s.emissions, 1)
	s.Equal(EventSummaryError, s.emissions[0].label)
}

// TestTransientErrorRetriesThenSucceeds tests whole-call retry on a
// transient transport failure.
func (s *ConsumerSuite) TestTransientErrorRetriesThenSucceeds() {
	transport := &fakeTransport{streams: []*fakeStream{
		{frags: frags("segments:\n"), err: &llm.APIError{StatusCode: 529}},
		{frags: frags(validDoc)},
	}}

	result, err := s.consumer(transport).Run(context.Background(), s.ds, s.emit)
	s.Require().NoError(err)
	s.Equal(2, result.Attempts)
	s.Equal(2, transport.calls)
}

// TestUsageAccumulated tests token usage bookkeeping across fragments.
func (s *ConsumerSuite) TestUsageAccumulated() {
	stream := &fakeStream{frags: []llm.Fragment{
		{Text: "", Usage: llm.Usage{InputTokens: 50}},
		{Text: validDoc, Usage: llm.Usage{OutputTokens: 120}},
	}}
	transport := &fakeTransport{streams: []*fakeStream{stream}}

	result, err := s.consumer(transport).Run(context.Background(), s.ds, s.emit)
	s.Require().NoError(err)
	s.Equal(50, result.Usage.InputTokens)
	s.Equal(120, result.Usage.OutputTokens)
}

// TestHeartbeat tests the liveness hook fires per fragment.
func (s *ConsumerSuite) TestHeartbeat() {
	beats := 0
	transport := &fakeTransport{streams: []*fakeStream{{frags: frags("segments:\n", validDoc)}}}
	consumer := NewConsumer(transport, nil, zerolog.Nop(), Options{
		RetryDelay: time.Millisecond,
		Heartbeat:  func() { beats++ },
	})

	_, err := consumer.Run(context.Background(), s.ds, s.emit)
	s.Require().NoError(err)
	s.Equal(2, beats)
}
