package patterns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/replaylens/replaylens/internal/llm"
	"github.com/replaylens/replaylens/internal/statecache"
	"github.com/replaylens/replaylens/internal/tokens"
	"github.com/replaylens/replaylens/pkg/models"
)

// fakeLLM scripts completions per system prompt. The assignment response is
// chosen from the prompt content so concurrent chunk ordering cannot make
// tests flaky.
type fakeLLM struct {
	mu        sync.Mutex
	extract   []string
	combined  string
	assignFor func(prompt string) (string, error)
	calls     map[string]int
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{calls: make(map[string]int)}
}

func (f *fakeLLM) Complete(_ context.Context, prompt, system string) (string, llm.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[system]++
	switch system {
	case ExtractionSystemPrompt:
		return f.extract[f.calls[system]-1], llm.Usage{InputTokens: 10, OutputTokens: 5}, nil
	case CombinationSystemPrompt:
		return f.combined, llm.Usage{InputTokens: 10, OutputTokens: 5}, nil
	case AssignmentSystemPrompt:
		if f.assignFor == nil {
			return "assignments: []", llm.Usage{}, nil
		}
		text, err := f.assignFor(prompt)
		return text, llm.Usage{}, err
	}
	return "", llm.Usage{}, errors.New("unexpected system prompt")
}

func (f *fakeLLM) Stream(context.Context, string, string) (llm.FragmentStream, error) {
	return nil, errors.New("streaming not scripted")
}

func (f *fakeLLM) count(system string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[system]
}

// fakeRedisConn backs the statecache with an in-memory map.
type fakeRedisConn struct {
	store map[string][]byte
}

func (c *fakeRedisConn) Close() error { return nil }
func (c *fakeRedisConn) Err() error   { return nil }

func (c *fakeRedisConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	switch cmd {
	case "SET":
		c.store[args[0].(string)] = append([]byte(nil), args[1].([]byte)...)
		return "OK", nil
	case "GET":
		if v, ok := c.store[args[0].(string)]; ok {
			return v, nil
		}
		return nil, nil
	case "DEL":
		delete(c.store, args[0].(string))
		return int64(1), nil
	case "PING":
		return "PONG", nil
	}
	return nil, fmt.Errorf("unexpected command %s", cmd)
}

func (c *fakeRedisConn) Send(string, ...interface{}) error { return nil }
func (c *fakeRedisConn) Flush() error                      { return nil }
func (c *fakeRedisConn) Receive() (interface{}, error)     { return nil, nil }

func newFakeCache() *statecache.Cache {
	store := make(map[string][]byte)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return &fakeRedisConn{store: store}, nil
		},
	}
	return statecache.New(pool, "test")
}

type PipelineSuite struct {
	suite.Suite
	counter *tokens.Counter
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupSuite() {
	counter, err := tokens.NewCounter()
	s.Require().NoError(err)
	s.counter = counter
}

func (s *PipelineSuite) newPipeline(transport llm.Transport, cfg Config) *Pipeline {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 50000
	}
	if cfg.SingleSessionMaxTokens == 0 {
		cfg.SingleSessionMaxTokens = 60000
	}
	if cfg.AssignmentChunkSize == 0 {
		cfg.AssignmentChunkSize = 10
	}
	if cfg.AssignmentMinRatio == 0 {
		cfg.AssignmentMinRatio = 0.5
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Minute
	}
	cfg.TeamID = 7
	return NewPipeline(transport, newFakeCache(), s.counter, nil, zerolog.Nop(), cfg)
}

func (s *PipelineSuite) TestRunScenario() {
	// Three summarized sessions, one of them failing its segment.
	sessions := []SessionInput{
		testSession("s1", 5, true),
		testSession("s2", 2, false),
		testSession("s3", 1, true),
	}

	transport := newFakeLLM()
	transport.extract = []string{validPatternsDoc}
	transport.assignFor = func(string) (string, error) {
		return `assignments:
  - pattern_id: 1
    event_ids: ["s1/s1-ev2", "s2/s2-ev0"]
  - pattern_id: 2
    event_ids: []
`, nil
	}

	var stages []string
	var progress []int
	p := s.newPipeline(transport, Config{})
	enriched, err := p.Run(context.Background(), sessions, Hooks{
		StageChanged:       func(stage string) { stages = append(stages, stage) },
		AssignmentProgress: func(done, _ int) { progress = append(progress, done) },
	})
	s.Require().NoError(err)
	s.Require().Len(enriched, 2)

	s.Equal([]string{StageChunking, StageExtraction, StageCombination, StageAssignment, StageEnrichment, StageAggregation}, stages)
	s.Equal([]int{1}, progress)
	s.Equal(1, transport.count(ExtractionSystemPrompt))
	s.Equal(0, transport.count(CombinationSystemPrompt), "single chunk skips combination")
	s.Equal(1, transport.count(AssignmentSystemPrompt))

	// Severity order: the critical pattern leads even with zero events.
	critical, high := enriched[0], enriched[1]
	s.Equal(2, critical.ID)
	s.Equal(models.SeverityCritical, critical.Severity)
	s.Empty(critical.Events)
	s.Equal(models.PatternStats{}, critical.Stats)

	s.Equal(1, high.ID)
	s.Equal(2, high.Stats.Occurences)
	s.Equal(2, high.Stats.SessionsAffected)
	s.InDelta(0.67, high.Stats.SessionsAffectedRatio, 0.001)
	// Two (session, segment) pairs touched, one successful.
	s.InDelta(0.5, high.Stats.SegmentsSuccessRatio, 0.001)
}

func (s *PipelineSuite) TestRunEnrichment() {
	sessions := []SessionInput{testSession("s1", 5, true)}

	transport := newFakeLLM()
	transport.extract = []string{validPatternsDoc}
	transport.assignFor = func(string) (string, error) {
		return `assignments:
  - pattern_id: 1
    event_ids: ["s1/s1-ev2"]
`, nil
	}

	p := s.newPipeline(transport, Config{})
	enriched, err := p.Run(context.Background(), sessions, Hooks{})
	s.Require().NoError(err)

	var high *models.EnrichedPattern
	for i := range enriched {
		if enriched[i].ID == 1 {
			high = &enriched[i]
		}
	}
	s.Require().NotNil(high)
	s.Require().Len(high.Events, 1)

	ec := high.Events[0]
	s.Equal("s1", ec.SessionID)
	s.Equal("s1-ev2", ec.EventID)
	s.Equal("segment s1", ec.SegmentName)
	s.Equal("outcome s1", ec.SegmentOutcome)
	s.True(ec.SegmentSuccess)
	s.Equal([]string{"s1-ev0", "s1-ev1"}, timelineIDs(ec.PreviousEvents))
	s.Equal([]string{"s1-ev3", "s1-ev4"}, timelineIDs(ec.NextEvents))
}

func timelineIDs(events []models.TimelineEvent) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.EventID
	}
	return ids
}

func (s *PipelineSuite) TestRunUnknownEventIDFails() {
	sessions := []SessionInput{testSession("s1", 2, true)}

	transport := newFakeLLM()
	transport.extract = []string{validPatternsDoc}
	transport.assignFor = func(string) (string, error) {
		return `assignments:
  - pattern_id: 1
    event_ids: ["s9/zzz"]
`, nil
	}

	p := s.newPipeline(transport, Config{})
	_, err := p.Run(context.Background(), sessions, Hooks{})
	var lookupErr *LookupError
	s.Require().ErrorAs(err, &lookupErr)
	s.Equal("s9/zzz", lookupErr.EventID)
}

func (s *PipelineSuite) TestAssignmentThreshold() {
	transport := newFakeLLM()
	transport.extract = []string{validPatternsDoc}
	transport.assignFor = func(prompt string) (string, error) {
		if strings.Contains(prompt, "session: bad") {
			return "", errors.New("provider exploded")
		}
		return `assignments:
  - pattern_id: 1
    event_ids: ["good1/good1-ev0"]
`, nil
	}

	// Chunk size 1 makes one assignment call per session.
	p := s.newPipeline(transport, Config{AssignmentChunkSize: 1})
	sessions := []SessionInput{
		testSession("bad1", 1, true),
		testSession("bad2", 1, true),
		testSession("bad3", 1, true),
		testSession("good1", 1, true),
	}

	_, err := p.Run(context.Background(), sessions, Hooks{})
	var thresholdErr *ThresholdError
	s.Require().ErrorAs(err, &thresholdErr)
	s.Equal(1, thresholdErr.Succeeded)
	s.Equal(2, thresholdErr.Required)
	s.Equal(4, thresholdErr.Total)
}

func (s *PipelineSuite) TestAssignmentThresholdBoundary() {
	transport := newFakeLLM()
	transport.extract = []string{validPatternsDoc}
	transport.assignFor = func(prompt string) (string, error) {
		if strings.Contains(prompt, "session: bad") {
			return "", errors.New("provider exploded")
		}
		return `assignments:
  - pattern_id: 2
    event_ids: []
`, nil
	}

	p := s.newPipeline(transport, Config{AssignmentChunkSize: 1})
	sessions := []SessionInput{
		testSession("bad1", 1, true),
		testSession("bad2", 1, true),
		testSession("good1", 1, true),
		testSession("good2", 1, true),
	}

	// Exactly ceil(4 × 0.5) chunks succeeded, which is enough.
	enriched, err := p.Run(context.Background(), sessions, Hooks{})
	s.Require().NoError(err)
	s.Len(enriched, 2)
}

func (s *PipelineSuite) TestCombineSkippedForSingleChunk() {
	p := s.newPipeline(newFakeLLM(), Config{})
	lone := []models.Pattern{{ID: 1, Name: "x", Severity: models.SeverityLow, Indicators: []string{"a"}}}

	patterns, err := p.combine(context.Background(), [][]models.Pattern{lone}, []string{"s1"})
	s.Require().NoError(err)
	s.Equal(lone, patterns)
	s.Equal(0, p.transport.(*fakeLLM).count(CombinationSystemPrompt))
}

func (s *PipelineSuite) TestCombineCachesByGroup() {
	transport := newFakeLLM()
	transport.combined = validPatternsDoc
	p := s.newPipeline(transport, Config{})

	lists := [][]models.Pattern{
		{{ID: 1, Name: "x", Severity: models.SeverityLow, Indicators: []string{"a"}}},
		{{ID: 1, Name: "y", Severity: models.SeverityHigh, Indicators: []string{"b"}}},
	}
	sessionIDs := []string{"s1", "s2", "s3"}

	first, err := p.combine(context.Background(), lists, sessionIDs)
	s.Require().NoError(err)
	s.Len(first, 2)
	s.Equal(1, transport.count(CombinationSystemPrompt))

	// Re-entry with the same session set is served from the cache.
	second, err := p.combine(context.Background(), lists, sessionIDs)
	s.Require().NoError(err)
	s.Equal(first, second)
	s.Equal(1, transport.count(CombinationSystemPrompt))
}
