// Package sse provides Server-Sent Events broadcasting for replaylens.
package sse

import (
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

// BroadcasterSuite is a test suite for Broadcaster operations.
type BroadcasterSuite struct {
	suite.Suite
	broadcaster *Broadcaster
}

func (s *BroadcasterSuite) SetupTest() {
	s.broadcaster = NewBroadcaster()
}

func TestBroadcasterSuite(t *testing.T) {
	suite.Run(t, new(BroadcasterSuite))
}

// mockResponseWriter implements http.ResponseWriter and http.Flusher.
type mockResponseWriter struct {
	header http.Header
	body   []byte
	mu     sync.Mutex
}

func newMockResponseWriter() *mockResponseWriter {
	return &mockResponseWriter{header: make(http.Header)}
}

func (m *mockResponseWriter) Header() http.Header {
	return m.header
}

func (m *mockResponseWriter) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = append(m.body, p...)
	return len(p), nil
}

func (m *mockResponseWriter) WriteHeader(int) {}

func (m *mockResponseWriter) Flush() {}

func (m *mockResponseWriter) contents() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.body)
}

func (s *BroadcasterSuite) TestNewBroadcaster() {
	b := NewBroadcaster()
	s.NotNil(b)
	s.Equal(0, b.ClientCount())
}

func (s *BroadcasterSuite) TestAddAndRemoveClient() {
	w := newMockResponseWriter()
	client, err := s.broadcaster.AddClient(w, "run-1")
	s.Require().NoError(err)
	s.Equal(1, s.broadcaster.ClientCount())
	s.Equal("run-1", client.Group)

	s.broadcaster.RemoveClient(client)
	s.Equal(0, s.broadcaster.ClientCount())
}

func (s *BroadcasterSuite) TestAddClientRequiresFlusher() {
	_, err := s.broadcaster.AddClient(struct{ http.ResponseWriter }{}, "run-1")
	s.Error(err)
}

func (s *BroadcasterSuite) TestPublishLabeledFrame() {
	w := newMockResponseWriter()
	client, err := s.broadcaster.AddClient(w, "run-1")
	s.Require().NoError(err)
	defer s.broadcaster.RemoveClient(client)

	s.broadcaster.Publish("run-1", "session-summary-stream", map[string]string{"session_id": "sess-1"})

	frame := w.contents()
	s.True(strings.HasPrefix(frame, "event: session-summary-stream\n"), frame)
	s.Contains(frame, `data: {"session_id":"sess-1"}`)
	s.True(strings.HasSuffix(frame, "\n\n"), frame)
}

func (s *BroadcasterSuite) TestPublishScopedToGroup() {
	observed := newMockResponseWriter()
	other := newMockResponseWriter()
	c1, err := s.broadcaster.AddClient(observed, "run-1")
	s.Require().NoError(err)
	defer s.broadcaster.RemoveClient(c1)
	c2, err := s.broadcaster.AddClient(other, "run-2")
	s.Require().NoError(err)
	defer s.broadcaster.RemoveClient(c2)

	s.broadcaster.Publish("run-1", "group-status", map[string]string{"stage": "extraction"})

	s.Contains(observed.contents(), "group-status")
	s.Empty(other.contents())
	s.Equal(1, s.broadcaster.GroupClientCount("run-1"))
	s.Equal(1, s.broadcaster.GroupClientCount("run-2"))
}

func (s *BroadcasterSuite) TestPublishNoClients() {
	// Must not panic or block with nobody listening.
	s.broadcaster.Publish("run-1", "group-status", map[string]string{"stage": "chunking"})
}
