package llm

import (
	"bufio"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

// sseStream decodes the provider's SSE wire format into fragments.
// Delta text arrives in content_block_delta frames; input token usage in
// message_start and output usage in message_delta / message_stop frames.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

// streamEvent is the union of the provider event payloads we care about.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage Usage `json:"usage"`
	} `json:"message"`
	Usage Usage `json:"usage"`
	Error *ErrorDetails `json:"error"`
}

// Recv returns the next text fragment. Frames that carry no text but do
// carry usage are folded into the next text fragment's usage; a trailing
// usage-only frame is returned with empty text.
func (s *sseStream) Recv() (Fragment, error) {
	if s.done {
		return Fragment{}, io.EOF
	}

	var pending Usage
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// Skip unparseable keep-alive noise rather than killing the stream.
			continue
		}

		switch event.Type {
		case "message_start":
			pending.Add(event.Message.Usage)
		case "content_block_delta":
			if event.Delta.Text != "" {
				usage := pending
				return Fragment{Text: event.Delta.Text, Usage: usage}, nil
			}
		case "message_delta":
			pending.Add(event.Usage)
		case "message_stop":
			s.done = true
			if pending != (Usage{}) {
				return Fragment{Usage: pending}, nil
			}
			return Fragment{}, io.EOF
		case "error":
			s.done = true
			if event.Error != nil {
				return Fragment{}, &APIError{StatusCode: 529, ErrorDetail: *event.Error}
			}
			return Fragment{}, &APIError{StatusCode: 529}
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return Fragment{}, err
	}
	if pending != (Usage{}) {
		return Fragment{Usage: pending}, nil
	}
	return Fragment{}, io.EOF
}

// Close releases the underlying response body.
func (s *sseStream) Close() error {
	return s.body.Close()
}
