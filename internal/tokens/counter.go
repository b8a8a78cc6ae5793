// Package tokens provides token counting for prompt budget decisions.
//
// The counter is constructed once at process bootstrap and injected into
// every component that needs it; there is deliberately no package-level
// lazily-initialized encoder.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Counter estimates the token cost of prompt text.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter constructs a Counter backed by the cl100k_base encoding.
func NewCounter() (*Counter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the token count of text. Encoding failures fall back to a
// conservative bytes/4 estimate rather than failing the pipeline; budgets
// are estimates, not accounting.
func (c *Counter) Count(text string) int {
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text)/4 + 1
	}
	return n
}
