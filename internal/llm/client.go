// Package llm provides the Messages API transport for replaylens.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// Fragment is one increment of streamed LLM output together with the token
// usage the provider attributed to it.
type Fragment struct {
	Text  string
	Usage Usage
}

// FragmentStream yields streamed fragments in order. Recv returns io.EOF
// after the final fragment.
type FragmentStream interface {
	Recv() (Fragment, error)
	Close() error
}

// Transport is the outbound LLM interface the pipeline depends on.
type Transport interface {
	// Complete performs a blocking completion and returns the full text.
	Complete(ctx context.Context, prompt, system string) (string, Usage, error)
	// Stream starts a streaming completion.
	Stream(ctx context.Context, prompt, system string) (FragmentStream, error)
}

// Client is an HTTP client for the Messages API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (useful for testing).
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithTimeout sets a custom HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithMaxTokens sets the max output tokens per call.
func WithMaxTokens(n int) ClientOption {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// NewClient creates a new Messages API client.
func NewClient(apiKey, model string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		model:     model,
		maxTokens: 16000,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete implements Transport.
func (c *Client) Complete(ctx context.Context, prompt, system string) (string, Usage, error) {
	resp, err := c.send(ctx, &MessagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", Usage{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("read response: %w", err)
	}

	var messagesResp MessagesResponse
	if err := json.Unmarshal(respBody, &messagesResp); err != nil {
		return "", Usage{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return messagesResp.Text(), messagesResp.Usage, nil
}

// Stream implements Transport. The returned stream decodes the provider's
// SSE event frames into text fragments.
func (c *Client) Stream(ctx context.Context, prompt, system string) (FragmentStream, error) {
	resp, err := c.send(ctx, &MessagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Stream:    true,
		Messages:  []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	return newSSEStream(resp.Body), nil
}

// send posts the request and returns the raw response with status >= 400
// already converted into an *APIError.
func (c *Client) send(ctx context.Context, req *MessagesRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode >= 400 {
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, &APIError{StatusCode: resp.StatusCode}
		}
		var apiErr APIError
		if err := json.Unmarshal(respBody, &apiErr); err != nil {
			return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
		}
		apiErr.StatusCode = resp.StatusCode
		return nil, &apiErr
	}
	return resp, nil
}
