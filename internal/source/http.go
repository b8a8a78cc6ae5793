package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// HTTPSource reads session metadata and events from an analytics HTTP API.
// It is the default DataSource wired by the worker; deployments embedding
// the pipeline can supply their own implementation instead.
type HTTPSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSource creates an HTTPSource for the API at baseURL.
func NewHTTPSource(baseURL, apiKey string) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type metadataResponse struct {
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	ActiveSeconds      float64   `json:"active_seconds"`
	InactiveSeconds    float64   `json:"inactive_seconds"`
	ClickCount         int       `json:"click_count"`
	KeypressCount      int       `json:"keypress_count"`
	MouseActivityCount int       `json:"mouse_activity_count"`
	ConsoleErrorCount  int       `json:"console_error_count"`
	EventCount         int       `json:"event_count"`
}

type eventsResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"results"`
}

// GetMetadata returns the session's aggregate metadata, or nil for a
// session the API does not know.
func (s *HTTPSource) GetMetadata(ctx context.Context, teamID int64, sessionID string) (*Metadata, error) {
	endpoint := fmt.Sprintf("%s/api/sessions/%s/metadata?team_id=%d", s.baseURL, url.PathEscape(sessionID), teamID)

	var resp metadataResponse
	found, err := s.get(ctx, endpoint, &resp)
	if err != nil || !found {
		return nil, err
	}
	return &Metadata{
		StartTime:          resp.StartTime,
		EndTime:            resp.EndTime,
		ActiveSeconds:      resp.ActiveSeconds,
		InactiveSeconds:    resp.InactiveSeconds,
		ClickCount:         resp.ClickCount,
		KeypressCount:      resp.KeypressCount,
		MouseActivityCount: resp.MouseActivityCount,
		ConsoleErrorCount:  resp.ConsoleErrorCount,
		EventCount:         resp.EventCount,
	}, nil
}

// GetEvents returns one page of raw events, or nil for a session without
// any.
func (s *HTTPSource) GetEvents(ctx context.Context, teamID int64, sessionID string, q EventsQuery) (*EventsPage, error) {
	params := url.Values{}
	params.Set("team_id", strconv.FormatInt(teamID, 10))
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("limit", strconv.Itoa(q.Limit))
	if len(q.IgnoreTypes) > 0 {
		params.Set("ignore", strings.Join(q.IgnoreTypes, ","))
	}
	if len(q.ExtraFields) > 0 {
		params.Set("fields", strings.Join(q.ExtraFields, ","))
	}
	endpoint := fmt.Sprintf("%s/api/sessions/%s/events?%s", s.baseURL, url.PathEscape(sessionID), params.Encode())

	var resp eventsResponse
	found, err := s.get(ctx, endpoint, &resp)
	if err != nil || !found {
		return nil, err
	}
	return &EventsPage{Columns: resp.Columns, Rows: resp.Rows}, nil
}

// get performs one authenticated GET. A 404 reports not-found rather than
// an error; any other non-2xx status is an error.
func (s *HTTPSource) get(ctx context.Context, endpoint string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build source request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("source request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("source returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode source response: %w", err)
	}
	return true, nil
}
