package llm

import (
	"context"
	"errors"
	"net"
)

// IsTransient reports whether err is a transient provider error (rate limit,
// timeout, 5xx) that a caller may retry, as opposed to a fatal one.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
