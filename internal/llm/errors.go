package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Backend error taxonomy. Use errors.Is to test for these.
var (
	// ErrBackendUnavailable means the provider process could not be reached
	// or answered with a server-side failure.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrModelNotFound means the requested model is not served by the provider.
	ErrModelNotFound = errors.New("model not found")

	// ErrGenerationTimeout means the call exceeded its deadline.
	ErrGenerationTimeout = errors.New("generation timeout")
)

// BackendError annotates a taxonomy error with where it happened.
type BackendError struct {
	Backend BackendKind
	Model   string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s %s (model %s): %v", e.Backend, e.Op, e.Model, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient backend failure that may
// succeed on a second attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrGenerationTimeout)
}

// classifyTransportError maps an HTTP client error onto the taxonomy.
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// classifyStatus maps a non-200 HTTP response onto the taxonomy.
func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrModelNotFound, truncateBody(body))
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrGenerationTimeout, status)
	case status >= 500 || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, status, truncateBody(body))
	default:
		return fmt.Errorf("unexpected status %d: %s", status, truncateBody(body))
	}
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
