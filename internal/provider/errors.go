package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/openai/openai-go/v3"
)

// Error taxonomy for embedding and completion providers. Callers retry only
// ErrUnavailable and ErrRateLimited; ErrInvalidResponse means the provider
// answered but the payload cannot be used, so retrying cannot help.
var (
	ErrUnavailable     = errors.New("provider unavailable")
	ErrRateLimited     = errors.New("provider rate limited")
	ErrInvalidResponse = errors.New("provider returned invalid response")
)

// Retryable reports whether the error warrants another attempt with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

// Classify maps a transport or OpenAI API error onto the taxonomy. Context
// cancellation passes through untouched so deadlines stay visible to callers.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fromStatus(apiErr.StatusCode, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Connection refused and friends arrive as plain *url.Error wrapping
	// syscall errors; anything we cannot identify as a payload problem is
	// treated as the service being unreachable.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// FromStatus maps an HTTP status code onto the taxonomy, used by providers
// that speak plain HTTP instead of the OpenAI SDK.
func FromStatus(status int, body string) error {
	return fromStatus(status, fmt.Errorf("status %d: %s", status, body))
}

func fromStatus(status int, cause error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, cause)
	case status >= 500, status == 0:
		return fmt.Errorf("%w: %v", ErrUnavailable, cause)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidResponse, cause)
	}
}
