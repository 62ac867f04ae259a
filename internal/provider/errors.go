package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/MimeLyc/video-product-extractor/pkg/retry"
)

var (
	ErrUnavailable = errors.New("provider unavailable")
	ErrTimeout     = errors.New("provider timeout")
	ErrRateLimited = errors.New("provider rate limited")
	// ErrMalformedResponse means the response did not parse into the expected shape.
	ErrMalformedResponse = errors.New("malformed provider response")
	// ErrRejected covers 4xx answers other than rate limiting. It is not retried.
	ErrRejected = errors.New("provider rejected request")
)

// IsRetryable reports whether a provider error is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrMalformedResponse),
		errors.Is(err, retry.ErrAttemptTimeout):
		return true
	default:
		return false
	}
}

// FromHTTPStatus maps a non-2xx status to a sentinel error wrapping the body.
func FromHTTPStatus(code int, body string) error {
	if len(body) > 512 {
		body = body[:512]
	}
	var kind error
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		kind = ErrTimeout
	case code == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case code >= 500:
		kind = ErrUnavailable
	case code >= 400:
		kind = ErrRejected
	default:
		return nil
	}
	return fmt.Errorf("%w: status %d: %s", kind, code, body)
}

// FromTransport classifies an error returned by http.Client.Do.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Malformed wraps a parse failure.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
