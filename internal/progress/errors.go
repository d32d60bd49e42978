package progress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("engine closed")
	ErrOffline      = errors.New("offline")
	ErrAuthPending  = errors.New("auth token not ready")
)

// RemoteError is a non-2xx response from the progress service. RetryAfter is
// populated from the Retry-After header or the error payload when the server
// sent one.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	other, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return other.StatusCode == e.StatusCode && (other.Code == "" || other.Code == e.Code)
}

// FailureClass drives the queue-vs-revert decision after a failed write and
// the retry policy during replay.
type FailureClass int

const (
	FailureNetwork FailureClass = iota
	FailureRateLimit
	FailureNotFound
	FailureClient
	FailureServer
)

// Classify maps an error from the remote service onto the retry taxonomy.
// Anything that is not a decoded RemoteError counts as a network failure:
// transport errors, timeouts and cancellations all look the same to the
// replay loop.
func Classify(err error) FailureClass {
	var remote *RemoteError
	if !errors.As(err, &remote) {
		return FailureNetwork
	}
	switch {
	case remote.StatusCode == http.StatusTooManyRequests || remote.Code == "RATE_LIMIT_EXCEEDED":
		return FailureRateLimit
	case remote.StatusCode == http.StatusNotFound:
		return FailureNotFound
	case remote.StatusCode >= 400 && remote.StatusCode <= 499:
		return FailureClient
	case remote.StatusCode >= 500:
		return FailureServer
	default:
		return FailureNetwork
	}
}

// retryAfterOf extracts the server-indicated cooldown, or 0.
func retryAfterOf(err error) time.Duration {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.RetryAfter
	}
	return 0
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
