package httpx

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
)

var (
	ErrRangesNotSupported = errors.New("byte ranges not supported by server")
	ErrRequestCreation    = errors.New("failed to create request")

	ErrTimeout        = errors.New("operation timed out")
	ErrNetworkProblem = errors.New("network-related error")
	ErrUnexpectedEOF  = errors.New("unexpected EOF")

	ErrServerProblem    = errors.New("server error (5xx)")
	ErrTooManyRequests  = errors.New("too many requests (429)")
	ErrResourceNotFound = errors.New("resource not found (404)")
	ErrAccessDenied     = errors.New("access denied (403)")
	ErrAuthentication   = errors.New("authentication required (401)")
	ErrGone             = errors.New("resource gone (410)")
	ErrClientRequest    = errors.New("client error (4xx)")

	ErrUnknown = errors.New("unknown error")
)

// ClassifyHTTPError maps a non-2xx status code to a sentinel error.
// It returns nil for codes below 400.
func ClassifyHTTPError(statusCode int) error {
	switch statusCode {
	case http.StatusNotFound:
		return ErrResourceNotFound
	case http.StatusForbidden:
		return ErrAccessDenied
	case http.StatusUnauthorized:
		return ErrAuthentication
	case http.StatusGone:
		return ErrGone
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangesNotSupported
	case http.StatusTooManyRequests:
		return ErrTooManyRequests
	default:
		switch {
		case statusCode >= http.StatusInternalServerError:
			return ErrServerProblem
		case statusCode >= http.StatusBadRequest:
			return ErrClientRequest
		default:
			return nil
		}
	}
}

// ClassifyError maps transport-level failures to sentinel errors.
// Context cancellation passes through untouched so callers can
// distinguish a stop request from a genuine network fault.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrUnexpectedEOF
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrTimeout
		}

		return ErrNetworkProblem
	}

	return ErrUnknown
}

// IsRetryable reports whether a classified error is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetworkProblem) ||
		errors.Is(err, ErrUnexpectedEOF) ||
		errors.Is(err, ErrServerProblem) ||
		errors.Is(err, ErrTooManyRequests) ||
		errors.Is(err, ErrUnknown)
}
