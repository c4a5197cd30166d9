package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// APIError is returned when the service responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("flagz: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("flagz: HTTP %d: %s", e.StatusCode, e.Message)
}

// Kinds of transport failure.
const (
	KindTimeout           = "timeout"
	KindDNS               = "dns"
	KindConnectionRefused = "connection_refused"
	KindCanceled          = "canceled"
	KindNetwork           = "network"
)

// TransportError wraps a failure that happened before any HTTP status was
// received.
type TransportError struct {
	Kind string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("flagz: %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func classify(err error) error {
	var (
		dnsErr *net.DNSError
		netErr net.Error
	)
	kind := KindNetwork
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &dnsErr):
		kind = KindDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = KindConnectionRefused
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &TransportError{Kind: kind, Err: err}
}

// StatusCode reports the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsCanceled reports whether err is a canceled request.
func IsCanceled(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind == KindCanceled
	}
	return errors.Is(err, context.Canceled)
}

// Describe returns a short human-readable classification of err.
func Describe(err error) string {
	var (
		te     *TransportError
		apiErr *APIError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &apiErr):
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return "unauthorized: check the API token"
		case apiErr.StatusCode == 404:
			return "not found: check the API URL and environment"
		case apiErr.StatusCode == 429:
			return "rate limited by the service"
		case apiErr.StatusCode >= 500:
			return "service unavailable"
		default:
			return fmt.Sprintf("request rejected with status %d", apiErr.StatusCode)
		}
	case errors.As(err, &te):
		switch te.Kind {
		case KindTimeout:
			return "request timed out"
		case KindDNS:
			return "could not resolve the service host"
		case KindConnectionRefused:
			return "connection refused by the service"
		case KindCanceled:
			return "request canceled"
		default:
			return "network error"
		}
	case errors.Is(err, ErrUnsuccessful):
		return "service reported failure"
	default:
		return "unexpected response"
	}
}
