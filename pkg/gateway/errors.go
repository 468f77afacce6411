package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/adiwidjaja/nalar/pkg/httpclient"
)

// ErrorKind classifies a provider failure for breaker bookkeeping and
// cascade control.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindQuotaExhausted
	KindServiceUnavailable
	KindInvalidRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "other"
	}
}

// Countable reports whether this kind increments the circuit breaker's
// failure count. Invalid requests are permanent and never open a breaker.
func (k ErrorKind) Countable() bool {
	return k == KindQuotaExhausted || k == KindServiceUnavailable || k == KindOther
}

var (
	// ErrAllModelsFailed means every model in the chain was tried or skipped.
	ErrAllModelsFailed = errors.New("all models in the chain failed")

	// ErrCostCapExceeded aborts the cascade on the call that would breach the
	// per-query cost cap.
	ErrCostCapExceeded = errors.New("per-query cost cap exceeded")

	// ErrMaxDepthExceeded bounds the fallback recursion.
	ErrMaxDepthExceeded = errors.New("max fallback depth exceeded")
)

// Classify maps a provider error to its kind. HTTP status wins when present;
// otherwise message sniffing covers providers that wrap their errors in
// plain text.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}

	switch httpclient.StatusCodeOf(err) {
	case http.StatusTooManyRequests:
		return KindQuotaExhausted
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return KindServiceUnavailable
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return KindInvalidRequest
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindServiceUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "http 429"):
		return KindQuotaExhausted
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "http 503") || strings.Contains(msg, "http 502") ||
		strings.Contains(msg, "timeout"):
		return KindServiceUnavailable
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "http 400") ||
		strings.Contains(msg, "http 401") || strings.Contains(msg, "http 403"):
		return KindInvalidRequest
	default:
		return KindOther
	}
}
