package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vnmchuo/session-gateway/internal/apierr"
	"github.com/vnmchuo/session-gateway/internal/credential"
	"github.com/vnmchuo/session-gateway/internal/translate"
	"github.com/vnmchuo/session-gateway/internal/upstream"
	"github.com/vnmchuo/session-gateway/internal/worker"
)

// ValidationError rejects a request before any credential is leased.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// StreamError wraps a failure that happened after the response was
// committed. The client has already been told through the stream.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return "stream aborted: " + e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

// exhaustedRetryAfter is advertised when no credential could be leased.
const exhaustedRetryAfter = 5 * time.Second

// ToAPIError maps err onto the client error taxonomy. It returns nil for
// context cancellation, where nothing should be written.
func ToAPIError(err error) *apierr.Error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}

	var (
		ve *ValidationError
		se *translate.SchemaError
		ue *upstream.Error
	)
	switch {
	case errors.As(err, &ve):
		return apierr.New(http.StatusBadRequest, apierr.TypeInvalidRequest, "invalid_request", ve.Error())
	case errors.As(err, &se):
		return apierr.New(http.StatusBadRequest, apierr.TypeInvalidRequest, "unsupported_schema", se.Error())
	case errors.Is(err, credential.ErrPoolExhausted):
		e := apierr.New(http.StatusServiceUnavailable, apierr.TypeUnavailable, "credentials_exhausted", "no upstream credential is available, retry later")
		e.RetryAfter = exhaustedRetryAfter
		return e
	case errors.Is(err, worker.ErrSaturated):
		e := apierr.New(http.StatusServiceUnavailable, apierr.TypeUnavailable, "overloaded", "gateway is at capacity, retry later")
		e.RetryAfter = time.Second
		return e
	case errors.As(err, &ue):
		switch ue.Kind {
		case upstream.KindRateLimited:
			e := apierr.New(http.StatusTooManyRequests, apierr.TypeRateLimit, "upstream_rate_limited", "upstream rate limit reached")
			e.RetryAfter = ue.RetryAfter
			return e
		case upstream.KindAuthInvalid:
			return apierr.New(http.StatusBadGateway, apierr.TypeUpstreamAuth, "upstream_auth_failed", "upstream rejected the credential")
		case upstream.KindMalformed:
			return apierr.New(http.StatusBadGateway, apierr.TypeInternal, "upstream_malformed", ue.Error())
		default:
			return apierr.New(http.StatusGatewayTimeout, apierr.TypeUpstreamTimeout, "upstream_timeout", "upstream did not respond in time")
		}
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.New(http.StatusGatewayTimeout, apierr.TypeUpstreamTimeout, "deadline_exceeded", "request deadline exceeded")
	default:
		return apierr.New(http.StatusInternalServerError, apierr.TypeInternal, "", "internal error")
	}
}
