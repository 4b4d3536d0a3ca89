package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
)

type Kind int

const (
	KindTimeout Kind = iota
	KindRateLimited
	KindAuthInvalid
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuthInvalid:
		return "auth_invalid"
	case KindMalformed:
		return "malformed"
	default:
		return "timeout"
	}
}

// Error is returned for every upstream failure other than cancellation of
// the caller's context.
type Error struct {
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the Kind of err, or false when err is not an *Error.
func KindOf(err error) (Kind, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	return 0, false
}

// statusError classifies a non-2xx response. body is the (possibly
// truncated) response payload and may carry a resetsAt hint.
func statusError(resp *http.Response, body []byte, now time.Time) *Error {
	e := &Error{Status: resp.StatusCode, Message: errorMessage(body)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), now); ok {
			e.RetryAfter = d
		} else if reset := gjson.GetBytes(body, "error.resetsAt"); reset.Exists() {
			e.RetryAfter = untilUnix(reset.Int(), now)
		} else if reset := gjson.GetBytes(body, "resetsAt"); reset.Exists() {
			e.RetryAfter = untilUnix(reset.Int(), now)
		}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		e.Kind = KindAuthInvalid
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		e.Kind = KindTimeout
	default:
		e.Kind = KindMalformed
	}
	return e
}

// eventError classifies an error event delivered inside the SSE stream.
func eventError(data string) *Error {
	typ := gjson.Get(data, "error.type").String()
	e := &Error{Message: gjson.Get(data, "error.message").String()}
	if e.Message == "" {
		e.Message = typ
	}
	switch typ {
	case "rate_limit_error":
		e.Kind = KindRateLimited
	case "permission_error", "authentication_error":
		e.Kind = KindAuthInvalid
	case "overloaded_error", "api_error", "timeout_error":
		e.Kind = KindTimeout
	default:
		e.Kind = KindMalformed
	}
	return e
}

// transportError maps a failed round trip to KindTimeout. Cancellation of
// ctx is returned as ctx.Err() so callers can tell it apart.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Kind: KindTimeout, Message: "upstream circuit open", Err: err}
	}
	return &Error{Kind: KindTimeout, Err: err}
}

func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

func untilUnix(sec int64, now time.Time) time.Duration {
	d := time.Unix(sec, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
