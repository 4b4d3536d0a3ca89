// Package apierr renders client-facing errors in the OpenAI error envelope.
package apierr

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

const (
	TypeInvalidRequest  = "invalid_request_error"
	TypeUnavailable     = "service_unavailable"
	TypeRateLimit       = "rate_limit_error"
	TypeUpstreamAuth    = "upstream_auth_error"
	TypeUpstreamTimeout = "upstream_timeout"
	TypeInternal        = "internal_error"
	TypeAuthentication  = "authentication_error"
)

type Error struct {
	Status  int
	Type    string
	Code    string
	Message string
	// RetryAfter is sent as a Retry-After header when positive.
	RetryAfter time.Duration
}

func New(status int, errType, code, message string) *Error {
	return &Error{Status: status, Type: errType, Code: code, Message: message}
}

func (e *Error) Error() string { return e.Type + ": " + e.Message }

// Envelope mirrors OpenAI's error body.
type Envelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func (e *Error) JSON() []byte {
	var env Envelope
	env.Error.Message = e.Message
	env.Error.Type = e.Type
	env.Error.Code = e.Code
	b, _ := json.Marshal(env)
	return b
}

// Write sends e as a complete HTTP response.
func Write(w http.ResponseWriter, e *Error) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.JSON())
}
