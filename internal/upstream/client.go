// Package upstream drives one conversation per request against the web chat
// API: resolve the organization, create a conversation, stream the
// completion and delete the conversation again.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vnmchuo/session-gateway/internal/credential"
	"github.com/vnmchuo/session-gateway/internal/metrics"
	"github.com/vnmchuo/session-gateway/internal/translate"
)

const (
	DefaultBaseURL = "https://claude.ai"

	maxErrorBody = 4 << 10
)

// Chunk is one element of a completion stream. A stream carries any number
// of Delta chunks followed by exactly one chunk with Done or Err set.
type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// Timeout bounds each setup call and the wait for completion headers.
	Timeout time.Duration
	// SetupRetries is the number of extra attempts for setup calls that
	// fail with KindTimeout.
	SetupRetries int
	// RPS paces outbound setup and completion calls. Zero is unlimited.
	RPS             float64
	StreamBuffer    int
	TeardownTimeout time.Duration
	Tracer          trace.Tracer
}

type Client struct {
	baseURL         string
	http            *http.Client
	timeout         time.Duration
	setupRetries    int
	buffer          int
	teardownTimeout time.Duration
	limiter         *rate.Limiter
	breaker         *gobreaker.CircuitBreaker
	tracer          trace.Tracer
	backoff         func(attempt int) time.Duration

	mu   sync.Mutex
	orgs map[string]string // credential ID -> organization uuid
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 10 * time.Second
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 16
	}
	if opts.HTTPClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = opts.Timeout
		opts.HTTPClient = &http.Client{Transport: transport}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("session-gateway/upstream")
	}

	limit := rate.Inf
	burst := 1
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
		if b := int(opts.RPS); b > burst {
			burst = b
		}
	}

	return &Client{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		http:            opts.HTTPClient,
		timeout:         opts.Timeout,
		setupRetries:    opts.SetupRetries,
		buffer:          opts.StreamBuffer,
		teardownTimeout: opts.TeardownTimeout,
		limiter:         rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "upstream",
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// Only host-level failures count; credential errors do not.
			IsSuccessful: func(err error) bool {
				kind, ok := KindOf(err)
				return !ok || kind != KindTimeout
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
			},
		}),
		tracer:  opts.Tracer,
		backoff: nextBackoff,
		orgs:    make(map[string]string),
	}
}

// Send opens a conversation with the leased credential and starts streaming
// the completion for req. Failures before the stream starts are returned
// directly. Once Send returns a channel, the conversation is deleted
// exactly once before the channel is closed, whether the stream finished,
// failed or ctx was cancelled. The caller must drain the channel or cancel
// ctx.
func (c *Client) Send(ctx context.Context, req *translate.OutboundRequest, lease *credential.Lease) (<-chan *Chunk, error) {
	s, err := c.setup(ctx, req.Model, lease)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "upstream.completion", trace.WithAttributes(
		attribute.String("credential.id", lease.CredentialID),
		attribute.String("conversation.id", s.id),
	))

	body, err := json.Marshal(req)
	if err != nil {
		span.End()
		s.teardown()
		return nil, &Error{Kind: KindMalformed, Message: "encode completion body", Err: err}
	}
	started := time.Now()
	resp, err := c.do(ctx, http.MethodPost, s.path("/completion"), lease, body, "text/event-stream")
	if err != nil {
		observe("completion", err, started)
		endSpan(span, err)
		s.teardown()
		return nil, err
	}

	ch := make(chan *Chunk, c.buffer)
	go func() {
		defer close(ch)
		defer s.teardown()
		defer resp.Body.Close()

		n, err := relay(ctx, resp.Body, ch)
		observe("completion", err, started)
		span.SetAttributes(attribute.Int("chunks", n))
		endSpan(span, err)
	}()
	return ch, nil
}

// relay forwards SSE events as chunks and returns the number of content
// chunks sent and the terminal error, if any.
func relay(ctx context.Context, body io.Reader, ch chan<- *Chunk) (int, error) {
	n := 0
	send := func(chunk *Chunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// terminal still delivers once ctx is done if the buffer has room, so a
	// deadline mid-stream reaches the reader as an error chunk.
	terminal := func(chunk *Chunk) {
		if ctx.Err() == nil && send(chunk) {
			return
		}
		select {
		case ch <- chunk:
		default:
		}
	}
	fail := func(err error) (int, error) {
		terminal(&Chunk{Err: err})
		return n, err
	}

	sc := newSSEScanner(body)
	for sc.Next() {
		ev := sc.Event()
		data := strings.TrimSpace(ev.Data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}
		if !gjson.Valid(data) {
			return fail(&Error{Kind: KindMalformed, Message: "undecodable event payload"})
		}

		typ := gjson.Get(data, "type").String()
		if ev.Type == "error" || typ == "error" {
			return fail(eventError(data))
		}
		switch typ {
		case "completion":
			if delta := gjson.Get(data, "completion").String(); delta != "" {
				if !send(&Chunk{Delta: delta}) {
					return n, ctx.Err()
				}
				n++
			}
			if stop := gjson.Get(data, "stop_reason"); stop.Exists() && stop.Type != gjson.Null {
				terminal(&Chunk{Done: true})
				return n, nil
			}
		case "message_stop":
			terminal(&Chunk{Done: true})
			return n, nil
		}
	}
	if err := sc.Err(); err != nil {
		return fail(transportError(ctx, err))
	}
	if ctx.Err() != nil {
		return n, ctx.Err()
	}
	terminal(&Chunk{Done: true})
	return n, nil
}

type session struct {
	c     *Client
	ctx   context.Context
	lease *credential.Lease
	org   string
	id    string
	once  sync.Once
}

func (s *session) path(suffix string) string {
	return fmt.Sprintf("/api/organizations/%s/chat_conversations/%s%s", s.org, s.id, suffix)
}

// setup resolves the organization and creates the conversation, retrying
// KindTimeout failures with jittered backoff.
func (c *Client) setup(parent context.Context, model string, lease *credential.Lease) (*session, error) {
	ctx, span := c.tracer.Start(parent, "upstream.setup", trace.WithAttributes(
		attribute.String("credential.id", lease.CredentialID),
	))
	var err error
	defer func() { endSpan(span, err) }()

	s := &session{c: c, ctx: parent, lease: lease, id: uuid.New().String()}
	for attempt := 0; ; attempt++ {
		err = c.trySetup(ctx, s, model)
		if err == nil {
			return s, nil
		}
		if kind, ok := KindOf(err); !ok || kind != KindTimeout || attempt >= c.setupRetries {
			return nil, err
		}
		wait := c.backoff(attempt)
		log.WithFields(log.Fields{
			"credential_id": lease.CredentialID,
			"attempt":       attempt + 1,
			"wait":          wait.String(),
		}).WithError(err).Warn("upstream setup failed, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			err = ctx.Err()
			return nil, err
		}
	}
}

func (c *Client) trySetup(ctx context.Context, s *session, model string) error {
	org, err := c.organization(ctx, s.lease)
	if err != nil {
		return err
	}
	s.org = org

	body, _ := sjson.SetBytes([]byte(`{}`), "uuid", s.id)
	body, _ = sjson.SetBytes(body, "name", "")
	if model != "" {
		body, _ = sjson.SetBytes(body, "model", model)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	started := time.Now()
	resp, err := c.do(callCtx, http.MethodPost, fmt.Sprintf("/api/organizations/%s/chat_conversations", org), s.lease, body, "application/json", http.StatusConflict)
	observe("create", err, started)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	log.WithFields(log.Fields{"credential_id": s.lease.CredentialID, "conversation_id": s.id}).Debug("conversation created")
	return nil
}

// organization returns the lease's organization, asking the upstream once
// per credential when it was not configured.
func (c *Client) organization(ctx context.Context, lease *credential.Lease) (string, error) {
	if lease.OrgID != "" {
		return lease.OrgID, nil
	}
	c.mu.Lock()
	org, ok := c.orgs[lease.CredentialID]
	c.mu.Unlock()
	if ok {
		return org, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	started := time.Now()
	resp, err := c.do(callCtx, http.MethodGet, "/api/organizations", lease, nil, "application/json")
	if err != nil {
		observe("organization", err, started)
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		err = transportError(callCtx, err)
		observe("organization", err, started)
		return "", err
	}
	org = gjson.GetBytes(raw, "0.uuid").String()
	if !gjson.ValidBytes(raw) || org == "" {
		err = &Error{Kind: KindMalformed, Status: resp.StatusCode, Message: "organization list has no uuid"}
		observe("organization", err, started)
		return "", err
	}
	observe("organization", nil, started)

	c.mu.Lock()
	c.orgs[lease.CredentialID] = org
	c.mu.Unlock()
	return org, nil
}

// teardown deletes the conversation. It runs at most once and is detached
// from the request context so cancellation still cleans up.
func (s *session) teardown() {
	s.once.Do(func() {
		c := s.c
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), c.teardownTimeout)
		defer cancel()
		ctx, span := c.tracer.Start(ctx, "upstream.teardown", trace.WithAttributes(
			attribute.String("conversation.id", s.id),
		))

		fields := log.Fields{"credential_id": s.lease.CredentialID, "conversation_id": s.id}
		started := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+s.path(""), nil)
		if err == nil {
			c.setHeaders(req, s.lease, "application/json")
			var resp *http.Response
			if resp, err = c.http.Do(req); err == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
					err = fmt.Errorf("delete conversation: status %d", resp.StatusCode)
				}
			}
		}
		observe("teardown", err, started)
		endSpan(span, err)
		if err != nil {
			log.WithFields(fields).WithError(err).Warn("conversation teardown failed")
			return
		}
		log.WithFields(fields).Debug("conversation deleted")
	})
}

// do sends one paced request through the breaker. Any status other than 2xx
// or one of accept is converted to an *Error and the body is closed.
func (c *Client) do(ctx context.Context, method, path string, lease *credential.Lease, body []byte, accept string, okStatus ...int) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transportError(ctx, err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
		if err != nil {
			return nil, &Error{Kind: KindMalformed, Err: err}
		}
		c.setHeaders(req, lease, accept)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, transportError(ctx, err)
		}
		if resp.StatusCode/100 == 2 || containsStatus(okStatus, resp.StatusCode) {
			return resp, nil
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, statusError(resp, raw, time.Now())
	})
	if err != nil {
		if _, ok := KindOf(err); !ok && ctx.Err() == nil {
			err = transportError(ctx, err)
		}
		return nil, err
	}
	return out.(*http.Response), nil
}

func (c *Client) setHeaders(req *http.Request, lease *credential.Lease, accept string) {
	req.Header.Set("Cookie", "sessionKey="+lease.Secret)
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/chats")
	req.Header.Set("Accept", accept)
}

func containsStatus(list []int, code int) bool {
	for _, s := range list {
		if s == code {
			return true
		}
	}
	return false
}

func observe(phase string, err error, started time.Time) {
	result := "ok"
	if err != nil {
		result = "error"
		if kind, ok := KindOf(err); ok {
			result = kind.String()
		} else if errors.Is(err, context.Canceled) {
			result = "canceled"
		}
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(phase, result).Inc()
	metrics.UpstreamRequestDuration.WithLabelValues(phase).Observe(time.Since(started).Seconds())
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
