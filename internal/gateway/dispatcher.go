// Package gateway runs one chat request end to end: validate, translate,
// lease a credential, drive the upstream conversation and relay the result.
package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/session-gateway/internal/auth"
	"github.com/vnmchuo/session-gateway/internal/credential"
	"github.com/vnmchuo/session-gateway/internal/metrics"
	"github.com/vnmchuo/session-gateway/internal/stream"
	"github.com/vnmchuo/session-gateway/internal/translate"
	"github.com/vnmchuo/session-gateway/internal/upstream"
	"github.com/vnmchuo/session-gateway/internal/usage"
)

// ProbeReply answers the connectivity check clients send as a lone "Hi".
const ProbeReply = "Test message"

type Leaser interface {
	Checkout(ctx context.Context, timeout time.Duration) (*credential.Lease, error)
	Release(lease *credential.Lease, outcome credential.Outcome, opts ...credential.ReleaseOption) error
}

type Sender interface {
	Send(ctx context.Context, req *translate.OutboundRequest, lease *credential.Lease) (<-chan *upstream.Chunk, error)
}

type Admitter interface {
	Acquire(ctx context.Context) (func(), error)
}

type Recorder interface {
	Record(r *usage.Record)
}

type Options struct {
	CheckoutTimeout time.Duration
	// MaxAttempts bounds credential attempts per request, first one included.
	MaxAttempts int
	Tracer      trace.Tracer
}

type Dispatcher struct {
	pool       Leaser
	sender     Sender
	translator *translate.Translator
	admit      Admitter
	usage      Recorder

	checkoutTimeout time.Duration
	maxAttempts     int
	tracer          trace.Tracer
}

func New(pool Leaser, sender Sender, translator *translate.Translator, admit Admitter, rec Recorder, opts Options) *Dispatcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("session-gateway/gateway")
	}
	return &Dispatcher{
		pool:            pool,
		sender:          sender,
		translator:      translator,
		admit:           admit,
		usage:           rec,
		checkoutTimeout: opts.CheckoutTimeout,
		maxAttempts:     opts.MaxAttempts,
		tracer:          opts.Tracer,
	}
}

// call is the per-request retry state.
type call struct {
	out         *translate.OutboundRequest
	rec         *usage.Record
	authRetried bool
	// lastErr is the upstream failure being retried, if any.
	lastErr error
	log     *log.Entry
}

// attempt is an open upstream stream whose first chunk has been read. The
// lease stays held until finish.
type attempt struct {
	lease  *credential.Lease
	ctx    context.Context
	ch     <-chan *upstream.Chunk
	first  *upstream.Chunk
	cancel context.CancelFunc
}

// ended is the failure for a stream that closed without a terminal chunk.
// A lease that ran out mid-stream is a timeout.
func (a *attempt) ended() error {
	switch err := a.ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return &upstream.Error{Kind: upstream.KindTimeout, Message: "lease expired mid-stream", Err: err}
	case err != nil:
		return err
	}
	return &upstream.Error{Kind: upstream.KindMalformed, Message: "stream ended without a terminal event"}
}

// Handle serves req into sink. Errors returned before sink was opened are
// for the caller to report; once the response is committed they come back
// wrapped in *StreamError.
func (d *Dispatcher) Handle(ctx context.Context, req translate.InboundRequest, sink stream.Sink) (err error) {
	started := time.Now()
	mode := "json"
	if req.Stream {
		mode = "stream"
	}
	ctx, span := d.tracer.Start(ctx, "gateway.handle", trace.WithAttributes(
		attribute.String("model", req.Model),
		attribute.Bool("stream", req.Stream),
	))

	rec := &usage.Record{
		TenantID:  auth.GetTenantID(ctx),
		RequestID: auth.GetRequestID(ctx),
		Model:     req.Model,
		Stream:    req.Stream,
	}
	c := &call{
		rec: rec,
		log: log.WithFields(log.Fields{"request_id": rec.RequestID, "model": req.Model, "stream": req.Stream}),
	}

	defer func() {
		result := resultLabel(err)
		rec.Outcome = result
		rec.LatencyMs = time.Since(started).Milliseconds()
		metrics.RequestsTotal.WithLabelValues(mode, result).Inc()
		span.SetAttributes(attribute.Int("attempts", rec.Attempts), attribute.Int("chunks", rec.Chunks))
		if err != nil && result != "canceled" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if rec.Attempts > 0 && d.usage != nil {
			d.usage.Record(rec)
		}
		switch result {
		case "success":
			c.log.WithFields(log.Fields{"attempts": rec.Attempts, "latency_ms": rec.LatencyMs}).Info("request completed")
		case "canceled":
			c.log.WithField("status", 499).Debug("client went away")
		default:
			c.log.WithError(err).Warn("request failed")
		}
	}()

	if err := Validate(req); err != nil {
		return err
	}
	if isProbe(req) {
		if err := sink.Open(); err != nil {
			return err
		}
		if err := sink.Delta(ProbeReply); err != nil {
			return err
		}
		return sink.Done()
	}
	out, err := d.translator.Translate(req)
	if err != nil {
		return err
	}
	c.out = &out

	release, err := d.admit.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if req.Stream {
		return d.serveStream(ctx, c, sink)
	}
	return d.collect(ctx, c, sink)
}

// serveStream commits to the first attempt that produced a chunk and relays the
// rest in order. No retry happens after that point.
func (d *Dispatcher) serveStream(ctx context.Context, c *call, sink stream.Sink) error {
	a, err := d.open(ctx, c)
	if err != nil {
		return err
	}

	upErr, err := d.relay(ctx, c, a, sink)
	d.finish(c, a, upErr)
	return err
}

func (d *Dispatcher) relay(ctx context.Context, c *call, a *attempt, sink stream.Sink) (upErr, err error) {
	if err := sink.Open(); err != nil {
		return nil, &StreamError{Err: err}
	}
	chunk := a.first
	for {
		switch {
		case chunk.Err != nil:
			if apiErr := ToAPIError(chunk.Err); apiErr != nil {
				if err := sink.Abort(apiErr); err != nil {
					c.log.WithError(err).Debug("stream abort not delivered")
				}
			}
			return chunk.Err, &StreamError{Err: chunk.Err}
		case chunk.Done:
			if err := sink.Done(); err != nil {
				return nil, &StreamError{Err: err}
			}
			return nil, nil
		case chunk.Delta != "":
			if err := sink.Delta(chunk.Delta); err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				return err, &StreamError{Err: err}
			}
			c.rec.Chunks++
			c.rec.OutputChars += len(chunk.Delta)
		}

		select {
		case next, ok := <-a.ch:
			if !ok {
				next = &upstream.Chunk{Err: a.ended()}
			}
			chunk = next
		case <-ctx.Done():
			return ctx.Err(), &StreamError{Err: ctx.Err()}
		}
	}
}

// collect buffers the whole completion before writing anything, so any
// retryable failure may move to another credential.
func (d *Dispatcher) collect(ctx context.Context, c *call, sink stream.Sink) error {
	for {
		a, err := d.open(ctx, c)
		if err != nil {
			return err
		}

		var (
			b      strings.Builder
			chunks int
			upErr  error
		)
		for chunk := a.first; ; {
			if chunk.Err != nil {
				upErr = chunk.Err
				break
			}
			if chunk.Done {
				break
			}
			b.WriteString(chunk.Delta)
			chunks++

			next, ok := <-a.ch
			if !ok {
				upErr = a.ended()
				break
			}
			chunk = next
		}
		d.finish(c, a, upErr)

		if upErr == nil {
			c.rec.Chunks = chunks
			c.rec.OutputChars = b.Len()
			if err := sink.Open(); err != nil {
				return err
			}
			if err := sink.Delta(b.String()); err != nil {
				return err
			}
			return sink.Done()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.retryable(c, upErr) {
			return upErr
		}
		c.lastErr = upErr
	}
}

// open leases credentials until one yields a first chunk, retrying
// credential-level failures up to the attempt budget. A retry does not wait
// for a credential: if none is free, the failure being retried is returned.
func (d *Dispatcher) open(ctx context.Context, c *call) (*attempt, error) {
	for {
		wait := d.checkoutTimeout
		if c.lastErr != nil {
			wait = 0
		}
		lease, err := d.checkout(ctx, wait)
		if err != nil {
			if c.lastErr != nil && errors.Is(err, credential.ErrPoolExhausted) {
				return nil, c.lastErr
			}
			return nil, err
		}
		c.rec.Attempts++
		c.rec.CredentialID = lease.CredentialID
		fields := log.Fields{"credential_id": lease.CredentialID, "lease_id": lease.ID, "attempt": c.rec.Attempts}

		actx, cancel := leaseContext(ctx, lease)
		ch, err := d.sender.Send(actx, c.out, lease)
		var first *upstream.Chunk
		if err == nil {
			first, err = firstChunk(actx, ch)
		}
		if err == nil {
			return &attempt{lease: lease, ctx: actx, ch: ch, first: first, cancel: cancel}, nil
		}

		cancel()
		drain(ch)
		d.release(c, lease, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !d.retryable(c, err) {
			return nil, err
		}
		c.lastErr = err
		c.log.WithFields(fields).WithError(err).Info("retrying on another credential")
	}
}

// retryable reports whether err may be retried and charges the budget.
func (d *Dispatcher) retryable(c *call, err error) bool {
	if c.rec.Attempts >= d.maxAttempts {
		return false
	}
	kind, ok := upstream.KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case upstream.KindRateLimited, upstream.KindTimeout:
		return true
	case upstream.KindAuthInvalid:
		if c.authRetried {
			return false
		}
		c.authRetried = true
		return true
	default:
		return false
	}
}

func (d *Dispatcher) checkout(ctx context.Context, wait time.Duration) (*credential.Lease, error) {
	ctx, span := d.tracer.Start(ctx, "credential.checkout")
	defer span.End()
	lease, err := d.pool.Checkout(ctx, wait)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("credential.id", lease.CredentialID))
	return lease, nil
}

// finish waits for the upstream producer to tear the conversation down and
// then returns the lease.
func (d *Dispatcher) finish(c *call, a *attempt, upErr error) {
	a.cancel()
	drain(a.ch)
	d.release(c, a.lease, upErr)
}

func (d *Dispatcher) release(c *call, lease *credential.Lease, err error) {
	outcome, opts := outcomeOf(err)
	if rerr := d.pool.Release(lease, outcome, opts...); rerr != nil {
		c.log.WithFields(log.Fields{"lease_id": lease.ID}).WithError(rerr).Error("lease release failed")
	}
}

func outcomeOf(err error) (credential.Outcome, []credential.ReleaseOption) {
	if err == nil {
		return credential.OutcomeSuccess, nil
	}
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		return credential.OutcomeOther, nil
	}
	switch ue.Kind {
	case upstream.KindRateLimited:
		return credential.OutcomeRateLimited, []credential.ReleaseOption{credential.WithRetryAfter(ue.RetryAfter)}
	case upstream.KindAuthInvalid:
		reason := ue.Message
		if reason == "" {
			reason = ue.Error()
		}
		return credential.OutcomeAuthInvalid, []credential.ReleaseOption{credential.WithReason(reason)}
	default:
		return credential.OutcomeOther, nil
	}
}

func leaseContext(ctx context.Context, lease *credential.Lease) (context.Context, context.CancelFunc) {
	if lease.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, lease.Deadline)
}

func firstChunk(ctx context.Context, ch <-chan *upstream.Chunk) (*upstream.Chunk, error) {
	select {
	case chunk, ok := <-ch:
		if !ok {
			return nil, &upstream.Error{Kind: upstream.KindMalformed, Message: "stream closed before any event"}
		}
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain consumes ch until the producer closes it.
func drain(ch <-chan *upstream.Chunk) {
	if ch == nil {
		return
	}
	for range ch {
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var ve *ValidationError
	if errors.As(err, &ve) || errors.Is(err, translate.ErrUnsupportedSchema) {
		return "invalid"
	}
	if errors.Is(err, credential.ErrPoolExhausted) {
		return "exhausted"
	}
	if kind, ok := upstream.KindOf(err); ok {
		return kind.String()
	}
	return "error"
}
