package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/session-gateway/internal/apierr"
	"github.com/vnmchuo/session-gateway/internal/auth"
	"github.com/vnmchuo/session-gateway/internal/credential"
	"github.com/vnmchuo/session-gateway/internal/gateway"
	"github.com/vnmchuo/session-gateway/internal/stream"
	"github.com/vnmchuo/session-gateway/internal/translate"
	"github.com/vnmchuo/session-gateway/internal/usage"
	"github.com/vnmchuo/session-gateway/pkg/ratelimit"
)

const maxBodyBytes = 8 << 20

type Dispatcher interface {
	Handle(ctx context.Context, req translate.InboundRequest, sink stream.Sink) error
}

type StatusSource interface {
	Status() []credential.Status
}

type Handler struct {
	dispatcher Dispatcher
	usage      usage.Store
	pool       StatusSource
	limiter    *ratelimit.Limiter
	tracer     trace.Tracer
}

func NewHandler(dispatcher Dispatcher, usage usage.Store, pool StatusSource, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		usage:      usage,
		pool:       pool,
		limiter:    limiter,
		tracer:     tracer,
	}
}

func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		apierr.Write(w, apierr.New(http.StatusUnauthorized, apierr.TypeAuthentication, "", "unauthorized"))
		return
	}
	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
		ctx = auth.WithRequestID(ctx, requestID)
	}

	var req translate.InboundRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		apierr.Write(w, apierr.New(http.StatusBadRequest, apierr.TypeInvalidRequest, "invalid_body", "invalid request body"))
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.chat_completions")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
		attribute.Bool("stream", req.Stream),
	)

	allowed, err := h.limiter.Allow(ctx, tenantID, auth.GetRateLimit(ctx))
	if err != nil {
		log.WithFields(log.Fields{"tenant_id": tenantID, "request_id": requestID}).WithError(err).Error("rate limiter unavailable")
	}
	if err != nil || !allowed {
		e := apierr.New(http.StatusTooManyRequests, apierr.TypeRateLimit, "tenant_rate_limited", "rate limit exceeded")
		e.RetryAfter = ratelimit.Window
		apierr.Write(w, e)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	respID := "chatcmpl-" + uuid.New().String()
	var sink stream.Sink
	if req.Stream {
		sink = stream.NewSSE(w, cancel, respID, req.Model)
	} else {
		sink = stream.NewJSON(w, respID, req.Model)
	}

	err = h.dispatcher.Handle(ctx, req, sink)
	if err == nil {
		return
	}
	var se *gateway.StreamError
	if errors.As(err, &se) {
		return
	}
	if e := gateway.ToAPIError(err); e != nil {
		apierr.Write(w, e)
	}
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		apierr.Write(w, apierr.New(http.StatusUnauthorized, apierr.TypeAuthentication, "", "unauthorized"))
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			apierr.Write(w, apierr.New(http.StatusBadRequest, apierr.TypeInvalidRequest, "invalid_date", "invalid 'from' date format (use RFC3339)"))
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			apierr.Write(w, apierr.New(http.StatusBadRequest, apierr.TypeInvalidRequest, "invalid_date", "invalid 'to' date format (use RFC3339)"))
			return
		}
	}

	records, err := h.usage.ListByTenant(ctx, tenantID, from, to)
	if err != nil {
		log.WithField("tenant_id", tenantID).WithError(err).Error("usage lookup failed")
		apierr.Write(w, apierr.New(http.StatusInternalServerError, apierr.TypeInternal, "", "usage lookup failed"))
		return
	}
	summary, err := h.usage.Summarize(ctx, tenantID, from, to)
	if err != nil {
		log.WithField("tenant_id", tenantID).WithError(err).Error("usage summary failed")
		apierr.Write(w, apierr.New(http.StatusInternalServerError, apierr.TypeInternal, "", "usage lookup failed"))
		return
	}
	if records == nil {
		records = []*usage.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"summary":   summary,
		"records":   records,
		"from":      from,
		"to":        to,
	})
}

// HandleCredentials reports pool state. Secrets never leave the pool.
func (h *Handler) HandleCredentials(w http.ResponseWriter, r *http.Request) {
	statuses := h.pool.Status()
	counts := make(map[credential.State]int)
	for _, s := range statuses {
		counts[s.State]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credentials": statuses,
		"counts":      counts,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
