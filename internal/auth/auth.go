package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vnmchuo/session-gateway/internal/apierr"
)

var ErrKeyNotFound = errors.New("api key not found")

const cacheTTL = 5 * time.Minute

type APIKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	KeyHash   string    `json:"key_hash"`
	RateLimit int64     `json:"rate_limit"` // max requests per minute
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	DeactivateExcept(ctx context.Context, tenantID string, keep []string) (int64, error)
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	tenantIDKey  contextKey = "tenant_id"
	apiKeyIDKey  contextKey = "api_key_id"
	rateLimitKey contextKey = "rate_limit"
	requestIDKey contextKey = "request_id"
)

func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// extractKey accepts "Authorization: Bearer <key>" or "x-api-key: <key>".
func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

func NewMiddleware(store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			key := extractKey(r)
			if key == "" {
				unauthorized(w, "missing API key")
				return
			}

			keyHash := HashKey(key)
			redisKey := fmt.Sprintf("auth:%s", keyHash)

			var apiKey APIKey
			err := cache.Get(ctx, redisKey).Scan(&apiKey)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(withKey(ctx, &apiKey)))
				return
			} else if err != redis.Nil {
				log.WithField("request_id", requestID).WithError(err).Warn("auth cache lookup failed")
			}

			apiK, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					unauthorized(w, "invalid API key")
					return
				}
				log.WithField("request_id", requestID).WithError(err).Error("api key lookup failed")
				apierr.Write(w, apierr.New(http.StatusInternalServerError, apierr.TypeInternal, "", "internal server error"))
				return
			}

			_ = cache.Set(ctx, redisKey, apiK, cacheTTL).Err()
			next.ServeHTTP(w, r.WithContext(withKey(ctx, apiK)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	apierr.Write(w, apierr.New(http.StatusUnauthorized, apierr.TypeAuthentication, "invalid_api_key", msg))
}

func withKey(ctx context.Context, k *APIKey) context.Context {
	ctx = context.WithValue(ctx, tenantIDKey, k.TenantID)
	ctx = context.WithValue(ctx, apiKeyIDKey, k.ID)
	return context.WithValue(ctx, rateLimitKey, k.RateLimit)
}

// Helpers to extract from context
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRateLimit returns the per-minute request budget of the calling key, or
// zero when none is set.
func GetRateLimit(ctx context.Context) int64 {
	if n, ok := ctx.Value(rateLimitKey).(int64); ok {
		return n
	}
	return 0
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
