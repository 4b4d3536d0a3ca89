// Package usage records one row per dispatched chat request.
package usage

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vnmchuo/session-gateway/internal/worker"
)

type Record struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	RequestID    string    `json:"request_id"`
	CredentialID string    `json:"credential_id,omitempty"`
	Model        string    `json:"model"`
	Stream       bool      `json:"stream"`
	Attempts     int       `json:"attempts"`
	Chunks       int       `json:"chunks"`
	OutputChars  int       `json:"output_chars"`
	Outcome      string    `json:"outcome"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type Summary struct {
	Requests    int64 `json:"requests"`
	Failed      int64 `json:"failed"`
	OutputChars int64 `json:"output_chars"`
}

type Store interface {
	Log(ctx context.Context, r *Record) error
	ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error)
	Summarize(ctx context.Context, tenantID string, from, to time.Time) (*Summary, error)
}

// Recorder writes records through a background queue so the request path
// never waits on the database.
type Recorder struct {
	store Store
	queue *worker.Queue
}

func NewRecorder(store Store, queue *worker.Queue) *Recorder {
	return &Recorder{store: store, queue: queue}
}

func (r *Recorder) Record(rec *Record) {
	if r == nil || r.store == nil {
		return
	}
	err := r.queue.Enqueue(&worker.Job{
		Name: "usage.log",
		Run:  func(ctx context.Context) error { return r.store.Log(ctx, rec) },
	})
	if err != nil {
		log.WithFields(log.Fields{"request_id": rec.RequestID}).WithError(err).Warn("usage record dropped")
	}
}
