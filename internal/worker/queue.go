package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrQueueFull   = errors.New("job queue full")
	ErrQueueClosed = errors.New("job queue closed")
)

type Job struct {
	Name      string
	Run       func(ctx context.Context) error
	CreatedAt time.Time
}

// Queue is a bounded FIFO of background jobs drained by Process.
type Queue struct {
	jobs chan *Job
	// timeout bounds each job run.
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func NewQueue(capacity int, timeout time.Duration) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{jobs: make(chan *Job, capacity), timeout: timeout}
}

// Enqueue never blocks; a full queue drops the job with ErrQueueFull.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Process runs jobs with the given number of workers until ctx is done or
// Close is called, then drains what is already queued.
func (q *Queue) Process(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case job, ok := <-q.jobs:
					if !ok {
						return
					}
					q.run(job)
				case <-ctx.Done():
					q.drain()
					return
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close stops accepting jobs; Process returns once the backlog is done.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

func (q *Queue) drain() {
	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(job)
		default:
			return
		}
	}
}

func (q *Queue) run(job *Job) {
	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	if err := job.Run(ctx); err != nil {
		log.WithFields(log.Fields{"job": job.Name, "age": time.Since(job.CreatedAt).String()}).WithError(err).Warn("background job failed")
	}
}
