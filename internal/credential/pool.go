// Package credential owns the set of upstream credentials and serializes
// leasing them to in-flight requests.
//
// Every state change goes through Pool under a single mutex. Callers only
// ever hold a Lease, which refers to a credential by ID; the mutable record
// never leaves the pool.
package credential

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vnmchuo/session-gateway/internal/clock"
	"github.com/vnmchuo/session-gateway/internal/metrics"
)

type Options struct {
	Backoff BackoffPolicy
	// LeaseTTL bounds how long a lease is valid. Zero means no deadline.
	LeaseTTL time.Duration
	Clock    clock.Clock
}

type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   int
	active  map[string]string // lease ID -> credential ID
	waiters []*waiter

	backoff  BackoffPolicy
	leaseTTL time.Duration
	clock    clock.Clock
}

// waiter receives exactly one value: a lease handed off by the pool, or nil
// when the pool can no longer serve anyone.
type waiter struct {
	ch chan *Lease
}

func NewPool(opts Options) *Pool {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Pool{
		entries:  make(map[string]*entry),
		active:   make(map[string]string),
		backoff:  opts.Backoff,
		leaseTTL: opts.LeaseTTL,
		clock:    opts.Clock,
	}
}

// Register adds cred in state Available. It reports false when the ID is
// already known, leaving the existing record untouched.
func (p *Pool) Register(cred Credential) bool {
	if cred.ID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[cred.ID]; ok {
		return false
	}
	p.order++
	p.entries[cred.ID] = &entry{cred: cred, order: p.order, state: StateAvailable}
	p.handoffLocked()
	p.publishLocked()
	log.WithField("credential_id", cred.ID).Info("credential registered")
	return true
}

// Checkout leases the least recently used available credential. When none
// is available it waits up to timeout for a release or cooldown expiry.
func (p *Pool) Checkout(ctx context.Context, timeout time.Duration) (*Lease, error) {
	start := p.clock.Now()

	p.mu.Lock()
	if lease := p.leaseBestLocked(); lease != nil {
		p.publishLocked()
		p.mu.Unlock()
		observeCheckout("immediate", 0)
		return lease, nil
	}
	if !p.servableLocked() || timeout <= 0 {
		p.mu.Unlock()
		observeCheckout("exhausted", 0)
		return nil, ErrPoolExhausted
	}
	w := &waiter{ch: make(chan *Lease, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	var cancelled bool
	select {
	case lease := <-w.ch:
		return p.finishWait(lease, start)
	case <-p.clock.After(timeout):
	case <-ctx.Done():
		cancelled = true
	}

	p.mu.Lock()
	if p.removeWaiterLocked(w) {
		p.mu.Unlock()
		observeCheckout("exhausted", p.clock.Now().Sub(start))
		if cancelled {
			return nil, ctx.Err()
		}
		return nil, ErrPoolExhausted
	}
	p.mu.Unlock()

	// A hand-off raced the timeout; the value is already buffered.
	lease := <-w.ch
	if cancelled && lease != nil {
		_ = p.Release(lease, OutcomeOther)
		return nil, ctx.Err()
	}
	return p.finishWait(lease, start)
}

func (p *Pool) finishWait(lease *Lease, start time.Time) (*Lease, error) {
	if lease == nil {
		observeCheckout("exhausted", p.clock.Now().Sub(start))
		return nil, ErrPoolExhausted
	}
	observeCheckout("waited", p.clock.Now().Sub(start))
	return lease, nil
}

type releaseConfig struct {
	retryAfter time.Duration
	reason     string
}

type ReleaseOption func(*releaseConfig)

// WithRetryAfter extends a rate-limit cooldown to at least d.
func WithRetryAfter(d time.Duration) ReleaseOption {
	return func(c *releaseConfig) { c.retryAfter = d }
}

// WithReason records why a credential was disabled.
func WithReason(reason string) ReleaseOption {
	return func(c *releaseConfig) { c.reason = reason }
}

// Release returns a leased credential to the pool. Each lease can be
// released once; later calls return ErrLeaseReleased.
func (p *Pool) Release(lease *Lease, outcome Outcome, opts ...ReleaseOption) error {
	if lease == nil {
		return ErrLeaseReleased
	}
	var rc releaseConfig
	for _, opt := range opts {
		opt(&rc)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	credID, ok := p.active[lease.ID]
	if !ok {
		return ErrLeaseReleased
	}
	delete(p.active, lease.ID)

	e := p.entries[credID]
	e.leaseID = ""
	now := p.clock.Now()
	fields := log.Fields{"credential_id": credID, "lease_id": lease.ID, "outcome": outcome.String()}

	switch outcome {
	case OutcomeSuccess:
		e.failures = 0
		e.state = StateAvailable
	case OutcomeRateLimited:
		until := p.backoff.CooldownUntil(e.failures, now, rc.retryAfter)
		e.failures++
		p.coolLocked(e, now, until)
		fields["cooldown"] = until.Sub(now).String()
		log.WithFields(fields).Warn("credential rate limited")
	case OutcomeAuthInvalid:
		e.failures++
		e.state = StateDisabled
		e.disabledReason = rc.reason
		if e.disabledReason == "" {
			e.disabledReason = "upstream rejected credential"
		}
		log.WithFields(fields).Error("credential disabled")
	default:
		e.state = StateAvailable
	}

	metrics.LeaseReleasesTotal.WithLabelValues(outcome.String()).Inc()
	p.handoffLocked()
	if !p.servableLocked() {
		p.failWaitersLocked()
	}
	p.publishLocked()
	return nil
}

// Status returns a snapshot of every credential in registration order.
func (p *Pool) Status() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	ordered := p.orderedLocked()
	out := make([]Status, 0, len(ordered))
	for _, e := range ordered {
		out = append(out, e.status())
	}
	return out
}

// Close stops pending cooldown timers and fails every waiter.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.stopCooldown != nil {
			e.stopCooldown()
			e.stopCooldown = nil
		}
	}
	p.failWaitersLocked()
}

func (p *Pool) coolLocked(e *entry, now, until time.Time) {
	d := until.Sub(now)
	if d <= 0 {
		e.state = StateAvailable
		e.cooldownUntil = time.Time{}
		return
	}
	e.state = StateCooling
	e.cooldownUntil = until
	if e.stopCooldown != nil {
		e.stopCooldown()
	}
	id := e.cred.ID
	e.stopCooldown = p.clock.AfterFunc(d, func() { p.expire(id, until) }).Stop
}

func (p *Pool) expire(id string, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok || e.state != StateCooling || !e.cooldownUntil.Equal(until) {
		return
	}
	e.state = StateAvailable
	e.stopCooldown = nil
	log.WithField("credential_id", id).Info("credential cooldown expired")
	p.handoffLocked()
	p.publishLocked()
}

// leaseBestLocked picks the least recently used available credential,
// breaking ties on fewer failures and then registration order.
func (p *Pool) leaseBestLocked() *Lease {
	now := p.clock.Now()
	var best *entry
	for _, e := range p.entries {
		if e.state == StateCooling && !now.Before(e.cooldownUntil) {
			e.state = StateAvailable
		}
		if e.state != StateAvailable {
			continue
		}
		if best == nil || better(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil
	}

	lease := &Lease{
		ID:           uuid.New().String(),
		CredentialID: best.cred.ID,
		Secret:       best.cred.Secret,
		OrgID:        best.cred.OrgID,
		IssuedAt:     now,
	}
	if p.leaseTTL > 0 {
		lease.Deadline = now.Add(p.leaseTTL)
	}
	best.state = StateLeased
	best.lastUsed = now
	best.leaseID = lease.ID
	p.active[lease.ID] = best.cred.ID
	return lease
}

func better(a, b *entry) bool {
	if !a.lastUsed.Equal(b.lastUsed) {
		return a.lastUsed.Before(b.lastUsed)
	}
	if a.failures != b.failures {
		return a.failures < b.failures
	}
	return a.order < b.order
}

// handoffLocked serves queued waiters, oldest first, while credentials are
// available.
func (p *Pool) handoffLocked() {
	for len(p.waiters) > 0 {
		lease := p.leaseBestLocked()
		if lease == nil {
			return
		}
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- lease
	}
}

func (p *Pool) failWaitersLocked() {
	for _, w := range p.waiters {
		w.ch <- nil
	}
	p.waiters = nil
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, cur := range p.waiters {
		if cur == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// servableLocked reports whether any credential could ever be leased again.
func (p *Pool) servableLocked() bool {
	for _, e := range p.entries {
		if e.state != StateDisabled {
			return true
		}
	}
	return false
}

func (p *Pool) orderedLocked() []*entry {
	out := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

func (p *Pool) publishLocked() {
	counts := make(map[State]int, len(allStates))
	for _, e := range p.entries {
		counts[e.state]++
	}
	for _, s := range allStates {
		metrics.CredentialsByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func observeCheckout(result string, wait time.Duration) {
	metrics.CheckoutsTotal.WithLabelValues(result).Inc()
	metrics.CheckoutWait.Observe(wait.Seconds())
}

// String is used in log lines; it never includes the secret.
func (l *Lease) String() string {
	return fmt.Sprintf("lease %s (credential %s)", l.ID, l.CredentialID)
}
