package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/session-gateway/internal/clock"
)

func newTestPool(t *testing.T, clk clock.Clock, ids ...string) *Pool {
	t.Helper()
	p := NewPool(Options{
		Backoff: BackoffPolicy{Base: time.Minute, Multiplier: 2, Max: time.Hour},
		Clock:   clk,
	})
	t.Cleanup(p.Close)
	for _, id := range ids {
		require.True(t, p.Register(Credential{ID: id, Secret: "secret-" + id}))
	}
	return p
}

func stateOf(t *testing.T, p *Pool, id string) Status {
	t.Helper()
	for _, s := range p.Status() {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("credential %s not found", id)
	return Status{}
}

func TestRegisterIsIdempotent(t *testing.T) {
	p := newTestPool(t, nil, "a")

	assert.False(t, p.Register(Credential{ID: "a", Secret: "other"}))
	assert.False(t, p.Register(Credential{}))

	lease, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "secret-a", lease.Secret)
	assert.Len(t, p.Status(), 1)
}

func TestCheckoutPrefersLeastRecentlyUsed(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	p := newTestPool(t, fake, "a", "b", "c")

	first, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "a", first.CredentialID)
	require.NoError(t, p.Release(first, OutcomeSuccess))

	fake.Advance(time.Second)
	second, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "b", second.CredentialID)
	require.NoError(t, p.Release(second, OutcomeSuccess))

	fake.Advance(time.Second)
	third, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "c", third.CredentialID)
}

func TestCheckoutTieBreaksOnFailureCount(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	p := NewPool(Options{Backoff: BackoffPolicy{}, Clock: fake})
	t.Cleanup(p.Close)
	p.Register(Credential{ID: "a"})
	p.Register(Credential{ID: "b"})

	// Lease both at the same instant so lastUsed ties, then penalise a.
	la, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	lb, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	// Zero backoff base: rate limit counts a failure but cools for 0s.
	require.NoError(t, p.Release(la, OutcomeRateLimited))
	require.NoError(t, p.Release(lb, OutcomeOther))

	next, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "b", next.CredentialID)
}

func TestMutualExclusion(t *testing.T) {
	p := newTestPool(t, nil, "a", "b", "c")

	var (
		mu     sync.Mutex
		active = make(map[string]bool)
		wg     sync.WaitGroup
		errs   = make(chan error, 64)
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				lease, err := p.Checkout(context.Background(), time.Second)
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				if active[lease.CredentialID] {
					mu.Unlock()
					errs <- fmt.Errorf("credential %s leased twice", lease.CredentialID)
					return
				}
				active[lease.CredentialID] = true
				mu.Unlock()

				time.Sleep(50 * time.Microsecond)

				mu.Lock()
				delete(active, lease.CredentialID)
				mu.Unlock()
				if err := p.Release(lease, OutcomeSuccess); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRateLimitedCooldown(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	p := newTestPool(t, fake, "a")

	lease, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(lease, OutcomeRateLimited))

	st := stateOf(t, p, "a")
	assert.Equal(t, StateCooling, st.State)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, time.Unix(1000, 0).Add(time.Minute), st.CooldownUntil)

	fake.Advance(time.Minute - time.Nanosecond)
	_, err = p.Checkout(context.Background(), 0)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	fake.Advance(time.Nanosecond)
	assert.Equal(t, StateAvailable, stateOf(t, p, "a").State)
	lease, err = p.Checkout(context.Background(), 0)
	require.NoError(t, err)

	// Second consecutive rate limit doubles the cooldown.
	require.NoError(t, p.Release(lease, OutcomeRateLimited))
	st = stateOf(t, p, "a")
	assert.Equal(t, 2, st.Failures)
	assert.Equal(t, fake.Now().Add(2*time.Minute), st.CooldownUntil)

	fake.Advance(2*time.Minute - time.Second)
	_, err = p.Checkout(context.Background(), 0)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	fake.Advance(time.Second)
	lease, err = p.Checkout(context.Background(), 0)
	require.NoError(t, err)

	require.NoError(t, p.Release(lease, OutcomeSuccess))
	assert.Zero(t, stateOf(t, p, "a").Failures)
}

func TestRateLimitedHonoursRetryAfter(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	p := newTestPool(t, fake, "a")

	lease, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(lease, OutcomeRateLimited, WithRetryAfter(10*time.Minute)))

	fake.Advance(5 * time.Minute)
	_, err = p.Checkout(context.Background(), 0)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	fake.Advance(5 * time.Minute)
	_, err = p.Checkout(context.Background(), 0)
	assert.NoError(t, err)
}

func TestCooldownExpiryServesWaiter(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	p := newTestPool(t, fake, "a")

	lease, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(lease, OutcomeRateLimited))

	got := make(chan *Lease, 1)
	go func() {
		l, err := p.Checkout(context.Background(), time.Hour)
		if err == nil {
			got <- l
		}
		close(got)
	}()

	// Wait until the waiter is queued before moving time.
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.waiters) == 1
	}, time.Second, time.Millisecond)

	fake.Advance(time.Minute)
	select {
	case l := <-got:
		require.NotNil(t, l)
		assert.Equal(t, "a", l.CredentialID)
	case <-time.After(time.Second):
		t.Fatal("waiter not served after cooldown expiry")
	}
}

func TestAuthInvalidIsTerminal(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	p := newTestPool(t, fake, "a", "b")

	lease, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "a", lease.CredentialID)
	require.NoError(t, p.Release(lease, OutcomeAuthInvalid, WithReason("401 from upstream")))

	st := stateOf(t, p, "a")
	assert.Equal(t, StateDisabled, st.State)
	assert.Equal(t, "401 from upstream", st.DisabledReason)
	assert.False(t, p.Register(Credential{ID: "a", Secret: "fresh"}))

	for i := 0; i < 5; i++ {
		fake.Advance(24 * time.Hour)
		l, err := p.Checkout(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, "b", l.CredentialID)
		require.NoError(t, p.Release(l, OutcomeSuccess))
	}
	assert.Equal(t, StateDisabled, stateOf(t, p, "a").State)
}

func TestAllDisabledFailsFast(t *testing.T) {
	p := newTestPool(t, nil, "a")

	lease, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Checkout(context.Background(), time.Minute)
		waitErr <- err
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.waiters) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Release(lease, OutcomeAuthInvalid))
	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrPoolExhausted)
	case <-time.After(time.Second):
		t.Fatal("waiter kept waiting on a pool with no live credentials")
	}

	start := time.Now()
	_, err = p.Checkout(context.Background(), time.Minute)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoubleReleaseIsRejected(t *testing.T) {
	p := newTestPool(t, nil, "a")

	lease, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(lease, OutcomeSuccess))
	assert.ErrorIs(t, p.Release(lease, OutcomeAuthInvalid), ErrLeaseReleased)
	assert.Equal(t, StateAvailable, stateOf(t, p, "a").State)
	assert.ErrorIs(t, p.Release(nil, OutcomeSuccess), ErrLeaseReleased)
}

func TestExhaustionAndWaiting(t *testing.T) {
	const hold = 100 * time.Millisecond

	t.Run("timeout longer than hold succeeds after the hold", func(t *testing.T) {
		p := newTestPool(t, nil, "only")
		lease, err := p.Checkout(context.Background(), 0)
		require.NoError(t, err)
		go func() {
			time.Sleep(hold)
			_ = p.Release(lease, OutcomeSuccess)
		}()

		start := time.Now()
		second, err := p.Checkout(context.Background(), 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "only", second.CredentialID)
		assert.GreaterOrEqual(t, time.Since(start), hold-10*time.Millisecond)
	})

	t.Run("timeout shorter than hold is exhausted", func(t *testing.T) {
		p := newTestPool(t, nil, "only")
		lease, err := p.Checkout(context.Background(), 0)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Release(lease, OutcomeSuccess) })

		start := time.Now()
		_, err = p.Checkout(context.Background(), 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrPoolExhausted)
		assert.Less(t, time.Since(start), hold)
	})
}

func TestCheckoutHonoursContext(t *testing.T) {
	p := newTestPool(t, nil, "only")
	lease, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	defer p.Release(lease, OutcomeSuccess)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(ctx, time.Minute)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.waiters)
}

func TestWaitersServedInArrivalOrder(t *testing.T) {
	p := newTestPool(t, nil, "only")
	lease, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)

	const n = 5
	order := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			l, err := p.Checkout(context.Background(), 5*time.Second)
			if err != nil {
				return
			}
			order <- i
			_ = p.Release(l, OutcomeSuccess)
		}()
		require.Eventually(t, func() bool {
			p.mu.Lock()
			defer p.mu.Unlock()
			return len(p.waiters) == i+1
		}, time.Second, time.Millisecond)
	}

	require.NoError(t, p.Release(lease, OutcomeSuccess))
	for want := 0; want < n; want++ {
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never served", want)
		}
	}
}

func TestLeaseDeadline(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	p := NewPool(Options{LeaseTTL: 2 * time.Minute, Clock: fake})
	t.Cleanup(p.Close)
	p.Register(Credential{ID: "a", Secret: "s", OrgID: "org"})

	lease, err := p.Checkout(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1000, 0).Add(2*time.Minute), lease.Deadline)
	assert.Equal(t, "org", lease.OrgID)
	assert.Equal(t, "lease "+lease.ID+" (credential a)", lease.String())
}

func TestStatusOmitsSecrets(t *testing.T) {
	p := newTestPool(t, nil, "a", "b")
	statuses := p.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].ID)
	assert.Equal(t, "b", statuses[1].ID)
	assert.NotContains(t, fmt.Sprintf("%+v", statuses), "secret-")
}

func TestReleaseCooldownMatchesPolicy(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	p := newTestPool(t, fake, "a")
	policy := BackoffPolicy{Base: time.Minute, Multiplier: 2, Max: time.Hour}

	for failures, hint := range []time.Duration{0, 5 * time.Minute, time.Second} {
		lease, err := p.Checkout(context.Background(), 0)
		require.NoError(t, err)
		now := fake.Now()
		require.NoError(t, p.Release(lease, OutcomeRateLimited, WithRetryAfter(hint)))

		st := stateOf(t, p, "a")
		assert.Equal(t, policy.CooldownUntil(failures, now, hint), st.CooldownUntil, "failures=%d", failures)
		fake.Advance(st.CooldownUntil.Sub(now))
	}
}
