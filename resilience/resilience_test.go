package resilience

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/ocentra/matchcore/clockutil"
	"github.com/ocentra/matchcore/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWallets(t *testing.T, n int) ([]ports.Wallet, []ed25519.PrivateKey) {
	t.Helper()
	wallets := make([]ports.Wallet, n)
	keys := make([]ed25519.PrivateKey, n)
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		wallets[i] = ports.Wallet{ID: string(rune('a' + i)), PublicKey: string(pub)}
		keys[i] = priv
	}
	return wallets, keys
}

// TestWalletPoolRotation checks P8: rotation by transaction count threshold.
func TestWalletPoolRotation(t *testing.T) {
	wallets, keys := newTestWallets(t, 2)
	clock := clockutil.NewFake(time.Now())
	pool, err := NewWalletPool(wallets, keys, 3, clock)
	require.NoError(t, err)

	first := pool.Current()
	for i := 0; i < 2; i++ {
		pool.RecordTx()
		assert.Equal(t, first, pool.Current(), "should not rotate before threshold")
	}
	pool.RecordTx() // third call crosses the threshold of 3
	assert.NotEqual(t, first, pool.Current(), "should rotate once threshold is crossed")
}

func TestWalletPoolRejectsEmptyPool(t *testing.T) {
	clock := clockutil.NewFake(time.Now())
	_, err := NewWalletPool(nil, nil, 10, clock)
	assert.Error(t, err)
}

func TestWalletPoolSignUsesCurrentIdentity(t *testing.T) {
	wallets, keys := newTestWallets(t, 1)
	clock := clockutil.NewFake(time.Now())
	pool, err := NewWalletPool(wallets, keys, 100, clock)
	require.NoError(t, err)

	sig, err := pool.Sign([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "ed25519", sig.SigType)
	assert.NotEmpty(t, sig.Signature)
}

// TestInProcessRateLimiterFixedWindow checks P10-style fairness: N
// requests admitted per window, the next rejected, then admitted again
// once the window resets.
func TestInProcessRateLimiterFixedWindow(t *testing.T) {
	clock := clockutil.NewFake(time.Now())
	rl := NewInProcessRateLimiter(2, 10, clock)

	r1, err := rl.Check(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := rl.Check(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, r2.Allowed)

	r3, err := rl.Check(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, r3.Allowed, "third request in the window should be rejected")

	clock.Advance(11 * time.Second)
	r4, err := rl.Check(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, r4.Allowed, "a new window should admit requests again")
}

func TestInProcessRateLimiterPartitionsByUser(t *testing.T) {
	clock := clockutil.NewFake(time.Now())
	rl := NewInProcessRateLimiter(1, 60, clock)

	r1, err := rl.Check(context.Background(), "user-a")
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := rl.Check(context.Background(), "user-b")
	require.NoError(t, err)
	assert.True(t, r2.Allowed, "a different user must not share user-a's bucket")
}

// TestCircuitBreakerTripsAndRecovers checks P9 / S6: closed -> open after
// failure_threshold, rejects while open, half-open admits
// success_threshold probes, closes after enough successes.
func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	clock := clockutil.NewFake(time.Now())
	breaker := NewCircuitBreaker(5, 2, 60*time.Second, clock)

	failing := func(ctx context.Context) error { return errors.New("network error") }
	succeeding := func(ctx context.Context) error { return nil }

	for i := 0; i < 5; i++ {
		err := breaker.Execute(context.Background(), failing, nil)
		assert.Error(t, err)
	}
	assert.Equal(t, StateOpen, breaker.State())

	// 6th call: breaker open, fails fast without invoking op.
	invoked := false
	err := breaker.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	}, nil)
	assert.Error(t, err)
	assert.False(t, invoked)

	assert.Contains(t, err.Error(), "circuit open")

	clock.Advance(61 * time.Second)

	err = breaker.Execute(context.Background(), succeeding, nil)
	assert.NoError(t, err)
	assert.Equal(t, StateHalfOpen, breaker.State(), "one success should not yet close a breaker needing 2")

	err = breaker.Execute(context.Background(), succeeding, nil)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := clockutil.NewFake(time.Now())
	breaker := NewCircuitBreaker(1, 2, 10*time.Second, clock)

	_ = breaker.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") }, nil)
	assert.Equal(t, StateOpen, breaker.State())

	clock.Advance(11 * time.Second)
	err := breaker.Execute(context.Background(), func(ctx context.Context) error { return errors.New("still failing") }, nil)
	assert.Error(t, err)
	assert.Equal(t, StateOpen, breaker.State(), "a failed probe during half-open must re-open immediately")
}

func TestCircuitBreakerFallbackRunsWhenOpen(t *testing.T) {
	clock := clockutil.NewFake(time.Now())
	breaker := NewCircuitBreaker(1, 2, 10*time.Second, clock)
	_ = breaker.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") }, nil)

	fallbackRan := false
	err := breaker.Execute(context.Background(), func(ctx context.Context) error { return nil }, func(ctx context.Context) error {
		fallbackRan = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, fallbackRan)
}
