package coordinator

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ocentra/matchcore/chain"
	"github.com/ocentra/matchcore/clockutil"
	"github.com/ocentra/matchcore/cryptosign"
	"github.com/ocentra/matchcore/instance"
	"github.com/ocentra/matchcore/models"
	"github.com/ocentra/matchcore/objstore"
	"github.com/ocentra/matchcore/ports"
	"github.com/ocentra/matchcore/resilience"
	"github.com/ocentra/matchcore/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	coord     *Coordinator
	inst      *instance.Instance
	mockChain *chain.MockClient
	store     *objstore.MemStore
	clock     *clockutil.Fake
}

func newRig(t *testing.T, highValue bool) *testRig {
	t.Helper()

	clock := clockutil.NewFake(time.Now())
	store := objstore.NewMemStore()
	wheel := scheduler.New()

	pub, priv, err := cryptosign.GenerateKey()
	require.NoError(t, err)
	pubHex := hex.EncodeToString(pub)

	mockChain := chain.NewMockClient(pubHex)

	wallets, err := resilience.NewWalletPool(
		[]ports.Wallet{{ID: "w0", PublicKey: pubHex}},
		[]ed25519.PrivateKey{priv},
		1000,
		clock,
	)
	require.NoError(t, err)

	rateLimiter := resilience.NewInProcessRateLimiter(100, 60, clock)
	breaker := resilience.NewCircuitBreaker(5, 2, 60*time.Second, clock)

	coord := New(mockChain, store, clock, nil, rateLimiter, breaker, wallets, nil, nil, nil, Config{
		TxTimeout:               5 * time.Second,
		SyncIntervalMoves:       10,
		CheckpointIntervalMoves: 1,
		BatchingEnabled:         false,
	})

	inst, err := instance.New(context.Background(), store, wheel, nil, clock, "match-1", 1, "seed", highValue, 5*time.Second)
	require.NoError(t, err)

	_, err = mockChain.CreateMatch(context.Background(), "match-1", 1, "seed", wallets.Current())
	require.NoError(t, err)
	_, err = inst.Join(context.Background(), models.Player{PubKey: "p1"})
	require.NoError(t, err)
	_, err = inst.Join(context.Background(), models.Player{PubKey: "p2"})
	require.NoError(t, err)
	_, err = mockChain.JoinMatch(context.Background(), "match-1", "p1", wallets.Current())
	require.NoError(t, err)
	_, err = mockChain.JoinMatch(context.Background(), "match-1", "p2", wallets.Current())
	require.NoError(t, err)

	return &testRig{coord: coord, inst: inst, mockChain: mockChain, store: store, clock: clock}
}

// TestSubmitMoveHappyPath checks the full nine-step protocol reaches a
// confirmed state and advances move_count.
func TestSubmitMoveHappyPath(t *testing.T) {
	rig := newRig(t, false)

	move := models.Move{Index: 0, PlayerID: "p1", Type: "play", Nonce: "n1"}
	state, err := rig.coord.SubmitMove(context.Background(), rig.inst, move, "user-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, state.MoveCount)
	assert.Empty(t, state.PendingTransactions)
}

type exhaustedRateLimiter struct{}

func (exhaustedRateLimiter) Check(_ context.Context, _ string) (resilience.RateLimitResult, error) {
	return resilience.RateLimitResult{Allowed: false, Remaining: 0, ResetAtUnix: time.Now().Add(time.Minute).Unix()}, nil
}

// TestSubmitMoveRateLimited checks the rate limiter short-circuits
// before any blockchain call.
func TestSubmitMoveRateLimited(t *testing.T) {
	rig := newRig(t, false)
	rig.coord.rateLimiter = exhaustedRateLimiter{}

	move := models.Move{Index: 0, PlayerID: "p1", Type: "play", Nonce: "n1"}
	_, err := rig.coord.SubmitMove(context.Background(), rig.inst, move, "user-1", "", nil)
	require.Error(t, err)

	var rateLimited *models.RateLimitedError
	assert.ErrorAs(t, err, &rateLimited)
}

// TestSubmitMoveBreakerOpenRollsBack checks that a submit failure while
// the circuit is open rolls the optimistic apply back (spec §4.6.1
// step 9 failure path) and surfaces the breaker's error.
func TestSubmitMoveBreakerOpenRollsBack(t *testing.T) {
	rig := newRig(t, false)

	// Trip the breaker by forcing repeated submit failures via an
	// unknown match id on the rig's shared mock chain.
	for i := 0; i < 5; i++ {
		_, _ = rig.mockChain.SubmitMove(context.Background(), "no-such-match", models.Move{Index: i}, ports.Wallet{})
	}
	for i := 0; i < 5; i++ {
		err := rig.coord.breaker.Execute(context.Background(), func(ctx context.Context) error {
			_, err := rig.mockChain.SubmitMove(ctx, "no-such-match", models.Move{Index: i}, ports.Wallet{})
			return err
		}, nil)
		_ = err
	}
	require.Equal(t, resilience.StateOpen, rig.coord.breaker.State())

	before := rig.inst.GetState()
	move := models.Move{Index: 0, PlayerID: "p1", Type: "play", Nonce: "n1"}
	_, err := rig.coord.SubmitMove(context.Background(), rig.inst, move, "user-1", "", nil)
	require.Error(t, err)
	var open *models.BreakerOpenError
	assert.ErrorAs(t, err, &open)

	after := rig.inst.GetState()
	assert.Equal(t, before.MoveCount, after.MoveCount, "a submit failure must roll the optimistic apply back")
	assert.Empty(t, after.PendingTransactions)
}

// TestReconcileDetectsConflict checks §4.6.3: a mismatched on-chain
// move_count pauses the match and returns a conflict.
func TestReconcileDetectsConflict(t *testing.T) {
	rig := newRig(t, false)

	_, err := rig.mockChain.SubmitMove(context.Background(), "match-1", models.Move{Index: 5, PlayerID: "p1"}, ports.Wallet{})
	require.NoError(t, err)

	err = rig.coord.reconcile(context.Background(), rig.inst)
	require.Error(t, err)

	var conflict *models.ConflictError
	assert.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.PhasePaused, rig.inst.GetState().Phase)
}

// TestCheckpointUploadsAndRecordsRef checks §4.6.4: checkpointing
// persists a reference the instance can be queried for afterward.
func TestCheckpointUploadsAndRecordsRef(t *testing.T) {
	rig := newRig(t, true)

	move := models.Move{Index: 0, PlayerID: "p1", Type: "play", Nonce: "n1"}
	_, err := rig.coord.SubmitMove(context.Background(), rig.inst, move, "user-1", "", nil)
	require.NoError(t, err)

	state := rig.inst.GetState()
	require.NotNil(t, state.LastCheckpoint)
	assert.NotEmpty(t, state.LastCheckpoint.StateHash)
}

type fakeCollector struct {
	record models.MatchRecord
}

func (f fakeCollector) CollectRecord(_ context.Context, _ string) (models.MatchRecord, error) {
	return f.record, nil
}

// TestFinalizeSignsUploadsAndDirectEndMatch checks §4.6.5: finalize
// requires Ended phase, signs the record once its deterministic storage
// URL is already set, uploads the signed bytes, and ends the match
// directly when batching is disabled.
func TestFinalizeSignsUploadsAndDirectEndMatch(t *testing.T) {
	rig := newRig(t, false)

	move := models.Move{Index: 0, PlayerID: "p1", Type: "play", Nonce: "n1"}
	_, err := rig.coord.SubmitMove(context.Background(), rig.inst, move, "user-1", "", nil)
	require.NoError(t, err)

	_, err = rig.mockChain.EndMatch(context.Background(), "match-1", "", "", rig.coord.wallets.Current())
	require.NoError(t, err)

	collector := fakeCollector{record: models.MatchRecord{
		MatchID: "match-1",
		Players: []models.Player{{PubKey: "p1"}, {PubKey: "p2"}},
	}}

	record, err := rig.coord.Finalize(context.Background(), rig.inst, collector)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEnded, record.Phase)
	assert.Len(t, record.Signatures, 1)
	assert.NotEmpty(t, record.Storage.HotURL)

	onChain, err := rig.mockChain.GetMatchState(context.Background(), "match-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEnded, onChain.Phase)
}

// TestFinalizeRequiresOnChainEnded checks that finalize refuses to run
// while the match is still Playing on-chain.
func TestFinalizeRequiresOnChainEnded(t *testing.T) {
	rig := newRig(t, false)
	collector := fakeCollector{record: models.MatchRecord{MatchID: "match-1"}}

	_, err := rig.coord.Finalize(context.Background(), rig.inst, collector)
	assert.ErrorIs(t, err, models.ErrNotFinalized)
}
