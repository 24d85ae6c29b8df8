package instance

import (
	"context"
	"testing"
	"time"

	"github.com/ocentra/matchcore/clockutil"
	"github.com/ocentra/matchcore/models"
	"github.com/ocentra/matchcore/objstore"
	"github.com/ocentra/matchcore/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstance(t *testing.T) (*Instance, *objstore.MemStore) {
	t.Helper()
	store := objstore.NewMemStore()
	clock := clockutil.NewFake(time.Now())
	wheel := scheduler.New()
	inst, err := New(context.Background(), store, wheel, nil, clock, "match-1", 1, "seed", false, 30*time.Second)
	require.NoError(t, err)
	return inst, store
}

func TestJoinTransitionsToPlayingAtTwoPlayers(t *testing.T) {
	inst, _ := newTestInstance(t)

	state, err := inst.Join(context.Background(), models.Player{PubKey: "p1"})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCreated, state.Phase)

	state, err = inst.Join(context.Background(), models.Player{PubKey: "p2"})
	require.NoError(t, err)
	assert.Equal(t, models.PhasePlaying, state.Phase)
	assert.Equal(t, 2, state.PlayerCount)
}

func TestJoinIsIdempotentForExistingPlayer(t *testing.T) {
	inst, _ := newTestInstance(t)
	_, err := inst.Join(context.Background(), models.Player{PubKey: "p1"})
	require.NoError(t, err)

	state, err := inst.Join(context.Background(), models.Player{PubKey: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, state.PlayerCount)
}

func TestJoinRejectedAfterPlayingStarts(t *testing.T) {
	inst, _ := newTestInstance(t)
	_, _ = inst.Join(context.Background(), models.Player{PubKey: "p1"})
	_, _ = inst.Join(context.Background(), models.Player{PubKey: "p2"})

	_, err := inst.Join(context.Background(), models.Player{PubKey: "p3"})
	assert.ErrorIs(t, err, models.ErrWrongPhase)
}

// TestBeginMoveRollbackExactness checks P5: after a submit_move whose
// transaction times out, the in-memory MatchState is bitwise equal to
// the snapshot taken before submission.
func TestBeginMoveRollbackExactness(t *testing.T) {
	inst, _ := newTestInstance(t)
	_, _ = inst.Join(context.Background(), models.Player{PubKey: "p1"})
	_, _ = inst.Join(context.Background(), models.Player{PubKey: "p2"})

	before := inst.GetState()

	move := models.Move{Index: 0, PlayerID: "p1", Type: "play", Nonce: "n1"}
	stateBefore, err := inst.BeginMove(context.Background(), move, "user-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, before.MoveCount, stateBefore.MoveCount)

	afterApply := inst.GetState()
	assert.Equal(t, 1, afterApply.MoveCount)

	txID := "pending-match-1-0"
	require.NoError(t, inst.ResolvePending(context.Background(), txID, false))

	rolledBack := inst.GetState()
	assert.Equal(t, before.MoveCount, rolledBack.MoveCount)
	assert.Equal(t, before.CurrentPlayer, rolledBack.CurrentPlayer)
	assert.Empty(t, rolledBack.PendingTransactions)
	assert.Equal(t, before, rolledBack)
}

func TestBeginMoveRejectsUnknownPlayer(t *testing.T) {
	inst, _ := newTestInstance(t)
	_, _ = inst.Join(context.Background(), models.Player{PubKey: "p1"})
	_, _ = inst.Join(context.Background(), models.Player{PubKey: "p2"})

	move := models.Move{Index: 0, PlayerID: "ghost", Type: "play"}
	_, err := inst.BeginMove(context.Background(), move, "user-1", "", nil)
	assert.Error(t, err)
}

func TestSyncClearsSettledPendingAndDetectsConflict(t *testing.T) {
	inst, _ := newTestInstance(t)
	_, _ = inst.Join(context.Background(), models.Player{PubKey: "p1"})
	_, _ = inst.Join(context.Background(), models.Player{PubKey: "p2"})

	_, err := inst.BeginMove(context.Background(), models.Move{Index: 0, PlayerID: "p1", Type: "play"}, "user-1", "", nil)
	require.NoError(t, err)

	matching := models.OnChainState{
		MatchID: "match-1", Phase: models.PhasePlaying, MoveCount: 1, CurrentPlayer: 1, PlayerCount: 2, Seed: "seed",
	}
	require.NoError(t, inst.Sync(context.Background(), matching, nil))
	assert.Empty(t, inst.GetState().PendingTransactions)

	conflicting := models.OnChainState{
		MatchID: "match-1", Phase: models.PhasePlaying, MoveCount: 5, CurrentPlayer: 1, PlayerCount: 2, Seed: "seed",
	}
	err = inst.Sync(context.Background(), conflicting, nil)
	require.Error(t, err)

	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Fields, "move_count")

	state := inst.GetState()
	assert.Equal(t, models.PhasePaused, state.Phase)
}

func TestLoadRehydratesPersistedState(t *testing.T) {
	store := objstore.NewMemStore()
	clock := clockutil.NewFake(time.Now())
	wheel := scheduler.New()
	inst, err := New(context.Background(), store, wheel, nil, clock, "match-2", 1, "seed", true, 30*time.Second)
	require.NoError(t, err)
	_, _ = inst.Join(context.Background(), models.Player{PubKey: "p1"})

	reloaded, err := Load(context.Background(), store, wheel, nil, clock, "match-2", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.GetState().PlayerCount)
	assert.True(t, reloaded.HighValue())
}

func TestLoadReportsNotFoundForUnknownMatch(t *testing.T) {
	store := objstore.NewMemStore()
	clock := clockutil.NewFake(time.Now())
	wheel := scheduler.New()
	_, err := Load(context.Background(), store, wheel, nil, clock, "nonexistent", 30*time.Second)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
