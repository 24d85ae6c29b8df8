// Package instance implements the Match Instance durable actor (spec
// §4.7): the single-writer owner of one match's MatchState. Every
// match_id maps to exactly one *Instance, serialized with a mutex the
// same way the teacher's middleware.JWTMiddleware guards its shared
// token blacklist — one lock per resource, held only across the
// critical section, with Store writes happening before any method
// returns so a restart can rehydrate from the persisted key.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ocentra/matchcore/models"
	"github.com/ocentra/matchcore/ports"
)

func persistenceKey(matchID string) string {
	return "match:" + matchID
}

func moveTimeoutAlarmKey(matchID string) string {
	return "move_timeout:" + matchID
}

// subscriber is one open push channel for state_update messages.
type subscriber struct {
	ch chan models.SubscriberMessage
}

// Instance is the durable actor for one match_id (spec §4.7).
type Instance struct {
	mu sync.Mutex

	matchID string
	state   models.MatchState

	store     ports.Store
	scheduler ports.Scheduler
	auth      ports.AuthVerifier
	clock     ports.Clock

	subsMu sync.Mutex
	subs   []*subscriber

	txTimeout time.Duration
}

// New creates a brand-new match in phase Created (spec §4.7 "create").
// The caller is responsible for ensuring at most one live Instance per
// match_id exists process-wide (spec §4.7 "at most one live instance").
func New(ctx context.Context, store ports.Store, scheduler ports.Scheduler, auth ports.AuthVerifier, clock ports.Clock, matchID string, gameType int, seed interface{}, highValue bool, txTimeout time.Duration) (*Instance, error) {
	inst := &Instance{
		matchID:   matchID,
		store:     store,
		scheduler: scheduler,
		auth:      auth,
		clock:     clock,
		txTimeout: txTimeout,
		state: models.MatchState{
			MatchID:             matchID,
			Phase:               models.PhaseCreated,
			Seed:                seed,
			CreatedAt:           clock.Timestamp(),
			HighValue:           highValue,
			PendingTransactions: make(map[string]models.PendingTransaction),
		},
	}
	if err := inst.persist(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// Load rehydrates an Instance from its persisted state (spec §4.7 "On
// restart, the instance rehydrates its state from that key"). Returns
// models.ErrNotFound if no state exists for matchID.
func Load(ctx context.Context, store ports.Store, scheduler ports.Scheduler, auth ports.AuthVerifier, clock ports.Clock, matchID string, txTimeout time.Duration) (*Instance, error) {
	raw, found, err := store.Get(ctx, persistenceKey(matchID))
	if err != nil {
		return nil, &models.PersistenceError{Op: "instance.load", Cause: err}
	}
	if !found {
		return nil, models.ErrNotFound
	}
	var state models.MatchState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, &models.PersistenceError{Op: "instance.unmarshal", Cause: err}
	}
	if state.PendingTransactions == nil {
		state.PendingTransactions = make(map[string]models.PendingTransaction)
	}
	return &Instance{
		matchID:   matchID,
		store:     store,
		scheduler: scheduler,
		auth:      auth,
		clock:     clock,
		txTimeout: txTimeout,
		state:     state,
	}, nil
}

func (i *Instance) persist(ctx context.Context) error {
	raw, err := json.Marshal(i.state)
	if err != nil {
		return &models.PersistenceError{Op: "instance.marshal", Cause: err}
	}
	if err := i.store.Put(ctx, persistenceKey(i.matchID), raw); err != nil {
		return &models.PersistenceError{Op: "instance.persist", Cause: err}
	}
	i.broadcastLocked()
	return nil
}

// broadcastLocked must be called with i.mu held; it fans the current
// state out to subscribers without blocking on any one of them (spec
// §4.7 "the instance never blocks on subscribers"). A send that would
// block is treated as a dead channel and pruned.
func (i *Instance) broadcastLocked() {
	msg := models.SubscriberMessage{Type: "state_update", MatchState: i.state.Clone()}

	i.subsMu.Lock()
	defer i.subsMu.Unlock()

	alive := i.subs[:0]
	for _, s := range i.subs {
		select {
		case s.ch <- msg:
			alive = append(alive, s)
		default:
			close(s.ch)
		}
	}
	i.subs = alive
}

// Subscribe opens a push channel for this match's state_update stream
// (spec §4.7 "Subscribers"). The caller must drain the channel; a
// disconnect should call the returned cancel func, which never affects
// in-flight operations (spec §5 "Cancellation").
func (i *Instance) Subscribe() (<-chan models.SubscriberMessage, func()) {
	sub := &subscriber{ch: make(chan models.SubscriberMessage, 8)}

	i.subsMu.Lock()
	i.subs = append(i.subs, sub)
	i.subsMu.Unlock()

	cancel := func() {
		i.subsMu.Lock()
		defer i.subsMu.Unlock()
		for idx, s := range i.subs {
			if s == sub {
				i.subs = append(i.subs[:idx], i.subs[idx+1:]...)
				close(sub.ch)
				break
			}
		}
	}
	return sub.ch, cancel
}

// GetState returns a read-only snapshot of the current state (spec
// §4.7 "get_state").
func (i *Instance) GetState() models.MatchState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state.Clone()
}

// Join appends a player if the match is still in phase Created and the
// player is not already present (spec §4.7 "join").
func (i *Instance) Join(ctx context.Context, player models.Player) (models.MatchState, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state.Phase != models.PhaseCreated {
		return models.MatchState{}, models.ErrWrongPhase
	}
	for _, p := range i.state.Players {
		if p.PubKey == player.PubKey {
			return i.state.Clone(), nil
		}
	}

	i.state.Players = append(i.state.Players, player)
	i.state.PlayerCount = len(i.state.Players)
	if i.state.PlayerCount >= 2 {
		i.state.Phase = models.PhasePlaying
	}

	if err := i.persist(ctx); err != nil {
		return models.MatchState{}, err
	}
	return i.state.Clone(), nil
}

// BeginMove validates phase/authorization and optimistically applies a
// move, returning the pre-apply snapshot for §4.6.1 step 4 and arming a
// timeout alarm for tx_timeout (spec §4.7 "submit_move").
func (i *Instance) BeginMove(ctx context.Context, move models.Move, userID, bearerToken string, onTimeout func()) (stateBefore models.MatchState, err error) {
	if i.auth != nil {
		tokenUserID, err := i.auth.VerifyToken(ctx, bearerToken)
		if err != nil {
			return models.MatchState{}, &models.AuthorizationError{Reason: err.Error()}
		}
		if tokenUserID != userID {
			return models.MatchState{}, &models.AuthorizationError{Reason: "token user_id does not match request user_id"}
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state.Phase != models.PhasePlaying {
		return models.MatchState{}, models.ErrWrongPhase
	}
	found := false
	for _, p := range i.state.Players {
		if p.PubKey == move.PlayerID {
			found = true
			break
		}
	}
	if !found {
		return models.MatchState{}, models.NewValidationError("player_id %q not in match", move.PlayerID)
	}
	if len(i.state.PendingTransactions) > 0 {
		return models.MatchState{}, models.NewValidationError("match %s already has a pending transaction", i.matchID)
	}

	before := i.state.Clone()

	i.state.MoveCount++
	if i.state.PlayerCount > 0 {
		i.state.CurrentPlayer = (i.state.CurrentPlayer + 1) % i.state.PlayerCount
	}

	deadline := i.clock.Now().Add(i.txTimeout)
	txID := fmt.Sprintf("pending-%s-%d", i.matchID, move.Index)
	i.state.PendingTransactions[txID] = models.PendingTransaction{
		TxID:            txID,
		Move:            move,
		SubmissionTime:  i.clock.Now(),
		StateBefore:     before,
		TimeoutDeadline: deadline,
	}

	if i.scheduler != nil && onTimeout != nil {
		i.scheduler.ScheduleAt(fmt.Sprintf("%s:%s", moveTimeoutAlarmKey(i.matchID), txID), deadline, onTimeout)
	}

	if err := i.persist(ctx); err != nil {
		return models.MatchState{}, err
	}
	return before, nil
}

// ResolvePending removes a pending transaction either by committing it
// (confirmed) or rolling back to its recorded state_before (failed or
// timed out), per spec §4.6.1 step 9 / §4.6.2.
func (i *Instance) ResolvePending(ctx context.Context, txID string, confirmed bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	pending, ok := i.state.PendingTransactions[txID]
	if !ok {
		return nil
	}
	delete(i.state.PendingTransactions, txID)
	if i.scheduler != nil {
		i.scheduler.Cancel(fmt.Sprintf("%s:%s", moveTimeoutAlarmKey(i.matchID), txID))
	}

	if !confirmed {
		// Roll back to the exact pre-apply snapshot (spec P5), preserving
		// the pending-transactions map manipulation already done above.
		pendingTxs := i.state.PendingTransactions
		i.state = pending.StateBefore.Clone()
		i.state.PendingTransactions = pendingTxs
	}

	return i.persist(ctx)
}

// PendingTxIDs returns the ids of all currently pending transactions; the
// coordinator's Finalize awaits each of them before building the record.
func (i *Instance) PendingTxIDs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	ids := make([]string, 0, len(i.state.PendingTransactions))
	for id := range i.state.PendingTransactions {
		ids = append(ids, id)
	}
	return ids
}

// PendingTransaction returns one pending transaction by id.
func (i *Instance) PendingTransaction(txID string) (models.PendingTransaction, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	tx, ok := i.state.PendingTransactions[txID]
	return tx, ok
}

// Sync performs the §4.6.3 four-field comparison against onChain and
// either pauses-with-conflict or clears settled pending entries (spec
// §4.7 "sync").
func (i *Instance) Sync(ctx context.Context, onChain models.OnChainState, metrics ports.MetricsSink) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	mismatch := i.state.MoveCount != onChain.MoveCount ||
		i.state.Phase != onChain.Phase ||
		i.state.CurrentPlayer != onChain.CurrentPlayer ||
		!seedsEqual(i.state.Seed, onChain.Seed)

	if mismatch {
		fields := mismatchedFields(i.state, onChain)
		i.state.MoveCount = onChain.MoveCount
		i.state.Phase = onChain.Phase
		i.state.CurrentPlayer = onChain.CurrentPlayer
		i.state.Seed = onChain.Seed
		i.state.Phase = models.PhasePaused

		if metrics != nil {
			metrics.Record("reconciliation_conflict", map[string]interface{}{
				"match_id": i.matchID,
				"fields":   fields,
			})
		}
		if err := i.persist(ctx); err != nil {
			return err
		}
		return &models.ConflictError{Fields: fields}
	}

	for txID, tx := range i.state.PendingTransactions {
		if tx.Move.Index < onChain.MoveCount {
			delete(i.state.PendingTransactions, txID)
		}
	}
	return i.persist(ctx)
}

func seedsEqual(a, b interface{}) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func mismatchedFields(off models.MatchState, on models.OnChainState) []string {
	var fields []string
	if off.MoveCount != on.MoveCount {
		fields = append(fields, "move_count")
	}
	if off.Phase != on.Phase {
		fields = append(fields, "phase")
	}
	if off.CurrentPlayer != on.CurrentPlayer {
		fields = append(fields, "current_player")
	}
	if !seedsEqual(off.Seed, on.Seed) {
		fields = append(fields, "seed")
	}
	return fields
}

// Checkpoint produces a structurally-typed snapshot at the current
// event index (spec §4.6.4, §4.7 "checkpoint").
func (i *Instance) Checkpoint(ctx context.Context) (models.Checkpoint, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	cp := models.Checkpoint{
		MatchID:       i.matchID,
		EventIndex:    i.state.MoveCount,
		StateSnapshot: i.state.Clone(),
		Timestamp:     models.NewTimestamp(i.clock.Timestamp()),
	}
	return cp, nil
}

// RecordCheckpointRef stores the checkpoint reference on the state after
// a checkpoint has been hashed and uploaded (spec §4.6.4).
func (i *Instance) RecordCheckpointRef(ctx context.Context, eventIndex int, stateHash string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state.LastCheckpoint = &models.CheckpointRef{
		EventIndex: eventIndex,
		StateHash:  stateHash,
		Timestamp:  i.clock.Timestamp(),
	}
	return i.persist(ctx)
}

// Finalize sets phase Ended, records ended_at, and persists (spec §4.7
// "finalize").
func (i *Instance) Finalize(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state.Phase = models.PhaseEnded
	now := i.clock.Timestamp()
	i.state.EndedAt = &now
	return i.persist(ctx)
}

// HighValue reports whether this match is marked high-value for the
// checkpoint cadence decision (spec §4.6.4).
func (i *Instance) HighValue() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state.HighValue
}

// MoveCount returns the current move count.
func (i *Instance) MoveCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state.MoveCount
}

// MatchID returns the owning match id.
func (i *Instance) MatchID() string { return i.matchID }
