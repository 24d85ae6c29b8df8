// Package coordinator implements the Match Coordinator (spec §4.6): the
// submit_move protocol, timeout alarm handling, reconciliation,
// checkpointing, and finalize sequence. It owns no match state directly
// — every mutation is delegated to the owning instance.Instance so a
// single match's operations stay linearized (spec §4.7) — and depends
// only on the ports interfaces, the same inversion the teacher's
// api handlers use against blockchain.BlockchainClient and
// ipfs.IPFSService rather than talking to a concrete SDK.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/ocentra/matchcore/batch"
	"github.com/ocentra/matchcore/canon"
	"github.com/ocentra/matchcore/cryptosign"
	"github.com/ocentra/matchcore/instance"
	"github.com/ocentra/matchcore/models"
	"github.com/ocentra/matchcore/ports"
	"github.com/ocentra/matchcore/resilience"
)

// StatusCallback reports a transaction's lifecycle, matching the
// status_callback(match_id, status) contract in spec §4.6.1 step 8.
type StatusCallback func(matchID string, status models.StatusEvent)

// AIDecisionProvider supplies chain-of-thought segments spliced into a
// record at finalize time (spec §4.6.5 step 5). Deployments without an
// AI-decision provider pass a nil AIDecisionProvider to Coordinator.
type AIDecisionProvider interface {
	Segments(ctx context.Context, matchID, playerID string) ([]models.ReasoningSegment, models.ModelDescriptor, bool)
}

const maxConfirmRetries = 3
const maxBackoff = 10 * time.Second

// Coordinator drives the submit_move protocol across many matches, each
// serialized through its own *instance.Instance (spec §4.6 "one
// coordinator instance serves many matches").
type Coordinator struct {
	chain       ports.BlockchainClient
	store       ports.Store
	clock       ports.Clock
	metrics     ports.MetricsSink
	rateLimiter resilience.RateLimiter
	breaker     *resilience.CircuitBreaker
	wallets     *resilience.WalletPool
	batcher     *batch.Manager
	ai          AIDecisionProvider

	onStatus StatusCallback

	txTimeout          time.Duration
	syncIntervalMoves  int
	checkpointInterval int
	batchingEnabled    bool
}

// Config bundles the tunables a Coordinator is built from (spec §6).
type Config struct {
	TxTimeout               time.Duration
	SyncIntervalMoves       int
	CheckpointIntervalMoves int
	BatchingEnabled         bool
}

// New builds a Coordinator. batcher may be nil only if cfg.BatchingEnabled
// is false (spec §4.6.5 step 8 "if batching is disabled").
func New(chain ports.BlockchainClient, store ports.Store, clock ports.Clock, metrics ports.MetricsSink, rateLimiter resilience.RateLimiter, breaker *resilience.CircuitBreaker, wallets *resilience.WalletPool, batcher *batch.Manager, ai AIDecisionProvider, onStatus StatusCallback, cfg Config) *Coordinator {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 30 * time.Second
	}
	if cfg.SyncIntervalMoves <= 0 {
		cfg.SyncIntervalMoves = 10
	}
	if cfg.CheckpointIntervalMoves <= 0 {
		cfg.CheckpointIntervalMoves = 20
	}
	return &Coordinator{
		chain:              chain,
		store:              store,
		clock:              clock,
		metrics:            metrics,
		rateLimiter:        rateLimiter,
		breaker:            breaker,
		wallets:            wallets,
		batcher:            batcher,
		ai:                 ai,
		onStatus:           onStatus,
		txTimeout:          cfg.TxTimeout,
		syncIntervalMoves:  cfg.SyncIntervalMoves,
		checkpointInterval: cfg.CheckpointIntervalMoves,
		batchingEnabled:    cfg.BatchingEnabled,
	}
}

func (c *Coordinator) reportStatus(matchID string, status models.StatusEvent) {
	if c.onStatus != nil {
		c.onStatus(matchID, status)
	}
}

// SubmitMove runs the nine-step protocol in spec §4.6.1 against inst.
func (c *Coordinator) SubmitMove(ctx context.Context, inst *instance.Instance, move models.Move, userID, bearerToken string, overrideWallet *ports.Wallet) (models.MatchState, error) {
	// 1. Rate limit.
	result, err := c.rateLimiter.Check(ctx, userID)
	if err != nil {
		return models.MatchState{}, fmt.Errorf("coordinator: rate limiter backend error: %w", err)
	}
	if !result.Allowed {
		return models.MatchState{}, &models.RateLimitedError{RetryAt: time.Unix(result.ResetAtUnix, 0)}
	}

	// 2. Preflight: read on-chain state.
	onChain, err := c.chain.GetMatchState(ctx, inst.MatchID())
	if err != nil {
		return models.MatchState{}, models.ErrNotFound
	}
	if onChain.Phase != models.PhasePlaying {
		return models.MatchState{}, models.ErrWrongPhase
	}

	// 3. Wallet selection.
	var wallet ports.Wallet
	switch {
	case c.wallets != nil:
		wallet = c.wallets.Current()
	case overrideWallet != nil:
		wallet = *overrideWallet
	default:
		return models.MatchState{}, models.ErrNoWallet
	}

	// 4. Optimistic apply; records state_before internally and arms a
	// timeout alarm whose handler rolls back via inst.ResolvePending.
	txKey := fmt.Sprintf("pending-%s-%d", inst.MatchID(), move.Index)
	_, err = inst.BeginMove(ctx, move, userID, bearerToken, func() {
		if err := inst.ResolvePending(context.Background(), txKey, false); err != nil {
			log.Printf("coordinator: timeout rollback for %s failed: %v", txKey, err)
		}
		c.reportStatus(inst.MatchID(), models.StatusTimeout)
	})
	if err != nil {
		return models.MatchState{}, err
	}
	c.reportStatus(inst.MatchID(), models.StatusPending)

	// 5. Submit through the breaker.
	var txID string
	submitErr := c.breaker.Execute(ctx, func(ctx context.Context) error {
		if c.wallets != nil {
			c.wallets.RecordTx()
		}
		id, err := c.chain.SubmitMove(ctx, inst.MatchID(), move, wallet)
		if err != nil {
			return err
		}
		txID = id
		return nil
	}, nil)

	if submitErr != nil {
		_ = inst.ResolvePending(ctx, txKey, false)
		c.reportStatus(inst.MatchID(), models.StatusFailed)
		return models.MatchState{}, submitErr
	}

	// 7. Confirm with bounded retry and exponential backoff.
	deadline := c.clock.Now().Add(c.txTimeout)
	if err := c.confirmWithRetry(ctx, txID, deadline); err != nil {
		_ = inst.ResolvePending(ctx, txKey, false)
		c.reportStatus(inst.MatchID(), classifyFailureStatus(err))
		return models.MatchState{}, err
	}

	// 8. Poll signature status until confirmed/finalized or deadline.
	status, err := c.pollStatus(ctx, txID, deadline)
	if err != nil {
		_ = inst.ResolvePending(ctx, txKey, false)
		c.reportStatus(inst.MatchID(), models.StatusTimeout)
		return models.MatchState{}, err
	}

	// 9. Outcome.
	if status != ports.SigStatusConfirmed && status != ports.SigStatusFinalized {
		_ = inst.ResolvePending(ctx, txKey, false)
		c.reportStatus(inst.MatchID(), models.StatusFailed)
		return models.MatchState{}, &models.TransientError{Reason: "submit_move did not reach a confirmed status"}
	}

	if err := inst.ResolvePending(ctx, txKey, true); err != nil {
		return models.MatchState{}, err
	}
	c.reportStatus(inst.MatchID(), models.StatusConfirmed)

	if err := c.reconcile(ctx, inst); err != nil {
		return inst.GetState(), err
	}

	moveCount := inst.MoveCount()
	if c.syncIntervalMoves > 0 && moveCount%c.syncIntervalMoves == 0 {
		_ = c.reconcile(ctx, inst)
	}
	if inst.HighValue() && c.checkpointInterval > 0 && moveCount%c.checkpointInterval == 0 {
		if err := c.Checkpoint(ctx, inst, false); err != nil {
			log.Printf("coordinator: periodic checkpoint for %s failed: %v", inst.MatchID(), err)
		}
	}

	if c.metrics != nil {
		c.metrics.Record("move_confirmed", map[string]interface{}{"match_id": inst.MatchID(), "move_index": move.Index})
	}

	return inst.GetState(), nil
}

// confirmWithRetry races txID's confirmation against deadline, retrying
// any ConfirmTx error up to maxConfirmRetries times with exponential
// backoff capped at maxBackoff (spec §4.6.1 step 7).
func (c *Coordinator) confirmWithRetry(ctx context.Context, txID string, deadline time.Time) error {
	backoff := 500 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt < maxConfirmRetries; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &models.TransientError{Reason: "confirm deadline exceeded", Cause: lastErr}
		}

		err := c.chain.ConfirmTx(ctx, txID, remaining)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}

		wait := backoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(math.Min(float64(backoff*2), float64(maxBackoff)))
	}
	return &models.TransientError{Reason: "confirm retries exhausted", Cause: lastErr}
}

// isTransient reports every non-nil ConfirmTx error as retriable. No
// error is classified as terminal, so signing or rejection failures are
// retried like timeouts until the retries or the deadline run out.
func isTransient(err error) bool {
	return err != nil
}

// pollStatus polls get_signature_status once a second until confirmed,
// finalized, or deadline (spec §4.6.1 step 8).
func (c *Coordinator) pollStatus(ctx context.Context, txID string, deadline time.Time) (ports.SignatureStatus, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		status, err := c.chain.GetSignatureStatus(ctx, txID)
		if err != nil {
			return "", err
		}
		if status == ports.SigStatusConfirmed || status == ports.SigStatusFinalized {
			return status, nil
		}
		if status == ports.SigStatusFailed {
			return status, &models.TransientError{Reason: "transaction failed on-chain"}
		}
		if !c.clock.Now().Before(deadline) {
			return status, &models.TransientError{Reason: "status poll deadline exceeded"}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func classifyFailureStatus(err error) models.StatusEvent {
	if err == nil {
		return models.StatusConfirmed
	}
	return models.StatusFailed
}

// reconcile fetches on-chain state and compares it against inst's
// off-chain view, delegating the actual pause-on-conflict logic to the
// instance (spec §4.6.3).
func (c *Coordinator) reconcile(ctx context.Context, inst *instance.Instance) error {
	onChain, err := c.chain.GetMatchState(ctx, inst.MatchID())
	if err != nil {
		return &models.TransientError{Reason: "reconciliation fetch failed", Cause: err}
	}
	return inst.Sync(ctx, onChain, c.metrics)
}

// Checkpoint produces, hashes, uploads, and (optionally) anchors a
// checkpoint for inst at its current move count (spec §4.6.4). Anchor
// failure is logged and non-fatal; the checkpoint JSON remains uploaded.
func (c *Coordinator) Checkpoint(ctx context.Context, inst *instance.Instance, anchorOnChain bool) error {
	cp, err := inst.Checkpoint(ctx)
	if err != nil {
		return err
	}

	body, err := canon.Canonicalize(cp)
	if err != nil {
		return fmt.Errorf("coordinator: canonicalizing checkpoint: %w", err)
	}
	hash := cryptosign.Hash(body)

	path := fmt.Sprintf("checkpoints/%s/%d.json", inst.MatchID(), cp.EventIndex)
	if err := c.store.Put(ctx, path, body); err != nil {
		return &models.PersistenceError{Op: "checkpoint.upload", Cause: err}
	}

	if err := inst.RecordCheckpointRef(ctx, cp.EventIndex, hash); err != nil {
		return err
	}

	if anchorOnChain && c.wallets != nil {
		derivedID := fmt.Sprintf("%s-checkpoint-%d", inst.MatchID(), cp.EventIndex)
		if _, err := c.chain.AnchorMatchRecord(ctx, derivedID, hash, c.wallets.Current()); err != nil {
			log.Printf("coordinator: checkpoint anchor for %s failed, JSON remains stored for later re-anchor: %v", derivedID, err)
		}
	}
	return nil
}

// CollectRecord reads the full move history and player/model metadata
// needed to build the final MatchRecord (spec §4.6.5 step 4). This
// package provides no implementation: Finalize always builds the record
// through the collector its caller passes in.
type recordCollector interface {
	CollectRecord(ctx context.Context, matchID string) (models.MatchRecord, error)
}

// Finalize runs the full sequence in spec §4.6.5: stop sync (implicit,
// the caller does not invoke SubmitMove again), await pending transactions
// best-effort, require on-chain phase Ended, collect the record via
// collector, splice chain-of-thought, two-pass sign, upload, batch or
// direct end_match, and finally tell the caller the state may be
// discarded.
func (c *Coordinator) Finalize(ctx context.Context, inst *instance.Instance, collector recordCollector) (models.MatchRecord, error) {
	for _, txID := range inst.PendingTxIDs() {
		if err := c.chain.ConfirmTx(ctx, txID, c.txTimeout); err != nil {
			log.Printf("coordinator: best-effort await of pending tx %s at finalize failed, proceeding: %v", txID, err)
		}
		_ = inst.ResolvePending(ctx, txID, true)
	}

	onChain, err := c.chain.GetMatchState(ctx, inst.MatchID())
	if err != nil {
		return models.MatchRecord{}, &models.TransientError{Reason: "finalize: fetching on-chain state failed", Cause: err}
	}
	if onChain.Phase != models.PhaseEnded {
		return models.MatchRecord{}, models.ErrNotFinalized
	}

	record, err := collector.CollectRecord(ctx, inst.MatchID())
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("coordinator: collecting match record: %w", err)
	}
	record.Phase = models.PhaseEnded

	if c.ai != nil {
		record.ChainOfThought = make(map[string][]models.ReasoningSegment)
		record.ModelVersions = make(map[string]models.ModelDescriptor)
		for _, p := range record.Players {
			if segments, model, ok := c.ai.Segments(ctx, inst.MatchID(), p.PubKey); ok {
				record.ChainOfThought[p.PubKey] = segments
				record.ModelVersions[p.PubKey] = model
			}
		}
	}

	if c.wallets == nil {
		return models.MatchRecord{}, models.ErrNoWallet
	}

	// storage.hot_url is derived from match_id alone, so it is known
	// before signing; setting it first means the bytes that get signed
	// are the same bytes that get uploaded and later re-verified — no
	// field changes out from under the signature after the fact (spec
	// §4.1 "this distinction is load-bearing; verification mirrors it
	// exactly").
	hotURL := fmt.Sprintf("matches/%s.json", inst.MatchID())
	record.Storage.HotURL = hotURL

	unsignedBody, err := canon.Canonicalize(record.WithSignatures(nil))
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("coordinator: canonicalizing record (pre-sign): %w", err)
	}
	sig, err := c.wallets.Sign(unsignedBody)
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("coordinator: signing record: %w", err)
	}
	c.wallets.RecordTx()
	record.Signatures = append(record.Signatures, sig)

	signedBody, err := canon.Canonicalize(record)
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("coordinator: canonicalizing record (signed): %w", err)
	}
	matchHash := cryptosign.Hash(signedBody)

	if err := c.store.Put(ctx, hotURL, signedBody); err != nil {
		return models.MatchRecord{}, &models.PersistenceError{Op: "finalize.upload", Cause: err}
	}

	if c.batchingEnabled && c.batcher != nil {
		if err := c.batcher.Add(ctx, inst.MatchID(), matchHash, hotURL); err != nil {
			return models.MatchRecord{}, fmt.Errorf("coordinator: adding to batch manager: %w", err)
		}
	} else {
		if _, err := c.chain.EndMatch(ctx, inst.MatchID(), matchHash, hotURL, c.wallets.Current()); err != nil {
			return models.MatchRecord{}, fmt.Errorf("coordinator: direct end_match failed: %w", err)
		}
	}

	if c.metrics != nil {
		c.metrics.Record("match_finalized", map[string]interface{}{"match_id": inst.MatchID(), "hot_url": hotURL})
	}

	return record, nil
}
