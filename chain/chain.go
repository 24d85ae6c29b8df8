// Package chain provides a reference ports.BlockchainClient. It follows
// the same shape as the teacher's blockchain.BlockchainClient — an
// in-process ledger that submits "transactions" and answers state
// queries, documented there as a stand-in for a real Cosmos SDK client —
// reworked from hatchery/batch verbs (CreateBatch, UpdateBatchStatus,
// RecordEvent) to match/move verbs (CreateMatch, SubmitMove, AnchorBatch).
// A production deployment swaps this for a real chain adapter without
// the rest of the core noticing, since everything upstream only depends
// on ports.BlockchainClient.
package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ocentra/matchcore/models"
	"github.com/ocentra/matchcore/ports"
)

type ledgerMatch struct {
	state      models.OnChainState
	authorized bool
}

type txRecord struct {
	status    ports.SignatureStatus
	submitted time.Time
}

// MockClient is a deterministic in-process ledger. It is safe for
// concurrent use; one instance is shared by every match in a process,
// the same way the teacher shares one *blockchain.BlockchainClient
// across all API handlers.
type MockClient struct {
	mu sync.Mutex

	matches map[string]*ledgerMatch
	batches map[string]struct{ first, last string }
	txs     map[string]*txRecord
	signers map[string]bool

	// ConfirmDelay simulates network latency for ConfirmTx/polling in
	// tests; production callers leave it at zero.
	ConfirmDelay time.Duration
}

// NewMockClient builds an empty ledger. authorizedSigners seeds the
// on-chain authorized-signer registry that Verifier checks against.
func NewMockClient(authorizedSigners ...string) *MockClient {
	signers := make(map[string]bool, len(authorizedSigners))
	for _, s := range authorizedSigners {
		signers[s] = true
	}
	return &MockClient{
		matches: make(map[string]*ledgerMatch),
		batches: make(map[string]struct{ first, last string }),
		txs:     make(map[string]*txRecord),
		signers: signers,
	}
}

func (c *MockClient) newTxID() string {
	return "tx_" + uuid.New().String()
}

func (c *MockClient) CreateMatch(_ context.Context, matchID string, gameType int, seed interface{}, _ ports.Wallet) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matches[matchID] = &ledgerMatch{state: models.OnChainState{
		MatchID:     matchID,
		Phase:       models.PhaseCreated,
		PlayerCount: 0,
		Seed:        seed,
	}}
	txID := c.newTxID()
	c.txs[txID] = &txRecord{status: ports.SigStatusFinalized, submitted: time.Now()}
	return txID, nil
}

func (c *MockClient) JoinMatch(_ context.Context, matchID string, _ string, _ ports.Wallet) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.matches[matchID]
	if !ok {
		return "", fmt.Errorf("chain: unknown match %s", matchID)
	}
	m.state.PlayerCount++
	if m.state.PlayerCount >= 2 {
		m.state.Phase = models.PhasePlaying
	}
	txID := c.newTxID()
	c.txs[txID] = &txRecord{status: ports.SigStatusFinalized, submitted: time.Now()}
	return txID, nil
}

func (c *MockClient) SubmitMove(_ context.Context, matchID string, move models.Move, _ ports.Wallet) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.matches[matchID]
	if !ok {
		return "", fmt.Errorf("chain: unknown match %s", matchID)
	}
	m.state.MoveCount = move.Index + 1
	if m.state.PlayerCount > 0 {
		m.state.CurrentPlayer = (m.state.CurrentPlayer + 1) % m.state.PlayerCount
	}
	txID := c.newTxID()
	c.txs[txID] = &txRecord{status: ports.SigStatusPending, submitted: time.Now()}
	return txID, nil
}

func (c *MockClient) EndMatch(_ context.Context, matchID string, _ string, _ string, _ ports.Wallet) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.matches[matchID]
	if !ok {
		return "", fmt.Errorf("chain: unknown match %s", matchID)
	}
	m.state.Phase = models.PhaseEnded
	txID := c.newTxID()
	c.txs[txID] = &txRecord{status: ports.SigStatusFinalized, submitted: time.Now()}
	return txID, nil
}

func (c *MockClient) AnchorBatch(_ context.Context, batchID string, _ []byte, _ int, firstMatchID, lastMatchID string, _ ports.Wallet) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches[batchID] = struct{ first, last string }{firstMatchID, lastMatchID}
	txID := c.newTxID()
	c.txs[txID] = &txRecord{status: ports.SigStatusFinalized, submitted: time.Now()}
	return txID, nil
}

func (c *MockClient) AnchorMatchRecord(_ context.Context, _ string, _ string, _ ports.Wallet) (string, error) {
	txID := c.newTxID()
	c.mu.Lock()
	c.txs[txID] = &txRecord{status: ports.SigStatusFinalized, submitted: time.Now()}
	c.mu.Unlock()
	return txID, nil
}

func (c *MockClient) GetMatchState(_ context.Context, matchID string) (models.OnChainState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.matches[matchID]
	if !ok {
		return models.OnChainState{}, fmt.Errorf("chain: unknown match %s", matchID)
	}
	return m.state, nil
}

// FindBatchForMatch asks which anchored batch covers matchID by a
// lexicographic range check over first/last match ids (spec §4.4).
func (c *MockClient) FindBatchForMatch(_ context.Context, matchID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.batches))
	for id := range c.batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rng := c.batches[id]
		if matchID >= rng.first && matchID <= rng.last {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (c *MockClient) IsAuthorizedSigner(_ context.Context, signer string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signers[signer], nil
}

func (c *MockClient) ConfirmTx(ctx context.Context, txID string, timeout time.Duration) error {
	if c.ConfirmDelay > 0 {
		select {
		case <-time.After(c.ConfirmDelay):
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(timeout):
			return fmt.Errorf("chain: confirm timeout for %s", txID)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txID]
	if !ok {
		return fmt.Errorf("chain: unknown tx %s", txID)
	}
	if tx.status == ports.SigStatusPending {
		tx.status = ports.SigStatusConfirmed
	}
	return nil
}

func (c *MockClient) GetSignatureStatus(_ context.Context, txID string) (ports.SignatureStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txID]
	if !ok {
		return "", fmt.Errorf("chain: unknown tx %s", txID)
	}
	return tx.status, nil
}

// ForceConfirm lets tests push a pending tx straight to confirmed without
// waiting on ConfirmDelay.
func (c *MockClient) ForceConfirm(txID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx, ok := c.txs[txID]; ok {
		tx.status = ports.SigStatusConfirmed
	}
}

// AddAuthorizedSigner registers a signer in the on-chain registry used by
// IsAuthorizedSigner (spec §4.8 step 3).
func (c *MockClient) AddAuthorizedSigner(signer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signers[signer] = true
}
