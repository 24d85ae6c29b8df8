package batch

import (
	"context"
	"testing"
	"time"

	"github.com/ocentra/matchcore/clockutil"
	"github.com/ocentra/matchcore/cryptosign"
	"github.com/ocentra/matchcore/merkle"
	"github.com/ocentra/matchcore/objstore"
	"github.com/ocentra/matchcore/ports"
	"github.com/ocentra/matchcore/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, chain ports.BlockchainClient, store ports.Store, batchSize int) *Manager {
	t.Helper()
	clock := clockutil.NewFake(time.Now())
	wheel := scheduler.New()
	m, err := New(context.Background(), store, chain, nil, wheel, clock, nil, batchSize, 1000, time.Minute, 5*time.Minute)
	require.NoError(t, err)
	return m
}

type fakeChain struct {
	ports.BlockchainClient
	anchored []string
}

func (f *fakeChain) AnchorBatch(_ context.Context, batchID string, _ []byte, _ int, _, _ string, _ ports.Wallet) (string, error) {
	f.anchored = append(f.anchored, batchID)
	return "tx_" + batchID, nil
}

// TestFlushOnCountTrigger checks that once batchSize entries accumulate,
// Add triggers an automatic flush.
func TestFlushOnCountTrigger(t *testing.T) {
	store := objstore.NewMemStore()
	chain := &fakeChain{}
	m := newTestManager(t, chain, store, 2)

	require.NoError(t, m.Add(context.Background(), "match-1", cryptosign.Hash([]byte("a")), "matches/match-1.json"))
	require.NoError(t, m.Add(context.Background(), "match-2", cryptosign.Hash([]byte("b")), "matches/match-2.json"))

	assert.Len(t, chain.anchored, 1, "adding the 2nd entry should auto-flush a batch of size 2")

	batchID, found, err := m.FindBatchForMatch(context.Background(), "match-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, chain.anchored[0], batchID)
}

// TestManualFlushIsNoOpWhenEmpty checks flush idempotency when nothing
// is pending.
func TestManualFlushIsNoOpWhenEmpty(t *testing.T) {
	store := objstore.NewMemStore()
	chain := &fakeChain{}
	m := newTestManager(t, chain, store, 10)

	require.NoError(t, m.Flush(context.Background()))
	assert.Empty(t, chain.anchored)
}

// TestGenerateProofAfterFlush checks that a proof generated post-flush
// verifies against the manifest's recorded root.
func TestGenerateProofAfterFlush(t *testing.T) {
	store := objstore.NewMemStore()
	chain := &fakeChain{}
	m := newTestManager(t, chain, store, 3)

	hashes := []string{cryptosign.Hash([]byte("a")), cryptosign.Hash([]byte("b")), cryptosign.Hash([]byte("c"))}
	for i, h := range hashes {
		require.NoError(t, m.Add(context.Background(), "match-"+string(rune('1'+i)), h, "url"))
	}

	proof, err := m.GenerateProof(context.Background(), "match-1")
	require.NoError(t, err)
	assert.Equal(t, "match-1", proof.MatchID)

	manifest, err := m.Manifest(context.Background(), chain.anchored[0])
	require.NoError(t, err)
	ok, err := merkle.VerifyProof(proof, manifest.MerkleRoot)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestRestartRecoversPendingEntries checks durability (spec P11): a
// second Manager built against the same Store picks up entries a prior
// Manager persisted but never flushed.
func TestRestartRecoversPendingEntries(t *testing.T) {
	store := objstore.NewMemStore()
	chain := &fakeChain{}
	first := newTestManager(t, chain, store, 100) // large batchSize: no auto-flush
	require.NoError(t, first.Add(context.Background(), "match-1", cryptosign.Hash([]byte("a")), "url"))

	clock := clockutil.NewFake(time.Now())
	wheel := scheduler.New()
	second, err := New(context.Background(), store, chain, nil, wheel, clock, nil, 1, 1000, time.Minute, 5*time.Minute)
	require.NoError(t, err)

	require.NoError(t, second.Flush(context.Background()))
	assert.Len(t, chain.anchored, 1, "recovered entry should be flushable by the new process")
}

// TestFlushGeneratesDatedBatchID checks the §3/§4.4/§6 wire contract
// (spec S4): batch_id is "batch-YYYYMMDD-NNN", not an opaque UUID, and
// the first batch of a fresh counter is "-001".
func TestFlushGeneratesDatedBatchID(t *testing.T) {
	store := objstore.NewMemStore()
	chain := &fakeChain{}
	fixed := time.Date(2026, time.July, 31, 12, 0, 0, 0, time.UTC)
	clock := clockutil.NewFake(fixed)
	// No scheduler: the real-time wheel would treat the fixed past
	// deadline as already due and flush concurrently with Add.
	m, err := New(context.Background(), store, chain, nil, nil, clock, nil, 3, 1000, time.Minute, 5*time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.Add(context.Background(), "match-1", cryptosign.Hash([]byte("a")), "url"))
	require.NoError(t, m.Add(context.Background(), "match-2", cryptosign.Hash([]byte("b")), "url"))
	require.NoError(t, m.Add(context.Background(), "match-3", cryptosign.Hash([]byte("c")), "url"))

	require.Len(t, chain.anchored, 1)
	assert.Equal(t, "batch-20260731-001", chain.anchored[0])

	manifest, err := m.Manifest(context.Background(), chain.anchored[0])
	require.NoError(t, err)
	assert.Equal(t, 64, len(manifest.MerkleRoot))
}

// TestBatchCounterPersistsAcrossRestart checks §3/§6: the monotonic
// batch_counter is part of the persisted batch_manager_state and must
// survive a process restart so the next flush doesn't reuse an id.
func TestBatchCounterPersistsAcrossRestart(t *testing.T) {
	store := objstore.NewMemStore()
	chain := &fakeChain{}
	fixed := time.Date(2026, time.July, 31, 12, 0, 0, 0, time.UTC)

	first := func() *Manager {
		clock := clockutil.NewFake(fixed)
		// No scheduler, for the same reason as in TestFlushGeneratesDatedBatchID.
		m, err := New(context.Background(), store, chain, nil, nil, clock, nil, 1, 1000, time.Minute, 5*time.Minute)
		require.NoError(t, err)
		return m
	}()
	require.NoError(t, first.Add(context.Background(), "match-1", cryptosign.Hash([]byte("a")), "url"))
	require.Equal(t, "batch-20260731-001", chain.anchored[0])

	clock := clockutil.NewFake(fixed)
	second, err := New(context.Background(), store, chain, nil, nil, clock, nil, 1, 1000, time.Minute, 5*time.Minute)
	require.NoError(t, err)

	require.NoError(t, second.Add(context.Background(), "match-2", cryptosign.Hash([]byte("b")), "url"))
	require.Len(t, chain.anchored, 2)
	assert.Equal(t, "batch-20260731-002", chain.anchored[1], "recovered batch_counter should continue from 1, not restart at 0")
}

func TestMaxWaitExceeded(t *testing.T) {
	store := objstore.NewMemStore()
	chain := &fakeChain{}
	clock := clockutil.NewFake(time.Now())
	wheel := scheduler.New()
	m, err := New(context.Background(), store, chain, nil, wheel, clock, nil, 100, 1000, time.Minute, 5*time.Second)
	require.NoError(t, err)

	assert.False(t, m.MaxWaitExceeded())
	require.NoError(t, m.Add(context.Background(), "match-1", cryptosign.Hash([]byte("a")), "url"))
	assert.False(t, m.MaxWaitExceeded())

	clock.Advance(6 * time.Second)
	assert.True(t, m.MaxWaitExceeded())
}
