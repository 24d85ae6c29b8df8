// Package batch implements the Batch Manager (spec §4.4): it accumulates
// finalized match (match_id, hash, hot_url) entries, flushes them into a
// Merkle-anchored manifest on a count or timer trigger, and answers
// later proof/lookup requests. Its persistence-then-flush-then-clear
// shape mirrors the teacher's ipfs.IPFSService connection pool pattern —
// state survives a restart because it is written through to a
// ports.Store before any in-memory structure is trusted — generalized
// here from a connection pool to a pending-entries queue.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ocentra/matchcore/canon"
	"github.com/ocentra/matchcore/cryptosign"
	"github.com/ocentra/matchcore/merkle"
	"github.com/ocentra/matchcore/models"
	"github.com/ocentra/matchcore/ports"
)

// persistenceKey is the ports.Store path the manager's pending state is
// written to so a process restart can recover in-flight entries (spec
// §4.4 "restart recovery").
const persistenceKey = "batch_manager_state"

const flushAlarmKey = "batch_manager_flush"

// persistedState is the JSON shape written to the store between flushes,
// matching §6's "Persisted layout in the Store": `{pending_matches,
// batch_counter, timestamp}`.
type persistedState struct {
	PendingMatches []models.BatchEntry `json:"pending_matches"`
	BatchCounter   int                 `json:"batch_counter"`
	Timestamp      models.Timestamp    `json:"timestamp"`
}

// Manager accumulates batch entries and flushes them into anchored
// manifests. One Manager is shared process-wide, injected via the root
// composition struct rather than held as a package-level singleton
// (spec §9).
type Manager struct {
	mu      sync.Mutex
	entries []models.BatchEntry

	manifests map[string]models.BatchManifest // batchID -> manifest, for local lookups
	byMatch   map[string]string               // matchID -> batchID, populated on successful flush

	store     ports.Store
	chain     ports.BlockchainClient
	signer    ports.SignerProvider
	scheduler ports.Scheduler
	clock     ports.Clock
	metrics   ports.MetricsSink

	batchSize     int
	batchMax      int
	flushInterval time.Duration
	maxWait       time.Duration

	oldestEnqueuedAt time.Time
	batchCounter     int
}

// New builds a Batch Manager and recovers any entries persisted by a
// prior process under persistenceKey (spec §4.4 "restart recovery").
// store, chain and clock must be non-nil. signer, scheduler and metrics
// may be nil: without a signer manifests are unsigned, without a
// scheduler no timer-triggered flush is armed, and without metrics no
// events are recorded.
func New(ctx context.Context, store ports.Store, chain ports.BlockchainClient, signer ports.SignerProvider, scheduler ports.Scheduler, clock ports.Clock, metrics ports.MetricsSink, batchSize, batchMax int, flushInterval, maxWait time.Duration) (*Manager, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if batchMax <= 0 {
		batchMax = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 60 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 300 * time.Second
	}

	m := &Manager{
		manifests:     make(map[string]models.BatchManifest),
		byMatch:       make(map[string]string),
		store:         store,
		chain:         chain,
		signer:        signer,
		scheduler:     scheduler,
		clock:         clock,
		metrics:       metrics,
		batchSize:     batchSize,
		batchMax:      batchMax,
		flushInterval: flushInterval,
		maxWait:       maxWait,
	}

	raw, found, err := store.Get(ctx, persistenceKey)
	if err != nil {
		return nil, &models.PersistenceError{Op: "batch_manager.recover", Cause: err}
	}
	if found {
		var st persistedState
		if err := json.Unmarshal(raw, &st); err != nil {
			log.Printf("batch: discarding unreadable persisted state: %v", err)
		} else {
			m.entries = st.PendingMatches
			m.batchCounter = st.BatchCounter
			if len(m.entries) > 0 {
				m.oldestEnqueuedAt = m.entries[0].EnqueuedAt
				m.armFlushTimerLocked()
			}
			log.Printf("batch: recovered %d pending entries from prior process (batch_counter=%d)", len(m.entries), m.batchCounter)
		}
	}

	return m, nil
}

// Add enqueues one finalized match for batching (spec §4.4 "add"). It
// persists the updated pending set before returning so the entry
// survives a crash between Add and the next flush.
func (m *Manager) Add(ctx context.Context, matchID, matchHash, hotURL string) error {
	m.mu.Lock()

	entry := models.BatchEntry{
		MatchID:    matchID,
		MatchHash:  matchHash,
		HotURL:     hotURL,
		EnqueuedAt: m.clock.Timestamp(),
	}
	m.entries = append(m.entries, entry)
	if len(m.entries) == 1 {
		m.oldestEnqueuedAt = entry.EnqueuedAt
		m.armFlushTimerLocked()
	}

	if err := m.persistLocked(ctx); err != nil {
		m.mu.Unlock()
		return err
	}

	if m.metrics != nil {
		m.metrics.Record("batch_entry_added", map[string]interface{}{"match_id": matchID, "pending": len(m.entries)})
	}

	shouldFlush := len(m.entries) >= m.batchSize || len(m.entries) >= m.batchMax
	m.mu.Unlock()

	if shouldFlush {
		return m.Flush(ctx)
	}
	return nil
}

// nextBatchID formats a batch id as "batch-YYYYMMDD-NNN" per spec §3/§4.4/
// §6, using the clock's day of flush and a zero-padded 3-digit counter.
// The counter is one monotonic value, persisted with the pending queue
// and not reset when the day changes, so "-001" is only the first batch
// of a fresh counter.
func nextBatchID(now time.Time, counter int) string {
	return fmt.Sprintf("batch-%s-%03d", now.UTC().Format("20060102"), counter)
}

func (m *Manager) armFlushTimerLocked() {
	if m.scheduler == nil {
		return
	}
	deadline := m.oldestEnqueuedAt.Add(m.flushInterval)
	m.scheduler.ScheduleAt(flushAlarmKey, deadline, func() {
		if err := m.Flush(context.Background()); err != nil {
			log.Printf("batch: timer-triggered flush failed: %v", err)
		}
	})
}

func (m *Manager) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(persistedState{
		PendingMatches: m.entries,
		BatchCounter:   m.batchCounter,
		Timestamp:      models.NewTimestamp(m.clock.Timestamp()),
	})
	if err != nil {
		return &models.PersistenceError{Op: "batch_manager.marshal", Cause: err}
	}
	if err := m.store.Put(ctx, persistenceKey, raw); err != nil {
		return &models.PersistenceError{Op: "batch_manager.persist", Cause: err}
	}
	return nil
}

// Flush builds a manifest over whatever is currently pending, anchors it
// on-chain, uploads the manifest, and only then clears the pending
// queue (spec §4.4 "flush", "idempotent"). A Flush call with nothing
// pending is a no-op. Entries are cleared from memory and the persisted
// state only after the anchor and upload both succeed — a failure at any
// step leaves the queue intact for the next attempt, matching the
// teacher's db.go transaction pattern of never committing a partial
// write.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return nil
	}
	snapshot := append([]models.BatchEntry(nil), m.entries...)
	m.mu.Unlock()

	hashes := make([]string, len(snapshot))
	matchIDs := make([]string, len(snapshot))
	for i, e := range snapshot {
		hashes[i] = e.MatchHash
		matchIDs[i] = e.MatchID
	}

	tree, err := merkle.Build(hashes)
	if err != nil {
		return fmt.Errorf("batch: building merkle tree: %w", err)
	}

	m.mu.Lock()
	nextCounter := m.batchCounter + 1
	m.mu.Unlock()
	batchID := nextBatchID(m.clock.Timestamp(), nextCounter)

	manifest := models.BatchManifest{
		Version:     1,
		BatchID:     batchID,
		MerkleRoot:  tree.Root,
		MatchCount:  len(snapshot),
		MatchIDs:    matchIDs,
		MatchHashes: hashes,
		CreatedAt:   models.NewTimestamp(m.clock.Timestamp()),
	}

	if m.signer != nil {
		body, err := canon.Canonicalize(manifest)
		if err != nil {
			return fmt.Errorf("batch: canonicalizing manifest: %w", err)
		}
		sig, err := m.signer.Sign(body)
		if err != nil {
			return fmt.Errorf("batch: signing manifest: %w", err)
		}
		manifest.Signature = &sig
		m.signer.RecordTx()
	}

	wallet := ports.Wallet{}
	if m.signer != nil {
		wallet = m.signer.Current()
	}

	rootBytes := []byte(tree.Root)
	txID, err := m.chain.AnchorBatch(ctx, batchID, rootBytes, len(snapshot), matchIDs[0], matchIDs[len(matchIDs)-1], wallet)
	if err != nil {
		return fmt.Errorf("batch: anchoring batch %s: %w", batchID, err)
	}
	anchoredAt := models.NewTimestamp(m.clock.Timestamp())
	manifest.AnchoredAt = &anchoredAt
	manifest.AnchorTxID = txID

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("batch: marshaling manifest: %w", err)
	}
	manifestPath := fmt.Sprintf("manifests/%s.json", batchID)
	if err := m.store.Put(ctx, manifestPath, manifestBytes); err != nil {
		return &models.PersistenceError{Op: "batch_manager.upload_manifest", Cause: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.batchCounter = nextCounter
	m.manifests[batchID] = manifest
	for i, id := range matchIDs {
		m.byMatch[id] = batchID
		_ = tree // proofs are regenerated on demand in GenerateProof
		_ = i
	}

	m.entries = m.entries[len(snapshot):]
	if m.scheduler != nil {
		m.scheduler.Cancel(flushAlarmKey)
	}
	if len(m.entries) > 0 {
		m.oldestEnqueuedAt = m.entries[0].EnqueuedAt
		m.armFlushTimerLocked()
	}
	if err := m.persistLocked(ctx); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.Record("batch_flushed", map[string]interface{}{"batch_id": batchID, "match_count": len(snapshot)})
	}
	return nil
}

// FindBatchForMatch reports which anchored batch covers matchID, first
// consulting the local index populated on flush and falling back to the
// chain's own range lookup for batches anchored by a different process
// (spec §4.4 "find_batch_for_match").
func (m *Manager) FindBatchForMatch(ctx context.Context, matchID string) (string, bool, error) {
	m.mu.Lock()
	batchID, ok := m.byMatch[matchID]
	m.mu.Unlock()
	if ok {
		return batchID, true, nil
	}
	return m.chain.FindBatchForMatch(ctx, matchID)
}

// GenerateProof rebuilds the Merkle tree for the batch covering matchID
// and returns matchID's inclusion proof (spec §4.4 "generate_proof").
func (m *Manager) GenerateProof(ctx context.Context, matchID string) (models.MerkleProof, error) {
	batchID, ok, err := m.FindBatchForMatch(ctx, matchID)
	if err != nil {
		return models.MerkleProof{}, err
	}
	if !ok {
		return models.MerkleProof{}, fmt.Errorf("batch: no anchored batch found for match %s", matchID)
	}

	m.mu.Lock()
	manifest, ok := m.manifests[batchID]
	m.mu.Unlock()
	if !ok {
		raw, found, err := m.store.Get(ctx, fmt.Sprintf("manifests/%s.json", batchID))
		if err != nil {
			return models.MerkleProof{}, &models.PersistenceError{Op: "batch_manager.load_manifest", Cause: err}
		}
		if !found {
			return models.MerkleProof{}, fmt.Errorf("batch: manifest for %s not found", batchID)
		}
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return models.MerkleProof{}, fmt.Errorf("batch: unmarshaling manifest %s: %w", batchID, err)
		}
	}

	tree, err := merkle.Build(manifest.MatchHashes)
	if err != nil {
		return models.MerkleProof{}, fmt.Errorf("batch: rebuilding tree for %s: %w", batchID, err)
	}

	index := -1
	for i, id := range manifest.MatchIDs {
		if id == matchID {
			index = i
			break
		}
	}
	if index < 0 {
		return models.MerkleProof{}, fmt.Errorf("batch: match %s not found in manifest %s", matchID, batchID)
	}

	matchHash := manifest.MatchHashes[index]
	return tree.GenerateProof(matchID, matchHash, index)
}

// Manifest returns the manifest for batchID, consulting the local cache
// before falling back to the Store (spec §4.8 step 2 uses this to
// rebuild a Merkle proof). Implements verifier.BatchLookup.
func (m *Manager) Manifest(ctx context.Context, batchID string) (models.BatchManifest, error) {
	m.mu.Lock()
	manifest, ok := m.manifests[batchID]
	m.mu.Unlock()
	if ok {
		return manifest, nil
	}

	raw, found, err := m.store.Get(ctx, fmt.Sprintf("manifests/%s.json", batchID))
	if err != nil {
		return models.BatchManifest{}, &models.PersistenceError{Op: "batch_manager.load_manifest", Cause: err}
	}
	if !found {
		return models.BatchManifest{}, fmt.Errorf("batch: manifest %s not found", batchID)
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return models.BatchManifest{}, fmt.Errorf("batch: unmarshaling manifest %s: %w", batchID, err)
	}
	return manifest, nil
}

// MaxWaitExceeded reports whether the oldest pending entry has sat longer
// than maxWait, signalling the coordinator should force a flush instead
// of waiting for batchSize to fill (spec §4.4 edge case: "a single
// high-value match must not wait indefinitely behind a slow-filling batch").
func (m *Manager) MaxWaitExceeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return false
	}
	return m.clock.Now().Sub(m.oldestEnqueuedAt) >= m.maxWait
}

// Shutdown flushes whatever is pending so no entry is silently dropped
// when the process exits cleanly (spec §4.4 "shutdown").
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.Flush(ctx)
}

// HashMatchRecord is a convenience wrapper so callers never have to
// import cryptosign directly just to compute the hash fed into Add.
func HashMatchRecord(canonicalBytes []byte) string {
	return cryptosign.Hash(canonicalBytes)
}
