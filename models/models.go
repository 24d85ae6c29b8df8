// Package models holds the shared types that flow through the match
// coordination core: the canonical match record, the in-memory match
// state, pending transactions, batches, and the error taxonomy every
// other package returns.
package models

import "time"

// Timestamp wraps time.Time so canonicalized records always render
// timestamps as ISO-8601 UTC with millisecond precision and a trailing
// Z (spec §4.1), regardless of how they were constructed.
type Timestamp struct {
	time.Time
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

// NewTimestamp truncates t to millisecond precision in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(timestampLayout) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return nil
	}
	parsed, err := time.Parse(`"`+timestampLayout+`"`, string(data))
	if err != nil {
		// Fall back to RFC3339Nano for values not produced by us.
		parsed, err = time.Parse(`"`+time.RFC3339Nano+`"`, string(data))
		if err != nil {
			return err
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// Phase is the lifecycle state of a match.
type Phase string

const (
	PhaseCreated Phase = "Created"
	PhaseWaiting Phase = "Waiting"
	PhasePlaying Phase = "Playing"
	PhaseEnded   Phase = "Ended"
	PhasePaused  Phase = "Paused"
)

// Player describes one participant in a match.
type Player struct {
	PubKey      string                 `json:"pub_key"`
	DisplayType string                 `json:"display_type"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Move is one indexed player action.
type Move struct {
	Index     int                    `json:"index"`
	PlayerID  string                 `json:"player_id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp Timestamp              `json:"timestamp"`
	Nonce     string                 `json:"nonce"`
}

// Signature is one signer's attestation over a record's canonical bytes.
type Signature struct {
	Signer    string    `json:"signer"`
	SigType   string    `json:"sig_type"`
	Signature string    `json:"signature"`
	SignedAt  Timestamp `json:"signed_at"`
}

// StorageRef points at the hot-stored canonical JSON for a record.
type StorageRef struct {
	HotURL string `json:"hot_url,omitempty"`
}

// ReasoningSegment is one AI-decision log entry spliced into a record at
// finalize time when an AI-decision provider is configured (spec §4.6.5).
type ReasoningSegment struct {
	MoveIndex    int      `json:"move_index"`
	Reasoning    string   `json:"reasoning"`
	Alternatives []string `json:"alternatives,omitempty"`
	Decision     string   `json:"decision"`
	Confidence   float64  `json:"confidence"`
}

// ModelDescriptor identifies the AI model that produced a player's moves.
type ModelDescriptor struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

// MatchRecord is the canonical artifact produced per finalized match
// (spec §3). Field order here does not matter for canonicalization —
// canon.Canonicalize re-sorts keys independent of struct field order.
type MatchRecord struct {
	MatchID        string                        `json:"match_id"`
	Version        string                        `json:"version"`
	GameType       int                           `json:"game_type"`
	Seed           interface{}                   `json:"seed"`
	Players        []Player                      `json:"players"`
	Moves          []Move                        `json:"moves"`
	Phase          Phase                         `json:"phase"`
	ChainOfThought map[string][]ReasoningSegment `json:"chain_of_thought,omitempty"`
	ModelVersions  map[string]ModelDescriptor    `json:"model_versions,omitempty"`
	Storage        StorageRef                    `json:"storage"`
	Signatures     []Signature                   `json:"signatures"`
}

// WithSignatures returns a shallow copy of r with Signatures replaced.
// Used to build the two canonicalization passes in spec §4.1.
func (r MatchRecord) WithSignatures(sigs []Signature) MatchRecord {
	out := r
	out.Signatures = sigs
	return out
}

// PendingTransaction tracks one in-flight blockchain submission for a
// match. At most one exists per match at any time (spec §3, P6).
type PendingTransaction struct {
	TxID            string
	Move            Move
	SubmissionTime  time.Time
	StateBefore     MatchState
	TimeoutDeadline time.Time
}

// Checkpoint is a structurally-typed event-index state snapshot (spec §4.6.4).
type Checkpoint struct {
	MatchID       string     `json:"match_id"`
	EventIndex    int        `json:"event_index"`
	StateSnapshot MatchState `json:"state_snapshot"`
	Timestamp     Timestamp  `json:"timestamp"`
}

// CheckpointRef marks the last checkpoint taken for a match.
type CheckpointRef struct {
	EventIndex int       `json:"event_index"`
	StateHash  string    `json:"state_hash"`
	Timestamp  time.Time `json:"timestamp"`
}

// MatchState mirrors on-chain state plus coordination fields (spec §3).
type MatchState struct {
	MatchID             string                       `json:"match_id"`
	Phase               Phase                        `json:"phase"`
	CurrentPlayer       int                          `json:"current_player"`
	Players             []Player                     `json:"players"`
	PlayerCount         int                          `json:"player_count"`
	MoveCount           int                          `json:"move_count"`
	Seed                interface{}                  `json:"seed"`
	CreatedAt           time.Time                    `json:"created_at"`
	EndedAt             *time.Time                   `json:"ended_at,omitempty"`
	HighValue           bool                         `json:"high_value"`
	PendingTransactions map[string]PendingTransaction `json:"pending_transactions"`
	LastCheckpoint      *CheckpointRef               `json:"last_checkpoint,omitempty"`
}

// Clone deep-copies a MatchState so rollback snapshots (spec P5) cannot be
// mutated by later operations on the live state.
func (s MatchState) Clone() MatchState {
	out := s
	out.Players = append([]Player(nil), s.Players...)
	out.PendingTransactions = make(map[string]PendingTransaction, len(s.PendingTransactions))
	for k, v := range s.PendingTransactions {
		out.PendingTransactions[k] = v
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.LastCheckpoint != nil {
		c := *s.LastCheckpoint
		out.LastCheckpoint = &c
	}
	return out
}

// OnChainState is what BlockchainClient.GetMatchState returns: the subset
// of fields the coordinator reconciles against (spec §4.6.3).
type OnChainState struct {
	MatchID       string      `json:"match_id"`
	Phase         Phase       `json:"phase"`
	MoveCount     int         `json:"move_count"`
	CurrentPlayer int         `json:"current_player"`
	PlayerCount   int         `json:"player_count"`
	Seed          interface{} `json:"seed"`
}

// BatchEntry is one (match_id, hash, url) tuple queued in the batcher.
type BatchEntry struct {
	MatchID    string    `json:"match_id"`
	MatchHash  string    `json:"match_hash"`
	HotURL     string    `json:"hot_url"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// BatchManifest is the persisted record of one flushed batch (spec §3).
type BatchManifest struct {
	Version     int        `json:"version"`
	BatchID     string     `json:"batch_id"`
	MerkleRoot  string     `json:"merkle_root"`
	MatchCount  int        `json:"match_count"`
	MatchIDs    []string   `json:"match_ids"`
	MatchHashes []string   `json:"match_hashes"`
	CreatedAt   Timestamp  `json:"created_at"`
	AnchoredAt  *Timestamp `json:"anchored_at,omitempty"`
	AnchorTxID  string     `json:"anchor_tx_id,omitempty"`
	Signature   *Signature `json:"signature,omitempty"`
}

// MerkleProof is the wire-compatible proof object (spec §4.3, §6).
type MerkleProof struct {
	MatchID string   `json:"match_id"`
	SHA256  string   `json:"sha256"`
	Proof   []string `json:"proof"`
	Index   int      `json:"index"`
}

// VerificationReport is the output of Verifier.Verify (spec §4.8).
type VerificationReport struct {
	IsValid      bool     `json:"is_valid"`
	Errors       []string `json:"errors"`
	Warnings     []string `json:"warnings"`
	MerkleOK     bool     `json:"merkle_ok"`
	SignaturesOK bool     `json:"signatures_ok"`
	ReplayOK     bool     `json:"replay_ok"`
}

// StatusEvent is one of the status_callback values from spec §4.6.1 step 8.
type StatusEvent string

const (
	StatusPending   StatusEvent = "Pending"
	StatusConfirmed StatusEvent = "Confirmed"
	StatusFailed    StatusEvent = "Failed"
	StatusTimeout   StatusEvent = "Timeout"
)

// SubscriberMessage is what a Match Instance broadcasts to subscribers
// on every persisted state write (spec §4.7).
type SubscriberMessage struct {
	Type       string     `json:"type"`
	MatchState MatchState `json:"match_state"`
}
