// Package ports declares the external collaborators the match
// coordination core consumes. The core never imports a concrete
// blockchain SDK, object-store client, or auth provider directly — it
// only ever sees these interfaces (spec §1 "Surrounding functionality").
package ports

import (
	"context"
	"time"

	"github.com/ocentra/matchcore/models"
)

// SignatureStatus is the poll result from BlockchainClient.GetSignatureStatus.
type SignatureStatus string

const (
	SigStatusPending   SignatureStatus = "pending"
	SigStatusConfirmed SignatureStatus = "confirmed"
	SigStatusFinalized SignatureStatus = "finalized"
	SigStatusFailed    SignatureStatus = "failed"
)

// Wallet is an opaque signing identity handed to BlockchainClient calls.
type Wallet struct {
	ID        string
	PublicKey string
}

// BlockchainClient is the on-chain collaborator (spec §1, §6).
type BlockchainClient interface {
	CreateMatch(ctx context.Context, matchID string, gameType int, seed interface{}, wallet Wallet) (txID string, err error)
	JoinMatch(ctx context.Context, matchID string, playerPubKey string, wallet Wallet) (txID string, err error)
	SubmitMove(ctx context.Context, matchID string, move models.Move, wallet Wallet) (txID string, err error)
	EndMatch(ctx context.Context, matchID string, matchHash string, hotURL string, wallet Wallet) (txID string, err error)
	AnchorBatch(ctx context.Context, batchID string, merkleRoot []byte, count int, firstMatchID, lastMatchID string, wallet Wallet) (txID string, err error)
	AnchorMatchRecord(ctx context.Context, matchID string, matchHash string, wallet Wallet) (txID string, err error)
	GetMatchState(ctx context.Context, matchID string) (models.OnChainState, error)
	FindBatchForMatch(ctx context.Context, matchID string) (batchID string, found bool, err error)
	IsAuthorizedSigner(ctx context.Context, signer string) (bool, error)
	ConfirmTx(ctx context.Context, txID string, timeout time.Duration) error
	GetSignatureStatus(ctx context.Context, txID string) (SignatureStatus, error)
}

// Store is an opaque byte-addressed object store (spec §1, §6).
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, bool, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// AuthVerifier verifies bearer tokens and returns the authenticated user
// id (spec §1, §4.7).
type AuthVerifier interface {
	VerifyToken(ctx context.Context, bearer string) (userID string, err error)
}

// MetricsSink records discrete events and yields a snapshot (spec §1).
type MetricsSink interface {
	Record(event string, fields map[string]interface{})
	Get() map[string]interface{}
}

// Clock provides monotonic time for timeouts and wall time for record
// fields (spec §1).
type Clock interface {
	Now() time.Time       // monotonic, for deadlines/timeouts
	Timestamp() time.Time // wall clock, for record fields
}

// SignerProvider signs bytes using a rotating wallet pool (spec §1, §4.5).
type SignerProvider interface {
	Current() Wallet
	Sign(data []byte) (models.Signature, error)
	RecordTx()
}

// Scheduler is the alarm abstraction the Match Instance and Batch Manager
// use for timeouts and flush timers (spec §9 "Timers and alarms"). The
// concrete implementation may be a durable-execution platform, an
// in-process timer wheel, or a cooperative loop — the core only depends
// on this interface.
type Scheduler interface {
	// ScheduleAt arms (or re-arms) a named alarm for deadline. Arming an
	// already-armed key replaces its deadline and callback.
	ScheduleAt(key string, deadline time.Time, fn func())
	// Cancel disarms a named alarm. A no-op if the key is not armed.
	Cancel(key string)
}

// GameEngine replays a move sequence against a seed and reports the
// terminal state, used only by the Verifier's replay step (spec §4.8,
// Non-goals: "Game-rule simulation ... provided by an external engine
// used only for replay verification").
type GameEngine interface {
	Replay(ctx context.Context, gameType int, seed interface{}, moves []models.Move) (terminalState map[string]interface{}, err error)
}
