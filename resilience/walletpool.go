// Package resilience holds the three outbound-call governors shared
// process-wide by the coordinator (spec §4.5): the wallet pool, the rate
// limiter, and the circuit breaker. Each is a value owned by a root
// composition struct and passed by shared reference — none of them are
// package-level singletons, following spec §9's note to never expose
// shared-mutable state as process statics. The mutex-guarded-struct shape
// here mirrors the teacher's tokenBlacklist/blacklistMutex pattern in
// middleware/middleware.go, generalized to three independent governors.
package resilience

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/ocentra/matchcore/cryptosign"
	"github.com/ocentra/matchcore/models"
	"github.com/ocentra/matchcore/ports"
)

// walletEntry pairs a public identity with the private key used to sign
// on its behalf.
type walletEntry struct {
	wallet ports.Wallet
	priv   ed25519.PrivateKey
}

// WalletPool holds an ordered ring of signing identities and rotates the
// active one by transaction count (spec §4.5, P8). Rotation is atomic:
// concurrent callers always observe a consistent current identity.
type WalletPool struct {
	mu                sync.Mutex
	wallets           []walletEntry
	currentIndex      int
	txSinceRotation   int
	rotationThreshold int
	clock             ports.Clock
}

// NewWalletPool builds a WalletPool from a non-empty set of keypairs.
// rotationThreshold is the number of record_tx calls after which the
// active identity advances (default 1000 per spec §6 WALLET_ROTATION_THRESHOLD).
func NewWalletPool(entries []ports.Wallet, privKeys []ed25519.PrivateKey, rotationThreshold int, clock ports.Clock) (*WalletPool, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("resilience: wallet pool requires at least one wallet")
	}
	if len(entries) != len(privKeys) {
		return nil, fmt.Errorf("resilience: wallet/key count mismatch: %d wallets, %d keys", len(entries), len(privKeys))
	}
	if rotationThreshold <= 0 {
		rotationThreshold = 1000
	}
	we := make([]walletEntry, len(entries))
	for i := range entries {
		we[i] = walletEntry{wallet: entries[i], priv: privKeys[i]}
	}
	return &WalletPool{wallets: we, rotationThreshold: rotationThreshold, clock: clock}, nil
}

// Current returns the active wallet identity (spec §4.5).
func (p *WalletPool) Current() ports.Wallet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wallets[p.currentIndex].wallet
}

// RecordTx increments the active wallet's transaction counter and
// rotates to (idx+1) mod N when the counter crosses rotationThreshold,
// resetting it (spec §4.5, P8).
func (p *WalletPool) RecordTx() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txSinceRotation++
	if p.txSinceRotation >= p.rotationThreshold {
		p.currentIndex = (p.currentIndex + 1) % len(p.wallets)
		p.txSinceRotation = 0
	}
}

// Sign signs data with the currently active wallet's private key.
func (p *WalletPool) Sign(data []byte) (models.Signature, error) {
	p.mu.Lock()
	entry := p.wallets[p.currentIndex]
	p.mu.Unlock()
	return cryptosign.Sign(data, entry.priv, entry.wallet.PublicKey, models.NewTimestamp(p.clock.Timestamp()))
}

// Size returns the number of wallets in the pool.
func (p *WalletPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.wallets)
}
