// Package cryptosign provides the hasher and signer primitives (spec
// §4.2): SHA-256 content hashing and Ed25519 signing/verification. Both
// are stdlib-backed (crypto/sha256, crypto/ed25519) — no third-party
// library in the retrieval pack covers Ed25519 signing any better than
// the standard library does (see DESIGN.md).
package cryptosign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/ocentra/matchcore/models"
	"github.com/ocentra/matchcore/ports"
)

// Hash returns the hex-encoded SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GenerateKey creates a new Ed25519 keypair for a wallet identity.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs data with privateKey and returns a Signature record
// (spec §4.2). signer is the public-key identity recorded alongside the
// signature; signedAt is supplied by the caller's ports.Clock.
func Sign(data []byte, privateKey ed25519.PrivateKey, signer string, signedAt models.Timestamp) (models.Signature, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return models.Signature{}, fmt.Errorf("cryptosign: invalid private key size %d", len(privateKey))
	}
	sig := ed25519.Sign(privateKey, data)
	return models.Signature{
		Signer:    signer,
		SigType:   "ed25519",
		Signature: base64.StdEncoding.EncodeToString(sig),
		SignedAt:  signedAt,
	}, nil
}

// Verify checks sig (base64 or hex encoded) against data and signerPubKey.
// A signature string of length 128 is treated as hex; any other length
// is treated as base64. Unknown lengths after decoding are rejected
// (spec §4.2).
func Verify(data []byte, sig string, signerPubKey ed25519.PublicKey) bool {
	raw, err := decodeSignature(sig)
	if err != nil {
		return false
	}
	if len(raw) != ed25519.SignatureSize {
		return false
	}
	if len(signerPubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(signerPubKey, data, raw)
}

func decodeSignature(sig string) ([]byte, error) {
	if len(sig) == 128 {
		return hex.DecodeString(sig)
	}
	return base64.StdEncoding.DecodeString(sig)
}

// DecodePubKey accepts either hex or base64 encoded Ed25519 public keys,
// mirroring the signature-encoding rule above.
func DecodePubKey(s string) (ed25519.PublicKey, error) {
	if len(s) == 64 {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(b), nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(b), nil
}

// walletSigner adapts a single Ed25519 keypair to ports.SignerProvider
// without any pool rotation; resilience.WalletPool wraps N of these.
type walletSigner struct {
	wallet  ports.Wallet
	priv    ed25519.PrivateKey
	clock   ports.Clock
	onTx    func()
}

// NewSingleWalletSigner builds a ports.SignerProvider around one keypair,
// used for tests and single-wallet deployments.
func NewSingleWalletSigner(wallet ports.Wallet, priv ed25519.PrivateKey, clock ports.Clock) ports.SignerProvider {
	return &walletSigner{wallet: wallet, priv: priv, clock: clock}
}

func (w *walletSigner) Current() ports.Wallet { return w.wallet }

func (w *walletSigner) Sign(data []byte) (models.Signature, error) {
	return Sign(data, w.priv, w.wallet.PublicKey, models.NewTimestamp(w.clock.Timestamp()))
}

func (w *walletSigner) RecordTx() {
	if w.onTx != nil {
		w.onTx()
	}
}
