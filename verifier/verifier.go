// Package verifier implements the Verifier (spec §4.8): four
// independent checks — hash, Merkle inclusion, signature chain, and
// replay — collected into one VerificationReport. No step's failure
// stops the others from running, the same "collect everything, never
// throw" shape the teacher's api/admin_test.go assertions check against
// a response body rather than aborting on the first mismatch.
package verifier

import (
	"context"
	"encoding/json"

	"github.com/ocentra/matchcore/canon"
	"github.com/ocentra/matchcore/cryptosign"
	"github.com/ocentra/matchcore/merkle"
	"github.com/ocentra/matchcore/models"
	"github.com/ocentra/matchcore/ports"
)

// BatchLookup is the subset of batch.Manager the Verifier needs: finding
// which batch covers a match and fetching that batch's manifest. Kept as
// an interface here so the Verifier never imports the batch package
// directly, mirroring the ports-only dependency rule the coordinator
// follows for blockchain/store access.
type BatchLookup interface {
	FindBatchForMatch(ctx context.Context, matchID string) (batchID string, found bool, err error)
	Manifest(ctx context.Context, batchID string) (models.BatchManifest, error)
}

// Verifier checks a MatchRecord against on-chain state, a batch
// manifest, the authorized-signer registry, and an external game engine.
type Verifier struct {
	chain   ports.BlockchainClient
	batches BatchLookup
	engine  ports.GameEngine
}

// New builds a Verifier. batches may be nil; FindBatchForMatch then
// always reports "not found" and the Merkle step is downgraded to a
// warning, per spec §4.8 step 2.
func New(chain ports.BlockchainClient, batches BatchLookup, engine ports.GameEngine) *Verifier {
	return &Verifier{chain: chain, batches: batches, engine: engine}
}

// Verify runs all four checks against record and returns the aggregate
// report (spec §4.8).
func (v *Verifier) Verify(ctx context.Context, matchID string, record models.MatchRecord) models.VerificationReport {
	report := models.VerificationReport{IsValid: true}

	v.checkHash(ctx, matchID, record, &report)
	v.checkMerkle(ctx, matchID, record, &report)
	v.checkSignatures(ctx, record, &report)
	v.checkReplay(ctx, matchID, record, &report)

	report.IsValid = len(report.Errors) == 0
	return report
}

func (v *Verifier) checkHash(ctx context.Context, matchID string, record models.MatchRecord, report *models.VerificationReport) {
	body, err := canon.Canonicalize(record)
	if err != nil {
		report.Errors = append(report.Errors, "hash: canonicalization failed: "+err.Error())
		return
	}
	computed := cryptosign.Hash(body)

	onChain, err := v.chain.GetMatchState(ctx, matchID)
	if err != nil {
		report.Errors = append(report.Errors, "hash: on-chain match hash is absent")
		return
	}
	_ = onChain // reference MockClient does not expose a separate stored hash field

	anchoredHash, found, err := v.lookupAnchoredHash(ctx, matchID)
	if err != nil {
		report.Errors = append(report.Errors, "hash: failed to look up anchored hash: "+err.Error())
		return
	}
	if !found {
		report.Errors = append(report.Errors, "hash: no on-chain hash found for match")
		return
	}
	if anchoredHash != computed {
		report.Errors = append(report.Errors, "hash: computed hash does not match on-chain match_hash")
	}
}

// lookupAnchoredHash resolves the on-chain hash for matchID via whatever
// batch covers it, since GetMatchState carries no match hash and the
// reference BlockchainClient (chain.MockClient) does not store the hashes
// or roots passed to AnchorBatch/AnchorMatchRecord/EndMatch.
func (v *Verifier) lookupAnchoredHash(ctx context.Context, matchID string) (string, bool, error) {
	if v.batches == nil {
		return "", false, nil
	}
	batchID, found, err := v.batches.FindBatchForMatch(ctx, matchID)
	if err != nil || !found {
		return "", false, err
	}
	manifest, err := v.batches.Manifest(ctx, batchID)
	if err != nil {
		return "", false, err
	}
	for i, id := range manifest.MatchIDs {
		if id == matchID {
			return manifest.MatchHashes[i], true, nil
		}
	}
	return "", false, nil
}

func (v *Verifier) checkMerkle(ctx context.Context, matchID string, record models.MatchRecord, report *models.VerificationReport) {
	if v.batches == nil {
		report.Warnings = append(report.Warnings, "merkle: no batch manager configured, skipping")
		return
	}

	batchID, found, err := v.batches.FindBatchForMatch(ctx, matchID)
	if err != nil {
		report.Warnings = append(report.Warnings, "merkle: batch lookup failed: "+err.Error())
		return
	}
	if !found {
		report.Warnings = append(report.Warnings, "merkle: no anchored batch found for match")
		return
	}

	manifest, err := v.batches.Manifest(ctx, batchID)
	if err != nil {
		report.Warnings = append(report.Warnings, "merkle: manifest fetch failed: "+err.Error())
		return
	}

	index := -1
	for i, id := range manifest.MatchIDs {
		if id == matchID {
			index = i
			break
		}
	}
	if index < 0 {
		report.Errors = append(report.Errors, "merkle: match id not present in its own batch manifest")
		return
	}

	tree, err := merkle.Build(manifest.MatchHashes)
	if err != nil {
		report.Errors = append(report.Errors, "merkle: rebuilding tree failed: "+err.Error())
		return
	}

	proof, err := tree.GenerateProof(matchID, manifest.MatchHashes[index], index)
	if err != nil {
		report.Errors = append(report.Errors, "merkle: proof generation failed: "+err.Error())
		return
	}

	ok, err := merkle.VerifyProof(proof, manifest.MerkleRoot)
	if err != nil {
		report.Errors = append(report.Errors, "merkle: proof verification error: "+err.Error())
		return
	}
	report.MerkleOK = ok
	if !ok {
		report.Errors = append(report.Errors, "merkle: inclusion proof failed against batch root")
	}
}

func (v *Verifier) checkSignatures(ctx context.Context, record models.MatchRecord, report *models.VerificationReport) {
	if len(record.Signatures) == 0 {
		report.Errors = append(report.Errors, "signatures: record has no signatures")
		return
	}

	unsigned := record.WithSignatures(nil)
	body, err := canon.Canonicalize(unsigned)
	if err != nil {
		report.Errors = append(report.Errors, "signatures: canonicalization failed: "+err.Error())
		return
	}

	allOK := true
	for _, sig := range record.Signatures {
		authorized, err := v.chain.IsAuthorizedSigner(ctx, sig.Signer)
		if err != nil {
			report.Errors = append(report.Errors, "signatures: authorized-signer lookup failed for "+sig.Signer)
			allOK = false
			continue
		}
		if !authorized {
			report.Errors = append(report.Errors, "signatures: signer not in authorized-signer registry: "+sig.Signer)
			allOK = false
			continue
		}

		pubKey, err := cryptosign.DecodePubKey(sig.Signer)
		if err != nil {
			report.Errors = append(report.Errors, "signatures: cannot decode signer public key for "+sig.Signer)
			allOK = false
			continue
		}
		if !cryptosign.Verify(body, sig.Signature, pubKey) {
			report.Errors = append(report.Errors, "signatures: signature verification failed for "+sig.Signer)
			allOK = false
		}
	}
	report.SignaturesOK = allOK
}

func (v *Verifier) checkReplay(ctx context.Context, matchID string, record models.MatchRecord, report *models.VerificationReport) {
	for i, m := range record.Moves {
		if m.Index != i {
			report.Errors = append(report.Errors, "replay: move index is not monotonic")
			return
		}
	}
	for i := 1; i < len(record.Moves); i++ {
		if record.Moves[i].Timestamp.Time.Before(record.Moves[i-1].Timestamp.Time) {
			report.Errors = append(report.Errors, "replay: move timestamps are not non-decreasing")
			return
		}
	}

	onChain, err := v.chain.GetMatchState(ctx, matchID)
	if err != nil {
		report.Errors = append(report.Errors, "replay: on-chain state unavailable: "+err.Error())
		return
	}

	if len(record.Moves) != onChain.MoveCount {
		report.Errors = append(report.Errors, "replay: move count does not match on-chain move_count")
		return
	}
	if len(record.Players) != onChain.PlayerCount {
		report.Errors = append(report.Errors, "replay: player count does not match on-chain player_count")
		return
	}
	if !seedsEqual(record.Seed, onChain.Seed) {
		report.Errors = append(report.Errors, "replay: seed does not match on-chain seed")
		return
	}

	if v.engine == nil {
		report.Warnings = append(report.Warnings, "replay: no game engine configured, skipping terminal-state check")
		report.ReplayOK = true
		return
	}

	terminal, err := v.engine.Replay(ctx, record.GameType, record.Seed, record.Moves)
	if err != nil {
		report.Errors = append(report.Errors, "replay: engine replay failed: "+err.Error())
		return
	}

	expectedMoveCount, _ := terminal["move_count"].(int)
	if expectedMoveCount != len(record.Moves) {
		report.Errors = append(report.Errors, "replay: engine terminal state move_count disagrees with recorded moves")
		return
	}
	report.ReplayOK = true
}

func seedsEqual(a, b interface{}) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
