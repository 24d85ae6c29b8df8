// Package merkle builds domain-separated binary Merkle trees over hex
// SHA-256 leaves and generates/verifies inclusion proofs (spec §4.3).
// Leaf hash input is 0x00 || raw bytes of the decoded hex match-hash;
// internal node input is 0x01 || left || right (spec §6) — the same
// domain-separation idiom the teacher's blockchain.HashData uses when it
// hashes JSON-encoded payloads before submitting them as transactions,
// generalized here to a two-level prefix scheme.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ocentra/matchcore/models"
)

const (
	leafPrefix     = 0x00
	internalPrefix = 0x01
)

// LengthMismatchError is returned when a proof's depth disagrees with
// the tree height it is being verified against (spec §4.3).
type LengthMismatchError struct {
	ProofLen, ExpectedLevels int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("merkle: proof length %d does not match tree height %d", e.ProofLen, e.ExpectedLevels)
}

// Tree is a built Merkle tree: Levels[0] is the leaf level, Levels[len-1]
// is a single-node level whose value is Root.
type Tree struct {
	Root   string
	Levels [][]string // hex-encoded node hashes, leaves first
}

func leafHash(matchHash string) (string, error) {
	raw, err := hex.DecodeString(matchHash)
	if err != nil {
		return "", fmt.Errorf("merkle: invalid hex leaf input %q: %w", matchHash, err)
	}
	buf := append([]byte{leafPrefix}, raw...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

func internalHash(left, right string) (string, error) {
	l, err := hex.DecodeString(left)
	if err != nil {
		return "", fmt.Errorf("merkle: invalid left node %q: %w", left, err)
	}
	r, err := hex.DecodeString(right)
	if err != nil {
		return "", fmt.Errorf("merkle: invalid right node %q: %w", right, err)
	}
	buf := make([]byte, 0, 1+len(l)+len(r))
	buf = append(buf, internalPrefix)
	buf = append(buf, l...)
	buf = append(buf, r...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// Build constructs a Merkle tree over matchHashes in input order. Each
// input is hashed into a leaf; levels are combined pairwise, duplicating
// the last node of an odd-cardinality level (spec §4.3). matchHashes must
// be non-empty.
func Build(matchHashes []string) (*Tree, error) {
	if len(matchHashes) == 0 {
		return nil, fmt.Errorf("merkle: cannot build a tree over zero leaves")
	}

	leaves := make([]string, len(matchHashes))
	for i, h := range matchHashes {
		lh, err := leafHash(h)
		if err != nil {
			return nil, err
		}
		leaves[i] = lh
	}

	levels := [][]string{leaves}
	current := leaves
	for len(current) > 1 {
		next := make([]string, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left
			if i+1 < len(current) {
				right = current[i+1]
			}
			node, err := internalHash(left, right)
			if err != nil {
				return nil, err
			}
			next = append(next, node)
		}
		levels = append(levels, next)
		current = next
	}

	return &Tree{Root: current[0], Levels: levels}, nil
}

// GenerateProof builds the inclusion proof for matchID/matchHash at
// leaf index i within t (spec §4.3).
func (t *Tree) GenerateProof(matchID, matchHash string, index int) (models.MerkleProof, error) {
	if index < 0 || index >= len(t.Levels[0]) {
		return models.MerkleProof{}, fmt.Errorf("merkle: index %d out of range for %d leaves", index, len(t.Levels[0]))
	}

	proof := make([]string, 0, len(t.Levels)-1)
	i := index
	for level := 0; level < len(t.Levels)-1; level++ {
		nodes := t.Levels[level]
		siblingIdx := i ^ 1 // flip last bit: i-1 if i is odd, i+1 if i is even
		if siblingIdx >= len(nodes) {
			siblingIdx = i // odd cardinality: duplicated last node is its own sibling
		}
		proof = append(proof, nodes[siblingIdx])
		i = i / 2
	}

	return models.MerkleProof{
		MatchID: matchID,
		SHA256:  matchHash,
		Proof:   proof,
		Index:   index,
	}, nil
}

// VerifyProof reconstructs the leaf for proof.SHA256, folds each sibling
// in proof.Proof alternating left/right by (index mod 2) at each step,
// and compares the result to root (spec §4.3). Returns a
// *LengthMismatchError if the proof's depth cannot possibly reach a
// single root node consistent with root (every proof step halves the
// index; if the index never reaches 0 the proof is too short).
func VerifyProof(proof models.MerkleProof, root string) (bool, error) {
	current, err := leafHash(proof.SHA256)
	if err != nil {
		return false, err
	}

	idx := proof.Index
	for _, sibling := range proof.Proof {
		var node string
		if idx%2 == 0 {
			node, err = internalHash(current, sibling)
		} else {
			node, err = internalHash(sibling, current)
		}
		if err != nil {
			return false, err
		}
		current = node
		idx = idx / 2
	}

	if idx != 0 {
		return false, &LengthMismatchError{ProofLen: len(proof.Proof), ExpectedLevels: len(proof.Proof) + 1}
	}

	return current == root, nil
}
