package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(n int) string {
	// deterministic, distinguishable hex strings for test leaves
	hexDigits := "0123456789abcdef"
	out := make([]byte, 64)
	for i := range out {
		out[i] = hexDigits[(n+i)%16]
	}
	return string(out)
}

func TestBuildRejectsEmptyInput(t *testing.T) {
	_, err := Build(nil)
	assert.Error(t, err)
}

func TestBuildSingleLeafRootIsLeafHash(t *testing.T) {
	leaf := sha256Hex(1)
	tree, err := Build([]string{leaf})
	require.NoError(t, err)

	expected, err := leafHash(leaf)
	require.NoError(t, err)
	assert.Equal(t, expected, tree.Root)
}

func TestBuildOddCardinalityDuplicatesLastNode(t *testing.T) {
	hashes := []string{sha256Hex(1), sha256Hex(2), sha256Hex(3)}
	tree, err := Build(hashes)
	require.NoError(t, err)

	// level 0 has 3 leaves; level 1 should have 2 nodes (pair + duplicated last)
	require.Len(t, tree.Levels[0], 3)
	require.Len(t, tree.Levels[1], 2)
}

func TestGenerateAndVerifyProofRoundTrip(t *testing.T) {
	hashes := []string{sha256Hex(1), sha256Hex(2), sha256Hex(3), sha256Hex(4), sha256Hex(5)}
	tree, err := Build(hashes)
	require.NoError(t, err)

	for i, h := range hashes {
		proof, err := tree.GenerateProof("match-"+string(rune('a'+i)), h, i)
		require.NoError(t, err)

		ok, err := VerifyProof(proof, tree.Root)
		require.NoError(t, err)
		assert.Truef(t, ok, "proof for leaf %d should verify", i)
	}
}

func TestVerifyProofFailsOnTamperedLeaf(t *testing.T) {
	hashes := []string{sha256Hex(1), sha256Hex(2)}
	tree, err := Build(hashes)
	require.NoError(t, err)

	proof, err := tree.GenerateProof("match-a", hashes[0], 0)
	require.NoError(t, err)

	proof.SHA256 = sha256Hex(99)
	ok, err := VerifyProof(proof, tree.Root)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyProofDetectsLengthMismatch(t *testing.T) {
	hashes := []string{sha256Hex(1), sha256Hex(2), sha256Hex(3), sha256Hex(4)}
	tree, err := Build(hashes)
	require.NoError(t, err)

	proof, err := tree.GenerateProof("match-a", hashes[0], 0)
	require.NoError(t, err)

	proof.Proof = proof.Proof[:len(proof.Proof)-1] // truncate a level
	_, err = VerifyProof(proof, tree.Root)
	require.Error(t, err)

	var lengthErr *LengthMismatchError
	assert.ErrorAs(t, err, &lengthErr)
}

func TestGenerateProofRejectsOutOfRangeIndex(t *testing.T) {
	hashes := []string{sha256Hex(1), sha256Hex(2)}
	tree, err := Build(hashes)
	require.NoError(t, err)

	_, err = tree.GenerateProof("match-a", hashes[0], 5)
	assert.Error(t, err)
}
