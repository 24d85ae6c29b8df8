package canon

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCanonicalizeKeyOrderIndependence checks P1: reordering JSON keys at
// input does not change output bytes.
func TestCanonicalizeKeyOrderIndependence(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1, "c": map[string]interface{}{"y": 2, "x": 1}}
	b := map[string]interface{}{"a": 1, "c": map[string]interface{}{"x": 1, "y": 2}, "b": 2}

	outA, err := Canonicalize(a)
	require.NoError(t, err)
	outB, err := Canonicalize(b)
	require.NoError(t, err)

	assert.Equal(t, string(outA), string(outB))
	assert.JSONEq(t, `{"a":1,"b":2,"c":{"x":1,"y":2}}`, string(outA))
}

func TestCanonicalizeRoundTripStability(t *testing.T) {
	original := map[string]interface{}{"z": 1, "a": "hello"}
	first, err := Canonicalize(original)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(first, &decoded))

	second, err := Canonicalize(decoded)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestCanonicalizeIntegerVsDecimal(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{"whole": 3, "frac": 3.5, "trailingZero": 3.50})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"whole":3`)
	assert.Contains(t, string(out), `"frac":3.5`)
	assert.Contains(t, string(out), `"trailingZero":3.5`)
}

func TestCanonicalizeOmitsNilFields(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{"present": "x", "absent": nil})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "absent")
	assert.Contains(t, string(out), `"present":"x"`)
}

func TestCanonicalizeRejectsNonFiniteNumbers(t *testing.T) {
	_, err := Canonicalize(map[string]interface{}{"bad": math.NaN()})
	assert.Error(t, err)

	var notFinite *NotFiniteError
	assert.ErrorAs(t, err, &notFinite)
}

func TestCanonicalizeStringEscaping(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{"s": "line\nbreak\tand\"quote"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `\n`)
	assert.Contains(t, string(out), `\t`)
	assert.Contains(t, string(out), `\"`)
}

func TestCanonicalizeArrayOrderPreserved(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{"arr": []interface{}{3, 1, 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"arr":[3,1,2]}`, string(out))
}
