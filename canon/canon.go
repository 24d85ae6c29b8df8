// Package canon produces deterministic bytes for a MatchRecord or
// BatchManifest (spec §4.1). Object keys are sorted lexicographically at
// every level, numbers are emitted as integers when integral and as
// trimmed decimals otherwise, timestamps are ISO-8601 UTC with
// millisecond precision, and optional/zero-value fields the source JSON
// omitted stay omitted.
package canon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// NotFiniteError is returned when a record contains a NaN or Infinity
// number (spec §4.1: "CanonicalizationError::NotFinite").
type NotFiniteError struct {
	Path string
}

func (e *NotFiniteError) Error() string {
	return fmt.Sprintf("canonicalization: value at %s is not finite", e.Path)
}

// Canonicalize marshals v to JSON, decodes it into a generic tree, and
// re-emits that tree with deterministic key order and number formatting.
// v is typically a models.MatchRecord or models.BatchManifest (or a copy
// with Signatures cleared, per the two-pass signing flow in spec §4.1).
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		// encoding/json refuses NaN and ±Inf before encodeNumber sees them.
		var uv *json.UnsupportedValueError
		if errors.As(err, &uv) && (uv.Str == "NaN" || uv.Str == "+Inf" || uv.Str == "-Inf") {
			return nil, &NotFiniteError{Path: "$"}
		}
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}

	// json.Number preserves the original numeric literal so we can tell
	// "3" from "3.0" from "3.50" before deciding how to re-emit it.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeValue(&buf, generic, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}, path string) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, val, path)
	case string:
		encodeString(buf, val)
		return nil
	case []interface{}:
		return encodeArray(buf, val, path)
	case map[string]interface{}:
		return encodeObject(buf, val, path)
	default:
		return fmt.Errorf("canon: unsupported type %T at %s", v, path)
	}
}

func encodeNumber(buf *bytes.Buffer, n json.Number, path string) error {
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canon: invalid number %q at %s: %w", n, path, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &NotFiniteError{Path: path}
	}

	s := n.String()
	// Integral values (no '.' or exponent) are emitted as-is.
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	// Integers too large for int64 (no '.' or exponent) are emitted as
	// written; anything else is re-emitted in shortest plain decimal form,
	// which drops all trailing zeros ("3.50" -> "3.5", "3.0" -> "3").
	if !containsAny(s, ".eE") {
		buf.WriteString(s)
		return nil
	}
	trimmed := strconv.FormatFloat(f, 'f', -1, 64)
	buf.WriteString(trimmed)
	return nil
}

func containsAny(s, chars string) bool {
	for _, c := range chars {
		for _, sc := range s {
			if sc == c {
				return true
			}
		}
	}
	return false
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func encodeArray(buf *bytes.Buffer, arr []interface{}, path string) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}, path string) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	wrote := false
	for _, k := range keys {
		v := obj[k]
		// Optional fields are omitted when absent, never emitted as
		// explicit null (spec §4.1); a null here means the original
		// struct had an explicit nil, which we still drop.
		if v == nil {
			continue
		}
		if wrote {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encodeValue(buf, v, path+"."+k); err != nil {
			return err
		}
		wrote = true
	}
	buf.WriteByte('}')
	return nil
}
