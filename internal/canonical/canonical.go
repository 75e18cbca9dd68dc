// Package canonical implements the deterministic JSON form shared by every
// Glyph signature and hash: object keys sorted ascending, compact separators,
// UTF-8, numeric literals preserved verbatim.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Marshal renders v in canonical form. The output is byte-identical for any
// two values with the same JSON content, regardless of source field order.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return Normalize(raw)
}

// Normalize re-encodes raw JSON into canonical form.
//
// The round trip goes through untyped values with json.Number so that map
// keys come out sorted and numeric literals survive unchanged (no float64
// rounding of large integers).
func Normalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: re-encode: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase hex SHA-256 digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
