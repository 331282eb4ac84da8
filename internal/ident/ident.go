// Package ident provides the content-addressing primitives shared by the
// diagnostics and graph stores: canonical JSON, SHA-256 hex digests, and
// time-sortable UUIDv7 identifiers.
//
// Canonical JSON means: object keys sorted lexicographically, no insignificant
// whitespace, UTF-8, numbers in shortest round-trip form, strings JSON-escaped.
// Every hashed value in contextd goes through this form, so byte-identical
// inputs always produce identical ids.
package ident

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// NewID returns a new time-sortable UUIDv7 string.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON renders v in canonical JSON form.
// v is first normalized through encoding/json, so structs, maps, and slices
// all reduce to the same representation before key sorting.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical json: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HashCanonical returns the SHA-256 hex digest of the canonical JSON form of v.
func HashCanonical(v interface{}) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// DocumentID returns the content-addressed id for a repository-relative file
// path: the SHA-256 hex of the path bytes.
func DocumentID(relPath string) string {
	return SHA256Hex([]byte(relPath))
}

// encodeCanonical writes tree (a decoded JSON value) in canonical form.
func encodeCanonical(buf *bytes.Buffer, tree interface{}) error {
	switch val := tree.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		// encoding/json already emits floats in shortest round-trip form;
		// the Number preserves that literal text.
		buf.WriteString(string(val))
	case string:
		return encodeString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical json: unsupported type %T", tree)
	}
	return nil
}

// encodeString JSON-escapes s without the HTML escaping encoding/json
// applies by default (< etc. would change hash inputs across languages).
func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonical json: string encode: %w", err)
	}
	// Encode appends a trailing newline
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
