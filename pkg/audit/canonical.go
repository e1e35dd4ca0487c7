// Package audit implements the tamper-evident audit trail: every event
// is hashed over a canonical serialization of its payload chained to the
// previous event's hash, so any retroactive edit breaks verification.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"
)

// GenesisHash anchors the first event of an empty chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CanonicalTimestamp renders t as a naive UTC ISO timestamp with fixed
// microsecond precision. The fixed width keeps storage round-trips
// byte-stable, which the chain hashes depend on.
func CanonicalTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000")
}

// ParseCanonicalTimestamp parses a canonical timestamp back into UTC.
func ParseCanonicalTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02T15:04:05.000000", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse canonical timestamp %q: %w", s, err)
	}
	return t, nil
}

// CanonicalJSON serializes v deterministically: object keys sorted,
// compact separators, non-ASCII escaped to \uXXXX. Two payloads with
// equal content always produce identical bytes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return escapeNonASCII(out), nil
}

// escapeNonASCII rewrites runes above 0x7F as \uXXXX escapes. Non-ASCII
// bytes only occur inside string literals, so a blanket pass over the
// encoded output is safe.
func escapeNonASCII(in []byte) []byte {
	ascii := true
	for _, b := range in {
		if b > 0x7F {
			ascii = false
			break
		}
	}
	if ascii {
		return in
	}

	var sb strings.Builder
	sb.Grow(len(in))
	for _, r := range string(in) {
		if r < 0x80 {
			sb.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&sb, `\u%04x\u%04x`, hi, lo)
			continue
		}
		fmt.Fprintf(&sb, `\u%04x`, r)
	}
	return []byte(sb.String())
}

// ComputeEventHash chains the canonical payload to the previous hash:
// SHA-256 over prevHash, a newline, and the payload bytes.
func ComputeEventHash(prevHash string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte("\n"))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
