package hashcodec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Canonical encodes v as compact JSON with object keys in lexicographic order.
// Numbers keep their textual form; HTML characters are not escaped.
func Canonical(v any) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}

	// 经由 map 解码再编码，encoding/json 会对 map 的 key 排序，struct 字段顺序因此不再影响结果。
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}

	out, err := encode(generic)
	if err != nil {
		return nil, fmt.Errorf("encode canonical: %w", err)
	}
	return out, nil
}

// CanonicalHash returns "0x" + hex(keccak256(Canonical(v))).
func CanonicalHash(v any) (string, error) {
	payload, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(crypto.Keccak256(payload)), nil
}

// VerifyHash recomputes the canonical hash of v and compares it with expected,
// ignoring case and an optional 0x prefix.
func VerifyHash(v any, expected string) (bool, error) {
	actual, err := CanonicalHash(v)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, NormalizeHex(expected)), nil
}

// SHA256Hex hashes strings and byte slices as-is and everything else in canonical JSON form.
func SHA256Hex(v any) (string, error) {
	var payload []byte
	switch val := v.(type) {
	case string:
		payload = []byte(val)
	case []byte:
		payload = val
	default:
		canonical, err := Canonical(v)
		if err != nil {
			return "", err
		}
		payload = canonical
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeHex trims whitespace and guarantees a 0x prefix.
func NormalizeHex(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}

func encode(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
