package manifest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ComputeSignature hashes the deterministic serialization of the manifest
// minus its signature field and returns "sha256-<hex>". When secret is
// non-empty the digest is HMAC-SHA-256 keyed with it.
//
// Determinism does not rely on Go map iteration order: objects serialize
// with lexicographically sorted keys, arrays in declaration order.
func ComputeSignature(m *Manifest, secret string) (string, error) {
	obj, err := toObject(m)
	if err != nil {
		return "", err
	}
	delete(obj, "signature")

	var sb strings.Builder
	if err := canonicalEncode(&sb, obj); err != nil {
		return "", err
	}

	var h hash.Hash
	if secret != "" {
		h = hmac.New(sha256.New, []byte(secret))
	} else {
		h = sha256.New()
	}
	h.Write([]byte(sb.String()))
	return "sha256-" + hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalEncode writes the canonical JSON form of a decoded JSON value:
// sorted object keys, order-preserving arrays, JSON-escaped strings,
// numbers in their shortest JSON numeric form.
func canonicalEncode(sb *strings.Builder, v interface{}) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if t {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		sb.Write(raw)
	case float64:
		sb.WriteString(formatNumber(t))
	case json.Number:
		sb.WriteString(t.String())
	case []interface{}:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := canonicalEncode(sb, e); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			raw, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(raw)
			sb.WriteByte(':')
			if err := canonicalEncode(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("manifest: cannot canonicalize %T", v)
	}
	return nil
}

// formatNumber prints a float64 the way encoding/json does: integers
// without a decimal point, others in shortest round-trip form.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
