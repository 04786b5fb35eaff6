// Package evidence implements the Evidence Writer (spec.md 4.H): canonical
// JSON artifacts for a single system-side rejection, self-hashed for
// integrity, grounded on the teacher's kilroy_registry.go
// marshal-then-sha256 pattern and cxdb_sink.go's blob content-addressing.
package evidence

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Canonicalize walks v and drops nil map entries, replacing non-finite
// float64 values with nil, per the canonical JSON rule in spec.md 4.H:
// "non-finite numbers serialized as null; undefined values dropped".
func Canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if vv == nil {
				continue
			}
			out[k] = Canonicalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = Canonicalize(vv)
		}
		return out
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	default:
		return val
	}
}

// CanonicalJSONStringify is the canonicalizer named "canonicalJsonStringify/v1"
// in the manifest self-hash artifact: UTF-8 bytes, object keys sorted
// ascending, no insignificant whitespace. It does not rely on
// encoding/json's own (already-sorted) map key ordering alone because it
// must also apply Canonicalize first.
func CanonicalJSONStringify(v any) ([]byte, error) {
	canon := Canonicalize(v)
	var sb strings.Builder
	if err := writeCanonical(&sb, canon); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil
	case []any:
		sb.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, e); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("evidence: canonical marshal: %w", err)
		}
		sb.Write(b)
		return nil
	}
}

// SortedKeys returns m's keys in ascending byte order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
