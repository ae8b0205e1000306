package ingest

import (
	"bytes"
	"strings"
)

// Postgres rejects U+0000 anywhere in a text or jsonb value, so it gets
// stripped from every string reachable in a record before persistence. This
// is the only transformation applied; quoting and escaping are the storage
// and read layers' problem.

func SanitizeString(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

func sanitizeStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	clean := SanitizeString(*s)
	return &clean
}

// SanitizeValue walks maps, slices, and strings recursively. Byte slices and
// non-string scalars (numbers, bools, times, CIDs) pass through untouched.
func SanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return SanitizeString(val)
	case map[string]any:
		for k, elem := range val {
			val[k] = SanitizeValue(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = SanitizeValue(elem)
		}
		return val
	default:
		return v
	}
}

// SanitizeJSON strips escaped NUL sequences from already-marshaled JSON bound
// for a jsonb column. encoding/json renders U+0000 as the six bytes `\u0000`,
// which postgres refuses even inside jsonb.
func SanitizeJSON(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u0000`)) {
		return b
	}
	return bytes.ReplaceAll(b, []byte(`\u0000`), nil)
}
