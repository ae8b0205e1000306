package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("hel\x00lo"))
	assert.Equal(t, "", SanitizeString("\x00\x00"))
	assert.Equal(t, "clean", SanitizeString("clean"))
	assert.Equal(t, "日本語", SanitizeString("日本\x00語"))
}

func TestSanitizeValueRecursion(t *testing.T) {
	in := map[string]any{
		"text": "a\x00b",
		"nested": map[string]any{
			"langs": []any{"en\x00", "ja"},
			"count": 3,
		},
		"flag":  true,
		"bytes": []byte{0, 1, 2},
	}

	out, ok := SanitizeValue(in).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "ab", out["text"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, []any{"en", "ja"}, nested["langs"])
	assert.Equal(t, 3, nested["count"])
	assert.Equal(t, true, out["flag"])
	assert.Equal(t, []byte{0, 1, 2}, out["bytes"])
}

func TestSanitizeJSON(t *testing.T) {
	in := []byte(`{"text":"a\u0000b","n":1}`)
	assert.Equal(t, `{"text":"ab","n":1}`, string(SanitizeJSON(in)))

	clean := []byte(`{"text":"ok"}`)
	assert.Equal(t, string(clean), string(SanitizeJSON(clean)))
}
