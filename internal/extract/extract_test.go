package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return v
}

func TestGet(t *testing.T) {
	openaiChunk := decode(t, `{"choices":[{"delta":{"content":"Hi","reasoning_content":""}}],"usage":{"total_tokens":42}}`)
	claudeChunk := decode(t, `{"type":"content_block_delta","delta":{"text":"Hello","thinking":"hmm"}}`)
	nested := decode(t, `{"a":{"b":[{"c":1},{"c":2},{"c":3}]}}`)

	cases := []struct {
		name string
		data any
		path string
		want any
	}{
		{"openai delta content", openaiChunk, "choices.0.delta.content", "Hi"},
		{"openai usage number", openaiChunk, "usage.total_tokens", float64(42)},
		{"claude delta text", claudeChunk, "delta.text", "Hello"},
		{"claude thinking", claudeChunk, "delta.thinking", "hmm"},
		{"last element", nested, "a.b.-1.c", float64(3)},
		{"explicit index", nested, "a.b.1.c", float64(2)},
		{"index out of range", nested, "a.b.7.c", nil},
		{"missing key", openaiChunk, "choices.0.delta.nope", nil},
		{"index into object", openaiChunk, "usage.0", nil},
		{"key into scalar", openaiChunk, "usage.total_tokens.x", nil},
		{"empty path", openaiChunk, "", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Get(tc.data, tc.path))
		})
	}
}

func TestGetImplicitFirstElement(t *testing.T) {
	// A field segment applied to an array descends into the first element
	// when it is an object. Claude's non-streaming content blocks rely on it.
	data := decode(t, `{"content":[{"text":"answer"},{"text":"ignored"}]}`)
	require.Equal(t, "answer", Get(data, "content.text"))
}

func TestGetInt(t *testing.T) {
	data := decode(t, `{"usage":{"total":"128","bad":"x","frac":"3.7","empty":""},"n":9}`)

	n, ok := GetInt(data, "n")
	require.True(t, ok)
	require.Equal(t, 9, n)

	n, ok = GetInt(data, "usage.total")
	require.True(t, ok)
	require.Equal(t, 128, n)

	n, ok = GetInt(data, "usage.frac")
	require.True(t, ok)
	require.Equal(t, 3, n)

	_, ok = GetInt(data, "usage.bad")
	require.False(t, ok)

	_, ok = GetInt(data, "usage.empty")
	require.False(t, ok)

	_, ok = GetInt(data, "usage.missing")
	require.False(t, ok)
}

func TestSet(t *testing.T) {
	payload := decode(t, `{"messages":[{"role":"user","content":[{"type":"text","text":"old"}]}]}`).(map[string]any)

	Set(payload, "messages.0.content.0.text", "new prompt")
	require.Equal(t, "new prompt", Get(payload, "messages.0.content.0.text"))

	// Creates missing intermediate objects.
	Set(payload, "metadata.source", "dataset")
	require.Equal(t, "dataset", Get(payload, "metadata.source"))

	// Last-element addressing on the write side.
	Set(payload, "messages.-1.role", "user")
	require.Equal(t, "user", Get(payload, "messages.-1.role"))

	// Unsatisfiable array index leaves the payload untouched.
	Set(payload, "messages.5.role", "ghost")
	require.Nil(t, Get(payload, "messages.5"))
}
