package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MigoXLab/LMeterX/internal/dataset"
	"github.com/MigoXLab/LMeterX/pkg/errors"
)

func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestShaperDefaultBody(t *testing.T) {
	s, err := NewShaper(KindOpenAIChat, "", "gpt-test", true, InjectPaths{})
	require.NoError(t, err)

	raw, _, err := s.Build(nil)
	require.NoError(t, err)

	body := decode(t, raw)
	require.Equal(t, "gpt-test", body["model"])
	require.Equal(t, true, body["stream"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	require.Equal(t, "Hi", msgs[0].(map[string]any)["content"])
}

func TestShaperMalformedTemplate(t *testing.T) {
	_, err := NewShaper(KindOpenAIChat, "{not json", "", true, InjectPaths{})
	require.Error(t, err)
	require.True(t, errors.IsInvalidDescriptor(err))
}

func TestShaperCustomChatRequiresTemplate(t *testing.T) {
	_, err := NewShaper(KindCustomChat, "", "", false, InjectPaths{Prompt: "q"})
	require.Error(t, err)
	require.True(t, errors.IsInvalidDescriptor(err))
}

func TestShaperStreamFlagOverridesTemplate(t *testing.T) {
	tmpl := `{"model":"m","stream":false,"messages":[{"role":"user","content":"x"}]}`
	s, err := NewShaper(KindOpenAIChat, tmpl, "", true, InjectPaths{})
	require.NoError(t, err)

	raw, _, err := s.Build(nil)
	require.NoError(t, err)
	require.Equal(t, true, decode(t, raw)["stream"])
}

func TestShaperOpenAIReplacesUserMessage(t *testing.T) {
	tmpl := `{"model":"m","messages":[
		{"role":"system","content":"be terse"},
		{"role":"user","content":"placeholder"}
	]}`
	s, err := NewShaper(KindOpenAIChat, tmpl, "", false, InjectPaths{})
	require.NoError(t, err)

	raw, prompt, err := s.Build(&dataset.Record{Prompt: "hello there"})
	require.NoError(t, err)
	require.Equal(t, "hello there", prompt)

	msgs := decode(t, raw)["messages"].([]any)
	require.Len(t, msgs, 2, "system message is preserved, user message replaced in place")
	require.Equal(t, "system", msgs[0].(map[string]any)["role"])
	require.Equal(t, "hello there", msgs[1].(map[string]any)["content"])
}

func TestShaperOpenAIAppendsWhenNoUserMessage(t *testing.T) {
	tmpl := `{"model":"m","messages":[{"role":"system","content":"sys"}]}`
	s, err := NewShaper(KindOpenAIChat, tmpl, "", false, InjectPaths{})
	require.NoError(t, err)

	raw, _, err := s.Build(&dataset.Record{Prompt: "p"})
	require.NoError(t, err)

	msgs := decode(t, raw)["messages"].([]any)
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[1].(map[string]any)["role"])
}

func TestShaperOpenAIMultimodal(t *testing.T) {
	s, err := NewShaper(KindOpenAIChat, "", "m", true, InjectPaths{})
	require.NoError(t, err)

	raw, _, err := s.Build(&dataset.Record{Prompt: "describe", ImageBase64: "AAAA"})
	require.NoError(t, err)

	msgs := decode(t, raw)["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	require.Equal(t, "text", content[0].(map[string]any)["type"])
	img := content[1].(map[string]any)
	require.Equal(t, "image_url", img["type"])
	require.Equal(t, "data:image/jpeg;base64,AAAA",
		img["image_url"].(map[string]any)["url"])
}

func TestShaperOpenAIImageURL(t *testing.T) {
	s, err := NewShaper(KindOpenAIChat, "", "m", true, InjectPaths{})
	require.NoError(t, err)

	raw, _, err := s.Build(&dataset.Record{Prompt: "p", ImageURL: "https://x/img.png"})
	require.NoError(t, err)

	msgs := decode(t, raw)["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	img := content[1].(map[string]any)
	require.Equal(t, "https://x/img.png", img["image_url"].(map[string]any)["url"])
}

func TestShaperClaudeContentBlocks(t *testing.T) {
	tmpl := `{"model":"c","max_tokens":128,"messages":[{"role":"user","content":"x"}]}`
	s, err := NewShaper(KindClaudeChat, tmpl, "", true, InjectPaths{})
	require.NoError(t, err)

	raw, _, err := s.Build(&dataset.Record{Prompt: "p", ImageBase64: "BBBB"})
	require.NoError(t, err)

	body := decode(t, raw)
	require.Equal(t, float64(128), body["max_tokens"], "non-message params survive")
	blocks := body["messages"].([]any)[0].(map[string]any)["content"].([]any)
	require.Len(t, blocks, 2)
	require.Equal(t, "text", blocks[0].(map[string]any)["type"])
	source := blocks[1].(map[string]any)["source"].(map[string]any)
	require.Equal(t, "base64", source["type"])
	require.Equal(t, "image/png", source["media_type"])
	require.Equal(t, "BBBB", source["data"])
}

func TestShaperEmbeddingsInput(t *testing.T) {
	tmpl := `{"model":"embed-1","input":"old","encoding_format":"float"}`
	s, err := NewShaper(KindEmbeddings, tmpl, "", false, InjectPaths{})
	require.NoError(t, err)

	raw, _, err := s.Build(&dataset.Record{Prompt: "embed me"})
	require.NoError(t, err)

	body := decode(t, raw)
	require.Equal(t, "embed me", body["input"])
	require.Equal(t, "float", body["encoding_format"])
	require.NotContains(t, string(raw), `"stream"`, "embeddings never get a stream flag")
}

func TestShaperCustomChatInjectPaths(t *testing.T) {
	tmpl := `{"query":{"text":"old"},"opts":{"img":""}}`
	s, err := NewShaper(KindCustomChat, tmpl, "", false,
		InjectPaths{Prompt: "query.text", Image: "opts.img"})
	require.NoError(t, err)

	raw, prompt, err := s.Build(&dataset.Record{Prompt: "new", ImageURL: "https://x/a.png"})
	require.NoError(t, err)
	require.Equal(t, "new", prompt)

	body := decode(t, raw)
	require.Equal(t, "new", body["query"].(map[string]any)["text"])
	require.Equal(t, "https://x/a.png", body["opts"].(map[string]any)["img"])
}

func TestShaperBuildDoesNotMutateTemplate(t *testing.T) {
	tmpl := `{"model":"m","messages":[{"role":"user","content":"orig"}]}`
	s, err := NewShaper(KindOpenAIChat, tmpl, "", false, InjectPaths{})
	require.NoError(t, err)

	_, _, err = s.Build(&dataset.Record{Prompt: "first"})
	require.NoError(t, err)

	raw, _, err := s.Build(nil)
	require.NoError(t, err)
	msgs := decode(t, raw)["messages"].([]any)
	require.Equal(t, "orig", msgs[0].(map[string]any)["content"],
		"template must stay pristine across builds")
}

func TestShaperPromptFromTemplate(t *testing.T) {
	tmpl := `{"messages":[{"role":"user","content":"inline prompt"}]}`
	s, err := NewShaper(KindOpenAIChat, tmpl, "", false,
		InjectPaths{Prompt: "messages.0.content"})
	require.NoError(t, err)

	_, prompt, err := s.Build(nil)
	require.NoError(t, err)
	require.Equal(t, "inline prompt", prompt)
}
