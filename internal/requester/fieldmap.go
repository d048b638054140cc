package requester

import (
	"encoding/json"

	"github.com/MigoXLab/LMeterX/internal/payload"
)

// FieldMap tells the engine where meaning lives inside a provider's wire
// format: which prefix frames the stream, which dotted paths carry content,
// reasoning and token usage, and what marks the end of a stream.
type FieldMap struct {
	StreamPrefix     string `json:"stream_prefix"`
	DataFormat       string `json:"data_format"`
	StopFlag         string `json:"stop_flag"`
	EndPrefix        string `json:"end_prefix"`
	EndField         string `json:"end_field"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
	Prompt           string `json:"prompt"`
	Image            string `json:"image"`
	PromptTokens     string `json:"prompt_tokens"`
	CompletionTokens string `json:"completion_tokens"`
	TotalTokens      string `json:"total_tokens"`
}

// DefaultFieldMap returns the canonical mapping for a known API dialect.
// custom-chat gets an empty map; the operator must supply one.
func DefaultFieldMap(kind payload.Kind, stream bool) FieldMap {
	switch kind {
	case payload.KindOpenAIChat:
		fm := FieldMap{
			StreamPrefix:     "data:",
			DataFormat:       "json",
			StopFlag:         "[DONE]",
			EndPrefix:        "data:",
			Content:          "choices.0.message.content",
			ReasoningContent: "choices.0.message.reasoning_content",
			Prompt:           "messages.0.content.0.text",
			Image:            "messages.0.content.-1.image_url.url",
			PromptTokens:     "usage.prompt_tokens",
			CompletionTokens: "usage.completion_tokens",
			TotalTokens:      "usage.total_tokens",
		}
		if stream {
			fm.Content = "choices.0.delta.content"
			fm.ReasoningContent = "choices.0.delta.reasoning_content"
		}
		return fm
	case payload.KindClaudeChat:
		fm := FieldMap{
			StreamPrefix:     "data:",
			DataFormat:       "json",
			StopFlag:         "message_stop",
			EndPrefix:        "data:",
			EndField:         "type",
			Content:          "content.-1.text",
			ReasoningContent: "content.0.thinking",
			Prompt:           "messages.0.content.0.text",
			Image:            "messages.0.content.-1.source.data",
			PromptTokens:     "usage.input_tokens",
			CompletionTokens: "usage.output_tokens",
		}
		if stream {
			fm.Content = "delta.text"
			fm.ReasoningContent = "delta.thinking"
		}
		return fm
	case payload.KindEmbeddings:
		return FieldMap{
			DataFormat: "json",
			Prompt:     "input",
		}
	default:
		return FieldMap{}
	}
}

// ResolveFieldMap merges an operator-supplied mapping (JSON object, may be
// empty) with the dialect defaults. A mapping without a content path falls
// back to the dialect defaults entirely; a broken JSON string is treated the
// same way rather than failing the task.
func ResolveFieldMap(raw string, kind payload.Kind, stream bool) FieldMap {
	if raw == "" {
		return DefaultFieldMap(kind, stream)
	}

	fm := FieldMap{
		StreamPrefix: "data:",
		DataFormat:   "json",
		StopFlag:     "[DONE]",
	}
	if err := json.Unmarshal([]byte(raw), &fm); err != nil {
		return DefaultFieldMap(kind, stream)
	}
	if fm.Content == "" && fm.Prompt == "" && kind != payload.KindCustomChat {
		return DefaultFieldMap(kind, stream)
	}
	return fm
}
