// Package payload turns a request template plus one dataset record into the
// request body of a single call. The shaper preserves everything the operator
// configured (model, stream, sampling params) and rewrites only the fields
// that carry dataset content.
package payload

import (
	"encoding/json"
	"fmt"

	"github.com/MigoXLab/LMeterX/internal/dataset"
	"github.com/MigoXLab/LMeterX/internal/extract"
	"github.com/MigoXLab/LMeterX/pkg/errors"
)

// Kind selects the payload dialect of the target endpoint.
type Kind string

const (
	KindOpenAIChat Kind = "openai-chat"
	KindClaudeChat Kind = "claude-chat"
	KindEmbeddings Kind = "embeddings"
	KindCustomChat Kind = "custom-chat"
)

// InjectPaths addresses where dataset content lands in a custom template.
type InjectPaths struct {
	Prompt string
	Image  string
}

// Shaper builds request bodies from a parsed template. It is immutable after
// construction and safe for concurrent use; every Build works on a deep copy
// of the template.
type Shaper struct {
	kind     Kind
	template map[string]any
	paths    InjectPaths
}

// NewShaper parses template once and validates it. An empty template is legal
// for chat kinds and materializes a minimal default body; for custom-chat a
// template is required because there is no dialect to fall back on.
func NewShaper(kind Kind, template, model string, stream bool, paths InjectPaths) (*Shaper, error) {
	var parsed map[string]any

	if template == "" {
		if kind == KindCustomChat {
			return nil, errors.NewInvalidDescriptorError("custom-chat requires a request template")
		}
		parsed = defaultBody(model, stream)
	} else {
		if err := json.Unmarshal([]byte(template), &parsed); err != nil {
			return nil, errors.NewInvalidDescriptorError(fmt.Sprintf("request template is not a JSON object: %v", err))
		}
	}

	// Chat dialects own the stream flag; the descriptor decides, not the
	// template, so a stale "stream": false cannot silently disable SSE.
	if kind == KindOpenAIChat || kind == KindClaudeChat {
		parsed["stream"] = stream
	}

	return &Shaper{kind: kind, template: parsed, paths: paths}, nil
}

// Build returns the marshaled request body for one call plus the prompt text
// it carries. rec may be nil when the task runs without a dataset; the
// template is then sent as-is and the prompt is read back out of it.
func (s *Shaper) Build(rec *dataset.Record) ([]byte, string, error) {
	body, err := clone(s.template)
	if err != nil {
		return nil, "", err
	}

	if rec == nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, "", errors.NewInternalError("marshal request body", err)
		}
		return encoded, s.promptFromTemplate(body), nil
	}

	prompt := rec.Prompt
	switch s.kind {
	case KindOpenAIChat:
		updateOpenAIChat(body, rec)
	case KindClaudeChat:
		updateClaudeChat(body, rec)
	case KindEmbeddings:
		body["input"] = prompt
	case KindCustomChat:
		s.updateByPaths(body, rec)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, "", errors.NewInternalError("marshal request body", err)
	}
	return encoded, prompt, nil
}

// PromptPath reports the configured prompt injection path, empty for the
// standard dialects which do not need one.
func (s *Shaper) PromptPath() string { return s.paths.Prompt }

func (s *Shaper) promptFromTemplate(body map[string]any) string {
	if s.paths.Prompt == "" {
		return ""
	}
	return extract.GetString(body, s.paths.Prompt)
}

func defaultBody(model string, stream bool) map[string]any {
	if model == "" {
		model = "your-model-name"
	}
	return map[string]any{
		"model":  model,
		"stream": stream,
		"messages": []any{
			map[string]any{"role": "user", "content": "Hi"},
		},
	}
}

// clone deep-copies the template through a JSON round trip. Templates are
// small; correctness over cleverness here.
func clone(template map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(template)
	if err != nil {
		return nil, errors.NewInternalError("clone request template", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewInternalError("clone request template", err)
	}
	return out, nil
}

// updateOpenAIChat replaces the first user message, or appends one, leaving
// system messages and every other parameter untouched. With an image the
// content becomes the multimodal part array.
func updateOpenAIChat(body map[string]any, rec *dataset.Record) {
	var content any = rec.Prompt
	if rec.HasImage() {
		parts := []any{
			map[string]any{"type": "text", "text": rec.Prompt},
		}
		url := rec.ImageURL
		if rec.ImageBase64 != "" {
			url = "data:image/jpeg;base64," + rec.ImageBase64
		}
		parts = append(parts, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": url},
		})
		content = parts
	}

	setUserMessage(body, map[string]any{"role": "user", "content": content})
}

// updateClaudeChat always uses the content-block form; an image record adds a
// source block after the text block.
func updateClaudeChat(body map[string]any, rec *dataset.Record) {
	blocks := []any{
		map[string]any{"type": "text", "text": rec.Prompt},
	}
	if rec.ImageURL != "" {
		blocks = append(blocks, map[string]any{
			"type":   "image",
			"source": map[string]any{"type": "url", "url": rec.ImageURL},
		})
	}
	if rec.ImageBase64 != "" {
		blocks = append(blocks, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": "image/png",
				"data":       rec.ImageBase64,
			},
		})
	}

	setUserMessage(body, map[string]any{"role": "user", "content": blocks})
}

func setUserMessage(body map[string]any, user map[string]any) {
	messages, _ := body["messages"].([]any)
	for i, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role == "user" {
			messages[i] = user
			body["messages"] = messages
			return
		}
	}
	body["messages"] = append(messages, user)
}

func (s *Shaper) updateByPaths(body map[string]any, rec *dataset.Record) {
	if s.paths.Prompt != "" {
		extract.Set(body, s.paths.Prompt, rec.Prompt)
	}
	if s.paths.Image == "" {
		return
	}
	switch {
	case rec.ImageURL != "":
		extract.Set(body, s.paths.Image, rec.ImageURL)
	case rec.ImageBase64 != "":
		extract.Set(body, s.paths.Image, "data:image/jpeg;base64,"+rec.ImageBase64)
	}
}
