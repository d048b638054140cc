// Package dataset loads prompt datasets and hands records to virtual users.
//
// Three datasets ship embedded in the binary (plain text, a ShareGPT slice,
// and a small vision set); operators can also supply JSONL inline or as an
// uploaded file. Parsing is strict: one malformed line aborts task creation
// before any user is spawned.
package dataset

import (
	"bufio"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	apperrors "github.com/MigoXLab/LMeterX/pkg/errors"
)

//go:embed data/*.jsonl data/*.json
var builtinFS embed.FS

// Kind selects the dataset source for a task.
type Kind string

const (
	KindDefaultText     Kind = "default-text"
	KindDefaultShareGPT Kind = "default-sharegpt"
	KindDefaultVision   Kind = "default-vision"
	KindInlineJSONL     Kind = "inline-jsonl"
	KindUploadedJSONL   Kind = "uploaded-jsonl"
	KindNone            Kind = "none"
)

const (
	textFile     = "data/text_self-built.jsonl"
	shareGPTFile = "data/ShareGPT_V3_partial.json"
	visionFile   = "data/vision_self-built.jsonl"
)

// Record is one dataset entry. At most one of ImageBase64 / ImageURL is set.
type Record struct {
	ID          string
	Prompt      string
	ImageBase64 string
	ImageURL    string
}

// HasImage reports whether the record carries image data.
func (r Record) HasImage() bool {
	return r.ImageBase64 != "" || r.ImageURL != ""
}

// Sampler iterates a dataset as an infinite sequence: the cursor wraps around
// when the records are exhausted. One Sampler is shared by every user of a
// task; Next advances the cursor atomically.
type Sampler struct {
	records []Record

	mu     sync.Mutex
	cursor int
}

// New resolves a dataset kind into a Sampler. source carries the inline JSONL
// text for KindInlineJSONL or the file path for KindUploadedJSONL, and is
// ignored otherwise. Iteration order is the fixed file order, so replays of
// the same task are deterministic.
func New(kind Kind, source string) (*Sampler, error) {
	switch kind {
	case KindNone:
		// Sentinel record: the shaper writes nothing for an empty prompt.
		return &Sampler{records: []Record{{ID: "0"}}}, nil
	case KindDefaultText:
		return loadEmbeddedJSONL(textFile)
	case KindDefaultVision:
		return loadEmbeddedJSONL(visionFile)
	case KindDefaultShareGPT:
		return loadEmbeddedShareGPT(shareGPTFile)
	case KindInlineJSONL:
		return parseJSONL(strings.NewReader(source), string(kind))
	case KindUploadedJSONL:
		f, err := os.Open(source)
		if err != nil {
			return nil, apperrors.NewInvalidDatasetError(fmt.Sprintf("open dataset file %s", source), err)
		}
		defer f.Close()
		return parseJSONL(f, source)
	default:
		return nil, apperrors.NewInvalidDatasetError(fmt.Sprintf("unknown dataset kind %q", kind), nil)
	}
}

// Next returns the next record, wrapping around at the end.
func (s *Sampler) Next() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.records)
	return rec
}

// Size returns the number of distinct records.
func (s *Sampler) Size() int {
	return len(s.records)
}

func loadEmbeddedJSONL(name string) (*Sampler, error) {
	f, err := builtinFS.Open(name)
	if err != nil {
		return nil, apperrors.NewInvalidDatasetError(fmt.Sprintf("open builtin dataset %s", name), err)
	}
	defer f.Close()
	return parseJSONL(f, name)
}

func parseJSONL(r interface{ Read([]byte) (int, error) }, name string) (*Sampler, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var records []Record
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		rec, err := parseLine(line, lineNum)
		if err != nil {
			return nil, apperrors.NewInvalidDatasetError(
				fmt.Sprintf("dataset %s line %d", name, lineNum), err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.NewInvalidDatasetError(fmt.Sprintf("read dataset %s", name), err)
	}
	if len(records) == 0 {
		return nil, apperrors.NewInvalidDatasetError(fmt.Sprintf("dataset %s is empty", name), nil)
	}

	return &Sampler{records: records}, nil
}

// parseLine decodes one JSONL object. Besides the plain {id, prompt} shape it
// accepts ShareGPT ("conversations") and OpenAI ("messages") records, taking
// the first human/user turn as the prompt.
func parseLine(line string, lineNum int) (Record, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return Record{}, err
	}

	rec := Record{ID: fmt.Sprintf("%d", lineNum)}
	if id, ok := obj["id"]; ok {
		rec.ID = stringify(id)
	}

	switch {
	case obj["prompt"] != nil:
		rec.Prompt = normalizePrompt(obj["prompt"])
	case obj["conversations"] != nil:
		rec.Prompt = firstTurn(obj["conversations"], "from", "value")
	case obj["messages"] != nil:
		rec.Prompt = firstTurn(obj["messages"], "role", "content")
	}
	if rec.Prompt == "" {
		return Record{}, fmt.Errorf("no usable prompt field")
	}

	if img, ok := obj["image_base64"].(string); ok {
		rec.ImageBase64 = img
	}
	if img, ok := obj["image_url"].(string); ok {
		rec.ImageURL = img
	}
	// A bare "image" field is either a URL or raw base64.
	if img, ok := obj["image"].(string); ok && !rec.HasImage() {
		if strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
			rec.ImageURL = img
		} else {
			rec.ImageBase64 = img
		}
	}

	return rec, nil
}

func loadEmbeddedShareGPT(name string) (*Sampler, error) {
	raw, err := builtinFS.ReadFile(name)
	if err != nil {
		return nil, apperrors.NewInvalidDatasetError(fmt.Sprintf("open builtin dataset %s", name), err)
	}

	var entries []map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, apperrors.NewInvalidDatasetError(fmt.Sprintf("parse dataset %s", name), err)
	}

	var records []Record
	for i, obj := range entries {
		rec := Record{ID: fmt.Sprintf("%d", i+1)}
		if id, ok := obj["id"]; ok {
			rec.ID = stringify(id)
		}
		rec.Prompt = firstTurn(obj["conversations"], "from", "value")
		if rec.Prompt == "" {
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, apperrors.NewInvalidDatasetError(fmt.Sprintf("dataset %s has no human turns", name), nil)
	}

	return &Sampler{records: records}, nil
}

// normalizePrompt accepts a string, a non-empty list (first element wins), or
// an object (serialized back to compact JSON for chat-shaped prompts).
func normalizePrompt(v any) string {
	switch p := v.(type) {
	case string:
		return p
	case []any:
		if len(p) == 0 {
			return ""
		}
		return stringify(p[0])
	case map[string]any:
		b, err := json.Marshal(p)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return ""
	}
}

// firstTurn extracts the first human/user turn from a conversation list.
func firstTurn(v any, roleKey, contentKey string) string {
	turns, ok := v.([]any)
	if !ok {
		return ""
	}
	for _, t := range turns {
		turn, ok := t.(map[string]any)
		if !ok {
			continue
		}
		role, _ := turn[roleKey].(string)
		if role != "human" && role != "user" {
			continue
		}
		if content, ok := turn[contentKey].(string); ok && content != "" {
			return content
		}
	}
	return ""
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", s), ".0")
	default:
		return fmt.Sprintf("%v", s)
	}
}
