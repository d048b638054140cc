// Package stream frames a chunked HTTP body into protocol events.
//
// The parser splits the byte source on newlines and classifies each line as
// Data, End, or Ignored using the configured prefixes and stop token. It is
// consumer-paced: bytes are only read when Next is called, so the requester
// controls backpressure. Data payloads are returned raw; decoding them (JSON
// or text) is the consumer's concern, which keeps text protocols working
// without parse failures.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/MigoXLab/LMeterX/internal/extract"
)

// FrameKind classifies one line of the stream.
type FrameKind int

const (
	// FrameData is a content-bearing line with its prefix stripped.
	FrameData FrameKind = iota
	// FrameEnd is the server-side end-of-stream marker.
	FrameEnd
	// FrameIgnored is an SSE control line, comment, or blank keepalive.
	FrameIgnored
)

// Frame is one classified line. Payload is set for Data frames only.
type Frame struct {
	Kind    FrameKind
	Payload string
}

// Config controls line classification.
type Config struct {
	LinePrefix    string // e.g. "data:"
	EndLinePrefix string // prefix of potential end-marker lines, often also "data:"
	EndFieldPath  string // dotted path evaluated inside the end-marker JSON
	StopToken     string // e.g. "[DONE]" or "message_stop"
}

// sseControlPrefixes are SSE lines that carry no payload data.
var sseControlPrefixes = []string{"event:", "id:", "retry:", ":"}

// Parser yields a lazy sequence of frames until the source closes.
type Parser struct {
	scanner *bufio.Scanner
	cfg     Config
}

// maxLineBytes bounds a single SSE line; vision payloads can carry inline
// base64 image data.
const maxLineBytes = 1024 * 1024

// NewParser wraps a chunked byte source.
func NewParser(r io.Reader, cfg Config) *Parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Parser{scanner: scanner, cfg: cfg}
}

// Next returns the next frame. It returns io.EOF when the source is
// exhausted, or the underlying read error.
func (p *Parser) Next() (Frame, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return Frame{}, err
		}
		return Frame{}, io.EOF
	}

	line := strings.TrimRight(p.scanner.Text(), "\r")
	return p.classify(line), nil
}

func (p *Parser) classify(line string) Frame {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Frame{Kind: FrameIgnored}
	}

	// End-marker check runs first: the end prefix is usually the same
	// "data:" prefix that carries content, and the terminating line must
	// not be surfaced as data.
	if p.cfg.EndLinePrefix != "" && strings.HasPrefix(trimmed, p.cfg.EndLinePrefix) {
		remainder := strings.TrimSpace(trimmed[len(p.cfg.EndLinePrefix):])
		if p.isEndMarker(remainder) {
			return Frame{Kind: FrameEnd}
		}
	}

	if p.cfg.LinePrefix != "" && strings.HasPrefix(trimmed, p.cfg.LinePrefix) {
		remainder := strings.TrimSpace(trimmed[len(p.cfg.LinePrefix):])
		if remainder == "" {
			return Frame{Kind: FrameIgnored}
		}
		return Frame{Kind: FrameData, Payload: remainder}
	}

	for _, prefix := range sseControlPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return Frame{Kind: FrameIgnored}
		}
	}

	// No prefix configured at all: every non-empty line is data. This is
	// the non-SSE chunked text case.
	if p.cfg.LinePrefix == "" {
		if p.cfg.StopToken != "" && trimmed == p.cfg.StopToken {
			return Frame{Kind: FrameEnd}
		}
		return Frame{Kind: FrameData, Payload: trimmed}
	}

	return Frame{Kind: FrameIgnored}
}

// isEndMarker reports whether the prefix-stripped remainder terminates the
// stream: either it equals the stop token directly, or the configured end
// field inside the parsed remainder does.
func (p *Parser) isEndMarker(remainder string) bool {
	if p.cfg.StopToken == "" {
		return false
	}

	if remainder == p.cfg.StopToken {
		return true
	}

	if p.cfg.EndFieldPath == "" {
		return false
	}

	var decoded any
	if err := json.Unmarshal([]byte(remainder), &decoded); err != nil {
		return false
	}
	return extract.GetString(decoded, p.cfg.EndFieldPath) == p.cfg.StopToken
}
