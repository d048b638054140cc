// Package requester executes single calls against the target endpoint and
// accounts them into measurements. One call in, one measurement out; nothing
// here retries, schedules, or aggregates.
package requester

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MigoXLab/LMeterX/internal/dataset"
	"github.com/MigoXLab/LMeterX/internal/extract"
	"github.com/MigoXLab/LMeterX/internal/metrics"
	"github.com/MigoXLab/LMeterX/internal/payload"
	"github.com/MigoXLab/LMeterX/internal/stream"
	"github.com/MigoXLab/LMeterX/pkg/errors"
)

const (
	// maxBodyBytes bounds a non-streaming response read.
	maxBodyBytes = 16 << 20
	// maxErrorLen bounds the diagnostic carried on a failed measurement.
	maxErrorLen = 512
)

// Config describes the target endpoint for one task.
type Config struct {
	BaseURL  string
	APIPath  string
	Method   string // defaults to POST
	Headers  map[string]string
	Cookies  map[string]string
	Stream   bool
	Timeout  time.Duration
	FieldMap FieldMap
}

// Requester issues requests for one task. It is stateless across calls and
// safe for concurrent use by all of the task's virtual users.
type Requester struct {
	client *http.Client
	cfg    Config
	shaper *payload.Shaper
	logger *zap.Logger
}

// New builds a requester on an already configured HTTP client.
func New(client *http.Client, cfg Config, shaper *payload.Shaper, logger *zap.Logger) *Requester {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	return &Requester{client: client, cfg: cfg, shaper: shaper, logger: logger}
}

// Probe verifies the endpoint is reachable before any user spawns. Any HTTP
// response proves reachability, error statuses included; only transport
// failures surface.
func (r *Requester) Probe(ctx context.Context) error {
	body, _, err := r.shaper.Build(nil)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, r.cfg.Method, r.cfg.BaseURL+r.cfg.APIPath, bytes.NewReader(body))
	if err != nil {
		return errors.NewTransportInitError("build warm-up request", err)
	}
	r.setHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.NewTransportInitError("endpoint unreachable", err)
	}
	resp.Body.Close()
	return nil
}

// Do issues one request and returns its measurement. Failures are encoded in
// the outcome, never returned; a virtual user's loop has nothing to handle.
func (r *Requester) Do(ctx context.Context, rec *dataset.Record, userID int) metrics.Measurement {
	m := metrics.Measurement{
		UserID:  userID,
		APIPath: r.cfg.APIPath,
		Start:   time.Now(),
	}

	body, prompt, err := r.shaper.Build(rec)
	if err != nil {
		return r.fail(m, metrics.OutcomeParseError, err.Error())
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, r.cfg.Method, r.cfg.BaseURL+r.cfg.APIPath, bytes.NewReader(body))
	if err != nil {
		return r.fail(m, metrics.OutcomeParseError, err.Error())
	}
	r.setHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return r.fail(m, classifyTransport(err), err.Error())
	}
	defer resp.Body.Close()

	m.HTTPStatus = resp.StatusCode
	if resp.StatusCode/100 != 2 {
		snippet := readSnippet(resp.Body)
		return r.fail(m, metrics.OutcomeHTTPError,
			fmt.Sprintf("status %d: %s", resp.StatusCode, snippet))
	}

	if r.cfg.Stream {
		r.consumeStream(resp.Body, &m, prompt)
	} else {
		r.consumeBody(resp.Body, &m, prompt)
	}
	return m
}

func (r *Requester) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range r.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range r.cfg.Cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}
}

func (r *Requester) fail(m metrics.Measurement, outcome metrics.Outcome, msg string) metrics.Measurement {
	m.Outcome = outcome
	m.End = time.Now()
	m.Error = truncate(msg)
	r.logger.Debug("request failed",
		zap.String("outcome", string(outcome)),
		zap.Int("status", m.HTTPStatus),
		zap.String("error", m.Error))
	return m
}

// consumeStream drives the frame parser over the response body and stamps
// lifecycle times as tokens arrive.
func (r *Requester) consumeStream(body io.Reader, m *metrics.Measurement, prompt string) {
	fm := r.cfg.FieldMap
	parser := stream.NewParser(body, stream.Config{
		LinePrefix:    fm.StreamPrefix,
		EndLinePrefix: fm.EndPrefix,
		EndFieldPath:  fm.EndField,
		StopToken:     fm.StopFlag,
	})

	var content, reasoning strings.Builder
	var reasoningActive, reasoningEnded bool
	var promptTok, completionTok, totalTok int
	var lastContentAt time.Time

loop:
	for {
		frame, err := parser.Next()
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				// Body closed without an end marker. If tokens already
				// arrived the work was done; count it.
				break
			}
			m.Outcome = classifyTransport(err)
			m.End = time.Now()
			m.Error = truncate(err.Error())
			return
		}

		switch frame.Kind {
		case stream.FrameEnd:
			break loop
		case stream.FrameIgnored:
			continue
		}

		now := time.Now()

		if fm.DataFormat != "json" {
			if m.FirstOutput.IsZero() {
				m.FirstOutput = now
			}
			content.WriteString(frame.Payload)
			lastContentAt = now
			continue
		}

		var decoded any
		if err := json.Unmarshal([]byte(frame.Payload), &decoded); err != nil {
			m.Outcome = metrics.OutcomeParseError
			m.End = time.Now()
			m.Error = truncate(fmt.Sprintf("bad chunk %q: %v", frame.Payload, err))
			return
		}
		if msg := errorInBody(decoded); msg != "" {
			m.Outcome = metrics.OutcomeHTTPError
			m.End = time.Now()
			m.Error = truncate(msg)
			return
		}

		// Cumulative usage counts: the last chunk that carries them wins.
		usageSeen := false
		if v, ok := extract.GetInt(decoded, fm.PromptTokens); ok && v > 0 {
			promptTok = v
		}
		if v, ok := extract.GetInt(decoded, fm.CompletionTokens); ok && v > 0 {
			completionTok = v
			usageSeen = true
		}
		if v, ok := extract.GetInt(decoded, fm.TotalTokens); ok && v > 0 {
			totalTok = v
			usageSeen = true
		}

		reasoningChunk := extract.GetString(decoded, fm.ReasoningContent)
		if strings.TrimSpace(reasoningChunk) != "" {
			reasoningActive = true
			if m.FirstReasoning.IsZero() {
				m.FirstReasoning = now
			}
			if !usageSeen {
				reasoning.WriteString(reasoningChunk)
			}
			lastContentAt = now
		}

		contentChunk := extract.GetString(decoded, fm.Content)
		if strings.TrimSpace(contentChunk) != "" {
			// Reasoning phase ends when content starts flowing while the
			// reasoning stream has gone quiet.
			if reasoningActive && !reasoningEnded && strings.TrimSpace(reasoningChunk) == "" {
				reasoningEnded = true
				m.ReasoningEnd = now
			}
			if m.FirstOutput.IsZero() {
				m.FirstOutput = now
			}
			if !usageSeen {
				content.WriteString(contentChunk)
			}
			lastContentAt = now
		}
	}

	m.End = time.Now()
	m.Completion = lastContentAt

	if content.Len() == 0 && reasoning.Len() == 0 && completionTok == 0 && totalTok == 0 {
		m.Outcome = metrics.OutcomeParseError
		m.Error = "stream ended without any output"
		return
	}

	m.Outcome = metrics.OutcomeOK
	m.ContentLengthBytes = int64(content.Len() + reasoning.Len())
	r.finishTokens(m, promptTok, completionTok, totalTok, prompt, content.String()+reasoning.String())
	enforceStageOrder(m)
}

// consumeBody handles the non-streaming case: one JSON document, one
// Total_time sample.
func (r *Requester) consumeBody(body io.Reader, m *metrics.Measurement, prompt string) {
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	m.End = time.Now()
	if err != nil {
		m.Outcome = classifyTransport(err)
		m.Error = truncate(err.Error())
		return
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		m.Outcome = metrics.OutcomeParseError
		m.Error = truncate(fmt.Sprintf("bad response body: %v", err))
		return
	}
	if msg := errorInBody(decoded); msg != "" {
		m.Outcome = metrics.OutcomeHTTPError
		m.Error = truncate(msg)
		return
	}

	fm := r.cfg.FieldMap
	promptTok, completionTok, totalTok := usageFromResponse(decoded, fm)

	content := extract.GetString(decoded, fm.Content)
	reasoning := extract.GetString(decoded, fm.ReasoningContent)

	m.Outcome = metrics.OutcomeOK
	m.ContentLengthBytes = int64(len(content) + len(reasoning))
	r.finishTokens(m, promptTok, completionTok, totalTok, prompt, content+reasoning)
}

func (r *Requester) finishTokens(m *metrics.Measurement, promptTok, completionTok, totalTok int, prompt, output string) {
	m.PromptTokens = promptTok
	m.CompletionTokens = completionTok
	m.TotalTokens = totalTok

	if m.CompletionTokens == 0 && output != "" {
		m.CompletionTokens = estimateTokens(output)
		m.TokensEstimated = true
	}
	if m.PromptTokens == 0 && prompt != "" {
		m.PromptTokens = estimateTokens(prompt)
		m.TokensEstimated = true
	}
	if m.TotalTokens == 0 {
		m.TotalTokens = m.PromptTokens + m.CompletionTokens
	}
}

// enforceStageOrder drops reasoning stamps that contradict the lifecycle
// order. A provider that emits content before reasoning would otherwise
// produce a negative reasoning stage.
func enforceStageOrder(m *metrics.Measurement) {
	if m.FirstReasoning.IsZero() || m.FirstOutput.IsZero() {
		return
	}
	if m.FirstOutput.Before(m.FirstReasoning) {
		m.FirstReasoning = time.Time{}
		m.ReasoningEnd = time.Time{}
	}
}

// usageFromResponse reads token usage through the field map, then falls back
// to the conventional usage object under its common key spellings.
func usageFromResponse(decoded any, fm FieldMap) (promptTok, completionTok, totalTok int) {
	if v, ok := extract.GetInt(decoded, fm.PromptTokens); ok && v > 0 {
		promptTok = v
	}
	if v, ok := extract.GetInt(decoded, fm.CompletionTokens); ok && v > 0 {
		completionTok = v
	}
	if v, ok := extract.GetInt(decoded, fm.TotalTokens); ok && v > 0 {
		totalTok = v
	}
	if promptTok > 0 || completionTok > 0 || totalTok > 0 {
		return promptTok, completionTok, totalTok
	}

	for _, path := range []string{"usage.prompt_tokens", "usage.input_tokens"} {
		if v, ok := extract.GetInt(decoded, path); ok && v > 0 {
			promptTok = v
		}
	}
	for _, path := range []string{"usage.completion_tokens", "usage.output_tokens"} {
		if v, ok := extract.GetInt(decoded, path); ok && v > 0 {
			completionTok = v
		}
	}
	for _, path := range []string{"usage.total_tokens", "usage.all_tokens"} {
		if v, ok := extract.GetInt(decoded, path); ok && v > 0 {
			totalTok = v
		}
	}
	return promptTok, completionTok, totalTok
}

// errorInBody detects providers that report failures inside a 200 response.
func errorInBody(decoded any) string {
	obj, ok := decoded.(map[string]any)
	if !ok {
		return ""
	}

	if errObj, ok := obj["error"].(map[string]any); ok {
		errType, _ := errObj["type"].(string)
		errMsg, _ := errObj["message"].(string)
		if errType != "" || errMsg != "" {
			return fmt.Sprintf("api error - type: %s, message: %s", errType, errMsg)
		}
	}
	if errStr, ok := obj["error"].(string); ok && strings.TrimSpace(errStr) != "" {
		return "response contains error: " + errStr
	}
	if code, ok := obj["code"].(float64); ok && code < 0 {
		return fmt.Sprintf("response contains error code %d", int(code))
	}
	if objType, _ := obj["object"].(string); objType == "error" {
		return "response object type is error"
	}
	if event, _ := obj["event"].(string); event == "error" {
		return "response event type is error"
	}
	return ""
}

func classifyTransport(err error) metrics.Outcome {
	switch {
	case stderrors.Is(err, context.Canceled):
		return metrics.OutcomeCanceled
	case stderrors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeTimeout
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return metrics.OutcomeTimeout
	}
	return metrics.OutcomeHTTPError
}

func readSnippet(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorLen))
	return strings.TrimSpace(string(raw))
}

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}
