package requester

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MigoXLab/LMeterX/internal/dataset"
	"github.com/MigoXLab/LMeterX/internal/metrics"
	"github.com/MigoXLab/LMeterX/internal/payload"
)

func newChatRequester(t *testing.T, server *httptest.Server, stream bool) *Requester {
	t.Helper()
	shaper, err := payload.NewShaper(payload.KindOpenAIChat, "", "test-model", stream, payload.InjectPaths{})
	require.NoError(t, err)
	return New(server.Client(), Config{
		BaseURL:  server.URL,
		APIPath:  "/v1/chat/completions",
		Stream:   stream,
		Timeout:  5 * time.Second,
		FieldMap: DefaultFieldMap(payload.KindOpenAIChat, stream),
	}, shaper, zap.NewNop())
}

func sseChunk(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`+"\n\n", content)
}

func TestDoStreamHappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, tok := range []string{"Hello", ", ", "world"} {
			fmt.Fprint(w, sseChunk(tok))
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
		fmt.Fprint(w, `data: {"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8},"choices":[{"delta":{}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	m := newChatRequester(t, server, true).Do(context.Background(), nil, 1)

	require.Equal(t, metrics.OutcomeOK, m.Outcome)
	require.Equal(t, 200, m.HTTPStatus)
	require.False(t, m.FirstOutput.IsZero())
	require.False(t, m.Completion.IsZero())
	require.True(t, m.FirstOutput.Before(m.End))
	require.True(t, m.Completion.After(m.FirstOutput))
	require.Equal(t, 5, m.PromptTokens)
	require.Equal(t, 3, m.CompletionTokens)
	require.Equal(t, 8, m.TotalTokens)
	require.False(t, m.TokensEstimated)
	require.Equal(t, int64(len("Hello, world")), m.ContentLengthBytes)
}

func TestDoStreamImmediateDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	m := newChatRequester(t, server, true).Do(context.Background(), nil, 1)

	require.Equal(t, metrics.OutcomeParseError, m.Outcome)
	require.Contains(t, m.Error, "without any output")
}

func TestDoStreamPrematureEOFWithOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("partial"))
		// Connection closes without [DONE].
	}))
	defer server.Close()

	m := newChatRequester(t, server, true).Do(context.Background(), nil, 1)

	require.Equal(t, metrics.OutcomeOK, m.Outcome, "output already delivered counts as done")
	require.True(t, m.TokensEstimated)
	require.Greater(t, m.CompletionTokens, 0)
}

func TestDoStreamMalformedChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {broken json\n\n")
	}))
	defer server.Close()

	m := newChatRequester(t, server, true).Do(context.Background(), nil, 1)
	require.Equal(t, metrics.OutcomeParseError, m.Outcome)
}

func TestDoStreamErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"error":{"type":"overloaded_error","message":"try later"}}`+"\n\n")
	}))
	defer server.Close()

	m := newChatRequester(t, server, true).Do(context.Background(), nil, 1)
	require.Equal(t, metrics.OutcomeHTTPError, m.Outcome)
	require.Contains(t, m.Error, "overloaded_error")
}

func TestDoNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	m := newChatRequester(t, server, true).Do(context.Background(), nil, 1)

	require.Equal(t, metrics.OutcomeHTTPError, m.Outcome)
	require.Equal(t, 404, m.HTTPStatus)
	require.Contains(t, m.Error, "model not found")
}

func TestDoNon200SuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"created"}}],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`)
	}))
	defer server.Close()

	m := newChatRequester(t, server, false).Do(context.Background(), nil, 1)

	require.Equal(t, metrics.OutcomeOK, m.Outcome, "any 2xx status is a success")
	require.Equal(t, 201, m.HTTPStatus)
	require.Equal(t, 2, m.CompletionTokens)
	require.Equal(t, 6, m.TotalTokens)
}

func TestDoKeepaliveOnlyTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 50; i++ {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
			time.Sleep(50 * time.Millisecond)
		}
	}))
	defer server.Close()

	shaper, err := payload.NewShaper(payload.KindOpenAIChat, "", "m", true, payload.InjectPaths{})
	require.NoError(t, err)
	r := New(server.Client(), Config{
		BaseURL:  server.URL,
		APIPath:  "/v1/chat/completions",
		Stream:   true,
		Timeout:  200 * time.Millisecond,
		FieldMap: DefaultFieldMap(payload.KindOpenAIChat, true),
	}, shaper, zap.NewNop())

	m := r.Do(context.Background(), nil, 1)
	require.Equal(t, metrics.OutcomeTimeout, m.Outcome)
}

func TestDoCanceledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	m := newChatRequester(t, server, true).Do(ctx, nil, 1)
	require.Equal(t, metrics.OutcomeCanceled, m.Outcome)
}

func TestDoNonStreamResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices":[{"message":{"content":"full answer"}}],
			"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}
		}`)
	}))
	defer server.Close()

	m := newChatRequester(t, server, false).Do(context.Background(), nil, 1)

	require.Equal(t, metrics.OutcomeOK, m.Outcome)
	require.True(t, m.FirstOutput.IsZero(), "non-streaming has no first-token stage")
	require.Equal(t, 12, m.PromptTokens)
	require.Equal(t, 7, m.CompletionTokens)
	require.Equal(t, 19, m.TotalTokens)
	require.Equal(t, int64(len("full answer")), m.ContentLengthBytes)
}

func TestDoEmbeddingsUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2]}],"usage":{"prompt_tokens":42,"total_tokens":42}}`)
	}))
	defer server.Close()

	shaper, err := payload.NewShaper(payload.KindEmbeddings, `{"model":"e","input":"x"}`, "", false, payload.InjectPaths{})
	require.NoError(t, err)
	r := New(server.Client(), Config{
		BaseURL:  server.URL,
		APIPath:  "/v1/embeddings",
		FieldMap: DefaultFieldMap(payload.KindEmbeddings, false),
	}, shaper, zap.NewNop())

	m := r.Do(context.Background(), &dataset.Record{Prompt: "embed this"}, 1)

	require.Equal(t, metrics.OutcomeOK, m.Outcome)
	require.Equal(t, 42, m.PromptTokens)
	require.Equal(t, 42, m.TotalTokens)
}

func TestDoReasoningStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`data: {"choices":[{"delta":{"reasoning_content":"thinking..."}}]}`,
			`data: {"choices":[{"delta":{"reasoning_content":"still thinking"}}]}`,
			`data: {"choices":[{"delta":{"content":"answer"}}]}`,
			`data: [DONE]`,
		} {
			fmt.Fprint(w, line+"\n\n")
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer server.Close()

	m := newChatRequester(t, server, true).Do(context.Background(), nil, 1)

	require.Equal(t, metrics.OutcomeOK, m.Outcome)
	require.False(t, m.FirstReasoning.IsZero())
	require.False(t, m.ReasoningEnd.IsZero())
	require.True(t, m.FirstReasoning.Before(m.FirstOutput))
	require.True(t, !m.ReasoningEnd.Before(m.FirstReasoning))
}

func TestDoContentBeforeReasoningDropsReasoningStages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`data: {"choices":[{"delta":{"content":"early content"}}]}`,
			`data: {"choices":[{"delta":{"reasoning_content":"late reasoning"}}]}`,
			`data: [DONE]`,
		} {
			fmt.Fprint(w, line+"\n\n")
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer server.Close()

	m := newChatRequester(t, server, true).Do(context.Background(), nil, 1)

	require.Equal(t, metrics.OutcomeOK, m.Outcome)
	require.True(t, m.FirstReasoning.IsZero(), "out-of-order reasoning stamps are dropped")
	require.True(t, m.ReasoningEnd.IsZero())
}

func TestProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))

	r := newChatRequester(t, server, false)
	require.NoError(t, r.Probe(context.Background()),
		"any HTTP response proves reachability")

	server.Close()
	require.Error(t, r.Probe(context.Background()))
}

func TestFieldMapResolution(t *testing.T) {
	fm := ResolveFieldMap("", payload.KindOpenAIChat, true)
	require.Equal(t, "choices.0.delta.content", fm.Content)
	require.Equal(t, "[DONE]", fm.StopFlag)

	fm = ResolveFieldMap("", payload.KindClaudeChat, true)
	require.Equal(t, "delta.text", fm.Content)
	require.Equal(t, "message_stop", fm.StopFlag)
	require.Equal(t, "type", fm.EndField)

	fm = ResolveFieldMap(`{"content":"answer.text","stop_flag":"END"}`, payload.KindCustomChat, true)
	require.Equal(t, "answer.text", fm.Content)
	require.Equal(t, "END", fm.StopFlag)
	require.Equal(t, "data:", fm.StreamPrefix, "unset fields keep wire defaults")

	fm = ResolveFieldMap("{garbage", payload.KindOpenAIChat, false)
	require.Equal(t, "choices.0.message.content", fm.Content,
		"broken mapping falls back to dialect defaults")
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 0, estimateTokens(""))
	require.Equal(t, 1, estimateTokens("hi"))
	// 16 ASCII bytes at 4 bytes per token.
	require.Equal(t, 4, estimateTokens("abcdefghijklmnop"))
	// CJK runs denser than the byte ratio suggests.
	require.GreaterOrEqual(t, estimateTokens("你好世界"), 3)
}
