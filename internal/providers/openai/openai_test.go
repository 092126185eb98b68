package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/optyxlabs/optyx-gateway/internal/catalog"
	"github.com/optyxlabs/optyx-gateway/internal/providers"
)

func testCat() *catalog.Catalog {
	return catalog.New([]catalog.Entry{
		{ID: "legacy-model", Provider: "openai", Type: catalog.TypeChat, Protocol: catalog.ProtocolChatCompletions},
		{ID: "event-model", Provider: "openai", Type: catalog.TypeChat, Protocol: catalog.ProtocolResponses},
	}, nil)
}

func baseRequest(model string) *providers.ChatRequest {
	raw := []byte(`{"model":"` + model + `","messages":[{"role":"user","content":"hi"}]}`)
	return &providers.ChatRequest{
		Model:       model,
		ClientModel: "client-alias",
		Messages:    []providers.Message{{Role: "user", Content: "hi"}},
		Raw:         raw,
		RequestID:   "req-1",
	}
}

func TestPassthroughRewritesModelBothWays(t *testing.T) {
	var upstreamBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&upstreamBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "legacy-model",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "hello"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	a := New("test-key", testCat(), WithBaseURL(srv.URL))
	res, err := a.ChatCompletions(context.Background(), baseRequest("legacy-model"))
	if err != nil {
		t.Fatal(err)
	}
	if res.JSON == nil {
		t.Fatal("expected JSON result")
	}

	// Upstream saw the canonical id.
	if upstreamBody["model"] != "legacy-model" {
		t.Fatalf("upstream model = %v", upstreamBody["model"])
	}

	// The client gets its own identifier back.
	var out map[string]any
	if err := json.Unmarshal(res.JSON.Body, &out); err != nil {
		t.Fatal(err)
	}
	if out["model"] != "client-alias" {
		t.Fatalf("client model = %v", out["model"])
	}

	if res.JSON.Usage.InputTokens == nil || *res.JSON.Usage.InputTokens != 7 {
		t.Fatalf("input tokens = %v", res.JSON.Usage.InputTokens)
	}
	if res.JSON.Usage.OutputTokens == nil || *res.JSON.Usage.OutputTokens != 3 {
		t.Fatalf("output tokens = %v", res.JSON.Usage.OutputTokens)
	}
}

func TestPassthroughStreamRequestsUsage(t *testing.T) {
	req := baseRequest("legacy-model")
	req.Stream = true
	req.Raw = []byte(`{"model":"legacy-model","messages":[],"stream":true}`)

	body, err := passthroughBody(req)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatal(err)
	}
	so, ok := m["stream_options"].(map[string]any)
	if !ok || so["include_usage"] != true {
		t.Fatalf("stream_options = %v", m["stream_options"])
	}
}

func TestPassthroughStreamTranslatorBuffersSplitChunks(t *testing.T) {
	chunk1 := `{"id":"c1","object":"chat.completion.chunk","model":"legacy-model","choices":[{"index":0,"delta":{"content":"he"}}]}`
	chunk2 := `{"id":"c1","object":"chat.completion.chunk","model":"legacy-model","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3}}`
	wire := "data: " + chunk1 + "\n\ndata: " + chunk2 + "\n\ndata: [DONE]\n\n"

	tr := &passthroughStream{}

	// Feed the wire bytes in awkward pieces; frames only appear once an
	// event boundary is complete.
	var frames [][]byte
	var usage providers.Usage
	for _, piece := range []string{wire[:10], wire[10:37], wire[37:]} {
		fs, u := tr.translate([]byte(piece))
		frames = append(frames, fs...)
		usage.Merge(u)
	}

	if len(frames) != 3 {
		t.Fatalf("frames = %d: %q", len(frames), frames)
	}
	if string(frames[0]) != chunk1 {
		t.Fatalf("frame 0 = %s", frames[0])
	}
	if string(frames[2]) != "[DONE]" {
		t.Fatalf("frame 2 = %s", frames[2])
	}
	if usage.InputTokens == nil || *usage.InputTokens != 7 ||
		usage.OutputTokens == nil || *usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v", usage)
	}
}

func TestEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["model"] != "text-embedding-3-small" {
			t.Errorf("model = %v", in["model"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data":   []map[string]any{{"object": "embedding", "index": 0, "embedding": []float64{0.1, 0.2}}},
			"usage":  map[string]any{"prompt_tokens": 4},
		})
	}))
	defer srv.Close()

	a := New("test-key", testCat(), WithBaseURL(srv.URL))
	res, err := a.Embeddings(context.Background(), &providers.EmbeddingRequest{
		Model:       "text-embedding-3-small",
		ClientModel: "embed-small",
		Input:       []string{"hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(res.Body, &out); err != nil {
		t.Fatal(err)
	}
	if out["model"] != "embed-small" {
		t.Fatalf("model = %v", out["model"])
	}
	if res.Usage.InputTokens == nil || *res.Usage.InputTokens != 4 {
		t.Fatalf("usage = %+v", res.Usage)
	}
}

func TestParseErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit exceeded","type":"rate_limit_error","code":"rate_limited"}}`)
	}))
	defer srv.Close()

	a := New("test-key", testCat(), WithBaseURL(srv.URL))
	_, err := a.ChatCompletions(context.Background(), baseRequest("legacy-model"))
	if err == nil {
		t.Fatal("expected error")
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %T %v", err, err)
	}
	if pe.HTTPStatus() != http.StatusTooManyRequests {
		t.Fatalf("status = %d", pe.HTTPStatus())
	}
	if pe.Message != "rate limit exceeded" {
		t.Fatalf("message = %q", pe.Message)
	}
}
