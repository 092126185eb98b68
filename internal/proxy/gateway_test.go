package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/optyxlabs/optyx-gateway/internal/audit"
	"github.com/optyxlabs/optyx-gateway/internal/auth"
	"github.com/optyxlabs/optyx-gateway/internal/catalog"
	"github.com/optyxlabs/optyx-gateway/internal/config"
	"github.com/optyxlabs/optyx-gateway/internal/policy"
	"github.com/optyxlabs/optyx-gateway/internal/pricing"
	"github.com/optyxlabs/optyx-gateway/internal/providers"
)

// ── Test doubles ──────────────────────────────────────────────────────────────

type fakeKeys struct{ byHash map[string]*auth.ApiKey }

func (f *fakeKeys) GetByHash(_ context.Context, hash string) (*auth.ApiKey, error) {
	k, ok := f.byHash[hash]
	if !ok {
		return nil, auth.ErrInvalidKey
	}
	return k, nil
}

func (f *fakeKeys) TouchLastUsed(context.Context, string, time.Time) error { return nil }

type fakeProjects struct{ byID map[string]*policy.Project }

func (f *fakeProjects) Get(_ context.Context, id string) (*policy.Project, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, policy.ErrProjectNotFound
	}
	return p, nil
}

type fakeTable struct{ rows map[string]*pricing.PriceRow }

func (f *fakeTable) LatestActive(_ context.Context, provider, model string) (*pricing.PriceRow, error) {
	r, ok := f.rows[provider+"/"+model]
	if !ok {
		return nil, pricing.ErrNoPriceRow
	}
	return r, nil
}

type stubAdapter struct {
	name  string
	chat  func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error)
	embed func(context.Context, *providers.EmbeddingRequest) (*providers.JSONResult, error)
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) ChatCompletions(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	return s.chat(ctx, req)
}

func (s *stubAdapter) Embeddings(ctx context.Context, req *providers.EmbeddingRequest) (*providers.JSONResult, error) {
	return s.embed(ctx, req)
}

// upstreamErr is a minimal providers.StatusCoder.
type upstreamErr struct {
	status int
	msg    string
}

func (e *upstreamErr) Error() string   { return e.msg }
func (e *upstreamErr) HTTPStatus() int { return e.status }

// ── Fixtures ──────────────────────────────────────────────────────────────────

const (
	liveKey       = "sk-live-1"
	deadKey       = "sk-dead-1"
	orphanKey     = "sk-orphan-1"
	restrictedKey = "sk-restricted-1"
)

func testCatalog() *catalog.Catalog {
	return catalog.New([]catalog.Entry{
		{ID: "fast-main", Provider: "openai", Type: catalog.TypeChat,
			Protocol: catalog.ProtocolChatCompletions,
			Tiers:    []catalog.Tier{catalog.TierFast, catalog.TierSmart}},
		{ID: "smart-main", Provider: "openai", Type: catalog.TypeChat,
			Protocol: catalog.ProtocolResponses,
			Tiers:    []catalog.Tier{catalog.TierSmart}},
		{ID: "fb-model", Provider: "gemini", Type: catalog.TypeChat,
			Protocol: catalog.ProtocolGenerateContent,
			Tiers:    []catalog.Tier{catalog.TierFast}},
		{ID: "embed-a", Provider: "openai", Type: catalog.TypeEmbedding},
	}, map[string]string{"fast-alias": "fast-main"})
}

type env struct {
	gw     *Gateway
	sink   *audit.MemorySink
	reqLog *audit.Log
	client *http.Client
}

func newEnv(t *testing.T, adapters map[string]providers.Adapter, prices map[string]*pricing.PriceRow) *env {
	t.Helper()

	cat := testCatalog()
	keys := &fakeKeys{byHash: map[string]*auth.ApiKey{
		auth.HashKey(liveKey):       {ID: "key-1", Status: auth.StatusActive, ProjectID: "p1"},
		auth.HashKey(deadKey):       {ID: "key-2", Status: auth.StatusDisabled, ProjectID: "p1"},
		auth.HashKey(orphanKey):     {ID: "key-3", Status: auth.StatusActive, ProjectID: "ghost"},
		auth.HashKey(restrictedKey): {ID: "key-4", Status: auth.StatusActive, ProjectID: "p2"},
	}}
	projects := &fakeProjects{byID: map[string]*policy.Project{
		"p1": {ID: "p1", DefaultTier: "FAST", AllowAllModels: true},
		"p2": {ID: "p2", DefaultTier: "FAST", AllowedModels: []string{"smart-main"}},
	}}

	sink := audit.NewMemorySink()
	reqLog, err := audit.New(context.Background(), sink)
	if err != nil {
		t.Fatal(err)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw := New(context.Background(), Deps{
		Adapters: adapters,
		Catalog:  cat,
		Auth:     auth.NewResolver(keys, quiet),
		Policy:   policy.NewResolver(projects, cat),
		Pricing:  pricing.NewService(&fakeTable{rows: prices}, cat, quiet),
		Audit:    reqLog,
	}, Options{
		Logger: quiet,
		Routing: config.RoutingConfig{
			FastDefaultModel:  "fast-main",
			SmartDefaultModel: "smart-main",
			FallbackModel:     "fb-model",
		},
	})

	ln := fasthttputil.NewInmemoryListener()
	go fasthttp.Serve(ln, gw.Handler(nil)) //nolint:errcheck
	t.Cleanup(func() { ln.Close() })

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) {
			return ln.Dial()
		},
	}}

	return &env{gw: gw, sink: sink, reqLog: reqLog, client: client}
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	if err := e.reqLog.Shutdown(); err != nil {
		t.Fatal(err)
	}
}

func (e *env) do(t *testing.T, method, path, apiKey, body string, hdr map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://gw.test"+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func finalRow(t *testing.T, sink *audit.MemorySink) audit.Entry {
	t.Helper()
	rows := sink.Rows()
	if len(rows) == 0 {
		t.Fatal("no request log rows")
	}
	return rows[len(rows)-1]
}

func okChat(model string) *providers.ChatResult {
	return &providers.ChatResult{JSON: &providers.JSONResult{
		Status: http.StatusOK,
		Body:   []byte(`{"object":"chat.completion","model":"` + model + `"}`),
		Usage: providers.Usage{
			InputTokens:  providers.Int64(1_000_000),
			OutputTokens: providers.Int64(500_000),
		},
	}}
}

const chatBody = `{"model":"fast-alias","messages":[{"role":"user","content":"hi"}]}`

// ── Chat dispatch ─────────────────────────────────────────────────────────────

func TestChatHappyPathResolvesAliasAndAccounts(t *testing.T) {
	var got *providers.ChatRequest
	e := newEnv(t, map[string]providers.Adapter{
		"openai": &stubAdapter{name: "openai", chat: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
			got = req
			return okChat(req.ClientModel), nil
		}},
	}, map[string]*pricing.PriceRow{
		"openai/fast-main": {Provider: "openai", Model: "fast-main", InputPerMillion: 1, OutputPerMillion: 2, Active: true},
	})

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey, chatBody, nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if got.Model != "fast-main" || got.ClientModel != "fast-alias" {
		t.Fatalf("adapter request = %+v", got)
	}
	if h := resp.Header.Get("X-Optyx-Resolved-Model"); h != "fast-main" {
		t.Fatalf("resolved-model header = %q", h)
	}

	e.drain(t)
	final := finalRow(t, e.sink)
	if final.Status != audit.StatusSuccess || final.HTTPStatus != 200 {
		t.Fatalf("final = %+v", final)
	}
	if final.ProjectID != "p1" || final.KeyID != "key-1" || final.Tier != "FAST" {
		t.Fatalf("final = %+v", final)
	}
	if final.InputTokens == nil || *final.InputTokens != 1_000_000 {
		t.Fatalf("tokens = %v", final.InputTokens)
	}
	// 1M in at $1/M plus 0.5M out at $2/M.
	if final.CostUSD == nil || *final.CostUSD != 2.0 {
		t.Fatalf("cost = %v", final.CostUSD)
	}
}

func TestChatOmittedModelUsesTierDefault(t *testing.T) {
	var got *providers.ChatRequest
	e := newEnv(t, map[string]providers.Adapter{
		"openai": &stubAdapter{name: "openai", chat: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
			got = req
			return okChat(req.ClientModel), nil
		}},
	}, nil)

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey, body, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got.Model != "fast-main" {
		t.Fatalf("default model = %q", got.Model)
	}

	// The critical route tag escalates to SMART and its default.
	resp = e.do(t, http.MethodPost, "/v1/chat/completions", liveKey, body,
		map[string]string{"X-Route-Tag": "critical"})
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got.Model != "smart-main" {
		t.Fatalf("critical default model = %q", got.Model)
	}
}

func TestChatTierHeaderOverridesProjectDefault(t *testing.T) {
	var got *providers.ChatRequest
	e := newEnv(t, map[string]providers.Adapter{
		"openai": &stubAdapter{name: "openai", chat: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
			got = req
			return okChat(req.ClientModel), nil
		}},
	}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey,
		`{"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"X-Optyx-Tier": "smart"})
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got.Model != "smart-main" {
		t.Fatalf("model = %q", got.Model)
	}
}

func TestChatUpstreamProtocolErrorAccounted(t *testing.T) {
	// A provider can answer with a well-formed JSON error body (the truncated
	// no-output case). The status and body pass through, and the record
	// closes as an upstream protocol error.
	e := newEnv(t, map[string]providers.Adapter{
		"openai": &stubAdapter{name: "openai", chat: func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
			return &providers.ChatResult{JSON: &providers.JSONResult{
				Status: http.StatusUnprocessableEntity,
				Body:   []byte(`{"error":{"message":"no output text","type":"provider_error","code":"OUTPUT_TRUNCATED"}}`),
				Usage:  providers.Usage{InputTokens: providers.Int64(12)},
			}}, nil
		}},
	}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey,
		`{"model":"smart-main","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"X-Optyx-Tier": "SMART"})
	out := readBody(t, resp)

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body = %s", resp.StatusCode, out)
	}
	if !strings.Contains(out, "OUTPUT_TRUNCATED") {
		t.Fatalf("body = %s", out)
	}

	e.drain(t)
	final := finalRow(t, e.sink)
	if final.Status != audit.StatusError || final.ErrorClass != audit.ClassUpstreamProtocol {
		t.Fatalf("final = %+v", final)
	}
	if final.HTTPStatus != http.StatusUnprocessableEntity {
		t.Fatalf("http status = %d", final.HTTPStatus)
	}
	if final.InputTokens == nil || *final.InputTokens != 12 {
		t.Fatalf("input tokens = %v", final.InputTokens)
	}
}

func TestChatStreamingRelaysAndAccounts(t *testing.T) {
	streamBody := io.NopCloser(strings.NewReader(
		`{"id":"c1","model":"fast-main"}` + "\n" +
			`{"id":"c2","model":"fast-main"}` + "\n"))

	translate := func(chunk []byte) ([][]byte, providers.Usage) {
		var frames [][]byte
		for _, line := range strings.Split(strings.TrimSpace(string(chunk)), "\n") {
			if line != "" {
				frames = append(frames, []byte(line))
			}
		}
		return frames, providers.Usage{
			InputTokens:  providers.Int64(20),
			OutputTokens: providers.Int64(8),
		}
	}

	e := newEnv(t, map[string]providers.Adapter{
		"openai": &stubAdapter{name: "openai", chat: func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
			return &providers.ChatResult{Stream: &providers.StreamResult{
				Body:      streamBody,
				Translate: translate,
			}}, nil
		}},
	}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey,
		`{"model":"fast-alias","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	out := readBody(t, resp)

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	// The client-facing model id replaces the canonical one in every frame.
	if strings.Contains(out, "fast-main") || !strings.Contains(out, `"model":"fast-alias"`) {
		t.Fatalf("output = %q", out)
	}
	if got := strings.Count(out, "data: [DONE]"); got != 1 {
		t.Fatalf("[DONE] count = %d in %q", got, out)
	}

	e.drain(t)
	final := finalRow(t, e.sink)
	if final.Status != audit.StatusSuccess {
		t.Fatalf("final = %+v", final)
	}
	if final.OutputTokens == nil || *final.OutputTokens != 8 {
		t.Fatalf("tokens = %v", final.OutputTokens)
	}
}

func TestChatValidationFailures(t *testing.T) {
	e := newEnv(t, map[string]providers.Adapter{
		"openai": &stubAdapter{name: "openai", chat: func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
			t.Error("adapter must not be called")
			return nil, &upstreamErr{status: 500, msg: "unexpected call"}
		}},
	}, nil)

	for name, body := range map[string]string{
		"invalid json":   `{not json`,
		"empty messages": `{"model":"fast-main","messages":[]}`,
	} {
		resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey, body, nil)
		out := readBody(t, resp)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d body = %s", name, resp.StatusCode, out)
		}
	}

	e.drain(t)
	final := finalRow(t, e.sink)
	if final.ErrorClass != audit.ClassValidationError {
		t.Fatalf("final = %+v", final)
	}
}

func TestChatModelNotAllowedByPolicy(t *testing.T) {
	e := newEnv(t, map[string]providers.Adapter{
		"openai": &stubAdapter{name: "openai", chat: func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
			t.Error("adapter must not be called")
			return nil, &upstreamErr{status: 500, msg: "unexpected call"}
		}},
	}, nil)

	// p2 allows only smart-main.
	resp := e.do(t, http.MethodPost, "/v1/chat/completions", restrictedKey, chatBody, nil)
	out := readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(out, "MODEL_NOT_ALLOWED") || !strings.Contains(out, "fast-alias") {
		t.Fatalf("body = %s", out)
	}
}

func TestChatUnknownModelRejected(t *testing.T) {
	e := newEnv(t, map[string]providers.Adapter{"openai": &stubAdapter{name: "openai"}}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey,
		`{"model":"never-heard-of-it","messages":[{"role":"user","content":"hi"}]}`, nil)
	out := readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(out, "MODEL_NOT_ALLOWED") {
		t.Fatalf("status = %d body = %s", resp.StatusCode, out)
	}
}

// ── Authentication ────────────────────────────────────────────────────────────

func TestAuthFailureIsUniform(t *testing.T) {
	e := newEnv(t, map[string]providers.Adapter{"openai": &stubAdapter{name: "openai"}}, nil)

	// Missing, unknown, disabled, and orphaned keys are indistinguishable.
	var bodies []string
	for _, key := range []string{"", "sk-no-such-key", deadKey, orphanKey} {
		resp := e.do(t, http.MethodPost, "/v1/chat/completions", key, chatBody, nil)
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("key %q: status = %d", key, resp.StatusCode)
		}
		bodies = append(bodies, body)
	}
	for _, b := range bodies[1:] {
		if b != bodies[0] {
			t.Fatalf("bodies differ: %q vs %q", bodies[0], b)
		}
	}

	e.drain(t)
	final := finalRow(t, e.sink)
	if final.ErrorClass != audit.ClassAuthError || final.HTTPStatus != 401 {
		t.Fatalf("final = %+v", final)
	}
}

func TestBearerTokenAccepted(t *testing.T) {
	e := newEnv(t, map[string]providers.Adapter{
		"openai": &stubAdapter{name: "openai", chat: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
			return okChat(req.ClientModel), nil
		}},
	}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", "", chatBody,
		map[string]string{"Authorization": "Bearer " + liveKey})
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

// ── Embeddings ────────────────────────────────────────────────────────────────

func TestEmbeddingsDispatch(t *testing.T) {
	var got *providers.EmbeddingRequest
	e := newEnv(t, map[string]providers.Adapter{
		"openai": &stubAdapter{name: "openai", embed: func(_ context.Context, req *providers.EmbeddingRequest) (*providers.JSONResult, error) {
			got = req
			return &providers.JSONResult{
				Status: http.StatusOK,
				Body:   []byte(`{"object":"list","data":[]}`),
				Usage:  providers.Usage{InputTokens: providers.Int64(3)},
			}, nil
		}},
	}, nil)

	// A bare string input normalises to a one-element array.
	resp := e.do(t, http.MethodPost, "/v1/embeddings", liveKey,
		`{"model":"embed-a","input":"hello"}`, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(got.Input) != 1 || got.Input[0] != "hello" {
		t.Fatalf("input = %v", got.Input)
	}

	e.drain(t)
	final := finalRow(t, e.sink)
	if final.Status != audit.StatusSuccess || final.Route != "/v1/embeddings" {
		t.Fatalf("final = %+v", final)
	}
}

func TestEmbeddingsRejectChatModel(t *testing.T) {
	e := newEnv(t, map[string]providers.Adapter{"openai": &stubAdapter{name: "openai"}}, nil)

	resp := e.do(t, http.MethodPost, "/v1/embeddings", liveKey,
		`{"model":"fast-main","input":"hello"}`, nil)
	out := readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(out, "MODEL_NOT_ALLOWED") {
		t.Fatalf("status = %d body = %s", resp.StatusCode, out)
	}
}

func TestEmbeddingsInputValidation(t *testing.T) {
	e := newEnv(t, map[string]providers.Adapter{"openai": &stubAdapter{name: "openai"}}, nil)

	for name, body := range map[string]string{
		"missing input": `{"model":"embed-a"}`,
		"empty array":   `{"model":"embed-a","input":[]}`,
		"empty string":  `{"model":"embed-a","input":""}`,
		"wrong type":    `{"model":"embed-a","input":42}`,
		"missing model": `{"input":"hello"}`,
	} {
		resp := e.do(t, http.MethodPost, "/v1/embeddings", liveKey, body, nil)
		out := readBody(t, resp)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d body = %s", name, resp.StatusCode, out)
		}
	}
}

// ── Model listing ─────────────────────────────────────────────────────────────

func TestModelsListingAndFilters(t *testing.T) {
	e := newEnv(t, map[string]providers.Adapter{"openai": &stubAdapter{name: "openai"}}, nil)

	// Listing requires a valid key like everything else.
	resp := e.do(t, http.MethodGet, "/v1/models", "", "", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/v1/models?tier=FAST&provider=gemini", liveKey, "", nil)
	out := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var listing struct {
		Object string `json:"object"`
		Data   []struct {
			ID       string `json:"id"`
			AliasFor string `json:"alias_for,omitempty"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &listing); err != nil {
		t.Fatal(err)
	}
	if listing.Object != "list" {
		t.Fatalf("object = %q", listing.Object)
	}
	if len(listing.Data) != 1 || listing.Data[0].ID != "fb-model" {
		t.Fatalf("data = %+v", listing.Data)
	}
}
