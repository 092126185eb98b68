package proxy

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/optyxlabs/optyx-gateway/internal/audit"
	"github.com/optyxlabs/optyx-gateway/internal/providers"
)

// failingOpenAI always fails with the given error and counts calls.
func failingOpenAI(err error, calls *atomic.Int32) *stubAdapter {
	return &stubAdapter{name: "openai", chat: func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
		calls.Add(1)
		return nil, err
	}}
}

func TestFailoverServesFallbackOn5xx(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32
	var fbReq *providers.ChatRequest

	e := newEnv(t, map[string]providers.Adapter{
		"openai": failingOpenAI(&upstreamErr{status: 503, msg: "service unavailable"}, &primaryCalls),
		"gemini": &stubAdapter{name: "gemini", chat: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
			fallbackCalls.Add(1)
			fbReq = req
			return okChat(req.ClientModel), nil
		}},
	}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey, chatBody, nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if primaryCalls.Load() != 1 || fallbackCalls.Load() != 1 {
		t.Fatalf("calls = %d/%d", primaryCalls.Load(), fallbackCalls.Load())
	}
	// The fallback attempt carries the fallback's canonical id; the client's
	// identifier is untouched.
	if fbReq.Model != "fb-model" || fbReq.ClientModel != "fast-alias" {
		t.Fatalf("fallback request = %+v", fbReq)
	}
	// The header names the model that actually served, not the failed primary.
	if got := resp.Header.Get("X-Optyx-Resolved-Model"); got != "fb-model" {
		t.Fatalf("resolved model header = %q", got)
	}

	e.drain(t)
	final := finalRow(t, e.sink)
	if final.Provider != "gemini" || final.Model != "fb-model" {
		t.Fatalf("served route = %+v", final)
	}
	if !final.FallbackUsed || final.RetryCount != 1 {
		t.Fatalf("fallback flags = %+v", final)
	}
	// The primary failure is preserved in the record's metadata.
	if final.Metadata["primary_model"] != "fast-main" || final.Metadata["primary_status"] != "http_503" {
		t.Fatalf("metadata = %v", final.Metadata)
	}
	if msg, _ := final.Metadata["primary_error"].(string); !strings.Contains(msg, "service unavailable") {
		t.Fatalf("metadata = %v", final.Metadata)
	}
}

func TestFailoverSkippedForSmartTier(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32

	e := newEnv(t, map[string]providers.Adapter{
		"openai": failingOpenAI(&upstreamErr{status: 500, msg: "boom"}, &primaryCalls),
		"gemini": &stubAdapter{name: "gemini", chat: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
			fallbackCalls.Add(1)
			return okChat(req.ClientModel), nil
		}},
	}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey,
		`{"model":"smart-main","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"X-Optyx-Tier": "SMART"})
	readBody(t, resp)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if fallbackCalls.Load() != 0 {
		t.Fatal("fallback attempted on SMART tier")
	}
}

func TestFailoverSkippedFor4xx(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32

	e := newEnv(t, map[string]providers.Adapter{
		"openai": failingOpenAI(&upstreamErr{status: 422, msg: "bad parameter combination"}, &primaryCalls),
		"gemini": &stubAdapter{name: "gemini", chat: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
			fallbackCalls.Add(1)
			return okChat(req.ClientModel), nil
		}},
	}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey, chatBody, nil)
	readBody(t, resp)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if fallbackCalls.Load() != 0 {
		t.Fatal("fallback attempted for a 4xx")
	}
}

func TestFailoverOn429Rate(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32

	e := newEnv(t, map[string]providers.Adapter{
		"openai": failingOpenAI(&upstreamErr{status: 429, msg: "rate limited"}, &primaryCalls),
		"gemini": &stubAdapter{name: "gemini", chat: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
			fallbackCalls.Add(1)
			return okChat(req.ClientModel), nil
		}},
	}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey, chatBody, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK || fallbackCalls.Load() != 1 {
		t.Fatalf("status = %d, fallback calls = %d", resp.StatusCode, fallbackCalls.Load())
	}
}

func TestModelShapedUpstreamErrorBecomes400(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32

	e := newEnv(t, map[string]providers.Adapter{
		"openai": failingOpenAI(&upstreamErr{status: 404, msg: "the model `fast-main` does not exist"}, &primaryCalls),
		"gemini": &stubAdapter{name: "gemini", chat: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
			fallbackCalls.Add(1)
			return okChat(req.ClientModel), nil
		}},
	}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey, chatBody, nil)
	out := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s", resp.StatusCode, out)
	}
	if !strings.Contains(out, "MODEL_NOT_ALLOWED") {
		t.Fatalf("body = %s", out)
	}
	if fallbackCalls.Load() != 0 {
		t.Fatal("model-shaped error was retried")
	}

	e.drain(t)
	final := finalRow(t, e.sink)
	if final.ErrorClass != audit.ClassValidationError {
		t.Fatalf("final = %+v", final)
	}
}

func TestFallbackFailureIs502(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32

	e := newEnv(t, map[string]providers.Adapter{
		"openai": failingOpenAI(&upstreamErr{status: 500, msg: "boom"}, &primaryCalls),
		"gemini": &stubAdapter{name: "gemini", chat: func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
			fallbackCalls.Add(1)
			return nil, &upstreamErr{status: 500, msg: "also down"}
		}},
	}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey, chatBody, nil)
	readBody(t, resp)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	// Exactly one fallback attempt, never a second.
	if fallbackCalls.Load() != 1 {
		t.Fatalf("fallback calls = %d", fallbackCalls.Load())
	}

	e.drain(t)
	final := finalRow(t, e.sink)
	if final.ErrorClass != audit.ClassFallbackFailed {
		t.Fatalf("final = %+v", final)
	}
	if !final.FallbackUsed || final.RetryCount != 1 {
		t.Fatalf("fallback flags = %+v", final)
	}
}

func TestFallbackRateLimitIsStill502(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32

	e := newEnv(t, map[string]providers.Adapter{
		"openai": failingOpenAI(&upstreamErr{status: 503, msg: "service unavailable"}, &primaryCalls),
		"gemini": &stubAdapter{name: "gemini", chat: func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
			fallbackCalls.Add(1)
			return nil, &upstreamErr{status: 429, msg: "rate limited"}
		}},
	}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey, chatBody, nil)
	out := readBody(t, resp)

	// A failed fallback is a generic 502, never a passthrough of its status.
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d body = %s", resp.StatusCode, out)
	}
	if !strings.Contains(out, "fallback provider unavailable") {
		t.Fatalf("body = %s", out)
	}
	if resp.Header.Get("Retry-After") != "" {
		t.Fatal("Retry-After leaked from the fallback's rate limit")
	}

	e.drain(t)
	final := finalRow(t, e.sink)
	if final.ErrorClass != audit.ClassFallbackFailed || final.HTTPStatus != http.StatusBadGateway {
		t.Fatalf("final = %+v", final)
	}
}

func TestUpstream429SurfacesAs429(t *testing.T) {
	// Failover disabled: no gemini adapter registered, and no fallback entry
	// reachable. The rate limit passes through with Retry-After.
	var primaryCalls atomic.Int32
	e := newEnv(t, map[string]providers.Adapter{
		"openai": failingOpenAI(&upstreamErr{status: 429, msg: "rate limited"}, &primaryCalls),
	}, nil)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", liveKey, chatBody, nil)
	readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestIsRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"429", &upstreamErr{status: 429}, true},
		{"408", &upstreamErr{status: 408}, true},
		{"500", &upstreamErr{status: 500}, true},
		{"400", &upstreamErr{status: 400}, false},
		{"404", &upstreamErr{status: 404}, false},
		{"transport", assertErr("connection refused"), true},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Errorf("%s: isRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsModelShaped(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"404 mentioning model", &upstreamErr{status: 404, msg: "Model not found"}, true},
		{"400 mentioning model", &upstreamErr{status: 400, msg: "unknown model id"}, true},
		{"404 unrelated", &upstreamErr{status: 404, msg: "no such endpoint"}, false},
		{"500 mentioning model", &upstreamErr{status: 500, msg: "model backend crashed"}, false},
		{"transport", assertErr("model connection lost"), false},
	}
	for _, tc := range cases {
		if got := isModelShaped(tc.err); got != tc.want {
			t.Errorf("%s: isModelShaped = %v, want %v", tc.name, got, tc.want)
		}
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
