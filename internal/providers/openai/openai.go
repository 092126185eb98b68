// Package openai implements the provider A adapter.
//
// Two wire protocols live behind this adapter, selected per model from the
// catalog: the legacy chat-completions protocol (already canonical — request
// and stream pass through near-verbatim) and the newer event-framed
// Responses protocol (see responses.go, where the translation work is).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/optyxlabs/optyx-gateway/internal/catalog"
	"github.com/optyxlabs/optyx-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Adapter implements providers.Adapter for OpenAI.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	cat     *catalog.Catalog
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an OpenAI Adapter. The catalog selects the wire protocol for
// each model; unknown models default to the Responses protocol.
func New(apiKey string, cat *catalog.Catalog, opts ...Option) *Adapter {
	// No client-level timeout: streams outlive any sane handshake timeout,
	// so each request is bounded by its context deadline instead.
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
		cat:     cat,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name implements providers.Adapter.
func (a *Adapter) Name() string { return providerName }

// ChatCompletions implements providers.Adapter.
func (a *Adapter) ChatCompletions(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	if entry, ok := a.cat.Get(req.Model); ok && entry.Protocol == catalog.ProtocolChatCompletions {
		return a.chatPassthrough(ctx, req)
	}
	return a.chatResponses(ctx, req)
}

// ── Passthrough chat protocol ────────────────────────────────────────────────

// chatPassthrough forwards the inbound body near-verbatim: only the model id
// is rewritten to the canonical one, and streams opt into in-band usage.
func (a *Adapter) chatPassthrough(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	body, err := passthroughBody(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	resp, err := a.post(ctx, "/chat/completions", body, req.Stream)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		tr := &passthroughStream{}
		return &providers.ChatResult{Stream: &providers.StreamResult{
			Body:      resp.Body,
			Translate: tr.translate,
		}}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}

	usage := scanUsage(raw)
	raw = rewriteModel(raw, req.ClientModel)

	return &providers.ChatResult{JSON: &providers.JSONResult{
		Status: http.StatusOK,
		Body:   raw,
		Usage:  usage,
	}}, nil
}

// passthroughBody rewrites only the model field of the raw inbound body and,
// for streams, requests an in-band usage chunk.
func passthroughBody(req *providers.ChatRequest) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(req.Raw, &m); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	m["model"] = req.Model
	if req.Stream {
		m["stream_options"] = map[string]any{"include_usage": true}
	}
	return json.Marshal(m)
}

// passthroughStream passes canonical SSE chunks through unchanged, scanning
// each data: payload for an embedded usage object. State is owned by exactly
// one request.
type passthroughStream struct {
	buf []byte
}

func (s *passthroughStream) translate(chunk []byte) ([][]byte, providers.Usage) {
	s.buf = append(s.buf, chunk...)

	var frames [][]byte
	var usage providers.Usage

	for {
		idx := bytes.Index(s.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		event := s.buf[:idx]
		s.buf = s.buf[idx+2:]

		for _, line := range bytes.Split(event, []byte("\n")) {
			line = bytes.TrimSuffix(line, []byte("\r"))
			payload, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			payload = bytes.TrimSpace(payload)
			if len(payload) == 0 {
				continue
			}
			usage.Merge(scanUsage(payload))
			frames = append(frames, append([]byte(nil), payload...))
		}
	}

	return frames, usage
}

// scanUsage extracts token counts from an embedded usage object, if any.
// Absent fields stay nil — unknown, not zero.
func scanUsage(payload []byte) providers.Usage {
	var probe struct {
		Usage *struct {
			PromptTokens     *int64 `json:"prompt_tokens"`
			CompletionTokens *int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Usage == nil {
		return providers.Usage{}
	}
	return providers.Usage{
		InputTokens:  probe.Usage.PromptTokens,
		OutputTokens: probe.Usage.CompletionTokens,
	}
}

// rewriteModel sets the top-level model field of a JSON body to id.
// The body is returned unchanged when it cannot be decoded.
func rewriteModel(body []byte, id string) []byte {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return body
	}
	if _, ok := m["model"]; !ok {
		return body
	}
	m["model"] = id
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

// ── Embeddings ───────────────────────────────────────────────────────────────

// Embeddings implements providers.Adapter. The embeddings protocol is
// already canonical.
func (a *Adapter) Embeddings(ctx context.Context, req *providers.EmbeddingRequest) (*providers.JSONResult, error) {
	body, err := json.Marshal(map[string]any{
		"model": req.Model,
		"input": req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal embeddings request: %w", err)
	}

	resp, err := a.post(ctx, "/embeddings", body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}

	var probe struct {
		Usage struct {
			PromptTokens *int64 `json:"prompt_tokens"`
		} `json:"usage"`
	}
	_ = json.Unmarshal(raw, &probe)

	return &providers.JSONResult{
		Status: http.StatusOK,
		Body:   rewriteModel(raw, req.ClientModel),
		Usage:  providers.Usage{InputTokens: probe.Usage.PromptTokens},
	}, nil
}

// ── Shared HTTP plumbing ─────────────────────────────────────────────────────

// post issues the upstream call and returns the response with a 2xx status.
// Non-2xx responses are drained and converted to a *ProviderError.
func (a *Adapter) post(ctx context.Context, path string, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// ProviderError carries the upstream HTTP status for failover eligibility.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    envelope.Error.Message,
			Type:       envelope.Error.Type,
			Code:       envelope.Error.Code,
		}
	}
	return &ProviderError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("upstream returned status %d", resp.StatusCode),
		Type:       "upstream_error",
	}
}
