// Package gemini implements the provider B adapter.
//
// The generative-content protocol differs from the canonical shape in both
// directions: requests restructure messages into contents with a model role
// and a separate systemInstruction, and streaming responses arrive as
// newline-delimited JSON fragments that must be reframed into canonical
// chat-completion chunks.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/optyxlabs/optyx-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Adapter implements providers.Adapter for Gemini.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
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

// New creates a Gemini Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	// No client-level timeout: streams outlive any sane handshake timeout,
	// so each request is bounded by its context deadline instead.
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name implements providers.Adapter.
func (a *Adapter) Name() string { return providerName }

type (
	geminiPart struct {
		Text string `json:"text"`
	}
	geminiContent struct {
		Role  string       `json:"role,omitempty"`
		Parts []geminiPart `json:"parts"`
	}
	geminiGenerationConfig struct {
		MaxOutputTokens *int `json:"maxOutputTokens,omitempty"`
	}
	geminiRequest struct {
		Contents          []geminiContent         `json:"contents"`
		SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
		GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	}
)

// buildRequest restructures canonical messages: system turns collapse into
// systemInstruction, assistant becomes the model role, and the token cap (if
// any was supplied) lands in generationConfig.
func buildRequest(req *providers.ChatRequest) ([]byte, error) {
	gr := geminiRequest{}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{}
			}
			gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: m.Content})
		case "assistant":
			gr.Contents = append(gr.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: m.Content}},
			})
		default:
			gr.Contents = append(gr.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}

	if cap := tokenCap(req); cap != nil {
		gr.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: cap}
	}

	return json.Marshal(gr)
}

// tokenCap picks the first non-null token-cap alias. nil when the caller
// supplied none; the upstream default applies then.
func tokenCap(req *providers.ChatRequest) *int {
	for _, v := range []*int{req.MaxOutputTokens, req.MaxCompletionTokens, req.MaxTokens} {
		if v != nil {
			return v
		}
	}
	return nil
}

// ChatCompletions implements providers.Adapter.
func (a *Adapter) ChatCompletions(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	body, err := buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	method := ":generateContent"
	if req.Stream {
		method = ":streamGenerateContent"
	}

	resp, err := a.post(ctx, "/models/"+req.Model+method, body)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		tr := newGenerateStream(req.ClientModel)
		return &providers.ChatResult{Stream: &providers.StreamResult{
			Body:      resp.Body,
			Translate: tr.translate,
		}}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	return assembleJSON(raw, req.ClientModel)
}

type (
	geminiCandidate struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	}
	geminiUsageMetadata struct {
		PromptTokenCount     *int64 `json:"promptTokenCount"`
		CandidatesTokenCount *int64 `json:"candidatesTokenCount"`
	}
	geminiResponse struct {
		Candidates    []geminiCandidate    `json:"candidates"`
		UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
	}
)

// assembleJSON reshapes a complete generate-content body into the canonical
// chat-completion shape, concatenating the first candidate's text parts.
func assembleJSON(raw []byte, clientModel string) (*providers.ChatResult, error) {
	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, &ProviderError{
			StatusCode: http.StatusBadGateway,
			Message:    "upstream returned no candidates",
		}
	}

	cand := resp.Candidates[0]
	var sb bytes.Buffer
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}

	usage := usageFromMetadata(resp.UsageMetadata)

	out := map[string]any{
		"id":      "chatcmpl-" + providerName,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   clientModel,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": sb.String()},
				"finish_reason": finishReason(cand.FinishReason),
			},
		},
	}
	if usage.InputTokens != nil || usage.OutputTokens != nil {
		u := map[string]any{}
		var total int64
		if usage.InputTokens != nil {
			u["prompt_tokens"] = *usage.InputTokens
			total += *usage.InputTokens
		}
		if usage.OutputTokens != nil {
			u["completion_tokens"] = *usage.OutputTokens
			total += *usage.OutputTokens
		}
		u["total_tokens"] = total
		out["usage"] = u
	}

	bodyOut, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal canonical body: %w", err)
	}
	return &providers.ChatResult{JSON: &providers.JSONResult{
		Status: http.StatusOK,
		Body:   bodyOut,
		Usage:  usage,
	}}, nil
}

// finishReason maps upstream finish reasons onto canonical ones.
func finishReason(r string) string {
	switch r {
	case "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}

func usageFromMetadata(m *geminiUsageMetadata) providers.Usage {
	if m == nil {
		return providers.Usage{}
	}
	return providers.Usage{
		InputTokens:  m.PromptTokenCount,
		OutputTokens: m.CandidatesTokenCount,
	}
}

// ── Streaming translation ────────────────────────────────────────────────────

// generateStream reframes newline-delimited generate-content fragments into
// canonical chat-completion chunks. Fragments without text are dropped except
// for the one carrying the finish reason. One instance per request.
type generateStream struct {
	model string
	buf   []byte

	roleSent   bool
	finishSent bool
}

func newGenerateStream(model string) *generateStream {
	return &generateStream{model: model}
}

func (s *generateStream) translate(chunk []byte) ([][]byte, providers.Usage) {
	s.buf = append(s.buf, chunk...)

	var frames [][]byte
	var usage providers.Usage

	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(s.buf[:idx])
		s.buf = s.buf[idx+1:]

		// Tolerate SSE-style framing and array punctuation around the
		// JSON objects; only the objects themselves matter.
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			line = bytes.TrimSpace(rest)
		}
		line = bytes.TrimPrefix(line, []byte(","))
		line = bytes.TrimPrefix(line, []byte("["))
		line = bytes.TrimSuffix(line, []byte("]"))
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		frames = append(frames, s.handleFragment(line, &usage)...)
	}

	return frames, usage
}

func (s *generateStream) handleFragment(fragment []byte, usage *providers.Usage) [][]byte {
	var resp geminiResponse
	if err := json.Unmarshal(fragment, &resp); err != nil {
		return nil
	}
	usage.Merge(usageFromMetadata(resp.UsageMetadata))

	if len(resp.Candidates) == 0 {
		return nil
	}
	cand := resp.Candidates[0]

	var text bytes.Buffer
	for _, p := range cand.Content.Parts {
		text.WriteString(p.Text)
	}

	var frames [][]byte
	if text.Len() > 0 {
		if !s.roleSent {
			s.roleSent = true
			frames = append(frames, s.chunk(map[string]any{"role": "assistant", "content": ""}, nil))
		}
		frames = append(frames, s.chunk(map[string]any{"content": text.String()}, nil))
	}

	if cand.FinishReason != "" && !s.finishSent {
		s.finishSent = true
		frames = append(frames, s.chunk(map[string]any{}, finishReason(cand.FinishReason)))
		frames = append(frames, []byte("[DONE]"))
	}

	return frames
}

// chunk builds one canonical chat.completion.chunk payload.
func (s *generateStream) chunk(delta map[string]any, finish any) []byte {
	frame := map[string]any{
		"id":      "chatcmpl-" + providerName,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   s.model,
		"choices": []map[string]any{
			{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			},
		},
	}
	data, _ := json.Marshal(frame)
	return data
}

// ── Embeddings ───────────────────────────────────────────────────────────────

// Embeddings implements providers.Adapter. Inputs go upstream as a batch and
// come back reshaped into the canonical embeddings list. The upstream reports
// no token usage for embeddings; counts stay unknown.
func (a *Adapter) Embeddings(ctx context.Context, req *providers.EmbeddingRequest) (*providers.JSONResult, error) {
	type embedRequest struct {
		Model   string        `json:"model"`
		Content geminiContent `json:"content"`
	}
	batch := struct {
		Requests []embedRequest `json:"requests"`
	}{}
	for _, in := range req.Input {
		batch.Requests = append(batch.Requests, embedRequest{
			Model:   "models/" + req.Model,
			Content: geminiContent{Parts: []geminiPart{{Text: in}}},
		})
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal embeddings request: %w", err)
	}

	resp, err := a.post(ctx, "/models/"+req.Model+":batchEmbedContents", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}

	var decoded struct {
		Embeddings []struct {
			Values []float64 `json:"values"`
		} `json:"embeddings"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("gemini: decode embeddings response: %w", err)
	}

	data := make([]map[string]any, 0, len(decoded.Embeddings))
	for i, e := range decoded.Embeddings {
		data = append(data, map[string]any{
			"object":    "embedding",
			"index":     i,
			"embedding": e.Values,
		})
	}

	out, err := json.Marshal(map[string]any{
		"object": "list",
		"data":   data,
		"model":  req.ClientModel,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal embeddings body: %w", err)
	}

	return &providers.JSONResult{
		Status: http.StatusOK,
		Body:   out,
	}, nil
}

// ── Shared HTTP plumbing ─────────────────────────────────────────────────────

// post issues the upstream call and returns the response with a 2xx status.
// Non-2xx responses are drained and converted to a *ProviderError.
func (a *Adapter) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
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
	Status     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    envelope.Error.Message,
			Status:     envelope.Error.Status,
		}
	}
	return &ProviderError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("upstream returned status %d", resp.StatusCode),
	}
}
