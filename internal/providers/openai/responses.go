package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/optyxlabs/optyx-gateway/internal/providers"
	"github.com/optyxlabs/optyx-gateway/pkg/apierr"
)

// Responses protocol constants.
const (
	// defaultTokenCap caps output when the caller supplied no limit field.
	defaultTokenCap = 120

	// lowEffortThreshold: at or below this cap the reasoning-effort hint is
	// forced to minimal, otherwise the model can spend the whole budget on
	// internal reasoning and emit no visible text.
	lowEffortThreshold = 100

	truncatedMessage = "the model produced no output text before hitting its token limit; " +
		"raise max_output_tokens or lower reasoning effort"
)

type (
	responsesContentPart struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	responsesInputItem struct {
		Role    string                 `json:"role"`
		Content []responsesContentPart `json:"content"`
	}
	responsesReasoning struct {
		Effort string `json:"effort"`
	}
	responsesRequest struct {
		Model           string               `json:"model"`
		Input           []responsesInputItem `json:"input"`
		MaxOutputTokens int                  `json:"max_output_tokens"`
		Stream          bool                 `json:"stream,omitempty"`
		Reasoning       *responsesReasoning  `json:"reasoning,omitempty"`
	}
)

// chatResponses handles models speaking the Responses protocol.
func (a *Adapter) chatResponses(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	body, err := buildResponsesRequest(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	resp, err := a.post(ctx, "/responses", body, req.Stream)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		tr := newResponsesStream(req.Model)
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
	return assembleResponsesJSON(raw, req.ClientModel)
}

// buildResponsesRequest restructures the canonical request: messages become
// typed input blocks and the token cap is the first present value among the
// field aliases, newest first.
func buildResponsesRequest(req *providers.ChatRequest) ([]byte, error) {
	input := make([]responsesInputItem, 0, len(req.Messages))
	for _, m := range req.Messages {
		partType := "input_text"
		if m.Role == "assistant" {
			partType = "output_text"
		}
		input = append(input, responsesInputItem{
			Role:    m.Role,
			Content: []responsesContentPart{{Type: partType, Text: m.Content}},
		})
	}

	cap := tokenCap(req)
	rr := responsesRequest{
		Model:           req.Model,
		Input:           input,
		MaxOutputTokens: cap,
		Stream:          req.Stream,
	}
	if cap <= lowEffortThreshold {
		rr.Reasoning = &responsesReasoning{Effort: "minimal"}
	}

	return json.Marshal(rr)
}

// tokenCap picks the first non-null token-cap alias, defaulting to 120.
func tokenCap(req *providers.ChatRequest) int {
	for _, v := range []*int{req.MaxOutputTokens, req.MaxCompletionTokens, req.MaxTokens} {
		if v != nil {
			return *v
		}
	}
	return defaultTokenCap
}

// ── Streaming translation ────────────────────────────────────────────────────

// responsesStream converts named SSE events into canonical chat-completion
// chunks. One instance per request; never shared.
//
// The upstream frames events as
//
//	event: <type>\n
//	data: <json>\n
//	\n
//
// and chunks may split anywhere, so raw bytes accumulate until at least one
// blank-line-terminated event is available.
type responsesStream struct {
	model string
	buf   []byte

	id           string
	roleSent     bool
	sawText      bool
	finishReason string
	finishSent   bool
	doneSent     bool
}

func newResponsesStream(model string) *responsesStream {
	return &responsesStream{model: model, id: "chatcmpl-stream"}
}

func (s *responsesStream) translate(chunk []byte) ([][]byte, providers.Usage) {
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

		eventType, payload := splitEvent(event)
		frames = append(frames, s.handleEvent(eventType, payload, &usage)...)
	}

	return frames, usage
}

// splitEvent extracts the event name and joined data payload from one
// blank-line-terminated event block.
func splitEvent(event []byte) (string, []byte) {
	var eventType string
	var payload []byte
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if rest, ok := bytes.CutPrefix(line, []byte("event:")); ok {
			eventType = string(bytes.TrimSpace(rest))
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			payload = append(payload, bytes.TrimSpace(rest)...)
		}
	}
	return eventType, payload
}

func (s *responsesStream) handleEvent(eventType string, payload []byte, usage *providers.Usage) [][]byte {
	switch eventType {
	case "response.output_text.delta":
		var ev struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Delta == "" {
			return nil
		}
		var frames [][]byte
		if !s.roleSent {
			s.roleSent = true
			frames = append(frames, s.chunk(map[string]any{"role": "assistant", "content": ""}, nil))
		}
		s.sawText = true
		return append(frames, s.chunk(map[string]any{"content": ev.Delta}, nil))

	case "response.incomplete":
		var ev struct {
			Response struct {
				IncompleteDetails struct {
					Reason string `json:"reason"`
				} `json:"incomplete_details"`
				Usage *responsesUsage `json:"usage"`
			} `json:"response"`
		}
		if err := json.Unmarshal(payload, &ev); err == nil {
			mergeResponsesUsage(usage, ev.Response.Usage)
			if ev.Response.IncompleteDetails.Reason == "max_output_tokens" && s.finishReason == "" {
				s.finishReason = "length"
			}
		}
		if s.finishReason == "" {
			s.finishReason = "stop"
		}
		return s.finalize()

	case "response.completed":
		var ev struct {
			Response struct {
				ID    string          `json:"id"`
				Usage *responsesUsage `json:"usage"`
			} `json:"response"`
		}
		if err := json.Unmarshal(payload, &ev); err == nil {
			if ev.Response.ID != "" {
				s.id = ev.Response.ID
			}
			mergeResponsesUsage(usage, ev.Response.Usage)
		}
		if s.finishReason == "" {
			s.finishReason = "stop"
		}
		return s.finalize()

	case "response.failed", "error":
		var ev struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &ev)
		if ev.Message == "" {
			ev.Message = "upstream stream failed"
		}
		return s.fail(apierr.Body(ev.Message, apierr.TypeProviderError, apierr.CodeProviderError))

	default:
		// Unrecognized internal event — never forwarded to the client.
		return nil
	}
}

// finalize emits the finish-reason frame (or, when no text was ever
// observed, the OUTPUT_TRUNCATED error frame) followed by the terminal
// [DONE]. Idempotent: extra completion events after the first produce
// nothing.
func (s *responsesStream) finalize() [][]byte {
	if s.finishSent {
		return nil
	}
	s.finishSent = true

	var frames [][]byte
	if s.sawText {
		frames = append(frames, s.chunk(map[string]any{}, s.finishReason))
	} else {
		frames = append(frames, apierr.Body(truncatedMessage, apierr.TypeProviderError, apierr.CodeOutputTruncated))
	}
	return append(frames, s.doneFrame()...)
}

func (s *responsesStream) fail(errFrame []byte) [][]byte {
	if s.finishSent {
		return nil
	}
	s.finishSent = true
	return append([][]byte{errFrame}, s.doneFrame()...)
}

func (s *responsesStream) doneFrame() [][]byte {
	if s.doneSent {
		return nil
	}
	s.doneSent = true
	return [][]byte{[]byte("[DONE]")}
}

// chunk builds one canonical chat.completion.chunk payload.
func (s *responsesStream) chunk(delta map[string]any, finishReason any) []byte {
	frame := map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   s.model,
		"choices": []map[string]any{
			{
				"index":         0,
				"delta":         delta,
				"finish_reason": finishReason,
			},
		},
	}
	data, _ := json.Marshal(frame)
	return data
}

type responsesUsage struct {
	InputTokens  *int64 `json:"input_tokens"`
	OutputTokens *int64 `json:"output_tokens"`
}

func mergeResponsesUsage(dst *providers.Usage, u *responsesUsage) {
	if u == nil {
		return
	}
	dst.Merge(providers.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens})
}

// ── Non-streaming assembly ───────────────────────────────────────────────────

// assembleResponsesJSON reshapes a complete Responses body into the
// canonical chat-completion shape. When the upstream produced no text the
// result is the OUTPUT_TRUNCATED error body: 422 when attributable to the
// token cap, 502 otherwise.
func assembleResponsesJSON(raw []byte, clientModel string) (*providers.ChatResult, error) {
	var resp struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		IncompleteDetails struct {
			Reason string `json:"reason"`
		} `json:"incomplete_details"`
		Usage      *responsesUsage `json:"usage"`
		Output     json.RawMessage `json:"output"`
		OutputText json.RawMessage `json:"output_text"`
		Content    json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("openai: decode responses body: %w", err)
	}

	text := extractOutputText(resp.Output, resp.OutputText, resp.Content)

	var usage providers.Usage
	mergeResponsesUsage(&usage, resp.Usage)

	lengthLimited := resp.Status == "incomplete" && resp.IncompleteDetails.Reason == "max_output_tokens"

	if text == "" {
		status := http.StatusBadGateway
		errType := apierr.TypeProviderError
		if lengthLimited {
			status = http.StatusUnprocessableEntity
			errType = apierr.TypeInvalidRequest
		}
		return &providers.ChatResult{JSON: &providers.JSONResult{
			Status: status,
			Body:   apierr.Body(truncatedMessage, errType, apierr.CodeOutputTruncated),
			Usage:  usage,
		}}, nil
	}

	finishReason := "stop"
	if lengthLimited {
		finishReason = "length"
	}

	out := map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   clientModel,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": finishReason,
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

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal canonical body: %w", err)
	}
	return &providers.ChatResult{JSON: &providers.JSONResult{
		Status: http.StatusOK,
		Body:   body,
		Usage:  usage,
	}}, nil
}

// extractOutputText tries the known nesting shapes of the Responses output
// in order:
//
//  1. output[] items of type "message", concatenating their content parts of
//     type "output_text"
//  2. a top-level output_text string (or array of strings)
//  3. top-level content[] parts carrying text fields
//
// The first strategy producing text wins.
func extractOutputText(output, outputText, content json.RawMessage) string {
	// Shape 1: output → message items → output_text parts.
	if len(output) > 0 {
		var items []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(output, &items); err == nil {
			var sb bytes.Buffer
			for _, item := range items {
				if item.Type != "message" {
					continue
				}
				for _, part := range item.Content {
					if part.Type == "output_text" {
						sb.WriteString(part.Text)
					}
				}
			}
			if sb.Len() > 0 {
				return sb.String()
			}
		}
	}

	// Shape 2: top-level output_text.
	if len(outputText) > 0 {
		var s string
		if err := json.Unmarshal(outputText, &s); err == nil && s != "" {
			return s
		}
		var parts []string
		if err := json.Unmarshal(outputText, &parts); err == nil {
			joined := ""
			for _, p := range parts {
				joined += p
			}
			if joined != "" {
				return joined
			}
		}
	}

	// Shape 3: top-level content parts.
	if len(content) > 0 {
		var parts []struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(content, &parts); err == nil {
			var sb bytes.Buffer
			for _, p := range parts {
				sb.WriteString(p.Text)
			}
			if sb.Len() > 0 {
				return sb.String()
			}
		}
	}

	return ""
}
