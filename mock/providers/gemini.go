package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// newGeminiHandler returns an http.Handler simulating the Gemini
// generative-language API:
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent
//	POST {base}/models/{model}:batchEmbedContents
//	GET  {base}/models
//
// where {base} defaults to https://generativelanguage.googleapis.com/v1beta.
// Payloads are built from the genai SDK's own response types so the wire
// shapes stay honest.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // e.g. /v1beta/models/gemini-2.0-flash:generateContent
		model := extractModel(path)

		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)

		switch {
		case strings.HasSuffix(path, ":generateContent"):
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleGeminiGenerate(w, cfg, model, false)

		case strings.HasSuffix(path, ":streamGenerateContent"):
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleGeminiGenerate(w, cfg, model, true)

		case strings.HasSuffix(path, ":batchEmbedContents"):
			handleGeminiBatchEmbed(w, r)

		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
		}
	})

	// GET /v1beta/models — health check
	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{
					"name":        "models/gemini-2.0-flash",
					"displayName": "Gemini 2.0 Flash",
					"description": "Mock Gemini 2.0 Flash",
				},
				{
					"name":        "models/gemini-2.5-flash",
					"displayName": "Gemini 2.5 Flash",
					"description": "Mock Gemini 2.5 Flash",
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func handleGeminiGenerate(w http.ResponseWriter, cfg Config, model string, stream bool) {
	id := fmt.Sprintf("gemini-%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)
	inTokens := int32(10)
	outTokens := int32(cfg.StreamWords)

	fragment := func(text string, finish genai.FinishReason, usage *genai.GenerateContentResponseUsageMetadata) *genai.GenerateContentResponse {
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{
					Role:  "model",
					Parts: []*genai.Part{{Text: text}},
				},
				FinishReason: finish,
			}},
			UsageMetadata: usage,
			ResponseID:    id,
			ModelVersion:  model,
		}
	}

	usage := &genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount:     inTokens,
		CandidatesTokenCount: outTokens,
		TotalTokenCount:      inTokens + outTokens,
	}

	if !stream {
		writeJSON(w, http.StatusOK, fragment(content, genai.FinishReasonStop, usage))
		return
	}

	// Streaming responses are newline-delimited JSON fragments.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	words := strings.Fields(content)
	for i, word := range words {
		var frag *genai.GenerateContentResponse
		if i == len(words)-1 {
			frag = fragment(word, genai.FinishReasonStop, usage)
		} else {
			frag = fragment(word+" ", "", nil)
		}
		_ = enc.Encode(frag)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func handleGeminiBatchEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requests []any `json:"requests"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	n := len(req.Requests)
	if n == 0 {
		n = 1
	}

	embeddings := make([]*genai.ContentEmbedding, n)
	for i := range embeddings {
		embeddings[i] = &genai.ContentEmbedding{Values: fakeEmbedding(768)}
	}

	writeJSON(w, http.StatusOK, struct {
		Embeddings []*genai.ContentEmbedding `json:"embeddings"`
	}{Embeddings: embeddings})
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-2.0-flash:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.0-flash"
}
