package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

var wordPool = strings.Fields(`
	streams flow through the gateway one frame at a time while the relay
	counts tokens and the translator hides every upstream protocol behind
	a single canonical shape so clients never notice which provider answered
`)

// fakeSentence builds a deterministic-length response of n random words so
// streaming handlers have something to chunk.
func fakeSentence(n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = wordPool[rand.IntN(len(wordPool))]
	}
	return strings.Join(out, " ") + "."
}

// fakeEmbedding returns a unit-range vector of the requested dimensionality.
func fakeEmbedding(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError rolls the configured error-rate dice for one request.
func shouldError(cfg Config) bool {
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the OpenAI-style error envelope used by the OpenAI mock.
// The Gemini mock has its own envelope (writeGeminiError).
func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    typ,
			"code":    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
		},
	})
}
