// Package providers defines the canonical request/response types shared by
// all upstream adapter implementations, and the Adapter interface each
// provider sub-package implements.
//
// The provider set is closed: OpenAI (legacy chat-completions protocol and
// the event-framed Responses protocol) and Gemini (generative-content
// protocol). Protocol differences are hidden entirely inside each adapter;
// everything above this package speaks the canonical chat-completion shape.
package providers

import (
	"context"
	"io"
	"time"
)

// ProviderTimeout is the default per-provider HTTP request timeout.
const ProviderTimeout = 30 * time.Second

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage — token usage totals. A nil field means the upstream never
	// reported that count; unknown and zero are distinct all the way to
	// storage.
	Usage struct {
		InputTokens  *int64
		OutputTokens *int64
	}

	// ChatRequest is the normalized inbound chat-completion request.
	ChatRequest struct {
		// Model is the canonical catalog id the adapter must call upstream with.
		Model string
		// ClientModel is the identifier the caller supplied (possibly an
		// alias). Streaming frames and JSON bodies echo this id back.
		ClientModel string
		Messages    []Message
		Stream      bool

		// Token-cap aliases as supplied by the caller, oldest-style last.
		// nil means the field was absent.
		MaxOutputTokens     *int
		MaxCompletionTokens *int
		MaxTokens           *int

		// Raw is the original inbound JSON body. The passthrough protocol
		// forwards it near-verbatim.
		Raw []byte

		RequestID string
	}

	// EmbeddingRequest is the normalized inbound embeddings request.
	EmbeddingRequest struct {
		Model       string
		ClientModel string
		Input       []string
		RequestID   string
	}

	// JSONResult is a complete non-streaming result: an HTTP status and a
	// canonical chat-completion (or embeddings) body ready to return to the
	// caller.
	JSONResult struct {
		Status int
		Body   []byte
		Usage  Usage
	}

	// ChunkTranslator maps one raw upstream chunk to zero or more canonical
	// SSE frame payloads plus any usage counts observed in that chunk. It is
	// stateful per call chain: incomplete trailing fragments are buffered
	// between invocations, and each instance is owned by exactly one request.
	ChunkTranslator func(chunk []byte) (frames [][]byte, usage Usage)

	// StreamResult is a live upstream stream plus the translator that
	// reframes it. Consumed exactly once by the streaming relay.
	StreamResult struct {
		Body      io.ReadCloser
		Translate ChunkTranslator
	}

	// ChatResult is either a JSON result or a stream handle, never both.
	ChatResult struct {
		JSON   *JSONResult
		Stream *StreamResult
	}
)

// Adapter — upstream provider interface. Each method returns either a JSON
// result or a stream handle in canonical shape.
type Adapter interface {
	Name() string
	ChatCompletions(ctx context.Context, req *ChatRequest) (*ChatResult, error)
	Embeddings(ctx context.Context, req *EmbeddingRequest) (*JSONResult, error)
}

// StatusCoder is implemented by provider errors that carry the upstream HTTP
// status. The failover controller keys its eligibility rules off this.
type StatusCoder interface {
	HTTPStatus() int
}

// Int64 returns a pointer to v. Convenience for building Usage values.
func Int64(v int64) *int64 { return &v }

// Merge overlays later non-nil counts over u. Upstream protocols may report
// usage only once near the end of a stream; the last non-nil value wins.
func (u *Usage) Merge(delta Usage) {
	if delta.InputTokens != nil {
		u.InputTokens = delta.InputTokens
	}
	if delta.OutputTokens != nil {
		u.OutputTokens = delta.OutputTokens
	}
}
