package audit

import (
	"context"
	"log/slog"
	"sync"
)

// SlogSink writes record snapshots through a structured logger. Used when no
// ClickHouse DSN is configured.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates a SlogSink. log may be nil.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

// WriteBatch implements Sink.
func (s *SlogSink) WriteBatch(ctx context.Context, rows []Entry) error {
	for _, e := range rows {
		attrs := []any{
			slog.String("id", e.ID),
			slog.String("project_id", e.ProjectID),
			slog.String("route", e.Route),
			slog.String("tier", e.Tier),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("status", e.Status),
			slog.Int("http_status", e.HTTPStatus),
			slog.Int64("latency_ms", e.LatencyMs),
			slog.Bool("fallback_used", e.FallbackUsed),
			slog.Int("retry_count", e.RetryCount),
		}
		if e.ErrorClass != "" {
			attrs = append(attrs, slog.String("error_class", e.ErrorClass))
		}
		if e.InputTokens != nil {
			attrs = append(attrs, slog.Int64("input_tokens", *e.InputTokens))
		}
		if e.OutputTokens != nil {
			attrs = append(attrs, slog.Int64("output_tokens", *e.OutputTokens))
		}
		if e.CostUSD != nil {
			attrs = append(attrs, slog.Float64("cost_usd", *e.CostUSD))
		}
		s.log.InfoContext(ctx, "request_log", attrs...)
	}
	return nil
}

// MemorySink collects record snapshots in memory. Tests only.
type MemorySink struct {
	mu   sync.Mutex
	rows []Entry
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// WriteBatch implements Sink.
func (s *MemorySink) WriteBatch(_ context.Context, rows []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
	return nil
}

// Rows returns a copy of everything written so far.
func (s *MemorySink) Rows() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.rows))
	copy(out, s.rows)
	return out
}
