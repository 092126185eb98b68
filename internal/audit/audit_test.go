package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/optyxlabs/optyx-gateway/internal/providers"
)

func newTestLog(t *testing.T) (*Log, *MemorySink) {
	t.Helper()
	sink := NewMemorySink()
	l, err := New(context.Background(), sink)
	if err != nil {
		t.Fatal(err)
	}
	return l, sink
}

func drain(t *testing.T, l *Log) {
	t.Helper()
	if err := l.Shutdown(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenCloseLifecycle(t *testing.T) {
	l, sink := newTestLog(t)

	err := l.Open(Entry{
		ID: "req-1", Route: "/v1/chat/completions", Tier: "FAST",
		ProjectID: "p1", KeyID: "k1", Provider: "openai", Model: "m1",
	})
	if err != nil {
		t.Fatal(err)
	}
	l.Close("req-1", Patch{
		Status:       StatusSuccess,
		HTTPStatus:   200,
		InputTokens:  providers.Int64(10),
		OutputTokens: providers.Int64(5),
	})
	drain(t, l)

	rows := sink.Rows()
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Status != StatusInProgress {
		t.Fatalf("first row status = %q", rows[0].Status)
	}
	final := rows[1]
	if final.Status != StatusSuccess || final.HTTPStatus != 200 {
		t.Fatalf("final = %+v", final)
	}
	if final.InputTokens == nil || *final.InputTokens != 10 {
		t.Fatalf("input tokens = %v", final.InputTokens)
	}
	if final.FinishedAt.IsZero() || final.LatencyMs < 0 {
		t.Fatalf("timing not computed: %+v", final)
	}
}

func TestCloseIsExactlyOnce(t *testing.T) {
	l, sink := newTestLog(t)

	if err := l.Open(Entry{ID: "req-1"}); err != nil {
		t.Fatal(err)
	}
	l.Close("req-1", Patch{Status: StatusSuccess, HTTPStatus: 200})
	// Second close (the deferred safety net) must be a no-op.
	l.Close("req-1", Patch{Status: StatusError, HTTPStatus: 502})
	// Closing an id that was never opened is also a no-op.
	l.Close("req-unknown", Patch{Status: StatusError})
	drain(t, l)

	rows := sink.Rows()
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[1].Status != StatusSuccess {
		t.Fatalf("terminal status = %q, want the first close to win", rows[1].Status)
	}
}

func TestDuplicateOpenRejected(t *testing.T) {
	l, _ := newTestLog(t)
	defer drain(t, l)

	if err := l.Open(Entry{ID: "req-1"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Open(Entry{ID: "req-1"}); err == nil {
		t.Fatal("duplicate open must fail")
	}
}

func TestMetadataMergesAdditively(t *testing.T) {
	l, sink := newTestLog(t)

	if err := l.Open(Entry{
		ID:       "req-1",
		Metadata: map[string]any{"client": "sdk-go", "region": "eu"},
	}); err != nil {
		t.Fatal(err)
	}
	l.Close("req-1", Patch{
		Status:   StatusSuccess,
		Metadata: map[string]any{"region": "us", "stream": true},
	})
	drain(t, l)

	rows := sink.Rows()
	md := rows[1].Metadata
	if md["client"] != "sdk-go" {
		t.Fatalf("prior key dropped: %v", md)
	}
	if md["region"] != "us" {
		t.Fatalf("patched key not updated: %v", md)
	}
	if md["stream"] != true {
		t.Fatalf("new key missing: %v", md)
	}
}

func TestFallbackFieldsRecorded(t *testing.T) {
	l, sink := newTestLog(t)

	if err := l.Open(Entry{ID: "req-1", Provider: "openai", Model: "primary"}); err != nil {
		t.Fatal(err)
	}
	l.Close("req-1", Patch{
		Status:       StatusSuccess,
		HTTPStatus:   200,
		Provider:     "gemini",
		Model:        "fallback",
		FallbackUsed: true,
		RetryCount:   1,
	})
	drain(t, l)

	final := sink.Rows()[1]
	if final.Provider != "gemini" || final.Model != "fallback" {
		t.Fatalf("served route not patched: %+v", final)
	}
	if !final.FallbackUsed || final.RetryCount != 1 {
		t.Fatalf("fallback flags = %+v", final)
	}
}

func TestShutdownDrainsBuffer(t *testing.T) {
	sink := NewMemorySink()
	l, err := New(context.Background(), sink)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 250; i++ {
		if err := l.Open(Entry{ID: fmt.Sprintf("req-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.Rows()); got != 250 {
		t.Fatalf("rows = %d, want 250", got)
	}
	if l.Dropped() != 0 {
		t.Fatalf("dropped = %d", l.Dropped())
	}
}
