// Package audit records the lifecycle of every inbound request in an
// append-only request log.
//
// Open creates exactly one in_progress record per request; Close merges a
// terminal patch and appends the final record. Writes go through an internal
// buffered channel flushed in batches by a background goroutine, so logging
// never blocks the request hot path. If the channel fills up, records are
// dropped and counted in Dropped.
package audit

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Lifecycle status values.
const (
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusError      = "error"
)

// Error class values recorded on terminal records.
const (
	ClassAuthError         = "auth_error"
	ClassValidationError   = "validation_error"
	ClassConfigError       = "config_error"
	ClassUpstreamTransport = "upstream_transport"
	ClassUpstreamProtocol  = "upstream_protocol"
	ClassStreamFailed      = "stream_failed"
	ClassFallbackFailed    = "fallback_failed"
)

// Entry is one request log record.
type Entry struct {
	ID        string
	ProjectID string
	KeyID     string
	Route     string
	Tier      string
	Provider  string
	Model     string

	Status     string
	HTTPStatus int
	ErrorClass string

	InputTokens  *int64
	OutputTokens *int64
	CostUSD      *float64

	StartedAt    time.Time
	FinishedAt   time.Time
	LatencyMs    int64
	FallbackUsed bool
	RetryCount   int

	Metadata map[string]any
}

// Patch carries the terminal update for a record. Nil pointer fields leave
// the opened record's value untouched; Metadata merges additively.
type Patch struct {
	Status     string
	HTTPStatus int
	ErrorClass string

	Provider string // set when a fallback served the request
	Model    string

	InputTokens  *int64
	OutputTokens *int64
	CostUSD      *float64

	FallbackUsed bool
	RetryCount   int

	Metadata map[string]any
}

// Sink receives batches of record snapshots. Implementations must tolerate
// being called from a single background goroutine.
type Sink interface {
	WriteBatch(ctx context.Context, rows []Entry) error
}

// Log is the async request log writer.
type Log struct {
	sink Sink

	mu   sync.Mutex
	open map[string]*Entry

	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
}

// New creates a Log writing to sink and starts the background flusher.
func New(ctx context.Context, sink Sink) (*Log, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("audit: sink must not be nil")
	}

	l := &Log{
		sink:    sink,
		open:    make(map[string]*Entry),
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Open registers the in_progress record for a request and enqueues it.
// Exactly one Open per request id; a duplicate id is rejected.
func (l *Log) Open(e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("audit: entry id must not be empty")
	}
	e.Status = StatusInProgress
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}

	l.mu.Lock()
	if _, exists := l.open[e.ID]; exists {
		l.mu.Unlock()
		return fmt.Errorf("audit: entry %s already open", e.ID)
	}
	snapshot := e
	l.open[e.ID] = &e
	l.mu.Unlock()

	l.enqueue(snapshot)
	return nil
}

// Close merges the terminal patch into the opened record and enqueues the
// final snapshot. Closing an unknown or already-closed id is a no-op, so the
// deferred safety-net close after a stream cannot double-terminate a record.
func (l *Log) Close(id string, p Patch) {
	l.mu.Lock()
	e, ok := l.open[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.open, id)

	e.Status = p.Status
	if e.Status == "" {
		e.Status = StatusError
	}
	e.HTTPStatus = p.HTTPStatus
	e.ErrorClass = p.ErrorClass
	if p.Provider != "" {
		e.Provider = p.Provider
	}
	if p.Model != "" {
		e.Model = p.Model
	}
	if p.InputTokens != nil {
		e.InputTokens = p.InputTokens
	}
	if p.OutputTokens != nil {
		e.OutputTokens = p.OutputTokens
	}
	if p.CostUSD != nil {
		e.CostUSD = p.CostUSD
	}
	e.FallbackUsed = p.FallbackUsed
	e.RetryCount = p.RetryCount
	e.FinishedAt = time.Now().UTC()
	e.LatencyMs = e.FinishedAt.Sub(e.StartedAt).Milliseconds()

	// Metadata patches merge; prior keys are never dropped.
	if len(p.Metadata) > 0 {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(p.Metadata))
		}
		maps.Copy(e.Metadata, p.Metadata)
	}

	snapshot := *e
	l.mu.Unlock()

	l.enqueue(snapshot)
}

// Dropped returns the number of records dropped due to a full buffer.
func (l *Log) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Shutdown stops the flusher after draining the buffer.
func (l *Log) Shutdown() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Log) enqueue(e Entry) {
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

func (l *Log) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		_ = l.sink.WriteBatch(l.baseCtx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
