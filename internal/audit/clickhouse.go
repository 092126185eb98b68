package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink appends record snapshots to a ClickHouse table. The table
// is append-only: one row per lifecycle transition (in_progress, then the
// terminal status); analytics read the latest row per id.
//
// Expected schema (ReplacingMergeTree keyed by id, version recorded_at):
//
//	id            UUID
//	project_id    String
//	key_id        String
//	route         LowCardinality(String)
//	tier          LowCardinality(String)
//	provider      LowCardinality(String)
//	model         LowCardinality(String)
//	status        LowCardinality(String)
//	http_status   UInt16
//	error_class   LowCardinality(String)
//	input_tokens  Nullable(Int64)
//	output_tokens Nullable(Int64)
//	cost_usd      Nullable(Float64)
//	started_at    DateTime64(3)
//	finished_at   Nullable(DateTime64(3))
//	latency_ms    Int64
//	fallback_used UInt8
//	retry_count   UInt8
//	metadata      String
//	recorded_at   DateTime64(3)
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink opens a connection from the DSN and verifies it with a
// ping.
func NewClickHouseSink(ctx context.Context, dsn, table string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: clickhouse ping: %w", err)
	}

	if table == "" {
		table = "request_log"
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

// WriteBatch implements Sink.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, rows []Entry) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("audit: prepare batch: %w", err)
	}

	now := time.Now().UTC()
	for _, e := range rows {
		var finishedAt *time.Time
		if !e.FinishedAt.IsZero() {
			t := e.FinishedAt
			finishedAt = &t
		}

		metadata := "{}"
		if len(e.Metadata) > 0 {
			if raw, merr := json.Marshal(e.Metadata); merr == nil {
				metadata = string(raw)
			}
		}

		err := batch.Append(
			e.ID,
			e.ProjectID,
			e.KeyID,
			e.Route,
			e.Tier,
			e.Provider,
			e.Model,
			e.Status,
			uint16(e.HTTPStatus),
			e.ErrorClass,
			e.InputTokens,
			e.OutputTokens,
			e.CostUSD,
			e.StartedAt,
			finishedAt,
			e.LatencyMs,
			boolToUInt8(e.FallbackUsed),
			uint8(e.RetryCount),
			metadata,
			now,
		)
		if err != nil {
			return fmt.Errorf("audit: batch append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("audit: batch send: %w", err)
	}
	return nil
}

// Close releases the ClickHouse connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
