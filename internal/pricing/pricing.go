// Package pricing computes request cost from token counts against the price
// table.
//
// Cost is nullable end to end: a missing price row or fully unknown usage
// yields a nil cost, never zero. Zero only appears when a price row's rates
// are genuinely zero.
package pricing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/optyxlabs/optyx-gateway/internal/catalog"
	"github.com/optyxlabs/optyx-gateway/internal/providers"
)

// ErrNoPriceRow is returned by Table implementations when no active row
// exists for (provider, model).
var ErrNoPriceRow = errors.New("no active price row")

// PriceRow is one price table row. Prices are USD per million tokens.
type PriceRow struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Version          string    `json:"version"`
	InputPerMillion  float64   `json:"input_per_million"`
	OutputPerMillion float64   `json:"output_per_million"`
	Active           bool      `json:"active"`
	EffectiveFrom    time.Time `json:"effective_from"`
}

// Table is the abstract price table.
type Table interface {
	// LatestActive returns the most recent active row for (provider, model)
	// or ErrNoPriceRow.
	LatestActive(ctx context.Context, provider, model string) (*PriceRow, error)
}

// Service resolves prices with alias fallback and computes cost.
type Service struct {
	table Table
	cat   *catalog.Catalog
	log   *slog.Logger
}

// NewService creates a pricing Service. log may be nil.
func NewService(table Table, cat *catalog.Catalog, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{table: table, cat: cat, log: log}
}

// Cost returns the USD cost for the usage, or nil when it cannot be
// determined. Rows stored under an alias of the canonical model are found by
// retrying the lookup under each alias string before giving up.
//
// An individually unknown token count contributes nothing to the sum; cost
// is nil only when no price row exists or both counts are unknown.
func (s *Service) Cost(ctx context.Context, provider, model string, usage providers.Usage) *float64 {
	if usage.InputTokens == nil && usage.OutputTokens == nil {
		return nil
	}

	row, err := s.table.LatestActive(ctx, provider, model)
	if err != nil {
		if !errors.Is(err, ErrNoPriceRow) {
			s.log.Warn("price_lookup_error",
				slog.String("provider", provider),
				slog.String("model", model),
				slog.String("error", err.Error()),
			)
			return nil
		}
		for _, alias := range s.cat.AliasesFor(model) {
			if row, err = s.table.LatestActive(ctx, provider, alias); err == nil {
				break
			}
		}
		if err != nil {
			return nil
		}
	}

	var cost float64
	if usage.InputTokens != nil {
		cost += row.InputPerMillion * float64(*usage.InputTokens)
	}
	if usage.OutputTokens != nil {
		cost += row.OutputPerMillion * float64(*usage.OutputTokens)
	}
	cost /= 1_000_000
	return &cost
}
