package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/optyxlabs/optyx-gateway/internal/catalog"
	"github.com/optyxlabs/optyx-gateway/internal/providers"
)

// servedRoute identifies which provider/model pair actually served (or last
// attempted) a request.
type servedRoute struct {
	Provider     string
	Model        string
	FallbackUsed bool
	Retries      int

	// PrimaryFailure describes why the primary attempt failed when the
	// fallback served instead. Merged into the request-log metadata.
	PrimaryFailure map[string]any
}

// callWithFailover tries the primary model and, when the failure qualifies,
// retries exactly once against the configured fallback model.
//
// Failover applies only to FAST-tier chat requests whose primary is the
// openai provider and only when a fallback model is configured. Eligible
// failures are transport errors, timeouts, 429, 408, and 5xx. A 4xx rejecting
// the model identifier itself is never retried — the same identifier would
// fail the same way anywhere.
func (g *Gateway) callWithFailover(
	ctx context.Context,
	adapter providers.Adapter,
	req *providers.ChatRequest,
	entry catalog.Entry,
	tier catalog.Tier,
) (*providers.ChatResult, servedRoute, error) {

	served := servedRoute{Provider: entry.Provider, Model: entry.ID}

	start := time.Now()
	result, err := adapter.ChatCompletions(ctx, req)
	dur := time.Since(start)

	if g.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = classifyError(err)
		}
		g.metrics.ObserveUpstreamAttempt(entry.Provider, routeChat, outcome, dur)
	}
	if err == nil {
		return result, served, nil
	}

	if !g.failoverEligible(tier, entry, err) {
		return nil, served, err
	}

	fbCanonical, _ := g.cat.Resolve(g.routing.FallbackModel)
	fbEntry, ok := g.cat.Get(fbCanonical)
	if !ok {
		return nil, served, err
	}
	fbAdapter, ok := g.adapters[fbEntry.Provider]
	if !ok {
		return nil, served, err
	}

	reason := classifyError(err)
	if g.metrics != nil {
		g.metrics.RecordFailover(entry.ID, fbCanonical, reason)
	}
	g.log.Warn("failover_attempt",
		slog.String("request_id", req.RequestID),
		slog.String("from", entry.ID),
		slog.String("to", fbCanonical),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)

	fbReq := *req
	fbReq.Model = fbCanonical

	served = servedRoute{
		Provider:     fbEntry.Provider,
		Model:        fbCanonical,
		FallbackUsed: true,
		Retries:      1,
		PrimaryFailure: map[string]any{
			"primary_model":  entry.ID,
			"primary_status": reason,
			"primary_error":  err.Error(),
		},
	}

	start = time.Now()
	result, fbErr := fbAdapter.ChatCompletions(ctx, &fbReq)
	dur = time.Since(start)

	if g.metrics != nil {
		outcome := "success"
		if fbErr != nil {
			outcome = classifyError(fbErr)
		}
		g.metrics.ObserveUpstreamAttempt(fbEntry.Provider, routeChat, outcome, dur)
	}
	if fbErr != nil {
		g.log.Warn("failover_failed",
			slog.String("request_id", req.RequestID),
			slog.String("from", entry.ID),
			slog.String("to", fbCanonical),
			slog.String("error", fbErr.Error()),
		)
		return nil, served, fbErr
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverSuccess(entry.ID, fbCanonical)
	}
	g.log.Info("failover_success",
		slog.String("request_id", req.RequestID),
		slog.String("from", entry.ID),
		slog.String("to", fbCanonical),
	)
	return result, served, nil
}

// failoverEligible gates the single fallback attempt.
func (g *Gateway) failoverEligible(tier catalog.Tier, entry catalog.Entry, err error) bool {
	if tier != catalog.TierFast {
		return false
	}
	if entry.Provider != "openai" {
		return false
	}
	if g.routing.FallbackModel == "" {
		return false
	}
	return isRetryable(err)
}

// isRetryable reports whether an error should trigger the fallback attempt.
//
//   - transport errors and timeouts → retryable (a different upstream may work)
//   - 429, 408, 5xx → retryable (load or infrastructure failure)
//   - other 4xx → NOT retryable (the request itself is at fault)
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status == 429 || status == 408 || status >= 500
	}
	return true
}

// isModelShaped reports whether a provider 4xx rejects the model identifier
// itself. These surface as MODEL_NOT_ALLOWED and are never retried.
func isModelShaped(err error) bool {
	var sc providers.StatusCoder
	if !errors.As(err, &sc) {
		return false
	}
	status := sc.HTTPStatus()
	if status < 400 || status >= 500 {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "model")
}

// classifyError converts an error into a short category string for log fields
// and metrics labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return "http_" + strconv.Itoa(sc.HTTPStatus())
	}
	return "transport"
}
