// Package proxy is the core request dispatcher.
//
// The Gateway authenticates the caller, resolves the effective tier and
// model through project policy and the catalog, forwards the request to the
// owning provider adapter, and accounts for the outcome in the request log.
//
// Key design constraints:
//   - No blocking I/O on the hot path besides the two Redis lookups.
//   - Auth failures are uniform: one 401 body for missing, unknown, and
//     disabled keys alike.
//   - Streaming responses commit headers before the first upstream byte, so
//     later failures surface as in-band error frames, never status changes.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/optyxlabs/optyx-gateway/internal/audit"
	"github.com/optyxlabs/optyx-gateway/internal/auth"
	"github.com/optyxlabs/optyx-gateway/internal/catalog"
	"github.com/optyxlabs/optyx-gateway/internal/config"
	"github.com/optyxlabs/optyx-gateway/internal/metrics"
	"github.com/optyxlabs/optyx-gateway/internal/policy"
	"github.com/optyxlabs/optyx-gateway/internal/pricing"
	"github.com/optyxlabs/optyx-gateway/internal/providers"
	"github.com/optyxlabs/optyx-gateway/internal/relay"
	"github.com/optyxlabs/optyx-gateway/pkg/apierr"
)

// Request/response header names.
const (
	headerAPIKey        = "X-Api-Key"
	headerTier          = "X-Optyx-Tier"
	headerRouteTag      = "X-Route-Tag"
	headerResolvedModel = "X-Optyx-Resolved-Model"

	routeTagCritical = "critical"
)

// Route labels used in metrics and the request log.
const (
	routeChat       = "/v1/chat/completions"
	routeEmbeddings = "/v1/embeddings"
)

// Deps are the required gateway collaborators, injected via the constructor
// so they can be replaced with doubles in unit tests.
type Deps struct {
	Adapters map[string]providers.Adapter
	Catalog  *catalog.Catalog
	Auth     *auth.Resolver
	Policy   *policy.Resolver
	Pricing  *pricing.Service
	Audit    *audit.Log
}

// Options holds optional tuning parameters. All fields have usable defaults.
type Options struct {
	// Logger is the structured logger for request events and failover
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables it.
	Metrics *metrics.Registry

	// Routing controls tier default models and the failover target.
	Routing config.RoutingConfig

	// ProviderTimeout bounds non-streaming upstream calls.
	// Default: providers.ProviderTimeout.
	ProviderTimeout time.Duration

	// StreamTimeout bounds one whole streaming response. Default: 5m.
	StreamTimeout time.Duration

	// CORSOrigins is the allowed CORS origin list; ["*"] or empty allows all.
	CORSOrigins []string
}

// Gateway is the main dispatcher.
type Gateway struct {
	adapters map[string]providers.Adapter
	cat      *catalog.Catalog
	auth     *auth.Resolver
	policy   *policy.Resolver
	pricing  *pricing.Service
	audit    *audit.Log
	metrics  *metrics.Registry
	log      *slog.Logger
	baseCtx  context.Context

	routing         config.RoutingConfig
	providerTimeout time.Duration
	streamTimeout   time.Duration
	corsOrigins     []string
}

// New creates a fully configured Gateway.
func New(baseCtx context.Context, deps Deps, opts Options) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}
	streamTimeout := opts.StreamTimeout
	if streamTimeout <= 0 {
		streamTimeout = 5 * time.Minute
	}

	return &Gateway{
		adapters:        deps.Adapters,
		cat:             deps.Catalog,
		auth:            deps.Auth,
		policy:          deps.Policy,
		pricing:         deps.Pricing,
		audit:           deps.Audit,
		metrics:         opts.Metrics,
		log:             log,
		baseCtx:         baseCtx,
		routing:         opts.Routing,
		providerTimeout: providerTimeout,
		streamTimeout:   streamTimeout,
		corsOrigins:     opts.CORSOrigins,
	}
}

// ── Inbound request types ─────────────────────────────────────────────────────

type (
	// inboundChatRequest mirrors the POST /v1/chat/completions body. Only the
	// fields the gateway itself interprets are decoded; the raw body travels
	// alongside for the passthrough protocol.
	inboundChatRequest struct {
		Model    string              `json:"model"`
		Messages []providers.Message `json:"messages"`
		Stream   bool                `json:"stream"`

		MaxOutputTokens     *int `json:"max_output_tokens"`
		MaxCompletionTokens *int `json:"max_completion_tokens"`
		MaxTokens           *int `json:"max_tokens"`
	}

	// inboundEmbeddingRequest mirrors the POST /v1/embeddings body. The
	// "input" field accepts a string or array of strings.
	inboundEmbeddingRequest struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
)

// parseEmbeddingInput normalises the raw JSON "input" field to []string.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, errors.New("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, errors.New("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, errors.New("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, errors.New("'input' must be a string or array of strings")
}

// ── Shared request plumbing ───────────────────────────────────────────────────

// requestIDFrom returns the id placed by the requestID middleware, minting
// one if the handler runs outside the middleware chain (tests).
func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	if id, ok := ctx.UserValue("request_id").(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// authenticate resolves the caller's credential. On failure the uniform 401
// is written, a terminal auth_error record is appended, and nil is returned.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx, reqID, route string) *auth.Context {
	credential := auth.ExtractCredential(
		string(ctx.Request.Header.Peek(headerAPIKey)),
		string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)),
	)

	authCtx, err := g.auth.Authenticate(g.baseCtx, credential)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordAuthFailure()
		}
		g.recordTerminal(audit.Entry{ID: reqID, Route: route}, audit.Patch{
			Status:     audit.StatusError,
			HTTPStatus: fasthttp.StatusUnauthorized,
			ErrorClass: audit.ClassAuthError,
		})
		apierr.WriteAuth(ctx)
		return nil
	}
	return authCtx
}

// requestTier computes the effective tier: the project default, overridden by
// the tier header, escalated to SMART by the critical route tag.
func (g *Gateway) requestTier(ctx *fasthttp.RequestCtx, eff *policy.Effective) catalog.Tier {
	tier := eff.Tier
	if h := string(ctx.Request.Header.Peek(headerTier)); h != "" {
		tier = catalog.NormalizeTier(h)
	}
	if string(ctx.Request.Header.Peek(headerRouteTag)) == routeTagCritical {
		tier = catalog.TierSmart
	}
	return tier
}

// tierDefaultModel is the configured model for requests that omit one.
func (g *Gateway) tierDefaultModel(tier catalog.Tier) string {
	if tier == catalog.TierSmart {
		return g.routing.SmartDefaultModel
	}
	return g.routing.FastDefaultModel
}

// recordTerminal appends an open+close record pair for requests that never
// reach a provider.
func (g *Gateway) recordTerminal(e audit.Entry, p audit.Patch) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Open(e); err != nil {
		return
	}
	g.audit.Close(e.ID, p)
}

func (g *Gateway) closeAudit(id string, p audit.Patch) {
	if g.audit != nil {
		g.audit.Close(id, p)
	}
}

// writeModelNotAllowed writes the 400 authorization failure for a model.
func writeModelNotAllowed(ctx *fasthttp.RequestCtx, model string) {
	apierr.Write(ctx, fasthttp.StatusBadRequest,
		"model '"+model+"' is not available to this project",
		apierr.TypeInvalidRequest, apierr.CodeModelNotAllowed)
}

// ── Chat dispatch ─────────────────────────────────────────────────────────────

// dispatchChat handles POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	reqID := requestIDFrom(ctx)

	authCtx := g.authenticate(ctx, reqID, routeChat)
	if authCtx == nil {
		return
	}

	body := append([]byte(nil), ctx.PostBody()...)
	var in inboundChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		g.failValidation(ctx, reqID, routeChat, authCtx, "request body is not valid JSON")
		return
	}
	if len(in.Messages) == 0 {
		g.failValidation(ctx, reqID, routeChat, authCtx, "'messages' must not be empty")
		return
	}

	eff, err := g.resolvePolicy(ctx, authCtx, reqID, routeChat)
	if eff == nil || err != nil {
		return
	}

	tier := g.requestTier(ctx, eff)

	requested := in.Model
	if requested == "" {
		requested = g.tierDefaultModel(tier)
	}
	canonical, _ := g.cat.Resolve(requested)
	entry, ok := g.cat.Get(canonical)

	// The tier default passes the same authorization gate as an explicit
	// model: a project that disallows it gets a 400, not a silent downgrade.
	if !ok || entry.Type != catalog.TypeChat || !entry.EligibleFor(tier) || !eff.AllowsChat(canonical) {
		g.recordTerminal(audit.Entry{
			ID: reqID, Route: routeChat, Tier: string(tier),
			ProjectID: authCtx.ProjectID, KeyID: authCtx.KeyID, Model: requested,
		}, audit.Patch{
			Status:     audit.StatusError,
			HTTPStatus: fasthttp.StatusBadRequest,
			ErrorClass: audit.ClassValidationError,
		})
		writeModelNotAllowed(ctx, requested)
		return
	}

	adapter, ok := g.adapters[entry.Provider]
	if !ok {
		g.recordTerminal(audit.Entry{
			ID: reqID, Route: routeChat, Tier: string(tier),
			ProjectID: authCtx.ProjectID, KeyID: authCtx.KeyID,
			Provider: entry.Provider, Model: canonical,
		}, audit.Patch{
			Status:     audit.StatusError,
			HTTPStatus: fasthttp.StatusInternalServerError,
			ErrorClass: audit.ClassConfigError,
		})
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"provider '"+entry.Provider+"' is not configured",
			apierr.TypeServerError, apierr.CodeConfigError)
		return
	}

	if g.audit != nil {
		_ = g.audit.Open(audit.Entry{
			ID: reqID, Route: routeChat, Tier: string(tier),
			ProjectID: authCtx.ProjectID, KeyID: authCtx.KeyID,
			Provider: entry.Provider, Model: canonical,
		})
	}

	ctx.Response.Header.Set(headerResolvedModel, canonical)

	chatReq := &providers.ChatRequest{
		Model:               canonical,
		ClientModel:         requested,
		Messages:            in.Messages,
		Stream:              in.Stream,
		MaxOutputTokens:     in.MaxOutputTokens,
		MaxCompletionTokens: in.MaxCompletionTokens,
		MaxTokens:           in.MaxTokens,
		Raw:                 body,
		RequestID:           reqID,
	}

	timeout := g.providerTimeout
	if in.Stream {
		timeout = g.streamTimeout
	}
	callCtx, cancel := context.WithTimeout(g.baseCtx, timeout)

	result, served, err := g.callWithFailover(callCtx, adapter, chatReq, entry, tier)
	if err != nil {
		cancel()
		g.writeChatError(ctx, reqID, served, err)
		return
	}

	// After failover the serving model may differ from the primary; the header
	// must name the model that is actually billed.
	ctx.Response.Header.Set(headerResolvedModel, served.Model)

	if result.JSON != nil {
		cancel()
		g.finishJSON(ctx, reqID, served, result.JSON)
		return
	}

	// Streaming: headers commit now; accounting waits for the relay.
	relay.Stream(ctx, result.Stream, chatReq.ClientModel, g.log, func(res relay.Result) {
		defer cancel()

		cost := g.cost(served.Provider, served.Model, res.Usage)
		if g.metrics != nil {
			g.metrics.AddTokens(served.Provider, served.Model, res.Usage.InputTokens, res.Usage.OutputTokens)
			g.metrics.AddCost(served.Provider, served.Model, cost)
		}

		patch := audit.Patch{
			Status:       audit.StatusSuccess,
			HTTPStatus:   fasthttp.StatusOK,
			Provider:     served.Provider,
			Model:        served.Model,
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
			CostUSD:      cost,
			FallbackUsed: served.FallbackUsed,
			RetryCount:   served.Retries,
			Metadata:     served.PrimaryFailure,
		}
		if res.Err != nil {
			patch.Status = audit.StatusError
			patch.ErrorClass = audit.ClassStreamFailed
		}
		g.closeAudit(reqID, patch)
	})
}

// finishJSON writes a complete JSON provider result and accounts for it.
func (g *Gateway) finishJSON(ctx *fasthttp.RequestCtx, reqID string, served servedRoute, res *providers.JSONResult) {
	cost := g.cost(served.Provider, served.Model, res.Usage)
	if g.metrics != nil {
		g.metrics.AddTokens(served.Provider, served.Model, res.Usage.InputTokens, res.Usage.OutputTokens)
		g.metrics.AddCost(served.Provider, served.Model, cost)
	}

	status := audit.StatusSuccess
	errClass := ""
	if res.Status >= 400 {
		status = audit.StatusError
		errClass = audit.ClassUpstreamProtocol
	}
	g.closeAudit(reqID, audit.Patch{
		Status:       status,
		HTTPStatus:   res.Status,
		ErrorClass:   errClass,
		Provider:     served.Provider,
		Model:        served.Model,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		CostUSD:      cost,
		FallbackUsed: served.FallbackUsed,
		RetryCount:   served.Retries,
		Metadata:     served.PrimaryFailure,
	})

	ctx.SetStatusCode(res.Status)
	ctx.SetContentType("application/json")
	ctx.SetBody(res.Body)
}

// writeChatError maps a provider-call failure onto the client response and
// closes the request log record.
func (g *Gateway) writeChatError(ctx *fasthttp.RequestCtx, reqID string, served servedRoute, err error) {
	patch := audit.Patch{
		Status:       audit.StatusError,
		Provider:     served.Provider,
		Model:        served.Model,
		FallbackUsed: served.FallbackUsed,
		RetryCount:   served.Retries,
		Metadata:     served.PrimaryFailure,
	}

	switch {
	case isModelShaped(err):
		// The upstream rejected the model identifier itself; surface it the
		// same way as a policy rejection and never retry it.
		patch.HTTPStatus = fasthttp.StatusBadRequest
		patch.ErrorClass = audit.ClassValidationError
		writeModelNotAllowed(ctx, served.Model)

	case errors.Is(err, context.DeadlineExceeded):
		patch.HTTPStatus = fasthttp.StatusGatewayTimeout
		patch.ErrorClass = audit.ClassUpstreamTransport
		apierr.WriteTimeout(ctx)

	case served.FallbackUsed:
		// The fallback was the last resort; whatever it failed with, the
		// caller gets one generic 502.
		patch.HTTPStatus = fasthttp.StatusBadGateway
		patch.ErrorClass = audit.ClassFallbackFailed
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"fallback provider unavailable", apierr.TypeProviderError, apierr.CodeProviderError)

	default:
		var sc providers.StatusCoder
		if errors.As(err, &sc) {
			patch.ErrorClass = audit.ClassUpstreamProtocol
			if sc.HTTPStatus() == fasthttp.StatusTooManyRequests {
				patch.HTTPStatus = fasthttp.StatusTooManyRequests
			} else {
				patch.HTTPStatus = fasthttp.StatusBadGateway
			}
			apierr.WriteProviderError(ctx, sc.HTTPStatus(), "upstream provider error")
		} else {
			patch.HTTPStatus = fasthttp.StatusBadGateway
			patch.ErrorClass = audit.ClassUpstreamTransport
			apierr.Write(ctx, fasthttp.StatusBadGateway,
				"upstream provider unreachable", apierr.TypeProviderError, apierr.CodeProviderError)
		}
	}

	if g.metrics != nil {
		g.metrics.RecordError(served.Provider, patch.ErrorClass)
	}
	g.log.Warn("chat_request_failed",
		slog.String("request_id", reqID),
		slog.String("provider", served.Provider),
		slog.String("model", served.Model),
		slog.String("error", err.Error()),
	)
	g.closeAudit(reqID, patch)
}

// failValidation writes a 400 and appends the terminal validation record.
func (g *Gateway) failValidation(ctx *fasthttp.RequestCtx, reqID, route string, authCtx *auth.Context, msg string) {
	g.recordTerminal(audit.Entry{
		ID: reqID, Route: route,
		ProjectID: authCtx.ProjectID, KeyID: authCtx.KeyID,
	}, audit.Patch{
		Status:     audit.StatusError,
		HTTPStatus: fasthttp.StatusBadRequest,
		ErrorClass: audit.ClassValidationError,
	})
	apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
}

// resolvePolicy loads the caller's effective policy. A missing project is an
// authentication failure to the caller — key state must stay unobservable.
func (g *Gateway) resolvePolicy(ctx *fasthttp.RequestCtx, authCtx *auth.Context, reqID, route string) (*policy.Effective, error) {
	eff, err := g.policy.Resolve(g.baseCtx, authCtx.ProjectID)
	if err != nil {
		if errors.Is(err, policy.ErrProjectNotFound) {
			g.recordTerminal(audit.Entry{
				ID: reqID, Route: route,
				ProjectID: authCtx.ProjectID, KeyID: authCtx.KeyID,
			}, audit.Patch{
				Status:     audit.StatusError,
				HTTPStatus: fasthttp.StatusUnauthorized,
				ErrorClass: audit.ClassAuthError,
			})
			apierr.WriteAuth(ctx)
			return nil, err
		}
		g.recordTerminal(audit.Entry{
			ID: reqID, Route: route,
			ProjectID: authCtx.ProjectID, KeyID: authCtx.KeyID,
		}, audit.Patch{
			Status:     audit.StatusError,
			HTTPStatus: fasthttp.StatusInternalServerError,
			ErrorClass: audit.ClassConfigError,
		})
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"policy store unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return nil, err
	}
	return eff, nil
}

// cost computes the request cost, tolerating a nil pricing service.
func (g *Gateway) cost(provider, model string, usage providers.Usage) *float64 {
	if g.pricing == nil {
		return nil
	}
	return g.pricing.Cost(g.baseCtx, provider, model, usage)
}

// ── Embeddings dispatch ───────────────────────────────────────────────────────

// dispatchEmbeddings handles POST /v1/embeddings. Embeddings never stream and
// never fail over.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	reqID := requestIDFrom(ctx)

	authCtx := g.authenticate(ctx, reqID, routeEmbeddings)
	if authCtx == nil {
		return
	}

	var in inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		g.failValidation(ctx, reqID, routeEmbeddings, authCtx, "request body is not valid JSON")
		return
	}
	input, err := parseEmbeddingInput(in.Input)
	if err != nil {
		g.failValidation(ctx, reqID, routeEmbeddings, authCtx, err.Error())
		return
	}
	if in.Model == "" {
		g.failValidation(ctx, reqID, routeEmbeddings, authCtx, "'model' is required")
		return
	}

	eff, err := g.resolvePolicy(ctx, authCtx, reqID, routeEmbeddings)
	if eff == nil || err != nil {
		return
	}

	tier := g.requestTier(ctx, eff)

	canonical, _ := g.cat.Resolve(in.Model)
	entry, ok := g.cat.Get(canonical)
	if !ok || entry.Type != catalog.TypeEmbedding || !eff.AllowsEmbedding(canonical) {
		g.recordTerminal(audit.Entry{
			ID: reqID, Route: routeEmbeddings, Tier: string(tier),
			ProjectID: authCtx.ProjectID, KeyID: authCtx.KeyID, Model: in.Model,
		}, audit.Patch{
			Status:     audit.StatusError,
			HTTPStatus: fasthttp.StatusBadRequest,
			ErrorClass: audit.ClassValidationError,
		})
		writeModelNotAllowed(ctx, in.Model)
		return
	}

	adapter, ok := g.adapters[entry.Provider]
	if !ok {
		g.recordTerminal(audit.Entry{
			ID: reqID, Route: routeEmbeddings, Tier: string(tier),
			ProjectID: authCtx.ProjectID, KeyID: authCtx.KeyID,
			Provider: entry.Provider, Model: canonical,
		}, audit.Patch{
			Status:     audit.StatusError,
			HTTPStatus: fasthttp.StatusInternalServerError,
			ErrorClass: audit.ClassConfigError,
		})
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"provider '"+entry.Provider+"' is not configured",
			apierr.TypeServerError, apierr.CodeConfigError)
		return
	}

	if g.audit != nil {
		_ = g.audit.Open(audit.Entry{
			ID: reqID, Route: routeEmbeddings, Tier: string(tier),
			ProjectID: authCtx.ProjectID, KeyID: authCtx.KeyID,
			Provider: entry.Provider, Model: canonical,
		})
	}

	ctx.Response.Header.Set(headerResolvedModel, canonical)

	callCtx, cancel := context.WithTimeout(g.baseCtx, g.providerTimeout)
	defer cancel()

	start := time.Now()
	res, err := adapter.Embeddings(callCtx, &providers.EmbeddingRequest{
		Model:       canonical,
		ClientModel: in.Model,
		Input:       input,
		RequestID:   reqID,
	})
	if g.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		g.metrics.ObserveUpstreamAttempt(entry.Provider, routeEmbeddings, outcome, time.Since(start))
	}
	if err != nil {
		g.writeChatError(ctx, reqID, servedRoute{Provider: entry.Provider, Model: canonical}, err)
		return
	}

	g.finishJSON(ctx, reqID, servedRoute{Provider: entry.Provider, Model: canonical}, res)
}

// ── Model listing ─────────────────────────────────────────────────────────────

// handleModels handles GET /v1/models. Optional query args "tier" and
// "provider" filter the listing; alias rows carry alias_for.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	reqID := requestIDFrom(ctx)

	authCtx := g.authenticate(ctx, reqID, "/v1/models")
	if authCtx == nil {
		return
	}

	var tier catalog.Tier
	if t := string(ctx.QueryArgs().Peek("tier")); t != "" {
		tier = catalog.NormalizeTier(t)
	}
	provider := string(ctx.QueryArgs().Peek("provider"))

	models := g.cat.List(tier, provider)
	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   models,
	})
}
