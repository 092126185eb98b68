package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management handler functions that are
// registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the complete request handler: routes plus the middleware
// chain. Pass nil for mgmt to skip the management routes.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing(g.metrics),
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Server builds a fasthttp server around the handler. Streaming responses can
// be long-lived, so the write timeout must exceed the stream timeout.
func (g *Gateway) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: g.streamTimeout + 30*time.Second,
	}
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for mgmt to start in proxy-only mode.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	return g.Server(mgmt).ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"ok": true})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
