package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/optyxlabs/optyx-gateway/internal/audit"
	"github.com/optyxlabs/optyx-gateway/internal/auth"
	"github.com/optyxlabs/optyx-gateway/internal/catalog"
	"github.com/optyxlabs/optyx-gateway/internal/metrics"
	"github.com/optyxlabs/optyx-gateway/internal/policy"
	"github.com/optyxlabs/optyx-gateway/internal/pricing"
	"github.com/optyxlabs/optyx-gateway/internal/proxy"
)

// initInfra establishes external connections. Redis backs the key, project,
// and price stores and is always required; ClickHouse is optional.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	if a.cfg.ClickHouse.DSN != "" {
		sink, err := audit.NewClickHouseSink(ctx, a.cfg.ClickHouse.DSN, a.cfg.ClickHouse.Table)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse connected", slog.String("table", a.cfg.ClickHouse.Table))
	}

	return nil
}

// initAdapters builds the provider adapter map. At least one provider must be
// configured or no request could ever be served.
func (a *App) initAdapters(_ context.Context) error {
	a.cat = catalog.Default()
	a.adapters = buildAdapters(a.cfg, a.cat)
	if len(a.adapters) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.adapters))
	for n := range a.adapters {
		names = append(names, n)
	}
	a.log.Info("adapters loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the request log and the Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	var sink audit.Sink
	if a.chSink != nil {
		sink = a.chSink
		a.log.Info("request log sink: clickhouse")
	} else {
		sink = audit.NewSlogSink(a.log)
		a.log.Info("request log sink: slog (no CLICKHOUSE_DSN configured)")
	}

	reqLog, err := audit.New(ctx, sink)
	if err != nil {
		return fmt.Errorf("request log: %w", err)
	}
	a.reqLog = reqLog

	a.prom = metrics.New()

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	keyStore := auth.NewRedisKeyStore(a.rdb)
	projectStore := policy.NewRedisProjectStore(a.rdb)
	priceTable := pricing.NewRedisTable(a.rdb)

	gw := proxy.New(a.baseCtx, proxy.Deps{
		Adapters: a.adapters,
		Catalog:  a.cat,
		Auth:     auth.NewResolver(keyStore, a.log),
		Policy:   policy.NewResolver(projectStore, a.cat),
		Pricing:  pricing.NewService(priceTable, a.cat, a.log),
		Audit:    a.reqLog,
	}, proxy.Options{
		Logger:          a.log,
		Metrics:         a.prom,
		Routing:         a.cfg.Routing,
		ProviderTimeout: a.cfg.ProviderTimeout,
		StreamTimeout:   a.cfg.StreamTimeout,
		CORSOrigins:     a.cfg.CORSOrigins,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw
	a.srv = gw.Server(a.mgmt)

	return nil
}
