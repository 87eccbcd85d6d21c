package main

import (
	"context"
	"net/http"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rakeback-engine/internal/attribution"
	"github.com/sells-group/rakeback-engine/internal/chain"
	"github.com/sells-group/rakeback-engine/internal/config"
	"github.com/sells-group/rakeback-engine/internal/conversion"
	"github.com/sells-group/rakeback-engine/internal/ledger"
	"github.com/sells-group/rakeback-engine/internal/monitoring"
	"github.com/sells-group/rakeback-engine/internal/rules"
	"github.com/sells-group/rakeback-engine/internal/store"
	"github.com/sells-group/rakeback-engine/pkg/chaindata"
	"github.com/sells-group/rakeback-engine/pkg/pricefeed"
)

// appEnv holds the store and every service a command may need.
type appEnv struct {
	Store       store.Store
	Clock       clockwork.Clock
	Activity    *monitoring.Recorder
	Rules       *rules.Service
	Attribution *attribution.Calculator
	Conversion  *conversion.Allocator
	Ledger      *ledger.Aggregator
	Monitor     *monitoring.Monitor
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "rakeback.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initGateway returns nil when no gateway is configured; only historical
// imports and read paths run without one.
func initGateway() chain.Gateway {
	if cfg.Gateway.URL == "" {
		return nil
	}
	return chaindata.NewClient(cfg.Gateway.URL, cfg.Gateway.Key,
		chaindata.WithHTTPClient(&http.Client{Timeout: config.Seconds(cfg.Gateway.TimeoutSecs)}),
		chaindata.WithRateLimit(cfg.Gateway.RateLimit),
	)
}

// initEnv validates the config for mode, opens and migrates the store and
// wires the services. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	clock := clockwork.NewRealClock()
	gw := initGateway()
	rec := monitoring.NewRecorder(st, clock)

	rs := rules.NewService(st, gw,
		rules.WithSafetyMargin(cfg.Rules.SafetyMargin),
		rules.WithCacheTTL(config.Seconds(cfg.Rules.CacheTTLSecs)),
		rules.WithClock(clock),
		rules.WithActivity(rec),
	)

	convOpts := []conversion.Option{conversion.WithClock(clock), conversion.WithActivity(rec)}
	if cfg.Price.URL != "" {
		prices := pricefeed.NewClient(cfg.Price.URL, cfg.Price.Key,
			pricefeed.WithHTTPClient(&http.Client{Timeout: config.Seconds(cfg.Price.TimeoutSecs)}),
			pricefeed.WithAsset(cfg.Price.Asset, cfg.Price.Currency),
			pricefeed.WithResolution(config.Seconds(cfg.Price.ResolutionSecs)),
		)
		convOpts = append(convOpts, conversion.WithPriceSource(prices))
	} else {
		zap.L().Debug("RAKEBACK_PRICE_URL not set, using gateway-reported prices only")
	}

	return &appEnv{
		Store:    st,
		Clock:    clock,
		Activity: rec,
		Rules:    rs,
		Attribution: attribution.New(st, gw, attribution.Config{
			Workers:     cfg.Ingest.Workers,
			MaxRange:    cfg.Ingest.MaxRange,
			LeaseTTL:    config.Seconds(cfg.Ingest.LeaseTTLSecs),
			CallTimeout: config.Seconds(cfg.Ingest.CallTimeoutSecs),
			MaxRetries:  cfg.Ingest.MaxRetries,
			Retry:       cfg.Ingest.RetryPolicy(),
		}, attribution.WithClock(clock), attribution.WithActivity(rec)),
		Conversion: conversion.New(st, gw, conversion.Config{
			Workers:  cfg.Conversion.Workers,
			MaxRange: cfg.Conversion.MaxRange,
			LeaseTTL: config.Seconds(cfg.Conversion.LeaseTTLSecs),
			Retry:    cfg.Ingest.RetryPolicy(),
		}, convOpts...),
		Ledger: ledger.New(st, rs,
			ledger.WithClock(clock),
			ledger.WithActivity(rec),
			ledger.WithLeaseTTL(config.Seconds(cfg.Ledger.LeaseTTLSecs)),
			ledger.WithWorkers(cfg.Ledger.Workers),
		),
		Monitor: monitoring.New(st, clock),
	}, nil
}

// seedPartners imports the configured seed file into an empty partner table.
func seedPartners(ctx context.Context, env *appEnv) error {
	if cfg.Rules.SeedFile == "" {
		return nil
	}
	existing, err := env.Rules.ListPartners(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	f, err := os.Open(cfg.Rules.SeedFile)
	if err != nil {
		return eris.Wrap(err, "open partner seed file")
	}
	defer f.Close() //nolint:errcheck

	res, err := env.Rules.ImportPartners(ctx, f, "seed", true)
	if err != nil {
		return eris.Wrap(err, "import partner seed file")
	}
	zap.L().Info("partners seeded",
		zap.String("file", cfg.Rules.SeedFile),
		zap.Int("created", len(res.Created)),
	)
	return nil
}
