package main

import (
	"context"
	"errors"
	"log/slog"

	"custodyledger/internal/adapters/httpapi"
	"custodyledger/internal/blob"
	"custodyledger/internal/config"
	"custodyledger/internal/core"
	httpx "custodyledger/internal/infra/http"
	"custodyledger/internal/report"
	"custodyledger/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app is the wired service.
type app struct {
	store    domain.LedgerStore
	ledger   *core.Ledger
	server   *httpx.Server
	registry *prometheus.Registry
}

func buildApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	store, err := core.OpenLedgerStore(ctx, cfg.StorageConfig())
	if err != nil {
		return nil, err
	}
	a, err := wire(ctx, cfg, log, store)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	return a, nil
}

func wire(ctx context.Context, cfg config.Config, log *slog.Logger, store domain.LedgerStore) (*app, error) {
	anchor, err := core.OpenAnchor(cfg.AnchorConfig())
	if err != nil {
		return nil, err
	}
	if anchor == nil {
		log.Warn("anchoring disabled; transfers are recorded locally only")
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		return nil, err
	}
	ledger := core.NewLedger(store, anchor,
		core.WithLogger(log),
		core.WithMetrics(metrics),
		core.WithAnchorTimeout(cfg.Anchor.Timeout),
	)
	blobs, err := blob.Open(ctx, cfg.BlobConfig())
	if err != nil {
		return nil, err
	}
	exporter := report.NewExporter(ledger, blobs, report.WithLogger(log), report.WithLinkExpiry(cfg.Export.LinkExpiry))
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = reg
	}
	srv := httpx.New(cfg.HTTP.Addr, httpapi.NewHandler(ledger, exporter, log), gatherer)
	return &app{store: store, ledger: ledger, server: srv, registry: reg}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
