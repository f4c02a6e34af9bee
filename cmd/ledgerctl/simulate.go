package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidityLedger/internal/config"
	"liquidityLedger/internal/gateway/sim"
	"liquidityLedger/internal/ledger"
	"liquidityLedger/internal/observability"
	"liquidityLedger/internal/registry"
	"liquidityLedger/internal/scenario"
)

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadSimulate(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Scenario == "" {
		return fmt.Errorf("scenario path is required")
	}
	sc, err := scenario.LoadFile(cfg.Scenario)
	if err != nil {
		return err
	}
	deriver, err := addressDeriver(cfg.Deployer, cfg.InitCode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry, "")
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler(promRegistry))
			logger.Info("metrics server start", zap.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	b, err := openBackend(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	reg := registry.New()
	engine := sim.NewEngine(reg, logger.Named("sim"))
	clock := scenario.NewClock(time.Now().UTC())
	l, err := ledger.New(ledger.Config{
		Registry: reg,
		Deriver:  deriver,
		Pool:     engine,
		Store:    b.store,
		Events:   b.sink(),
		Auth:     ledger.NewOwnerBook(),
		Clock:    clock,
		Metrics:  metrics,
		Logger:   logger.Named("ledger"),
	})
	if err != nil {
		return err
	}
	if err := l.Load(ctx); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if restored := len(l.Positions()); restored > 0 {
		logger.Warn("stored positions have no simulated pool state; steps on them will be rejected by the pool",
			zap.Int("positions", restored))
	}

	logger.Info("simulate start",
		zap.String("scenario", cfg.Scenario),
		zap.String("name", sc.Name),
		zap.Int("steps", len(sc.Steps)),
		zap.Uint64("next_token_id", l.NextTokenID()),
	)

	report, err := scenario.NewRunner(l, engine, clock, logger.Named("scenario")).Run(ctx, sc)
	if err != nil {
		return err
	}
	logger.Info("simulate done",
		zap.Int("steps", len(report.Steps)),
		zap.Int("open_positions", len(report.Positions)),
	)

	if cfg.Report != "" {
		if err := writeJSON(cfg.Report, report); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(cfg.MetricsFile, promRegistry); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	if cfg.MetricsAddr != "" {
		logger.Info("serving metrics until interrupted")
		<-ctx.Done()
	}
	return nil
}

func writeJSON(path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
