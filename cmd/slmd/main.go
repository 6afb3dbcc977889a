// Command slmd runs the Unified Stop-Loss Manager as a standalone process:
// it loads configuration, connects to a broker, starts the worker loop, and
// serves Prometheus metrics until terminated.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/quantrail/slm/internal/backtestbroker"
	"github.com/quantrail/slm/internal/broker"
	"github.com/quantrail/slm/internal/config"
	"github.com/quantrail/slm/internal/metrics"
	"github.com/quantrail/slm/internal/mt5broker"
	"github.com/quantrail/slm/internal/slm"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to SLM configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("slmd: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	br, closeBroker, err := buildBroker(ctx, cfg)
	if err != nil {
		log.Fatalf("slmd: %v", err)
	}
	defer closeBroker()

	diagDir := filepath.Join(cfg.Logging.DirectoryRoot, cfg.Mode, "engine")
	if err := os.MkdirAll(diagDir, 0o755); err != nil {
		log.Fatalf("slmd: %v", err)
	}
	diagFile, err := os.OpenFile(filepath.Join(diagDir, "lock_diagnostics.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("slmd: %v", err)
	}
	defer diagFile.Close()

	mgr, err := slm.NewManagerFromConfig(br, cfg, diagFile)
	if err != nil {
		log.Fatalf("slmd: %v", err)
	}
	defer mgr.Close()

	reg := metrics.New()
	srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: reg.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("slmd: metrics server: %v", err)
		}
	}()

	if err := mgr.StartWorker(); err != nil {
		log.Fatalf("slmd: start worker: %v", err)
	}
	log.Printf("slmd: started, mode=%s metrics=%s", cfg.Mode, cfg.Metrics.ListenAddr)

	<-ctx.Done()
	log.Printf("slmd: shutting down")

	if err := mgr.StopWorker(); err != nil {
		log.Printf("slmd: stop worker: %v", err)
	}
	_ = srv.Close()
}

func buildBroker(ctx context.Context, cfg *config.Config) (broker.Broker, func(), error) {
	if cfg.Mode == "backtest" {
		return backtestbroker.New(), func() {}, nil
	}
	client, err := mt5broker.Dial(ctx, cfg.Broker.GrpcServer)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Close() }, nil
}
