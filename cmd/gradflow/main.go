package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gradflow/internal/config"
	"gradflow/internal/monitor"
	"gradflow/internal/runner"
	"gradflow/internal/tracking"
)

func main() {
	cfgPath := flag.String("config", config.DefaultPath, "Path to JSON experiment config")
	dataPath := flag.String("data", "", "Override corpus path")
	epochs := flag.Int("epochs", 0, "Number of training epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	seed := flag.Int64("seed", 0, "PRNG seed")
	monitorAddr := flag.String("monitor-addr", "", "Listen address for the monitoring endpoints")
	resume := flag.String("resume", "", "Checkpoint file to resume from")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		DataPath:    *dataPath,
		Epochs:      *epochs,
		BatchSize:   *batchSize,
		Seed:        *seed,
		MonitorAddr: *monitorAddr,
		Resume:      *resume,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := config.NewLogger(os.Stdout)
	logger.WithField("experiment", cfg.Experiment).Info("starting")

	db, err := tracking.NewSQLiteStore(cfg.TrackingDB)
	if err != nil {
		log.Fatalf("failed to open tracking database: %v", err)
	}
	defer db.Close()

	r, err := runner.New(cfg, db, logger)
	if err != nil {
		log.Fatalf("failed to build runner: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MonitorAddr != "" {
		srv := monitor.NewServer(cfg.MonitorAddr, r.Status, logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.WithError(err).Error("monitor server failed")
			}
		}()
	}

	if err := r.Run(ctx); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}
