package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/perdisci/fluxbuster/collector"
	"github.com/perdisci/fluxbuster/config"
	"github.com/perdisci/fluxbuster/logging"
	"github.com/perdisci/fluxbuster/metrics"
	"github.com/perdisci/fluxbuster/model"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	socketPath := flag.String("socket", "", "Path to dnstap unix socket (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.Collector.Socket = *socketPath
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting fluxbuster collector",
		zap.String("socket", cfg.Collector.Socket),
		zap.String("outputDir", cfg.Collector.OutputDir))

	m := metrics.New()
	obsChan := make(chan model.Observation, cfg.Collector.Buffer)
	recordChan := make(chan model.Record, cfg.Collector.Buffer)

	writer, err := collector.NewCandidateWriter(cfg.Collector.OutputDir, cfg.Collector.FilePrefix,
		cfg.Collector.RotateInterval, recordChan, logger)
	if err != nil {
		logger.Fatal("failed to initialize candidate writer", zap.Error(err))
	}
	extractor := collector.NewExtractor(cfg.Collector.Extractor(), recordChan, logger, m)
	listener := collector.NewDnsTapListener(cfg.Collector.Socket, obsChan, logger, m)

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	if cfg.Collector.MetricsListen != "" {
		go func() {
			if err := m.ListenAndServe(metricsCtx, cfg.Collector.MetricsListen); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("listen", cfg.Collector.MetricsListen))
	}

	go writer.Worker()

	extractorDone := make(chan struct{})
	go func() {
		defer close(extractorDone)
		extractor.Run(context.Background(), obsChan)
	}()

	if err := listener.Start(); err != nil {
		logger.Fatal("failed to start listener", zap.Error(err))
	}
	logger.Info("listening for dnstap streams")

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			logger.Info("collector stats",
				zap.Uint64("dropped", listener.Dropped.Load()),
				zap.Int("observationBuffer", len(obsChan)),
				zap.Int("recordBuffer", len(recordChan)))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info("shutting down", zap.Stringer("signal", sig))

	// listener first so nothing sends on obsChan after it is closed
	listener.Stop()
	close(obsChan)

	// the extractor closes recordChan on return, which ends the writer
	<-extractorDone
	<-writer.Done
	logger.Info("shutdown complete")
}
