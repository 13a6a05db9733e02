package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/perdisci/fluxbuster/config"
	"github.com/perdisci/fluxbuster/db"
	"github.com/perdisci/fluxbuster/handlers"
	"github.com/perdisci/fluxbuster/logging"
	"github.com/perdisci/fluxbuster/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Dashboard.User == "" || cfg.Dashboard.Pass == "" {
		logger.Fatal("FLUXBUSTER_DASHBOARD_USER and FLUXBUSTER_DASHBOARD_PASS must be set")
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.ClickHouse.DSN, cfg.ClickHouse.ConnectAttempts, logger)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer conn.Close()
	if err := db.EnsureSchema(ctx, conn); err != nil {
		logger.Fatal("failed to create schema", zap.Error(err))
	}

	h := handlers.New(db.NewClusterStore(conn, logger), logger)
	app := handlers.NewApp(h, handlers.AppConfig{
		User:    cfg.Dashboard.User,
		Pass:    cfg.Dashboard.Pass,
		Metrics: metrics.New(),
	})

	logger.Info("fluxbuster dashboard running", zap.String("listen", cfg.Dashboard.Listen))
	if err := app.Listen(cfg.Dashboard.Listen); err != nil {
		logger.Fatal("dashboard stopped", zap.Error(err))
	}
}
