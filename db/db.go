package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/perdisci/fluxbuster/logging"
)

// Open connects to ClickHouse, retrying once a second until the server
// answers a ping or attempts run out.
func Open(ctx context.Context, dsn string, attempts int, logger *zap.Logger) (*sql.DB, error) {
	logger = logging.OrNop(logger)
	attempts = max(attempts, 1)

	var err error
	for i := range attempts {
		var conn *sql.DB
		conn, err = sql.Open("clickhouse", dsn)
		if err == nil {
			if err = conn.PingContext(ctx); err == nil {
				return conn, nil
			}
			conn.Close()
		}
		if i == attempts-1 {
			break
		}
		logger.Info("waiting for clickhouse", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect clickhouse: %w", ctx.Err())
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("connect clickhouse: %w", err)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id      UUID,
		sensor      String,
		log_date    Date,
		created_at  DateTime,
		candidates  UInt32,
		clusters    UInt32,
		linkage     String,
		cut_height  Float64
	) ENGINE = MergeTree ORDER BY (log_date, created_at, run_id)`,

	`CREATE TABLE IF NOT EXISTS clusters (
		run_id                               UUID,
		sensor                               String,
		log_date                             Date,
		cluster_id                           UInt32,
		domains                              Array(String),
		ips                                  Array(String),
		network_cardinality                  UInt32,
		ip_diversity                         Float64,
		number_of_domains                    UInt32,
		ttl_per_domain                       Float64,
		ip_growth_ratio                      Float64,
		queries_per_domain                   Float64,
		avg_last_growth_ratio_single_entry   Nullable(Float64),
		avg_last_growth_ratio_entries        Nullable(Float64),
		avg_last_growth_prefix_ratio_entries Nullable(Float64),
		last_growth_ratio_cluster            Nullable(Float64),
		last_growth_prefix_ratio_cluster     Nullable(Float64)
	) ENGINE = MergeTree ORDER BY (log_date, run_id, cluster_id)`,

	`CREATE TABLE IF NOT EXISTS cluster_domains (
		run_id      UUID,
		sensor      String,
		log_date    Date,
		cluster_id  UInt32,
		domain      String,
		domain_rev  String,
		tld2_rev    String,
		ips         Array(String)
	) ENGINE = MergeTree ORDER BY (log_date, tld2_rev, domain_rev)`,
}

// EnsureSchema creates the run, cluster and per-domain tables when missing.
func EnsureSchema(ctx context.Context, conn *sql.DB) error {
	for _, ddl := range schema {
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
