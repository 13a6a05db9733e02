package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perdisci/fluxbuster/logging"
	"github.com/perdisci/fluxbuster/model"
)

var ErrNotFound = errors.New("db: not found")

// ClusterStore persists clustering runs and serves them back to the dashboard.
type ClusterStore struct {
	// RecentDays is the look-back window of RecentFlux2LDs.
	RecentDays int
	// MinFluxDomains is the smallest cluster RecentFlux2LDs counts as flux.
	MinFluxDomains int

	conn   *sql.DB
	logger *zap.Logger
}

func NewClusterStore(conn *sql.DB, logger *zap.Logger) *ClusterStore {
	return &ClusterStore{
		RecentDays:     7,
		MinFluxDomains: 2,
		conn:           conn,
		logger:         logging.OrNop(logger),
	}
}

// StoreClusters writes the run header, one row per cluster and one row per
// member domain, one table per commit. A failed commit is retried once after a
// short jitter, resuming at the table that failed so committed rows are not
// written twice.
func (s *ClusterStore) StoreClusters(ctx context.Context, run Run, clusters []*model.DomainCluster) error {
	run.Clusters = len(clusters)
	crs, drs := Records(run, clusters)

	err := s.runStages(ctx, []stage{
		{"runs", func(ctx context.Context) error { return s.insertRun(ctx, run) }},
		{"clusters", func(ctx context.Context) error { return s.insertClusters(ctx, crs) }},
		{"cluster_domains", func(ctx context.Context) error { return s.insertDomains(ctx, drs) }},
	})
	if err != nil {
		return fmt.Errorf("store clusters for run %s: %w", run.ID, err)
	}
	return nil
}

type stage struct {
	table string
	write func(context.Context) error
}

func (s *ClusterStore) runStages(ctx context.Context, stages []stage) error {
	done, err := runFrom(ctx, stages, 0)
	if err == nil {
		return nil
	}
	s.logger.Warn("cluster store write failed, retrying",
		zap.String("table", stages[done].table), zap.Error(err))

	j := time.Duration(100+rand.Intn(200)) * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(j):
	}
	if done, err = runFrom(ctx, stages, done); err != nil {
		return fmt.Errorf("insert %s: %w", stages[done].table, err)
	}
	return nil
}

// runFrom writes stages[start:] in order and returns the index of the first
// failing stage, or len(stages).
func runFrom(ctx context.Context, stages []stage, start int) (int, error) {
	for i := start; i < len(stages); i++ {
		if err := stages[i].write(ctx); err != nil {
			return i, err
		}
	}
	return len(stages), nil
}

func (s *ClusterStore) insertRun(ctx context.Context, run Run) error {
	return s.batch(ctx, `INSERT INTO runs (run_id, sensor, log_date, created_at, candidates, clusters, linkage, cut_height)`,
		func(stmt *sql.Stmt) error {
			_, err := stmt.ExecContext(ctx, run.ID, run.Sensor, run.LogDate, run.CreatedAt,
				uint32(run.Candidates), uint32(run.Clusters), run.Linkage, run.CutHeight)
			return err
		})
}

func (s *ClusterStore) insertClusters(ctx context.Context, crs []ClusterRecord) error {
	return s.batch(ctx, `INSERT INTO clusters (run_id, sensor, log_date, cluster_id, domains, ips,
		network_cardinality, ip_diversity, number_of_domains, ttl_per_domain, ip_growth_ratio, queries_per_domain,
		avg_last_growth_ratio_single_entry, avg_last_growth_ratio_entries, avg_last_growth_prefix_ratio_entries,
		last_growth_ratio_cluster, last_growth_prefix_ratio_cluster)`,
		func(stmt *sql.Stmt) error {
			for _, r := range crs {
				f := r.Features
				if _, err := stmt.ExecContext(ctx, r.RunID, r.Sensor, r.LogDate, r.ClusterID, r.Domains, r.IPs,
					uint32(f.NetworkCardinality), f.IPDiversity, uint32(f.NumberOfDomains), f.TTLPerDomain,
					f.IPGrowthRatio, f.QueriesPerDomain,
					f.AvgLastGrowthRatioSingleEntry, f.AvgLastGrowthRatioEntries, f.AvgLastGrowthPrefixRatioEntries,
					f.LastGrowthRatioCluster, f.LastGrowthPrefixRatioCluster); err != nil {
					return err
				}
			}
			return nil
		})
}

func (s *ClusterStore) insertDomains(ctx context.Context, drs []DomainRecord) error {
	return s.batch(ctx, `INSERT INTO cluster_domains (run_id, sensor, log_date, cluster_id, domain, domain_rev, tld2_rev, ips)`,
		func(stmt *sql.Stmt) error {
			for _, r := range drs {
				if _, err := stmt.ExecContext(ctx, r.RunID, r.Sensor, r.LogDate, r.ClusterID,
					r.Domain, r.DomainRev, r.TLD2Rev, r.IPs); err != nil {
					return err
				}
			}
			return nil
		})
}

// batch runs fill inside a prepared insert; clickhouse-go sends the rows as
// one block on commit.
func (s *ClusterStore) batch(ctx context.Context, insert string, fill func(*sql.Stmt) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	if err := fill(stmt); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first.
func (s *ClusterStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT run_id, sensor, log_date, created_at, candidates, clusters, linkage, cut_height
		FROM runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                    Run
			candidates, clusters uint32
		)
		if err := rows.Scan(&r.ID, &r.Sensor, &r.LogDate, &r.CreatedAt,
			&candidates, &clusters, &r.Linkage, &r.CutHeight); err != nil {
			return nil, err
		}
		r.Candidates, r.Clusters = int(candidates), int(clusters)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// recentFluxQuery selects the reversed 2LDs of domains that sat in a cluster
// of at least minDomains members on or after since. Singleton clusters are
// mostly selector filler and are not taken as evidence of flux.
func recentFluxQuery(since time.Time, minDomains int) (string, []any) {
	return `
		SELECT DISTINCT d.tld2_rev
		FROM cluster_domains AS d
		INNER JOIN (
			SELECT run_id, cluster_id
			FROM clusters
			WHERE log_date >= ? AND number_of_domains >= ?
		) AS c ON d.run_id = c.run_id AND d.cluster_id = c.cluster_id
		WHERE d.log_date >= ?`, []any{since, uint32(minDomains), since}
}

// RecentFlux2LDs returns the effective 2LDs of domains that were members of a
// multi-domain cluster during the last RecentDays days.
func (s *ClusterStore) RecentFlux2LDs(ctx context.Context) ([]string, error) {
	query, args := recentFluxQuery(truncateDay(time.Now()).AddDate(0, 0, -s.RecentDays), s.MinFluxDomains)
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var rev string
		if err := rows.Scan(&rev); err != nil {
			return nil, err
		}
		out = append(out, model.ReverseDomainName(rev))
	}
	return out, rows.Err()
}

const clusterColumns = `run_id, sensor, log_date, cluster_id, domains, ips,
	network_cardinality, ip_diversity, number_of_domains, ttl_per_domain, ip_growth_ratio, queries_per_domain,
	avg_last_growth_ratio_single_entry, avg_last_growth_ratio_entries, avg_last_growth_prefix_ratio_entries,
	last_growth_ratio_cluster, last_growth_prefix_ratio_cluster`

// ListClusters returns every stored cluster for the given log date.
func (s *ClusterStore) ListClusters(ctx context.Context, logDate time.Time) ([]ClusterRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+clusterColumns+`
		FROM clusters
		WHERE log_date = ?
		ORDER BY run_id, cluster_id`, truncateDay(logDate))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClusterRecord
	for rows.Next() {
		r, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetCluster returns one cluster of a run, or ErrNotFound.
func (s *ClusterStore) GetCluster(ctx context.Context, runID uuid.UUID, clusterID uint32) (*ClusterRecord, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+clusterColumns+`
		FROM clusters
		WHERE run_id = ? AND cluster_id = ?
		LIMIT 1`, runID, clusterID)
	r, err := scanCluster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCluster(sc scanner) (ClusterRecord, error) {
	var (
		r              ClusterRecord
		cardinality, n uint32
	)
	f := &r.Features
	err := sc.Scan(&r.RunID, &r.Sensor, &r.LogDate, &r.ClusterID, &r.Domains, &r.IPs,
		&cardinality, &f.IPDiversity, &n, &f.TTLPerDomain, &f.IPGrowthRatio, &f.QueriesPerDomain,
		&f.AvgLastGrowthRatioSingleEntry, &f.AvgLastGrowthRatioEntries, &f.AvgLastGrowthPrefixRatioEntries,
		&f.LastGrowthRatioCluster, &f.LastGrowthPrefixRatioCluster)
	if err != nil {
		return r, err
	}
	f.NetworkCardinality, f.NumberOfDomains = int(cardinality), int(n)
	return r, nil
}
