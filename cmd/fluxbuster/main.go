package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/perdisci/fluxbuster/clustering"
	"github.com/perdisci/fluxbuster/collector"
	"github.com/perdisci/fluxbuster/config"
	"github.com/perdisci/fluxbuster/db"
	"github.com/perdisci/fluxbuster/logging"
	"github.com/perdisci/fluxbuster/metrics"
)

type options struct {
	configPath string
	startDate  string
	endDate    string
	selected   bool
	store      bool
	print      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to the YAML config file")
	flag.StringVar(&opts.startDate, "start-date", "", "First log date to cluster (yyyyMMdd)")
	flag.StringVar(&opts.endDate, "end-date", "", "Last log date to cluster, inclusive (yyyyMMdd, defaults to start-date)")
	flag.BoolVar(&opts.selected, "selected", false, "Force the domains listed in clustering.selected_domains_file")
	flag.BoolVar(&opts.store, "store", false, "Store the clusters in ClickHouse")
	flag.BoolVar(&opts.print, "print", false, "Print the clusters to stdout")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "fluxbuster: %v\n", err)
		os.Exit(1)
	}
}

var datePattern = regexp.MustCompile(`^\d{8}$`)

// dateRange turns the yyyyMMdd flags into the half-open interval
// [start, end+1 day).
func dateRange(start, end string) (time.Time, time.Time, error) {
	if end == "" {
		end = start
	}
	for _, d := range []string{start, end} {
		if !datePattern.MatchString(d) {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q: want yyyyMMdd", d)
		}
	}
	from, err := db.ParseLogDate(start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := db.ParseLogDate(end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("end-date is before start-date")
	}
	return from, to.AddDate(0, 0, 1), nil
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	from, to, err := dateRange(opts.startDate, opts.endDate)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer logger.Sync()

	m := metrics.New()

	var whitelist *clustering.Whitelist
	if cfg.Clustering.WhitelistFile != "" {
		entries, err := collector.ReadDomainList(cfg.Clustering.WhitelistFile)
		if err != nil {
			return fmt.Errorf("read whitelist: %w", err)
		}
		whitelist = clustering.NewWhitelist(entries)
		logger.Info("whitelist loaded", zap.Int("entries", whitelist.Len()))
	}

	var include []string
	if opts.selected && cfg.Clustering.SelectedDomainsFile != "" {
		include, err = collector.ReadDomainList(cfg.Clustering.SelectedDomainsFile)
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("selected domains file not found", zap.String("path", cfg.Clustering.SelectedDomainsFile))
		} else if err != nil {
			return fmt.Errorf("read selected domains: %w", err)
		}
	}

	filePattern, tsPattern, err := cfg.Input.Patterns()
	if err != nil {
		return err
	}
	files, err := collector.CandidateFiles(cfg.Input.CandidateDir, filePattern, tsPattern, from, to)
	if err != nil {
		return err
	}
	logger.Info("candidate logs found",
		zap.Int("files", len(files)),
		zap.Time("from", from),
		zap.Time("to", to))

	pool, stats, err := collector.NewLoader(whitelist, logger, m).LoadCandidates(ctx, files)
	if err != nil {
		return err
	}
	logger.Info("candidates loaded",
		zap.Int("domains", len(pool)),
		zap.Int("lines", stats.Lines),
		zap.Int("malformed", stats.Malformed),
		zap.Int("whitelisted", stats.Whitelisted))

	var store *db.ClusterStore
	var recent clustering.RecentFluxSource = clustering.NoRecentFlux{}
	if opts.store {
		conn, err := db.Open(ctx, cfg.ClickHouse.DSN, cfg.ClickHouse.ConnectAttempts, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := db.EnsureSchema(ctx, conn); err != nil {
			return err
		}
		store = db.NewClusterStore(conn, logger)
		recent = store
	}

	seed := cfg.Clustering.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	genCfg, err := cfg.Clustering.Generator()
	if err != nil {
		return err
	}
	selector := clustering.NewCandidateSelector(cfg.Clustering.Selector(), whitelist, recent, rng, logger, m)
	res, err := clustering.NewGenerator(genCfg, selector, rng, logger, m).Generate(ctx, pool, include)
	if err != nil {
		return err
	}

	if opts.print {
		for i, c := range res.Clusters {
			fmt.Fprintf(stdout, "=== Cluster %d ===\n%s\n", i+1, c)
		}
	}
	if store != nil {
		rec := db.NewRun(cfg.ClickHouse.SensorName, from, genCfg.Linkage.String(), genCfg.MaxCutHeight, len(res.Candidates))
		if err := store.StoreClusters(ctx, rec, res.Clusters); err != nil {
			return err
		}
		logger.Info("clusters stored", zap.Stringer("run", rec.ID), zap.Int("clusters", len(res.Clusters)))
	}

	// batch runs report their counters in the log
	snap, err := m.Snapshot()
	if err != nil {
		return err
	}
	logger.Info("run metrics", zap.Any("metrics", snap))
	return nil
}
