package collector

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/perdisci/fluxbuster/logging"
	"github.com/perdisci/fluxbuster/metrics"
	"github.com/perdisci/fluxbuster/model"
)

// CandidateFiles lists the files in dir whose names match filePattern and
// carry a unix timestamp t, the first match of tsPattern, with
// start <= t < end. Files are returned in name order.
func CandidateFiles(dir string, filePattern, tsPattern *regexp.Regexp, start, end time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read candidate dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !filePattern.MatchString(e.Name()) {
			continue
		}
		ts := tsPattern.FindString(e.Name())
		if ts == "" {
			continue
		}
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			continue
		}
		if t := time.Unix(sec, 0); !t.Before(start) && t.Before(end) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadStats summarises a candidate load.
type LoadStats struct {
	Files       int
	Lines       int
	Malformed   int
	Whitelisted int
}

// DomainFilter reports domains to leave out of a load.
type DomainFilter interface {
	Contains(domain string) bool
}

// Loader reads candidate logs into a domain pool.
type Loader struct {
	whitelist DomainFilter
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// NewLoader returns a loader skipping domains the whitelist contains.
// whitelist may be nil.
func NewLoader(whitelist DomainFilter, logger *zap.Logger, m *metrics.Collector) *Loader {
	if m == nil {
		m = metrics.New()
	}
	return &Loader{whitelist: whitelist, logger: logging.OrNop(logger), metrics: m}
}

// LoadCandidates parses the gzip files in order, merging repeated
// observations of a domain in the order they are read. Malformed lines are
// counted and skipped.
func (l *Loader) LoadCandidates(ctx context.Context, files []string) (map[string]*model.CandidateDomain, LoadStats, error) {
	pool := make(map[string]*model.CandidateDomain)
	var stats LoadStats
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		if err := l.loadFile(name, pool, &stats); err != nil {
			return nil, stats, err
		}
		stats.Files++
	}
	l.logger.Info("candidate logs loaded",
		zap.Int("files", stats.Files),
		zap.Int("lines", stats.Lines),
		zap.Int("malformed", stats.Malformed),
		zap.Int("domains", len(pool)))
	return pool, stats, nil
}

func (l *Loader) loadFile(name string, pool map[string]*model.CandidateDomain, stats *LoadStats) error {
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("open candidate log: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("candidate log %s: %w", name, err)
	}
	defer gz.Close()
	return l.loadLines(name, gz, pool, stats)
}

func (l *Loader) loadLines(name string, r io.Reader, pool map[string]*model.CandidateDomain, stats *LoadStats) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		stats.Lines++

		d, err := model.ParseCandidateLine(line)
		if err != nil {
			var mre *model.MalformedRecordError
			if errors.As(err, &mre) {
				mre.Line = lineNo
			}
			stats.Malformed++
			l.metrics.RecordsMalformed.Inc()
			l.logger.Debug("skipping candidate record",
				zap.String("file", name), zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		l.metrics.RecordsParsed.Inc()

		if l.whitelist != nil && l.whitelist.Contains(d.DomainName) {
			stats.Whitelisted++
			continue
		}
		if prev, ok := pool[d.DomainName]; ok {
			pool[d.DomainName] = prev.Merge(d)
		} else {
			pool[d.DomainName] = d
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read candidate log %s: %w", name, err)
	}
	return nil
}

// ReadDomainList reads a newline separated list of domain names, keeping
// order and skipping blank lines and '#' comments.
func ReadDomainList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
