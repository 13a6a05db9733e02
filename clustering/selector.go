package clustering

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/perdisci/fluxbuster/logging"
	"github.com/perdisci/fluxbuster/metrics"
	"github.com/perdisci/fluxbuster/model"
)

// Whitelist excludes domains by suffix. An entry matches the domain itself and
// every name below it, so "example.com" covers "mail.example.com" but not
// "badexample.com".
type Whitelist struct {
	suffixes map[string]struct{}
}

// NewWhitelist builds a whitelist from entries. Blank entries and lines
// starting with '#' are ignored.
func NewWhitelist(entries []string) *Whitelist {
	w := &Whitelist{suffixes: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		e = model.NormalizeDomainName(e)
		if e == "" || strings.HasPrefix(e, "#") {
			continue
		}
		w.suffixes[e] = struct{}{}
	}
	return w
}

func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.suffixes)
}

// Contains reports whether domain is whitelisted. A nil whitelist is empty.
func (w *Whitelist) Contains(domain string) bool {
	if w == nil || len(w.suffixes) == 0 {
		return false
	}
	name := model.NormalizeDomainName(domain)
	for {
		if _, ok := w.suffixes[name]; ok {
			return true
		}
		dot := strings.IndexByte(name, '.')
		if dot < 0 {
			return false
		}
		name = name[dot+1:]
	}
}

// RecentFluxSource supplies the effective 2LDs of recently detected flux domains.
type RecentFluxSource interface {
	RecentFlux2LDs(ctx context.Context) ([]string, error)
}

// NoRecentFlux is a RecentFluxSource that never reports anything.
type NoRecentFlux struct{}

func (NoRecentFlux) RecentFlux2LDs(context.Context) ([]string, error) { return nil, nil }

// StaticRecentFlux reports a fixed list of 2LDs.
type StaticRecentFlux []string

func (s StaticRecentFlux) RecentFlux2LDs(context.Context) ([]string, error) { return s, nil }

// SelectorConfig holds the candidate scoring thresholds and the quota.
type SelectorConfig struct {
	MinTotalRRSetSize      int
	MinTotalDiversity      float64
	VeryShortTTL           float64
	GoodCandidateThreshold float64
	MaxCandidates          int
}

// Selection tiers, also used as metric labels.
const (
	TierIncluded = "included"
	TierRecent   = "recent"
	TierScored   = "scored"
	TierRandom   = "random"
)

// CandidateSelector picks at most MaxCandidates domains for clustering.
type CandidateSelector struct {
	cfg       SelectorConfig
	whitelist *Whitelist
	recent    RecentFluxSource
	rng       *rand.Rand
	logger    *zap.Logger
	metrics   *metrics.Collector
}

func NewCandidateSelector(cfg SelectorConfig, whitelist *Whitelist, recent RecentFluxSource, rng *rand.Rand, logger *zap.Logger, m *metrics.Collector) *CandidateSelector {
	if recent == nil {
		recent = NoRecentFlux{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	if m == nil {
		m = metrics.New()
	}
	return &CandidateSelector{
		cfg:       cfg,
		whitelist: whitelist,
		recent:    recent,
		rng:       rng,
		logger:    logging.OrNop(logger),
		metrics:   m,
	}
}

// Score is 1 for candidates that look like flux: enough diverse addresses,
// or a single address behind a very short TTL. Everything else scores 0.
func (s *CandidateSelector) Score(d *model.CandidateDomain) float64 {
	n := d.NumIPs()
	if n >= s.cfg.MinTotalRRSetSize && model.IPDiversity(d.IPs) > s.cfg.MinTotalDiversity {
		return 1
	}
	if n == 1 && d.AvgTTL <= s.cfg.VeryShortTTL {
		return 1
	}
	return 0
}

// Select fills the quota from pool in four tiers, each drawing only from what
// earlier tiers left: domains named in include (in order), domains whose 2LD
// was recently seen fluxing (shuffled), domains scoring above the threshold
// (best first), then the rest at random. Whitelisted domains are never
// selected. Names are compared in NormalizeDomainName form. pool is not
// modified.
func (s *CandidateSelector) Select(ctx context.Context, pool map[string]*model.CandidateDomain, include []string) ([]*model.CandidateDomain, error) {
	quota := s.cfg.MaxCandidates
	remaining := make(map[string]*model.CandidateDomain, len(pool))
	for name, d := range pool {
		name = model.NormalizeDomainName(name)
		if !s.whitelist.Contains(name) {
			remaining[name] = d
		}
	}

	selected := make([]*model.CandidateDomain, 0, min(quota, len(remaining)))
	admit := func(name, tier string) {
		selected = append(selected, remaining[name])
		delete(remaining, name)
		s.metrics.CandidatesSelected.WithLabelValues(tier).Inc()
	}
	full := func() bool { return len(selected) >= quota }

	for _, name := range include {
		if full() {
			break
		}
		name = model.NormalizeDomainName(name)
		if _, ok := remaining[name]; ok {
			admit(name, TierIncluded)
		} else if name != "" {
			s.logger.Debug("included domain not in pool", zap.String("domain", name))
		}
	}

	recent, err := s.recent.RecentFlux2LDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("recent flux domains: %w", err)
	}
	if len(recent) > 0 && !full() {
		seen := make(map[string]struct{}, len(recent))
		for _, r := range recent {
			seen[model.NormalizeDomainName(r)] = struct{}{}
		}
		for _, name := range s.shuffled(remaining) {
			if full() {
				break
			}
			tld, err := model.Effective2LD(name)
			if err != nil {
				continue
			}
			if _, ok := seen[tld]; ok {
				admit(name, TierRecent)
			}
		}
	}

	if !full() {
		type scored struct {
			name  string
			score float64
		}
		var good []scored
		for _, name := range sortedNames(remaining) {
			if sc := s.Score(remaining[name]); sc > s.cfg.GoodCandidateThreshold {
				good = append(good, scored{name, sc})
			}
		}
		sort.SliceStable(good, func(i, j int) bool { return good[i].score > good[j].score })
		for _, g := range good {
			if full() {
				break
			}
			admit(g.name, TierScored)
		}
	}

	if !full() {
		for _, name := range s.shuffled(remaining) {
			if full() {
				break
			}
			admit(name, TierRandom)
		}
	}

	s.logger.Info("candidates selected",
		zap.Int("pool", len(pool)),
		zap.Int("selected", len(selected)),
		zap.Int("quota", quota))
	return selected, nil
}

func (s *CandidateSelector) shuffled(m map[string]*model.CandidateDomain) []string {
	names := sortedNames(m)
	s.rng.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	return names
}

func sortedNames(m map[string]*model.CandidateDomain) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
