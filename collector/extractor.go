package collector

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perdisci/fluxbuster/logging"
	"github.com/perdisci/fluxbuster/metrics"
	"github.com/perdisci/fluxbuster/model"
)

// ExtractorConfig holds the thresholds that make a response suspicious and
// an aggregated domain worth reporting.
type ExtractorConfig struct {
	MaxSuspiciousTTL       uint32
	MinSuspiciousRRSetSize int
	MinSuspiciousDiversity float64
	MinTotalRRSetSize      int
	MinTotalDiversity      float64
	MinTotalQueryVolume    int64
	VeryShortTTL           uint32
	ExpirationWindow       time.Duration
	ExpirationProbe        time.Duration
}

// DefaultExtractorConfig returns the stock thresholds.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		MaxSuspiciousTTL:       3 * 3600,
		MinSuspiciousRRSetSize: 3,
		MinSuspiciousDiversity: 1.0 / 3,
		MinTotalRRSetSize:      3,
		MinTotalDiversity:      0.5,
		MinTotalQueryVolume:    1,
		VeryShortTTL:           30,
		ExpirationWindow:       12 * time.Hour,
		ExpirationProbe:        10 * time.Minute,
	}
}

// tracked is the running aggregate of one qname.
type tracked struct {
	qname     string
	msgs      int64
	queries   int64
	minTTL    uint32
	maxTTL    uint32
	avgTTL    float64 // per message
	rrset     model.IPSet
	order     []netip.Addr // first-seen order of rrset members
	growth    []int64
	firstSeen time.Time
	lastSeen  time.Time
	firstMsg  time.Time
}

func (t *tracked) update(obs model.Observation) {
	t.msgs++
	t.minTTL = min(t.minTTL, obs.TTL)
	t.maxTTL = max(t.maxTTL, obs.TTL)
	t.avgTTL = (t.avgTTL*float64(t.msgs-1) + float64(obs.TTL)) / float64(t.msgs)
	t.add(obs.IPs)
	t.growth = append(t.growth, int64(len(t.rrset)))
	if obs.Time.Before(t.firstSeen) {
		t.firstSeen = obs.Time
	}
	if obs.Time.After(t.lastSeen) {
		t.lastSeen = obs.Time
	}
	t.queries += obs.Queries
}

func (t *tracked) add(ips []netip.Addr) {
	for _, ip := range ips {
		if !t.rrset.Has(ip) {
			t.rrset.Add(ip)
			t.order = append(t.order, ip)
		}
	}
}

func (t *tracked) record(reportedAt time.Time) model.Record {
	return model.Record{
		DomainName:  t.qname,
		NumMessages: t.msgs,
		NumQueries:  t.queries,
		AvgTTL:      t.avgTTL,
		MinTTL:      int64(t.minTTL),
		MaxTTL:      int64(t.maxTTL),
		FirstSeen:   t.firstSeen,
		LastSeen:    t.lastSeen,
		ReportedAt:  reportedAt,
		IPs:         append([]netip.Addr(nil), t.order...),
		Growth:      append([]int64(nil), t.growth...),
	}
}

// Extractor aggregates suspicious A responses per qname and emits a candidate
// record once a domain has been tracked for the expiration window.
type Extractor struct {
	cfg     ExtractorConfig
	out     chan<- model.Record
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	domains map[string]*tracked
}

func NewExtractor(cfg ExtractorConfig, out chan<- model.Record, logger *zap.Logger, m *metrics.Collector) *Extractor {
	if m == nil {
		m = metrics.New()
	}
	return &Extractor{
		cfg:     cfg,
		out:     out,
		now:     time.Now,
		logger:  logging.OrNop(logger),
		metrics: m,
		domains: make(map[string]*tracked),
	}
}

// Suspicious reports whether a single response looks like flux: short TTL,
// and either a large diverse rrset or a very short TTL.
func (e *Extractor) Suspicious(obs model.Observation) bool {
	if len(obs.IPs) == 0 || obs.TTL > e.cfg.MaxSuspiciousTTL {
		return false
	}
	if len(obs.IPs) < e.cfg.MinSuspiciousRRSetSize && obs.TTL > e.cfg.VeryShortTTL {
		return false
	}
	if len(obs.IPs) >= e.cfg.MinSuspiciousRRSetSize &&
		model.IPDiversity(model.NewIPSet(obs.IPs...)) < e.cfg.MinSuspiciousDiversity {
		return false
	}
	return true
}

// Observe folds obs into its domain's aggregate. A domain that has expired
// by obs.Time is emitted and forgotten.
func (e *Extractor) Observe(obs model.Observation) {
	if obs.QName == "" || !e.Suspicious(obs) {
		return
	}

	e.mu.Lock()
	t, ok := e.domains[obs.QName]
	if !ok {
		t = &tracked{
			qname:     obs.QName,
			msgs:      1,
			queries:   obs.Queries,
			minTTL:    obs.TTL,
			maxTTL:    obs.TTL,
			avgTTL:    float64(obs.TTL),
			rrset:     make(model.IPSet),
			firstSeen: obs.Time,
			lastSeen:  obs.Time,
			firstMsg:  obs.Time,
		}
		t.add(obs.IPs)
		t.growth = []int64{int64(len(t.rrset))}
		e.domains[obs.QName] = t
		e.mu.Unlock()
		return
	}

	t.update(obs)
	var expired []model.Record
	if obs.Time.Sub(t.firstSeen) >= e.cfg.ExpirationWindow && obs.Time.Sub(t.firstMsg) >= e.cfg.ExpirationProbe {
		if r, ok := e.expire(t, obs.Time); ok {
			expired = append(expired, r)
		}
	}
	e.mu.Unlock()

	e.emit(expired)
}

// Sweep expires every domain first seen more than the expiration window
// before now and returns how many were expired.
func (e *Extractor) Sweep(now time.Time) int {
	e.mu.Lock()
	n := 0
	var expired []model.Record
	for _, t := range e.domains {
		if now.Sub(t.firstSeen) > e.cfg.ExpirationWindow {
			if r, ok := e.expire(t, now); ok {
				expired = append(expired, r)
			}
			n++
		}
	}
	e.mu.Unlock()

	e.emit(expired)
	return n
}

// Tracked is the number of domains currently aggregated.
func (e *Extractor) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.domains)
}

// expire drops t and returns its record when it meets the reporting
// thresholds. Callers hold e.mu.
func (e *Extractor) expire(t *tracked, now time.Time) (model.Record, bool) {
	delete(e.domains, t.qname)
	if len(t.rrset) < e.cfg.MinTotalRRSetSize ||
		t.queries < e.cfg.MinTotalQueryVolume ||
		model.IPDiversity(t.rrset) < e.cfg.MinTotalDiversity {
		e.logger.Debug("expired domain below thresholds", zap.String("qname", t.qname))
		return model.Record{}, false
	}
	return t.record(now.UTC()), true
}

// emit sends records on out. Callers must not hold e.mu.
func (e *Extractor) emit(records []model.Record) {
	for _, r := range records {
		e.out <- r
		e.metrics.CandidatesEmitted.Inc()
	}
}

// Run consumes observations until in is closed or ctx is done, sweeping for
// expired domains every ExpirationProbe. out is closed on return.
func (e *Extractor) Run(ctx context.Context, in <-chan model.Observation) {
	defer close(e.out)

	probe := e.cfg.ExpirationProbe
	if probe <= 0 {
		probe = time.Minute
	}
	ticker := time.NewTicker(probe)
	defer ticker.Stop()

	for {
		select {
		case obs, ok := <-in:
			if !ok {
				return
			}
			e.Observe(obs)
		case <-ticker.C:
			n := e.Sweep(e.now())
			e.logger.Info("expired candidate domains",
				zap.Int("expired", n),
				zap.Int("tracked", e.Tracked()))
		case <-ctx.Done():
			return
		}
	}
}
