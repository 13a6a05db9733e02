package clustering

import (
	"context"
	"math/rand"

	"go.uber.org/zap"

	"github.com/perdisci/fluxbuster/logging"
	"github.com/perdisci/fluxbuster/metrics"
	"github.com/perdisci/fluxbuster/model"
)

// GeneratorConfig controls matrix construction and the flat cut.
type GeneratorConfig struct {
	Gamma        float64
	Workers      int
	Linkage      Linkage
	TieBreak     TieBreak
	MaxCutHeight float64
}

// Result is the outcome of one clustering run.
type Result struct {
	Candidates []*model.CandidateDomain
	Dendrogram *Dendrogram
	Partition  Partition
	Clusters   []*model.DomainCluster
}

// Generator turns a candidate pool into domain clusters.
type Generator struct {
	cfg      GeneratorConfig
	selector *CandidateSelector
	builder  *MatrixBuilder
	hc       *HierarchicalClustering
	rng      *rand.Rand
	logger   *zap.Logger
	metrics  *metrics.Collector
}

func NewGenerator(cfg GeneratorConfig, selector *CandidateSelector, rng *rand.Rand, logger *zap.Logger, m *metrics.Collector) *Generator {
	logger = logging.OrNop(logger)
	if m == nil {
		m = metrics.New()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Generator{
		cfg:      cfg,
		selector: selector,
		builder:  NewMatrixBuilder(cfg.Gamma, cfg.Workers, logger, m),
		hc:       NewHierarchicalClustering(logger, m),
		rng:      rng,
		logger:   logger,
		metrics:  m,
	}
}

// Generate selects candidates from pool, clusters them and cuts the
// dendrogram at MaxCutHeight. An empty selection yields an empty result.
func (g *Generator) Generate(ctx context.Context, pool map[string]*model.CandidateDomain, include []string) (*Result, error) {
	candidates, err := g.selector.Select(ctx, pool, include)
	if err != nil {
		return nil, err
	}
	res := &Result{Candidates: candidates}
	if len(candidates) == 0 {
		g.logger.Warn("no candidates to cluster")
		g.metrics.ClustersProduced.Set(0)
		return res, nil
	}

	m, err := g.builder.Build(ctx, candidates, g.cfg.Linkage)
	if err != nil {
		return nil, err
	}
	if g.cfg.TieBreak == TieBreakUniform {
		m.SetTieBreak(TieBreakUniform, g.rng)
	}

	res.Dendrogram, err = g.hc.Run(ctx, m)
	if err != nil {
		return nil, err
	}
	res.Partition = res.Dendrogram.ClustersAt(g.cfg.MaxCutHeight)
	res.Clusters = make([]*model.DomainCluster, 0, len(res.Partition))
	for _, hc := range res.Partition {
		dc := model.NewDomainCluster()
		for _, i := range hc.Indices() {
			dc.Add(candidates[i])
		}
		res.Clusters = append(res.Clusters, dc)
	}

	g.metrics.ClustersProduced.Set(float64(len(res.Clusters)))
	g.logger.Info("clusters generated",
		zap.Int("candidates", len(candidates)),
		zap.Stringer("linkage", g.cfg.Linkage),
		zap.Float64("cutHeight", g.cfg.MaxCutHeight),
		zap.Int("clusters", len(res.Clusters)))
	return res, nil
}
