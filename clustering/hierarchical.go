package clustering

import (
	"context"

	"go.uber.org/zap"

	"github.com/perdisci/fluxbuster/logging"
	"github.com/perdisci/fluxbuster/metrics"
)

// HierarchicalClustering runs agglomerative clustering over a DistanceMatrix.
type HierarchicalClustering struct {
	logger  *zap.Logger
	metrics *metrics.Collector
}

func NewHierarchicalClustering(logger *zap.Logger, m *metrics.Collector) *HierarchicalClustering {
	if m == nil {
		m = metrics.New()
	}
	return &HierarchicalClustering{logger: logging.OrNop(logger), metrics: m}
}

// Run merges the closest pair of clusters until one remains, recording the
// partition after every merge. The matrix is consumed. Cancellation is
// checked between merges.
func (hc *HierarchicalClustering) Run(ctx context.Context, m *DistanceMatrix) (*Dendrogram, error) {
	n := m.Size()
	d := NewDendrogram(n)
	clusters := Singletons(n)

	for m.Size() > 1 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pair := m.ClosestPair()
		clusters = clusters.merge(pair.IndexPair)
		m.Merge(pair.IndexPair)
		if len(clusters) != m.Size() {
			panic("clustering: partition and matrix out of step")
		}
		d.record(MergeStep{Pair: pair.IndexPair, Height: pair.Distance}, clusters)
		hc.metrics.Merges.Inc()
	}

	hc.logger.Debug("agglomeration finished",
		zap.Int("candidates", n),
		zap.Int("merges", len(d.merges)),
		zap.Int("heights", d.Len()))
	return d, nil
}
