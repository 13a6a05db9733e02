package clustering

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perdisci/fluxbuster/logging"
	"github.com/perdisci/fluxbuster/metrics"
	"github.com/perdisci/fluxbuster/model"
)

// PartitionRows splits the n-1 matrix rows of n candidates into row sets of
// at most ceil((n-1)/workers) rows. Rows are taken alternately from the top
// and the bottom, so each set mixes long and short rows.
func PartitionRows(n, workers int) [][]int {
	rows := n - 1
	if rows < 1 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	interval := (rows + workers - 1) / workers

	var sets [][]int
	cur := make([]int, 0, interval)
	left, right := 0, rows-1
	fromLeft := true
	for left <= right {
		if fromLeft {
			cur = append(cur, left)
			left++
		} else {
			cur = append(cur, right)
			right--
		}
		fromLeft = !fromLeft
		if len(cur) == interval {
			sets = append(sets, cur)
			cur = make([]int, 0, interval)
		}
	}
	if len(cur) > 0 {
		sets = append(sets, cur)
	}
	return sets
}

// MatrixBuilder computes the pairwise distance matrix of a candidate list.
type MatrixBuilder struct {
	gamma   float64
	workers int
	logger  *zap.Logger
	metrics *metrics.Collector
}

func NewMatrixBuilder(gamma float64, workers int, logger *zap.Logger, m *metrics.Collector) *MatrixBuilder {
	if workers < 1 {
		workers = 1
	}
	if m == nil {
		m = metrics.New()
	}
	return &MatrixBuilder{gamma: gamma, workers: workers, logger: logging.OrNop(logger), metrics: m}
}

// Values computes the upper triangle of the distance matrix in row-major
// order. Each worker fills its own rows of a shared buffer; the result does
// not depend on the worker count.
func (b *MatrixBuilder) Values(ctx context.Context, candidates []*model.CandidateDomain) ([]float64, error) {
	n := len(candidates)
	sets := PartitionRows(n, b.workers)
	results := make([][]float64, max(n-1, 0))

	g, ctx := errgroup.WithContext(ctx)
	for _, rows := range sets {
		g.Go(func() error {
			for _, i := range rows {
				if err := ctx.Err(); err != nil {
					return err
				}
				row := make([]float64, 0, n-1-i)
				for j := i + 1; j < n; j++ {
					row = append(row, Distance(candidates[i], candidates[j], b.gamma))
				}
				results[i] = row
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	values := make([]float64, 0, n*(n-1)/2)
	for _, row := range results {
		values = append(values, row...)
	}
	return values, nil
}

// Build computes the distance matrix of candidates under the given linkage.
func (b *MatrixBuilder) Build(ctx context.Context, candidates []*model.CandidateDomain, linkage Linkage) (*DistanceMatrix, error) {
	start := time.Now()
	values, err := b.Values(ctx, candidates)
	if err != nil {
		return nil, err
	}
	metrics.ObserveSince(b.metrics.MatrixBuildSeconds, start)
	b.logger.Info("distance matrix built",
		zap.Int("candidates", len(candidates)),
		zap.Int("workers", b.workers),
		zap.Duration("took", time.Since(start)))
	return NewDistanceMatrix(len(candidates), values, linkage)
}
