package clustering

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"strings"
)

// ErrNotTriangular is returned when a value vector does not fill the strict
// upper triangle of an n×n matrix.
var ErrNotTriangular = errors.New("distance values do not form an upper triangle")

// Linkage decides how the distances of two merging clusters to a third combine.
type Linkage int

const (
	SingleLinkage Linkage = iota
	CompleteLinkage
)

func (l Linkage) String() string {
	switch l {
	case SingleLinkage:
		return "single"
	case CompleteLinkage:
		return "complete"
	}
	return fmt.Sprintf("Linkage(%d)", int(l))
}

// ParseLinkage accepts "single" or "complete".
func ParseLinkage(s string) (Linkage, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single":
		return SingleLinkage, nil
	case "complete":
		return CompleteLinkage, nil
	}
	return 0, fmt.Errorf("unknown linkage %q", s)
}

func (l Linkage) combine(a, b float64) float64 {
	if l == CompleteLinkage {
		return math.Max(a, b)
	}
	return math.Min(a, b)
}

// TieBreak selects among equally close pairs during closest-pair search.
type TieBreak int

const (
	// TieBreakFirst keeps the first minimum in row-major order.
	TieBreakFirst TieBreak = iota
	// TieBreakUniform picks uniformly among all tied minima.
	TieBreakUniform
)

func (t TieBreak) String() string {
	if t == TieBreakUniform {
		return "uniform"
	}
	return "first"
}

// ParseTieBreak accepts "first" or "uniform".
func ParseTieBreak(s string) (TieBreak, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "first", "":
		return TieBreakFirst, nil
	case "uniform":
		return TieBreakUniform, nil
	}
	return 0, fmt.Errorf("unknown tie break %q", s)
}

// IndexPair addresses a cell of the logical matrix.
type IndexPair struct {
	I, J int
}

// ClusterIndexPair is a pair of cluster indices, I < J, and their distance.
type ClusterIndexPair struct {
	IndexPair
	Distance float64
}

// DistanceMatrix is a symmetric distance matrix with a zero diagonal. Only the
// strict upper triangle is stored, as rows of decreasing length: row i holds
// d(i, i+1) .. d(i, n-1). Merging two indices collapses them in place, so
// values read before a merge are not valid afterwards.
//
// A DistanceMatrix must not be used from multiple goroutines.
type DistanceMatrix struct {
	rows     [][]float64
	linkage  Linkage
	tieBreak TieBreak
	rng      *rand.Rand
}

// NewDistanceMatrix lays out values, the row-major upper triangle of an n×n
// matrix, into rows. len(values) must be n(n-1)/2 and n must be positive.
func NewDistanceMatrix(n int, values []float64, linkage Linkage) (*DistanceMatrix, error) {
	if n < 1 || len(values) != n*(n-1)/2 {
		return nil, fmt.Errorf("%w: n=%d, %d values", ErrNotTriangular, n, len(values))
	}
	m := &DistanceMatrix{
		rows:    make([][]float64, n-1),
		linkage: linkage,
	}
	start := 0
	for i := range m.rows {
		length := n - 1 - i
		m.rows[i] = slices.Clone(values[start : start+length])
		start += length
	}
	return m, nil
}

// SetTieBreak sets the tie policy. TieBreakUniform requires a random source.
func (m *DistanceMatrix) SetTieBreak(t TieBreak, rng *rand.Rand) {
	if t == TieBreakUniform && rng == nil {
		panic("clustering: uniform tie break needs a random source")
	}
	m.tieBreak = t
	m.rng = rng
}

func (m *DistanceMatrix) Linkage() Linkage { return m.linkage }

// Size is the number of indices (clusters) still in the matrix.
func (m *DistanceMatrix) Size() int { return len(m.rows) + 1 }

// Distance returns d(i, j). It panics if either index is out of range.
func (m *DistanceMatrix) Distance(i, j int) float64 {
	n := m.Size()
	if i < 0 || j < 0 || i >= n || j >= n {
		panic(fmt.Sprintf("clustering: index (%d,%d) outside %d×%d matrix", i, j, n, n))
	}
	if i == j {
		return 0
	}
	r, c := translate(i, j)
	return m.rows[r][c]
}

func (m *DistanceMatrix) set(i, j int, d float64) {
	r, c := translate(i, j)
	m.rows[r][c] = d
}

// translate maps a logical cell to its storage coordinates.
func translate(i, j int) (int, int) {
	if i > j {
		i, j = j, i
	}
	return i, j - i - 1
}

// ClosestPair scans every stored distance and returns the minimum.
// It panics when fewer than two indices remain.
func (m *DistanceMatrix) ClosestPair() ClusterIndexPair {
	if len(m.rows) == 0 {
		panic("clustering: closest pair of a matrix with fewer than two indices")
	}
	best := ClusterIndexPair{IndexPair: IndexPair{-1, -1}, Distance: math.Inf(1)}
	ties := 0
	for i, row := range m.rows {
		for k, d := range row {
			switch {
			case d < best.Distance || best.I < 0:
				best = ClusterIndexPair{IndexPair: IndexPair{i, i + k + 1}, Distance: d}
				ties = 1
			case d == best.Distance && m.tieBreak == TieBreakUniform:
				ties++
				if m.rng.Intn(ties) == 0 {
					best.IndexPair = IndexPair{i, i + k + 1}
				}
			}
		}
	}
	return best
}

// Merge collapses index J of p into index I. Distances from the merged
// cluster to every other index are combined with the linkage rule and kept
// at I; row and column J are removed, and indices above J shift down by one.
func (m *DistanceMatrix) Merge(p IndexPair) {
	i, j := p.I, p.J
	if i > j {
		i, j = j, i
	}
	n := m.Size()
	if i < 0 || j >= n || i == j {
		panic(fmt.Sprintf("clustering: cannot merge (%d,%d) in %d×%d matrix", p.I, p.J, n, n))
	}

	for k := 0; k < n; k++ {
		if k == i || k == j {
			continue
		}
		m.set(i, k, m.linkage.combine(m.Distance(i, k), m.Distance(j, k)))
	}

	// column j lives in every row above it
	for r := 0; r < j; r++ {
		c := j - r - 1
		m.rows[r] = slices.Delete(m.rows[r], c, c+1)
	}
	if j < len(m.rows) {
		m.rows = slices.Delete(m.rows, j, j+1)
	} else {
		// j was the last index, its column removal emptied the last row
		m.rows = m.rows[:len(m.rows)-1]
	}
}

// Values returns the current upper triangle in row-major order.
func (m *DistanceMatrix) Values() []float64 {
	var out []float64
	for _, row := range m.rows {
		out = append(out, row...)
	}
	return out
}

// String renders the upper triangle, one row per line.
func (m *DistanceMatrix) String() string {
	var b strings.Builder
	for i, row := range m.rows {
		b.WriteString(strings.Repeat("x\t", i+1))
		for _, d := range row {
			fmt.Fprintf(&b, "%.2f\t", d)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
