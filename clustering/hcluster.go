package clustering

import (
	"fmt"
	"slices"
)

// HCluster is an immutable set of candidate indices, kept sorted.
type HCluster struct {
	indices []int
}

// NewHCluster returns the cluster holding the given indices.
func NewHCluster(indices ...int) HCluster {
	s := slices.Clone(indices)
	slices.Sort(s)
	return HCluster{indices: slices.Compact(s)}
}

// MergeHClusters returns the union of a and b. Neither operand is modified.
func MergeHClusters(a, b HCluster) HCluster {
	out := make([]int, 0, len(a.indices)+len(b.indices))
	out = append(out, a.indices...)
	out = append(out, b.indices...)
	slices.Sort(out)
	return HCluster{indices: slices.Compact(out)}
}

// Indices returns a copy of the member indices in ascending order.
func (c HCluster) Indices() []int { return slices.Clone(c.indices) }

func (c HCluster) Len() int { return len(c.indices) }

func (c HCluster) Contains(i int) bool {
	_, ok := slices.BinarySearch(c.indices, i)
	return ok
}

func (c HCluster) clone() HCluster { return HCluster{indices: slices.Clone(c.indices)} }

func (c HCluster) String() string { return fmt.Sprint(c.indices) }

// Partition is the list of clusters alive at one point of the agglomeration.
// Position k corresponds to index k of the distance matrix at that point.
type Partition []HCluster

// Singletons returns the partition with one cluster per index in [0, n).
func Singletons(n int) Partition {
	p := make(Partition, n)
	for i := range p {
		p[i] = NewHCluster(i)
	}
	return p
}

// Clone deep-copies the partition.
func (p Partition) Clone() Partition {
	out := make(Partition, len(p))
	for i, c := range p {
		out[i] = c.clone()
	}
	return out
}

// merge replaces cluster i with the union of i and j and drops j, mirroring
// DistanceMatrix.Merge.
func (p Partition) merge(pair IndexPair) Partition {
	i, j := pair.I, pair.J
	if i > j {
		i, j = j, i
	}
	p[i] = MergeHClusters(p[i], p[j])
	return slices.Delete(p, j, j+1)
}
