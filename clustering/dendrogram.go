package clustering

import (
	"slices"
	"sort"
)

// MergeStep records one agglomeration step.
type MergeStep struct {
	Pair   IndexPair
	Height float64
}

// Dendrogram maps merge heights to snapshots of the partition that existed
// right after the merge. Snapshots are deep copies owned by the dendrogram.
// A merge at an already recorded height replaces that height's snapshot.
type Dendrogram struct {
	initial   Partition
	heights   []float64 // ascending
	snapshots map[float64]Partition
	merges    []MergeStep
}

// NewDendrogram starts a dendrogram over n singleton clusters.
func NewDendrogram(n int) *Dendrogram {
	return &Dendrogram{
		initial:   Singletons(n),
		snapshots: make(map[float64]Partition),
	}
}

// Add records p as the partition at height h.
func (d *Dendrogram) Add(h float64, p Partition) {
	if _, ok := d.snapshots[h]; !ok {
		pos := sort.SearchFloat64s(d.heights, h)
		d.heights = slices.Insert(d.heights, pos, h)
	}
	d.snapshots[h] = p.Clone()
}

func (d *Dendrogram) record(step MergeStep, p Partition) {
	d.merges = append(d.merges, step)
	d.Add(step.Height, p)
}

// Heights returns the recorded heights in ascending order.
func (d *Dendrogram) Heights() []float64 { return slices.Clone(d.heights) }

// Merges returns every merge step in the order performed.
func (d *Dendrogram) Merges() []MergeStep { return slices.Clone(d.merges) }

// Len is the number of distinct recorded heights.
func (d *Dendrogram) Len() int { return len(d.heights) }

// ClustersAt returns the partition at the largest recorded height not above
// cut. When every recorded height is above cut, nothing had merged yet and
// the initial singleton partition is returned.
func (d *Dendrogram) ClustersAt(cut float64) Partition {
	best := d.initial
	for _, h := range d.heights {
		if h > cut {
			break
		}
		best = d.snapshots[h]
	}
	return best.Clone()
}
