package model

import (
	"fmt"
	"sort"
	"strings"
)

// DomainCluster aggregates the candidate domains of one flat cluster.
type DomainCluster struct {
	candidates []*CandidateDomain
	domains    map[string]struct{}
	ips        IPSet
	diversity  float64
	queries    int64

	avgTTLs                      []float64
	growthRatios                 []float64
	lastGrowthRatioSingleEntries []float64
	lastGrowthEntriesIPs         []IPSet
	lastGrowthEntriesQueries     []int64

	lastGrowthClusterIPs     IPSet
	lastGrowthClusterQueries int64
}

// NewDomainCluster folds the given candidates into a cluster.
func NewDomainCluster(candidates ...*CandidateDomain) *DomainCluster {
	c := &DomainCluster{
		domains:              make(map[string]struct{}),
		ips:                  make(IPSet),
		lastGrowthClusterIPs: make(IPSet),
	}
	for _, d := range candidates {
		c.Add(d)
	}
	return c
}

// Add folds d into the cluster and refreshes the derived statistics.
func (c *DomainCluster) Add(d *CandidateDomain) {
	c.candidates = append(c.candidates, d)
	c.domains[d.DomainName] = struct{}{}
	for a := range d.IPs {
		c.ips[a] = struct{}{}
	}
	c.diversity = IPDiversity(c.ips)
	c.queries += d.NumQueries
	c.avgTTLs = append(c.avgTTLs, d.AvgTTL)
	if d.NumQueries > 0 {
		c.growthRatios = append(c.growthRatios, float64(d.NumIPs())/float64(d.NumQueries))
	}
	if d.LastGrowthRatioSingleEntry != nil {
		c.lastGrowthRatioSingleEntries = append(c.lastGrowthRatioSingleEntries, *d.LastGrowthRatioSingleEntry)
	}
	if len(d.LastGrowthEntriesIPs) > 0 {
		c.lastGrowthEntriesIPs = append(c.lastGrowthEntriesIPs, d.LastGrowthEntriesIPs)
		c.lastGrowthEntriesQueries = append(c.lastGrowthEntriesQueries, d.LastGrowthEntriesQueries)
	}

	if len(c.candidates) > 1 {
		sort.SliceStable(c.candidates, func(i, j int) bool {
			return c.candidates[i].LastSeen.Before(c.candidates[j].LastSeen)
		})
		prev := make(IPSet)
		for _, p := range c.candidates[:len(c.candidates)-1] {
			for a := range p.IPs {
				prev[a] = struct{}{}
			}
		}
		last := c.candidates[len(c.candidates)-1]
		c.lastGrowthClusterIPs = last.IPs.Difference(prev)
		c.lastGrowthClusterQueries = last.NumQueries
	}
}

// Candidates returns the member domains ordered by last-seen time.
func (c *DomainCluster) Candidates() []*CandidateDomain {
	return append([]*CandidateDomain(nil), c.candidates...)
}

// Domains returns the member domain names in sorted order.
func (c *DomainCluster) Domains() []string {
	out := make([]string, 0, len(c.domains))
	for d := range c.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (c *DomainCluster) IPs() IPSet { return c.ips.Clone() }

// NetworkCardinality is the number of distinct addresses in the cluster.
func (c *DomainCluster) NetworkCardinality() int { return len(c.ips) }

func (c *DomainCluster) IPDiversity() float64 { return c.diversity }

func (c *DomainCluster) Queries() int64 { return c.queries }

func (c *DomainCluster) QueriesPerDomain() float64 {
	if len(c.domains) == 0 {
		return 0
	}
	return float64(c.queries) / float64(len(c.domains))
}

func (c *DomainCluster) AvgTTLPerDomain() float64 { return mean(c.avgTTLs) }

func (c *DomainCluster) IPGrowthRatio() float64 { return mean(c.growthRatios) }

func (c *DomainCluster) AvgLastGrowthRatioSingleEntry() *float64 {
	return meanOrNil(c.lastGrowthRatioSingleEntries)
}

func (c *DomainCluster) AvgLastGrowthRatioEntries() *float64 {
	return c.entryRatios(func(s IPSet) int { return len(s) })
}

func (c *DomainCluster) AvgLastGrowthPrefixRatioEntries() *float64 {
	return c.entryRatios(func(s IPSet) int { return len(Prefixes24(s)) })
}

func (c *DomainCluster) LastGrowthRatioCluster() *float64 {
	if len(c.lastGrowthClusterIPs) == 0 || c.lastGrowthClusterQueries == 0 {
		return nil
	}
	v := float64(len(c.lastGrowthClusterIPs)) / float64(c.lastGrowthClusterQueries)
	return &v
}

func (c *DomainCluster) LastGrowthPrefixRatioCluster() *float64 {
	if len(c.lastGrowthClusterIPs) == 0 || c.lastGrowthClusterQueries == 0 {
		return nil
	}
	v := float64(len(Prefixes24(c.lastGrowthClusterIPs))) / float64(c.lastGrowthClusterQueries)
	return &v
}

func (c *DomainCluster) entryRatios(count func(IPSet) int) *float64 {
	var ratios []float64
	for i, s := range c.lastGrowthEntriesIPs {
		if q := c.lastGrowthEntriesQueries[i]; q > 0 {
			ratios = append(ratios, float64(count(s))/float64(q))
		}
	}
	return meanOrNil(ratios)
}

// Features collects the cluster feature vector.
func (c *DomainCluster) Features() FeatureVector {
	return FeatureVector{
		NetworkCardinality:              c.NetworkCardinality(),
		IPDiversity:                     c.diversity,
		NumberOfDomains:                 len(c.domains),
		TTLPerDomain:                    c.AvgTTLPerDomain(),
		IPGrowthRatio:                   c.IPGrowthRatio(),
		QueriesPerDomain:                c.QueriesPerDomain(),
		AvgLastGrowthRatioSingleEntry:   c.AvgLastGrowthRatioSingleEntry(),
		AvgLastGrowthRatioEntries:       c.AvgLastGrowthRatioEntries(),
		AvgLastGrowthPrefixRatioEntries: c.AvgLastGrowthPrefixRatioEntries(),
		LastGrowthRatioCluster:          c.LastGrowthRatioCluster(),
		LastGrowthPrefixRatioCluster:    c.LastGrowthPrefixRatioCluster(),
	}
}

// String renders a human readable summary of the cluster.
func (c *DomainCluster) String() string {
	var b strings.Builder
	b.WriteString("Domains:\n")
	for _, d := range c.Domains() {
		fmt.Fprintf(&b, "\t%s\n", d)
	}
	b.WriteString("IPs:\n")
	for _, a := range c.ips.Sorted() {
		fmt.Fprintf(&b, "\t%s\n", a)
	}
	fmt.Fprintf(&b, "Query Volume: %d\n", c.queries)
	fmt.Fprintf(&b, "Distinct IPs: %d\n", len(c.ips))
	fmt.Fprintf(&b, "IP Diversity: %g\n", c.diversity)
	fmt.Fprintf(&b, "Average TTL: %g\n", c.AvgTTLPerDomain())
	fmt.Fprintf(&b, "IP Growth Ratio: %g\n", c.IPGrowthRatio())
	fmt.Fprintf(&b, "Queries Per Domain: %g\n", c.QueriesPerDomain())
	return b.String()
}

// FeatureVector is the per-cluster feature row. Pointer fields are absent when
// the underlying growth history is empty.
type FeatureVector struct {
	NetworkCardinality              int      `json:"network_cardinality"`
	IPDiversity                     float64  `json:"ip_diversity"`
	NumberOfDomains                 int      `json:"number_of_domains"`
	TTLPerDomain                    float64  `json:"ttl_per_domain"`
	IPGrowthRatio                   float64  `json:"ip_growth_ratio"`
	QueriesPerDomain                float64  `json:"queries_per_domain"`
	AvgLastGrowthRatioSingleEntry   *float64 `json:"avg_last_growth_ratio_single_entry"`
	AvgLastGrowthRatioEntries       *float64 `json:"avg_last_growth_ratio_entries"`
	AvgLastGrowthPrefixRatioEntries *float64 `json:"avg_last_growth_prefix_ratio_entries"`
	LastGrowthRatioCluster          *float64 `json:"last_growth_ratio_cluster"`
	LastGrowthPrefixRatioCluster    *float64 `json:"last_growth_prefix_ratio_cluster"`
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func meanOrNil(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	m := mean(xs)
	return &m
}
