package model

import "time"

// CandidateDomain is the aggregated DNS behaviour of one domain over a load window.
type CandidateDomain struct {
	DomainName  string    `json:"domain"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	ReportedAt  time.Time `json:"reported_at"`
	NumMessages int64     `json:"num_messages"`
	NumQueries  int64     `json:"num_queries"`
	MinTTL      int64     `json:"min_ttl"`
	MaxTTL      int64     `json:"max_ttl"`
	AvgTTL      float64   `json:"avg_ttl"` // weighted by query count
	IPs         IPSet     `json:"-"`

	// Only set once a record with more than one message has been seen.
	LastGrowthRatioSingleEntry *float64 `json:"last_growth_ratio_single_entry,omitempty"`

	// Growth attributable to the most recent merge step.
	LastGrowthEntriesIPs     IPSet `json:"-"`
	LastGrowthEntriesQueries int64 `json:"last_growth_entries_queries"`
}

// NumIPs is the size of the resolved address set.
func (d *CandidateDomain) NumIPs() int { return len(d.IPs) }

// Merge combines d with next, which must chronologically follow d.
// Neither operand is modified. The result keeps d's name.
func (d *CandidateDomain) Merge(next *CandidateDomain) *CandidateDomain {
	m := &CandidateDomain{
		DomainName:  d.DomainName,
		FirstSeen:   earlier(d.FirstSeen, next.FirstSeen),
		LastSeen:    later(d.LastSeen, next.LastSeen),
		ReportedAt:  later(d.ReportedAt, next.ReportedAt),
		NumMessages: d.NumMessages + next.NumMessages,
		NumQueries:  d.NumQueries + next.NumQueries,
		MinTTL:      min(d.MinTTL, next.MinTTL),
		MaxTTL:      max(d.MaxTTL, next.MaxTTL),
		IPs:         d.IPs.Union(next.IPs),

		LastGrowthEntriesIPs:     next.IPs.Difference(d.IPs),
		LastGrowthEntriesQueries: next.NumQueries,
	}
	if m.NumQueries > 0 {
		m.AvgTTL = (d.AvgTTL*float64(d.NumQueries) + next.AvgTTL*float64(next.NumQueries)) / float64(m.NumQueries)
	} else {
		m.AvgTTL = (d.AvgTTL + next.AvgTTL) / 2
	}
	if next.LastGrowthRatioSingleEntry != nil {
		v := *next.LastGrowthRatioSingleEntry
		m.LastGrowthRatioSingleEntry = &v
	}
	return m
}

func earlier(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
