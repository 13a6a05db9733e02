package clustering

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perdisci/fluxbuster/metrics"
	"github.com/perdisci/fluxbuster/model"
)

var testSelectorConfig = SelectorConfig{
	MinTotalRRSetSize:      3,
	MinTotalDiversity:      0.5,
	VeryShortTTL:           30,
	GoodCandidateThreshold: 0.5,
	MaxCandidates:          10,
}

func poolOf(cs ...*model.CandidateDomain) map[string]*model.CandidateDomain {
	pool := make(map[string]*model.CandidateDomain, len(cs))
	for _, c := range cs {
		pool[c.DomainName] = c
	}
	return pool
}

func names(cs []*model.CandidateDomain) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.DomainName
	}
	return out
}

func newSelector(cfg SelectorConfig, wl *Whitelist, recent RecentFluxSource, m *metrics.Collector) *CandidateSelector {
	return NewCandidateSelector(cfg, wl, recent, rand.New(rand.NewSource(1)), nil, m)
}

func TestWhitelist(t *testing.T) {
	wl := NewWhitelist([]string{"example.com.", "", "# comment", "Google.com"})
	assert.Equal(t, 2, wl.Len())
	assert.True(t, wl.Contains("example.com"))
	assert.True(t, wl.Contains("mail.example.com."))
	assert.True(t, wl.Contains("WWW.GOOGLE.COM"))
	assert.False(t, wl.Contains("badexample.com"))
	assert.False(t, wl.Contains("com"))

	var empty *Whitelist
	assert.False(t, empty.Contains("example.com"))
}

func TestScore(t *testing.T) {
	s := newSelector(testSelectorConfig, nil, nil, nil)

	diverse := candidate("diverse", 1, 2, 3)
	assert.Equal(t, 1.0, s.Score(diverse))

	few := candidate("few", 1, 2)
	assert.Equal(t, 0.0, s.Score(few))

	// three addresses in the same /16
	clustered := candidate("clustered")
	for _, a := range []string{"8.8.1.1", "8.8.2.2", "8.8.3.3"} {
		clustered.IPs.Add(addrOf(a))
	}
	assert.Equal(t, 0.0, s.Score(clustered))

	short := candidate("short", 5)
	short.AvgTTL = 30
	assert.Equal(t, 1.0, s.Score(short))
	short.AvgTTL = 31
	assert.Equal(t, 0.0, s.Score(short))
}

func TestSelect_WhitelistedNeverSelected(t *testing.T) {
	pool := poolOf(
		candidate("mail.example.com", 1, 2, 3),
		candidate("badexample.com", 4),
		candidate("other.net", 5),
	)
	s := newSelector(testSelectorConfig, NewWhitelist([]string{"example.com"}), nil, nil)

	got, err := s.Select(context.Background(), pool, []string{"mail.example.com"})
	require.NoError(t, err)
	assert.NotContains(t, names(got), "mail.example.com")
	assert.ElementsMatch(t, []string{"badexample.com", "other.net"}, names(got))
	assert.Len(t, pool, 3)
}

func TestSelect_IncludedTakesQuotaFirst(t *testing.T) {
	cfg := testSelectorConfig
	cfg.MaxCandidates = 2
	pool := poolOf(
		candidate("good1.net", 1, 2, 3),
		candidate("good2.net", 4, 5, 6),
		candidate("plain.net", 7),
	)
	m := metrics.New()
	s := newSelector(cfg, nil, nil, m)

	got, err := s.Select(context.Background(), pool, []string{"unknown.net", "plain.net."})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "plain.net", got[0].DomainName)
	assert.Contains(t, []string{"good1.net", "good2.net"}, got[1].DomainName)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CandidatesSelected.WithLabelValues(TierIncluded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CandidatesSelected.WithLabelValues(TierScored)))
}

func TestSelect_TierOrder(t *testing.T) {
	cfg := testSelectorConfig
	cfg.MaxCandidates = 4
	pool := poolOf(
		candidate("a.flux.net", 1),
		candidate("b.flux.net", 2),
		candidate("zzz.org", 3, 4, 5),
		candidate("aaa.org", 6, 7, 8),
		candidate("filler1.org", 9),
		candidate("filler2.org", 10),
	)
	s := newSelector(cfg, nil, StaticRecentFlux{"flux.net"}, nil)

	got, err := s.Select(context.Background(), pool, nil)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.ElementsMatch(t, []string{"a.flux.net", "b.flux.net"}, names(got[:2]))
	assert.Equal(t, []string{"aaa.org", "zzz.org"}, names(got[2:]))
}

func TestSelect_RandomFillStopsAtPoolSize(t *testing.T) {
	pool := poolOf(candidate("x.org", 1), candidate("y.org", 2))
	s := newSelector(testSelectorConfig, nil, nil, nil)

	got, err := s.Select(context.Background(), pool, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x.org", "y.org"}, names(got))
}

type failingRecent struct{}

func (failingRecent) RecentFlux2LDs(context.Context) ([]string, error) {
	return nil, errors.New("store unavailable")
}

func TestSelect_RecentSourceError(t *testing.T) {
	s := newSelector(testSelectorConfig, nil, failingRecent{}, nil)
	_, err := s.Select(context.Background(), poolOf(candidate("x.org", 1)), nil)
	assert.ErrorContains(t, err, "store unavailable")
}

func TestSelect_IncludedMatchesCaseInsensitively(t *testing.T) {
	pool := poolOf(
		candidate("a.flux.net", 1, 2, 3),
		candidate("Mixed.Flux.NET", 4, 5, 6),
	)
	s := newSelector(testSelectorConfig, nil, nil, nil)

	got, err := s.Select(context.Background(), pool, []string{"A.FLUX.NET.", "mixed.flux.net"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"a.flux.net", "Mixed.Flux.NET"}, names(got))
}
