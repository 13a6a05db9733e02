package model

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLine = "www.example.com. 3 30 120.5 60 300 2024-01-02 10:00:00 2024-01-02 11:00:00 " +
	"2024-01-02 12:00:00.123 3 Set(['1.2.3.4', '10.0.0.1', '5.6.7.8']) [1, 2, 3]"

func ips(addrs ...string) IPSet {
	s := make(IPSet)
	for _, a := range addrs {
		s.Add(netip.MustParseAddr(a))
	}
	return s
}

func TestParseCandidateLine(t *testing.T) {
	d, err := ParseCandidateLine(sampleLine)
	require.NoError(t, err)

	assert.Equal(t, "www.example.com", d.DomainName)
	assert.EqualValues(t, 3, d.NumMessages)
	assert.EqualValues(t, 30, d.NumQueries)
	assert.InDelta(t, 120.5, d.AvgTTL, 1e-9)
	assert.EqualValues(t, 60, d.MinTTL)
	assert.EqualValues(t, 300, d.MaxTTL)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), d.FirstSeen)
	assert.Equal(t, time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC), d.LastSeen)
	assert.Equal(t, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), d.ReportedAt)

	// the private address is dropped
	assert.True(t, d.IPs.Equal(ips("1.2.3.4", "5.6.7.8")))
	assert.Empty(t, d.LastGrowthEntriesIPs)

	// (3-2) scaled by 2/3 public, over 10 queries per message
	require.NotNil(t, d.LastGrowthRatioSingleEntry)
	assert.InDelta(t, (2.0/3.0)/10.0, *d.LastGrowthRatioSingleEntry, 1e-9)
}

func TestParseCandidateLine_NormalizesName(t *testing.T) {
	d, err := ParseCandidateLine(strings.Replace(sampleLine, "www.example.com.", ".WWW.Example.COM.", 1))
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", d.DomainName)
}

func TestParseCandidateLine_SingleMessageHasNoGrowthRatio(t *testing.T) {
	line := "a.example.net 1 4 20 20 20 2024-01-02 10:00:00 2024-01-02 10:00:00 2024-01-02 10:05:00 1 8.8.8.8 1"
	d, err := ParseCandidateLine(line)
	require.NoError(t, err)
	assert.Nil(t, d.LastGrowthRatioSingleEntry)
	assert.Equal(t, 1, d.NumIPs())
}

func TestParseCandidateLine_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"too few fields", "a.example.net 1 4 20"},
		{"bad count", "a.example.net x 4 20 20 20 2024-01-02 10:00:00 2024-01-02 10:00:00 2024-01-02 10:05:00 1 8.8.8.8"},
		{"bad timestamp", "a.example.net 1 4 20 20 20 2024-13-02 10:00:00 2024-01-02 10:00:00 2024-01-02 10:05:00 1 8.8.8.8"},
		{"ip count too large", "a.example.net 1 4 20 20 20 2024-01-02 10:00:00 2024-01-02 10:00:00 2024-01-02 10:05:00 3 8.8.8.8"},
		{"bad ip", "a.example.net 1 4 20 20 20 2024-01-02 10:00:00 2024-01-02 10:00:00 2024-01-02 10:05:00 1 not-an-ip"},
		{"missing growth", "a.example.net 2 4 20 20 20 2024-01-02 10:00:00 2024-01-02 10:00:00 2024-01-02 10:05:00 1 8.8.8.8 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCandidateLine(tt.line)
			var mre *MalformedRecordError
			require.True(t, errors.As(err, &mre), "got %v", err)
			assert.NotEmpty(t, mre.Reason)
		})
	}
}

func TestFormatCandidateLine_ParsesBack(t *testing.T) {
	r := Record{
		DomainName:  "flux.example.org",
		NumMessages: 2,
		NumQueries:  8,
		AvgTTL:      45.5,
		MinTTL:      30,
		MaxTTL:      60,
		FirstSeen:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		LastSeen:    time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC),
		ReportedAt:  time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
		IPs:         []netip.Addr{netip.MustParseAddr("1.1.1.1"), netip.MustParseAddr("2001:db8::e")},
		Growth:      []int64{1, 2},
	}
	got, err := ParseRecord(FormatCandidateLine(r))
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestMerge(t *testing.T) {
	ratio := 0.25
	a := &CandidateDomain{
		DomainName:  "x.example.com",
		FirstSeen:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		LastSeen:    time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC),
		ReportedAt:  time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC),
		NumMessages: 2, NumQueries: 10, MinTTL: 60, MaxTTL: 120, AvgTTL: 100,
		IPs: ips("1.1.1.1", "2.2.2.2"),
	}
	b := &CandidateDomain{
		DomainName:  "x.example.com",
		FirstSeen:   time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
		LastSeen:    time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		ReportedAt:  time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		NumMessages: 1, NumQueries: 30, MinTTL: 30, MaxTTL: 90, AvgTTL: 60,
		IPs:                        ips("2.2.2.2", "3.3.3.3"),
		LastGrowthRatioSingleEntry: &ratio,
	}

	m := a.Merge(b)
	assert.EqualValues(t, 3, m.NumMessages)
	assert.Equal(t, a.NumQueries+b.NumQueries, m.NumQueries)
	assert.EqualValues(t, 30, m.MinTTL)
	assert.EqualValues(t, 120, m.MaxTTL)
	assert.InDelta(t, (100*10+60*30)/40.0, m.AvgTTL, 1e-9)
	assert.Equal(t, a.FirstSeen, m.FirstSeen)
	assert.Equal(t, b.LastSeen, m.LastSeen)
	assert.Equal(t, b.ReportedAt, m.ReportedAt)
	assert.True(t, m.IPs.Equal(a.IPs.Union(b.IPs)))
	assert.True(t, m.LastGrowthEntriesIPs.Equal(ips("3.3.3.3")))
	assert.EqualValues(t, 30, m.LastGrowthEntriesQueries)
	require.NotNil(t, m.LastGrowthRatioSingleEntry)
	assert.Equal(t, 0.25, *m.LastGrowthRatioSingleEntry)

	// operands are untouched
	assert.Equal(t, 2, a.NumIPs())
	assert.Equal(t, 2, b.NumIPs())

	// growth tracks only the latest step
	again := m.Merge(&CandidateDomain{DomainName: "x.example.com", NumQueries: 5, IPs: ips("1.1.1.1")})
	assert.Empty(t, again.LastGrowthEntriesIPs)
	assert.EqualValues(t, 5, again.LastGrowthEntriesQueries)
	assert.Nil(t, again.LastGrowthRatioSingleEntry)
}

func TestIsPublicIP(t *testing.T) {
	tests := []struct {
		addr   string
		public bool
	}{
		{"10.1.2.3", false},
		{"172.16.0.1", false},
		{"172.31.255.255", false},
		{"172.32.0.1", true},
		{"192.168.1.1", false},
		{"192.169.1.1", true},
		{"8.8.8.8", true},
		{"::ffff:10.0.0.1", false},
		{"fd00::1", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.public, IsPublicIP(netip.MustParseAddr(tt.addr)), tt.addr)
	}
}

func TestIPDiversity(t *testing.T) {
	assert.Zero(t, IPDiversity(ips("1.2.3.4")))
	assert.Zero(t, IPDiversity(ips("1.2.3.4", "1.2.9.9")))
	assert.InDelta(t, 1.0, IPDiversity(ips("1.2.3.4", "5.6.7.8")), 1e-9)
	assert.InDelta(t, 0.5, IPDiversity(ips("1.2.3.4", "1.2.3.5", "5.6.7.8", "5.6.7.9")), 1e-9)
	// IPv6 addresses are ignored
	assert.Zero(t, IPDiversity(ips("1.2.3.4", "2001:db8::1")))
}

func TestPrefixes24(t *testing.T) {
	got := Prefixes24(ips("1.2.3.4", "1.2.3.200", "1.2.4.1", "2001:db8::1"))
	assert.True(t, got.Equal(ips("1.2.3.0", "1.2.4.0")))
}

func TestDomainNames(t *testing.T) {
	assert.Equal(t, "www.example.com", StripDots(" .www.example.com. "))
	assert.Equal(t, "com.example.www", ReverseDomainName("www.example.com."))

	tld, err := Effective2LD("a.b.Example.co.uk")
	require.NoError(t, err)
	assert.Equal(t, "example.co.uk", tld)
}

func TestDomainCluster(t *testing.T) {
	early := &CandidateDomain{
		DomainName: "a.example.com", NumQueries: 10, AvgTTL: 30,
		LastSeen: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		IPs:      ips("1.1.1.1", "2.2.2.2"),
	}
	late := &CandidateDomain{
		DomainName: "b.example.com", NumQueries: 20, AvgTTL: 60,
		LastSeen:                 time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
		IPs:                      ips("2.2.2.2", "3.3.3.3", "3.3.3.4"),
		LastGrowthEntriesIPs:     ips("3.3.3.4"),
		LastGrowthEntriesQueries: 4,
	}

	c := NewDomainCluster(late, early)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, c.Domains())
	assert.Equal(t, 4, c.NetworkCardinality())
	assert.EqualValues(t, 30, c.Queries())
	assert.InDelta(t, 15.0, c.QueriesPerDomain(), 1e-9)
	assert.InDelta(t, 45.0, c.AvgTTLPerDomain(), 1e-9)
	assert.InDelta(t, (3.0/20+2.0/10)/2, c.IPGrowthRatio(), 1e-9)
	assert.Equal(t, "a.example.com", c.Candidates()[0].DomainName)

	f := c.Features()
	assert.Nil(t, f.AvgLastGrowthRatioSingleEntry)
	require.NotNil(t, f.AvgLastGrowthRatioEntries)
	assert.InDelta(t, 0.25, *f.AvgLastGrowthRatioEntries, 1e-9)
	require.NotNil(t, f.AvgLastGrowthPrefixRatioEntries)
	assert.InDelta(t, 0.25, *f.AvgLastGrowthPrefixRatioEntries, 1e-9)

	// latest domain adds 3.3.3.3 and 3.3.3.4 over 20 queries, one /24
	require.NotNil(t, f.LastGrowthRatioCluster)
	assert.InDelta(t, 2.0/20, *f.LastGrowthRatioCluster, 1e-9)
	require.NotNil(t, f.LastGrowthPrefixRatioCluster)
	assert.InDelta(t, 1.0/20, *f.LastGrowthPrefixRatioCluster, 1e-9)
	assert.Contains(t, c.String(), "Distinct IPs: 4")
}
