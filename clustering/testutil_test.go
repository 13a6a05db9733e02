package clustering

import (
	"fmt"
	"net/netip"

	"github.com/perdisci/fluxbuster/model"
)

// addr maps k to a public address in its own /16.
func addr(k int) netip.Addr {
	return netip.MustParseAddr(fmt.Sprintf("%d.%d.0.1", 100+k/200, k%200))
}

func candidate(name string, ipKeys ...int) *model.CandidateDomain {
	ips := make(model.IPSet)
	for _, k := range ipKeys {
		ips.Add(addr(k))
	}
	return &model.CandidateDomain{
		DomainName: name,
		NumQueries: 10,
		AvgTTL:     300,
		IPs:        ips,
	}
}

// fourCandidates is the reference scenario: {1,2} {2,3} {9} {9,10,11}.
func fourCandidates() []*model.CandidateDomain {
	return []*model.CandidateDomain{
		candidate("a.example.net", 1, 2),
		candidate("b.example.net", 2, 3),
		candidate("c.example.org", 9),
		candidate("d.example.org", 9, 10, 11),
	}
}

func addrOf(s string) netip.Addr { return netip.MustParseAddr(s) }
