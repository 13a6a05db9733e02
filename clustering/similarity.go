package clustering

import (
	"math"

	"github.com/perdisci/fluxbuster/model"
)

// Distance is the IP-overlap distance between two candidates, in [0,1].
// Jaccard similarity is damped by 1/(1+exp(gamma-m)), m being the smaller
// set size, so domains with few resolved addresses merge reluctantly.
// Two candidates without any addresses are maximally distant.
func Distance(a, b *model.CandidateDomain, gamma float64) float64 {
	inter := a.IPs.IntersectionLen(b.IPs)
	union := len(a.IPs) + len(b.IPs) - inter
	if union == 0 {
		return 1
	}
	g := math.Exp(gamma - float64(min(len(a.IPs), len(b.IPs))))
	return 1 - (float64(inter)/float64(union))*(1/(1+g))
}
