package model

import (
	"math"
	"net/netip"
	"sort"
)

// IPSet is a set of resolved addresses. The zero value is not usable; use NewIPSet.
type IPSet map[netip.Addr]struct{}

// NewIPSet builds a set from addrs, unmapping IPv4-in-IPv6 forms.
func NewIPSet(addrs ...netip.Addr) IPSet {
	s := make(IPSet, len(addrs))
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

func (s IPSet) Add(a netip.Addr) {
	s[a.Unmap()] = struct{}{}
}

func (s IPSet) Has(a netip.Addr) bool {
	_, ok := s[a.Unmap()]
	return ok
}

func (s IPSet) Len() int { return len(s) }

func (s IPSet) Clone() IPSet {
	c := make(IPSet, len(s))
	for a := range s {
		c[a] = struct{}{}
	}
	return c
}

// Union returns a new set holding the members of s and o.
func (s IPSet) Union(o IPSet) IPSet {
	u := make(IPSet, len(s)+len(o))
	for a := range s {
		u[a] = struct{}{}
	}
	for a := range o {
		u[a] = struct{}{}
	}
	return u
}

// Difference returns the members of s that are not in o.
func (s IPSet) Difference(o IPSet) IPSet {
	d := make(IPSet)
	for a := range s {
		if _, ok := o[a]; !ok {
			d[a] = struct{}{}
		}
	}
	return d
}

// IntersectionLen counts the members shared by s and o without allocating.
func (s IPSet) IntersectionLen(o IPSet) int {
	small, large := s, o
	if len(large) < len(small) {
		small, large = large, small
	}
	n := 0
	for a := range small {
		if _, ok := large[a]; ok {
			n++
		}
	}
	return n
}

// UnionLen counts |s ∪ o|.
func (s IPSet) UnionLen(o IPSet) int {
	return len(s) + len(o) - s.IntersectionLen(o)
}

// Equal reports whether both sets hold the same members.
func (s IPSet) Equal(o IPSet) bool {
	return len(s) == len(o) && s.IntersectionLen(o) == len(s)
}

// Sorted returns the members in ascending address order.
func (s IPSet) Sorted() []netip.Addr {
	out := make([]netip.Addr, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Strings returns the sorted members in text form.
func (s IPSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, a := range sorted {
		out[i] = a.String()
	}
	return out
}

// V4 returns only the IPv4 members.
func (s IPSet) V4() IPSet {
	v4 := make(IPSet)
	for a := range s {
		if a.Is4() {
			v4[a] = struct{}{}
		}
	}
	return v4
}

// IsPublicIP reports whether a falls outside the RFC1918 IPv4 ranges.
// Every IPv6 address counts as public.
func IsPublicIP(a netip.Addr) bool {
	a = a.Unmap()
	if !a.Is4() {
		return true
	}
	b := a.As4()
	switch {
	case b[0] == 10:
		return false
	case b[0] == 172 && b[1] >= 16 && b[1] <= 31:
		return false
	case b[0] == 192 && b[1] == 168:
		return false
	}
	return true
}

// IPDiversity is the entropy of the /16 prefixes of the IPv4 members of ips,
// normalised by log2 of the IPv4 member count. Sets with fewer than two IPv4
// members have zero diversity.
func IPDiversity(ips IPSet) float64 {
	v4 := ips.V4()
	n := len(v4)
	if n < 2 {
		return 0
	}
	groups := make(map[[2]byte]int)
	for a := range v4 {
		b := a.As4()
		groups[[2]byte{b[0], b[1]}]++
	}
	entropy := 0.0
	for _, count := range groups {
		p := float64(count) / float64(n)
		entropy -= p * math.Log2(p)
	}
	return entropy / math.Log2(float64(n))
}

// Prefixes24 maps the IPv4 members of ips to their /24 network addresses.
func Prefixes24(ips IPSet) IPSet {
	out := make(IPSet)
	for a := range ips.V4() {
		b := a.As4()
		b[3] = 0
		out[netip.AddrFrom4(b)] = struct{}{}
	}
	return out
}
