package model

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// StripDots removes leading and trailing dots and surrounding whitespace.
func StripDots(name string) string {
	return strings.Trim(strings.TrimSpace(name), ".")
}

// NormalizeDomainName is the lowercase, dot-stripped form used as the key of a
// domain everywhere candidates are compared.
func NormalizeDomainName(name string) string {
	return strings.ToLower(StripDots(name))
}

// ReverseDomainName reverses the label order, so "www.example.com" becomes
// "com.example.www". Used for suffix-ordered storage keys.
func ReverseDomainName(name string) string {
	labels := strings.Split(StripDots(name), ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

// Effective2LD returns the registrable domain of name according to the public
// suffix list, e.g. "a.b.example.co.uk" yields "example.co.uk".
func Effective2LD(name string) (string, error) {
	return publicsuffix.EffectiveTLDPlusOne(strings.ToLower(StripDots(name)))
}
