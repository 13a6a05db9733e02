package model

import (
	"net/netip"
	"time"
)

// Observation is one DNS response carrying an A rrset, as seen by the collector.
type Observation struct {
	Time    time.Time    `json:"time"`
	QName   string       `json:"qname"`
	TTL     uint32       `json:"ttl"`     // smallest TTL in the rrset
	Queries int64        `json:"queries"` // query volume the response stands for
	IPs     []netip.Addr `json:"ips"`
}
