package model

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp layout of candidate log lines. Times are UTC.
const TimeLayout = "2006-01-02 15:04:05"

// minFields covers the fixed prefix up to and including the IP count.
const minFields = 13

var digitsRe = regexp.MustCompile(`\d+`)

// MalformedRecordError reports a candidate log line that cannot be parsed.
type MalformedRecordError struct {
	Line   int // 1-based position in the source file, 0 when unknown
	Reason string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	msg := "malformed candidate record"
	if e.Line > 0 {
		msg += fmt.Sprintf(" at line %d", e.Line)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

func malformed(reason string, err error) *MalformedRecordError {
	return &MalformedRecordError{Reason: reason, Err: err}
}

// Record is one raw candidate log line before private addresses are filtered
// and growth counts are folded into a ratio.
type Record struct {
	DomainName  string
	NumMessages int64
	NumQueries  int64
	AvgTTL      float64
	MinTTL      int64
	MaxTTL      int64
	FirstSeen   time.Time
	LastSeen    time.Time
	ReportedAt  time.Time
	IPs         []netip.Addr
	Growth      []int64 // rrset size after each message
}

// ParseRecord splits a candidate log line into its fields.
func ParseRecord(line string) (Record, error) {
	var r Record
	f := strings.Fields(line)
	if len(f) < minFields {
		return r, malformed(fmt.Sprintf("expected at least %d fields, got %d", minFields, len(f)), nil)
	}

	var err error
	r.DomainName = NormalizeDomainName(f[0])
	if r.DomainName == "" {
		return r, malformed("empty domain name", nil)
	}
	if r.NumMessages, err = strconv.ParseInt(f[1], 10, 64); err != nil {
		return r, malformed("message count", err)
	}
	if r.NumQueries, err = strconv.ParseInt(f[2], 10, 64); err != nil {
		return r, malformed("query count", err)
	}
	if r.AvgTTL, err = strconv.ParseFloat(f[3], 64); err != nil {
		return r, malformed("average ttl", err)
	}
	if r.MinTTL, err = strconv.ParseInt(f[4], 10, 64); err != nil {
		return r, malformed("min ttl", err)
	}
	if r.MaxTTL, err = strconv.ParseInt(f[5], 10, 64); err != nil {
		return r, malformed("max ttl", err)
	}
	if r.FirstSeen, err = parseTime(f[6], f[7]); err != nil {
		return r, malformed("first seen", err)
	}
	if r.LastSeen, err = parseTime(f[8], f[9]); err != nil {
		return r, malformed("last seen", err)
	}
	reported, _, _ := strings.Cut(f[11], ".")
	if r.ReportedAt, err = parseTime(f[10], reported); err != nil {
		return r, malformed("reported at", err)
	}

	n, err := strconv.Atoi(f[12])
	if err != nil || n < 0 {
		return r, malformed("ip count", err)
	}
	if len(f) < minFields+n {
		return r, malformed(fmt.Sprintf("ip count %d exceeds remaining %d fields", n, len(f)-minFields), nil)
	}
	r.IPs = make([]netip.Addr, 0, n)
	for _, tok := range f[minFields : minFields+n] {
		addr, err := netip.ParseAddr(strings.Trim(strings.TrimPrefix(tok, "Set("), "[]'\",)"))
		if err != nil {
			return r, malformed("ip address", err)
		}
		r.IPs = append(r.IPs, addr.Unmap())
	}

	for _, tok := range f[minFields+n:] {
		digits := digitsRe.FindString(tok)
		if digits == "" {
			return r, malformed(fmt.Sprintf("growth value %q", tok), nil)
		}
		g, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return r, malformed("growth value", err)
		}
		r.Growth = append(r.Growth, g)
	}
	return r, nil
}

// Candidate converts the record into a CandidateDomain. Private addresses are
// dropped and growth counts are scaled by the share of public addresses.
func (r Record) Candidate() (*CandidateDomain, error) {
	ips := make(IPSet, len(r.IPs))
	private := 0
	for _, a := range r.IPs {
		if IsPublicIP(a) {
			ips.Add(a)
		} else {
			private++
		}
	}

	d := &CandidateDomain{
		DomainName:           r.DomainName,
		FirstSeen:            r.FirstSeen,
		LastSeen:             r.LastSeen,
		ReportedAt:           r.ReportedAt,
		NumMessages:          r.NumMessages,
		NumQueries:           r.NumQueries,
		MinTTL:               r.MinTTL,
		MaxTTL:               r.MaxTTL,
		AvgTTL:               r.AvgTTL,
		IPs:                  ips,
		LastGrowthEntriesIPs: make(IPSet),
	}

	if r.NumMessages > 1 && r.NumQueries > 0 {
		k := len(r.Growth)
		if k < 2 {
			return nil, malformed(fmt.Sprintf("%d messages but %d growth values", r.NumMessages, k), nil)
		}
		publicRatio := 0.0
		if total := len(ips) + private; total > 0 {
			publicRatio = float64(len(ips)) / float64(total)
		}
		queriesPerMsg := float64(r.NumQueries) / float64(r.NumMessages)
		ratio := (float64(r.Growth[k-1]-r.Growth[k-2]) * publicRatio) / queriesPerMsg
		d.LastGrowthRatioSingleEntry = &ratio
	}
	return d, nil
}

// ParseCandidateLine parses one candidate log line.
func ParseCandidateLine(line string) (*CandidateDomain, error) {
	r, err := ParseRecord(line)
	if err != nil {
		return nil, err
	}
	return r.Candidate()
}

// String renders the record in candidate log layout.
func (r Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %d %s %d %d %s %s %s %d",
		r.DomainName, r.NumMessages, r.NumQueries,
		strconv.FormatFloat(r.AvgTTL, 'f', -1, 64), r.MinTTL, r.MaxTTL,
		r.FirstSeen.UTC().Format(TimeLayout), r.LastSeen.UTC().Format(TimeLayout),
		r.ReportedAt.UTC().Format(TimeLayout), len(r.IPs))
	for _, a := range r.IPs {
		b.WriteByte(' ')
		b.WriteString(a.String())
	}
	for _, g := range r.Growth {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(g, 10))
	}
	return b.String()
}

// FormatCandidateLine renders r as a single log line without a trailing newline.
func FormatCandidateLine(r Record) string { return r.String() }

func parseTime(date, clock string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, date+" "+clock, time.UTC)
}
