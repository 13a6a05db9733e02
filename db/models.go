package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/perdisci/fluxbuster/model"
)

// LogDateLayout is the yyyyMMdd form used on the command line and the API.
const LogDateLayout = "20060102"

// Run describes one clustering run over a day of candidate logs.
type Run struct {
	ID         uuid.UUID `json:"run_id"`
	Sensor     string    `json:"sensor"`
	LogDate    time.Time `json:"log_date"`
	CreatedAt  time.Time `json:"created_at"`
	Candidates int       `json:"candidates"`
	Clusters   int       `json:"clusters"`
	Linkage    string    `json:"linkage"`
	CutHeight  float64   `json:"cut_height"`
}

// NewRun stamps a fresh run id and creation time.
func NewRun(sensor string, logDate time.Time, linkage string, cutHeight float64, candidates int) Run {
	return Run{
		ID:         uuid.New(),
		Sensor:     sensor,
		LogDate:    truncateDay(logDate),
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		Candidates: candidates,
		Linkage:    linkage,
		CutHeight:  cutHeight,
	}
}

type ClusterRecord struct {
	RunID     uuid.UUID           `json:"run_id"`
	Sensor    string              `json:"sensor"`
	LogDate   time.Time           `json:"log_date"`
	ClusterID uint32              `json:"cluster_id"`
	Domains   []string            `json:"domains"`
	IPs       []string            `json:"ips"`
	Features  model.FeatureVector `json:"features"`
}

type DomainRecord struct {
	RunID     uuid.UUID `json:"run_id"`
	Sensor    string    `json:"sensor"`
	LogDate   time.Time `json:"log_date"`
	ClusterID uint32    `json:"cluster_id"`
	Domain    string    `json:"domain"`
	DomainRev string    `json:"domain_rev"`
	TLD2Rev   string    `json:"tld2_rev"`
	IPs       []string  `json:"ips"`
}

// Records flattens clusters into storage rows. Cluster ids run 1..k in the
// order given.
func Records(run Run, clusters []*model.DomainCluster) ([]ClusterRecord, []DomainRecord) {
	crs := make([]ClusterRecord, 0, len(clusters))
	var drs []DomainRecord
	for i, c := range clusters {
		id := uint32(i + 1)
		crs = append(crs, ClusterRecord{
			RunID:     run.ID,
			Sensor:    run.Sensor,
			LogDate:   run.LogDate,
			ClusterID: id,
			Domains:   c.Domains(),
			IPs:       c.IPs().Strings(),
			Features:  c.Features(),
		})
		for _, d := range c.Candidates() {
			tld2, err := model.Effective2LD(d.DomainName)
			if err != nil {
				tld2 = d.DomainName
			}
			drs = append(drs, DomainRecord{
				RunID:     run.ID,
				Sensor:    run.Sensor,
				LogDate:   run.LogDate,
				ClusterID: id,
				Domain:    d.DomainName,
				DomainRev: model.ReverseDomainName(d.DomainName),
				TLD2Rev:   model.ReverseDomainName(tld2),
				IPs:       d.IPs.Strings(),
			})
		}
	}
	return crs, drs
}

// ParseLogDate reads a yyyyMMdd date as UTC midnight.
func ParseLogDate(s string) (time.Time, error) {
	return time.ParseInLocation(LogDateLayout, s, time.UTC)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
