package metrics

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "fluxbuster"

// Collector holds the pipeline metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	// Candidate loading
	RecordsParsed    prometheus.Counter
	RecordsMalformed prometheus.Counter

	// Clustering
	CandidatesSelected *prometheus.CounterVec
	MatrixBuildSeconds prometheus.Histogram
	Merges             prometheus.Counter
	ClustersProduced   prometheus.Gauge

	// Collector
	DnstapFrames      prometheus.Counter
	DnstapDropped     prometheus.Counter
	CandidatesEmitted prometheus.Counter

	// Dashboard
	HTTPRequests *prometheus.CounterVec
}

// New creates a collector with all metrics registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		RecordsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_parsed_total",
			Help:      "Candidate log records parsed successfully",
		}),
		RecordsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_malformed_total",
			Help:      "Candidate log records skipped as malformed",
		}),
		CandidatesSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_selected_total",
			Help:      "Candidate domains admitted for clustering by selection tier",
		}, []string{"tier"}),
		MatrixBuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "matrix_build_seconds",
			Help:      "Time spent computing the pairwise distance matrix",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		Merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Agglomerative merge steps performed",
		}),
		ClustersProduced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clusters_produced",
			Help:      "Clusters produced by the most recent run",
		}),
		DnstapFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dnstap_frames_total",
			Help:      "dnstap frames read from the socket",
		}),
		DnstapDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dnstap_dropped_total",
			Help:      "dnstap responses dropped because the queue was full",
		}),
		CandidatesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_emitted_total",
			Help:      "Candidate records written to the candidate log",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Dashboard requests by route and status code",
		}, []string{"route", "status"}),
	}

	c.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		c.RecordsParsed,
		c.RecordsMalformed,
		c.CandidatesSelected,
		c.MatrixBuildSeconds,
		c.Merges,
		c.ClustersProduced,
		c.DnstapFrames,
		c.DnstapDropped,
		c.CandidatesEmitted,
		c.HTTPRequests,
	)
	return c
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveSince records the elapsed time since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ListenAndServe exposes Handler at /metrics on addr until ctx is done.
func (c *Collector) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Snapshot returns the current value of every fluxbuster metric keyed by name
// and labels. Histograms report their sample count.
func (c *Collector) Snapshot() (map[string]float64, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, f := range families {
		if !strings.HasPrefix(f.GetName(), namespace+"_") {
			continue
		}
		for _, m := range f.GetMetric() {
			out[f.GetName()+labelString(m.GetLabel())] = metricValue(m)
		}
	}
	return out, nil
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetHistogram() != nil:
		return float64(m.GetHistogram().GetSampleCount())
	}
	return 0
}

func labelString(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
