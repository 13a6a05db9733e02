package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := New()
	c.RecordsParsed.Add(3)
	c.CandidatesSelected.WithLabelValues("score").Inc()
	ObserveSince(c.MatrixBuildSeconds, time.Now())

	assert.Equal(t, 3.0, testutil.ToFloat64(c.RecordsParsed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CandidatesSelected.WithLabelValues("score")))

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "fluxbuster_records_parsed_total")
	assert.Contains(t, names, "fluxbuster_matrix_build_seconds")
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Merges.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Merges))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Merges))
}

func TestSnapshot(t *testing.T) {
	c := New()
	c.RecordsParsed.Add(4)
	c.CandidatesSelected.WithLabelValues("random").Add(2)
	c.ClustersProduced.Set(7)
	ObserveSince(c.MatrixBuildSeconds, time.Now())

	snap, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 4.0, snap["fluxbuster_records_parsed_total"])
	assert.Equal(t, 2.0, snap["fluxbuster_candidates_selected_total{tier=random}"])
	assert.Equal(t, 7.0, snap["fluxbuster_clusters_produced"])
	assert.Equal(t, 1.0, snap["fluxbuster_matrix_build_seconds"])
	for name := range snap {
		assert.NotContains(t, name, "go_")
	}
}

func TestHandler(t *testing.T) {
	c := New()
	c.DnstapFrames.Add(5)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fluxbuster_dnstap_frames_total 5")
}

func TestListenAndServe_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New().ListenAndServe(ctx, "127.0.0.1:0") }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
