package collector

import (
	"bufio"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perdisci/fluxbuster/model"
)

func sampleRecord(name string, at time.Time) model.Record {
	return model.Record{
		DomainName:  name,
		NumMessages: 1,
		NumQueries:  3,
		AvgTTL:      20,
		MinTTL:      20,
		MaxTTL:      20,
		FirstSeen:   at,
		LastSeen:    at,
		ReportedAt:  at,
		IPs:         addrs("1.1.0.1", "2.2.0.1", "3.3.0.1"),
		Growth:      []int64{3},
	}
}

func readGzipLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	var lines []string
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestCandidateWriter_Worker(t *testing.T) {
	dir := t.TempDir()
	ch := make(chan model.Record, 3)
	w, err := NewCandidateWriter(dir, "candidates", time.Hour, ch, nil)
	require.NoError(t, err)
	w.BatchSize = 2
	go w.Worker()

	for _, name := range []string{"a.flux.net", "b.flux.net", "c.flux.net"} {
		ch <- sampleRecord(name, t0)
	}
	close(ch)
	<-w.Done

	files, err := filepath.Glob(filepath.Join(dir, "candidates.*.gz"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	lines := readGzipLines(t, files[0])
	require.Len(t, lines, 3)
	assert.Equal(t, model.FormatCandidateLine(sampleRecord("a.flux.net", t0)), lines[0])
}

func TestCandidateWriter_Rotates(t *testing.T) {
	dir := t.TempDir()
	w, err := NewCandidateWriter(dir, "candidates", time.Hour, nil, nil)
	require.NoError(t, err)
	clock := t0
	w.now = func() time.Time { return clock }

	require.NoError(t, w.writeBatch([]model.Record{sampleRecord("a.flux.net", t0), sampleRecord("b.flux.net", t0)}))
	clock = t0.Add(30 * time.Minute)
	require.NoError(t, w.writeBatch([]model.Record{sampleRecord("c.flux.net", t0)}))
	clock = t0.Add(2 * time.Hour)
	require.NoError(t, w.writeBatch([]model.Record{sampleRecord("d.flux.net", t0)}))
	w.closeFile()

	assert.Len(t, readGzipLines(t, filepath.Join(dir, "candidates.1714521600.gz")), 3)
	lines := readGzipLines(t, filepath.Join(dir, "candidates.1714528800.gz"))
	require.Len(t, lines, 1)
	d, err := model.ParseCandidateLine(lines[0])
	require.NoError(t, err)
	assert.Equal(t, "d.flux.net", d.DomainName)
}

func TestCandidateWriter_RecoversAfterWriteError(t *testing.T) {
	dir := t.TempDir()
	w, err := NewCandidateWriter(dir, "candidates", time.Hour, nil, nil)
	require.NoError(t, err)
	w.now = func() time.Time { return t0 }

	require.NoError(t, w.writeBatch([]model.Record{sampleRecord("a.flux.net", t0)}))
	// the underlying file goes away under the gzip stream
	require.NoError(t, w.file.Close())

	assert.Error(t, w.writeBatch([]model.Record{sampleRecord("b.flux.net", t0)}))
	require.NoError(t, w.writeBatch([]model.Record{sampleRecord("b.flux.net", t0)}))
	require.NoError(t, w.writeBatch([]model.Record{sampleRecord("c.flux.net", t0)}))
	w.closeFile()

	files, err := filepath.Glob(filepath.Join(dir, "candidates.*.gz"))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	lines := readGzipLines(t, filepath.Join(dir, "candidates.1714521601.gz"))
	require.Len(t, lines, 2)
	assert.Equal(t, model.FormatCandidateLine(sampleRecord("b.flux.net", t0)), lines[0])
	assert.Equal(t, model.FormatCandidateLine(sampleRecord("c.flux.net", t0)), lines[1])
}
