package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateRange(t *testing.T) {
	from, to, err := dateRange("20240501", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), to)

	_, to, err = dateRange("20240501", "20240503")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC), to)

	for _, tt := range [][2]string{
		{"", ""},
		{"2024-05-01", ""},
		{"20240501", "202405"},
		{"20240532", ""},
		{"20240503", "20240501"},
	} {
		_, _, err := dateRange(tt[0], tt[1])
		assert.Error(t, err, "%v", tt)
	}
}

func candidateLine(name string, ips ...string) string {
	return fmt.Sprintf("%s 1 10 60 60 60 2024-05-01 01:00:00 2024-05-01 02:00:00 2024-05-01 03:00:00 %d %s %d",
		name, len(ips), strings.Join(ips, " "), len(ips))
}

func TestRun_PrintsClusters(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	require.NoError(t, os.Mkdir(logDir, 0o755))

	f, err := os.Create(filepath.Join(logDir, "SIE_candidate_flux_domains.1714521600.gz"))
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	for _, line := range []string{
		candidateLine("a.flux.net", "1.1.0.1", "2.2.0.1", "3.3.0.1"),
		candidateLine("b.flux.net", "1.1.0.1", "2.2.0.1", "3.3.0.1"),
		candidateLine("c.flux.org", "1.1.0.1", "2.2.0.1", "3.3.0.1"),
		candidateLine("lonely.example.com", "9.9.0.1", "8.8.0.1", "7.7.0.1"),
		candidateLine("www.good.com", "1.1.0.1", "2.2.0.1", "3.3.0.1"),
	} {
		_, err := fmt.Fprintln(gz, line)
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	whitelist := filepath.Join(dir, "whitelist.txt")
	require.NoError(t, os.WriteFile(whitelist, []byte("good.com\n"), 0o644))

	cfgPath := filepath.Join(dir, "fluxbuster.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
clustering:
  seed: 1
  whitelist_file: %s
input:
  candidate_dir: %s
log:
  level: error
`, whitelist, logDir)), 0o644))

	var out bytes.Buffer
	err = run(context.Background(), options{
		configPath: cfgPath,
		startDate:  "20240501",
		print:      true,
	}, &out)
	require.NoError(t, err)

	s := out.String()
	assert.Equal(t, 2, strings.Count(s, "=== Cluster"))
	for _, name := range []string{"a.flux.net", "b.flux.net", "c.flux.org", "lonely.example.com"} {
		assert.Contains(t, s, name)
	}
	assert.NotContains(t, s, "www.good.com")
}

func TestRun_BadDate(t *testing.T) {
	err := run(context.Background(), options{startDate: "May 1"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "yyyyMMdd")
}
