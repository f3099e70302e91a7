package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndTextfile(t *testing.T) {
	m := New()
	m.Rows("merge", 10, 7)
	m.Dropped("merge", "start_year", 3)
	m.Dropped("merge", "null_flow", 0)
	m.SuppressedRecords.Add(2)
	m.Time("merge")()

	assert.Equal(t, 10.0, testutil.ToFloat64(m.StageRows.WithLabelValues("merge", "in")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.StageRows.WithLabelValues("merge", "out")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DroppedRows.WithLabelValues("merge", "start_year")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.DroppedRows))

	path := filepath.Join(t.TempDir(), "tradeunify.prom")
	require.NoError(t, m.WriteTextfile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `tradeunify_dropped_rows_total{reason="start_year",stage="merge"} 3`)
	assert.Contains(t, string(b), "tradeunify_suppressed_records_total 2")

	require.NoError(t, m.WriteTextfile(""))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.SkippedDatasets.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.SkippedDatasets))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SkippedDatasets))
}
