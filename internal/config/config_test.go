package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"tradeunify/internal/outlier"
	"tradeunify/internal/source"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	c, err := Load("")
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "trade.db", c.DB)
	assert.Equal(t, 100000, c.BatchSize)
	assert.Equal(t, 6.0, c.Outliers.NSD)
	assert.Equal(t, 1e6, c.Outliers.TV)
	assert.Equal(t, outlier.PolicyMethod1OrAll, c.Outliers.Policy)
	assert.Equal(t, 3, c.Outliers.MinPoints)
	assert.Equal(t, "166", c.Units.KilogramCode)
	assert.Equal(t, "data/mappings/edizm.csv", c.Units.Base.Path)
	assert.True(t, c.Fallback.MirrorFlows)
	assert.Equal(t, "PartnerCodeIsoAlpha2", c.Fallback.Partners.ValueField)
	assert.True(t, c.References.Entities.UpperKeys)
	assert.Empty(t, c.Merge.ExcludeEntities)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db: /tmp/x.db
merge:
  start_year: 2019
  exclude_entities: [KZ]
outliers:
  nsd: 4
  policy: all-methods
sources:
  turkey:
    entity: TR
    mirror_flows: true
    decimal: point
    columns:
      NAPR: Yon
`), 0o644))
	t.Setenv("TRADEUNIFY_OUTLIERS_TV", "500")
	t.Setenv("TRADEUNIFY_MERGE_EXCLUDE_ENTITIES", "UZ,KG")

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "/tmp/x.db", c.DB)
	assert.Equal(t, 2019, c.Merge.StartYear)
	assert.Equal(t, []string{"UZ", "KG"}, c.Merge.ExcludeEntities)
	assert.Equal(t, 4.0, c.Outliers.NSD)
	assert.Equal(t, 500.0, c.Outliers.TV)
	assert.Equal(t, outlier.PolicyAllMethods, c.Outliers.Policy)

	turkey, ok := c.Sources["turkey"]
	require.True(t, ok)
	assert.Equal(t, "TR", turkey.Entity)
	assert.True(t, turkey.MirrorFlows)
	assert.Equal(t, source.DecimalPoint, turkey.Decimal)
	assert.Equal(t, "Yon", turkey.Columns["napr"])
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateCollectsViolations(t *testing.T) {
	chdir(t, t.TempDir())
	c, err := Load("")
	require.NoError(t, err)

	c.DB = ""
	c.BatchSize = 0
	c.Outliers.NSD = 0
	c.Outliers.Policy = "majority"
	c.Log.Format = "xml"
	c.Schema.Decimal = "semicolon"
	c.Sources = map[string]source.Schema{"turkey": {Decimal: "dot"}}

	err = c.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "db is required")
	assert.Contains(t, msg, "batch_size")
	assert.Contains(t, msg, "nsd")
	assert.Contains(t, msg, "policy must be one of")
	assert.Contains(t, msg, "format")
	assert.Contains(t, msg, "schema.decimal must be one of [comma point]")
	assert.Contains(t, msg, "got dot")
}

func TestDumpRoundTrip(t *testing.T) {
	chdir(t, t.TempDir())
	c, err := Load("")
	require.NoError(t, err)

	b, err := Dump(c)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(b, &doc))
	out, ok := doc["outliers"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 6, out["nsd"])
	assert.Equal(t, "method1-or-all", out["policy"])

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, Save(c, path))
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.Outliers, again.Outliers)
	assert.Equal(t, c.References, again.References)
}
