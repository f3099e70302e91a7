package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeunify/internal/config"
	"tradeunify/internal/outlier"
)

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// workspace writes a small set of extracts and mappings plus a config file
// pointing at them, and returns the config path and the directory.
func workspace(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	write(t, filepath.Join(dir, "national", "KZ.csv"),
		"NAPR,PERIOD,STRANA,TNVED,EDIZM,EDIZM_ISO,STOIM,NETTO,KOL\n"+
			"ИМ,2023-01-01,KZ,8704210000,шт,796,1000,500,10\n"+
			"ИМ,2023-02-01,KZ,8704210000,шт,796,1000,500,11\n"+
			"ЭК,2023-01-01,KZ,0101000000,шт,796,20,7,7\n")
	write(t, filepath.Join(dir, "edizm.csv"), "KOD,NAME,SHORT_NAME\n166,Килограмм,кг\n796,Штука,шт\n")
	write(t, filepath.Join(dir, "tnved.csv"), "KOD,NAME,level\n87,транспорт,2\n")
	write(t, filepath.Join(dir, "STRANA.csv"), "KOD\tNAME\nKZ\tКазахстан\n")

	cfgPath := filepath.Join(dir, "tradeunify.yaml")
	write(t, cfgPath, fmt.Sprintf(`db: %[1]s/trade.db
sources_dir: %[1]s/national
reports_dir: %[1]s/reports
units:
  base:
    path: %[1]s/edizm.csv
references:
  codes:
    path: %[1]s/tnved.csv
  translations:
    path: %[1]s/missing.json
  entities:
    path: %[1]s/STRANA.csv
metrics:
  textfile: %[1]s/unifier.prom
`, filepath.ToSlash(dir)))
	return cfgPath, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	cfgPath, dir := workspace(t)

	out, err := execute(t, "run", "--config", cfgPath, "--log-level", "error", "--start-year", "2020")
	require.NoError(t, err)
	assert.Contains(t, out, "datasets: 1 loaded, 0 skipped, 0 excluded")
	assert.Contains(t, out, "persisted: 3 rows")
	assert.Contains(t, out, "references: 1 code names, 1 entity names")
	assert.FileExists(t, filepath.Join(dir, "trade.db"))
	assert.FileExists(t, filepath.Join(dir, "unifier.prom"))

	out, err = execute(t, "references", "--config", cfgPath, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "references: 1 code names, 1 entity names")

	out, err = execute(t, "outliers", "--config", cfgPath, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "0 values suppressed")
}

func TestRunDryRunLeavesNoStore(t *testing.T) {
	cfgPath, dir := workspace(t)

	out, err := execute(t, "run", "--config", cfgPath, "--log-level", "error", "--dry-run", "--skip-outlier-detection")
	require.NoError(t, err)
	assert.Contains(t, out, "outliers: skipped")
	assert.NoFileExists(t, filepath.Join(dir, "trade.db"))
	assert.NoDirExists(t, filepath.Join(dir, "reports"))
}

func TestRunMissingFallbackContinues(t *testing.T) {
	cfgPath, dir := workspace(t)
	t.Setenv("TRADEUNIFY_FALLBACK_DB", filepath.Join(dir, "absent.db"))

	out, err := execute(t, "run", "--config", cfgPath, "--log-level", "error", "--include-fallback-source", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "merge: 3 national + 0 fallback -> 3 rows")
	assert.NoFileExists(t, filepath.Join(dir, "absent.db"))
}

func TestRunRejectsInvalidFlags(t *testing.T) {
	cfgPath, _ := workspace(t)

	_, err := execute(t, "run", "--config", cfgPath, "--policy", "majority")
	assert.ErrorContains(t, err, "unknown outlier policy")

	_, err = execute(t, "run", "--config", cfgPath, "--nsd", "0")
	assert.ErrorContains(t, err, "must be gt 0")

	_, err = execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRunFlagsOverrideOnlyWhenSet(t *testing.T) {
	cmd := &cobra.Command{Use: "run"}
	var rf runFlags
	cmd.Flags().IntVar(&rf.startYear, "start-year", 0, "")
	cmd.Flags().StringSliceVar(&rf.excludeEntities, "exclude-entities", nil, "")
	cmd.Flags().Float64Var(&rf.nsd, "nsd", 0, "")
	cmd.Flags().Float64Var(&rf.tv, "tv", 0, "")
	cmd.Flags().StringVar(&rf.policy, "policy", "", "")
	for _, name := range []string{"include-fallback-source", "keep-outliers", "skip-outlier-detection", "dry-run"} {
		cmd.Flags().Bool(name, false, "")
	}
	for _, name := range []string{"db", "sources-dir", "reports-dir"} {
		cmd.Flags().String(name, "", "")
	}
	cmd.Flags().Int("batch-size", 0, "")
	require.NoError(t, cmd.ParseFlags([]string{"--start-year", "2021", "--exclude-entities", "UZ,KG", "--policy", "all-methods"}))

	c := &config.Config{}
	c.Outliers.NSD = 6
	c.Outliers.TV = 1e6
	require.NoError(t, rf.apply(cmd, c))
	assert.Equal(t, 2021, c.Merge.StartYear)
	assert.Equal(t, []string{"UZ", "KG"}, c.Merge.ExcludeEntities)
	assert.Equal(t, outlier.PolicyAllMethods, c.Outliers.Policy)
	assert.Equal(t, 6.0, c.Outliers.NSD)
	assert.Equal(t, 1e6, c.Outliers.TV)
}

func TestConfigCommand(t *testing.T) {
	cfgPath, dir := workspace(t)
	t.Setenv("TRADEUNIFY_OUTLIERS_NSD", "4.5")

	out, err := execute(t, "config", "--config", cfgPath, "--log-level", "debug")
	require.NoError(t, err)
	assert.Contains(t, out, "nsd: 4.5")
	assert.Contains(t, out, "level: debug")
	assert.Contains(t, out, "db: "+filepath.ToSlash(dir)+"/trade.db")

	saved := filepath.Join(dir, "effective.yaml")
	_, err = execute(t, "config", "--config", cfgPath, "--write", saved)
	require.NoError(t, err)
	reloaded, err := config.Load(saved)
	require.NoError(t, err)
	assert.Equal(t, 4.5, reloaded.Outliers.NSD)
	assert.Equal(t, filepath.ToSlash(dir)+"/reports", reloaded.ReportsDir)
}
