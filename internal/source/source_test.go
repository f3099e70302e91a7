package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"tradeunify/internal/errs"
	"tradeunify/internal/model"
)

const header = "NAPR,PERIOD,STRANA,TNVED,EDIZM,EDIZM_ISO,STOIM,NETTO,KOL,TNVED2,TNVED4,TNVED6\n"

func writeCSV(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(header+body), 0o644))
	return path
}

func writeWorkbook(t *testing.T, dir, name string, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for r, row := range rows {
		for c, val := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, cell, val))
		}
	}
	path := filepath.Join(dir, name)
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func TestLoadFileCSV(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "CN.csv",
		"ИМ,2023-01-01,cn,870421,шт,796,1000.5,2000,3,87,8704,870421\n"+
			"ЭК,2023-02,CN,0101,,,\"1 500,25\",,,1,0101,010100\n"+
			",202303,CN,9999,,,1,1,1,12,,\n")

	ds, err := NewLoader(Schema{}, nil, zap.NewNop()).LoadFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "CN", ds.Name)
	assert.Equal(t, "CN", ds.Entity)
	assert.Equal(t, []string{"CN"}, ds.Entities)
	require.Len(t, ds.Records, 3)

	first := ds.Records[0]
	assert.Equal(t, model.FlowInbound, first.Flow)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), first.Period)
	assert.Equal(t, "8704210000", first.Code)
	assert.Equal(t, "шт", first.UnitName)
	assert.Equal(t, 1000.5, *first.Value)
	assert.Equal(t, 3.0, *first.Quantity)
	assert.Equal(t, model.ProvenanceNational, first.Provenance)

	second := ds.Records[1]
	assert.Equal(t, model.FlowOutbound, second.Flow)
	assert.Equal(t, "1010000000", second.Code)
	assert.Equal(t, 1500.25, *second.Value)
	assert.Nil(t, second.NetWeight)
	assert.Nil(t, second.Quantity)

	assert.Equal(t, model.Flow(""), ds.Records[2].Flow)
	assert.Equal(t, time.March, ds.Records[2].Period.Month())
	assert.Equal(t, 1, ds.PrefixMismatches)
}

func TestLoadFileSchemaErrors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(Schema{}, nil, zap.NewNop())
	cases := map[string]string{
		"flow.csv":    "XX,2023-01-01,CN,87,,,1,1,1,,,\n",
		"number.csv":  "ИМ,2023-01-01,CN,87,,,abc,1,1,,,\n",
		"period.csv":  "ИМ,,CN,87,,,1,1,1,,,\n",
		"badtime.csv": "ИМ,January,CN,87,,,1,1,1,,,\n",
	}
	for name, body := range cases {
		_, err := loader.LoadFile(context.Background(), writeCSV(t, dir, name, body))
		assert.ErrorIs(t, err, errs.ErrSchema, name)
	}

	missing := filepath.Join(dir, "missing.csv")
	require.NoError(t, os.WriteFile(missing, []byte("NAPR,PERIOD\nИМ,2023-01\n"), 0o644))
	_, err := loader.LoadFile(context.Background(), missing)
	var schemaErr *errs.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Contains(t, schemaErr.Reason, "missing column")
}

func TestLoadFileMappedColumnsAndMirroring(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkbook(t, dir, "turkey.xlsx", [][]any{
		{"Yön", "Dönem", "GTİP", "Ölçü", "Dolar", "Kg", "Miktar"},
		{"Export Dollar", "2023-04-01", "87042110", "ADET", 5000, 1200, 4},
		{"Import Dollar", "2023-05-01", "2710", "KG", 700, 0, 35},
	})

	schema := Schema{
		Columns: map[string]string{
			ColFlow: "Yön", ColPeriod: "Dönem", ColCode: "GTİP", ColUnitName: "Ölçü",
			ColValue: "Dolar", ColNetWeight: "Kg", ColQuantity: "Miktar",
		},
		Flows:       map[string]string{"Export Dollar": "outbound", "Import Dollar": "inbound"},
		MirrorFlows: true,
		Entity:      "tr",
	}
	loader := NewLoader(Schema{}, map[string]Schema{"TURKEY": schema}, zap.NewNop())

	ds, err := loader.LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "TR", ds.Entity)
	require.Len(t, ds.Records, 2)
	assert.Equal(t, model.FlowInbound, ds.Records[0].Flow)
	assert.Equal(t, model.FlowOutbound, ds.Records[1].Flow)
	assert.Equal(t, "8704211000", ds.Records[0].Code)
	assert.Equal(t, "TR", ds.Records[1].Entity)
	assert.Equal(t, 35.0, *ds.Records[1].Quantity)
}

func TestLoadDirSkipsInvalidAndExcluded(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "CN.csv", "ИМ,2023-01-01,CN,87,,,1,1,1,,,\n")
	writeCSV(t, dir, "KZ.csv", "ИМ,2023-01-01,KZ,87,,,1,1,1,,,\n")
	writeCSV(t, dir, "BY.csv", "??,2023-01-01,BY,87,,,1,1,1,,,\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("ignored"), 0o644))

	report, err := NewLoader(Schema{}, nil, zap.NewNop()).LoadDir(context.Background(), dir, []string{"kz"})
	require.NoError(t, err)

	require.Len(t, report.Datasets, 1)
	assert.Equal(t, "CN", report.Datasets[0].Name)
	assert.Equal(t, []string{"KZ.csv"}, report.Excluded)
	require.Len(t, report.Skipped, 1)
	assert.ErrorIs(t, report.Skipped[0], errs.ErrSchema)
}

func TestParseNumber(t *testing.T) {
	cases := []struct {
		raw, decimal string
		want         float64
	}{
		{"1,5", "", 1.5},
		{"1 500,25", "", 1500.25},
		{"1,234.5", "", 1234.5},
		{"1.234,5", "", 1234.5},
		{"1,234,567", "", 1234567},
		{"1.234.567", "", 1234567},
		{"1.234", "", 1.234},
		{"1,234", DecimalPoint, 1234},
		{"1,234,567.8", DecimalPoint, 1234567.8},
		{"1,234", DecimalComma, 1.234},
		{"1.234.567,8", DecimalComma, 1234567.8},
		{"-12", DecimalComma, -12},
	}
	for _, tc := range cases {
		v, err := ParseNumber(tc.raw, tc.decimal)
		require.NoError(t, err, "%q (%s)", tc.raw, tc.decimal)
		require.NotNil(t, v, tc.raw)
		assert.InDelta(t, tc.want, *v, 1e-9, "%q (%s)", tc.raw, tc.decimal)
	}

	for _, raw := range []string{"", "  ", "NaN", "null"} {
		v, err := ParseNumber(raw, "")
		require.NoError(t, err, raw)
		assert.Nil(t, v, raw)
	}
}

func TestParseNumberRejects(t *testing.T) {
	for _, raw := range []string{"Inf", "+Inf", "-infinity", "1e400", "abc", "1,2,3.4.5"} {
		_, err := ParseNumber(raw, "")
		assert.Error(t, err, raw)
	}

	_, err := ParseNumber("1,234", "")
	assert.ErrorContains(t, err, "ambiguous decimal mark")
	_, err = ParseNumber("Inf", DecimalPoint)
	assert.ErrorContains(t, err, "non-finite")
}

func TestLoadFileDecimalMark(t *testing.T) {
	dir := t.TempDir()
	body := "ИМ,2023-01-01,US,870421,,,\"1,234,567\",\"1,234\",3,,,\n"

	_, err := NewLoader(Schema{}, nil, zap.NewNop()).LoadFile(context.Background(), writeCSV(t, dir, "US.csv", body))
	var schemaErr *errs.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Contains(t, schemaErr.Reason, "ambiguous")

	loader := NewLoader(Schema{}, map[string]Schema{"US": {Decimal: DecimalPoint}}, zap.NewNop())
	ds, err := loader.LoadFile(context.Background(), writeCSV(t, dir, "US.csv", body))
	require.NoError(t, err)
	require.Len(t, ds.Records, 1)
	assert.Equal(t, 1234567.0, *ds.Records[0].Value)
	assert.Equal(t, 1234.0, *ds.Records[0].NetWeight)

	_, err = loader.LoadFile(context.Background(), writeCSV(t, dir, "US.csv", "ИМ,2023-01-01,US,87,,,Inf,1,1,,,\n"))
	assert.ErrorIs(t, err, errs.ErrSchema)
}
