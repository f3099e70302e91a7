package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeunify/internal/mapping"
	"tradeunify/internal/model"
)

func baseTable() []mapping.Record {
	return []mapping.Record{
		{"KOD": "166", "NAME": "Килограмм", "SHORT_NAME": "кг"},
		{"KOD": "168", "NAME": "Тонна", "SHORT_NAME": "т"},
		{"KOD": "796", "NAME": "Штука", "SHORT_NAME": "шт"},
		{"KOD": "112", "NAME": "Литр", "SHORT_NAME": "л"},
		{"KOD": "113", "NAME": "Кубический метр", "SHORT_NAME": "м3"},
	}
}

func TestNormalizeToken(t *testing.T) {
	assert.Equal(t, "M3", NormalizeToken("m³"))
	assert.Equal(t, "1000 ШТ", NormalizeToken("  1000   шт "))
	assert.Equal(t, "KG", NormalizeToken("kg"))
	assert.Equal(t, "", NormalizeToken("   "))
}

func TestSynonymsConverge(t *testing.T) {
	table, skipped := BuildTable(baseTable(), Config{})
	assert.NotEmpty(t, skipped, "synonyms for codes absent from the base table are reported")

	kg, ok := table.Lookup("KG")
	require.True(t, ok)
	assert.Equal(t, model.UnitRecord{Code: "166", Name: "КИЛОГРАММ"}, kg)
	for _, token := range []string{"кг", "КИЛОГРАММ", " kg ", "Kgm", "166"} {
		got, ok := table.Lookup(token)
		require.True(t, ok, token)
		assert.Equal(t, kg, got, token)
	}

	cubic, ok := table.Lookup("m³")
	require.True(t, ok)
	other, _ := table.Lookup("MTQ")
	assert.Equal(t, cubic, other)
	assert.Equal(t, "113", cubic.Code)

	_, ok = table.Lookup("furlong")
	assert.False(t, ok)
}

func TestConfiguredSynonyms(t *testing.T) {
	table, _ := BuildTable(baseTable(), Config{Synonyms: map[string]string{"adet.": "796"}})
	unit, ok := table.Lookup("ADET.")
	require.True(t, ok)
	assert.Equal(t, "796", unit.Code)
}

func TestApplyMassPolicy(t *testing.T) {
	table, _ := BuildTable(baseTable(), Config{})
	records := []model.TradeRecord{
		{UnitName: "кг", Quantity: model.Float(50), NetWeight: model.Float(50)},
		{UnitName: "т", Quantity: model.Float(2), NetWeight: nil},
		{UnitName: "TNE", Quantity: model.Float(3), NetWeight: model.Float(0)},
		{UnitName: "т", Quantity: model.Float(4), NetWeight: model.Float(4100)},
		{UnitName: "шт", Quantity: model.Float(7)},
		{UnitName: "bales", Quantity: model.Float(9)},
		{Quantity: model.Float(1)},
	}

	stats := NewCanonicalizer(table, Config{}).Apply(records)

	assert.Nil(t, records[0].Quantity)
	assert.Empty(t, records[0].UnitCode)
	assert.Equal(t, 50.0, *records[0].NetWeight)

	assert.Nil(t, records[1].Quantity)
	assert.Equal(t, 2000.0, *records[1].NetWeight)
	assert.Equal(t, 3000.0, *records[2].NetWeight)
	assert.Equal(t, 4100.0, *records[3].NetWeight)
	assert.Nil(t, records[3].Quantity)

	assert.Equal(t, "796", records[4].UnitCode)
	assert.Equal(t, "ШТУКА", records[4].UnitName)
	assert.Equal(t, 7.0, *records[4].Quantity)

	assert.Empty(t, records[5].UnitCode)
	assert.Empty(t, records[5].UnitName)
	assert.Equal(t, 9.0, *records[5].Quantity)

	assert.Equal(t, 7, stats.Rows)
	assert.Equal(t, 6, stats.WithUnit)
	assert.Equal(t, 5, stats.Mapped)
	assert.Equal(t, 1, stats.KilogramNulled)
	assert.Equal(t, 2, stats.TonneConverted)
	assert.Equal(t, 1, stats.TonneNulled)
	assert.Equal(t, []string{"BALES"}, stats.Unmapped.Sample())
	assert.InDelta(t, 5.0/6.0, stats.Coverage(), 1e-9)

	for _, r := range records {
		if r.UnitCode == DefaultKilogramCode {
			assert.Nil(t, r.Quantity)
		}
	}
}
