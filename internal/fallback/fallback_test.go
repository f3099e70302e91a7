package fallback

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradeunify/internal/errs"
	"tradeunify/internal/mapping"
	"tradeunify/internal/model"
)

type stubSource struct {
	rows []Row
	got  Query
}

func (s *stubSource) Query(ctx context.Context, q Query) ([]Row, error) {
	s.got = q
	var out []Row
	skip := make(map[int]bool)
	for _, c := range q.ExcludeReporterCodes {
		skip[c] = true
	}
	for _, r := range s.rows {
		if skip[r.ReporterCode] || r.Period.Year() < q.StartYear {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func mappingFiles(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	partners := filepath.Join(dir, "partnerAreas.json")
	require.NoError(t, os.WriteFile(partners, []byte(`{"results":[
		{"id":156,"PartnerCodeIsoAlpha2":"CN"},
		{"id":398,"PartnerCodeIsoAlpha2":"KZ"},
		{"id":860,"PartnerCodeIsoAlpha2":"UZ"},
		{"id":757,"PartnerCodeIsoAlpha2":"CN"}
	]}`), 0o644))
	units := filepath.Join(dir, "QuantityUnits.json")
	require.NoError(t, os.WriteFile(units, []byte(`{"results":[
		{"qtyCode":5,"qtyAbbr":"u"},
		{"qtyCode":8,"qtyAbbr":"kg"}
	]}`), 0o644))
	return Config{
		Partners:    mapping.Spec{Path: partners, RecordsPath: "results", KeyField: "id", ValueField: "PartnerCodeIsoAlpha2"},
		Units:       mapping.Spec{Path: units, RecordsPath: "results", KeyField: "qtyCode", ValueField: "qtyAbbr"},
		MirrorFlows: true,
	}
}

func month(y int, m time.Month) time.Time {
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func TestLoadMapsMirrorsAndExcludes(t *testing.T) {
	src := &stubSource{rows: []Row{
		{ReporterCode: 398, CmdCode: "870421", FlowCode: "M", Period: month(2023, 1), QtyUnitCode: 5, Quantity: model.Float(3)},
		{ReporterCode: 398, CmdCode: "0101", FlowCode: "X", Period: month(2023, 2), QtyUnitCode: 8},
		{ReporterCode: 398, CmdCode: "0101", FlowCode: "RX", Period: month(2023, 2)},
		{ReporterCode: 156, CmdCode: "0101", FlowCode: "M", Period: month(2023, 1)},
		{ReporterCode: 757, CmdCode: "0101", FlowCode: "M", Period: month(2023, 1)},
		{ReporterCode: 999, CmdCode: "0101", FlowCode: "M", Period: month(2023, 1)},
		{ReporterCode: 860, CmdCode: "0101", FlowCode: "M", Period: month(2020, 1)},
	}}

	res, err := NewLoader(src, mappingFiles(t), zap.NewNop()).Load(context.Background(), []string{"cn", "CN", "BY"}, 2021)
	require.NoError(t, err)

	assert.Equal(t, []int{156}, src.got.ExcludeReporterCodes)
	assert.Equal(t, 2021, src.got.StartYear)
	assert.Equal(t, 5, res.Queried)
	assert.Equal(t, 1, res.PostFiltered, "drifted reporter code for CN removed after mapping")
	assert.Equal(t, []string{"999"}, res.Unmapped.Sample())

	require.Len(t, res.Records, 3)
	first := res.Records[0]
	assert.Equal(t, "KZ", first.Entity)
	assert.Equal(t, model.FlowOutbound, first.Flow)
	assert.Equal(t, "8704210000", first.Code)
	assert.Equal(t, "u", first.UnitName)
	assert.Equal(t, model.ProvenanceFallback, first.Provenance)
	assert.Equal(t, model.FlowInbound, res.Records[1].Flow)
	assert.Equal(t, model.Flow(""), res.Records[2].Flow)

	for _, r := range res.Records {
		assert.NotEqual(t, "CN", r.Entity)
	}
}

func TestLoadAbortsWithoutUnitMapping(t *testing.T) {
	cfg := mappingFiles(t)
	cfg.Units.Path = filepath.Join(t.TempDir(), "missing.json")

	_, err := NewLoader(&stubSource{}, cfg, zap.NewNop()).Load(context.Background(), nil, 0)
	assert.ErrorIs(t, err, errs.ErrMappingUnavailable)
}
