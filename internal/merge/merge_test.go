package merge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradeunify/internal/errs"
	"tradeunify/internal/fallback"
	"tradeunify/internal/model"
	"tradeunify/internal/source"
)

type stubFallback struct {
	records []model.TradeRecord
	err     error
	exclude []string
}

func (s *stubFallback) Load(ctx context.Context, exclude []string, startYear int) (fallback.Result, error) {
	s.exclude = exclude
	if s.err != nil {
		return fallback.Result{}, s.err
	}
	return fallback.Result{Records: s.records, Queried: len(s.records)}, nil
}

func rec(entity, code string, flow model.Flow, year int, month time.Month) model.TradeRecord {
	return model.TradeRecord{
		Entity: entity,
		Code:   code,
		Flow:   flow,
		Period: time.Date(year, month, 1, 0, 0, 0, 0, time.UTC),
	}
}

func datasets() []source.Dataset {
	return []source.Dataset{
		{Name: "KZ", Entity: "KZ", Entities: []string{"KZ"}, Records: []model.TradeRecord{
			rec("KZ", "8704210000", model.FlowInbound, 2023, 2),
			rec("KZ", "0101000000", model.FlowOutbound, 2023, 1),
			rec("KZ", "0101000000", "", 2023, 1),
			rec("KZ", "0101000000", model.FlowInbound, 2019, 1),
		}},
		{Name: "CN", Entity: "CN", Entities: []string{"CN"}, Records: []model.TradeRecord{
			rec("CN", "0101000000", model.FlowInbound, 2023, 1),
		}},
	}
}

func TestMergeFiltersSortsAndConserves(t *testing.T) {
	fb := &stubFallback{records: []model.TradeRecord{
		rec("UZ", "0101000000", model.FlowInbound, 2023, 1),
		rec("KZ", "0101000000", model.FlowInbound, 2023, 3),
		rec("CN", "0101000000", model.FlowOutbound, 2023, 1),
		rec("AM", "0101000000", "", 2023, 1),
	}}
	engine := NewEngine(Config{StartYear: 2020, ExcludeEntities: []string{"cn"}, IncludeFallback: true}, fb, zap.NewNop())

	res, err := engine.Merge(context.Background(), datasets())
	require.NoError(t, err)

	assert.Equal(t, []string{"CN", "KZ"}, fb.exclude)
	assert.Equal(t, []string{"CN"}, res.Stats.SkippedDatasets)
	assert.Equal(t, 1, res.Stats.DroppedStartYear)
	assert.Equal(t, 3, res.Stats.DroppedExcluded)
	assert.Equal(t, 2, res.Stats.DroppedNullFlow)
	assert.True(t, res.Stats.Conserved())

	require.Len(t, res.Records, 3)
	assert.Equal(t, "KZ", res.Records[0].Entity)
	assert.Equal(t, "0101000000", res.Records[0].Code)
	assert.Equal(t, "UZ", res.Records[1].Entity)
	assert.Equal(t, model.ProvenanceFallback, res.Records[1].Provenance)
	assert.Equal(t, time.February, res.Records[2].Period.Month())
	for _, r := range res.Records {
		assert.NotEqual(t, "CN", r.Entity)
		assert.True(t, r.Flow.Valid())
	}
}

func TestExcludedEntityAbsentRegardlessOfOrder(t *testing.T) {
	fbRows := []model.TradeRecord{
		rec("CN", "0101000000", model.FlowInbound, 2023, 1),
		rec("UZ", "0101000000", model.FlowInbound, 2023, 1),
	}
	ds := datasets()
	orders := [][]source.Dataset{ds, {ds[1], ds[0]}}
	for _, order := range orders {
		engine := NewEngine(Config{ExcludeEntities: []string{"CN"}, IncludeFallback: true}, &stubFallback{records: fbRows}, zap.NewNop())
		res, err := engine.Merge(context.Background(), order)
		require.NoError(t, err)
		for _, r := range res.Records {
			assert.NotEqual(t, "CN", r.Entity)
		}
		assert.True(t, res.Stats.Conserved())
	}
}

func TestFallbackFailureIsNotFatal(t *testing.T) {
	failure := &errs.MappingUnavailableError{Name: "quantity units", Err: errors.New("gone")}
	engine := NewEngine(Config{IncludeFallback: true}, &stubFallback{err: failure}, zap.NewNop())

	res, err := engine.Merge(context.Background(), datasets())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Stats.FallbackError, errs.ErrMappingUnavailable)
	assert.Equal(t, 0, res.Stats.FallbackRows)
	assert.Len(t, res.Records, 4)
}
