package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeunify/internal/fallback"
	"tradeunify/internal/model"
)

func TestUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	store, err := New(filepath.Join(t.TempDir(), "fallback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	jan := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []fallback.Row{
		{ReporterCode: 398, CmdCode: "870421", FlowCode: "m", Period: jan, QtyUnitCode: 5, Value: model.Float(10), Quantity: model.Float(2)},
		{ReporterCode: 156, CmdCode: "870421", FlowCode: "X", Period: jan, QtyUnitCode: 5, Value: model.Float(20)},
		{ReporterCode: 398, CmdCode: "870421", FlowCode: "M", Period: jan.AddDate(-2, 0, 0), QtyUnitCode: 5},
	}
	require.NoError(t, store.Upsert(ctx, rows))

	rows[0].Value = model.Float(11)
	require.NoError(t, store.Upsert(ctx, rows[:1]))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := store.Query(ctx, fallback.Query{ExcludeReporterCodes: []int{156}, StartYear: 2021})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 398, got[0].ReporterCode)
	assert.Equal(t, "M", got[0].FlowCode)
	assert.Equal(t, jan, got[0].Period)
	assert.Equal(t, 11.0, *got[0].Value)
	assert.Equal(t, 2.0, *got[0].Quantity)
	assert.Nil(t, got[0].NetWeight)

	all, err := store.Query(ctx, fallback.Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
