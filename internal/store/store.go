package store

import (
	"context"
	"time"

	"tradeunify/internal/model"
)

type Store interface {
	ReplaceTradeRecords(ctx context.Context, records []model.TradeRecord, batchSize int) error
	LoadTradeRecords(ctx context.Context) ([]model.TradeRecord, error)
	NullQuantities(ctx context.Context, ids []int64) error
	ReplaceReferences(ctx context.Context, codes []model.CodeReferenceEntry, entities []model.EntityReference) error
	ListEnriched(ctx context.Context, filter EnrichedFilter) ([]EnrichedRow, error)
	Close() error
}

// NopStore discards writes; used for dry runs.
type NopStore struct{}

func (s *NopStore) ReplaceTradeRecords(ctx context.Context, records []model.TradeRecord, batchSize int) error {
	_ = ctx
	_ = records
	_ = batchSize
	return nil
}

func (s *NopStore) LoadTradeRecords(ctx context.Context) ([]model.TradeRecord, error) {
	_ = ctx
	return nil, nil
}

func (s *NopStore) NullQuantities(ctx context.Context, ids []int64) error {
	_ = ctx
	_ = ids
	return nil
}

func (s *NopStore) ReplaceReferences(ctx context.Context, codes []model.CodeReferenceEntry, entities []model.EntityReference) error {
	_ = ctx
	_ = codes
	_ = entities
	return nil
}

func (s *NopStore) ListEnriched(ctx context.Context, filter EnrichedFilter) ([]EnrichedRow, error) {
	_ = ctx
	_ = filter
	return nil, nil
}

func (s *NopStore) Close() error {
	return nil
}

// EnrichedFilter narrows ListEnriched. Empty fields match everything.
type EnrichedFilter struct {
	Entity     string
	Chapter    string
	LatestOnly bool
}

// EnrichedRow is one row of the enrichment view. Names are empty where no
// reference entry exists.
type EnrichedRow struct {
	Entity     string
	EntityName string
	Flow       model.Flow
	Period     time.Time
	Code       string
	Code2Name  string
	Code4Name  string
	Code6Name  string
	Code8Name  string
	CodeName   string
	UnitCode   string
	UnitName   string
	Value      *float64
	NetWeight  *float64
	Quantity   *float64
	Provenance model.Provenance
	PeriodRank int
}
