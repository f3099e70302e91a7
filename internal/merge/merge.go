// Package merge unions national extracts with the fallback dataset and
// applies the row filters.
package merge

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"tradeunify/internal/fallback"
	"tradeunify/internal/model"
	"tradeunify/internal/source"
)

type Config struct {
	StartYear       int      `mapstructure:"start_year" yaml:"start_year" validate:"gte=0"`
	ExcludeEntities []string `mapstructure:"exclude_entities" yaml:"exclude_entities"`
	IncludeFallback bool     `mapstructure:"include_fallback_source" yaml:"include_fallback_source"`
}

// FallbackLoader is satisfied by *fallback.Loader.
type FallbackLoader interface {
	Load(ctx context.Context, exclude []string, startYear int) (fallback.Result, error)
}

type Stats struct {
	NationalRows     map[string]int
	NationalTotal    int
	SkippedDatasets  []string
	FallbackRows     int
	FallbackError    error
	DroppedStartYear int
	DroppedExcluded  int
	DroppedNullFlow  int
	Output           int
}

// Conserved reports whether every input row is either in the output or
// counted by a filter.
func (s Stats) Conserved() bool {
	return s.Output == s.NationalTotal+s.FallbackRows-s.DroppedStartYear-s.DroppedExcluded-s.DroppedNullFlow
}

type Result struct {
	Records []model.TradeRecord
	Stats   Stats
}

type Engine struct {
	cfg      Config
	fallback FallbackLoader
	logger   *zap.Logger
}

// NewEngine accepts a nil fallback; IncludeFallback is then ignored.
func NewEngine(cfg Config, fb FallbackLoader, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, fallback: fb, logger: logger}
}

func (e *Engine) Merge(ctx context.Context, datasets []source.Dataset) (Result, error) {
	excluded := make(map[string]bool, len(e.cfg.ExcludeEntities))
	for _, entity := range e.cfg.ExcludeEntities {
		if entity = strings.ToUpper(strings.TrimSpace(entity)); entity != "" {
			excluded[entity] = true
		}
	}

	stats := Stats{NationalRows: make(map[string]int)}
	covered := make(map[string]bool)
	var records []model.TradeRecord

	for _, ds := range datasets {
		if ds.Entity != "" && excluded[ds.Entity] {
			stats.SkippedDatasets = append(stats.SkippedDatasets, ds.Name)
			stats.NationalTotal += len(ds.Records)
			stats.DroppedExcluded += len(ds.Records)
			continue
		}
		if ds.Entity != "" {
			covered[ds.Entity] = true
		}
		for _, entity := range ds.Entities {
			covered[entity] = true
		}
		for _, rec := range ds.Records {
			rec.Provenance = model.ProvenanceNational
			records = append(records, rec)
		}
		stats.NationalRows[ds.Name] += len(ds.Records)
		stats.NationalTotal += len(ds.Records)
	}

	if e.cfg.IncludeFallback && e.fallback != nil {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		exclude := make([]string, 0, len(covered)+len(excluded))
		for entity := range covered {
			exclude = append(exclude, entity)
		}
		for entity := range excluded {
			if !covered[entity] {
				exclude = append(exclude, entity)
			}
		}
		sort.Strings(exclude)

		res, err := e.fallback.Load(ctx, exclude, e.cfg.StartYear)
		if err != nil {
			stats.FallbackError = err
			e.logger.Warn("fallback source unavailable; continuing with national data", zap.Error(err))
		} else {
			for _, rec := range res.Records {
				rec.Provenance = model.ProvenanceFallback
				records = append(records, rec)
			}
			stats.FallbackRows = len(res.Records)
		}
	}

	out := records[:0]
	for _, rec := range records {
		switch {
		case e.cfg.StartYear > 0 && rec.Period.Year() < e.cfg.StartYear:
			stats.DroppedStartYear++
		case excluded[rec.Entity] || (rec.Provenance == model.ProvenanceFallback && covered[rec.Entity]):
			// Fallback rows for nationally covered entities count as excluded.
			stats.DroppedExcluded++
		case !rec.Flow.Valid():
			stats.DroppedNullFlow++
		default:
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Period.Equal(b.Period) {
			return a.Period.Before(b.Period)
		}
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Flow < b.Flow
	})
	stats.Output = len(out)
	return Result{Records: out, Stats: stats}, nil
}
