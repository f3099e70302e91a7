// Package pipeline runs the rebuild stages in order: load and validate
// extracts, merge, canonicalize units, detect and suppress outliers,
// persist, build references.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeunify/internal/config"
	"tradeunify/internal/mapping"
	"tradeunify/internal/merge"
	"tradeunify/internal/metrics"
	"tradeunify/internal/model"
	"tradeunify/internal/outlier"
	"tradeunify/internal/reference"
	"tradeunify/internal/source"
	"tradeunify/internal/store"
	"tradeunify/internal/units"
)

const (
	StageLoad       = "load"
	StageMerge      = "merge"
	StageUnits      = "units"
	StageOutliers   = "outliers"
	StagePersist    = "persist"
	StageReferences = "references"
)

type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	fallback merge.FallbackLoader
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New wires a pipeline. fb may be nil when the fallback source is disabled
// or could not be opened.
func New(cfg *config.Config, st store.Store, fb merge.FallbackLoader, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	if st == nil {
		st = &store.NopStore{}
	}
	return &Pipeline{cfg: cfg, store: st, fallback: fb, metrics: m, logger: logger, now: time.Now}
}

// WithClock replaces the clock used to name outlier reports.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

type Summary struct {
	Sources    source.Report
	Merge      merge.Stats
	Units      units.Stats
	Outliers   OutlierSummary
	Persisted  int
	References ReferenceSummary
}

type OutlierSummary struct {
	Skipped    bool
	Analyzed   int
	Flagged    int
	Selected   int
	Suppressed int
	Report     outlier.Artifacts
}

type ReferenceSummary struct {
	Codes    int
	Entities int
}

// Run executes the full rebuild. Schema errors and missing mappings are
// logged and survived; a persistence failure aborts the run.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	report, err := p.load(ctx)
	if err != nil {
		return sum, err
	}
	sum.Sources = report

	merged, err := p.merge(ctx, report.Datasets)
	if err != nil {
		return sum, err
	}
	sum.Merge = merged.Stats
	records := merged.Records

	sum.Units = p.canonicalizeUnits(records)

	sum.Outliers, _, err = p.detect(records)
	if err != nil {
		return sum, err
	}

	if err := p.persist(ctx, records); err != nil {
		return sum, err
	}
	sum.Persisted = len(records)

	sum.References, err = p.References(ctx)
	if err != nil {
		return sum, err
	}

	p.metrics.LastSuccess.Set(float64(p.now().Unix()))
	p.logger.Info("rebuild complete",
		zap.Int("records", sum.Persisted),
		zap.Int("suppressed", sum.Outliers.Suppressed),
		zap.Bool("dry_run", p.cfg.DryRun),
	)
	return sum, nil
}

func (p *Pipeline) load(ctx context.Context) (source.Report, error) {
	defer p.metrics.Time(StageLoad)()

	loader := source.NewLoader(p.cfg.Schema, p.cfg.Sources, p.logger)
	report, err := loader.LoadDir(ctx, p.cfg.SourcesDir, p.cfg.Merge.ExcludeEntities)
	if err != nil {
		return report, fmt.Errorf("load sources: %w", err)
	}

	rows, mismatches := 0, 0
	for _, ds := range report.Datasets {
		rows += len(ds.Records)
		mismatches += ds.PrefixMismatches
		p.logger.Debug("source loaded",
			zap.String("dataset", ds.Name),
			zap.String("entity", ds.Entity),
			zap.Int("rows", len(ds.Records)),
		)
	}
	p.metrics.Rows(StageLoad, rows, rows)
	p.metrics.SkippedDatasets.Add(float64(len(report.Skipped)))
	p.logger.Info("stage complete",
		zap.String("stage", StageLoad),
		zap.Int("datasets", len(report.Datasets)),
		zap.Int("rows_out", rows),
		zap.Int("skipped_files", len(report.Skipped)),
		zap.Int("excluded_files", len(report.Excluded)),
		zap.Int("prefix_mismatches", mismatches),
	)
	return report, nil
}

func (p *Pipeline) merge(ctx context.Context, datasets []source.Dataset) (merge.Result, error) {
	defer p.metrics.Time(StageMerge)()

	engine := merge.NewEngine(p.cfg.Merge, p.fallback, p.logger)
	res, err := engine.Merge(ctx, datasets)
	if err != nil {
		return res, fmt.Errorf("merge: %w", err)
	}

	st := res.Stats
	in := st.NationalTotal + st.FallbackRows
	p.metrics.Rows(StageMerge, in, st.Output)
	p.metrics.Dropped(StageMerge, "start_year", st.DroppedStartYear)
	p.metrics.Dropped(StageMerge, "excluded", st.DroppedExcluded)
	p.metrics.Dropped(StageMerge, "null_flow", st.DroppedNullFlow)

	fields := []zap.Field{
		zap.String("stage", StageMerge),
		zap.Int("rows_in", in),
		zap.Int("national_rows", st.NationalTotal),
		zap.Int("fallback_rows", st.FallbackRows),
		zap.Int("dropped_start_year", st.DroppedStartYear),
		zap.Int("dropped_excluded", st.DroppedExcluded),
		zap.Int("dropped_null_flow", st.DroppedNullFlow),
		zap.Int("rows_out", st.Output),
	}
	if st.FallbackError != nil {
		fields = append(fields, zap.NamedError("fallback_error", st.FallbackError))
	}
	p.logger.Info("stage complete", fields...)
	if !st.Conserved() {
		p.logger.Error("merge row counts do not reconcile", zap.Any("stats", st))
	}
	return res, nil
}

// canonicalizeUnits never fails: without the base table every unit is left
// unmapped and the coverage drop is logged.
func (p *Pipeline) canonicalizeUnits(records []model.TradeRecord) units.Stats {
	defer p.metrics.Time(StageUnits)()

	base, err := mapping.LoadRecords(p.cfg.Units.Base)
	if err != nil {
		p.logger.Warn("unit base table unavailable; units left unmapped", zap.Error(err))
	}
	table, skipped := units.BuildTable(base, p.cfg.Units.Config)
	if len(skipped) > 0 {
		p.logger.Warn("unit synonyms skipped: target code not in base table", zap.Strings("synonyms", skipped))
	}

	st := units.NewCanonicalizer(table, p.cfg.Units.Config).Apply(records)
	p.metrics.Rows(StageUnits, st.Rows, st.Rows)
	p.metrics.MappingCoverage.WithLabelValues("units").Set(st.Coverage())
	p.logger.Info("stage complete",
		zap.String("stage", StageUnits),
		zap.Int("rows", st.Rows),
		zap.Int("with_unit", st.WithUnit),
		zap.Int("mapped", st.Mapped),
		zap.String("coverage", fmt.Sprintf("%.2f%%", st.Coverage()*100)),
		zap.Int("kilogram_nulled", st.KilogramNulled),
		zap.Int("tonne_converted", st.TonneConverted),
		zap.Int("tonne_nulled", st.TonneNulled),
	)
	if err := st.Unmapped.Unresolved("unit"); err != nil {
		p.logger.Warn("units left unmapped", zap.Error(err))
	}
	return st
}

// detect scores records, suppresses in place unless keep is set and writes
// the report. It returns the indices of suppressed records.
func (p *Pipeline) detect(records []model.TradeRecord) (OutlierSummary, []int, error) {
	oc := p.cfg.Outliers
	if oc.Skip {
		p.logger.Info("stage skipped", zap.String("stage", StageOutliers))
		return OutlierSummary{Skipped: true}, nil, nil
	}
	defer p.metrics.Time(StageOutliers)()

	det := outlier.Detect(records, oc.Params)
	var suppressed []int
	if !oc.Keep {
		suppressed = outlier.Suppress(records, det)
	}

	art, err := outlier.NewReportWriter(p.cfg.ReportsDir, p.logger).WithClock(p.now).Write(det, len(suppressed), oc.Keep)
	if err != nil {
		return OutlierSummary{}, nil, fmt.Errorf("outlier report: %w", err)
	}

	sum := OutlierSummary{
		Analyzed:   det.Analyzed,
		Flagged:    len(det.Series),
		Selected:   det.Selected,
		Suppressed: len(suppressed),
		Report:     art,
	}
	p.metrics.OutlierSeries.WithLabelValues("analyzed").Set(float64(sum.Analyzed))
	p.metrics.OutlierSeries.WithLabelValues("flagged").Set(float64(sum.Flagged))
	p.metrics.OutlierSeries.WithLabelValues("selected").Set(float64(sum.Selected))
	p.metrics.SuppressedRecords.Add(float64(sum.Suppressed))
	p.logger.Info("stage complete",
		zap.String("stage", StageOutliers),
		zap.Int("series_analyzed", sum.Analyzed),
		zap.Int("series_flagged", sum.Flagged),
		zap.Int("series_selected", sum.Selected),
		zap.Int("method1_points", det.Totals[outlier.MethodLevel]),
		zap.Int("method2_points", det.Totals[outlier.MethodValueRatio]),
		zap.Int("method3_points", det.Totals[outlier.MethodWeightRatio]),
		zap.Int("suppressed", sum.Suppressed),
		zap.Bool("keep_outliers", oc.Keep),
		zap.String("run_id", art.RunID),
	)
	return sum, suppressed, nil
}

func (p *Pipeline) persist(ctx context.Context, records []model.TradeRecord) error {
	defer p.metrics.Time(StagePersist)()

	if err := p.store.ReplaceTradeRecords(ctx, records, p.cfg.BatchSize); err != nil {
		return err
	}
	p.metrics.Rows(StagePersist, len(records), len(records))
	p.logger.Info("stage complete",
		zap.String("stage", StagePersist),
		zap.Int("rows", len(records)),
		zap.Int("batch_size", p.cfg.BatchSize),
	)
	return nil
}

// References rebuilds the reference tables and the enrichment view only.
func (p *Pipeline) References(ctx context.Context) (ReferenceSummary, error) {
	defer p.metrics.Time(StageReferences)()

	tables := reference.Load(p.cfg.References, p.logger)
	if err := p.store.ReplaceReferences(ctx, tables.Codes, tables.Entities); err != nil {
		return ReferenceSummary{}, err
	}
	sum := ReferenceSummary{Codes: len(tables.Codes), Entities: len(tables.Entities)}
	p.logger.Info("stage complete",
		zap.String("stage", StageReferences),
		zap.Int("code_names", sum.Codes),
		zap.Int("entity_names", sum.Entities),
	)
	return sum, nil
}

// Outliers re-runs detection against the persisted fact table and nulls
// the suppressed quantities in place.
func (p *Pipeline) Outliers(ctx context.Context) (OutlierSummary, error) {
	records, err := p.store.LoadTradeRecords(ctx)
	if err != nil {
		return OutlierSummary{}, err
	}
	sum, suppressed, err := p.detect(records)
	if err != nil || len(suppressed) == 0 {
		return sum, err
	}

	ids := make([]int64, 0, len(suppressed))
	for _, i := range suppressed {
		ids = append(ids, records[i].ID)
	}
	if err := p.store.NullQuantities(ctx, ids); err != nil {
		return sum, err
	}
	return sum, nil
}
