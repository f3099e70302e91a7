package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tradeunify/internal/config"
	"tradeunify/internal/fallback"
	fbsqlite "tradeunify/internal/fallback/sqlite"
	"tradeunify/internal/merge"
	"tradeunify/internal/metrics"
	"tradeunify/internal/outlier"
	"tradeunify/internal/pipeline"
	"tradeunify/internal/store"
	"tradeunify/internal/store/sqlite"
)

type runFlags struct {
	startYear       int
	excludeEntities []string
	includeFallback bool
	keepOutliers    bool
	skipOutliers    bool
	nsd             float64
	tv              float64
	policy          string
	db              string
	sourcesDir      string
	reportsDir      string
	dryRun          bool
	batchSize       int
}

func newRunCmd(a *app) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Rebuild the unified store from the source extracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.load(cmd, func(c *config.Config) error { return rf.apply(cmd, c) })
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runPipeline(ctx, cfg, log, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.IntVar(&rf.startYear, "start-year", 0, "drop records before this year")
	f.StringSliceVar(&rf.excludeEntities, "exclude-entities", nil, "comma-separated ISO alpha-2 entities to exclude")
	f.BoolVar(&rf.includeFallback, "include-fallback-source", false, "augment with the fallback dataset for entities without an extract")
	f.BoolVar(&rf.keepOutliers, "keep-outliers", false, "report outliers without suppressing them")
	f.BoolVar(&rf.skipOutliers, "skip-outlier-detection", false, "skip outlier detection entirely")
	f.Float64Var(&rf.nsd, "nsd", 0, "z-score threshold in standard deviations")
	f.Float64Var(&rf.tv, "tv", 0, "minimum quantity for a point to be flagged")
	f.StringVar(&rf.policy, "policy", "", "consensus policy (method1-or-all, all-methods)")
	f.StringVar(&rf.db, "db", "", "unified sqlite database path")
	f.StringVar(&rf.sourcesDir, "sources-dir", "", "directory of national extracts")
	f.StringVar(&rf.reportsDir, "reports-dir", "", "directory for outlier reports")
	f.BoolVar(&rf.dryRun, "dry-run", false, "run every stage but discard the store writes")
	f.IntVar(&rf.batchSize, "batch-size", 0, "rows per insert transaction")
	return cmd
}

// apply copies the flags the user set over the loaded configuration.
func (rf *runFlags) apply(cmd *cobra.Command, c *config.Config) error {
	f := cmd.Flags()
	if f.Changed("start-year") {
		c.Merge.StartYear = rf.startYear
	}
	if f.Changed("exclude-entities") {
		c.Merge.ExcludeEntities = rf.excludeEntities
	}
	if f.Changed("include-fallback-source") {
		c.Merge.IncludeFallback = rf.includeFallback
	}
	if f.Changed("keep-outliers") {
		c.Outliers.Keep = rf.keepOutliers
	}
	if f.Changed("skip-outlier-detection") {
		c.Outliers.Skip = rf.skipOutliers
	}
	if f.Changed("nsd") {
		c.Outliers.NSD = rf.nsd
	}
	if f.Changed("tv") {
		c.Outliers.TV = rf.tv
	}
	if f.Changed("policy") {
		p, err := outlier.ParsePolicy(rf.policy)
		if err != nil {
			return err
		}
		c.Outliers.Policy = p
	}
	if f.Changed("db") {
		c.DB = rf.db
	}
	if f.Changed("sources-dir") {
		c.SourcesDir = rf.sourcesDir
	}
	if f.Changed("reports-dir") {
		c.ReportsDir = rf.reportsDir
	}
	if f.Changed("dry-run") {
		c.DryRun = rf.dryRun
	}
	if f.Changed("batch-size") {
		c.BatchSize = rf.batchSize
	}
	return nil
}

func runPipeline(ctx context.Context, cfg *config.Config, log *zap.Logger, out io.Writer) error {
	env, err := openEnv(cfg, log)
	if err != nil {
		return err
	}
	defer env.Close()

	sum, runErr := env.pipeline.Run(ctx)
	if err := env.metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		log.Warn("metrics textfile not written", zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}
	printSummary(out, sum)
	return nil
}

// env bundles the pipeline with the resources it holds open.
type env struct {
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	closers  []io.Closer
}

func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i].Close())
	}
	return errors.Join(errs...)
}

// openEnv opens the destination store (a NopStore on dry runs) and, when
// enabled, the fallback dataset. A fallback database that cannot be opened
// is logged and the run continues on national data.
func openEnv(cfg *config.Config, log *zap.Logger) (*env, error) {
	e := &env{metrics: metrics.New()}

	var st store.Store = &store.NopStore{}
	if !cfg.DryRun {
		s, err := sqlite.New(cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", cfg.DB, err)
		}
		st = s
		e.closers = append(e.closers, s)
	}

	var fb merge.FallbackLoader
	if cfg.Merge.IncludeFallback {
		src, err := openFallback(cfg.Fallback.DB)
		if err != nil {
			log.Warn("fallback dataset unavailable; continuing with national data",
				zap.String("db", cfg.Fallback.DB), zap.Error(err))
		} else {
			e.closers = append(e.closers, src)
			fb = fallback.NewLoader(src, cfg.Fallback.Config, log)
		}
	}

	e.pipeline = pipeline.New(cfg, st, fb, e.metrics, log)
	return e, nil
}

func openFallback(path string) (*fbsqlite.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return fbsqlite.New(path)
}

func printSummary(w io.Writer, sum pipeline.Summary) {
	fmt.Fprintf(w, "datasets: %d loaded, %d skipped, %d excluded\n",
		len(sum.Sources.Datasets), len(sum.Sources.Skipped), len(sum.Sources.Excluded))
	fmt.Fprintf(w, "merge: %d national + %d fallback -> %d rows\n",
		sum.Merge.NationalTotal, sum.Merge.FallbackRows, sum.Merge.Output)
	fmt.Fprintf(w, "units: %.2f%% mapped\n", sum.Units.Coverage()*100)
	if sum.Outliers.Skipped {
		fmt.Fprintln(w, "outliers: skipped")
	} else {
		fmt.Fprintf(w, "outliers: %d series flagged, %d selected, %d values suppressed\n",
			sum.Outliers.Flagged, sum.Outliers.Selected, sum.Outliers.Suppressed)
	}
	fmt.Fprintf(w, "persisted: %d rows\n", sum.Persisted)
	fmt.Fprintf(w, "references: %d code names, %d entity names\n", sum.References.Codes, sum.References.Entities)
}
