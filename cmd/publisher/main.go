package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tradeunify/internal/hscode"
	"tradeunify/internal/logger"
	"tradeunify/internal/store"
	"tradeunify/internal/store/sqlite"
)

var (
	logLevel  string
	logFormat string
)

type metaFile struct {
	GeneratedAt string      `json:"generated_at"`
	Entity      string      `json:"entity,omitempty"`
	Chapter     string      `json:"chapter,omitempty"`
	Rows        int         `json:"rows"`
	Slices      []sliceMeta `json:"slices"`
}

type sliceMeta struct {
	File    string `json:"file"`
	Entity  string `json:"entity"`
	Chapter string `json:"chapter"`
	Rows    int    `json:"rows"`
}

type latestFile struct {
	GeneratedAt string        `json:"generated_at"`
	Rows        []latestEntry `json:"rows"`
}

type latestEntry struct {
	Entity     string   `json:"entity"`
	EntityName string   `json:"entity_name,omitempty"`
	Code       string   `json:"code"`
	CodeName   string   `json:"code_name,omitempty"`
	Flow       string   `json:"flow"`
	Period     string   `json:"period"`
	Unit       string   `json:"unit,omitempty"`
	Value      *float64 `json:"value"`
	NetWeight  *float64 `json:"net_weight"`
	Quantity   *float64 `json:"quantity"`
}

type sliceKey struct {
	Entity  string
	Chapter string
}

var sliceHeader = []string{
	"ENTITY", "ENTITY_NAME", "FLOW", "PERIOD", "CODE",
	"CODE2_NAME", "CODE4_NAME", "CODE6_NAME", "CODE8_NAME", "CODE_NAME",
	"UNIT_CODE", "UNIT_NAME", "VALUE", "NET_WEIGHT", "QUANTITY", "PROVENANCE", "PERIOD_RANK",
}

func main() {
	root := &cobra.Command{
		Use:          "publisher",
		Short:        "Export slices and latest values from the unified store",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	root.AddCommand(newBuildCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "publisher build failed:", err)
		os.Exit(1)
	}
}

func newBuildCmd() *cobra.Command {
	var (
		dbPath  string
		outDir  string
		entity  string
		chapter string
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Write per (entity, chapter) CSV slices plus meta.json and latest.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New(logger.Config{Level: logLevel, Format: logFormat}, "publisher")
			defer func() { _ = log.Sync() }()

			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			st, err := sqlite.New(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			meta, err := build(cmd.Context(), st, outDir, entity, chapter, time.Now(), log)
			if err != nil {
				return err
			}
			log.Info("publisher build complete",
				zap.String("out", outDir),
				zap.Int("slices", len(meta.Slices)),
				zap.Int("rows", meta.Rows),
			)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dbPath, "db", "trade.db", "unified sqlite database path")
	f.StringVar(&outDir, "out", "site/data", "output directory")
	f.StringVar(&entity, "entity", "", "ISO alpha-2 entity filter (default: all)")
	f.StringVar(&chapter, "chapter", "", "chapter filter, normalized like stored codes (default: all)")
	return cmd
}

func build(ctx context.Context, st store.Store, outDir, entity, chapter string, now time.Time, log *zap.Logger) (metaFile, error) {
	filter := store.EnrichedFilter{Entity: strings.ToUpper(strings.TrimSpace(entity))}
	if strings.TrimSpace(chapter) != "" {
		filter.Chapter = hscode.Prefix(chapter, 2)
	}
	generatedAt := now.UTC().Format(time.RFC3339)
	meta := metaFile{GeneratedAt: generatedAt, Entity: filter.Entity, Chapter: filter.Chapter, Slices: []sliceMeta{}}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return meta, fmt.Errorf("create output dir: %w", err)
	}

	rows, err := st.ListEnriched(ctx, filter)
	if err != nil {
		return meta, fmt.Errorf("list enriched rows: %w", err)
	}
	if len(rows) == 0 {
		log.Warn("query returned no rows", zap.String("entity", filter.Entity), zap.String("chapter", filter.Chapter))
	}

	slices := groupSlices(rows)
	keys := make([]sliceKey, 0, len(slices))
	for key := range slices {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Entity != keys[j].Entity {
			return keys[i].Entity < keys[j].Entity
		}
		return keys[i].Chapter < keys[j].Chapter
	})

	for _, key := range keys {
		name := sliceFileName(key)
		if err := writeSlice(filepath.Join(outDir, name), slices[key]); err != nil {
			return meta, fmt.Errorf("write %s: %w", name, err)
		}
		meta.Slices = append(meta.Slices, sliceMeta{File: name, Entity: key.Entity, Chapter: key.Chapter, Rows: len(slices[key])})
		meta.Rows += len(slices[key])
		log.Debug("slice written", zap.String("file", name), zap.Int("rows", len(slices[key])))
	}

	if err := writeJSON(filepath.Join(outDir, "meta.json"), meta); err != nil {
		return meta, fmt.Errorf("write meta.json: %w", err)
	}

	filter.LatestOnly = true
	latestRows, err := st.ListEnriched(ctx, filter)
	if err != nil {
		return meta, fmt.Errorf("list latest rows: %w", err)
	}
	latest := latestFile{GeneratedAt: generatedAt, Rows: buildLatest(latestRows)}
	if err := writeJSON(filepath.Join(outDir, "latest.json"), latest); err != nil {
		return meta, fmt.Errorf("write latest.json: %w", err)
	}
	return meta, nil
}

func groupSlices(rows []store.EnrichedRow) map[sliceKey][]store.EnrichedRow {
	out := make(map[sliceKey][]store.EnrichedRow)
	for _, row := range rows {
		key := sliceKey{Entity: row.Entity, Chapter: hscode.Prefix(row.Code, 2)}
		out[key] = append(out[key], row)
	}
	return out
}

func sliceFileName(key sliceKey) string {
	return fmt.Sprintf("%s_CH%s.csv", key.Entity, key.Chapter)
}

func writeSlice(path string, rows []store.EnrichedRow) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(sliceHeader); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.Entity, r.EntityName, string(r.Flow), r.Period.Format("2006-01-02"), r.Code,
			r.Code2Name, r.Code4Name, r.Code6Name, r.Code8Name, r.CodeName,
			r.UnitCode, r.UnitName,
			formatFloat(r.Value), formatFloat(r.NetWeight), formatFloat(r.Quantity),
			string(r.Provenance), strconv.Itoa(r.PeriodRank),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return file.Close()
}

func buildLatest(rows []store.EnrichedRow) []latestEntry {
	results := make([]latestEntry, 0, len(rows))
	for _, r := range rows {
		if r.PeriodRank != 1 {
			continue
		}
		results = append(results, latestEntry{
			Entity:     r.Entity,
			EntityName: r.EntityName,
			Code:       r.Code,
			CodeName:   firstNonEmpty(r.CodeName, r.Code8Name, r.Code6Name, r.Code4Name, r.Code2Name),
			Flow:       string(r.Flow),
			Period:     r.Period.Format("2006-01"),
			Unit:       r.UnitName,
			Value:      r.Value,
			NetWeight:  r.NetWeight,
			Quantity:   r.Quantity,
		})
	}
	return results
}

func writeJSON(path string, value any) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return err
	}
	return file.Close()
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
