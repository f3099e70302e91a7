// Package source reads per-country extracts into canonical trade records.
package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradeunify/internal/errs"
	"tradeunify/internal/hscode"
	"tradeunify/internal/model"
)

// Dataset is one validated extract.
type Dataset struct {
	Name             string
	Path             string
	Entity           string
	Entities         []string
	Records          []model.TradeRecord
	PrefixMismatches int
}

// Report lists what LoadDir did with each file.
type Report struct {
	Datasets []Dataset
	Skipped  []error
	Excluded []string
}

type Loader struct {
	base    Schema
	sources map[string]Schema
	logger  *zap.Logger
}

// NewLoader builds a loader whose per-source schemas are overlaid on base.
// Source names are file stems, matched case-insensitively.
func NewLoader(base Schema, sources map[string]Schema, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	norm := make(map[string]Schema, len(sources))
	for name, s := range sources {
		norm[strings.ToUpper(name)] = s
	}
	return &Loader{base: base, sources: norm, logger: logger}
}

func (l *Loader) schemaFor(name string) Schema {
	schema := l.base.Merge(Schema{})
	if override, ok := l.sources[strings.ToUpper(name)]; ok {
		schema = schema.Merge(override)
	}
	return schema
}

// LoadDir loads every supported file in dir in name order. Files failing
// validation are skipped and returned in Report.Skipped; files whose
// declared entity is excluded are not read at all.
func (l *Loader) LoadDir(ctx context.Context, dir string, exclude []string) (Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Report{}, fmt.Errorf("read sources dir: %w", err)
	}
	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[strings.ToUpper(strings.TrimSpace(e))] = true
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !supportedExt[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var report Report
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		stem := stemOf(name)
		entity := l.declaredEntity(stem)
		if entity != "" && excluded[entity] {
			l.logger.Info("source skipped: entity excluded", zap.String("file", name), zap.String("entity", entity))
			report.Excluded = append(report.Excluded, name)
			continue
		}

		ds, err := l.LoadFile(ctx, filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, errs.ErrSchema) {
				l.logger.Warn("source skipped", zap.String("file", name), zap.Error(err))
				report.Skipped = append(report.Skipped, err)
				continue
			}
			return report, err
		}
		report.Datasets = append(report.Datasets, ds)
	}
	return report, nil
}

// declaredEntity is the schema's fixed entity, else a two-letter file stem.
func (l *Loader) declaredEntity(stem string) string {
	if e := l.schemaFor(stem).Entity; e != "" {
		return strings.ToUpper(e)
	}
	if len(stem) == 2 {
		return strings.ToUpper(stem)
	}
	return ""
}

// LoadFile reads and validates one extract. Validation failures are
// *errs.SchemaError; the whole file is rejected on the first one.
func (l *Loader) LoadFile(ctx context.Context, path string) (Dataset, error) {
	name := stemOf(filepath.Base(path))
	schema := l.schemaFor(name)
	file := filepath.Base(path)

	header, rows, err := readTable(path, schema.Sheet)
	if err != nil {
		return Dataset{}, errs.Schema(file, "unreadable: %v", err)
	}
	if header == nil {
		return Dataset{}, errs.Schema(file, "empty file")
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		if _, ok := index[h]; !ok {
			index[h] = i
		}
	}
	required := requiredColumns
	if schema.Entity == "" {
		required = append(append([]string{}, requiredColumns...), ColEntity)
	}
	for _, col := range required {
		if _, ok := index[schema.column(col)]; !ok {
			return Dataset{}, errs.Schema(file, "missing column %s", schema.column(col))
		}
	}

	get := func(row []string, canonical string) string {
		i, ok := index[schema.column(canonical)]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	flows := schema.flowDictionary()
	fixedEntity := strings.ToUpper(schema.Entity)
	ds := Dataset{Name: name, Path: path, Entity: l.declaredEntity(name)}
	entities := make(map[string]struct{})
	records := make([]model.TradeRecord, 0, len(rows))

	for n, row := range rows {
		if n%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return Dataset{}, err
			}
		}
		if blank(row) {
			continue
		}
		line := n + 2

		rawPeriod := get(row, ColPeriod)
		if rawPeriod == "" {
			return Dataset{}, errs.Schema(file, "row %d: empty %s", line, ColPeriod)
		}
		period, err := ParsePeriod(rawPeriod)
		if err != nil {
			return Dataset{}, errs.Schema(file, "row %d: %v", line, err)
		}

		var flow model.Flow
		if raw := get(row, ColFlow); raw != "" {
			f, ok := flows[flowToken(raw)]
			if !ok {
				return Dataset{}, errs.Schema(file, "row %d: flow %q outside dictionary", line, raw)
			}
			if schema.MirrorFlows {
				f = f.Mirror()
			}
			flow = f
		}

		var nums [3]*float64
		for i, col := range numericColumns {
			v, err := ParseNumber(get(row, col), schema.Decimal)
			if err != nil {
				return Dataset{}, errs.Schema(file, "row %d: %s: %v", line, col, err)
			}
			nums[i] = v
		}

		entity := fixedEntity
		if entity == "" {
			entity = strings.ToUpper(get(row, ColEntity))
		}
		if entity == "" {
			return Dataset{}, errs.Schema(file, "row %d: empty %s", line, ColEntity)
		}

		code := hscode.Normalize(get(row, ColCode))
		for col, level := range prefixColumns {
			if raw := get(row, col); raw != "" && hscode.Prefix(raw, level) != code[:level] {
				ds.PrefixMismatches++
			}
		}

		entities[entity] = struct{}{}
		records = append(records, model.TradeRecord{
			Flow:       flow,
			Period:     period,
			Entity:     entity,
			Code:       code,
			UnitName:   get(row, ColUnitName),
			UnitCode:   get(row, ColUnitCode),
			Value:      nums[0],
			NetWeight:  nums[1],
			Quantity:   nums[2],
			Provenance: model.ProvenanceNational,
			Source:     name,
		})
	}

	for e := range entities {
		ds.Entities = append(ds.Entities, e)
	}
	sort.Strings(ds.Entities)
	ds.Records = records
	if ds.PrefixMismatches > 0 {
		l.logger.Warn("derived prefix columns disagree with code; recomputed",
			zap.String("file", file), zap.Int("mismatches", ds.PrefixMismatches))
	}
	return ds, nil
}

var periodLayouts = []string{
	"2006-01-02",
	"2006-01",
	"200601",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02.01.2006",
	"01/2006",
}

// ParsePeriod accepts the month and date layouts seen in extracts and
// truncates to the first of the month.
func ParsePeriod(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range periodLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return model.MonthStart(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable period %q", raw)
}

// ParseNumber returns nil for an empty cell. Spaces group thousands. With
// decimal set to DecimalComma or DecimalPoint the other mark groups
// thousands too; with decimal empty the mark is inferred per cell, and a
// lone comma followed by exactly three digits is rejected as ambiguous.
// Infinities are rejected.
func ParseNumber(raw, decimal string) (*float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "null") {
		return nil, nil
	}
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")

	switch decimal {
	case DecimalComma:
		s = strings.ReplaceAll(strings.ReplaceAll(s, ".", ""), ",", ".")
	case DecimalPoint:
		s = strings.ReplaceAll(s, ",", "")
	default:
		var err error
		if s, err = inferDecimal(s); err != nil {
			return nil, fmt.Errorf("%w in %q; set the source's decimal mark", err, raw)
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("non-numeric value %q", raw)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, fmt.Errorf("non-finite value %q", raw)
	}
	return &v, nil
}

var errAmbiguousMark = errors.New("ambiguous decimal mark")

// inferDecimal rewrites s so that '.' is its only decimal mark. When both
// marks occur the last one is the decimal mark; a mark repeated more than
// once groups thousands.
func inferDecimal(s string) (string, error) {
	commas, points := strings.Count(s, ","), strings.Count(s, ".")
	switch {
	case commas > 0 && points > 0:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			return strings.ReplaceAll(strings.ReplaceAll(s, ".", ""), ",", "."), nil
		}
		return strings.ReplaceAll(s, ",", ""), nil
	case commas > 1:
		return strings.ReplaceAll(s, ",", ""), nil
	case points > 1:
		return strings.ReplaceAll(s, ".", ""), nil
	case commas == 1:
		if frac := s[strings.Index(s, ",")+1:]; len(frac) == 3 && isDigits(frac) {
			return "", errAmbiguousMark
		}
		return strings.Replace(s, ",", ".", 1), nil
	}
	return s, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func stemOf(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
