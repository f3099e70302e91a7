// Package fallback reads the global trade dataset used for entities that have
// no national extract. Rows there are keyed by numeric reporter and unit codes
// and carry flows from the reporter's own side.
package fallback

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradeunify/internal/errs"
	"tradeunify/internal/hscode"
	"tradeunify/internal/mapping"
	"tradeunify/internal/model"
)

const (
	FlowImport = "M"
	FlowExport = "X"

	SourceName = "comtrade"
)

// Row is one record of the global dataset.
type Row struct {
	ReporterCode int
	CmdCode      string
	FlowCode     string
	Period       time.Time
	QtyUnitCode  int
	Value        *float64
	NetWeight    *float64
	Quantity     *float64
}

type Query struct {
	ExcludeReporterCodes []int
	StartYear            int
}

type Source interface {
	Query(ctx context.Context, q Query) ([]Row, error)
}

type Config struct {
	Partners    mapping.Spec `mapstructure:"partners" yaml:"partners"`
	Units       mapping.Spec `mapstructure:"units" yaml:"units"`
	MirrorFlows bool         `mapstructure:"mirror_flows" yaml:"mirror_flows"`
}

// Result carries the mapped records and what was lost on the way.
type Result struct {
	Records      []model.TradeRecord
	Queried      int
	Unmapped     *errs.Sampler
	PostFiltered int
}

type Loader struct {
	src    Source
	cfg    Config
	logger *zap.Logger
}

func NewLoader(src Source, cfg Config, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Partners.Name == "" {
		cfg.Partners.Name = "partner areas"
	}
	if cfg.Units.Name == "" {
		cfg.Units.Name = "quantity units"
	}
	return &Loader{src: src, cfg: cfg, logger: logger}
}

// Load queries every reporter not in exclude (ISO alpha-2) from startYear on.
// Both mappings are required: without them the fallback path aborts with
// *errs.MappingUnavailableError.
func (l *Loader) Load(ctx context.Context, exclude []string, startYear int) (Result, error) {
	units, err := mapping.LoadPairs(l.cfg.Units)
	if err != nil {
		return Result{}, err
	}
	partners, err := mapping.LoadPairs(l.cfg.Partners)
	if err != nil {
		return Result{}, err
	}
	byISO := mapping.Invert(partners)

	excluded := make(map[string]bool, len(exclude))
	var codes []int
	for _, iso := range exclude {
		iso = strings.ToUpper(strings.TrimSpace(iso))
		if iso == "" || excluded[iso] {
			continue
		}
		excluded[iso] = true
		if num, ok := byISO[iso]; ok {
			if n, err := strconv.Atoi(num); err == nil {
				codes = append(codes, n)
			}
		}
	}
	sort.Ints(codes)

	rows, err := l.src.Query(ctx, Query{ExcludeReporterCodes: codes, StartYear: startYear})
	if err != nil {
		return Result{}, fmt.Errorf("fallback query: %w", err)
	}

	res := Result{Queried: len(rows), Unmapped: errs.NewSampler(20)}
	res.Records = make([]model.TradeRecord, 0, len(rows))
	for _, row := range rows {
		entity, ok := partners[strconv.Itoa(row.ReporterCode)]
		if !ok {
			res.Unmapped.Add(strconv.Itoa(row.ReporterCode))
			continue
		}
		entity = strings.ToUpper(entity)
		if excluded[entity] {
			res.PostFiltered++
			continue
		}
		res.Records = append(res.Records, model.TradeRecord{
			Flow:       l.flow(row.FlowCode),
			Period:     model.MonthStart(row.Period),
			Entity:     entity,
			Code:       hscode.Normalize(row.CmdCode),
			UnitName:   units[strconv.Itoa(row.QtyUnitCode)],
			Value:      row.Value,
			NetWeight:  row.NetWeight,
			Quantity:   row.Quantity,
			Provenance: model.ProvenanceFallback,
			Source:     SourceName,
		})
	}

	if err := res.Unmapped.Unresolved("reporter"); err != nil {
		l.logger.Warn("fallback rows dropped: reporter not mapped", zap.Error(err))
	}
	if res.PostFiltered > 0 {
		l.logger.Warn("fallback rows for excluded entities removed after mapping", zap.Int("rows", res.PostFiltered))
	}
	return res, nil
}

// flow maps M/X codes; any other code yields an empty flow, which the merge
// drops as missing.
func (l *Loader) flow(code string) model.Flow {
	var f model.Flow
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case FlowImport:
		f = model.FlowInbound
	case FlowExport:
		f = model.FlowOutbound
	default:
		return ""
	}
	if l.cfg.MirrorFlows {
		f = f.Mirror()
	}
	return f
}

// ParsePeriod reads the YYYYMM or YYYY-MM form used by the dataset.
func ParsePeriod(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"200601", "2006-01", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid period %q", raw)
}
