package outlier

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const timestampLayout = "20060102_150405"

type Artifacts struct {
	RunID    string
	Detail   string
	Summary  string
	Metadata string
}

type Metadata struct {
	RunID                string            `json:"run_id"`
	Timestamp            string            `json:"timestamp"`
	Parameters           Params            `json:"detection_parameters"`
	Summary              SummaryTotals     `json:"summary"`
	Replacement          Replacement       `json:"replacement"`
	DetailedRecordsCount int               `json:"detailed_records_count"`
	Files                map[string]string `json:"files"`
}

type SummaryTotals struct {
	SeriesAnalyzed int `json:"series_analyzed"`
	SeriesFlagged  int `json:"series_flagged"`
	SeriesSelected int `json:"series_selected"`
	Method1        int `json:"outliers_method_1"`
	Method2        int `json:"outliers_method_2"`
	Method3        int `json:"outliers_method_3"`
}

type Replacement struct {
	ReplacedWithNaN int  `json:"replaced_with_nan"`
	KeepOutliers    bool `json:"keep_outliers"`
}

// ReportWriter writes the detail table, the series summary and the run
// metadata. Existing files are never overwritten; a numeric suffix is added
// instead.
type ReportWriter struct {
	dir    string
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

func NewReportWriter(dir string, logger *zap.Logger) *ReportWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportWriter{dir: dir, now: time.Now, newID: uuid.NewString, logger: logger}
}

// WithClock replaces the time source used for file names and metadata.
func (w *ReportWriter) WithClock(now func() time.Time) *ReportWriter {
	w.now = now
	return w
}

// Write emits the three artifacts. suppressed is the number of quantities
// actually nulled, zero when keep is set.
func (w *ReportWriter) Write(det Detection, suppressed int, keep bool) (Artifacts, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("create reports dir: %w", err)
	}

	now := w.now().UTC()
	files, paths, err := w.createFiles(now.Format(timestampLayout))
	if err != nil {
		return Artifacts{}, err
	}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	art := Artifacts{RunID: w.newID(), Detail: paths[0], Summary: paths[1], Metadata: paths[2]}

	detailRows, err := writeDetail(files[0], det, keep)
	if err != nil {
		return art, fmt.Errorf("write detail report: %w", err)
	}
	if err := writeSummary(files[1], det, keep); err != nil {
		return art, fmt.Errorf("write summary report: %w", err)
	}

	meta := Metadata{
		RunID:      art.RunID,
		Timestamp:  now.Format(time.RFC3339),
		Parameters: det.Params,
		Summary: SummaryTotals{
			SeriesAnalyzed: det.Analyzed,
			SeriesFlagged:  len(det.Series),
			SeriesSelected: det.Selected,
			Method1:        det.Totals[0],
			Method2:        det.Totals[1],
			Method3:        det.Totals[2],
		},
		Replacement:          Replacement{ReplacedWithNaN: suppressed, KeepOutliers: keep},
		DetailedRecordsCount: detailRows,
		Files: map[string]string{
			"detailed": filepath.Base(art.Detail),
			"summary":  filepath.Base(art.Summary),
		},
	}
	enc := json.NewEncoder(files[2])
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return art, fmt.Errorf("write report metadata: %w", err)
	}

	w.logger.Info("outlier report written",
		zap.String("run_id", art.RunID),
		zap.String("detail", art.Detail),
		zap.Int("detail_rows", detailRows),
	)
	return art, nil
}

// createFiles opens the three report files exclusively, trying suffixes
// _1, _2, ... until the whole set is free.
func (w *ReportWriter) createFiles(ts string) ([3]*os.File, [3]string, error) {
	var files [3]*os.File
	var paths [3]string
	bases := [3]string{"outliers_detailed_", "outliers_summary_", "outliers_report_"}
	exts := [3]string{".csv", ".csv", ".json"}

	for n := 0; n < 1000; n++ {
		suffix := ""
		if n > 0 {
			suffix = "_" + strconv.Itoa(n)
		}
		ok := true
		for i := range bases {
			paths[i] = filepath.Join(w.dir, bases[i]+ts+suffix+exts[i])
			f, err := os.OpenFile(paths[i], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				for j := 0; j < i; j++ {
					_ = files[j].Close()
					_ = os.Remove(paths[j])
				}
				if errors.Is(err, fs.ErrExist) {
					ok = false
					break
				}
				return files, paths, fmt.Errorf("create report file: %w", err)
			}
			files[i] = f
		}
		if ok {
			return files, paths, nil
		}
	}
	return files, paths, fmt.Errorf("no free report file name for %s", ts)
}

var detailHeader = []string{
	"entity", "code", "flow", "period", "quantity", "value", "net_weight",
	"mean_1", "std_1", "z_1", "mean_2", "std_2", "z_2", "mean_3", "std_3", "z_3",
	"methods", "suppressed",
}

func writeDetail(w io.Writer, det Detection, keep bool) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(detailHeader); err != nil {
		return 0, err
	}
	rows := 0
	for _, s := range det.Series {
		if !s.Selected {
			continue
		}
		for _, pt := range s.Points {
			if !pt.Flagged() {
				continue
			}
			rec := []string{
				s.Key.Entity, s.Key.Code, string(s.Key.Flow), pt.Period.Format("2006-01"),
				formatFloat(pt.Quantity), formatPtr(pt.Value), formatPtr(pt.NetWeight),
			}
			for m := 0; m < methodCount; m++ {
				if !pt.Eligible[m] {
					rec = append(rec, "", "", "")
					continue
				}
				rec = append(rec, formatFloat(pt.Mean[m]), formatFloat(pt.Std[m]), formatFloat(pt.Z[m]))
			}
			rec = append(rec, pt.Methods(), strconv.FormatBool(pt.Suppress && !keep))
			if err := cw.Write(rec); err != nil {
				return rows, err
			}
			rows++
		}
	}
	cw.Flush()
	return rows, cw.Error()
}

func writeSummary(w io.Writer, det Detection, keep bool) error {
	cw := csv.NewWriter(w)
	header := []string{"entity", "code", "flow", "points", "outliers_1", "outliers_2", "outliers_3", "selected", "suppressed"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, s := range det.Series {
		suppressed := 0
		if !keep {
			suppressed = s.Suppressed()
		}
		rec := []string{
			s.Key.Entity, s.Key.Code, string(s.Key.Flow),
			strconv.Itoa(len(s.Points)),
			strconv.Itoa(s.Counts[0]), strconv.Itoa(s.Counts[1]), strconv.Itoa(s.Counts[2]),
			strconv.FormatBool(s.Selected),
			strconv.Itoa(suppressed),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
