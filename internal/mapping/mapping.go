// Package mapping loads the external code tables the pipeline joins against:
// partner areas, quantity units, the unit base table and the reference name
// tables. Every table goes through the same loader; only the Spec differs.
package mapping

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"tradeunify/internal/errs"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatJSON Format = "json"
)

// Spec describes one mapping file.
//
// RecordsPath is a dot-separated path to the record array inside a JSON
// document ("results" for the Comtrade reference files). When the JSON root is
// an object of objects, each member becomes a record and its name is stored
// under KeyField.
type Spec struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Path        string `mapstructure:"path" yaml:"path"`
	Format      Format `mapstructure:"format" yaml:"format"`
	RecordsPath string `mapstructure:"records_path" yaml:"records_path"`
	KeyField    string `mapstructure:"key_field" yaml:"key_field"`
	ValueField  string `mapstructure:"value_field" yaml:"value_field"`
	UpperKeys   bool   `mapstructure:"upper_keys" yaml:"upper_keys"`
}

// Record is one row keyed by column name.
type Record map[string]string

func (r Record) Get(field string) string {
	return strings.TrimSpace(r[field])
}

func (s Spec) format() Format {
	if s.Format != "" {
		return Format(strings.ToLower(string(s.Format)))
	}
	lower := strings.ToLower(s.Path)
	switch {
	case strings.HasSuffix(lower, ".json"):
		return FormatJSON
	case strings.HasSuffix(lower, ".tsv"), strings.HasSuffix(lower, ".txt"):
		return FormatTSV
	default:
		return FormatCSV
	}
}

func (s Spec) unavailable(err error) error {
	name := s.Name
	if name == "" {
		name = s.Path
	}
	return &errs.MappingUnavailableError{Name: name, Path: s.Path, Err: err}
}

// LoadRecords reads every record of the file. A missing, unreadable or
// malformed file yields *errs.MappingUnavailableError.
func LoadRecords(spec Spec) ([]Record, error) {
	if strings.TrimSpace(spec.Path) == "" {
		return nil, spec.unavailable(fmt.Errorf("no path configured"))
	}
	data, err := os.ReadFile(spec.Path)
	if err != nil {
		return nil, spec.unavailable(err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var records []Record
	switch spec.format() {
	case FormatJSON:
		records, err = decodeJSON(data, spec)
	case FormatTSV:
		records, err = decodeDelimited(data, '\t')
	case FormatCSV:
		records, err = decodeDelimited(data, ',')
	default:
		err = fmt.Errorf("unsupported format %q", spec.Format)
	}
	if err != nil {
		return nil, spec.unavailable(err)
	}
	return records, nil
}

// LoadPairs reads KeyField → ValueField. Rows with an empty key or value are
// skipped; on duplicate keys the first row wins.
func LoadPairs(spec Spec) (map[string]string, error) {
	if spec.KeyField == "" || spec.ValueField == "" {
		return nil, spec.unavailable(fmt.Errorf("key and value fields are required"))
	}
	records, err := LoadRecords(spec)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(records))
	for _, rec := range records {
		key := rec.Get(spec.KeyField)
		value := rec.Get(spec.ValueField)
		if key == "" || value == "" {
			continue
		}
		if spec.UpperKeys {
			key = strings.ToUpper(key)
		}
		if _, ok := out[key]; ok {
			continue
		}
		out[key] = value
	}
	return out, nil
}

// Invert swaps keys and values; on collisions the lexically smallest key wins
// so the result does not depend on map iteration order.
func Invert(pairs map[string]string) map[string]string {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(pairs))
	for _, k := range keys {
		v := pairs[k]
		if _, ok := out[v]; ok {
			continue
		}
		out[v] = k
	}
	return out
}

func decodeDelimited(data []byte, comma rune) ([]Record, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var records []Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(records)+2, err)
		}
		rec := make(Record, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeJSON(data []byte, spec Spec) ([]Record, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	node := root
	if spec.RecordsPath != "" {
		for _, part := range strings.Split(spec.RecordsPath, ".") {
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("records path %q: %q is not an object", spec.RecordsPath, part)
			}
			node, ok = obj[part]
			if !ok {
				return nil, fmt.Errorf("records path %q: missing %q", spec.RecordsPath, part)
			}
		}
	}

	switch v := node.(type) {
	case []any:
		records := make([]Record, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			records = append(records, flatten(obj))
		}
		return records, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		keyField := spec.KeyField
		if keyField == "" {
			keyField = "key"
		}
		records := make([]Record, 0, len(v))
		for _, k := range keys {
			rec := Record{}
			switch member := v[k].(type) {
			case map[string]any:
				rec = flatten(member)
			default:
				field := spec.ValueField
				if field == "" {
					field = "value"
				}
				rec[field] = scalar(member)
			}
			rec[keyField] = k
			records = append(records, rec)
		}
		return records, nil
	default:
		return nil, fmt.Errorf("unexpected json root %T", node)
	}
}

func flatten(obj map[string]any) Record {
	rec := make(Record, len(obj))
	for k, v := range obj {
		rec[k] = scalar(v)
	}
	return rec
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
