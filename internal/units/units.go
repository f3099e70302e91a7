// Package units resolves raw unit-of-measure tokens to canonical records and
// applies the mass de-duplication policy.
package units

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"tradeunify/internal/errs"
	"tradeunify/internal/mapping"
	"tradeunify/internal/model"
)

const (
	DefaultKilogramCode = "166"
	DefaultTonneCode    = "168"
	sampleLimit         = 20
)

// Config controls table construction and the mass policy.
type Config struct {
	KilogramCode   string            `mapstructure:"kilogram_code" yaml:"kilogram_code"`
	TonneCode      string            `mapstructure:"tonne_code" yaml:"tonne_code"`
	CodeField      string            `mapstructure:"code_field" yaml:"code_field"`
	NameField      string            `mapstructure:"name_field" yaml:"name_field"`
	ShortNameField string            `mapstructure:"short_name_field" yaml:"short_name_field"`
	Synonyms       map[string]string `mapstructure:"synonyms" yaml:"synonyms"`
}

func (c Config) withDefaults() Config {
	if c.KilogramCode == "" {
		c.KilogramCode = DefaultKilogramCode
	}
	if c.TonneCode == "" {
		c.TonneCode = DefaultTonneCode
	}
	if c.CodeField == "" {
		c.CodeField = "KOD"
	}
	if c.NameField == "" {
		c.NameField = "NAME"
	}
	if c.ShortNameField == "" {
		c.ShortNameField = "SHORT_NAME"
	}
	return c
}

// DefaultSynonyms maps cross-source abbreviations and script variants to
// OKEI unit codes. UN/CEFACT codes cover the fallback dataset.
func DefaultSynonyms() map[string]string {
	return map[string]string{
		"KG": "166", "КГ": "166", "KGM": "166", "KILOGRAM": "166", "КИЛОГРАММ": "166",
		"G": "163", "Г": "163", "GRM": "163", "GRAM": "163",
		"T": "168", "ТН": "168", "TNE": "168", "TONNE": "168", "ТОННА": "168",
		"U": "796", "ШТ": "796", "PCE": "796", "ADET": "796",
		"2U": "715", "ПАР": "715", "PR": "715", "NPR": "715", "ÇIFT": "715", "ÇİFT": "715",
		"1000U": "798", "1000 ШТ": "798", "TSD ШТ": "798",
		"100 ШТ": "797",
		"L": "112", "Л": "112", "LTR": "112", "LITRE": "112", "LİTRE": "112",
		"1000 L": "113",
		"M": "006", "М": "006", "MTR": "006",
		"M2": "055", "М2": "055", "MTK": "055",
		"M3": "113", "М3": "113", "MTQ": "113",
		"CARAT": "162", "КАР": "162", "CTM": "162",
	}
}

var upper = cases.Upper(language.Und)

// NormalizeToken upper-cases, trims and collapses whitespace. NFKC folds
// superscript digits, so "m³" and "M3" meet.
func NormalizeToken(raw string) string {
	s := norm.NFKC.String(raw)
	s = upper.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Table maps normalized tokens to canonical unit records.
type Table struct {
	aliases   map[string]model.UnitRecord
	canonical map[string]model.UnitRecord
}

// BuildTable indexes every base record by code, name and short name, then
// layers the default and configured synonyms on top. It returns the synonyms
// skipped because their target code is missing from the base table.
func BuildTable(base []mapping.Record, cfg Config) (*Table, []string) {
	cfg = cfg.withDefaults()
	t := &Table{
		aliases:   make(map[string]model.UnitRecord),
		canonical: make(map[string]model.UnitRecord),
	}
	for _, rec := range base {
		code := rec.Get(cfg.CodeField)
		name := rec.Get(cfg.NameField)
		if code == "" || name == "" {
			continue
		}
		unit := model.UnitRecord{Code: code, Name: NormalizeToken(name)}
		if _, ok := t.canonical[code]; ok {
			continue
		}
		t.canonical[code] = unit
		for _, alias := range []string{code, name, rec.Get(cfg.ShortNameField)} {
			key := NormalizeToken(alias)
			if key == "" {
				continue
			}
			if _, ok := t.aliases[key]; !ok {
				t.aliases[key] = unit
			}
		}
	}

	synonyms := DefaultSynonyms()
	for token, code := range cfg.Synonyms {
		synonyms[NormalizeToken(token)] = code
	}
	tokens := make([]string, 0, len(synonyms))
	for token := range synonyms {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	var skipped []string
	for _, token := range tokens {
		unit, ok := t.canonical[synonyms[token]]
		if !ok {
			skipped = append(skipped, fmt.Sprintf("%s->%s", token, synonyms[token]))
			continue
		}
		t.aliases[NormalizeToken(token)] = unit
	}
	return t, skipped
}

func (t *Table) Lookup(raw string) (model.UnitRecord, bool) {
	key := NormalizeToken(raw)
	if key == "" {
		return model.UnitRecord{}, false
	}
	unit, ok := t.aliases[key]
	return unit, ok
}

func (t *Table) Len() int {
	return len(t.aliases)
}

// Stats summarizes one Apply pass.
type Stats struct {
	Rows           int
	WithUnit       int
	Mapped         int
	KilogramNulled int
	TonneConverted int
	TonneNulled    int
	Unmapped       *errs.Sampler
}

// Coverage is the share of rows carrying a unit token that resolved.
func (s Stats) Coverage() float64 {
	if s.WithUnit == 0 {
		return 1
	}
	return float64(s.Mapped) / float64(s.WithUnit)
}

type Canonicalizer struct {
	table        *Table
	kilogramCode string
	tonneCode    string
}

func NewCanonicalizer(table *Table, cfg Config) *Canonicalizer {
	cfg = cfg.withDefaults()
	return &Canonicalizer{table: table, kilogramCode: cfg.KilogramCode, tonneCode: cfg.TonneCode}
}

// Apply resolves every row in place. Unresolved units are cleared but the
// row is kept.
func (c *Canonicalizer) Apply(records []model.TradeRecord) Stats {
	stats := Stats{Rows: len(records), Unmapped: errs.NewSampler(sampleLimit)}
	for i := range records {
		rec := &records[i]
		if strings.TrimSpace(rec.UnitName) == "" && strings.TrimSpace(rec.UnitCode) == "" {
			continue
		}
		stats.WithUnit++

		unit, ok := c.table.Lookup(rec.UnitName)
		if !ok {
			unit, ok = c.table.Lookup(rec.UnitCode)
		}
		if !ok {
			raw := rec.UnitName
			if strings.TrimSpace(raw) == "" {
				raw = rec.UnitCode
			}
			stats.Unmapped.Add(NormalizeToken(raw))
			rec.UnitCode, rec.UnitName = "", ""
			continue
		}
		stats.Mapped++
		rec.UnitCode, rec.UnitName = unit.Code, unit.Name

		switch unit.Code {
		case c.kilogramCode:
			clearQuantity(rec)
			stats.KilogramNulled++
		case c.tonneCode:
			if rec.Quantity != nil && (rec.NetWeight == nil || *rec.NetWeight == 0) {
				rec.NetWeight = model.Float(*rec.Quantity * 1000)
				stats.TonneConverted++
			} else {
				stats.TonneNulled++
			}
			clearQuantity(rec)
		}
	}
	return stats
}

func clearQuantity(rec *model.TradeRecord) {
	rec.Quantity = nil
	rec.UnitCode = ""
	rec.UnitName = ""
}
