// Package reference builds the code-name and entity-name lookup tables.
package reference

import (
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"tradeunify/internal/hscode"
	"tradeunify/internal/mapping"
	"tradeunify/internal/model"
)

type Config struct {
	Codes        mapping.Spec `mapstructure:"codes" yaml:"codes"`
	LevelField   string       `mapstructure:"level_field" yaml:"level_field"`
	Translations mapping.Spec `mapstructure:"translations" yaml:"translations"`
	Entities     mapping.Spec `mapstructure:"entities" yaml:"entities"`
}

type Tables struct {
	Codes    []model.CodeReferenceEntry
	Entities []model.EntityReference
}

var upper = cases.Upper(language.Und)

// Load reads the mapping files and builds both tables. A missing file
// leaves its part empty and is logged, never returned.
func Load(cfg Config, logger *zap.Logger) Tables {
	if logger == nil {
		logger = zap.NewNop()
	}
	official, err := mapping.LoadRecords(cfg.Codes)
	if err != nil {
		logger.Warn("official code names unavailable", zap.Error(err))
	}
	var translations map[string]string
	if cfg.Translations.Path != "" {
		translations, err = LoadTranslations(cfg.Translations.Path, cfg.Translations.ValueField)
		if err != nil {
			logger.Warn("translated code names unavailable", zap.Error(err))
		}
	}
	entities, err := mapping.LoadPairs(cfg.Entities)
	if err != nil {
		logger.Warn("entity names unavailable", zap.Error(err))
	}

	codeField, nameField := cfg.Codes.KeyField, cfg.Codes.ValueField
	tables := Tables{
		Codes:    BuildCodeNames(official, codeField, nameField, cfg.LevelField, translations),
		Entities: BuildEntityNames(entities),
	}
	translated := 0
	for _, e := range tables.Codes {
		if e.Translated {
			translated++
		}
	}
	logger.Info("reference tables built",
		zap.Int("code_names", len(tables.Codes)),
		zap.Int("translated", translated),
		zap.Int("entity_names", len(tables.Entities)),
	)
	return tables
}

type key struct {
	level int
	code  string
}

// BuildCodeNames merges official names with translated fallbacks. Official
// entries always win. A translation fills its own (level, code) and every
// ancestor prefix that has no official name; an ancestor reached by several
// translations takes the one closest to it, then the smallest code.
func BuildCodeNames(official []mapping.Record, codeField, nameField, levelField string, translations map[string]string) []model.CodeReferenceEntry {
	if codeField == "" {
		codeField = "KOD"
	}
	if nameField == "" {
		nameField = "NAME"
	}

	entries := make(map[key]model.CodeReferenceEntry)
	for _, rec := range official {
		raw := digitsOnly(rec.Get(codeField))
		name := upper.String(rec.Get(nameField))
		if raw == "" || name == "" {
			continue
		}
		level := levelFor(len(raw))
		if n, err := strconv.Atoi(rec.Get(levelField)); err == nil && hscode.ValidLevel(n) {
			level = n
		}
		code := hscode.Prefix(raw, level)
		k := key{level, code}
		if _, ok := entries[k]; ok {
			continue
		}
		entries[k] = model.CodeReferenceEntry{Level: level, Code: code, Name: name}
	}

	type candidate struct {
		name     string
		distance int
		source   string
	}
	best := make(map[key]candidate)
	for rawCode, rawName := range translations {
		raw := digitsOnly(rawCode)
		name := upper.String(strings.TrimSpace(rawName))
		if raw == "" || name == "" {
			continue
		}
		depth := levelFor(len(raw))
		full := hscode.Normalize(raw)
		for _, level := range hscode.Levels {
			if level > depth {
				break
			}
			k := key{level, full[:level]}
			if _, ok := entries[k]; ok {
				continue
			}
			c := candidate{name: name, distance: depth - level, source: full}
			prev, ok := best[k]
			if !ok || c.distance < prev.distance || (c.distance == prev.distance && c.source < prev.source) {
				best[k] = c
			}
		}
	}
	for k, c := range best {
		entries[k] = model.CodeReferenceEntry{Level: k.level, Code: k.code, Name: c.name, Translated: true}
	}

	out := make([]model.CodeReferenceEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// BuildEntityNames turns code → name pairs into sorted references.
func BuildEntityNames(pairs map[string]string) []model.EntityReference {
	seen := make(map[string]bool, len(pairs))
	out := make([]model.EntityReference, 0, len(pairs))
	for code, name := range pairs {
		code = strings.ToUpper(strings.TrimSpace(code))
		name = strings.TrimSpace(name)
		if code == "" || name == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, model.EntityReference{Code: code, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// LoadTranslations reads {"<code>": {"<field>": "<name>"}} documents.
func LoadTranslations(path, field string) (map[string]string, error) {
	if field == "" {
		field = "russian_name"
	}
	return mapping.LoadPairs(mapping.Spec{
		Name:       "translations",
		Path:       path,
		Format:     mapping.FormatJSON,
		KeyField:   "code",
		ValueField: field,
	})
}

// levelFor rounds a digit count up to the nearest hierarchy level.
func levelFor(n int) int {
	for _, level := range hscode.Levels {
		if n <= level {
			return level
		}
	}
	return hscode.Width
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
