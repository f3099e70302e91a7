package model

import (
	"strings"
	"time"
)

type Flow string

const (
	FlowInbound  Flow = "inbound"
	FlowOutbound Flow = "outbound"
)

// Mirror returns the flow seen from the counterpart's side.
func (f Flow) Mirror() Flow {
	switch f {
	case FlowInbound:
		return FlowOutbound
	case FlowOutbound:
		return FlowInbound
	default:
		return f
	}
}

func (f Flow) Valid() bool {
	return f == FlowInbound || f == FlowOutbound
}

func ParseFlow(value string) (Flow, bool) {
	switch Flow(strings.ToLower(strings.TrimSpace(value))) {
	case FlowInbound:
		return FlowInbound, true
	case FlowOutbound:
		return FlowOutbound, true
	default:
		return "", false
	}
}

type Provenance string

const (
	ProvenanceNational Provenance = "national"
	ProvenanceFallback Provenance = "fallback"
)

const CodeWidth = 10

// TradeRecord is one fact row of the unified dataset. Quantities are nil when
// missing; Code is always the normalized 10-character classification code.
// ID is the store row id and stays zero until the record is persisted.
type TradeRecord struct {
	ID         int64
	Flow       Flow
	Period     time.Time
	Entity     string
	Code       string
	UnitCode   string
	UnitName   string
	Value      *float64
	NetWeight  *float64
	Quantity   *float64
	Provenance Provenance
	Source     string
}

func (r TradeRecord) Code2() string { return prefix(r.Code, 2) }
func (r TradeRecord) Code4() string { return prefix(r.Code, 4) }
func (r TradeRecord) Code6() string { return prefix(r.Code, 6) }
func (r TradeRecord) Code8() string { return prefix(r.Code, 8) }

func (r TradeRecord) Key() TimeSeriesKey {
	return TimeSeriesKey{Entity: r.Entity, Code: r.Code, Flow: r.Flow}
}

func prefix(code string, n int) string {
	if len(code) < n {
		return code
	}
	return code[:n]
}

// TimeSeriesKey is the grouping unit for outlier analysis.
type TimeSeriesKey struct {
	Entity string
	Code   string
	Flow   Flow
}

func (k TimeSeriesKey) String() string {
	return k.Entity + "/" + k.Code + "/" + string(k.Flow)
}

// Less orders keys by entity, code, then flow.
func (k TimeSeriesKey) Less(other TimeSeriesKey) bool {
	if k.Entity != other.Entity {
		return k.Entity < other.Entity
	}
	if k.Code != other.Code {
		return k.Code < other.Code
	}
	return k.Flow < other.Flow
}

type UnitRecord struct {
	Code string
	Name string
}

type CodeReferenceEntry struct {
	Level      int
	Code       string
	Name       string
	Translated bool
}

type EntityReference struct {
	Code string
	Name string
}

// Float returns a pointer to v; used for optional quantity fields.
func Float(v float64) *float64 {
	return &v
}

// MonthStart truncates t to the first day of its month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
