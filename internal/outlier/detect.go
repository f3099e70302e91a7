// Package outlier finds and masks anomalous supplementary quantities in
// per-entity time series.
package outlier

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"tradeunify/internal/model"
)

type Method int

const (
	MethodLevel Method = iota
	MethodValueRatio
	MethodWeightRatio
)

const methodCount = 3

func (m Method) String() string {
	switch m {
	case MethodLevel:
		return "quantity"
	case MethodValueRatio:
		return "quantity/value"
	case MethodWeightRatio:
		return "quantity/net_weight"
	default:
		return "unknown"
	}
}

// Point is one period of a series with its per-method statistics. Eligible
// is false where a ratio denominator is missing or zero.
type Point struct {
	Index     int
	ID        int64
	Period    time.Time
	Quantity  float64
	Value     *float64
	NetWeight *float64
	Eligible  [methodCount]bool
	Mean      [methodCount]float64
	Std       [methodCount]float64
	Z         [methodCount]float64
	Flags     [methodCount]bool
	Suppress  bool
}

func (p Point) Flagged() bool {
	return p.Flags[0] || p.Flags[1] || p.Flags[2]
}

// Methods lists the 1-based numbers of the methods that flagged the point.
func (p Point) Methods() string {
	var parts []string
	for m, f := range p.Flags {
		if f {
			parts = append(parts, strconv.Itoa(m+1))
		}
	}
	return strings.Join(parts, ",")
}

type Series struct {
	Key      model.TimeSeriesKey
	Points   []Point
	Counts   [methodCount]int
	Selected bool
}

func (s Series) Suppressed() int {
	n := 0
	for _, p := range s.Points {
		if p.Suppress {
			n++
		}
	}
	return n
}

// Detection is the outcome of one run. Series holds only series with at
// least one flagged point, ordered by key.
type Detection struct {
	Params   Params
	Series   []Series
	Analyzed int
	Totals   [methodCount]int
	Selected int
}

// Suppressible counts points the policy marks for suppression.
func (d Detection) Suppressible() int {
	n := 0
	for _, s := range d.Series {
		n += s.Suppressed()
	}
	return n
}

// Detect scores every series of records. It does not modify records.
func Detect(records []model.TradeRecord, p Params) Detection {
	p = p.withDefaults()

	groups := make(map[model.TimeSeriesKey][]int)
	for i := range records {
		if records[i].Quantity == nil {
			continue
		}
		key := records[i].Key()
		groups[key] = append(groups[key], i)
	}
	keys := make([]model.TimeSeriesKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	det := Detection{Params: p, Analyzed: len(keys)}
	for _, key := range keys {
		idx := groups[key]
		sort.SliceStable(idx, func(i, j int) bool {
			return records[idx[i]].Period.Before(records[idx[j]].Period)
		})
		series := scoreSeries(key, records, idx, p)

		for m := 0; m < methodCount; m++ {
			det.Totals[m] += series.Counts[m]
		}
		if series.Selected {
			det.Selected++
		}
		if series.Counts[0]+series.Counts[1]+series.Counts[2] > 0 {
			det.Series = append(det.Series, series)
		}
	}
	return det
}

func scoreSeries(key model.TimeSeriesKey, records []model.TradeRecord, idx []int, p Params) Series {
	s := Series{Key: key, Points: make([]Point, len(idx))}
	for i, ri := range idx {
		r := records[ri]
		s.Points[i] = Point{
			Index:     ri,
			ID:        r.ID,
			Period:    r.Period,
			Quantity:  *r.Quantity,
			Value:     r.Value,
			NetWeight: r.NetWeight,
		}
	}

	denominators := [methodCount]func(Point) *float64{
		nil,
		func(pt Point) *float64 { return pt.Value },
		func(pt Point) *float64 { return pt.NetWeight },
	}
	for m := 0; m < methodCount; m++ {
		var (
			xs    []float64
			which []int
		)
		for i, pt := range s.Points {
			if m == 0 {
				xs = append(xs, pt.Quantity)
				which = append(which, i)
				continue
			}
			d := denominators[m](pt)
			if d == nil || *d == 0 || pt.Quantity == 0 {
				continue
			}
			xs = append(xs, pt.Quantity / *d)
			which = append(which, i)
		}

		scores := leaveOneOut(xs, p.MinPoints)
		for j, i := range which {
			pt := &s.Points[i]
			pt.Eligible[m] = true
			pt.Mean[m] = scores[j].Mean
			pt.Std[m] = scores[j].Std
			pt.Z[m] = scores[j].Z
			if math.Abs(scores[j].Z) > p.NSD && pt.Quantity > p.TV {
				pt.Flags[m] = true
				s.Counts[m]++
			}
		}
	}

	all := s.Counts[0] >= 1 && s.Counts[1] >= 1 && s.Counts[2] >= 1
	switch p.Policy {
	case PolicyAllMethods:
		s.Selected = all
	default:
		s.Selected = s.Counts[0] >= 1 || all
	}
	if !s.Selected {
		return s
	}
	for i := range s.Points {
		pt := &s.Points[i]
		if p.Policy == PolicyAllMethods {
			pt.Suppress = pt.Flags[0] && pt.Flags[1] && pt.Flags[2]
		} else {
			pt.Suppress = pt.Flagged()
		}
	}
	return s
}

// Suppress nulls the quantity of every point marked by the policy and
// returns the affected record indices.
func Suppress(records []model.TradeRecord, det Detection) []int {
	var out []int
	for _, s := range det.Series {
		if !s.Selected {
			continue
		}
		for _, pt := range s.Points {
			if !pt.Suppress {
				continue
			}
			out = append(out, pt.Index)
			records[pt.Index].Quantity = nil
		}
	}
	return out
}
