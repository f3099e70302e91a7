package source

import (
	"strings"

	"tradeunify/internal/model"
)

// Canonical column names of a per-country extract.
const (
	ColFlow      = "NAPR"
	ColPeriod    = "PERIOD"
	ColEntity    = "STRANA"
	ColCode      = "TNVED"
	ColUnitName  = "EDIZM"
	ColUnitCode  = "EDIZM_ISO"
	ColValue     = "STOIM"
	ColNetWeight = "NETTO"
	ColQuantity  = "KOL"
	ColCode2     = "TNVED2"
	ColCode4     = "TNVED4"
	ColCode6     = "TNVED6"
	ColCode8     = "TNVED8"
)

// Decimal marks accepted by Schema.Decimal.
const (
	DecimalComma = "comma"
	DecimalPoint = "point"
)

var (
	requiredColumns = []string{ColFlow, ColPeriod, ColCode, ColValue, ColNetWeight, ColQuantity}
	numericColumns  = []string{ColValue, ColNetWeight, ColQuantity}
	prefixColumns   = map[string]int{ColCode2: 2, ColCode4: 4, ColCode6: 6, ColCode8: 8}
)

// Schema is the declarative mapping from one extract's columns to the
// canonical set. Columns maps canonical name → source header; canonical
// names not listed are expected verbatim.
type Schema struct {
	Columns     map[string]string `mapstructure:"columns" yaml:"columns,omitempty"`
	Flows       map[string]string `mapstructure:"flows" yaml:"flows,omitempty"`
	MirrorFlows bool              `mapstructure:"mirror_flows" yaml:"mirror_flows"`
	Entity      string            `mapstructure:"entity" yaml:"entity,omitempty"`
	Sheet       string            `mapstructure:"sheet" yaml:"sheet,omitempty"`
	// Decimal names the decimal mark of numeric cells: "comma", "point",
	// or empty to infer it per cell.
	Decimal     string            `mapstructure:"decimal" yaml:"decimal,omitempty" validate:"omitempty,oneof=comma point"`
}

// DefaultFlows is the flow dictionary used when a schema declares none.
func DefaultFlows() map[string]string {
	return map[string]string{
		"ИМ": string(model.FlowInbound), "IM": string(model.FlowInbound), "IMPORT": string(model.FlowInbound),
		"I": string(model.FlowInbound), "1": string(model.FlowInbound), "INBOUND": string(model.FlowInbound),
		"ЭК": string(model.FlowOutbound), "EK": string(model.FlowOutbound), "EX": string(model.FlowOutbound),
		"EXPORT": string(model.FlowOutbound), "E": string(model.FlowOutbound), "2": string(model.FlowOutbound),
		"OUTBOUND": string(model.FlowOutbound),
	}
}

// Merge overlays o on s: non-empty fields of o win, maps are merged key-wise.
func (s Schema) Merge(o Schema) Schema {
	out := Schema{
		Columns:     make(map[string]string, len(s.Columns)+len(o.Columns)),
		Flows:       make(map[string]string, len(s.Flows)+len(o.Flows)),
		MirrorFlows: s.MirrorFlows || o.MirrorFlows,
		Entity:      s.Entity,
		Sheet:       s.Sheet,
		Decimal:     s.Decimal,
	}
	for k, v := range s.Columns {
		out.Columns[k] = v
	}
	for k, v := range o.Columns {
		out.Columns[strings.ToUpper(k)] = v
	}
	for k, v := range s.Flows {
		out.Flows[k] = v
	}
	for k, v := range o.Flows {
		out.Flows[k] = v
	}
	if o.Entity != "" {
		out.Entity = o.Entity
	}
	if o.Sheet != "" {
		out.Sheet = o.Sheet
	}
	if o.Decimal != "" {
		out.Decimal = o.Decimal
	}
	return out
}

func (s Schema) column(canonical string) string {
	if name, ok := s.Columns[canonical]; ok && name != "" {
		return name
	}
	return canonical
}

func (s Schema) flowDictionary() map[string]model.Flow {
	flows := s.Flows
	if len(flows) == 0 {
		flows = DefaultFlows()
	}
	out := make(map[string]model.Flow, len(flows))
	for raw, canonical := range flows {
		if f, ok := model.ParseFlow(canonical); ok {
			out[flowToken(raw)] = f
		}
	}
	return out
}

func flowToken(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), " "))
}
