package reports

import (
	"math"
	"strings"
)

type fieldKind int

const (
	stringField fieldKind = iota
	numberField
)

const numberTolerance = 1e-9

// fieldAliases maps the lowercase names accepted in queries, including the
// report column names, to the canonical field.
var fieldAliases = map[string]struct {
	kind fieldKind
	name string
}{
	"modelo":                  {stringField, "modelo"},
	"model":                   {stringField, "modelo"},
	"dataset":                 {stringField, "dataset"},
	"dataset_nome":            {stringField, "dataset"},
	"run_name":                {stringField, "run_name"},
	"nome_run":                {stringField, "run_name"},
	"status":                  {stringField, "status"},
	"map50_95":                {numberField, "map50_95"},
	"map50":                   {numberField, "map50"},
	"map75":                   {numberField, "map75"},
	"precision":               {numberField, "precision"},
	"precisao":                {numberField, "precision"},
	"recall":                  {numberField, "recall"},
	"inference_ms":            {numberField, "inference_ms"},
	"latency_ms":              {numberField, "inference_ms"},
	"velocidade_inference_ms": {numberField, "inference_ms"},
}

func lookupField(name string) (fieldKind, string, bool) {
	f, ok := fieldAliases[strings.ToLower(name)]
	return f.kind, f.name, ok
}

func (r Row) stringField(name string) string {
	switch name {
	case "modelo":
		return r.Modelo
	case "dataset":
		return r.Dataset
	case "run_name":
		return r.RunName
	case "status":
		return r.Status
	}
	return ""
}

func (r Row) numberField(name string) float64 {
	switch name {
	case "map50_95":
		return r.MAP50_95
	case "map50":
		return r.MAP50
	case "map75":
		return r.MAP75
	case "precision":
		return r.Precision
	case "recall":
		return r.Recall
	case "inference_ms":
		return r.Inference
	}
	return math.NaN()
}

type Filter interface {
	Matches(row Row) bool
}

// Apply returns the rows matching filter, keeping their order.
func Apply(rows []Row, filter Filter) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

type matchAll struct{}

func (matchAll) Matches(Row) bool { return true }

type AndFilter struct {
	filters []Filter
}

func (f *AndFilter) Matches(row Row) bool {
	for _, filter := range f.filters {
		if !filter.Matches(row) {
			return false
		}
	}
	return true
}

type OrFilter struct {
	filters []Filter
}

func (f *OrFilter) Matches(row Row) bool {
	for _, filter := range f.filters {
		if filter.Matches(row) {
			return true
		}
	}
	return false
}

type NotFilter struct {
	filter Filter
}

func (f *NotFilter) Matches(row Row) bool {
	return !f.filter.Matches(row)
}

type SubstringFilter struct {
	field  string
	substr string
}

func (f *SubstringFilter) Matches(row Row) bool {
	return strings.Contains(row.stringField(f.field), f.substr)
}

type StringEqFilter struct {
	field string
	value string
}

func (f *StringEqFilter) Matches(row Row) bool {
	return row.stringField(f.field) == f.value
}

type StringLtFilter struct {
	field string
	value string
}

func (f *StringLtFilter) Matches(row Row) bool {
	return row.stringField(f.field) < f.value
}

type StringGtFilter struct {
	field string
	value string
}

func (f *StringGtFilter) Matches(row Row) bool {
	return row.stringField(f.field) > f.value
}

// NumberFilter never matches a missing value.
type NumberFilter struct {
	field string
	op    string
	value float64
}

func (f *NumberFilter) Matches(row Row) bool {
	v := row.numberField(f.field)
	if math.IsNaN(v) {
		return false
	}
	switch f.op {
	case "<":
		return v < f.value
	case ">":
		return v > f.value
	case "=":
		return math.Abs(v-f.value) < numberTolerance
	}
	return false
}
