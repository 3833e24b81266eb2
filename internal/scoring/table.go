package scoring

import (
	"math"
	"sort"
)

// Row is one parcel's score record: raw field values keyed by field name
// plus the derived total.
type Row struct {
	ID     string
	Values map[string]any
	Total  int
}

// Table holds score rows keyed by parcel identifier, in insertion order.
type Table struct {
	rows  []*Row
	index map[string]int
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{index: make(map[string]int)}
}

// Set stores a raw field value for a parcel, adding the parcel if needed.
func (t *Table) Set(id, field string, v any) {
	row := t.ensure(id)
	row.Values[field] = v
}

// Add makes sure a parcel exists in the table without setting any field.
func (t *Table) Add(id string) {
	t.ensure(id)
}

func (t *Table) ensure(id string) *Row {
	if i, ok := t.index[id]; ok {
		return t.rows[i]
	}
	row := &Row{ID: id, Values: make(map[string]any)}
	t.index[id] = len(t.rows)
	t.rows = append(t.rows, row)
	return row
}

// Row returns the record for a parcel.
func (t *Table) Row(id string) (*Row, bool) {
	i, ok := t.index[id]
	if !ok {
		return nil, false
	}
	return t.rows[i], true
}

// Rows returns every row in insertion order.
func (t *Table) Rows() []*Row {
	return t.rows
}

// Len returns the number of parcels.
func (t *Table) Len() int { return len(t.rows) }

// Recompute resets every total and sums the given score fields into it.
// TotalField is skipped if present in fields, so running Recompute any number
// of times over unchanged scores yields the same totals.
func (t *Table) Recompute(fields []string) {
	for _, row := range t.rows {
		row.Total = Sum(row.Values, fields)
	}
}

// Ranked returns the rows ordered by total descending, then identifier.
func (t *Table) Ranked() []*Row {
	out := make([]*Row, len(t.rows))
	copy(out, t.rows)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Sum adds up the numeric values of fields. Missing, null and non-numeric
// values count as zero.
func Sum(values map[string]any, fields []string) int {
	var total float64
	for _, f := range fields {
		if f == TotalField {
			continue
		}
		if n, ok := NumericValue(values[f]); ok {
			total += n
		}
	}
	return int(math.Round(total))
}

// NumericValue converts a raw field value to a float. Strings, booleans and
// nulls are not numeric.
func NumericValue(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, false
	case Score:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case *int:
		if n == nil {
			return 0, false
		}
		f = float64(*n)
	case *int64:
		if n == nil {
			return 0, false
		}
		f = float64(*n)
	case *float64:
		if n == nil {
			return 0, false
		}
		f = *n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
