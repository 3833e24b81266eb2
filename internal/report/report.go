// Package report exports the parcel score table ranked by Total_Score.
package report

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcelscore/internal/scoring"
)

// Column is one exported field.
type Column struct {
	Name  string
	Score bool // integer score field rather than a measurement
}

// Report is a ranked, column-ordered view of the score table.
type Report struct {
	IDField string
	Columns []Column
	Rows    []*scoring.Row
}

// Build orders columns by registry position (each layer's score followed by
// its measurement) and ranks rows by total descending, then identifier.
func Build(table *scoring.Table, reg *scoring.Registry, idField string) *Report {
	rep := &Report{IDField: idField, Rows: table.Ranked()}
	seen := make(map[string]bool)
	add := func(c Column) {
		if c.Name == "" || seen[c.Name] {
			return
		}
		seen[c.Name] = true
		rep.Columns = append(rep.Columns, c)
	}
	for _, e := range reg.Entries() {
		add(Column{Name: e.ScoreField, Score: true})
		add(Column{Name: e.MeasureField})
	}
	return rep
}

// Limit keeps only the first n rows. n <= 0 keeps everything.
func (r *Report) Limit(n int) {
	if n > 0 && len(r.Rows) > n {
		r.Rows = r.Rows[:n]
	}
}

// Header returns the identifier, every column and the total.
func (r *Report) Header() []string {
	out := make([]string, 0, len(r.Columns)+2)
	out = append(out, r.IDField)
	for _, c := range r.Columns {
		out = append(out, c.Name)
	}
	return append(out, scoring.TotalField)
}

// Record formats one row in Header order. Null values are empty strings.
func (r *Report) Record(row *scoring.Row) []string {
	out := make([]string, 0, len(r.Columns)+2)
	out = append(out, row.ID)
	for _, c := range r.Columns {
		out = append(out, formatValue(row.Values[c.Name], c.Score))
	}
	return append(out, strconv.Itoa(row.Total))
}

func formatValue(v any, score bool) string {
	n, ok := scoring.NumericValue(v)
	if !ok {
		return ""
	}
	if score {
		return strconv.Itoa(int(math.Round(n)))
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// WriteTable writes a fixed-width text table.
func WriteTable(w io.Writer, r *Report) error {
	header := r.Header()
	widths := make([]int, len(header))
	records := make([][]string, 0, len(r.Rows))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range r.Rows {
		rec := r.Record(row)
		for i, v := range rec {
			widths[i] = max(widths[i], len(v))
		}
		records = append(records, rec)
	}

	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			if i == 0 {
				parts[i] = fmt.Sprintf("%-*s", widths[i], c)
			} else {
				parts[i] = fmt.Sprintf("%*s", widths[i], c)
			}
		}
		return strings.Join(parts, "  ") + "\n"
	}

	if _, err := io.WriteString(w, line(header)); err != nil {
		return eris.Wrap(err, "report: write table header")
	}
	total := len(widths)*2 - 2
	for _, n := range widths {
		total += n
	}
	if _, err := fmt.Fprintln(w, strings.Repeat("-", total)); err != nil {
		return eris.Wrap(err, "report: write table separator")
	}
	for _, rec := range records {
		if _, err := io.WriteString(w, line(rec)); err != nil {
			return eris.Wrap(err, "report: write table row")
		}
	}
	return nil
}
