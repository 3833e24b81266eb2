package report

import (
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"
)

// WriteCSV writes the report with a header row.
func WriteCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(r.Header()); err != nil {
		return eris.Wrap(err, "report: write CSV header")
	}
	for _, row := range r.Rows {
		if err := cw.Write(r.Record(row)); err != nil {
			return eris.Wrap(err, "report: write CSV row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: flush CSV")
}
