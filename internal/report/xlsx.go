package report

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/parcelscore/internal/scoring"
)

// SheetName is the worksheet the scores are written to.
const SheetName = "Scores"

// WriteXLSX saves the report as a single-sheet workbook. Scores and totals
// are integer cells, measurements float cells and nulls are left blank.
func WriteXLSX(path string, r *Report) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	hdr := sheet.AddRow()
	for _, h := range r.Header() {
		hdr.AddCell().SetString(h)
	}

	for _, row := range r.Rows {
		xr := sheet.AddRow()
		xr.AddCell().SetString(row.ID)
		for _, c := range r.Columns {
			cell := xr.AddCell()
			n, ok := scoring.NumericValue(row.Values[c.Name])
			switch {
			case !ok:
			case c.Score:
				cell.SetInt(int(math.Round(n)))
			default:
				cell.SetFloat(n)
			}
		}
		xr.AddCell().SetInt(row.Total)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "xlsx: save %s", path)
	}
	return nil
}
