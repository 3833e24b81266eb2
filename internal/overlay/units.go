package overlay

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/parcelscore/internal/model"
)

// LinearUnit is the linear unit of the working projected CRS.
type LinearUnit string

const (
	USSurveyFoot LinearUnit = "us_survey_foot"
	Metre        LinearUnit = "metre"
)

// DefaultSRID is NAD83(2011) / Vermont, in US survey feet.
const DefaultSRID = 6590

const (
	feetPerMile       = 5280.0
	sqFeetPerAcre     = 43560.0
	metresPerMile     = 1609.3472186944373 // US survey mile
	sqMetresPerAcre   = 4046.872609874252  // US survey acre
	geographicMaxAbsX = 180.0
	geographicMaxAbsY = 90.0
)

// ParseLinearUnit validates a configured unit name.
func ParseLinearUnit(s string) (LinearUnit, error) {
	switch LinearUnit(s) {
	case USSurveyFoot, "":
		return USSurveyFoot, nil
	case Metre, "meter":
		return Metre, nil
	default:
		return "", eris.Errorf("overlay: unsupported linear unit %q", s)
	}
}

// Divisor returns the factor a raw length (Polyline) or area (Polygon) in
// unit u is divided by to yield miles or acres.
func (u LinearUnit) Divisor(st model.ShapeType) float64 {
	switch st {
	case model.ShapePolyline:
		if u == Metre {
			return metresPerMile
		}
		return feetPerMile
	case model.ShapePolygon:
		if u == Metre {
			return sqMetresPerAcre
		}
		return sqFeetPerAcre
	default:
		return 1
	}
}

// Convert turns a raw length or area into miles or acres.
func (u LinearUnit) Convert(raw float64, st model.ShapeType) float64 {
	return raw / u.Divisor(st)
}

// looksGeographic reports whether a bounding box fits inside lon/lat range,
// which for parcel-scale data means the coordinates were never projected.
func looksGeographic(minX, minY, maxX, maxY float64) bool {
	return minX >= -geographicMaxAbsX && maxX <= geographicMaxAbsX &&
		minY >= -geographicMaxAbsY && maxY <= geographicMaxAbsY
}
