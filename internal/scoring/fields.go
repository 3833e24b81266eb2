package scoring

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/parcelscore/internal/model"
)

// TotalField is the name of the per-parcel sum of every layer score.
const TotalField = "Total_Score"

const (
	scoreSuffix = "_SCORE"
	scoreToken  = "SCORE"
)

// FieldName derives a field-safe base name from a layer name. Accents are
// folded to ASCII and anything outside [A-Za-z0-9_] becomes an underscore.
func FieldName(layer string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		strings.TrimSpace(layer),
	)
	if err != nil {
		folded = strings.TrimSpace(layer)
	}

	var b strings.Builder
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "layer"
	}
	return b.String()
}

// ScoreField returns the score field name for a layer, e.g. "Wetlands_SCORE".
func ScoreField(layer string) string {
	return FieldName(layer) + scoreSuffix
}

// MeasureField returns the measurement field name for a layer, e.g.
// "Streams_Miles". Layers without a unit have no measurement field.
func MeasureField(layer string, unit model.Unit) string {
	if unit == model.UnitNone {
		return ""
	}
	return FieldName(layer) + "_" + string(unit)
}

// IsScoreField reports whether a field name looks like a layer score field:
// it contains "SCORE" in any case and is not the total field itself.
func IsScoreField(name string) bool {
	if strings.EqualFold(name, TotalField) {
		return false
	}
	return strings.Contains(strings.ToUpper(name), scoreToken)
}

// MatchScoreFields filters names down to score fields, preserving order.
func MatchScoreFields(names []string) []string {
	var out []string
	for _, n := range names {
		if IsScoreField(n) {
			out = append(out, n)
		}
	}
	return out
}
