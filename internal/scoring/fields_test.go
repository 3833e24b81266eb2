package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/parcelscore/internal/model"
)

func TestFieldName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Wetlands", "Wetlands"},
		{"River Corridors", "River_Corridors"},
		{"Zone-A.v2", "Zone_A_v2"},
		{"Rivière", "Riviere"},
		{"  Flood  ", "Flood"},
		{"", "layer"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, FieldName(tt.in))
		})
	}
}

func TestScoreAndMeasureFields(t *testing.T) {
	assert.Equal(t, "Wetlands_SCORE", ScoreField("Wetlands"))
	assert.Equal(t, "Wetlands_Acres", MeasureField("Wetlands", model.UnitAcres))
	assert.Equal(t, "Streams_Miles", MeasureField("Streams", model.UnitMiles))
	assert.Empty(t, MeasureField("Wells", model.UnitNone))
}

func TestIsScoreField(t *testing.T) {
	assert.True(t, IsScoreField("Wetlands_SCORE"))
	assert.True(t, IsScoreField("habitat_score"))
	assert.True(t, IsScoreField("ScoreManual"))
	assert.False(t, IsScoreField("Total_Score"))
	assert.False(t, IsScoreField("TOTAL_SCORE"))
	assert.False(t, IsScoreField("Wetlands_Acres"))
}

func TestMatchScoreFields(t *testing.T) {
	got := MatchScoreFields([]string{"MAPID", "A_SCORE", "Total_Score", "A_Acres", "b_score"})
	assert.Equal(t, []string{"A_SCORE", "b_score"}, got)
}
