package scoring

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/parcelscore/internal/model"
)

func TestTable_RecomputeSumsRegisteredScores(t *testing.T) {
	tbl := NewTable()
	tbl.Set("P1", "LayerA_SCORE", 1)
	tbl.Set("P1", "LayerB_SCORE", 2)

	fields := []string{"LayerA_SCORE", "LayerB_SCORE"}
	tbl.Recompute(fields)

	row, ok := tbl.Row("P1")
	require.True(t, ok)
	assert.Equal(t, 3, row.Total)

	// Re-scoring LayerA to 0 replaces, never accumulates.
	tbl.Set("P1", "LayerA_SCORE", 0)
	tbl.Recompute(fields)
	assert.Equal(t, 2, row.Total)
}

func TestTable_RecomputeIsIdempotent(t *testing.T) {
	tbl := NewTable()
	tbl.Set("P1", "A_SCORE", Score(2))
	tbl.Set("P1", "B_SCORE", int16(1))
	tbl.Set("P2", "A_SCORE", nil)
	tbl.Set("P2", "B_SCORE", 2.0)

	fields := []string{"A_SCORE", "B_SCORE"}
	tbl.Recompute(fields)
	first := map[string]int{}
	for _, r := range tbl.Rows() {
		first[r.ID] = r.Total
	}

	tbl.Recompute(fields)
	for _, r := range tbl.Rows() {
		assert.Equal(t, first[r.ID], r.Total, "parcel %s", r.ID)
	}
	assert.Equal(t, map[string]int{"P1": 3, "P2": 2}, first)
}

func TestTable_RecomputeIgnoresTotalField(t *testing.T) {
	tbl := NewTable()
	tbl.Set("P1", "A_SCORE", 1)
	tbl.Set("P1", TotalField, 40)

	tbl.Recompute([]string{"A_SCORE", TotalField})
	tbl.Recompute([]string{"A_SCORE", TotalField})

	row, _ := tbl.Row("P1")
	assert.Equal(t, 1, row.Total)
}

func TestTable_NullAndNonNumericCountAsZero(t *testing.T) {
	tbl := NewTable()
	tbl.Set("P1", "A_SCORE", 2)
	tbl.Set("P1", "B_SCORE", nil)
	tbl.Set("P1", "C_SCORE", "2")
	tbl.Set("P1", "D_SCORE", math.NaN())
	tbl.Add("P2")

	tbl.Recompute([]string{"A_SCORE", "B_SCORE", "C_SCORE", "D_SCORE"})

	p1, _ := tbl.Row("P1")
	p2, _ := tbl.Row("P2")
	assert.Equal(t, 2, p1.Total)
	assert.Equal(t, 0, p2.Total)
}

func TestTable_Ranked(t *testing.T) {
	tbl := NewTable()
	tbl.Set("C", "A_SCORE", 1)
	tbl.Set("A", "A_SCORE", 2)
	tbl.Set("B", "A_SCORE", 1)
	tbl.Recompute([]string{"A_SCORE"})

	var ids []string
	for _, r := range tbl.Ranked() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, ids)
	// Insertion order is untouched.
	assert.Equal(t, "C", tbl.Rows()[0].ID)
}

func TestNumericValue(t *testing.T) {
	one := 1
	var nilInt *int
	f := 2.5

	tests := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"nil", nil, 0, false},
		{"int", 2, 2, true},
		{"int16", int16(1), 1, true},
		{"int64", int64(2), 2, true},
		{"float64", 1.5, 1.5, true},
		{"float32", float32(0.5), 0.5, true},
		{"score", Score(2), 2, true},
		{"pointer", &one, 1, true},
		{"nil pointer", nilInt, 0, false},
		{"float pointer", &f, 2.5, true},
		{"string", "1", 0, false},
		{"bool", true, 0, false},
		{"inf", math.Inf(1), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NumericValue(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestScoreMagnitude(t *testing.T) {
	ids := []string{"P1", "P2", "P3", "P4"}
	measures := map[string]float64{"P1": 5, "P2": 30, "P3": 60}

	scores := ScoreMagnitude(ids, measures, Thresholds{Low: 10, High: 50})
	require.Len(t, scores, 4)

	assert.Equal(t, Score(0), scores[0].Score)
	assert.Equal(t, Score(1), scores[1].Score)
	assert.Equal(t, Score(2), scores[2].Score)
	assert.Equal(t, Score(0), scores[3].Score)
	assert.Nil(t, scores[3].Measure)
	require.NotNil(t, scores[1].Measure)
	assert.InDelta(t, 30, *scores[1].Measure, 1e-9)

	desc := ScoreMagnitude(ids, measures, Thresholds{Low: 50, High: 10})
	assert.Equal(t, Score(2), desc[0].Score)
	assert.Equal(t, Score(1), desc[1].Score)
	assert.Equal(t, Score(0), desc[2].Score)
	assert.Equal(t, Score(2), desc[3].Score)

	assert.Equal(t, map[Score]int{0: 2, 1: 1, 2: 1}, Counts(scores))
}

func TestScorePresence(t *testing.T) {
	scores := ScorePresence([]string{"P1", "P2"}, map[string]bool{"P1": true})
	require.Len(t, scores, 2)
	assert.Equal(t, Score(1), scores[0].Score)
	assert.Equal(t, Score(0), scores[1].Score)
	assert.Nil(t, scores[0].Measure)
}

func TestRegistry_RegisterKeepsOrderAndReplaces(t *testing.T) {
	streams := model.Layer{Name: "Streams", ShapeType: model.ShapePolyline}
	wetlands := model.Layer{Name: "Wetlands", ShapeType: model.ShapePolygon}

	reg := NewRegistry()
	assert.True(t, reg.Register(NewEntry(streams, ModeMagnitude)))
	assert.True(t, reg.Register(NewEntry(wetlands, ModeMagnitude)))
	assert.False(t, reg.Register(NewEntry(streams, ModePresence)))

	require.Equal(t, 2, reg.Len())
	assert.Equal(t, []string{"Streams_SCORE", "Wetlands_SCORE"}, reg.ScoreFields())

	e, ok := reg.Lookup("Streams")
	require.True(t, ok)
	assert.Equal(t, ModePresence, e.Mode)
	assert.Empty(t, e.MeasureField)

	e, ok = reg.Lookup("Wetlands")
	require.True(t, ok)
	assert.Equal(t, "Wetlands_Acres", e.MeasureField)
	assert.Equal(t, model.UnitAcres, e.Unit)

	_, ok = reg.Lookup("Missing")
	assert.False(t, ok)
}

func TestRegistry_ScoreFieldsNeverIncludeTotal(t *testing.T) {
	reg := NewRegistry(
		Entry{Layer: "A", ScoreField: "A_SCORE"},
		Entry{Layer: "legacy", ScoreField: TotalField},
		Entry{Layer: "A2", ScoreField: "A_SCORE"},
	)
	assert.Equal(t, []string{"A_SCORE"}, reg.ScoreFields())
}

func TestRegistry_CheckFields(t *testing.T) {
	poly := func(name string) Entry {
		return NewEntry(model.Layer{Name: name, ShapeType: model.ShapePolygon}, ModeMagnitude)
	}
	reg := NewRegistry(poly("Wet-lands"))

	// Rescoring the same layer reuses its own fields.
	assert.NoError(t, reg.CheckFields(poly("Wet-lands")))
	assert.NoError(t, reg.CheckFields(poly("Streams")))

	err := reg.CheckFields(poly("Wet lands"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Wet_lands_SCORE, already used by layer Wet-lands")

	// Field names compare case-insensitively.
	err = reg.CheckFields(poly("WET-LANDS"))
	require.Error(t, err)

	err = reg.CheckFields(NewEntry(model.Layer{Name: "Total", ShapeType: model.ShapePolyline}, ModePresence))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved field Total_Score")
}

func TestEntry_ValidateFieldLength(t *testing.T) {
	// 57 characters + "_SCORE" fits exactly; "_Acres" is as long as "_SCORE".
	name := strings.Repeat("a", MaxFieldLen-len("_SCORE"))
	assert.NoError(t, NewEntry(model.Layer{Name: name, ShapeType: model.ShapePolygon}, ModeMagnitude).Validate())

	long := NewEntry(model.Layer{Name: name + "b", ShapeType: model.ShapePolygon}, ModeMagnitude)
	err := long.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "longer than 63 characters")

	assert.Error(t, Entry{Layer: "x"}.Validate())
}
