package scoring

// ParcelScore is the classified result for one parcel and one layer.
type ParcelScore struct {
	ID      string
	Score   Score
	Measure *float64 // nil when the parcel does not overlap the layer
}

// ScoreMagnitude classifies every parcel in ids against its dissolved
// measurement. Parcels missing from measures are classified as unmeasured.
func ScoreMagnitude(ids []string, measures map[string]float64, t Thresholds) []ParcelScore {
	out := make([]ParcelScore, 0, len(ids))
	for _, id := range ids {
		ps := ParcelScore{ID: id}
		if v, ok := measures[id]; ok {
			m := v
			ps.Measure = &m
		}
		ps.Score = Classify(ps.Measure, t)
		out = append(out, ps)
	}
	return out
}

// ScorePresence classifies every parcel in ids by whether it intersects the layer.
func ScorePresence(ids []string, hits map[string]bool) []ParcelScore {
	out := make([]ParcelScore, 0, len(ids))
	for _, id := range ids {
		out = append(out, ParcelScore{ID: id, Score: ClassifyPresence(hits[id])})
	}
	return out
}

// Counts summarises a classified layer: how many parcels got each score.
func Counts(scores []ParcelScore) map[Score]int {
	out := make(map[Score]int, 3)
	for _, s := range scores {
		out[s.Score]++
	}
	return out
}
