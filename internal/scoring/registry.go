package scoring

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcelscore/internal/model"
)

// MaxFieldLen is the longest field name PostgreSQL stores without truncation.
const MaxFieldLen = 63

// Entry records which fields hold a layer's results on the parcel dataset.
type Entry struct {
	Layer        string     `json:"layer"`
	ScoreField   string     `json:"score_field"`
	MeasureField string     `json:"measure_field,omitempty"` // empty in presence mode
	Unit         model.Unit `json:"unit,omitempty"`
	Mode         Mode       `json:"mode"`
}

// NewEntry builds the registry entry for a layer scored in the given mode.
func NewEntry(layer model.Layer, mode Mode) Entry {
	e := Entry{
		Layer:      layer.Name,
		ScoreField: ScoreField(layer.Name),
		Mode:       mode,
	}
	if mode == ModeMagnitude {
		e.Unit = layer.ShapeType.Unit()
		e.MeasureField = MeasureField(layer.Name, e.Unit)
	}
	return e
}

// Validate checks that the entry's field names can be stored as given.
func (e Entry) Validate() error {
	if e.ScoreField == "" {
		return eris.Errorf("scoring: layer %s has no score field", e.Layer)
	}
	for _, f := range e.fields() {
		if len(f) > MaxFieldLen {
			return eris.Errorf("scoring: field %s for layer %s is longer than %d characters", f, e.Layer, MaxFieldLen)
		}
	}
	return nil
}

func (e Entry) fields() []string {
	if e.MeasureField == "" {
		return []string{e.ScoreField}
	}
	return []string{e.ScoreField, e.MeasureField}
}

// Registry is the ordered set of score fields the total is summed over.
// Layers keep the position of their first registration; re-registering a
// layer replaces its entry in place.
type Registry struct {
	entries []Entry
	index   map[string]int
}

// NewRegistry creates a registry pre-populated with entries, in order.
func NewRegistry(entries ...Entry) *Registry {
	r := &Registry{index: make(map[string]int)}
	for _, e := range entries {
		r.Register(e)
	}
	return r
}

// Register adds or replaces the entry for e.Layer. It reports whether the
// layer was new.
func (r *Registry) Register(e Entry) bool {
	if i, ok := r.index[e.Layer]; ok {
		r.entries[i] = e
		return false
	}
	r.index[e.Layer] = len(r.entries)
	r.entries = append(r.entries, e)
	return true
}

// Lookup returns the entry for a layer.
func (r *Registry) Lookup(layer string) (Entry, bool) {
	i, ok := r.index[layer]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Entries returns a copy of the entries in registration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered layers.
func (r *Registry) Len() int { return len(r.entries) }

// ScoreFields returns the distinct score fields in registration order. The
// total field is never included.
func (r *Registry) ScoreFields() []string {
	seen := make(map[string]bool, len(r.entries))
	var out []string
	for _, e := range r.entries {
		if e.ScoreField == TotalField || seen[e.ScoreField] {
			continue
		}
		seen[e.ScoreField] = true
		out = append(out, e.ScoreField)
	}
	return out
}

// CheckFields returns an error when e would write to the total field or to a
// field owned by another registered layer. Names compare case-insensitively,
// so "Wet-lands" and "Wet lands" cannot share Wet_lands_SCORE.
func (r *Registry) CheckFields(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	for _, f := range e.fields() {
		if strings.EqualFold(f, TotalField) {
			return eris.Errorf("scoring: layer %s maps to the reserved field %s", e.Layer, TotalField)
		}
		for _, other := range r.entries {
			if other.Layer == e.Layer {
				continue
			}
			for _, of := range other.fields() {
				if strings.EqualFold(f, of) {
					return eris.Errorf("scoring: layer %s maps to field %s, already used by layer %s", e.Layer, f, other.Layer)
				}
			}
		}
	}
	return nil
}
