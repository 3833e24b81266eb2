// Package overlay measures how reference layers overlap the parcel dataset.
//
// An Engine answers two questions per layer: which parcels intersect it
// (presence mode) and, for each intersecting parcel, the length or area of
// the layer inside it after dissolving by parcel identifier (magnitude
// mode). Measurements are taken in a fixed projected CRS and reported in
// miles for polylines and acres for polygons.
package overlay

import (
	"context"

	"github.com/sells-group/parcelscore/internal/model"
)

// Engine performs the geoprocessing steps for one parcel dataset.
type Engine interface {
	// Name identifies the engine in logs and the run ledger.
	Name() string

	// CheckParcels verifies the identifier field exists and is unique.
	CheckParcels(ctx context.Context) error

	// ParcelIDs returns every parcel identifier in a stable order.
	ParcelIDs(ctx context.Context) ([]string, error)

	// Describe resolves a layer source to its name and shape type.
	Describe(ctx context.Context, source string) (model.Layer, error)

	// Intersects returns the identifiers of parcels touching the layer.
	Intersects(ctx context.Context, layer model.Layer) (map[string]bool, error)

	// Measure returns the dissolved overlap per intersecting parcel, in
	// miles (polylines) or acres (polygons). Parcels with no overlap are
	// absent from the result.
	Measure(ctx context.Context, layer model.Layer) (map[string]float64, error)

	// Close releases engine resources.
	Close() error
}

// CheckLayer rejects layers whose overlap cannot be measured. Points and
// unknown geometry kinds are refused in both modes.
func CheckLayer(layer model.Layer) error {
	if !layer.ShapeType.Measurable() {
		return Preconditionf(layer.Name, "unsupported geometry type %q (only Polygon and Polyline layers can be scored)", layer.ShapeType)
	}
	return nil
}
