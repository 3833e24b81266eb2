package model

import (
	"path/filepath"
	"strings"
)

// ShapeType is the geometry kind of a reference layer.
type ShapeType string

const (
	ShapePolygon  ShapeType = "Polygon"
	ShapePolyline ShapeType = "Polyline"
	ShapePoint    ShapeType = "Point"
	ShapeUnknown  ShapeType = "Unknown"
)

// Measurable reports whether overlap with this shape type can be measured.
// Only lines (length) and polygons (area) qualify.
func (s ShapeType) Measurable() bool {
	return s == ShapePolygon || s == ShapePolyline
}

// Unit returns the overlap measurement unit for the shape type.
func (s ShapeType) Unit() Unit {
	switch s {
	case ShapePolygon:
		return UnitAcres
	case ShapePolyline:
		return UnitMiles
	default:
		return UnitNone
	}
}

// ShapeTypeFromPostGIS maps a geometry_columns.type value to a ShapeType.
func ShapeTypeFromPostGIS(t string) ShapeType {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "POLYGON", "MULTIPOLYGON":
		return ShapePolygon
	case "LINESTRING", "MULTILINESTRING":
		return ShapePolyline
	case "POINT", "MULTIPOINT":
		return ShapePoint
	default:
		return ShapeUnknown
	}
}

// Unit is the unit an overlap measurement is expressed in.
type Unit string

const (
	UnitMiles Unit = "Miles"
	UnitAcres Unit = "Acres"
	UnitNone  Unit = ""
)

// Layer describes a reference layer scored against the parcels.
type Layer struct {
	Name      string    `json:"name" yaml:"name"`
	Source    string    `json:"source" yaml:"source"` // shapefile path or schema-qualified table
	ShapeType ShapeType `json:"shape_type" yaml:"shape_type"`
	Geometry  string    `json:"geometry,omitempty" yaml:"geometry,omitempty"` // geometry column, PostGIS only
	SRID      int       `json:"srid,omitempty" yaml:"srid,omitempty"`
}

// LayerName derives a layer name from its source: the base name of a
// shapefile without extension, or the bare name of a schema-qualified table.
func LayerName(source string) string {
	source = strings.TrimSpace(source)
	if strings.ContainsAny(source, `/\`) || strings.EqualFold(filepath.Ext(source), ".shp") {
		base := filepath.Base(strings.ReplaceAll(source, `\`, "/"))
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	if i := strings.LastIndex(source, "."); i >= 0 {
		return source[i+1:]
	}
	return source
}
