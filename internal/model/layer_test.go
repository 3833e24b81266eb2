package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShapeType_Measurable(t *testing.T) {
	assert.True(t, ShapePolygon.Measurable())
	assert.True(t, ShapePolyline.Measurable())
	assert.False(t, ShapePoint.Measurable())
	assert.False(t, ShapeUnknown.Measurable())
}

func TestShapeType_Unit(t *testing.T) {
	assert.Equal(t, UnitAcres, ShapePolygon.Unit())
	assert.Equal(t, UnitMiles, ShapePolyline.Unit())
	assert.Equal(t, UnitNone, ShapePoint.Unit())
}

func TestShapeTypeFromPostGIS(t *testing.T) {
	tests := []struct {
		in   string
		want ShapeType
	}{
		{"MULTIPOLYGON", ShapePolygon},
		{"polygon", ShapePolygon},
		{"MULTILINESTRING", ShapePolyline},
		{"LINESTRING", ShapePolyline},
		{"POINT", ShapePoint},
		{"MULTIPOINT", ShapePoint},
		{"GEOMETRY", ShapeUnknown},
		{"", ShapeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ShapeTypeFromPostGIS(tt.in))
		})
	}
}

func TestLayerName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"data/Wetlands.shp", "Wetlands"},
		{"Streams.SHP", "Streams"},
		{`C:\gis\River Corridors.shp`, "River Corridors"},
		{"erf.wetlands", "wetlands"},
		{"deer_yards", "deer_yards"},
		{"  erf.streams ", "streams"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, LayerName(tt.in))
		})
	}
}
