package overlay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/parcelscore/internal/model"
)

// Vermont state plane coordinates, US survey feet.
const (
	x0 = 1500000.0
	y0 = 200000.0
)

// rect returns a closed clockwise ring.
func rect(minX, minY, w, h float64) []shp.Point {
	return []shp.Point{
		{X: minX, Y: minY},
		{X: minX, Y: minY + h},
		{X: minX + w, Y: minY + h},
		{X: minX + w, Y: minY},
		{X: minX, Y: minY},
	}
}

func poly(ring []shp.Point) shp.Shape {
	p := shp.Polygon(*shp.NewPolyLine([][]shp.Point{ring}))
	return &p
}

func line(pts ...shp.Point) shp.Shape {
	return shp.NewPolyLine([][]shp.Point{pts})
}

// writeShapes writes a shapefile with a single text attribute per record.
func writeShapes(t *testing.T, path string, kind shp.ShapeType, field string, values []string, shapes []shp.Shape) {
	t.Helper()
	w, err := shp.Create(path, kind)
	require.NoError(t, err)
	w.SetFields([]shp.Field{shp.StringField(field, 20)}) //nolint:errcheck
	for i, s := range shapes {
		n := w.Write(s)
		w.WriteAttribute(int(n), 0, values[i]) //nolint:errcheck
	}
	w.Close()

	// go-shp names the attribute file "<base>dbf"; shp.Open wants "<base>.dbf".
	base := strings.TrimSuffix(path, ".shp")
	require.NoError(t, os.Rename(base+"dbf", base+".dbf"))
}

type fixture struct {
	dir      string
	parcels  string
	wetlands string
	streams  string
	wells    string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:      dir,
		parcels:  filepath.Join(dir, "Parcels.shp"),
		wetlands: filepath.Join(dir, "Wetlands.shp"),
		streams:  filepath.Join(dir, "Streams.shp"),
		wells:    filepath.Join(dir, "Wells.shp"),
	}

	// P1 and P2 are 1000 ft squares 1000 ft apart; P3 is far away.
	writeShapes(t, f.parcels, shp.POLYGON, "MAPID",
		[]string{"P1", "P2", "P3"},
		[]shp.Shape{
			poly(rect(x0, y0, 1000, 1000)),
			poly(rect(x0+2000, y0, 1000, 1000)),
			poly(rect(x0+50000, y0, 1000, 1000)),
		})

	// Two wetland polygons overlap each other inside P1; a third only
	// touches the east edge of P2.
	writeShapes(t, f.wetlands, shp.POLYGON, "CLASS",
		[]string{"A", "B", "C"},
		[]shp.Shape{
			poly(rect(x0, y0, 500, 500)),
			poly(rect(x0+250, y0, 500, 500)),
			poly(rect(x0+3000, y0, 500, 500)),
		})

	// One stream crosses P1 east-west, extending 100 ft past each side.
	writeShapes(t, f.streams, shp.POLYLINE, "NAME",
		[]string{"Otter Creek"},
		[]shp.Shape{line(shp.Point{X: x0 - 100, Y: y0 + 500}, shp.Point{X: x0 + 1100, Y: y0 + 500})})

	writeShapes(t, f.wells, shp.POINT, "WELLID",
		[]string{"W1"},
		[]shp.Shape{&shp.Point{X: x0 + 10, Y: y0 + 10}})

	return f
}

func newGEOS(t *testing.T, parcels string) *GEOS {
	t.Helper()
	e, err := NewGEOS(GEOSConfig{Parcels: parcels, IDField: "MAPID"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestGEOS_ParcelIDs(t *testing.T) {
	f := newFixture(t)
	e := newGEOS(t, f.parcels)

	require.NoError(t, e.CheckParcels(context.Background()))
	ids, err := e.ParcelIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2", "P3"}, ids)
}

func TestGEOS_Describe(t *testing.T) {
	f := newFixture(t)
	e := newGEOS(t, f.parcels)

	layer, err := e.Describe(context.Background(), f.streams)
	require.NoError(t, err)
	assert.Equal(t, "Streams", layer.Name)
	assert.Equal(t, model.ShapePolyline, layer.ShapeType)

	_, err = e.Describe(context.Background(), filepath.Join(f.dir, "Missing.shp"))
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
}

func TestGEOS_Intersects(t *testing.T) {
	f := newFixture(t)
	e := newGEOS(t, f.parcels)
	ctx := context.Background()

	layer, err := e.Describe(ctx, f.wetlands)
	require.NoError(t, err)

	hits, err := e.Intersects(ctx, layer)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"P1": true, "P2": true}, hits)
}

func TestGEOS_MeasureDissolvesOverlappingFeatures(t *testing.T) {
	f := newFixture(t)
	e := newGEOS(t, f.parcels)
	ctx := context.Background()

	layer, err := e.Describe(ctx, f.wetlands)
	require.NoError(t, err)

	got, err := e.Measure(ctx, layer)
	require.NoError(t, err)

	// A ∪ B inside P1 is 750 x 500 ft; summing A and B would give 500,000 sq ft.
	assert.InDelta(t, 375000.0/43560.0, got["P1"], 1e-6)

	// P2 only touches feature C: no measurable overlap, so no measurement.
	_, ok := got["P2"]
	assert.False(t, ok)
	_, ok = got["P3"]
	assert.False(t, ok)
}

func TestGEOS_MeasureIgnoresEdgeTouch(t *testing.T) {
	f := newFixture(t)
	e := newGEOS(t, f.parcels)
	ctx := context.Background()

	// Inside P1: a 200 ft square, a neighbour sharing P1's whole west edge
	// and a square meeting P1's south-west corner.
	path := filepath.Join(f.dir, "Floodplain.shp")
	writeShapes(t, path, shp.POLYGON, "ZONE",
		[]string{"AE", "X", "X"},
		[]shp.Shape{
			poly(rect(x0+100, y0+100, 200, 200)),
			poly(rect(x0-500, y0, 500, 1000)),
			poly(rect(x0-100, y0-100, 100, 100)),
		})

	layer, err := e.Describe(ctx, path)
	require.NoError(t, err)

	got, err := e.Measure(ctx, layer)
	require.NoError(t, err)
	assert.InDelta(t, 40000.0/43560.0, got["P1"], 1e-9)
	assert.Len(t, got, 1)
}

func TestGEOS_MeasurePolyline(t *testing.T) {
	f := newFixture(t)
	e := newGEOS(t, f.parcels)
	ctx := context.Background()

	layer, err := e.Describe(ctx, f.streams)
	require.NoError(t, err)

	got, err := e.Measure(ctx, layer)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0/5280.0, got["P1"], 1e-9)
	assert.Len(t, got, 1)
}

func TestGEOS_PointLayerRejected(t *testing.T) {
	f := newFixture(t)
	e := newGEOS(t, f.parcels)
	ctx := context.Background()

	layer, err := e.Describe(ctx, f.wells)
	require.NoError(t, err)
	assert.Equal(t, model.ShapePoint, layer.ShapeType)

	_, err = e.Measure(ctx, layer)
	assert.True(t, IsPrecondition(err))
	_, err = e.Intersects(ctx, layer)
	assert.True(t, IsPrecondition(err))
}

func TestGEOS_DuplicateIdentifier(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Dupes.shp")
	writeShapes(t, path, shp.POLYGON, "MAPID",
		[]string{"P1", "P1"},
		[]shp.Shape{poly(rect(x0, y0, 10, 10)), poly(rect(x0+20, y0, 10, 10))})

	err := newGEOS(t, path).CheckParcels(context.Background())
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
	assert.Contains(t, err.Error(), "not unique")
}

func TestGEOS_MissingIdentifierField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NoID.shp")
	writeShapes(t, path, shp.POLYGON, "PARCEL", []string{"1"}, []shp.Shape{poly(rect(x0, y0, 10, 10))})

	err := newGEOS(t, path).CheckParcels(context.Background())
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
	assert.Contains(t, err.Error(), `identifier field "MAPID" not found`)
}

func TestGEOS_GeographicParcelsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "LonLat.shp")
	writeShapes(t, path, shp.POLYGON, "MAPID", []string{"P1"}, []shp.Shape{poly(rect(-72.6, 44.2, 0.01, 0.01))})

	err := newGEOS(t, path).CheckParcels(context.Background())
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
	assert.Contains(t, err.Error(), "geographic")
}

func TestNewGEOS_Validation(t *testing.T) {
	_, err := NewGEOS(GEOSConfig{IDField: "MAPID"})
	assert.Error(t, err)
	_, err = NewGEOS(GEOSConfig{Parcels: "p.shp"})
	assert.Error(t, err)
}
