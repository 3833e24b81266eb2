package shapefile

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jonas-p/go-shp"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/sells-group/parcelscore/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// square returns a closed clockwise ring.
func square(x0, y0, size float64) []shp.Point {
	return []shp.Point{
		{X: x0, Y: y0},
		{X: x0, Y: y0 + size},
		{X: x0 + size, Y: y0 + size},
		{X: x0 + size, Y: y0},
		{X: x0, Y: y0},
	}
}

// reversed returns the ring in the opposite orientation.
func reversed(ring []shp.Point) []shp.Point {
	out := make([]shp.Point, len(ring))
	for i, p := range ring {
		out[len(ring)-1-i] = p
	}
	return out
}

func polygon(rings ...[]shp.Point) *shp.Polygon {
	p := shp.Polygon(*shp.NewPolyLine(rings))
	return &p
}

func writeParcels(t *testing.T, path string, ids []string, shapes []shp.Shape) {
	t.Helper()
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	w.SetFields([]shp.Field{shp.StringField("MAPID", 20)}) //nolint:errcheck
	for i, s := range shapes {
		n := w.Write(s)
		w.WriteAttribute(int(n), 0, ids[i]) //nolint:errcheck
	}
	w.Close()
	fixDBFName(t, path)
}

// fixDBFName moves the attribute file go-shp writes as "<base>dbf" to
// "<base>.dbf", where shp.Open looks for it.
func fixDBFName(t *testing.T, path string) {
	t.Helper()
	base := strings.TrimSuffix(path, ".shp")
	require.NoError(t, os.Rename(base+"dbf", base+".dbf"))
}

func TestToGeom_PolygonWithHole(t *testing.T) {
	g := ToGeom(polygon(square(0, 0, 10), reversed(square(2, 2, 2))), 6590)
	require.NotNil(t, g)

	mp, ok := g.(*geom.MultiPolygon)
	require.True(t, ok)
	assert.Equal(t, 1, mp.NumPolygons())
	assert.Equal(t, 2, mp.Polygon(0).NumLinearRings())
	assert.Equal(t, 6590, mp.SRID())
	assert.InDelta(t, 96.0, mp.Area(), 1e-9)
}

func TestToGeom_RingsUseOGCOrientation(t *testing.T) {
	g := ToGeom(polygon(square(0, 0, 10), reversed(square(2, 2, 2)), reversed(square(50, 50, 2))), 6590)
	mp, ok := g.(*geom.MultiPolygon)
	require.True(t, ok)
	require.Equal(t, 2, mp.NumPolygons())

	outer := mp.Polygon(0).LinearRing(0)
	hole := mp.Polygon(0).LinearRing(1)
	assert.True(t, xy.IsRingCounterClockwise(geom.XY, outer.FlatCoords()))
	assert.False(t, xy.IsRingCounterClockwise(geom.XY, hole.FlatCoords()))
	assert.Equal(t, []float64{0, 0}, outer.FlatCoords()[:2])

	orphan := mp.Polygon(1).LinearRing(0)
	assert.True(t, xy.IsRingCounterClockwise(geom.XY, orphan.FlatCoords()))
	assert.InDelta(t, 100.0, mp.Area(), 1e-9)
}

func TestToGeom_MultiPartPolygon(t *testing.T) {
	g := ToGeom(polygon(square(0, 0, 10), square(20, 0, 5)), 6590)
	mp, ok := g.(*geom.MultiPolygon)
	require.True(t, ok)
	assert.Equal(t, 2, mp.NumPolygons())
}

func TestToGeom_OrphanHoleBecomesOuter(t *testing.T) {
	g := ToGeom(polygon(square(0, 0, 10), reversed(square(50, 50, 2))), 6590)
	mp, ok := g.(*geom.MultiPolygon)
	require.True(t, ok)
	assert.Equal(t, 2, mp.NumPolygons())
}

func TestToGeom_PolyLine(t *testing.T) {
	pl := shp.NewPolyLine([][]shp.Point{
		{{X: 0, Y: 0}, {X: 10, Y: 0}},
		{{X: 0, Y: 5}, {X: 0, Y: 15}},
	})
	g := ToGeom(pl, 6590)
	mls, ok := g.(*geom.MultiLineString)
	require.True(t, ok)
	assert.Equal(t, 2, mls.NumLineStrings())
	assert.InDelta(t, 20.0, mls.Length(), 1e-9)
}

func TestToGeom_Point(t *testing.T) {
	g := ToGeom(&shp.Point{X: 1, Y: 2}, 6590)
	p, ok := g.(*geom.Point)
	require.True(t, ok)
	assert.Equal(t, 1.0, p.X())
}

func TestToGeom_NilAndNull(t *testing.T) {
	assert.Nil(t, ToGeom(nil, 6590))
	assert.Nil(t, ToGeom(&shp.Null{}, 6590))
}

func TestEncodeWKB(t *testing.T) {
	g := ToGeom(polygon(square(0, 0, 10)), 6590)

	plain, err := EncodeWKB(g)
	require.NoError(t, err)
	assert.NotEmpty(t, plain)

	ext, err := EncodeEWKB(g)
	require.NoError(t, err)
	assert.Greater(t, len(ext), len(plain), "EWKB carries the SRID")

	empty, err := EncodeEWKB(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestShapeTypeOf(t *testing.T) {
	assert.Equal(t, model.ShapePolygon, ShapeTypeOf(shp.POLYGONZ))
	assert.Equal(t, model.ShapePolyline, ShapeTypeOf(shp.POLYLINE))
	assert.Equal(t, model.ShapePoint, ShapeTypeOf(shp.MULTIPOINT))
	assert.Equal(t, model.ShapeUnknown, ShapeTypeOf(shp.MULTIPATCH))
}

func TestReadAndDescribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Parcels.shp")
	writeParcels(t, path,
		[]string{"P1", "P2"},
		[]shp.Shape{polygon(square(0, 0, 10)), polygon(square(20, 0, 10))},
	)

	layer, err := Describe(path)
	require.NoError(t, err)
	assert.Equal(t, "Parcels", layer.Name)
	assert.Equal(t, model.ShapePolygon, layer.ShapeType)

	ds, err := Read(path, 6590)
	require.NoError(t, err)
	assert.Equal(t, []string{"MAPID"}, ds.Fields)
	require.Len(t, ds.Features, 2)
	assert.Equal(t, "P1", ds.Features[0].Attributes["MAPID"])
	assert.Equal(t, "P2", ds.Features[1].Attributes["MAPID"])
	assert.NotNil(t, ds.Features[0].Geometry)
	assert.InDelta(t, 30.0, ds.Box.MaxX, 1e-9)
}

func TestRead_CodePage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Names.shp")
	writeParcels(t, path, []string{"Rivi\xe8re"}, []shp.Shape{polygon(square(0, 0, 10))})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Names.cpg"), []byte("1252\n"), 0o644))

	ds, err := Read(path, 6590)
	require.NoError(t, err)
	assert.Equal(t, "Rivière", ds.Features[0].Attributes["MAPID"])
}

func TestRead_MissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.shp"), 6590)
	assert.Error(t, err)
}

func TestNormalizeCodePage(t *testing.T) {
	tests := map[string]string{
		"":          "",
		"UTF-8":     "utf-8",
		"utf8":      "utf-8",
		"1252":      "windows-1252",
		"ANSI 1252": "windows-1252",
		"88591":     "iso-8859-1",
		"big5":      "big5",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeCodePage(in), "input %q", in)
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestExtractZIP(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "layer.zip")
	writeZip(t, zipPath, map[string]string{"wetlands/Wetlands.shp": "x", "wetlands/Wetlands.dbf": "y"})

	out := filepath.Join(dir, "out")
	files, err := ExtractZIP(zipPath, out)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	shpPath, err := FindByExt(out, ".SHP")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "wetlands", "Wetlands.shp"), shpPath)
}

func TestExtractZIP_ZipSlip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.zip")
	writeZip(t, zipPath, map[string]string{"../evil.txt": "x"})

	_, err := ExtractZIP(zipPath, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestFindByExt_None(t *testing.T) {
	_, err := FindByExt(t.TempDir(), ".shp")
	assert.Error(t, err)
}

func TestDownloader_FetchZip(t *testing.T) {
	src := t.TempDir()
	zipPath := filepath.Join(src, "streams.zip")
	writeZip(t, zipPath, map[string]string{"Streams.shp": "x", "Streams.dbf": "y"})
	body, err := os.ReadFile(zipPath)
	require.NoError(t, err)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "parcelscore/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dest := t.TempDir()
	d := NewDownloader(DownloadOptions{RatePerHost: 100})
	got, err := d.Fetch(context.Background(), srv.URL+"/data/streams.zip", dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "streams", "Streams.shp"), got)

	// Second fetch reuses the archive on disk.
	_, err = d.Fetch(context.Background(), srv.URL+"/data/streams.zip", dest)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloader_RetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("shp"))
	}))
	defer srv.Close()

	d := NewDownloader(DownloadOptions{RatePerHost: 100, MaxRetries: 2})
	got, err := d.Fetch(context.Background(), srv.URL+"/Wells.shp", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "Wells.shp", filepath.Base(got))
	assert.Equal(t, int32(2), hits.Load())
}

func TestDownloader_NotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dest := t.TempDir()
	d := NewDownloader(DownloadOptions{RatePerHost: 100})
	_, err := d.Fetch(context.Background(), srv.URL+"/missing.zip", dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, int32(1), hits.Load())

	_, statErr := os.Stat(filepath.Join(dest, "missing.zip"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloader_UnsupportedScheme(t *testing.T) {
	d := NewDownloader(DownloadOptions{})
	_, err := d.Fetch(context.Background(), "s3://bucket/layer.zip", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParseFTPURL(t *testing.T) {
	host, p, err := parseFTPURL(mustURL(t, "ftp://ftp.example.gov/pub/layers.zip"))
	require.NoError(t, err)
	assert.Equal(t, "ftp.example.gov:21", host)
	assert.Equal(t, "/pub/layers.zip", p)

	host, _, err = parseFTPURL(mustURL(t, "ftp://ftp.example.gov:2121/x.zip"))
	require.NoError(t, err)
	assert.Equal(t, "ftp.example.gov:2121", host)

	_, _, err = parseFTPURL(mustURL(t, "http://example.gov/x.zip"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ds := &Dataset{
		Name:      "Wetlands",
		ShapeType: model.ShapePolygon,
		Fields:    []string{"CLASS"},
		Features: []Feature{
			{Geometry: ToGeom(polygon(square(0, 0, 10)), 6590), Attributes: map[string]string{"CLASS": "PEM"}},
			{Geometry: nil, Attributes: map[string]string{"CLASS": "X"}},
			{Geometry: ToGeom(polygon(square(5, 5, 10)), 6590), Attributes: map[string]string{"CLASS": ""}},
		},
	}

	table := pgx.Identifier{"erf", "wetlands"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "erf"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`DROP TABLE IF EXISTS "erf"."wetlands"`).WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec(`CREATE TABLE "erf"."wetlands" \("CLASS" text, "geom" geometry\(MultiPolygon, 6590\)\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(table, []string{"CLASS", "geom"}).WillReturnResult(2)
	mock.ExpectExec(`CREATE INDEX "wetlands_geom_idx" ON "erf"."wetlands" USING GIST`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCommit()

	res, err := Load(context.Background(), mock, ds, table, LoadOptions{SRID: 6590, Replace: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, 1, res.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_CreateFailsRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ds := &Dataset{Name: "Streams", ShapeType: model.ShapePolyline}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE "streams"`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = Load(context.Background(), mock, ds, pgx.Identifier{"streams"}, LoadOptions{SRID: 6590})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_RequiresSRID(t *testing.T) {
	_, err := Load(context.Background(), nil, &Dataset{Name: "x"}, pgx.Identifier{"x"}, LoadOptions{})
	assert.Error(t, err)
}
