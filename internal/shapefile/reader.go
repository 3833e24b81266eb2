// Package shapefile reads ESRI shapefiles into go-geom geometries, loads
// them into PostGIS and fetches zipped shapefile archives.
package shapefile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/parcelscore/internal/model"
)

// Feature is one shapefile record.
type Feature struct {
	Geometry   geom.T // nil for null shapes
	Attributes map[string]string
}

// Box is a dataset bounding box.
type Box struct {
	MinX, MinY, MaxX, MaxY float64
}

// Dataset is a fully decoded shapefile.
type Dataset struct {
	Name      string
	Path      string
	ShapeType model.ShapeType
	Fields    []string
	Features  []Feature
	Box       Box
}

// ShapeTypeOf maps a go-shp shape type to a layer shape type.
func ShapeTypeOf(t shp.ShapeType) model.ShapeType {
	switch t {
	case shp.POLYGON, shp.POLYGONZ, shp.POLYGONM:
		return model.ShapePolygon
	case shp.POLYLINE, shp.POLYLINEZ, shp.POLYLINEM:
		return model.ShapePolyline
	case shp.POINT, shp.POINTZ, shp.POINTM, shp.MULTIPOINT, shp.MULTIPOINTZ, shp.MULTIPOINTM:
		return model.ShapePoint
	default:
		return model.ShapeUnknown
	}
}

// Describe reads only the header of a shapefile and reports its layer name
// and shape type.
func Describe(path string) (model.Layer, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return model.Layer{}, eris.Wrapf(err, "shapefile: open %s", path)
	}
	defer func() { _ = reader.Close() }()

	return model.Layer{
		Name:      model.LayerName(path),
		Source:    path,
		ShapeType: ShapeTypeOf(reader.GeometryType),
	}, nil
}

// Read decodes every record of a shapefile. Attribute text is decoded using
// the sidecar .cpg code page when present; geometries are tagged with srid.
func Read(path string, srid int) (*Dataset, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: open %s", path)
	}
	defer func() { _ = reader.Close() }()

	dec := codePage(path)

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
	}

	box := reader.BBox()
	ds := &Dataset{
		Name:      model.LayerName(path),
		Path:      path,
		ShapeType: ShapeTypeOf(reader.GeometryType),
		Fields:    names,
		Box:       Box{MinX: box.MinX, MinY: box.MinY, MaxX: box.MaxX, MaxY: box.MaxY},
	}

	var empty int
	for reader.Next() {
		n, shape := reader.Shape()

		attrs := make(map[string]string, len(names))
		for i, name := range names {
			attrs[name] = decodeAttribute(dec, reader.ReadAttribute(n, i))
		}

		g := ToGeom(shape, srid)
		if g == nil {
			empty++
		}
		ds.Features = append(ds.Features, Feature{Geometry: g, Attributes: attrs})
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrapf(err, "shapefile: read %s", path)
	}

	if empty > 0 {
		zap.L().Debug("shapefile: records without geometry",
			zap.String("path", path),
			zap.Int("empty", empty),
		)
	}

	return ds, nil
}

func decodeAttribute(dec *encoding.Decoder, raw string) string {
	raw = strings.TrimSpace(strings.TrimRight(raw, "\x00"))
	if dec == nil || raw == "" {
		return raw
	}
	out, err := dec.String(raw)
	if err != nil {
		return raw
	}
	return out
}

// codePage returns a decoder for the .cpg sidecar of path, or nil when the
// file is missing, declares UTF-8 or names an unknown encoding.
func codePage(path string) *encoding.Decoder {
	cpg := strings.TrimSuffix(path, filepath.Ext(path)) + ".cpg"
	data, err := os.ReadFile(cpg)
	if err != nil {
		return nil
	}
	name := normalizeCodePage(string(data))
	if name == "" || name == "utf-8" {
		return nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		zap.L().Debug("shapefile: unknown code page", zap.String("cpg", cpg), zap.String("name", name))
		return nil
	}
	return enc.NewDecoder()
}

// normalizeCodePage maps ArcGIS .cpg spellings ("1252", "ANSI 1252",
// "UTF8") to WHATWG encoding labels.
func normalizeCodePage(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "ansi ")
	switch s {
	case "":
		return ""
	case "utf8", "utf-8", "65001":
		return "utf-8"
	case "88591", "8859_1", "iso88591":
		return "iso-8859-1"
	}
	allDigits := true
	for _, r := range s {
		if r < '0' || r > '9' {
			allDigits = false
			break
		}
	}
	if allDigits {
		return "windows-" + s
	}
	return s
}
