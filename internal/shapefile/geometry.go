package shapefile

import (
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/wkb"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"
)

// ToGeom converts a go-shp shape to a go-geom geometry tagged with srid.
// Polylines become MultiLineStrings and polygons become MultiPolygons with
// holes attached to the outer ring that contains them. Z and M values are
// dropped. Returns nil for null or empty shapes.
func ToGeom(shape shp.Shape, srid int) geom.T {
	if shape == nil {
		return nil
	}

	var g geom.T
	switch s := shape.(type) {
	case *shp.Point:
		g = geom.NewPointFlat(geom.XY, []float64{s.X, s.Y}).SetSRID(srid)
	case *shp.PointZ:
		g = geom.NewPointFlat(geom.XY, []float64{s.X, s.Y}).SetSRID(srid)
	case *shp.PointM:
		g = geom.NewPointFlat(geom.XY, []float64{s.X, s.Y}).SetSRID(srid)
	case *shp.PolyLine:
		g = toMultiLineString(s.Parts, s.Points, srid)
	case *shp.PolyLineZ:
		g = toMultiLineString(s.Parts, s.Points, srid)
	case *shp.PolyLineM:
		g = toMultiLineString(s.Parts, s.Points, srid)
	case *shp.Polygon:
		g = toMultiPolygon(s.Parts, s.Points, srid)
	case *shp.PolygonZ:
		g = toMultiPolygon(s.Parts, s.Points, srid)
	case *shp.PolygonM:
		g = toMultiPolygon(s.Parts, s.Points, srid)
	default:
		return nil
	}
	return g
}

// EncodeEWKB marshals g as little-endian EWKB (SRID embedded) for COPY into PostGIS.
func EncodeEWKB(g geom.T) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "shapefile: encode EWKB")
	}
	return data, nil
}

// EncodeWKB marshals g as plain little-endian WKB.
func EncodeWKB(g geom.T) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	data, err := wkb.Marshal(g, wkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "shapefile: encode WKB")
	}
	return data, nil
}

// splitParts slices a shapefile point array into its parts.
func splitParts(parts []int32, points []shp.Point) [][]float64 {
	out := make([][]float64, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || end > int32(len(points)) || start >= end {
			continue
		}
		flat := make([]float64, 0, (end-start)*2)
		for _, p := range points[start:end] {
			flat = append(flat, p.X, p.Y)
		}
		out = append(out, flat)
	}
	return out
}

func toMultiLineString(parts []int32, points []shp.Point, srid int) geom.T {
	mls := geom.NewMultiLineString(geom.XY).SetSRID(srid)
	for i, flat := range splitParts(parts, points) {
		if len(flat) < 4 {
			zap.L().Debug("shapefile: skipping degenerate linestring part", zap.Int("part", i))
			continue
		}
		if err := mls.Push(geom.NewLineStringFlat(geom.XY, flat)); err != nil {
			zap.L().Debug("shapefile: skipping malformed linestring part", zap.Int("part", i), zap.Error(err))
		}
	}
	if mls.NumLineStrings() == 0 {
		return nil
	}
	return mls
}

// toMultiPolygon assembles rings into polygons. Shapefile outer rings run
// clockwise and holes counter-clockwise; each hole joins the first outer
// ring that contains its first vertex, and orphan holes become outers.
// Rings are rewound to the OGC orientation (outers counter-clockwise) so
// go-geom areas come out positive.
func toMultiPolygon(parts []int32, points []shp.Point, srid int) geom.T {
	var outers [][]float64
	var holes [][]float64
	for i, flat := range splitParts(parts, points) {
		if len(flat) < 8 {
			zap.L().Debug("shapefile: skipping degenerate ring", zap.Int("part", i))
			continue
		}
		if xy.IsRingCounterClockwise(geom.XY, flat) {
			holes = append(holes, flat)
		} else {
			outers = append(outers, flat)
		}
	}

	polys := make([][][]float64, len(outers))
	for i, o := range outers {
		polys[i] = [][]float64{reverseRing(o)}
	}
	for _, h := range holes {
		placed := false
		for i, o := range outers {
			if xy.IsPointInRing(geom.XY, geom.Coord{h[0], h[1]}, o) {
				polys[i] = append(polys[i], reverseRing(h))
				placed = true
				break
			}
		}
		if !placed {
			polys = append(polys, [][]float64{h})
		}
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(srid)
	for i, rings := range polys {
		poly := geom.NewPolygon(geom.XY)
		ok := true
		for _, r := range rings {
			if err := poly.Push(geom.NewLinearRingFlat(geom.XY, r)); err != nil {
				zap.L().Debug("shapefile: skipping malformed polygon ring", zap.Int("part", i), zap.Error(err))
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("shapefile: skipping malformed polygon part", zap.Int("part", i), zap.Error(err))
		}
	}
	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// reverseRing returns a copy of an XY ring with its vertex order reversed.
func reverseRing(flat []float64) []float64 {
	n := len(flat) / 2
	out := make([]float64, len(flat))
	for i := 0; i < n; i++ {
		j := n - 1 - i
		out[2*j], out[2*j+1] = flat[2*i], flat[2*i+1]
	}
	return out
}
