package overlay

import (
	"context"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geos"
	"go.uber.org/zap"

	"github.com/sells-group/parcelscore/internal/model"
	"github.com/sells-group/parcelscore/internal/shapefile"
)

// GEOSConfig locates the parcel shapefile and describes its CRS. Parcels and
// layers must already be projected into the working CRS.
type GEOSConfig struct {
	Parcels string // parcel shapefile path
	IDField string
	SRID    int
	Unit    LinearUnit
}

// shape is a feature prepared for overlay: GEOS geometry plus go-geom
// bounds for the envelope prefilter.
type shape struct {
	id     string
	bounds *geom.Bounds
	geom   *geos.Geom
}

// GEOS runs overlays in process with libgeos, reading parcels and layers
// from shapefiles.
type GEOS struct {
	cfg     GEOSConfig
	log     *zap.Logger
	parcels []shape
	loaded  bool
}

// NewGEOS creates an in-process engine. Parcels are read on first use.
func NewGEOS(cfg GEOSConfig) (*GEOS, error) {
	if cfg.Parcels == "" {
		return nil, eris.New("overlay: parcels shapefile required")
	}
	if cfg.IDField == "" {
		return nil, eris.New("overlay: identifier field required")
	}
	if cfg.SRID <= 0 {
		cfg.SRID = DefaultSRID
	}
	if cfg.Unit == "" {
		cfg.Unit = USSurveyFoot
	}
	return &GEOS{
		cfg: cfg,
		log: zap.L().With(
			zap.String("component", "overlay.geos"),
			zap.String("parcels", cfg.Parcels),
		),
	}, nil
}

// Name implements Engine.
func (e *GEOS) Name() string { return "geos" }

// Close implements Engine.
func (e *GEOS) Close() error {
	e.parcels = nil
	e.loaded = false
	return nil
}

// CheckParcels implements Engine.
func (e *GEOS) CheckParcels(ctx context.Context) error {
	return e.load(ctx)
}

// ParcelIDs implements Engine. Identifiers are returned sorted.
func (e *GEOS) ParcelIDs(ctx context.Context) ([]string, error) {
	if err := e.load(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, len(e.parcels))
	for i, p := range e.parcels {
		ids[i] = p.id
	}
	sort.Strings(ids)
	return ids, nil
}

// Describe implements Engine. source is a shapefile path.
func (e *GEOS) Describe(_ context.Context, source string) (model.Layer, error) {
	layer, err := shapefile.Describe(source)
	if err != nil {
		return model.Layer{}, &PreconditionError{Layer: model.LayerName(source), Reason: "cannot open layer", Err: err}
	}
	return layer, nil
}

func (e *GEOS) load(_ context.Context) error {
	if e.loaded {
		return nil
	}

	ds, err := shapefile.Read(e.cfg.Parcels, e.cfg.SRID)
	if err != nil {
		return &PreconditionError{Reason: "cannot read parcels", Err: err}
	}
	if ds.ShapeType != model.ShapePolygon {
		return Preconditionf("", "parcels must be polygons, got %s", ds.ShapeType)
	}

	hasField := false
	for _, f := range ds.Fields {
		if f == e.cfg.IDField {
			hasField = true
			break
		}
	}
	if !hasField {
		return Preconditionf("", "identifier field %q not found on %s", e.cfg.IDField, e.cfg.Parcels)
	}
	if len(ds.Features) > 0 && looksGeographic(ds.Box.MinX, ds.Box.MinY, ds.Box.MaxX, ds.Box.MaxY) {
		return Preconditionf("", "parcels appear to be in geographic coordinates; project them first")
	}

	seen := make(map[string]bool, len(ds.Features))
	parcels := make([]shape, 0, len(ds.Features))
	for i, feat := range ds.Features {
		id := feat.Attributes[e.cfg.IDField]
		if id == "" {
			return Preconditionf("", "parcel record %d has no %s value", i, e.cfg.IDField)
		}
		if seen[id] {
			return Preconditionf("", "identifier field %q is not unique (duplicate %q)", e.cfg.IDField, id)
		}
		seen[id] = true

		s, err := toShape(id, feat.Geometry)
		if err != nil {
			return NewEngineError("", "read parcels", err)
		}
		parcels = append(parcels, s)
	}

	e.parcels = parcels
	e.loaded = true
	e.log.Info("parcels loaded", zap.Int("parcels", len(parcels)))
	return nil
}

func toShape(id string, g geom.T) (shape, error) {
	if g == nil {
		return shape{id: id}, nil
	}
	data, err := shapefile.EncodeWKB(g)
	if err != nil {
		return shape{}, err
	}
	gg, err := geos.NewGeomFromWKB(data)
	if err != nil {
		return shape{}, err
	}
	return shape{id: id, bounds: g.Bounds(), geom: gg}, nil
}

func (e *GEOS) readLayer(layer model.Layer) ([]shape, error) {
	ds, err := shapefile.Read(layer.Source, e.cfg.SRID)
	if err != nil {
		return nil, &PreconditionError{Layer: layer.Name, Reason: "cannot read layer", Err: err}
	}
	if len(ds.Features) > 0 && looksGeographic(ds.Box.MinX, ds.Box.MinY, ds.Box.MaxX, ds.Box.MaxY) {
		return nil, Preconditionf(layer.Name, "layer appears to be in geographic coordinates; project it first")
	}

	out := make([]shape, 0, len(ds.Features))
	for _, feat := range ds.Features {
		if feat.Geometry == nil {
			continue
		}
		s, err := toShape("", feat.Geometry)
		if err != nil {
			return nil, NewEngineError(layer.Name, "read layer", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// candidates returns layer features whose envelope overlaps the parcel's.
func candidates(p shape, features []shape) []shape {
	if p.geom == nil {
		return nil
	}
	var out []shape
	for _, f := range features {
		if p.bounds.Overlaps(geom.XY, f.bounds) {
			out = append(out, f)
		}
	}
	return out
}

// guard turns a GEOS panic into an EngineError. It must be deferred directly.
func guard(layer string, step *string, err *error) {
	if r := recover(); r != nil {
		*err = &EngineError{Layer: layer, Step: *step, Err: fmt.Errorf("geos: %v", r)}
	}
}

// Intersects implements Engine.
func (e *GEOS) Intersects(ctx context.Context, layer model.Layer) (hits map[string]bool, err error) {
	if err := CheckLayer(layer); err != nil {
		return nil, err
	}
	if err := e.load(ctx); err != nil {
		return nil, err
	}
	features, err := e.readLayer(layer)
	if err != nil {
		return nil, err
	}
	step := "intersect"
	defer guard(layer.Name, &step, &err)

	e.log.Info("selecting intersecting parcels", zap.String("layer", layer.Name))
	hits = make(map[string]bool)
	for _, p := range e.parcels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, f := range candidates(p, features) {
			if p.geom.Intersects(f.geom) {
				hits[p.id] = true
				break
			}
		}
	}
	return hits, nil
}

// dissolve unions one parcel's overlap pieces. Pieces are repaired first and
// only components of the layer's dimension are kept, so a feature that only
// touches the parcel adds nothing and cannot break the union.
func dissolve(pieces []*geos.Geom, shape model.ShapeType) *geos.Geom {
	var parts []*geos.Geom
	for _, p := range pieces {
		parts = appendParts(parts, p.MakeValid(), shape)
	}
	if len(parts) == 0 {
		return nil
	}
	return geos.NewCollection(geos.TypeIDGeometryCollection, parts).UnaryUnion()
}

// appendParts appends copies of g's simple components that match the
// dimension of shape.
func appendParts(parts []*geos.Geom, g *geos.Geom, shape model.ShapeType) []*geos.Geom {
	if g == nil || g.IsEmpty() {
		return parts
	}
	switch g.TypeID() {
	case geos.TypeIDMultiPolygon, geos.TypeIDMultiLineString, geos.TypeIDMultiPoint, geos.TypeIDGeometryCollection:
		for i := 0; i < g.NumGeometries(); i++ {
			parts = appendParts(parts, g.Geometry(i), shape)
		}
	case geos.TypeIDPolygon:
		if shape == model.ShapePolygon {
			parts = append(parts, g.Clone())
		}
	case geos.TypeIDLineString, geos.TypeIDLinearRing:
		if shape == model.ShapePolyline {
			parts = append(parts, g.Clone())
		}
	}
	return parts
}

// Measure implements Engine. Each parcel's overlap pieces are unioned
// before measuring, so overlapping layer features count once.
func (e *GEOS) Measure(ctx context.Context, layer model.Layer) (out map[string]float64, err error) {
	if err := CheckLayer(layer); err != nil {
		return nil, err
	}
	if err := e.load(ctx); err != nil {
		return nil, err
	}
	features, err := e.readLayer(layer)
	if err != nil {
		return nil, err
	}

	log := e.log.With(zap.String("layer", layer.Name))
	step := "intersect"
	defer guard(layer.Name, &step, &err)

	log.Info("intersecting layer with parcels", zap.Int("features", len(features)))
	pieces := make(map[string][]*geos.Geom)
	for _, p := range e.parcels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, f := range candidates(p, features) {
			if !p.geom.Intersects(f.geom) {
				continue
			}
			piece := p.geom.Intersection(f.geom)
			if piece == nil || piece.IsEmpty() {
				continue
			}
			pieces[p.id] = append(pieces[p.id], piece)
		}
	}

	step = "dissolve"
	log.Info("dissolving overlap by parcel", zap.Int("parcels", len(pieces)))
	dissolved := make(map[string]*geos.Geom, len(pieces))
	for id, ps := range pieces {
		if u := dissolve(ps, layer.ShapeType); u != nil {
			dissolved[id] = u
		}
	}

	step = "measure"
	log.Info("calculating overlap geometry")
	out = make(map[string]float64, len(dissolved))
	for id, g := range dissolved {
		var raw float64
		if layer.ShapeType == model.ShapePolyline {
			raw = g.Length()
		} else {
			raw = g.Area()
		}
		// Touching only yields lower-dimension pieces with no extent.
		if raw <= 0 {
			continue
		}
		out[id] = e.cfg.Unit.Convert(raw, layer.ShapeType)
	}

	log.Info("overlap measured", zap.Int("parcels", len(out)))
	return out, nil
}
