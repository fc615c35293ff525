package importer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	shp "github.com/jonas-p/go-shp"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

// ImportShapefile imports a .shp file and its .dbf attributes. Attributes
// become columns, the shape is stored as GeoJSON geometry text.
func ImportShapefile(
	ctx context.Context,
	e *engine.Engine,
	tableName string,
	filePath string,
	opts *ImportOptions,
) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	applyDefaults(opts)

	r, err := shp.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open shapefile: %w", err)
	}
	defer r.Close()

	fields := r.Fields()
	var feats []feature
	for r.Next() {
		idx, shape := r.Shape()
		props := make(map[string]any, len(fields))
		for fi, fld := range fields {
			// dBase pads character fields with spaces.
			props[fld.String()] = strings.TrimSpace(r.ReadAttribute(idx, fi))
		}
		f := feature{props: props}
		if g := shapeGeometry(shape); g != nil {
			f.geom = g
		}
		feats = append(feats, f)
	}
	if len(feats) == 0 {
		return nil, fmt.Errorf("no features found in shapefile %s", filepath.Base(filePath))
	}
	return loadFeatures(ctx, e, tableName, feats, opts)
}

// shapeGeometry converts the shape kinds the importer understands. Every
// part of a multi-part polyline or polygon ends up in one list.
func shapeGeometry(s shp.Shape) *geometry {
	points := func(ps []shp.Point) [][]float64 {
		out := make([][]float64, len(ps))
		for i, p := range ps {
			out[i] = []float64{p.X, p.Y}
		}
		return out
	}
	switch s := s.(type) {
	case *shp.Point:
		return &geometry{Type: "Point", Coordinates: []float64{s.X, s.Y}}
	case *shp.PolyLine:
		return &geometry{Type: "LineString", Coordinates: points(s.Points)}
	case *shp.Polygon:
		return &geometry{Type: "Polygon", Coordinates: [][][]float64{points(s.Points)}}
	}
	return nil
}
