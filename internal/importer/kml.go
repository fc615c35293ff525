package importer

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

// The subset of KML the importer reads: placemarks with a point, line or
// polygon outer ring.
type kml struct {
	XMLName    xml.Name       `xml:"kml"`
	Document   *kmlDoc        `xml:"Document"`
	Placemarks []kmlPlacemark `xml:"Placemark"`
}

type kmlDoc struct {
	Placemarks []kmlPlacemark `xml:"Placemark"`
}

type kmlPlacemark struct {
	Name        string         `xml:"name"`
	Description string         `xml:"description"`
	Point       *kmlPoint      `xml:"Point"`
	LineString  *kmlLineString `xml:"LineString"`
	Polygon     *kmlPolygon    `xml:"Polygon"`
}

type kmlPoint struct {
	Coordinates string `xml:"coordinates"`
}
type kmlLineString struct {
	Coordinates string `xml:"coordinates"`
}
type kmlPolygon struct {
	OuterBoundary kmlOuter `xml:"outerBoundaryIs"`
}
type kmlOuter struct {
	LinearRing kmlLinearRing `xml:"LinearRing"`
}
type kmlLinearRing struct {
	Coordinates string `xml:"coordinates"`
}

// parseCoordinates parses KML coordinate text: lon,lat[,alt] tuples
// separated by whitespace. Malformed tuples are skipped.
func parseCoordinates(s string) [][]float64 {
	parts := strings.Fields(s)
	coords := make([][]float64, 0, len(parts))
	for _, p := range parts {
		comps := strings.Split(p, ",")
		if len(comps) < 2 {
			continue
		}
		lon, err1 := strconv.ParseFloat(comps[0], 64)
		lat, err2 := strconv.ParseFloat(comps[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		coords = append(coords, []float64{lon, lat})
	}
	return coords
}

// ImportKML imports KML placemarks. Name and description become columns,
// the shape is stored as GeoJSON geometry text.
func ImportKML(
	ctx context.Context,
	e *engine.Engine,
	tableName string,
	src io.Reader,
	opts *ImportOptions,
) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	applyDefaults(opts)

	var root kml
	if err := xml.NewDecoder(bufio.NewReader(src)).Decode(&root); err != nil {
		return nil, fmt.Errorf("decode kml: %w", err)
	}
	marks := root.Placemarks
	if root.Document != nil && len(root.Document.Placemarks) > 0 {
		marks = root.Document.Placemarks
	}
	if len(marks) == 0 {
		return nil, errors.New("no placemarks found in KML")
	}

	feats := make([]feature, len(marks))
	for i, p := range marks {
		feats[i] = feature{props: map[string]any{"name": p.Name, "description": p.Description}}
		if g := p.geometry(); g != nil {
			feats[i].geom = g
		}
	}
	return loadFeatures(ctx, e, tableName, feats, opts)
}

// geometry returns the placemark's shape, or nil when it has none.
func (p kmlPlacemark) geometry() *geometry {
	switch {
	case p.Point != nil:
		if coords := parseCoordinates(p.Point.Coordinates); len(coords) > 0 {
			return &geometry{Type: "Point", Coordinates: coords[0]}
		}
	case p.LineString != nil:
		return &geometry{Type: "LineString", Coordinates: parseCoordinates(p.LineString.Coordinates)}
	case p.Polygon != nil:
		ring := parseCoordinates(p.Polygon.OuterBoundary.LinearRing.Coordinates)
		return &geometry{Type: "Polygon", Coordinates: [][][]float64{ring}}
	}
	return nil
}
