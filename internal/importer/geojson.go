package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

// geometryColumn holds the GeoJSON text of each feature's geometry.
const geometryColumn = "geometry"

// ImportGeoJSON imports a GeoJSON file. It supports FeatureCollection and
// individual Feature objects, also as a stream of Features. Properties
// become table columns; the geometry is stored as JSON text in a TEXT
// column named geometry.
func ImportGeoJSON(
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
	if opts.TableName != "" {
		tableName = opts.TableName
	}

	dec := json.NewDecoder(bufio.NewReader(src))
	dec.UseNumber()

	var features []map[string]any
	addFeature := func(obj any) error {
		m, ok := obj.(map[string]any)
		if !ok {
			return errors.New("invalid feature object")
		}
		if t, _ := m["type"].(string); t == "FeatureCollection" {
			farr, _ := m["features"].([]any)
			for _, fi := range farr {
				if fm, ok := fi.(map[string]any); ok {
					features = append(features, fm)
				}
			}
			return nil
		}
		// Features and bare objects with properties alike.
		features = append(features, m)
		return nil
	}

	var top any
	if err := dec.Decode(&top); err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}
	if err := addFeature(top); err != nil {
		return nil, err
	}
	for dec.More() {
		var obj any
		if err := dec.Decode(&obj); err != nil {
			break
		}
		_ = addFeature(obj)
	}
	if len(features) == 0 {
		return nil, errors.New("no features found in GeoJSON")
	}

	feats := make([]feature, len(features))
	for i, f := range features {
		feats[i] = feature{props: featureProperties(f)}
		if g := f[geometryColumn]; g != nil {
			feats[i].geom = g
		}
	}
	return loadFeatures(ctx, e, tableName, feats, opts)
}

// feature is one imported record with an optional geometry.
type feature struct {
	props map[string]any
	geom  any
}

// geometry is a GeoJSON geometry object.
type geometry struct {
	Coordinates any    `json:"coordinates"`
	Type        string `json:"type"`
}

// loadFeatures stores feats with one column per property and a trailing
// TEXT geometry column holding GeoJSON.
func loadFeatures(ctx context.Context, e *engine.Engine, tableName string, feats []feature, opts *ImportOptions) (*ImportResult, error) {
	if len(feats) == 0 {
		return nil, errors.New("no features found")
	}
	props := make([]map[string]any, len(feats))
	for i, f := range feats {
		props[i] = f.props
	}
	keys := objectKeys(props)

	rows := make([][]string, len(feats))
	for i, f := range feats {
		row := make([]string, len(keys)+1)
		for j, k := range keys {
			row[j] = jsonText(f.props[k])
		}
		if f.geom != nil {
			b, err := json.Marshal(f.geom)
			if err != nil {
				return nil, fmt.Errorf("feature %d: marshal geometry: %w", i+1, err)
			}
			row[len(keys)] = string(b)
		}
		rows[i] = row
	}

	colNames := append(sanitizeColumnNames(keys), geometryColumn)
	result := &ImportResult{Encoding: "utf-8"}
	return loadStringRecords(ctx, e, tableName, colNames, map[int]string{len(keys): TypeText}, rows, opts, result)
}

// featureProperties returns the properties of a feature, or the top-level
// members other than type and geometry when it has none.
func featureProperties(f map[string]any) map[string]any {
	if p, ok := f["properties"].(map[string]any); ok {
		return p
	}
	props := make(map[string]any)
	for k, v := range f {
		if k == geometryColumn || k == "type" || k == "properties" {
			continue
		}
		props[k] = v
	}
	return props
}
