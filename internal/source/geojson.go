package source

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edsrzf/mmap-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/wegman-software/citytiles-go/internal/config"
	"github.com/wegman-software/citytiles-go/internal/geometry"
	"github.com/wegman-software/citytiles-go/internal/logger"
	"github.com/wegman-software/citytiles-go/internal/proj"
)

// IDProperties are checked in order for an entity id when a feature has none
var IDProperties = []string{"gml_id", "id"}

// GeoJSON serves the features of a GeoJSON file in WGS84: a
// FeatureCollection, a single Feature or newline-delimited features.
type GeoJSON struct {
	path     string
	features []*geojson.Feature
	skipped  int // Outside the bounding box
	tr       *proj.Transformer
	log      *zap.Logger
}

// OpenGeoJSON memory-maps and parses path, keeping the features that
// intersect bbox
func OpenGeoJSON(path string, bbox *config.BBox) (*GeoJSON, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat input: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("input file %s is empty", path)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap input: %w", err)
	}
	defer data.Unmap()

	features, err := parseFeatures(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	tr, err := proj.NewTransformer(proj.SRID4326)
	if err != nil {
		return nil, err
	}
	src := &GeoJSON{path: path, tr: tr, log: logger.Component("source")}
	for _, feat := range features {
		if feat.Geometry == nil {
			src.skipped++
			continue
		}
		b := feat.Geometry.Bound()
		if !bbox.Intersects(b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()) {
			src.skipped++
			continue
		}
		src.features = append(src.features, feat)
	}

	src.log.Info("GeoJSON input loaded",
		zap.String("file", path),
		zap.Int("features", len(src.features)),
		zap.Int("skipped", src.skipped))
	return src, nil
}

// parseFeatures accepts a FeatureCollection, a single Feature or one Feature per line
func parseFeatures(data []byte) ([]*geojson.Feature, error) {
	trimmed := bytes.TrimSpace(data)
	if fc, err := geojson.UnmarshalFeatureCollection(trimmed); err == nil && fc.Type == "FeatureCollection" {
		return fc.Features, nil
	}
	if feat, err := geojson.UnmarshalFeature(trimmed); err == nil && feat.Type == "Feature" {
		return []*geojson.Feature{feat}, nil
	}

	var features []*geojson.Feature
	for n, line := range bytes.Split(trimmed, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		// RFC 8142 record separators
		line = bytes.TrimPrefix(line, []byte{0x1e})
		if len(line) == 0 {
			continue
		}
		feat, err := geojson.UnmarshalFeature(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		features = append(features, feat)
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("no features found")
	}
	return features, nil
}

// Len returns the number of features that will be produced
func (g *GeoJSON) Len() int64 {
	return int64(len(g.features))
}

// Entities converts the features to entities in file order
func (g *GeoJSON) Entities(ctx context.Context) (<-chan *geometry.Entity, <-chan error) {
	out := make(chan *geometry.Entity, 64)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for i, feat := range g.features {
			e := g.entity(i, feat)
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errs
}

func (g *GeoJSON) entity(index int, feat *geojson.Feature) *geometry.Entity {
	props := map[string]any(feat.Properties)
	if props == nil {
		props = map[string]any{}
	}
	b := newEntityBuilder(g.tr, lodOf(props))
	addOrbGeometry(b, feat.Geometry)
	return b.build(featureID(index, feat), props)
}

// addOrbGeometry adds a WGS84 geometry. GeoJSON positions are read as 2D,
// heights stay zero.
func addOrbGeometry(b *entityBuilder, g orb.Geometry) {
	switch v := g.(type) {
	case orb.Polygon:
		b.addPolygons(geometry.Surface, [][][][3]float64{polygon3D(v)})
	case orb.MultiPolygon:
		polys := make([][][][3]float64, 0, len(v))
		for _, p := range v {
			polys = append(polys, polygon3D(p))
		}
		b.addPolygons(geometry.Surface, polys)
	case orb.Bound:
		addOrbGeometry(b, v.ToPolygon())
	case orb.Collection:
		for _, member := range v {
			addOrbGeometry(b, member)
		}
	case orb.Point, orb.MultiPoint:
		b.addNonAreal(geometry.Point)
	case orb.LineString, orb.MultiLineString, orb.Ring:
		b.addNonAreal(geometry.Curve)
	}
}

func polygon3D(p orb.Polygon) [][][3]float64 {
	rings := make([][][3]float64, len(p))
	for i, r := range p {
		ring := make([][3]float64, len(r))
		for j, pt := range r {
			ring[j] = [3]float64{pt[0], pt[1], 0}
		}
		rings[i] = ring
	}
	return rings
}

func featureID(index int, feat *geojson.Feature) string {
	if id := idString(feat.ID); id != "" {
		return id
	}
	for _, key := range IDProperties {
		if id := idString(feat.Properties[key]); id != "" {
			return id
		}
	}
	return "feature-" + strconv.Itoa(index)
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(id, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}
