package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"github.com/wegman-software/citytiles-go/internal/expire"
	"github.com/wegman-software/citytiles-go/internal/logger"
	"github.com/wegman-software/citytiles-go/internal/parquet"
	"github.com/wegman-software/citytiles-go/internal/pipeline"
	"github.com/wegman-software/citytiles-go/internal/slice"
	"github.com/wegman-software/citytiles-go/internal/tileid"
)

var _ pipeline.TileEncoder = (*MVTEncoder)(nil)

// IDProperty holds the entity id in every encoded feature
const IDProperty = "id"

// Options configures an MVTEncoder
type Options struct {
	Dir      string // Final output directory, z/x/y.pbf in XYZ row order
	Layer    string
	Extent   uint32
	Gzip     bool
	Method   tileid.Method           // Tile id written to the manifest
	Manifest *parquet.ManifestWriter // Optional

	// Expire collects the written tiles, listed in ExpireFile on Close
	Expire     *expire.Tracker
	ExpireFile string
}

// MVTEncoder writes one Mapbox Vector Tile per tile into a staging
// directory that becomes Dir on Close and is removed on Abort.
type MVTEncoder struct {
	opts    Options
	staging string
	log     *zap.Logger

	tiles atomic.Int64
	bytes atomic.Int64

	mu   sync.Mutex
	done bool
}

// NewMVTEncoder prepares the staging directory next to opts.Dir.
// An existing, non-empty opts.Dir is refused.
func NewMVTEncoder(opts Options) (*MVTEncoder, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if opts.Layer == "" {
		opts.Layer = "features"
	}
	if opts.Extent == 0 {
		opts.Extent = mvt.DefaultExtent
	}

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("invalid output directory: %w", err)
	}
	opts.Dir = dir

	entries, err := os.ReadDir(dir)
	switch {
	case err == nil && len(entries) > 0:
		return nil, fmt.Errorf("output directory %s is not empty", dir)
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to inspect output directory: %w", err)
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output parent: %w", err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".partial-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &MVTEncoder{
		opts:    opts,
		staging: staging,
		log:     logger.Component("output"),
	}, nil
}

// Tiles returns the number of tiles written
func (e *MVTEncoder) Tiles() int64 { return e.tiles.Load() }

// Bytes returns the number of encoded bytes written
func (e *MVTEncoder) Bytes() int64 { return e.bytes.Load() }

// EncodeTile writes the features of one tile
func (e *MVTEncoder) EncodeTile(ctx context.Context, tile pipeline.Tile, features []pipeline.SlicedFeature) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	layer := e.layer(features)
	if len(layer.Features) == 0 {
		return nil
	}

	var data []byte
	var err error
	if e.opts.Gzip {
		data, err = mvt.MarshalGzipped(mvt.Layers{layer})
	} else {
		data, err = mvt.Marshal(mvt.Layers{layer})
	}
	if err != nil {
		return fmt.Errorf("failed to marshal tile: %w", err)
	}

	xyz := XYZ(tile)
	path := filepath.Join(e.staging, TilePath(xyz))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write tile: %w", err)
	}
	e.tiles.Add(1)
	e.bytes.Add(int64(len(data)))
	if e.opts.Expire != nil {
		e.opts.Expire.Add(xyz)
	}

	if e.opts.Manifest != nil {
		id, err := e.opts.Method.Encode(tile.Zoom, tile.X, tile.Y)
		if err != nil {
			return err
		}
		b := xyz.Bound()
		rec := parquet.TileRecord{
			TileID:   id,
			Zoom:     tile.Zoom,
			X:        xyz.X,
			Y:        xyz.Y,
			Features: int32(len(layer.Features)),
			Bytes:    int64(len(data)),
			MinLon:   b.Min.Lon(),
			MinLat:   b.Min.Lat(),
			MaxLon:   b.Max.Lon(),
			MaxLat:   b.Max.Lat(),
		}
		if err := e.opts.Manifest.Write(rec); err != nil {
			return fmt.Errorf("failed to write manifest: %w", err)
		}
	}
	return nil
}

func (e *MVTEncoder) layer(features []pipeline.SlicedFeature) *mvt.Layer {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		g := toOrb(f.Geometry, float64(e.opts.Extent))
		if g == nil {
			continue
		}
		feat := geojson.NewFeature(g)
		for k, v := range f.Properties {
			feat.Properties[k] = v
		}
		feat.Properties[IDProperty] = f.ID
		fc.Append(feat)
	}

	layer := mvt.NewLayer(e.opts.Layer, fc)
	layer.Version = 2
	layer.Extent = e.opts.Extent
	return layer
}

// Close publishes the staging directory as the output directory
func (e *MVTEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}

	if e.opts.Manifest != nil {
		if err := e.opts.Manifest.Close(); err != nil {
			return fmt.Errorf("failed to close manifest: %w", err)
		}
	}

	// An empty directory may have been created since NewMVTEncoder
	if err := os.Remove(e.opts.Dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("output directory %s is in the way: %w", e.opts.Dir, err)
	}
	if err := os.Rename(e.staging, e.opts.Dir); err != nil {
		return fmt.Errorf("failed to publish tiles: %w", err)
	}
	e.done = true

	if e.opts.Expire != nil && e.opts.ExpireFile != "" {
		if err := e.opts.Expire.WriteToFile(e.opts.ExpireFile); err != nil {
			return err
		}
	}

	e.log.Info("Tiles written",
		zap.String("dir", e.opts.Dir),
		zap.Int64("tiles", e.tiles.Load()),
		zap.Int64("bytes", e.bytes.Load()))
	return nil
}

// Abort removes everything written so far
func (e *MVTEncoder) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	e.done = true

	var firstErr error
	if e.opts.Manifest != nil {
		firstErr = e.opts.Manifest.Abort()
	}
	if err := os.RemoveAll(e.staging); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// XYZ converts a pipeline tile (rows from the south) to XYZ row order
func XYZ(t pipeline.Tile) maptile.Tile {
	return maptile.New(t.X, (uint32(1)<<t.Zoom)-1-t.Y, maptile.Zoom(t.Zoom))
}

// TilePath returns the relative z/x/y.pbf path of a tile
func TilePath(t maptile.Tile) string {
	return filepath.Join(
		strconv.FormatUint(uint64(t.Z), 10),
		strconv.FormatUint(uint64(t.X), 10),
		strconv.FormatUint(uint64(t.Y), 10)+".pbf")
}

// toOrb converts tile-local coordinates with y up into closed orb rings with
// y down. The flip keeps exterior rings positive under the MVT winding rule.
func toOrb(mp slice.MultiPolygon, extent float64) orb.Geometry {
	out := make(orb.MultiPolygon, 0, len(mp))
	for _, poly := range mp {
		if len(poly) == 0 || len(poly[0]) < 3 {
			continue
		}
		p := make(orb.Polygon, 0, len(poly))
		for _, ring := range poly {
			if len(ring) < 3 {
				continue
			}
			r := make(orb.Ring, 0, len(ring)+1)
			for _, pt := range ring {
				r = append(r, orb.Point{float64(pt[0]), extent - float64(pt[1])})
			}
			r = append(r, r[0])
			p = append(p, r)
		}
		out = append(out, p)
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}
