package slice

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/wegman-software/citytiles-go/internal/geometry"
)

// ErrUnsupportedGeometry is returned for entities carrying curve or point geometry
var ErrUnsupportedGeometry = errors.New("unsupported geometry")

// Options controls how an entity is sliced
type Options struct {
	MinZoom uint8
	MaxZoom uint8
	Clipper Clipper
}

// Tile addresses a tile with a TMS row
type Tile struct {
	Zoom uint8
	X, Y uint32
}

// Entity slices every polygon of e over the zoom range and calls fn once per
// non-empty tile, in zoom then row then column order. The geometry store is
// held under its read lock for the whole call.
func Entity(e *geometry.Entity, opts Options, fn func(Tile, MultiPolygon) error) error {
	if opts.MaxZoom < opts.MinZoom {
		return fmt.Errorf("max zoom %d below min zoom %d", opts.MaxZoom, opts.MinZoom)
	}
	for _, g := range e.Geometries {
		if !g.Type.IsPolygonal() {
			return fmt.Errorf("entity %s: %w: %s", e.ID, ErrUnsupportedGeometry, g.Type)
		}
	}
	if e.Store == nil || len(e.Geometries) == 0 {
		return nil
	}

	levels := int(opts.MaxZoom-opts.MinZoom) + 1
	tiled := make([]map[TileXY]MultiPolygon, levels)
	for i := range tiled {
		tiled[i] = make(map[TileXY]MultiPolygon)
	}

	extent := float64(opts.Clipper.Extent)
	err := e.Store.Read(func(s *geometry.Store) error {
		for _, g := range e.Geometries {
			polys, err := s.Range(g)
			if err != nil {
				return fmt.Errorf("entity %s: %w", e.ID, err)
			}
			for _, ip := range polys {
				poly, err := s.Resolve(ip)
				if err != nil {
					return fmt.Errorf("entity %s: %w", e.ID, err)
				}
				if len(poly) == 0 || len(poly[0]) == 0 {
					continue
				}
				area := planar.Area(toOrb(poly))
				for z := opts.MinZoom; ; z++ {
					scale := float64(uint64(1)<<z) * extent
					if area*scale*scale >= MinRingArea {
						opts.Clipper.Clip(z, poly, tiled[z-opts.MinZoom])
					}
					if z == opts.MaxZoom {
						break
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, tiles := range tiled {
		keys := make([]TileXY, 0, len(tiles))
		for k, mp := range tiles {
			if len(mp) > 0 {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(a, b int) bool {
			if keys[a].Y != keys[b].Y {
				return keys[a].Y < keys[b].Y
			}
			return keys[a].X < keys[b].X
		})
		zoom := opts.MinZoom + uint8(i)
		for _, k := range keys {
			if err := fn(Tile{Zoom: zoom, X: k.X, Y: k.Y}, tiles[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

func toOrb(poly [][][2]float64) orb.Polygon {
	p := make(orb.Polygon, len(poly))
	for i, ring := range poly {
		r := make(orb.Ring, len(ring))
		for j, c := range ring {
			r[j] = orb.Point(c)
		}
		p[i] = r
	}
	return p
}
