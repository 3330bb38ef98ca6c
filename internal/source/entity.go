package source

import (
	"strconv"

	"github.com/paulmach/orb"

	"github.com/wegman-software/citytiles-go/internal/geometry"
	"github.com/wegman-software/citytiles-go/internal/pipeline"
	"github.com/wegman-software/citytiles-go/internal/proj"
)

var (
	_ pipeline.SizedSource = (*GeoJSON)(nil)
	_ pipeline.SizedSource = (*PostGIS)(nil)
)

// LODProperty optionally carries the level of detail of a feature
const LODProperty = "lod"

// entityBuilder collects the geometry entries of one entity
type entityBuilder struct {
	tr      *proj.Transformer
	store   *geometry.Store
	entries []geometry.Entry
	lod     uint8
}

func newEntityBuilder(tr *proj.Transformer, lod uint8) *entityBuilder {
	return &entityBuilder{tr: tr, store: &geometry.Store{}, lod: lod}
}

// addPolygons normalizes and stores polygons as one entry of type typ.
// Polygons without a usable exterior are dropped. Solid and triangle faces
// keep their winding so faces pointing down stay back-facing and are culled
// by the slicer; surfaces have no facing and are oriented upward.
func (b *entityBuilder) addPolygons(typ geometry.Type, polys [][][][3]float64) {
	entry := geometry.Entry{Type: typ, Pos: uint32(len(b.store.Polygons)), LOD: b.lod}
	orient := typ == geometry.Surface
	for _, rings := range polys {
		rings = normalizeRings(rings, b.tr, orient)
		if rings == nil {
			continue
		}
		b.store.AddPolygon(rings)
		entry.Len++
	}
	if entry.Len > 0 {
		b.entries = append(b.entries, entry)
	}
}

// addNonAreal records geometry the slicer cannot handle so it can be
// rejected downstream instead of silently disappearing
func (b *entityBuilder) addNonAreal(typ geometry.Type) {
	b.entries = append(b.entries, geometry.Entry{Type: typ, LOD: b.lod})
}

func (b *entityBuilder) build(id string, props map[string]any) *geometry.Entity {
	return &geometry.Entity{
		ID:         id,
		Properties: props,
		Store:      geometry.NewSharedStore(b.store),
		Geometries: b.entries,
	}
}

// normalizeRings projects rings to normalized Web Mercator and drops closing
// duplicates. With orient set the exterior is turned counter-clockwise and
// holes clockwise. The input rings are modified.
func normalizeRings(rings [][][3]float64, tr *proj.Transformer, orient bool) [][][3]float64 {
	out := make([][][3]float64, 0, len(rings))
	for i, ring := range rings {
		if n := len(ring); n > 1 && ring[0] == ring[n-1] {
			ring = ring[:n-1]
		}
		if len(ring) < 3 {
			if i == 0 {
				return nil
			}
			continue
		}
		if tr != nil {
			tr.NormalizeCoords(ring)
		}

		if orient {
			want := orb.CCW
			if i > 0 {
				want = orb.CW
			}
			if o := orbRing(ring).Orientation(); o != 0 && o != want {
				reverse(ring)
			}
		}
		out = append(out, ring)
	}
	return out
}

func orbRing(ring [][3]float64) orb.Ring {
	r := make(orb.Ring, len(ring)+1)
	for i, p := range ring {
		r[i] = orb.Point{p[0], p[1]}
	}
	r[len(ring)] = r[0]
	return r
}

func reverse(ring [][3]float64) {
	for i, j := 0, len(ring)-1; i < j; i, j = i+1, j-1 {
		ring[i], ring[j] = ring[j], ring[i]
	}
}

// lodOf reads an integer level of detail from the attributes
func lodOf(props map[string]any) uint8 {
	switch v := props[LODProperty].(type) {
	case float64:
		if v >= 0 && v <= 255 {
			return uint8(v)
		}
	case int64:
		if v >= 0 && v <= 255 {
			return uint8(v)
		}
	case int32:
		if v >= 0 && v <= 255 {
			return uint8(v)
		}
	case string:
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			return uint8(n)
		}
	}
	return 0
}
