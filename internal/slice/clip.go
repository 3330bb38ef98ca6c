// Package slice cuts polygons into the tile grid of a zoom level.
//
// Input coordinates are normalized Web Mercator in [0,1] with y growing
// northward, so tile rows follow the TMS scheme. Output rings are in
// tile-local integer units where the unbuffered tile spans [0, Extent].
package slice

import (
	"math"
)

// MinRingArea is the smallest exterior area, in square subpixels, that is
// kept. The same threshold drives the pre-clip filter in Entity.
const MinRingArea = 4

// Ring16 is a ring in tile-local integer coordinates, not closed
type Ring16 [][2]int16

// Polygon16 is an exterior ring followed by its holes
type Polygon16 []Ring16

// MultiPolygon is the clipped geometry of one tile
type MultiPolygon []Polygon16

// TileXY is a tile column and row (TMS) inside one zoom level
type TileXY struct {
	X, Y uint32
}

// Clipper clips polygons into buffered tiles
type Clipper struct {
	Extent uint32 // Tile-local units per tile side
	Buffer uint32 // Buffer width in tile-local units
}

// NewClipper returns a clipper with extent 2^maxDetail and a buffer of
// bufferPixels in 256-pixel tile units
func NewClipper(maxDetail, bufferPixels uint32) Clipper {
	extent := uint32(1) << maxDetail
	return Clipper{
		Extent: extent,
		Buffer: extent * bufferPixels / 256,
	}
}

// Clip slices poly at zoom and appends the accepted parts to out.
// poly[0] is the exterior ring, the rest are holes.
func (c Clipper) Clip(zoom uint8, poly [][][2]float64, out map[TileXY]MultiPolygon) {
	if len(poly) == 0 || len(poly[0]) == 0 {
		return
	}

	scale := float64(uint64(1) << zoom)
	tiles := int64(1) << zoom
	bufWidth := float64(c.Buffer) / float64(c.Extent)

	scaled := make([][][2]float64, len(poly))
	for i, ring := range poly {
		r := make([][2]float64, len(ring))
		for j, p := range ring {
			r[j] = [2]float64{p[0] * scale, p[1] * scale}
		}
		scaled[i] = r
	}

	x0, x1 := cellRange(scaled[0], 0, tiles)
	for xi := x0; xi < x1; xi++ {
		k1 := float64(xi) - bufWidth
		k2 := float64(xi+1) + bufWidth

		column := make([][][2]float64, len(scaled))
		for i, ring := range scaled {
			column[i] = clipRing(ring, k1, k2, 0)
		}
		if len(column[0]) == 0 {
			continue
		}

		y0, y1 := cellRange(column[0], 1, tiles)
		for yi := y0; yi < y1; yi++ {
			k1 := float64(yi) - bufWidth
			k2 := float64(yi+1) + bufWidth

			var p Polygon16
			for ri, ring := range column {
				if len(ring) == 0 {
					if ri == 0 {
						break
					}
					continue
				}
				r := c.finishRing(clipRing(ring, k1, k2, 1), float64(xi), float64(yi))
				if ri == 0 {
					if len(r) < 3 || ringArea(r) < MinRingArea {
						break
					}
				} else if len(r) < 3 {
					continue
				}
				p = append(p, r)
			}
			if len(p) == 0 {
				continue
			}
			key := TileXY{X: uint32(xi), Y: uint32(yi)}
			out[key] = append(out[key], p)
		}
	}
}

// cellRange returns the half-open range of cells touched by ring along axis,
// clamped to [0, tiles)
func cellRange(ring [][2]float64, axis int, tiles int64) (int64, int64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range ring {
		lo = math.Min(lo, p[axis])
		hi = math.Max(hi, p[axis])
	}
	start := int64(math.Floor(lo))
	end := int64(math.Ceil(hi))
	if start < 0 {
		start = 0
	}
	if end > tiles {
		end = tiles
	}
	return start, end
}

// clipRing clips a ring to k1 <= v <= k2 along axis, inserting the crossing
// point of every edge that crosses one of the two planes
func clipRing(ring [][2]float64, k1, k2 float64, axis int) [][2]float64 {
	if len(ring) == 0 {
		return nil
	}
	other := 1 - axis
	cross := func(a, b [2]float64, k float64) [2]float64 {
		var p [2]float64
		p[axis] = k
		p[other] = (b[other]-a[other])*(k-a[axis])/(b[axis]-a[axis]) + a[other]
		return p
	}

	out := make([][2]float64, 0, len(ring)+1)
	n := len(ring)
	for i := 0; i < n; i++ {
		a := ring[i]
		b := ring[(i+1)%n]
		av, bv := a[axis], b[axis]

		switch {
		case av < k1:
			if bv > k1 {
				out = append(out, cross(a, b, k1))
			}
		case av > k2:
			if bv < k2 {
				out = append(out, cross(a, b, k2))
			}
		default:
			out = append(out, a)
		}

		if bv < k1 && av > k1 {
			out = append(out, cross(a, b, k1))
		} else if bv > k2 && av < k2 {
			out = append(out, cross(a, b, k2))
		}
	}
	return out
}

// finishRing quantizes a clipped ring to tile-local units relative to the
// tile origin (ox, oy), simplifies it and reverses its winding
func (c Clipper) finishRing(ring [][2]float64, ox, oy float64) Ring16 {
	extent := float64(c.Extent)
	coords := make(Ring16, len(ring))
	for i, p := range ring {
		coords[i] = [2]int16{
			int16(math.Floor((p[0]-ox)*extent + 0.5)),
			int16(math.Floor((p[1]-oy)*extent + 0.5)),
		}
	}

	if len(coords) >= 2 && coords[0] == coords[len(coords)-1] {
		coords = coords[:len(coords)-1]
	}
	if len(coords) < 3 {
		return nil
	}

	simplified := make(Ring16, 0, len(coords))
	simplified = append(simplified, coords[0])
	for i := 1; i+1 < len(coords); i++ {
		prev, curr, next := simplified[len(simplified)-1], coords[i], coords[i+1]
		if curr == prev || curr == next {
			continue
		}
		if collinear(prev, curr, next) {
			continue
		}
		simplified = append(simplified, curr)
	}
	if last := coords[len(coords)-1]; last != simplified[len(simplified)-1] {
		simplified = append(simplified, last)
	}
	if len(simplified) < 3 {
		return nil
	}

	for i, j := 0, len(simplified)-1; i < j; i, j = i+1, j-1 {
		simplified[i], simplified[j] = simplified[j], simplified[i]
	}
	return simplified
}

func collinear(prev, curr, next [2]int16) bool {
	ax := int64(curr[0]) - int64(prev[0])
	ay := int64(curr[1]) - int64(prev[1])
	bx := int64(next[0]) - int64(prev[0])
	by := int64(next[1]) - int64(prev[1])
	return ax*by-ay*bx == 0
}

// ringArea is the area of r, positive when r winds clockwise with y up
func ringArea(r Ring16) float64 {
	var sum int64
	n := len(r)
	for i := 0; i < n; i++ {
		a, b := r[i], r[(i+1)%n]
		sum += int64(b[0])*int64(a[1]) - int64(a[0])*int64(b[1])
	}
	return float64(sum) / 2
}
