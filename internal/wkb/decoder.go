package wkb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTruncated is returned when the input ends inside a geometry
	ErrTruncated = errors.New("wkb: truncated input")
	// ErrUnsupportedType is returned for geometry types without area
	ErrUnsupportedType = errors.New("wkb: unsupported geometry type")
)

// Geometry is a decoded areal geometry: polygons of rings of x/y/z points
type Geometry struct {
	Type     uint32 // Base type code of the outer geometry, e.g. Polygon
	SRID     int    // 0 when the input carries none
	Polygons [][][][3]float64
}

// Decode parses WKB or EWKB holding a Polygon, MultiPolygon, PolyhedralSurface,
// TIN or Triangle, in 2D or with Z. M values are skipped. For other types
// the error wraps ErrUnsupportedType and the returned Geometry carries the type.
func Decode(b []byte) (Geometry, error) {
	d := &decoder{buf: b}
	var g Geometry
	if err := d.geometry(&g, true); err != nil {
		if errors.Is(err, ErrUnsupportedType) {
			return Geometry{Type: g.Type, SRID: g.SRID}, err
		}
		return Geometry{}, err
	}
	if d.pos != len(d.buf) {
		return Geometry{}, fmt.Errorf("wkb: %d trailing bytes", len(d.buf)-d.pos)
	}
	return g, nil
}

type decoder struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

type dims struct {
	z, m bool
}

func (d *decoder) geometry(g *Geometry, top bool) error {
	typ, dim, err := d.header(g, top)
	if err != nil {
		return err
	}
	if top {
		g.Type = typ
	}

	switch typ {
	case Polygon, Triangle:
		poly, err := d.rings(dim)
		if err != nil {
			return err
		}
		g.Polygons = append(g.Polygons, poly)
		return nil
	case MultiPolygon, PolyhedralSurface, TIN:
		if !top {
			return fmt.Errorf("%w: nested collection", ErrUnsupportedType)
		}
		n, err := d.count(9)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := d.geometry(g, false); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedType, typ)
	}
}

// header reads byte order and type, returning the base type and dimensions
func (d *decoder) header(g *Geometry, top bool) (uint32, dims, error) {
	if d.pos+5 > len(d.buf) {
		return 0, dims{}, ErrTruncated
	}
	switch d.buf[d.pos] {
	case 0:
		d.order = binary.BigEndian
	case 1:
		d.order = binary.LittleEndian
	default:
		return 0, dims{}, fmt.Errorf("wkb: invalid byte order %d", d.buf[d.pos])
	}
	d.pos++
	raw := d.order.Uint32(d.buf[d.pos:])
	d.pos += 4

	var dim dims
	if raw&wkbZFlag != 0 {
		dim.z = true
	}
	if raw&wkbMFlag != 0 {
		dim.m = true
	}
	if raw&wkbSRIDFlag != 0 {
		if d.pos+4 > len(d.buf) {
			return 0, dims{}, ErrTruncated
		}
		srid := int(d.order.Uint32(d.buf[d.pos:]))
		d.pos += 4
		if top {
			g.SRID = srid
		}
	}

	typ := raw &^ (wkbZFlag | wkbMFlag | wkbSRIDFlag)
	// ISO codes: 1000s add Z, 2000s add M, 3000s add both
	switch typ / 1000 {
	case 0:
	case 1:
		dim.z = true
	case 2:
		dim.m = true
	case 3:
		dim.z, dim.m = true, true
	default:
		return 0, dims{}, fmt.Errorf("%w: %d", ErrUnsupportedType, typ)
	}
	return typ % 1000, dim, nil
}

func (d *decoder) rings(dim dims) ([][][3]float64, error) {
	n, err := d.count(4)
	if err != nil {
		return nil, err
	}
	width := 16
	if dim.z {
		width += 8
	}
	if dim.m {
		width += 8
	}

	rings := make([][][3]float64, 0, n)
	for i := 0; i < n; i++ {
		points, err := d.count(width)
		if err != nil {
			return nil, err
		}
		ring := make([][3]float64, points)
		for j := range ring {
			ring[j][0] = d.float()
			ring[j][1] = d.float()
			if dim.z {
				ring[j][2] = d.float()
			}
			if dim.m {
				d.pos += 8
			}
		}
		rings = append(rings, ring)
	}
	return rings, nil
}

// count reads an element count and checks that the remaining input can hold
// that many elements of at least minSize bytes
func (d *decoder) count(minSize int) (int, error) {
	if d.pos+4 > len(d.buf) {
		return 0, ErrTruncated
	}
	n := int(d.order.Uint32(d.buf[d.pos:]))
	d.pos += 4
	if n*minSize > len(d.buf)-d.pos {
		return 0, ErrTruncated
	}
	return n, nil
}

func (d *decoder) float() float64 {
	v := math.Float64frombits(d.order.Uint64(d.buf[d.pos:]))
	d.pos += 8
	return v
}
