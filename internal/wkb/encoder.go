package wkb

import (
	"encoding/binary"
	"math"
)

// WKB type constants (ISO SQL/MM specification)
const (
	Point             = 1
	LineString        = 2
	Polygon           = 3
	MultiPoint        = 4
	MultiLineString   = 5
	MultiPolygon      = 6
	PolyhedralSurface = 15
	TIN               = 16
	Triangle          = 17

	// EWKB (PostGIS extended WKB) flags
	wkbZFlag    = 0x80000000
	wkbMFlag    = 0x40000000
	wkbSRIDFlag = 0x20000000
)

// Common SRID constants
const (
	SRID4326 = 4326 // WGS84
	SRID3857 = 3857 // Web Mercator
)

// Encoder encodes 3D polygons to EWKB with Z coordinates and an SRID.
// It uses little-endian byte order.
type Encoder struct {
	buf  []byte
	srid uint32
}

// NewEncoder creates a new WKB encoder with pre-allocated buffer and default SRID 4326
func NewEncoder(initialSize int) *Encoder {
	return &Encoder{
		buf:  make([]byte, 0, initialSize),
		srid: SRID4326,
	}
}

// NewEncoderWithSRID creates a new WKB encoder with specified SRID
func NewEncoderWithSRID(initialSize int, srid int) *Encoder {
	return &Encoder{
		buf:  make([]byte, 0, initialSize),
		srid: uint32(srid),
	}
}

// SRID returns the encoder's current SRID
func (e *Encoder) SRID() int {
	return int(e.srid)
}

// Reset clears the buffer for reuse
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded WKB bytes
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// EncodePolygon encodes a PolygonZ; rings[0] is the outer ring
func (e *Encoder) EncodePolygon(rings [][][3]float64) []byte {
	e.Reset()
	if len(rings) == 0 {
		return nil
	}
	e.header(Polygon, true)
	e.appendRings(rings)
	return e.buf
}

// EncodeMultiPolygon encodes a MultiPolygonZ
func (e *Encoder) EncodeMultiPolygon(polygons [][][][3]float64) []byte {
	return e.encodeCollection(MultiPolygon, Polygon, polygons)
}

// EncodePolyhedralSurface encodes a PolyhedralSurfaceZ, the usual column
// type of solids and surfaces imported from city models
func (e *Encoder) EncodePolyhedralSurface(polygons [][][][3]float64) []byte {
	return e.encodeCollection(PolyhedralSurface, Polygon, polygons)
}

func (e *Encoder) encodeCollection(typ, memberType uint32, polygons [][][][3]float64) []byte {
	e.Reset()
	if len(polygons) == 0 {
		return nil
	}
	e.header(typ, true)
	e.appendUint32(uint32(len(polygons)))

	// Embedded polygons carry no SRID
	for _, poly := range polygons {
		e.header(memberType, false)
		e.appendRings(poly)
	}
	return e.buf
}

func (e *Encoder) header(typ uint32, withSRID bool) {
	// Byte order (little-endian)
	e.buf = append(e.buf, 0x01)
	if withSRID {
		e.appendUint32(typ | wkbZFlag | wkbSRIDFlag)
		e.appendUint32(e.srid)
		return
	}
	e.appendUint32(typ | wkbZFlag)
}

func (e *Encoder) appendRings(rings [][][3]float64) {
	e.appendUint32(uint32(len(rings)))
	for _, ring := range rings {
		e.appendUint32(uint32(len(ring)))
		for _, p := range ring {
			e.appendFloat64(p[0])
			e.appendFloat64(p[1])
			e.appendFloat64(p[2])
		}
	}
}

func (e *Encoder) appendUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) appendFloat64(v float64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v))
}
