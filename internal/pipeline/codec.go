package pipeline

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/wegman-software/citytiles-go/internal/slice"
)

// Body layout, little-endian:
//
//	version  uint8
//	id       uint16 length + bytes
//	polygons uint32 count, each: uint32 ring count, each: uint32 point count + int16 x,y pairs
//	props    uint32 length + JSON object
const bodyVersion = 1

// FeatureEncoder serializes sliced features into record bodies.
// The returned slice is reused by the next call.
type FeatureEncoder struct {
	buf []byte
}

// NewFeatureEncoder creates an encoder with a pre-allocated buffer
func NewFeatureEncoder(initialSize int) *FeatureEncoder {
	return &FeatureEncoder{buf: make([]byte, 0, initialSize)}
}

// Encode serializes f
func (e *FeatureEncoder) Encode(f SlicedFeature) ([]byte, error) {
	if len(f.ID) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: feature id of %d bytes", ErrEncoding, len(f.ID))
	}
	props, err := json.Marshal(f.Properties)
	if err != nil {
		return nil, fmt.Errorf("%w: properties of %s: %v", ErrEncoding, f.ID, err)
	}

	e.buf = e.buf[:0]
	e.buf = append(e.buf, bodyVersion)
	e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(len(f.ID)))
	e.buf = append(e.buf, f.ID...)

	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(f.Geometry)))
	for _, poly := range f.Geometry {
		e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(poly)))
		for _, ring := range poly {
			e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(ring)))
			for _, p := range ring {
				e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(p[0]))
				e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(p[1]))
			}
		}
	}

	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(props)))
	e.buf = append(e.buf, props...)
	return e.buf, nil
}

// EncodeFeature serializes f into a new slice
func EncodeFeature(f SlicedFeature) ([]byte, error) {
	return NewFeatureEncoder(256).Encode(f)
}

// bodyReader walks a body with bounds checks
type bodyReader struct {
	b   []byte
	pos int
	err error
}

func (r *bodyReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.b) {
		r.err = fmt.Errorf("%w: truncated body at offset %d", ErrEncoding, r.pos)
		return nil
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *bodyReader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *bodyReader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// count reads a length prefix and rejects counts the remaining bytes cannot hold
func (r *bodyReader) count(minSize int) int {
	n := int(r.uint32())
	if r.err == nil && n*minSize > len(r.b)-r.pos {
		r.err = fmt.Errorf("%w: count %d exceeds body size", ErrEncoding, n)
		return 0
	}
	return n
}

// DecodeFeature parses a body produced by FeatureEncoder
func DecodeFeature(body []byte) (SlicedFeature, error) {
	r := &bodyReader{b: body}
	if v := r.take(1); v != nil && v[0] != bodyVersion {
		return SlicedFeature{}, fmt.Errorf("%w: unknown body version %d", ErrEncoding, v[0])
	}

	var f SlicedFeature
	f.ID = string(r.take(int(r.uint16())))

	nPolys := r.count(4)
	if nPolys > 0 {
		f.Geometry = make(slice.MultiPolygon, nPolys)
	}
	for i := 0; i < nPolys && r.err == nil; i++ {
		nRings := r.count(4)
		poly := make(slice.Polygon16, nRings)
		for j := 0; j < nRings && r.err == nil; j++ {
			nPoints := r.count(4)
			ring := make(slice.Ring16, nPoints)
			for k := 0; k < nPoints && r.err == nil; k++ {
				ring[k] = [2]int16{int16(r.uint16()), int16(r.uint16())}
			}
			poly[j] = ring
		}
		f.Geometry[i] = poly
	}

	props := r.take(int(r.uint32()))
	if r.err != nil {
		return SlicedFeature{}, r.err
	}
	if r.pos != len(body) {
		return SlicedFeature{}, fmt.Errorf("%w: %d trailing bytes", ErrEncoding, len(body)-r.pos)
	}
	if err := json.Unmarshal(props, &f.Properties); err != nil {
		return SlicedFeature{}, fmt.Errorf("%w: properties: %v", ErrEncoding, err)
	}
	return f, nil
}
