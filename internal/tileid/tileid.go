// Package tileid maps (zoom, x, y) tile coordinates to sortable 64-bit ids.
//
// Ids are laid out zoom by zoom: every tile of zoom z sorts after all tiles
// of zooms below z. Inside a zoom the position follows a space-filling curve,
// so tiles that are close on the map are close in id order.
package tileid

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/google/hilbert"
)

// MaxZoom is the deepest zoom level an id can address
const MaxZoom = 30

// ErrInvalidTile is returned for coordinates or ids outside the supported range
var ErrInvalidTile = errors.New("invalid tile")

// Method selects the curve used inside a zoom level
type Method int

const (
	// Hilbert orders tiles along a Hilbert curve (the PMTiles layout)
	Hilbert Method = iota
	// ZOrder interleaves x and y bits (Morton order)
	ZOrder
)

// String returns the method name
func (m Method) String() string {
	switch m {
	case Hilbert:
		return "hilbert"
	case ZOrder:
		return "zorder"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod parses a method name
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hilbert":
		return Hilbert, nil
	case "zorder", "z-order", "morton":
		return ZOrder, nil
	default:
		return 0, fmt.Errorf("unsupported tile id method: %s (supported: hilbert, zorder)", s)
	}
}

// zoomOffset is the number of tiles in all zoom levels below zoom
func zoomOffset(zoom uint8) uint64 {
	return (uint64(1)<<(2*uint64(zoom)) - 1) / 3
}

// Encode returns the id of tile zoom/x/y
func (m Method) Encode(zoom uint8, x, y uint32) (uint64, error) {
	if zoom > MaxZoom {
		return 0, fmt.Errorf("%w: zoom %d exceeds %d", ErrInvalidTile, zoom, MaxZoom)
	}
	n := uint32(1) << zoom
	if x >= n || y >= n {
		return 0, fmt.Errorf("%w: %d/%d/%d", ErrInvalidTile, zoom, x, y)
	}

	switch m {
	case Hilbert:
		h, err := hilbert.NewHilbert(int(n))
		if err != nil {
			return 0, err
		}
		d, err := h.MapInverse(int(x), int(y))
		if err != nil {
			return 0, err
		}
		return zoomOffset(zoom) + uint64(d), nil
	case ZOrder:
		return zoomOffset(zoom) + interleave(x, y), nil
	default:
		return 0, fmt.Errorf("unsupported tile id method: %d", int(m))
	}
}

// MustEncode is Encode for coordinates already known to be valid
func (m Method) MustEncode(zoom uint8, x, y uint32) uint64 {
	id, err := m.Encode(zoom, x, y)
	if err != nil {
		panic(err)
	}
	return id
}

// Decode returns the tile addressed by id
func (m Method) Decode(id uint64) (zoom uint8, x, y uint32, err error) {
	if id >= zoomOffset(MaxZoom+1) {
		return 0, 0, 0, fmt.Errorf("%w: id %d out of range", ErrInvalidTile, id)
	}
	z := (bits.Len64(3*id+1) - 1) / 2
	zoom = uint8(z)
	d := id - zoomOffset(zoom)

	switch m {
	case Hilbert:
		h, herr := hilbert.NewHilbert(1 << z)
		if herr != nil {
			return 0, 0, 0, herr
		}
		hx, hy, herr := h.Map(int(d))
		if herr != nil {
			return 0, 0, 0, herr
		}
		return zoom, uint32(hx), uint32(hy), nil
	case ZOrder:
		x, y = deinterleave(d)
		return zoom, x, y, nil
	default:
		return 0, 0, 0, fmt.Errorf("unsupported tile id method: %d", int(m))
	}
}

// spread moves the low 32 bits of v to the even bit positions
func spread(v uint32) uint64 {
	x := uint64(v)
	x = (x | x<<16) & 0x0000ffff0000ffff
	x = (x | x<<8) & 0x00ff00ff00ff00ff
	x = (x | x<<4) & 0x0f0f0f0f0f0f0f0f
	x = (x | x<<2) & 0x3333333333333333
	x = (x | x<<1) & 0x5555555555555555
	return x
}

// compact is the inverse of spread
func compact(x uint64) uint32 {
	x &= 0x5555555555555555
	x = (x | x>>1) & 0x3333333333333333
	x = (x | x>>2) & 0x0f0f0f0f0f0f0f0f
	x = (x | x>>4) & 0x00ff00ff00ff00ff
	x = (x | x>>8) & 0x0000ffff0000ffff
	x = (x | x>>16) & 0x00000000ffffffff
	return uint32(x)
}

func interleave(x, y uint32) uint64 {
	return spread(x) | spread(y)<<1
}

func deinterleave(d uint64) (x, y uint32) {
	return compact(d), compact(d >> 1)
}
