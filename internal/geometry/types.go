package geometry

import (
	"fmt"
	"sync"
)

// Type is the kind of a geometry entry
type Type uint8

const (
	Solid Type = iota
	Surface
	Triangle
	Curve
	Point
)

// String returns the type name
func (t Type) String() string {
	switch t {
	case Solid:
		return "Solid"
	case Surface:
		return "Surface"
	case Triangle:
		return "Triangle"
	case Curve:
		return "Curve"
	case Point:
		return "Point"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// IsPolygonal reports whether entries of this type reference polygons
func (t Type) IsPolygonal() bool {
	return t == Solid || t == Surface || t == Triangle
}

// Entry references a range of polygons in the store
type Entry struct {
	Type Type
	Pos  uint32 // First polygon index
	Len  uint32 // Number of polygons
	LOD  uint8
}

// IndexedPolygon is a polygon whose rings hold vertex indices.
// Ring 0 is the exterior, the rest are holes.
type IndexedPolygon [][]uint32

// Store holds the vertices and polygons of one feature.
// Vertex x/y are normalized Web Mercator coordinates in [0,1] with y
// growing northward; z is the height.
type Store struct {
	Vertices [][3]float64
	Polygons []IndexedPolygon
}

// AddPolygon appends a polygon given as rings of coordinates and returns its index
func (s *Store) AddPolygon(rings [][][3]float64) uint32 {
	poly := make(IndexedPolygon, 0, len(rings))
	for _, ring := range rings {
		idx := make([]uint32, len(ring))
		for i, c := range ring {
			idx[i] = uint32(len(s.Vertices))
			s.Vertices = append(s.Vertices, c)
		}
		poly = append(poly, idx)
	}
	s.Polygons = append(s.Polygons, poly)
	return uint32(len(s.Polygons) - 1)
}

// Range returns the polygons referenced by an entry
func (s *Store) Range(e Entry) ([]IndexedPolygon, error) {
	end := uint64(e.Pos) + uint64(e.Len)
	if end > uint64(len(s.Polygons)) {
		return nil, fmt.Errorf("geometry entry %d+%d out of range (%d polygons)", e.Pos, e.Len, len(s.Polygons))
	}
	return s.Polygons[e.Pos:end], nil
}

// Resolve maps an indexed polygon to 2D coordinates, dropping the height
func (s *Store) Resolve(p IndexedPolygon) ([][][2]float64, error) {
	rings := make([][][2]float64, len(p))
	for ri, ring := range p {
		coords := make([][2]float64, len(ring))
		for i, idx := range ring {
			if int(idx) >= len(s.Vertices) {
				return nil, fmt.Errorf("vertex index %d out of range (%d vertices)", idx, len(s.Vertices))
			}
			v := s.Vertices[idx]
			coords[i] = [2]float64{v[0], v[1]}
		}
		rings[ri] = coords
	}
	return rings, nil
}

// SharedStore guards a Store shared between the producer and slicing workers.
// Slicing only ever takes the read lock.
type SharedStore struct {
	mu    sync.RWMutex
	store *Store
}

// NewSharedStore wraps a store
func NewSharedStore(s *Store) *SharedStore {
	if s == nil {
		s = &Store{}
	}
	return &SharedStore{store: s}
}

// Read runs fn while holding the read lock
func (s *SharedStore) Read(fn func(*Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.store)
}

// Write runs fn while holding the write lock
func (s *SharedStore) Write(fn func(*Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.store)
}

// Entity is a city object: an attribute tree plus the geometries it references
type Entity struct {
	ID         string
	Properties map[string]any
	Store      *SharedStore
	Geometries []Entry
}

// PropertiesSnapshot returns a deep copy of the attribute tree
func (e *Entity) PropertiesSnapshot() map[string]any {
	return cloneMap(e.Properties)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
