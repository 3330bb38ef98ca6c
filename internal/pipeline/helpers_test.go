package pipeline

import (
	"context"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wegman-software/citytiles-go/internal/geometry"
)

// sliceSource serves a fixed list of entities
type sliceSource struct {
	entities []*geometry.Entity
	err      error // sent after the entities when set
}

func (s *sliceSource) Entities(ctx context.Context) (<-chan *geometry.Entity, <-chan error) {
	out := make(chan *geometry.Entity)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, e := range s.entities {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		if s.err != nil {
			errs <- s.err
		}
	}()
	return out, errs
}

func (s *sliceSource) Len() int64 { return int64(len(s.entities)) }

// endlessSource keeps producing copies of one entity until ctx is done
type endlessSource struct {
	entity *geometry.Entity
}

func (s *endlessSource) Entities(ctx context.Context) (<-chan *geometry.Entity, <-chan error) {
	out := make(chan *geometry.Entity)
	errs := make(chan error)
	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case out <- s.entity:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errs
}

// memEncoder keeps encoded tiles in memory
type memEncoder struct {
	mu       sync.Mutex
	tiles    map[Tile][]SlicedFeature
	encodeFn func(Tile) error
	closed   bool
	aborted  bool
}

func newMemEncoder() *memEncoder {
	return &memEncoder{tiles: make(map[Tile][]SlicedFeature)}
}

func (m *memEncoder) EncodeTile(_ context.Context, tile Tile, features []SlicedFeature) error {
	if m.encodeFn != nil {
		if err := m.encodeFn(tile); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiles[tile] = append(m.tiles[tile], features...)
	return nil
}

func (m *memEncoder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memEncoder) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
	return nil
}

func (m *memEncoder) tileList() []Tile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tile, 0, len(m.tiles))
	for t := range m.tiles {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Zoom != b.Zoom {
			return a.Zoom < b.Zoom
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return out
}

// squareEntity is an axis-aligned CCW square in normalized coordinates
func squareEntity(id string, x, y, side float64) *geometry.Entity {
	s := &geometry.Store{}
	s.AddPolygon([][][3]float64{{
		{x, y, 0}, {x + side, y, 0}, {x + side, y + side, 0}, {x, y + side, 0},
	}})
	return &geometry.Entity{
		ID:         id,
		Properties: map[string]any{"name": id, "height": 12.5},
		Store:      geometry.NewSharedStore(s),
		Geometries: []geometry.Entry{{Type: geometry.Solid, Pos: 0, Len: 1}},
	}
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "temporary files left behind")
}
