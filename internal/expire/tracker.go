package expire

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"github.com/wegman-software/citytiles-go/internal/logger"
)

// Tracker collects the tiles written by a run so caches holding older
// versions of them can be expired
type Tracker struct {
	mu      sync.Mutex
	tiles   map[maptile.Tile]struct{}
	minZoom maptile.Zoom
	maxZoom maptile.Zoom
}

// NewTracker creates a tracker for the zoom levels minZoom..maxZoom
func NewTracker(minZoom, maxZoom int) *Tracker {
	return &Tracker{
		tiles:   make(map[maptile.Tile]struct{}),
		minZoom: maptile.Zoom(minZoom),
		maxZoom: maptile.Zoom(maxZoom),
	}
}

// Add marks a tile in XYZ row order. Tiles outside the zoom range are ignored.
func (t *Tracker) Add(tile maptile.Tile) {
	if tile.Z < t.minZoom || tile.Z > t.maxZoom {
		return
	}
	t.mu.Lock()
	t.tiles[tile] = struct{}{}
	t.mu.Unlock()
}

// Count returns the number of unique tiles
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiles)
}

// CountByZoom returns the count of tiles at each zoom level
func (t *Tracker) CountByZoom() map[int]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[int]int)
	for tile := range t.tiles {
		counts[int(tile.Z)]++
	}
	return counts
}

// Tiles returns all tiles sorted by zoom, column and row
func (t *Tracker) Tiles() []maptile.Tile {
	t.mu.Lock()
	tiles := make([]maptile.Tile, 0, len(t.tiles))
	for tile := range t.tiles {
		tiles = append(tiles, tile)
	}
	t.mu.Unlock()

	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].Z != tiles[j].Z {
			return tiles[i].Z < tiles[j].Z
		}
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Y < tiles[j].Y
	})
	return tiles
}

// WriteToFile writes the tiles to filename in z/x/y format, one per line.
// The file is replaced atomically.
func (t *Tracker) WriteToFile(filename string) error {
	log := logger.Component("expire")
	tiles := t.Tiles()

	tmp, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create expire file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, tile := range tiles {
		fmt.Fprintf(w, "%d/%d/%d\n", tile.Z, tile.X, tile.Y)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write expire file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write expire file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("failed to move expire file into place: %w", err)
	}

	// Log summary by zoom level
	counts := t.CountByZoom()
	zooms := make([]int, 0, len(counts))
	for z := range counts {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)

	zoomFields := make([]zap.Field, 0, len(counts)+2)
	zoomFields = append(zoomFields, zap.String("file", filename))
	for _, z := range zooms {
		zoomFields = append(zoomFields, zap.Int(fmt.Sprintf("z%d", z), counts[z]))
	}
	zoomFields = append(zoomFields, zap.Int("total", len(tiles)))
	log.Info("Wrote expire tiles", zoomFields...)

	return nil
}
