package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/wegman-software/citytiles-go/internal/geometry"
	"github.com/wegman-software/citytiles-go/internal/slice"
)

var (
	// ErrUnsupportedGeometry is returned for curve or point geometry
	ErrUnsupportedGeometry = slice.ErrUnsupportedGeometry
	// ErrSpill wraps failures writing or merging external sort chunks
	ErrSpill = errors.New("sort spill failed")
	// ErrCanceled is returned by a run stopped through cancellation
	ErrCanceled = errors.New("pipeline canceled")
	// ErrEncoding wraps failures serializing or decoding sliced features
	ErrEncoding = errors.New("feature encoding failed")
)

// Tile addresses a tile; Y counts rows from the south (TMS)
type Tile struct {
	Zoom uint8
	X, Y uint32
}

// SlicedFeature is the clipped geometry of one entity inside one tile
type SlicedFeature struct {
	ID         string
	Geometry   slice.MultiPolygon
	Properties map[string]any
}

// SerializedFeature is a sliced feature tagged with its tile id.
// It is the unit moving through the external sort.
type SerializedFeature struct {
	TileID uint64
	Body   []byte
}

// TileBatch holds every serialized feature of one tile
type TileBatch struct {
	TileID   uint64
	Features []SerializedFeature
}

// Source produces the entities to tile. Both channels are closed when the
// source is exhausted or ctx is done.
type Source interface {
	Entities(ctx context.Context) (<-chan *geometry.Entity, <-chan error)
}

// SizedSource is a Source that knows how many entities it will produce
type SizedSource interface {
	Source
	Len() int64
}

// TileEncoder turns the features of one tile into output.
// EncodeTile may be called from several goroutines.
type TileEncoder interface {
	EncodeTile(ctx context.Context, tile Tile, features []SlicedFeature) error
	// Close finalizes a completed run
	Close() error
	// Abort removes partial output of a canceled or failed run
	Abort() error
}

// PropertyProcessor rewrites or drops an entity's attributes before slicing.
// A processor is used by a single goroutine.
type PropertyProcessor interface {
	Process(id string, props map[string]any) (map[string]any, bool, error)
	Close()
}

// ProcessorFactory builds one PropertyProcessor per slicing worker
type ProcessorFactory func() (PropertyProcessor, error)

// LiveStats tracks real-time pipeline counters
type LiveStats struct {
	EntitiesRead     atomic.Int64
	EntitiesSkipped  atomic.Int64 // Rejected geometry or encoding failures
	EntitiesFiltered atomic.Int64 // Dropped by the property processor
	FeaturesSliced   atomic.Int64
	BytesSliced      atomic.Int64
	RecordsSorted    atomic.Int64
	TilesWritten     atomic.Int64
	FeaturesWritten  atomic.Int64
	FeaturesDropped  atomic.Int64 // Undecodable bodies
	StartTime        time.Time
}

// RunStats holds the totals of a finished run
type RunStats struct {
	State            State
	EntitiesRead     int64
	EntitiesSkipped  int64
	EntitiesFiltered int64
	FeaturesSliced   int64
	BytesSliced      int64
	Sort             SortStats
	TilesWritten     int64
	FeaturesWritten  int64
	FeaturesDropped  int64
	Duration         time.Duration
}

// SortStats describes one external sort
type SortStats struct {
	Records   int64
	Batches   int64
	ChunkSize int
	Chunks    int64
}

func (s *LiveStats) snapshot() RunStats {
	return RunStats{
		EntitiesRead:     s.EntitiesRead.Load(),
		EntitiesSkipped:  s.EntitiesSkipped.Load(),
		EntitiesFiltered: s.EntitiesFiltered.Load(),
		FeaturesSliced:   s.FeaturesSliced.Load(),
		BytesSliced:      s.BytesSliced.Load(),
		TilesWritten:     s.TilesWritten.Load(),
		FeaturesWritten:  s.FeaturesWritten.Load(),
		FeaturesDropped:  s.FeaturesDropped.Load(),
		Duration:         time.Since(s.StartTime),
	}
}
