package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/citytiles-go/internal/tileid"
)

// WritingStage decodes grouped batches and hands them to the tile encoder.
// Its workers are private to the stage.
type WritingStage struct {
	encoder TileEncoder
	method  tileid.Method
	workers int
	stats   *LiveStats
	log     *zap.Logger
}

// NewWritingStage creates a writing stage
func NewWritingStage(encoder TileEncoder, method tileid.Method, workers int, stats *LiveStats, log *zap.Logger) *WritingStage {
	if workers <= 0 {
		workers = 1
	}
	return &WritingStage{
		encoder: encoder,
		method:  method,
		workers: workers,
		stats:   stats,
		log:     log.Named("writing"),
	}
}

// Run consumes batches until in is closed or ctx is done
func (w *WritingStage) Run(ctx context.Context, in <-chan TileBatch) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case batch, ok := <-in:
					if !ok {
						return nil
					}
					if err := w.writeBatch(gctx, batch); err != nil {
						return err
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (w *WritingStage) writeBatch(ctx context.Context, batch TileBatch) error {
	if len(batch.Features) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	zoom, x, y, err := w.method.Decode(batch.TileID)
	if err != nil {
		return fmt.Errorf("%w: tile id %d: %w", ErrEncoding, batch.TileID, err)
	}
	tile := Tile{Zoom: zoom, X: x, Y: y}

	features := make([]SlicedFeature, 0, len(batch.Features))
	var firstErr error
	for _, rec := range batch.Features {
		f, err := DecodeFeature(rec.Body)
		if err != nil {
			w.stats.FeaturesDropped.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		features = append(features, f)
	}
	if len(features) == 0 {
		// every body of the tile is unreadable, the merged stream is corrupt
		return fmt.Errorf("tile %d/%d/%d: %w", zoom, x, y, firstErr)
	}
	if firstErr != nil {
		w.log.Warn("Dropped undecodable features",
			zap.Uint8("zoom", zoom), zap.Uint32("x", x), zap.Uint32("y", y),
			zap.Int("dropped", len(batch.Features)-len(features)),
			zap.Error(firstErr))
	}

	if err := w.encoder.EncodeTile(ctx, tile, features); err != nil {
		return fmt.Errorf("failed to encode tile %d/%d/%d: %w", zoom, x, y, err)
	}
	w.stats.TilesWritten.Add(1)
	w.stats.FeaturesWritten.Add(int64(len(features)))
	return nil
}
