package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/citytiles-go/internal/geometry"
	"github.com/wegman-software/citytiles-go/internal/slice"
	"github.com/wegman-software/citytiles-go/internal/tileid"
)

// SlicingConfig holds the settings of the slicing stage
type SlicingConfig struct {
	Options        slice.Options
	Method         tileid.Method
	Workers        int
	StrictGeometry bool             // Fail instead of skipping entities with curve/point geometry
	NewProcessor   ProcessorFactory // Optional
}

// SlicingStage clips entities into tiles and serializes the results
type SlicingStage struct {
	cfg   SlicingConfig
	stats *LiveStats
	log   *zap.Logger
}

// NewSlicingStage creates a slicing stage
func NewSlicingStage(cfg SlicingConfig, stats *LiveStats, log *zap.Logger) *SlicingStage {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &SlicingStage{cfg: cfg, stats: stats, log: log.Named("slicing")}
}

// Run slices every entity from in and sends the records to out.
// out is closed when Run returns.
func (s *SlicingStage) Run(ctx context.Context, in <-chan *geometry.Entity, out chan<- SerializedFeature) error {
	defer close(out)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			return s.worker(gctx, in, out)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *SlicingStage) worker(ctx context.Context, in <-chan *geometry.Entity, out chan<- SerializedFeature) error {
	var proc PropertyProcessor
	if s.cfg.NewProcessor != nil {
		p, err := s.cfg.NewProcessor()
		if err != nil {
			return fmt.Errorf("failed to create property processor: %w", err)
		}
		defer p.Close()
		proc = p
	}
	enc := NewFeatureEncoder(4096)

	for {
		var e *geometry.Entity
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ent, ok := <-in:
			if !ok {
				return nil
			}
			e = ent
		}
		s.stats.EntitiesRead.Add(1)

		props := e.PropertiesSnapshot()
		if proc != nil {
			var keep bool
			var err error
			props, keep, err = proc.Process(e.ID, props)
			if err != nil {
				s.stats.EntitiesSkipped.Add(1)
				s.log.Warn("Property processing failed, skipping entity",
					zap.String("id", e.ID), zap.Error(err))
				continue
			}
			if !keep {
				s.stats.EntitiesFiltered.Add(1)
				continue
			}
		}

		err := slice.Entity(e, s.cfg.Options, func(t slice.Tile, mp slice.MultiPolygon) error {
			id, err := s.cfg.Method.Encode(t.Zoom, t.X, t.Y)
			if err != nil {
				return err
			}
			body, err := enc.Encode(SlicedFeature{ID: e.ID, Geometry: mp, Properties: props})
			if err != nil {
				return err
			}
			rec := SerializedFeature{TileID: id, Body: append([]byte(nil), body...)}
			select {
			case out <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.stats.FeaturesSliced.Add(1)
			s.stats.BytesSliced.Add(int64(len(rec.Body)))
			return nil
		})
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrUnsupportedGeometry) && s.cfg.StrictGeometry:
			return err
		default:
			s.stats.EntitiesSkipped.Add(1)
			s.log.Warn("Skipping entity", zap.String("id", e.ID), zap.Error(err))
		}
	}
}
