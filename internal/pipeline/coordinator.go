package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/citytiles-go/internal/config"
	"github.com/wegman-software/citytiles-go/internal/logger"
	"github.com/wegman-software/citytiles-go/internal/metrics"
	"github.com/wegman-software/citytiles-go/internal/slice"
)

// State is the lifecycle state of a Coordinator
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCanceled
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Coordinator wires the slicing, sort and writing stages together.
// A coordinator runs once.
type Coordinator struct {
	cfg              *config.Config
	encoder          TileEncoder
	newProcessor     ProcessorFactory
	log              *zap.Logger
	stats            *LiveStats
	progressInterval time.Duration

	state    atomic.Int32
	canceled atomic.Bool
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewCoordinator creates a new pipeline coordinator
func NewCoordinator(cfg *config.Config, encoder TileEncoder) *Coordinator {
	return &Coordinator{
		cfg:              cfg,
		encoder:          encoder,
		log:              logger.Component("pipeline"),
		stats:            &LiveStats{StartTime: time.Now()},
		progressInterval: 5 * time.Second,
	}
}

// SetProcessorFactory installs a per-worker property processor
func (c *Coordinator) SetProcessorFactory(f ProcessorFactory) {
	c.newProcessor = f
}

// State returns the current state
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Stats returns the live counters
func (c *Coordinator) Stats() *LiveStats {
	return c.stats
}

// Cancel stops a running pipeline. Stages observe it at their next
// entity, record or batch.
func (c *Coordinator) Cancel() {
	c.canceled.Store(true)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run tiles every entity of src. It returns ErrCanceled when the run was
// canceled, even if a stage failed afterwards.
func (c *Coordinator) Run(ctx context.Context, src Source) (*RunStats, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return nil, fmt.Errorf("coordinator already used (state %s)", c.State())
	}
	cfg := c.cfg

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.canceled.Load() {
		cancel()
	}

	c.stats.StartTime = time.Now()
	method := cfg.Method()

	if cfg.MetricsInterval > 0 {
		metricsCtx, cancelMetrics := context.WithCancel(runCtx)
		defer cancelMetrics()

		collector := metrics.NewCollector(cfg.MetricsInterval, c.log).
			WatchSpillDir(cfg.TempDir).
			WithCounters(c.counterFields)
		go collector.Start(metricsCtx)
		c.log.Info("System metrics collection started",
			zap.Duration("interval", cfg.MetricsInterval))
	}

	var tracker *ProgressTracker
	if sized, ok := src.(SizedSource); ok {
		tracker = NewProgressTracker(sized.Len(), "entities")
	}
	progressCtx, cancelProgress := context.WithCancel(runCtx)
	defer cancelProgress()
	go c.reportLiveProgress(progressCtx, tracker)

	slicing := NewSlicingStage(SlicingConfig{
		Options: slice.Options{
			MinZoom: uint8(cfg.MinZoom),
			MaxZoom: uint8(cfg.MaxZoom),
			Clipper: slice.NewClipper(uint32(cfg.MaxDetail), uint32(cfg.BufferPixels)),
		},
		Method:         method,
		Workers:        cfg.Workers,
		StrictGeometry: cfg.StrictGeometry,
		NewProcessor:   c.newProcessor,
	}, c.stats, c.log)
	sorter := NewSortStage(SortConfig{
		MemoryLimit: cfg.SortMemoryLimit,
		Threads:     cfg.SortThreads,
		TempDir:     cfg.TempDir,
	}, c.stats, c.log)
	writer := NewWritingStage(c.encoder, method, cfg.Workers, c.stats, c.log)

	c.log.Info("Starting tiling pipeline",
		zap.Int("min_zoom", cfg.MinZoom),
		zap.Int("max_zoom", cfg.MaxZoom),
		zap.Int("extent", 1<<cfg.MaxDetail),
		zap.Int("buffer_pixels", cfg.BufferPixels),
		zap.String("tile_id", method.String()),
		zap.String("sort_memory", FormatBytes(cfg.SortMemoryLimit)),
		zap.Int("workers", cfg.Workers))

	sliced := make(chan SerializedFeature, cfg.ChannelBuffer)
	batches := make(chan TileBatch, cfg.ChannelBuffer)

	g, gctx := errgroup.WithContext(runCtx)
	entities, srcErrs := src.Entities(gctx)

	g.Go(func() error {
		for err := range srcErrs {
			if err != nil {
				return fmt.Errorf("source error: %w", err)
			}
		}
		return nil
	})
	g.Go(func() error {
		if err := slicing.Run(gctx, entities, sliced); err != nil {
			return fmt.Errorf("slicing failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sorter.Run(gctx, sliced, batches); err != nil {
			return fmt.Errorf("sort failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := writer.Run(gctx, batches); err != nil {
			return fmt.Errorf("tile writing failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	cancelProgress()

	stats := c.stats.snapshot()
	stats.Sort = sorter.Stats()

	switch {
	case ctx.Err() != nil || c.canceled.Load():
		c.finish(StateCanceled, &stats)
		c.abortOutput()
		c.log.Warn("Tiling canceled",
			zap.Int64("entities", stats.EntitiesRead),
			zap.Int64("tiles", stats.TilesWritten))
		return &stats, ErrCanceled
	case err != nil:
		c.finish(StateFailed, &stats)
		c.abortOutput()
		return &stats, err
	}

	if err := c.encoder.Close(); err != nil {
		c.finish(StateFailed, &stats)
		c.abortOutput()
		return &stats, fmt.Errorf("failed to finalize output: %w", err)
	}
	c.finish(StateCompleted, &stats)

	c.log.Info("Tiling complete",
		zap.Int64("entities", stats.EntitiesRead),
		zap.Int64("skipped", stats.EntitiesSkipped),
		zap.Int64("filtered", stats.EntitiesFiltered),
		zap.Int64("features", stats.FeaturesSliced),
		zap.String("sliced", FormatBytes(stats.BytesSliced)),
		zap.Int64("sort_chunks", stats.Sort.Chunks),
		zap.Int64("tiles", stats.TilesWritten),
		zap.Duration("duration", stats.Duration.Round(time.Millisecond)))
	return &stats, nil
}

func (c *Coordinator) finish(s State, stats *RunStats) {
	c.state.Store(int32(s))
	stats.State = s
}

func (c *Coordinator) abortOutput() {
	if err := c.encoder.Abort(); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("Failed to remove partial output", zap.Error(err))
	}
}

func (c *Coordinator) counterFields() []zap.Field {
	return []zap.Field{
		zap.Int64("entities", c.stats.EntitiesRead.Load()),
		zap.Int64("features", c.stats.FeaturesSliced.Load()),
		zap.Int64("sorted", c.stats.RecordsSorted.Load()),
		zap.Int64("tiles", c.stats.TilesWritten.Load()),
	}
}

// reportLiveProgress periodically logs live pipeline progress
func (c *Coordinator) reportLiveProgress(ctx context.Context, tracker *ProgressTracker) {
	ticker := time.NewTicker(c.progressInterval)
	defer ticker.Stop()

	var lastFeatures, lastSorted, lastTiles int64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entities := c.stats.EntitiesRead.Load()
			features := c.stats.FeaturesSliced.Load()
			sorted := c.stats.RecordsSorted.Load()
			tiles := c.stats.TilesWritten.Load()
			now := time.Now()
			elapsed := now.Sub(lastTime).Seconds()

			// Instantaneous rates over the last interval
			var featureRate, sortRate, tileRate float64
			if elapsed > 0 {
				featureRate = float64(features-lastFeatures) / elapsed
				sortRate = float64(sorted-lastSorted) / elapsed
				tileRate = float64(tiles-lastTiles) / elapsed
			}

			fields := []zap.Field{
				zap.Int64("entities", entities),
				zap.Int64("features", features),
				zap.Int64("sorted", sorted),
				zap.Int64("tiles", tiles),
				zap.String("slice_rate", FormatThroughput(featureRate)),
				zap.String("sort_rate", FormatThroughput(sortRate)),
				zap.String("tile_rate", FormatThroughput(tileRate)),
			}
			if tracker != nil {
				p := tracker.Calculate(entities)
				fields = append(fields,
					zap.String("progress", fmt.Sprintf("%.1f%%", p.Percentage)),
					zap.String("eta", FormatETA(p.ETA)))
			}
			c.log.Info("Tiling progress", fields...)

			lastFeatures, lastSorted, lastTiles = features, sorted, tiles
			lastTime = now
		}
	}
}
