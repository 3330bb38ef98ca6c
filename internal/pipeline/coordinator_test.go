package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wegman-software/citytiles-go/internal/config"
	"github.com/wegman-software/citytiles-go/internal/geometry"
	"github.com/wegman-software/citytiles-go/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Cleanup(logger.Replace(zap.NewNop()))

	cfg := config.DefaultConfig()
	cfg.InputFile = "memory"
	cfg.MinZoom = 0
	cfg.MaxZoom = 2
	cfg.BufferPixels = 0
	cfg.TempDir = t.TempDir()
	cfg.SortMemoryLimit = 64 * 1024
	cfg.SortThreads = 2
	cfg.Workers = 2
	cfg.ChannelBuffer = 16
	cfg.MetricsInterval = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

var squareTiles = []Tile{
	{0, 0, 0},
	{1, 0, 0}, {1, 1, 0}, {1, 0, 1}, {1, 1, 1},
	{2, 1, 1}, {2, 2, 1}, {2, 1, 2}, {2, 2, 2},
}

func TestCoordinatorRun(t *testing.T) {
	cfg := testConfig(t)
	enc := newMemEncoder()
	src := &sliceSource{entities: []*geometry.Entity{
		squareEntity("a", 0.25, 0.25, 0.5),
		squareEntity("b", 0.25, 0.25, 0.5),
	}}

	c := NewCoordinator(cfg, enc)
	require.Equal(t, StateIdle, c.State())

	stats, err := c.Run(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, c.State())
	require.Equal(t, StateCompleted, stats.State)

	require.Equal(t, squareTiles, enc.tileList())
	for tile, features := range enc.tiles {
		ids := []string{features[0].ID, features[1].ID}
		sort.Strings(ids)
		require.Equal(t, []string{"a", "b"}, ids, "tile %v", tile)
		require.Equal(t, 12.5, features[0].Properties["height"])
	}

	require.True(t, enc.closed)
	require.False(t, enc.aborted)
	require.Equal(t, int64(2), stats.EntitiesRead)
	require.Equal(t, int64(18), stats.FeaturesSliced)
	require.Equal(t, int64(18), stats.Sort.Records)
	require.Equal(t, int64(9), stats.TilesWritten)
	require.Equal(t, int64(18), stats.FeaturesWritten)
	requireEmptyDir(t, cfg.TempDir)
}

func TestCoordinatorRunsOnce(t *testing.T) {
	cfg := testConfig(t)
	c := NewCoordinator(cfg, newMemEncoder())

	_, err := c.Run(context.Background(), &sliceSource{})
	require.NoError(t, err)
	_, err = c.Run(context.Background(), &sliceSource{})
	require.Error(t, err)
	require.Equal(t, StateCompleted, c.State())
}

func TestCoordinatorCancel(t *testing.T) {
	cfg := testConfig(t)
	enc := newMemEncoder()
	c := NewCoordinator(cfg, enc)

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), &endlessSource{entity: squareEntity("loop", 0.25, 0.25, 0.5)})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return c.Stats().FeaturesSliced.Load() > 100
	}, 10*time.Second, 5*time.Millisecond)
	c.Cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCanceled)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop after Cancel")
	}
	require.Equal(t, StateCanceled, c.State())
	require.True(t, enc.aborted)
	require.False(t, enc.closed)
	requireEmptyDir(t, cfg.TempDir)
}

func TestCoordinatorParentContextCanceled(t *testing.T) {
	cfg := testConfig(t)
	enc := newMemEncoder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCoordinator(cfg, enc).Run(ctx, &endlessSource{entity: squareEntity("loop", 0.25, 0.25, 0.5)})
	require.ErrorIs(t, err, ErrCanceled)
	require.True(t, enc.aborted)
}

func TestCoordinatorEncoderFailure(t *testing.T) {
	cfg := testConfig(t)
	boom := errors.New("disk full")
	enc := newMemEncoder()
	var calls atomic.Int32
	enc.encodeFn = func(Tile) error {
		if calls.Add(1) == 3 {
			return boom
		}
		return nil
	}

	c := NewCoordinator(cfg, enc)
	stats, err := c.Run(context.Background(), &sliceSource{entities: []*geometry.Entity{
		squareEntity("a", 0.25, 0.25, 0.5),
	}})
	require.ErrorIs(t, err, boom)
	require.Equal(t, StateFailed, c.State())
	require.Equal(t, StateFailed, stats.State)
	require.True(t, enc.aborted)
	require.False(t, enc.closed)
	requireEmptyDir(t, cfg.TempDir)
}

func TestCoordinatorSourceError(t *testing.T) {
	cfg := testConfig(t)
	enc := newMemEncoder()
	readErr := errors.New("unexpected EOF")

	_, err := NewCoordinator(cfg, enc).Run(context.Background(), &sliceSource{
		entities: []*geometry.Entity{squareEntity("a", 0.25, 0.25, 0.5)},
		err:      readErr,
	})
	require.ErrorIs(t, err, readErr)
	require.True(t, enc.aborted)
}

func pointEntity(id string) *geometry.Entity {
	e := squareEntity(id, 0.6, 0.6, 0.1)
	e.Geometries[0].Type = geometry.Point
	return e
}

func TestCoordinatorUnsupportedGeometry(t *testing.T) {
	t.Run("skipped", func(t *testing.T) {
		cfg := testConfig(t)
		enc := newMemEncoder()
		stats, err := NewCoordinator(cfg, enc).Run(context.Background(), &sliceSource{entities: []*geometry.Entity{
			pointEntity("p"),
			squareEntity("a", 0.25, 0.25, 0.5),
		}})
		require.NoError(t, err)
		require.Equal(t, int64(1), stats.EntitiesSkipped)
		require.Equal(t, squareTiles, enc.tileList())
	})

	t.Run("strict", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.StrictGeometry = true
		enc := newMemEncoder()
		c := NewCoordinator(cfg, enc)
		_, err := c.Run(context.Background(), &sliceSource{entities: []*geometry.Entity{pointEntity("p")}})
		require.ErrorIs(t, err, ErrUnsupportedGeometry)
		require.Equal(t, StateFailed, c.State())
		require.True(t, enc.aborted)
	})
}

// dropOdd filters out entities whose id ends in an odd digit and tags the others
type dropOdd struct{ closed *atomic.Int32 }

func (d dropOdd) Process(id string, props map[string]any) (map[string]any, bool, error) {
	switch id[len(id)-1] {
	case '1', '3', '5', '7', '9':
		return nil, false, nil
	}
	props["kept"] = true
	return props, true, nil
}

func (d dropOdd) Close() { d.closed.Add(1) }

func TestCoordinatorPropertyProcessor(t *testing.T) {
	cfg := testConfig(t)
	enc := newMemEncoder()
	var closed atomic.Int32

	c := NewCoordinator(cfg, enc)
	c.SetProcessorFactory(func() (PropertyProcessor, error) { return dropOdd{closed: &closed}, nil })

	stats, err := c.Run(context.Background(), &sliceSource{entities: []*geometry.Entity{
		squareEntity("e0", 0.25, 0.25, 0.5),
		squareEntity("e1", 0.25, 0.25, 0.5),
		squareEntity("e2", 0.25, 0.25, 0.5),
	}})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.EntitiesFiltered)
	require.Equal(t, int32(cfg.Workers), closed.Load())

	for _, features := range enc.tiles {
		require.Len(t, features, 2)
		for _, f := range features {
			require.NotEqual(t, "e1", f.ID)
			require.Equal(t, true, f.Properties["kept"])
		}
	}
}

func TestCoordinatorProcessorFactoryError(t *testing.T) {
	cfg := testConfig(t)
	enc := newMemEncoder()
	c := NewCoordinator(cfg, enc)
	c.SetProcessorFactory(func() (PropertyProcessor, error) { return nil, errors.New("bad script") })

	_, err := c.Run(context.Background(), &sliceSource{entities: []*geometry.Entity{squareEntity("a", 0.25, 0.25, 0.5)}})
	require.Error(t, err)
	require.Equal(t, StateFailed, c.State())
}

func TestCoordinatorBackpressure(t *testing.T) {
	cfg := testConfig(t)
	cfg.ChannelBuffer = 1
	cfg.Workers = 1
	cfg.MaxZoom = 4

	entities := make([]*geometry.Entity, 50)
	for i := range entities {
		entities[i] = squareEntity("e", 0.1+float64(i)*0.01, 0.2, 0.3)
	}

	enc := newMemEncoder()
	enc.encodeFn = func(Tile) error {
		time.Sleep(100 * time.Microsecond)
		return nil
	}

	stats, err := NewCoordinator(cfg, enc).Run(context.Background(), &sliceSource{entities: entities})
	require.NoError(t, err)
	require.Equal(t, int64(50), stats.EntitiesRead)
	require.Equal(t, stats.FeaturesSliced, stats.FeaturesWritten)
	require.Equal(t, stats.FeaturesSliced, stats.Sort.Records)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "running", StateRunning.String())
	require.Equal(t, "completed", StateCompleted.String())
	require.Equal(t, "canceled", StateCanceled.String())
	require.Equal(t, "failed", StateFailed.String())
	require.Equal(t, "State(9)", State(9).String())
}
