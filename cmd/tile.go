package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/citytiles-go/internal/config"
	"github.com/wegman-software/citytiles-go/internal/expire"
	"github.com/wegman-software/citytiles-go/internal/flex"
	"github.com/wegman-software/citytiles-go/internal/logger"
	"github.com/wegman-software/citytiles-go/internal/output"
	"github.com/wegman-software/citytiles-go/internal/parquet"
	"github.com/wegman-software/citytiles-go/internal/pipeline"
	"github.com/wegman-software/citytiles-go/internal/source"
	"github.com/wegman-software/citytiles-go/internal/style"
)

// manifestBatchSize is the number of manifest rows per Parquet record batch
const manifestBatchSize = 8192

var tileCmd = &cobra.Command{
	Use:   "tile [input.geojson]",
	Short: "Slice city objects into vector tiles",
	Long: `Run the tiling pipeline:

  1. Slice every surface and solid into the tiles of each zoom level
  2. Sort the sliced features by tile id in bounded memory
  3. Encode one Mapbox Vector Tile per tile into <output>/<z>/<x>/<y>.pbf

Input is a GeoJSON file or, with --postgis-table, a PostGIS table. The output
directory only appears once the run has completed; interrupted runs leave
nothing behind.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runTile,
}

func init() {
	rootCmd.AddCommand(tileCmd)

	flags := tileCmd.Flags()
	flags.StringVarP(&cfg.BBoxSpec, "bbox", "b", "", "Bounding box filter: minlon,minlat,maxlon,maxlat")

	// Output
	flags.StringVarP(&cfg.OutputDir, "output", "o", cfg.OutputDir, "Output directory (must not exist or be empty)")
	flags.StringVar(&cfg.LayerName, "layer", cfg.LayerName, "Vector tile layer name")
	flags.BoolVar(&cfg.Gzip, "gzip", false, "Gzip-compress the tiles")
	flags.StringVar(&cfg.ManifestFile, "manifest", "", "Write a Parquet tile manifest to this file")
	flags.StringVarP(&cfg.StyleFile, "style", "S", "", "Attribute style: YAML rules (.yaml) or Lua script (.lua)")
	flags.StringVarP(&cfg.ExpireOutput, "expire-output", "e", "", "Write the z/x/y list of written tiles to this file")
	flags.IntVar(&cfg.ExpireMinZoom, "expire-min-zoom", cfg.ExpireMinZoom, "Minimum zoom level of the expire list")
	flags.IntVar(&cfg.ExpireMaxZoom, "expire-max-zoom", cfg.ExpireMaxZoom, "Maximum zoom level of the expire list")

	// Tiling
	flags.IntVar(&cfg.MinZoom, "min-zoom", cfg.MinZoom, "Lowest zoom level")
	flags.IntVar(&cfg.MaxZoom, "max-zoom", cfg.MaxZoom, "Highest zoom level")
	flags.IntVar(&cfg.MaxDetail, "max-detail", cfg.MaxDetail, "Tile extent as a power of two (12 = 4096)")
	flags.IntVar(&cfg.BufferPixels, "buffer", cfg.BufferPixels, "Tile buffer in pixels of a 256 pixel tile")
	flags.StringVar(&cfg.TileIDMethod, "tile-id", cfg.TileIDMethod, "Tile id order: hilbert or zorder")
	flags.BoolVar(&cfg.StrictGeometry, "strict-geometry", false, "Fail on point or curve geometry instead of skipping it")

	// Sorting and processing
	flags.Int64Var(&cfg.SortMemoryLimit, "sort-memory", cfg.SortMemoryLimit, "Memory limit of the external sort in bytes")
	flags.IntVar(&cfg.SortThreads, "sort-threads", cfg.SortThreads, "Number of sort workers")
	flags.StringVar(&cfg.TempDir, "temp-dir", cfg.TempDir, "Directory for sort spill files")
	flags.IntVar(&cfg.ChannelBuffer, "channel-buffer", cfg.ChannelBuffer, "Buffer size of the stage channels")

	// PostGIS input
	flags.StringVar(&cfg.PostGISTable, "postgis-table", "", "Read city objects from this PostGIS table")
	flags.StringVar(&cfg.GeomColumn, "geom-column", cfg.GeomColumn, "Geometry column of the PostGIS table")
	flags.StringVar(&cfg.IDColumn, "id-column", cfg.IDColumn, "Id column of the PostGIS table")
	flags.StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	flags.IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	flags.StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	flags.StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	flags.StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	flags.StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

func runTile(cmd *cobra.Command, args []string) {
	if len(args) == 1 {
		cfg.InputFile = args[0]
	}
	log := logger.Get()

	bbox, err := config.ParseBBox(cfg.BBoxSpec)
	if err != nil {
		exitWithError("invalid bbox", err)
	}
	cfg.BBox = bbox

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	totalStart := time.Now()

	logFields := []zap.Field{
		zap.String("output", cfg.OutputDir),
		zap.Int("min_zoom", cfg.MinZoom),
		zap.Int("max_zoom", cfg.MaxZoom),
		zap.Int("extent", 1<<cfg.MaxDetail),
		zap.String("tile_id", cfg.Method().String()),
		zap.Int("workers", cfg.Workers),
	}
	if cfg.InputFile != "" {
		logFields = append(logFields, zap.String("input", cfg.InputFile))
	} else {
		logFields = append(logFields, zap.String("input",
			fmt.Sprintf("%s:%d/%s %s.%s", cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSchema, cfg.PostGISTable)))
	}
	if cfg.BBox.IsSet {
		logFields = append(logFields, zap.String("bbox",
			fmt.Sprintf("%.4f,%.4f,%.4f,%.4f", cfg.BBox.MinLon, cfg.BBox.MinLat, cfg.BBox.MaxLon, cfg.BBox.MaxLat)))
	}
	if cfg.StyleFile != "" {
		logFields = append(logFields, zap.String("style", cfg.StyleFile))
	}
	log.Info("Starting citytiles-go", logFields...)

	processors, err := processorFactory(cfg.StyleFile)
	if err != nil {
		exitWithError("failed to load style", err)
	}

	src, closeSource, err := openSource(ctx)
	if err != nil {
		exitWithError("failed to open input", err)
	}
	defer closeSource()

	encoder, err := newEncoder()
	if err != nil {
		exitWithError("failed to prepare output", err)
	}

	coordinator := pipeline.NewCoordinator(cfg, encoder)
	coordinator.SetProcessorFactory(processors)

	stats, err := coordinator.Run(ctx, src)
	if errors.Is(err, pipeline.ErrCanceled) {
		log.Warn("Tiling canceled, partial output removed")
		closeSource()
		logger.Sync()
		os.Exit(130)
	}
	if err != nil {
		exitWithError("tiling failed", err)
	}

	totalElapsed := time.Since(totalStart)
	log.Info("Tiling complete",
		zap.Duration("total_time", totalElapsed.Round(time.Millisecond)),
		zap.Int64("entities", stats.EntitiesRead),
		zap.Int64("skipped", stats.EntitiesSkipped),
		zap.Int64("filtered", stats.EntitiesFiltered),
		zap.Int64("features", stats.FeaturesSliced),
		zap.Int64("tiles", stats.TilesWritten),
		zap.String("tile_bytes", pipeline.FormatBytes(encoder.Bytes())),
		zap.Int64("sort_chunks", stats.Sort.Chunks),
		zap.String("throughput", pipeline.FormatThroughput(float64(stats.EntitiesRead)/totalElapsed.Seconds())),
	)
}

// processorFactory picks the attribute processor by file extension
func processorFactory(path string) (pipeline.ProcessorFactory, error) {
	if path == "" {
		return nil, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".lua":
		script, err := flex.CompileFile(path)
		if err != nil {
			return nil, err
		}
		return script.Factory(), nil
	case ".yaml", ".yml":
		rules, err := style.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		return style.NewProcessor(rules).Factory(), nil
	default:
		return nil, fmt.Errorf("unknown style type %q, expected .lua, .yaml or .yml", filepath.Ext(path))
	}
}

// openSource opens the PostGIS table when one is configured, the input file otherwise
func openSource(ctx context.Context) (pipeline.SizedSource, func(), error) {
	if cfg.PostGISTable != "" {
		src, err := source.NewPostGIS(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	}
	src, err := source.OpenGeoJSON(cfg.InputFile, cfg.BBox)
	if err != nil {
		return nil, nil, err
	}
	return src, func() {}, nil
}

func newEncoder() (*output.MVTEncoder, error) {
	var manifest *parquet.ManifestWriter
	if cfg.ManifestFile != "" {
		var err error
		manifest, err = parquet.NewManifestWriter(cfg.ManifestFile, manifestBatchSize)
		if err != nil {
			return nil, err
		}
	}

	opts := output.Options{
		Dir:      cfg.OutputDir,
		Layer:    cfg.LayerName,
		Extent:   uint32(1) << cfg.MaxDetail,
		Gzip:     cfg.Gzip,
		Method:   cfg.Method(),
		Manifest: manifest,
	}
	if cfg.ExpireOutput != "" {
		opts.Expire = expire.NewTracker(cfg.ExpireMinZoom, cfg.ExpireMaxZoom)
		opts.ExpireFile = cfg.ExpireOutput
	}

	encoder, err := output.NewMVTEncoder(opts)
	if err != nil {
		if manifest != nil {
			manifest.Abort()
		}
		return nil, err
	}
	return encoder, nil
}
