package loader

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wegman-software/citytiles-go/internal/config"
	"github.com/wegman-software/citytiles-go/internal/logger"
	"github.com/wegman-software/citytiles-go/internal/parquet"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// tempTable receives the COPY stream before the envelopes are built
const tempTable = "citytiles_load_tmp"

// copyColumns are the manifest columns streamed into the temp table
var copyColumns = []string{
	"tile_id", "zoom", "x", "y", "features", "bytes",
	"min_lon", "min_lat", "max_lon", "max_lat",
}

// Options controls how the tile index table is (re)created
type Options struct {
	Table         string
	DropExisting  bool
	CreateIndexes bool
}

// Stats holds loader statistics
type Stats struct {
	RowsLoaded int64
}

// Loader loads a Parquet tile manifest into a PostGIS tile index table
type Loader struct {
	cfg  *config.Config
	pool *pgxpool.Pool
	opts Options
	log  *zap.Logger
}

// NewLoader creates a new PostgreSQL loader
func NewLoader(ctx context.Context, cfg *config.Config, opts Options) (*Loader, error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("table name is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return &Loader{
		cfg:  cfg,
		pool: pool,
		opts: opts,
		log:  logger.Component("loader"),
	}, nil
}

// Close closes connections
func (l *Loader) Close() {
	l.pool.Close()
}

func (l *Loader) table() string {
	return pgx.Identifier{l.cfg.DBSchema, l.opts.Table}.Sanitize()
}

// Run loads the manifest at path, replacing the rows of the tile index
func (l *Loader) Run(ctx context.Context, path string) (*Stats, error) {
	if _, err := l.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS postgis"); err != nil {
		return nil, fmt.Errorf("failed to create PostGIS extension: %w", err)
	}
	if l.cfg.DBSchema != "public" {
		schema := pgx.Identifier{l.cfg.DBSchema}.Sanitize()
		if _, err := l.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	table := l.table()
	if l.opts.DropExisting {
		if _, err := l.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
			return nil, fmt.Errorf("failed to drop table: %w", err)
		}
	}
	if _, err := l.pool.Exec(ctx, createTableSQL(table)); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	l.log.Info("Loading tile index", zap.String("manifest", path), zap.String("table", table))
	count, err := l.copyManifest(ctx, table, path)
	if err != nil {
		return nil, err
	}
	l.log.Info("Tile index loaded", zap.String("table", table), zap.Int64("rows", count))

	if l.opts.CreateIndexes {
		if err := l.createIndexes(ctx, table); err != nil {
			return nil, fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return &Stats{RowsLoaded: count}, nil
}

func (l *Loader) copyManifest(ctx context.Context, table, path string) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Rows already present for a tile are replaced
	if !l.opts.DropExisting {
		if _, err := tx.Exec(ctx, "TRUNCATE "+table); err != nil {
			return 0, fmt.Errorf("failed to truncate table: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, tempTableSQL()); err != nil {
		return 0, fmt.Errorf("failed to create temp table: %w", err)
	}

	copyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, copyColumns, streamManifest(copyCtx, path))
	if err != nil {
		return 0, fmt.Errorf("COPY failed: %w", err)
	}

	if _, err := tx.Exec(ctx, insertSQL(table)); err != nil {
		return 0, fmt.Errorf("failed to insert from temp table: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return copyCount, nil
}

func (l *Loader) createIndexes(ctx context.Context, table string) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SET maintenance_work_mem = '1GB'"); err != nil {
		l.log.Debug("Could not raise maintenance_work_mem", zap.Error(err))
	}

	for _, stmt := range indexSQL(table, l.opts.Table) {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	l.log.Info("Indexes created", zap.String("table", table))
	return nil
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			tile_id BIGINT PRIMARY KEY,
			zoom SMALLINT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			features INTEGER NOT NULL,
			bytes BIGINT NOT NULL,
			bounds GEOMETRY(Polygon, 4326)
		)
	`, table)
}

func tempTableSQL() string {
	return fmt.Sprintf(`
		DROP TABLE IF EXISTS %s;
		CREATE TEMP TABLE %s (
			tile_id BIGINT,
			zoom SMALLINT,
			x INTEGER,
			y INTEGER,
			features INTEGER,
			bytes BIGINT,
			min_lon DOUBLE PRECISION,
			min_lat DOUBLE PRECISION,
			max_lon DOUBLE PRECISION,
			max_lat DOUBLE PRECISION
		) ON COMMIT DROP
	`, tempTable, tempTable)
}

func insertSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (tile_id, zoom, x, y, features, bytes, bounds)
		SELECT
			tile_id, zoom, x, y, features, bytes,
			ST_MakeEnvelope(min_lon, min_lat, max_lon, max_lat, 4326)
		FROM %s
	`, table, tempTable)
}

// indexSQL returns the statements that index and analyze the table; name is
// the unqualified table name used as index prefix
func indexSQL(table, name string) []string {
	return []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (bounds)",
			pgx.Identifier{name + "_bounds_idx"}.Sanitize(), table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (zoom, x, y)",
			pgx.Identifier{name + "_zxy_idx"}.Sanitize(), table),
		fmt.Sprintf("ANALYZE %s", table),
	}
}

// streamManifest reads the manifest in the background and hands its rows to
// COPY. Read errors surface through Err once the rows run out.
func streamManifest(ctx context.Context, path string) *rowSource {
	rows := make(chan []any, 10000)
	errc := make(chan error, 1)

	go func() {
		err := parquet.ReadManifest(ctx, path, func(rec parquet.TileRecord) error {
			select {
			case rows <- manifestRow(rec):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		errc <- err
		close(rows)
	}()

	return &rowSource{rows: rows, errc: errc}
}

func manifestRow(rec parquet.TileRecord) []any {
	return []any{
		int64(rec.TileID), int16(rec.Zoom), int32(rec.X), int32(rec.Y),
		rec.Features, rec.Bytes,
		rec.MinLon, rec.MinLat, rec.MaxLon, rec.MaxLat,
	}
}

// rowSource implements pgx.CopyFromSource for streaming rows
type rowSource struct {
	rows    <-chan []any
	errc    <-chan error
	current []any
	err     error
}

func (r *rowSource) Next() bool {
	row, ok := <-r.rows
	if !ok {
		if r.errc != nil {
			r.err = <-r.errc
			r.errc = nil
		}
		return false
	}
	r.current = row
	return true
}

func (r *rowSource) Values() ([]any, error) {
	return r.current, nil
}

func (r *rowSource) Err() error {
	return r.err
}
