package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wegman-software/citytiles-go/internal/config"
	"github.com/wegman-software/citytiles-go/internal/geometry"
	"github.com/wegman-software/citytiles-go/internal/logger"
	"github.com/wegman-software/citytiles-go/internal/proj"
	"github.com/wegman-software/citytiles-go/internal/wkb"
)

// PostGIS streams city objects from a table with a geometry column.
// Geometry is fetched as EWKB in Web Mercator with Z; every other column
// becomes an attribute.
type PostGIS struct {
	cfg   *config.Config
	pool  *pgxpool.Pool
	tr    *proj.Transformer
	count int64
	log   *zap.Logger
}

// NewPostGIS connects to the database and counts the rows to tile
func NewPostGIS(ctx context.Context, cfg *config.Config) (*PostGIS, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	tr, err := proj.NewTransformer(proj.SRID3857)
	if err != nil {
		pool.Close()
		return nil, err
	}
	p := &PostGIS{cfg: cfg, pool: pool, tr: tr, log: logger.Component("source")}

	query, args := p.countQuery()
	if err := pool.QueryRow(ctx, query, args...).Scan(&p.count); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to count rows of %s: %w", p.table(), err)
	}

	p.log.Info("PostGIS input ready",
		zap.String("table", p.table()),
		zap.Int64("rows", p.count))
	return p, nil
}

// Close closes the connection pool
func (p *PostGIS) Close() {
	p.pool.Close()
}

// Len returns the number of rows matched at connect time
func (p *PostGIS) Len() int64 {
	return p.count
}

func (p *PostGIS) table() string {
	return pgx.Identifier{p.cfg.DBSchema, p.cfg.PostGISTable}.Sanitize()
}

// where restricts rows to the configured bounding box
func (p *PostGIS) where() (string, []any) {
	if p.cfg.BBox == nil || !p.cfg.BBox.IsSet {
		return "", nil
	}
	geom := pgx.Identifier{p.cfg.GeomColumn}.Sanitize()
	b := p.cfg.BBox
	clause := fmt.Sprintf(
		" WHERE t.%s && ST_Transform(ST_MakeEnvelope($1, $2, $3, $4, 4326), Find_SRID($5, $6, $7))", geom)
	return clause, []any{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat, p.cfg.DBSchema, p.cfg.PostGISTable, p.cfg.GeomColumn}
}

func (p *PostGIS) countQuery() (string, []any) {
	where, args := p.where()
	return fmt.Sprintf("SELECT count(*) FROM %s t%s", p.table(), where), args
}

func (p *PostGIS) selectQuery() (string, []any) {
	where, args := p.where()
	geom := pgx.Identifier{p.cfg.GeomColumn}.Sanitize()
	id := pgx.Identifier{p.cfg.IDColumn}.Sanitize()
	query := fmt.Sprintf(
		"SELECT t.%[1]s::text, ST_AsEWKB(ST_Force3D(ST_Transform(t.%[2]s, 3857))), to_jsonb(t) - '%[3]s' FROM %[4]s t%[5]s",
		id, geom, strings.ReplaceAll(p.cfg.GeomColumn, "'", "''"), p.table(), where)
	return query, args
}

// Entities streams the rows of the table
func (p *PostGIS) Entities(ctx context.Context) (<-chan *geometry.Entity, <-chan error) {
	out := make(chan *geometry.Entity, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		query, args := p.selectQuery()
		rows, err := p.pool.Query(ctx, query, args...)
		if err != nil {
			errs <- fmt.Errorf("failed to query %s: %w", p.table(), err)
			return
		}
		defer rows.Close()

		var (
			id    string
			ewkb  []byte
			props map[string]any
		)
		for rows.Next() {
			props = nil
			if err := rows.Scan(&id, &ewkb, &props); err != nil {
				errs <- fmt.Errorf("failed to scan row: %w", err)
				return
			}
			e, err := p.entity(id, ewkb, props)
			if err != nil {
				p.log.Warn("Skipping row", zap.String("id", id), zap.Error(err))
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil && ctx.Err() == nil {
			errs <- fmt.Errorf("failed to read %s: %w", p.table(), err)
		}
	}()
	return out, errs
}

// entity builds an entity from one row. Polyhedral surfaces are solids,
// TINs and triangles are triangle meshes, (multi)polygons are surfaces.
func (p *PostGIS) entity(id string, ewkb []byte, props map[string]any) (*geometry.Entity, error) {
	if props == nil {
		props = map[string]any{}
	}
	b := newEntityBuilder(p.tr, lodOf(props))

	g, err := wkb.Decode(ewkb)
	switch {
	case errors.Is(err, wkb.ErrUnsupportedType):
		switch g.Type {
		case wkb.Point, wkb.MultiPoint:
			b.addNonAreal(geometry.Point)
		default:
			b.addNonAreal(geometry.Curve)
		}
		return b.build(id, props), nil
	case err != nil:
		return nil, err
	}

	typ := geometry.Surface
	switch g.Type {
	case wkb.PolyhedralSurface:
		typ = geometry.Solid
	case wkb.TIN, wkb.Triangle:
		typ = geometry.Triangle
	}
	b.addPolygons(typ, g.Polygons)
	return b.build(id, props), nil
}
