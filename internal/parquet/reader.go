package parquet

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

// readChunkSize is the number of rows per record handed out while reading
const readChunkSize = 8192

// ReadManifest calls fn for every row of a tile manifest, in file order
func ReadManifest(ctx context.Context, path string, fn func(TileRecord) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	pf, err := file.NewParquetReader(f)
	if err != nil {
		return fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pf.Close()

	arrowReader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, nil)
	if err != nil {
		return fmt.Errorf("failed to create arrow reader: %w", err)
	}

	tbl, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	defer tbl.Release()

	if err := checkSchema(tbl.Schema()); err != nil {
		return fmt.Errorf("%s is not a tile manifest: %w", path, err)
	}

	tr := array.NewTableReader(tbl, readChunkSize)
	defer tr.Release()
	for tr.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := readRecord(tr.Record(), fn); err != nil {
			return err
		}
	}
	return nil
}

// checkSchema compares column names and types, ignoring metadata
func checkSchema(s *arrow.Schema) error {
	want := ManifestSchema.Fields()
	got := s.Fields()
	if len(got) != len(want) {
		return fmt.Errorf("expected %d columns, found %d", len(want), len(got))
	}
	for i, f := range want {
		if got[i].Name != f.Name || !arrow.TypeEqual(got[i].Type, f.Type) {
			return fmt.Errorf("column %d is %s %s, expected %s %s", i, got[i].Name, got[i].Type, f.Name, f.Type)
		}
	}
	return nil
}

func readRecord(rec arrow.Record, fn func(TileRecord) error) error {
	ids := rec.Column(0).(*array.Uint64)
	zooms := rec.Column(1).(*array.Uint8)
	xs := rec.Column(2).(*array.Uint32)
	ys := rec.Column(3).(*array.Uint32)
	features := rec.Column(4).(*array.Int32)
	sizes := rec.Column(5).(*array.Int64)
	minLon := rec.Column(6).(*array.Float64)
	minLat := rec.Column(7).(*array.Float64)
	maxLon := rec.Column(8).(*array.Float64)
	maxLat := rec.Column(9).(*array.Float64)

	for i := 0; i < int(rec.NumRows()); i++ {
		err := fn(TileRecord{
			TileID:   ids.Value(i),
			Zoom:     zooms.Value(i),
			X:        xs.Value(i),
			Y:        ys.Value(i),
			Features: features.Value(i),
			Bytes:    sizes.Value(i),
			MinLon:   minLon.Value(i),
			MinLat:   minLat.Value(i),
			MaxLon:   maxLon.Value(i),
			MaxLat:   maxLat.Value(i),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
