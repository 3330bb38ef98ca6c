package parquet

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

// TileRecord is one row of the tile manifest
type TileRecord struct {
	TileID   uint64
	Zoom     uint8
	X, Y     uint32 // XYZ row order
	Features int32
	Bytes    int64
	MinLon   float64
	MinLat   float64
	MaxLon   float64
	MaxLat   float64
}

// ManifestSchema is the Arrow schema of the tile manifest
var ManifestSchema = arrow.NewSchema([]arrow.Field{
	{Name: "tile_id", Type: arrow.PrimitiveTypes.Uint64, Nullable: false},
	{Name: "zoom", Type: arrow.PrimitiveTypes.Uint8, Nullable: false},
	{Name: "x", Type: arrow.PrimitiveTypes.Uint32, Nullable: false},
	{Name: "y", Type: arrow.PrimitiveTypes.Uint32, Nullable: false},
	{Name: "features", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
	{Name: "bytes", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "min_lon", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	{Name: "min_lat", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	{Name: "max_lon", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	{Name: "max_lat", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
}, nil)

// ManifestWriter writes one row per encoded tile to Parquet.
// Write is safe for concurrent use.
type ManifestWriter struct {
	path      string
	file      *os.File
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int

	mu     sync.Mutex
	count  int
	rows   int64
	closed bool
}

// NewManifestWriter creates a tile manifest at path
func NewManifestWriter(path string, batchSize int) (*ManifestWriter, error) {
	if batchSize <= 0 {
		batchSize = 10000
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest: %w", err)
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)

	writer, err := pqarrow.NewFileWriter(ManifestSchema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to create manifest writer: %w", err)
	}

	return &ManifestWriter{
		path:      path,
		file:      f,
		writer:    writer,
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, ManifestSchema),
		batchSize: batchSize,
	}, nil
}

// Write appends a tile record
func (w *ManifestWriter) Write(r TileRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("manifest %s is closed", w.path)
	}

	w.builder.Field(0).(*array.Uint64Builder).Append(r.TileID)
	w.builder.Field(1).(*array.Uint8Builder).Append(r.Zoom)
	w.builder.Field(2).(*array.Uint32Builder).Append(r.X)
	w.builder.Field(3).(*array.Uint32Builder).Append(r.Y)
	w.builder.Field(4).(*array.Int32Builder).Append(r.Features)
	w.builder.Field(5).(*array.Int64Builder).Append(r.Bytes)
	w.builder.Field(6).(*array.Float64Builder).Append(r.MinLon)
	w.builder.Field(7).(*array.Float64Builder).Append(r.MinLat)
	w.builder.Field(8).(*array.Float64Builder).Append(r.MaxLon)
	w.builder.Field(9).(*array.Float64Builder).Append(r.MaxLat)

	w.count++
	w.rows++
	if w.count >= w.batchSize {
		return w.flush()
	}
	return nil
}

// Rows returns the number of records written so far
func (w *ManifestWriter) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

func (w *ManifestWriter) flush() error {
	if w.count == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	err := w.writer.Write(rec)
	w.count = 0
	return err
}

// Close flushes pending rows and closes the file
func (w *ManifestWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.builder.Release()

	if err := w.flush(); err != nil {
		w.writer.Close()
		w.closeFile()
		return err
	}
	if err := w.writer.Close(); err != nil {
		w.closeFile()
		return err
	}
	return w.closeFile()
}

// closeFile tolerates a sink already closed by the parquet writer
func (w *ManifestWriter) closeFile() error {
	if err := w.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// Abort closes the writer and removes the partial manifest
func (w *ManifestWriter) Abort() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		w.builder.Release()
		w.writer.Close()
		w.closeFile()
	}
	w.mu.Unlock()

	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
