package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/lanrat/extsort"
	"go.uber.org/zap"
)

const (
	// Per-record bookkeeping on top of the body (id, slice and interface headers)
	recordOverhead = 64
	minChunkSize   = 16
	defaultSample  = 1024
	// Chunks resident besides the ones held by sort workers
	residentChunks = 4
)

// SortConfig holds the settings of the external sort stage
type SortConfig struct {
	MemoryLimit int64  // Bytes held in memory across all chunks
	Threads     int    // Chunks sorted in parallel
	TempDir     string // Parent of the per-run spill directory
	SampleSize  int    // Records used to estimate the average record size
}

// SortStage orders records by tile id through disk-backed chunks and groups
// the merged stream into per-tile batches
type SortStage struct {
	cfg   SortConfig
	stats *LiveStats
	log   *zap.Logger

	mu     sync.Mutex
	result SortStats
}

// NewSortStage creates a sort stage
func NewSortStage(cfg SortConfig, stats *LiveStats, log *zap.Logger) *SortStage {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = defaultSample
	}
	if cfg.TempDir == "" {
		cfg.TempDir = "."
	}
	return &SortStage{cfg: cfg, stats: stats, log: log.Named("sort")}
}

// Stats returns the totals of the last run
func (s *SortStage) Stats() SortStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// sortRecord adapts a SerializedFeature to extsort
type sortRecord struct {
	id      uint64
	body    []byte
	corrupt bool
}

func (r sortRecord) ToBytes() []byte {
	b := make([]byte, 8+len(r.body))
	binary.LittleEndian.PutUint64(b, r.id)
	copy(b[8:], r.body)
	return b
}

func sortRecordFromBytes(b []byte) extsort.SortType {
	if len(b) < 8 {
		return sortRecord{corrupt: true}
	}
	body := make([]byte, len(b)-8)
	copy(body, b[8:])
	return sortRecord{id: binary.LittleEndian.Uint64(b), body: body}
}

func sortRecordLess(a, b extsort.SortType) bool {
	return a.(sortRecord).id < b.(sortRecord).id
}

// chunkSize returns how many records fit in one chunk so that all chunks
// extsort can hold at once stay under the memory limit: one being filled,
// one queued for sorting, one per sort worker, one queued for saving and
// one being saved
func (s *SortStage) chunkSize(avgRecord int64) int {
	if avgRecord <= 0 {
		avgRecord = recordOverhead
	}
	n := s.cfg.MemoryLimit / (avgRecord * int64(s.cfg.Threads+residentChunks))
	if n < minChunkSize {
		n = minChunkSize
	}
	return int(n)
}

// Run sorts every record from in and sends one batch per tile id to out in
// ascending id order. out is closed and the spill directory removed when Run returns.
func (s *SortStage) Run(ctx context.Context, in <-chan SerializedFeature, out chan<- TileBatch) (err error) {
	defer close(out)

	dir, err := os.MkdirTemp(s.cfg.TempDir, "citytiles-sort-")
	if err != nil {
		return fmt.Errorf("%w: create spill directory: %w", ErrSpill, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil && err == nil {
			err = fmt.Errorf("%w: remove spill directory: %w", ErrSpill, rmErr)
		}
	}()

	// Sample a prefix of the stream to size chunks in records
	sample := make([]SerializedFeature, 0, s.cfg.SampleSize)
	var sampleBytes int64
	inOpen := true
	for inOpen && len(sample) < s.cfg.SampleSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-in:
			if !ok {
				inOpen = false
				continue
			}
			sample = append(sample, rec)
			sampleBytes += int64(len(rec.Body)) + recordOverhead
		}
	}
	if len(sample) == 0 {
		return ctx.Err()
	}

	// Chunk size stays fixed for the run. When record sizes later in the
	// stream differ from the sampled prefix, memory use drifts from the limit
	// in proportion.
	sortCfg := extsort.DefaultConfig()
	sortCfg.ChunkSize = s.chunkSize(sampleBytes / int64(len(sample)))
	sortCfg.NumWorkers = s.cfg.Threads
	sortCfg.TempFilesDir = dir

	s.log.Debug("Starting external sort",
		zap.Int("chunk_size", sortCfg.ChunkSize),
		zap.Int("threads", sortCfg.NumWorkers),
		zap.String("spill_dir", dir))

	sortCtx, cancelSort := context.WithCancel(ctx)
	defer cancelSort()

	sortIn := make(chan extsort.SortType, sortCfg.ChanBuffSize)
	sorter, sorted, errc := extsort.New(sortIn, sortRecordFromBytes, sortRecordLess, sortCfg)
	select {
	case err := <-errc:
		// the sorter could not create its temp file and must not be started
		return fmt.Errorf("%w: %w", ErrSpill, err)
	default:
	}

	var records atomic.Int64
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		defer close(sortIn)
		send := func(rec SerializedFeature) bool {
			select {
			case sortIn <- sortRecord{id: rec.TileID, body: rec.Body}:
				records.Add(1)
				return true
			case <-sortCtx.Done():
				return false
			}
		}
		for _, rec := range sample {
			if !send(rec) {
				return
			}
		}
		for inOpen {
			select {
			case <-sortCtx.Done():
				return
			case rec, ok := <-in:
				if !ok {
					return
				}
				if !send(rec) {
					return
				}
			}
		}
	}()
	go sorter.Sort(sortCtx)

	var (
		cur      *TileBatch
		lastID   uint64
		batches  int64
		groupErr error
	)
	emit := func(b TileBatch) error {
		select {
		case out <- b:
			batches++
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fail := func(e error) {
		groupErr = e
		cur = nil
		cancelSort()
	}

	// extsort workers can block on their internal channels once the sort
	// context ends, so a canceled or failed merge is abandoned, not drained.
	// The spill directory is still removed on return.
merge:
	for {
		select {
		case <-sortCtx.Done():
			break merge
		case item, ok := <-sorted:
			if !ok {
				break merge
			}
			if groupErr != nil {
				continue
			}
			rec := item.(sortRecord)
			if rec.corrupt {
				fail(fmt.Errorf("%w: corrupt record in spill chunk", ErrSpill))
				continue
			}
			if cur != nil && rec.id < lastID {
				fail(fmt.Errorf("%w: merge out of order (%d after %d)", ErrSpill, rec.id, lastID))
				continue
			}
			s.stats.RecordsSorted.Add(1)
			if cur != nil && rec.id != cur.TileID {
				if e := emit(*cur); e != nil {
					fail(e)
					continue
				}
				cur = nil
			}
			if cur == nil {
				cur = &TileBatch{TileID: rec.id}
			}
			cur.Features = append(cur.Features, SerializedFeature{TileID: rec.id, Body: rec.body})
			lastID = rec.id
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if groupErr != nil {
		return groupErr
	}

	<-fwdDone
	if sortErr := <-errc; sortErr != nil {
		return fmt.Errorf("%w: %w", ErrSpill, sortErr)
	}
	if cur != nil {
		if e := emit(*cur); e != nil {
			return e
		}
	}

	total := records.Load()
	chunkSize := sortCfg.ChunkSize
	s.mu.Lock()
	s.result = SortStats{
		Records:   total,
		Batches:   batches,
		ChunkSize: chunkSize,
		Chunks:    (total + int64(chunkSize) - 1) / int64(chunkSize),
	}
	s.mu.Unlock()

	s.log.Info("External sort complete",
		zap.Int64("records", total),
		zap.Int64("tiles", batches),
		zap.Int64("chunks", s.result.Chunks))
	return nil
}
