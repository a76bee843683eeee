// Package store persists the block chain on disk.
//
// Layout inside the ledger directory:
//
//	blocks.log       append-only primary segment, one JSON block per line
//	index.log        append-only index, one JSON record per line
//	checkpoint.json  chain continuity record across the archive boundary
//	archive/         gzip-compressed rotated segments
//
// Appends marshal the whole record and issue a single write on an O_APPEND
// descriptor followed by fsync, so a reader never observes a half-written
// block. A torn trailing record left by a crash is truncated at open time;
// such a record was never acknowledged to its caller.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chaintrail/chaintrail/internal/chain"
)

// ErrStorageWrite wraps I/O failures on the write path. The append engine
// retries these a bounded number of times before surfacing them.
var ErrStorageWrite = errors.New("storage write failed")

// maxRecordSize bounds a single persisted block line.
const maxRecordSize = 16 << 20

// IndexRecord is the per-block projection used for filtered reads without
// rescanning the block store.
type IndexRecord struct {
	Index     int       `json:"index"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Hash      string    `json:"hash"`
	Offset    int64     `json:"offset"`
}

// Checkpoint marks chain continuity across the primary/archive boundary:
// the index and hash of the last archived block.
type Checkpoint struct {
	LastIndex int    `json:"lastIndex"`
	LastHash  string `json:"lastHash"`
	Segments  int    `json:"segments"`
}

// Store owns the on-disk ledger layout. Writes are serialized by the append
// engine; reads may run concurrently and see a consistent snapshot.
type Store struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	blocksW *os.File // O_APPEND write handle
	blocksR *os.File // read handle for offset access and scans
	indexW  *os.File
	size    int64
	index   []IndexRecord
	cp      Checkpoint

	tailIndex int
	tailHash  string
}

// Open initializes the directory layout, recovers the checkpoint, index and
// chain tail, and truncates any torn trailing record.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "archive"), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	s := &Store{
		dir:       dir,
		logger:    logger,
		cp:        Checkpoint{LastIndex: -1, LastHash: chain.GenesisHash},
		tailIndex: -1,
		tailHash:  chain.GenesisHash,
	}

	if err := s.loadCheckpoint(); err != nil {
		return nil, err
	}
	s.tailIndex = s.cp.LastIndex
	s.tailHash = s.cp.LastHash

	blocksPath := filepath.Join(dir, "blocks.log")
	if err := s.repairTornTail(blocksPath); err != nil {
		return nil, err
	}

	var err error
	if s.blocksW, err = os.OpenFile(blocksPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}
	if s.blocksR, err = os.Open(blocksPath); err != nil {
		return nil, fmt.Errorf("open block store for reads: %w", err)
	}
	if s.indexW, err = os.OpenFile(filepath.Join(dir, "index.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	info, err := s.blocksW.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat block store: %w", err)
	}
	s.size = info.Size()

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	if err := s.recoverTail(); err != nil {
		return nil, err
	}
	return s, nil
}

// repairTornTail drops bytes after the last newline. A partial final line
// can only be the remnant of an append that was never acknowledged.
func (s *Store) repairTornTail(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read block store: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	cut := bytes.LastIndexByte(data, '\n') + 1
	s.logger.Warn("truncating torn trailing block record",
		zap.Int("dropped_bytes", len(data)-cut),
	)
	return os.Truncate(path, int64(cut))
}

func (s *Store) loadCheckpoint() error {
	data, err := os.ReadFile(filepath.Join(s.dir, "checkpoint.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &s.cp); err != nil {
		return fmt.Errorf("parse checkpoint: %w", err)
	}
	return nil
}

func (s *Store) loadIndex() error {
	f, err := os.Open(filepath.Join(s.dir, "index.log"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxRecordSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec IndexRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("parse index record: %w", err)
		}
		s.index = append(s.index, rec)
	}
	return sc.Err()
}

// recoverTail scans the primary segment to find the last sealed block.
func (s *Store) recoverTail() error {
	return s.scanPrimaryLocked(func(b chain.Block, _ int64) error {
		s.tailIndex = b.Index
		s.tailHash = b.Hash
		return nil
	})
}

// AppendBlock durably appends a block to the primary segment and returns
// its byte offset.
func (s *Store) AppendBlock(b chain.Block) (int64, error) {
	line, err := json.Marshal(b)
	if err != nil {
		return 0, fmt.Errorf("marshal block: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.size
	if _, err := s.blocksW.Write(line); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := s.blocksW.Sync(); err != nil {
		return 0, fmt.Errorf("%w: sync: %v", ErrStorageWrite, err)
	}
	s.size += int64(len(line))
	s.tailIndex = b.Index
	s.tailHash = b.Hash
	return offset, nil
}

// AppendIndex records the per-block projection alongside the block write.
func (s *Store) AppendIndex(rec IndexRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal index record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.indexW.Write(line); err != nil {
		return fmt.Errorf("%w: index: %v", ErrStorageWrite, err)
	}
	if err := s.indexW.Sync(); err != nil {
		return fmt.Errorf("%w: index sync: %v", ErrStorageWrite, err)
	}
	s.index = append(s.index, rec)
	return nil
}

// writeCheckpoint persists the checkpoint atomically via temp file + rename.
func (s *Store) writeCheckpoint(cp Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := filepath.Join(s.dir, "checkpoint.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: checkpoint: %v", ErrStorageWrite, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, "checkpoint.json")); err != nil {
		return fmt.Errorf("%w: checkpoint rename: %v", ErrStorageWrite, err)
	}
	return nil
}

// ReadBlockAt returns the block whose record starts at the given offset in
// the primary segment.
func (s *Store) ReadBlockAt(offset int64) (chain.Block, error) {
	s.mu.RLock()
	size := s.size
	s.mu.RUnlock()

	var b chain.Block
	if offset < 0 || offset >= size {
		return b, fmt.Errorf("block offset %d out of range", offset)
	}
	r := bufio.NewReader(io.NewSectionReader(s.blocksR, offset, size-offset))
	line, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return b, fmt.Errorf("read block at %d: %w", offset, err)
	}
	if err := json.Unmarshal(bytes.TrimSuffix(line, []byte{'\n'}), &b); err != nil {
		return b, fmt.Errorf("parse block at %d: %w", offset, err)
	}
	return b, nil
}

// ScanPrimary walks the primary segment oldest to newest, bounded by the
// size snapshot taken at call time.
func (s *Store) ScanPrimary(fn func(chain.Block, int64) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanPrimaryLocked(fn)
}

func (s *Store) scanPrimaryLocked(fn func(chain.Block, int64) error) error {
	path := filepath.Join(s.dir, "blocks.log")
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}
	defer f.Close()

	var limit int64
	if s.blocksR != nil {
		limit = s.size
	} else if info, err := f.Stat(); err == nil {
		limit = info.Size()
	}
	return scanBlocks(io.NewSectionReader(f, 0, limit), fn)
}

// scanBlocks parses newline-delimited block records, reporting each block
// with its byte offset within the segment.
func scanBlocks(r io.Reader, fn func(chain.Block, int64) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxRecordSize)
	var offset int64
	for sc.Scan() {
		line := sc.Bytes()
		recLen := int64(len(line)) + 1
		if len(bytes.TrimSpace(line)) == 0 {
			offset += recLen
			continue
		}
		var b chain.Block
		if err := json.Unmarshal(line, &b); err != nil {
			return fmt.Errorf("parse block record at offset %d: %w", offset, err)
		}
		if err := fn(b, offset); err != nil {
			return err
		}
		offset += recLen
	}
	return sc.Err()
}

// Index returns a snapshot of the index records.
func (s *Store) Index() []IndexRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IndexRecord, len(s.index))
	copy(out, s.index)
	return out
}

// Size returns the current primary segment size in bytes.
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// TotalSize returns primary plus archived storage in bytes.
func (s *Store) TotalSize() int64 {
	s.mu.RLock()
	size := s.size
	s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, "archive"))
	if err != nil {
		return size
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			size += info.Size()
		}
	}
	return size
}

// LastSealed returns the index and hash of the newest durable block, or
// (-1, GenesisHash) for an empty chain.
func (s *Store) LastSealed() (int, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tailIndex, s.tailHash
}

// Checkpoint returns the current archive-boundary checkpoint.
func (s *Store) Checkpoint() Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cp
}

// Reset wipes the store back to an empty chain. Used only by disaster
// recovery before replaying blocks from a remote mirror.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.blocksW.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncate blocks: %v", ErrStorageWrite, err)
	}
	if err := s.indexW.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncate index: %v", ErrStorageWrite, err)
	}
	segs, err := filepath.Glob(filepath.Join(s.dir, "archive", "segment-*.log.gz"))
	if err == nil {
		for _, seg := range segs {
			if err := os.Remove(seg); err != nil {
				return fmt.Errorf("%w: remove archive %s: %v", ErrStorageWrite, seg, err)
			}
		}
	}
	s.size = 0
	s.index = nil
	s.cp = Checkpoint{LastIndex: -1, LastHash: chain.GenesisHash}
	s.tailIndex = -1
	s.tailHash = chain.GenesisHash
	return s.writeCheckpoint(s.cp)
}

// Close releases the store's file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []*os.File{s.blocksW, s.blocksR, s.indexW} {
		if f != nil {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
