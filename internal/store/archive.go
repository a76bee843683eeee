package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/chaintrail/chaintrail/internal/chain"
)

// ErrRotate wraps archival failures. Rotation is retried by the ledger; the
// primary keeps accepting writes in the meantime.
var ErrRotate = errors.New("segment rotation failed")

// ErrConcurrentRotation reports that a rotation moved the archive boundary
// while a full-chain scan was in flight, invalidating the scan's snapshot.
// The caller restarts the walk.
var ErrConcurrentRotation = errors.New("segment rotated during scan")

// Rotate relocates the primary segment into a compressed archive named by
// its block range, truncates the primary, and persists the checkpoint so
// the next block still links to the last archived one. The caller supplies
// the chain tail (lastIndex, lastHash) being archived.
func (s *Store) Rotate(lastIndex int, lastHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.cp.LastIndex + 1
	if first > lastIndex || s.size == 0 {
		return "", nil
	}

	name := fmt.Sprintf("segment-%012d-%012d.log.gz", first, lastIndex)
	dest := filepath.Join(s.dir, "archive", name)
	tmp := dest + ".tmp"

	if err := s.compressPrimary(tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: publish archive: %v", ErrRotate, err)
	}

	if err := s.blocksW.Truncate(0); err != nil {
		return "", fmt.Errorf("%w: truncate primary: %v", ErrRotate, err)
	}
	s.size = 0

	cp := Checkpoint{LastIndex: lastIndex, LastHash: lastHash, Segments: s.cp.Segments + 1}
	if err := s.writeCheckpoint(cp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRotate, err)
	}
	s.cp = cp

	s.logger.Info("rotated primary segment into archive",
		zap.String("segment", name),
		zap.Int("first_index", first),
		zap.Int("last_index", lastIndex),
	)
	return dest, nil
}

func (s *Store) compressPrimary(tmp string) error {
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: create archive: %v", ErrRotate, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, io.NewSectionReader(s.blocksR, 0, s.size)); err != nil {
		return fmt.Errorf("%w: compress primary: %v", ErrRotate, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("%w: finish compression: %v", ErrRotate, err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("%w: sync archive: %v", ErrRotate, err)
	}
	return nil
}

// ArchiveSegments lists archived segment paths, oldest first.
func (s *Store) ArchiveSegments() ([]string, error) {
	segs, err := filepath.Glob(filepath.Join(s.dir, "archive", "segment-*.log.gz"))
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	// Zero-padded indices make lexicographic order chronological.
	sort.Strings(segs)
	return segs, nil
}

// ScanArchives walks every archived segment oldest to newest.
func (s *Store) ScanArchives(fn func(chain.Block) error) error {
	segs, err := s.ArchiveSegments()
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if err := s.scanSegment(seg, fn); err != nil {
			return fmt.Errorf("archive %s: %w", filepath.Base(seg), err)
		}
	}
	return nil
}

func (s *Store) scanSegment(path string, fn func(chain.Block) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open compressed segment: %w", err)
	}
	defer gz.Close()

	return scanBlocks(gz, func(b chain.Block, _ int64) error {
		return fn(b)
	})
}

// Scan walks the whole chain, archives first, then the primary segment.
// The segment list and primary bounds are snapshotted under one lock
// acquisition; a rotation landing mid-walk moves blocks across the
// boundary behind the snapshot, so it surfaces as ErrConcurrentRotation
// instead of a silently shortened walk.
func (s *Store) Scan(fn func(chain.Block) error) error {
	s.mu.RLock()
	segs, segsErr := s.ArchiveSegments()
	size := s.size
	gen := s.cp.Segments
	s.mu.RUnlock()
	if segsErr != nil {
		return segsErr
	}

	walkErr := func() error {
		for _, seg := range segs {
			if err := s.scanSegment(seg, fn); err != nil {
				return fmt.Errorf("archive %s: %w", filepath.Base(seg), err)
			}
		}
		f, err := os.Open(filepath.Join(s.dir, "blocks.log"))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("open block store: %w", err)
		}
		defer f.Close()
		return scanBlocks(io.NewSectionReader(f, 0, size), func(b chain.Block, _ int64) error {
			return fn(b)
		})
	}()

	s.mu.RLock()
	rotated := s.cp.Segments != gen
	s.mu.RUnlock()
	if rotated {
		return ErrConcurrentRotation
	}
	return walkErr
}
