package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chaintrail/chaintrail/internal/chain"
	"github.com/chaintrail/chaintrail/internal/crypto"
	"github.com/chaintrail/chaintrail/internal/entry"
	"github.com/chaintrail/chaintrail/internal/store"
)

// defaultSearchScan bounds how many entries a search decodes when the
// caller gives no limit.
const defaultSearchScan = 10_000

// ReadFilter narrows a read or search. Zero values leave a dimension
// unfiltered.
type ReadFilter struct {
	Limit int
	Level entry.Level
	Start time.Time
	End   time.Time
}

// ReadResult carries decoded entries, most recent first. Unreadable lists
// block indices whose payload failed authentication during decode; a bad
// block never aborts the rest of the scan.
type ReadResult struct {
	Entries    []*entry.LogEntry `json:"entries"`
	Unreadable []int             `json:"unreadable,omitempty"`
}

// Stats summarizes the ledger for operators and compliance reporting.
type Stats struct {
	TotalEntries int            `json:"totalEntries"`
	StorageSize  int64          `json:"storageSize"`
	ChainLength  int            `json:"chainLength"`
	Levels       map[string]int `json:"levels"`
	Verified     bool           `json:"verified"`
	Oldest       *time.Time     `json:"oldest,omitempty"`
	Newest       *time.Time     `json:"newest,omitempty"`
}

// Read returns entries matching the filter, most recent first, bounded by
// Limit (default 100). It is read-only and side-effect-free.
func (l *Ledger) Read(ctx context.Context, f ReadFilter) (*ReadResult, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	recs := l.matchIndex(f)
	if len(recs) > f.Limit {
		recs = recs[len(recs)-f.Limit:]
	}
	return l.fetch(ctx, recs)
}

// Search returns entries whose decoded JSON contains the query, case
// insensitive, most recent first. Intended for operational investigation,
// not a query language.
func (l *Ledger) Search(ctx context.Context, query string, f ReadFilter) (*ReadResult, error) {
	limit := f.Limit
	f.Limit = 0

	recs := l.matchIndex(f)
	if len(recs) > defaultSearchScan {
		recs = recs[len(recs)-defaultSearchScan:]
	}
	res, err := l.fetch(ctx, recs)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	matched := res.Entries[:0]
	for _, e := range res.Entries {
		data, err := e.Encode()
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(data)), needle) {
			matched = append(matched, e)
		}
	}
	res.Entries = matched
	if limit > 0 && len(res.Entries) > limit {
		res.Entries = res.Entries[:limit]
	}
	return res, nil
}

// Stats reports totals, level breakdown, storage footprint and the result
// of a full integrity walk.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	recs := l.store.Index()

	st := Stats{
		TotalEntries: len(recs),
		StorageSize:  l.store.TotalSize(),
		ChainLength:  l.ChainLength(),
		Levels:       make(map[string]int),
	}
	for _, rec := range recs {
		if rec.Level != "" {
			st.Levels[rec.Level]++
		}
	}
	if len(recs) > 0 {
		oldest, newest := recs[0].Timestamp, recs[len(recs)-1].Timestamp
		st.Oldest = &oldest
		st.Newest = &newest
	}

	res, err := l.Verify(ctx, 0, -1)
	if err != nil {
		return st, err
	}
	st.Verified = res.Valid
	return st, nil
}

// matchIndex filters index records, preserving chronological order.
func (l *Ledger) matchIndex(f ReadFilter) []store.IndexRecord {
	var out []store.IndexRecord
	for _, rec := range l.store.Index() {
		if f.Level != "" && rec.Level != string(f.Level) {
			continue
		}
		if !f.Start.IsZero() && rec.Timestamp.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && rec.Timestamp.After(f.End) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// fetch loads and decodes the blocks behind index records, newest first.
// Primary-segment blocks are read by offset; archived ones are collected in
// a single compressed-segment walk.
func (l *Ledger) fetch(ctx context.Context, recs []store.IndexRecord) (*ReadResult, error) {
	cp := l.store.Checkpoint()

	wantArchived := make(map[int]bool)
	for _, rec := range recs {
		if rec.Index <= cp.LastIndex {
			wantArchived[rec.Index] = true
		}
	}
	archived := make(map[int]chain.Block, len(wantArchived))
	if len(wantArchived) > 0 {
		err := l.store.ScanArchives(func(b chain.Block) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if wantArchived[b.Index] {
				archived[b.Index] = b
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read archived blocks: %w", err)
		}
	}

	res := &ReadResult{}
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var b chain.Block
		if rec.Index <= cp.LastIndex {
			var ok bool
			if b, ok = archived[rec.Index]; !ok {
				return nil, fmt.Errorf("block %d missing from archives", rec.Index)
			}
		} else {
			var err error
			if b, err = l.store.ReadBlockAt(rec.Offset); err != nil {
				return nil, err
			}
		}

		e, err := l.decodePayload(b.Payload)
		if err != nil {
			if errors.Is(err, crypto.ErrDecrypt) {
				// Surfaced per entry; the scan continues.
				res.Unreadable = append(res.Unreadable, b.Index)
				l.logger.Warn("block payload failed authentication during read",
					zap.Int("index", b.Index),
				)
				continue
			}
			return nil, fmt.Errorf("decode block %d: %w", b.Index, err)
		}
		res.Entries = append(res.Entries, e)
	}
	return res, nil
}
