// Package ledger is the single-writer append engine and facade over the
// hash-chained block store.
//
// One Ledger instance owns one chain. All mutation (appends, rotation,
// restore) is serialized through the writer mutex; verification and queries
// are read-only and run concurrently with the writer against a consistent
// snapshot. Storage, encryption and replication backends are injected, so
// independent ledgers and fake backends in tests come for free.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chaintrail/chaintrail/internal/chain"
	"github.com/chaintrail/chaintrail/internal/crypto"
	"github.com/chaintrail/chaintrail/internal/entry"
	"github.com/chaintrail/chaintrail/internal/metrics"
	"github.com/chaintrail/chaintrail/internal/replicate"
	"github.com/chaintrail/chaintrail/internal/store"
)

// ErrWriterHalted is returned by Write after a chain invariant violation.
// The writer stays halted pending operator intervention so a forked chain
// is never extended silently.
var ErrWriterHalted = errors.New("writer halted: chain invariant violation requires operator intervention")

// ErrClosed is returned by operations on a closed ledger.
var ErrClosed = errors.New("ledger closed")

// rotateFailureThreshold is how many consecutive rotation failures flip the
// ledger into degraded (oversized-primary) mode.
const rotateFailureThreshold = 3

// Config tunes one ledger instance.
type Config struct {
	// Dir is the ledger directory (primary store, index, checkpoint,
	// archives).
	Dir string

	// RotateSizeBytes caps the primary segment; 0 disables rotation.
	RotateSizeBytes int64

	// AppendRetries bounds durable-write retries before an append fails.
	AppendRetries int

	// AppendBackoff is the initial retry backoff; doubled per attempt.
	AppendBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.AppendRetries <= 0 {
		c.AppendRetries = 3
	}
	if c.AppendBackoff <= 0 {
		c.AppendBackoff = 100 * time.Millisecond
	}
}

// Ledger is a tamper-evident, append-only audit log.
type Ledger struct {
	cfg    Config
	store  *store.Store
	codec  *crypto.Codec      // nil: payloads stored in plaintext
	repl   *replicate.Manager // nil: replication disabled
	logger *zap.Logger

	mu             sync.Mutex // single-writer invariant
	tail           chain.Tail
	halted         bool
	closed         bool
	rotateFailures int
	degraded       bool
}

// Open recovers (or initializes) the ledger in cfg.Dir. codec and repl may
// be nil to disable encryption and replication.
func Open(cfg Config, codec *crypto.Codec, repl *replicate.Manager, logger *zap.Logger) (*Ledger, error) {
	cfg.applyDefaults()

	st, err := store.Open(cfg.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}

	tail := chain.NewTail()
	tail.Index, tail.Hash = st.LastSealed()

	return &Ledger{
		cfg:    cfg,
		store:  st,
		codec:  codec,
		repl:   repl,
		logger: logger,
		tail:   tail,
	}, nil
}

// Write encodes, optionally encrypts, seals and durably appends one entry,
// returning the sealed block. Concurrent callers are serialized.
func (l *Ledger) Write(ctx context.Context, level entry.Level, message string, metadata map[string]any) (*chain.Block, error) {
	e, err := entry.New(level, message, metadata)
	if err != nil {
		return nil, err
	}
	return l.append(ctx, e)
}

// Convenience writers mirroring the recognized levels.

func (l *Ledger) Info(ctx context.Context, msg string, md map[string]any) (*chain.Block, error) {
	return l.Write(ctx, entry.Info, msg, md)
}

func (l *Ledger) Warn(ctx context.Context, msg string, md map[string]any) (*chain.Block, error) {
	return l.Write(ctx, entry.Warn, msg, md)
}

func (l *Ledger) Error(ctx context.Context, msg string, md map[string]any) (*chain.Block, error) {
	return l.Write(ctx, entry.Error, msg, md)
}

func (l *Ledger) Critical(ctx context.Context, msg string, md map[string]any) (*chain.Block, error) {
	return l.Write(ctx, entry.Critical, msg, md)
}

func (l *Ledger) Audit(ctx context.Context, msg string, md map[string]any) (*chain.Block, error) {
	return l.Write(ctx, entry.Audit, msg, md)
}

func (l *Ledger) Security(ctx context.Context, msg string, md map[string]any) (*chain.Block, error) {
	return l.Write(ctx, entry.Security, msg, md)
}

func (l *Ledger) Revenue(ctx context.Context, msg string, md map[string]any) (*chain.Block, error) {
	return l.Write(ctx, entry.Revenue, msg, md)
}

func (l *Ledger) System(ctx context.Context, msg string, md map[string]any) (*chain.Block, error) {
	return l.Write(ctx, entry.System, msg, md)
}

func (l *Ledger) append(ctx context.Context, e *entry.LogEntry) (*chain.Block, error) {
	payload, err := e.Encode()
	if err != nil {
		return nil, err
	}
	if l.codec != nil {
		// Write-path encryption failures are fatal: the entry cannot be
		// sealed safely.
		if payload, err = l.codec.Encrypt(payload); err != nil {
			return nil, fmt.Errorf("seal entry: %w", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if l.halted {
		return nil, ErrWriterHalted
	}

	start := time.Now()
	b := chain.Seal(payload, l.tail.Index, l.tail.Hash)

	// Validate the chain invariant on a scratch tail before touching the
	// durable store; a violation must never reach disk.
	next := l.tail
	if err := next.Extend(b); err != nil {
		l.halted = true
		l.logger.Error("chain invariant violation, halting writer",
			zap.Int("index", b.Index),
			zap.Error(err),
		)
		return nil, err
	}

	offset, err := l.appendDurably(ctx, b)
	if err != nil {
		return nil, err
	}
	l.tail = next

	rec := store.IndexRecord{
		Index:     b.Index,
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Level:     string(e.Level),
		Hash:      b.Hash,
		Offset:    offset,
	}
	if err := l.store.AppendIndex(rec); err != nil {
		// The block is durable; the index can be rebuilt. Surface the
		// failure without pretending the entry was dropped.
		l.logger.Error("index update failed for durable block",
			zap.Int("index", b.Index),
			zap.Error(err),
		)
		return &b, err
	}

	metrics.RecordAppend(string(e.Level), b.Index+1, time.Since(start))

	if l.repl != nil {
		if err := l.repl.Enqueue(ctx, b); err != nil {
			// Replication never affects local durability.
			l.logger.Warn("replication enqueue failed",
				zap.Int("index", b.Index),
				zap.Error(err),
			)
		}
	}

	l.maybeRotate()
	return &b, nil
}

// appendDurably persists a block with bounded retries and exponential
// backoff. Exhausting retries surfaces the storage error; entries are never
// silently dropped.
func (l *Ledger) appendDurably(ctx context.Context, b chain.Block) (int64, error) {
	backoff := l.cfg.AppendBackoff
	var lastErr error
	for attempt := 1; attempt <= l.cfg.AppendRetries; attempt++ {
		offset, err := l.store.AppendBlock(b)
		if err == nil {
			return offset, nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrStorageWrite) {
			return 0, err
		}
		l.logger.Warn("durable append attempt failed",
			zap.Int("index", b.Index),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < l.cfg.AppendRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, fmt.Errorf("append aborted: %w", ctx.Err())
			}
			backoff *= 2
		}
	}
	return 0, fmt.Errorf("append block %d: %w", b.Index, lastErr)
}

// maybeRotate archives the primary segment once it crosses the configured
// threshold. Called with the writer lock held, so writers quiesce only for
// the duration of the compression pass. Repeated failures flip the ledger
// into a degraded (oversized-primary) mode instead of stopping ingestion.
func (l *Ledger) maybeRotate() {
	if l.cfg.RotateSizeBytes <= 0 || l.store.Size() < l.cfg.RotateSizeBytes {
		return
	}

	seg, err := l.store.Rotate(l.tail.Index, l.tail.Hash)
	if err != nil {
		l.rotateFailures++
		metrics.RecordRotation(false)
		l.logger.Warn("segment rotation failed, will retry after next append",
			zap.Int("consecutive_failures", l.rotateFailures),
			zap.Error(err),
		)
		if l.rotateFailures >= rotateFailureThreshold && !l.degraded {
			l.degraded = true
			l.logger.Error("rotation repeatedly failing; continuing with oversized primary segment")
		}
		return
	}

	l.rotateFailures = 0
	l.degraded = false
	metrics.RecordRotation(true)
	if seg != "" {
		l.logger.Info("primary segment archived", zap.String("segment", seg))
	}
}

// Tail returns the index and hash of the newest sealed block.
func (l *Ledger) Tail() (int, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail.Index, l.tail.Hash
}

// ChainLength returns the number of blocks in the chain.
func (l *Ledger) ChainLength() int {
	idx, _ := l.Tail()
	return idx + 1
}

// Degraded reports whether rotation is failing and the primary segment is
// growing past its configured cap.
func (l *Ledger) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Halted reports whether the writer stopped after an invariant violation.
func (l *Ledger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// ReplicationStatus compares the local chain against the remote mirror.
func (l *Ledger) ReplicationStatus(ctx context.Context) (replicate.Status, error) {
	if l.repl == nil {
		return replicate.Status{}, errors.New("replication not configured")
	}
	return l.repl.Status(ctx, l.ChainLength())
}

// RetryFailedReplication re-enqueues failed uploads; returns how many.
func (l *Ledger) RetryFailedReplication(ctx context.Context) int {
	if l.repl == nil {
		return 0
	}
	return l.repl.RetryFailed(ctx)
}

// RestoreFromRemote rebuilds the local store from the remote mirror after
// total local loss. The restored chain is link-checked during fetch and
// must re-pass Verify before being trusted.
func (l *Ledger) RestoreFromRemote(ctx context.Context) (int, error) {
	if l.repl == nil {
		return 0, errors.New("replication not configured")
	}
	blocks, err := l.repl.Restore(ctx)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	if err := l.store.Reset(); err != nil {
		return 0, fmt.Errorf("reset local store: %w", err)
	}

	tail := chain.NewTail()
	for _, b := range blocks {
		offset, err := l.store.AppendBlock(b)
		if err != nil {
			return 0, fmt.Errorf("restore block %d: %w", b.Index, err)
		}
		rec := store.IndexRecord{Index: b.Index, Hash: b.Hash, Offset: offset, Timestamp: b.Timestamp}
		if e, err := l.decodePayload(b.Payload); err == nil {
			rec.ID = e.ID
			rec.Level = string(e.Level)
			rec.Timestamp = e.Timestamp
		}
		if err := l.store.AppendIndex(rec); err != nil {
			return 0, fmt.Errorf("rebuild index for block %d: %w", b.Index, err)
		}
		if err := tail.Extend(b); err != nil {
			return 0, err
		}
	}

	l.tail = tail
	l.halted = false
	l.logger.Info("chain restored from remote mirror", zap.Int("blocks", len(blocks)))
	return len(blocks), nil
}

// RestoreBlock fetches one block by hash from the remote mirror without
// touching local state.
func (l *Ledger) RestoreBlock(ctx context.Context, hash string) (*chain.Block, error) {
	if l.repl == nil {
		return nil, errors.New("replication not configured")
	}
	return l.repl.RestoreBlock(ctx, hash)
}

// decodePayload decrypts (when configured) and decodes a block payload.
func (l *Ledger) decodePayload(payload []byte) (*entry.LogEntry, error) {
	if l.codec != nil {
		plain, err := l.codec.Decrypt(payload)
		if err != nil {
			return nil, err
		}
		payload = plain
	}
	return entry.Decode(payload)
}

// Close performs the scoped shutdown drain: it stops the writer, flushes
// queued replication work, and releases the store. No queued block is lost
// on graceful termination.
func (l *Ledger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	var errs []error
	if l.repl != nil {
		if err := l.repl.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := l.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
