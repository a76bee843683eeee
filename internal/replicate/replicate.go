// Package replicate mirrors sealed blocks to a remote durable store for
// disaster recovery.
//
// Replication is independent of local durability: upload failures are
// retried with exponential backoff, surfaced via Status, and never fail a
// local append. A single worker drains a bounded queue in index order, so
// block N is never reported uploaded before block N-1.
package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chaintrail/chaintrail/internal/chain"
	"github.com/chaintrail/chaintrail/internal/metrics"
)

// ErrReplication wraps upload failures. Explicitly non-fatal to local
// appends.
var ErrReplication = errors.New("replication failed")

// ErrClosed is returned by Enqueue after the manager has shut down.
var ErrClosed = errors.New("replication manager closed")

// objectPrefix namespaces mirrored blocks inside the remote store.
const objectPrefix = "blocks/"

// State is a block's position in the replication state machine:
// pending -> uploading -> uploaded, or uploading -> failed -> retry.
type State string

const (
	StatePending   State = "pending"
	StateUploading State = "uploading"
	StateUploaded  State = "uploaded"
	StateFailed    State = "failed"
)

// Record tracks the remote-backup status of one block. Once uploaded the
// record never changes again.
type Record struct {
	Index       int       `json:"index"`
	Hash        string    `json:"hash"`
	Remote      string    `json:"remote"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"lastAttempt"`

	block chain.Block
}

// Status summarizes replication progress for operators.
type Status struct {
	LocalBlocks    int     `json:"localBlocks"`
	RemoteBlocks   int     `json:"remoteBlocks"`
	Missing        int     `json:"missing"`
	SyncPercentage float64 `json:"syncPercentage"`
}

// Config tunes the replication manager.
type Config struct {
	Async          bool
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	BatchSize      int
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
}

// Manager owns the replication queue, worker and per-block records.
type Manager struct {
	remote RemoteStore
	cfg    Config
	logger *zap.Logger

	queue  chan chain.Block
	closed chan struct{}
	sendMu sync.RWMutex // held (read) across queue sends; Close takes it before closing queue
	once   sync.Once
	wg     sync.WaitGroup

	mu      sync.Mutex
	records map[int]*Record
}

// NewManager creates a Manager and, in async mode, starts its worker.
func NewManager(remote RemoteStore, cfg Config, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		remote:  remote,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan chain.Block, cfg.QueueSize),
		closed:  make(chan struct{}),
		records: make(map[int]*Record),
	}
	if cfg.Async {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// ObjectName returns the content-addressed remote name for a block.
func ObjectName(b chain.Block) string {
	return fmt.Sprintf("%s%012d-%s.json", objectPrefix, b.Index, b.Hash)
}

// Enqueue schedules a sealed block for upload. In async mode it blocks when
// the queue is saturated (backpressure on the producer); in sync mode it
// uploads inline before returning.
func (m *Manager) Enqueue(ctx context.Context, b chain.Block) error {
	m.track(b)

	if !m.cfg.Async {
		return m.upload(ctx, b)
	}

	m.sendMu.RLock()
	defer m.sendMu.RUnlock()

	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.queue <- b:
		return nil
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) track(b chain.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[b.Index]; ok {
		return
	}
	m.records[b.Index] = &Record{
		Index:  b.Index,
		Hash:   b.Hash,
		Remote: ObjectName(b),
		State:  StatePending,
		block:  b,
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for b := range m.queue {
		if err := m.upload(context.Background(), b); err != nil {
			m.logger.Warn("block replication exhausted retries",
				zap.Int("index", b.Index),
				zap.Error(err),
			)
		}
	}
}

// upload drives one block through the state machine with bounded attempts
// and exponential backoff.
func (m *Manager) upload(ctx context.Context, b chain.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: marshal block %d: %v", ErrReplication, b.Index, err)
	}
	name := ObjectName(b)

	backoff := m.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		m.setState(b.Index, StateUploading)
		lastErr = m.remote.Put(ctx, name, data)
		if lastErr == nil {
			m.setState(b.Index, StateUploaded)
			metrics.RecordReplication(string(StateUploaded))
			return nil
		}

		m.logger.Warn("block upload attempt failed",
			zap.Int("index", b.Index),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt < m.cfg.MaxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				m.setState(b.Index, StateFailed)
				metrics.RecordReplication(string(StateFailed))
				return ctx.Err()
			}
			backoff *= 2
		}
	}

	m.setState(b.Index, StateFailed)
	metrics.RecordReplication(string(StateFailed))
	return fmt.Errorf("%w: block %d after %d attempts: %v", ErrReplication, b.Index, m.cfg.MaxAttempts, lastErr)
}

func (m *Manager) setState(index int, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[index]; ok {
		// The terminal success state is immutable.
		if rec.State == StateUploaded {
			return
		}
		rec.State = s
		rec.Attempts++
		rec.LastAttempt = time.Now().UTC()
	}
}

// RetryFailed re-enqueues blocks whose last cycle ended in failure, oldest
// first, at most BatchSize per call. Invoked periodically by the server.
func (m *Manager) RetryFailed(ctx context.Context) int {
	m.mu.Lock()
	var failed []chain.Block
	for _, rec := range m.records {
		if rec.State == StateFailed {
			failed = append(failed, rec.block)
		}
	}
	m.mu.Unlock()

	sort.Slice(failed, func(i, j int) bool { return failed[i].Index < failed[j].Index })
	if len(failed) > m.cfg.BatchSize {
		failed = failed[:m.cfg.BatchSize]
	}

	retried := 0
	for _, b := range failed {
		m.setState(b.Index, StatePending)
		if err := m.Enqueue(ctx, b); err != nil {
			break
		}
		retried++
	}
	return retried
}

// Records returns a snapshot of every replication record, ordered by index.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Status compares the local chain length against the remote mirror.
func (m *Manager) Status(ctx context.Context, localBlocks int) (Status, error) {
	names, err := m.remote.List(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("%w: list remote: %v", ErrReplication, err)
	}
	remote := 0
	for _, name := range names {
		if strings.HasPrefix(name, objectPrefix) {
			remote++
		}
	}

	st := Status{LocalBlocks: localBlocks, RemoteBlocks: remote}
	if missing := localBlocks - remote; missing > 0 {
		st.Missing = missing
	}
	if localBlocks == 0 {
		st.SyncPercentage = 100.0
	} else {
		st.SyncPercentage = float64(remote) / float64(localBlocks) * 100.0
	}
	return st, nil
}

// Restore fetches the full chain from the remote store, ordered and
// link-checked. Restored blocks must still re-pass the integrity verifier
// before being trusted.
func (m *Manager) Restore(ctx context.Context) ([]chain.Block, error) {
	names, err := m.remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list remote: %v", ErrReplication, err)
	}

	blocks := make([]chain.Block, 0, len(names))
	for _, name := range names {
		if !strings.HasPrefix(name, objectPrefix) {
			continue
		}
		data, err := m.remote.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch %s: %v", ErrReplication, name, err)
		}
		var b chain.Block
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrReplication, name, err)
		}
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })

	for i, b := range blocks {
		if i == 0 {
			if b.Index != 0 || b.PrevHash != chain.GenesisHash {
				return nil, fmt.Errorf("%w: restored chain does not start at genesis", ErrReplication)
			}
			if b.Hash != chain.HashPayload(b.Payload) {
				return nil, fmt.Errorf("%w: restored block 0 hash mismatch", ErrReplication)
			}
			continue
		}
		if err := chain.Validate(&blocks[i-1], &blocks[i]); err != nil {
			return nil, fmt.Errorf("%w: restored chain broken: %v", ErrReplication, err)
		}
	}
	return blocks, nil
}

// RestoreBlock fetches a single block by hash from the remote store.
func (m *Manager) RestoreBlock(ctx context.Context, hash string) (*chain.Block, error) {
	names, err := m.remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list remote: %v", ErrReplication, err)
	}
	for _, name := range names {
		if !strings.HasSuffix(name, "-"+hash+".json") {
			continue
		}
		data, err := m.remote.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch %s: %v", ErrReplication, name, err)
		}
		var b chain.Block
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrReplication, name, err)
		}
		if b.Hash != chain.HashPayload(b.Payload) {
			return nil, fmt.Errorf("%w: block %s fails hash check", ErrReplication, hash)
		}
		return &b, nil
	}
	return nil, fmt.Errorf("%w: block %s not found in remote store", ErrReplication, hash)
}

// Close stops accepting new work, drains the queue, and waits for the
// worker, bounded by the context deadline. No queued block is dropped on a
// graceful shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.once.Do(func() {
		// Closing the closed channel first unblocks any producer parked in
		// the Enqueue send select, so taking sendMu cannot deadlock; only
		// once no send is in flight is the queue itself closed.
		close(m.closed)
		m.sendMu.Lock()
		close(m.queue)
		m.sendMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("replication drain interrupted: %w", ctx.Err())
	}
}
