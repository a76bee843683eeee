package replicate_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chaintrail/chaintrail/internal/chain"
	"github.com/chaintrail/chaintrail/internal/replicate"
)

// flakyStore fails the first failures Put calls per object, then delegates
// to an in-memory store.
type flakyStore struct {
	*replicate.MemoryStore
	mu       sync.Mutex
	failures int
	attempts map[string]int
}

func newFlakyStore(failures int) *flakyStore {
	return &flakyStore{
		MemoryStore: replicate.NewMemoryStore(),
		failures:    failures,
		attempts:    make(map[string]int),
	}
}

func (f *flakyStore) Put(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	f.attempts[name]++
	n := f.attempts[name]
	f.mu.Unlock()
	if n <= f.failures {
		return fmt.Errorf("transient outage (attempt %d)", n)
	}
	return f.MemoryStore.Put(ctx, name, data)
}

func sealChain(n int) []chain.Block {
	blocks := make([]chain.Block, 0, n)
	idx, hash := -1, chain.GenesisHash
	for i := 0; i < n; i++ {
		b := chain.Seal([]byte(fmt.Sprintf("payload-%d", i)), idx, hash)
		idx, hash = b.Index, b.Hash
		blocks = append(blocks, b)
	}
	return blocks
}

func testConfig() replicate.Config {
	return replicate.Config{InitialBackoff: time.Millisecond}
}

func TestEnqueue_syncUploadsInline(t *testing.T) {
	remote := replicate.NewMemoryStore()
	m := replicate.NewManager(remote, testConfig(), zap.NewNop())

	b := sealChain(1)[0]
	if err := m.Enqueue(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if remote.Len() != 1 {
		t.Fatalf("remote objects %d, want 1", remote.Len())
	}

	recs := m.Records()
	if len(recs) != 1 || recs[0].State != replicate.StateUploaded {
		t.Errorf("record state %+v", recs)
	}
	if !strings.HasPrefix(recs[0].Remote, "blocks/") {
		t.Errorf("remote name %q lacks namespace prefix", recs[0].Remote)
	}
}

func TestUpload_retriesTransientFailures(t *testing.T) {
	remote := newFlakyStore(2)
	m := replicate.NewManager(remote, testConfig(), zap.NewNop())

	b := sealChain(1)[0]
	if err := m.Enqueue(context.Background(), b); err != nil {
		t.Fatalf("upload should succeed within 5 attempts: %v", err)
	}
	if remote.Len() != 1 {
		t.Error("block not uploaded after retries")
	}
	recs := m.Records()
	if recs[0].State != replicate.StateUploaded {
		t.Errorf("state %s after eventual success", recs[0].State)
	}
}

func TestUpload_exhaustedRetriesMarkFailed(t *testing.T) {
	remote := newFlakyStore(100)
	cfg := testConfig()
	cfg.MaxAttempts = 2
	m := replicate.NewManager(remote, cfg, zap.NewNop())

	b := sealChain(1)[0]
	err := m.Enqueue(context.Background(), b)
	if !errors.Is(err, replicate.ErrReplication) {
		t.Fatalf("expected ErrReplication, got %v", err)
	}
	recs := m.Records()
	if recs[0].State != replicate.StateFailed {
		t.Errorf("state %s, want failed", recs[0].State)
	}
	if recs[0].Attempts == 0 {
		t.Error("attempts not counted")
	}
}

func TestRetryFailed_reEnqueuesOldestFirst(t *testing.T) {
	remote := newFlakyStore(1)
	cfg := testConfig()
	cfg.MaxAttempts = 1
	m := replicate.NewManager(remote, cfg, zap.NewNop())
	ctx := context.Background()

	blocks := sealChain(3)
	for _, b := range blocks {
		m.Enqueue(ctx, b) // first cycle fails once per object
	}
	for _, rec := range m.Records() {
		if rec.State != replicate.StateFailed {
			t.Fatalf("precondition: block %d state %s", rec.Index, rec.State)
		}
	}

	if n := m.RetryFailed(ctx); n != 3 {
		t.Errorf("retried %d, want 3", n)
	}
	if remote.Len() != 3 {
		t.Errorf("remote objects %d, want 3", remote.Len())
	}
	for _, rec := range m.Records() {
		if rec.State != replicate.StateUploaded {
			t.Errorf("block %d state %s after retry", rec.Index, rec.State)
		}
	}
}

func TestAsync_drainsQueueInOrderOnClose(t *testing.T) {
	remote := replicate.NewMemoryStore()
	cfg := testConfig()
	cfg.Async = true
	cfg.QueueSize = 64
	m := replicate.NewManager(remote, cfg, zap.NewNop())
	ctx := context.Background()

	blocks := sealChain(20)
	for _, b := range blocks {
		if err := m.Enqueue(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	// Graceful close must flush every queued block.
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Close(drainCtx); err != nil {
		t.Fatal(err)
	}
	if remote.Len() != 20 {
		t.Errorf("remote objects %d after drain, want 20", remote.Len())
	}
	for _, rec := range m.Records() {
		if rec.State != replicate.StateUploaded {
			t.Errorf("block %d state %s after drain", rec.Index, rec.State)
		}
	}
}

func TestEnqueue_racingCloseNeverPanics(t *testing.T) {
	cfg := testConfig()
	cfg.Async = true
	cfg.QueueSize = 1 // force producers to park in the send
	m := replicate.NewManager(replicate.NewMemoryStore(), cfg, zap.NewNop())
	ctx := context.Background()

	blocks := sealChain(64)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := p; i < len(blocks); i += 8 {
				if err := m.Enqueue(ctx, blocks[i]); errors.Is(err, replicate.ErrClosed) {
					return
				}
			}
		}(p)
	}

	time.Sleep(time.Millisecond)
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if err := m.Enqueue(ctx, blocks[0]); !errors.Is(err, replicate.ErrClosed) {
		t.Errorf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestEnqueue_afterCloseReturnsErrClosed(t *testing.T) {
	cfg := testConfig()
	cfg.Async = true
	m := replicate.NewManager(replicate.NewMemoryStore(), cfg, zap.NewNop())
	if err := m.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := m.Enqueue(context.Background(), sealChain(1)[0])
	if !errors.Is(err, replicate.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestStatus_reportsSyncPercentage(t *testing.T) {
	remote := replicate.NewMemoryStore()
	m := replicate.NewManager(remote, testConfig(), zap.NewNop())
	ctx := context.Background()

	blocks := sealChain(4)
	for _, b := range blocks[:3] {
		if err := m.Enqueue(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	st, err := m.Status(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if st.LocalBlocks != 4 || st.RemoteBlocks != 3 || st.Missing != 1 {
		t.Errorf("status %+v", st)
	}
	if st.SyncPercentage != 75.0 {
		t.Errorf("sync percentage %.1f, want 75.0", st.SyncPercentage)
	}
}

func TestRestore_returnsOrderedValidatedChain(t *testing.T) {
	remote := replicate.NewMemoryStore()
	m := replicate.NewManager(remote, testConfig(), zap.NewNop())
	ctx := context.Background()

	blocks := sealChain(5)
	// Upload out of order; Restore must still return index order.
	for _, i := range []int{3, 0, 4, 1, 2} {
		if err := m.Enqueue(ctx, blocks[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := m.Restore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("restored %d blocks, want 5", len(got))
	}
	for i, b := range got {
		if b.Index != i || b.Hash != blocks[i].Hash {
			t.Errorf("restored block %d: %+v", i, b)
		}
	}
}

func TestRestore_rejectsBrokenRemoteChain(t *testing.T) {
	remote := replicate.NewMemoryStore()
	m := replicate.NewManager(remote, testConfig(), zap.NewNop())
	ctx := context.Background()

	blocks := sealChain(3)
	blocks[1].Payload = []byte("tampered in transit")
	for _, b := range blocks {
		data, _ := json.Marshal(b)
		if err := remote.Put(ctx, replicate.ObjectName(b), data); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := m.Restore(ctx); !errors.Is(err, replicate.ErrReplication) {
		t.Errorf("expected ErrReplication for broken remote chain, got %v", err)
	}
}

func TestRestore_rejectsMissingGenesis(t *testing.T) {
	remote := replicate.NewMemoryStore()
	m := replicate.NewManager(remote, testConfig(), zap.NewNop())
	ctx := context.Background()

	blocks := sealChain(3)
	for _, b := range blocks[1:] {
		data, _ := json.Marshal(b)
		if err := remote.Put(ctx, replicate.ObjectName(b), data); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := m.Restore(ctx); !errors.Is(err, replicate.ErrReplication) {
		t.Errorf("expected ErrReplication without genesis block, got %v", err)
	}
}

func TestRestoreBlock_byHash(t *testing.T) {
	remote := replicate.NewMemoryStore()
	m := replicate.NewManager(remote, testConfig(), zap.NewNop())
	ctx := context.Background()

	blocks := sealChain(3)
	for _, b := range blocks {
		if err := m.Enqueue(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	got, err := m.RestoreBlock(ctx, blocks[1].Hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.Index != 1 {
		t.Errorf("restored block index %d, want 1", got.Index)
	}

	if _, err := m.RestoreBlock(ctx, "feedface"); !errors.Is(err, replicate.ErrReplication) {
		t.Errorf("expected ErrReplication for unknown hash, got %v", err)
	}
}

func TestObjectName_contentAddressed(t *testing.T) {
	b := sealChain(1)[0]
	name := replicate.ObjectName(b)
	if !strings.HasPrefix(name, "blocks/") || !strings.Contains(name, b.Hash) {
		t.Errorf("object name %q", name)
	}
}
