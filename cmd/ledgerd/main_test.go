package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chaintrail/chaintrail/internal/ledger"
	"github.com/chaintrail/chaintrail/internal/replicate"
)

// outageStore rejects the first Put per object, then stores normally.
type outageStore struct {
	*replicate.MemoryStore
	mu   sync.Mutex
	seen map[string]bool
}

func (o *outageStore) Put(ctx context.Context, name string, data []byte) error {
	o.mu.Lock()
	first := !o.seen[name]
	o.seen[name] = true
	o.mu.Unlock()
	if first {
		return fmt.Errorf("remote unavailable")
	}
	return o.MemoryStore.Put(ctx, name, data)
}

func TestRetryReplicationLoop_retriesThenStopsOnDone(t *testing.T) {
	remote := &outageStore{MemoryStore: replicate.NewMemoryStore(), seen: make(map[string]bool)}
	mgr := replicate.NewManager(remote, replicate.Config{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
	}, zap.NewNop())

	led, err := ledger.Open(ledger.Config{Dir: t.TempDir()}, nil, mgr, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer led.Close(context.Background())

	// First upload cycle fails; the entry lands in the failed state.
	if _, err := led.Info(context.Background(), "mirrored later", nil); err != nil {
		t.Fatal(err)
	}
	if remote.Len() != 0 {
		t.Fatal("precondition: first upload should have failed")
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		retryReplicationLoop(led, 5*time.Millisecond, done, zap.NewNop())
		close(exited)
	}()

	deadline := time.After(2 * time.Second)
	for remote.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("retry loop never re-drove the failed upload")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Closing done must stop the loop; it shares no channel with the
	// process signal path.
	close(done)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not exit after done was closed")
	}
}
