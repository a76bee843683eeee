package chain_test

import (
	"errors"
	"testing"

	"github.com/chaintrail/chaintrail/internal/chain"
)

func TestSeal_genesisBlock(t *testing.T) {
	b := chain.Seal([]byte("first"), -1, chain.GenesisHash)
	if b.Index != 0 {
		t.Errorf("index: got %d, want 0", b.Index)
	}
	if b.PrevHash != chain.GenesisHash {
		t.Errorf("previous hash: got %q, want genesis", b.PrevHash)
	}
	if b.Hash != chain.HashPayload([]byte("first")) {
		t.Error("hash does not match payload")
	}
}

func TestSeal_chainsFromPrevious(t *testing.T) {
	b0 := chain.Seal([]byte("a"), -1, chain.GenesisHash)
	b1 := chain.Seal([]byte("b"), b0.Index, b0.Hash)

	if b1.Index != 1 {
		t.Errorf("index: got %d, want 1", b1.Index)
	}
	if b1.PrevHash != b0.Hash {
		t.Error("b1 does not link to b0")
	}
	if err := chain.Validate(&b0, &b1); err != nil {
		t.Errorf("Validate on correct pair: %v", err)
	}
}

func TestTail_extendAcceptsSealedBlocks(t *testing.T) {
	tail := chain.NewTail()
	for i := 0; i < 5; i++ {
		b := chain.Seal([]byte{byte(i)}, tail.Index, tail.Hash)
		if err := tail.Extend(b); err != nil {
			t.Fatalf("extend block %d: %v", i, err)
		}
	}
	if tail.Index != 4 {
		t.Errorf("tail index: got %d, want 4", tail.Index)
	}
}

func TestTail_rejectsIndexGap(t *testing.T) {
	tail := chain.NewTail()
	b := chain.Seal([]byte("x"), tail.Index, tail.Hash)
	b.Index = 5 // skip ahead

	if err := tail.Extend(b); !errors.Is(err, chain.ErrChainInvariant) {
		t.Errorf("expected ErrChainInvariant, got %v", err)
	}
	if tail.Index != -1 {
		t.Error("rejected block mutated the tail")
	}
}

func TestTail_rejectsBrokenLink(t *testing.T) {
	tail := chain.NewTail()
	b0 := chain.Seal([]byte("a"), tail.Index, tail.Hash)
	if err := tail.Extend(b0); err != nil {
		t.Fatal(err)
	}

	b1 := chain.Seal([]byte("b"), b0.Index, "deadbeef")
	if err := tail.Extend(b1); !errors.Is(err, chain.ErrChainInvariant) {
		t.Errorf("expected ErrChainInvariant, got %v", err)
	}
}

func TestTail_rejectsPayloadMismatch(t *testing.T) {
	tail := chain.NewTail()
	b := chain.Seal([]byte("original"), tail.Index, tail.Hash)
	b.Payload = []byte("tampered")

	if err := tail.Extend(b); !errors.Is(err, chain.ErrChainInvariant) {
		t.Errorf("expected ErrChainInvariant, got %v", err)
	}
}

func TestValidate_detectsEachViolation(t *testing.T) {
	b0 := chain.Seal([]byte("a"), -1, chain.GenesisHash)
	good := chain.Seal([]byte("b"), b0.Index, b0.Hash)

	gap := good
	gap.Index = 7
	if err := chain.Validate(&b0, &gap); !errors.Is(err, chain.ErrChainInvariant) {
		t.Error("index gap not detected")
	}

	badLink := good
	badLink.PrevHash = chain.GenesisHash
	if err := chain.Validate(&b0, &badLink); !errors.Is(err, chain.ErrChainInvariant) {
		t.Error("broken link not detected")
	}

	badPayload := good
	badPayload.Payload = []byte("swapped")
	if err := chain.Validate(&b0, &badPayload); !errors.Is(err, chain.ErrChainInvariant) {
		t.Error("payload tamper not detected")
	}
}
