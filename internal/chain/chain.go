// Package chain implements the hash-chained block model.
//
// The chain begins at a well-known genesis hash (64 hex zeros). Every block
// records the SHA-256 of its own payload and the hash of its predecessor,
// making any retroactive edit detectable. Sealing is pure computation; all
// I/O lives in the store and ledger packages.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// GenesisHash is the canonical previous-hash of block 0. It serves as the
// trust anchor of the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainInvariant is returned when a block violates index continuity or
// hash linkage. An append failing with this error never reaches the
// durable store.
var ErrChainInvariant = errors.New("chain invariant violated")

// Block is the sealed, immutable unit of storage. Payload is the serialized
// (optionally encrypted) entry; Hash is the SHA-256 of Payload.
type Block struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"previousHash"`
}

// HashPayload returns the hex-encoded SHA-256 digest of a payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Seal builds the block that extends a chain whose tail is (prevIndex,
// prevHash). For an empty chain pass prevIndex -1 and GenesisHash.
func Seal(payload []byte, prevIndex int, prevHash string) Block {
	return Block{
		Index:     prevIndex + 1,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Hash:      HashPayload(payload),
		PrevHash:  prevHash,
	}
}

// Validate checks that curr correctly extends prev.
func Validate(prev, curr *Block) error {
	if curr.Index != prev.Index+1 {
		return fmt.Errorf("%w: index %d does not follow %d", ErrChainInvariant, curr.Index, prev.Index)
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("%w: block %d previous-hash mismatch", ErrChainInvariant, curr.Index)
	}
	if curr.Hash != HashPayload(curr.Payload) {
		return fmt.Errorf("%w: block %d payload hash mismatch", ErrChainInvariant, curr.Index)
	}
	return nil
}

// Tail is the mutable chain head: the index and hash of the last sealed
// block. Mutation is serialized by the append engine.
type Tail struct {
	Index int
	Hash  string
}

// NewTail returns the tail of an empty chain.
func NewTail() Tail {
	return Tail{Index: -1, Hash: GenesisHash}
}

// Extend accepts a block into the chain, enforcing index continuity, link
// correctness and payload hash integrity.
func (t *Tail) Extend(b Block) error {
	if b.Index != t.Index+1 {
		return fmt.Errorf("%w: expected index %d, got %d", ErrChainInvariant, t.Index+1, b.Index)
	}
	if b.PrevHash != t.Hash {
		return fmt.Errorf("%w: block %d does not link to tail hash", ErrChainInvariant, b.Index)
	}
	if b.Hash != HashPayload(b.Payload) {
		return fmt.Errorf("%w: block %d hash does not match payload", ErrChainInvariant, b.Index)
	}
	t.Index = b.Index
	t.Hash = b.Hash
	return nil
}
