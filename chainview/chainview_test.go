// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainview

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// makeChain builds count regtest headers on top of prev, one per requested
// branch nonce so distinct branches produce distinct hashes.
func makeChain(prev chainhash.Hash, startTime int64, count int, nonce uint32) []wire.BlockHeader {
	headers := make([]wire.BlockHeader, count)
	for i := range headers {
		headers[i] = wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			MerkleRoot: chainhash.Hash{
				byte(i), byte(i >> 8), byte(nonce),
			},
			Timestamp: time.Unix(startTime+int64(i)*600, 0),
			Bits:      chaincfg.RegressionNetParams.PowLimitBits,
			Nonce:     nonce,
		}
		prev = headers[i].BlockHash()
	}
	return headers
}

// regtestView builds a view seeded with the regtest genesis plus count
// headers above it.
func regtestView(t *testing.T, count int) (*View, []wire.BlockHeader) {
	t.Helper()

	params := &chaincfg.RegressionNetParams
	v := New(params, nil)

	genesis := params.GenesisBlock.Header
	headers := append([]wire.BlockHeader{genesis}, makeChain(
		genesis.BlockHash(), genesis.Timestamp.Unix()+600, count, 0)...)
	if err := v.AddHeaders(0, headers); err != nil {
		t.Fatalf("AddHeaders: %v", err)
	}
	return v, headers
}

func TestAddHeaderRejectsNonGenesisRoot(t *testing.T) {
	v := New(&chaincfg.RegressionNetParams, nil)

	bogus := makeChain(chainhash.Hash{1}, 1600000000, 1, 0)[0]
	err := v.AddHeader(0, bogus)
	ruleErr, ok := err.(RuleError)
	if !ok || ruleErr.ErrorCode != ErrCheckpointMismatch {
		t.Fatalf("expected ErrCheckpointMismatch, got %v", err)
	}
}

func TestAddHeaderOrphan(t *testing.T) {
	v, _ := regtestView(t, 3)

	orphan := makeChain(chainhash.Hash{0xde, 0xad}, 1600000000, 1, 7)[0]
	err := v.AddHeader(5, orphan)
	ruleErr, ok := err.(RuleError)
	if !ok || ruleErr.ErrorCode != ErrOrphanHeader {
		t.Fatalf("expected ErrOrphanHeader, got %v", err)
	}
}

func TestAddHeaderIdempotent(t *testing.T) {
	v, headers := regtestView(t, 3)

	if err := v.AddHeader(1, headers[1]); err != nil {
		t.Fatalf("re-adding a known header: %v", err)
	}
	if height, _, _ := v.Tip(); height != 3 {
		t.Fatalf("tip moved to %d on duplicate add", height)
	}
}

func TestForkResolution(t *testing.T) {
	v, headers := regtestView(t, 4)

	// A competing branch of the same length does not displace the best
	// chain...
	fork := makeChain(headers[2].BlockHash(), 1600000000, 2, 99)
	if err := v.AddHeaders(3, fork); err != nil {
		t.Fatalf("adding fork: %v", err)
	}
	_, tipHeader, _ := v.Tip()
	if tipHeader.BlockHash() != headers[4].BlockHash() {
		t.Fatal("equal-work fork displaced the best chain")
	}

	// ...but more cumulative work does.
	longer := makeChain(fork[1].BlockHash(), 1600002000, 1, 99)
	if err := v.AddHeaders(5, longer); err != nil {
		t.Fatalf("extending fork: %v", err)
	}
	height, tipHeader, _ := v.Tip()
	if height != 5 || tipHeader.BlockHash() != longer[0].BlockHash() {
		t.Fatalf("best chain did not move to the heavier fork, tip %d", height)
	}
}

func TestGetHeaderWalksBestChain(t *testing.T) {
	v, headers := regtestView(t, 4)

	for height, want := range headers {
		got, ok := v.GetHeader(int32(height))
		if !ok || got.BlockHash() != want.BlockHash() {
			t.Fatalf("GetHeader(%d) mismatch", height)
		}
	}
	if _, ok := v.GetHeader(10); ok {
		t.Fatal("GetHeader above tip succeeded")
	}
}

func TestOptimizePersistsBeforePruning(t *testing.T) {
	v, headers := regtestView(t, RetargetingPeriod+4)

	var persistedStart int32 = -1
	var persisted []wire.BlockHeader
	err := v.Optimize(func(start int32, pruned []wire.BlockHeader) error {
		persistedStart = start
		persisted = pruned
		return nil
	})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	// Tip is at RetargetingPeriod+4, so heights [0, 4] are prunable.
	if persistedStart != 0 || len(persisted) != 5 {
		t.Fatalf("pruned [%d, %d), expected [0, 5)",
			persistedStart, persistedStart+int32(len(persisted)))
	}
	for i, header := range persisted {
		if header.BlockHash() != headers[i].BlockHash() {
			t.Fatalf("pruned header %d is not the best-chain header", i)
		}
	}
	if _, ok := v.GetHeader(3); ok {
		t.Fatal("pruned header still readable from the view")
	}
	if _, ok := v.GetHeader(5); !ok {
		t.Fatal("unpruned header lost")
	}
}

func TestOptimizeAbortsOnPersistFailure(t *testing.T) {
	v, _ := regtestView(t, RetargetingPeriod+4)

	failed := ruleError(ErrBadChunk, "disk full")
	if err := v.Optimize(func(int32, []wire.BlockHeader) error {
		return failed
	}); err != failed {
		t.Fatalf("Optimize did not propagate the persist error: %v", err)
	}
	if _, ok := v.GetHeader(0); !ok {
		t.Fatal("headers pruned although persistence failed")
	}
}

func TestVerifyChunk(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	genesis := params.GenesisBlock.Header
	chunk := append([]wire.BlockHeader{genesis}, makeChain(
		genesis.BlockHash(), genesis.Timestamp.Unix()+600,
		RetargetingPeriod-1, 0)...)

	checkpoint := Checkpoint{
		Height:   RetargetingPeriod - 1,
		Hash:     chunk[len(chunk)-1].BlockHash(),
		NextBits: params.PowLimitBits,
	}
	v := New(params, []Checkpoint{checkpoint})

	if err := v.VerifyChunk(0, chunk); err != nil {
		t.Fatalf("valid chunk rejected: %v", err)
	}

	// A tampered header breaks the prev links.
	tampered := append([]wire.BlockHeader(nil), chunk...)
	tampered[100].Nonce++
	err := v.VerifyChunk(0, tampered)
	if ruleErr, ok := err.(RuleError); !ok || ruleErr.ErrorCode != ErrBadChunk {
		t.Fatalf("expected ErrBadChunk, got %v", err)
	}

	// A consistent chunk ending on the wrong checkpoint hash is rejected.
	forged := append([]wire.BlockHeader{genesis}, makeChain(
		genesis.BlockHash(), genesis.Timestamp.Unix()+600,
		RetargetingPeriod-1, 42)...)
	err = v.VerifyChunk(0, forged)
	if ruleErr, ok := err.(RuleError); !ok || ruleErr.ErrorCode != ErrCheckpointMismatch {
		t.Fatalf("expected ErrCheckpointMismatch, got %v", err)
	}

	// Chunks reaching above the checkpointed region take the verified
	// path instead.
	err = v.VerifyChunk(RetargetingPeriod-1, chunk[:2])
	if ruleErr, ok := err.(RuleError); !ok || ruleErr.ErrorCode != ErrBadChunk {
		t.Fatalf("expected ErrBadChunk for out-of-range chunk, got %v", err)
	}
}

func TestCheckpointAnchoring(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	genesis := params.GenesisBlock.Header
	chunk := append([]wire.BlockHeader{genesis}, makeChain(
		genesis.BlockHash(), genesis.Timestamp.Unix()+600,
		RetargetingPeriod-1, 0)...)
	checkpoint := Checkpoint{
		Height:   RetargetingPeriod - 1,
		Hash:     chunk[len(chunk)-1].BlockHash(),
		NextBits: params.PowLimitBits,
	}

	v := New(params, []Checkpoint{checkpoint})
	if first := v.FirstDynamicHeight(); first != RetargetingPeriod {
		t.Fatalf("FirstDynamicHeight = %d", first)
	}

	// The first dynamic header must link to the checkpoint hash.
	wrong := makeChain(chainhash.Hash{3}, 1600000000, 1, 0)[0]
	err := v.AddHeader(RetargetingPeriod, wrong)
	if ruleErr, ok := err.(RuleError); !ok || ruleErr.ErrorCode != ErrCheckpointMismatch {
		t.Fatalf("expected ErrCheckpointMismatch, got %v", err)
	}

	good := makeChain(checkpoint.Hash, genesis.Timestamp.Unix()+600*2016, 3, 0)
	if err := v.AddHeaders(RetargetingPeriod, good); err != nil {
		t.Fatalf("cannot anchor on checkpoint: %v", err)
	}
	if height, _, _ := v.Tip(); height != RetargetingPeriod+2 {
		t.Fatalf("tip = %d", height)
	}
}

func TestRetarget(t *testing.T) {
	params := &chaincfg.MainNetParams
	v := New(params, nil)

	base := int64(1600000000)
	window := int64(params.TargetTimespan / time.Second)

	first := wire.BlockHeader{
		Timestamp: time.Unix(base, 0),
		Bits:      params.PowLimitBits,
	}
	last := first

	// An on-schedule window keeps the target.
	last.Timestamp = time.Unix(base+window, 0)
	if got := v.retarget(&first, &last); got != params.PowLimitBits {
		t.Fatalf("on-schedule retarget moved bits to %08x", got)
	}

	// A slow window cannot raise the target above the proof of work
	// limit.
	last.Timestamp = time.Unix(base+8*window, 0)
	if got := v.retarget(&first, &last); got != params.PowLimitBits {
		t.Fatalf("slow retarget exceeded the pow limit: %08x", got)
	}

	// A window finishing in half the time halves the target.
	last.Timestamp = time.Unix(base+window/2, 0)
	want := blockchain.BigToCompact(new(big.Int).Rsh(
		blockchain.CompactToBig(params.PowLimitBits), 1))
	if got := v.retarget(&first, &last); got != want {
		t.Fatalf("fast retarget: got %08x, want %08x", got, want)
	}
}

func TestExpectedBits(t *testing.T) {
	params := &chaincfg.MainNetParams
	checkpoint := Checkpoint{
		Height:   RetargetingPeriod - 1,
		Hash:     chainhash.Hash{1},
		NextBits: 0x1b0404cb,
	}
	v := New(params, []Checkpoint{checkpoint})

	// The first dynamic height takes the checkpoint's stored target.
	bits, err := v.expectedBits(RetargetingPeriod, nil)
	if err != nil || bits != checkpoint.NextBits {
		t.Fatalf("first dynamic bits = %08x, %v", bits, err)
	}

	// Non-retarget heights inherit the parent's bits.
	parent := &headerNode{
		header: wire.BlockHeader{Bits: 0x1b0404cb},
		height: RetargetingPeriod,
	}
	bits, err = v.expectedBits(RetargetingPeriod+1, parent)
	if err != nil || bits != parent.header.Bits {
		t.Fatalf("non-retarget bits = %08x, %v", bits, err)
	}
}
