// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chainview maintains a checkpoint-anchored tree of block headers.
// Headers above the highest checkpoint are kept in memory with full
// difficulty and proof-of-work verification and may form short-lived forks;
// the branch with the most cumulative work is the best chain.  Headers below
// the checkpoints are only ever accepted as whole chunks whose hashes match
// the checkpoint list.
package chainview

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// RetargetingPeriod is the number of blocks between difficulty adjustments.
// Headers are checkpointed, requested and persisted in groups of this size.
const RetargetingPeriod = 2016

// headerNode ties a header to its position in the in-memory tree.
type headerNode struct {
	header wire.BlockHeader
	height int32
	parent *headerNode
	work   *big.Int
}

// View is the in-memory portion of the header chain: everything above the
// highest checkpoint, plus the designated best tip.  It is not safe for
// concurrent access; the wallet drives it from a single goroutine.
type View struct {
	params      *chaincfg.Params
	checkpoints []Checkpoint
	nodes       map[chainhash.Hash]*headerNode
	best        *headerNode
}

// New returns an empty view anchored at the given checkpoints.  The
// checkpoint list may be empty, in which case the view starts at the genesis
// block.
func New(params *chaincfg.Params, checkpoints []Checkpoint) *View {
	return &View{
		params:      params,
		checkpoints: checkpoints,
		nodes:       make(map[chainhash.Hash]*headerNode),
	}
}

// FirstDynamicHeight returns the height of the first header that is subject
// to full verification, i.e. the first height not covered by checkpoints.
func (v *View) FirstDynamicHeight() int32 {
	return int32(len(v.checkpoints)) * RetargetingPeriod
}

// HasChain reports whether any headers have been accepted yet.
func (v *View) HasChain() bool {
	return v.best != nil
}

// Tip returns the best chain's tip.  The bool is false while the view is
// still empty.
func (v *View) Tip() (int32, wire.BlockHeader, bool) {
	if v.best == nil {
		return 0, wire.BlockHeader{}, false
	}
	return v.best.height, v.best.header, true
}

// GetHeader returns the best-chain header at the given height if it is still
// held in memory.
func (v *View) GetHeader(height int32) (wire.BlockHeader, bool) {
	node := v.bestChainNode(height)
	if node == nil {
		return wire.BlockHeader{}, false
	}
	return node.header, true
}

// bestChainNode walks the best chain backwards to the requested height.
func (v *View) bestChainNode(height int32) *headerNode {
	node := v.best
	for node != nil && node.height > height {
		node = node.parent
	}
	if node == nil || node.height != height {
		return nil
	}
	return node
}

// AddHeader connects a single header to the view, either extending a known
// branch or creating a new fork.  The header must link to a parent that is
// already present (or to the highest checkpoint, or be the genesis header on
// an unanchored view), carry the expected difficulty bits, and hash below
// its target.  Re-adding a known header is a no-op.
func (v *View) AddHeader(height int32, header wire.BlockHeader) error {
	hash := header.BlockHash()
	if _, exists := v.nodes[hash]; exists {
		return nil
	}

	parent, err := v.findParent(height, &header)
	if err != nil {
		return err
	}

	if err := v.checkHeader(height, &header, parent); err != nil {
		return err
	}

	node := &headerNode{
		header: header,
		height: height,
		parent: parent,
		work:   blockchain.CalcWork(header.Bits),
	}
	if parent != nil {
		node.work.Add(node.work, parent.work)
	}
	v.nodes[hash] = node

	// The best chain only moves over on strictly more work, so of two
	// competing branches with equal work the first seen wins.
	if v.best == nil || node.work.Cmp(v.best.work) > 0 {
		v.best = node
	}
	return nil
}

// AddHeaders connects a contiguous batch of headers starting at the given
// height, verifying each one incrementally.
func (v *View) AddHeaders(start int32, headers []wire.BlockHeader) error {
	for i := range headers {
		if err := v.AddHeader(start+int32(i), headers[i]); err != nil {
			return err
		}
	}
	return nil
}

// findParent locates the tree node the header attaches to.  The anchor cases
// (genesis on an unanchored view, first header above the checkpoints) return
// a nil parent.
func (v *View) findParent(height int32, header *wire.BlockHeader) (*headerNode, error) {
	if parent, ok := v.nodes[header.PrevBlock]; ok {
		if parent.height+1 != height {
			return nil, ruleError(ErrOrphanHeader, fmt.Sprintf(
				"header at height %d links to parent at height %d",
				height, parent.height))
		}
		return parent, nil
	}

	first := v.FirstDynamicHeight()
	if height != first {
		return nil, ruleError(ErrOrphanHeader, fmt.Sprintf(
			"no parent known for header %s at height %d",
			header.BlockHash(), height))
	}

	if len(v.checkpoints) == 0 {
		// Unanchored view: the first header must be the genesis block,
		// which has no parent at all.
		if header.BlockHash() != *v.params.GenesisHash {
			return nil, ruleError(ErrCheckpointMismatch, fmt.Sprintf(
				"header %s is not the %s genesis block",
				header.BlockHash(), v.params.Name))
		}
		return nil, nil
	}

	last := v.checkpoints[len(v.checkpoints)-1]
	if header.PrevBlock != last.Hash {
		return nil, ruleError(ErrCheckpointMismatch, fmt.Sprintf(
			"header at height %d does not link to checkpoint %s",
			height, last.Hash))
	}
	return nil, nil
}

// checkHeader enforces the contextual rules for a single header: expected
// difficulty bits and proof of work.  Both checks are skipped on regtest.
func (v *View) checkHeader(height int32, header *wire.BlockHeader, parent *headerNode) error {
	if v.skipProofOfWork() {
		return nil
	}

	expected, err := v.expectedBits(height, parent)
	if err != nil {
		return err
	}
	if header.Bits != expected {
		return ruleError(ErrBadDifficulty, fmt.Sprintf(
			"header at height %d has bits %08x, expected %08x",
			height, header.Bits, expected))
	}

	hash := header.BlockHash()
	target := blockchain.CompactToBig(header.Bits)
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return ruleError(ErrHighHash, fmt.Sprintf(
			"header %s does not meet its target %064x", hash, target))
	}
	return nil
}

// skipProofOfWork reports whether the network performs no meaningful proof
// of work (regtest and simnet).
func (v *View) skipProofOfWork() bool {
	return v.params.Net == chaincfg.RegressionNetParams.Net ||
		v.params.Net == chaincfg.SimNetParams.Net
}

// VerifyChunk validates a chunk of headers that sits entirely below the
// highest checkpoint.  The chunk is accepted when its internal prev links
// are consistent and the hash at every checkpoint height inside the chunk
// matches the checkpoint list; at least one checkpoint must anchor it.  No
// difficulty verification is performed, the checkpoints stand in for it.
func (v *View) VerifyChunk(start int32, headers []wire.BlockHeader) error {
	if len(headers) == 0 {
		return ruleError(ErrBadChunk, "empty header chunk")
	}
	end := start + int32(len(headers)) - 1
	if end >= v.FirstDynamicHeight() {
		return ruleError(ErrBadChunk, fmt.Sprintf(
			"chunk [%d, %d] reaches above the checkpointed region "+
				"ending at %d", start, end, v.FirstDynamicHeight()-1))
	}

	for i := 1; i < len(headers); i++ {
		if headers[i].PrevBlock != headers[i-1].BlockHash() {
			return ruleError(ErrBadChunk, fmt.Sprintf(
				"chunk header at height %d does not link to its "+
					"predecessor", start+int32(i)))
		}
	}

	anchored := false
	for _, cp := range v.checkpoints {
		if cp.Height < start || cp.Height > end {
			continue
		}
		anchored = true
		if headers[cp.Height-start].BlockHash() != cp.Hash {
			return ruleError(ErrCheckpointMismatch, fmt.Sprintf(
				"chunk header at height %d does not match "+
					"checkpoint %s", cp.Height, cp.Hash))
		}
	}
	if !anchored {
		return ruleError(ErrCheckpointMismatch, fmt.Sprintf(
			"chunk [%d, %d] is not anchored by any checkpoint",
			start, end))
	}
	return nil
}

// Optimize prunes every branch that has fallen more than one retargeting
// period behind the best tip.  The pruned best-chain headers are handed to
// the persist callback, in ascending height order, before anything is
// dropped from memory; when the callback fails nothing is pruned.
func (v *View) Optimize(persist func(start int32, headers []wire.BlockHeader) error) error {
	if v.best == nil {
		return nil
	}
	cutoff := v.best.height - RetargetingPeriod
	if cutoff < v.FirstDynamicHeight() {
		return nil
	}

	// Collect the prunable prefix of the best chain, oldest first.
	var pruned []wire.BlockHeader
	start := int32(-1)
	for node := v.bestChainNode(cutoff); node != nil; node = node.parent {
		pruned = append(pruned, node.header)
		start = node.height
	}
	if len(pruned) == 0 {
		return nil
	}
	for i, j := 0, len(pruned)-1; i < j; i, j = i+1, j-1 {
		pruned[i], pruned[j] = pruned[j], pruned[i]
	}

	if err := persist(start, pruned); err != nil {
		return err
	}

	for hash, node := range v.nodes {
		if node.height <= cutoff {
			delete(v.nodes, hash)
		}
	}
	log.Debugf("Pruned %d best-chain headers below height %d", len(pruned),
		cutoff+1)
	// Detach the lowest surviving nodes from their pruned parents.
	for _, node := range v.nodes {
		if node.parent != nil && node.parent.height <= cutoff {
			node.parent = nil
		}
	}
	return nil
}
