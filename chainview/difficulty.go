// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainview

import (
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

// expectedBits returns the difficulty bits a header at the given height must
// carry.  On non-retarget heights this is simply the parent's bits.  On a
// retarget boundary the new target is computed from the prior window, or
// taken from the highest checkpoint when the boundary is the first dynamic
// height.
func (v *View) expectedBits(height int32, parent *headerNode) (uint32, error) {
	if height%RetargetingPeriod != 0 {
		if parent == nil {
			return 0, ruleError(ErrBadDifficulty, fmt.Sprintf(
				"no reference bits for header at height %d", height))
		}
		return parent.header.Bits, nil
	}

	if height == v.FirstDynamicHeight() && len(v.checkpoints) > 0 {
		return v.checkpoints[len(v.checkpoints)-1].NextBits, nil
	}
	if height == 0 {
		// Genesis period of an unanchored view.
		return v.params.PowLimitBits, nil
	}

	// Walk back to the first header of the closing window.  The pruning
	// policy keeps a full retargeting period in memory, so the walk only
	// fails if the view was bootstrapped mid-window.
	first := parent
	for i := 0; i < RetargetingPeriod-1 && first != nil; i++ {
		first = first.parent
	}
	if first == nil {
		return 0, ruleError(ErrBadDifficulty, fmt.Sprintf(
			"retarget window below height %d is not available", height))
	}

	return v.retarget(&first.header, &parent.header), nil
}

// retarget computes the compact difficulty target for the period following
// the window delimited by the first and last headers, clamping the measured
// timespan by the network's adjustment factor and the result by its proof of
// work limit.
func (v *View) retarget(first, last *wire.BlockHeader) uint32 {
	targetTimespan := int64(v.params.TargetTimespan / time.Second)
	adjustmentFactor := v.params.RetargetAdjustmentFactor
	minTimespan := targetTimespan / adjustmentFactor
	maxTimespan := targetTimespan * adjustmentFactor

	actualTimespan := last.Timestamp.Unix() - first.Timestamp.Unix()
	if actualTimespan < minTimespan {
		actualTimespan = minTimespan
	} else if actualTimespan > maxTimespan {
		actualTimespan = maxTimespan
	}

	newTarget := blockchain.CompactToBig(last.Bits)
	newTarget.Mul(newTarget, big.NewInt(actualTimespan))
	newTarget.Div(newTarget, big.NewInt(targetTimespan))
	if newTarget.Cmp(v.params.PowLimit) > 0 {
		newTarget.Set(v.params.PowLimit)
	}
	return blockchain.BigToCompact(newTarget)
}

// CheckTipBits verifies that a header announced at the given height carries
// the bits the view expects, without adding it.  It is used to sanity check
// subscription announcements before attempting to connect them.
func (v *View) CheckTipBits(height int32, header *wire.BlockHeader) error {
	if v.skipProofOfWork() {
		return nil
	}
	parent := v.nodes[header.PrevBlock]
	if parent == nil && height != v.FirstDynamicHeight() {
		// Unknown lineage; the connect attempt will classify it.
		return nil
	}
	expected, err := v.expectedBits(height, parent)
	if err != nil {
		return err
	}
	if header.Bits != expected {
		return ruleError(ErrBadDifficulty, fmt.Sprintf(
			"announced header at height %d has bits %08x, expected %08x",
			height, header.Bits, expected))
	}
	return nil
}
