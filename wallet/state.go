// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/spvsuite/spvwallet/chainview"
	"github.com/spvsuite/spvwallet/electrum"
	"github.com/spvsuite/spvwallet/walletdb"
)

// branch identifies one of the two derivation branches.
type branch uint32

const (
	branchAccount branch = 0
	branchChange  branch = 1
)

func (b branch) String() string {
	if b == branchChange {
		return "change"
	}
	return "account"
}

// keyInfo caches everything derived from one key: the private key, its
// output script under the wallet's scheme, and the script hash the server
// indexes it by.
type keyInfo struct {
	branch     branch
	index      uint32
	key        *hdkeychain.ExtendedKey
	pub        *btcec.PublicKey
	pkScript   []byte
	scriptHash chainhash.Hash
}

// statusKey identifies the first sighting of a status on a script hash.
// Keying on the pair prevents an identical status string on two script
// hashes from suppressing a genuine first use.
type statusKey struct {
	scriptHash chainhash.Hash
	status     string
}

// walletData aggregates the wallet's entire mutable state.  It is owned by
// the manager's event goroutine; nothing else touches it.
type walletData struct {
	view *chainview.View

	accountKeys []*keyInfo
	changeKeys  []*keyInfo

	// byScriptHash indexes both branches by subscription key.
	byScriptHash map[chainhash.Hash]*keyInfo

	status       map[chainhash.Hash]string
	history      map[chainhash.Hash][]electrum.HistoryItem
	transactions map[chainhash.Hash]*wire.MsgTx
	heights      map[chainhash.Hash]int32
	proofs       map[chainhash.Hash]*electrum.GetMerkleResponse
	locks        map[chainhash.Hash]*wire.MsgTx

	pendingHistory map[chainhash.Hash]struct{}
	pendingTx      map[chainhash.Hash]struct{}
	pendingHeaders map[int32]struct{}

	// orphans holds transactions whose parents are not all known yet,
	// in arrival order.
	orphans []*wire.MsgTx

	// deferredProofs holds merkle proofs waiting for their enclosing
	// header chunk to arrive.
	deferredProofs []electrum.GetMerkleResponse

	seenStatuses map[statusKey]struct{}
	lastReady    *WalletReady
}

func newWalletData(view *chainview.View) *walletData {
	return &walletData{
		view:           view,
		byScriptHash:   make(map[chainhash.Hash]*keyInfo),
		status:         make(map[chainhash.Hash]string),
		history:        make(map[chainhash.Hash][]electrum.HistoryItem),
		transactions:   make(map[chainhash.Hash]*wire.MsgTx),
		heights:        make(map[chainhash.Hash]int32),
		proofs:         make(map[chainhash.Hash]*electrum.GetMerkleResponse),
		locks:          make(map[chainhash.Hash]*wire.MsgTx),
		pendingHistory: make(map[chainhash.Hash]struct{}),
		pendingTx:      make(map[chainhash.Hash]struct{}),
		pendingHeaders: make(map[int32]struct{}),
		seenStatuses:   make(map[statusKey]struct{}),
	}
}

// deriveKey builds the keyInfo for one derivation index.
func deriveKey(keys *KeyChain, scheme Scheme, b branch, index uint32) (*keyInfo, error) {
	var (
		key *hdkeychain.ExtendedKey
		err error
	)
	if b == branchAccount {
		key, err = keys.AccountKey(index)
	} else {
		key, err = keys.ChangeKey(index)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot derive %s key %d: %v", b, index, err)
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}
	pkScript, err := scheme.PkScript(pub)
	if err != nil {
		return nil, err
	}

	return &keyInfo{
		branch:     b,
		index:      index,
		key:        key,
		pub:        pub,
		pkScript:   pkScript,
		scriptHash: ScriptHashForScript(pkScript),
	}, nil
}

// extendBranch appends the next key of a branch, preserving the no-gap
// invariant: indices of a branch are always the contiguous range [0, N).
func (d *walletData) extendBranch(keys *KeyChain, scheme Scheme, b branch) (*keyInfo, error) {
	slot := &d.accountKeys
	if b == branchChange {
		slot = &d.changeKeys
	}
	info, err := deriveKey(keys, scheme, b, uint32(len(*slot)))
	if err != nil {
		return nil, err
	}
	*slot = append(*slot, info)
	d.byScriptHash[info.scriptHash] = info
	return info, nil
}

// branchKeys returns the key vector of a branch.
func (d *walletData) branchKeys(b branch) []*keyInfo {
	if b == branchChange {
		return d.changeKeys
	}
	return d.accountKeys
}

// firstUnused returns the first key of a branch whose status is known to be
// empty, falling back to the branch's first key.
func (d *walletData) firstUnused(b branch) *keyInfo {
	keys := d.branchKeys(b)
	for _, info := range keys {
		if status, ok := d.status[info.scriptHash]; ok && status == "" {
			return info
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return keys[0]
}

// receiveKey is the key the current receive address is derived from.
func (d *walletData) receiveKey() *keyInfo { return d.firstUnused(branchAccount) }

// changeKey is the key change outputs pay to.
func (d *walletData) changeKey() *keyInfo { return d.firstUnused(branchChange) }

// keyForScript maps an output script back to the wallet key it pays, if any.
func (d *walletData) keyForScript(pkScript []byte) *keyInfo {
	info := d.byScriptHash[ScriptHashForScript(pkScript)]
	if info == nil || !bytes.Equal(info.pkScript, pkScript) {
		return nil
	}
	return info
}

// ready reports whether the wallet has settled: at least 2*gapLimit script
// hashes with an empty status across both branches combined, and no
// outstanding history or transaction requests.
func (d *walletData) ready(gapLimit int) bool {
	unused := 0
	for _, status := range d.status {
		if status == "" {
			unused++
		}
	}
	return unused >= 2*gapLimit &&
		len(d.pendingHistory) == 0 &&
		len(d.pendingTx) == 0
}

// depth returns the confirmation depth of a tracked transaction: zero for
// unconfirmed or unknown, tip-height+1 for confirmed ones.
func (d *walletData) depth(txid chainhash.Hash) int32 {
	height, ok := d.heights[txid]
	if !ok || height <= 0 {
		return 0
	}
	tipHeight, _, ok := d.view.Tip()
	if !ok || tipHeight < height {
		return 0
	}
	return tipHeight - height + 1
}

// snapshot captures the durable subset of the state.
func (d *walletData) snapshot() *walletdb.Snapshot {
	s := &walletdb.Snapshot{
		AccountKeyCount: uint32(len(d.accountKeys)),
		ChangeKeyCount:  uint32(len(d.changeKeys)),
		Status:          make(map[chainhash.Hash]string, len(d.status)),
		Transactions:    make(map[chainhash.Hash]*wire.MsgTx, len(d.transactions)),
		Heights:         make(map[chainhash.Hash]int32, len(d.heights)),
		History:         make(map[chainhash.Hash][]electrum.HistoryItem, len(d.history)),
		Proofs:          make(map[chainhash.Hash]*electrum.GetMerkleResponse, len(d.proofs)),
	}
	for sh, status := range d.status {
		s.Status[sh] = status
	}
	for txid, tx := range d.transactions {
		s.Transactions[txid] = tx
	}
	for txid, height := range d.heights {
		s.Heights[txid] = height
	}
	for sh, items := range d.history {
		s.History[sh] = append([]electrum.HistoryItem(nil), items...)
	}
	for txid, proof := range d.proofs {
		s.Proofs[txid] = proof
	}
	for _, tx := range d.orphans {
		s.PendingTransactions = append(s.PendingTransactions, tx)
	}
	for _, tx := range d.locks {
		s.Locks = append(s.Locks, tx)
	}
	return s
}

// restore applies a snapshot onto a fresh state.  Keys are not part of the
// snapshot; the caller re-derives them up to the stored counts.
func (d *walletData) restore(s *walletdb.Snapshot) {
	for sh, status := range s.Status {
		d.status[sh] = status
		if status != "" {
			d.seenStatuses[statusKey{scriptHash: sh, status: status}] = struct{}{}
		}
	}
	for txid, tx := range s.Transactions {
		d.transactions[txid] = tx
	}
	for txid, height := range s.Heights {
		d.heights[txid] = height
	}
	for sh, items := range s.History {
		d.history[sh] = append([]electrum.HistoryItem(nil), items...)
	}
	for txid, proof := range s.Proofs {
		d.proofs[txid] = proof
	}
	d.orphans = append(d.orphans, s.PendingTransactions...)
	for _, tx := range s.Locks {
		d.locks[tx.TxHash()] = tx
	}
}
