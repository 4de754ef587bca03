// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/spvsuite/spvwallet/electrum"
)

// Utxo is a spendable output of the wallet.  Utxos are derived on demand
// from history and transactions rather than stored, so reorgs simply
// re-derive the set.
type Utxo struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount

	// Height is the confirmation height of the funding transaction, or
	// <= 0 while it is unconfirmed.
	Height int32

	key *keyInfo
}

// scriptHashUtxos derives the unspent outputs of a single script hash:
// every output paying the script hash across its history's transactions,
// minus the ones consumed by an input of any of those same transactions.
func (d *walletData) scriptHashUtxos(sh chainhash.Hash, key *keyInfo) []Utxo {
	items := d.history[sh]
	if len(items) == 0 {
		return nil
	}

	txs := make([]*wire.MsgTx, 0, len(items))
	for _, item := range items {
		if tx, ok := d.transactions[item.TxID]; ok {
			txs = append(txs, tx)
		}
	}

	spent := make(map[wire.OutPoint]struct{})
	for _, tx := range txs {
		for _, in := range tx.TxIn {
			spent[in.PreviousOutPoint] = struct{}{}
		}
	}

	var utxos []Utxo
	for _, tx := range txs {
		txid := tx.TxHash()
		for idx, out := range tx.TxOut {
			if ScriptHashForScript(out.PkScript) != sh {
				continue
			}
			op := wire.OutPoint{Hash: txid, Index: uint32(idx)}
			if _, gone := spent[op]; gone {
				continue
			}
			utxos = append(utxos, Utxo{
				OutPoint: op,
				Value:    btcutil.Amount(out.Value),
				Height:   d.heights[txid],
				key:      key,
			})
		}
	}
	return utxos
}

// utxos derives the wallet's full unspent set, enumerating both key
// branches in derivation order.
func (d *walletData) utxos() []Utxo {
	var all []Utxo
	for _, b := range []branch{branchAccount, branchChange} {
		for _, key := range d.branchKeys(b) {
			all = append(all, d.scriptHashUtxos(key.scriptHash, key)...)
		}
	}
	return all
}

// scriptHashBalance computes the confirmed and unconfirmed balance of one
// script hash.  Each confirmation tier sums the outputs it received and
// subtracts the outputs consumed by transactions of the same tier, so an
// unconfirmed spend of a confirmed output shows up as negative unconfirmed
// balance.
func (d *walletData) scriptHashBalance(sh chainhash.Hash) (btcutil.Amount, btcutil.Amount) {
	tier := func(items []electrum.HistoryItem, confirmed bool) btcutil.Amount {
		var delta btcutil.Amount
		for _, item := range items {
			if (item.Height > 0) != confirmed {
				continue
			}
			tx, ok := d.transactions[item.TxID]
			if !ok {
				continue
			}
			for _, out := range tx.TxOut {
				if ScriptHashForScript(out.PkScript) == sh {
					delta += btcutil.Amount(out.Value)
				}
			}
			for _, in := range tx.TxIn {
				parent, ok := d.transactions[in.PreviousOutPoint.Hash]
				if !ok {
					continue
				}
				idx := in.PreviousOutPoint.Index
				if idx >= uint32(len(parent.TxOut)) {
					continue
				}
				out := parent.TxOut[idx]
				if ScriptHashForScript(out.PkScript) == sh {
					delta -= btcutil.Amount(out.Value)
				}
			}
		}
		return delta
	}

	items := d.history[sh]
	return tier(items, true), tier(items, false)
}

// balance computes the wallet's confirmed and unconfirmed balance as the
// sum over both branches.  Script hashes are enumerated as an ordered list;
// distinct keys always have distinct script hashes, but an ordered walk
// also keeps the totals stable for event comparison.
func (d *walletData) balance() (btcutil.Amount, btcutil.Amount) {
	var confirmed, unconfirmed btcutil.Amount
	for _, b := range []branch{branchAccount, branchChange} {
		for _, key := range d.branchKeys(b) {
			c, u := d.scriptHashBalance(key.scriptHash)
			confirmed += c
			unconfirmed += u
		}
	}
	return confirmed, unconfirmed
}

// transactionDelta is the wallet's view of a transaction: what it received,
// what it sent, and the fee when every input could be valued.
type transactionDelta struct {
	received btcutil.Amount
	sent     btcutil.Amount
	fee      *btcutil.Amount
}

// computeTransactionDelta values a transaction against the wallet keys.
// The bool is false when an input spending one of our outputs refers to a
// parent transaction we do not have yet; the caller queues the transaction
// as an orphan and replays it later.
func (d *walletData) computeTransactionDelta(scheme Scheme, tx *wire.MsgTx) (transactionDelta, bool) {
	var delta transactionDelta

	var inputTotal btcutil.Amount
	allParentsKnown := true
	for _, in := range tx.TxIn {
		parent, ok := d.transactions[in.PreviousOutPoint.Hash]
		if !ok {
			allParentsKnown = false
		}

		pub, ours := scheme.ExtractPubKey(in)
		if !ours {
			continue
		}
		pkScript, err := scheme.PkScript(pub)
		if err != nil || d.keyForScript(pkScript) == nil {
			continue
		}

		// An input of ours must be valued from its parent output.
		if !ok {
			return transactionDelta{}, false
		}
		idx := in.PreviousOutPoint.Index
		if idx >= uint32(len(parent.TxOut)) {
			return transactionDelta{}, false
		}
		delta.sent += btcutil.Amount(parent.TxOut[idx].Value)
	}

	if allParentsKnown {
		for _, in := range tx.TxIn {
			parent := d.transactions[in.PreviousOutPoint.Hash]
			idx := in.PreviousOutPoint.Index
			if idx < uint32(len(parent.TxOut)) {
				inputTotal += btcutil.Amount(parent.TxOut[idx].Value)
			}
		}
		var outputTotal btcutil.Amount
		for _, out := range tx.TxOut {
			outputTotal += btcutil.Amount(out.Value)
		}
		fee := inputTotal - outputTotal
		delta.fee = &fee
	}

	for _, out := range tx.TxOut {
		if d.keyForScript(out.PkScript) != nil {
			delta.received += btcutil.Amount(out.Value)
		}
	}
	return delta, true
}

// isDoubleSpent reports whether some tracked transaction that is at least
// two blocks deep spends an outpoint tx also spends, under a different
// txid.
func (d *walletData) isDoubleSpent(tx *wire.MsgTx) bool {
	txid := tx.TxHash()
	outpoints := make(map[wire.OutPoint]struct{}, len(tx.TxIn))
	for _, in := range tx.TxIn {
		outpoints[in.PreviousOutPoint] = struct{}{}
	}

	for otherID, other := range d.transactions {
		if otherID == txid || d.depth(otherID) < 2 {
			continue
		}
		for _, in := range other.TxIn {
			if _, shared := outpoints[in.PreviousOutPoint]; shared {
				return true
			}
		}
	}
	return false
}
