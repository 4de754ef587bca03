// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	"github.com/spvsuite/spvwallet/electrum"
)

// builderParams carries the wallet parameters the transaction builder needs.
type builderParams struct {
	dustLimit             btcutil.Amount
	minimumFee            btcutil.Amount
	allowSpendUnconfirmed bool
}

// feeForWeight converts a fee rate in satoshis per 1000 weight units into
// an absolute fee for a transaction of the given weight.
func feeForWeight(feeRatePerKW int64, weight int) btcutil.Amount {
	return btcutil.Amount(feeRatePerKW * int64(weight) / 1000)
}

// estimateWeight returns the worst-case weight of a transaction spending
// count inputs of the scheme's form into the given outputs, optionally with
// a change output of changeScriptSize bytes.
func estimateWeight(scheme Scheme, count int, outputs []*wire.TxOut, changeScriptSize int) int {
	native, nested := count, 0
	if scheme.Nested() {
		native, nested = 0, count
	}
	vsize := txsizes.EstimateVirtualSize(0, 0, native, nested, outputs, changeScriptSize)
	return vsize * blockchainWeightScale
}

// blockchainWeightScale is the witness scale factor: virtual size is weight
// divided by this, rounded up.
const blockchainWeightScale = 4

// candidateUtxos returns the spendable outputs usable for selection: the
// derived UTXO set minus everything referenced by a locked transaction,
// minus unconfirmed outputs when spending them is not allowed.  Candidates
// are sorted smallest first, which keeps the UTXO count down over time.
func (d *walletData) candidateUtxos(params builderParams) []Utxo {
	locked := make(map[wire.OutPoint]struct{})
	for _, tx := range d.locks {
		for _, in := range tx.TxIn {
			locked[in.PreviousOutPoint] = struct{}{}
		}
	}

	var candidates []Utxo
	for _, utxo := range d.utxos() {
		if _, isLocked := locked[utxo.OutPoint]; isLocked {
			continue
		}
		if !params.allowSpendUnconfirmed && utxo.Height <= 0 {
			continue
		}
		candidates = append(candidates, utxo)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Value != candidates[j].Value {
			return candidates[i].Value < candidates[j].Value
		}
		return lessOutPoint(&candidates[i].OutPoint, &candidates[j].OutPoint)
	})
	return candidates
}

func lessOutPoint(a, b *wire.OutPoint) bool {
	if cmp := bytes.Compare(a.Hash[:], b.Hash[:]); cmp != 0 {
		return cmp < 0
	}
	return a.Index < b.Index
}

// completeTransaction funds, finalizes and signs a transaction that carries
// outputs but no inputs.  It selects candidates smallest-first until the
// total covers amount plus fee, decides whether a change output is worth
// creating, signs every input with SIGHASH_ALL, and locks the result so its
// inputs are excluded from further selection until commit or cancel.
func (d *walletData) completeTransaction(scheme Scheme, tx *wire.MsgTx,
	feeRatePerKW int64, params builderParams) (*wire.MsgTx, btcutil.Amount, error) {

	switch {
	case len(tx.TxIn) != 0:
		return nil, 0, ErrInputsNonEmpty
	case len(tx.TxOut) == 0:
		return nil, 0, ErrOutputsEmpty
	case feeRatePerKW < 0:
		return nil, 0, ErrNegativeFeeRate
	}
	var amount btcutil.Amount
	for _, out := range tx.TxOut {
		if btcutil.Amount(out.Value) < params.dustLimit {
			return nil, 0, ErrAmountBelowDustLimit
		}
		amount += btcutil.Amount(out.Value)
	}

	changeKey := d.changeKey()
	if changeKey == nil {
		return nil, 0, ErrInsufficientFunds
	}

	candidates := d.candidateUtxos(params)

	var (
		selected []Utxo
		total    btcutil.Amount
		change   btcutil.Amount
		funded   bool
	)
	for _, utxo := range candidates {
		selected = append(selected, utxo)
		total += utxo.Value

		weightNoChange := estimateWeight(scheme, len(selected), tx.TxOut, 0)
		feeNoChange := feeForWeight(feeRatePerKW, weightNoChange)
		if feeNoChange < params.minimumFee {
			feeNoChange = params.minimumFee
		}
		if total >= amount+feeNoChange &&
			total-amount-feeNoChange < params.dustLimit {
			// Covers amount and fee with a surplus too small to be
			// worth a change output.
			funded, change = true, 0
			break
		}

		weightChange := estimateWeight(scheme, len(selected), tx.TxOut,
			len(changeKey.pkScript))
		feeChange := feeForWeight(feeRatePerKW, weightChange)
		if feeChange < params.minimumFee {
			feeChange = params.minimumFee
		}
		if total >= amount+feeChange {
			change = total - amount - feeChange
			if change < params.dustLimit ||
				txrules.IsDustOutput(&wire.TxOut{
					Value:    int64(change),
					PkScript: changeKey.pkScript,
				}, txrules.DefaultRelayFeePerKb) {
				// Not worth a change output; the difference goes
				// to the miner.
				change = 0
			}
			funded = true
			break
		}
	}
	if !funded {
		return nil, 0, ErrInsufficientFunds
	}

	signed := tx.Copy()
	for _, utxo := range selected {
		signed.AddTxIn(&wire.TxIn{
			PreviousOutPoint: utxo.OutPoint,
			Sequence:         wire.MaxTxInSequenceNum,
		})
	}
	if change > 0 {
		signed.AddTxOut(wire.NewTxOut(int64(change), changeKey.pkScript))
	}

	if err := signSelected(scheme, signed, selected); err != nil {
		return nil, 0, err
	}

	var outputTotal btcutil.Amount
	for _, out := range signed.TxOut {
		outputTotal += btcutil.Amount(out.Value)
	}
	actualFee := total - outputTotal

	d.locks[signed.TxHash()] = signed
	return signed, actualFee, nil
}

// signSelected signs every input of tx, input i spending selected[i], with
// BIP143 witness signatures under the wallet's scheme.
func signSelected(scheme Scheme, tx *wire.MsgTx, selected []Utxo) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, utxo := range selected {
		fetcher.AddPrevOut(utxo.OutPoint, wire.NewTxOut(
			int64(utxo.Value), utxo.key.pkScript))
	}
	hashes := txscript.NewTxSigHashes(tx, fetcher)

	for idx, utxo := range selected {
		priv, err := utxo.key.key.ECPrivKey()
		if err != nil {
			return err
		}
		err = scheme.SignInput(tx, idx, int64(utxo.Value), hashes, priv)
		if err != nil {
			return err
		}
	}
	return nil
}

// spendAll drains the wallet into a single output script: every UTXO is
// consumed, locked and unconfirmed ones included, and the output carries
// the total minus fee.
func (d *walletData) spendAll(scheme Scheme, pkScript []byte,
	feeRatePerKW int64, params builderParams) (*wire.MsgTx, btcutil.Amount, error) {

	if feeRatePerKW < 0 {
		return nil, 0, ErrNegativeFeeRate
	}
	utxos := d.utxos()
	if len(utxos) == 0 {
		return nil, 0, ErrInsufficientFunds
	}

	var total btcutil.Amount
	for _, utxo := range utxos {
		total += utxo.Value
	}

	outputs := []*wire.TxOut{wire.NewTxOut(0, pkScript)}
	weight := estimateWeight(scheme, len(utxos), outputs, 0)
	fee := feeForWeight(feeRatePerKW, weight)
	if fee < params.minimumFee {
		fee = params.minimumFee
	}
	amount := total - fee
	if amount < params.dustLimit {
		return nil, 0, ErrAmountBelowDustLimit
	}

	tx := wire.NewMsgTx(2)
	for _, utxo := range utxos {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: utxo.OutPoint,
			Sequence:         wire.MaxTxInSequenceNum,
		})
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

	if err := signSelected(scheme, tx, utxos); err != nil {
		return nil, 0, err
	}
	return tx, fee, nil
}

// commitTransaction moves a completed transaction from the lock set into
// the tracked transactions and optimistically extends the history of every
// affected script hash, so a freshly committed transaction is visible to
// chained builds before the server announces it.  The server's next history
// update overwrites the optimistic entries.
func (d *walletData) commitTransaction(tx *wire.MsgTx) {
	txid := tx.TxHash()
	delete(d.locks, txid)
	d.transactions[txid] = tx
	d.heights[txid] = 0

	for _, in := range tx.TxIn {
		parent, ok := d.transactions[in.PreviousOutPoint.Hash]
		if !ok {
			continue
		}
		idx := in.PreviousOutPoint.Index
		if idx >= uint32(len(parent.TxOut)) {
			continue
		}
		if key := d.keyForScript(parent.TxOut[idx].PkScript); key != nil {
			d.prependHistory(key.scriptHash, txid)
		}
	}
	for _, out := range tx.TxOut {
		if key := d.keyForScript(out.PkScript); key != nil {
			d.prependHistory(key.scriptHash, txid)
		}
	}
}

// prependHistory adds an unconfirmed history entry for txid unless the
// script hash already lists it.
func (d *walletData) prependHistory(sh chainhash.Hash, txid chainhash.Hash) {
	for _, item := range d.history[sh] {
		if item.TxID == txid {
			return
		}
	}
	d.history[sh] = append([]electrum.HistoryItem{{TxID: txid, Height: 0}},
		d.history[sh]...)
}

// cancelTransaction releases a completed-but-uncommitted transaction; its
// inputs become spendable again.
func (d *walletData) cancelTransaction(tx *wire.MsgTx) {
	delete(d.locks, tx.TxHash())
}
