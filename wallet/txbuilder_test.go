// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/spvsuite/spvwallet/chainview"
	"github.com/spvsuite/spvwallet/electrum"
)

// testWallet is the harness for builder and UTXO tests: a walletData with a
// few derived keys and a short regtest header chain for depth computation.
type testWallet struct {
	t      *testing.T
	data   *walletData
	keys   *KeyChain
	scheme Scheme
}

func newTestWallet(t *testing.T, walletType WalletType) *testWallet {
	t.Helper()
	params := &chaincfg.RegressionNetParams

	keys, err := NewKeyChain(testSeed(t), params, walletType)
	require.NoError(t, err)
	scheme := NewScheme(walletType, params)

	view := chainview.New(params, nil)
	genesis := params.GenesisBlock.Header
	headers := []wire.BlockHeader{genesis}
	prev := genesis.BlockHash()
	for i := 0; i < 9; i++ {
		header := wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: time.Unix(genesis.Timestamp.Unix()+int64(i+1)*600, 0),
			Bits:      params.PowLimitBits,
			Nonce:     uint32(i),
		}
		headers = append(headers, header)
		prev = header.BlockHash()
	}
	require.NoError(t, view.AddHeaders(0, headers))

	data := newWalletData(view)
	for i := 0; i < 3; i++ {
		_, err = data.extendBranch(keys, scheme, branchAccount)
		require.NoError(t, err)
		_, err = data.extendBranch(keys, scheme, branchChange)
		require.NoError(t, err)
	}
	return &testWallet{t: t, data: data, keys: keys, scheme: scheme}
}

// fund creates a transaction with one foreign input paying value to the
// given account key and registers it as part of the key's history at the
// given height.
func (w *testWallet) fund(keyIndex int, value int64, height int32, marker byte) wire.OutPoint {
	w.t.Helper()
	key := w.data.accountKeys[keyIndex]

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{marker, 0xf0}},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, key.pkScript))

	w.register(tx, key.scriptHash, height)
	return wire.OutPoint{Hash: tx.TxHash(), Index: 0}
}

// register records a transaction under a script hash's history.
func (w *testWallet) register(tx *wire.MsgTx, sh chainhash.Hash, height int32) {
	w.t.Helper()
	txid := tx.TxHash()
	w.data.transactions[txid] = tx
	w.data.heights[txid] = height
	w.data.history[sh] = append(w.data.history[sh],
		electrum.HistoryItem{TxID: txid, Height: height})
}

// externalScript is a P2WPKH script that does not belong to the wallet.
func externalScript() []byte {
	script := make([]byte, 22)
	script[0] = txscript.OP_0
	script[1] = txscript.OP_DATA_20
	for i := 2; i < 22; i++ {
		script[i] = byte(i)
	}
	return script
}

// checkSignatures runs every input of tx through the script engine against
// the wallet outputs it spends.
func (w *testWallet) checkSignatures(tx *wire.MsgTx) {
	w.t.Helper()

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range tx.TxIn {
		parent, ok := w.data.transactions[in.PreviousOutPoint.Hash]
		require.True(w.t, ok, "input spends unknown parent")
		fetcher.AddPrevOut(in.PreviousOutPoint,
			parent.TxOut[in.PreviousOutPoint.Index])
	}
	hashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, in := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		vm, err := txscript.NewEngine(prev.PkScript, tx, i,
			txscript.StandardVerifyFlags, nil, hashes, prev.Value,
			fetcher)
		require.NoError(w.t, err)
		require.NoError(w.t, vm.Execute(), "input %d does not verify", i)
	}
}

func testBuilderParams() builderParams {
	return builderParams{
		dustLimit:             DefaultDustLimit,
		minimumFee:            0,
		allowSpendUnconfirmed: true,
	}
}

// TestCompleteTransaction covers the reference scenario: two unconfirmed
// UTXOs of 30000 and 50000, spending 25000 at 5000 sat/kW selects only the
// smaller one and pays a change output.
func TestCompleteTransaction(t *testing.T) {
	for _, walletType := range []WalletType{NativeSegWit, P2SHSegWit} {
		w := newTestWallet(t, walletType)
		w.fund(0, 30000, 0, 1)
		w.fund(1, 50000, 0, 2)

		tx := wire.NewMsgTx(2)
		tx.AddTxOut(wire.NewTxOut(25000, externalScript()))

		signed, fee, err := w.data.completeTransaction(w.scheme, tx,
			5000, testBuilderParams())
		require.NoError(t, err)

		require.Len(t, signed.TxIn, 1, "expected the 30000 utxo only")
		require.LessOrEqual(t, fee, btcutil.Amount(5000))
		require.Len(t, signed.TxOut, 2, "expected a change output")

		var change btcutil.Amount
		for _, out := range signed.TxOut {
			if w.data.keyForScript(out.PkScript) != nil {
				change = btcutil.Amount(out.Value)
			}
		}
		require.GreaterOrEqual(t, change, DefaultDustLimit)
		require.Equal(t, btcutil.Amount(30000)-25000-change, fee)

		w.checkSignatures(signed)

		// The signed transaction is locked: its input is excluded from
		// the next selection.
		require.Contains(t, w.data.locks, signed.TxHash())
		second := wire.NewMsgTx(2)
		second.AddTxOut(wire.NewTxOut(25000, externalScript()))
		resigned, _, err := w.data.completeTransaction(w.scheme, second,
			5000, testBuilderParams())
		require.NoError(t, err)
		require.NotEqual(t, signed.TxIn[0].PreviousOutPoint,
			resigned.TxIn[0].PreviousOutPoint)
	}
}

func TestCompleteTransactionValidation(t *testing.T) {
	w := newTestWallet(t, NativeSegWit)
	w.fund(0, 30000, 3, 1)

	// Outputs below the dust limit are refused.
	dusty := wire.NewMsgTx(2)
	dusty.AddTxOut(wire.NewTxOut(100, externalScript()))
	_, _, err := w.data.completeTransaction(w.scheme, dusty, 5000,
		testBuilderParams())
	require.ErrorIs(t, err, ErrAmountBelowDustLimit)

	// Pre-populated inputs are refused.
	withInputs := wire.NewMsgTx(2)
	withInputs.AddTxIn(&wire.TxIn{})
	withInputs.AddTxOut(wire.NewTxOut(1000, externalScript()))
	_, _, err = w.data.completeTransaction(w.scheme, withInputs, 5000,
		testBuilderParams())
	require.ErrorIs(t, err, ErrInputsNonEmpty)

	// No outputs at all.
	empty := wire.NewMsgTx(2)
	_, _, err = w.data.completeTransaction(w.scheme, empty, 5000,
		testBuilderParams())
	require.ErrorIs(t, err, ErrOutputsEmpty)

	// More than the wallet holds.
	rich := wire.NewMsgTx(2)
	rich.AddTxOut(wire.NewTxOut(1000000, externalScript()))
	_, _, err = w.data.completeTransaction(w.scheme, rich, 5000,
		testBuilderParams())
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Unconfirmed coins are off-limits when configured so.
	w.fund(1, 80000, 0, 2)
	params := testBuilderParams()
	params.allowSpendUnconfirmed = false
	confirmedOnly := wire.NewMsgTx(2)
	confirmedOnly.AddTxOut(wire.NewTxOut(50000, externalScript()))
	_, _, err = w.data.completeTransaction(w.scheme, confirmedOnly, 5000,
		params)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

// TestCommitCancelRoundTrip exercises the lock lifecycle: cancel restores
// the inputs, commit makes the spend visible to chained builds.
func TestCommitCancelRoundTrip(t *testing.T) {
	w := newTestWallet(t, NativeSegWit)
	w.fund(0, 30000, 3, 1)

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(20000, externalScript()))
	signed, _, err := w.data.completeTransaction(w.scheme, tx, 5000,
		testBuilderParams())
	require.NoError(t, err)

	// While locked, nothing is spendable.
	again := wire.NewMsgTx(2)
	again.AddTxOut(wire.NewTxOut(20000, externalScript()))
	_, _, err = w.data.completeTransaction(w.scheme, again, 5000,
		testBuilderParams())
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Cancel releases the inputs.
	w.data.cancelTransaction(signed)
	require.Empty(t, w.data.locks)
	resigned, _, err := w.data.completeTransaction(w.scheme, again, 5000,
		testBuilderParams())
	require.NoError(t, err)

	// Commit tracks the transaction and extends the history of the spent
	// and change script hashes, so a chained build can spend the change.
	w.data.commitTransaction(resigned)
	require.Empty(t, w.data.locks)
	require.Contains(t, w.data.transactions, resigned.TxHash())
	require.Equal(t, int32(0), w.data.heights[resigned.TxHash()])

	spentKey := w.data.accountKeys[0]
	require.Equal(t, resigned.TxHash(),
		w.data.history[spentKey.scriptHash][0].TxID)

	// Committing the history twice does not duplicate entries.
	before := len(w.data.history[spentKey.scriptHash])
	w.data.commitTransaction(resigned)
	require.Len(t, w.data.history[spentKey.scriptHash], before)

	chained := wire.NewMsgTx(2)
	chained.AddTxOut(wire.NewTxOut(1000, externalScript()))
	chainedSigned, _, err := w.data.completeTransaction(w.scheme, chained,
		5000, testBuilderParams())
	require.NoError(t, err)
	require.Equal(t, resigned.TxHash(),
		chainedSigned.TxIn[0].PreviousOutPoint.Hash)
}

func TestSpendAll(t *testing.T) {
	w := newTestWallet(t, NativeSegWit)
	w.fund(0, 30000, 3, 1)
	w.fund(1, 50000, 0, 2)

	// Lock one coin; spendAll must drain it anyway.
	locked := wire.NewMsgTx(2)
	locked.AddTxOut(wire.NewTxOut(20000, externalScript()))
	_, _, err := w.data.completeTransaction(w.scheme, locked, 5000,
		testBuilderParams())
	require.NoError(t, err)

	tx, fee, err := w.data.spendAll(w.scheme, externalScript(), 5000,
		testBuilderParams())
	require.NoError(t, err)
	require.Len(t, tx.TxIn, 2)
	require.Len(t, tx.TxOut, 1)
	require.Equal(t, int64(80000)-int64(fee), tx.TxOut[0].Value)
	w.checkSignatures(tx)
}

func TestIsDoubleSpent(t *testing.T) {
	w := newTestWallet(t, NativeSegWit)
	funded := w.fund(0, 30000, 3, 1) // tip is 9, so depth is 7

	confirmed := w.data.transactions[funded.Hash]
	spend := wire.NewMsgTx(2)
	spend.AddTxIn(&wire.TxIn{PreviousOutPoint: confirmed.TxIn[0].PreviousOutPoint})
	spend.AddTxOut(wire.NewTxOut(29000, externalScript()))

	require.True(t, w.data.isDoubleSpent(spend),
		"conflicting spend of a deep transaction's input not flagged")

	// A transaction that shares no outpoints is not a double spend.
	unrelated := wire.NewMsgTx(2)
	unrelated.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x77}},
	})
	require.False(t, w.data.isDoubleSpent(unrelated))

	// The tracked transaction itself is not its own double spend.
	require.False(t, w.data.isDoubleSpent(confirmed))
}
