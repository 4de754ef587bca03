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
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/spvsuite/spvwallet/electrum"
	"github.com/spvsuite/spvwallet/walletdb"
)

// fakeConn records every request the wallet sends.
type fakeConn struct {
	requests []electrum.Request
	closed   bool
}

func (c *fakeConn) SendRequest(req electrum.Request) error {
	c.requests = append(c.requests, req)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// take returns and clears the recorded requests.
func (c *fakeConn) take() []electrum.Request {
	requests := c.requests
	c.requests = nil
	return requests
}

// recordPublisher collects published events.
type recordPublisher struct {
	events []Event
}

func (p *recordPublisher) Publish(event Event) {
	p.events = append(p.events, event)
}

func (p *recordPublisher) ofType(sample Event) []Event {
	var matched []Event
	for _, event := range p.events {
		switch sample.(type) {
		case WalletReady:
			if _, ok := event.(WalletReady); ok {
				matched = append(matched, event)
			}
		case NewReceiveAddress:
			if _, ok := event.(NewReceiveAddress); ok {
				matched = append(matched, event)
			}
		case TransactionReceived:
			if _, ok := event.(TransactionReceived); ok {
				matched = append(matched, event)
			}
		case TransactionConfidenceChanged:
			if _, ok := event.(TransactionConfidenceChanged); ok {
				matched = append(matched, event)
			}
		}
	}
	return matched
}

// newTestManager builds an unstarted manager whose handlers the tests call
// directly, keeping every transition synchronous.
func newTestManager(t *testing.T) (*Manager, *fakeConn, *recordPublisher) {
	t.Helper()

	store, err := walletdb.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pub := &recordPublisher{}
	mgr, err := New(&Config{
		ChainParams:           &chaincfg.RegressionNetParams,
		WalletType:            NativeSegWit,
		Seed:                  testSeed(t),
		Store:                 store,
		Publisher:             pub,
		AllowSpendUnconfirmed: true,
	})
	require.NoError(t, err)

	conn := &fakeConn{}
	mgr.conn = conn
	return mgr, conn, pub
}

// regtestChain returns the regtest genesis plus extra headers on top.
func regtestChain(extra int) []wire.BlockHeader {
	params := &chaincfg.RegressionNetParams
	genesis := params.GenesisBlock.Header
	headers := []wire.BlockHeader{genesis}
	prev := genesis.BlockHash()
	for i := 0; i < extra; i++ {
		header := wire.BlockHeader{
			Version:    1,
			PrevBlock:  prev,
			MerkleRoot: chainhash.Hash{byte(i + 1), 0x33},
			Timestamp: time.Unix(
				genesis.Timestamp.Unix()+int64(i+1)*600, 0),
			Bits:  params.PowLimitBits,
			Nonce: uint32(i),
		}
		headers = append(headers, header)
		prev = header.BlockHash()
	}
	return headers
}

// syncToRunning drives a fresh manager through the connect and header sync
// sequence and returns the chain it synced.
func syncToRunning(t *testing.T, m *Manager, conn *fakeConn) []wire.BlockHeader {
	t.Helper()

	m.handleResponse(electrum.ServerReady{})
	require.Equal(t, stateWaitingForTip, m.state)
	requests := conn.take()
	require.Len(t, requests, 1)
	require.IsType(t, electrum.HeaderSubscription{}, requests[0])

	headers := regtestChain(4)
	tip := headers[len(headers)-1]
	m.handleResponse(electrum.HeaderSubscriptionResponse{Height: 4, Header: tip})
	require.Equal(t, stateSyncing, m.state)
	requests = conn.take()
	require.Equal(t, electrum.GetHeaders{Start: 0, Count: headersChunkSize},
		requests[0])

	m.handleResponse(electrum.GetHeadersResponse{Start: 0, Headers: headers})
	require.Equal(t, stateSyncing, m.state)
	requests = conn.take()
	require.Equal(t, electrum.GetHeaders{Start: 5, Count: headersChunkSize},
		requests[0])

	m.handleResponse(electrum.GetHeadersResponse{Start: 5})
	require.Equal(t, stateRunning, m.state)

	return headers
}

// subscriptions filters the script hash subscriptions out of a request list.
func subscriptions(requests []electrum.Request) []electrum.ScriptHashSubscription {
	var subs []electrum.ScriptHashSubscription
	for _, req := range requests {
		if sub, ok := req.(electrum.ScriptHashSubscription); ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

// TestFreshSync is the fresh regtest wallet scenario: empty history on all
// twenty initial subscriptions produces exactly one WalletReady and one
// NewReceiveAddress, with a zero balance.
func TestFreshSync(t *testing.T) {
	m, conn, pub := newTestManager(t)
	syncToRunning(t, m, conn)

	subs := subscriptions(conn.take())
	require.Len(t, subs, 2*DefaultGapLimit)

	for _, sub := range subs {
		m.handleResponse(electrum.ScriptHashSubscriptionResponse{
			ScriptHash: sub.ScriptHash,
		})
	}

	require.Len(t, pub.ofType(WalletReady{}), 1)
	require.Len(t, pub.ofType(NewReceiveAddress{}), 1)

	ready := pub.ofType(WalletReady{})[0].(WalletReady)
	require.Equal(t, btcutil.Amount(0), ready.Confirmed)
	require.Equal(t, btcutil.Amount(0), ready.Unconfirmed)
	require.Equal(t, int32(4), ready.TipHeight)
}

// TestGapLimitExtension: a non-empty status on the last account key extends
// the branch by exactly one and subscribes the new key.
func TestGapLimitExtension(t *testing.T) {
	m, conn, _ := newTestManager(t)
	syncToRunning(t, m, conn)
	conn.take()

	last := m.data.accountKeys[DefaultGapLimit-1]
	m.handleResponse(electrum.ScriptHashSubscriptionResponse{
		ScriptHash: last.scriptHash,
		Status:     "c0ffee",
	})

	require.Len(t, m.data.accountKeys, DefaultGapLimit+1)
	requests := conn.take()
	require.Equal(t, electrum.GetScriptHashHistory{ScriptHash: last.scriptHash},
		requests[0])
	subs := subscriptions(requests)
	require.Len(t, subs, 1)
	require.Equal(t, m.data.accountKeys[DefaultGapLimit].scriptHash,
		subs[0].ScriptHash)
	require.Contains(t, m.data.pendingHistory, last.scriptHash)

	// The branch does not grow past the new key until that key itself
	// reports a non-empty status.
	m.handleResponse(electrum.GetScriptHashHistoryResponse{
		ScriptHash: last.scriptHash,
	})
	m.handleResponse(electrum.ScriptHashSubscriptionResponse{
		ScriptHash: m.data.accountKeys[DefaultGapLimit].scriptHash,
	})
	require.Len(t, m.data.accountKeys, DefaultGapLimit+1)

	// A repeat of the same status is not a second first-use.
	m.handleResponse(electrum.ScriptHashSubscriptionResponse{
		ScriptHash: last.scriptHash,
		Status:     "c0ffee",
	})
	require.Len(t, m.data.accountKeys, DefaultGapLimit+1)
}

// fundManager registers a confirmed incoming transaction directly in the
// wallet state, as if a previous session had ingested it.
func fundManager(t *testing.T, m *Manager, keyIndex int, value int64, height int32) chainhash.Hash {
	t.Helper()
	key := m.data.accountKeys[keyIndex]

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0xfe}},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, key.pkScript))

	txid := tx.TxHash()
	m.data.transactions[txid] = tx
	m.data.heights[txid] = height
	m.data.history[key.scriptHash] = []electrum.HistoryItem{
		{TxID: txid, Height: height},
	}
	return txid
}

// TestReorg: a confirmed transaction re-announced one block higher moves its
// height, republishes its confidence exactly once, re-requests its proof and
// keeps the transaction body.
func TestReorg(t *testing.T) {
	m, conn, pub := newTestManager(t)
	syncToRunning(t, m, conn)

	txid := fundManager(t, m, 0, 30000, 3)
	m.data.proofs[txid] = &electrum.GetMerkleResponse{TxID: txid, Height: 3}
	sh := m.data.accountKeys[0].scriptHash
	conn.take()

	m.handleResponse(electrum.GetScriptHashHistoryResponse{
		ScriptHash: sh,
		History:    []electrum.HistoryItem{{TxID: txid, Height: 4}},
	})

	require.Equal(t, int32(4), m.data.heights[txid])
	require.Contains(t, m.data.transactions, txid)
	require.NotContains(t, m.data.proofs, txid)
	require.Len(t, pub.ofType(TransactionConfidenceChanged{}), 1)

	var sawMerkle bool
	for _, req := range conn.take() {
		if merkle, ok := req.(electrum.GetMerkle); ok {
			require.Equal(t, int32(4), merkle.Height)
			sawMerkle = true
		}
	}
	require.True(t, sawMerkle, "no merkle proof re-requested after reorg")
}

// TestOrphanReplay: a child arriving before its parent is queued; once the
// parent arrives both are received, parent first.
func TestOrphanReplay(t *testing.T) {
	m, conn, pub := newTestManager(t)
	syncToRunning(t, m, conn)
	conn.take()

	key := m.data.accountKeys[0]

	parent := wire.NewMsgTx(2)
	parent.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0xfe}},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	parent.AddTxOut(wire.NewTxOut(30000, key.pkScript))
	parentOut := wire.OutPoint{Hash: parent.TxHash(), Index: 0}

	child := wire.NewMsgTx(2)
	child.AddTxIn(&wire.TxIn{
		PreviousOutPoint: parentOut,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	child.AddTxOut(wire.NewTxOut(29000, key.pkScript))
	require.NoError(t, signSelected(m.scheme, child, []Utxo{{
		OutPoint: parentOut, Value: 30000, key: key,
	}}))

	m.handleResponse(electrum.GetTransactionResponse{Tx: child})
	require.Empty(t, pub.ofType(TransactionReceived{}))
	require.Len(t, m.data.orphans, 1)

	m.handleResponse(electrum.GetTransactionResponse{Tx: parent})
	received := pub.ofType(TransactionReceived{})
	require.Len(t, received, 2)
	require.Equal(t, parent.TxHash(),
		received[0].(TransactionReceived).Tx.TxHash())
	require.Equal(t, child.TxHash(),
		received[1].(TransactionReceived).Tx.TxHash())
	require.Empty(t, m.data.orphans)
	require.Contains(t, m.data.transactions, parent.TxHash())
	require.Contains(t, m.data.transactions, child.TxHash())
}

// TestBadMerkleProof: a proof whose root contradicts the header drops the
// transaction and the connection.
func TestBadMerkleProof(t *testing.T) {
	m, conn, _ := newTestManager(t)
	syncToRunning(t, m, conn)

	txid := fundManager(t, m, 0, 30000, 3)
	m.data.pendingHistory[chainhash.Hash{0x11}] = struct{}{}

	m.handleResponse(electrum.GetMerkleResponse{
		TxID:   txid,
		Height: 3,
		Pos:    0,
		Merkle: []chainhash.Hash{{0x55}},
	})

	require.True(t, conn.closed)
	require.Equal(t, stateDisconnected, m.state)
	require.NotContains(t, m.data.transactions, txid)
	require.Empty(t, m.data.pendingHistory)
	require.Empty(t, m.data.pendingTx)
	require.Empty(t, m.data.pendingHeaders)
}

// TestValidMerkleProof: a proof that matches the header's merkle root is
// stored.
func TestValidMerkleProof(t *testing.T) {
	m, conn, _ := newTestManager(t)
	headers := syncToRunning(t, m, conn)

	// A single-transaction block: the transaction hash is the merkle
	// root and the branch is empty.
	root := headers[3].MerkleRoot
	proof := electrum.GetMerkleResponse{TxID: root, Height: 3}
	require.Equal(t, root, proof.Root())

	m.handleResponse(proof)
	require.Contains(t, m.data.proofs, root)
	require.Equal(t, stateRunning, m.state)
}

// TestServerBehindDisconnects: a server announcing a tip below our verified
// chain is abandoned.
func TestServerBehindDisconnects(t *testing.T) {
	m, conn, _ := newTestManager(t)
	headers := syncToRunning(t, m, conn)

	// Reconnect with a stale tip.
	m.handleDisconnected()
	conn2 := &fakeConn{}
	m.conn = conn2
	m.handleResponse(electrum.ServerReady{})
	require.Equal(t, stateWaitingForTip, m.state)

	m.handleResponse(electrum.HeaderSubscriptionResponse{
		Height: 2, Header: headers[2],
	})
	require.True(t, conn2.closed)
	require.Equal(t, stateDisconnected, m.state)
}

// TestDisconnectClearsSessionState: statuses with an in-flight history
// request are forgotten so they are re-queried on reconnect.
func TestDisconnectClearsSessionState(t *testing.T) {
	m, conn, _ := newTestManager(t)
	syncToRunning(t, m, conn)
	conn.take()

	inFlight := m.data.accountKeys[0]
	settled := m.data.accountKeys[1]
	m.handleResponse(electrum.ScriptHashSubscriptionResponse{
		ScriptHash: inFlight.scriptHash, Status: "c0ffee",
	})
	m.handleResponse(electrum.ScriptHashSubscriptionResponse{
		ScriptHash: settled.scriptHash, Status: "",
	})
	require.Contains(t, m.data.pendingHistory, inFlight.scriptHash)

	m.handleResponse(electrum.Disconnected{})

	require.Equal(t, stateDisconnected, m.state)
	require.NotContains(t, m.data.status, inFlight.scriptHash)
	require.Contains(t, m.data.status, settled.scriptHash)
	require.Empty(t, m.data.pendingHistory)
	require.Nil(t, m.data.lastReady)
	require.Nil(t, m.conn)
}

// TestInconsistentServer: a server error for a transaction it announced in a
// history is a protocol violation.
func TestInconsistentServer(t *testing.T) {
	m, conn, _ := newTestManager(t)
	syncToRunning(t, m, conn)

	txid := fundManager(t, m, 0, 30000, 3)
	m.handleResponse(electrum.ServerError{
		Request: electrum.GetTransaction{TxID: txid},
		Reason:  "no such transaction",
	})

	require.True(t, conn.closed)
	require.Equal(t, stateDisconnected, m.state)
}

// TestNewTipRepublishesConfidence: each new block republishes the depth of
// every confirmed transaction.
func TestNewTipRepublishesConfidence(t *testing.T) {
	m, conn, pub := newTestManager(t)
	headers := syncToRunning(t, m, conn)

	txid := fundManager(t, m, 0, 30000, 3)

	tip := headers[len(headers)-1]
	next := wire.BlockHeader{
		Version:    1,
		PrevBlock:  tip.BlockHash(),
		MerkleRoot: chainhash.Hash{0x99},
		Timestamp:  time.Unix(tip.Timestamp.Unix()+600, 0),
		Bits:       chaincfg.RegressionNetParams.PowLimitBits,
	}
	m.handleResponse(electrum.HeaderSubscriptionResponse{Height: 5, Header: next})

	require.Equal(t, stateRunning, m.state)
	changed := pub.ofType(TransactionConfidenceChanged{})
	require.Len(t, changed, 1)
	event := changed[0].(TransactionConfidenceChanged)
	require.Equal(t, txid, event.TxID)
	require.Equal(t, int32(3), event.Depth) // 5 - 3 + 1
}
