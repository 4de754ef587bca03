// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Request is a message sent from the wallet to the server.  The concrete
// types below mirror the Electrum 1.4 protocol methods the wallet uses.
type Request interface {
	// Method returns the Electrum protocol method name for the request.
	Method() string
}

// HeaderSubscription subscribes to block header notifications.  The server
// answers with a HeaderSubscriptionResponse carrying its current tip and
// keeps pushing one for every new tip afterwards.
type HeaderSubscription struct{}

// ScriptHashSubscription subscribes to status notifications for a single
// script hash.
type ScriptHashSubscription struct {
	ScriptHash chainhash.Hash
}

// GetHeaders requests Count consecutive block headers starting at height
// Start.
type GetHeaders struct {
	Start int32
	Count int32
}

// GetScriptHashHistory requests the confirmed and unconfirmed history of a
// script hash.
type GetScriptHashHistory struct {
	ScriptHash chainhash.Hash
}

// GetTransaction requests the full serialized transaction for a txid.
type GetTransaction struct {
	TxID chainhash.Hash
}

// GetMerkle requests a merkle branch proving that TxID is included in the
// block at Height.
type GetMerkle struct {
	TxID   chainhash.Hash
	Height int32
}

// BroadcastTransaction submits a signed transaction to the server for relay.
type BroadcastTransaction struct {
	Tx *wire.MsgTx
}

func (HeaderSubscription) Method() string     { return "blockchain.headers.subscribe" }
func (ScriptHashSubscription) Method() string { return "blockchain.scripthash.subscribe" }
func (GetHeaders) Method() string             { return "blockchain.block.headers" }
func (GetScriptHashHistory) Method() string   { return "blockchain.scripthash.get_history" }
func (GetTransaction) Method() string         { return "blockchain.transaction.get" }
func (GetMerkle) Method() string              { return "blockchain.transaction.get_merkle" }
func (BroadcastTransaction) Method() string   { return "blockchain.transaction.broadcast" }

// Response is a message delivered from the server connection to the wallet.
// Subscription notifications and request replies share the same stream and
// are processed strictly in arrival order.
type Response interface {
	response()
}

// ServerReady is delivered once the connection is established and protocol
// version negotiation has completed.
type ServerReady struct{}

// Disconnected is delivered when the connection to the server is lost for
// any reason.  It is always the last message delivered by a connection.
type Disconnected struct{}

// HeaderSubscriptionResponse carries the server's current best tip.  One is
// delivered as the direct reply to HeaderSubscription and then again for
// every new tip the server adopts.
type HeaderSubscriptionResponse struct {
	Height int32
	Header wire.BlockHeader
}

// ScriptHashSubscriptionResponse carries the status of a subscribed script
// hash.  An empty status means the script hash has no history at all.
type ScriptHashSubscriptionResponse struct {
	ScriptHash chainhash.Hash
	Status     string
}

// HistoryItem is a single entry of a script hash history.  Height > 0 means
// the transaction is confirmed at that height, 0 means unconfirmed and -1
// means unconfirmed with at least one unconfirmed input.
type HistoryItem struct {
	TxID   chainhash.Hash
	Height int32
}

// GetScriptHashHistoryResponse is the reply to GetScriptHashHistory.
type GetScriptHashHistoryResponse struct {
	ScriptHash chainhash.Hash
	History    []HistoryItem
}

// GetHeadersResponse is the reply to GetHeaders.  An empty Headers slice
// means the requested range is entirely above the server's tip.
type GetHeadersResponse struct {
	Start   int32
	Headers []wire.BlockHeader
}

// GetTransactionResponse is the reply to GetTransaction.
type GetTransactionResponse struct {
	Tx *wire.MsgTx
}

// GetMerkleResponse is the reply to GetMerkle: the merkle branch for TxID in
// the block at Height, with Pos being the transaction's index in the block.
type GetMerkleResponse struct {
	TxID   chainhash.Hash
	Height int32
	Pos    uint32
	Merkle []chainhash.Hash
}

// BroadcastTransactionResponse is the reply to BroadcastTransaction.
type BroadcastTransactionResponse struct {
	TxID chainhash.Hash
}

// ServerError is delivered when the server answers a request with an error.
type ServerError struct {
	Request Request
	Reason  string
}

func (ServerReady) response()                    {}
func (Disconnected) response()                   {}
func (HeaderSubscriptionResponse) response()     {}
func (ScriptHashSubscriptionResponse) response() {}
func (GetScriptHashHistoryResponse) response()   {}
func (GetHeadersResponse) response()             {}
func (GetTransactionResponse) response()         {}
func (GetMerkleResponse) response()              {}
func (BroadcastTransactionResponse) response()   {}
func (ServerError) response()                    {}

// Root folds the merkle branch over the txid and returns the implied merkle
// root.  The result is only meaningful when compared against the merkle
// root of the block header at the proof's height.
func (r *GetMerkleResponse) Root() chainhash.Hash {
	current := r.TxID
	pos := r.Pos
	for _, sibling := range r.Merkle {
		var buf [64]byte
		if pos&1 == 1 {
			copy(buf[:32], sibling[:])
			copy(buf[32:], current[:])
		} else {
			copy(buf[:32], current[:])
			copy(buf[32:], sibling[:])
		}
		current = chainhash.DoubleHashH(buf[:])
		pos >>= 1
	}
	return current
}

// Conn is the wallet's view of a server connection.  Requests are sent
// asynchronously; replies and notifications are delivered through the
// response handler registered when the connection was established.
type Conn interface {
	// SendRequest queues a request for transmission.  The reply arrives
	// later as a Response on the connection's handler.
	SendRequest(req Request) error

	// Close tears the connection down.  A Disconnected response is
	// delivered once the teardown is complete.
	Close() error
}
