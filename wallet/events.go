// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Event is a notification published by the wallet.  Events are published
// synchronously during the state transition that caused them, before any
// subsequent transition runs.
type Event interface {
	event()
}

// WalletReady is published whenever the wallet has a fully discovered key
// set and no outstanding history or transaction requests, and its externally
// visible summary
// changed since the last publication.
type WalletReady struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
	TipHeight   int32
	TipTime     int64
}

// TransactionReceived is published when a transaction relevant to the wallet
// has been fully resolved (all parents of our inputs are known).
type TransactionReceived struct {
	Tx       *wire.MsgTx
	Depth    int32
	Received btcutil.Amount
	Sent     btcutil.Amount

	// Fee is nil when the transaction has inputs the wallet cannot value.
	Fee *btcutil.Amount

	// Timestamp is the block timestamp for confirmed transactions, zero
	// otherwise.
	Timestamp int64
}

// TransactionConfidenceChanged is published when the confirmation depth of a
// tracked transaction changes, including reorgs back to unconfirmed.
type TransactionConfidenceChanged struct {
	TxID      chainhash.Hash
	Depth     int32
	Timestamp int64
}

// NewReceiveAddress is published alongside WalletReady with the current
// fresh receive address.
type NewReceiveAddress struct {
	Address btcutil.Address
}

func (WalletReady) event()                  {}
func (TransactionReceived) event()          {}
func (TransactionConfidenceChanged) event() {}
func (NewReceiveAddress) event()            {}

// EventPublisher receives wallet events.  Implementations must not call back
// into the wallet from Publish.
type EventPublisher interface {
	Publish(event Event)
}

// ChanPublisher is an EventPublisher that forwards events into a channel,
// dropping them when the channel is full.
type ChanPublisher struct {
	C chan Event
}

// NewChanPublisher returns a ChanPublisher with the given buffer size.
func NewChanPublisher(size int) *ChanPublisher {
	return &ChanPublisher{C: make(chan Event, size)}
}

// Publish implements the EventPublisher interface.
func (p *ChanPublisher) Publish(event Event) {
	select {
	case p.C <- event:
	default:
		log.Warnf("Event channel full, dropping %T", event)
	}
}
