// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import "errors"

var (
	// ErrNotConnected is returned when a command requires a server
	// connection in the RUNNING state and there is none.
	ErrNotConnected = errors.New("wallet is not connected to a server")

	// ErrInsufficientFunds is returned when the spendable outputs cannot
	// cover the requested amount plus fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAmountBelowDustLimit is returned when a requested output, or the
	// amount left by a send-all, is below the dust limit.
	ErrAmountBelowDustLimit = errors.New("amount is below the dust limit")

	// ErrOutputsEmpty is returned when a transaction to complete carries
	// no outputs.
	ErrOutputsEmpty = errors.New("transaction has no outputs")

	// ErrInputsNonEmpty is returned when a transaction to complete
	// already carries inputs.
	ErrInputsNonEmpty = errors.New("transaction already has inputs")

	// ErrNegativeFeeRate is returned for a negative fee rate.
	ErrNegativeFeeRate = errors.New("fee rate is negative")

	// ErrUnknownLock describes a transaction that is not in the wallet's
	// lock set.  CommitTransaction and CancelTransaction do not return it;
	// they accept such a transaction without error.
	ErrUnknownLock = errors.New("transaction is not locked by this wallet")

	// ErrShutdown is returned for commands issued after the wallet has
	// been stopped.
	ErrShutdown = errors.New("wallet is shutting down")
)
