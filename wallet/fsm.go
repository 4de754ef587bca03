// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/spvsuite/spvwallet/electrum"
)

// handleResponse dispatches one server response to the handler for the
// current lifecycle state.  Every failure mode ends in a state transition,
// never in an error surfaced to the caller.
func (m *Manager) handleResponse(resp electrum.Response) {
	switch resp := resp.(type) {
	case electrum.ServerReady:
		m.handleServerReady()

	case electrum.Disconnected:
		m.handleDisconnected()

	case electrum.ServerError:
		m.handleServerError(resp)

	case electrum.HeaderSubscriptionResponse:
		switch m.state {
		case stateWaitingForTip:
			m.handleTip(resp)
		case stateSyncing:
			// A new tip announced mid-sync is picked up by the
			// chunk requests; ignore it.
		case stateRunning:
			m.handleNewTip(resp)
		default:
			log.Debugf("Ignoring header announcement while %v", m.state)
		}

	case electrum.GetHeadersResponse:
		switch m.state {
		case stateSyncing:
			m.handleSyncHeaders(resp)
		case stateRunning:
			m.handleBackfillHeaders(resp)
		default:
			log.Debugf("Ignoring headers response while %v", m.state)
		}

	case electrum.ScriptHashSubscriptionResponse:
		if m.state == stateRunning {
			m.handleStatus(resp)
		} else {
			log.Debugf("Ignoring status for %s while %v",
				resp.ScriptHash, m.state)
		}

	case electrum.GetScriptHashHistoryResponse:
		if m.state == stateRunning {
			m.handleHistory(resp)
		}

	case electrum.GetTransactionResponse:
		if m.state == stateRunning {
			m.handleTransaction(resp)
		}

	case electrum.GetMerkleResponse:
		if m.state == stateRunning {
			m.handleMerkle(resp)
		}

	case electrum.BroadcastTransactionResponse:
		log.Infof("Server accepted broadcast of %s", resp.TxID)

	default:
		log.Warnf("Unhandled server response type %T", resp)
	}
}

// send transmits a request on the bound connection.  A transport failure
// tears the session down; the wallet recovers on reconnect.
func (m *Manager) send(req electrum.Request) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	if err := m.conn.SendRequest(req); err != nil {
		log.Errorf("Cannot send %s: %v", req.Method(), err)
		m.disconnect()
		return err
	}
	return nil
}

// disconnect force-closes the connection and applies the disconnect
// transition immediately rather than waiting for the transport to notice.
func (m *Manager) disconnect() {
	if m.conn != nil {
		m.conn.Close()
	}
	m.handleDisconnected()
}

// protocolViolation handles a server that broke the protocol: log, drop the
// connection, resume from a clean slate on the next one.
func (m *Manager) protocolViolation(format string, args ...interface{}) {
	log.Errorf("Protocol violation: "+format, args...)
	m.disconnect()
}

// handleServerReady starts a fresh session by subscribing to the header
// stream.
func (m *Manager) handleServerReady() {
	if m.state != stateDisconnected {
		log.Warnf("Server ready while %v, ignoring", m.state)
		return
	}
	if m.send(electrum.HeaderSubscription{}) == nil {
		m.transition(stateWaitingForTip)
	}
}

// handleDisconnected resets the session-scoped state.  Statuses of script
// hashes with an unanswered history request are forgotten so they are fully
// re-queried on reconnect.  Idempotent: a transport Disconnected arriving
// after a forced teardown finds nothing left to clear.
func (m *Manager) handleDisconnected() {
	for sh := range m.data.pendingHistory {
		delete(m.data.status, sh)
	}
	m.data.pendingHistory = make(map[chainhash.Hash]struct{})
	m.data.pendingTx = make(map[chainhash.Hash]struct{})
	m.data.pendingHeaders = make(map[int32]struct{})
	m.data.deferredProofs = nil
	m.data.lastReady = nil
	m.conn = nil
	m.transition(stateDisconnected)
}

func (m *Manager) transition(next fsmState) {
	if m.state != next {
		log.Debugf("Wallet %v -> %v", m.state, next)
		m.state = next
	}
}

// handleTip processes the first header announcement of a session and
// decides whether a header sync is needed.
func (m *Manager) handleTip(resp electrum.HeaderSubscriptionResponse) {
	localHeight, localHeader, hasChain := m.data.view.Tip()

	switch {
	case hasChain && resp.Height < localHeight:
		// The server is behind our verified chain; find a better one.
		log.Warnf("Server tip %d is behind local tip %d, disconnecting",
			resp.Height, localHeight)
		m.disconnect()

	case !hasChain:
		m.requestSyncChunk(m.data.view.FirstDynamicHeight())

	case resp.Height == localHeight &&
		resp.Header.BlockHash() == localHeader.BlockHash():
		m.startRunning()

	default:
		m.requestSyncChunk(localHeight + 1)
	}
}

func (m *Manager) requestSyncChunk(start int32) {
	if m.send(electrum.GetHeaders{Start: start, Count: headersChunkSize}) == nil {
		m.transition(stateSyncing)
	}
}

// handleSyncHeaders consumes one header chunk during the initial sync.  An
// empty chunk means we caught up with the server's tip.
func (m *Manager) handleSyncHeaders(resp electrum.GetHeadersResponse) {
	if len(resp.Headers) == 0 {
		m.startRunning()
		return
	}

	if err := m.data.view.AddHeaders(resp.Start, resp.Headers); err != nil {
		m.protocolViolation("header chunk at %d rejected: %v",
			resp.Start, err)
		return
	}
	m.optimizeView()

	tipHeight, _, _ := m.data.view.Tip()
	m.requestSyncChunk(tipHeight + 1)
}

// optimizeView prunes stale forks and deep history from the header view,
// persisting the pruned best-chain headers first.  A persistence failure
// leaves the view unpruned and is retried on the next optimization.
func (m *Manager) optimizeView() {
	err := m.data.view.Optimize(func(start int32, headers []wire.BlockHeader) error {
		for off := 0; off < len(headers); off += headersChunkSize {
			end := off + headersChunkSize
			if end > len(headers) {
				end = len(headers)
			}
			err := m.cfg.Store.PutHeaders(start+int32(off), headers[off:end])
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Errorf("Cannot persist pruned headers: %v", err)
	}
}

// startRunning subscribes every known script hash and enters full duplex
// operation.
func (m *Manager) startRunning() {
	for _, b := range []branch{branchAccount, branchChange} {
		for _, key := range m.data.branchKeys(b) {
			if m.send(electrum.ScriptHashSubscription{
				ScriptHash: key.scriptHash,
			}) != nil {
				return
			}
		}
	}
	m.transition(stateRunning)
	m.maybeAdvertise()
}

// handleNewTip processes a header announcement while running: connect it,
// prune, and refresh the confidence of every confirmed transaction.
func (m *Manager) handleNewTip(resp electrum.HeaderSubscriptionResponse) {
	tipHeight, tipHeader, _ := m.data.view.Tip()
	if resp.Height == tipHeight &&
		resp.Header.BlockHash() == tipHeader.BlockHash() {
		return
	}

	if err := m.data.view.CheckTipBits(resp.Height, &resp.Header); err != nil {
		m.protocolViolation("announced tip %d: %v", resp.Height, err)
		return
	}
	if err := m.data.view.AddHeader(resp.Height, resp.Header); err != nil {
		m.protocolViolation("cannot connect announced tip %d: %v",
			resp.Height, err)
		return
	}
	m.optimizeView()

	// Depths moved for everything confirmed.
	for txid, height := range m.data.heights {
		if height > 0 {
			m.publishConfidence(txid)
		}
	}
	m.maybeAdvertise()
}

// handleStatus processes a script hash status notification per the running
// state rules: repeated statuses only re-fetch missing transactions, fresh
// statuses trigger a history request and possibly a gap-limit extension.
func (m *Manager) handleStatus(resp electrum.ScriptHashSubscriptionResponse) {
	sh := resp.ScriptHash

	if stored, ok := m.data.status[sh]; ok && stored == resp.Status {
		// Same status as before (typically after a restart): make sure
		// we hold every transaction the known history references.
		for _, item := range m.data.history[sh] {
			m.requestTransaction(item.TxID)
		}
		return
	}

	key, ok := m.data.byScriptHash[sh]
	if !ok {
		log.Warnf("Status for unknown script hash %s, ignoring", sh)
		return
	}

	if resp.Status == "" {
		m.data.status[sh] = ""
		m.maybeAdvertise()
		return
	}

	seen := statusKey{scriptHash: sh, status: resp.Status}
	_, alreadySeen := m.data.seenStatuses[seen]
	m.data.seenStatuses[seen] = struct{}{}
	m.data.status[sh] = resp.Status

	if m.send(electrum.GetScriptHashHistory{ScriptHash: sh}) != nil {
		return
	}
	m.data.pendingHistory[sh] = struct{}{}

	// First use of the branch's last key: extend the branch by one so
	// the gap of unused keys is maintained, and watch the new key.
	if !alreadySeen && key.index == uint32(len(m.data.branchKeys(key.branch))-1) {
		fresh, err := m.data.extendBranch(m.keys, m.scheme, key.branch)
		if err != nil {
			log.Errorf("Cannot extend %s branch: %v", key.branch, err)
			return
		}
		log.Debugf("Extended %s branch to %d keys", key.branch,
			fresh.index+1)
		m.send(electrum.ScriptHashSubscription{ScriptHash: fresh.scriptHash})
	}
}

// requestTransaction fetches a transaction unless it is already held or
// already in flight.
func (m *Manager) requestTransaction(txid chainhash.Hash) {
	if _, have := m.data.transactions[txid]; have {
		return
	}
	if _, inFlight := m.data.pendingTx[txid]; inFlight {
		return
	}
	if m.send(electrum.GetTransaction{TxID: txid}) == nil {
		m.data.pendingTx[txid] = struct{}{}
	}
}

// requestProof fetches the merkle proof for a confirmed transaction and, if
// the enclosing header is missing from both the view and the header store,
// the header chunk containing it.
func (m *Manager) requestProof(txid chainhash.Hash, height int32) {
	m.send(electrum.GetMerkle{TxID: txid, Height: height})
	m.requestHeaderChunkFor(height)
}

// requestHeaderChunkFor backfills the header chunk containing height when
// the header is not available locally, deduplicated against in-flight chunk
// requests.
func (m *Manager) requestHeaderChunkFor(height int32) {
	if _, ok := m.headerAt(height); ok {
		return
	}
	start := height / headersChunkSize * headersChunkSize
	if _, inFlight := m.data.pendingHeaders[start]; inFlight {
		return
	}
	if m.send(electrum.GetHeaders{Start: start, Count: headersChunkSize}) == nil {
		m.data.pendingHeaders[start] = struct{}{}
	}
}

// headerAt returns the header at a height from the in-memory view, falling
// back to the header store.
func (m *Manager) headerAt(height int32) (wire.BlockHeader, bool) {
	if header, ok := m.data.view.GetHeader(height); ok {
		return header, true
	}
	header, ok, err := m.cfg.Store.GetHeader(height)
	if err != nil {
		log.Errorf("Cannot read header %d: %v", height, err)
		return wire.BlockHeader{}, false
	}
	return header, ok
}

// handleHistory ingests a script hash history: retain shadow items the
// server does not know yet, fetch missing transactions and proofs, track
// height transitions and publish the confidence changes they cause.
func (m *Manager) handleHistory(resp electrum.GetScriptHashHistoryResponse) {
	sh := resp.ScriptHash

	// Entries we hold that the server omitted are kept: typically
	// freshly committed transactions the server has not seen yet.
	merged := append([]electrum.HistoryItem(nil), resp.History...)
	reported := make(map[chainhash.Hash]struct{}, len(resp.History))
	for _, item := range resp.History {
		reported[item.TxID] = struct{}{}
	}
	for _, old := range m.data.history[sh] {
		if _, ok := reported[old.TxID]; !ok {
			merged = append(merged, old)
		}
	}
	m.data.history[sh] = merged

	for _, item := range resp.History {
		m.requestTransaction(item.TxID)

		oldHeight, known := m.data.heights[item.TxID]
		m.data.heights[item.TxID] = item.Height

		switch {
		case !known || oldHeight != item.Height:
			// New or moved (reorg): republish confidence, drop the
			// stale proof and prove inclusion at the new height.
			m.publishConfidence(item.TxID)
			delete(m.data.proofs, item.TxID)
			if item.Height > 0 {
				m.requestProof(item.TxID, item.Height)
			}

		case item.Height > 0:
			if _, proven := m.data.proofs[item.TxID]; !proven {
				m.requestProof(item.TxID, item.Height)
			}
		}
	}

	delete(m.data.pendingHistory, sh)
	m.maybeAdvertise()
}

// handleTransaction resolves a fetched transaction.  When a parent of one
// of our inputs is still unknown the transaction is queued and replayed
// after the next arrival; replay terminates because each pass either
// connects a transaction or leaves the queue unchanged.
func (m *Manager) handleTransaction(resp electrum.GetTransactionResponse) {
	tx := resp.Tx
	txid := tx.TxHash()
	delete(m.data.pendingTx, txid)

	if !m.connectTransaction(tx) {
		m.queueOrphan(tx)
		m.maybeAdvertise()
		return
	}
	m.replayOrphans()
	m.maybeAdvertise()
}

// connectTransaction stores a transaction and publishes its receipt if all
// parents of our inputs are known.  It reports false for orphans.
func (m *Manager) connectTransaction(tx *wire.MsgTx) bool {
	txid := tx.TxHash()
	if _, have := m.data.transactions[txid]; have {
		return true
	}

	delta, ok := m.data.computeTransactionDelta(m.scheme, tx)
	if !ok {
		return false
	}

	m.data.transactions[txid] = tx
	m.publish(TransactionReceived{
		Tx:        tx,
		Depth:     m.data.depth(txid),
		Received:  delta.received,
		Sent:      delta.sent,
		Fee:       delta.fee,
		Timestamp: m.timestampOf(txid),
	})
	return true
}

// queueOrphan remembers a parentless transaction for later replay, dropping
// the oldest entry when the queue is full.
func (m *Manager) queueOrphan(tx *wire.MsgTx) {
	txid := tx.TxHash()
	for _, queued := range m.data.orphans {
		if queued.TxHash() == txid {
			return
		}
	}
	if len(m.data.orphans) >= m.cfg.OrphanCap {
		dropped := m.data.orphans[0]
		m.data.orphans = m.data.orphans[1:]
		log.Warnf("Orphan queue full, dropping %s", dropped.TxHash())
	}
	log.Debugf("Queueing orphan transaction %s", txid)
	m.data.orphans = append(m.data.orphans, tx)
}

// replayOrphans retries every queued orphan until a pass makes no progress.
func (m *Manager) replayOrphans() {
	for {
		progress := false
		remaining := m.data.orphans[:0]
		for _, tx := range m.data.orphans {
			if m.connectTransaction(tx) {
				progress = true
			} else {
				remaining = append(remaining, tx)
			}
		}
		m.data.orphans = remaining
		if !progress || len(m.data.orphans) == 0 {
			return
		}
	}
}

// handleMerkle verifies a merkle proof against the enclosing header.  A
// missing header defers the proof until its chunk arrives; a mismatching
// root is a protocol violation that also drops the transaction.
func (m *Manager) handleMerkle(resp electrum.GetMerkleResponse) {
	header, ok := m.headerAt(resp.Height)
	if !ok {
		m.data.deferredProofs = append(m.data.deferredProofs, resp)
		m.requestHeaderChunkFor(resp.Height)
		return
	}

	if resp.Root() != header.MerkleRoot {
		delete(m.data.transactions, resp.TxID)
		m.protocolViolation("merkle root for %s at height %d does not "+
			"match the header", resp.TxID, resp.Height)
		return
	}

	proof := resp
	m.data.proofs[resp.TxID] = &proof
	m.maybeAdvertise()
}

// handleBackfillHeaders stores a below-checkpoint header chunk requested to
// verify old merkle proofs, then resubmits any proofs that were waiting for
// it.
func (m *Manager) handleBackfillHeaders(resp electrum.GetHeadersResponse) {
	delete(m.data.pendingHeaders, resp.Start)
	if len(resp.Headers) == 0 {
		return
	}

	if resp.Start >= m.data.view.FirstDynamicHeight() {
		// Above the checkpoints: run the full verification path.
		if err := m.data.view.AddHeaders(resp.Start, resp.Headers); err != nil {
			m.protocolViolation("backfill chunk at %d rejected: %v",
				resp.Start, err)
			return
		}
		m.optimizeView()
	} else {
		err := m.data.view.VerifyChunk(resp.Start, resp.Headers)
		if err != nil {
			m.protocolViolation("backfill chunk at %d rejected: %v",
				resp.Start, err)
			return
		}
	}
	if err := m.cfg.Store.PutHeaders(resp.Start, resp.Headers); err != nil {
		log.Errorf("Cannot persist backfilled headers: %v", err)
	}

	end := resp.Start + int32(len(resp.Headers))
	deferred := m.data.deferredProofs
	m.data.deferredProofs = nil
	for _, proof := range deferred {
		if proof.Height >= resp.Start && proof.Height < end {
			m.handleMerkle(proof)
		} else {
			m.data.deferredProofs = append(m.data.deferredProofs, proof)
		}
	}
}

// handleServerError classifies a server-side error reply.  A server that
// cannot produce a transaction it itself announced is inconsistent and gets
// disconnected; everything else is logged.
func (m *Manager) handleServerError(resp electrum.ServerError) {
	switch req := resp.Request.(type) {
	case electrum.GetTransaction:
		if m.believesInHistory(req.TxID) {
			m.protocolViolation("server cannot produce %s which it "+
				"announced in a history: %s", req.TxID, resp.Reason)
			return
		}
		delete(m.data.pendingTx, req.TxID)
		log.Warnf("Server error for %s: %s", req.Method(), resp.Reason)

	case electrum.GetScriptHashHistory:
		delete(m.data.pendingHistory, req.ScriptHash)
		log.Warnf("Server error for %s: %s", req.Method(), resp.Reason)

	case electrum.BroadcastTransaction:
		log.Errorf("Broadcast rejected: %s", resp.Reason)

	default:
		log.Warnf("Server error for %s: %s", resp.Request.Method(),
			resp.Reason)
	}
}

// believesInHistory reports whether any script hash history references the
// txid.
func (m *Manager) believesInHistory(txid chainhash.Hash) bool {
	for _, items := range m.data.history {
		for _, item := range items {
			if item.TxID == txid {
				return true
			}
		}
	}
	return false
}

// publish emits an event if a publisher is configured.
func (m *Manager) publish(event Event) {
	if m.cfg.Publisher != nil {
		m.cfg.Publisher.Publish(event)
	}
}

func (m *Manager) publishConfidence(txid chainhash.Hash) {
	m.publish(TransactionConfidenceChanged{
		TxID:      txid,
		Depth:     m.data.depth(txid),
		Timestamp: m.timestampOf(txid),
	})
}

// timestampOf returns the block timestamp of a confirmed transaction, zero
// when unconfirmed or the header is unavailable.
func (m *Manager) timestampOf(txid chainhash.Hash) int64 {
	height, ok := m.data.heights[txid]
	if !ok || height <= 0 {
		return 0
	}
	header, ok := m.headerAt(height)
	if !ok {
		return 0
	}
	return header.Timestamp.Unix()
}

// maybeAdvertise publishes WalletReady, the receive address and a snapshot
// whenever the wallet is settled and its summary changed.
func (m *Manager) maybeAdvertise() {
	if m.state != stateRunning || !m.data.ready(m.cfg.GapLimit) {
		return
	}
	tipHeight, tipHeader, ok := m.data.view.Tip()
	if !ok {
		return
	}

	confirmed, unconfirmed := m.data.balance()
	ready := WalletReady{
		Confirmed:   confirmed,
		Unconfirmed: unconfirmed,
		TipHeight:   tipHeight,
		TipTime:     tipHeader.Timestamp.Unix(),
	}
	if m.data.lastReady != nil && *m.data.lastReady == ready {
		return
	}
	m.data.lastReady = &ready

	m.publish(ready)
	if reply := m.handleReceiveAddress(); reply.err == nil {
		m.publish(NewReceiveAddress{Address: reply.addr})
	}
	if err := m.cfg.Store.PersistSnapshot(m.data.snapshot()); err != nil {
		log.Errorf("Cannot persist wallet snapshot: %v", err)
	}
	log.Infof("Wallet ready: %v confirmed, %v unconfirmed at height %d",
		confirmed, unconfirmed, tipHeight)
}
