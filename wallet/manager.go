// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements an SPV wallet over the Electrum status
// subscription protocol: it tracks a BIP49 or BIP84 key hierarchy against a
// remote server, mirrors the on-chain history of every key, verifies it
// against a checkpoint-anchored header chain, and builds, signs and tracks
// spends.
package wallet

import (
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/spvsuite/spvwallet/chainview"
	"github.com/spvsuite/spvwallet/electrum"
	"github.com/spvsuite/spvwallet/walletdb"
)

const (
	// DefaultGapLimit is the number of consecutive unused keys kept ahead
	// of the highest used key on each branch.
	DefaultGapLimit = 10

	// DefaultDustLimit is the smallest output the wallet will create.
	DefaultDustLimit = btcutil.Amount(546)

	// DefaultMinimumFee is the floor on the absolute fee of a built
	// transaction.
	DefaultMinimumFee = btcutil.Amount(2000)

	// defaultOrphanCap bounds the queue of transactions waiting for their
	// parents; the oldest entry is dropped on overflow and re-announced
	// by the server on the next reconnect.
	defaultOrphanCap = 100

	// headersChunkSize is how many headers are requested, verified and
	// persisted at a time.
	headersChunkSize = chainview.RetargetingPeriod
)

// Config parameterizes a wallet manager.
type Config struct {
	ChainParams *chaincfg.Params
	WalletType  WalletType

	// Seed is the BIP39 seed the key hierarchy is derived from.
	Seed []byte

	// Store is the wallet database.  A snapshot found in it is restored;
	// a corrupt one falls back to a fresh wallet.
	Store walletdb.Store

	// Publisher receives wallet events.
	Publisher EventPublisher

	// Checkpoints anchor the header chain.  May be empty, in which case
	// headers are verified all the way from genesis.
	Checkpoints []chainview.Checkpoint

	GapLimit              int
	DustLimit             btcutil.Amount
	MinimumFee            btcutil.Amount
	AllowSpendUnconfirmed bool
	OrphanCap             int
}

// fsmState is the wallet lifecycle state.
type fsmState int

const (
	stateDisconnected fsmState = iota
	stateWaitingForTip
	stateSyncing
	stateRunning
)

func (s fsmState) String() string {
	switch s {
	case stateDisconnected:
		return "DISCONNECTED"
	case stateWaitingForTip:
		return "WAITING_FOR_TIP"
	case stateSyncing:
		return "SYNCING"
	case stateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Manager owns the wallet state and processes every server response and
// wallet command one at a time on a single goroutine, so no transition ever
// observes another half-applied.
type Manager struct {
	started int32
	stopped int32

	cfg    Config
	keys   *KeyChain
	scheme Scheme

	// The fields below are owned by the event handler goroutine.
	state fsmState
	conn  electrum.Conn
	data  *walletData

	msgChan chan interface{}
	wg      sync.WaitGroup
	quit    chan struct{}
}

// Messages delivered to the event handler.  Commands carry a reply channel;
// the reply is sent before the next message is dequeued.

type serverResponseMsg struct {
	resp electrum.Response
}

type bindConnMsg struct {
	conn electrum.Conn
}

type balanceMsg struct {
	reply chan [2]btcutil.Amount
}

type receiveAddressMsg struct {
	reply chan receiveAddressReply
}

type receiveAddressReply struct {
	addr btcutil.Address
	err  error
}

type rootPubMsg struct {
	reply chan rootPubReply
}

type rootPubReply struct {
	xpub string
	err  error
}

type dataMsg struct {
	reply chan *walletdb.Snapshot
}

type completeTxMsg struct {
	tx           *wire.MsgTx
	feeRatePerKW int64
	reply        chan builtTxReply
}

type sendAllMsg struct {
	pkScript     []byte
	feeRatePerKW int64
	reply        chan builtTxReply
}

type builtTxReply struct {
	tx  *wire.MsgTx
	fee btcutil.Amount
	err error
}

type commitTxMsg struct {
	tx    *wire.MsgTx
	reply chan struct{}
}

type cancelTxMsg struct {
	tx    *wire.MsgTx
	reply chan struct{}
}

type broadcastMsg struct {
	tx    *wire.MsgTx
	reply chan error
}

type doubleSpentMsg struct {
	tx    *wire.MsgTx
	reply chan bool
}

// New constructs a wallet manager: derives the key hierarchy, restores the
// persisted snapshot if one exists, and replays persisted headers into the
// in-memory view.
func New(cfg *Config) (*Manager, error) {
	c := *cfg
	if c.GapLimit == 0 {
		c.GapLimit = DefaultGapLimit
	}
	if c.DustLimit == 0 {
		c.DustLimit = DefaultDustLimit
	}
	if c.MinimumFee == 0 {
		c.MinimumFee = DefaultMinimumFee
	}
	if c.OrphanCap == 0 {
		c.OrphanCap = defaultOrphanCap
	}

	keys, err := NewKeyChain(c.Seed, c.ChainParams, c.WalletType)
	if err != nil {
		return nil, err
	}
	scheme := NewScheme(c.WalletType, c.ChainParams)

	view := chainview.New(c.ChainParams, c.Checkpoints)
	data := newWalletData(view)

	accountCount, changeCount := uint32(c.GapLimit), uint32(c.GapLimit)
	snapshot, err := c.Store.ReadSnapshot()
	if err != nil {
		// A corrupt snapshot falls back to a fresh wallet; the server
		// will repopulate the history.
		log.Warnf("Discarding unreadable wallet snapshot: %v", err)
	} else if snapshot != nil {
		data.restore(snapshot)
		if snapshot.AccountKeyCount > accountCount {
			accountCount = snapshot.AccountKeyCount
		}
		if snapshot.ChangeKeyCount > changeCount {
			changeCount = snapshot.ChangeKeyCount
		}
	}

	for i := uint32(0); i < accountCount; i++ {
		if _, err := data.extendBranch(keys, scheme, branchAccount); err != nil {
			return nil, err
		}
	}
	for i := uint32(0); i < changeCount; i++ {
		if _, err := data.extendBranch(keys, scheme, branchChange); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		cfg:     c,
		keys:    keys,
		scheme:  scheme,
		state:   stateDisconnected,
		data:    data,
		msgChan: make(chan interface{}, 256),
		quit:    make(chan struct{}),
	}
	m.replayHeaders()
	return m, nil
}

// replayHeaders rebuilds the in-memory header view from the header store,
// starting at the first height above the checkpoints.
func (m *Manager) replayHeaders() {
	height := m.data.view.FirstDynamicHeight()
	for {
		headers, err := m.cfg.Store.GetHeaders(height, headersChunkSize)
		if err != nil {
			log.Warnf("Cannot replay persisted headers at %d: %v",
				height, err)
			return
		}
		if len(headers) == 0 {
			return
		}
		if err := m.data.view.AddHeaders(height, headers); err != nil {
			log.Warnf("Persisted headers at %d fail verification, "+
				"resyncing: %v", height, err)
			return
		}
		height += int32(len(headers))
	}
}

// Start launches the event handler.
func (m *Manager) Start() {
	if atomic.AddInt32(&m.started, 1) != 1 {
		return
	}

	log.Infof("Wallet started (%v, gap limit %d)", m.cfg.WalletType,
		m.cfg.GapLimit)
	m.wg.Add(1)
	go m.eventHandler()
}

// Stop terminates the event handler and persists a final snapshot.
func (m *Manager) Stop() {
	if atomic.AddInt32(&m.stopped, 1) != 1 {
		log.Warnf("Wallet manager already stopped")
		return
	}
	close(m.quit)
	m.wg.Wait()

	if err := m.cfg.Store.PersistSnapshot(m.data.snapshot()); err != nil {
		log.Errorf("Cannot persist final wallet snapshot: %v", err)
	}
	log.Info("Wallet stopped")
}

// BindConn hands the manager the connection subsequent requests go out on.
// It must be called before the connection delivers ServerReady.
func (m *Manager) BindConn(conn electrum.Conn) {
	m.enqueue(&bindConnMsg{conn: conn})
}

// HandleResponse feeds a server response into the wallet.  Responses are
// processed strictly in the order they are handed in.
func (m *Manager) HandleResponse(resp electrum.Response) {
	m.enqueue(&serverResponseMsg{resp: resp})
}

func (m *Manager) enqueue(msg interface{}) {
	select {
	case m.msgChan <- msg:
	case <-m.quit:
	}
}

// eventHandler is the single goroutine every state transition runs on.
func (m *Manager) eventHandler() {
	defer m.wg.Done()

out:
	for {
		select {
		case msg := <-m.msgChan:
			switch msg := msg.(type) {
			case *serverResponseMsg:
				m.handleResponse(msg.resp)

			case *bindConnMsg:
				m.conn = msg.conn

			case *balanceMsg:
				confirmed, unconfirmed := m.data.balance()
				msg.reply <- [2]btcutil.Amount{confirmed, unconfirmed}

			case *receiveAddressMsg:
				msg.reply <- m.handleReceiveAddress()

			case *rootPubMsg:
				xpub, err := m.keys.RootPub()
				msg.reply <- rootPubReply{xpub: xpub, err: err}

			case *dataMsg:
				msg.reply <- m.data.snapshot()

			case *completeTxMsg:
				tx, fee, err := m.data.completeTransaction(
					m.scheme, msg.tx, msg.feeRatePerKW,
					m.builderParams())
				msg.reply <- builtTxReply{tx: tx, fee: fee, err: err}

			case *sendAllMsg:
				tx, fee, err := m.data.spendAll(m.scheme,
					msg.pkScript, msg.feeRatePerKW,
					m.builderParams())
				msg.reply <- builtTxReply{tx: tx, fee: fee, err: err}

			case *commitTxMsg:
				m.data.commitTransaction(msg.tx)
				m.maybeAdvertise()
				msg.reply <- struct{}{}

			case *cancelTxMsg:
				m.data.cancelTransaction(msg.tx)
				msg.reply <- struct{}{}

			case *broadcastMsg:
				msg.reply <- m.handleBroadcast(msg.tx)

			case *doubleSpentMsg:
				msg.reply <- m.data.isDoubleSpent(msg.tx)

			default:
				log.Warnf("Invalid message type in wallet "+
					"handler: %T", msg)
			}

		case <-m.quit:
			break out
		}
	}

	log.Trace("Wallet handler done")
}

func (m *Manager) builderParams() builderParams {
	return builderParams{
		dustLimit:             m.cfg.DustLimit,
		minimumFee:            m.cfg.MinimumFee,
		allowSpendUnconfirmed: m.cfg.AllowSpendUnconfirmed,
	}
}

func (m *Manager) handleReceiveAddress() receiveAddressReply {
	key := m.data.receiveKey()
	if key == nil {
		return receiveAddressReply{err: ErrShutdown}
	}
	addr, err := m.scheme.Address(key.pub)
	return receiveAddressReply{addr: addr, err: err}
}

func (m *Manager) handleBroadcast(tx *wire.MsgTx) error {
	if m.state != stateRunning || m.conn == nil {
		return ErrNotConnected
	}
	return m.send(electrum.BroadcastTransaction{Tx: tx})
}

// Balance returns the wallet's confirmed and unconfirmed balance.
func (m *Manager) Balance() (btcutil.Amount, btcutil.Amount, error) {
	reply := make(chan [2]btcutil.Amount, 1)
	if !m.command(&balanceMsg{reply: reply}) {
		return 0, 0, ErrShutdown
	}
	select {
	case balances := <-reply:
		return balances[0], balances[1], nil
	case <-m.quit:
		return 0, 0, ErrShutdown
	}
}

// CurrentReceiveAddress returns the first unused receive address.
func (m *Manager) CurrentReceiveAddress() (btcutil.Address, error) {
	reply := make(chan receiveAddressReply, 1)
	if !m.command(&receiveAddressMsg{reply: reply}) {
		return nil, ErrShutdown
	}
	select {
	case r := <-reply:
		return r.addr, r.err
	case <-m.quit:
		return nil, ErrShutdown
	}
}

// RootPub returns the wallet's neutered root key.
func (m *Manager) RootPub() (string, error) {
	reply := make(chan rootPubReply, 1)
	if !m.command(&rootPubMsg{reply: reply}) {
		return "", ErrShutdown
	}
	select {
	case r := <-reply:
		return r.xpub, r.err
	case <-m.quit:
		return "", ErrShutdown
	}
}

// Data returns a copy of the wallet's durable state.
func (m *Manager) Data() (*walletdb.Snapshot, error) {
	reply := make(chan *walletdb.Snapshot, 1)
	if !m.command(&dataMsg{reply: reply}) {
		return nil, ErrShutdown
	}
	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-m.quit:
		return nil, ErrShutdown
	}
}

// CompleteTransaction funds and signs a transaction carrying outputs but no
// inputs, and locks the result.
func (m *Manager) CompleteTransaction(tx *wire.MsgTx, feeRatePerKW int64) (*wire.MsgTx, btcutil.Amount, error) {
	reply := make(chan builtTxReply, 1)
	if !m.command(&completeTxMsg{tx: tx, feeRatePerKW: feeRatePerKW, reply: reply}) {
		return nil, 0, ErrShutdown
	}
	select {
	case r := <-reply:
		return r.tx, r.fee, r.err
	case <-m.quit:
		return nil, 0, ErrShutdown
	}
}

// SendAll drains every UTXO into the given output script.
func (m *Manager) SendAll(pkScript []byte, feeRatePerKW int64) (*wire.MsgTx, btcutil.Amount, error) {
	reply := make(chan builtTxReply, 1)
	if !m.command(&sendAllMsg{pkScript: pkScript, feeRatePerKW: feeRatePerKW, reply: reply}) {
		return nil, 0, ErrShutdown
	}
	select {
	case r := <-reply:
		return r.tx, r.fee, r.err
	case <-m.quit:
		return nil, 0, ErrShutdown
	}
}

// CommitTransaction finalizes a completed transaction: it leaves the lock
// set, joins the tracked transactions and becomes visible to chained builds.
func (m *Manager) CommitTransaction(tx *wire.MsgTx) error {
	reply := make(chan struct{}, 1)
	if !m.command(&commitTxMsg{tx: tx, reply: reply}) {
		return ErrShutdown
	}
	select {
	case <-reply:
		return nil
	case <-m.quit:
		return ErrShutdown
	}
}

// CancelTransaction releases a completed transaction's inputs.
func (m *Manager) CancelTransaction(tx *wire.MsgTx) error {
	reply := make(chan struct{}, 1)
	if !m.command(&cancelTxMsg{tx: tx, reply: reply}) {
		return ErrShutdown
	}
	select {
	case <-reply:
		return nil
	case <-m.quit:
		return ErrShutdown
	}
}

// BroadcastTransaction forwards a signed transaction to the server.  It
// fails with ErrNotConnected outside the RUNNING state.
func (m *Manager) BroadcastTransaction(tx *wire.MsgTx) error {
	reply := make(chan error, 1)
	if !m.command(&broadcastMsg{tx: tx, reply: reply}) {
		return ErrShutdown
	}
	select {
	case err := <-reply:
		return err
	case <-m.quit:
		return ErrShutdown
	}
}

// IsDoubleSpent reports whether a tracked transaction at least two blocks
// deep, with a txid other than tx's, spends an outpoint that tx also spends.
func (m *Manager) IsDoubleSpent(tx *wire.MsgTx) (bool, error) {
	reply := make(chan bool, 1)
	if !m.command(&doubleSpentMsg{tx: tx, reply: reply}) {
		return false, ErrShutdown
	}
	select {
	case spent := <-reply:
		return spent, nil
	case <-m.quit:
		return false, ErrShutdown
	}
}

// command enqueues a command message unless the manager is shutting down.
func (m *Manager) command(msg interface{}) bool {
	select {
	case m.msgChan <- msg:
		return true
	case <-m.quit:
		return false
	}
}
