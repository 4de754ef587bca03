// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// clientName is sent during server.version negotiation.
	clientName = "spvwallet 0.1.0"

	// protocolVersion is the Electrum protocol version the client speaks.
	protocolVersion = "1.4"

	// pingInterval is how often a server.ping is sent to keep the
	// connection alive.
	pingInterval = time.Minute

	// connectTimeout bounds the initial dial.
	connectTimeout = 30 * time.Second
)

var delim = byte('\n')

// ClientConfig holds the options for Dial.
type ClientConfig struct {
	// Addr is the host:port of the Electrum server.
	Addr string

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config

	// Handler receives every Response the connection produces, in arrival
	// order.  It is invoked from a single goroutine.
	Handler func(Response)
}

// Client is a line-delimited JSON-RPC 2.0 connection to an Electrum server.
// It implements the Conn interface.
type Client struct {
	stopped int32

	cfg  ClientConfig
	conn net.Conn

	writeMtx sync.Mutex
	nextID   uint64

	pendingMtx sync.Mutex
	pending    map[uint64]Request

	wg   sync.WaitGroup
	quit chan struct{}
}

// request is the wire form of an outgoing JSON-RPC call.
type request struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// reply is the wire form of an incoming JSON-RPC message, covering both
// call replies and subscription notifications.
type reply struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  json.RawMessage `json:"error"`
}

// headerNotification is the payload of blockchain.headers.subscribe.
type headerNotification struct {
	Height int32  `json:"height"`
	Hex    string `json:"hex"`
}

// historyEntry is one element of a blockchain.scripthash.get_history reply.
type historyEntry struct {
	Height int32  `json:"height"`
	TxHash string `json:"tx_hash"`
}

// merkleResult is the payload of blockchain.transaction.get_merkle.
type merkleResult struct {
	Merkle      []string `json:"merkle"`
	BlockHeight int32    `json:"block_height"`
	Pos         uint32   `json:"pos"`
}

// blockHeadersResult is the payload of blockchain.block.headers.
type blockHeadersResult struct {
	Count int32  `json:"count"`
	Hex   string `json:"hex"`
}

// Dial connects to the configured server, negotiates the protocol version
// and starts the read loop.  A ServerReady response is delivered through the
// handler once negotiation completes.
func Dial(cfg ClientConfig) (*Client, error) {
	var (
		conn net.Conn
		err  error
	)
	dialer := net.Dialer{Timeout: connectTimeout}
	if cfg.TLSConfig != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", cfg.Addr, cfg.TLSConfig)
	} else {
		conn, err = dialer.Dial("tcp", cfg.Addr)
	}
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[uint64]Request),
		quit:    make(chan struct{}),
	}

	if err := c.writeCall("server.version", []interface{}{
		clientName, protocolVersion,
	}, nil); err != nil {
		conn.Close()
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// SendRequest implements the Conn interface.
func (c *Client) SendRequest(req Request) error {
	params, err := requestParams(req)
	if err != nil {
		return err
	}
	return c.writeCall(req.Method(), params, req)
}

// Close implements the Conn interface.
func (c *Client) Close() error {
	if atomic.AddInt32(&c.stopped, 1) != 1 {
		return nil
	}
	close(c.quit)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// requestParams maps a typed request to its positional JSON-RPC parameters.
func requestParams(req Request) ([]interface{}, error) {
	switch r := req.(type) {
	case HeaderSubscription:
		return nil, nil
	case ScriptHashSubscription:
		return []interface{}{r.ScriptHash.String()}, nil
	case GetHeaders:
		return []interface{}{r.Start, r.Count}, nil
	case GetScriptHashHistory:
		return []interface{}{r.ScriptHash.String()}, nil
	case GetTransaction:
		return []interface{}{r.TxID.String()}, nil
	case GetMerkle:
		return []interface{}{r.TxID.String(), r.Height}, nil
	case BroadcastTransaction:
		var buf bytes.Buffer
		if err := r.Tx.Serialize(&buf); err != nil {
			return nil, err
		}
		return []interface{}{hex.EncodeToString(buf.Bytes())}, nil
	default:
		return nil, fmt.Errorf("unknown request type %T", req)
	}
}

// writeCall marshals and transmits a single call.  When origin is non-nil
// the call id is remembered so the reply can be matched back to it.
func (c *Client) writeCall(method string, params []interface{},
	origin Request) error {

	if params == nil {
		params = []interface{}{}
	}

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	c.nextID++
	id := c.nextID
	if origin != nil {
		c.pendingMtx.Lock()
		c.pending[id] = origin
		c.pendingMtx.Unlock()
	}

	raw, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	raw = append(raw, delim)
	_, err = c.conn.Write(raw)
	return err
}

// pingLoop keeps the connection alive with periodic server.ping calls.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.writeCall("server.ping", nil, nil); err != nil {
				log.Debugf("Ping to %s failed: %v", c.cfg.Addr, err)
				return
			}
		case <-c.quit:
			return
		}
	}
}

// readLoop decodes incoming lines until the connection dies and dispatches
// the decoded responses to the handler.  The first server.version reply is
// surfaced as ServerReady.
func (c *Client) readLoop() {
	defer c.wg.Done()

	versioned := false
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)
	for scanner.Scan() {
		var msg reply
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Warnf("Dropping malformed message from %s: %v",
				c.cfg.Addr, err)
			continue
		}

		// The very first reply belongs to our server.version call.
		if !versioned && msg.ID != nil {
			versioned = true
			if msg.Error != nil {
				log.Errorf("Version negotiation with %s "+
					"rejected: %s", c.cfg.Addr, msg.Error)
				break
			}
			c.cfg.Handler(ServerReady{})
			continue
		}

		resp, err := c.decode(&msg)
		if err != nil {
			log.Warnf("Dropping undecodable message from %s: %v",
				c.cfg.Addr, err)
			continue
		}
		if resp != nil {
			c.cfg.Handler(resp)
		}
	}

	c.conn.Close()
	c.cfg.Handler(Disconnected{})
}

// decode turns a raw JSON-RPC message into a typed Response.  A nil, nil
// return means the message requires no wallet action (e.g. a ping reply).
func (c *Client) decode(msg *reply) (Response, error) {
	// Subscription notifications carry a method instead of an id.
	if msg.ID == nil {
		switch msg.Method {
		case "blockchain.headers.subscribe":
			var params []headerNotification
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return nil, err
			}
			if len(params) == 0 {
				return nil, fmt.Errorf("empty header notification")
			}
			return decodeHeaderNotification(params[0])

		case "blockchain.scripthash.subscribe":
			var params []*string
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return nil, err
			}
			if len(params) < 2 {
				return nil, fmt.Errorf("short scripthash notification")
			}
			var shHex, status string
			if params[0] != nil {
				shHex = *params[0]
			}
			if params[1] != nil {
				status = *params[1]
			}
			sh, err := chainhash.NewHashFromStr(shHex)
			if err != nil {
				return nil, err
			}
			return ScriptHashSubscriptionResponse{
				ScriptHash: *sh, Status: status,
			}, nil

		default:
			return nil, fmt.Errorf("unknown notification %q", msg.Method)
		}
	}

	c.pendingMtx.Lock()
	origin, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	c.pendingMtx.Unlock()
	if !ok {
		// Reply to an internal call (ping).
		return nil, nil
	}

	if msg.Error != nil {
		return ServerError{Request: origin, Reason: string(msg.Error)}, nil
	}

	switch req := origin.(type) {
	case HeaderSubscription:
		var result headerNotification
		if err := json.Unmarshal(msg.Result, &result); err != nil {
			return nil, err
		}
		return decodeHeaderNotification(result)

	case ScriptHashSubscription:
		var status *string
		if err := json.Unmarshal(msg.Result, &status); err != nil {
			return nil, err
		}
		resp := ScriptHashSubscriptionResponse{ScriptHash: req.ScriptHash}
		if status != nil {
			resp.Status = *status
		}
		return resp, nil

	case GetHeaders:
		var result blockHeadersResult
		if err := json.Unmarshal(msg.Result, &result); err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(result.Hex)
		if err != nil {
			return nil, err
		}
		headers := make([]wire.BlockHeader, result.Count)
		r := bytes.NewReader(raw)
		for i := range headers {
			if err := headers[i].Deserialize(r); err != nil {
				return nil, err
			}
		}
		return GetHeadersResponse{Start: req.Start, Headers: headers}, nil

	case GetScriptHashHistory:
		var entries []historyEntry
		if err := json.Unmarshal(msg.Result, &entries); err != nil {
			return nil, err
		}
		history := make([]HistoryItem, 0, len(entries))
		for _, entry := range entries {
			txid, err := chainhash.NewHashFromStr(entry.TxHash)
			if err != nil {
				return nil, err
			}
			history = append(history, HistoryItem{
				TxID: *txid, Height: entry.Height,
			})
		}
		return GetScriptHashHistoryResponse{
			ScriptHash: req.ScriptHash, History: history,
		}, nil

	case GetTransaction:
		var txHex string
		if err := json.Unmarshal(msg.Result, &txHex); err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(txHex)
		if err != nil {
			return nil, err
		}
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, err
		}
		return GetTransactionResponse{Tx: tx}, nil

	case GetMerkle:
		var result merkleResult
		if err := json.Unmarshal(msg.Result, &result); err != nil {
			return nil, err
		}
		merkle := make([]chainhash.Hash, len(result.Merkle))
		for i, s := range result.Merkle {
			h, err := chainhash.NewHashFromStr(s)
			if err != nil {
				return nil, err
			}
			merkle[i] = *h
		}
		return GetMerkleResponse{
			TxID:   req.TxID,
			Height: result.BlockHeight,
			Pos:    result.Pos,
			Merkle: merkle,
		}, nil

	case BroadcastTransaction:
		var txidHex string
		if err := json.Unmarshal(msg.Result, &txidHex); err != nil {
			return nil, err
		}
		txid, err := chainhash.NewHashFromStr(txidHex)
		if err != nil {
			return nil, err
		}
		return BroadcastTransactionResponse{TxID: *txid}, nil

	default:
		return nil, fmt.Errorf("reply to unknown request type %T", origin)
	}
}

func decodeHeaderNotification(n headerNotification) (Response, error) {
	raw, err := hex.DecodeString(n.Hex)
	if err != nil {
		return nil, err
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return HeaderSubscriptionResponse{Height: n.Height, Header: header}, nil
}
