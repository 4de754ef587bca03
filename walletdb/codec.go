// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletdb

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/spvsuite/spvwallet/electrum"
)

// snapshotVersion is the serialization version of the snapshot format.
const snapshotVersion = 1

// maxStatusLen bounds a single status string on deserialization.  A status
// is a hex-encoded sha256, so this is generous.
const maxStatusLen = 256

// Snapshot is the durable subset of the wallet state: everything that is
// expensive to re-derive from the server.  Keys themselves are not stored,
// only the counts; they are re-derived from the seed.
type Snapshot struct {
	AccountKeyCount     uint32
	ChangeKeyCount      uint32
	Status              map[chainhash.Hash]string
	Transactions        map[chainhash.Hash]*wire.MsgTx
	Heights             map[chainhash.Hash]int32
	History             map[chainhash.Hash][]electrum.HistoryItem
	Proofs              map[chainhash.Hash]*electrum.GetMerkleResponse
	PendingTransactions []*wire.MsgTx
	Locks               []*wire.MsgTx
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeHash(w io.Writer, h *chainhash.Hash) error {
	_, err := w.Write(h[:])
	return err
}

func readHash(r io.Reader) (chainhash.Hash, error) {
	var h chainhash.Hash
	_, err := io.ReadFull(r, h[:])
	return h, err
}

func writeTxList(w io.Writer, txs []*wire.MsgTx) error {
	if err := wire.WriteVarInt(w, 0, uint64(len(txs))); err != nil {
		return err
	}
	for _, tx := range txs {
		if err := tx.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

// readTx decodes one transaction.  The wire decoder returns empty signature
// scripts as zero-length slices; they are reset to nil so a decoded
// transaction equals the one that was serialized.
func readTx(r io.Reader) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(r); err != nil {
		return nil, err
	}
	for _, in := range tx.TxIn {
		if len(in.SignatureScript) == 0 {
			in.SignatureScript = nil
		}
	}
	return tx, nil
}

func readTxList(r io.Reader) ([]*wire.MsgTx, error) {
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	txs := make([]*wire.MsgTx, count)
	for i := range txs {
		if txs[i], err = readTx(r); err != nil {
			return nil, err
		}
	}
	return txs, nil
}

// Serialize encodes the snapshot into w using the wallet's binary snapshot
// format.
func (s *Snapshot) Serialize(w io.Writer) error {
	if _, err := w.Write([]byte{snapshotVersion}); err != nil {
		return err
	}
	if err := writeUint32(w, s.AccountKeyCount); err != nil {
		return err
	}
	if err := writeUint32(w, s.ChangeKeyCount); err != nil {
		return err
	}

	if err := wire.WriteVarInt(w, 0, uint64(len(s.Status))); err != nil {
		return err
	}
	for sh, status := range s.Status {
		sh := sh
		if err := writeHash(w, &sh); err != nil {
			return err
		}
		if err := wire.WriteVarString(w, 0, status); err != nil {
			return err
		}
	}

	if err := wire.WriteVarInt(w, 0, uint64(len(s.Transactions))); err != nil {
		return err
	}
	for _, tx := range s.Transactions {
		if err := tx.Serialize(w); err != nil {
			return err
		}
	}

	if err := wire.WriteVarInt(w, 0, uint64(len(s.Heights))); err != nil {
		return err
	}
	for txid, height := range s.Heights {
		txid := txid
		if err := writeHash(w, &txid); err != nil {
			return err
		}
		if err := writeUint32(w, uint32(height)); err != nil {
			return err
		}
	}

	if err := wire.WriteVarInt(w, 0, uint64(len(s.History))); err != nil {
		return err
	}
	for sh, items := range s.History {
		sh := sh
		if err := writeHash(w, &sh); err != nil {
			return err
		}
		if err := wire.WriteVarInt(w, 0, uint64(len(items))); err != nil {
			return err
		}
		for _, item := range items {
			item := item
			if err := writeHash(w, &item.TxID); err != nil {
				return err
			}
			if err := writeUint32(w, uint32(item.Height)); err != nil {
				return err
			}
		}
	}

	if err := wire.WriteVarInt(w, 0, uint64(len(s.Proofs))); err != nil {
		return err
	}
	for _, proof := range s.Proofs {
		if err := writeHash(w, &proof.TxID); err != nil {
			return err
		}
		if err := writeUint32(w, uint32(proof.Height)); err != nil {
			return err
		}
		if err := writeUint32(w, proof.Pos); err != nil {
			return err
		}
		if err := wire.WriteVarInt(w, 0, uint64(len(proof.Merkle))); err != nil {
			return err
		}
		for i := range proof.Merkle {
			if err := writeHash(w, &proof.Merkle[i]); err != nil {
				return err
			}
		}
	}

	if err := writeTxList(w, s.PendingTransactions); err != nil {
		return err
	}
	return writeTxList(w, s.Locks)
}

// Deserialize decodes a snapshot from r.
func (s *Snapshot) Deserialize(r io.Reader) error {
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return err
	}
	if version[0] != snapshotVersion {
		return fmt.Errorf("unknown snapshot version %d", version[0])
	}

	var err error
	if s.AccountKeyCount, err = readUint32(r); err != nil {
		return err
	}
	if s.ChangeKeyCount, err = readUint32(r); err != nil {
		return err
	}

	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}
	s.Status = make(map[chainhash.Hash]string, count)
	for i := uint64(0); i < count; i++ {
		sh, err := readHash(r)
		if err != nil {
			return err
		}
		status, err := wire.ReadVarString(r, 0)
		if err != nil {
			return err
		}
		if len(status) > maxStatusLen {
			return fmt.Errorf("status for %s exceeds %d bytes",
				sh, maxStatusLen)
		}
		s.Status[sh] = status
	}

	if count, err = wire.ReadVarInt(r, 0); err != nil {
		return err
	}
	s.Transactions = make(map[chainhash.Hash]*wire.MsgTx, count)
	for i := uint64(0); i < count; i++ {
		tx, err := readTx(r)
		if err != nil {
			return err
		}
		s.Transactions[tx.TxHash()] = tx
	}

	if count, err = wire.ReadVarInt(r, 0); err != nil {
		return err
	}
	s.Heights = make(map[chainhash.Hash]int32, count)
	for i := uint64(0); i < count; i++ {
		txid, err := readHash(r)
		if err != nil {
			return err
		}
		height, err := readUint32(r)
		if err != nil {
			return err
		}
		s.Heights[txid] = int32(height)
	}

	if count, err = wire.ReadVarInt(r, 0); err != nil {
		return err
	}
	s.History = make(map[chainhash.Hash][]electrum.HistoryItem, count)
	for i := uint64(0); i < count; i++ {
		sh, err := readHash(r)
		if err != nil {
			return err
		}
		itemCount, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return err
		}
		items := make([]electrum.HistoryItem, itemCount)
		for j := range items {
			if items[j].TxID, err = readHash(r); err != nil {
				return err
			}
			height, err := readUint32(r)
			if err != nil {
				return err
			}
			items[j].Height = int32(height)
		}
		s.History[sh] = items
	}

	if count, err = wire.ReadVarInt(r, 0); err != nil {
		return err
	}
	s.Proofs = make(map[chainhash.Hash]*electrum.GetMerkleResponse, count)
	for i := uint64(0); i < count; i++ {
		proof := &electrum.GetMerkleResponse{}
		if proof.TxID, err = readHash(r); err != nil {
			return err
		}
		height, err := readUint32(r)
		if err != nil {
			return err
		}
		proof.Height = int32(height)
		if proof.Pos, err = readUint32(r); err != nil {
			return err
		}
		branchLen, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return err
		}
		proof.Merkle = make([]chainhash.Hash, branchLen)
		for j := range proof.Merkle {
			if proof.Merkle[j], err = readHash(r); err != nil {
				return err
			}
		}
		s.Proofs[proof.TxID] = proof
	}

	if s.PendingTransactions, err = readTxList(r); err != nil {
		return err
	}
	s.Locks, err = readTxList(r)
	return err
}
