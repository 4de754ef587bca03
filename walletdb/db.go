// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package walletdb provides the durable storage for the wallet: an
// append-only header store keyed by height and a single snapshot slot
// holding the serialized wallet state.
package walletdb

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

var (
	// headerKeyPrefix prefixes the per-height header records.
	headerKeyPrefix = []byte("h")

	// snapshotKey is the single slot the wallet snapshot lives under.
	snapshotKey = []byte("snapshot")
)

// Store is the persistence interface the wallet consumes.  Header writes are
// atomic per batch; the snapshot slot is last-writer-wins with an atomic
// replace.
type Store interface {
	// PersistSnapshot atomically replaces the wallet snapshot.
	PersistSnapshot(snapshot *Snapshot) error

	// ReadSnapshot returns the stored snapshot, or nil when none has been
	// persisted yet.
	ReadSnapshot() (*Snapshot, error)

	// PutHeaders stores a contiguous run of headers starting at the given
	// height in a single atomic batch.
	PutHeaders(start int32, headers []wire.BlockHeader) error

	// GetHeader returns the header stored at the given height.
	GetHeader(height int32) (wire.BlockHeader, bool, error)

	// GetHeaders returns up to limit contiguous headers starting at the
	// given height, stopping early at the first gap.
	GetHeaders(start int32, limit int) ([]wire.BlockHeader, error)

	// Close releases the underlying database.
	Close() error
}

// LevelStore implements Store on top of goleveldb.
type LevelStore struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) a wallet database at the given path.
func Open(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	log.Infof("Wallet database loaded from %s", path)
	return &LevelStore{db: db}, nil
}

// OpenMem opens an in-memory wallet database, used in tests.
func OpenMem() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db}, nil
}

// Close implements the Store interface.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

// headerKey returns the database key for the header at the given height.
func headerKey(height int32) []byte {
	key := make([]byte, 1+4)
	copy(key, headerKeyPrefix)
	binary.BigEndian.PutUint32(key[1:], uint32(height))
	return key
}

// PersistSnapshot implements the Store interface.
func (s *LevelStore) PersistSnapshot(snapshot *Snapshot) error {
	var buf bytes.Buffer
	if err := snapshot.Serialize(&buf); err != nil {
		return err
	}
	return s.db.Put(snapshotKey, buf.Bytes(), nil)
}

// ReadSnapshot implements the Store interface.
func (s *LevelStore) ReadSnapshot() (*Snapshot, error) {
	raw, err := s.db.Get(snapshotKey, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snapshot := &Snapshot{}
	if err := snapshot.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// PutHeaders implements the Store interface.
func (s *LevelStore) PutHeaders(start int32, headers []wire.BlockHeader) error {
	batch := new(leveldb.Batch)
	for i := range headers {
		var buf bytes.Buffer
		if err := headers[i].Serialize(&buf); err != nil {
			return err
		}
		batch.Put(headerKey(start+int32(i)), buf.Bytes())
	}
	err := s.db.Write(batch, nil)
	if err == nil {
		log.Debugf("Stored %d headers starting at height %d",
			len(headers), start)
	}
	return err
}

// GetHeader implements the Store interface.
func (s *LevelStore) GetHeader(height int32) (wire.BlockHeader, bool, error) {
	var header wire.BlockHeader
	raw, err := s.db.Get(headerKey(height), nil)
	if err == leveldb.ErrNotFound {
		return header, false, nil
	}
	if err != nil {
		return header, false, err
	}
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return header, false, err
	}
	return header, true, nil
}

// GetHeaders implements the Store interface.
func (s *LevelStore) GetHeaders(start int32, limit int) ([]wire.BlockHeader, error) {
	headers := make([]wire.BlockHeader, 0, limit)
	for i := 0; i < limit; i++ {
		header, ok, err := s.GetHeader(start + int32(i))
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		headers = append(headers, header)
	}
	return headers, nil
}
