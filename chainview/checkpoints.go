// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainview

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Checkpoint anchors one retargeting period worth of headers.  A checkpoint
// at index i in a checkpoint list covers heights [i*2016, (i+1)*2016) and
// identifies the hash of the last header of that range.  NextBits is the
// difficulty target of the period that follows, which lets the first header
// above the checkpoints be verified without the full retarget window.
type Checkpoint struct {
	Height   int32
	Hash     chainhash.Hash
	NextBits uint32
}

// checkpointRecord is the on-disk JSON form of a checkpoint.  Heights are
// implied by position: record i covers the i-th retargeting period.
type checkpointRecord struct {
	Hash     string `json:"hash"`
	NextBits uint32 `json:"nextbits"`
}

// LoadCheckpoints reads an ordered checkpoint list from a JSON file.  The
// file holds an array of {hash, nextbits} records, one per retargeting
// period starting at the genesis period.
func LoadCheckpoints(path string) ([]Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var records []checkpointRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("malformed checkpoint file %s: %v", path, err)
	}

	checkpoints := make([]Checkpoint, len(records))
	for i, record := range records {
		hash, err := chainhash.NewHashFromStr(record.Hash)
		if err != nil {
			return nil, fmt.Errorf("malformed checkpoint hash %q: %v",
				record.Hash, err)
		}
		checkpoints[i] = Checkpoint{
			Height:   int32(i+1)*RetargetingPeriod - 1,
			Hash:     *hash,
			NextBits: record.NextBits,
		}
	}
	return checkpoints, nil
}

// CheckpointsForParams returns the built-in checkpoint list for a network.
// Networks without a shipped list sync from the genesis block; regtest and
// simnet never use checkpoints.
func CheckpointsForParams(params *chaincfg.Params) []Checkpoint {
	switch params.Net {
	case chaincfg.MainNetParams.Net, chaincfg.TestNet3Params.Net:
		// Deployments ship a checkpoint file and pass it through
		// LoadCheckpoints; without one the wallet verifies the whole
		// header chain starting at genesis.
		return nil
	default:
		return nil
	}
}
