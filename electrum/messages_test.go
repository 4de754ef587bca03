// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// merkleParent hashes two nodes into their parent.
func merkleParent(left, right chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

func TestMerkleRoot(t *testing.T) {
	// A four-leaf tree:
	//
	//        root
	//       /    \
	//      ab    cd
	//     /  \  /  \
	//    a   b  c   d
	a := chainhash.Hash{0x0a}
	b := chainhash.Hash{0x0b}
	c := chainhash.Hash{0x0c}
	d := chainhash.Hash{0x0d}
	ab := merkleParent(a, b)
	cd := merkleParent(c, d)
	root := merkleParent(ab, cd)

	tests := []struct {
		name   string
		txid   chainhash.Hash
		pos    uint32
		merkle []chainhash.Hash
	}{
		{name: "leftmost leaf", txid: a, pos: 0,
			merkle: []chainhash.Hash{b, cd}},
		{name: "odd position", txid: b, pos: 1,
			merkle: []chainhash.Hash{a, cd}},
		{name: "rightmost leaf", txid: d, pos: 3,
			merkle: []chainhash.Hash{c, ab}},
	}
	for _, test := range tests {
		resp := GetMerkleResponse{
			TxID:   test.txid,
			Pos:    test.pos,
			Merkle: test.merkle,
		}
		if got := resp.Root(); got != root {
			t.Errorf("%s: root mismatch: got %s, want %s",
				test.name, got, root)
		}
	}

	// A corrupted branch yields a different root.
	bad := GetMerkleResponse{
		TxID:   a,
		Pos:    0,
		Merkle: []chainhash.Hash{b, ab},
	}
	if bad.Root() == root {
		t.Fatal("corrupted branch still produced the root")
	}

	// A single-transaction block proves itself.
	single := GetMerkleResponse{TxID: root, Pos: 0}
	if single.Root() != root {
		t.Fatal("empty branch must return the txid itself")
	}
}
