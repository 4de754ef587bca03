// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Scheme is the address-scheme strategy: everything that differs between a
// P2SH-wrapped and a native segwit wallet.  The rest of the wallet is
// parametric over it.
type Scheme interface {
	// Address renders the public key as an address of the scheme.
	Address(pub *btcec.PublicKey) (btcutil.Address, error)

	// PkScript returns the output script paying to the public key.
	PkScript(pub *btcec.PublicKey) ([]byte, error)

	// Nested reports whether the scheme's inputs are P2SH-nested, which
	// changes their weight and their scriptSig.
	Nested() bool

	// SignInput signs input idx of tx, which spends value satoshis from
	// an output paying to priv's public key, and attaches the witness
	// (and scriptSig for nested schemes).
	SignInput(tx *wire.MsgTx, idx int, value int64,
		hashes *txscript.TxSigHashes, priv *btcec.PrivateKey) error

	// ExtractPubKey recovers the public key from a spending input of the
	// scheme's form.  The bool is false when the input has another form.
	ExtractPubKey(in *wire.TxIn) (*btcec.PublicKey, bool)
}

// NewScheme returns the strategy for a wallet type.
func NewScheme(walletType WalletType, params *chaincfg.Params) Scheme {
	if walletType == NativeSegWit {
		return &nativeSegWitScheme{params: params}
	}
	return &p2shSegWitScheme{params: params}
}

// ScriptHashForScript computes the subscription key of an output script:
// its single SHA256.  chainhash.Hash renders hashes byte-reversed, which is
// exactly the hex form the server indexes by.
func ScriptHashForScript(pkScript []byte) chainhash.Hash {
	return chainhash.Hash(sha256.Sum256(pkScript))
}

// witnessProgram returns the P2WPKH witness program of a public key.
func witnessProgram(pub *btcec.PublicKey) []byte {
	keyHash := btcutil.Hash160(pub.SerializeCompressed())
	// OP_0 <20-byte key hash>
	program := make([]byte, 0, 22)
	program = append(program, txscript.OP_0, txscript.OP_DATA_20)
	program = append(program, keyHash...)
	return program
}

// nativeSegWitScheme pays to and spends bare P2WPKH outputs.
type nativeSegWitScheme struct {
	params *chaincfg.Params
}

func (s *nativeSegWitScheme) Address(pub *btcec.PublicKey) (btcutil.Address, error) {
	keyHash := btcutil.Hash160(pub.SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(keyHash, s.params)
}

func (s *nativeSegWitScheme) PkScript(pub *btcec.PublicKey) ([]byte, error) {
	return witnessProgram(pub), nil
}

func (s *nativeSegWitScheme) Nested() bool { return false }

func (s *nativeSegWitScheme) SignInput(tx *wire.MsgTx, idx int, value int64,
	hashes *txscript.TxSigHashes, priv *btcec.PrivateKey) error {

	program, err := s.PkScript(priv.PubKey())
	if err != nil {
		return err
	}
	witness, err := txscript.WitnessSignature(tx, hashes, idx, value,
		program, txscript.SigHashAll, priv, true)
	if err != nil {
		return err
	}
	tx.TxIn[idx].Witness = witness
	return nil
}

func (s *nativeSegWitScheme) ExtractPubKey(in *wire.TxIn) (*btcec.PublicKey, bool) {
	if len(in.SignatureScript) != 0 || len(in.Witness) != 2 {
		return nil, false
	}
	pub, err := btcec.ParsePubKey(in.Witness[1])
	if err != nil {
		return nil, false
	}
	return pub, true
}

// p2shSegWitScheme pays to and spends P2SH-wrapped P2WPKH outputs.
type p2shSegWitScheme struct {
	params *chaincfg.Params
}

func (s *p2shSegWitScheme) Address(pub *btcec.PublicKey) (btcutil.Address, error) {
	return btcutil.NewAddressScriptHash(witnessProgram(pub), s.params)
}

func (s *p2shSegWitScheme) PkScript(pub *btcec.PublicKey) ([]byte, error) {
	addr, err := s.Address(pub)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func (s *p2shSegWitScheme) Nested() bool { return true }

func (s *p2shSegWitScheme) SignInput(tx *wire.MsgTx, idx int, value int64,
	hashes *txscript.TxSigHashes, priv *btcec.PrivateKey) error {

	program := witnessProgram(priv.PubKey())
	witness, err := txscript.WitnessSignature(tx, hashes, idx, value,
		program, txscript.SigHashAll, priv, true)
	if err != nil {
		return err
	}
	sigScript, err := txscript.NewScriptBuilder().AddData(program).Script()
	if err != nil {
		return err
	}
	tx.TxIn[idx].Witness = witness
	tx.TxIn[idx].SignatureScript = sigScript
	return nil
}

func (s *p2shSegWitScheme) ExtractPubKey(in *wire.TxIn) (*btcec.PublicKey, bool) {
	// The scriptSig must be a single push of the 22-byte witness program.
	if len(in.SignatureScript) != 23 || in.SignatureScript[0] != txscript.OP_DATA_22 {
		return nil, false
	}
	if len(in.Witness) != 2 {
		return nil, false
	}
	pub, err := btcec.ParsePubKey(in.Witness[1])
	if err != nil {
		return nil, false
	}
	return pub, true
}
