// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

// WalletType selects the address scheme the wallet derives and spends.
type WalletType int

const (
	// P2SHSegWit wraps witness programs in P2SH (BIP49 derivation).
	P2SHSegWit WalletType = iota

	// NativeSegWit uses bare witness programs (BIP84 derivation).
	NativeSegWit
)

// String returns the wallet type as a human-readable name.
func (t WalletType) String() string {
	switch t {
	case P2SHSegWit:
		return "p2sh-segwit"
	case NativeSegWit:
		return "native-segwit"
	default:
		return fmt.Sprintf("unknown wallet type %d", int(t))
	}
}

// purpose returns the BIP43 purpose field of the derivation path.
func (t WalletType) purpose() uint32 {
	if t == NativeSegWit {
		return 84
	}
	return 49
}

// KeyChain derives the wallet's single-account BIP44-style hierarchy: the
// account branch root/0 receives, the change branch root/1 takes change.
type KeyChain struct {
	params  *chaincfg.Params
	root    *hdkeychain.ExtendedKey
	account *hdkeychain.ExtendedKey
	change  *hdkeychain.ExtendedKey
}

// NewKeyChain derives the wallet root m/purpose'/coin'/0' from a BIP39 seed.
func NewKeyChain(seed []byte, params *chaincfg.Params, walletType WalletType) (*KeyChain, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("invalid seed: %v", err)
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + walletType.purpose(),
		hdkeychain.HardenedKeyStart + params.HDCoinType,
		hdkeychain.HardenedKeyStart + 0,
	}
	root := master
	for _, child := range path {
		if root, err = root.Derive(child); err != nil {
			return nil, fmt.Errorf("cannot derive wallet root: %v", err)
		}
	}

	account, err := root.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("cannot derive account branch: %v", err)
	}
	change, err := root.Derive(1)
	if err != nil {
		return nil, fmt.Errorf("cannot derive change branch: %v", err)
	}

	return &KeyChain{
		params:  params,
		root:    root,
		account: account,
		change:  change,
	}, nil
}

// SeedFromMnemonic converts a BIP39 mnemonic and optional passphrase into
// the wallet seed, validating the mnemonic's checksum.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	return bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
}

// NewMnemonic generates a fresh 24-word BIP39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// AccountKey derives the account-branch key at the given index.
func (k *KeyChain) AccountKey(index uint32) (*hdkeychain.ExtendedKey, error) {
	return k.account.Derive(index)
}

// ChangeKey derives the change-branch key at the given index.
func (k *KeyChain) ChangeKey(index uint32) (*hdkeychain.ExtendedKey, error) {
	return k.change.Derive(index)
}

// RootPub returns the neutered wallet root, suitable for building a watching
// wallet elsewhere.
func (k *KeyChain) RootPub() (string, error) {
	neutered, err := k.root.Neuter()
	if err != nil {
		return "", err
	}
	return neutered.String(), nil
}
