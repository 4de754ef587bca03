// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/spvsuite/spvwallet/chainview"
	"github.com/spvsuite/spvwallet/electrum"
	"github.com/spvsuite/spvwallet/wallet"
	"github.com/spvsuite/spvwallet/walletdb"
)

const appName = "spvwallet"

// semanticVersion is the daemon version reported by --version.
const semanticVersion = "0.1.0"

func version() string {
	return semanticVersion
}

const (
	// reconnectBackoffMin is the initial delay before redialing a dead
	// server connection; the delay doubles up to reconnectBackoffMax.
	reconnectBackoffMin = time.Second
	reconnectBackoffMax = time.Minute
)

// createWallet generates a fresh mnemonic, derives the seed and stores it in
// the data directory.  The mnemonic is printed exactly once.
func createWallet(cfg *config) error {
	if _, err := os.Stat(cfg.seedPath()); err == nil {
		return fmt.Errorf("wallet seed already exists at %s", cfg.seedPath())
	}

	mnemonic, err := wallet.NewMnemonic()
	if err != nil {
		return err
	}
	seed, err := wallet.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}
	err = os.WriteFile(cfg.seedPath(), []byte(hex.EncodeToString(seed)), 0600)
	if err != nil {
		return err
	}

	fmt.Println("Your wallet generation seed is:")
	fmt.Println()
	fmt.Println(mnemonic)
	fmt.Println()
	fmt.Println("Write it down and keep it somewhere safe. It will not be " +
		"shown again.")
	return nil
}

// readSeed loads the stored wallet seed.
func readSeed(cfg *config) ([]byte, error) {
	raw, err := os.ReadFile(cfg.seedPath())
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("no wallet found at %s, create one with "+
			"--create", cfg.seedPath())
	}
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(string(raw)))
}

// connectLoop keeps one live server connection bound to the wallet, dialing
// with exponential backoff and redialing whenever the connection dies.
func connectLoop(cfg *config, mgr *wallet.Manager, quit <-chan struct{}) {
	var tlsConfig *tls.Config
	if !cfg.NoTLS {
		// Electrum servers overwhelmingly use self-signed
		// certificates; the header chain and merkle proofs are what
		// the wallet actually trusts.
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	backoff := reconnectBackoffMin
	for {
		select {
		case <-quit:
			return
		default:
		}

		dead := make(chan struct{})
		client, err := electrum.Dial(electrum.ClientConfig{
			Addr:      cfg.Server,
			TLSConfig: tlsConfig,
			Handler: func(resp electrum.Response) {
				if _, ok := resp.(electrum.Disconnected); ok {
					close(dead)
				}
				mgr.HandleResponse(resp)
			},
		})
		if err != nil {
			spvwLog.Warnf("Cannot reach %s: %v, retrying in %v",
				cfg.Server, err, backoff)
			select {
			case <-time.After(backoff):
			case <-quit:
				return
			}
			if backoff *= 2; backoff > reconnectBackoffMax {
				backoff = reconnectBackoffMax
			}
			continue
		}

		spvwLog.Infof("Connected to %s", cfg.Server)
		backoff = reconnectBackoffMin
		mgr.BindConn(client)

		select {
		case <-dead:
			spvwLog.Warnf("Connection to %s lost", cfg.Server)
		case <-quit:
			client.Close()
			return
		}
	}
}

// logEvents drains the wallet event bus into the daemon log.
func logEvents(events <-chan wallet.Event, quit <-chan struct{}) {
	for {
		select {
		case event := <-events:
			switch e := event.(type) {
			case wallet.WalletReady:
				spvwLog.Infof("Ready: %v confirmed, %v unconfirmed, "+
					"tip %d", e.Confirmed, e.Unconfirmed, e.TipHeight)
			case wallet.NewReceiveAddress:
				spvwLog.Infof("Receive address: %s", e.Address)
			case wallet.TransactionReceived:
				spvwLog.Infof("Transaction %s: received %v, sent %v",
					e.Tx.TxHash(), e.Received, e.Sent)
			case wallet.TransactionConfidenceChanged:
				spvwLog.Debugf("Transaction %s now at depth %d",
					e.TxID, e.Depth)
			}
		case <-quit:
			return
		}
	}
}

// walletMain is the real main function for the daemon.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func walletMain() error {
	cfg, params, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Create {
		return createWallet(cfg)
	}

	initLogRotator(filepath.Join(cfg.DataDir, defaultLogFilename))
	defer logRotator.Close()

	seed, err := readSeed(cfg)
	if err != nil {
		return err
	}

	checkpoints := chainview.CheckpointsForParams(params)
	if cfg.CheckpointFile != "" {
		checkpoints, err = chainview.LoadCheckpoints(cfg.CheckpointFile)
		if err != nil {
			return err
		}
	}

	store, err := walletdb.Open(filepath.Join(cfg.DataDir, "walletdb"))
	if err != nil {
		return err
	}
	defer store.Close()

	bus := wallet.NewChanPublisher(64)
	mgr, err := wallet.New(&wallet.Config{
		ChainParams:           params,
		WalletType:            cfg.walletType(),
		Seed:                  seed,
		Store:                 store,
		Publisher:             bus,
		Checkpoints:           checkpoints,
		GapLimit:              cfg.GapLimit,
		DustLimit:             btcutil.Amount(cfg.DustLimit),
		MinimumFee:            btcutil.Amount(cfg.MinimumFee),
		AllowSpendUnconfirmed: cfg.SpendUnconfirmed,
	})
	if err != nil {
		return err
	}

	quit := make(chan struct{})
	go logEvents(bus.C, quit)

	mgr.Start()
	defer mgr.Stop()
	go connectLoop(cfg, mgr, quit)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	spvwLog.Info("Shutting down...")
	close(quit)
	return nil
}

func main() {
	if err := walletMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
