// Copyright (c) 2024 The spvsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"

	"github.com/spvsuite/spvwallet/wallet"
)

const (
	defaultConfigFilename = "spvwallet.conf"
	defaultLogFilename    = "spvwallet.log"
	defaultDataDirname    = "data"
	defaultDebugLevel     = "info"
	defaultSeedFilename   = "wallet.seed"
)

var (
	defaultHomeDir    = btcutil.AppDataDir("spvwallet", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
)

// config defines the configuration options for the wallet daemon.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion      bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile       string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir          string `short:"b" long:"datadir" description:"Directory to store wallet data"`
	DebugLevel       string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	TestNet3         bool   `long:"testnet" description:"Use the test network"`
	RegressionTest   bool   `long:"regtest" description:"Use the regression test network"`
	SimNet           bool   `long:"simnet" description:"Use the simulation test network"`
	Server           string `short:"s" long:"server" description:"Electrum server to connect to (host:port)"`
	NoTLS            bool   `long:"notls" description:"Connect to the server without TLS"`
	WalletType       string `long:"wallettype" description:"Address scheme of the wallet {p2sh-segwit, native-segwit}"`
	GapLimit         int    `long:"gaplimit" description:"Number of consecutive unused keys kept on each branch"`
	DustLimit        int64  `long:"dustlimit" description:"Smallest output amount in satoshis the wallet will create"`
	MinimumFee       int64  `long:"minimumfee" description:"Floor in satoshis on the fee of a built transaction"`
	SpendUnconfirmed bool   `long:"spendunconfirmed" description:"Allow spending unconfirmed outputs"`
	CheckpointFile   string `long:"checkpointfile" description:"Path to a JSON header checkpoint list"`
	Create           bool   `long:"create" description:"Generate a new wallet seed and exit"`
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// loadConfig initializes and parses the config using a config file and
// command line options, in the btcd precedence order:
//
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, *chaincfg.Params, error) {
	cfg := config{
		ConfigFile:       defaultConfigFile,
		DataDir:          filepath.Join(defaultHomeDir, defaultDataDirname),
		DebugLevel:       defaultDebugLevel,
		WalletType:       "p2sh-segwit",
		GapLimit:         wallet.DefaultGapLimit,
		DustLimit:        int64(wallet.DefaultDustLimit),
		MinimumFee:       int64(wallet.DefaultMinimumFee),
		SpendUnconfirmed: true,
	}

	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, nil, err
	}

	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	parser := newConfigParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); err == nil {
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot parse config "+
				"file: %v", err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	params := &chaincfg.MainNetParams
	if cfg.TestNet3 {
		numNets++
		params = &chaincfg.TestNet3Params
	}
	if cfg.RegressionTest {
		numNets++
		params = &chaincfg.RegressionNetParams
	}
	if cfg.SimNet {
		numNets++
		params = &chaincfg.SimNetParams
	}
	if numNets > 1 {
		return nil, nil, fmt.Errorf("the testnet, regtest and simnet " +
			"params can't be used together -- choose one of the three")
	}

	switch cfg.WalletType {
	case "p2sh-segwit", "native-segwit":
	default:
		return nil, nil, fmt.Errorf("unknown wallet type %q", cfg.WalletType)
	}

	if cfg.Server == "" && !cfg.Create {
		return nil, nil, fmt.Errorf("no Electrum server specified, " +
			"use --server")
	}
	if cfg.GapLimit <= 0 {
		return nil, nil, fmt.Errorf("gap limit must be positive")
	}

	// Append the network name to the data directory so it is "namespaced"
	// per network.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, params.Name)

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, err
	}

	return &cfg, params, nil
}

// walletType maps the configured scheme name to the wallet type.
func (c *config) walletType() wallet.WalletType {
	if c.WalletType == "native-segwit" {
		return wallet.NativeSegWit
	}
	return wallet.P2SHSegWit
}

// seedPath is where the wallet seed lives inside the data directory.
func (c *config) seedPath() string {
	return filepath.Join(c.DataDir, defaultSeedFilename)
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
