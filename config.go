// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "bitcoin.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "bitcoind.log"
	defaultCheckBlocks    = 6
	defaultCheckLevel     = 1
	defaultDbCache        = 450

	// minPruneTarget is the smallest allowed automatic prune target in
	// MiB.  Anything lower cannot retain enough recent blocks to serve
	// reorganizations safely.
	minPruneTarget = 550
)

var (
	defaultHomeDir    = btcutil.AppDataDir("bitcoin", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// errSuppressUsage signifies that an error that happened while parsing the
// configuration should suppress the usage output since it was caused by an
// unexpected condition as opposed to bad configuration.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// config defines the configuration options for the node.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion       bool     `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile        string   `short:"C" long:"configfile" description:"Path to configuration file"`
	HomeDir           string   `short:"A" long:"appdata" description:"Path to application home directory"`
	DataDir           string   `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir            string   `long:"logdir" description:"Directory to log output"`
	NoFileLogging     bool     `long:"nofilelogging" description:"Disable file logging"`
	TestNet3          bool     `long:"testnet" description:"Use the test network"`
	SimNet            bool     `long:"simnet" description:"Use the simulation test network"`
	RegNet            bool     `long:"regtest" description:"Use the regression test network"`
	DebugLevel        string   `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Reindex           bool     `long:"reindex" description:"Rebuild the block index from the block files on disk"`
	ReindexChainstate bool     `long:"reindex-chainstate" description:"Rebuild the chain state from the currently indexed blocks"`
	Prune             uint64   `long:"prune" description:"Reduce storage requirements by deleting old blocks.  Value is the target size in MiB to use for block files.  Minimum 550.  0 disables pruning"`
	CheckBlocks       int      `long:"checkblocks" description:"How many recent blocks to verify at startup"`
	CheckLevel        int      `long:"checklevel" description:"How thorough the startup block verification is (0-4)"`
	FastPrune         bool     `long:"fastprune" description:"Use small block files and a small prune floor.  Testing only"`
	LoadBlock         []string `long:"loadblock" description:"Import blocks from the specified file on startup"`
	DbCache           uint64   `long:"dbcache" description:"Chain state database cache size in MiB"`
	params            params
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in the node functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig(appName string) (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:  defaultConfigFile,
		HomeDir:     defaultHomeDir,
		DataDir:     defaultDataDir,
		LogDir:      defaultLogDir,
		DebugLevel:  defaultLogLevel,
		CheckBlocks: defaultCheckBlocks,
		CheckLevel:  defaultCheckLevel,
		DbCache:     defaultDbCache,
	}

	// Pre-parse the command line options to see if an alternative config
	// file, the version flag, or a different home directory was specified.
	// Any errors aside from the help message error can be ignored here
	// since they will be caught by the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	// Update the home directory if specified.  Since the home directory is
	// updated, other variables need to be updated to reflect the new
	// location.
	if preCfg.HomeDir != "" {
		cfg.HomeDir = cleanAndExpandPath(preCfg.HomeDir)

		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir, defaultConfigFilename)
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		} else {
			cfg.DataDir = preCfg.DataDir
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	if fileExists(cfg.ConfigFile) {
		err := flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
		if err != nil {
			var e *flags.Error
			if !errors.As(err, &e) || e.Type != flags.ErrHelp {
				str := fmt.Sprintf("error parsing config file: %v", err)
				return nil, nil, errSuppressUsage(str)
			}
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	cfg.params = mainNetParams
	if cfg.TestNet3 {
		numNets++
		cfg.params = testNet3Params
	}
	if cfg.SimNet {
		numNets++
		cfg.params = simNetParams
	}
	if cfg.RegNet {
		numNets++
		cfg.params = regNetParams
	}
	if numNets > 1 {
		return nil, nil, errors.New("the testnet, simnet, and regtest " +
			"options may not be used together -- choose one of the three")
	}

	// Create the home directory if it doesn't already exist.
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		str := fmt.Sprintf("failed to create home directory: %v", err)
		return nil, nil, errSuppressUsage(str)
	}

	// Append the network type to the data directory so it is "namespaced"
	// per network.  All data is specific to a network, so namespacing the
	// data directory means each individual piece of serialized data does
	// not have to worry about changing names per network and such.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.params.Name)

	// Append the network type to the log directory so it is "namespaced"
	// per network in the same fashion as the data directory.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After the log rotation has been
	// initialized, the logger variables may be used.
	if !cfg.NoFileLogging {
		initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, fmt.Errorf("%v -- use --debuglevel=show to list "+
			"supported subsystems", err)
	}

	// Enforce the prune floor.  A target below the floor cannot retain
	// enough recent blocks to handle reorganizations safely.  The floor is
	// waived under fastprune since that mode exists precisely to exercise
	// pruning with tiny amounts of data.
	if cfg.Prune != 0 && cfg.Prune < minPruneTarget && !cfg.FastPrune {
		str := "the prune target must be at least %d MiB -- parsed [%d]"
		return nil, nil, fmt.Errorf(str, minPruneTarget, cfg.Prune)
	}

	// A full reindex subsumes a chainstate-only reindex.
	if cfg.Reindex && cfg.ReindexChainstate {
		cfg.ReindexChainstate = false
	}

	// Validate the startup verification knobs.
	if cfg.CheckBlocks < 0 {
		str := "checkblocks must not be negative -- parsed [%d]"
		return nil, nil, fmt.Errorf(str, cfg.CheckBlocks)
	}
	if cfg.CheckLevel < 0 || cfg.CheckLevel > 4 {
		str := "checklevel must be between 0 and 4 -- parsed [%d]"
		return nil, nil, fmt.Errorf(str, cfg.CheckLevel)
	}

	// Expand the block import file paths.
	for i, path := range cfg.LoadBlock {
		cfg.LoadBlock[i] = cleanAndExpandPath(path)
	}

	return &cfg, remainingArgs, nil
}
