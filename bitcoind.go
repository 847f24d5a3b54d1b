// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/jamesob/bitcoin/internal/blockchain"
)

var cfg *config

// storeNotifications routes block storage failure notifications to the main
// log.  A fatal error additionally requests a node shutdown since block
// storage can no longer be trusted.
type storeNotifications struct{}

func (storeNotifications) FlushError(msg string) {
	btcdLog.Errorf("Error flushing block storage metadata: %s", msg)
}

func (storeNotifications) FatalError(msg string) {
	btcdLog.Criticalf("Fatal block storage error: %s", msg)
	select {
	case shutdownRequestChannel <- struct{}{}:
	default:
	}
}

// logLoadChainstateError logs a bootstrap failure along with the remedy
// available to the user when one exists.
func logLoadChainstateError(err error) {
	btcdLog.Errorf("%v", err)
	switch {
	case errors.Is(err, blockchain.ErrBadGenesisBlock):
		btcdLog.Error("The block index does not belong to this network.  " +
			"Check that the data directory is correct")
	case errors.Is(err, blockchain.ErrPrunedNeedsReindex):
		btcdLog.Error("Restart with --reindex to rebuild the block " +
			"index, or re-enable pruning with --prune")
	case errors.Is(err, blockchain.ErrBlocksWitnessInsufficientlyValidated):
		btcdLog.Error("Restart with --reindex to redownload and " +
			"revalidate the affected blocks")
	case errors.Is(err, blockchain.ErrCorruptedBlockDB):
		btcdLog.Error("Restart with --reindex to recover from block " +
			"database corruption")
	case errors.Is(err, blockchain.ErrBlockFromFuture):
		btcdLog.Error("The chain tip appears to be from the future.  " +
			"Check that your computer's date and time are correct")
	}
}

// btcdMain is the real main function for the node.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is called.
func btcdMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	tcfg, remainingArgs, err := loadConfig(appName)
	if err != nil {
		usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()
	if len(remainingArgs) > 0 {
		err := fmt.Errorf("unexpected argument: %s", remainingArgs[0])
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	// Get a context that will be canceled when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem such as the block storage failure handler.
	ctx := shutdownListener()
	defer btcdLog.Info("Shutdown complete")

	// Show version and home dir at startup.
	btcdLog.Infof("Version %s (Go version %s %s/%s)", version(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	btcdLog.Infof("Home dir: %s", cfg.HomeDir)
	if cfg.NoFileLogging {
		btcdLog.Info("File logging disabled")
	}

	// Block processing can cause bursty allocations.  Impose a soft upper
	// memory limit that leaves plenty of headroom for the chain state cache
	// so the garbage collector does not excessively overallocate during
	// bursts.
	const memLimitBase = (15 * (1 << 30)) / 10 // 1.5 GiB
	softMemLimit := int64(memLimitBase)
	if cfg.DbCache > defaultDbCache {
		softMemLimit += int64(cfg.DbCache-defaultDbCache) * (1 << 20)
	}
	debug.SetMemoryLimit(softMemLimit)
	btcdLog.Infof("Soft memory limit: %d MiB", softMemLimit>>20)

	// Return now if a shutdown signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	// Load the block tree database.
	db, err := loadBlockTreeDB()
	if err != nil {
		btcdLog.Errorf("%v", err)
		return err
	}
	defer func() {
		// Ensure the database is sync'd and closed on shutdown.
		btcdLog.Infof("Gracefully shutting down the block index database...")
		db.Close()
	}()

	// Return now if a shutdown signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	// Create the block store over the flat block files and the block tree
	// database.
	store, err := blockchain.NewBlockStore(&blockchain.BlockStoreConfig{
		Params:        cfg.params.Params,
		DB:            db,
		BlocksDir:     filepath.Join(cfg.DataDir, blocksDirname),
		PruneTarget:   cfg.Prune * 1024 * 1024,
		FastPrune:     cfg.FastPrune,
		Notifications: storeNotifications{},
	})
	if err != nil {
		btcdLog.Errorf("%v", err)
		return err
	}

	manager := blockchain.NewChainManager(&blockchain.ChainManagerConfig{
		Params:           cfg.params.Params,
		Store:            store,
		PruneAfterHeight: cfg.params.pruneAfterHeight,
	})
	defer manager.Close()

	// Sequence the chainstates through startup.  Failures are mapped to the
	// remedy available to the user where one exists.
	opts := &blockchain.LoadChainstateOptions{
		Reset:             cfg.Reindex,
		ReindexChainstate: cfg.ReindexChainstate,
		CoinsViews:        openCoinsView,
		CoinsCacheSize:    cfg.DbCache << 20,
		CheckBlocks:       cfg.CheckBlocks,
		CheckLevel:        cfg.CheckLevel,
	}
	if err := manager.LoadChainstate(ctx, opts); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		logLoadChainstateError(err)
		return err
	}
	if err := manager.VerifyChainstate(ctx, opts); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		logLoadChainstateError(err)
		return err
	}

	// Remove any block files a crash left behind after their prune was
	// already recorded.
	if store.HavePruned() {
		store.ScanAndUnlinkAlreadyPrunedFiles()
	}

	// Return now if a shutdown signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	// Rebuild the block index from the files on disk when a reindex is in
	// progress and import any externally supplied block files.
	if manager.Reindexing() || len(cfg.LoadBlock) > 0 {
		err := manager.ImportBlocks(ctx, nil, cfg.LoadBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			btcdLog.Errorf("Unable to import blocks: %v", err)
			return err
		}
	}

	// Persist everything the bootstrap produced.
	chainstates := manager.Chainstates()
	if len(chainstates) > 0 {
		if err := manager.FlushStateToDisk(chainstates[0], false, 0); err != nil {
			btcdLog.Errorf("Unable to flush block storage metadata: %v", err)
			return err
		}
	}

	bestHash, bestHeight := manager.BestHeader()
	btcdLog.Infof("Node bootstrap complete, best header %s (height %d)",
		bestHash, bestHeight)

	// Block until the context is cancelled which happens when the interrupt
	// signal is received from an OS signal or shutdown is requested through
	// one of the subsystems.
	<-ctx.Done()

	// Flush dirty storage metadata on the way out.
	if len(chainstates) > 0 {
		if err := manager.FlushStateToDisk(chainstates[0], false, 0); err != nil {
			btcdLog.Errorf("Unable to flush block storage metadata: %v", err)
		}
	}
	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := btcdMain(); err != nil {
		os.Exit(1)
	}
}
