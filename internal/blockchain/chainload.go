// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/jamesob/bitcoin/internal/flatfile"
	"github.com/jamesob/bitcoin/internal/treedb"
)

// futureTipWindow is how far into the future a loaded chain tip's timestamp
// may lie before the block database is considered to be from the future,
// which usually indicates a clock problem or foreign data directory.
const futureTipWindow = 2 * time.Hour

// maxTipAge is the age beyond which a chain tip is considered stale enough
// that the node is still performing its initial sync.
const maxTipAge = 24 * time.Hour

// ChainstateRole identifies how a chainstate arrived at its UTXO set.
type ChainstateRole int

// The available chainstate roles.
const (
	// RoleNormal identifies a chainstate built by fully validating every
	// block from genesis.
	RoleNormal ChainstateRole = iota

	// RoleAssumedValid identifies a chainstate bootstrapped from a UTXO
	// snapshot whose history below the snapshot base is validated in the
	// background by a normal chainstate.
	RoleAssumedValid
)

// String returns the chainstate role as a human-readable string.
func (r ChainstateRole) String() string {
	switch r {
	case RoleNormal:
		return "normal"
	case RoleAssumedValid:
		return "assumedvalid"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// BlockfileType returns the block file cursor type the chainstate's blocks
// are written through.
func (r ChainstateRole) BlockfileType() BlockfileType {
	if r == RoleAssumedValid {
		return BlockfileAssumed
	}
	return BlockfileNormal
}

// CoinsView is the interface the bootstrap sequencer requires from a UTXO set
// database.  The sequencer never interprets UTXO contents; it only drives the
// view through the startup stages and asks it which block it considers best.
type CoinsView interface {
	// BestBlock returns the hash of the block the view's UTXO set is built
	// up to.  A zero hash means the view has never been written.
	BestBlock() (chainhash.Hash, error)

	// Upgrade migrates the view from any stale on-disk format.  It must be
	// a no-op when the format is current and abandon work when the context
	// is canceled.
	Upgrade(ctx context.Context) error

	// ReplayBlocks reapplies any blocks that were only partially applied
	// during an unclean shutdown.
	ReplayBlocks(ctx context.Context) error

	// InitCache sizes the view's in-memory cache.
	InitCache(sizeBytes uint64)

	// NeedsRedownload returns whether blocks applied to the view were
	// validated under rules that no longer suffice, requiring the chain to
	// be downloaded again.
	NeedsRedownload() (bool, error)

	// Close releases the view's resources.
	Close() error
}

// Chainstate pairs a coins view with the block index entry it is built up to.
type Chainstate struct {
	role ChainstateRole
	view CoinsView
	tip  *blockNode
}

// Role returns how the chainstate arrived at its UTXO set.
func (cs *Chainstate) Role() ChainstateRole {
	return cs.role
}

// CoinsView returns the chainstate's UTXO view.
func (cs *Chainstate) CoinsView() CoinsView {
	return cs.view
}

// TipHeight returns the height of the chainstate's tip, or -1 when the
// chainstate is empty.
func (cs *Chainstate) TipHeight() int32 {
	if cs.tip == nil {
		return -1
	}
	return cs.tip.height
}

// TipHash returns the hash of the chainstate's tip, or nil when the
// chainstate is empty.
func (cs *Chainstate) TipHash() *chainhash.Hash {
	if cs.tip == nil {
		return nil
	}
	hash := cs.tip.hash
	return &hash
}

// LoadChainstateOptions houses the caller's choices for a bootstrap attempt.
type LoadChainstateOptions struct {
	// Reset requests a full reindex: the durable block index is considered
	// stale and will be rebuilt from the block files on disk.
	Reset bool

	// ReindexChainstate requests rebuilding only the UTXO sets from the
	// already-indexed block files.
	ReindexChainstate bool

	// CoinsViews constructs the coins view for each required chainstate
	// role.
	CoinsViews func(role ChainstateRole) (CoinsView, error)

	// CoinsCacheSize is the in-memory cache size handed to each view.
	CoinsCacheSize uint64

	// CheckBlocks is how many recent blocks VerifyChainstate examines.
	CheckBlocks int

	// CheckLevel is how thoroughly VerifyChainstate examines each block.
	// Level 0 reads and hash-checks block data; level 1 and above also
	// verifies undo data checksums.
	CheckLevel int

	// AdjustedTime returns the node's notion of the current time.  It
	// defaults to time.Now.
	AdjustedTime func() time.Time
}

// ChainManagerConfig houses the configuration for a chain manager.
type ChainManagerConfig struct {
	// Params identifies the network.
	Params *chaincfg.Params

	// Store is the block store the manager drives.
	Store *BlockStore

	// Snapshot describes the UTXO snapshot the assumed-valid chainstate was
	// created from, or nil when no snapshot is in use.
	Snapshot *SnapshotMeta

	// PruneAfterHeight is the height below which automatic pruning never
	// activates, giving a young chain time to accumulate enough files for
	// pruning to be meaningful.
	PruneAfterHeight uint32
}

// ChainManager owns the block store and the set of chainstates built over it
// and sequences them through startup.  A failed bootstrap attempt leaves the
// manager unusable; the caller constructs a fresh manager, store, and database
// handle for any retry with different options.
type ChainManager struct {
	params           *chaincfg.Params
	store            *BlockStore
	snapshot         *SnapshotMeta
	pruneAfterHeight uint32

	reindexing  bool
	chainstates []*Chainstate
}

// NewChainManager returns a chain manager for the provided configuration.
func NewChainManager(cfg *ChainManagerConfig) *ChainManager {
	return &ChainManager{
		params:           cfg.Params,
		store:            cfg.Store,
		snapshot:         cfg.Snapshot,
		pruneAfterHeight: cfg.PruneAfterHeight,
	}
}

// BlockStore returns the block store the manager drives.
func (m *ChainManager) BlockStore() *BlockStore {
	return m.store
}

// Chainstates returns the chainstates created by LoadChainstate, ordered with
// the fully-validating chainstate first.
func (m *ChainManager) Chainstates() []*Chainstate {
	return m.chainstates
}

// Reindexing returns whether a reindex is pending or in progress.
func (m *ChainManager) Reindexing() bool {
	return m.reindexing
}

// BestHeader returns the hash and height of the most-work header that is not
// known to be invalid.  The height is -1 when the index is empty.
func (m *ChainManager) BestHeader() (chainhash.Hash, int32) {
	best := m.store.index.BestHeader()
	if best == nil {
		return chainhash.Hash{}, -1
	}
	return best.hash, best.height
}

// LoadChainstate runs the chainstate bootstrap sequence: it loads the durable
// block index, enforces datadir invariants, ensures the genesis block is on
// disk, and brings up a coins view for every required chainstate role.  The
// stages run in a fixed order and the sequence stops at the first failure,
// returning an error whose kind identifies the failed stage so the caller can
// offer the matching remedy.  The context cancels the sequence between and
// within stages.
func (m *ChainManager) LoadChainstate(ctx context.Context, opts *LoadChainstateOptions) error {
	// A requested reindex is recorded durably before anything else so that a
	// crash mid-reindex resumes it on the next start.  In prune mode the
	// blocks directory is scrubbed of files the rebuild cannot use.
	if opts.Reset {
		if err := m.store.db.WriteReindexing(true); err != nil {
			str := fmt.Sprintf("unable to record reindex marker: %v", err)
			return makeError(ErrLoadingBlockDB, str)
		}
		m.reindexing = true
		if m.store.IsPruneMode() {
			m.store.CleanupBlockRevFiles()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	log.Infof("Loading block index...")
	if err := m.store.LoadBlockIndexDB(m.snapshot); err != nil {
		str := fmt.Sprintf("error loading block database: %v", err)
		return makeError(ErrLoadingBlockDB, str)
	}
	if !m.reindexing {
		reindexing, err := m.store.db.ReadReindexing()
		if err != nil {
			str := fmt.Sprintf("unable to read reindex marker: %v", err)
			return makeError(ErrLoadingBlockDB, str)
		}
		m.reindexing = reindexing
	}

	// A non-empty index that lacks this network's genesis block means the
	// data directory belongs to a different network.  This is never repaired
	// automatically.
	bi := m.store.index
	bi.RLock()
	indexEmpty := len(bi.index) == 0
	bi.RUnlock()
	if !indexEmpty && bi.LookupNode(m.params.GenesisHash) == nil {
		return makeError(ErrBadGenesisBlock, "block index does not contain "+
			"the genesis block of this network; wrong data directory?")
	}

	// Block files pruned on a previous run cannot serve a non-pruning node
	// since the deleted history is gone.  Require an explicit reindex.
	if m.store.HavePruned() && !m.store.IsPruneMode() {
		return makeError(ErrPrunedNeedsReindex, "block files were pruned on "+
			"a previous run; a reindex is required to disable pruning")
	}

	// Make sure the genesis block is stored unless a pending reindex will
	// rebuild the files anyway.
	if !m.reindexing {
		if err := m.LoadGenesisBlock(); err != nil {
			str := fmt.Sprintf("unable to load genesis block: %v", err)
			return makeError(ErrLoadGenesisBlockFailed, str)
		}
	}

	roles := []ChainstateRole{RoleNormal}
	if m.snapshot != nil {
		roles = append(roles, RoleAssumedValid)
	}
	m.chainstates = nil
	for _, role := range roles {
		if err := ctx.Err(); err != nil {
			return err
		}

		view, err := opts.CoinsViews(role)
		if err != nil {
			str := fmt.Sprintf("unable to open coins view for %v "+
				"chainstate: %v", role, err)
			return makeError(ErrBlockDBOpenFailed, str)
		}
		cs := &Chainstate{role: role, view: view}
		m.chainstates = append(m.chainstates, cs)

		if err := view.Upgrade(ctx); err != nil {
			str := fmt.Sprintf("unable to upgrade %v chainstate database: %v",
				role, err)
			return makeError(ErrChainstateUpgradeFailed, str)
		}
		if err := view.ReplayBlocks(ctx); err != nil {
			str := fmt.Sprintf("unable to replay blocks for %v chainstate: %v",
				role, err)
			return makeError(ErrReplayBlocksFailed, str)
		}
		view.InitCache(opts.CoinsCacheSize)

		// An empty view, or one the caller asked to rebuild, has no tip to
		// load yet.
		best, err := view.BestBlock()
		if err != nil {
			str := fmt.Sprintf("unable to read best block of %v "+
				"chainstate: %v", role, err)
			return makeError(ErrLoadChainTipFailed, str)
		}
		viewEmpty := opts.Reset || opts.ReindexChainstate || best == *zeroHash
		if viewEmpty {
			continue
		}

		tip := m.store.index.LookupNode(&best)
		if tip == nil {
			str := fmt.Sprintf("%v chainstate best block %s is not in the "+
				"block index", role, best)
			return makeError(ErrLoadChainTipFailed, str)
		}
		cs.tip = tip
		log.Infof("Loaded %v chainstate at height %d (%s)", role, tip.height,
			tip.hash)
	}

	// Blocks validated under rules that no longer suffice have to be
	// downloaded again, unless a reset will do that regardless.
	if !opts.Reset {
		for _, cs := range m.chainstates {
			redownload, err := cs.view.NeedsRedownload()
			if err != nil {
				str := fmt.Sprintf("unable to determine witness validation "+
					"state of %v chainstate: %v", cs.role, err)
				return makeError(ErrBlocksWitnessInsufficientlyValidated, str)
			}
			if redownload {
				str := fmt.Sprintf("witness data for blocks applied to the "+
					"%v chainstate was not validated under current rules "+
					"and must be downloaded again", cs.role)
				return makeError(ErrBlocksWitnessInsufficientlyValidated, str)
			}
		}
	}
	return nil
}

// VerifyChainstate sanity checks every loaded chainstate: the tip must not
// claim to be from the future, and the most recent blocks below each tip must
// read back intact from disk.  It must be called after a successful
// LoadChainstate.
func (m *ChainManager) VerifyChainstate(ctx context.Context, opts *LoadChainstateOptions) error {
	adjustedTime := opts.AdjustedTime
	if adjustedTime == nil {
		adjustedTime = time.Now
	}

	for _, cs := range m.chainstates {
		if cs.tip == nil {
			continue
		}

		if cs.tip.timestamp > adjustedTime().Add(futureTipWindow).Unix() {
			str := fmt.Sprintf("%v chainstate tip %s has a timestamp from "+
				"the future", cs.role, cs.tip.hash)
			return makeError(ErrBlockFromFuture, str)
		}

		err := m.verifyDB(ctx, cs, opts.CheckLevel, opts.CheckBlocks)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			str := fmt.Sprintf("corrupted block database detected while "+
				"verifying the %v chainstate: %v", cs.role, err)
			return makeError(ErrCorruptedBlockDB, str)
		}
	}
	return nil
}

// verifyDB reads back the most recent blocks below the chainstate tip and
// fails on any block whose stored data does not match the index.  At check
// level 1 and above, undo data checksums are verified as well.  In prune mode
// the walk stops at the pruned boundary rather than flagging removed history.
func (m *ChainManager) verifyDB(ctx context.Context, cs *Chainstate, checkLevel, checkBlocks int) error {
	if checkBlocks <= 0 || cs.tip == nil {
		return nil
	}
	log.Infof("Verifying last %d blocks at level %d...", checkBlocks,
		checkLevel)

	bi := m.store.index
	checked := 0
	for node := cs.tip; node != nil && checked < checkBlocks; {
		if err := ctx.Err(); err != nil {
			return err
		}

		bi.RLock()
		haveData := node.status.HaveData()
		haveUndo := node.status.HaveUndo()
		height := node.height
		parent := node.parent
		bi.RUnlock()

		if m.store.IsPruneMode() && !haveData {
			log.Infof("Block verification stopping at height %d (no data, "+
				"pruning)", height)
			break
		}

		if _, err := m.store.ReadBlock(node); err != nil {
			return err
		}
		if checkLevel >= 1 && haveUndo {
			if _, err := m.store.UndoReadFromDisk(node); err != nil {
				return err
			}
		}

		checked++
		node = parent
	}

	log.Infof("Block verification completed (%d blocks checked)", checked)
	return nil
}

// LoadGenesisBlock ensures the genesis block of the configured network is
// present in the block files and the block index.  It is a no-op when the
// genesis block data is already stored.
func (m *ChainManager) LoadGenesisBlock() error {
	bi := m.store.index
	if node := bi.LookupNode(m.params.GenesisHash); node != nil &&
		bi.NodeStatus(node).HaveData() {

		return nil
	}

	block := m.params.GenesisBlock
	pos, err := m.store.SaveBlockToDisk(block, 0, BlockfileNormal, nil)
	if err != nil {
		return err
	}
	node, _ := bi.AddHeader(&block.Header)
	m.receivedBlockTransactions(block, node, pos)
	return nil
}

// receivedBlockTransactions records that the full data for a block now lives
// at the provided payload position: the transaction count and data position
// are set, validity is raised to the transactions level, and any descendants
// that were waiting on the block become linked.
func (m *ChainManager) receivedBlockTransactions(block *wire.MsgBlock, node *blockNode, pos flatfile.FlatFilePos) {
	bi := m.store.index
	bi.Lock()
	node.numTx = uint32(len(block.Transactions))
	node.dataPos = pos
	bi.setStatusFlags(node, statusDataStored)
	if !node.status.KnownInvalid() &&
		node.status.ValidityLevel() < statusValidTransactions {

		node.status = (node.status &^ statusValidityMask) |
			statusValidTransactions
	}
	bi.modified[node] = struct{}{}
	bi.Unlock()
	bi.AcceptBlockData(node)
}

// HavePruned returns whether block files have been pruned at any point,
// including on previous runs.
func (s *BlockStore) HavePruned() bool {
	s.fileMtx.Lock()
	havePruned := s.havePruned
	s.fileMtx.Unlock()
	return havePruned
}

// isInitialBlockDownload estimates whether the chainstate is still catching up
// with the network, based on how far its tip lags the best known header and
// how stale the tip's timestamp is.
func (m *ChainManager) isInitialBlockDownload(cs *Chainstate) bool {
	if cs.tip == nil {
		return true
	}
	if best := m.store.index.BestHeader(); best != nil &&
		best.height > cs.tip.height+MinBlocksToKeep {

		return true
	}
	return time.Unix(cs.tip.timestamp, 0).Before(time.Now().Add(-maxTipAge))
}

// FlushStateToDisk persists all dirty block storage metadata for the given
// chainstate and, when pruning is enabled, removes block files outside the
// retention window.  Files are only deleted after the metadata recording the
// prune is durably stored, so a crash in between leaves files that a later
// ScanAndUnlinkAlreadyPrunedFiles cleans up.  A manualPruneHeight above zero
// prunes everything prunable at or below that height instead of targeting the
// configured disk budget.
func (m *ChainManager) FlushStateToDisk(cs *Chainstate, forcePrune bool, manualPruneHeight int32) error {
	var filesToPrune map[int32]struct{}
	if m.store.IsPruneMode() && !m.reindexing && cs.tip != nil {
		shouldPrune := m.store.ShouldCheckForPruning() || forcePrune ||
			manualPruneHeight > 0
		if shouldPrune {
			tipHeight := cs.tip.height
			typ := cs.role.BlockfileType()
			if manualPruneHeight > 0 {
				filesToPrune = m.store.FindFilesToPruneManual(
					manualPruneHeight, tipHeight, typ)
			} else {
				filesToPrune = m.store.FindFilesToPrune(m.pruneAfterHeight,
					tipHeight, tipHeight, typ,
					m.isInitialBlockDownload(cs), len(m.chainstates))
			}
			if len(filesToPrune) > 0 {
				err := m.store.db.WriteFlag(treedb.FlagPruned, true)
				if err != nil {
					return err
				}
			}
		}
	}

	if err := m.store.WriteIndexDB(); err != nil {
		return err
	}
	if len(filesToPrune) > 0 {
		m.store.UnlinkPrunedFiles(filesToPrune)
	}
	return nil
}

// Close releases the coins views of every chainstate.
func (m *ChainManager) Close() {
	for _, cs := range m.chainstates {
		if cs.view != nil {
			cs.view.Close()
		}
	}
}
