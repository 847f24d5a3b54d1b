// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"math/big"
	"sync"
	"time"

	btcchain "github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/jamesob/bitcoin/internal/flatfile"
)

// zeroHash is the zero value for a chainhash.Hash and is defined as a package
// level variable to avoid the need to create a new instance every time a check
// is needed.
var zeroHash = &chainhash.Hash{}

// blockStatus is a bit field representing the validation state of the block.
//
// The low three bits encode the highest validity level the block has reached
// so far.  Validity levels only ever increase for a given block, and reaching
// a level implies every ancestor has reached at least that level as well.  The
// remaining bits are independent flags.
type blockStatus uint32

// The following constants specify possible status bit flags for a block.
//
// NOTE: This section specifically does not use iota since the block status is
// serialized and must be stable for long-term storage.
const (
	// statusValidityMask covers the bits that encode the validity level.
	statusValidityMask blockStatus = 0x07

	// statusValidHeader indicates the header has passed proof of work and
	// sanity checks.
	statusValidHeader blockStatus = 1

	// statusValidTree indicates the header is connected to a known parent
	// all the way back to the genesis block with valid heights, timestamps,
	// and required work.
	statusValidTree blockStatus = 2

	// statusValidTransactions indicates the full block has passed all
	// context-free transaction checks such as size limits and merkle root
	// commitment.
	statusValidTransactions blockStatus = 3

	// statusValidChain indicates the block has passed all contextual checks
	// that do not require script execution.
	statusValidChain blockStatus = 4

	// statusValidScripts indicates the block has been fully validated,
	// including script and signature checks.
	statusValidScripts blockStatus = 5

	// statusDataStored indicates that the block's payload is stored on disk.
	statusDataStored blockStatus = 1 << 3

	// statusUndoStored indicates that undo data for the block is stored on
	// disk.
	statusUndoStored blockStatus = 1 << 4

	// statusValidateFailed indicates that the block has failed validation.
	statusValidateFailed blockStatus = 1 << 5

	// statusInvalidAncestor indicates that one of the ancestors of the block
	// has failed validation, thus the block is also invalid.
	statusInvalidAncestor blockStatus = 1 << 6
)

// ValidityLevel returns the highest validity level the block has reached.
func (status blockStatus) ValidityLevel() blockStatus {
	return status & statusValidityMask
}

// IsValidAtLevel returns whether the block has reached at least the given
// validity level and is not known to be invalid.
func (status blockStatus) IsValidAtLevel(level blockStatus) bool {
	if status.KnownInvalid() {
		return false
	}
	return status.ValidityLevel() >= level
}

// HaveData returns whether the full block data is stored on disk.  This will
// return false for a block node where only the header is known as well as for
// blocks whose data has been pruned.
func (status blockStatus) HaveData() bool {
	return status&statusDataStored != 0
}

// HaveUndo returns whether undo data for the block is stored on disk.
func (status blockStatus) HaveUndo() bool {
	return status&statusUndoStored != 0
}

// KnownInvalid returns whether either the block itself is known to be invalid
// or to have an invalid ancestor.  A return value of false in no way implies
// the block is valid or only has valid ancestors.  Thus, this will return false
// for invalid blocks that have not been proven invalid yet as well as return
// false for blocks with invalid ancestors that have not been proven invalid
// yet.
func (status blockStatus) KnownInvalid() bool {
	return status&(statusValidateFailed|statusInvalidAncestor) != 0
}

// KnownInvalidAncestor returns whether the block is known to have an invalid
// ancestor.  A return value of false in no way implies the block only has valid
// ancestors.  Thus, this will return false for blocks with invalid ancestors
// that have not been proven invalid yet.
func (status blockStatus) KnownInvalidAncestor() bool {
	return status&(statusInvalidAncestor) != 0
}

// KnownValidateFailed returns whether the block is known to have failed
// validation.  A return value of false in no way implies the block is valid.
// Thus, this will return false for blocks that have not been proven to fail
// validation yet.
func (status blockStatus) KnownValidateFailed() bool {
	return status&(statusValidateFailed) != 0
}

// blockNode represents a block within the block tree and is primarily used to
// aid in selecting the best chain to be the main chain.  The main chain is
// stored into the block tree database.
type blockNode struct {
	// NOTE: Additions, deletions, or modifications to the order of the
	// definitions in this struct should not be changed without considering
	// how it affects alignment on 64-bit platforms.  The current order is
	// specifically crafted to result in minimal padding.  There will be
	// hundreds of thousands of these in memory, so a few extra bytes of
	// padding adds up.

	// parent is the parent block for this node.
	parent *blockNode

	// skipToAncestor is used to provide a skip list to significantly speed up
	// traversal to ancestors deep in history.
	skipToAncestor *blockNode

	// hash is the hash of the block this node represents.
	hash chainhash.Hash

	// workSum is the total amount of work in the chain up to and including
	// this node.
	workSum *big.Int

	// Some fields from block headers to aid in best chain selection and
	// reconstructing headers from memory.  These must be treated as
	// immutable and are intentionally ordered to avoid padding on 64-bit
	// platforms.
	merkleRoot   chainhash.Hash
	timestamp    int64
	timeMax      int64
	height       int32
	blockVersion int32
	bits         uint32
	nonce        uint32

	// numTx is the number of transactions in the block, or zero when the
	// full block data has never been received.
	numTx uint32

	// chainTxCount is the total number of transactions in the chain up to
	// and including this node.  It is zero when the count is not yet known
	// because the data for the block or one of its ancestors is missing, so
	// a nonzero value also means the block and all of its ancestors have
	// their data available.  It is only tracked in memory.
	chainTxCount uint64

	// dataPos and undoPos are the flat file positions of the serialized
	// block payload and undo payload.  They are only meaningful when the
	// corresponding status flag is set.
	//
	// These fields, like status, may be changed after the block node is
	// created, so they must only be accessed or updated through the
	// concurrent-safe methods on blockIndex once the node has been added to
	// the index.
	dataPos flatfile.FlatFilePos
	undoPos flatfile.FlatFilePos

	// status is a bitfield representing the validation state of the block.
	// This field, unlike most other fields, may be changed after the block
	// node is created, so it must only be accessed or updated using the
	// concurrent-safe NodeStatus, SetStatusFlags, and UnsetStatusFlags
	// methods on blockIndex once the node has been added to the index.
	status blockStatus

	// sequenceID tracks the order the full block data was received for the
	// node and is only stored in memory.  It is set when the block data is
	// received, as opposed to when the header was received, in order to
	// ensure that no additional priority in terms of chain selection between
	// competing branches can be gained by submitting the header first.  It
	// is zero for all nodes loaded from disk, which intentionally sorts them
	// ahead of any block received over the network afterwards.
	//
	// It is protected by the block index mutex.
	sequenceID uint32
}

// clearLowestOneBit clears the lowest set bit in the passed value.
func clearLowestOneBit(n int32) int32 {
	return n & (n - 1)
}

// calcSkipListHeight calculates the height of an ancestor block to use when
// constructing the ancestor traversal skip list.
func calcSkipListHeight(height int32) int32 {
	if height < 0 {
		return 0
	}

	// Traditional skip lists create multiple levels to achieve expected average
	// search, insert, and delete costs of O(log n).  Since the blockchain is
	// append only, there is no need to handle random insertions or deletions,
	// so this takes advantage of that to effectively create a deterministic
	// skip list with a single level that is reasonably close to O(log n) in
	// order to reduce the number of pointers and implementation complexity.
	//
	// This calculation is definitely not the most optimal possible in terms of
	// the number of steps in the worst case, however, it is predominantly
	// logarithmic, easy to reason about, deterministic, blazing fast to
	// calculate and can easily be shown to have a worst case performance of
	// 420 steps for heights up to 4,294,967,296 (2^32).
	//
	// Finally, it also satisfies the only real requirement for proper operation
	// of the skip list which is for the calculated height to be less than the
	// provided height.
	return clearLowestOneBit(clearLowestOneBit(height))
}

// initBlockNode initializes a block node from the given header and parent
// node.  The workSum is calculated based on the parent, or, in the case no
// parent is provided, it will just be the work for the passed block.
//
// This function is NOT safe for concurrent access.  It must only be called when
// initially creating a node.
func initBlockNode(node *blockNode, blockHeader *wire.BlockHeader, parent *blockNode) {
	*node = blockNode{
		hash:         blockHeader.BlockHash(),
		workSum:      btcchain.CalcWork(blockHeader.Bits),
		blockVersion: blockHeader.Version,
		merkleRoot:   blockHeader.MerkleRoot,
		timestamp:    blockHeader.Timestamp.Unix(),
		bits:         blockHeader.Bits,
		nonce:        blockHeader.Nonce,
		dataPos:      flatfile.NullPos(),
		undoPos:      flatfile.NullPos(),
	}
	node.timeMax = node.timestamp
	if parent != nil {
		node.parent = parent
		node.height = parent.height + 1
		node.skipToAncestor = parent.Ancestor(calcSkipListHeight(node.height))
		node.workSum = node.workSum.Add(parent.workSum, node.workSum)
		if parent.timeMax > node.timestamp {
			node.timeMax = parent.timeMax
		}
	}
}

// newBlockNode returns a new block node for the given block header and parent
// node.  The workSum is calculated based on the parent, or, in the case no
// parent is provided, it will just be the work for the passed block.
func newBlockNode(blockHeader *wire.BlockHeader, parent *blockNode) *blockNode {
	var node blockNode
	initBlockNode(&node, blockHeader, parent)
	return &node
}

// Header constructs a block header from the node and returns it.
//
// This function is safe for concurrent access.
func (node *blockNode) Header() wire.BlockHeader {
	// No lock is needed because all accessed fields are immutable.
	prevHash := zeroHash
	if node.parent != nil {
		prevHash = &node.parent.hash
	}
	return wire.BlockHeader{
		Version:    node.blockVersion,
		PrevBlock:  *prevHash,
		MerkleRoot: node.merkleRoot,
		Timestamp:  time.Unix(node.timestamp, 0),
		Bits:       node.bits,
		Nonce:      node.nonce,
	}
}

// Ancestor returns the ancestor block node at the provided height by following
// the chain backwards from this node.  The returned block will be nil when a
// height is requested that is after the height of the passed node or is less
// than zero.
//
// This function is safe for concurrent access.
func (node *blockNode) Ancestor(height int32) *blockNode {
	if height < 0 || height > node.height {
		return nil
	}

	n := node
	for n != nil && n.height != height {
		// Skip to the linked ancestor when it won't overshoot the target
		// height.
		if n.skipToAncestor != nil && calcSkipListHeight(n.height) >= height {
			n = n.skipToAncestor
			continue
		}

		n = n.parent
	}

	return n
}

// RelativeAncestor returns the ancestor block node a relative 'distance' blocks
// before this node.  This is equivalent to calling Ancestor with the node's
// height minus provided distance.
//
// This function is safe for concurrent access.
func (node *blockNode) RelativeAncestor(distance int32) *blockNode {
	return node.Ancestor(node.height - distance)
}

// IsAncestorOf returns whether the node is an ancestor of the provided
// descendant, or the node itself.
//
// This function is safe for concurrent access.
func (node *blockNode) IsAncestorOf(descendant *blockNode) bool {
	return descendant.Ancestor(node.height) == node
}

// compareHashesAsUint256LE compares two raw hashes treated as if they were
// little-endian uint256s in a way that is more efficient than converting them
// to big integers first.  It returns 1 when a > b, -1 when a < b, and 0 when a
// == b.
func compareHashesAsUint256LE(a, b *chainhash.Hash) int {
	// Find the index of the first byte that differs.
	index := len(a) - 1
	for ; index >= 0 && a[index] == b[index]; index-- {
		// Nothing to do.
	}
	if index < 0 {
		return 0
	}
	if a[index] > b[index] {
		return 1
	}
	return -1
}

// workSorterLess returns whether node 'a' is a worse candidate than 'b' for the
// purposes of best chain selection.
//
// The criteria for determining what constitutes a worse candidate, in order of
// priority, is as follows:
//
// 1. Less total cumulative work
// 2. Receiving the block data later
// 3. Hash that represents less work (larger value as a little-endian uint256)
//
// This function MUST be called with the block index lock held (for reads).
func workSorterLess(a, b *blockNode) bool {
	// First, sort by the total cumulative work.
	//
	// Blocks with less cumulative work are worse candidates for best chain
	// selection.
	if workCmp := a.workSum.Cmp(b.workSum); workCmp != 0 {
		return workCmp < 0
	}

	// Then sort according to blocks that received their data first.  Note that
	// the sequence id is zero for all blocks loaded from disk, so everything
	// already on disk at startup sorts ahead of blocks received afterwards.
	//
	// Blocks that receive their data later are worse candidates.
	if a.sequenceID != b.sequenceID {
		// Using greater than here because data that was received later will
		// have a higher id.
		return a.sequenceID > b.sequenceID
	}

	// Finally, fall back to sorting based on the hash in the case the work and
	// received order are the same.  In practice, the order will typically only
	// be the same for blocks loaded from disk since the received order is only
	// stored in memory, however it can be the same when the block data for a
	// given header is not yet known as well.
	//
	// Note that it is more difficult to find hashes with more leading zeros
	// when treated as a little-endian uint256, so larger values represent less
	// work and are therefore worse candidates.
	return compareHashesAsUint256LE(&a.hash, &b.hash) > 0
}

// blockIndex provides facilities for keeping track of an in-memory index of
// the block tree.  Although the name block chain suggests a single chain of
// blocks, it is actually a tree-shaped structure where any node can have
// multiple children.  However, there can only be one active branch which does
// indeed form a chain from the tip all the way back to the genesis block.
type blockIndex struct {
	// These following fields are protected by the embedded mutex.
	//
	// index contains an entry for every known block tracked by the block
	// index.
	//
	// modified contains an entry for all nodes that have been modified
	// since the last time the index was flushed to disk.
	sync.RWMutex
	index    map[chainhash.Hash]*blockNode
	modified map[*blockNode]struct{}

	// These fields are related to selecting the best chain.  They are
	// protected by the embedded mutex.
	//
	// bestHeader tracks the highest work block node in the index that is not
	// known to be invalid.  This is not necessarily the same as the active
	// best chain, especially when block data is not yet known.  However,
	// since block nodes are only added to the index for block headers that
	// pass all sanity and positional checks, which include checking proof of
	// work, it does represent the tip of the header chain with the highest
	// known work that has a reasonably high chance of becoming the best
	// chain tip and is useful for things such as reporting progress and
	// discovering the most suitable blocks to download.
	//
	// unlinkedChildrenOf maps blocks that do not yet have the full block
	// data available to any immediate children that do have the full block
	// data available.  It is used to efficiently discover all child blocks
	// which might be eligible for connection when the full block data for a
	// block becomes available.
	//
	// nextSequenceID is assigned to block nodes and incremented each time
	// block data is received in order to aid in chain selection.  In
	// particular, it helps ensure that no additional priority in terms of
	// chain selection between competing branches can be gained by submitting
	// the header first.
	bestHeader         *blockNode
	unlinkedChildrenOf map[*blockNode][]*blockNode
	nextSequenceID     uint32
}

// newBlockIndex returns a new empty instance of a block index.  The index will
// be dynamically populated as block nodes are loaded from the database and
// manually added.
func newBlockIndex() *blockIndex {
	// Notice the next sequence ID starts at one since all entries loaded from
	// disk will be zero.
	return &blockIndex{
		index:              make(map[chainhash.Hash]*blockNode),
		modified:           make(map[*blockNode]struct{}),
		unlinkedChildrenOf: make(map[*blockNode][]*blockNode),
		nextSequenceID:     1,
	}
}

// HaveBlock returns whether or not the block index contains the provided hash
// and the block data is available.
//
// This function is safe for concurrent access.
func (bi *blockIndex) HaveBlock(hash *chainhash.Hash) bool {
	bi.RLock()
	node := bi.lookupNode(hash)
	hasBlock := node != nil && node.status.HaveData()
	bi.RUnlock()
	return hasBlock
}

// lookupNode returns the block node identified by the provided hash.  It will
// return nil if there is no entry for the hash.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) lookupNode(hash *chainhash.Hash) *blockNode {
	return bi.index[*hash]
}

// LookupNode returns the block node identified by the provided hash.  It will
// return nil if there is no entry for the hash.
//
// This function is safe for concurrent access.
func (bi *blockIndex) LookupNode(hash *chainhash.Hash) *blockNode {
	bi.RLock()
	node := bi.lookupNode(hash)
	bi.RUnlock()
	return node
}

// addNode adds the provided node to the block index.  Duplicate entries are not
// checked so it is up to caller to avoid adding them.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) addNode(node *blockNode) {
	bi.index[node.hash] = node

	// Update the header with most known work that is also not known to be
	// invalid to this node if needed.
	if !node.status.KnownInvalid() &&
		(bi.bestHeader == nil || workSorterLess(bi.bestHeader, node)) {

		bi.bestHeader = node
	}
}

// insert returns the existing block node for the provided hash, or, when the
// hash is not yet known, adds and returns a new bare node for it.  A bare node
// has no header fields populated and a height of -1 until a header for it is
// added.  Inserting the same hash again always returns the same node.
//
// This function is safe for concurrent access.
func (bi *blockIndex) insert(hash *chainhash.Hash) *blockNode {
	bi.Lock()
	node := bi.lookupNode(hash)
	if node == nil {
		node = &blockNode{
			hash:    *hash,
			workSum: new(big.Int),
			height:  -1,
			dataPos: flatfile.NullPos(),
			undoPos: flatfile.NullPos(),
		}
		bi.index[*hash] = node
	}
	bi.Unlock()
	return node
}

// AddHeader adds a block node for the provided header to the block index and
// returns it along with whether the node was newly created.  When the header
// already has an entry, the existing node is returned unmodified.
//
// The header is assumed to have already passed proof of work and sanity checks
// and to connect to a known parent, so the new node is immediately raised to
// tree validity.  Nodes whose parent is known to be invalid are created marked
// as having an invalid ancestor.
//
// This function is safe for concurrent access.
func (bi *blockIndex) AddHeader(header *wire.BlockHeader) (*blockNode, bool) {
	bi.Lock()
	defer bi.Unlock()

	hash := header.BlockHash()
	if existing := bi.index[hash]; existing != nil {
		return existing, false
	}

	var parent *blockNode
	if header.PrevBlock != *zeroHash {
		parent = bi.index[header.PrevBlock]
	}
	node := newBlockNode(header, parent)
	node.status = statusValidTree
	if parent != nil && parent.status.KnownInvalid() {
		node.status |= statusInvalidAncestor
	}
	bi.addNode(node)
	bi.modified[node] = struct{}{}
	return node, true
}

// addNodeFromDB adds the provided node, which is expected to have come from
// storage, to the block index and also updates the unlinked block dependencies
// as needed.
//
// This differs from addNode in that it performs the additional updates to the
// block index which only apply when nodes are first loaded from storage.
//
// This function is NOT safe for concurrent access and therefore must only be
// called during block index initialization.
func (bi *blockIndex) addNodeFromDB(node *blockNode) {
	bi.addNode(node)

	// Add this node to the map of unlinked blocks that are potentially eligible
	// for connection when its chain transaction count is not yet known, but the
	// data for it is already known and its parent is not already known to be
	// invalid.
	if node.chainTxCount == 0 && node.status.HaveData() && node.parent != nil &&
		!node.parent.status.KnownInvalid() {

		unlinkedChildren := bi.unlinkedChildrenOf[node.parent]
		bi.unlinkedChildrenOf[node.parent] = append(unlinkedChildren, node)
	}
}

// NodeStatus returns the status associated with the provided node.
//
// This function is safe for concurrent access.
func (bi *blockIndex) NodeStatus(node *blockNode) blockStatus {
	bi.RLock()
	status := node.status
	bi.RUnlock()
	return status
}

// setStatusFlags sets the provided status flags for the given block node
// regardless of their previous state.  It does not unset any flags.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) setStatusFlags(node *blockNode, flags blockStatus) {
	origStatus := node.status
	node.status |= flags
	if node.status != origStatus {
		bi.modified[node] = struct{}{}
	}
}

// SetStatusFlags sets the provided status flags for the given block node
// regardless of their previous state.  It does not unset any flags.
//
// This function is safe for concurrent access.
func (bi *blockIndex) SetStatusFlags(node *blockNode, flags blockStatus) {
	bi.Lock()
	bi.setStatusFlags(node, flags)
	bi.Unlock()
}

// unsetStatusFlags unsets the provided status flags for the given block node
// regardless of their previous state.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) unsetStatusFlags(node *blockNode, flags blockStatus) {
	origStatus := node.status
	node.status &^= flags
	if node.status != origStatus {
		bi.modified[node] = struct{}{}
	}
}

// UnsetStatusFlags unsets the provided status flags for the given block node
// regardless of their previous state.
//
// This function is safe for concurrent access.
func (bi *blockIndex) UnsetStatusFlags(node *blockNode, flags blockStatus) {
	bi.Lock()
	bi.unsetStatusFlags(node, flags)
	bi.Unlock()
}

// RaiseValidity raises the validity level of the given block node to the
// provided level and returns whether the level was changed.  The level is
// never lowered, and blocks that are known to be invalid are left untouched.
//
// This function is safe for concurrent access.
func (bi *blockIndex) RaiseValidity(node *blockNode, level blockStatus) bool {
	bi.Lock()
	defer bi.Unlock()

	if node.status.KnownInvalid() {
		return false
	}
	if node.status.ValidityLevel() < level {
		node.status = (node.status &^ statusValidityMask) | level
		bi.modified[node] = struct{}{}
		return true
	}
	return false
}

// canValidate returns whether or not the block associated with the provided
// node can be validated.  In order for a block to be validated, both it, and
// all of its ancestors, must have the block data available.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) canValidate(node *blockNode) bool {
	return node.chainTxCount != 0 && node.status.HaveData()
}

// linkBlockData marks the provided block as fully linked by populating its
// chain transaction count to indicate that both it and all of its ancestors
// have their data available and then determines if there are any unlinked
// blocks which depend on the passed block and links those as well until there
// are no more.  It returns a list of blocks that were linked.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) linkBlockData(node *blockNode) []*blockNode {
	// Start with processing at least the passed node.
	//
	// Note that no additional space is preallocated here because it is fairly
	// rare (after the initial sync) for there to be more than the single block
	// being linked and thus it will typically remain on the stack and avoid an
	// allocation.
	linkedNodes := []*blockNode{node}
	for nodeIndex := 0; nodeIndex < len(linkedNodes); nodeIndex++ {
		linkedNode := linkedNodes[nodeIndex]

		// Populate the cumulative transaction count to indicate that both the
		// block and all of its ancestors have their data available.
		linkedNode.chainTxCount = uint64(linkedNode.numTx)
		if linkedNode.parent != nil {
			linkedNode.chainTxCount += linkedNode.parent.chainTxCount
		}

		// Keep track of the order in which the block data was received to
		// ensure miners gain no advantage by advertising the header first.
		linkedNode.sequenceID = bi.nextSequenceID
		bi.nextSequenceID++

		// Add any children of the block that was just linked to the list to be
		// linked and remove them from the set of unlinked blocks accordingly.
		// There will typically only be zero or one, but it could be more if
		// multiple solutions are mined and broadcast around the same time.
		unlinkedChildren := bi.unlinkedChildrenOf[linkedNode]
		if len(unlinkedChildren) > 0 {
			linkedNodes = append(linkedNodes, unlinkedChildren...)
			delete(bi.unlinkedChildrenOf, linkedNode)
		}
	}

	return linkedNodes
}

// AcceptBlockData updates the block index state to account for the full data
// for a block becoming available.  For example, blocks that are currently not
// eligible for validation due to either not having the block data itself or not
// having all ancestor data available might become eligible for validation.  It
// returns a list of all blocks that were linked, if any.
//
// NOTE: It is up to the caller to only call this function when the data was not
// previously available.
//
// This function is safe for concurrent access.
func (bi *blockIndex) AcceptBlockData(node *blockNode) []*blockNode {
	// The passed block, and any blocks that also have their data available, are
	// now eligible for validation when the parent of the passed block is also
	// eligible (or has already been validated).
	var linkedBlocks []*blockNode
	bi.Lock()
	if node.parent == nil || bi.canValidate(node.parent) {
		linkedBlocks = bi.linkBlockData(node)
	} else if !node.parent.status.KnownInvalid() {
		unlinkedChildren := bi.unlinkedChildrenOf[node.parent]
		bi.unlinkedChildrenOf[node.parent] = append(unlinkedChildren, node)
	}
	bi.Unlock()
	return linkedBlocks
}

// MarkBlockFailedValidation marks the passed node as having failed validation
// and then marks all of its descendants (if any) as having a failed ancestor.
//
// This function is safe for concurrent access.
func (bi *blockIndex) MarkBlockFailedValidation(node *blockNode) {
	bi.Lock()
	bi.setStatusFlags(node, statusValidateFailed)
	delete(bi.unlinkedChildrenOf, node)

	// Mark all descendants of the failed block as having a failed ancestor.
	// The index is tree shaped and parent pointers only point backwards, so
	// discovering descendants requires walking the entire index.  Block
	// invalidation is rare enough that the full walk is not a concern.
	for _, n := range bi.index {
		if n.height <= node.height || n.status.KnownInvalidAncestor() {
			continue
		}
		if !node.IsAncestorOf(n) {
			continue
		}

		bi.setStatusFlags(n, statusInvalidAncestor)

		// Remove any children that depend on the failed block from the set of
		// unlinked blocks accordingly since they are no longer eligible for
		// connection even if the full block data for a block becomes
		// available.
		delete(bi.unlinkedChildrenOf, n)
	}

	// Update the best header if the current one is now invalid by scouring the
	// whole index for a replacement.
	if bi.bestHeader != nil && bi.bestHeader.status.KnownInvalid() {
		bi.bestHeader = nil
		for _, n := range bi.index {
			if n.status.KnownInvalid() {
				continue
			}
			if bi.bestHeader == nil || workSorterLess(bi.bestHeader, n) {
				bi.bestHeader = n
			}
		}
	}
	bi.Unlock()
}

// BestHeader returns the header with the most cumulative work that is not
// known to be invalid.  It will be nil only when the index is empty.
//
// This function is safe for concurrent access.
func (bi *blockIndex) BestHeader() *blockNode {
	bi.RLock()
	bestHeader := bi.bestHeader
	bi.RUnlock()
	return bestHeader
}
