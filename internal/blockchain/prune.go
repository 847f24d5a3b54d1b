// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/jamesob/bitcoin/internal/flatfile"
)

// minDiskSpaceForBlockFiles is the floor applied to each chainstate's share of
// the prune target.  Pruning below this would leave too little recent history
// to serve reorganizations.
const minDiskSpaceForBlockFiles = 550 * 1024 * 1024

// ShouldCheckForPruning reports and clears the flag set by file allocation
// when the prune target may have been exceeded.
func (s *BlockStore) ShouldCheckForPruning() bool {
	s.fileMtx.Lock()
	should := s.checkForPruning
	s.checkForPruning = false
	s.fileMtx.Unlock()
	return should
}

// PruneOneBlockFile strips every block housed in the given file of its stored
// data and undo flags and zeroes the file's bookkeeping.  The caller is
// responsible for deleting the underlying files afterwards, typically via
// UnlinkPrunedFiles once the index metadata has been durably flushed.
func (s *BlockStore) PruneOneBlockFile(fileNum int32) {
	bi := s.index
	bi.Lock()
	for _, node := range bi.index {
		if !node.status.HaveData() || node.dataPos.File != fileNum {
			continue
		}
		bi.unsetStatusFlags(node, statusDataStored|statusUndoStored)
		node.dataPos = flatfile.NullPos()
		node.undoPos = flatfile.NullPos()
		bi.modified[node] = struct{}{}

		// A pruned block would have to be downloaded again before its branch
		// could be considered, at which point it re-enters the unlinked
		// bookkeeping, so forget it as an unlinked child of its parent now.
		if node.parent != nil {
			children := bi.unlinkedChildrenOf[node.parent]
			for i, child := range children {
				if child != node {
					continue
				}
				copy(children[i:], children[i+1:])
				children = children[:len(children)-1]
				break
			}
			if len(children) == 0 {
				delete(bi.unlinkedChildrenOf, node.parent)
			} else {
				bi.unlinkedChildrenOf[node.parent] = children
			}
		}
	}
	bi.Unlock()

	s.fileMtx.Lock()
	*s.fileRecord(fileNum) = blockFileRecord{}
	s.dirtyFiles[fileNum] = struct{}{}
	s.havePruned = true
	s.fileMtx.Unlock()
}

// pruneRange returns the range of heights [min, last] whose block files are
// eligible for pruning for the given chainstate type.  The lower bound leaves
// the background validation chain alone when pruning on behalf of a chainstate
// built from a snapshot.  The upper bound retains the most recent blocks and
// respects every active prune lock.
//
// This function MUST be called with the file mutex held.
func (s *BlockStore) pruneRange(typ BlockfileType, tipHeight, lastHeightCanPrune int32) (int32, int32) {
	minBlock := int32(0)
	if typ == BlockfileAssumed {
		minBlock = s.snapshotBase + 1
	}

	lastBlock := tipHeight - MinBlocksToKeep
	if lastHeightCanPrune < lastBlock {
		lastBlock = lastHeightCanPrune
	}
	for name, lock := range s.pruneLocks {
		// One extra block outside the buffer so the lock height itself is
		// always retained.
		lockHeight := lock.HeightFirst - pruneLockBuffer - 1
		if lockHeight < lastBlock {
			lastBlock = lockHeight
			log.Debugf("Pruning limited by lock %q to height %d", name,
				lastBlock)
		}
	}
	if lastBlock < 0 {
		lastBlock = 0
	}
	return minBlock, lastBlock
}

// FindFilesToPrune selects block files to automatically prune so total usage
// approaches each chainstate's share of the prune target, strips the affected
// index entries via PruneOneBlockFile, and returns the selected file numbers.
// Files containing any block above lastHeightCanPrune or below the chainstate
// type's floor are never selected.  During initial sync the usage buffer is
// widened so prune events do not fire on every allocation.
func (s *BlockStore) FindFilesToPrune(pruneAfterHeight uint32, tipHeight, lastHeightCanPrune int32, typ BlockfileType, isInitialSync bool, shareCount int) map[int32]struct{} {
	filesToPrune := make(map[int32]struct{})

	s.fileMtx.Lock()
	if shareCount < 1 {
		shareCount = 1
	}
	target := s.pruneTarget / uint64(shareCount)
	if target < minDiskSpaceForBlockFiles {
		target = minDiskSpaceForBlockFiles
	}
	if tipHeight < 0 || target == 0 || uint32(tipHeight) <= pruneAfterHeight {
		s.fileMtx.Unlock()
		return filesToPrune
	}
	minBlock, lastBlock := s.pruneRange(typ, tipHeight, lastHeightCanPrune)
	maxFileNum := s.maxBlockfileNum()

	var currentUsage uint64
	for _, rec := range s.fileRecords {
		currentUsage += uint64(rec.size) + uint64(rec.undoSize)
	}

	// Space for files is allocated before pruning is checked, so leave room
	// under the target for another allocation.
	buffer := uint64(blockfileChunkSize + undofileChunkSize)
	if isInitialSync {
		// A prune event flushes the chainstate, so prune less often while
		// syncing to keep large database caches effective.
		buffer += target / 10
	}

	type pruneCandidate struct {
		fileNum int32
		bytes   uint64
	}
	var candidates []pruneCandidate
	if currentUsage+buffer >= target {
		for fileNum := int32(0); fileNum < maxFileNum; fileNum++ {
			rec := s.fileRecord(fileNum)
			if rec.size == 0 {
				continue
			}
			if currentUsage+buffer < target {
				break
			}

			// Skip, but keep scanning past, files containing blocks outside
			// the prunable height range.
			if int32(rec.heightLast) > lastBlock ||
				int32(rec.heightFirst) < minBlock {

				continue
			}

			bytes := uint64(rec.size) + uint64(rec.undoSize)
			candidates = append(candidates, pruneCandidate{fileNum, bytes})
			currentUsage -= bytes
		}
	}
	s.fileMtx.Unlock()

	// PruneOneBlockFile takes both the index and file locks itself.
	for _, candidate := range candidates {
		s.PruneOneBlockFile(candidate.fileNum)
		filesToPrune[candidate.fileNum] = struct{}{}
	}
	if len(filesToPrune) > 0 {
		log.Infof("Prune: target=%dMiB, prunable heights %d-%d, removed %d "+
			"blk/rev pairs", target/1024/1024, minBlock, lastBlock,
			len(filesToPrune))
	}
	return filesToPrune
}

// FindFilesToPruneManual selects every block file whose blocks all lie at or
// below the requested height for pruning, strips the affected index entries,
// and returns the selected file numbers.  The same retention floor and prune
// locks as automatic pruning apply.
func (s *BlockStore) FindFilesToPruneManual(manualPruneHeight, tipHeight int32, typ BlockfileType) map[int32]struct{} {
	filesToPrune := make(map[int32]struct{})
	if tipHeight < 0 {
		return filesToPrune
	}

	s.fileMtx.Lock()
	minBlock, lastBlock := s.pruneRange(typ, tipHeight, manualPruneHeight)
	maxFileNum := s.maxBlockfileNum()
	var candidates []int32
	for fileNum := int32(0); fileNum < maxFileNum; fileNum++ {
		rec := s.fileRecord(fileNum)
		if rec.size == 0 || int32(rec.heightLast) > lastBlock ||
			int32(rec.heightFirst) < minBlock {

			continue
		}
		candidates = append(candidates, fileNum)
	}
	s.fileMtx.Unlock()

	for _, fileNum := range candidates {
		s.PruneOneBlockFile(fileNum)
		filesToPrune[fileNum] = struct{}{}
	}
	log.Infof("Prune (manual): prune height=%d, removed %d blk/rev pairs",
		manualPruneHeight, len(filesToPrune))
	return filesToPrune
}

// UnlinkPrunedFiles deletes the block and undo files for the provided file
// numbers from disk.  It must only be called after the index metadata
// reflecting the prune has been durably flushed, otherwise a crash in between
// would leave the index referring to deleted files.
func (s *BlockStore) UnlinkPrunedFiles(filesToPrune map[int32]struct{}) {
	for fileNum := range filesToPrune {
		pos := flatfile.NewFlatFilePos(fileNum, 0)
		blockErr := os.Remove(s.blockSeq.FileName(pos))
		undoErr := os.Remove(s.undoSeq.FileName(pos))
		if blockErr == nil || undoErr == nil {
			log.Debugf("Prune: deleted blk/rev (%05d)", fileNum)
		}
	}
}

// ScanAndUnlinkAlreadyPrunedFiles removes any block and undo files that were
// selected for pruning on a previous run but survived because the process
// exited between the metadata flush and the file deletion.
func (s *BlockStore) ScanAndUnlinkAlreadyPrunedFiles() {
	s.fileMtx.Lock()
	havePruned := s.havePruned
	maxFileNum := s.maxBlockfileNum()
	filesToPrune := make(map[int32]struct{})
	for fileNum := int32(0); fileNum < maxFileNum; fileNum++ {
		if int(fileNum) >= len(s.fileRecords) {
			break
		}
		if s.fileRecords[fileNum].size == 0 {
			filesToPrune[fileNum] = struct{}{}
		}
	}
	s.fileMtx.Unlock()

	if !havePruned {
		return
	}
	s.UnlinkPrunedFiles(filesToPrune)
}

// CleanupBlockRevFiles prepares the blocks directory for a reindex in prune
// mode by deleting every undo file along with any block files that are not
// part of a contiguous set starting at file zero.  The surviving contiguous
// block files are the only data a pruned reindex can rebuild from.
func (s *BlockStore) CleanupBlockRevFiles() {
	log.Infof("Removing unusable blk and rev files for reindex with prune")

	entries, err := os.ReadDir(s.blocksDir)
	if err != nil {
		log.Warnf("Unable to scan blocks directory %q: %v", s.blocksDir, err)
		return
	}

	blockFiles := make(map[int]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || len(name) != 12 || name[8:] != ".dat" {
			continue
		}
		switch name[:3] {
		case "rev":
			os.Remove(filepath.Join(s.blocksDir, name))
		case "blk":
			fileNum, err := strconv.Atoi(name[3:8])
			if err != nil {
				continue
			}
			blockFiles[fileNum] = name
		}
	}

	// Delete everything after the first gap.  Files beyond a gap can never be
	// reached by the reindex scan, so their blocks would be orphaned data.
	contiguous := 0
	for ; ; contiguous++ {
		if _, ok := blockFiles[contiguous]; !ok {
			break
		}
	}
	for fileNum, name := range blockFiles {
		if fileNum >= contiguous {
			os.Remove(filepath.Join(s.blocksDir, name))
		}
	}
}
