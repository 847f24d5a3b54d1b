// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// newTestHeaderChain returns count headers that form a chain on top of the
// simnet genesis block, genesis header first.
func newTestHeaderChain(count int) []wire.BlockHeader {
	headers := []wire.BlockHeader{chaincfg.SimNetParams.GenesisBlock.Header}
	parent := chaincfg.SimNetParams.GenesisBlock
	for i := 0; i < count; i++ {
		block := newTestBlock(parent, uint32(i+1), 0)
		headers = append(headers, block.Header)
		parent = block
	}
	return headers
}

// addTestHeaders adds the provided headers to the index in order and returns
// the resulting nodes.
func addTestHeaders(t *testing.T, bi *blockIndex, headers []wire.BlockHeader) []*blockNode {
	t.Helper()

	nodes := make([]*blockNode, 0, len(headers))
	for i := range headers {
		node, isNew := bi.AddHeader(&headers[i])
		if !isNew {
			t.Fatalf("AddHeader(%d): existing node for new header", i)
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// TestCalcSkipListHeight ensures the skip list height calculation always lands
// strictly below the provided height and clears the two lowest set bits.
func TestCalcSkipListHeight(t *testing.T) {
	tests := []struct {
		height int32
		want   int32
	}{
		{height: -1, want: 0},
		{height: 0, want: 0},
		{height: 1, want: 0},
		{height: 2, want: 0},
		{height: 3, want: 0},
		{height: 11, want: 8},
		{height: 12, want: 0},
		{height: 13, want: 8},
		{height: 28, want: 16},
		{height: 98304, want: 0},
		{height: 98305, want: 65536},
	}
	for _, test := range tests {
		if got := calcSkipListHeight(test.height); got != test.want {
			t.Errorf("calcSkipListHeight(%d): got %d, want %d", test.height,
				got, test.want)
		}
	}
}

// TestAncestor ensures ancestor traversal via the skip list returns the node
// at the requested height and nil for out-of-range heights.
func TestAncestor(t *testing.T) {
	bi := newBlockIndex()
	nodes := addTestHeaders(t, bi, newTestHeaderChain(64))
	tip := nodes[len(nodes)-1]

	for height := int32(0); height <= tip.height; height++ {
		ancestor := tip.Ancestor(height)
		if ancestor != nodes[height] {
			t.Fatalf("Ancestor(%d): got %v, want %v", height, ancestor.hash,
				nodes[height].hash)
		}
	}
	if got := tip.Ancestor(-1); got != nil {
		t.Fatalf("Ancestor(-1): got %v, want nil", got.hash)
	}
	if got := tip.Ancestor(tip.height + 1); got != nil {
		t.Fatalf("Ancestor beyond tip: got %v, want nil", got.hash)
	}

	if got := tip.RelativeAncestor(5); got != nodes[tip.height-5] {
		t.Fatalf("RelativeAncestor(5): got %v, want %v", got.hash,
			nodes[tip.height-5].hash)
	}
	if !nodes[10].IsAncestorOf(tip) {
		t.Fatal("IsAncestorOf: chain node not reported as tip ancestor")
	}
	if !tip.IsAncestorOf(tip) {
		t.Fatal("IsAncestorOf: node not reported as its own ancestor")
	}
}

// TestAddHeader ensures adding headers creates tree-valid nodes exactly once,
// accumulates work through parents, and marks children of invalid parents.
func TestAddHeader(t *testing.T) {
	bi := newBlockIndex()
	headers := newTestHeaderChain(3)
	nodes := addTestHeaders(t, bi, headers)

	for i, node := range nodes {
		if node.height != int32(i) {
			t.Fatalf("node %d: got height %d, want %d", i, node.height, i)
		}
		if got := bi.NodeStatus(node).ValidityLevel(); got != statusValidTree {
			t.Fatalf("node %d: got validity %d, want %d", i, got,
				statusValidTree)
		}
	}
	for i := 1; i < len(nodes); i++ {
		if nodes[i].parent != nodes[i-1] {
			t.Fatalf("node %d is not linked to node %d", i, i-1)
		}
		if nodes[i].workSum.Cmp(nodes[i-1].workSum) <= 0 {
			t.Fatalf("node %d work %v does not exceed parent work %v", i,
				nodes[i].workSum, nodes[i-1].workSum)
		}
	}

	// Adding a duplicate must return the existing node unmodified.
	existing, isNew := bi.AddHeader(&headers[2])
	if isNew || existing != nodes[2] {
		t.Fatalf("duplicate AddHeader: got (%p, %v), want (%p, false)",
			existing, isNew, nodes[2])
	}

	// A child of a block that failed validation is born with an invalid
	// ancestor.
	bi.MarkBlockFailedValidation(nodes[2])
	childBlock := newTestBlock(blockFromHeader(&headers[3]), 100, 0)
	child, _ := bi.AddHeader(&childBlock.Header)
	if !bi.NodeStatus(child).KnownInvalidAncestor() {
		t.Fatal("child of failed block is not marked with an invalid ancestor")
	}
}

// blockFromHeader wraps a bare header in a block so it can parent generated
// test blocks.
func blockFromHeader(header *wire.BlockHeader) *wire.MsgBlock {
	return &wire.MsgBlock{Header: *header}
}

// TestWorkSorterLess ensures chain candidate comparison considers cumulative
// work first, then data receive order, then the hash as a final tiebreak.
func TestWorkSorterLess(t *testing.T) {
	newNode := func(work int64, sequenceID uint32, hashByte byte) *blockNode {
		node := &blockNode{
			workSum:    big.NewInt(work),
			sequenceID: sequenceID,
		}
		node.hash[31] = hashByte
		return node
	}

	tests := []struct {
		name string
		a, b *blockNode
		want bool
	}{{
		name: "less work sorts worse",
		a:    newNode(10, 1, 0),
		b:    newNode(20, 2, 0),
		want: true,
	}, {
		name: "more work sorts better",
		a:    newNode(20, 2, 0),
		b:    newNode(10, 1, 0),
		want: false,
	}, {
		name: "same work, data received later sorts worse",
		a:    newNode(10, 5, 0),
		b:    newNode(10, 2, 0),
		want: true,
	}, {
		name: "same work, loaded from disk sorts better than received",
		a:    newNode(10, 0, 0),
		b:    newNode(10, 7, 0),
		want: false,
	}, {
		name: "same work and order, larger hash sorts worse",
		a:    newNode(10, 1, 2),
		b:    newNode(10, 1, 1),
		want: true,
	}, {
		name: "same work and order, smaller hash sorts better",
		a:    newNode(10, 1, 1),
		b:    newNode(10, 1, 2),
		want: false,
	}}
	for _, test := range tests {
		if got := workSorterLess(test.a, test.b); got != test.want {
			t.Errorf("%s: got %v, want %v", test.name, got, test.want)
		}
	}
}

// TestWorkSorterLessOrdering ensures chain candidate comparison imposes a
// strict total order on nodes with randomized work and receive order:
// irreflexive, exactly one direction for every distinct pair, and transitive.
func TestWorkSorterLessOrdering(t *testing.T) {
	// Small value ranges force plenty of work and sequence collisions so
	// every tiebreak level is exercised.  Distinct hashes guarantee no two
	// nodes compare fully equal.
	rng := rand.New(rand.NewSource(1))
	nodes := make([]*blockNode, 32)
	for i := range nodes {
		node := &blockNode{
			workSum:    big.NewInt(rng.Int63n(4) + 1),
			sequenceID: uint32(rng.Intn(4)),
		}
		node.hash[31] = byte(i)
		nodes[i] = node
	}

	for i, a := range nodes {
		if workSorterLess(a, a) {
			t.Fatalf("node %d sorts below itself", i)
		}
		for j, b := range nodes {
			if i == j {
				continue
			}
			ab, ba := workSorterLess(a, b), workSorterLess(b, a)
			if ab == ba {
				t.Fatalf("nodes %d and %d: less(a,b) == less(b,a) == %v",
					i, j, ab)
			}
		}
	}

	for i, a := range nodes {
		for j, b := range nodes {
			for k, c := range nodes {
				if workSorterLess(a, b) && workSorterLess(b, c) &&
					!workSorterLess(a, c) {

					t.Fatalf("ordering not transitive across nodes "+
						"%d, %d, %d", i, j, k)
				}
			}
		}
	}
}

// TestAcceptBlockData ensures block data arriving out of order is queued until
// the parent data arrives and then linked in one pass with cumulative
// transaction counts and increasing sequence ids.
func TestAcceptBlockData(t *testing.T) {
	bi := newBlockIndex()
	nodes := addTestHeaders(t, bi, newTestHeaderChain(3))
	for i, node := range nodes {
		bi.SetStatusFlags(node, statusDataStored)
		bi.Lock()
		node.numTx = uint32(i + 1)
		bi.Unlock()
	}

	// Data for height 2 arrives before its ancestors are linked, so nothing
	// links yet.
	if linked := bi.AcceptBlockData(nodes[2]); len(linked) != 0 {
		t.Fatalf("premature data: linked %d blocks, want 0", len(linked))
	}
	if nodes[2].chainTxCount != 0 {
		t.Fatalf("premature data: chainTxCount %d, want 0",
			nodes[2].chainTxCount)
	}

	// Genesis data links immediately and drains nothing since height 1 has
	// not arrived.
	if linked := bi.AcceptBlockData(nodes[0]); len(linked) != 1 {
		t.Fatalf("genesis data: linked %d blocks, want 1", len(linked))
	}

	// Data for height 1 links itself along with the queued height 2.
	linked := bi.AcceptBlockData(nodes[1])
	if len(linked) != 2 || linked[0] != nodes[1] || linked[1] != nodes[2] {
		t.Fatalf("height 1 data: got linked %v, want [node 1, node 2]", linked)
	}

	wantCounts := []uint64{1, 3, 6}
	for i, want := range wantCounts {
		if nodes[i].chainTxCount != want {
			t.Fatalf("node %d: got chainTxCount %d, want %d", i,
				nodes[i].chainTxCount, want)
		}
	}
	if nodes[1].sequenceID <= nodes[0].sequenceID ||
		nodes[2].sequenceID <= nodes[1].sequenceID {

		t.Fatalf("sequence ids not increasing in link order: %d, %d, %d",
			nodes[0].sequenceID, nodes[1].sequenceID, nodes[2].sequenceID)
	}
}

// TestMarkBlockFailedValidation ensures a validation failure poisons all
// descendants of the failed block, leaves competing branches alone, and moves
// the best header off the invalidated branch.
func TestMarkBlockFailedValidation(t *testing.T) {
	bi := newBlockIndex()
	headers := newTestHeaderChain(4)
	nodes := addTestHeaders(t, bi, headers)

	// Fork off height 1 with a single competing block.
	forkBlock := newTestBlock(blockFromHeader(&headers[1]), 1000, 0)
	forkNode, _ := bi.AddHeader(&forkBlock.Header)

	if bi.BestHeader() != nodes[4] {
		t.Fatalf("best header: got %v, want chain tip %v", bi.BestHeader().hash,
			nodes[4].hash)
	}

	bi.MarkBlockFailedValidation(nodes[2])

	if !bi.NodeStatus(nodes[2]).KnownValidateFailed() {
		t.Fatal("failed block is not marked as having failed validation")
	}
	for _, node := range nodes[3:] {
		status := bi.NodeStatus(node)
		if !status.KnownInvalidAncestor() {
			t.Fatalf("descendant at height %d is not marked with an invalid "+
				"ancestor", node.height)
		}
		if status.KnownValidateFailed() {
			t.Fatalf("descendant at height %d is marked as failing validation "+
				"itself", node.height)
		}
	}
	for _, node := range nodes[:2] {
		if bi.NodeStatus(node).KnownInvalid() {
			t.Fatalf("ancestor at height %d is marked invalid", node.height)
		}
	}
	if bi.NodeStatus(forkNode).KnownInvalid() {
		t.Fatal("competing branch is marked invalid")
	}

	// The best header must move to the best remaining candidate, which is the
	// fork block since it has the most work among valid nodes.
	if best := bi.BestHeader(); best != forkNode {
		t.Fatalf("best header after invalidation: got %v, want %v", best.hash,
			forkNode.hash)
	}
}

// TestMarkBlockFailedValidationNoBestHeader ensures invalidating a block in an
// index whose every node is already known invalid does not panic and leaves
// the best header unset.
func TestMarkBlockFailedValidationNoBestHeader(t *testing.T) {
	// Load a lone already-failed node the way nodes arrive from the index
	// database.  No valid node ever becomes the best header.
	bi := newBlockIndex()
	headers := newTestHeaderChain(1)
	node := newBlockNode(&headers[1], nil)
	node.status = statusValidTree | statusValidateFailed
	bi.Lock()
	bi.addNodeFromDB(node)
	bi.Unlock()
	if bi.BestHeader() != nil {
		t.Fatal("best header set from a known invalid node")
	}

	bi.MarkBlockFailedValidation(node)

	if !bi.NodeStatus(node).KnownValidateFailed() {
		t.Fatal("failed block is not marked as having failed validation")
	}
	if bi.BestHeader() != nil {
		t.Fatal("best header set despite every node being invalid")
	}
}

// TestInsertBareNode ensures inserting an unknown hash creates a single bare
// node that is reused by later inserts and lookups.
func TestInsertBareNode(t *testing.T) {
	bi := newBlockIndex()

	var hash chainhash.Hash
	hash[0] = 0xab
	node := bi.insert(&hash)
	if node.height != -1 {
		t.Fatalf("bare node height: got %d, want -1", node.height)
	}
	if !node.dataPos.IsNull() || !node.undoPos.IsNull() {
		t.Fatal("bare node has non-null file positions")
	}
	if again := bi.insert(&hash); again != node {
		t.Fatal("second insert created a distinct node")
	}
	if bi.LookupNode(&hash) != node {
		t.Fatal("lookup does not return the inserted node")
	}
	if bi.HaveBlock(&hash) {
		t.Fatal("bare node reports block data available")
	}
}
