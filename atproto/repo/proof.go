package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"
	"github.com/bluesky-social/atrepo/atproto/repo/mst"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
)

var ErrRootMismatch = errors.New("recomputed MST root does not match")

var ErrMissingBlock = errors.New("block needed for proof verification is missing")

// Verification found a node whose recomputed CID does not match the CID it was claimed to have. Depth is counted from the top of the tree (0).
type RootMismatchError struct {
	Depth    int
	Expected cid.Cid
	Computed cid.Cid
}

func (e *RootMismatchError) Error() string {
	return fmt.Sprintf("MST root mismatch at depth %d: expected %s, computed %s", e.Depth, e.Expected, e.Computed)
}

func (e *RootMismatchError) Is(target error) bool {
	return target == ErrRootMismatch
}

// A block needed to verify a proof was not included. Depth is -1 for blocks which are not MST nodes (eg, records).
type MissingBlockError struct {
	CID   cid.Cid
	Depth int
}

func (e *MissingBlockError) Error() string {
	return fmt.Sprintf("block missing from proof at depth %d: %s", e.Depth, e.CID)
}

func (e *MissingBlockError) Is(target error) bool {
	return target == ErrMissingBlock
}

// An "inversion" proof for a set of operations: the blocks are enough to start from the new MST root (Data), invert every operation, and arrive at the previous root (PrevData), without access to the rest of the tree.
type Proof struct {
	Ops      []mst.Operation
	PrevData cid.Cid
	Data     cid.Cid
	// MST node blocks, parents first
	Blocks []blocks.Block
}

// A requested change to a single record path. A nil Value means deletion.
type Write struct {
	Path  string
	Value *cid.Cid
}

// Applies the writes to the MST of `prevData`, then replays their inversion against the result, recording every node which was read. Returns the proof and the new tree; nodes created by the writes are not persisted to `bs`.
//
// Writes which do not change the tree (an update to the current value) are dropped from the proof. Writes to the same path more than once are an error.
func ProduceInversion(ctx context.Context, bs blockstore.Store, prevData cid.Cid, writes []Write) (*Proof, *mst.Tree, error) {
	paths := make(map[string]bool, len(writes))
	for _, w := range writes {
		if paths[w.Path] {
			return nil, nil, fmt.Errorf("%w: duplicate path: %s", mst.ErrInvalidOperation, w.Path)
		}
		paths[w.Path] = true
	}

	tree, err := mst.LoadTree(ctx, bs, prevData, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("loading previous MST: %w", err)
	}
	var ops []mst.Operation
	for _, w := range writes {
		var op *mst.Operation
		tree, op, err = mst.ApplyOp(ctx, tree, w.Path, w.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("applying write to %s: %w", w.Path, err)
		}
		if !op.IsCreate() && !op.IsUpdate() && !op.IsDelete() {
			continue
		}
		ops = append(ops, *op)
	}
	ops, err = mst.NormalizeOps(ops)
	if err != nil {
		return nil, nil, err
	}

	// persist new nodes to a scratch layer, so the traced copy of the tree reads every node through the recorder
	scratch := blockstore.NewOverlay(bs)
	if _, err := tree.WriteBlocks(ctx, scratch); err != nil {
		return nil, nil, err
	}
	rec := blockstore.NewRecordingStore(scratch)
	traced, err := mst.LoadTree(ctx, rec, tree.RootCID(), &mst.Options{NodeCacheSize: 0})
	if err != nil {
		return nil, nil, err
	}

	keys := make([][]byte, len(ops))
	for i, op := range ops {
		keys[i] = []byte(op.Path)
	}
	pathBlocks, err := traced.BuildProof(ctx, keys)
	if err != nil {
		return nil, nil, err
	}

	// same sequence of reads as VerifyInversion: forward checks on the new tree, then inversion
	for _, op := range ops {
		if err := mst.CheckOp(ctx, traced, &op); err != nil {
			return nil, nil, err
		}
	}
	inv := traced
	for _, op := range ops {
		inv, err = mst.InvertOp(ctx, inv, &op)
		if err != nil {
			return nil, nil, err
		}
	}
	if inv.RootCID() != prevData {
		return nil, nil, &RootMismatchError{Depth: 0, Expected: prevData, Computed: inv.RootCID()}
	}

	// path blocks first (parents before children), then anything else the inversion touched, ordered by CID
	included := make(map[cid.Cid]bool)
	out := make([]blocks.Block, 0, len(pathBlocks))
	for _, blk := range pathBlocks {
		included[blk.Cid()] = true
		out = append(out, blk)
	}
	var rest []blocks.Block
	for c, blk := range rec.Recorded() {
		if !included[c] {
			rest = append(rest, blk)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		return rest[i].Cid().KeyString() < rest[j].Cid().KeyString()
	})
	out = append(out, rest...)

	proofBlockCount.Observe(float64(len(out)))
	return &Proof{
		Ops:      ops,
		PrevData: prevData,
		Data:     tree.RootCID(),
		Blocks:   out,
	}, tree, nil
}

// Read-only store over the blocks of a proof. Blocks are not hash-checked on the way in: the MST loader checks every node as it is read, which lets verification report the depth of a corrupt node.
type proofStore map[cid.Cid]blocks.Block

func (ps proofStore) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	blk, ok := ps[c]
	if !ok {
		return nil, &ipld.ErrNotFound{Cid: c}
	}
	return blk, nil
}

func (ps proofStore) Has(_ context.Context, c cid.Cid) (bool, error) {
	_, ok := ps[c]
	return ok, nil
}

func (ps proofStore) Put(context.Context, blocks.Block) error {
	return fmt.Errorf("proof block store is read-only")
}

func (ps proofStore) PutMany(context.Context, []blocks.Block) error {
	return fmt.Errorf("proof block store is read-only")
}

// converts MST loading errors in to proof errors, with depth relative to a tree of the given height
func proofError(err error, rootHeight int) error {
	depthOf := func(height int) int {
		if height < 0 {
			return 0
		}
		return rootHeight - height
	}
	var mne *mst.MissingNodeError
	if errors.As(err, &mne) {
		return &MissingBlockError{CID: mne.CID, Depth: depthOf(mne.Height)}
	}
	var cne *mst.CorruptNodeError
	if errors.As(err, &cne) {
		return &RootMismatchError{Depth: depthOf(cne.Height), Expected: cne.CID, Computed: cne.Computed}
	}
	return err
}

// Checks an inversion proof using only the supplied blocks: the operations must be reflected in the tree at `data`, and inverting all of them must give exactly `prevData`.
//
// Returns a [*MissingBlockError] if a needed block was not supplied, or a [*RootMismatchError] if any node fails to hash to its claimed CID or the final root does not match.
func VerifyInversion(ctx context.Context, prevData cid.Cid, blks []blocks.Block, ops []mst.Operation, data cid.Cid) error {
	err := verifyInversion(ctx, prevData, blks, ops, data)
	if err != nil {
		proofVerifyFailures.Inc()
	}
	return err
}

func verifyInversion(ctx context.Context, prevData cid.Cid, blks []blocks.Block, ops []mst.Operation, data cid.Cid) error {
	ps := make(proofStore, len(blks))
	for _, blk := range blks {
		ps[blk.Cid()] = blk
	}
	opts := &mst.Options{NodeCacheSize: 0}

	tree, err := mst.LoadTree(ctx, ps, data, opts)
	if err != nil {
		return proofError(err, 0)
	}
	rootHeight := tree.Height()

	ops, err = mst.NormalizeOps(ops)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := mst.CheckOp(ctx, tree, &op); err != nil {
			return proofError(err, rootHeight)
		}
	}

	inv := tree
	for _, op := range ops {
		inv, err = mst.InvertOp(ctx, inv, &op)
		if err != nil {
			return proofError(err, rootHeight)
		}
	}

	if inv.RootCID() != prevData {
		depth := 0
		claimed, err := mst.LoadTree(ctx, ps, prevData, opts)
		if err == nil {
			depth = mst.DivergenceDepth(ctx, inv, claimed)
		}
		return &RootMismatchError{Depth: depth, Expected: prevData, Computed: inv.RootCID()}
	}
	return nil
}
