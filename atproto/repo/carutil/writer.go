package carutil

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"
	"github.com/bluesky-social/atrepo/atproto/repo/mst"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	cbg "github.com/whyrusleeping/cbor-gen"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var ErrStreamingOrder = errors.New("CAR blocks not in streaming order")

func LdWrite(w io.Writer, d ...[]byte) (int64, error) {
	var sum uint64
	for _, s := range d {
		sum += uint64(len(s))
	}

	nw, err := w.Write(frameLen(sum))
	if err != nil {
		return 0, err
	}

	for _, s := range d {
		onw, err := w.Write(s)
		if err != nil {
			return int64(nw), err
		}
		nw += onw
	}

	return int64(nw), nil
}

// varint length prefix of a frame
func frameLen(l uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, l)
	return buf[:n]
}

// Writes a CAR v1 header, then blocks one at a time.
type Writer struct {
	w     io.Writer
	count int
}

func NewWriter(w io.Writer, roots []cid.Cid) (*Writer, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: no roots", ErrHeaderMismatch)
	}
	if err := car.WriteHeader(&car.CarHeader{
		Roots:   roots,
		Version: 1,
	}, w); err != nil {
		return nil, err
	}
	return &Writer{w: w}, nil
}

func (cw *Writer) WriteBlock(blk blocks.Block) error {
	if _, err := LdWrite(cw.w, blk.Cid().Bytes(), blk.RawData()); err != nil {
		return err
	}
	cw.count++
	carBlocksWritten.Inc()
	return nil
}

// Number of blocks written so far.
func (cw *Writer) Count() int {
	return cw.count
}

// Writes blocks in exactly the order given.
func WriteBlocks(w io.Writer, roots []cid.Cid, blks []blocks.Block) error {
	cw, err := NewWriter(w, roots)
	if err != nil {
		return err
	}
	for _, blk := range blks {
		if err := cw.WriteBlock(blk); err != nil {
			return err
		}
	}
	return nil
}

// Returns the CIDs linked from a block. Only DAG-CBOR blocks can contain links.
func blockLinks(blk blocks.Block) ([]cid.Cid, error) {
	if blk.Cid().Prefix().Codec != cid.DagCBOR {
		return nil, nil
	}
	var out []cid.Cid
	if err := cbg.ScanForLinks(bytes.NewReader(blk.RawData()), func(lnk cid.Cid) {
		out = append(out, lnk)
	}); err != nil {
		return nil, fmt.Errorf("scanning links in %s: %w", blk.Cid(), err)
	}
	return out, nil
}

// Sorts blocks so that every block comes after all blocks in the set which link to it. Blocks reachable from the roots come first (depth-first, in link order); any blocks not reachable from the roots follow, ordered by CID.
func DeltaOrder(roots []cid.Cid, blks []blocks.Block) ([]blocks.Block, error) {
	byCID := make(map[cid.Cid]blocks.Block, len(blks))
	links := make(map[cid.Cid][]cid.Cid, len(blks))
	for _, blk := range blks {
		if _, ok := byCID[blk.Cid()]; ok {
			continue
		}
		byCID[blk.Cid()] = blk
		lnks, err := blockLinks(blk)
		if err != nil {
			return nil, err
		}
		links[blk.Cid()] = lnks
	}

	var starts []cid.Cid
	for _, r := range roots {
		if _, ok := byCID[r]; ok {
			starts = append(starts, r)
		}
	}
	rest := make([]cid.Cid, 0, len(byCID))
	for c := range byCID {
		rest = append(rest, c)
	}
	sort.Slice(rest, func(i, j int) bool {
		return rest[i].KeyString() < rest[j].KeyString()
	})
	starts = append(starts, rest...)

	// reverse post-order of a depth-first walk is a topological order
	visited := make(map[cid.Cid]bool, len(byCID))
	post := make([]cid.Cid, 0, len(byCID))
	var visit func(c cid.Cid)
	visit = func(c cid.Cid) {
		if visited[c] {
			return
		}
		visited[c] = true
		lnks := links[c]
		for i := len(lnks) - 1; i >= 0; i-- {
			if _, ok := byCID[lnks[i]]; ok {
				visit(lnks[i])
			}
		}
		post = append(post, c)
	}
	for i := len(starts) - 1; i >= 0; i-- {
		visit(starts[i])
	}

	out := make([]blocks.Block, 0, len(post))
	for i := len(post) - 1; i >= 0; i-- {
		out = append(out, byCID[post[i]])
	}
	return out, nil
}

// Writes a set of blocks (eg, a commit diff or proof) in streaming order. See [DeltaOrder].
func WriteDelta(w io.Writer, roots []cid.Cid, blks []blocks.Block) error {
	ordered, err := DeltaOrder(roots, blks)
	if err != nil {
		return err
	}
	return WriteBlocks(w, roots, ordered)
}

// Checks that no block in the sequence links to a block which appeared earlier in the sequence.
func CheckStreamingOrder(blks []blocks.Block) error {
	pos := make(map[cid.Cid]int, len(blks))
	for i, blk := range blks {
		if _, ok := pos[blk.Cid()]; !ok {
			pos[blk.Cid()] = i
		}
	}
	for i, blk := range blks {
		lnks, err := blockLinks(blk)
		if err != nil {
			return err
		}
		for _, lnk := range lnks {
			j, ok := pos[lnk]
			if ok && j <= i {
				return fmt.Errorf("%w: %s (position %d) links to %s (position %d)", ErrStreamingOrder, blk.Cid(), i, lnk, j)
			}
		}
	}
	return nil
}

type SnapshotOptions struct {
	// Skip record blocks which are not in the store, instead of failing.
	AllowMissingRecords bool
}

func DefaultSnapshotOptions() SnapshotOptions {
	return SnapshotOptions{
		AllowMissingRecords: false,
	}
}

// Writes a full repository export: the commit block, then every MST node and record block. Nodes are written depth-first, each before its children, with record blocks in key order.
func WriteSnapshot(ctx context.Context, w io.Writer, store blockstore.Store, commitCID, data cid.Cid, opts *SnapshotOptions) error {
	ctx, span := otel.Tracer("carutil").Start(ctx, "WriteSnapshot")
	defer span.End()

	if opts == nil {
		o := DefaultSnapshotOptions()
		opts = &o
	}

	commitBlk, err := store.Get(ctx, commitCID)
	if err != nil {
		return fmt.Errorf("reading commit block: %w", err)
	}
	tree, err := mst.LoadTree(ctx, store, data, nil)
	if err != nil {
		return fmt.Errorf("loading MST: %w", err)
	}

	cw, err := NewWriter(w, []cid.Cid{commitCID})
	if err != nil {
		return err
	}
	if err := cw.WriteBlock(commitBlk); err != nil {
		return err
	}

	seen := make(map[cid.Cid]bool)
	missing := 0
	err = tree.WalkBlocks(ctx, func(n *mst.Node) error {
		if seen[n.CID] {
			return nil
		}
		seen[n.CID] = true
		blk, err := blocks.NewBlockWithCid(n.Bytes(), n.CID)
		if err != nil {
			return err
		}
		return cw.WriteBlock(blk)
	}, func(key []byte, val cid.Cid) error {
		if seen[val] {
			return nil
		}
		seen[val] = true
		blk, err := store.Get(ctx, val)
		if blockstore.IsNotFound(err) && opts.AllowMissingRecords {
			missing++
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading record %s: %w", key, err)
		}
		return cw.WriteBlock(blk)
	})
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("blocks", cw.Count()), attribute.Int("missing", missing))
	return nil
}
