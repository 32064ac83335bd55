package mst

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/ipfs/go-cid"
)

// A node referenced by CID was not available in the block store. Matches [ErrPartialTree].
type MissingNodeError struct {
	CID cid.Cid
	// expected height of the node; -1 for the top of the tree
	Height int
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("MST node not found: %s (height %d)", e.CID, e.Height)
}

func (e *MissingNodeError) Is(target error) bool {
	return target == ErrPartialTree
}

// A node block did not hash to the CID it was referenced by, or hashed correctly but has a shape no valid tree can contain (Reason is set). Matches [ErrInvalidTree], and [blockstore.ErrHashMismatch] for hash failures.
type CorruptNodeError struct {
	CID      cid.Cid
	Computed cid.Cid
	Height   int
	Reason   string
}

func (e *CorruptNodeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("corrupt MST node %s (height %d): %s", e.CID, e.Height, e.Reason)
	}
	return fmt.Sprintf("MST node hash mismatch: expected %s, computed %s (height %d)", e.CID, e.Computed, e.Height)
}

func (e *CorruptNodeError) Is(target error) bool {
	if target == ErrInvalidTree {
		return true
	}
	return e.Reason == "" && target == blockstore.ErrHashMismatch
}

// Reads and decodes nodes from a block store, with an optional cache of decoded nodes. Safe for concurrent use.
type loader struct {
	store blockstore.Store
	cache *arc.ARCCache[cid.Cid, *Node]
}

func newLoader(store blockstore.Store, cacheSize int) (*loader, error) {
	ld := &loader{store: store}
	if cacheSize > 0 {
		cache, err := arc.NewARC[cid.Cid, *Node](cacheSize)
		if err != nil {
			return nil, err
		}
		ld.cache = cache
	}
	return ld, nil
}

// Fetches the node with the given CID. The block bytes are always hash-checked and the node structure validated.
//
// height: expected node height; -1 for the top of the tree
func (ld *loader) load(ctx context.Context, c cid.Cid, height int) (*Node, error) {
	if ld.cache != nil {
		if n, ok := ld.cache.Get(c); ok {
			nodeCacheHits.Inc()
			if height >= 0 && n.Height != height {
				return nil, fmt.Errorf("%w: node %s at height %d, expected %d", ErrInvalidTree, c, n.Height, height)
			}
			return n, nil
		}
		nodeCacheMisses.Inc()
	}
	if ld.store == nil {
		return nil, &MissingNodeError{CID: c, Height: height}
	}

	blk, err := ld.store.Get(ctx, c)
	if err != nil {
		if blockstore.IsNotFound(err) {
			return nil, &MissingNodeError{CID: c, Height: height}
		}
		return nil, fmt.Errorf("reading MST node %s: %w", c, err)
	}
	raw := blk.RawData()
	computed, err := c.Prefix().Sum(raw)
	if err != nil {
		return nil, err
	}
	if !computed.Equals(c) {
		return nil, &CorruptNodeError{CID: c, Computed: computed, Height: height}
	}
	if c.Prefix().Codec != cid.DagCBOR {
		return nil, fmt.Errorf("%w: node CID is not DAG-CBOR: %s", ErrInvalidTree, c)
	}

	n, err := decodeNode(raw, height)
	if errors.Is(err, errLeafChild) {
		return nil, &CorruptNodeError{CID: c, Computed: computed, Height: max(height, 0), Reason: err.Error()}
	}
	if err != nil {
		return nil, fmt.Errorf("decoding MST node %s: %w", c, err)
	}
	n.CID = c
	if ld.cache != nil {
		ld.cache.Add(c, n)
	}
	return n, nil
}

func isMissing(err error) bool {
	var mne *MissingNodeError
	return errors.As(err, &mne)
}
