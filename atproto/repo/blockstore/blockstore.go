// Content-addressed block storage for repository data: MST nodes, commits and records.
//
// Every implementation checks that a block's bytes hash to its CID before accepting it, and returns an [ipld.ErrNotFound] for missing blocks.
package blockstore

import (
	"context"
	"errors"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/multiformats/go-multihash"
)

// Minimal block storage interface used by the repository code. The go-ipfs-blockstore Blockstore interface is a superset.
type Store interface {
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	Put(ctx context.Context, blk blocks.Block) error
	Has(ctx context.Context, c cid.Cid) (bool, error)
	PutMany(ctx context.Context, blks []blocks.Block) error
}

var ErrHashMismatch = errors.New("block data does not match CID")

// CID prefix for all repository blocks: CIDv1, DAG-CBOR, SHA2-256
var CBORPrefix = cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)

// Wraps encoded DAG-CBOR bytes as a block, computing the CID.
func CBORBlock(data []byte) (blocks.Block, error) {
	c, err := CBORPrefix.Sum(data)
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, c)
}

// Checks that the block's bytes hash to its CID, using the hash function and codec indicated by the CID itself.
func VerifyBlock(blk blocks.Block) error {
	c := blk.Cid()
	if !c.Defined() {
		return fmt.Errorf("%w: undefined CID", ErrHashMismatch)
	}
	computed, err := c.Prefix().Sum(blk.RawData())
	if err != nil {
		return fmt.Errorf("hashing block %s: %w", c, err)
	}
	if !computed.Equals(c) {
		return fmt.Errorf("%w: expected %s, computed %s", ErrHashMismatch, c, computed)
	}
	return nil
}

// Builds a block from a CID and bytes, failing if they don't match.
func NewVerifiedBlock(c cid.Cid, data []byte) (blocks.Block, error) {
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, err
	}
	if err := VerifyBlock(blk); err != nil {
		return nil, err
	}
	return blk, nil
}

func IsNotFound(err error) bool {
	return ipld.IsNotFound(err)
}
