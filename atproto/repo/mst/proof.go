package mst

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

func (n *Node) block() (blocks.Block, error) {
	if !n.CID.Defined() || n.raw == nil {
		return nil, fmt.Errorf("%w: node has not been sealed", ErrInvalidTree)
	}
	return blocks.NewBlockWithCid(n.raw, n.CID)
}

// Returns blocks for every node on the path from the top of the tree to each of the keys: enough to prove either the presence or absence of each key. Blocks are de-duplicated, with parents before children.
func (t *Tree) BuildProof(ctx context.Context, keys [][]byte) ([]blocks.Block, error) {
	seen := make(map[cid.Cid]bool)
	var out []blocks.Block
	add := func(n *Node) error {
		if seen[n.CID] {
			return nil
		}
		seen[n.CID] = true
		blk, err := n.block()
		if err != nil {
			return err
		}
		out = append(out, blk)
		return nil
	}

	for _, key := range keys {
		height := HeightForKey(key)
		n := t.root
		for {
			if err := add(n); err != nil {
				return nil, err
			}
			if height >= n.Height {
				break
			}
			idx, _ := n.findValue(key)
			ci := n.gapChild(idx)
			if ci < 0 {
				break
			}
			child, err := t.child(ctx, n, ci)
			if err != nil {
				return nil, fmt.Errorf("building proof for %s: %w", key, err)
			}
			n = child
		}
	}
	return out, nil
}

// Returns blocks for all nodes which were created in memory (and thus may not be in any block store yet), parents first.
func (t *Tree) NewBlocks() ([]blocks.Block, error) {
	seen := make(map[cid.Cid]bool)
	var out []blocks.Block
	var walk func(n *Node) error
	walk = func(n *Node) error {
		if n.stored || seen[n.CID] {
			return nil
		}
		seen[n.CID] = true
		blk, err := n.block()
		if err != nil {
			return err
		}
		out = append(out, blk)
		for _, e := range n.Entries {
			if e.Child != nil {
				if err := walk(e.Child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(t.root); err != nil {
		return nil, err
	}
	return out, nil
}
