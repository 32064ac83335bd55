package mst

import (
	"context"
	"slices"

	"github.com/ipfs/go-cid"
)

// Removes a key from the sub-tree under `n`, returning the new sub-tree and the removed value. If the key is not found, returns `n` unmodified and a nil value.
//
// The returned node may be empty; callers are responsible for removing empty children, and for trimming the top of the tree.
func (t *Tree) remove(ctx context.Context, n *Node, key []byte, height int) (*Node, *cid.Cid, error) {
	if height > n.Height {
		// key would be on a higher layer; not in tree
		return n, nil, nil
	}

	idx, found := n.findValue(key)

	if height < n.Height {
		ci := n.gapChild(idx)
		if ci < 0 {
			return n, nil, nil
		}
		child, err := t.child(ctx, n, ci)
		if err != nil {
			return nil, nil, err
		}
		newChild, prev, err := t.remove(ctx, child, key, height)
		if err != nil {
			return nil, nil, err
		}
		if prev == nil {
			return n, nil, nil
		}
		out := n.clone()
		if newChild.IsEmpty() {
			out.Entries = slices.Delete(out.Entries, ci, ci+1)
		} else {
			out.Entries[ci] = NodeEntry{Child: newChild}
		}
		return out, prev, nil
	}

	if !found {
		return n, nil, nil
	}

	prev := *n.Entries[idx].Value
	out := n.clone()

	// if the removed entry separated two child sub-trees, they need to be merged
	if idx > 0 && idx+1 < len(n.Entries) && n.Entries[idx-1].IsChild() && n.Entries[idx+1].IsChild() {
		left, err := t.child(ctx, n, idx-1)
		if err != nil {
			return nil, nil, err
		}
		right, err := t.child(ctx, n, idx+1)
		if err != nil {
			return nil, nil, err
		}
		merged, err := t.merge(ctx, left, right)
		if err != nil {
			return nil, nil, err
		}
		out.Entries = slices.Replace(out.Entries, idx-1, idx+2, NodeEntry{Child: merged})
	} else {
		out.Entries = slices.Delete(out.Entries, idx, idx+1)
	}
	return out, &prev, nil
}

// Combines two adjacent sub-trees at the same height. Touching child sub-trees at the seam are merged recursively.
func (t *Tree) merge(ctx context.Context, left, right *Node) (*Node, error) {
	if left.IsEmpty() {
		return right, nil
	}
	if right.IsEmpty() {
		return left, nil
	}
	last := len(left.Entries) - 1
	entries := make([]NodeEntry, 0, len(left.Entries)+len(right.Entries))
	if left.Entries[last].IsChild() && right.Entries[0].IsChild() {
		lowerLeft, err := t.child(ctx, left, last)
		if err != nil {
			return nil, err
		}
		lowerRight, err := t.child(ctx, right, 0)
		if err != nil {
			return nil, err
		}
		lowerMerged, err := t.merge(ctx, lowerLeft, lowerRight)
		if err != nil {
			return nil, err
		}
		entries = append(entries, left.Entries[:last]...)
		entries = append(entries, NodeEntry{Child: lowerMerged})
		entries = append(entries, right.Entries[1:]...)
	} else {
		entries = append(entries, left.Entries...)
		entries = append(entries, right.Entries...)
	}
	return &Node{Height: left.Height, Entries: entries}, nil
}

// Strips the top of the tree while it is just a pointer to a single child. An empty tree is normalized to height zero.
func (t *Tree) trimTop(ctx context.Context, n *Node) (*Node, error) {
	for len(n.Entries) == 1 && n.Entries[0].IsChild() {
		child, err := t.child(ctx, n, 0)
		if err != nil {
			return nil, err
		}
		n = child
	}
	if n.IsEmpty() && n.Height != 0 {
		n = &Node{}
	}
	return n, nil
}
