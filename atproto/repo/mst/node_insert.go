package mst

import (
	"context"
	"slices"

	"github.com/ipfs/go-cid"
)

// Adds or replaces a key/CID entry in the sub-tree under `n`. Returns the new sub-tree and the previous value, if any.
//
// If the key already exists with the exact same value, the operation is a no-op and `n` itself is returned.
//
// key: must be a valid key
// height: tree height of the key (from HeightForKey)
func (t *Tree) insert(ctx context.Context, n *Node, key []byte, val cid.Cid, height int) (*Node, *cid.Cid, error) {
	if height > n.Height {
		// key is on a higher layer; need to add parent nodes, which may involve splitting this node
		var parent *Node
		if n.IsEmpty() {
			parent = &Node{Height: height}
		} else {
			parent = &Node{
				Height:  n.Height + 1,
				Entries: []NodeEntry{{Child: n}},
			}
		}
		return t.insert(ctx, parent, key, val, height)
	}

	idx, found := n.findValue(key)

	if height < n.Height {
		return t.insertChild(ctx, n, idx, key, val, height)
	}

	if found {
		prev := *n.Entries[idx].Value
		if prev == val {
			return n, &prev, nil
		}
		out := n.clone()
		out.Entries[idx] = NodeEntry{Key: n.Entries[idx].Key, Value: &val}
		return out, &prev, nil
	}

	out := n.clone()
	entry := NodeEntry{Key: key, Value: &val}
	ci := n.gapChild(idx)
	if ci < 0 {
		out.Entries = slices.Insert(out.Entries, idx, entry)
		return out, nil, nil
	}

	// the key falls within the range of a child sub-tree, which needs to be split in to nodes on either side of the new entry
	child, err := t.child(ctx, n, ci)
	if err != nil {
		return nil, nil, err
	}
	left, right, err := t.split(ctx, child, key)
	if err != nil {
		return nil, nil, err
	}
	repl := make([]NodeEntry, 0, 3)
	if left != nil {
		repl = append(repl, NodeEntry{Child: left})
	}
	repl = append(repl, entry)
	if right != nil {
		repl = append(repl, NodeEntry{Child: right})
	}
	out.Entries = slices.Replace(out.Entries, ci, ci+1, repl...)
	return out, nil, nil
}

// inserts "below" this node; either in an existing child sub-tree, or in a newly created one
func (t *Tree) insertChild(ctx context.Context, n *Node, idx int, key []byte, val cid.Cid, height int) (*Node, *cid.Cid, error) {
	ci := n.gapChild(idx)
	if ci >= 0 {
		child, err := t.child(ctx, n, ci)
		if err != nil {
			return nil, nil, err
		}
		newChild, prev, err := t.insert(ctx, child, key, val, height)
		if err != nil {
			return nil, nil, err
		}
		if newChild == child {
			return n, prev, nil
		}
		out := n.clone()
		out.Entries[ci] = NodeEntry{Child: newChild}
		return out, prev, nil
	}

	// this may recursively create intermediate nodes, if the key is more than one layer down
	newChild, _, err := t.insert(ctx, &Node{Height: n.Height - 1}, key, val, height)
	if err != nil {
		return nil, nil, err
	}
	out := n.clone()
	out.Entries = slices.Insert(out.Entries, idx, NodeEntry{Child: newChild})
	return out, nil, nil
}

// Splits the sub-tree under `n` in to two sub-trees (at the same height) holding the keys lower and higher than `key`. Either side may be nil if it would be empty.
//
// If all keys fall on one side, `n` itself is returned for that side, unmodified.
func (t *Tree) split(ctx context.Context, n *Node, key []byte) (*Node, *Node, error) {
	idx, found := n.findValue(key)
	if found {
		return nil, nil, ErrKeyExists
	}

	ci := n.gapChild(idx)
	if ci < 0 {
		if idx == len(n.Entries) {
			return n, nil, nil
		}
		if idx == 0 {
			return nil, n, nil
		}
		left := newNode(n.Height, slices.Clone(n.Entries[:idx]))
		right := newNode(n.Height, slices.Clone(n.Entries[idx:]))
		return left, right, nil
	}

	child, err := t.child(ctx, n, ci)
	if err != nil {
		return nil, nil, err
	}
	lowerLeft, lowerRight, err := t.split(ctx, child, key)
	if err != nil {
		return nil, nil, err
	}
	if lowerLeft == child && ci == len(n.Entries)-1 {
		return n, nil, nil
	}
	if lowerRight == child && ci == 0 {
		return nil, n, nil
	}

	leftEntries := slices.Clone(n.Entries[:ci])
	if lowerLeft != nil {
		leftEntries = append(leftEntries, NodeEntry{Child: lowerLeft})
	}
	var rightEntries []NodeEntry
	if lowerRight != nil {
		rightEntries = append(rightEntries, NodeEntry{Child: lowerRight})
	}
	rightEntries = append(rightEntries, n.Entries[ci+1:]...)
	return newNode(n.Height, leftEntries), newNode(n.Height, rightEntries), nil
}
