package mst

import (
	"bytes"
	"context"
	"fmt"
)

// Checks the structure of the entire tree: key order and heights, child placement, no empty nodes below the top, and a top node which is not just a pointer. Loads every node, so it will fail on partial trees.
func (t *Tree) Verify(ctx context.Context) error {
	if t.root.IsEmpty() {
		return nil
	}
	if len(t.root.Entries) == 1 && t.root.Entries[0].IsChild() {
		return fmt.Errorf("%w: top of tree is just a pointer to child", ErrInvalidTree)
	}
	var lastKey []byte
	return t.verifyNode(ctx, t.root, &lastKey)
}

func (t *Tree) verifyNode(ctx context.Context, n *Node, lastKey *[]byte) error {
	if n.IsEmpty() {
		return fmt.Errorf("%w: empty tree node", ErrInvalidTree)
	}
	lastWasChild := false
	for i, e := range n.Entries {
		switch {
		case e.IsChild() && e.IsValue():
			return fmt.Errorf("%w: entry is both a child and a value", ErrInvalidTree)
		case e.IsChild():
			if lastWasChild {
				return fmt.Errorf("%w: sibling children in entries list", ErrInvalidTree)
			}
			lastWasChild = true
			if n.Height == 0 {
				return fmt.Errorf("%w: child below zero height", ErrInvalidTree)
			}
			child, err := t.child(ctx, n, i)
			if err != nil {
				return err
			}
			if child.Height != n.Height-1 {
				return fmt.Errorf("%w: child node at height %d under node at height %d", ErrInvalidTree, child.Height, n.Height)
			}
			if err := t.verifyNode(ctx, child, lastKey); err != nil {
				return err
			}
		case e.IsValue():
			lastWasChild = false
			if *lastKey != nil && bytes.Compare(*lastKey, e.Key) >= 0 {
				return fmt.Errorf("%w: out of order or duplicate key: %s", ErrInvalidTree, e.Key)
			}
			if h := HeightForKey(e.Key); h != n.Height {
				return fmt.Errorf("%w: wrong height for key %s: %d (node at %d)", ErrInvalidTree, e.Key, h, n.Height)
			}
			*lastKey = e.Key
		default:
			return fmt.Errorf("%w: entry was neither child nor value", ErrInvalidTree)
		}
	}
	return nil
}
