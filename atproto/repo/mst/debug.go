package mst

import (
	"context"
	"fmt"

	"github.com/xlab/treeprint"
)

// Renders the tree structure as text, for debugging. Nodes which are not available are shown as "(partial)".
func DebugPrintTree(ctx context.Context, t *Tree) (string, error) {
	out := treeprint.NewWithRoot(fmt.Sprintf("%s (height %d)", t.RootCID(), t.Height()))
	if err := t.debugNode(ctx, t.root, out); err != nil {
		return "", err
	}
	return out.String(), nil
}

func (t *Tree) debugNode(ctx context.Context, n *Node, branch treeprint.Tree) error {
	for i, e := range n.Entries {
		if e.IsValue() {
			branch.AddNode(fmt.Sprintf("%s -> %s", e.Key, e.Value))
			continue
		}
		child, err := t.child(ctx, n, i)
		if isMissing(err) {
			branch.AddNode(fmt.Sprintf("(partial) %s", childCID(&e)))
			continue
		}
		if err != nil {
			return err
		}
		sub := branch.AddBranch(fmt.Sprintf("%s (height %d)", child.CID, child.Height))
		if err := t.debugNode(ctx, child, sub); err != nil {
			return err
		}
	}
	return nil
}
