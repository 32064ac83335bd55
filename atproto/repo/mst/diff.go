package mst

import (
	"bytes"
	"context"

	"github.com/ipfs/go-cid"
)

// A single key-level difference between two trees. Old is nil for creations; New is nil for deletions.
type Change struct {
	Key string
	Old *cid.Cid
	New *cid.Cid
}

func (c *Change) IsCreate() bool {
	return c.Old == nil && c.New != nil
}

func (c *Change) IsUpdate() bool {
	return c.Old != nil && c.New != nil
}

func (c *Change) IsDelete() bool {
	return c.Old != nil && c.New == nil
}

type DiffResult struct {
	// in key order
	Changes []Change
	// nodes in the new tree which are not in the old tree
	NewNodes []cid.Cid
	// nodes in the old tree which are not in the new tree
	RemovedNodes []cid.Cid
}

type walkFrame struct {
	n   *Node
	idx int
}

// in-order cursor over a tree, which can either step over a child sub-tree or descend in to it
type diffWalker struct {
	t       *Tree
	stack   []walkFrame
	visited []cid.Cid
}

func newDiffWalker(t *Tree) *diffWalker {
	w := &diffWalker{
		t:       t,
		stack:   []walkFrame{{n: t.root}},
		visited: []cid.Cid{t.root.CID},
	}
	w.normalize()
	return w
}

func (w *diffWalker) normalize() {
	for len(w.stack) > 0 {
		top := w.stack[len(w.stack)-1]
		if top.idx < len(top.n.Entries) {
			return
		}
		w.stack = w.stack[:len(w.stack)-1]
	}
}

func (w *diffWalker) done() bool {
	return len(w.stack) == 0
}

// current entry, and the height of the node holding it
func (w *diffWalker) current() (*NodeEntry, int) {
	top := &w.stack[len(w.stack)-1]
	return &top.n.Entries[top.idx], top.n.Height
}

func (w *diffWalker) stepOver() {
	w.stack[len(w.stack)-1].idx++
	w.normalize()
}

func (w *diffWalker) stepInto(ctx context.Context) error {
	top := &w.stack[len(w.stack)-1]
	child, err := w.t.child(ctx, top.n, top.idx)
	if err != nil {
		return err
	}
	top.idx++
	w.visited = append(w.visited, child.CID)
	w.stack = append(w.stack, walkFrame{n: child})
	w.normalize()
	return nil
}

// walks all remaining entries
func (w *diffWalker) drain(ctx context.Context, fn func(e *NodeEntry)) error {
	for !w.done() {
		e, _ := w.current()
		if e.IsChild() {
			if err := w.stepInto(ctx); err != nil {
				return err
			}
			continue
		}
		fn(e)
		w.stepOver()
	}
	return nil
}

func childCID(e *NodeEntry) cid.Cid {
	if e.ChildCID != nil {
		return *e.ChildCID
	}
	if e.Child != nil {
		return e.Child.CID
	}
	return cid.Undef
}

// Computes the differences between two trees, walking both in lockstep and skipping any sub-trees which are identical (same CID) on both sides.
//
// Both trees must be complete in the regions where they differ.
func Diff(ctx context.Context, oldTree, newTree *Tree) (*DiffResult, error) {
	out := &DiffResult{}
	if oldTree.RootCID() == newTree.RootCID() {
		return out, nil
	}

	wo := newDiffWalker(oldTree)
	wn := newDiffWalker(newTree)

	deleted := func(e *NodeEntry) {
		out.Changes = append(out.Changes, Change{Key: string(e.Key), Old: e.Value})
	}
	created := func(e *NodeEntry) {
		out.Changes = append(out.Changes, Change{Key: string(e.Key), New: e.Value})
	}

	for !wo.done() && !wn.done() {
		eo, ho := wo.current()
		en, hn := wn.current()

		switch {
		case eo.IsValue() && en.IsValue():
			switch bytes.Compare(eo.Key, en.Key) {
			case 0:
				if *eo.Value != *en.Value {
					out.Changes = append(out.Changes, Change{Key: string(eo.Key), Old: eo.Value, New: en.Value})
				}
				wo.stepOver()
				wn.stepOver()
			case -1:
				deleted(eo)
				wo.stepOver()
			default:
				created(en)
				wn.stepOver()
			}
		case eo.IsChild() && en.IsChild():
			if ho == hn && childCID(eo) == childCID(en) {
				wo.stepOver()
				wn.stepOver()
				continue
			}
			// descend the taller side first, which gives identical lower sub-trees a chance to line up
			if ho >= hn {
				if err := wo.stepInto(ctx); err != nil {
					return nil, err
				}
			}
			if hn >= ho {
				if err := wn.stepInto(ctx); err != nil {
					return nil, err
				}
			}
		case eo.IsChild():
			if err := wo.stepInto(ctx); err != nil {
				return nil, err
			}
		default:
			if err := wn.stepInto(ctx); err != nil {
				return nil, err
			}
		}
	}
	if err := wo.drain(ctx, deleted); err != nil {
		return nil, err
	}
	if err := wn.drain(ctx, created); err != nil {
		return nil, err
	}

	oldSet := make(map[cid.Cid]bool, len(wo.visited))
	for _, c := range wo.visited {
		oldSet[c] = true
	}
	newSet := make(map[cid.Cid]bool, len(wn.visited))
	for _, c := range wn.visited {
		newSet[c] = true
		if !oldSet[c] {
			out.NewNodes = append(out.NewNodes, c)
		}
	}
	for _, c := range wo.visited {
		if !newSet[c] {
			out.RemovedNodes = append(out.RemovedNodes, c)
		}
	}
	return out, nil
}

// Follows two trees down from the top, returning the depth (top node is 0) of the deepest node at which they still differ. The walk only descends while exactly one sub-tree differs, and stops when a node on either side is not available. Returns -1 for identical trees.
func DivergenceDepth(ctx context.Context, a, b *Tree) int {
	if a.RootCID() == b.RootCID() {
		return -1
	}
	na, nb := a.root, b.root
	depth := 0
	for {
		if na.Height != nb.Height || len(na.Entries) != len(nb.Entries) {
			return depth
		}
		next := -1
		for i := range na.Entries {
			ea, eb := &na.Entries[i], &nb.Entries[i]
			if ea.IsChild() != eb.IsChild() {
				return depth
			}
			if ea.IsValue() {
				if !bytes.Equal(ea.Key, eb.Key) || *ea.Value != *eb.Value {
					return depth
				}
				continue
			}
			if childCID(ea) != childCID(eb) {
				if next >= 0 {
					return depth
				}
				next = i
			}
		}
		if next < 0 {
			return depth
		}
		ca, err := a.child(ctx, na, next)
		if err != nil {
			return depth
		}
		cb, err := b.child(ctx, nb, next)
		if err != nil {
			return depth
		}
		na, nb = ca, cb
		depth++
	}
}
