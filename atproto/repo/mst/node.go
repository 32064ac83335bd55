package mst

import (
	"bytes"
	"slices"

	"github.com/ipfs/go-cid"
)

// Represents a node in a Merkle Search Tree (MST). If this is the "root" or "top" of the tree, it effectively is the tree itself.
//
// Nodes are immutable once their CID has been computed. Operations which modify the tree copy every node along the modified path, and re-use all other nodes.
type Node struct {
	// array of key/value pairs and pointers to child nodes. entry arrays must always be in correct/valid order at any point in time: sorted by 'key', and at most one 'pointer' entry between 'value' entries.
	Entries []NodeEntry
	// "height" or "layer" of MST tree this node is at (with zero at the "bottom" and root/top of tree the "highest")
	Height int
	// CID of the encoded NodeData. undefined until the node is sealed
	CID cid.Cid

	// encoded NodeData (DAG-CBOR)
	raw []byte
	// true if this node was read from a block store (as opposed to created in memory)
	stored bool
}

// Represents an entry in an MST `Node`, which could either be a direct path/value entry, or a pointer to a child tree node. Note that these are *not* one-to-one with `EntryData`.
//
// Either the Key and Value fields are set; or the ChildCID and/or Child fields are set. A child entry with only ChildCID gets loaded from the block store on demand.
type NodeEntry struct {
	Key      []byte
	Value    *cid.Cid
	ChildCID *cid.Cid
	Child    *Node
}

func (n *Node) IsEmpty() bool {
	return len(n.Entries) == 0
}

// Encoded node bytes. Only available on sealed nodes.
func (n *Node) Bytes() []byte {
	return n.raw
}

// Returns true if this entry is a key/value at the current node
func (e *NodeEntry) IsValue() bool {
	return len(e.Key) > 0 && e.Value != nil
}

// Returns true if this entry points to a node on a lower level
func (e *NodeEntry) IsChild() bool {
	return e.Child != nil || e.ChildCID != nil
}

// shallow copy, with a fresh entries array. the copy is unsealed
func (n *Node) clone() *Node {
	return &Node{
		Height:  n.Height,
		Entries: slices.Clone(n.Entries),
	}
}

// Looks for a "value" entry with the exact key.
//
// Returns the index and true if found. Otherwise returns the index of the first value entry with a greater key (or the length of the entry list), and false.
func (n *Node) findValue(key []byte) (int, bool) {
	for i, e := range n.Entries {
		if !e.IsValue() {
			continue
		}
		switch bytes.Compare(key, e.Key) {
		case 0:
			return i, true
		case -1:
			return i, false
		}
	}
	return len(n.Entries), false
}

// Given an insertion index from findValue, returns the index of the child entry covering that gap between values, or -1 if there is none.
func (n *Node) gapChild(idx int) int {
	if idx > 0 && n.Entries[idx-1].IsChild() {
		return idx - 1
	}
	return -1
}

func newNode(height int, entries []NodeEntry) *Node {
	if len(entries) == 0 {
		return nil
	}
	return &Node{
		Height:  height,
		Entries: entries,
	}
}

// Computes CIDs for this node and any unsealed children, recursively.
func (n *Node) seal() error {
	if n.CID.Defined() {
		return nil
	}
	for i := range n.Entries {
		e := &n.Entries[i]
		if e.Child != nil {
			if err := e.Child.seal(); err != nil {
				return err
			}
			c := e.Child.CID
			e.ChildCID = &c
		}
	}
	nd, err := n.NodeData()
	if err != nil {
		return err
	}
	raw, c, err := nd.Bytes()
	if err != nil {
		return err
	}
	n.raw = raw
	n.CID = c
	return nil
}
