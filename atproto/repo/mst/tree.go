package mst

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"

	"github.com/ipfs/go-cid"
)

var ErrPartialTree = errors.New("MST is not complete")

var ErrKeyNotFound = errors.New("MST does not contain key")

var ErrKeyExists = errors.New("MST already contains key")

var ErrInvalidKey = errors.New("bytestring not a valid MST key")

var ErrInvalidTree = errors.New("invalid MST structure")

// An immutable Merkle Search Tree. Operations which modify the tree return a new [Tree], sharing all unmodified nodes with the original.
//
// Child nodes which are not in memory are read from the block store on demand. A tree may be "partial", meaning that some nodes are not available; operations which need those nodes fail with a [MissingNodeError].
//
// A Tree is safe for concurrent reads.
type Tree struct {
	root *Node
	ld   *loader
}

type Options struct {
	// Number of decoded nodes to keep in memory. Zero disables the cache, meaning every node access goes to the block store.
	NodeCacheSize int
}

func DefaultOptions() Options {
	return Options{
		NodeCacheSize: 1024,
	}
}

// Creates an empty tree. The block store (which may be nil) is only used to load nodes.
func NewEmptyTree(store blockstore.Store, opts *Options) (*Tree, error) {
	if opts == nil {
		o := DefaultOptions()
		opts = &o
	}
	ld, err := newLoader(store, opts.NodeCacheSize)
	if err != nil {
		return nil, err
	}
	root := &Node{}
	if err := root.seal(); err != nil {
		return nil, err
	}
	return &Tree{root: root, ld: ld}, nil
}

// Opens an existing tree from a block store. Only the top node is read immediately.
func LoadTree(ctx context.Context, store blockstore.Store, root cid.Cid, opts *Options) (*Tree, error) {
	if opts == nil {
		o := DefaultOptions()
		opts = &o
	}
	ld, err := newLoader(store, opts.NodeCacheSize)
	if err != nil {
		return nil, err
	}
	n, err := ld.load(ctx, root, -1)
	if err != nil {
		return nil, err
	}
	return &Tree{root: n, ld: ld}, nil
}

// Builds a complete in-memory tree from a map of keys to values.
func NewTreeFromMap(ctx context.Context, m map[string]cid.Cid) (*Tree, error) {
	if m == nil {
		return nil, fmt.Errorf("un-initialized map as an argument")
	}
	t, err := NewEmptyTree(nil, nil)
	if err != nil {
		return nil, err
	}
	for key, val := range m {
		t, err = t.Insert(ctx, []byte(key), val)
		if err != nil {
			return nil, fmt.Errorf("unexpected failure to build MST structure: %w", err)
		}
	}
	return t, nil
}

func (t *Tree) RootCID() cid.Cid {
	return t.root.CID
}

// Height of the top node in the tree.
func (t *Tree) Height() int {
	return t.root.Height
}

func (t *Tree) IsEmpty() bool {
	return t.root.IsEmpty()
}

func (t *Tree) Root() *Node {
	return t.root
}

// derives a new tree sharing the loader
func (t *Tree) withRoot(n *Node) (*Tree, error) {
	if err := n.seal(); err != nil {
		return nil, err
	}
	return &Tree{root: n, ld: t.ld}, nil
}

func (t *Tree) child(ctx context.Context, n *Node, idx int) (*Node, error) {
	e := &n.Entries[idx]
	if e.Child != nil {
		return e.Child, nil
	}
	if e.ChildCID == nil {
		return nil, fmt.Errorf("%w: entry %d is not a child pointer", ErrInvalidTree, idx)
	}
	return t.ld.load(ctx, *e.ChildCID, n.Height-1)
}

// Reads the value (CID) corresponding to the key. Returns [ErrKeyNotFound] if the key is not in the tree.
func (t *Tree) Get(ctx context.Context, key []byte) (cid.Cid, error) {
	if !IsValidKey(key) {
		return cid.Undef, ErrInvalidKey
	}
	height := HeightForKey(key)
	n := t.root
	for {
		if height > n.Height {
			return cid.Undef, ErrKeyNotFound
		}
		idx, found := n.findValue(key)
		if height == n.Height {
			if !found {
				return cid.Undef, ErrKeyNotFound
			}
			return *n.Entries[idx].Value, nil
		}
		ci := n.gapChild(idx)
		if ci < 0 {
			return cid.Undef, ErrKeyNotFound
		}
		child, err := t.child(ctx, n, ci)
		if err != nil {
			return cid.Undef, err
		}
		n = child
	}
}

// Inserts or replaces a key. Returns the new tree, and the previous value if there was one.
//
// If the key already had exactly this value, the returned tree is the same as the original.
func (t *Tree) Put(ctx context.Context, key []byte, val cid.Cid) (*Tree, *cid.Cid, error) {
	if !IsValidKey(key) {
		return nil, nil, ErrInvalidKey
	}
	if !val.Defined() {
		return nil, nil, fmt.Errorf("undefined CID value for key: %s", key)
	}
	key = bytes.Clone(key)
	out, prev, err := t.insert(ctx, t.root, key, val, HeightForKey(key))
	if err != nil {
		return nil, nil, err
	}
	if out == t.root {
		return t, prev, nil
	}
	nt, err := t.withRoot(out)
	if err != nil {
		return nil, nil, err
	}
	return nt, prev, nil
}

// Adds a new key. Returns [ErrKeyExists] if the key is already present.
func (t *Tree) Insert(ctx context.Context, key []byte, val cid.Cid) (*Tree, error) {
	if _, err := t.Get(ctx, key); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, key)
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	nt, _, err := t.Put(ctx, key, val)
	return nt, err
}

// Changes the value for an existing key, returning the new tree and the previous value. Returns [ErrKeyNotFound] if the key is not present.
func (t *Tree) Update(ctx context.Context, key []byte, val cid.Cid) (*Tree, cid.Cid, error) {
	if _, err := t.Get(ctx, key); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, cid.Undef, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return nil, cid.Undef, err
	}
	nt, prev, err := t.Put(ctx, key, val)
	if err != nil {
		return nil, cid.Undef, err
	}
	return nt, *prev, nil
}

// Removes a key, returning the new tree and the removed value. Returns [ErrKeyNotFound] if the key is not present.
func (t *Tree) Delete(ctx context.Context, key []byte) (*Tree, cid.Cid, error) {
	if !IsValidKey(key) {
		return nil, cid.Undef, ErrInvalidKey
	}
	out, prev, err := t.remove(ctx, t.root, key, HeightForKey(key))
	if err != nil {
		return nil, cid.Undef, err
	}
	if prev == nil {
		return nil, cid.Undef, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	out, err = t.trimTop(ctx, out)
	if err != nil {
		return nil, cid.Undef, err
	}
	nt, err := t.withRoot(out)
	if err != nil {
		return nil, cid.Undef, err
	}
	return nt, *prev, nil
}

// Visits every key/value pair in the tree, in key order. Returning an error from the callback stops the walk.
func (t *Tree) Walk(ctx context.Context, fn func(key []byte, val cid.Cid) error) error {
	return t.WalkBlocks(ctx, nil, fn)
}

// Pre-order walk over the tree: each node is visited before its entries, and entries are visited in key order (child sub-trees recursively, values via the leaf callback).
//
// Either callback may be nil.
func (t *Tree) WalkBlocks(ctx context.Context, nodeFn func(n *Node) error, leafFn func(key []byte, val cid.Cid) error) error {
	return t.walkNode(ctx, t.root, nodeFn, leafFn)
}

func (t *Tree) walkNode(ctx context.Context, n *Node, nodeFn func(n *Node) error, leafFn func(key []byte, val cid.Cid) error) error {
	if nodeFn != nil {
		if err := nodeFn(n); err != nil {
			return err
		}
	}
	for i, e := range n.Entries {
		if e.IsChild() {
			child, err := t.child(ctx, n, i)
			if err != nil {
				return err
			}
			if err := t.walkNode(ctx, child, nodeFn, leafFn); err != nil {
				return err
			}
			continue
		}
		if leafFn != nil {
			if err := leafFn(e.Key, *e.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// Recursively walks the tree and writes key/value pairs to map `m`
func (t *Tree) ReadToMap(ctx context.Context, m map[string]cid.Cid) error {
	if m == nil {
		return fmt.Errorf("un-initialized map as an argument")
	}
	return t.Walk(ctx, func(key []byte, val cid.Cid) error {
		m[string(key)] = val
		return nil
	})
}

// Writes all nodes which were created in memory (as opposed to read from a block store) to the provided store. Returns the number of blocks written.
func (t *Tree) WriteBlocks(ctx context.Context, store blockstore.Store) (int, error) {
	blks, err := t.NewBlocks()
	if err != nil {
		return 0, err
	}
	if len(blks) == 0 {
		return 0, nil
	}
	if err := store.PutMany(ctx, blks); err != nil {
		return 0, err
	}
	return len(blks), nil
}
