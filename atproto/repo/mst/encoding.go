package mst

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// CBOR serialization struct for a MST tree node. Note that the CBOR fields are all single-character.
type NodeData struct {
	Entries []EntryData // "e": ordered list of entries at this node
	Left    *cid.Cid    // "l": [nullable] pointer to lower-level subtree to the "left" of this path/key
}

// CBOR serialization struct for a single entry within a `NodeData` entry list.
type EntryData struct {
	KeySuffix []byte   // "k": remaining part of path/key (appended to "previous key")
	PrefixLen int64    // "p": count of bytes shared with previous path/key in tree
	Right     *cid.Cid // "t": [nullable] pointer to lower-level subtree to the "right" of this path/key entry
	Value     cid.Cid  // "v": CID pointer at this path/key
}

const (
	// upper bound on entries in a single node; real nodes have a few dozen at most
	maxNodeEntries = 1 << 12
	maxKeyBytes    = 1024
)

func writeField(cw *cbg.CborWriter, name string) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(name))); err != nil {
		return err
	}
	_, err := cw.WriteString(name)
	return err
}

func writeNullableCid(cw *cbg.CborWriter, c *cid.Cid) error {
	if c == nil {
		_, err := cw.Write(cbg.CborNull)
		return err
	}
	return cbg.WriteCid(cw, *c)
}

func readNullableCid(cr *cbg.CborReader) (*cid.Cid, error) {
	b, err := cr.ReadByte()
	if err != nil {
		return nil, err
	}
	if b == cbg.CborNull[0] {
		return nil, nil
	}
	if err := cr.UnreadByte(); err != nil {
		return nil, err
	}
	c, err := cbg.ReadCid(cr)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Encodes in DAG-CBOR canonical form: map keys sorted by length then bytes, all fields present, nulls for absent links.
func (d *NodeData) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 2); err != nil {
		return err
	}

	if err := writeField(cw, "e"); err != nil {
		return err
	}
	if len(d.Entries) > maxNodeEntries {
		return fmt.Errorf("MST node has too many entries: %d", len(d.Entries))
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(d.Entries))); err != nil {
		return err
	}
	for i := range d.Entries {
		if err := d.Entries[i].marshal(cw); err != nil {
			return err
		}
	}

	if err := writeField(cw, "l"); err != nil {
		return err
	}
	return writeNullableCid(cw, d.Left)
}

func (e *EntryData) marshal(cw *cbg.CborWriter) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 4); err != nil {
		return err
	}

	if err := writeField(cw, "k"); err != nil {
		return err
	}
	if len(e.KeySuffix) > maxKeyBytes {
		return fmt.Errorf("MST key suffix too long")
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(e.KeySuffix))); err != nil {
		return err
	}
	if _, err := cw.Write(e.KeySuffix); err != nil {
		return err
	}

	if err := writeField(cw, "p"); err != nil {
		return err
	}
	if e.PrefixLen < 0 {
		return fmt.Errorf("negative MST key prefix length")
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(e.PrefixLen)); err != nil {
		return err
	}

	if err := writeField(cw, "t"); err != nil {
		return err
	}
	if err := writeNullableCid(cw, e.Right); err != nil {
		return err
	}

	if err := writeField(cw, "v"); err != nil {
		return err
	}
	return cbg.WriteCid(cw, e.Value)
}

func (d *NodeData) UnmarshalCBOR(r io.Reader) error {
	*d = NodeData{}
	cr := cbg.NewCborReader(r)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap {
		return fmt.Errorf("MST node: expected CBOR map")
	}
	if extra != 2 {
		return fmt.Errorf("MST node: expected 2 fields, got %d", extra)
	}

	for i := uint64(0); i < extra; i++ {
		name, err := cbg.ReadString(cr)
		if err != nil {
			return err
		}
		switch name {
		case "e":
			maj, n, err := cr.ReadHeader()
			if err != nil {
				return err
			}
			if maj != cbg.MajArray {
				return fmt.Errorf("MST node: expected array for entries")
			}
			if n > maxNodeEntries {
				return fmt.Errorf("MST node: too many entries (%d)", n)
			}
			d.Entries = make([]EntryData, n)
			for j := range d.Entries {
				if err := d.Entries[j].unmarshal(cr); err != nil {
					return fmt.Errorf("MST node entry %d: %w", j, err)
				}
			}
		case "l":
			left, err := readNullableCid(cr)
			if err != nil {
				return err
			}
			d.Left = left
		default:
			return fmt.Errorf("MST node: unexpected field %q", name)
		}
	}
	if d.Entries == nil {
		return fmt.Errorf("MST node: missing entries field")
	}
	return nil
}

func (e *EntryData) unmarshal(cr *cbg.CborReader) error {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap {
		return fmt.Errorf("expected CBOR map")
	}
	if extra != 4 {
		return fmt.Errorf("expected 4 fields, got %d", extra)
	}
	hasValue := false
	for i := uint64(0); i < extra; i++ {
		name, err := cbg.ReadString(cr)
		if err != nil {
			return err
		}
		switch name {
		case "k":
			b, err := cbg.ReadByteArray(cr, maxKeyBytes)
			if err != nil {
				return err
			}
			e.KeySuffix = b
		case "p":
			maj, v, err := cr.ReadHeader()
			if err != nil {
				return err
			}
			if maj != cbg.MajUnsignedInt {
				return fmt.Errorf("expected unsigned int for prefix length")
			}
			if v > maxKeyBytes {
				return fmt.Errorf("prefix length out of range: %d", v)
			}
			e.PrefixLen = int64(v)
		case "t":
			right, err := readNullableCid(cr)
			if err != nil {
				return err
			}
			e.Right = right
		case "v":
			c, err := cbg.ReadCid(cr)
			if err != nil {
				return err
			}
			e.Value = c
			hasValue = true
		default:
			return fmt.Errorf("unexpected field %q", name)
		}
	}
	if !hasValue {
		return fmt.Errorf("missing value")
	}
	return nil
}

// Encodes as CBOR bytes, and computes the CID. Does not recursively encode or update children.
func (d *NodeData) Bytes() ([]byte, cid.Cid, error) {
	buf := new(bytes.Buffer)
	if err := d.MarshalCBOR(buf); err != nil {
		return nil, cid.Undef, err
	}
	b := buf.Bytes()
	c, err := blockstore.CBORPrefix.Sum(b)
	if err != nil {
		return nil, cid.Undef, err
	}
	return b, c, nil
}

// Transforms `Node` struct to `NodeData`, which is the format used for encoding to CBOR.
//
// All child entries must already have a ChildCID.
func (n *Node) NodeData() (NodeData, error) {
	d := NodeData{
		Entries: make([]EntryData, 0, len(n.Entries)),
	}

	var prevKey []byte
	for i, e := range n.Entries {
		if e.IsChild() {
			if e.ChildCID == nil {
				return d, fmt.Errorf("%w: child entry has not been sealed", ErrInvalidTree)
			}
			if i == 0 {
				d.Left = e.ChildCID
				continue
			}
			if !n.Entries[i-1].IsValue() {
				return d, fmt.Errorf("%w: sibling child entries", ErrInvalidTree)
			}
			d.Entries[len(d.Entries)-1].Right = e.ChildCID
			continue
		}
		if !e.IsValue() {
			return d, fmt.Errorf("%w: entry is neither value nor child", ErrInvalidTree)
		}
		idx := CountPrefixLen(prevKey, e.Key)
		d.Entries = append(d.Entries, EntryData{
			PrefixLen: int64(idx),
			KeySuffix: e.Key[idx:],
			Value:     *e.Value,
		})
		prevKey = e.Key
	}
	return d, nil
}

// leaf nodes can't point further down the tree
var errLeafChild = fmt.Errorf("%w: child pointer in node at height 0", ErrInvalidTree)

// Transforms an encoded `NodeData` to `Node` data structure format, validating key ordering, prefix compression and key heights.
//
// height: expected height of the node; -1 if unknown (top of tree)
func (d *NodeData) Node(height int) (*Node, error) {
	n := &Node{
		Height:  height,
		Entries: make([]NodeEntry, 0, 2*len(d.Entries)+1),
	}

	if d.Left != nil {
		n.Entries = append(n.Entries, NodeEntry{ChildCID: d.Left})
	}

	var prevKey []byte
	for i := range d.Entries {
		e := &d.Entries[i]
		if int(e.PrefixLen) > len(prevKey) {
			return nil, fmt.Errorf("%w: key prefix length beyond previous key", ErrInvalidTree)
		}
		key := make([]byte, 0, int(e.PrefixLen)+len(e.KeySuffix))
		key = append(key, prevKey[:e.PrefixLen]...)
		key = append(key, e.KeySuffix...)
		if len(key) == 0 {
			return nil, fmt.Errorf("%w: empty key", ErrInvalidTree)
		}
		if prevKey != nil && bytes.Compare(prevKey, key) >= 0 {
			return nil, fmt.Errorf("%w: keys out of order", ErrInvalidTree)
		}
		kh := HeightForKey(key)
		if n.Height < 0 {
			n.Height = kh
		}
		if kh != n.Height {
			return nil, fmt.Errorf("%w: key %q has height %d in node at height %d", ErrInvalidTree, key, kh, n.Height)
		}
		val := e.Value
		n.Entries = append(n.Entries, NodeEntry{
			Key:   key,
			Value: &val,
		})
		prevKey = key

		if e.Right != nil {
			n.Entries = append(n.Entries, NodeEntry{ChildCID: e.Right})
		}
	}

	if n.Height == 0 {
		for _, e := range n.Entries {
			if e.IsChild() {
				return nil, errLeafChild
			}
		}
	}

	if len(d.Entries) == 0 {
		if d.Left == nil {
			if height >= 0 {
				return nil, fmt.Errorf("%w: empty node below top of tree", ErrInvalidTree)
			}
			n.Height = 0
		} else if n.Height <= 0 {
			// pointer-only nodes are allowed inside the tree, but not at the top
			return nil, fmt.Errorf("%w: node is just a pointer to a child", ErrInvalidTree)
		}
	}
	return n, nil
}

// Decodes and validates a node block. The bytes must be in canonical form: re-encoding the parsed node must reproduce them exactly.
func decodeNode(raw []byte, height int) (*Node, error) {
	var nd NodeData
	if err := nd.UnmarshalCBOR(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTree, err)
	}
	n, err := nd.Node(height)
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	if err := nd.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	if !bytes.Equal(buf.Bytes(), raw) {
		return nil, fmt.Errorf("%w: non-canonical node encoding", ErrInvalidTree)
	}
	n.raw = raw
	n.stored = true
	return n, nil
}
