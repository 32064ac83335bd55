package carutil

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"testing"

	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"
	"github.com/bluesky-social/atrepo/atproto/repo/mst"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/assert"
)

func cborBlock(t *testing.T, obj any) blocks.Block {
	nd, err := cbornode.WrapObject(obj, blockstore.CBORPrefix.MhType, -1)
	if err != nil {
		t.Fatal(err)
	}
	return nd
}

// small DAG: root -> (a, b), a -> b
func testDAG(t *testing.T) (blocks.Block, blocks.Block, blocks.Block) {
	b := cborBlock(t, map[string]any{"name": "b"})
	a := cborBlock(t, map[string]any{"name": "a", "link": b.Cid()})
	root := cborBlock(t, map[string]any{"a": a.Cid(), "b": b.Cid()})
	return root, a, b
}

func TestRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	root, a, b := testDAG(t)
	blks := []blocks.Block{root, a, b}
	buf := new(bytes.Buffer)
	assert.NoError(WriteBlocks(buf, []cid.Cid{root.Cid()}, blks))
	raw := append([]byte{}, buf.Bytes()...)

	roots, out, err := ReadAll(bytes.NewReader(raw))
	assert.NoError(err)
	assert.Equal([]cid.Cid{root.Cid()}, roots)
	assert.Len(out, 3)
	for i := range blks {
		assert.Equal(blks[i].Cid(), out[i].Cid())
		assert.Equal(blks[i].RawData(), out[i].RawData())
	}

	// re-writing what was read gives identical bytes
	again := new(bytes.Buffer)
	assert.NoError(WriteBlocks(again, roots, out))
	assert.Equal(raw, again.Bytes())

	store := blockstore.NewMemStore()
	roots, err = ReadCAR(ctx, bytes.NewReader(raw), store)
	assert.NoError(err)
	assert.Equal(root.Cid(), roots[0])
	assert.Equal(3, store.Len())
}

func TestReadErrors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	root, a, b := testDAG(t)
	buf := new(bytes.Buffer)
	assert.NoError(WriteBlocks(buf, []cid.Cid{root.Cid()}, []blocks.Block{root, a, b}))
	raw := buf.Bytes()

	// truncated in the middle of the last frame
	store := blockstore.NewMemStore()
	_, err := ReadCAR(ctx, bytes.NewReader(raw[:len(raw)-3]), store)
	assert.ErrorIs(err, ErrTruncatedFrame)
	assert.Equal(0, store.Len())

	// flip a bit in the last byte of the last block
	bad := append([]byte{}, raw...)
	bad[len(bad)-1] ^= 0x01
	_, err = ReadCAR(ctx, bytes.NewReader(bad), store)
	assert.ErrorIs(err, blockstore.ErrHashMismatch)
	assert.Equal(0, store.Len())

	// header followed by a varint cut off partway
	hdr := new(bytes.Buffer)
	assert.NoError(WriteBlocks(hdr, []cid.Cid{root.Cid()}, nil))
	_, _, err = ReadAll(bytes.NewReader(append(hdr.Bytes(), 0x80)))
	assert.ErrorIs(err, ErrTruncatedFrame)

	// empty input and garbage
	_, err = NewReader(bytes.NewReader(nil))
	assert.ErrorIs(err, ErrHeaderMismatch)
	_, err = NewReader(bytes.NewReader([]byte("hello world, not a CAR file")))
	assert.ErrorIs(err, ErrHeaderMismatch)

	// header with no roots can't be written
	_, err = NewWriter(io.Discard, nil)
	assert.ErrorIs(err, ErrHeaderMismatch)
}

func TestFrameLength(t *testing.T) {
	assert := assert.New(t)

	for _, l := range []uint64{0, 1, 127, 128, 1 << 32, 1 << 56, 1 << 60, 1<<64 - 1} {
		b := frameLen(l)
		got, err := binary.ReadUvarint(bytes.NewReader(b))
		assert.NoError(err)
		assert.Equal(l, got)
	}
	assert.Len(frameLen(1<<64-1), binary.MaxVarintLen64)

	out := new(bytes.Buffer)
	nw, err := LdWrite(out, []byte("ab"), []byte("c"))
	assert.NoError(err)
	assert.Equal(int64(4), nw)
	assert.Equal([]byte{3, 'a', 'b', 'c'}, out.Bytes())
}

func TestStreamingOrder(t *testing.T) {
	assert := assert.New(t)

	root, a, b := testDAG(t)
	assert.NoError(CheckStreamingOrder([]blocks.Block{root, a, b}))
	assert.ErrorIs(CheckStreamingOrder([]blocks.Block{root, b, a}), ErrStreamingOrder)
	assert.ErrorIs(CheckStreamingOrder([]blocks.Block{a, root, b}), ErrStreamingOrder)

	extra := cborBlock(t, map[string]any{"name": "unreferenced"})
	ordered, err := DeltaOrder([]cid.Cid{root.Cid()}, []blocks.Block{b, extra, a, root})
	assert.NoError(err)
	assert.Len(ordered, 4)
	assert.Equal(root.Cid(), ordered[0].Cid())
	assert.NoError(CheckStreamingOrder(ordered))

	buf := new(bytes.Buffer)
	assert.NoError(WriteDelta(buf, []cid.Cid{root.Cid()}, []blocks.Block{b, a, root, a}))
	_, out, err := ReadAll(buf)
	assert.NoError(err)
	assert.Len(out, 3)
	assert.NoError(CheckStreamingOrder(out))
}

func TestSnapshot(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	store := blockstore.NewMemStore()
	tree, err := mst.NewEmptyTree(nil, nil)
	assert.NoError(err)
	var records []blocks.Block
	for i := 0; i < 100; i++ {
		rec := cborBlock(t, map[string]any{"text": fmt.Sprintf("record %d", i)})
		records = append(records, rec)
		assert.NoError(store.Put(ctx, rec))
		tree, err = tree.Insert(ctx, []byte(fmt.Sprintf("com.example.record/%04d", i)), rec.Cid())
		assert.NoError(err)
	}
	_, err = tree.WriteBlocks(ctx, store)
	assert.NoError(err)
	commit := cborBlock(t, map[string]any{"data": tree.RootCID()})
	assert.NoError(store.Put(ctx, commit))

	buf := new(bytes.Buffer)
	assert.NoError(WriteSnapshot(ctx, buf, store, commit.Cid(), tree.RootCID(), nil))
	roots, out, err := ReadAll(bytes.NewReader(buf.Bytes()))
	assert.NoError(err)
	assert.Equal(commit.Cid(), roots[0])
	assert.Equal(commit.Cid(), out[0].Cid())
	assert.Equal(tree.RootCID(), out[1].Cid())
	assert.Equal(store.Len(), len(out))
	assert.NoError(CheckStreamingOrder(out))

	// records come out in key order
	var recordOrder []cid.Cid
	recordSet := map[cid.Cid]bool{}
	for _, r := range records {
		recordSet[r.Cid()] = true
	}
	for _, blk := range out {
		if recordSet[blk.Cid()] {
			recordOrder = append(recordOrder, blk.Cid())
		}
	}
	for i, r := range records {
		assert.Equal(r.Cid(), recordOrder[i])
	}

	// snapshot without the record blocks
	nodesOnly := blockstore.NewMemStore()
	for _, blk := range out {
		if !recordSet[blk.Cid()] {
			assert.NoError(nodesOnly.Put(ctx, blk))
		}
	}
	err = WriteSnapshot(ctx, io.Discard, nodesOnly, commit.Cid(), tree.RootCID(), nil)
	assert.True(blockstore.IsNotFound(err))
	buf.Reset()
	assert.NoError(WriteSnapshot(ctx, buf, nodesOnly, commit.Cid(), tree.RootCID(), &SnapshotOptions{AllowMissingRecords: true}))
	_, out, err = ReadAll(buf)
	assert.NoError(err)
	assert.Equal(nodesOnly.Len(), len(out))
}
