package blockstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
)

func testBlocks(t *testing.T, n int) []blocks.Block {
	var out []blocks.Block
	for i := 0; i < n; i++ {
		// CBOR text string
		s := fmt.Sprintf("block-%d", i)
		data := append([]byte{0x60 + byte(len(s))}, []byte(s)...)
		blk, err := CBORBlock(data)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, blk)
	}
	return out
}

func corruptBlock(t *testing.T, blk blocks.Block) blocks.Block {
	data := append([]byte{}, blk.RawData()...)
	data[len(data)-1] ^= 0x01
	bad, err := blocks.NewBlockWithCid(data, blk.Cid())
	if err != nil {
		t.Fatal(err)
	}
	return bad
}

func exerciseStore(t *testing.T, bs Store) {
	assert := assert.New(t)
	ctx := context.Background()

	blks := testBlocks(t, 10)
	assert.NoError(bs.Put(ctx, blks[0]))
	// idempotent
	assert.NoError(bs.Put(ctx, blks[0]))
	assert.NoError(bs.PutMany(ctx, blks[1:5]))

	for _, blk := range blks[:5] {
		got, err := bs.Get(ctx, blk.Cid())
		assert.NoError(err)
		assert.Equal(blk.RawData(), got.RawData())
		ok, err := bs.Has(ctx, blk.Cid())
		assert.NoError(err)
		assert.True(ok)
	}

	_, err := bs.Get(ctx, blks[7].Cid())
	assert.True(IsNotFound(err))
	ok, err := bs.Has(ctx, blks[7].Cid())
	assert.NoError(err)
	assert.False(ok)

	assert.ErrorIs(bs.Put(ctx, corruptBlock(t, blks[8])), ErrHashMismatch)
	ok, err = bs.Has(ctx, blks[8].Cid())
	assert.NoError(err)
	assert.False(ok)

	// batch with one bad block writes nothing
	err = bs.PutMany(ctx, []blocks.Block{blks[6], corruptBlock(t, blks[9])})
	assert.ErrorIs(err, ErrHashMismatch)
	ok, err = bs.Has(ctx, blks[6].Cid())
	assert.NoError(err)
	assert.False(ok)
}

func TestMemStore(t *testing.T) {
	ms := NewMemStore()
	exerciseStore(t, ms)
	assert.Equal(t, 5, ms.Len())
	assert.Equal(t, 5, len(ms.All()))
}

func TestPebbleStore(t *testing.T) {
	ps, err := OpenPebbleStore(filepath.Join(t.TempDir(), "blocks.pebble"))
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Close()
	exerciseStore(t, ps)
}

func TestDatastoreStore(t *testing.T) {
	exerciseStore(t, NewMapDatastoreStore())
}

func TestFlatfsStore(t *testing.T) {
	fs, err := OpenFlatfsStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()
	exerciseStore(t, fs)
}

func TestCachedStore(t *testing.T) {
	cs, err := NewCachedStore(NewMemStore(), 4)
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, cs)
}

func TestOverlay(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	base := NewMemStore()
	blks := testBlocks(t, 4)
	assert.NoError(base.Put(ctx, blks[0]))

	ov := NewOverlay(base)
	exerciseStore(t, NewOverlay(NewMemStore()))

	assert.NoError(ov.Put(ctx, blks[1]))
	assert.NoError(ov.PutMany(ctx, blks[2:]))

	// reads fall through to base
	got, err := ov.Get(ctx, blks[0].Cid())
	assert.NoError(err)
	assert.Equal(blks[0].RawData(), got.RawData())

	// staged blocks are not in base until flushed
	ok, err := base.Has(ctx, blks[1].Cid())
	assert.NoError(err)
	assert.False(ok)
	assert.Equal(3, len(ov.Staged()))

	assert.NoError(ov.Flush(ctx))
	assert.Equal(0, len(ov.Staged()))
	assert.Equal(4, base.Len())

	assert.NoError(ov.Put(ctx, testBlocks(t, 5)[4]))
	ov.Discard()
	assert.Equal(4, base.Len())
}

func TestOverlayConcurrentFlush(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	base := NewMemStore()
	ov := NewOverlay(base)
	blks := testBlocks(t, 200)

	var eg errgroup.Group
	for w := 0; w < 4; w++ {
		eg.Go(func() error {
			for i := w; i < len(blks); i += 4 {
				if err := ov.Put(ctx, blks[i]); err != nil {
					return err
				}
				if _, err := ov.Get(ctx, blks[i].Cid()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	eg.Go(func() error {
		for i := 0; i < 20; i++ {
			if err := ov.Flush(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	assert.NoError(eg.Wait())

	assert.NoError(ov.Flush(ctx))
	assert.Equal(len(blks), base.Len())
	assert.Empty(ov.Staged())
}

func TestRecordingStore(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	base := NewMemStore()
	blks := testBlocks(t, 3)
	assert.NoError(base.PutMany(ctx, blks))

	rs := NewRecordingStore(base)
	_, err := rs.Get(ctx, blks[1].Cid())
	assert.NoError(err)
	_, err = rs.Get(ctx, blks[1].Cid())
	assert.NoError(err)
	_, err = rs.Has(ctx, blks[2].Cid())
	assert.NoError(err)

	rec := rs.Recorded()
	assert.Equal(1, len(rec))
	_, ok := rec[blks[1].Cid()]
	assert.True(ok)

	assert.Error(rs.Put(ctx, blks[0]))
}
