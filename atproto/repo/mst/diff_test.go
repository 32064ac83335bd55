package mst

import (
	"context"
	"sort"
	"testing"

	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
)

// reference implementation: compare two maps key by key
func mapDiff(a, b map[string]cid.Cid) []Change {
	var out []Change
	for k, v := range a {
		v := v
		nv, ok := b[k]
		if !ok {
			out = append(out, Change{Key: k, Old: &v})
		} else if nv != v {
			nv := nv
			out = append(out, Change{Key: k, Old: &v, New: &nv})
		}
	}
	for k, v := range b {
		v := v
		if _, ok := a[k]; !ok {
			out = append(out, Change{Key: k, New: &v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

func TestDiffSimple(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	ca := randomCid()
	cb := randomCid()
	cc := randomCid()

	r1, err := NewTreeFromMap(ctx, map[string]cid.Cid{"a": ca, "b": cb, "c": cc})
	assert.NoError(err)
	r2, _, err := r1.Delete(ctx, []byte("b"))
	assert.NoError(err)
	r3, err := r2.Insert(ctx, []byte("b"), cb)
	assert.NoError(err)
	assert.Equal(r1.RootCID(), r3.RootCID())

	d, err := Diff(ctx, r1, r2)
	assert.NoError(err)
	if assert.Len(d.Changes, 1) {
		assert.Equal("b", d.Changes[0].Key)
		assert.True(d.Changes[0].IsDelete())
		assert.Equal(cb, *d.Changes[0].Old)
	}
	assert.Contains(d.NewNodes, r2.RootCID())
	assert.Contains(d.RemovedNodes, r1.RootCID())

	d, err = Diff(ctx, r1, r3)
	assert.NoError(err)
	assert.Empty(d.Changes)
	assert.Empty(d.NewNodes)

	d, err = Diff(ctx, r2, r1)
	assert.NoError(err)
	if assert.Len(d.Changes, 1) {
		assert.True(d.Changes[0].IsCreate())
	}

	empty, err := NewEmptyTree(nil, nil)
	assert.NoError(err)
	d, err = Diff(ctx, empty, r1)
	assert.NoError(err)
	assert.Len(d.Changes, 3)
}

func TestDiffRandom(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		before := randomMap(300)
		after := make(map[string]cid.Cid, len(before))
		for k, v := range before {
			switch testRand.Intn(10) {
			case 0:
				// deleted
			case 1:
				after[k] = randomCid()
			default:
				after[k] = v
			}
		}
		for k, v := range randomMap(20 + i*5) {
			after[k] = v
		}

		oldTree, err := NewTreeFromMap(ctx, before)
		assert.NoError(err)
		newTree, err := NewTreeFromMap(ctx, after)
		assert.NoError(err)

		// run the diff over stored trees, which exercises lazy loading
		bs := blockstore.NewMemStore()
		_, err = oldTree.WriteBlocks(ctx, bs)
		assert.NoError(err)
		_, err = newTree.WriteBlocks(ctx, bs)
		assert.NoError(err)
		lo, err := LoadTree(ctx, bs, oldTree.RootCID(), nil)
		assert.NoError(err)
		ln, err := LoadTree(ctx, bs, newTree.RootCID(), nil)
		assert.NoError(err)

		d, err := Diff(ctx, lo, ln)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(mapDiff(before, after), d.Changes)

		// all new nodes are actually part of the new tree
		newNodes := map[cid.Cid]bool{}
		assert.NoError(newTree.WalkBlocks(ctx, func(n *Node) error {
			newNodes[n.CID] = true
			return nil
		}, nil))
		for _, c := range d.NewNodes {
			assert.True(newNodes[c])
		}
		for _, c := range d.RemovedNodes {
			assert.False(newNodes[c])
		}
	}
}
