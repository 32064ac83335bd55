package blockstore

import (
	"context"
	"sort"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/puzpuzpuz/xsync/v3"
)

// In-memory block store. Safe for concurrent use.
type MemStore struct {
	blocks *xsync.MapOf[string, blocks.Block]
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{blocks: xsync.NewMapOf[string, blocks.Block]()}
}

func (ms *MemStore) Put(_ context.Context, blk blocks.Block) error {
	if err := VerifyBlock(blk); err != nil {
		return err
	}
	storeOps.WithLabelValues("mem", "put").Inc()
	ms.blocks.LoadOrStore(blk.Cid().KeyString(), blk)
	return nil
}

func (ms *MemStore) PutMany(ctx context.Context, blks []blocks.Block) error {
	for _, blk := range blks {
		if err := VerifyBlock(blk); err != nil {
			return err
		}
	}
	for _, blk := range blks {
		ms.blocks.LoadOrStore(blk.Cid().KeyString(), blk)
	}
	storeOps.WithLabelValues("mem", "put").Add(float64(len(blks)))
	return nil
}

func (ms *MemStore) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	storeOps.WithLabelValues("mem", "get").Inc()
	blk, ok := ms.blocks.Load(c.KeyString())
	if !ok {
		return nil, &ipld.ErrNotFound{Cid: c}
	}
	return blk, nil
}

func (ms *MemStore) Has(_ context.Context, c cid.Cid) (bool, error) {
	_, ok := ms.blocks.Load(c.KeyString())
	return ok, nil
}

func (ms *MemStore) Len() int {
	return ms.blocks.Size()
}

// Returns all blocks, sorted by CID bytes.
func (ms *MemStore) All() []blocks.Block {
	out := make([]blocks.Block, 0, ms.blocks.Size())
	ms.blocks.Range(func(_ string, blk blocks.Block) bool {
		out = append(out, blk)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cid().KeyString() < out[j].Cid().KeyString()
	})
	return out
}
