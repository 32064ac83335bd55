package blockstore

import (
	"context"
	"fmt"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Read-only wrapper which records every block successfully read through it.
type RecordingStore struct {
	base Store

	lk  sync.Mutex
	set map[cid.Cid]blocks.Block
}

var _ Store = (*RecordingStore)(nil)

func NewRecordingStore(base Store) *RecordingStore {
	return &RecordingStore{
		base: base,
		set:  make(map[cid.Cid]blocks.Block),
	}
}

func (rs *RecordingStore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	blk, err := rs.base.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	rs.lk.Lock()
	rs.set[c] = blk
	rs.lk.Unlock()
	return blk, nil
}

func (rs *RecordingStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return rs.base.Has(ctx, c)
}

func (rs *RecordingStore) Put(context.Context, blocks.Block) error {
	return fmt.Errorf("writes not allowed on recording blockstore")
}

func (rs *RecordingStore) PutMany(context.Context, []blocks.Block) error {
	return fmt.Errorf("writes not allowed on recording blockstore")
}

// Returns the recorded blocks, keyed by CID.
func (rs *RecordingStore) Recorded() map[cid.Cid]blocks.Block {
	rs.lk.Lock()
	defer rs.lk.Unlock()
	out := make(map[cid.Cid]blocks.Block, len(rs.set))
	for k, v := range rs.set {
		out[k] = v
	}
	return out
}
