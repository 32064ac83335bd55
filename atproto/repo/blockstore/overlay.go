package blockstore

import (
	"context"
	"fmt"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Layered store: writes go to an in-memory top layer, reads check the top layer first and then fall through to the base.
//
// Used to stage the blocks of a pending commit; [Overlay.Flush] then moves them to the base in a single PutMany call.
//
// Safe for concurrent use. Writes made while a Flush is running wait for it, and land in the fresh top layer.
type Overlay struct {
	base Store

	lk  sync.RWMutex
	top *MemStore
}

var _ Store = (*Overlay)(nil)

func NewOverlay(base Store) *Overlay {
	return &Overlay{
		base: base,
		top:  NewMemStore(),
	}
}

// top layer, held under the read lock so a concurrent Flush can't swap it out mid-write
func (ov *Overlay) withTop(fn func(top *MemStore) error) error {
	ov.lk.RLock()
	defer ov.lk.RUnlock()
	return fn(ov.top)
}

func (ov *Overlay) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	var blk blocks.Block
	err := ov.withTop(func(top *MemStore) error {
		var err error
		blk, err = top.Get(ctx, c)
		return err
	})
	if err == nil {
		return blk, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	return ov.base.Get(ctx, c)
}

func (ov *Overlay) Has(ctx context.Context, c cid.Cid) (bool, error) {
	var ok bool
	err := ov.withTop(func(top *MemStore) error {
		var err error
		ok, err = top.Has(ctx, c)
		return err
	})
	if err != nil || ok {
		return ok, err
	}
	return ov.base.Has(ctx, c)
}

func (ov *Overlay) Put(ctx context.Context, blk blocks.Block) error {
	return ov.withTop(func(top *MemStore) error {
		return top.Put(ctx, blk)
	})
}

func (ov *Overlay) PutMany(ctx context.Context, blks []blocks.Block) error {
	return ov.withTop(func(top *MemStore) error {
		return top.PutMany(ctx, blks)
	})
}

// Blocks written to the overlay which have not been flushed yet, sorted by CID.
func (ov *Overlay) Staged() []blocks.Block {
	ov.lk.RLock()
	defer ov.lk.RUnlock()
	return ov.top.All()
}

// Writes all staged blocks to the base store, then clears the top layer.
func (ov *Overlay) Flush(ctx context.Context) error {
	ov.lk.Lock()
	defer ov.lk.Unlock()

	staged := ov.top.All()
	if len(staged) == 0 {
		return nil
	}
	if err := ov.base.PutMany(ctx, staged); err != nil {
		return fmt.Errorf("flushing %d staged blocks: %w", len(staged), err)
	}
	ov.top = NewMemStore()
	return nil
}

// Drops all staged blocks without writing them.
func (ov *Overlay) Discard() {
	ov.lk.Lock()
	defer ov.lk.Unlock()
	ov.top = NewMemStore()
}
