package blockstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Read-through LRU cache in front of another store. Writes go straight to the base store and populate the cache.
type CachedStore struct {
	base  Store
	cache *lru.Cache[string, blocks.Block]
}

var _ Store = (*CachedStore)(nil)

func NewCachedStore(base Store, size int) (*CachedStore, error) {
	cache, err := lru.New[string, blocks.Block](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{
		base:  base,
		cache: cache,
	}, nil
}

func (cs *CachedStore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if blk, ok := cs.cache.Get(c.KeyString()); ok {
		cacheHits.WithLabelValues("blockstore").Inc()
		return blk, nil
	}
	cacheMisses.WithLabelValues("blockstore").Inc()
	blk, err := cs.base.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	cs.cache.Add(c.KeyString(), blk)
	return blk, nil
}

func (cs *CachedStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if cs.cache.Contains(c.KeyString()) {
		return true, nil
	}
	return cs.base.Has(ctx, c)
}

func (cs *CachedStore) Put(ctx context.Context, blk blocks.Block) error {
	if err := cs.base.Put(ctx, blk); err != nil {
		return err
	}
	cs.cache.Add(blk.Cid().KeyString(), blk)
	return nil
}

func (cs *CachedStore) PutMany(ctx context.Context, blks []blocks.Block) error {
	if err := cs.base.PutMany(ctx, blks); err != nil {
		return err
	}
	for _, blk := range blks {
		cs.cache.Add(blk.Cid().KeyString(), blk)
	}
	return nil
}

func (cs *CachedStore) Purge() {
	cs.cache.Purge()
}
