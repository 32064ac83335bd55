package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
)

var pebbleBlockPrefix = []byte("blk/")

// Block store persisted in a local pebble database. Blocks are keyed by raw CID bytes under a fixed prefix, so the same database can hold other data (eg, account heads).
type PebbleStore struct {
	db *pebble.DB
}

var _ Store = (*PebbleStore)(nil)

func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func NewPebbleStore(db *pebble.DB) *PebbleStore {
	return &PebbleStore{db: db}
}

// Underlying database handle.
func (ps *PebbleStore) DB() *pebble.DB {
	return ps.db
}

func (ps *PebbleStore) Close() error {
	return ps.db.Close()
}

func pebbleBlockKey(c cid.Cid) []byte {
	cb := c.Bytes()
	key := make([]byte, 0, len(pebbleBlockPrefix)+len(cb))
	key = append(key, pebbleBlockPrefix...)
	return append(key, cb...)
}

func (ps *PebbleStore) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	storeOps.WithLabelValues("pebble", "get").Inc()
	val, closer, err := ps.db.Get(pebbleBlockKey(c))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, &ipld.ErrNotFound{Cid: c}
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get %s: %w", c, err)
	}
	data := make([]byte, len(val))
	copy(data, val)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, c)
}

func (ps *PebbleStore) Has(_ context.Context, c cid.Cid) (bool, error) {
	_, closer, err := ps.db.Get(pebbleBlockKey(c))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

func (ps *PebbleStore) Put(_ context.Context, blk blocks.Block) error {
	if err := VerifyBlock(blk); err != nil {
		return err
	}
	storeOps.WithLabelValues("pebble", "put").Inc()
	return ps.db.Set(pebbleBlockKey(blk.Cid()), blk.RawData(), pebble.Sync)
}

// Writes all blocks in a single batch; nothing is written if any block fails verification.
func (ps *PebbleStore) PutMany(_ context.Context, blks []blocks.Block) error {
	batch := ps.db.NewBatch()
	defer batch.Close()
	for _, blk := range blks {
		if err := VerifyBlock(blk); err != nil {
			return err
		}
		if err := batch.Set(pebbleBlockKey(blk.Cid()), blk.RawData(), nil); err != nil {
			return err
		}
	}
	storeOps.WithLabelValues("pebble", "put").Add(float64(len(blks)))
	return batch.Commit(pebble.Sync)
}
