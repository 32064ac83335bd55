package blockstore

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	flatfs "github.com/ipfs/go-ds-flatfs"
	ipfsbs "github.com/ipfs/go-ipfs-blockstore"
)

// Adapts a go-ipfs-blockstore (over any go-datastore backend) to [Store], with hash verification on write and read.
type DatastoreStore struct {
	name   string
	bs     ipfsbs.Blockstore
	closer func() error
}

var _ Store = (*DatastoreStore)(nil)

func NewDatastoreStore(bs ipfsbs.Blockstore) *DatastoreStore {
	bs.HashOnRead(true)
	return &DatastoreStore{name: "datastore", bs: bs}
}

// Thread-safe in-memory map datastore.
func NewMapDatastoreStore() *DatastoreStore {
	ds := ipfsbs.NewBlockstore(dssync.MutexWrap(datastore.NewMapDatastore()))
	return NewDatastoreStore(ds)
}

// Blocks stored as individual files in a sharded directory tree.
func OpenFlatfsStore(dir string) (*DatastoreStore, error) {
	fds, err := flatfs.CreateOrOpen(dir, flatfs.IPFS_DEF_SHARD, false)
	if err != nil {
		return nil, fmt.Errorf("opening flatfs %s: %w", dir, err)
	}
	ds := NewDatastoreStore(ipfsbs.NewBlockstoreNoPrefix(fds))
	ds.name = "flatfs"
	ds.closer = fds.Close
	return ds, nil
}

// Closes the underlying datastore, if it needs closing.
func (ds *DatastoreStore) Close() error {
	if ds.closer == nil {
		return nil
	}
	return ds.closer()
}

func (ds *DatastoreStore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	storeOps.WithLabelValues(ds.name, "get").Inc()
	return ds.bs.Get(ctx, c)
}

func (ds *DatastoreStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return ds.bs.Has(ctx, c)
}

func (ds *DatastoreStore) Put(ctx context.Context, blk blocks.Block) error {
	if err := VerifyBlock(blk); err != nil {
		return err
	}
	storeOps.WithLabelValues(ds.name, "put").Inc()
	return ds.bs.Put(ctx, blk)
}

func (ds *DatastoreStore) PutMany(ctx context.Context, blks []blocks.Block) error {
	for _, blk := range blks {
		if err := VerifyBlock(blk); err != nil {
			return err
		}
	}
	storeOps.WithLabelValues(ds.name, "put").Add(float64(len(blks)))
	return ds.bs.PutMany(ctx, blks)
}
