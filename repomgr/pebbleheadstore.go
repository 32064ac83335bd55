package repomgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bluesky-social/atrepo/atproto/syntax"

	"github.com/cockroachdb/pebble"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
)

var pebbleHeadPrefix = []byte("head/")

// Head store in a pebble database. Can share the database with a blockstore.PebbleStore, which uses a different key prefix.
type PebbleHeadStore struct {
	db *pebble.DB

	// serializes read-check-write sequences; pebble itself has no transactions
	lk sync.Mutex
}

var _ HeadStore = (*PebbleHeadStore)(nil)

func NewPebbleHeadStore(db *pebble.DB) *PebbleHeadStore {
	return &PebbleHeadStore{db: db}
}

func pebbleHeadKey(did syntax.DID) []byte {
	key := make([]byte, 0, len(pebbleHeadPrefix)+len(did))
	key = append(key, pebbleHeadPrefix...)
	return append(key, string(did)...)
}

func (hs *PebbleHeadStore) get(did syntax.DID) (cid.Cid, error) {
	val, closer, err := hs.db.Get(pebbleHeadKey(did))
	if errors.Is(err, pebble.ErrNotFound) {
		return cid.Undef, fmt.Errorf("%w: %s", ErrHeadNotFound, did)
	}
	if err != nil {
		return cid.Undef, err
	}
	defer closer.Close()
	_, c, err := cid.CidFromBytes(val)
	if err != nil {
		return cid.Undef, fmt.Errorf("corrupt head for %s: %w", did, err)
	}
	return c, nil
}

func (hs *PebbleHeadStore) InitUser(ctx context.Context, did syntax.DID, root cid.Cid) error {
	hs.lk.Lock()
	defer hs.lk.Unlock()

	_, err := hs.get(did)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrActorExists, did)
	}
	if !errors.Is(err, ErrHeadNotFound) {
		return err
	}
	return hs.db.Set(pebbleHeadKey(did), root.Bytes(), pebble.Sync)
}

func (hs *PebbleHeadStore) UpdateUserRepoHead(ctx context.Context, did syntax.DID, root cid.Cid) error {
	_, span := otel.Tracer("repomgr").Start(ctx, "UpdateUserRepoHead")
	defer span.End()

	hs.lk.Lock()
	defer hs.lk.Unlock()

	if _, err := hs.get(did); err != nil {
		return err
	}
	return hs.db.Set(pebbleHeadKey(did), root.Bytes(), pebble.Sync)
}

func (hs *PebbleHeadStore) GetUserRepoHead(ctx context.Context, did syntax.DID) (cid.Cid, error) {
	_, span := otel.Tracer("repomgr").Start(ctx, "GetUserRepoHead")
	defer span.End()

	return hs.get(did)
}
