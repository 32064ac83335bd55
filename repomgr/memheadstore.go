package repomgr

import (
	"context"
	"fmt"

	"github.com/bluesky-social/atrepo/atproto/syntax"

	"github.com/ipfs/go-cid"
	"github.com/puzpuzpuz/xsync/v3"
)

type MemHeadStore struct {
	heads *xsync.MapOf[syntax.DID, cid.Cid]
}

var _ HeadStore = (*MemHeadStore)(nil)

func NewMemHeadStore() *MemHeadStore {
	return &MemHeadStore{
		heads: xsync.NewMapOf[syntax.DID, cid.Cid](),
	}
}

func (hs *MemHeadStore) GetUserRepoHead(ctx context.Context, did syntax.DID) (cid.Cid, error) {
	h, ok := hs.heads.Load(did)
	if !ok {
		return cid.Undef, fmt.Errorf("%w: %s", ErrHeadNotFound, did)
	}
	return h, nil
}

func (hs *MemHeadStore) UpdateUserRepoHead(ctx context.Context, did syntax.DID, root cid.Cid) error {
	found := false
	hs.heads.Compute(did, func(old cid.Cid, loaded bool) (cid.Cid, bool) {
		found = loaded
		if !loaded {
			// delete=true on a missing key leaves the map unchanged
			return old, true
		}
		return root, false
	})
	if !found {
		return fmt.Errorf("%w: cannot update head of %s", ErrHeadNotFound, did)
	}
	return nil
}

func (hs *MemHeadStore) InitUser(ctx context.Context, did syntax.DID, root cid.Cid) error {
	if _, loaded := hs.heads.LoadOrStore(did, root); loaded {
		return fmt.Errorf("%w: %s", ErrActorExists, did)
	}
	return nil
}
