package repomgr

import (
	"context"
	"errors"

	"github.com/bluesky-social/atrepo/atproto/syntax"

	"github.com/ipfs/go-cid"
)

var ErrHeadNotFound = errors.New("account repo head not found")
var ErrActorExists = errors.New("account repo already exists")

// Tracks the current commit CID of each account's repository.
type HeadStore interface {
	// Records the first head for an account. Fails with ErrActorExists if there already is one.
	InitUser(ctx context.Context, did syntax.DID, root cid.Cid) error
	// Replaces an existing head. Fails with ErrHeadNotFound if the account was never initialized.
	UpdateUserRepoHead(ctx context.Context, did syntax.DID, root cid.Cid) error
	GetUserRepoHead(ctx context.Context, did syntax.DID) (cid.Cid, error)
}
