package repo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bluesky-social/atrepo/atproto/syntax"

	"github.com/ipfs/go-cid"
)

var ErrStaleRevision = errors.New("commit revision is not newer than current revision")

// Tracks the current commit of a single account. A chain starts with no commit, and only moves forward: each accepted commit must have a revision strictly greater than the current one.
//
// Safe for concurrent use.
type Chain struct {
	DID syntax.DID

	lk        sync.Mutex
	head      *Commit
	headCID   cid.Cid
	committed bool
}

func NewChain(did syntax.DID) *Chain {
	return &Chain{DID: did}
}

// Starts a chain at an existing commit.
func NewChainAt(did syntax.DID, head *Commit, headCID cid.Cid) (*Chain, error) {
	ch := NewChain(did)
	if err := ch.Advance(head, headCID); err != nil {
		return nil, err
	}
	return ch, nil
}

// Returns the current commit and its CID, or nil if there is no commit yet.
func (ch *Chain) Head() (*Commit, cid.Cid) {
	ch.lk.Lock()
	defer ch.lk.Unlock()
	return ch.head, ch.headCID
}

// Current revision, or empty string if there is no commit yet.
func (ch *Chain) Rev() string {
	ch.lk.Lock()
	defer ch.lk.Unlock()
	if ch.head == nil {
		return ""
	}
	return ch.head.Rev
}

func (ch *Chain) Committed() bool {
	ch.lk.Lock()
	defer ch.lk.Unlock()
	return ch.committed
}

// Checks whether the chain could move to the given commit, without changing it.
func (ch *Chain) CanAdvance(commit *Commit) error {
	ch.lk.Lock()
	defer ch.lk.Unlock()
	return ch.check(commit)
}

func (ch *Chain) check(commit *Commit) error {
	if commit.DID != ch.DID.String() {
		return fmt.Errorf("%w: commit is for %s, not %s", ErrMalformedCommit, commit.DID, ch.DID)
	}
	rev, err := syntax.ParseTID(commit.Rev)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedCommit, err)
	}
	if ch.head != nil && rev.Compare(syntax.TID(ch.head.Rev)) <= 0 {
		return fmt.Errorf("%w: %s <= %s", ErrStaleRevision, rev, ch.head.Rev)
	}
	return nil
}

// Moves the chain to a new commit. Fails with [ErrStaleRevision] if the revision is not strictly greater than the current one.
func (ch *Chain) Advance(commit *Commit, commitCID cid.Cid) error {
	ch.lk.Lock()
	defer ch.lk.Unlock()
	if err := ch.check(commit); err != nil {
		return err
	}
	ch.head = commit
	ch.headCID = commitCID
	ch.committed = true
	return nil
}
