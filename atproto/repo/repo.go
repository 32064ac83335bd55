package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"
	"github.com/bluesky-social/atrepo/atproto/repo/mst"
	"github.com/bluesky-social/atrepo/atproto/syntax"

	"github.com/ipfs/go-cid"
)

// A repository loaded at a specific commit: the commit, its MST, and a block store holding (some or all of) the records.
type Repo struct {
	DID       syntax.DID
	Commit    *Commit
	CommitCID cid.Cid

	RecordStore blockstore.Store
	MST         *mst.Tree
}

var ErrNotFound = errors.New("record not found in repository")

// Creates an empty repository (no commit yet) backed by the given store, or an in-memory store if nil.
func NewRepo(did syntax.DID, bs blockstore.Store) (*Repo, error) {
	if bs == nil {
		bs = blockstore.NewMemStore()
	}
	tree, err := mst.NewEmptyTree(bs, nil)
	if err != nil {
		return nil, err
	}
	return &Repo{
		DID:         did,
		RecordStore: bs,
		MST:         tree,
	}, nil
}

// Opens the repository at a commit which is already in the block store.
func OpenRepo(ctx context.Context, bs blockstore.Store, commitCID cid.Cid) (*Repo, error) {
	blk, err := bs.Get(ctx, commitCID)
	if err != nil {
		return nil, fmt.Errorf("reading commit block: %w", err)
	}
	commit, err := ParseCommit(blk.RawData())
	if err != nil {
		return nil, err
	}
	tree, err := mst.LoadTree(ctx, bs, commit.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("reading MST: %w", err)
	}
	// NOTE: VerifyStructure() already checked DID and rev syntax
	return &Repo{
		DID:         syntax.DID(commit.DID),
		Commit:      commit,
		CommitCID:   commitCID,
		RecordStore: bs,
		MST:         tree,
	}, nil
}

// Splits a repo path in to collection and record key parts, with basic syntax checks.
func ParseRepoPath(path string) (string, string, error) {
	parts := strings.SplitN(path, "/", 3)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo path: %q", path)
	}
	if !mst.IsValidKey([]byte(path)) {
		return "", "", fmt.Errorf("%w: %q", mst.ErrInvalidKey, path)
	}
	return parts[0], parts[1], nil
}

func (repo *Repo) GetRecordCID(ctx context.Context, collection, rkey string) (cid.Cid, error) {
	path := collection + "/" + rkey
	if _, _, err := ParseRepoPath(path); err != nil {
		return cid.Undef, err
	}
	c, err := repo.MST.Get(ctx, []byte(path))
	if errors.Is(err, mst.ErrKeyNotFound) {
		return cid.Undef, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// Returns the record CBOR bytes. Block stores check that bytes match the CID.
func (repo *Repo) GetRecordBytes(ctx context.Context, collection, rkey string) ([]byte, cid.Cid, error) {
	c, err := repo.GetRecordCID(ctx, collection, rkey)
	if err != nil {
		return nil, cid.Undef, err
	}
	blk, err := repo.RecordStore.Get(ctx, c)
	if err != nil {
		return nil, cid.Undef, err
	}
	if err := blockstore.VerifyBlock(blk); err != nil {
		return nil, cid.Undef, err
	}
	return blk.RawData(), c, nil
}

// Visits every record path and CID in the repository, in key order.
func (repo *Repo) ForEach(ctx context.Context, fn func(path string, val cid.Cid) error) error {
	return repo.MST.Walk(ctx, func(key []byte, val cid.Cid) error {
		return fn(string(key), val)
	})
}
