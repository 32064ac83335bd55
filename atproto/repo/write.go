package repo

import (
	"context"
	"fmt"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/atproto/repo/mst"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Outcome of a successful write to a repository.
type CommitResult struct {
	Commit    *Commit
	CommitCID cid.Cid
	// rev of the previous commit, or empty for the first commit
	Since string
	Proof *Proof
	// MST nodes created by the write
	NewNodes []blocks.Block
}

// Applies a batch of writes and signs a new commit. The new MST nodes and the commit block are written to the record store; record blocks themselves must already be there.
//
// Not safe for concurrent use: callers serialize writes to a repository.
func (repo *Repo) ApplyWrites(ctx context.Context, writes []Write, key crypto.PrivateKey) (*CommitResult, error) {
	bs := repo.RecordStore
	if _, err := repo.MST.WriteBlocks(ctx, bs); err != nil {
		return nil, err
	}
	for _, w := range writes {
		if _, _, err := ParseRepoPath(w.Path); err != nil {
			return nil, err
		}
	}

	proof, tree, err := ProduceInversion(ctx, bs, repo.MST.RootCID(), writes)
	if err != nil {
		return nil, err
	}
	newNodes, err := tree.NewBlocks()
	if err != nil {
		return nil, err
	}

	var prevCID *cid.Cid
	since := ""
	if repo.Commit != nil {
		c := repo.CommitCID
		prevCID = &c
		since = repo.Commit.Rev
	}
	commit, err := CreateCommit(repo.DID, repo.Commit, prevCID, tree.RootCID(), key)
	if err != nil {
		return nil, err
	}
	commitBlk, err := commit.Block()
	if err != nil {
		return nil, err
	}

	all := make([]blocks.Block, 0, len(newNodes)+1)
	all = append(all, newNodes...)
	all = append(all, commitBlk)
	if err := bs.PutMany(ctx, all); err != nil {
		return nil, fmt.Errorf("persisting commit: %w", err)
	}
	// re-open the tree so that nodes are read back from the store, instead of held in memory
	stored, err := mst.LoadTree(ctx, bs, tree.RootCID(), nil)
	if err != nil {
		return nil, err
	}

	repo.Commit = commit
	repo.CommitCID = commitBlk.Cid()
	repo.MST = stored
	return &CommitResult{
		Commit:    commit,
		CommitCID: commitBlk.Cid(),
		Since:     since,
		Proof:     proof,
		NewNodes:  newNodes,
	}, nil
}
