package repo

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"
	"github.com/bluesky-social/atrepo/atproto/repo/carutil"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
)

var ErrNoCommit = errors.New("no commit")

// Reads a full repository export. All blocks are held in memory.
func LoadRepoFromCAR(ctx context.Context, r io.Reader) (*Commit, *Repo, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "LoadRepoFromCAR")
	defer span.End()

	bs := blockstore.NewMemStore()
	roots, err := carutil.ReadCAR(ctx, r, bs)
	if err != nil {
		return nil, nil, err
	}
	repo, err := OpenRepo(ctx, bs, roots[0])
	if blockstore.IsNotFound(err) {
		return nil, nil, fmt.Errorf("%w: %w", ErrNoCommit, err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading repo from CAR file: %w", err)
	}
	return repo.Commit, repo, nil
}

// LoadCommitFromCAR is like LoadRepoFromCAR() but filters to only return the commit object.
// Also returns the commit CID.
func LoadCommitFromCAR(ctx context.Context, r io.Reader) (*Commit, *cid.Cid, error) {
	cr, err := carutil.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	commitCID := cr.Roots[0]
	var commitBlock blocks.Block
	for {
		blk, err := cr.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, err
		}

		if blk.Cid().Equals(commitCID) {
			commitBlock = blk
			break
		}
	}
	if commitBlock == nil {
		return nil, nil, ErrNoCommit
	}
	commit, err := ParseCommit(commitBlock.RawData())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing commit block from CAR file: %w", err)
	}
	return commit, &commitCID, nil
}

// Writes a full export of the repository, in streaming order. Fails if any record block is missing from the record store.
func (repo *Repo) WriteCAR(ctx context.Context, w io.Writer) error {
	ctx, span := otel.Tracer("repo").Start(ctx, "WriteCAR")
	defer span.End()

	if repo.Commit == nil {
		return ErrNoCommit
	}
	return carutil.WriteSnapshot(ctx, w, repo.RecordStore, repo.CommitCID, repo.Commit.Data, nil)
}
