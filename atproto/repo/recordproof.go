package repo

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"
	"github.com/bluesky-social/atrepo/atproto/repo/carutil"
	"github.com/bluesky-social/atrepo/atproto/repo/mst"
	"github.com/bluesky-social/atrepo/atproto/syntax"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// A claim about a record: that it exists with the given CID, or (if CID is nil) that it does not exist.
type RecordClaim struct {
	Collection string
	RecordKey  string
	CID        *cid.Cid
}

func (rc *RecordClaim) Path() string {
	return rc.Collection + "/" + rc.RecordKey
}

// Writes a CAR file proving the presence (or absence) of a record at the current commit: the commit block, the MST nodes on the path to the record, and the record block itself if it exists.
func (repo *Repo) GetRecordProof(ctx context.Context, w io.Writer, collection, rkey string) error {
	if repo.Commit == nil {
		return ErrNoCommit
	}
	path := collection + "/" + rkey
	if _, _, err := ParseRepoPath(path); err != nil {
		return err
	}
	commitBlk, err := repo.Commit.Block()
	if err != nil {
		return err
	}
	pathBlocks, err := repo.MST.BuildProof(ctx, [][]byte{[]byte(path)})
	if err != nil {
		return err
	}
	all := make([]blocks.Block, 0, len(pathBlocks)+2)
	all = append(all, commitBlk)
	all = append(all, pathBlocks...)

	val, err := repo.MST.Get(ctx, []byte(path))
	switch {
	case err == nil:
		recBlk, err := repo.RecordStore.Get(ctx, val)
		if err != nil {
			return fmt.Errorf("reading record block: %w", err)
		}
		all = append(all, recBlk)
	case errors.Is(err, mst.ErrKeyNotFound):
	default:
		return err
	}
	return carutil.WriteDelta(w, []cid.Cid{commitBlk.Cid()}, all)
}

// Checks record claims against a proof CAR file, using only the blocks in the file. The commit must belong to `did` and (if `pubkey` is not nil) have a valid signature. Returns the claims which were and were not confirmed by the proof.
func VerifyRecordProofs(ctx context.Context, r io.Reader, did syntax.DID, pubkey crypto.PublicKey, claims []RecordClaim) ([]RecordClaim, []RecordClaim, error) {
	bs := blockstore.NewMemStore()
	roots, err := carutil.ReadCAR(ctx, r, bs)
	if err != nil {
		return nil, nil, err
	}
	commitBlk, err := bs.Get(ctx, roots[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNoCommit, err)
	}
	commit, err := ParseCommit(commitBlk.RawData())
	if err != nil {
		return nil, nil, err
	}
	if commit.DID != did.String() {
		return nil, nil, fmt.Errorf("%w: proof commit is for %s, not %s", ErrMalformedCommit, commit.DID, did)
	}
	if pubkey != nil {
		if err := commit.VerifySignature(pubkey); err != nil {
			return nil, nil, err
		}
	}

	tree, err := mst.LoadTree(ctx, bs, commit.Data, nil)
	if err != nil {
		return nil, nil, err
	}
	var verified, unverified []RecordClaim
	for _, claim := range claims {
		val, err := tree.Get(ctx, []byte(claim.Path()))
		switch {
		case err == nil:
			if claim.CID != nil && *claim.CID == val {
				verified = append(verified, claim)
			} else {
				unverified = append(unverified, claim)
			}
		case errors.Is(err, mst.ErrKeyNotFound):
			if claim.CID == nil {
				verified = append(verified, claim)
			} else {
				unverified = append(unverified, claim)
			}
		default:
			// partial proofs or bad keys confirm nothing
			unverified = append(unverified, claim)
		}
	}
	return verified, unverified, nil
}
