package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"
	"github.com/bluesky-social/atrepo/atproto/repo/carutil"
	"github.com/bluesky-social/atrepo/atproto/repo/mst"
	"github.com/bluesky-social/atrepo/atproto/syntax"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

var ErrLegacyCommit = errors.New("commit event can not be verified inductively")

// How commit events which lack inversion data (no `prevData`, or no `prev` on update and delete ops) are handled.
type SyncMode int

const (
	// Reject legacy events with [ErrLegacyCommit].
	SyncModeInductive SyncMode = iota
	// Accept legacy events after signature and forward checks only.
	SyncModeLegacy
)

// A single record change in a commit event.
type RepoOp struct {
	// "create", "update" or "delete"
	Action string `json:"action"`
	Path   string `json:"path"`
	// new record CID; nil for deletions
	CID *cid.Cid `json:"cid"`
	// previous record CID; nil for creations
	Prev *cid.Cid `json:"prev,omitempty"`
}

// Event describing one commit to an account's repository, carrying everything needed to verify the transition from the previous commit.
type CommitEvent struct {
	Repo string `json:"repo"`
	Rev  string `json:"rev"`
	// rev of the previous commit, if any
	Since    *string  `json:"since"`
	Commit   cid.Cid  `json:"commit"`
	PrevData *cid.Cid `json:"prevData,omitempty"`
	Ops      []RepoOp `json:"ops"`
	// CAR file with the commit block (first root), inversion proof blocks, new MST nodes and new records
	Blocks []byte `json:"blocks"`
	Time   string `json:"time"`
}

// True if the event can not be verified by inversion.
func (evt *CommitEvent) IsLegacy() bool {
	if evt.PrevData == nil {
		return true
	}
	for _, op := range evt.Ops {
		if (op.Action == "update" || op.Action == "delete") && op.Prev == nil {
			return true
		}
	}
	return false
}

type VerifyOptions struct {
	SyncMode SyncMode
	Logger   *slog.Logger
}

func DefaultVerifyOptions() VerifyOptions {
	return VerifyOptions{
		SyncMode: SyncModeInductive,
		Logger:   slog.Default(),
	}
}

func ParseCommitOps(ops []RepoOp) ([]mst.Operation, error) {
	out := make([]mst.Operation, 0, len(ops))
	for _, rop := range ops {
		switch rop.Action {
		case "create":
			if rop.CID == nil || rop.Prev != nil {
				return nil, fmt.Errorf("%w: invalid repoOp: create", mst.ErrInvalidOperation)
			}
			out = append(out, mst.Operation{
				Path:  rop.Path,
				Value: rop.CID,
			})
		case "delete":
			if rop.CID != nil || rop.Prev == nil {
				return nil, fmt.Errorf("%w: invalid repoOp: delete", mst.ErrInvalidOperation)
			}
			out = append(out, mst.Operation{
				Path: rop.Path,
				Prev: rop.Prev,
			})
		case "update":
			if rop.CID == nil || rop.Prev == nil {
				return nil, fmt.Errorf("%w: invalid repoOp: update", mst.ErrInvalidOperation)
			}
			out = append(out, mst.Operation{
				Path:  rop.Path,
				Prev:  rop.Prev,
				Value: rop.CID,
			})
		default:
			return nil, fmt.Errorf("%w: invalid repoOp action: %s", mst.ErrInvalidOperation, rop.Action)
		}
	}
	return out, nil
}

func opAction(op *mst.Operation) string {
	switch {
	case op.IsCreate():
		return "create"
	case op.IsUpdate():
		return "update"
	default:
		return "delete"
	}
}

// Packages a commit and its inversion proof as an event. `extra` should hold the blocks a consumer needs beyond the proof: new MST nodes and new record blocks.
func NewCommitEvent(commit *Commit, proof *Proof, since string, extra []blocks.Block) (*CommitEvent, error) {
	commitBlk, err := commit.Block()
	if err != nil {
		return nil, err
	}
	all := make([]blocks.Block, 0, 1+len(proof.Blocks)+len(extra))
	all = append(all, commitBlk)
	all = append(all, proof.Blocks...)
	all = append(all, extra...)

	buf := new(bytes.Buffer)
	if err := carutil.WriteDelta(buf, []cid.Cid{commitBlk.Cid()}, all); err != nil {
		return nil, err
	}

	evt := &CommitEvent{
		Repo:     commit.DID,
		Rev:      commit.Rev,
		Commit:   commitBlk.Cid(),
		PrevData: &proof.PrevData,
		Ops:      make([]RepoOp, 0, len(proof.Ops)),
		Blocks:   buf.Bytes(),
		Time:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if since != "" {
		evt.Since = &since
	}
	for _, op := range proof.Ops {
		evt.Ops = append(evt.Ops, RepoOp{
			Action: opAction(&op),
			Path:   op.Path,
			CID:    op.Value,
			Prev:   op.Prev,
		})
	}
	return evt, nil
}

// Verifies a commit event using only its own blocks: commit structure and signature (if `pubkey` is not nil), presence of new record blocks, and the inversion proof from the new MST root back to `prevData`.
func VerifyCommitEvent(ctx context.Context, evt *CommitEvent, pubkey crypto.PublicKey, opts *VerifyOptions) (*Commit, error) {
	if opts == nil {
		o := DefaultVerifyOptions()
		opts = &o
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("did", evt.Repo, "rev", evt.Rev)

	commit, err := verifyCommitEvent(ctx, evt, pubkey, opts.SyncMode, logger)
	if err != nil {
		commitEventsVerified.WithLabelValues("failed").Inc()
		return nil, err
	}
	commitEventsVerified.WithLabelValues("ok").Inc()
	return commit, nil
}

func verifyCommitEvent(ctx context.Context, evt *CommitEvent, pubkey crypto.PublicKey, mode SyncMode, logger *slog.Logger) (*Commit, error) {
	did, err := syntax.ParseDID(evt.Repo)
	if err != nil {
		return nil, err
	}
	rev, err := syntax.ParseTID(evt.Rev)
	if err != nil {
		return nil, err
	}
	if evt.Since != nil {
		since, err := syntax.ParseTID(*evt.Since)
		if err != nil {
			return nil, err
		}
		if since.Compare(rev) >= 0 {
			return nil, fmt.Errorf("%w: since (%s) is not before rev (%s)", ErrStaleRevision, since, rev)
		}
	}
	if evt.Time != "" {
		if _, err := time.Parse(time.RFC3339, evt.Time); err != nil {
			logger.Warn("invalid event timestamp", "time", evt.Time, "err", err)
		}
	}

	roots, blks, err := carutil.ReadAll(bytes.NewReader(evt.Blocks))
	if err != nil {
		return nil, err
	}
	if roots[0] != evt.Commit {
		return nil, fmt.Errorf("%w: CAR root %s does not match commit %s", carutil.ErrHeaderMismatch, roots[0], evt.Commit)
	}
	store := blockstore.NewMemStore()
	if err := store.PutMany(ctx, blks); err != nil {
		return nil, err
	}

	commitBlk, err := store.Get(ctx, evt.Commit)
	if err != nil {
		return nil, &MissingBlockError{CID: evt.Commit, Depth: -1}
	}
	commit, err := ParseCommit(commitBlk.RawData())
	if err != nil {
		return nil, err
	}
	if commit.DID != did.String() {
		return nil, fmt.Errorf("%w: commit DID %s does not match event", ErrMalformedCommit, commit.DID)
	}
	if commit.Rev != rev.String() {
		return nil, fmt.Errorf("%w: commit rev %s does not match event", ErrMalformedCommit, commit.Rev)
	}
	if pubkey != nil {
		if err := commit.VerifySignature(pubkey); err != nil {
			return nil, err
		}
	} else {
		logger.Debug("no public key; skipping signature check")
	}

	for _, op := range evt.Ops {
		if op.CID == nil {
			continue
		}
		ok, err := store.Has(ctx, *op.CID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &MissingBlockError{CID: *op.CID, Depth: -1}
		}
	}

	if evt.IsLegacy() {
		if mode != SyncModeLegacy {
			return nil, ErrLegacyCommit
		}
		logger.Info("legacy commit event; skipping inversion check")
		tree, err := mst.LoadTree(ctx, store, commit.Data, nil)
		if err != nil {
			return nil, err
		}
		for _, op := range evt.Ops {
			if op.CID == nil {
				continue
			}
			val, err := tree.Get(ctx, []byte(op.Path))
			if err != nil {
				return nil, fmt.Errorf("checking op %s: %w", op.Path, err)
			}
			if val != *op.CID {
				return nil, fmt.Errorf("%w: record op doesn't match MST tree value: %s", mst.ErrInvalidOperation, op.Path)
			}
		}
		return commit, nil
	}

	ops, err := ParseCommitOps(evt.Ops)
	if err != nil {
		return nil, err
	}
	if err := VerifyInversion(ctx, *evt.PrevData, blks, ops, commit.Data); err != nil {
		return nil, err
	}
	logger.Debug("prevData matched", "prevData", evt.PrevData.String())
	return commit, nil
}
