package repomgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bluesky-social/atrepo/atproto/repo"
	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"
	"github.com/bluesky-social/atrepo/atproto/repo/mst"
	"github.com/bluesky-social/atrepo/atproto/syntax"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/puzpuzpuz/xsync/v3"
	cbg "github.com/whyrusleeping/cbor-gen"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Maximum number of record writes in a single commit.
const MaxWritesPerCommit = 200

var ErrTooManyOps = fmt.Errorf("too many writes in a single commit (max %d)", MaxWritesPerCommit)
var ErrRecordExists = errors.New("record already exists")
var ErrRecordNotFound = errors.New("record not found")
var ErrCidMismatch = errors.New("record CID does not match")

func NewRepoManager(bs blockstore.Store, heads HeadStore, kmgr KeyManager) *RepoManager {
	return &RepoManager{
		bs:        bs,
		heads:     heads,
		kmgr:      kmgr,
		clk:       syntax.NewTIDClock(0),
		log:       slog.Default().With("system", "repomgr"),
		userLocks: make(map[syntax.DID]*userLock),
		chains:    xsync.NewMapOf[syntax.DID, *repo.Chain](),
		syncMode:  repo.SyncModeInductive,
	}
}

// Like [NewRepoManager], with an LRU cache of `cacheSize` blocks in front of the block store. Intended for on-disk stores.
func NewCachedRepoManager(bs blockstore.Store, heads HeadStore, kmgr KeyManager, cacheSize int) (*RepoManager, error) {
	cs, err := blockstore.NewCachedStore(bs, cacheSize)
	if err != nil {
		return nil, err
	}
	return NewRepoManager(cs, heads, kmgr), nil
}

// How incoming commit events without inversion data are handled. Defaults to [repo.SyncModeInductive].
func (rm *RepoManager) SetSyncMode(mode repo.SyncMode) {
	rm.syncMode = mode
}

// Called after every commit, while the account is still locked, so events for one account are delivered in commit order.
func (rm *RepoManager) SetEventHandler(cb func(context.Context, *repo.CommitEvent)) {
	rm.events = cb
}

// Serializes writes per account over a shared block store, keeps track of account heads, and emits a commit event for every commit.
type RepoManager struct {
	bs    blockstore.Store
	heads HeadStore
	kmgr  KeyManager
	clk   *syntax.TIDClock
	log   *slog.Logger

	lklk      sync.Mutex
	userLocks map[syntax.DID]*userLock

	// current commit per account; only touched with the account locked
	chains   *xsync.MapOf[syntax.DID, *repo.Chain]
	syncMode repo.SyncMode

	events func(context.Context, *repo.CommitEvent)
}

type WriteAction string

const (
	ActionCreate = WriteAction("create")
	ActionUpdate = WriteAction("update")
	ActionDelete = WriteAction("delete")
)

// A single record write in a batch. Record is ignored for deletions. A create with an empty RecordKey is assigned a fresh TID (in place).
type RecordWrite struct {
	Action     WriteAction
	Collection string
	RecordKey  string
	Record     cbg.CBORMarshaler
}

type userLock struct {
	lk    sync.Mutex
	count int
}

func (rm *RepoManager) lockUser(ctx context.Context, did syntax.DID) func() {
	_, span := otel.Tracer("repomgr").Start(ctx, "userLock")
	defer span.End()

	rm.lklk.Lock()

	ulk, ok := rm.userLocks[did]
	if !ok {
		ulk = &userLock{}
		rm.userLocks[did] = ulk
	}

	ulk.count++

	rm.lklk.Unlock()

	ulk.lk.Lock()

	return func() {
		rm.lklk.Lock()

		ulk.lk.Unlock()
		ulk.count--

		if ulk.count == 0 {
			delete(rm.userLocks, did)
		}
		rm.lklk.Unlock()
	}
}

func (rm *RepoManager) openRepo(ctx context.Context, did syntax.DID) (*repo.Repo, error) {
	head, err := rm.heads.GetUserRepoHead(ctx, did)
	if err != nil {
		return nil, err
	}
	r, err := repo.OpenRepo(ctx, rm.bs, head)
	if err != nil {
		return nil, fmt.Errorf("opening repo for %s: %w", did, err)
	}
	if r.DID != did {
		return nil, fmt.Errorf("%w: head commit for %s belongs to %s", repo.ErrMalformedCommit, did, r.DID)
	}
	return r, nil
}

// Returns the account's chain, starting it at the open repo's commit if this is the first use. Callers hold the account lock.
func (rm *RepoManager) chainFor(did syntax.DID, r *repo.Repo) (*repo.Chain, error) {
	if ch, ok := rm.chains.Load(did); ok {
		if _, head := ch.Head(); head == r.CommitCID {
			return ch, nil
		}
	}
	ch, err := repo.NewChainAt(did, r.Commit, r.CommitCID)
	if err != nil {
		return nil, err
	}
	rm.chains.Store(did, ch)
	return ch, nil
}

// Advances the account's chain to a new commit, then updates the stored head.
func (rm *RepoManager) advanceHead(ctx context.Context, ch *repo.Chain, commit *repo.Commit, commitCID cid.Cid) error {
	if err := ch.Advance(commit, commitCID); err != nil {
		return err
	}
	if err := rm.heads.UpdateUserRepoHead(ctx, ch.DID, commitCID); err != nil {
		rm.chains.Delete(ch.DID)
		return fmt.Errorf("updating user head: %w", err)
	}
	return nil
}

func encodeRecord(rec cbg.CBORMarshaler) (blocks.Block, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is required")
	}
	buf := new(bytes.Buffer)
	if err := rec.MarshalCBOR(buf); err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return blockstore.CBORBlock(buf.Bytes())
}

// Creates an empty repository for the account, with a first commit.
func (rm *RepoManager) InitNewActor(ctx context.Context, did syntax.DID) error {
	ctx, span := otel.Tracer("repomgr").Start(ctx, "InitNewActor")
	defer span.End()

	unlock := rm.lockUser(ctx, did)
	defer unlock()

	if _, err := rm.heads.GetUserRepoHead(ctx, did); err == nil {
		return fmt.Errorf("%w: %s", ErrActorExists, did)
	} else if !errors.Is(err, ErrHeadNotFound) {
		return err
	}

	key, err := rm.kmgr.SigningKey(ctx, did)
	if err != nil {
		return err
	}
	r, err := repo.NewRepo(did, rm.bs)
	if err != nil {
		return err
	}
	res, err := r.ApplyWrites(ctx, nil, key)
	if err != nil {
		return fmt.Errorf("creating first commit: %w", err)
	}
	ch := repo.NewChain(did)
	if err := ch.Advance(res.Commit, res.CommitCID); err != nil {
		return err
	}
	if err := rm.heads.InitUser(ctx, did, res.CommitCID); err != nil {
		return err
	}
	rm.chains.Store(did, ch)
	rm.log.Info("initialized repo", "did", did, "rev", res.Commit.Rev)
	return rm.emit(ctx, res, nil)
}

// Applies a batch of record writes in a single commit. Creates must not overwrite, updates and deletes must target existing records.
func (rm *RepoManager) ApplyWrites(ctx context.Context, did syntax.DID, writes []RecordWrite) (*repo.CommitResult, error) {
	res, _, err := rm.applyWrites(ctx, did, writes)
	return res, err
}

// also returns the record CID of each write (undefined for deletions)
func (rm *RepoManager) applyWrites(ctx context.Context, did syntax.DID, writes []RecordWrite) (*repo.CommitResult, []cid.Cid, error) {
	ctx, span := otel.Tracer("repomgr").Start(ctx, "ApplyWrites")
	defer span.End()
	span.SetAttributes(attribute.String("did", did.String()), attribute.Int("writes", len(writes)))

	if len(writes) > MaxWritesPerCommit {
		return nil, nil, ErrTooManyOps
	}
	start := time.Now()

	unlock := rm.lockUser(ctx, did)
	defer unlock()

	r, err := rm.openRepo(ctx, did)
	if err != nil {
		return nil, nil, err
	}
	ch, err := rm.chainFor(did, r)
	if err != nil {
		return nil, nil, err
	}
	key, err := rm.kmgr.SigningKey(ctx, did)
	if err != nil {
		return nil, nil, err
	}

	repoWrites := make([]repo.Write, 0, len(writes))
	recCids := make([]cid.Cid, len(writes))
	var recBlocks []blocks.Block
	for i := range writes {
		w := &writes[i]
		if w.Action == ActionCreate && w.RecordKey == "" {
			w.RecordKey = rm.clk.Next().String()
		}
		path := w.Collection + "/" + w.RecordKey
		if _, _, err := repo.ParseRepoPath(path); err != nil {
			return nil, nil, err
		}

		_, err := r.GetRecordCID(ctx, w.Collection, w.RecordKey)
		exists := err == nil
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, nil, err
		}

		switch w.Action {
		case ActionCreate, ActionUpdate:
			if w.Action == ActionCreate && exists {
				return nil, nil, fmt.Errorf("%w: %s", ErrRecordExists, path)
			}
			if w.Action == ActionUpdate && !exists {
				return nil, nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
			}
			blk, err := encodeRecord(w.Record)
			if err != nil {
				return nil, nil, err
			}
			c := blk.Cid()
			recCids[i] = c
			recBlocks = append(recBlocks, blk)
			repoWrites = append(repoWrites, repo.Write{Path: path, Value: &c})
		case ActionDelete:
			if !exists {
				return nil, nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
			}
			repoWrites = append(repoWrites, repo.Write{Path: path})
		default:
			return nil, nil, fmt.Errorf("%w: unknown write action %q", mst.ErrInvalidOperation, w.Action)
		}
	}

	if err := rm.bs.PutMany(ctx, recBlocks); err != nil {
		return nil, nil, fmt.Errorf("storing records: %w", err)
	}
	res, err := r.ApplyWrites(ctx, repoWrites, key)
	if err != nil {
		return nil, nil, err
	}
	if err := rm.advanceHead(ctx, ch, res.Commit, res.CommitCID); err != nil {
		return nil, nil, err
	}

	for _, w := range writes {
		repoWriteOps.WithLabelValues(string(w.Action)).Inc()
	}
	commitDuration.Observe(time.Since(start).Seconds())
	rm.log.Debug("committed writes", "did", did, "rev", res.Commit.Rev, "ops", len(res.Proof.Ops))

	if err := rm.emit(ctx, res, recBlocks); err != nil {
		return nil, nil, err
	}
	return res, recCids, nil
}

func (rm *RepoManager) emit(ctx context.Context, res *repo.CommitResult, recBlocks []blocks.Block) error {
	if rm.events == nil {
		return nil
	}
	extra := make([]blocks.Block, 0, len(res.NewNodes)+len(recBlocks))
	extra = append(extra, res.NewNodes...)
	extra = append(extra, recBlocks...)
	evt, err := repo.NewCommitEvent(res.Commit, res.Proof, res.Since, extra)
	if err != nil {
		return fmt.Errorf("building commit event: %w", err)
	}
	rm.events(ctx, evt)
	return nil
}

// Creates a record under a fresh TID record key. Returns the record key and CID.
func (rm *RepoManager) CreateRecord(ctx context.Context, did syntax.DID, collection string, rec cbg.CBORMarshaler) (string, cid.Cid, error) {
	ctx, span := otel.Tracer("repomgr").Start(ctx, "CreateRecord")
	defer span.End()

	writes := []RecordWrite{{Action: ActionCreate, Collection: collection, Record: rec}}
	_, recCids, err := rm.applyWrites(ctx, did, writes)
	if err != nil {
		return "", cid.Undef, err
	}
	return writes[0].RecordKey, recCids[0], nil
}

func (rm *RepoManager) UpdateRecord(ctx context.Context, did syntax.DID, collection, rkey string, rec cbg.CBORMarshaler) (cid.Cid, error) {
	ctx, span := otel.Tracer("repomgr").Start(ctx, "UpdateRecord")
	defer span.End()

	_, recCids, err := rm.applyWrites(ctx, did, []RecordWrite{{Action: ActionUpdate, Collection: collection, RecordKey: rkey, Record: rec}})
	if err != nil {
		return cid.Undef, err
	}
	return recCids[0], nil
}

func (rm *RepoManager) DeleteRecord(ctx context.Context, did syntax.DID, collection, rkey string) error {
	ctx, span := otel.Tracer("repomgr").Start(ctx, "DeleteRecord")
	defer span.End()

	_, err := rm.ApplyWrites(ctx, did, []RecordWrite{{Action: ActionDelete, Collection: collection, RecordKey: rkey}})
	return err
}

// Current commit CID for the account.
func (rm *RepoManager) GetRepoRoot(ctx context.Context, did syntax.DID) (cid.Cid, error) {
	return rm.heads.GetUserRepoHead(ctx, did)
}

// Current revision of the account's repository.
func (rm *RepoManager) GetRepoRev(ctx context.Context, did syntax.DID) (string, error) {
	if ch, ok := rm.chains.Load(did); ok && ch.Committed() {
		return ch.Rev(), nil
	}
	r, err := rm.openRepo(ctx, did)
	if err != nil {
		return "", err
	}
	return r.Commit.Rev, nil
}

// Reads a record at the current commit. If `maybeCid` is defined, the current record must have that CID.
func (rm *RepoManager) GetRecord(ctx context.Context, did syntax.DID, collection, rkey string, maybeCid cid.Cid) (cid.Cid, []byte, error) {
	ctx, span := otel.Tracer("repomgr").Start(ctx, "GetRecord")
	defer span.End()

	r, err := rm.openRepo(ctx, did)
	if err != nil {
		return cid.Undef, nil, err
	}
	raw, c, err := r.GetRecordBytes(ctx, collection, rkey)
	if errors.Is(err, repo.ErrNotFound) {
		return cid.Undef, nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, collection, rkey)
	}
	if err != nil {
		return cid.Undef, nil, err
	}
	if maybeCid.Defined() && maybeCid != c {
		return cid.Undef, nil, fmt.Errorf("%w: have %s, requested %s", ErrCidMismatch, c, maybeCid)
	}
	return c, raw, nil
}

// Writes a full CAR export of the account's repository at its current commit.
func (rm *RepoManager) ExportCAR(ctx context.Context, did syntax.DID, w io.Writer) error {
	ctx, span := otel.Tracer("repomgr").Start(ctx, "ExportCAR")
	defer span.End()

	r, err := rm.openRepo(ctx, did)
	if err != nil {
		return err
	}
	return r.WriteCAR(ctx, w)
}

// Writes a CAR proving the presence or absence of a record at the current commit.
func (rm *RepoManager) GetRecordProof(ctx context.Context, did syntax.DID, collection, rkey string, w io.Writer) error {
	r, err := rm.openRepo(ctx, did)
	if err != nil {
		return err
	}
	return r.GetRecordProof(ctx, w, collection, rkey)
}

// Imports a full repository export for an account which has no repo yet. The commit must belong to the account and be signed by its key.
func (rm *RepoManager) ImportNewRepo(ctx context.Context, did syntax.DID, r io.Reader) error {
	ctx, span := otel.Tracer("repomgr").Start(ctx, "ImportNewRepo")
	defer span.End()

	unlock := rm.lockUser(ctx, did)
	defer unlock()

	if _, err := rm.heads.GetUserRepoHead(ctx, did); err == nil {
		return fmt.Errorf("%w: %s", ErrActorExists, did)
	} else if !errors.Is(err, ErrHeadNotFound) {
		return err
	}

	commit, imported, err := repo.LoadRepoFromCAR(ctx, r)
	if err != nil {
		return err
	}
	if imported.DID != did {
		return fmt.Errorf("%w: imported repo belongs to %s", repo.ErrMalformedCommit, imported.DID)
	}
	pub, err := rm.kmgr.PublicKey(ctx, did)
	if err != nil {
		return err
	}
	ch, err := repo.NewChainAt(did, commit, imported.CommitCID)
	if err != nil {
		return err
	}
	if err := repo.VerifyCommit(commit, pub); err != nil {
		return err
	}
	if err := imported.MST.Verify(ctx); err != nil {
		return fmt.Errorf("imported MST: %w", err)
	}

	var all []blocks.Block
	nrecs := 0
	err = imported.MST.WalkBlocks(ctx, func(n *mst.Node) error {
		blk, err := blocks.NewBlockWithCid(n.Bytes(), n.CID)
		if err != nil {
			return err
		}
		all = append(all, blk)
		return nil
	}, func(key []byte, val cid.Cid) error {
		blk, err := imported.RecordStore.Get(ctx, val)
		if err != nil {
			return fmt.Errorf("record %s: %w", key, err)
		}
		all = append(all, blk)
		nrecs++
		return nil
	})
	if err != nil {
		return err
	}
	commitBlk, err := commit.Block()
	if err != nil {
		return err
	}
	all = append(all, commitBlk)
	if err := rm.bs.PutMany(ctx, all); err != nil {
		return err
	}
	if err := rm.heads.InitUser(ctx, did, imported.CommitCID); err != nil {
		return err
	}
	rm.chains.Store(did, ch)
	rm.clk.Observe(syntax.TID(commit.Rev))
	repoOpsImported.Add(float64(nrecs))
	rm.log.Info("imported repo", "did", did, "rev", commit.Rev, "records", nrecs)
	return nil
}
