package repomgr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/atproto/repo"
	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"
	"github.com/bluesky-social/atrepo/atproto/syntax"

	"github.com/cockroachdb/pebble"
	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
)

const testDID = syntax.DID("did:plc:ewvi7nxzyoun6zhxrhs64oiz")

type testPost struct {
	Text string
}

func (p *testPost) MarshalCBOR(w io.Writer) error {
	raw, err := cbornode.DumpObject(map[string]any{
		"$type": "app.bsky.feed.post",
		"text":  p.Text,
	})
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

type eventLog struct {
	lk     sync.Mutex
	events []*repo.CommitEvent
}

func (el *eventLog) handle(ctx context.Context, evt *repo.CommitEvent) {
	el.lk.Lock()
	defer el.lk.Unlock()
	el.events = append(el.events, evt)
}

func testManager(t testing.TB, heads HeadStore) (*RepoManager, *MemKeyManager, *eventLog) {
	priv, err := crypto.GeneratePrivateKeyK256()
	if err != nil {
		t.Fatal(err)
	}
	kmgr := NewMemKeyManager()
	kmgr.AddKey(testDID, priv)
	rm := NewRepoManager(blockstore.NewMemStore(), heads, kmgr)
	el := &eventLog{}
	rm.SetEventHandler(el.handle)
	if err := rm.InitNewActor(context.Background(), testDID); err != nil {
		t.Fatal(err)
	}
	return rm, kmgr, el
}

func TestRepoManagerWrites(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	rm, kmgr, el := testManager(t, NewMemHeadStore())
	assert.ErrorIs(rm.InitNewActor(ctx, testDID), ErrActorExists)

	var rkeys []string
	for i := 0; i < 20; i++ {
		rkey, c, err := rm.CreateRecord(ctx, testDID, "app.bsky.feed.post", &testPost{Text: fmt.Sprintf("post %d", i)})
		assert.NoError(err)
		assert.True(c.Defined())
		_, err = syntax.ParseTID(rkey)
		assert.NoError(err)
		rkeys = append(rkeys, rkey)
	}

	c, raw, err := rm.GetRecord(ctx, testDID, "app.bsky.feed.post", rkeys[3], cid.Undef)
	assert.NoError(err)
	blk, err := blockstore.CBORBlock(raw)
	assert.NoError(err)
	assert.Equal(c, blk.Cid())
	_, _, err = rm.GetRecord(ctx, testDID, "app.bsky.feed.post", rkeys[3], blk.Cid())
	assert.NoError(err)

	uc, err := rm.UpdateRecord(ctx, testDID, "app.bsky.feed.post", rkeys[3], &testPost{Text: "edited"})
	assert.NoError(err)
	assert.NotEqual(c, uc)
	got, _, err := rm.GetRecord(ctx, testDID, "app.bsky.feed.post", rkeys[3], uc)
	assert.NoError(err)
	assert.Equal(uc, got)
	_, _, err = rm.GetRecord(ctx, testDID, "app.bsky.feed.post", rkeys[3], c)
	assert.ErrorIs(err, ErrCidMismatch)

	assert.NoError(rm.DeleteRecord(ctx, testDID, "app.bsky.feed.post", rkeys[4]))
	_, _, err = rm.GetRecord(ctx, testDID, "app.bsky.feed.post", rkeys[4], cid.Undef)
	assert.ErrorIs(err, ErrRecordNotFound)

	// write preconditions
	assert.ErrorIs(rm.DeleteRecord(ctx, testDID, "app.bsky.feed.post", rkeys[4]), ErrRecordNotFound)
	_, err = rm.UpdateRecord(ctx, testDID, "app.bsky.feed.post", "3zzzzzzzzzzzz", &testPost{Text: "nope"})
	assert.ErrorIs(err, ErrRecordNotFound)
	_, err = rm.ApplyWrites(ctx, testDID, []RecordWrite{
		{Action: ActionCreate, Collection: "app.bsky.feed.post", RecordKey: rkeys[0], Record: &testPost{Text: "again"}},
	})
	assert.ErrorIs(err, ErrRecordExists)
	_, err = rm.ApplyWrites(ctx, testDID, []RecordWrite{{Action: "upsert", Collection: "app.bsky.feed.post", RecordKey: "abc"}})
	assert.Error(err)

	tooMany := make([]RecordWrite, MaxWritesPerCommit+1)
	for i := range tooMany {
		tooMany[i] = RecordWrite{Action: ActionCreate, Collection: "app.bsky.feed.like", Record: &testPost{Text: "x"}}
	}
	_, err = rm.ApplyWrites(ctx, testDID, tooMany)
	assert.ErrorIs(err, ErrTooManyOps)

	// batch: create, update and delete in one commit
	res, err := rm.ApplyWrites(ctx, testDID, []RecordWrite{
		{Action: ActionCreate, Collection: "app.bsky.feed.like", RecordKey: "self", Record: &testPost{Text: "like"}},
		{Action: ActionUpdate, Collection: "app.bsky.feed.post", RecordKey: rkeys[5], Record: &testPost{Text: "edited again"}},
		{Action: ActionDelete, Collection: "app.bsky.feed.post", RecordKey: rkeys[6]},
	})
	assert.NoError(err)
	assert.Len(res.Proof.Ops, 3)
	root, err := rm.GetRepoRoot(ctx, testDID)
	assert.NoError(err)
	assert.Equal(res.CommitCID, root)
	rev, err := rm.GetRepoRev(ctx, testDID)
	assert.NoError(err)
	assert.Equal(res.Commit.Rev, rev)

	// init + 20 creates + update + delete + batch; failed writes emit nothing
	assert.Len(el.events, 24)
	pub, err := kmgr.PublicKey(ctx, testDID)
	assert.NoError(err)
	prevRev := ""
	for i, evt := range el.events {
		_, err := repo.VerifyCommitEvent(ctx, evt, pub, nil)
		assert.NoError(err, "event %d", i)
		if prevRev == "" {
			assert.Nil(evt.Since)
		} else if assert.NotNil(evt.Since) {
			assert.Equal(prevRev, *evt.Since)
		}
		prevRev = evt.Rev
	}

	// unknown account
	_, _, err = rm.CreateRecord(ctx, "did:web:example.com", "app.bsky.feed.post", &testPost{Text: "hi"})
	assert.ErrorIs(err, ErrHeadNotFound)
	assert.ErrorIs(rm.InitNewActor(ctx, "did:web:example.com"), ErrNoSigningKey)
}

func TestRepoManagerExportImport(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	rm, kmgr, _ := testManager(t, NewMemHeadStore())
	records := map[string]cid.Cid{}
	for i := 0; i < 50; i++ {
		rkey, c, err := rm.CreateRecord(ctx, testDID, "app.bsky.feed.post", &testPost{Text: fmt.Sprintf("export %d", i)})
		assert.NoError(err)
		records[rkey] = c
	}
	buf := new(bytes.Buffer)
	assert.NoError(rm.ExportCAR(ctx, testDID, buf))

	other := NewRepoManager(blockstore.NewMemStore(), NewMemHeadStore(), kmgr)
	assert.NoError(other.ImportNewRepo(ctx, testDID, bytes.NewReader(buf.Bytes())))
	assert.ErrorIs(other.ImportNewRepo(ctx, testDID, bytes.NewReader(buf.Bytes())), ErrActorExists)
	for rkey, c := range records {
		got, _, err := other.GetRecord(ctx, testDID, "app.bsky.feed.post", rkey, c)
		assert.NoError(err)
		assert.Equal(c, got)
	}
	r1, err := rm.GetRepoRoot(ctx, testDID)
	assert.NoError(err)
	r2, err := other.GetRepoRoot(ctx, testDID)
	assert.NoError(err)
	assert.Equal(r1, r2)

	// the imported repo can be written to
	_, _, err = other.CreateRecord(ctx, testDID, "app.bsky.feed.post", &testPost{Text: "after import"})
	assert.NoError(err)

	// signed by a different key than the one registered for the account
	wrongKey, err := crypto.GeneratePrivateKeyP256()
	assert.NoError(err)
	km2 := NewMemKeyManager()
	km2.AddKey(testDID, wrongKey)
	third := NewRepoManager(blockstore.NewMemStore(), NewMemHeadStore(), km2)
	assert.ErrorIs(third.ImportNewRepo(ctx, testDID, bytes.NewReader(buf.Bytes())), repo.ErrInvalidSignature)

	// repo for a different account
	km2.AddKey("did:web:example.com", wrongKey)
	assert.ErrorIs(third.ImportNewRepo(ctx, "did:web:example.com", bytes.NewReader(buf.Bytes())), repo.ErrMalformedCommit)

	// record proofs against the live repo
	proof := new(bytes.Buffer)
	var rkey string
	for k := range records {
		rkey = k
		break
	}
	assert.NoError(rm.GetRecordProof(ctx, testDID, "app.bsky.feed.post", rkey, proof))
	pub, err := kmgr.PublicKey(ctx, testDID)
	assert.NoError(err)
	c := records[rkey]
	verified, _, err := repo.VerifyRecordProofs(ctx, bytes.NewReader(proof.Bytes()), testDID, pub, []repo.RecordClaim{
		{Collection: "app.bsky.feed.post", RecordKey: rkey, CID: &c},
	})
	assert.NoError(err)
	assert.Len(verified, 1)
}

func TestRepoManagerConcurrentWrites(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	rm, kmgr, el := testManager(t, NewMemHeadStore())
	other := syntax.DID("did:plc:44ybard66vv44zksje25o7dz")
	otherKey, err := crypto.GeneratePrivateKeyP256()
	assert.NoError(err)
	kmgr.AddKey(other, otherKey)
	assert.NoError(rm.InitNewActor(ctx, other))

	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		did := testDID
		if i%2 == 1 {
			did = other
		}
		eg.Go(func() error {
			for j := 0; j < 10; j++ {
				if _, _, err := rm.CreateRecord(ctx, did, "app.bsky.feed.post", &testPost{Text: fmt.Sprintf("%d-%d", i, j)}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	assert.NoError(eg.Wait())
	assert.Empty(rm.userLocks)

	// per-account events are in strictly increasing rev order
	lastRev := map[string]string{}
	for _, evt := range el.events {
		assert.True(evt.Rev > lastRev[evt.Repo])
		lastRev[evt.Repo] = evt.Rev
	}
	// two inits plus 80 creates
	assert.Len(el.events, 82)

	for _, did := range []syntax.DID{testDID, other} {
		buf := new(bytes.Buffer)
		assert.NoError(rm.ExportCAR(ctx, did, buf))
		_, r, err := repo.LoadRepoFromCAR(ctx, bytes.NewReader(buf.Bytes()))
		assert.NoError(err)
		count := 0
		assert.NoError(r.ForEach(ctx, func(path string, val cid.Cid) error {
			count++
			return nil
		}))
		assert.Equal(40, count)
	}
}

func exerciseHeadStore(t *testing.T, hs HeadStore) {
	assert := assert.New(t)
	ctx := context.Background()

	a, err := blockstore.CBORBlock([]byte{0x61, 'a'})
	assert.NoError(err)
	b, err := blockstore.CBORBlock([]byte{0x61, 'b'})
	assert.NoError(err)

	_, err = hs.GetUserRepoHead(ctx, testDID)
	assert.ErrorIs(err, ErrHeadNotFound)
	assert.ErrorIs(hs.UpdateUserRepoHead(ctx, testDID, a.Cid()), ErrHeadNotFound)
	_, err = hs.GetUserRepoHead(ctx, testDID)
	assert.ErrorIs(err, ErrHeadNotFound)

	assert.NoError(hs.InitUser(ctx, testDID, a.Cid()))
	assert.ErrorIs(hs.InitUser(ctx, testDID, b.Cid()), ErrActorExists)
	head, err := hs.GetUserRepoHead(ctx, testDID)
	assert.NoError(err)
	assert.Equal(a.Cid(), head)

	assert.NoError(hs.UpdateUserRepoHead(ctx, testDID, b.Cid()))
	head, err = hs.GetUserRepoHead(ctx, testDID)
	assert.NoError(err)
	assert.Equal(b.Cid(), head)
}

func TestMemHeadStore(t *testing.T) {
	exerciseHeadStore(t, NewMemHeadStore())
}

func TestPebbleHeadStore(t *testing.T) {
	db, err := pebble.Open(filepath.Join(t.TempDir(), "heads"), &pebble.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	exerciseHeadStore(t, NewPebbleHeadStore(db))
}

// blocks and heads in one pebble database
func TestRepoManagerPebble(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	db, err := pebble.Open(filepath.Join(t.TempDir(), "repos"), &pebble.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	priv, err := crypto.GeneratePrivateKeyK256()
	assert.NoError(err)
	kmgr := NewMemKeyManager()
	kmgr.AddKey(testDID, priv)
	rm := NewRepoManager(blockstore.NewPebbleStore(db), NewPebbleHeadStore(db), kmgr)
	assert.NoError(rm.InitNewActor(ctx, testDID))
	rkey, c, err := rm.CreateRecord(ctx, testDID, "app.bsky.feed.post", &testPost{Text: "persisted"})
	assert.NoError(err)

	// a fresh manager over the same database sees the same state
	again := NewRepoManager(blockstore.NewPebbleStore(db), NewPebbleHeadStore(db), kmgr)
	got, _, err := again.GetRecord(ctx, testDID, "app.bsky.feed.post", rkey, cid.Undef)
	assert.NoError(err)
	assert.Equal(c, got)
}

func BenchmarkRepoMgrCreates(b *testing.B) {
	ctx := context.Background()
	rm, _, _ := testManager(b, NewMemHeadStore())
	rm.SetEventHandler(nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, err := rm.CreateRecord(ctx, testDID, "app.bsky.feed.post", &testPost{
			Text: "cats",
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
