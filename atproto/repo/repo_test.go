package repo

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"
	"github.com/bluesky-social/atrepo/atproto/repo/carutil"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/assert"
)

func recordBlock(t testing.TB, text string) blocks.Block {
	nd, err := cbornode.WrapObject(map[string]any{
		"$type": "app.bsky.feed.post",
		"text":  text,
	}, blockstore.CBORPrefix.MhType, -1)
	if err != nil {
		t.Fatal(err)
	}
	return nd
}

// repository with `n` posts, committed in batches of 10
func testRepo(t testing.TB, n int) (*Repo, crypto.PrivateKey, map[string]cid.Cid) {
	ctx := context.Background()
	priv, err := crypto.GeneratePrivateKeyK256()
	if err != nil {
		t.Fatal(err)
	}
	repo, err := NewRepo(testDID, nil)
	if err != nil {
		t.Fatal(err)
	}
	records := map[string]cid.Cid{}
	var writes []Write
	for i := 0; i < n; i++ {
		blk := recordBlock(t, fmt.Sprintf("post number %d", i))
		if err := repo.RecordStore.Put(ctx, blk); err != nil {
			t.Fatal(err)
		}
		path := fmt.Sprintf("app.bsky.feed.post/3l%011d", i)
		c := blk.Cid()
		records[path] = c
		writes = append(writes, Write{Path: path, Value: &c})
		if len(writes) == 10 || i == n-1 {
			if _, err := repo.ApplyWrites(ctx, writes, priv); err != nil {
				t.Fatal(err)
			}
			writes = nil
		}
	}
	return repo, priv, records
}

func TestRepoWrites(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	repo, priv, records := testRepo(t, 55)
	pub, err := priv.PublicKey()
	assert.NoError(err)
	assert.NoError(VerifyCommit(repo.Commit, pub))
	assert.NotNil(repo.Commit.Prev)

	for path, c := range records {
		coll, rkey, err := ParseRepoPath(path)
		assert.NoError(err)
		val, err := repo.GetRecordCID(ctx, coll, rkey)
		assert.NoError(err)
		assert.Equal(c, val)
		raw, rc, err := repo.GetRecordBytes(ctx, coll, rkey)
		assert.NoError(err)
		assert.Equal(c, rc)
		assert.NotEmpty(raw)
	}
	_, err = repo.GetRecordCID(ctx, "app.bsky.feed.post", "missing")
	assert.ErrorIs(err, ErrNotFound)
	_, err = repo.GetRecordCID(ctx, "app.bsky.feed.post", "bad key")
	assert.Error(err)

	// delete and update in one commit
	prevRev := repo.Commit.Rev
	newRec := recordBlock(t, "updated")
	assert.NoError(repo.RecordStore.Put(ctx, newRec))
	nc := newRec.Cid()
	res, err := repo.ApplyWrites(ctx, []Write{
		{Path: "app.bsky.feed.post/3l00000000000"},
		{Path: "app.bsky.feed.post/3l00000000001", Value: &nc},
	}, priv)
	assert.NoError(err)
	assert.Equal(prevRev, res.Since)
	assert.True(res.Commit.Rev > prevRev)
	assert.Len(res.Proof.Ops, 2)
	assert.True(res.Proof.Ops[0].IsDelete())
	assert.True(res.Proof.Ops[1].IsUpdate())
	assert.NoError(VerifyInversion(ctx, res.Proof.PrevData, res.Proof.Blocks, res.Proof.Ops, res.Proof.Data))

	_, err = repo.GetRecordCID(ctx, "app.bsky.feed.post", "3l00000000000")
	assert.ErrorIs(err, ErrNotFound)

	count := 0
	assert.NoError(repo.ForEach(ctx, func(path string, val cid.Cid) error {
		count++
		return nil
	}))
	assert.Equal(54, count)

	// a write with an invalid path changes nothing
	head := repo.CommitCID
	_, err = repo.ApplyWrites(ctx, []Write{{Path: "no-collection", Value: &nc}}, priv)
	assert.Error(err)
	assert.Equal(head, repo.CommitCID)
}

func TestRepoCAR(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	repo, _, records := testRepo(t, 40)

	buf := new(bytes.Buffer)
	assert.NoError(repo.WriteCAR(ctx, buf))
	raw := buf.Bytes()

	_, blks, err := carutil.ReadAll(bytes.NewReader(raw))
	assert.NoError(err)
	assert.NoError(carutil.CheckStreamingOrder(blks))

	commit, loaded, err := LoadRepoFromCAR(ctx, bytes.NewReader(raw))
	assert.NoError(err)
	assert.Equal(repo.Commit, commit)
	assert.Equal(repo.CommitCID, loaded.CommitCID)
	assert.Equal(repo.MST.RootCID(), loaded.MST.RootCID())
	assert.NoError(loaded.MST.Verify(ctx))
	for path, c := range records {
		coll, rkey, _ := ParseRepoPath(path)
		_, rc, err := loaded.GetRecordBytes(ctx, coll, rkey)
		assert.NoError(err)
		assert.Equal(c, rc)
	}

	// exporting the loaded repo gives identical bytes
	again := new(bytes.Buffer)
	assert.NoError(loaded.WriteCAR(ctx, again))
	assert.Equal(raw, again.Bytes())

	onlyCommit, commitCID, err := LoadCommitFromCAR(ctx, bytes.NewReader(raw))
	assert.NoError(err)
	assert.Equal(repo.Commit, onlyCommit)
	assert.Equal(repo.CommitCID, *commitCID)

	// CAR without the commit block
	noCommit := new(bytes.Buffer)
	assert.NoError(carutil.WriteBlocks(noCommit, []cid.Cid{repo.CommitCID}, blks[1:]))
	_, _, err = LoadCommitFromCAR(ctx, bytes.NewReader(noCommit.Bytes()))
	assert.ErrorIs(err, ErrNoCommit)
	_, _, err = LoadRepoFromCAR(ctx, bytes.NewReader(noCommit.Bytes()))
	assert.ErrorIs(err, ErrNoCommit)

	empty, err := NewRepo(testDID, nil)
	assert.NoError(err)
	assert.ErrorIs(empty.WriteCAR(ctx, new(bytes.Buffer)), ErrNoCommit)
}

func TestRecordProofs(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	repo, priv, records := testRepo(t, 300)
	pub, err := priv.PublicKey()
	assert.NoError(err)

	path := "app.bsky.feed.post/3l00000000042"
	buf := new(bytes.Buffer)
	assert.NoError(repo.GetRecordProof(ctx, buf, "app.bsky.feed.post", "3l00000000042"))
	raw := buf.Bytes()

	c := records[path]
	wrong := randomCid()
	claims := []RecordClaim{
		{Collection: "app.bsky.feed.post", RecordKey: "3l00000000042", CID: &c},
		{Collection: "app.bsky.feed.post", RecordKey: "3l00000000042", CID: &wrong},
		{Collection: "app.bsky.feed.post", RecordKey: "3l00000000042"},
	}
	verified, unverified, err := VerifyRecordProofs(ctx, bytes.NewReader(raw), testDID, pub, claims)
	assert.NoError(err)
	assert.Equal(claims[:1], verified)
	assert.Equal(claims[1:], unverified)

	// proof of absence
	buf.Reset()
	assert.NoError(repo.GetRecordProof(ctx, buf, "app.bsky.feed.post", "3zzzzzzzzzzzz"))
	verified, unverified, err = VerifyRecordProofs(ctx, bytes.NewReader(buf.Bytes()), testDID, pub, []RecordClaim{
		{Collection: "app.bsky.feed.post", RecordKey: "3zzzzzzzzzzzz"},
	})
	assert.NoError(err)
	assert.Len(verified, 1)
	assert.Empty(unverified)

	// the proof for one record says nothing about most others
	var all []RecordClaim
	for path, c := range records {
		coll, rkey, _ := ParseRepoPath(path)
		all = append(all, RecordClaim{Collection: coll, RecordKey: rkey, CID: &c})
	}
	verified, unverified, err = VerifyRecordProofs(ctx, bytes.NewReader(raw), testDID, pub, all)
	assert.NoError(err)
	assert.Contains(verified, claims[0])
	assert.Less(len(verified), len(all)/4)
	assert.Equal(len(all), len(verified)+len(unverified))

	// wrong account or wrong key
	_, _, err = VerifyRecordProofs(ctx, bytes.NewReader(raw), "did:web:example.com", pub, claims)
	assert.ErrorIs(err, ErrMalformedCommit)
	otherKey, err := crypto.GeneratePrivateKeyP256()
	assert.NoError(err)
	otherPub, err := otherKey.PublicKey()
	assert.NoError(err)
	_, _, err = VerifyRecordProofs(ctx, bytes.NewReader(raw), testDID, otherPub, claims)
	assert.ErrorIs(err, ErrInvalidSignature)
}
