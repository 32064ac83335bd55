package repo

import (
	"bytes"
	"context"
	"testing"

	"github.com/bluesky-social/atrepo/atproto/repo/mst"

	"github.com/ipfs/go-cid"
)

func BenchmarkCreateAndHash(b *testing.B) {
	b.ReportAllocs()
	ctx := context.Background()
	m := make(map[string]cid.Cid, 10_000)
	for len(m) < 10_000 {
		m[randomPath()] = randomCid()
	}

	for b.Loop() {
		tree, err := mst.NewTreeFromMap(ctx, m)
		if err != nil {
			b.Fatal(err)
		}
		if !tree.RootCID().Defined() {
			b.Fatal("undefined root")
		}
	}
}

func BenchmarkInversion(b *testing.B) {
	b.ReportAllocs()
	ctx := context.Background()
	bs, root, keys := testTree(b, 5_000)
	writes := randomWrites(keys, 10, 5, 5)

	for b.Loop() {
		proof, _, err := ProduceInversion(ctx, bs, root, writes)
		if err != nil {
			b.Fatal(err)
		}
		if err := VerifyInversion(ctx, proof.PrevData, proof.Blocks, proof.Ops, proof.Data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLoadFromCAR(b *testing.B) {
	b.ReportAllocs()
	ctx := context.Background()
	repo, _, _ := testRepo(b, 2_000)
	buf := new(bytes.Buffer)
	if err := repo.WriteCAR(ctx, buf); err != nil {
		b.Fatal(err)
	}
	carBytes := buf.Bytes()

	for b.Loop() {
		_, _, err := LoadRepoFromCAR(ctx, bytes.NewReader(carBytes))
		if err != nil {
			b.Fatal(err)
		}
	}
}
