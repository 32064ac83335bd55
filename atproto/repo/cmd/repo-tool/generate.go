package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/atproto/repo"
	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/repomgr"

	"github.com/brianvoe/gofakeit/v6"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/urfave/cli/v2"
)

type fakePost struct {
	Text      string
	CreatedAt string
}

func (p *fakePost) MarshalCBOR(w io.Writer) error {
	raw, err := cbornode.DumpObject(map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      p.Text,
		"createdAt": p.CreatedAt,
	})
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

func newFakePost() *fakePost {
	return &fakePost{
		Text:      gofakeit.Sentence(10),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func loadOrCreateKey(cctx *cli.Context) (crypto.PrivateKeyExportable, error) {
	if s := cctx.String("private-key"); s != "" {
		return crypto.ParsePrivateMultibase(s)
	}
	priv, err := crypto.GeneratePrivateKeyK256()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "generated private key: %s\n", priv.Multibase())
	return priv, nil
}

func runGenerate(cctx *cli.Context) error {
	ctx := cctx.Context

	did, err := syntax.ParseDID(cctx.String("did"))
	if err != nil {
		return err
	}
	priv, err := loadOrCreateKey(cctx)
	if err != nil {
		return err
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return err
	}
	batch := cctx.Int("batch")
	if batch < 1 || batch > repomgr.MaxWritesPerCommit {
		return fmt.Errorf("batch size must be between 1 and %d", repomgr.MaxWritesPerCommit)
	}

	st, err := openStorage(cctx)
	if err != nil {
		return err
	}
	defer st.Close()
	kmgr := repomgr.NewMemKeyManager()
	kmgr.AddKey(did, priv)
	rm, err := st.repoManager(cctx, kmgr)
	if err != nil {
		return err
	}

	if p := cctx.String("events"); p != "" {
		ef, err := os.Create(p)
		if err != nil {
			return err
		}
		defer ef.Close()
		ew := bufio.NewWriter(ef)
		defer ew.Flush()
		enc := json.NewEncoder(ew)
		var encErr error
		rm.SetEventHandler(func(ctx context.Context, evt *repo.CommitEvent) {
			if encErr == nil {
				encErr = enc.Encode(evt)
			}
		})
		defer func() {
			if encErr != nil {
				slog.Error("failed writing events", "err", encErr)
			}
		}()
	}

	if err := rm.InitNewActor(ctx, did); err != nil {
		return err
	}

	var created []string
	remaining := cctx.Int("records")
	for n := 0; remaining > 0; n++ {
		var writes []repomgr.RecordWrite
		for i := 0; i < batch && remaining > 0; i++ {
			writes = append(writes, repomgr.RecordWrite{
				Action:     repomgr.ActionCreate,
				Collection: "app.bsky.feed.post",
				Record:     newFakePost(),
			})
			remaining--
		}
		// some churn, so that commit events carry every kind of operation
		if n%3 == 2 && len(created) >= 2 {
			writes = append(writes,
				repomgr.RecordWrite{Action: repomgr.ActionUpdate, Collection: "app.bsky.feed.post", RecordKey: created[0], Record: newFakePost()},
				repomgr.RecordWrite{Action: repomgr.ActionDelete, Collection: "app.bsky.feed.post", RecordKey: created[1]},
			)
			created = created[2:]
			remaining++
		}
		if _, err := rm.ApplyWrites(ctx, did, writes); err != nil {
			return err
		}
		for _, w := range writes {
			if w.Action == repomgr.ActionCreate {
				created = append(created, w.RecordKey)
			}
		}
	}

	f, err := os.Create(cctx.String("output"))
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	if err := rm.ExportCAR(ctx, did, bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	rev, err := rm.GetRepoRev(ctx, did)
	if err != nil {
		return err
	}
	fmt.Printf("did: %s\nrev: %s\ndid-key: %s\n", did, rev, pub.DIDKey())
	return nil
}

func runProveRecord(cctx *cli.Context) error {
	if cctx.Args().Len() != 2 {
		return fmt.Errorf("need to provide CAR path and record path")
	}
	r, err := loadRepoFile(cctx, cctx.Args().Get(0))
	if err != nil {
		return err
	}
	collection, rkey, err := repo.ParseRepoPath(cctx.Args().Get(1))
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	if err := r.GetRecordProof(cctx.Context, buf, collection, rkey); err != nil {
		return err
	}
	if err := os.WriteFile(cctx.String("output"), buf.Bytes(), 0644); err != nil {
		return err
	}
	c, err := r.GetRecordCID(cctx.Context, collection, rkey)
	if err != nil {
		fmt.Printf("proof of absence: %s/%s\n", collection, rkey)
	} else {
		fmt.Printf("proof of presence: %s/%s %s\n", collection, rkey, c)
	}
	return nil
}

func runVerifyRecord(cctx *cli.Context) error {
	args := cctx.Args()
	if args.Len() < 2 {
		return fmt.Errorf("need to provide proof path and record path")
	}
	did, err := syntax.ParseDID(cctx.String("did"))
	if err != nil {
		return err
	}
	pubkey, err := loadPublicKey(cctx)
	if err != nil {
		return err
	}
	collection, rkey, err := repo.ParseRepoPath(args.Get(1))
	if err != nil {
		return err
	}
	claimed, err := parseOptionalCID(args.Get(2))
	if err != nil {
		return err
	}

	f, err := os.Open(args.Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	claim := repo.RecordClaim{Collection: collection, RecordKey: rkey, CID: claimed}
	verified, _, err := repo.VerifyRecordProofs(cctx.Context, f, did, pubkey, []repo.RecordClaim{claim})
	if err != nil {
		return err
	}
	if len(verified) != 1 {
		return fmt.Errorf("proof does not confirm claim about %s", claim.Path())
	}
	if pubkey == nil {
		fmt.Println("verified record claim (signature not checked)")
	} else {
		fmt.Println("verified record claim")
	}
	return nil
}
