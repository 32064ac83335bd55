package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bluesky-social/atrepo/atproto/repo"
	"github.com/bluesky-social/atrepo/atproto/repo/carutil"

	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func runVerifyCar(cctx *cli.Context) error {
	ctx := cctx.Context
	paths := cctx.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("need to provide path to CAR file")
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(1, cctx.Int("parallelism")))
	for _, p := range paths {
		eg.Go(func() error {
			if err := verifyCarFile(ctx, p, cctx.Bool("strict-order")); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	fmt.Printf("verified %d CAR files\n", len(paths))
	return nil
}

func verifyCarFile(ctx context.Context, p string, strictOrder bool) error {
	if strictOrder {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, blks, err := carutil.ReadAll(f)
		f.Close()
		if err != nil {
			return err
		}
		if err := carutil.CheckStreamingOrder(blks); err != nil {
			return err
		}
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	commit, r, err := repo.LoadRepoFromCAR(ctx, f)
	if err != nil {
		return err
	}
	if err := r.MST.Verify(ctx); err != nil {
		return err
	}
	if commit.Data != r.MST.RootCID() {
		return fmt.Errorf("failed to re-compute: %s != %s", r.MST.RootCID(), commit.Data)
	}
	records := 0
	err = r.ForEach(ctx, func(_ string, _ cid.Cid) error {
		records++
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("verified tree", "path", p, "did", commit.DID, "rev", commit.Rev, "records", records)
	return nil
}

func runVerifyCarSignature(cctx *cli.Context) error {
	ctx := cctx.Context

	p := cctx.Args().First()
	if p == "" {
		return fmt.Errorf("need to provide path to CAR file")
	}
	pubkey, err := loadPublicKey(cctx)
	if err != nil {
		return err
	}
	if pubkey == nil {
		return fmt.Errorf("--did-key is required")
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	commit, _, err := repo.LoadCommitFromCAR(ctx, f)
	if err != nil {
		return err
	}
	if err := repo.VerifyCommit(commit, pubkey); err != nil {
		return err
	}
	fmt.Println("verified signature")
	return nil
}
