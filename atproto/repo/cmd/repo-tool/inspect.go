package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/bluesky-social/atrepo/atproto/repo"
	"github.com/bluesky-social/atrepo/atproto/repo/mst"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-car/v2"
	"github.com/urfave/cli/v2"
)

// Reads the CAR with the upstream go-car implementation, as a cross-check on our own reader.
func runInspectCar(cctx *cli.Context) error {
	p := cctx.Args().First()
	if p == "" {
		return fmt.Errorf("need to provide path to CAR file")
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	br, err := car.NewBlockReader(f)
	if err != nil {
		return err
	}
	fmt.Printf("version: %d\n", br.Version)
	for _, r := range br.Roots {
		fmt.Printf("root: %s\n", r)
	}

	codecs := make(map[uint64]int)
	var count, total int
	for {
		blk, err := br.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		count++
		total += len(blk.RawData())
		codecs[blk.Cid().Prefix().Codec]++
	}
	fmt.Printf("blocks: %d (%d bytes)\n", count, total)
	keys := make([]uint64, 0, len(codecs))
	for k := range codecs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		fmt.Printf("  codec 0x%x: %d\n", k, codecs[k])
	}
	return nil
}

func loadRepoFile(cctx *cli.Context, p string) (*repo.Repo, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	_, r, err := repo.LoadRepoFromCAR(cctx.Context, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return r, nil
}

func runPrintTree(cctx *cli.Context) error {
	p := cctx.Args().First()
	if p == "" {
		return fmt.Errorf("need to provide path to CAR file")
	}
	r, err := loadRepoFile(cctx, p)
	if err != nil {
		return err
	}
	fmt.Printf("did: %s\nrev: %s\n", r.DID, r.Commit.Rev)
	out, err := mst.DebugPrintTree(cctx.Context, r.MST)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func runDiffCar(cctx *cli.Context) error {
	if cctx.Args().Len() != 2 {
		return fmt.Errorf("need to provide paths to two CAR files")
	}
	oldRepo, err := loadRepoFile(cctx, cctx.Args().Get(0))
	if err != nil {
		return err
	}
	newRepo, err := loadRepoFile(cctx, cctx.Args().Get(1))
	if err != nil {
		return err
	}
	if oldRepo.DID != newRepo.DID {
		fmt.Fprintf(os.Stderr, "warning: comparing repos of different accounts (%s, %s)\n", oldRepo.DID, newRepo.DID)
	}

	diff, err := mst.Diff(cctx.Context, oldRepo.MST, newRepo.MST)
	if err != nil {
		return err
	}
	for _, ch := range diff.Changes {
		switch {
		case ch.IsCreate():
			fmt.Printf("create %s %s\n", ch.Key, ch.New)
		case ch.IsUpdate():
			fmt.Printf("update %s %s -> %s\n", ch.Key, ch.Old, ch.New)
		case ch.IsDelete():
			fmt.Printf("delete %s %s\n", ch.Key, ch.Old)
		}
	}
	fmt.Printf("%d changes; %d MST nodes added, %d removed\n", len(diff.Changes), len(diff.NewNodes), len(diff.RemovedNodes))
	return nil
}

func parseOptionalCID(s string) (*cid.Cid, error) {
	if s == "" {
		return nil, nil
	}
	c, err := cid.Decode(s)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
