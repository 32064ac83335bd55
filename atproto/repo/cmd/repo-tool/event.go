package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bluesky-social/atrepo/atproto/repo"
	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/repomgr"

	"github.com/urfave/cli/v2"
)

func parseSyncMode(s string) (repo.SyncMode, error) {
	switch s {
	case "inductive":
		return repo.SyncModeInductive, nil
	case "legacy":
		return repo.SyncModeLegacy, nil
	default:
		return 0, fmt.Errorf("unknown sync mode: %s", s)
	}
}

// events carry whole CAR files, so lines can be long
func newEventScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	return sc
}

func runVerifyEvents(cctx *cli.Context) error {
	ctx := cctx.Context

	p := cctx.Args().First()
	if p == "" {
		return fmt.Errorf("need to provide path to events file")
	}
	pubkey, err := loadPublicKey(cctx)
	if err != nil {
		return err
	}
	opts := repo.DefaultVerifyOptions()
	opts.Logger = slog.Default()
	opts.SyncMode, err = parseSyncMode(cctx.String("sync-mode"))
	if err != nil {
		return err
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := newEventScanner(f)

	var ok, failed int
	chains := map[syntax.DID]*repo.Chain{}
	for line := 1; sc.Scan(); line++ {
		var evt repo.CommitEvent
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}

		commit, err := repo.VerifyCommitEvent(ctx, &evt, pubkey, &opts)
		if err != nil {
			slog.Error("invalid commit event", "line", line, "did", evt.Repo, "rev", evt.Rev, "err", err)
			failed++
			continue
		}

		did := syntax.DID(commit.DID)
		ch, seen := chains[did]
		if !seen {
			ch = repo.NewChain(did)
			chains[did] = ch
		}
		if ch.Committed() && (evt.Since == nil || *evt.Since != ch.Rev()) {
			slog.Warn("gap in commit chain", "line", line, "did", did, "rev", evt.Rev, "lastRev", ch.Rev())
		}
		if err := ch.Advance(commit, evt.Commit); err != nil {
			slog.Error("commit event out of order", "line", line, "did", did, "rev", evt.Rev, "err", err)
			failed++
			continue
		}
		ok++
	}
	if err := sc.Err(); err != nil {
		return err
	}
	fmt.Printf("%d events verified, %d failed\n", ok, failed)
	if failed > 0 {
		return fmt.Errorf("%d events failed verification", failed)
	}
	return nil
}

func runIngestEvents(cctx *cli.Context) error {
	ctx := cctx.Context

	p := cctx.Args().First()
	if p == "" {
		return fmt.Errorf("need to provide path to events file")
	}
	pubkey, err := loadPublicKey(cctx)
	if err != nil {
		return err
	}
	if pubkey == nil {
		return fmt.Errorf("--did-key is required to ingest events")
	}
	mode, err := parseSyncMode(cctx.String("sync-mode"))
	if err != nil {
		return err
	}

	st, err := openStorage(cctx)
	if err != nil {
		return err
	}
	defer st.Close()
	kmgr := repomgr.NewMemKeyManager()
	rm, err := st.repoManager(cctx, kmgr)
	if err != nil {
		return err
	}
	rm.SetSyncMode(mode)

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := newEventScanner(f)

	var applied, failed int
	var lastDID syntax.DID
	for line := 1; sc.Scan(); line++ {
		var evt repo.CommitEvent
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		did, err := syntax.ParseDID(evt.Repo)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		kmgr.AddPublicKey(did, pubkey)

		if err := rm.HandleExternalCommitEvent(ctx, &evt); err != nil {
			slog.Error("failed to apply commit event", "line", line, "did", did, "rev", evt.Rev, "err", err)
			failed++
			continue
		}
		lastDID = did
		applied++
	}
	if err := sc.Err(); err != nil {
		return err
	}
	fmt.Printf("%d events applied, %d failed\n", applied, failed)

	if out := cctx.String("export"); out != "" && lastDID != "" {
		ef, err := os.Create(out)
		if err != nil {
			return err
		}
		defer ef.Close()
		bw := bufio.NewWriter(ef)
		if err := rm.ExportCAR(ctx, lastDID, bw); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d events could not be applied", failed)
	}
	return nil
}
