package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"
	"github.com/bluesky-social/atrepo/repomgr"

	"github.com/cockroachdb/pebble"
	"github.com/urfave/cli/v2"
)

func storageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "store",
			Usage:   "block and head storage: 'mem', 'pebble', or 'flatfs' (blocks as files, heads in pebble)",
			Value:   "mem",
			EnvVars: []string{"REPO_TOOL_STORE"},
		},
		&cli.StringFlag{
			Name:    "data-dir",
			Usage:   "directory for on-disk storage",
			EnvVars: []string{"REPO_TOOL_DATA_DIR"},
		},
		&cli.IntFlag{
			Name:  "block-cache",
			Usage: "number of blocks to cache in memory, in front of on-disk storage",
			Value: 4096,
		},
	}
}

type storage struct {
	blocks blockstore.Store
	heads  repomgr.HeadStore
	disk   bool
	close  []func() error
}

func openStorage(cctx *cli.Context) (*storage, error) {
	kind := cctx.String("store")
	if kind == "mem" {
		return &storage{
			blocks: blockstore.NewMemStore(),
			heads:  repomgr.NewMemHeadStore(),
		}, nil
	}

	dir := cctx.String("data-dir")
	if dir == "" {
		return nil, fmt.Errorf("--data-dir is required for %s storage", kind)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	switch kind {
	case "pebble":
		ps, err := blockstore.OpenPebbleStore(filepath.Join(dir, "repos.pebble"))
		if err != nil {
			return nil, err
		}
		return &storage{
			blocks: ps,
			heads:  repomgr.NewPebbleHeadStore(ps.DB()),
			disk:   true,
			close:  []func() error{ps.Close},
		}, nil
	case "flatfs":
		fs, err := blockstore.OpenFlatfsStore(filepath.Join(dir, "blocks"))
		if err != nil {
			return nil, err
		}
		db, err := pebble.Open(filepath.Join(dir, "heads.pebble"), &pebble.Options{})
		if err != nil {
			fs.Close()
			return nil, err
		}
		return &storage{
			blocks: fs,
			heads:  repomgr.NewPebbleHeadStore(db),
			disk:   true,
			close:  []func() error{db.Close, fs.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", kind)
	}
}

func (s *storage) repoManager(cctx *cli.Context, kmgr repomgr.KeyManager) (*repomgr.RepoManager, error) {
	if s.disk && cctx.Int("block-cache") > 0 {
		return repomgr.NewCachedRepoManager(s.blocks, s.heads, kmgr, cctx.Int("block-cache"))
	}
	return repomgr.NewRepoManager(s.blocks, s.heads, kmgr), nil
}

func (s *storage) Close() error {
	var first error
	for _, fn := range s.close {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
