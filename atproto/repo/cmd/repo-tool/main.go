package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bluesky-social/atrepo/atproto/crypto"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "repo-tool",
		Usage:   "development tool for atproto MST trees, CAR files, etc",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log verbosity level (eg: warn, info, debug)",
				EnvVars: []string{"REPO_TOOL_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
			},
		},
		Before: func(cctx *cli.Context) error {
			configLogger(cctx, os.Stderr)
			return nil
		},
	}
	didKeyFlag := &cli.StringFlag{
		Name:    "did-key",
		Usage:   "public key of the account, in did:key format",
		EnvVars: []string{"REPO_TOOL_DID_KEY"},
	}
	app.Commands = []*cli.Command{
		&cli.Command{
			Name:      "verify-car",
			Usage:     "load CAR files and check the MST trees",
			ArgsUsage: "<path>...",
			Action:    runVerifyCar,
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "parallelism",
					Usage: "number of CAR files to verify concurrently",
					Value: 4,
				},
				&cli.BoolFlag{
					Name:  "strict-order",
					Usage: "also require blocks to be in streaming (parents first) order",
				},
			},
		},
		&cli.Command{
			Name:      "verify-car-signature",
			Usage:     "load a CAR file and check the commit message signature",
			ArgsUsage: "<path>",
			Action:    runVerifyCarSignature,
			Flags:     []cli.Flag{didKeyFlag},
		},
		&cli.Command{
			Name:      "inspect-car",
			Usage:     "print CAR header and block statistics",
			ArgsUsage: "<path>",
			Action:    runInspectCar,
		},
		&cli.Command{
			Name:      "print-tree",
			Usage:     "print the MST tree from a repo CAR file",
			ArgsUsage: "<path>",
			Action:    runPrintTree,
		},
		&cli.Command{
			Name:      "diff-car",
			Usage:     "print record changes between two repo CAR files",
			ArgsUsage: "<old-path> <new-path>",
			Action:    runDiffCar,
		},
		&cli.Command{
			Name:   "generate",
			Usage:  "create a repo with random records, and write it as a CAR file",
			Action: runGenerate,
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:     "output",
					Aliases:  []string{"o"},
					Usage:    "file path for CAR output",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "did",
					Usage: "account DID for the repo",
					Value: "did:plc:ewvi7nxzyoun6zhxrhs64oiz",
				},
				&cli.StringFlag{
					Name:    "private-key",
					Usage:   "signing key, in multibase format (a new K-256 key is generated if not set)",
					EnvVars: []string{"REPO_TOOL_PRIVATE_KEY"},
				},
				&cli.IntFlag{
					Name:  "records",
					Usage: "number of records to create",
					Value: 100,
				},
				&cli.IntFlag{
					Name:  "batch",
					Usage: "records per commit",
					Value: 10,
				},
				&cli.StringFlag{
					Name:  "events",
					Usage: "file path to write commit events to, as JSON lines",
				},
			}, storageFlags()...),
		},
		&cli.Command{
			Name:      "prove-record",
			Usage:     "write a CAR file proving the presence or absence of a record",
			ArgsUsage: "<car-path> <collection>/<rkey>",
			Action:    runProveRecord,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "output",
					Aliases:  []string{"o"},
					Usage:    "file path for proof CAR output",
					Required: true,
				},
			},
		},
		&cli.Command{
			Name:      "verify-record",
			Usage:     "check a record proof CAR file",
			ArgsUsage: "<proof-path> <collection>/<rkey> [<cid>]",
			Action:    runVerifyRecord,
			Flags: []cli.Flag{
				didKeyFlag,
				&cli.StringFlag{
					Name:     "did",
					Usage:    "account DID",
					Required: true,
				},
			},
		},
		&cli.Command{
			Name:      "verify-event",
			Usage:     "verify commit events (JSON lines) using only the blocks in each event",
			ArgsUsage: "<path>",
			Action:    runVerifyEvents,
			Flags: []cli.Flag{
				didKeyFlag,
				&cli.StringFlag{
					Name:  "sync-mode",
					Usage: "how to handle events without inversion data: 'inductive' (reject) or 'legacy' (forward checks only)",
					Value: "inductive",
				},
			},
		},
		&cli.Command{
			Name:      "ingest-events",
			Usage:     "apply commit events (JSON lines) to local repo storage, verifying each against the current head",
			ArgsUsage: "<path>",
			Action:    runIngestEvents,
			Flags: append([]cli.Flag{
				didKeyFlag,
				&cli.StringFlag{
					Name:  "sync-mode",
					Usage: "how to handle events without inversion data: 'inductive' (reject) or 'legacy' (forward checks only)",
					Value: "inductive",
				},
				&cli.StringFlag{
					Name:  "export",
					Usage: "file path to write a CAR export of the last updated repo to",
				},
			}, storageFlags()...),
		},
	}

	shutdown, err := configOTEL(context.Background(), "repo-tool")
	if err != nil {
		return err
	}
	defer shutdown()
	return app.Run(args)
}

func configLogger(cctx *cli.Context, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// Returns nil (without error) if the flag is not set.
func loadPublicKey(cctx *cli.Context) (crypto.PublicKey, error) {
	s := cctx.String("did-key")
	if s == "" {
		return nil, nil
	}
	pub, err := crypto.ParsePublicDIDKey(s)
	if err != nil {
		return nil, fmt.Errorf("parsing --did-key: %w", err)
	}
	return pub, nil
}
