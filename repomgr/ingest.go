package repomgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/atrepo/atproto/repo"
	"github.com/bluesky-social/atrepo/atproto/repo/carutil"
	"github.com/bluesky-social/atrepo/atproto/repo/mst"
	"github.com/bluesky-social/atrepo/atproto/syntax"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var ErrBrokenChain = errors.New("commit event does not follow the current account head")

// Applies a commit event from another host to the local copy of the account's repository, then passes it on to the event handler.
//
// The event is verified against the account's public key (in the manager's sync mode). It must move the revision forward, name the current revision as `since`, and (if it carries `prevData`) start from the current MST root. An account with no local repo is started from its first commit event, which has no `since`.
func (rm *RepoManager) HandleExternalCommitEvent(ctx context.Context, evt *repo.CommitEvent) error {
	ctx, span := otel.Tracer("repomgr").Start(ctx, "HandleExternalCommitEvent")
	defer span.End()
	span.SetAttributes(attribute.String("did", evt.Repo), attribute.String("rev", evt.Rev))

	err := rm.handleExternalCommitEvent(ctx, evt)
	if err != nil {
		externalCommits.WithLabelValues("rejected").Inc()
		return err
	}
	externalCommits.WithLabelValues("applied").Inc()
	return nil
}

func (rm *RepoManager) handleExternalCommitEvent(ctx context.Context, evt *repo.CommitEvent) error {
	did, err := syntax.ParseDID(evt.Repo)
	if err != nil {
		return err
	}

	unlock := rm.lockUser(ctx, did)
	defer unlock()

	pub, err := rm.kmgr.PublicKey(ctx, did)
	if err != nil {
		return err
	}
	opts := repo.DefaultVerifyOptions()
	opts.SyncMode = rm.syncMode
	opts.Logger = rm.log
	commit, err := repo.VerifyCommitEvent(ctx, evt, pub, &opts)
	if err != nil {
		return fmt.Errorf("verifying commit event: %w", err)
	}

	var cur *repo.Repo
	var ch *repo.Chain
	_, err = rm.heads.GetUserRepoHead(ctx, did)
	switch {
	case errors.Is(err, ErrHeadNotFound):
		if evt.Since != nil {
			return fmt.Errorf("%w: no local repo for %s, event follows %s", ErrBrokenChain, did, *evt.Since)
		}
		ch = repo.NewChain(did)
	case err != nil:
		return err
	default:
		cur, err = rm.openRepo(ctx, did)
		if err != nil {
			return err
		}
		ch, err = rm.chainFor(did, cur)
		if err != nil {
			return err
		}
	}

	if err := ch.CanAdvance(commit); err != nil {
		return err
	}
	if cur != nil {
		if evt.Since == nil || *evt.Since != cur.Commit.Rev {
			since := "none"
			if evt.Since != nil {
				since = *evt.Since
			}
			return fmt.Errorf("%w: event follows %s, local rev is %s", ErrBrokenChain, since, cur.Commit.Rev)
		}
		if evt.PrevData != nil && *evt.PrevData != cur.Commit.Data {
			return fmt.Errorf("%w: event prevData %s, local data %s", ErrBrokenChain, evt.PrevData, cur.Commit.Data)
		}
	}

	_, blks, err := carutil.ReadAll(bytes.NewReader(evt.Blocks))
	if err != nil {
		return err
	}
	if cur == nil {
		// an empty first commit's tree node isn't carried in the event when it was already stored upstream
		empty, err := mst.NewEmptyTree(nil, nil)
		if err != nil {
			return err
		}
		if _, err := empty.WriteBlocks(ctx, rm.bs); err != nil {
			return err
		}
	}
	if err := rm.bs.PutMany(ctx, blks); err != nil {
		return fmt.Errorf("storing event blocks: %w", err)
	}

	next, err := repo.OpenRepo(ctx, rm.bs, evt.Commit)
	if err != nil {
		return err
	}
	if cur == nil {
		if err := next.MST.Verify(ctx); err != nil {
			return fmt.Errorf("first commit MST: %w", err)
		}
	} else {
		// every changed node and record must now be local
		diff, err := mst.Diff(ctx, cur.MST, next.MST)
		if err != nil {
			return fmt.Errorf("applying commit MST: %w", err)
		}
		for _, c := range diff.Changes {
			if c.New == nil {
				continue
			}
			ok, err := rm.bs.Has(ctx, *c.New)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: record %s (%s) not in event", repo.ErrMissingBlock, c.Key, c.New)
			}
		}
	}

	if cur == nil {
		if err := ch.Advance(commit, evt.Commit); err != nil {
			return err
		}
		if err := rm.heads.InitUser(ctx, did, evt.Commit); err != nil {
			return err
		}
		rm.chains.Store(did, ch)
	} else if err := rm.advanceHead(ctx, ch, commit, evt.Commit); err != nil {
		return err
	}
	rm.clk.Observe(syntax.TID(commit.Rev))
	rm.log.Debug("applied external commit", "did", did, "rev", commit.Rev, "ops", len(evt.Ops))

	if rm.events != nil {
		rm.events(ctx, evt)
	}
	return nil
}
