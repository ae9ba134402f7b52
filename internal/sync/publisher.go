package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"github.com/schaermu/autosyncd/internal/git"
)

// CommitMessagePrefix starts every automated commit message
const CommitMessagePrefix = "Automated patch sync: "

// commitTimeLayout renders UTC timestamps as YYYY-MM-DD HH:MM:SS
const commitTimeLayout = "2006-01-02 15:04:05"

// CommitMessage returns the automated commit message for t
func CommitMessage(t time.Time) string {
	return CommitMessagePrefix + t.UTC().Format(commitTimeLayout)
}

// Publisher commits local modifications and pushes them to the tracked branch
type Publisher struct {
	git         git.Client
	branch      string
	author      git.Signature
	maxAttempts int
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewPublisher creates a new commit publisher
func NewPublisher(gitClient git.Client, branch string, author git.Signature, maxAttempts int, clock clockwork.Clock, logger *slog.Logger) *Publisher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Publisher{
		git:         gitClient,
		branch:      branch,
		author:      author,
		maxAttempts: maxAttempts,
		clock:       clock,
		logger:      logger,
	}
}

// Fold fetches the tracked branch and, unless HEAD already descends from
// base, moves HEAD and the index to base while keeping the working tree.
// Afterwards the tree's difference to HEAD is exactly the local delta.
func (p *Publisher) Fold(ctx context.Context, base string) error {
	if err := p.git.Fetch(ctx, p.branch); err != nil {
		return markCause(err)
	}
	if base == "" {
		return nil
	}

	head, err := p.git.Head(ctx)
	if err != nil {
		return err
	}
	if head == base {
		return nil
	}

	ok, err := p.git.IsAncestor(ctx, base, head)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	p.logger.Debug("folding HEAD onto applied commit", "head", head, "base", base)
	return p.git.ResetMixed(ctx, base)
}

// Pending reports whether there is anything to publish: local modifications
// or commits that the remote-tracking branch does not have yet.
func (p *Publisher) Pending(ctx context.Context) (bool, error) {
	dirty, err := p.git.Status(ctx)
	if err != nil {
		return false, err
	}
	if len(dirty) > 0 {
		return true, nil
	}
	ahead, err := p.git.AheadCount(ctx, git.UpstreamRef(p.branch))
	if err != nil {
		return false, err
	}
	return ahead > 0, nil
}

// Publish folds HEAD onto base, commits local modifications once and pushes.
// A rejected push is reconciled by rebasing onto the fetched remote branch
// and pushing again, at most maxAttempts times. A rebase conflict ends the
// reconciliation. The local commit is never discarded.
func (p *Publisher) Publish(ctx context.Context, base string) (PublishResult, error) {
	var res PublishResult

	if err := p.Fold(ctx, base); err != nil {
		return res, &PublishError{Err: errors.Wrap(err, "failed to fold onto remote history")}
	}

	dirty, err := p.git.Status(ctx)
	if err != nil {
		return res, &PublishError{Err: err}
	}
	if len(dirty) > 0 {
		if err := p.git.AddAll(ctx); err != nil {
			return res, &PublishError{Err: err}
		}
		msg := CommitMessage(p.clock.Now())
		head, err := p.git.Commit(ctx, msg, p.author)
		if err != nil {
			return res, &PublishError{Err: err}
		}
		res.Committed = true
		res.Head = head
		p.logger.Info("committed local modifications", "commit", head, "files", len(dirty), "message", msg)
	}

	upstream := git.UpstreamRef(p.branch)
	ahead, err := p.git.AheadCount(ctx, upstream)
	if err != nil {
		return res, &PublishError{Committed: res.Committed, Err: err}
	}
	if ahead == 0 {
		head, err := p.git.Head(ctx)
		if err != nil {
			return res, &PublishError{Committed: res.Committed, Err: err}
		}
		res.Head = head
		return res, nil
	}

	rebasedOnto := ""
	for attempt := 0; ; attempt++ {
		err := p.git.Push(ctx, p.branch)
		if err == nil {
			head, err := p.git.Head(ctx)
			if err != nil {
				return res, &PublishError{Upstream: rebasedOnto, Committed: res.Committed, Err: err}
			}
			res.Pushed = true
			res.Head = head
			p.logger.Info("pushed", "commit", head, "reconcile_attempts", attempt)
			return res, nil
		}
		if !errors.Is(err, git.ErrPushRejected) {
			return res, &PublishError{Upstream: rebasedOnto, Committed: res.Committed, Err: markCause(err)}
		}
		if attempt == p.maxAttempts {
			break
		}

		p.logger.Warn("push rejected, reconciling with remote", "attempt", attempt+1, "max_attempts", p.maxAttempts)

		if err := p.git.Fetch(ctx, p.branch); err != nil {
			return res, &PublishError{Upstream: rebasedOnto, Committed: res.Committed, Err: markCause(err)}
		}
		if err := p.git.Rebase(ctx, upstream); err != nil {
			return res, &PublishError{Upstream: rebasedOnto, Committed: res.Committed, Err: markCause(err)}
		}
		onto, err := p.git.ResolveRef(ctx, upstream)
		if err != nil {
			return res, &PublishError{Upstream: rebasedOnto, Committed: res.Committed, Err: err}
		}
		rebasedOnto = onto
	}

	return res, &PublishError{
		Upstream:  rebasedOnto,
		Committed: res.Committed,
		Err:       errors.Mark(errors.Newf("push still rejected after %d reconcile attempts", p.maxAttempts), ErrPushRejected),
	}
}
