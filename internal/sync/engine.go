package sync

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/schaermu/autosyncd/internal/backup"
	"github.com/schaermu/autosyncd/internal/config"
	"github.com/schaermu/autosyncd/internal/git"
	"github.com/schaermu/autosyncd/internal/remote"
	"github.com/schaermu/autosyncd/internal/store"
	"github.com/schaermu/autosyncd/internal/tree"
)

// Backups is the part of the backup manager a cycle needs
type Backups interface {
	Snapshot(ctx context.Context, cycleID string) (backup.Snapshot, error)
	Restore(ctx context.Context, snap backup.Snapshot) error
	Rotate(maxBackups int) ([]uint64, error)
}

// Engine runs synchronization cycles
type Engine struct {
	cfg       *config.Config
	git       git.Client
	remote    remote.Remote
	backups   Backups
	detector  *Detector
	fetcher   *Fetcher
	applier   *Applier
	publisher *Publisher
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewEngine creates a new sync engine operating on cfg.Paths.WorkDir through fs
func NewEngine(cfg *config.Config, rem remote.Remote, gitClient git.Client, backups Backups, fs afero.Fs, clock clockwork.Clock, logger *slog.Logger) (*Engine, error) {
	artifacts, err := tree.NewMatcher(cfg.Sync.ArtifactPatterns)
	if err != nil {
		return nil, err
	}

	logger = logger.With("component", "sync")
	author := git.Signature{Name: cfg.Commit.AuthorName, Email: cfg.Commit.AuthorEmail}

	return &Engine{
		cfg:       cfg,
		git:       gitClient,
		remote:    rem,
		backups:   backups,
		detector:  NewDetector(rem, logger),
		fetcher:   NewFetcher(rem, artifacts, logger),
		applier:   NewApplier(fs, cfg.Paths.WorkDir, artifacts, cfg.CleanupEnabled(), logger),
		publisher: NewPublisher(gitClient, cfg.Repo.Branch, author, cfg.Sync.MaxReconcileAttempts, clock, logger),
		clock:     clock,
		logger:    logger,
	}, nil
}

// Seed creates the initial state for a working tree without stored state.
// The configured start commit wins; otherwise the commit checked out in the
// working tree is taken as already applied.
func (e *Engine) Seed(ctx context.Context) (store.SyncState, error) {
	commit := e.cfg.Sync.StartCommit
	if commit == "" {
		head, err := e.git.Head(ctx)
		if err != nil {
			return store.SyncState{}, errors.Wrap(err, "failed to read working tree HEAD")
		}
		commit = head
	}
	return e.stateAt(commit), nil
}

// Reseed moves the working tree and the returned state to commit, or to the
// current remote head if commit is empty. Used to recover from rewritten
// remote history. Tracked files are checked out at commit and untracked files
// are kept. The tree is snapshotted first and restored if the reset fails.
func (e *Engine) Reseed(ctx context.Context, commit string) (store.SyncState, error) {
	if commit == "" {
		head, err := e.remote.HeadCommit(ctx, e.cfg.Repo.Branch)
		if err != nil {
			return store.SyncState{}, markCause(err)
		}
		commit = head
	}

	if err := e.git.Fetch(ctx, e.cfg.Repo.Branch); err != nil {
		return store.SyncState{}, markCause(errors.Wrap(err, "failed to fetch branch"))
	}

	dirty, err := e.git.Status(ctx)
	if err != nil {
		return store.SyncState{}, errors.Wrap(err, "failed to read working tree status")
	}

	snap, err := e.backups.Snapshot(ctx, "reseed")
	if err != nil {
		return store.SyncState{}, errors.Wrap(err, "failed to snapshot working tree")
	}
	if _, err := e.backups.Rotate(e.cfg.Backup.MaxBackups); err != nil {
		e.logger.Warn("backup retention failed", "error", err)
	}

	if err := e.git.ResetHard(ctx, commit); err != nil {
		if rerr := e.backups.Restore(context.WithoutCancel(ctx), snap); rerr != nil {
			return store.SyncState{}, errors.CombineErrors(err, errors.Wrapf(rerr, "failed to restore snapshot %d", snap.Sequence))
		}
		return store.SyncState{}, err
	}

	e.logger.Info("working tree reset", "commit", commit, "sequence", snap.Sequence, "dirty", len(dirty))
	return e.stateAt(commit), nil
}

func (e *Engine) stateAt(commit string) store.SyncState {
	return store.SyncState{
		Branch:     e.cfg.Repo.Branch,
		LastSynced: commit,
		Applied:    commit,
		UpdatedAt:  e.clock.Now().UTC(),
	}
}

// RunCycle executes one detect, fetch, apply and publish cycle against state
// and returns the successor state. Failures never advance LastSynced; only a
// cycle that applied and published everything does.
func (e *Engine) RunCycle(ctx context.Context, id string, state store.SyncState) (store.SyncState, CycleResult) {
	start := e.clock.Now()
	log := e.logger.With("cycle_id", id, "branch", state.Branch)
	res := CycleResult{ID: id}
	next := state

	finish := func(outcome Outcome, err error) (store.SyncState, CycleResult) {
		res.Outcome = outcome
		res.Err = err
		res.Duration = e.clock.Since(start)
		if next.Applied != state.Applied || next.LastSynced != state.LastSynced {
			next.UpdatedAt = e.clock.Now().UTC()
		}
		return next, res
	}

	det, err := e.detector.Detect(ctx, state)
	if err != nil {
		return finish(OutcomeDetectFailed, errors.Wrap(err, "change detection failed"))
	}
	res.Head = det.Head

	if det.Changed {
		log.Info("remote change detected", "head", det.Head, "applied", state.Applied)

		cs, err := e.fetcher.Fetch(ctx, state.Applied, det.Head)
		if err != nil {
			return finish(OutcomeFetchFailed, errors.Wrap(err, "fetching change set failed"))
		}

		applied, err := e.apply(ctx, log, id, cs, &res)
		if err != nil {
			return finish(OutcomeApplyFailed, errors.Wrap(err, "applying change set failed"))
		}
		res.Applied = &applied
		next.Applied = det.Head

		log.Info("change set applied",
			"commit", det.Head,
			"written", len(applied.Written),
			"deleted", len(applied.Deleted),
			"cleaned", len(applied.Cleaned))
	}

	if !e.cfg.Sync.AutoPush {
		if !next.PublishPending() {
			return finish(OutcomeNoChange, nil)
		}
		if err := e.publisher.Fold(ctx, next.Applied); err != nil {
			return finish(OutcomePublishFailed, errors.Wrap(err, "folding applied commit failed"))
		}
		next.LastSynced = next.Applied
		return finish(OutcomeApplied, nil)
	}

	if !det.Changed && !next.PublishPending() {
		pending, err := e.publisher.Pending(ctx)
		if err != nil {
			return finish(OutcomePublishFailed, errors.Wrap(err, "inspecting working tree failed"))
		}
		if !pending {
			return finish(OutcomeNoChange, nil)
		}
		log.Info("local modifications pending")
	}

	pr, err := e.publisher.Publish(ctx, next.Applied)
	res.Publish = &pr
	if err != nil {
		var pe *PublishError
		if errors.As(err, &pe) && pe.Upstream != "" {
			// The tree now reflects the upstream the local commit was rebased onto.
			next.Applied = pe.Upstream
		}
		return finish(OutcomePublishFailed, err)
	}

	if pr.Pushed {
		next.LastSynced = pr.Head
		next.Applied = pr.Head
		return finish(OutcomePublished, nil)
	}

	next.LastSynced = next.Applied
	if det.Changed || state.PublishPending() {
		return finish(OutcomeApplied, nil)
	}
	return finish(OutcomeNoChange, nil)
}

// apply snapshots the tree, enforces retention and applies cs. On failure the
// tree is restored from the snapshot.
func (e *Engine) apply(ctx context.Context, log *slog.Logger, id string, cs ChangeSet, res *CycleResult) (AppliedSet, error) {
	dirty, err := e.git.Status(ctx)
	if err != nil {
		return AppliedSet{}, errors.Wrap(err, "failed to read working tree status")
	}

	snap, err := e.backups.Snapshot(ctx, id)
	if err != nil {
		return AppliedSet{}, errors.Wrap(err, "failed to snapshot working tree")
	}

	evicted, err := e.backups.Rotate(e.cfg.Backup.MaxBackups)
	res.Evicted = len(evicted)
	if err != nil {
		log.Warn("backup retention failed", "error", err)
	}

	applied, err := e.applier.Apply(ctx, cs, dirty)
	if err == nil {
		return applied, nil
	}

	if rerr := e.backups.Restore(context.WithoutCancel(ctx), snap); rerr != nil {
		return AppliedSet{}, errors.CombineErrors(err, errors.Wrapf(rerr, "failed to restore snapshot %d", snap.Sequence))
	}
	res.RolledBack = true
	log.Warn("working tree rolled back", "sequence", snap.Sequence, "error", err)
	return AppliedSet{}, err
}
