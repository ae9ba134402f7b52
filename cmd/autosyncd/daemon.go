package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/autosyncd/internal/activation"
	"github.com/schaermu/autosyncd/internal/backup"
	"github.com/schaermu/autosyncd/internal/config"
	"github.com/schaermu/autosyncd/internal/git"
	"github.com/schaermu/autosyncd/internal/lock"
	"github.com/schaermu/autosyncd/internal/metrics"
	"github.com/schaermu/autosyncd/internal/remote"
	"github.com/schaermu/autosyncd/internal/scheduler"
	"github.com/schaermu/autosyncd/internal/store"
	"github.com/schaermu/autosyncd/internal/sync"
	"github.com/schaermu/autosyncd/internal/webhook"
)

// daemon holds the components shared by the commands that own the working tree
type daemon struct {
	cfg     *config.Config
	lock    *lock.Lock
	store   *store.Store
	backups *backup.Manager
	engine  *sync.Engine
	clock   clockwork.Clock
	logger  *slog.Logger
}

// openDaemon takes the working-tree lock and wires the sync engine. The
// caller must Close the result.
func openDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *daemon, err error) {
	lk, err := lock.Acquire(cfg.LockPath())
	if err != nil {
		return nil, err
	}
	d := &daemon{cfg: cfg, lock: lk, clock: clockwork.NewRealClock(), logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.store, err = store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	token, err := cfg.ResolveToken()
	if err != nil {
		return nil, err
	}

	gitClient := git.NewShellClient(cfg.Paths.WorkDir, cfg.Auth.SSHKeyFile, token, cfg.Sync.NetworkTimeout)
	if err := gitClient.EnsureClone(ctx, cfg.Repo.URL, cfg.Repo.Branch); err != nil {
		return nil, errors.Wrap(err, "failed to prepare working tree")
	}

	rem, err := remote.NewGitHub(remote.Options{
		Owner:   cfg.Owner(),
		Repo:    cfg.RepoName(),
		Token:   token,
		APIURL:  cfg.Repo.APIURL,
		Timeout: cfg.Sync.NetworkTimeout,
		Limiter: remote.DefaultLimiter(),
	})
	if err != nil {
		return nil, err
	}

	d.backups = backup.NewManager(afero.NewOsFs(), cfg.Paths.WorkDir, cfg.BackupDir(), d.store, d.clock, logger)

	d.engine, err = sync.NewEngine(cfg, rem, gitClient, d.backups, afero.NewOsFs(), d.clock, logger)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Close releases the store and the lock
func (d *daemon) Close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("failed to close store", "error", err)
		}
	}
	if err := d.lock.Release(); err != nil {
		d.logger.Warn("failed to release lock", "error", err)
	}
}

// loadState returns the persisted state, seeding and saving it on first start
func (d *daemon) loadState(ctx context.Context) (store.SyncState, error) {
	state, found, err := d.store.LoadState(d.cfg.Repo.Branch)
	if err != nil {
		return store.SyncState{}, errors.Wrap(err, "failed to load sync state")
	}
	if found {
		return state, nil
	}

	state, err = d.engine.Seed(ctx)
	if err != nil {
		return store.SyncState{}, errors.Wrap(err, "failed to seed sync state")
	}
	if err := d.store.SaveState(state); err != nil {
		return store.SyncState{}, errors.Wrap(err, "failed to save seeded state")
	}
	d.logger.Info("seeded sync state", "branch", state.Branch, "commit", state.LastSynced)
	return state, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	d, err := openDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	state, err := d.loadState(ctx)
	if err != nil {
		return err
	}

	m := metrics.New()
	sched := scheduler.New(d.engine, d.store, m, state, cfg.Sync.Interval, d.clock, logger)

	serveErr := make(chan error, 1)
	if cfg.Serve.Enabled {
		server, err := webhook.NewServer(cfg, sched, m.Handler(), d.clock, logger)
		if err != nil {
			return err
		}
		ln, err := activation.Listen(cfg.Serve.BaseURL)
		if err != nil {
			return err
		}
		go func() {
			serveErr <- server.Serve(ctx, ln)
		}()
	}

	logger.Info("autosyncd starting", "version", version, "config", cfg.String())

	runErr := make(chan error, 1)
	go func() {
		runErr <- sched.Run(ctx)
	}()

	select {
	case err := <-runErr:
		return err
	case err := <-serveErr:
		if err != nil {
			logger.Error("trigger server failed, stopping", "error", err)
			cancel()
			<-runErr
			return err
		}
		return <-runErr
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	d, err := openDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	state, err := d.loadState(ctx)
	if err != nil {
		return err
	}

	sched := scheduler.New(d.engine, d.store, nil, state, cfg.Sync.Interval, d.clock, logger)
	res, err := sched.RunOnce(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", res.Outcome, sched.State().LastSynced)
	if res.Outcome.Failed() {
		return errors.Wrapf(res.Err, "cycle %s", res.Outcome)
	}
	return nil
}

func runTrigger(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	url := strings.TrimSuffix(cfg.Serve.BaseURL, "/") + "/trigger"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build trigger request")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to reach daemon at %s", url)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Newf("trigger rejected: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	fmt.Println("sync triggered")
	return nil
}

func runReseed(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	d, err := openDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	prev, _, err := d.store.LoadState(cfg.Repo.Branch)
	if err != nil {
		return errors.Wrap(err, "failed to load sync state")
	}

	state, err := d.engine.Reseed(ctx, reseedCommit)
	if err != nil {
		return errors.Wrap(err, "reseed failed")
	}
	if err := d.store.SaveState(state); err != nil {
		return errors.Wrap(err, "failed to save sync state")
	}

	logger.Info("reseeded sync state", "branch", state.Branch, "from", prev.LastSynced, "to", state.LastSynced)
	fmt.Printf("%s reseeded to %s\n", state.Branch, state.LastSynced)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		// A running daemon holds the database; ask it instead.
		if cfg.Serve.Enabled {
			logger.Debug("database busy, querying daemon", "error", err)
			return printHealth(cmd.Context(), cfg, os.Stdout)
		}
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	state, found, err := st.LoadState(cfg.Repo.Branch)
	if err != nil {
		return errors.Wrap(err, "failed to load sync state")
	}
	records, err := st.ListBackups()
	if err != nil {
		return errors.Wrap(err, "failed to list backups")
	}

	return printStatus(os.Stdout, cfg, state, found, records)
}

func printStatus(w io.Writer, cfg *config.Config, state store.SyncState, found bool, records []store.BackupRecord) error {
	fmt.Fprintf(w, "repo:        %s\n", cfg.Repo.Name)
	fmt.Fprintf(w, "branch:      %s\n", cfg.Repo.Branch)
	if !found {
		fmt.Fprintf(w, "state:       not seeded\n")
	} else {
		fmt.Fprintf(w, "last synced: %s\n", state.LastSynced)
		fmt.Fprintf(w, "applied:     %s\n", state.Applied)
		if state.PublishPending() {
			fmt.Fprintf(w, "publish:     pending\n")
		}
		if !state.UpdatedAt.IsZero() {
			fmt.Fprintf(w, "updated:     %s\n", state.UpdatedAt.Format(time.RFC3339))
		}
	}

	fmt.Fprintf(w, "\nbackups (%d, max %d):\n", len(records), cfg.Backup.MaxBackups)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tCREATED\tFILES\tCYCLE")
	for _, rec := range records {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", rec.Sequence, rec.CreatedAt.Format(time.RFC3339), rec.FileCount, rec.CycleID)
	}
	return tw.Flush()
}

func printHealth(ctx context.Context, cfg *config.Config, w io.Writer) error {
	url := strings.TrimSuffix(cfg.Serve.BaseURL, "/") + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build health request")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to reach daemon at %s", url)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var h webhook.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errors.Wrap(err, "failed to decode health response")
	}

	fmt.Fprintf(w, "daemon:      %s (running=%t)\n", h.Status, h.Running)
	fmt.Fprintf(w, "branch:      %s\n", h.Branch)
	fmt.Fprintf(w, "last synced: %s\n", h.LastSynced)
	fmt.Fprintf(w, "applied:     %s\n", h.Applied)
	if h.LastOutcome != "" {
		fmt.Fprintf(w, "last cycle:  %s %s at %s\n", h.LastCycleID, h.LastOutcome, h.LastCycleAt.Format(time.RFC3339))
	}
	if h.LastError != "" {
		fmt.Fprintf(w, "last error:  %s\n", h.LastError)
	}
	return nil
}
