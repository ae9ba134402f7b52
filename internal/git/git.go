package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Sentinel errors used to classify git failures with errors.Is
var (
	ErrPushRejected   = errors.New("push rejected by remote")
	ErrRebaseConflict = errors.New("rebase stopped on conflict")
	ErrAuth           = errors.New("git authentication failed")
	ErrNetwork        = errors.New("git remote unreachable")
)

// Signature identifies the author of automated commits
type Signature struct {
	Name  string
	Email string
}

// Client provides the working-tree operations the sync engine needs
type Client interface {
	// EnsureClone clones the repository into the working directory unless a checkout already exists
	EnsureClone(ctx context.Context, url, branch string) error
	// Status returns the sorted, slash-separated paths with staged, unstaged or untracked changes
	Status(ctx context.Context) ([]string, error)
	// Head returns the commit HEAD points to
	Head(ctx context.Context) (string, error)
	// ResolveRef returns the commit a ref such as origin/main points to
	ResolveRef(ctx context.Context, ref string) (string, error)
	// IsAncestor reports whether ancestor is reachable from descendant
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
	// Fetch updates the remote-tracking ref of branch
	Fetch(ctx context.Context, branch string) error
	// ResetMixed moves HEAD and the index to commit, leaving the working tree untouched
	ResetMixed(ctx context.Context, commit string) error
	// ResetHard moves HEAD, the index and every tracked file to commit.
	// Untracked files are kept.
	ResetHard(ctx context.Context, commit string) error
	// AddAll stages every modification, addition and deletion
	AddAll(ctx context.Context) error
	// Commit records the index and returns the new HEAD
	Commit(ctx context.Context, message string, author Signature) (string, error)
	// AheadCount returns the number of commits on HEAD that upstream lacks
	AheadCount(ctx context.Context, upstream string) (int, error)
	// Rebase replays local commits onto upstream, aborting on conflict
	Rebase(ctx context.Context, upstream string) error
	// Push publishes HEAD to branch on origin
	Push(ctx context.Context, branch string) error
}

// UpstreamRef returns the remote-tracking ref for branch
func UpstreamRef(branch string) string {
	return "origin/" + branch
}

// ShellClient implements Client by shelling out to the git command for
// anything that touches the remote or rewrites history, and reading
// repository state through go-git.
type ShellClient struct {
	dir        string
	sshKeyFile string
	token      string
	timeout    time.Duration
}

// waitDelay bounds how long a killed command may keep its output pipes open,
// e.g. through an ssh helper that outlives git.
const waitDelay = 2 * time.Second

// NewShellClient creates a new git client bound to the working directory dir.
// Commands that talk to the remote are killed after timeout; zero disables
// the bound.
func NewShellClient(dir, sshKeyFile, token string, timeout time.Duration) *ShellClient {
	return &ShellClient{
		dir:        dir,
		sshKeyFile: sshKeyFile,
		token:      token,
		timeout:    timeout,
	}
}

// Dir returns the working directory the client operates on
func (c *ShellClient) Dir() string {
	return c.dir
}

// EnsureClone clones url at branch into the working directory if it is not a repository yet
func (c *ShellClient) EnsureClone(ctx context.Context, url, branch string) error {
	if _, err := os.Stat(filepath.Join(c.dir, ".git")); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(c.dir), 0755); err != nil {
		return errors.Wrap(err, "failed to create parent directory")
	}

	ctx, cancel := c.networkContext(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "clone", "--branch", branch, url, c.dir)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runRemoteCommand(ctx, cmd); err != nil {
		return errors.Wrap(err, "git clone failed")
	}
	return nil
}

// Status lists paths that differ from HEAD, including untracked files
func (c *ShellClient) Status(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repo, err := gogit.PlainOpen(c.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open repository %s", c.dir)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open worktree")
	}
	status, err := wt.Status()
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute worktree status")
	}

	paths := make([]string, 0, len(status))
	for path, fs := range status {
		if fs.Staging == gogit.Unmodified && fs.Worktree == gogit.Unmodified {
			continue
		}
		paths = append(paths, filepath.ToSlash(path))
	}
	sort.Strings(paths)
	return paths, nil
}

// Head returns the hash HEAD resolves to
func (c *ShellClient) Head(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	repo, err := gogit.PlainOpen(c.dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open repository %s", c.dir)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve HEAD")
	}
	return ref.Hash().String(), nil
}

// ResolveRef resolves a short or full ref name to a commit hash
func (c *ShellClient) ResolveRef(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	repo, err := gogit.PlainOpen(c.dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open repository %s", c.dir)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve %s", ref)
	}
	return hash.String(), nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
// Both commits must exist locally.
func (c *ShellClient) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ancestor == descendant {
		return true, nil
	}

	repo, err := gogit.PlainOpen(c.dir)
	if err != nil {
		return false, errors.Wrapf(err, "failed to open repository %s", c.dir)
	}
	a, err := repo.CommitObject(plumbing.NewHash(ancestor))
	if err != nil {
		return false, errors.Wrapf(err, "failed to load commit %s", ancestor)
	}
	d, err := repo.CommitObject(plumbing.NewHash(descendant))
	if err != nil {
		return false, errors.Wrapf(err, "failed to load commit %s", descendant)
	}
	return a.IsAncestor(d)
}

// Fetch updates origin/<branch>
func (c *ShellClient) Fetch(ctx context.Context, branch string) error {
	ctx, cancel := c.networkContext(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", c.dir, "fetch", "origin", branch)
	if err := c.configureAuth(cmd, c.originURL(ctx)); err != nil {
		return err
	}
	if err := c.runRemoteCommand(ctx, cmd); err != nil {
		return errors.Wrap(err, "git fetch failed")
	}
	return nil
}

// ResetMixed moves HEAD and index to commit and keeps the working tree
func (c *ShellClient) ResetMixed(ctx context.Context, commit string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", c.dir, "reset", "--mixed", "--quiet", commit)
	if err := c.runCommand(cmd); err != nil {
		return errors.Wrapf(err, "git reset to %s failed", commit)
	}
	return nil
}

// ResetHard checks out commit over every tracked file; untracked files stay
func (c *ShellClient) ResetHard(ctx context.Context, commit string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", c.dir, "reset", "--hard", "--quiet", commit)
	if err := c.runCommand(cmd); err != nil {
		return errors.Wrapf(err, "git reset --hard to %s failed", commit)
	}
	return nil
}

// AddAll stages all changes in the working tree
func (c *ShellClient) AddAll(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "git", "-C", c.dir, "add", "--all")
	if err := c.runCommand(cmd); err != nil {
		return errors.Wrap(err, "git add failed")
	}
	return nil
}

// Commit creates a commit with the given message and author, returning the new HEAD
func (c *ShellClient) Commit(ctx context.Context, message string, author Signature) (string, error) {
	cmd := exec.CommandContext(ctx, "git",
		"-c", "user.name="+author.Name,
		"-c", "user.email="+author.Email,
		"-C", c.dir, "commit", "--quiet", "-m", message)
	if err := c.runCommand(cmd); err != nil {
		return "", errors.Wrap(err, "git commit failed")
	}
	return c.Head(ctx)
}

// AheadCount counts commits reachable from HEAD but not from upstream
func (c *ShellClient) AheadCount(ctx context.Context, upstream string) (int, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", c.dir, "rev-list", "--count", upstream+"..HEAD")
	output, err := cmd.Output()
	if err != nil {
		return 0, errors.Wrapf(err, "git rev-list %s..HEAD failed", upstream)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, errors.Wrap(err, "unexpected rev-list output")
	}
	return n, nil
}

// Rebase replays local commits onto upstream. On conflict the rebase is
// aborted so the local commits stay intact, and ErrRebaseConflict is returned.
func (c *ShellClient) Rebase(ctx context.Context, upstream string) error {
	cmd := exec.CommandContext(ctx, "git",
		"-c", "user.name=autosyncd",
		"-c", "user.email=autosyncd@localhost",
		"-C", c.dir, "rebase", upstream)
	if err := c.runCommand(cmd); err != nil {
		abort := exec.CommandContext(context.WithoutCancel(ctx), "git", "-C", c.dir, "rebase", "--abort")
		_ = c.runCommand(abort)
		return errors.Mark(errors.Wrapf(err, "git rebase onto %s failed", upstream), ErrRebaseConflict)
	}
	return nil
}

// Push publishes HEAD to origin/<branch>
func (c *ShellClient) Push(ctx context.Context, branch string) error {
	ctx, cancel := c.networkContext(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", c.dir, "push", "--porcelain", "origin", "HEAD:refs/heads/"+branch)
	if err := c.configureAuth(cmd, c.originURL(ctx)); err != nil {
		return err
	}
	if err := c.runRemoteCommand(ctx, cmd); err != nil {
		return errors.Wrap(err, "git push failed")
	}
	return nil
}

// originURL returns the configured URL of origin, or "" if it cannot be read
func (c *ShellClient) originURL(ctx context.Context) string {
	cmd := exec.CommandContext(ctx, "git", "-C", c.dir, "remote", "get-url", "origin")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.token != "" && strings.HasPrefix(url, "https://") {
		// The token travels through the environment and a credential helper
		// reads it, so it never appears in argv or in the remote URL.
		cmd.Env = append(cmd.Env, "AUTOSYNCD_GIT_TOKEN="+c.token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$AUTOSYNCD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "%s", strings.TrimSpace(string(output)))
	}
	return nil
}

// networkContext bounds a command that talks to the remote by the network timeout
func (c *ShellClient) networkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// runRemoteCommand is runCommand for commands that talk to the remote; the
// error is marked with the sentinel matching git's diagnostics. ctx must be
// the context cmd was created with.
func (c *ShellClient) runRemoteCommand(ctx context.Context, cmd *exec.Cmd) error {
	cmd.WaitDelay = waitDelay
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Mark(errors.Wrapf(err, "no response from remote within %s", c.timeout), ErrNetwork)
	}
	wrapped := errors.Wrapf(err, "%s", strings.TrimSpace(string(output)))
	if sentinel := classifyOutput(string(output)); sentinel != nil {
		return errors.Mark(wrapped, sentinel)
	}
	return wrapped
}

// classifyOutput maps git's stderr diagnostics to a sentinel error
func classifyOutput(output string) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "[rejected]"),
		strings.Contains(lower, "non-fast-forward"),
		strings.Contains(lower, "fetch first"),
		strings.Contains(lower, "[remote rejected]") && strings.Contains(lower, "cannot lock ref"):
		return ErrPushRejected
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "returned error: 403"),
		strings.Contains(lower, "invalid username or password"):
		return ErrAuth
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "unable to access"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection timed out"),
		strings.Contains(lower, "could not read from remote repository"):
		return ErrNetwork
	}
	return nil
}
