package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

var testAuthor = Signature{Name: "Test", Email: "test@test.com"}

func runGit(t *testing.T, args ...string) string {
	t.Helper()
	full := append([]string{"-c", "user.email=test@test.com", "-c", "user.name=Test"}, args...)
	out, err := exec.Command("git", full...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// initRemote creates a bare repository whose branch carries one commit with hello.txt.
func initRemote(t *testing.T, branch string) string {
	t.Helper()
	remoteDir := filepath.Join(t.TempDir(), "remote.git")
	runGit(t, "init", "--bare", "-b", branch, remoteDir)

	seed := filepath.Join(t.TempDir(), "seed")
	runGit(t, "init", "-b", branch, seed)
	writeFile(t, seed, "hello.txt", "version1\n")
	runGit(t, "-C", seed, "add", "--all")
	runGit(t, "-C", seed, "commit", "-m", "Initial commit")
	runGit(t, "-C", seed, "remote", "add", "origin", remoteDir)
	runGit(t, "-C", seed, "push", "origin", branch)
	return remoteDir
}

// pushFromClone commits content to name in a throwaway clone and pushes it.
func pushFromClone(t *testing.T, remoteDir, branch, name, content string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "other")
	runGit(t, "clone", "--branch", branch, remoteDir, dir)
	writeFile(t, dir, name, content)
	runGit(t, "-C", dir, "add", "--all")
	runGit(t, "-C", dir, "commit", "-m", "Concurrent change")
	runGit(t, "-C", dir, "push", "origin", branch)
	return runGit(t, "-C", dir, "rev-parse", "HEAD")
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func cloneClient(t *testing.T, remoteDir string) *ShellClient {
	t.Helper()
	client := NewShellClient(filepath.Join(t.TempDir(), "repo"), "", "", 0)
	if err := client.EnsureClone(context.Background(), remoteDir, "main"); err != nil {
		t.Fatalf("clone: %v", err)
	}
	return client
}

func TestEnsureClone_Idempotent(t *testing.T) {
	ctx := context.Background()
	remoteDir := initRemote(t, "main")
	client := cloneClient(t, remoteDir)

	got, err := os.ReadFile(filepath.Join(client.Dir(), "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "version1\n" {
		t.Fatalf("expected version1, got %q", string(got))
	}

	// A second call on an existing checkout is a no-op.
	writeFile(t, client.Dir(), "local.txt", "keep\n")
	if err := client.EnsureClone(ctx, remoteDir, "main"); err != nil {
		t.Fatalf("second EnsureClone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(client.Dir(), "local.txt")); err != nil {
		t.Errorf("existing checkout was modified: %v", err)
	}
}

func TestEnsureClone_MissingBranch(t *testing.T) {
	remoteDir := initRemote(t, "main")
	client := NewShellClient(filepath.Join(t.TempDir(), "repo"), "", "", 0)
	if err := client.EnsureClone(context.Background(), remoteDir, "does-not-exist"); err == nil {
		t.Fatal("expected clone of a missing branch to fail")
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	client := cloneClient(t, initRemote(t, "main"))

	paths, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("expected clean tree, got %v", paths)
	}

	writeFile(t, client.Dir(), "hello.txt", "edited\n")
	writeFile(t, client.Dir(), "sub/new.txt", "new\n")

	paths, err = client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := []string{"hello.txt", "sub/new.txt"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Errorf("Status() = %v, want %v", paths, want)
	}
}

func TestCommitAndPush(t *testing.T) {
	ctx := context.Background()
	remoteDir := initRemote(t, "main")
	client := cloneClient(t, remoteDir)

	before, err := client.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, client.Dir(), "hello.txt", "version2\n")
	if err := client.AddAll(ctx); err != nil {
		t.Fatalf("AddAll: %v", err)
	}
	head, err := client.Commit(ctx, "Automated patch sync: test", testAuthor)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if head == before {
		t.Fatal("expected HEAD to move after commit")
	}

	ahead, err := client.AheadCount(ctx, UpstreamRef("main"))
	if err != nil {
		t.Fatalf("AheadCount: %v", err)
	}
	if ahead != 1 {
		t.Errorf("expected 1 commit ahead, got %d", ahead)
	}

	if err := client.Push(ctx, "main"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	remoteHead := runGit(t, "-C", remoteDir, "rev-parse", "main")
	if remoteHead != head {
		t.Errorf("remote main = %s, want %s", remoteHead, head)
	}

	author := runGit(t, "-C", remoteDir, "log", "-1", "--format=%an <%ae>", "main")
	if author != "Test <test@test.com>" {
		t.Errorf("unexpected author %q", author)
	}
}

func TestPush_RejectedWhenBehind(t *testing.T) {
	ctx := context.Background()
	remoteDir := initRemote(t, "main")
	client := cloneClient(t, remoteDir)

	pushFromClone(t, remoteDir, "main", "other.txt", "other\n")

	writeFile(t, client.Dir(), "hello.txt", "local\n")
	if err := client.AddAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Commit(ctx, "local", testAuthor); err != nil {
		t.Fatal(err)
	}

	err := client.Push(ctx, "main")
	if err == nil {
		t.Fatal("expected push to be rejected")
	}
	if !errors.Is(err, ErrPushRejected) {
		t.Errorf("expected ErrPushRejected, got %v", err)
	}
}

func TestFetchAndRebase(t *testing.T) {
	ctx := context.Background()
	remoteDir := initRemote(t, "main")
	client := cloneClient(t, remoteDir)

	upstream := pushFromClone(t, remoteDir, "main", "other.txt", "other\n")

	writeFile(t, client.Dir(), "hello.txt", "local\n")
	if err := client.AddAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Commit(ctx, "local", testAuthor); err != nil {
		t.Fatal(err)
	}

	if err := client.Fetch(ctx, "main"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := client.Rebase(ctx, UpstreamRef("main")); err != nil {
		t.Fatalf("Rebase: %v", err)
	}

	resolved, err := client.ResolveRef(ctx, UpstreamRef("main"))
	if err != nil {
		t.Fatalf("ResolveRef: %v", err)
	}
	if resolved != upstream {
		t.Errorf("origin/main = %s, want %s", resolved, upstream)
	}

	head, err := client.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := client.IsAncestor(ctx, upstream, head)
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if !ok {
		t.Error("expected upstream commit to be an ancestor after rebase")
	}

	if err := client.Push(ctx, "main"); err != nil {
		t.Fatalf("Push after rebase: %v", err)
	}
}

func TestRebase_ConflictAborts(t *testing.T) {
	ctx := context.Background()
	remoteDir := initRemote(t, "main")
	client := cloneClient(t, remoteDir)

	pushFromClone(t, remoteDir, "main", "hello.txt", "theirs\n")

	writeFile(t, client.Dir(), "hello.txt", "ours\n")
	if err := client.AddAll(ctx); err != nil {
		t.Fatal(err)
	}
	local, err := client.Commit(ctx, "local", testAuthor)
	if err != nil {
		t.Fatal(err)
	}

	if err := client.Fetch(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	err = client.Rebase(ctx, UpstreamRef("main"))
	if !errors.Is(err, ErrRebaseConflict) {
		t.Fatalf("expected ErrRebaseConflict, got %v", err)
	}

	head, err := client.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head != local {
		t.Errorf("expected local commit %s to survive the aborted rebase, HEAD is %s", local, head)
	}
	if _, err := os.Stat(filepath.Join(client.Dir(), ".git", "rebase-merge")); !os.IsNotExist(err) {
		t.Error("rebase still in progress after conflict")
	}
}

func TestResetMixed_KeepsWorkingTree(t *testing.T) {
	ctx := context.Background()
	remoteDir := initRemote(t, "main")
	client := cloneClient(t, remoteDir)
	base, err := client.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}

	upstream := pushFromClone(t, remoteDir, "main", "hello.txt", "version2\n")
	if err := client.Fetch(ctx, "main"); err != nil {
		t.Fatal(err)
	}

	// The working tree already carries the upstream content, as if a patch
	// had been applied to it.
	writeFile(t, client.Dir(), "hello.txt", "version2\n")

	ok, err := client.IsAncestor(ctx, upstream, base)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("upstream must not be an ancestor of the old base")
	}

	if err := client.ResetMixed(ctx, upstream); err != nil {
		t.Fatalf("ResetMixed: %v", err)
	}
	head, err := client.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head != upstream {
		t.Errorf("HEAD = %s, want %s", head, upstream)
	}
	paths, err := client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Errorf("expected clean status after folding, got %v", paths)
	}
}

func TestResetHard_KeepsUntrackedFiles(t *testing.T) {
	ctx := context.Background()
	remoteDir := initRemote(t, "main")
	client := cloneClient(t, remoteDir)

	upstream := pushFromClone(t, remoteDir, "main", "hello.txt", "version2\n")
	if err := client.Fetch(ctx, "main"); err != nil {
		t.Fatal(err)
	}

	writeFile(t, client.Dir(), "hello.txt", "stale\n")
	writeFile(t, client.Dir(), "notes.txt", "untracked\n")

	if err := client.ResetHard(ctx, upstream); err != nil {
		t.Fatalf("ResetHard: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(client.Dir(), "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "version2\n" {
		t.Errorf("hello.txt = %q, want version2", string(got))
	}
	if _, err := os.Stat(filepath.Join(client.Dir(), "notes.txt")); err != nil {
		t.Errorf("untracked file was removed: %v", err)
	}
	paths, err := client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "notes.txt" {
		t.Errorf("expected only notes.txt to differ, got %v", paths)
	}
}

func TestRemoteCommands_TimeOut(t *testing.T) {
	ctx := context.Background()
	remoteDir := initRemote(t, "main")
	local := cloneClient(t, remoteDir)
	runGit(t, "-C", local.Dir(), "remote", "set-url", "origin", "ssh://git@git.example.invalid/octo/app.git")

	// An ssh transport that never answers.
	t.Setenv("GIT_SSH_COMMAND", "sleep 30; false")

	client := NewShellClient(local.Dir(), "", "", time.Second)
	for name, call := range map[string]func() error{
		"fetch": func() error { return client.Fetch(ctx, "main") },
		"push":  func() error { return client.Push(ctx, "main") },
		"clone": func() error {
			fresh := NewShellClient(filepath.Join(t.TempDir(), "repo"), "", "", time.Second)
			return fresh.EnsureClone(ctx, "ssh://git@git.example.invalid/octo/app.git", "main")
		},
	} {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			err := call()
			elapsed := time.Since(start)

			if err == nil {
				t.Fatal("expected an error from an unresponsive remote")
			}
			if !errors.Is(err, ErrNetwork) {
				t.Errorf("expected ErrNetwork, got %v", err)
			}
			if elapsed > 10*time.Second {
				t.Errorf("call took %s, expected it to be bounded by the timeout", elapsed)
			}
		})
	}
}

func TestClassifyOutput(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   error
	}{
		{name: "non fast forward", output: " ! [rejected]        HEAD -> main (non-fast-forward)", want: ErrPushRejected},
		{name: "fetch first", output: " ! [rejected]        HEAD -> main (fetch first)", want: ErrPushRejected},
		{name: "bad credentials", output: "remote: Invalid username or password.\nfatal: Authentication failed for 'https://github.com/o/r.git/'", want: ErrAuth},
		{name: "forbidden", output: "fatal: unable to access 'https://github.com/o/r.git/': The requested URL returned error: 403", want: ErrAuth},
		{name: "dns", output: "fatal: unable to access 'https://github.com/o/r.git/': Could not resolve host: github.com", want: ErrNetwork},
		{name: "unknown", output: "fatal: something else", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyOutput(tt.output)
			if got != tt.want {
				t.Errorf("classifyOutput() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigureAuth(t *testing.T) {
	t.Run("token over https", func(t *testing.T) {
		c := NewShellClient("/tmp/repo", "", "secret", 0)
		cmd := exec.Command("git", "fetch", "origin")
		if err := c.configureAuth(cmd, "https://github.com/o/r.git"); err != nil {
			t.Fatal(err)
		}
		if !containsEnv(cmd.Env, "AUTOSYNCD_GIT_TOKEN=secret") {
			t.Error("token not passed through the environment")
		}
		for _, arg := range cmd.Args {
			if strings.Contains(arg, "secret") {
				t.Errorf("token leaked into argv: %v", cmd.Args)
			}
		}
		if cmd.Args[1] != "-c" {
			t.Errorf("expected credential helper flag, got %v", cmd.Args)
		}
	})

	t.Run("ssh key", func(t *testing.T) {
		c := NewShellClient("/tmp/repo", "/keys/id's", "", 0)
		cmd := exec.Command("git", "fetch", "origin")
		if err := c.configureAuth(cmd, "git@github.com:o/r.git"); err != nil {
			t.Fatal(err)
		}
		if !containsEnv(cmd.Env, `GIT_SSH_COMMAND=ssh -i '/keys/id'\''s' -o StrictHostKeyChecking=accept-new -F /dev/null`) {
			t.Errorf("unexpected GIT_SSH_COMMAND in %v", cmd.Env)
		}
	})

	t.Run("local path", func(t *testing.T) {
		c := NewShellClient("/tmp/repo", "", "secret", 0)
		cmd := exec.Command("git", "fetch", "origin")
		if err := c.configureAuth(cmd, "/srv/remote.git"); err != nil {
			t.Fatal(err)
		}
		if containsEnv(cmd.Env, "AUTOSYNCD_GIT_TOKEN=secret") {
			t.Error("token must only be configured for https remotes")
		}
	})
}

func containsEnv(env []string, want string) bool {
	for _, e := range env {
		if e == want {
			return true
		}
	}
	return false
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple path", input: "/home/user/.ssh/key", want: "'/home/user/.ssh/key'"},
		{name: "path with spaces", input: "/home/my user/key", want: "'/home/my user/key'"},
		{name: "path with single quote", input: "/home/user's/key", want: "'/home/user'\\''s/key'"},
		{name: "empty string", input: "", want: "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shellQuote(tt.input)
			if got != tt.want {
				t.Errorf("shellQuote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInsertGitFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		flags []string
		want  []string
	}{
		{
			name:  "insert before subcommand",
			args:  []string{"git", "clone", "--branch", "main", "url", "dest"},
			flags: []string{"-c", "key=value"},
			want:  []string{"git", "-c", "key=value", "clone", "--branch", "main", "url", "dest"},
		},
		{
			name:  "insert before push",
			args:  []string{"git", "-C", "/dir", "push", "origin"},
			flags: []string{"-c", "cred=helper"},
			want:  []string{"git", "-c", "cred=helper", "-C", "/dir", "push", "origin"},
		},
		{
			name:  "empty args",
			args:  []string{},
			flags: []string{"-c", "key=value"},
			want:  []string{"-c", "key=value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertGitFlags(tt.args, tt.flags...)
			if len(got) != len(tt.want) {
				t.Fatalf("insertGitFlags() length = %d, want %d\ngot:  %v\nwant: %v", len(got), len(tt.want), got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("insertGitFlags()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
