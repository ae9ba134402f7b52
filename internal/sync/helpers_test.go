package sync

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/schaermu/autosyncd/internal/remote"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRemote serves a scripted head and change list
type fakeRemote struct {
	head       string
	headErr    error
	files      []remote.File
	changesErr error
	blobs      map[string][]byte

	headCalls    int
	changesCalls int
	lastBase     string
	lastHead     string
}

func (f *fakeRemote) HeadCommit(_ context.Context, _ string) (string, error) {
	f.headCalls++
	return f.head, f.headErr
}

func (f *fakeRemote) Changes(_ context.Context, base, head string) ([]remote.File, error) {
	f.changesCalls++
	f.lastBase, f.lastHead = base, head
	return f.files, f.changesErr
}

func (f *fakeRemote) Blob(_ context.Context, sha string) ([]byte, error) {
	data, ok := f.blobs[sha]
	if !ok {
		return nil, errors.Mark(errors.Newf("blob %s not found", sha), remote.ErrContentUnavailable)
	}
	return data, nil
}

// gitRemote implements remote.Remote on top of a local bare repository, so
// cycles can run against real history.
type gitRemote struct {
	t       *testing.T
	dir     string
	headErr error
}

func (g *gitRemote) git(args ...string) (string, error) {
	out, err := exec.Command("git", append([]string{"-C", g.dir}, args...)...).CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "git %v: %s", args, out)
	}
	return string(out), nil
}

func (g *gitRemote) HeadCommit(_ context.Context, branch string) (string, error) {
	if g.headErr != nil {
		return "", g.headErr
	}
	out, err := g.git("rev-parse", "refs/heads/"+branch)
	if err != nil {
		return "", errors.Mark(err, remote.ErrBranchNotFound)
	}
	return strings.TrimSpace(out), nil
}

func (g *gitRemote) Changes(_ context.Context, base, head string) ([]remote.File, error) {
	if base == head {
		return nil, nil
	}

	var listing string
	var err error
	from := base
	if base == "" {
		listing, err = g.git("diff-tree", "--no-commit-id", "-r", "--root", "-M", "--name-status", head)
		from = head + "^"
	} else {
		if _, aerr := g.git("merge-base", "--is-ancestor", base, head); aerr != nil {
			return nil, errors.Mark(errors.Newf("%s is not an ancestor of %s", base, head), remote.ErrHistoryRewritten)
		}
		listing, err = g.git("diff", "--name-status", "-M", base, head)
	}
	if err != nil {
		return nil, err
	}

	var files []remote.File
	for _, line := range strings.Split(strings.TrimSpace(listing), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		f := remote.File{Path: fields[len(fields)-1]}
		switch fields[0][0] {
		case 'A':
			f.Status = remote.StatusAdded
		case 'D':
			f.Status = remote.StatusRemoved
		case 'R':
			f.Status = remote.StatusRenamed
			f.PreviousPath = fields[1]
		default:
			f.Status = remote.StatusModified
			diff, err := g.git("diff", from, head, "--", f.Path)
			if err != nil {
				return nil, err
			}
			if i := strings.Index(diff, "@@"); i >= 0 {
				f.Patch = strings.TrimSuffix(diff[i:], "\n")
			}
		}
		if f.Status != remote.StatusRemoved {
			// <mode> SP <type> SP <sha> TAB <path>
			entry, err := g.git("ls-tree", head, "--", f.Path)
			if err != nil {
				return nil, err
			}
			meta := strings.Fields(strings.SplitN(entry, "\t", 2)[0])
			if len(meta) != 3 {
				return nil, errors.Newf("unexpected ls-tree output %q", entry)
			}
			f.Mode, f.BlobSHA = meta[0], meta[2]
		}
		files = append(files, f)
	}
	return files, nil
}

func (g *gitRemote) Blob(_ context.Context, sha string) ([]byte, error) {
	out, err := exec.Command("git", "-C", g.dir, "cat-file", "blob", sha).Output()
	if err != nil {
		return nil, errors.Mark(err, remote.ErrContentUnavailable)
	}
	return out, nil
}

func runGit(t *testing.T, args ...string) string {
	t.Helper()
	full := append([]string{"-c", "user.email=test@test.com", "-c", "user.name=Test"}, args...)
	out, err := exec.Command("git", full...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
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

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// initRemote creates a bare repository whose main branch carries hello.txt.
func initRemote(t *testing.T) string {
	t.Helper()
	remoteDir := filepath.Join(t.TempDir(), "remote.git")
	runGit(t, "init", "--bare", "-b", "main", remoteDir)

	seed := filepath.Join(t.TempDir(), "seed")
	runGit(t, "init", "-b", "main", seed)
	writeFile(t, seed, "hello.txt", "version1\n")
	runGit(t, "-C", seed, "add", "--all")
	runGit(t, "-C", seed, "commit", "-m", "Initial commit")
	runGit(t, "-C", seed, "remote", "add", "origin", remoteDir)
	runGit(t, "-C", seed, "push", "origin", "main")
	return remoteDir
}

// pushUpstream commits files in a throwaway clone and pushes them. An empty
// content deletes the file.
func pushUpstream(t *testing.T, remoteDir string, files map[string]string) string {
	t.Helper()
	return pushUpstreamWith(t, remoteDir, func(dir string) {
		for name, content := range files {
			if content == "" {
				runGit(t, "-C", dir, "rm", "-q", name)
				continue
			}
			writeFile(t, dir, name, content)
		}
	})
}

// pushUpstreamWith lets edit change a throwaway clone, then commits
// everything and pushes it
func pushUpstreamWith(t *testing.T, remoteDir string, edit func(dir string)) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "upstream")
	runGit(t, "clone", "--branch", "main", remoteDir, dir)
	edit(dir)
	runGit(t, "-C", dir, "add", "--all")
	runGit(t, "-C", dir, "commit", "-m", "Upstream change")
	runGit(t, "-C", dir, "push", "origin", "main")
	return runGit(t, "-C", dir, "rev-parse", "HEAD")
}

// snapshotTree reads every regular file below dir, skipping .git
func snapshotTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && info.Name() == ".git" {
			return filepath.SkipDir
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return files
}
