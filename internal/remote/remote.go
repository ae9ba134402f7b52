// Package remote talks to the hosting provider's REST API: it resolves the
// head of a branch and lists the file changes between two commits.
package remote

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-github/v66/github"
	"golang.org/x/time/rate"
)

// Sentinel errors used to classify remote failures with errors.Is
var (
	ErrNetwork            = errors.New("remote unreachable")
	ErrAuth               = errors.New("remote rejected credentials")
	ErrBranchNotFound     = errors.New("branch not found")
	ErrContentUnavailable = errors.New("content unavailable")
	ErrHistoryRewritten   = errors.New("remote history rewritten")
)

// FileStatus is the kind of change recorded for a file
type FileStatus string

const (
	StatusAdded     FileStatus = "added"
	StatusModified  FileStatus = "modified"
	StatusRemoved   FileStatus = "removed"
	StatusRenamed   FileStatus = "renamed"
	StatusCopied    FileStatus = "copied"
	StatusChanged   FileStatus = "changed"
	StatusUnchanged FileStatus = "unchanged"
)

// Git tree entry modes
const (
	ModeFile       = "100644"
	ModeExecutable = "100755"
	ModeSymlink    = "120000"
	ModeSubmodule  = "160000"
)

// CompareFileLimit is the most files the compare endpoint lists. A comparison
// listing this many is treated as truncated.
const CompareFileLimit = 300

// File is a single file change between two commits
type File struct {
	Path         string
	PreviousPath string
	Status       FileStatus
	// Patch holds the unified-diff hunks, if the API exposed them
	Patch   string
	BlobSHA string
	// Mode is the git mode of the file at head; empty for removed files
	Mode string
}

// Remote is the subset of the hosting API the sync engine consumes
type Remote interface {
	// HeadCommit returns the commit the branch currently points to
	HeadCommit(ctx context.Context, branch string) (string, error)
	// Changes lists files changed from base to head. An empty base lists
	// the changes introduced by head alone.
	Changes(ctx context.Context, base, head string) ([]File, error)
	// Blob returns the raw content of a blob
	Blob(ctx context.Context, sha string) ([]byte, error)
}

// Options configures a GitHub client
type Options struct {
	Owner   string
	Repo    string
	Token   string
	APIURL  string
	Timeout time.Duration
	// Limiter throttles API calls; nil means unlimited
	Limiter    *rate.Limiter
	HTTPClient *http.Client
}

// DefaultLimiter allows a short burst and then one request per second,
// well within the authenticated REST quota.
func DefaultLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Second), 10)
}

// GitHub implements Remote on top of the GitHub REST API
type GitHub struct {
	client  *github.Client
	owner   string
	repo    string
	timeout time.Duration
	limiter *rate.Limiter
}

// NewGitHub creates a client for owner/repo
func NewGitHub(opts Options) (*GitHub, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, errors.New("owner and repo are required")
	}

	client := github.NewClient(opts.HTTPClient)
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}

	if opts.APIURL != "" {
		base := opts.APIURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid api url %q", opts.APIURL)
		}
		client.BaseURL = u
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	return &GitHub{
		client:  client,
		owner:   opts.Owner,
		repo:    opts.Repo,
		timeout: opts.Timeout,
		limiter: limiter,
	}, nil
}

// begin waits for the rate limiter and bounds the call by the network timeout
func (g *GitHub) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if g.timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		if err := g.limiter.Wait(ctx); err != nil {
			cancel()
			return nil, nil, errors.Mark(errors.Wrap(err, "rate limiter"), ErrNetwork)
		}
		return ctx, cancel, nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "rate limiter"), ErrNetwork)
	}
	return ctx, func() {}, nil
}

// HeadCommit resolves branch to a commit SHA
func (g *GitHub) HeadCommit(ctx context.Context, branch string) (string, error) {
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	sha, _, err := g.client.Repositories.GetCommitSHA1(ctx, g.owner, g.repo, branch, "")
	if err != nil {
		return "", classify(errors.Wrapf(err, "failed to resolve %s", branch), err, ErrBranchNotFound)
	}
	sha = strings.TrimSpace(sha)
	if sha == "" {
		return "", errors.Mark(errors.Newf("empty head for %s", branch), ErrBranchNotFound)
	}
	return sha, nil
}

// Changes lists the files changed between base and head, with the mode of
// every file still present at head
func (g *GitHub) Changes(ctx context.Context, base, head string) ([]File, error) {
	if base == head && base != "" {
		return nil, nil
	}

	var files []File
	var err error
	if base == "" {
		files, err = g.commitFiles(ctx, head)
	} else {
		files, err = g.compare(ctx, base, head)
	}
	if err != nil || len(files) == 0 {
		return files, err
	}

	if err := g.fillModes(ctx, head, files); err != nil {
		return nil, err
	}
	return files, nil
}

// compare lists the files changed between base and head. When the compare
// endpoint truncates its file list, both trees are diffed instead.
func (g *GitHub) compare(ctx context.Context, base, head string) ([]File, error) {
	callCtx, cancel, err := g.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	cmp, _, err := g.client.Repositories.CompareCommits(callCtx, g.owner, g.repo, base, head, nil)
	if err != nil {
		return nil, classify(errors.Wrapf(err, "failed to compare %s...%s", short(base), short(head)), err, ErrContentUnavailable)
	}

	switch cmp.GetStatus() {
	case "behind", "diverged":
		return nil, errors.Mark(
			errors.Newf("%s is %s relative to %s", short(head), cmp.GetStatus(), short(base)),
			ErrHistoryRewritten)
	case "identical":
		return nil, nil
	}

	if len(cmp.Files) >= CompareFileLimit {
		return g.treeChanges(ctx, base, head)
	}
	return convertFiles(cmp.Files), nil
}

// commitFiles lists the files of a single commit, following pagination
func (g *GitHub) commitFiles(ctx context.Context, sha string) ([]File, error) {
	var files []File
	opts := &github.ListOptions{PerPage: 100}
	for {
		pageCtx, cancel, err := g.begin(ctx)
		if err != nil {
			return nil, err
		}
		commit, resp, err := g.client.Repositories.GetCommit(pageCtx, g.owner, g.repo, sha, opts)
		cancel()
		if err != nil {
			return nil, classify(errors.Wrapf(err, "failed to get commit %s", short(sha)), err, ErrContentUnavailable)
		}
		files = append(files, convertFiles(commit.Files)...)
		if resp == nil || resp.NextPage == 0 {
			return files, nil
		}
		opts.Page = resp.NextPage
	}
}

// treeChanges diffs the full trees of base and head. Renames show up as a
// removal plus an addition and no patches are available.
func (g *GitHub) treeChanges(ctx context.Context, base, head string) ([]File, error) {
	from, err := g.tree(ctx, base)
	if err != nil {
		return nil, err
	}
	to, err := g.tree(ctx, head)
	if err != nil {
		return nil, err
	}

	var files []File
	for path, entry := range to {
		prev, ok := from[path]
		switch {
		case !ok:
			files = append(files, File{Path: path, Status: StatusAdded, BlobSHA: entry.GetSHA(), Mode: entry.GetMode()})
		case prev.GetSHA() != entry.GetSHA() || prev.GetMode() != entry.GetMode():
			files = append(files, File{Path: path, Status: StatusModified, BlobSHA: entry.GetSHA(), Mode: entry.GetMode()})
		}
	}
	for path, entry := range from {
		if _, ok := to[path]; !ok {
			files = append(files, File{Path: path, Status: StatusRemoved, BlobSHA: entry.GetSHA()})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// tree returns the non-directory entries of the tree of commit, keyed by path
func (g *GitHub) tree(ctx context.Context, commit string) (map[string]*github.TreeEntry, error) {
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	t, _, err := g.client.Git.GetTree(ctx, g.owner, g.repo, commit, true)
	if err != nil {
		return nil, classify(errors.Wrapf(err, "failed to get tree of %s", short(commit)), err, ErrContentUnavailable)
	}
	if t.GetTruncated() {
		return nil, errors.Mark(errors.Newf("tree of %s is truncated", short(commit)), ErrContentUnavailable)
	}

	entries := make(map[string]*github.TreeEntry, len(t.Entries))
	for _, e := range t.Entries {
		if e.GetType() == "tree" {
			continue
		}
		entries[e.GetPath()] = e
	}
	return entries, nil
}

// fillModes sets the mode of every file present at head
func (g *GitHub) fillModes(ctx context.Context, head string, files []File) error {
	var entries map[string]*github.TreeEntry
	for i := range files {
		if files[i].Status == StatusRemoved || files[i].Mode != "" {
			continue
		}
		if entries == nil {
			var err error
			if entries, err = g.tree(ctx, head); err != nil {
				return err
			}
		}
		entry, ok := entries[files[i].Path]
		if !ok {
			return errors.Mark(errors.Newf("%s is missing from the tree of %s", files[i].Path, short(head)), ErrContentUnavailable)
		}
		files[i].Mode = entry.GetMode()
	}
	return nil
}

// Blob downloads a blob's raw content
func (g *GitHub) Blob(ctx context.Context, sha string) ([]byte, error) {
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	data, _, err := g.client.Git.GetBlobRaw(ctx, g.owner, g.repo, sha)
	if err != nil {
		return nil, classify(errors.Wrapf(err, "failed to download blob %s", short(sha)), err, ErrContentUnavailable)
	}
	return data, nil
}

func convertFiles(in []*github.CommitFile) []File {
	out := make([]File, 0, len(in))
	for _, f := range in {
		out = append(out, File{
			Path:         f.GetFilename(),
			PreviousPath: f.GetPreviousFilename(),
			Status:       FileStatus(f.GetStatus()),
			Patch:        f.GetPatch(),
			BlobSHA:      f.GetSHA(),
		})
	}
	return out
}

// classify marks wrapped with the sentinel matching the API error cause.
// notFound is used for 404 and 422 responses.
func classify(wrapped, cause error, notFound error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var respErr *github.ErrorResponse

	switch {
	case errors.As(cause, &rateErr), errors.As(cause, &abuseErr):
		return errors.Mark(wrapped, ErrNetwork)
	case errors.As(cause, &respErr):
		if respErr.Response == nil {
			return errors.Mark(wrapped, ErrNetwork)
		}
		switch code := respErr.Response.StatusCode; {
		case code == http.StatusUnauthorized, code == http.StatusForbidden:
			return errors.Mark(wrapped, ErrAuth)
		case code == http.StatusNotFound, code == http.StatusUnprocessableEntity:
			return errors.Mark(wrapped, notFound)
		case code >= 500, code == http.StatusTooManyRequests:
			return errors.Mark(wrapped, ErrNetwork)
		}
		return wrapped
	default:
		// Transport failures, DNS errors and timeouts.
		return errors.Mark(wrapped, ErrNetwork)
	}
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
