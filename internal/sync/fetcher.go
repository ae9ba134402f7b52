package sync

import (
	"context"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/schaermu/autosyncd/internal/remote"
	"github.com/schaermu/autosyncd/internal/tree"
)

// Fetcher retrieves the change set between two commits and normalizes every
// file into a FilePatch
type Fetcher struct {
	remote    remote.Remote
	artifacts *tree.Matcher
	logger    *slog.Logger
}

// NewFetcher creates a new patch fetcher
func NewFetcher(rem remote.Remote, artifacts *tree.Matcher, logger *slog.Logger) *Fetcher {
	return &Fetcher{remote: rem, artifacts: artifacts, logger: logger}
}

// Fetch returns the changes from base to head. An empty base yields the
// changes introduced by head alone. Nothing is written to the working tree.
func (f *Fetcher) Fetch(ctx context.Context, base, head string) (ChangeSet, error) {
	files, err := f.remote.Changes(ctx, base, head)
	if err != nil {
		return ChangeSet{}, markCause(err)
	}

	cs := ChangeSet{Base: base, Commit: head}
	for _, file := range files {
		patches, err := f.normalize(ctx, file)
		if err != nil {
			return ChangeSet{}, err
		}
		cs.Patches = append(cs.Patches, patches...)
	}

	f.logger.Debug("change set fetched", "base", base, "head", head, "files", len(files), "patches", len(cs.Patches))
	return cs, nil
}

func (f *Fetcher) normalize(ctx context.Context, file remote.File) ([]FilePatch, error) {
	path, err := tree.CleanPath(file.Path)
	if err != nil {
		return nil, errors.Mark(err, ErrContentUnavailable)
	}

	if file.Mode == remote.ModeSubmodule {
		f.logger.Debug("skipping submodule", "path", path)
		return nil, nil
	}
	mode, err := tree.ParseGitMode(file.Mode)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "cannot materialize %s", path), ErrContentUnavailable)
	}

	switch file.Status {
	case remote.StatusUnchanged:
		return nil, nil

	case remote.StatusRemoved:
		return []FilePatch{{Path: path, Format: FormatDelete}}, nil

	case remote.StatusRenamed:
		var patches []FilePatch
		if file.PreviousPath != "" {
			prev, err := tree.CleanPath(file.PreviousPath)
			if err != nil {
				return nil, errors.Mark(err, ErrContentUnavailable)
			}
			if prev != path {
				patches = append(patches, FilePatch{Path: prev, Format: FormatDelete})
			}
		}
		full, err := f.fullContent(ctx, path, file, mode)
		if err != nil {
			return nil, err
		}
		return append(patches, full), nil

	case remote.StatusAdded, remote.StatusCopied:
		full, err := f.fullContent(ctx, path, file, mode)
		if err != nil {
			return nil, err
		}
		return []FilePatch{full}, nil

	case remote.StatusModified, remote.StatusChanged:
		// Artifacts always carry their whole content; their payload is
		// itself a diff that is applied elsewhere. Symlinks are replaced
		// with their target.
		if file.Patch != "" && !f.artifacts.Match(path) && !tree.IsSymlink(mode) {
			return []FilePatch{{Path: path, Format: FormatDiff, Payload: []byte(file.Patch), Mode: mode}}, nil
		}
		full, err := f.fullContent(ctx, path, file, mode)
		if err != nil {
			return nil, err
		}
		return []FilePatch{full}, nil
	}

	return nil, errors.Mark(errors.Newf("unsupported change status %q for %s", file.Status, path), ErrContentUnavailable)
}

func (f *Fetcher) fullContent(ctx context.Context, path string, file remote.File, mode os.FileMode) (FilePatch, error) {
	if file.BlobSHA == "" {
		return FilePatch{}, errors.Mark(errors.Newf("no content available for %s", path), ErrContentUnavailable)
	}
	data, err := f.remote.Blob(ctx, file.BlobSHA)
	if err != nil {
		return FilePatch{}, markCause(errors.Wrapf(err, "failed to fetch content of %s", path))
	}
	return FilePatch{Path: path, Format: FormatFullContent, Payload: data, Mode: mode}, nil
}
