package sync

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/schaermu/autosyncd/internal/patch"
	"github.com/schaermu/autosyncd/internal/tree"
)

// Applier applies change sets to the working tree.
//
// Application happens in two phases. The first computes the final content of
// every touched path in memory, so a hunk that does not apply or a path that
// conflicts with local modifications is detected before anything is written.
// The second writes the results through temp-file renames. A failure in the
// second phase can leave the tree partially written; the engine restores the
// pre-apply snapshot in that case.
type Applier struct {
	fs        afero.Fs
	workDir   string
	artifacts *tree.Matcher
	cleanup   bool
	logger    *slog.Logger
}

// NewApplier creates an applier for workDir. Paths matching artifacts carry
// multi-file diffs; with cleanup set they are removed instead of written.
func NewApplier(fs afero.Fs, workDir string, artifacts *tree.Matcher, cleanup bool, logger *slog.Logger) *Applier {
	return &Applier{
		fs:        fs,
		workDir:   workDir,
		artifacts: artifacts,
		cleanup:   cleanup,
		logger:    logger,
	}
}

// entry is the planned final state of one path
type entry struct {
	exists   bool
	content  []byte
	mode     os.FileMode
	onDisk   bool
	original []byte
	origMode os.FileMode
	carrier  bool
}

func (e *entry) unchanged() bool {
	return e.exists && e.onDisk && e.mode == e.origMode && bytes.Equal(e.content, e.original)
}

// setMode adopts the mode a patch carries. Git only records the executable
// bit of regular files, so the other permission bits of a file already on
// disk are kept.
func (e *entry) setMode(want os.FileMode) {
	switch {
	case want == 0:
	case tree.IsSymlink(want):
		e.mode = tree.ModeSymlink
	case e.onDisk && !tree.IsSymlink(e.origMode):
		e.mode = tree.WithExecutable(e.origMode, want&0111 != 0)
	default:
		e.mode = want.Perm()
	}
}

type plan struct {
	entries map[string]*entry
	order   []string
}

// Apply applies cs to the working tree. dirty lists paths with local
// modifications; a change touching one of them is a conflict.
func (a *Applier) Apply(ctx context.Context, cs ChangeSet, dirty []string) (AppliedSet, error) {
	p := &plan{entries: make(map[string]*entry)}

	for _, fp := range cs.Patches {
		if err := ctx.Err(); err != nil {
			return AppliedSet{}, err
		}
		if err := a.stage(p, fp); err != nil {
			return AppliedSet{}, err
		}
	}

	if err := a.checkDirty(p, dirty); err != nil {
		return AppliedSet{}, err
	}

	return a.write(p)
}

func (a *Applier) get(p *plan, rel string) (*entry, error) {
	if e, ok := p.entries[rel]; ok {
		return e, nil
	}

	e := &entry{mode: tree.ModeFile}
	abs := filepath.Join(a.workDir, filepath.FromSlash(rel))
	info, err := tree.Lstat(a.fs, abs)
	switch {
	case err == nil && tree.IsSymlink(info.Mode()):
		target, err := tree.Readlink(a.fs, abs)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read link %s", rel)
		}
		e.exists, e.onDisk = true, true
		e.content, e.original = []byte(target), []byte(target)
		e.mode, e.origMode = tree.ModeSymlink, tree.ModeSymlink
	case err == nil && info.Mode().IsRegular():
		data, err := afero.ReadFile(a.fs, abs)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", rel)
		}
		e.exists, e.onDisk = true, true
		e.content, e.original = data, data
		e.mode, e.origMode = info.Mode().Perm(), info.Mode().Perm()
	case err == nil && info.IsDir():
		// absent as a file; writing it only succeeds once deletions emptied it
	case err == nil:
		return nil, &ConflictError{Path: rel, Reason: ReasonInvalid, Err: errors.New("not a regular file or symlink")}
	case !os.IsNotExist(err) && !errors.Is(err, syscall.ENOTDIR):
		return nil, errors.Wrapf(err, "failed to stat %s", rel)
	}

	p.entries[rel] = e
	p.order = append(p.order, rel)
	return e, nil
}

func (a *Applier) stage(p *plan, fp FilePatch) error {
	rel, err := tree.CleanPath(fp.Path)
	if err != nil {
		return &ConflictError{Path: fp.Path, Reason: ReasonInvalid, Err: err}
	}

	if fp.Format == FormatFullContent && a.artifacts.Match(rel) {
		return a.stageArtifact(p, rel, fp)
	}

	e, err := a.get(p, rel)
	if err != nil {
		return err
	}

	switch fp.Format {
	case FormatDelete:
		e.exists = false
		e.content = nil
	case FormatFullContent:
		e.exists = true
		e.content = fp.Payload
	case FormatDiff:
		if !e.exists {
			return &ConflictError{Path: rel, Reason: ReasonMissing}
		}
		hunks, err := patch.ParseHunks(string(fp.Payload))
		if err != nil {
			return &ConflictError{Path: rel, Reason: ReasonInvalid, Err: err}
		}
		out, err := patch.Apply(e.content, hunks)
		if err != nil {
			return &ConflictError{Path: rel, Reason: ReasonContextMismatch, Err: err}
		}
		e.content = out
	default:
		return &ConflictError{Path: rel, Reason: ReasonInvalid, Err: errors.Newf("unknown format %d", fp.Format)}
	}

	if e.exists {
		e.setMode(fp.Mode)
	}
	return nil
}

// stageArtifact applies every file diff carried by an artifact and then
// either removes the artifact or keeps it as ordinary content.
func (a *Applier) stageArtifact(p *plan, carrier string, fp FilePatch) error {
	files, err := patch.ParseFiles(fp.Payload)
	if err != nil {
		return &ConflictError{Path: carrier, Reason: ReasonInvalid, Err: err}
	}

	for _, fd := range files {
		if err := a.stageFileDiff(p, fd); err != nil {
			return err
		}
	}

	e, err := a.get(p, carrier)
	if err != nil {
		return err
	}
	if a.cleanup {
		e.exists = false
		e.content = nil
		e.carrier = true
	} else {
		e.exists = true
		e.content = fp.Payload
		e.setMode(fp.Mode)
	}

	a.logger.Debug("artifact staged", "path", carrier, "files", len(files), "cleanup", a.cleanup)
	return nil
}

func (a *Applier) stageFileDiff(p *plan, fd patch.FileDiff) error {
	target, err := tree.CleanPath(fd.Path())
	if err != nil {
		return &ConflictError{Path: fd.Path(), Reason: ReasonInvalid, Err: err}
	}

	switch {
	case fd.IsCreate():
		e, err := a.get(p, target)
		if err != nil {
			return err
		}
		if e.exists {
			return &ConflictError{Path: target, Reason: ReasonExists}
		}
		out, err := patch.Apply(nil, fd.Hunks)
		if err != nil {
			return &ConflictError{Path: target, Reason: ReasonContextMismatch, Err: err}
		}
		e.exists = true
		e.content = out

	case fd.IsDelete():
		e, err := a.get(p, target)
		if err != nil {
			return err
		}
		if !e.exists {
			return &ConflictError{Path: target, Reason: ReasonMissing}
		}
		out, err := patch.Apply(e.content, fd.Hunks)
		if err != nil {
			return &ConflictError{Path: target, Reason: ReasonContextMismatch, Err: err}
		}
		if len(out) != 0 {
			return &ConflictError{Path: target, Reason: ReasonContextMismatch, Err: errors.New("deleted file has remaining content")}
		}
		e.exists = false
		e.content = nil

	default:
		source, err := tree.CleanPath(fd.OldPath)
		if err != nil {
			return &ConflictError{Path: fd.OldPath, Reason: ReasonInvalid, Err: err}
		}
		src, err := a.get(p, source)
		if err != nil {
			return err
		}
		if !src.exists {
			return &ConflictError{Path: source, Reason: ReasonMissing}
		}
		out, err := patch.Apply(src.content, fd.Hunks)
		if err != nil {
			return &ConflictError{Path: source, Reason: ReasonContextMismatch, Err: err}
		}
		if source == target {
			src.content = out
			return nil
		}

		dst, err := a.get(p, target)
		if err != nil {
			return err
		}
		if dst.exists {
			return &ConflictError{Path: target, Reason: ReasonExists}
		}
		dst.exists = true
		dst.content = out
		dst.mode = src.mode
		src.exists = false
		src.content = nil
	}
	return nil
}

func (a *Applier) checkDirty(p *plan, dirty []string) error {
	if len(dirty) == 0 {
		return nil
	}
	set := make(map[string]bool, len(dirty))
	for _, d := range dirty {
		set[d] = true
	}
	for _, rel := range p.order {
		if !set[rel] {
			continue
		}
		if a.cleanup && a.artifacts.Match(rel) {
			continue
		}
		return &ConflictError{Path: rel, Reason: ReasonDirty}
	}
	return nil
}

// write removes deleted paths first, so a file can replace a directory
// emptied by the same change set, then writes every changed file.
func (a *Applier) write(p *plan) (AppliedSet, error) {
	var set AppliedSet

	for _, rel := range p.order {
		e := p.entries[rel]
		if e.exists || (!e.onDisk && !e.carrier) {
			continue
		}
		if e.onDisk {
			abs := filepath.Join(a.workDir, filepath.FromSlash(rel))
			if err := a.fs.Remove(abs); err != nil && !os.IsNotExist(err) {
				return set, errors.Wrapf(err, "failed to remove %s", rel)
			}
			a.pruneParents(rel)
		}
		if e.carrier {
			set.Cleaned = append(set.Cleaned, rel)
		} else {
			set.Deleted = append(set.Deleted, rel)
		}
	}

	for _, rel := range p.order {
		e := p.entries[rel]
		if !e.exists || e.unchanged() {
			continue
		}
		abs := filepath.Join(a.workDir, filepath.FromSlash(rel))
		var err error
		if tree.IsSymlink(e.mode) {
			err = tree.WriteSymlinkAtomic(a.fs, abs, string(e.content))
		} else {
			err = tree.WriteFileAtomic(a.fs, abs, e.content, e.mode.Perm())
		}
		if err != nil {
			return set, errors.Wrapf(err, "failed to write %s", rel)
		}
		set.Written = append(set.Written, rel)
	}

	return set, nil
}

// pruneParents removes directories emptied by deleting rel, up to the tree root
func (a *Applier) pruneParents(rel string) {
	for d := path.Dir(rel); d != "." && d != "/"; d = path.Dir(d) {
		abs := filepath.Join(a.workDir, filepath.FromSlash(d))
		empty, err := afero.IsEmpty(a.fs, abs)
		if err != nil || !empty {
			return
		}
		if err := a.fs.Remove(abs); err != nil {
			return
		}
	}
}
