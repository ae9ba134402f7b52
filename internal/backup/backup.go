package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/schaermu/autosyncd/internal/store"
	"github.com/schaermu/autosyncd/internal/tree"
)

// ErrRetention marks failures of snapshot eviction. They never abort a cycle.
var ErrRetention = errors.New("backup retention failed")

// Snapshot is a point-in-time copy of the working tree. TreeRef is the
// directory holding the copy.
type Snapshot struct {
	Sequence  uint64
	CreatedAt time.Time
	TreeRef   string
	FileCount int
}

// Catalog records snapshot metadata
type Catalog interface {
	NextBackupSequence() (uint64, error)
	PutBackup(rec store.BackupRecord) error
	ListBackups() ([]store.BackupRecord, error)
	DeleteBackup(seq uint64) error
}

// Manager creates, restores and evicts snapshots of the working tree
type Manager struct {
	fs      afero.Fs
	workDir string
	dir     string
	catalog Catalog
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewManager creates a manager that copies workDir into subdirectories of dir
func NewManager(fs afero.Fs, workDir, dir string, catalog Catalog, clock clockwork.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		fs:      fs,
		workDir: workDir,
		dir:     dir,
		catalog: catalog,
		clock:   clock,
		logger:  logger.With("component", "backup"),
	}
}

// Snapshot copies every file of the working tree, except .git, into a new snapshot
func (m *Manager) Snapshot(ctx context.Context, cycleID string) (Snapshot, error) {
	seq, err := m.catalog.NextBackupSequence()
	if err != nil {
		return Snapshot{}, err
	}

	files, err := tree.Walk(m.fs, m.workDir)
	if err != nil {
		return Snapshot{}, err
	}

	// The copy only becomes a live snapshot once it is catalogued.
	final := filepath.Join(m.dir, fmt.Sprintf("%08d", seq))
	if err := m.fs.RemoveAll(final); err != nil {
		return Snapshot{}, errors.Wrap(err, "failed to clear stale snapshot directory")
	}
	if err := m.fs.MkdirAll(final, 0755); err != nil {
		return Snapshot{}, errors.Wrap(err, "failed to create snapshot directory")
	}

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			_ = m.fs.RemoveAll(final)
			return Snapshot{}, err
		}
		if err := copyFile(m.fs, filepath.Join(m.workDir, rel), filepath.Join(final, rel)); err != nil {
			_ = m.fs.RemoveAll(final)
			return Snapshot{}, errors.Wrapf(err, "failed to snapshot %s", rel)
		}
	}

	snap := Snapshot{
		Sequence:  seq,
		CreatedAt: m.clock.Now().UTC(),
		TreeRef:   final,
		FileCount: len(files),
	}
	rec := store.BackupRecord{
		Sequence:  snap.Sequence,
		CreatedAt: snap.CreatedAt,
		TreeRef:   snap.TreeRef,
		FileCount: snap.FileCount,
		CycleID:   cycleID,
	}
	if err := m.catalog.PutBackup(rec); err != nil {
		_ = m.fs.RemoveAll(final)
		return Snapshot{}, errors.Wrap(err, "failed to record snapshot")
	}

	m.logger.Debug("snapshot created", "sequence", seq, "files", len(files), "path", final)
	return snap, nil
}

// Restore makes the working tree identical to snap. Files created since the
// snapshot are removed, every snapshot file is rewritten with its mode, and
// directories left empty are pruned. .git is never touched.
func (m *Manager) Restore(ctx context.Context, snap Snapshot) error {
	want, err := tree.Walk(m.fs, snap.TreeRef)
	if err != nil {
		return errors.Wrapf(err, "failed to read snapshot %d", snap.Sequence)
	}
	keep := make(map[string]bool, len(want))
	for _, rel := range want {
		keep[rel] = true
	}

	current, err := tree.Walk(m.fs, m.workDir)
	if err != nil {
		return err
	}
	for _, rel := range current {
		if keep[rel] {
			continue
		}
		if err := m.fs.Remove(filepath.Join(m.workDir, rel)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove %s", rel)
		}
	}

	for _, rel := range want {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := restoreFile(m.fs, filepath.Join(snap.TreeRef, rel), filepath.Join(m.workDir, rel)); err != nil {
			return errors.Wrapf(err, "failed to restore %s", rel)
		}
	}

	if err := m.pruneEmptyDirs(current, keep); err != nil {
		return err
	}

	m.logger.Info("working tree restored", "sequence", snap.Sequence, "files", len(want))
	return nil
}

// pruneEmptyDirs removes directories of removed files that became empty
func (m *Manager) pruneEmptyDirs(removed []string, keep map[string]bool) error {
	dirs := make(map[string]bool)
	for _, rel := range removed {
		if keep[rel] {
			continue
		}
		for d := path.Dir(rel); d != "." && d != "/"; d = path.Dir(d) {
			dirs[d] = true
		}
	}

	ordered := make([]string, 0, len(dirs))
	for d := range dirs {
		ordered = append(ordered, d)
	}
	// Deepest first so parents are empty by the time they are checked.
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	for _, d := range ordered {
		abs := filepath.Join(m.workDir, filepath.FromSlash(d))
		if info, err := tree.Lstat(m.fs, abs); err != nil || !info.IsDir() {
			continue
		}
		empty, err := afero.IsEmpty(m.fs, abs)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "failed to inspect %s", d)
		}
		if empty {
			if err := m.fs.Remove(abs); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "failed to remove directory %s", d)
			}
		}
	}
	return nil
}

// Rotate evicts the oldest snapshots until at most maxBackups remain and
// returns the evicted sequences. Failures are marked with ErrRetention.
func (m *Manager) Rotate(maxBackups int) ([]uint64, error) {
	if maxBackups < 1 {
		return nil, errors.Mark(errors.Newf("invalid retention bound %d", maxBackups), ErrRetention)
	}

	records, err := m.catalog.ListBackups()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to list snapshots"), ErrRetention)
	}
	if len(records) <= maxBackups {
		return nil, nil
	}

	var evicted []uint64
	var errs error
	for _, rec := range records[:len(records)-maxBackups] {
		if err := m.fs.RemoveAll(rec.TreeRef); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "failed to remove snapshot %d", rec.Sequence))
			continue
		}
		if err := m.catalog.DeleteBackup(rec.Sequence); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "failed to uncatalog snapshot %d", rec.Sequence))
			continue
		}
		evicted = append(evicted, rec.Sequence)
		m.logger.Debug("snapshot evicted", "sequence", rec.Sequence)
	}

	if errs != nil {
		return evicted, errors.Mark(errs, ErrRetention)
	}
	return evicted, nil
}

// List returns the live snapshots ordered by ascending sequence
func (m *Manager) List() ([]Snapshot, error) {
	records, err := m.catalog.ListBackups()
	if err != nil {
		return nil, err
	}
	snaps := make([]Snapshot, 0, len(records))
	for _, rec := range records {
		snaps = append(snaps, Snapshot{
			Sequence:  rec.Sequence,
			CreatedAt: rec.CreatedAt,
			TreeRef:   rec.TreeRef,
			FileCount: rec.FileCount,
		})
	}
	return snaps, nil
}

// copyFile copies src to dst preserving the permission bits. Symlinks are
// copied as links.
func copyFile(fs afero.Fs, src, dst string) error {
	info, err := tree.Lstat(fs, src)
	if err != nil {
		return err
	}
	if tree.IsSymlink(info.Mode()) {
		target, err := tree.Readlink(fs, src)
		if err != nil {
			return err
		}
		return tree.WriteSymlinkAtomic(fs, dst, target)
	}

	data, err := afero.ReadFile(fs, src)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := afero.WriteFile(fs, dst, data, info.Mode().Perm()); err != nil {
		return err
	}
	return fs.Chmod(dst, info.Mode().Perm())
}

// restoreFile writes src over dst unless dst already has identical content,
// type and mode
func restoreFile(fs afero.Fs, src, dst string) error {
	info, err := tree.Lstat(fs, src)
	if err != nil {
		return err
	}
	cur, curErr := tree.Lstat(fs, dst)
	if curErr == nil && cur.IsDir() {
		if err := fs.RemoveAll(dst); err != nil {
			return err
		}
		curErr = os.ErrNotExist
	}

	if tree.IsSymlink(info.Mode()) {
		target, err := tree.Readlink(fs, src)
		if err != nil {
			return err
		}
		if curErr == nil && tree.IsSymlink(cur.Mode()) {
			if existing, err := tree.Readlink(fs, dst); err == nil && existing == target {
				return nil
			}
		}
		return tree.WriteSymlinkAtomic(fs, dst, target)
	}

	data, err := afero.ReadFile(fs, src)
	if err != nil {
		return err
	}
	if curErr == nil && cur.Mode().IsRegular() && cur.Mode().Perm() == info.Mode().Perm() {
		if existing, err := afero.ReadFile(fs, dst); err == nil && string(existing) == string(data) {
			return nil
		}
	}
	return tree.WriteFileAtomic(fs, dst, data, info.Mode().Perm())
}
