package tree

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

// Modes of tree entries as git records them
const (
	ModeFile       os.FileMode = 0644
	ModeExecutable os.FileMode = 0755
	ModeSymlink                = os.ModeSymlink | 0777
)

// ErrUnsupportedMode is returned for git modes that have no file in the tree
var ErrUnsupportedMode = errors.New("unsupported tree entry mode")

// ParseGitMode converts an octal git mode such as "100755" into a file mode.
// An empty string yields 0, meaning unknown.
func ParseGitMode(s string) (os.FileMode, error) {
	switch s {
	case "":
		return 0, nil
	case "100644", "100664":
		return ModeFile, nil
	case "100755":
		return ModeExecutable, nil
	case "120000":
		return ModeSymlink, nil
	}
	return 0, errors.Mark(errors.Newf("git mode %q", s), ErrUnsupportedMode)
}

// IsSymlink reports whether mode describes a symlink
func IsSymlink(mode os.FileMode) bool {
	return mode&os.ModeSymlink != 0
}

// WithExecutable sets or clears the executable bits of perm the way git does
// on checkout: execute is granted wherever read is.
func WithExecutable(perm os.FileMode, executable bool) os.FileMode {
	perm = perm.Perm() &^ 0111
	if executable {
		perm |= (perm & 0444) >> 2
	}
	return perm
}

// Lstat returns the FileInfo of name without following a final symlink,
// where fs supports it.
func Lstat(fs afero.Fs, name string) (os.FileInfo, error) {
	if l, ok := fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return fs.Stat(name)
}

// Readlink returns the target of the symlink name
func Readlink(fs afero.Fs, name string) (string, error) {
	r, ok := fs.(afero.LinkReader)
	if !ok {
		return "", errors.Mark(errors.Newf("%s filesystem cannot read symlinks", fs.Name()), ErrUnsupportedMode)
	}
	return r.ReadlinkIfPossible(name)
}

// WriteSymlinkAtomic points name at target by creating the link under a
// temporary name in the same directory and renaming it into place.
func WriteSymlinkAtomic(fs afero.Fs, name, target string) error {
	linker, ok := fs.(afero.Linker)
	if !ok {
		return errors.Mark(errors.Newf("%s filesystem cannot create symlinks", fs.Name()), ErrUnsupportedMode)
	}

	dir := filepath.Dir(name)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Reserve a unique name, then swap the placeholder for the link.
	tmpFile, err := afero.TempFile(fs, dir, ".autosyncd-link-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	if err := fs.Remove(tmpPath); err != nil {
		return err
	}
	defer func() {
		_ = fs.Remove(tmpPath)
	}()

	if err := linker.SymlinkIfPossible(target, tmpPath); err != nil {
		return err
	}
	return fs.Rename(tmpPath, name)
}
