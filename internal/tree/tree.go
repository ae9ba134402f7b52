package tree

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/glob"
	"github.com/spf13/afero"
)

// MetadataDir is the version-control directory that is never part of the tree
const MetadataDir = ".git"

// ErrUnsafePath is returned for paths that would escape the working tree
// or touch version-control metadata.
var ErrUnsafePath = errors.New("unsafe path")

// Walk returns the slash-separated paths of all regular files and symlinks
// below root, relative to root and sorted. The .git directory is skipped and
// symlinks are not followed.
func Walk(fs afero.Fs, root string) ([]string, error) {
	var files []string

	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if p != root && info.IsDir() && info.Name() == MetadataDir {
			return filepath.SkipDir
		}

		if !info.Mode().IsRegular() && info.Mode()&os.ModeSymlink == 0 {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to walk %s", root)
	}

	sort.Strings(files)
	return files, nil
}

// CleanPath normalizes a repository-relative path and rejects absolute paths,
// parent-directory escapes and anything inside .git.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", errors.Mark(errors.New("empty path"), ErrUnsafePath)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", errors.Mark(errors.Newf("absolute path %q", p), ErrUnsafePath)
	}

	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Mark(errors.Newf("path %q escapes the working tree", p), ErrUnsafePath)
	}
	if cleaned == MetadataDir || strings.HasPrefix(cleaned, MetadataDir+"/") {
		return "", errors.Mark(errors.Newf("path %q is inside %s", p, MetadataDir), ErrUnsafePath)
	}
	return cleaned, nil
}

// WriteFileAtomic writes data to name through a temporary file in the same
// directory followed by a rename, creating parent directories as needed.
func WriteFileAtomic(fs afero.Fs, name string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(name)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpFile, err := afero.TempFile(fs, dir, ".autosyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := fs.Chmod(tmpPath, perm); err != nil {
		return err
	}

	return fs.Rename(tmpPath, name)
}

// Matcher reports whether a tree path is a patch-carrying artifact
type Matcher struct {
	patterns []string
	globs    []glob.Glob
}

// NewMatcher compiles the artifact patterns. Patterns use '/' as separator,
// so "*" stays within one directory and "**" crosses directories.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{patterns: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.Wrapf(err, "invalid artifact pattern %q", p)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Match returns true if p matches any pattern. A nil Matcher matches nothing.
func (m *Matcher) Match(p string) bool {
	if m == nil {
		return false
	}
	for _, g := range m.globs {
		if g.Match(p) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return m.patterns
}
