// Package patch applies unified-diff hunks to file contents.
//
// Hunks must match their context exactly; a hunk that is found at a
// different line than its header states is still applied, as long as every
// context and removed line matches. There is no fuzz factor.
package patch

import (
	"bytes"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/go-diff/diff"
)

// ErrConflict is returned when a hunk does not match the content it is applied to
var ErrConflict = errors.New("patch does not apply")

// DevNull is the path diff uses for the missing side of a creation or deletion
const DevNull = "/dev/null"

// FileDiff is the change to a single file inside a multi-file diff.
// OldPath is empty for created files, NewPath is empty for deleted files.
type FileDiff struct {
	OldPath string
	NewPath string
	Hunks   []*diff.Hunk
}

// IsCreate reports whether the diff creates the file
func (f FileDiff) IsCreate() bool { return f.OldPath == "" }

// IsDelete reports whether the diff deletes the file
func (f FileDiff) IsDelete() bool { return f.NewPath == "" }

// Path returns the path the diff results in, or the deleted path
func (f FileDiff) Path() string {
	if f.NewPath != "" {
		return f.NewPath
	}
	return f.OldPath
}

// ParseHunks parses a single-file patch consisting only of hunks, which is
// how the hosting API exposes per-file changes.
func ParseHunks(text string) ([]*diff.Hunk, error) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	hunks, err := diff.ParseHunks([]byte(text))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse hunks")
	}
	if len(hunks) == 0 {
		return nil, errors.New("patch contains no hunks")
	}
	return hunks, nil
}

// ParseFiles parses a multi-file unified diff as produced by git diff or diff -u
func ParseFiles(data []byte) ([]FileDiff, error) {
	fds, err := diff.ParseMultiFileDiff(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse diff")
	}

	files := make([]FileDiff, 0, len(fds))
	for _, fd := range fds {
		f := FileDiff{
			OldPath: stripPrefix(fd.OrigName, "a/"),
			NewPath: stripPrefix(fd.NewName, "b/"),
			Hunks:   fd.Hunks,
		}
		if f.OldPath == "" && f.NewPath == "" {
			return nil, errors.New("diff entry names no file")
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil, errors.New("diff contains no files")
	}
	return files, nil
}

func stripPrefix(name, prefix string) string {
	name = strings.TrimSpace(name)
	if name == DevNull || name == "" {
		return ""
	}
	return strings.TrimPrefix(name, prefix)
}

// line is one line of file content; eol is false only for a final line
// without a trailing newline.
type line struct {
	text string
	eol  bool
}

func (l line) write(buf *bytes.Buffer) {
	buf.WriteString(l.text)
	if l.eol {
		buf.WriteByte('\n')
	}
}

func splitLines(content []byte) []line {
	if len(content) == 0 {
		return nil
	}
	parts := strings.SplitAfter(string(content), "\n")
	lines := make([]line, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "\n") {
			lines = append(lines, line{text: p[:len(p)-1], eol: true})
		} else {
			lines = append(lines, line{text: p})
		}
	}
	return lines
}

type op struct {
	kind byte // ' ', '-' or '+'
	line line
}

// parseBody turns a hunk body into operations. The body may or may not
// still contain "\ No newline at end of file" markers.
func parseBody(body []byte) []op {
	raw := string(body)
	trailingEOL := strings.HasSuffix(raw, "\n")
	raw = strings.TrimSuffix(raw, "\n")
	if raw == "" {
		return nil
	}

	rows := strings.Split(raw, "\n")
	ops := make([]op, 0, len(rows))
	for i, row := range rows {
		if strings.HasPrefix(row, `\`) {
			if n := len(ops); n > 0 {
				ops[n-1].line.eol = false
			}
			continue
		}

		o := op{kind: ' ', line: line{eol: true}}
		if row != "" {
			o.kind = row[0]
			o.line.text = row[1:]
		}
		if i == len(rows)-1 && !trailingEOL {
			o.line.eol = false
		}
		ops = append(ops, o)
	}
	return ops
}

// Apply applies hunks in order to content and returns the result
func Apply(content []byte, hunks []*diff.Hunk) ([]byte, error) {
	orig := splitLines(content)
	var out bytes.Buffer
	cursor := 0
	shift := 0

	for i, h := range hunks {
		ops := parseBody(h.Body)

		var old []string
		for _, o := range ops {
			switch o.kind {
			case ' ', '-':
				old = append(old, o.line.text)
			case '+':
			default:
				return nil, errors.Mark(errors.Newf("hunk %d: malformed line prefix %q", i+1, o.kind), ErrConflict)
			}
		}

		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			start = int(h.OrigStartLine)
		}
		if start < 0 {
			start = 0
		}

		at, ok := locate(orig, old, start+shift, cursor)
		if !ok {
			return nil, errors.Mark(
				errors.Newf("hunk %d (@@ -%d,%d +%d,%d @@) does not match", i+1, h.OrigStartLine, h.OrigLines, h.NewStartLine, h.NewLines),
				ErrConflict)
		}
		shift = at - start

		for _, l := range orig[cursor:at] {
			l.write(&out)
		}
		idx := at
		for _, o := range ops {
			switch o.kind {
			case ' ':
				orig[idx].write(&out)
				idx++
			case '-':
				idx++
			case '+':
				o.line.write(&out)
			}
		}
		cursor = idx
	}

	for _, l := range orig[cursor:] {
		l.write(&out)
	}
	return out.Bytes(), nil
}

// locate finds the index closest to want, not before min, at which old
// appears verbatim in orig.
func locate(orig []line, old []string, want, min int) (int, bool) {
	last := len(orig) - len(old)
	if last < min {
		return 0, false
	}
	if want < min {
		want = min
	}
	if want > last {
		want = last
	}

	for d := 0; want-d >= min || want+d <= last; d++ {
		if p := want - d; p >= min && p <= last && matchAt(orig, old, p) {
			return p, true
		}
		if p := want + d; d > 0 && p >= min && p <= last && matchAt(orig, old, p) {
			return p, true
		}
	}
	return 0, false
}

func matchAt(orig []line, old []string, at int) bool {
	for i, text := range old {
		if orig[at+i].text != text {
			return false
		}
	}
	return true
}
