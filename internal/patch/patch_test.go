package patch

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name    string
		content string
		patch   string
		want    string
		wantErr bool
	}{
		{
			name:    "replace middle line",
			content: "one\ntwo\nthree\n",
			patch:   "@@ -1,3 +1,3 @@\n one\n-two\n+TWO\n three\n",
			want:    "one\nTWO\nthree\n",
		},
		{
			name:    "insert at beginning",
			content: "b\nc\n",
			patch:   "@@ -0,0 +1 @@\n+a\n",
			want:    "a\nb\nc\n",
		},
		{
			name:    "append after last line",
			content: "a\nb\n",
			patch:   "@@ -2,0 +3,1 @@\n+c\n",
			want:    "a\nb\nc\n",
		},
		{
			name:    "create from empty",
			content: "",
			patch:   "@@ -0,0 +1,2 @@\n+hello\n+world\n",
			want:    "hello\nworld\n",
		},
		{
			name:    "delete everything",
			content: "gone\n",
			patch:   "@@ -1 +0,0 @@\n-gone\n",
			want:    "",
		},
		{
			name:    "multiple hunks",
			content: "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n",
			patch:   "@@ -1,2 +1,2 @@\n-1\n+one\n 2\n@@ -9,2 +9,3 @@\n 9\n 10\n+11\n",
			want:    "one\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11\n",
		},
		{
			name:    "hunk found at offset",
			content: "x\ny\none\ntwo\nthree\n",
			patch:   "@@ -1,3 +1,3 @@\n one\n-two\n+TWO\n three\n",
			want:    "x\ny\none\nTWO\nthree\n",
		},
		{
			name:    "add missing trailing newline",
			content: "a\nb",
			patch:   "@@ -1,2 +1,2 @@\n a\n-b\n\\ No newline at end of file\n+b\n",
			want:    "a\nb\n",
		},
		{
			name:    "remove trailing newline",
			content: "a\nb\n",
			patch:   "@@ -1,2 +1,2 @@\n a\n-b\n+b\n\\ No newline at end of file",
			want:    "a\nb",
		},
		{
			name:    "context without trailing newline is preserved",
			content: "a\nb\nc",
			patch:   "@@ -1,3 +1,3 @@\n-a\n+A\n b\n c\n\\ No newline at end of file",
			want:    "A\nb\nc",
		},
		{
			name:    "context mismatch",
			content: "one\nzwei\nthree\n",
			patch:   "@@ -1,3 +1,3 @@\n one\n-two\n+TWO\n three\n",
			wantErr: true,
		},
		{
			name:    "removed line mismatch",
			content: "one\ntwo\n",
			patch:   "@@ -1,2 +1,1 @@\n one\n-deux\n",
			wantErr: true,
		},
		{
			name:    "hunks out of order",
			content: "a\nb\nc\nd\n",
			patch:   "@@ -4,1 +4,1 @@\n-d\n+D\n@@ -1,1 +1,1 @@\n-a\n+A\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hunks, err := ParseHunks(tt.patch)
			require.NoError(t, err)

			got, err := Apply([]byte(tt.content), hunks)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrConflict), "expected ErrConflict, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestApply_Idempotence(t *testing.T) {
	// Applying the same patch twice must not silently succeed.
	hunks, err := ParseHunks("@@ -1,2 +1,2 @@\n a\n-b\n+c\n")
	require.NoError(t, err)

	once, err := Apply([]byte("a\nb\n"), hunks)
	require.NoError(t, err)
	assert.Equal(t, "a\nc\n", string(once))

	_, err = Apply(once, hunks)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestParseHunks_Empty(t *testing.T) {
	_, err := ParseHunks("")
	assert.Error(t, err)
}

func TestParseFiles(t *testing.T) {
	data := `diff --git a/src/main.go b/src/main.go
index 83db48f..bf269f4 100644
--- a/src/main.go
+++ b/src/main.go
@@ -1,3 +1,3 @@
 package main
-var x = 1
+var x = 2
 func main() {}
diff --git a/new.txt b/new.txt
new file mode 100644
index 0000000..3b18e51
--- /dev/null
+++ b/new.txt
@@ -0,0 +1 @@
+hello
diff --git a/old.txt b/old.txt
deleted file mode 100644
index 3b18e51..0000000
--- a/old.txt
+++ /dev/null
@@ -1 +0,0 @@
-bye
`

	files, err := ParseFiles([]byte(data))
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, "src/main.go", files[0].OldPath)
	assert.Equal(t, "src/main.go", files[0].NewPath)
	assert.False(t, files[0].IsCreate())
	assert.False(t, files[0].IsDelete())

	assert.True(t, files[1].IsCreate())
	assert.Equal(t, "new.txt", files[1].Path())

	assert.True(t, files[2].IsDelete())
	assert.Equal(t, "old.txt", files[2].Path())

	got, err := Apply([]byte("package main\nvar x = 1\nfunc main() {}\n"), files[0].Hunks)
	require.NoError(t, err)
	assert.Equal(t, "package main\nvar x = 2\nfunc main() {}\n", string(got))

	created, err := Apply(nil, files[1].Hunks)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(created))

	deleted, err := Apply([]byte("bye\n"), files[2].Hunks)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestParseFiles_NoFiles(t *testing.T) {
	_, err := ParseFiles([]byte("just some text\n"))
	assert.Error(t, err)
}
