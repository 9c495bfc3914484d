package pathsafe

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelativeParts(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{name: "simple", raw: "docs/readme.txt", want: []string{"docs", "readme.txt"}},
		{name: "backslashes", raw: "docs\\sub\\file", want: []string{"docs", "sub", "file"}},
		{name: "drops dot and empty", raw: "./docs//./file", want: []string{"docs", "file"}},
		{name: "empty", raw: "", want: nil},
		{name: "traversal", raw: "../etc/passwd", wantErr: true},
		{name: "embedded traversal", raw: "docs/../../etc", wantErr: true},
		{name: "windows traversal", raw: "docs\\..\\..\\etc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RelativeParts(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrTraversal)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	root := t.TempDir()

	t.Run("empty path resolves to root", func(t *testing.T) {
		got, err := Resolve(root, "")
		require.NoError(t, err)
		assert.Equal(t, root, got)
	})

	t.Run("whitespace resolves to root", func(t *testing.T) {
		got, err := Resolve(root, "   ")
		require.NoError(t, err)
		assert.Equal(t, root, got)
	})

	t.Run("relative path joins under root", func(t *testing.T) {
		got, err := Resolve(root, "docs/readme.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "docs", "readme.txt"), got)
	})

	t.Run("traversal rejected", func(t *testing.T) {
		_, err := Resolve(root, "../outside")
		require.ErrorIs(t, err, ErrTraversal)
	})

	t.Run("absolute path inside root accepted", func(t *testing.T) {
		inside := filepath.Join(root, "sub")
		got, err := Resolve(root, inside)
		require.NoError(t, err)
		assert.Equal(t, inside, got)
	})

	t.Run("absolute path outside root rejected", func(t *testing.T) {
		_, err := Resolve(root, "/etc/passwd")
		require.ErrorIs(t, err, ErrOutsideRoot)
	})

	t.Run("absolute sibling with root prefix rejected", func(t *testing.T) {
		_, err := Resolve(root, root+"-sibling")
		require.ErrorIs(t, err, ErrOutsideRoot)
	})
}

func TestToClientPath(t *testing.T) {
	root := t.TempDir()

	assert.Equal(t, "", ToClientPath(root, root))
	assert.Equal(t, "docs/readme.txt", ToClientPath(filepath.Join(root, "docs", "readme.txt"), root))
}
