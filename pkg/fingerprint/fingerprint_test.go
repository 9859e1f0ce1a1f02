package fingerprint

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "red", []byte("red contents"), 0644))
	require.NoError(t, afero.WriteFile(fs, "another-red", []byte("red contents"), 0644))
	require.NoError(t, afero.WriteFile(fs, "blue", []byte("blue contents"), 0644))

	redHash, err := HashFile(fs, "red")
	assert.NoError(t, err)

	anotherRedHash, err := HashFile(fs, "another-red")
	assert.NoError(t, err)

	blueHash, err := HashFile(fs, "blue")
	assert.NoError(t, err)

	assert.Equal(t, redHash, anotherRedHash)
	assert.NotEqual(t, redHash, blueHash)

	_, err = HashFile(fs, "does-not-exist")
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/session/a.txt", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/session/b/c.txt", []byte("y"), 0644))
	require.NoError(t, fs.MkdirAll("/session/empty-dir", 0755))

	snapshot, err := Snapshot(fs, "/session")
	assert.NoError(t, err)
	assert.Len(t, snapshot, 2)

	a, ok := snapshot["a.txt"]
	require.True(t, ok)
	assert.Equal(t, "a.txt", a.Path)
	assert.Equal(t, int64(1), a.SizeBytes)
	assert.NotEmpty(t, a.ContentHash)

	c, ok := snapshot["b/c.txt"]
	require.True(t, ok)
	assert.Equal(t, "b/c.txt", c.Path)
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}

func TestSnapshotKeysMatchPaths(t *testing.T) {
	fs := afero.NewMemMapFs()
	files := []string{"/session/one", "/session/nested/two", "/session/nested/deeper/three"}
	for _, f := range files {
		require.NoError(t, afero.WriteFile(fs, f, []byte(f), 0644))
	}

	snapshot, err := Snapshot(fs, "/session")
	assert.NoError(t, err)
	for key, fp := range snapshot {
		assert.Equal(t, key, fp.Path)
	}
}

func TestSnapshotMissingRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Snapshot(fs, "/does-not-exist")
	assert.Error(t, err)
}

func TestSnapshotModTime(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/session/file", []byte("contents"), 0644))

	modTime := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, fs.Chtimes("/session/file", modTime, modTime))

	snapshot, err := Snapshot(fs, "/session")
	assert.NoError(t, err)
	assert.Equal(t, modTime.UnixMilli(), snapshot["file"].ModifiedAtMs)
}
