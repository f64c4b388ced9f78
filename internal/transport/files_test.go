package transport

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreSaveAndOpen(t *testing.T) {
	fs, err := newFileStore(t.TempDir())
	require.NoError(t, err)

	content := bytes.Repeat([]byte("envmesh"), 1024)
	fileID, hash, size, err := fs.Save(bytes.NewReader(content))
	require.NoError(t, err)
	assert.NotEmpty(t, fileID)
	assert.Len(t, hash, 64)
	assert.Equal(t, int64(len(content)), size)

	f, err := fs.Open(fileID)
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFileStoreSaveHashMatchesHashFile(t *testing.T) {
	dir := t.TempDir()
	fs, err := newFileStore(dir)
	require.NoError(t, err)

	fileID, hash, _, err := fs.Save(bytes.NewReader([]byte("integrity check")))
	require.NoError(t, err)

	onDisk, err := HashFile(filepath.Join(dir, fileID))
	require.NoError(t, err)
	assert.Equal(t, hash, onDisk)
}

func TestFileStoreOpenRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	fs, err := newFileStore(dir)
	require.NoError(t, err)

	outside := filepath.Join(dir, "..", "secret")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	defer os.Remove(outside)

	for _, id := range []string{"", "../secret", "a/b", "./x"} {
		_, err := fs.Open(id)
		assert.Error(t, err, "id %q must not resolve to a file", id)
	}
}
