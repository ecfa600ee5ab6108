package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "logos/a.png", strings.NewReader("png-bytes"), "image/png"))

	rc, err := store.Get(ctx, "logos/a.png")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "png-bytes", string(data))

	require.NoError(t, store.Delete(ctx, "logos/a.png"))
	_, err = store.Get(ctx, "logos/a.png")
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting twice is fine
	assert.NoError(t, store.Delete(ctx, "logos/a.png"))
}

func TestFileSystemStore_RejectsTraversal(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)

	err = store.Put(context.Background(), "../escape.txt", strings.NewReader("x"), "text/plain")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	store, err := New(context.Background(), Config{Type: "filesystem", FilesystemRoot: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileSystemStore{}, store)

	_, err = New(context.Background(), Config{Type: "ftp"})
	assert.Error(t, err)
}

func TestLogoKey(t *testing.T) {
	a := LogoKey("Company Logo.PNG")
	b := LogoKey("Company Logo.PNG")
	assert.True(t, strings.HasPrefix(a, "logos/"))
	assert.True(t, strings.HasSuffix(a, ".png"))
	assert.NotEqual(t, a, b)
}
