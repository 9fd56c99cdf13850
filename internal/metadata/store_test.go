package metadata

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestPutGetDelete(t *testing.T) {
	s, _ := openTestStore(t)

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := Record{ContentType: "image/png", LastModified: "Wed, 21 Oct 2015 07:28:00 GMT"}
	require.NoError(t, s.Put("abc", rec))

	got, ok, err := s.Get("abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	require.NoError(t, s.Delete("abc"))
	_, ok, err = s.Get("abc")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, s.Delete("abc"))
}

func TestPutIfAbsentKeepsExisting(t *testing.T) {
	s, _ := openTestStore(t)

	wrote, err := s.PutIfAbsent("key", Record{ContentType: "image/jpeg"})
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = s.PutIfAbsent("key", Record{ContentType: "image/gif"})
	require.NoError(t, err)
	assert.False(t, wrote)

	got, _, err := s.Get("key")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", got.ContentType)
}

func TestCountAndReopen(t *testing.T) {
	s, path := openTestStore(t)
	require.NoError(t, s.Put("a", Record{ContentType: "image/png"}))
	require.NoError(t, s.Put("b", Record{ContentType: "image/png"}))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	n, err = reopened.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClosedStoreRejectsAccess(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Close())

	_, _, err := s.Get("a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Put("a", Record{}), ErrClosed)
	assert.NoError(t, s.Close())
}
