package creds

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise the file fallback directly rather than through
// Store's keyring-probing Put/Get, since CI and sandboxed test runners
// have no OS keyring daemon available.

func TestFilePutGetRoundTrip(t *testing.T) {
	s := New(t.TempDir(), nil)
	k := Key{Service: "mail-sender", User: "bot@example.com"}

	require.NoError(t, s.filePut(k, "s3cr3t-value"))
	got, err := s.fileGet(k)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-value", got)
}

func TestFileGetMissingReturnsNotFound(t *testing.T) {
	s := New(t.TempDir(), nil)
	_, err := s.fileGet(Key{Service: "x", User: "y"})
	assert.Error(t, err)
}

func TestFileDeleteRemovesEntry(t *testing.T) {
	s := New(t.TempDir(), nil)
	k := Key{Service: "mail-sender", User: "bot@example.com"}
	require.NoError(t, s.filePut(k, "value"))
	require.NoError(t, s.fileDelete(k))

	_, err := s.fileGet(k)
	assert.Error(t, err)
}

func TestListReturnsSortedKeys(t *testing.T) {
	s := New(t.TempDir(), nil)
	require.NoError(t, s.filePut(Key{Service: "b-service", User: "u"}, "v"))
	require.NoError(t, s.filePut(Key{Service: "a-service", User: "u"}, "v"))

	keys, err := s.List()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "a-service", keys[0].Service)
	assert.Equal(t, "b-service", keys[1].Service)
}

func TestKeyFileHasRestrictivePermissions(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	require.NoError(t, s.filePut(Key{Service: "x", User: "y"}, "v"))

	info, err := os.Stat(s.keyFilePath())
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), uint32(info.Mode().Perm()))
}
