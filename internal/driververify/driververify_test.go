package driververify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBinary(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o755))
	return path
}

func TestVerifyAcceptsMatchingDigest(t *testing.T) {
	dir := t.TempDir()
	binPath := writeBinary(t, dir, "mail-sender", []byte("#!/bin/sh\necho ok\n"))
	digest, err := hashFile(binPath)
	require.NoError(t, err)

	r := Open(filepath.Join(dir, ".trust-registry.json"), nil)
	require.NoError(t, r.Register("mail-sender", digest, "https://example.com/mail-sender"))

	assert.NoError(t, r.Verify("mail-sender", binPath))
}

func TestVerifyRejectsUnregisteredDriver(t *testing.T) {
	dir := t.TempDir()
	binPath := writeBinary(t, dir, "mail-sender", []byte("x"))
	r := Open(filepath.Join(dir, ".trust-registry.json"), nil)

	assert.Error(t, r.Verify("mail-sender", binPath))
}

func TestVerifyRejectsTamperedBinary(t *testing.T) {
	dir := t.TempDir()
	binPath := writeBinary(t, dir, "mail-sender", []byte("original content"))
	digest, err := hashFile(binPath)
	require.NoError(t, err)

	r := Open(filepath.Join(dir, ".trust-registry.json"), nil)
	require.NoError(t, r.Register("mail-sender", digest, "https://example.com/mail-sender"))

	// Single-byte change to the binary after registration.
	require.NoError(t, os.WriteFile(binPath, []byte("Original content"), 0o755))
	assert.Error(t, r.Verify("mail-sender", binPath))
}

func TestVerifyReReadsRegistryEveryCall(t *testing.T) {
	dir := t.TempDir()
	binPath := writeBinary(t, dir, "mail-sender", []byte("x"))
	digest, err := hashFile(binPath)
	require.NoError(t, err)

	r := Open(filepath.Join(dir, ".trust-registry.json"), nil)
	assert.Error(t, r.Verify("mail-sender", binPath))

	require.NoError(t, r.Register("mail-sender", digest, "https://example.com/mail-sender"))
	assert.NoError(t, r.Verify("mail-sender", binPath))
}
