package sshkey_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/knife-solo/harness/internal/cloud"
	"github.com/knife-solo/harness/internal/cloud/cloudtest"
	"github.com/knife-solo/harness/internal/sshkey"
)

func TestEnsureCreatesAndImports(t *testing.T) {
	fake := cloudtest.New()
	client := cloud.NewFromAPI(fake)
	supportDir := filepath.Join(t.TempDir(), "support")

	path, err := sshkey.Ensure(t.Context(), client, supportDir, "knife-solo")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(supportDir, "knife-solo.pem"), path)
	assert.Equal(t, 1, fake.CountOps("ImportKeyPair"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// The file is a parseable OpenSSH private key.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = ssh.ParsePrivateKey(data)
	require.NoError(t, err)
}

func TestEnsureReusesExistingKey(t *testing.T) {
	fake := cloudtest.New()
	client := cloud.NewFromAPI(fake)
	supportDir := filepath.Join(t.TempDir(), "support")

	first, err := sshkey.Ensure(t.Context(), client, supportDir, "knife-solo")
	require.NoError(t, err)
	firstData, err := os.ReadFile(first)
	require.NoError(t, err)

	second, err := sshkey.Ensure(t.Context(), client, supportDir, "knife-solo")
	require.NoError(t, err)
	secondData, err := os.ReadFile(second)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstData, secondData)
	// No second import happened.
	assert.Equal(t, 1, fake.CountOps("ImportKeyPair"))
}

func TestEnsureDuplicateKeyPair(t *testing.T) {
	fake := cloudtest.New()
	client := cloud.NewFromAPI(fake)

	// The provider already has a pair under this name but no local file
	// exists, so the annotated duplicate error must surface.
	require.NoError(t, client.ImportKeyPair(t.Context(), "knife-solo", []byte("ssh-ed25519 AAAA")))

	_, err := sshkey.Ensure(t.Context(), client, filepath.Join(t.TempDir(), "support"), "knife-solo")
	require.ErrorIs(t, err, cloud.ErrKeyPairExists)
}
