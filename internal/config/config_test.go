package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knife-solo/harness/internal/config"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aws.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const validYAML = `aws:
  access_key: AKIAEXAMPLE
  secret: sekrit
  key_name: knife-solo
`

func TestLoad(t *testing.T) {
	t.Setenv("USER", "alice")
	t.Setenv("VERBOSE", "")
	t.Setenv("SKIP_DESTROY", "")

	cfg, err := config.Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "AKIAEXAMPLE", cfg.AccessKey)
	assert.Equal(t, "sekrit", cfg.SecretKey)
	assert.Equal(t, "knife-solo", cfg.KeyName)
	assert.Equal(t, "alice", cfg.Owner)
	assert.False(t, cfg.Verbose)
	assert.False(t, cfg.SkipDestroy)
}

func TestLoadEnvironmentSwitches(t *testing.T) {
	t.Setenv("USER", "alice")
	t.Setenv("VERBOSE", "1")
	t.Setenv("SKIP_DESTROY", "yes")

	cfg, err := config.Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.True(t, cfg.Verbose)
	assert.True(t, cfg.SkipDestroy)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.ErrorIs(t, err, config.ErrConfigRead)
}

func TestLoadMissingKeys(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no access key", "aws:\n  secret: s\n  key_name: k\n"},
		{"no secret", "aws:\n  access_key: a\n  key_name: k\n"},
		{"no key name", "aws:\n  access_key: a\n  secret: s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.yaml))
			require.ErrorIs(t, err, config.ErrMissingKey)
		})
	}
}

func TestLoadMalformed(t *testing.T) {
	_, err := config.Load(writeConfig(t, "aws: [not, a, map"))
	require.ErrorIs(t, err, config.ErrConfigRead)
}
