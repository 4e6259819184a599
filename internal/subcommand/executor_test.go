package subcommand_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knife-solo/harness/internal/cloud"
	"github.com/knife-solo/harness/internal/subcommand"
)

// stub writes a shell script that records its arguments to argsFile,
// echoes a marker line and exits with the given code.
func stub(t *testing.T, argsFile string, exitCode int) string {
	t.Helper()
	script := fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$@\" > %q\necho stub-output\nexit %d\n", argsFile, exitCode)
	path := filepath.Join(t.TempDir(), "stub")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newExecutor(t *testing.T, binary string) *subcommand.Executor {
	t.Helper()
	e := subcommand.New("Apache2::Test", "alice")
	e.Binary = binary
	e.Installer = binary
	e.LogDir = t.TempDir()
	return e
}

func TestProvisionArgumentShape(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	e := newExecutor(t, stub(t, argsFile, 0))
	inst := &cloud.Instance{ID: "i-1", PublicIP: "10.0.0.5"}

	require.NoError(t, e.Provision(t.Context(), "cook", inst, "support/knife-solo.pem"))

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"cook", "-i", "support/knife-solo.pem", "alice@10.0.0.5"},
		strings.Fields(string(args)))
}

func TestProvisionVerboseFlag(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	e := newExecutor(t, stub(t, argsFile, 0))
	e.Verbose = true
	inst := &cloud.Instance{ID: "i-1", PublicIP: "10.0.0.5"}

	require.NoError(t, e.Provision(t.Context(), "prepare", inst, "key.pem"))

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"prepare", "-i", "key.pem", "alice@10.0.0.5", "-VV"},
		strings.Fields(string(args)))
}

func TestScaffoldArgumentShape(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	e := newExecutor(t, stub(t, argsFile, 0))

	require.NoError(t, e.Scaffold(t.Context(), "knife_solo-m1.small"))

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"kitchen", "knife_solo-m1.small"}, strings.Fields(string(args)))
}

func TestInstallDependenciesNoArguments(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	e := newExecutor(t, stub(t, argsFile, 0))

	require.NoError(t, e.InstallDependencies(t.Context()))

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Empty(t, strings.Fields(string(args)))
}

func TestNonZeroExitFailsAndLogs(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	e := newExecutor(t, stub(t, argsFile, 1))
	inst := &cloud.Instance{ID: "i-1", PublicIP: "10.0.0.5"}

	err := e.Provision(t.Context(), "cook", inst, "key.pem")
	require.ErrorIs(t, err, subcommand.ErrSubcommandFailed)
	assert.Contains(t, err.Error(), "exit 1")

	// Combined output landed in the per-class log file.
	logData, readErr := os.ReadFile(filepath.Join(e.LogDir, "apache2-test.log"))
	require.NoError(t, readErr)
	assert.Contains(t, string(logData), "stub-output")
	assert.Contains(t, string(logData), "+ ")
}

func TestOutputAppendsAcrossInvocations(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	e := newExecutor(t, stub(t, argsFile, 0))

	require.NoError(t, e.InstallDependencies(t.Context()))
	require.NoError(t, e.InstallDependencies(t.Context()))

	logData, err := os.ReadFile(filepath.Join(e.LogDir, "apache2-test.log"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(logData), "stub-output"))
}
