package suite_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knife-solo/harness/internal/cloud"
	"github.com/knife-solo/harness/internal/cloud/cloudtest"
	"github.com/knife-solo/harness/internal/readiness"
	"github.com/knife-solo/harness/internal/registry"
	"github.com/knife-solo/harness/internal/suite"
)

// stub is a scaffolding-capable shell script that exits 0.
func stub(t *testing.T) string {
	t.Helper()
	script := "#!/bin/sh\nif [ \"$1\" = kitchen ]; then mkdir -p \"$2\"; fi\nexit 0\n"
	path := filepath.Join(t.TempDir(), "stub")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newRunner(t *testing.T) (*suite.Runner, *cloudtest.FakeEC2) {
	t.Helper()
	fake := cloudtest.New()
	fake.AutoRunning = true
	fake.AutoIP = "127.0.0.1"
	client := cloud.NewFromAPI(fake)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	poller := readiness.New(client)
	poller.PollInterval = 10 * time.Millisecond
	poller.GracePeriod = time.Millisecond
	poller.Deadline = 5 * time.Second
	poller.Port = uint16(l.Addr().(*net.TCPAddr).Port)

	binary := stub(t)
	return &suite.Runner{
		Session:   registry.NewSession(client, poller, "knife-solo", "alice"),
		Image:     "ami-1234",
		Flavor:    "m1.small",
		User:      "alice",
		KeyFile:   "key.pem",
		Binary:    binary,
		Installer: binary,
		LogDir:    t.TempDir(),
	}, fake
}

func TestRunDrivesCases(t *testing.T) {
	t.Chdir(t.TempDir())
	runner, fake := newRunner(t)

	var ran atomic.Int32
	cases := []suite.Case{
		{Class: "First", Run: func(ctx context.Context, h *suite.Harness) error {
			require.NotNil(t, h.Instance)
			require.True(t, h.Instance.Running())
			require.DirExists(t, h.Kitchen.Dir)
			ran.Add(1)
			return nil
		}},
		{Class: "Second", Run: func(ctx context.Context, h *suite.Harness) error {
			ran.Add(1)
			return nil
		}},
	}
	require.NoError(t, runner.Run(t.Context(), cases))
	assert.Equal(t, int32(2), ran.Load())

	// One instance per distinct identity.
	assert.Equal(t, 2, fake.CountOps("RunInstances"))

	// Each class got its own log file.
	assert.FileExists(t, filepath.Join(runner.LogDir, "first.log"))
	assert.FileExists(t, filepath.Join(runner.LogDir, "second.log"))

	// Kitchens were torn down.
	assert.NoDirExists(t, registry.Identity("First", "m1.small"))
	assert.NoDirExists(t, registry.Identity("Second", "m1.small"))
}

func TestRunMarksInstancesPrepared(t *testing.T) {
	t.Chdir(t.TempDir())
	runner, fake := newRunner(t)

	var id string
	cases := []suite.Case{
		{Class: "Prep", Run: func(ctx context.Context, h *suite.Harness) error {
			id = h.Instance.ID
			return nil
		}},
	}
	require.NoError(t, runner.Run(t.Context(), cases))

	inst, ok := fake.Get(id)
	require.True(t, ok)
	assert.Equal(t, "true", inst.Tags[cloud.TagPrepared])
}

func TestRunContinuesPastFailures(t *testing.T) {
	t.Chdir(t.TempDir())
	runner, _ := newRunner(t)

	var ran atomic.Int32
	boom := fmt.Errorf("boom")
	cases := []suite.Case{
		{Class: "Failing", Run: func(ctx context.Context, h *suite.Harness) error {
			return boom
		}},
		{Class: "Passing", Run: func(ctx context.Context, h *suite.Harness) error {
			ran.Add(1)
			return nil
		}},
	}
	err := runner.Run(t.Context(), cases)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), ran.Load())
}

func TestRunWorkerLimit(t *testing.T) {
	t.Chdir(t.TempDir())
	runner, _ := newRunner(t)
	runner.Workers = 1

	var inFlight, peak atomic.Int32
	var cases []suite.Case
	for i := range 3 {
		cases = append(cases, suite.Case{
			Class: fmt.Sprintf("Case%d", i),
			Run: func(ctx context.Context, h *suite.Harness) error {
				n := inFlight.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			},
		})
	}
	require.NoError(t, runner.Run(t.Context(), cases))
	assert.Equal(t, int32(1), peak.Load())
}
