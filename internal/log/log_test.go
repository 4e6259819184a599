package log_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/chainguard-dev/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knife-solo/harness/internal/log"
)

func TestForClassTeesToFile(t *testing.T) {
	logDir := t.TempDir()
	ctx := log.Setup(t.Context(), false)

	ctx, closeLog, err := log.ForClass(ctx, logDir, "EmptyCook::M1Small")
	require.NoError(t, err)

	clog.FromContext(ctx).Info("hello from the harness", "id", "i-123")
	closeLog()

	data, err := os.ReadFile(filepath.Join(logDir, "emptycook-m1small.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the harness")
	assert.Contains(t, string(data), "i-123")
}

func TestForClassCloseFailureWarnsParent(t *testing.T) {
	var parentOut bytes.Buffer
	handler := slog.NewTextHandler(&parentOut, nil)
	ctx := clog.WithLogger(t.Context(), clog.New(handler))

	_, closeLog, err := log.ForClass(ctx, t.TempDir(), "EmptyCook")
	require.NoError(t, err)

	// The second close fails; the warning must still land on the parent
	// handler, not the torn-down file branch.
	closeLog()
	closeLog()

	assert.Contains(t, parentOut.String(), "failed to close class log file")
}
