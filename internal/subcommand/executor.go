// Package subcommand shells out to the external provisioning binary and
// its helpers, capturing combined output in a per-test-class log file.
// Success is solely "the process exited 0"; nothing parses the output.
package subcommand

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	"github.com/kballard/go-shellquote"

	"github.com/knife-solo/harness/internal/cloud"
)

const (
	// DefaultBinary is the provisioning CLI. Subcommands such as 'prepare'
	// and 'cook' are passed through verbatim.
	DefaultBinary = "knife"

	// DefaultInstaller is the dependency installer, invoked with no
	// arguments from the kitchen directory.
	DefaultInstaller = "bundle"

	// DefaultLogDir collects the per-test-class log files.
	DefaultLogDir = "log"
)

var ErrSubcommandFailed = errors.New("subcommand exited non-zero")

// Executor invokes provisioning subcommands for one test class. All
// process output, combined, lands in log/<class>.log.
type Executor struct {
	Binary    string
	Installer string

	// User is the SSH login on the target instance.
	User string

	// WorkDir is the kitchen directory commands run from. Empty means the
	// process working directory.
	WorkDir string

	// Verbose appends -VV to provisioning invocations.
	Verbose bool

	LogDir string
	class  string
}

// New returns an Executor for a test class with the defaults filled in.
func New(class, user string) *Executor {
	return &Executor{
		Binary:    DefaultBinary,
		Installer: DefaultInstaller,
		User:      user,
		LogDir:    DefaultLogDir,
		class:     class,
	}
}

// Provision runs '<binary> <name> -i <keyFile> <user>@<host>' against the
// instance, plus -VV when verbose. A non-zero exit is returned as
// ErrSubcommandFailed with the exit code attached.
func (e *Executor) Provision(ctx context.Context, name string, inst *cloud.Instance, keyFile string) error {
	args := []string{name, "-i", keyFile, fmt.Sprintf("%s@%s", e.User, inst.PublicIP)}
	if e.Verbose {
		args = append(args, "-VV")
	}
	return e.run(ctx, e.Binary, args...)
}

// Scaffold initializes a kitchen directory via the scaffolding
// subcommand.
func (e *Executor) Scaffold(ctx context.Context, dir string) error {
	return e.run(ctx, e.Binary, "kitchen", dir)
}

// InstallDependencies runs the dependency installer, with no arguments,
// in the kitchen directory.
func (e *Executor) InstallDependencies(ctx context.Context) error {
	return e.run(ctx, e.Installer)
}

func (e *Executor) run(ctx context.Context, binary string, args ...string) error {
	log := clog.FromContext(ctx)

	logFile, err := e.openLog()
	if err != nil {
		return err
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = e.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	rendered := shellquote.Join(append([]string{binary}, args...)...)
	log.Info("running subcommand", "cmd", rendered, "log", logFile.Name())
	fmt.Fprintf(logFile, "+ %s\n", rendered)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s (exit %d)", ErrSubcommandFailed, rendered, exitErr.ExitCode())
		}
		return fmt.Errorf("running %s: %w", rendered, err)
	}
	return nil
}

// openLog opens the class log file for appending, creating the log
// directory on first use.
func (e *Executor) openLog() (*os.File, error) {
	if err := os.MkdirAll(e.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	path := filepath.Join(e.LogDir, slug.Make(e.class)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
