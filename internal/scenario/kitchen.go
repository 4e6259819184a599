// Package scenario holds the reusable test scenarios and the kitchen
// working-directory lifecycle test cases compose them from. Scenarios are
// plain values invoked from a test body; nothing here is inherited.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/chainguard-dev/clog"

	"github.com/knife-solo/harness/internal/cloud"
	"github.com/knife-solo/harness/internal/registry"
	"github.com/knife-solo/harness/internal/subcommand"
)

// Kitchen is a per-test-class working directory scaffolded by the
// provisioning tool. Commands for the class run from inside it; Teardown
// removes it.
type Kitchen struct {
	Dir string
}

// SetupKitchen scaffolds the working directory named after the test
// identity (reusing it if a previous run left one behind) and points the
// executor's working directory at it.
func SetupKitchen(ctx context.Context, e *subcommand.Executor, identity string) (*Kitchen, error) {
	log := clog.FromContext(ctx)

	if info, err := os.Stat(identity); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("kitchen path %q exists but is not a directory", identity)
		}
		log.Debug("reusing existing kitchen", "dir", identity)
	} else if os.IsNotExist(err) {
		if err := e.Scaffold(ctx, identity); err != nil {
			return nil, fmt.Errorf("scaffolding kitchen %q: %w", identity, err)
		}
	} else {
		return nil, fmt.Errorf("checking kitchen directory: %w", err)
	}

	e.WorkDir = identity
	return &Kitchen{Dir: identity}, nil
}

// Teardown recursively removes the kitchen directory.
func (k *Kitchen) Teardown() error {
	if err := os.RemoveAll(k.Dir); err != nil {
		return fmt.Errorf("removing kitchen %q: %w", k.Dir, err)
	}
	return nil
}

// EnsurePrepared runs the one-time 'prepare' subcommand on the instance
// unless its prepared tag is already set, then sets the tag. Reused
// instances from earlier runs skip the work entirely.
func EnsurePrepared(ctx context.Context, sess *registry.Session, e *subcommand.Executor, inst *cloud.Instance, keyFile string) error {
	prepared, err := sess.IsPrepared(ctx, inst)
	if err != nil {
		return err
	}
	if prepared {
		clog.FromContext(ctx).Info("instance already prepared, skipping", "id", inst.ID)
		return nil
	}
	if err := e.Provision(ctx, "prepare", inst, keyFile); err != nil {
		return err
	}
	return sess.MarkPrepared(ctx, inst)
}

// ErrAssertion marks a scenario-level assertion failure, as opposed to an
// infrastructure error.
var ErrAssertion = errors.New("scenario assertion failed")
