// Package suite drives scenario cases against EC2 instances with a
// bounded worker pool. One case maps to one test class: its own kitchen,
// its own log file, and a reused-or-created instance.
package suite

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/knife-solo/harness/internal/cloud"
	"github.com/knife-solo/harness/internal/log"
	"github.com/knife-solo/harness/internal/registry"
	"github.com/knife-solo/harness/internal/scenario"
	"github.com/knife-solo/harness/internal/subcommand"
)

// DefaultWorkers is the parallel case limit.
const DefaultWorkers = 5

// Case is one runnable test class.
type Case struct {
	// Class names the case; it becomes part of the test identity, the
	// kitchen directory and the log file name.
	Class string

	// Run is the case body, invoked after the instance is ready, the
	// kitchen exists and one-time preparation has happened.
	Run func(ctx context.Context, h *Harness) error
}

// Harness is what a case body gets to work with.
type Harness struct {
	Session  *registry.Session
	Executor *subcommand.Executor
	Instance *cloud.Instance
	Kitchen  *scenario.Kitchen
	KeyFile  string
}

// Runner executes cases in parallel, at most Workers at a time.
type Runner struct {
	Session *registry.Session

	// Image and Flavor select what Get launches when no tagged instance
	// exists.
	Image  string
	Flavor string

	// User is the SSH login and owning-user tag value.
	User string

	// KeyFile is the PEM identity passed to every provisioning call.
	KeyFile string

	// Binary and Installer override the executor defaults, for setups
	// that wrap the provisioning tool (e.g. 'bundle exec knife').
	Binary    string
	Installer string

	Workers int
	Verbose bool
	LogDir  string
}

// Run executes all cases, waiting for every one to finish regardless of
// failures elsewhere, and returns the first error seen. Within a case,
// setup strictly precedes the body, which strictly precedes kitchen
// teardown.
func (r *Runner) Run(ctx context.Context, cases []Case) error {
	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, c := range cases {
		g.Go(func() error {
			if err := r.runCase(ctx, c); err != nil {
				return fmt.Errorf("case %s: %w", c.Class, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) runCase(ctx context.Context, c Case) error {
	ctx, closeLog, err := log.ForClass(ctx, r.logDir(), c.Class)
	if err != nil {
		return err
	}
	defer closeLog()
	clog.FromContext(ctx).Info("starting case", "class", c.Class)

	e := subcommand.New(c.Class, r.User)
	e.Verbose = r.Verbose
	e.LogDir = r.logDir()
	if r.Binary != "" {
		e.Binary = r.Binary
	}
	if r.Installer != "" {
		e.Installer = r.Installer
	}

	identity := registry.Identity(c.Class, r.Flavor)
	inst, err := r.Session.Get(ctx, identity, r.Image, r.Flavor)
	if err != nil {
		return err
	}

	kitchen, err := scenario.SetupKitchen(ctx, e, identity)
	if err != nil {
		return err
	}
	defer func() {
		if err := kitchen.Teardown(); err != nil {
			clog.FromContext(ctx).Warn("kitchen teardown failed", "error", err)
		}
	}()

	if err := scenario.EnsurePrepared(ctx, r.Session, e, inst, r.KeyFile); err != nil {
		return err
	}

	return c.Run(ctx, &Harness{
		Session:  r.Session,
		Executor: e,
		Instance: inst,
		Kitchen:  kitchen,
		KeyFile:  r.KeyFile,
	})
}

func (r *Runner) logDir() string {
	if r.LogDir == "" {
		return subcommand.DefaultLogDir
	}
	return r.LogDir
}
