package main

import (
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/knife-solo/harness/internal/cloud"
	"github.com/knife-solo/harness/internal/config"
	"github.com/knife-solo/harness/internal/readiness"
	"github.com/knife-solo/harness/internal/registry"
	"github.com/knife-solo/harness/internal/sshkey"
	"github.com/knife-solo/harness/internal/suite"
)

func newRunCommand(root *rootOpts) *cobra.Command {
	var (
		image       string
		flavor      string
		workers     int
		skipDestroy bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scenario suite against tagged instances, creating them as needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := root.load(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Owner == "" {
				return config.ErrMissingOwner
			}

			client, err := cloud.New(ctx, cfg, root.region)
			if err != nil {
				return err
			}
			keyFile, err := sshkey.Ensure(ctx, client, sshkey.DefaultSupportDir, cfg.KeyName)
			if err != nil {
				return err
			}

			session := registry.NewSession(client, readiness.New(client), cfg.KeyName, cfg.Owner)
			runner := &suite.Runner{
				Session: session,
				Image:   image,
				Flavor:  flavor,
				User:    cfg.Owner,
				KeyFile: keyFile,
				Workers: workers,
				Verbose: cfg.Verbose,
			}

			runErr := runner.Run(ctx, suite.DefaultCases())

			skip := skipDestroy || cfg.SkipDestroy
			count, cleanupErr := session.Cleanup(ctx, cfg.Owner, skip)
			if cleanupErr == nil && !skip {
				clog.FromContext(ctx).Info("destroyed instances", "count", count)
			}
			if err := errors.Join(runErr, cleanupErr); err != nil {
				return fmt.Errorf("run failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "AMI to launch instances from")
	cmd.Flags().StringVar(&flavor, "flavor", "m1.small", "instance type")
	cmd.Flags().IntVar(&workers, "workers", suite.DefaultWorkers, "parallel case limit")
	cmd.Flags().BoolVar(&skipDestroy, "skip-destroy", false, "leave instances running at the end (also $SKIP_DESTROY)")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}
