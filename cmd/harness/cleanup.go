package main

import (
	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/knife-solo/harness/internal/cloud"
	"github.com/knife-solo/harness/internal/config"
	"github.com/knife-solo/harness/internal/readiness"
	"github.com/knife-solo/harness/internal/registry"
)

func newCleanupCommand(root *rootOpts) *cobra.Command {
	var skipDestroy bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Destroy (or just count) the running instances tagged with the owning user",
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

			session := registry.NewSession(client, readiness.New(client), cfg.KeyName, cfg.Owner)
			count, err := session.Cleanup(ctx, cfg.Owner, skipDestroy || cfg.SkipDestroy)
			if err != nil {
				return err
			}
			clog.FromContext(ctx).Info("cleanup finished", "instances", count, "skipped", skipDestroy || cfg.SkipDestroy)
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipDestroy, "skip-destroy", false, "report the count without destroying anything")
	return cmd
}
