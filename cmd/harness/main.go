// harness provisions ephemeral EC2 instances and runs the provisioning
// tool's integration scenarios against them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/knife-solo/harness/internal/config"
	"github.com/knife-solo/harness/internal/log"
)

type rootOpts struct {
	configPath string
	region     string
	verbose    bool
}

func main() {
	opts := &rootOpts{}

	root := &cobra.Command{
		Use:           "harness",
		Short:         "Integration-test harness for the provisioning CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "path to the YAML credentials file")
	root.PersistentFlags().StringVar(&opts.region, "region", "", "AWS region (defaults to us-east-1)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging and -VV on provisioning calls")

	root.AddCommand(newRunCommand(opts))
	root.AddCommand(newCleanupCommand(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// load reads the credentials file and installs the logger, returning the
// per-run context and config.
func (o *rootOpts) load(ctx context.Context) (context.Context, *config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return ctx, nil, err
	}
	if o.verbose {
		cfg.Verbose = true
	}
	return log.Setup(ctx, cfg.Verbose), cfg, nil
}
