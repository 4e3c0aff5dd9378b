// Command installcore runs the installation verification service and its
// offline tooling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"installcore/internal/config"
	"installcore/internal/logging"
)

const serviceName = "installcore"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

// NewRootCommand assembles the CLI.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "installcore verifies IoT device installations.",
		Long: `installcore verifies IoT device installations.

The serve command runs the HTTP API together with the background workers:
the view composer, the telemetry checker, the change-stream relay, the
membership reconciler and the bulk-match export worker.

The match command resolves a spreadsheet of device identifiers offline.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML configuration file")

	cmd.AddCommand(newServeCommand(opts), newMatchCommand(opts))
	return cmd
}

func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
