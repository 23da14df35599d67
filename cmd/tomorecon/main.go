package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tomorecon/pkg/config"
)

const defaultConfigFile = "tomorecon.yaml"

type rootOptions struct {
	configFile string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "tomorecon",
		Short:         "Parallel-beam tomography reconstruction",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", defaultConfigFile, "Configuration file")
	flags.BoolVarP(&opts.debug, "debug", "D", false, "Enable debug logging")

	cmd.AddCommand(
		newReconstructCommand(opts),
		newFindCenterCommand(opts),
		newSimulateCommand(opts),
		newConfigCommand(opts),
	)
	return cmd
}

// loadConfig reads the configuration file, applies the flags the user set
// explicitly and validates the result.
func loadConfig(opts *rootOptions, flags *pflag.FlagSet, overrides map[string]func(*config.Config)) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configFile)
	if err != nil {
		return nil, err
	}
	flags.Visit(func(f *pflag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply(cfg)
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	cmd.SetOut(os.Stdout)
	if err := cmd.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("tomorecon failed")
		stop()
		os.Exit(1)
	}
}
