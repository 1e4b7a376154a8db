package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var configPath string

	root := &cobra.Command{
		Use:   "dirigera-exporter [remote hostname token]",
		Short: "Export IKEA Dirigera hub device state as Prometheus metrics",
		Long: `dirigera-exporter subscribes to the event stream of a Dirigera hub and
serves the current state of every device on <webpath>/metrics.

The hub address, public hostname and token may be given as positional
arguments, flags, DIRIGERA_* environment variables or a config file.`,
		Args:          cobra.RangeArgs(0, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setPositional(v, args)
			cfg, err := loadConfig(v, configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is $HOME/.config/dirigera-exporter/config.yml)")
	addConfigFlags(root.PersistentFlags())
	if err := v.BindPFlags(root.PersistentFlags()); err != nil {
		panic(err)
	}
	root.PersistentFlags().AddGoFlagSet(klogFlags())

	root.AddCommand(
		newValidateCommand(v, &configPath),
		newInspectCommand(v),
		newVersionCommand(),
	)
	return root
}

// setPositional maps the remote, hostname and token arguments onto their
// config keys.
func setPositional(v *viper.Viper, args []string) {
	keys := []string{"remote", "hostname", "token"}
	for i, arg := range args {
		v.Set(keys[i], arg)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dirigera-exporter - Dirigera to Prometheus bridge\n")
			fmt.Fprintf(out, "  Version:    %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", buildTime)
		},
	}
}
