package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tinytelemetry/dirigera-exporter/internal/mapping"
)

// newValidateCommand checks the configuration, the mapping table and the
// hub, then optionally the reverse proxy, without serving anything.
func newValidateCommand(v *viper.Viper, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [remote hostname token]",
		Short: "Check the configuration and that the hub accepts the token",
		Args:  cobra.RangeArgs(0, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			setPositional(v, args)
			cfg, err := loadConfig(v, *configPath)
			if err != nil {
				return err
			}
			configureLogging(cfg.Verbose)
			out := cmd.OutOrStdout()
			warnTokenExpiry(cfg.TokenExpiry, time.Now())

			table, err := mapping.Load(cfg.MappingFile)
			if err != nil {
				return fmt.Errorf("loading mapping table: %w", err)
			}
			fmt.Fprintf(out, "mapping:  %d rules, prefix %s\n", len(table.Rules()), table.Prefix())

			client, err := newHubClient(cfg)
			if err != nil {
				return err
			}
			if err := pingHub(client, cfg.RequestTimeout); err != nil {
				return err
			}
			fmt.Fprintf(out, "hub:      %s reachable, token accepted\n", cfg.Remote)

			if cfg.NoProxyCheck {
				fmt.Fprintln(out, "proxy:    check skipped")
				return nil
			}
			if err := checkProxy(cfg); err != nil {
				return err
			}
			fmt.Fprintf(out, "proxy:    %s forwards client headers\n", cfg.PublicURL)
			return nil
		},
	}
}
