package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/ticketline/internal/config"
)

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK: %d tenant(s)\n", len(cfg.Tenants))
			for _, t := range cfg.Tenants {
				fmt.Fprintf(out, "  %s: guild %s, category %s, %d staff role(s), auth %s\n",
					t.Name, t.Discord.GuildID, t.Tickets.CategoryID,
					len(t.Tickets.StaffRoleIDs), t.Discord.AuthMode)
			}
			fmt.Fprintf(out, "Archive: %s (%s)\n", cfg.Archive.Driver, cfg.Archive.DSN)
			if cfg.Dashboard.Enabled {
				fmt.Fprintf(out, "Dashboard: enabled on port %d\n", cfg.Dashboard.Port)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "ticketline.yaml", "path to Ticketline config file")
	return cmd
}
