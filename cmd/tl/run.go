package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/ticketline/internal/archive"
	"github.com/zulandar/ticketline/internal/config"
	"github.com/zulandar/ticketline/internal/dashboard"
	"github.com/zulandar/ticketline/internal/gateway"
	"github.com/zulandar/ticketline/internal/tenant"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Ticketline relay",
		Long:  "Connects every configured tenant's gateway session and relays ticket activity until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "ticketline.yaml", "path to Ticketline config file")
	return cmd
}

func runRelay(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := archive.Open(cfg.Archive)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tenants []*tenant.Tenant
	for _, tc := range cfg.Tenants {
		store := archive.NewStore(db, tc.Name)
		tn, err := tenant.New(tenant.Opts{
			Config:  tc,
			Archive: store,
			Digest:  store,
			History: store,
		})
		if err != nil {
			return err
		}
		if err := tn.Start(ctx); err != nil {
			return err
		}
		tenants = append(tenants, tn)
		log.Printf("tl: tenant %s started", tc.Name)
	}

	if cfg.Dashboard.Enabled {
		views := make([]dashboard.TenantView, len(tenants))
		for i, tn := range tenants {
			views[i] = tn
		}
		go func() {
			if err := dashboard.Start(ctx, dashboard.StartOpts{Tenants: views, Port: cfg.Dashboard.Port}); err != nil {
				log.Printf("tl: dashboard: %v", err)
			}
		}()
		log.Printf("tl: dashboard listening on :%d", cfg.Dashboard.Port)
	}

	<-ctx.Done()
	log.Printf("tl: shutting down")

	var failed bool
	for _, tn := range tenants {
		if err := tn.Stop(); err != nil {
			log.Printf("tl: stop %s: %v", tn.Name(), err)
			failed = true
		}
		if err := tn.RunErr(); err != nil && errors.Is(err, gateway.ErrAuthenticationFailed) {
			log.Printf("tl: tenant %s needs new credentials", tn.Name())
		}
	}
	if failed {
		return fmt.Errorf("shutdown finished with errors")
	}
	return nil
}
