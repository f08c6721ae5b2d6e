// Package dashboard serves a read-only JSON API over the running
// tenants: open tickets, counters, and queue health.
package dashboard

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/ticketline/internal/tenant"
	"github.com/zulandar/ticketline/internal/ticket"
)

// TenantView is the slice of a tenant the dashboard reads.
type TenantView interface {
	Name() string
	Stats() tenant.Stats
	Tickets() []ticket.Record
	Ticket(channelID string) (ticket.Record, bool)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Tenants []TenantView
	Port    int
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if len(opts.Tenants) == 0 {
		return fmt.Errorf("dashboard: at least one tenant is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: NewRouter(opts.Tenants),
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the Gin router; split from Start for testing.
func NewRouter(tenants []TenantView) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	byName := make(map[string]TenantView, len(tenants))
	for _, t := range tenants {
		byName[t.Name()] = t
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "tenants": len(tenants)})
	})

	router.GET("/api/tenants", func(c *gin.Context) {
		out := make([]tenant.Stats, 0, len(tenants))
		for _, t := range tenants {
			out = append(out, t.Stats())
		}
		c.JSON(http.StatusOK, out)
	})

	router.GET("/api/tenants/:name/stats", withTenant(byName, func(c *gin.Context, t TenantView) {
		c.JSON(http.StatusOK, t.Stats())
	}))

	router.GET("/api/tenants/:name/tickets", withTenant(byName, func(c *gin.Context, t TenantView) {
		tickets := t.Tickets()
		if tickets == nil {
			tickets = []ticket.Record{}
		}
		c.JSON(http.StatusOK, tickets)
	}))

	router.GET("/api/tenants/:name/tickets/:channel", withTenant(byName, func(c *gin.Context, t TenantView) {
		rec, ok := t.Ticket(c.Param("channel"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no open ticket for channel"})
			return
		}
		c.JSON(http.StatusOK, rec)
	}))

	return router
}

// withTenant resolves the :name path parameter or 404s.
func withTenant(byName map[string]TenantView, h func(*gin.Context, TenantView)) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, ok := byName[c.Param("name")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
			return
		}
		h(c, t)
	}
}
