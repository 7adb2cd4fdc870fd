// Package api exposes the panel core over HTTP using gin.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/panelyard/internal/aggregate"
	"github.com/zulandar/panelyard/internal/incentive"
	"github.com/zulandar/panelyard/internal/insights"
	"github.com/zulandar/panelyard/internal/session"
	"github.com/zulandar/panelyard/internal/store"
)

// Deps are the components the handlers call.
type Deps struct {
	Store      *store.Store
	Sessions   *session.Manager
	Ledger     *incentive.Ledger
	Aggregator *aggregate.Aggregator
	Insights   *insights.Service
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Deps  Deps
	Port  int
	Debug bool // enables gin debug mode and access logging
	Out   io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps, debug bool) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}
	registerRoutes(router, &handlers{deps: deps})
	return router
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	d := opts.Deps
	if d.Store == nil || d.Sessions == nil || d.Ledger == nil || d.Aggregator == nil || d.Insights == nil {
		return fmt.Errorf("api: store, sessions, ledger, aggregator and insights are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8000
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts.Deps, opts.Debug),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
