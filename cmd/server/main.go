/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rebate engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store (applies schema via migrate())
  3. Create API handler with dependencies
  4. Configure HTTP router, including JWT auth middleware
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port        HTTP server port (default: 8080)
  -db          SQLite database path (default: rebate.db)
               Use ":memory:" for an in-memory database
  -jwt-secret  HMAC secret used to verify bearer tokens (required in
               production; a development default is used if unset so a
               fresh checkout can still run locally)
  -sweep-tenant  Tenant ID to run the background EMAC/stale-schedule
               sweep for (optional; sweep is off if unset, since most
               deployments are multi-tenant and a single global sweep
               target does not generalize)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - api/server.go: router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pharmaverif/rebate-engine/api"
	"github.com/pharmaverif/rebate-engine/rebate"
	"github.com/pharmaverif/rebate-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "rebate.db", "SQLite database path")
	jwtSecret := flag.String("jwt-secret", "dev-only-insecure-secret", "HMAC secret for bearer token verification")
	sweepTenant := flag.String("sweep-tenant", "", "tenant ID to run the background reconciliation sweep for")
	flag.Parse()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer store.Close()

	handler := api.NewHandler(store)
	router := api.NewRouter(handler, *jwtSecret)

	var sched *api.Scheduler
	if *sweepTenant != "" {
		sched = api.NewScheduler(store, handler.Reconciler, rebate.TenantID(*sweepTenant))
		sched.Start()
		defer sched.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("rebate engine listening on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api/v1", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("server stopped")
}
