package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"econlab/internal/api"
	"econlab/internal/auction"
	"econlab/internal/lifecycle"
	"econlab/internal/mechanism"
	"econlab/internal/pairgame"
	"econlab/internal/store"
)

func main() {
	port := flag.String("port", "8090", "server port")
	dbPath := flag.String("db", "econlab.db", "SQLite database path")
	corsOrigins := flag.String("cors", "", "comma-separated allowed CORS origins (empty = allow all for dev)")
	graceSec := flag.Int("grace", 10, "seconds between a round ending and the next auto-starting")
	flag.Parse()

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	hub := api.NewHub()

	registry := mechanism.NewRegistry()
	registry.Register(auction.NewDoubleAuction(st, hub))
	registry.Register(auction.NewPriceFloor(st, hub))
	registry.Register(auction.NewPriceCeiling(st, hub))
	registry.Register(auction.NewBuyerTax(st, hub))
	registry.Register(auction.NewSellerSubsidy(st, hub))
	registry.Register(pairgame.NewUltimatum(st, hub))
	registry.Register(pairgame.NewTrust(st, hub))
	registry.Register(pairgame.NewPrincipalAgent(st, hub))

	orch := lifecycle.New(st, registry, hub, time.Duration(*graceSec)*time.Second)

	server := api.NewServer(st, registry, orch, hub)
	if *corsOrigins != "" {
		origins := strings.Split(*corsOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		server.SetCORSOrigins(origins)
		log.Printf("CORS restricted to: %v", origins)
	}

	addr := ":" + *port
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("Starting econlab server on http://localhost%s", addr)
		log.Printf("Registered games: %v", registry.Types())
		log.Printf("Database: %s", *dbPath)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop timers first so no round ends mid-shutdown.
	orch.Stop()
	server.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if err := st.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
	log.Println("Server shutdown complete")
}
