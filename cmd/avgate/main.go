package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jnd-labs/avgate/internal/config"
	"github.com/jnd-labs/avgate/internal/gateway"
	"github.com/jnd-labs/avgate/internal/logging"
	"github.com/jnd-labs/avgate/internal/replacement"
	"github.com/jnd-labs/avgate/internal/router"
	"github.com/jnd-labs/avgate/internal/scanner"
	"github.com/jnd-labs/avgate/internal/upstream"
)

const (
	shutdownTimeout = 30 * time.Second
	scannerTimeout  = 15 * time.Second
)

func main() {
	configPath := flag.String("config", "av_gate.ini", "path to av_gate.ini")
	flag.Parse()

	log.Println("Starting avgate...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetLevel(logging.ParseLevel(cfg.Policy.LogLevel))

	log.Printf("Configuration loaded: %d upstream profiles defined", len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		log.Printf("  - %s -> %s", p.Key, p.Konnektor)
	}

	sc, err := buildScanner(cfg.Policy)
	if err != nil {
		log.Fatalf("Failed to initialize scanner backend: %v", err)
	}
	log.Println("Scanner backend initialized")

	store, err := replacement.NewStore(cfg.Policy.ReplacementDir)
	if err != nil {
		log.Fatalf("Failed to load replacement store: %v", err)
	}
	log.Printf("Replacement store loaded: %s", cfg.Policy.ReplacementDir)

	rtr := router.New(cfg)
	requester := upstream.New()
	handler := gateway.New(cfg, rtr, requester, sc, store)

	server := &http.Server{
		Addr:         cfg.Policy.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Server listening on %s", cfg.Policy.ListenAddr)
		log.Println("Ready to proxy requests")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, gracefully shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Error during server shutdown: %v", err)
	}

	log.Println("Shutdown complete")
}

// buildScanner constructs the single active scanner backend chosen at
// startup. config.Load (via Config.Validate) already enforces exactly one
// is configured.
func buildScanner(policy config.GlobalPolicy) (scanner.Scanner, error) {
	if policy.UsesClamAV() {
		return scanner.NewClamAVScanner(policy.ClamdSocket, scannerTimeout), nil
	}
	return scanner.NewICAPScanner(policy.ICAPHost, policy.ICAPPort, policy.ICAPService, policy.ICAPTLS, scannerTimeout), nil
}
