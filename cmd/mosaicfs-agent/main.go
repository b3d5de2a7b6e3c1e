// Command mosaicfs-agent runs one node's VFS engine: it loads
// configuration, wires the engine together, and serves the peer transfer,
// metrics, and ops HTTP surfaces until it receives a termination signal.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mosaicfs/mosaicfs/internal/config"
	"github.com/mosaicfs/mosaicfs/internal/engine"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (defaults to built-in + MOSAICFS_ env overrides)")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			log.Fatalf("failed to load configuration from %s: %v", *configPath, err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("failed to apply environment overrides: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	if err := e.Start(ctx); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	<-ctx.Done()
	log.Printf("received shutdown signal, stopping engine...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Stop(shutdownCtx); err != nil {
		log.Fatalf("error during engine shutdown: %v", err)
	}
}
