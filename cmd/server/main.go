package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	port := flag.String("port", cfg.Server.Port, "Server port")
	workspace := flag.String("workspace", cfg.Workspace.Root, "Workspace root")
	mode := flag.String("runtime", cfg.Runtime.Mode, "Runtime mode: inprocess or subprocess")
	flag.Parse()

	cfg.Server.Port = *port
	cfg.Workspace.Root = *workspace
	cfg.Runtime.Mode = *mode
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	srv, err := server.NewServer(cfg, server.Options{})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)
	if err := srv.Close(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	if runErr != nil {
		log.Fatalf("Server error: %v", runErr)
	}
}
