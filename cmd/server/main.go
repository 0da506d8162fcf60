package main

import (
	"flag"
	"log"
	"os"

	approuters "Deskwire/internal/app_routers"
	"Deskwire/internal/configuration"
)

func main() {
	defaultPath := os.Getenv("DW_CONFIG")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to config file")
	flag.Parse()

	container, err := configuration.BuildContainer(*configPath)
	if err != nil {
		log.Fatalf("Failed to build container: %v", err)
	}

	// Ensure cleanup on shutdown
	defer container.Close()

	approuters.StartServer(container)
}
